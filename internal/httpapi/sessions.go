package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/voicegate/internal/session"
)

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"sessions": s.sessions.List()})
}

// handleEndSession closes a session on request. Relay sessions are cancelled
// and finish asynchronously; signaling entries are closed in place.
func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	sess, ok := s.sessions.Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, "session_not_found", session.ErrNotFound.Error())
		return
	}

	if sess.Cancel() {
		s.metrics.SessionEvents.WithLabelValues("end_requested").Inc()
		respondJSON(w, http.StatusAccepted, sess.Info())
		return
	}

	_ = sess.Transition(session.StateClosing)
	_ = sess.Transition(session.StateClosed)
	_ = sess.ReleaseUpstream()
	s.sessions.Remove(id)
	s.refreshGauge()
	s.metrics.SessionEvents.WithLabelValues("ended").Inc()
	respondJSON(w, http.StatusOK, sess.Info())
}
