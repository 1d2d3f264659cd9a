package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/voicegate/internal/credential"
	"github.com/ent0n29/voicegate/internal/observability"
	"github.com/ent0n29/voicegate/internal/reliability"
	"github.com/ent0n29/voicegate/internal/session"
	"github.com/ent0n29/voicegate/internal/signaling"
)

const maxOfferBytes = 256 << 10

// handleRTCConnect establishes a signaling session: the browser posts its SDP
// offer and receives the upstream answer. The registry entry is created before
// the exchange and held while it runs; a failed exchange closes and removes it.
func (s *Server) handleRTCConnect(w http.ResponseWriter, r *http.Request) {
	if s.exchanger == nil {
		respondText(w, http.StatusNotImplemented, "Signaling is not configured")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxOfferBytes))
	if err != nil {
		respondText(w, http.StatusBadRequest, "Failed to read SDP offer: "+err.Error())
		return
	}
	offer := string(body)
	if strings.TrimSpace(offer) == "" {
		respondText(w, http.StatusBadRequest, "No SDP provided")
		return
	}
	if err := signaling.ValidateOffer(offer); err != nil {
		respondText(w, http.StatusBadRequest, err.Error())
		return
	}

	sess, err := s.sessions.Create(strings.TrimSpace(r.Header.Get("X-Session-Id")), session.TransportSignaling)
	if err != nil {
		if errors.Is(err, session.ErrDuplicateSession) {
			respondText(w, http.StatusConflict, "Session already active")
			return
		}
		respondText(w, http.StatusInternalServerError, err.Error())
		return
	}
	log := s.log.With().Str("session_id", sess.ID).Logger()

	started := time.Now()
	cfg := s.sessionConfig(r, visitorOf(r))
	ctx := observability.WithTransport(r.Context(), string(session.TransportSignaling))
	answer, err := s.exchanger.Exchange(ctx, cfg, offer)
	if err != nil {
		_ = sess.Transition(session.StateClosed)
		s.sessions.Remove(sess.ID)
		s.metrics.SessionEvents.WithLabelValues("establish_failed").Inc()
		status, msg := signalingFailure(err)
		log.Warn().Err(err).Int("status", status).Msg("signaling establishment failed")
		respondText(w, status, msg)
		return
	}

	sess.SetUpstreamRef(answer.CallID)
	if err := sess.Transition(session.StateActive); err != nil {
		s.sessions.Remove(sess.ID)
		respondText(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.refreshGauge()
	s.metrics.SessionEvents.WithLabelValues("active").Inc()
	s.metrics.ObserveEstablish(string(session.TransportSignaling), time.Since(started))
	log.Info().Str("call_id", answer.CallID).Dur("establish", time.Since(started)).Msg("signaling session active")

	w.Header().Set("Content-Type", "application/sdp")
	w.Header().Set("X-Session-Id", sess.ID)
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, answer.SDP)
}

// signalingFailure maps an establishment error onto the HTTP status and the
// plain-text body returned to the browser. Upstream diagnostics are echoed.
func signalingFailure(err error) (int, string) {
	ue, hasUpstream := reliability.AsUpstreamError(err)
	switch {
	case errors.Is(err, signaling.ErrInvalidOffer):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, credential.ErrCredentialUnavailable):
		if hasUpstream {
			return http.StatusInternalServerError, withBody("Failed to create realtime session", ue)
		}
		return http.StatusInternalServerError, "Failed to create realtime session: " + err.Error()
	case hasUpstream:
		return http.StatusBadGateway, withBody("SDP exchange error", ue)
	default:
		return http.StatusBadGateway, "SDP exchange error: " + err.Error()
	}
}

func withBody(prefix string, ue *reliability.UpstreamError) string {
	msg := fmt.Sprintf("%s (upstream status %d)", prefix, ue.Status)
	if body := strings.TrimSpace(ue.Body); body != "" {
		msg += ": " + body
	}
	return msg
}
