package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicegate/internal/protocol"
	"github.com/ent0n29/voicegate/internal/session"
)

// handleRealtimeWS runs a relay session over the browser socket. The relay
// owns the session; this handler owns the client connection and its two
// queues.
func (s *Server) handleRealtimeWS(w http.ResponseWriter, r *http.Request) {
	if s.relay == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "relay not configured")
		return
	}

	requested := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if requested == "" {
		requested = strings.TrimSpace(r.Header.Get("X-Session-Id"))
	}
	sess, err := s.sessions.Create(requested, session.TransportRelay)
	if err != nil {
		if errors.Is(err, session.ErrDuplicateSession) {
			respondError(w, http.StatusConflict, "duplicate_session", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "session_create_failed", err.Error())
		return
	}
	cfg := s.sessionConfig(r, visitorOf(r))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		_ = sess.Transition(session.StateClosed)
		s.sessions.Remove(sess.ID)
		return
	}
	defer conn.Close()

	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()
	log := s.log.With().Str("session_id", sess.ID).Logger()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 256)
	outbound := make(chan any, 256)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		defer close(outbound)
		if err := s.relay.Run(ctx, sess, cfg, inbound, outbound); err != nil {
			log.Debug().Err(err).Msg("relay run ended with error")
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		failed := false
		for msg := range outbound {
			if failed {
				s.metrics.OutboundDiscarded.WithLabelValues(messageTypeOf(msg)).Inc()
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				log.Debug().Err(err).Msg("client write failed")
				failed = true
				cancel()
				continue
			}
			s.metrics.WSMessages.WithLabelValues("outbound", messageTypeOf(msg)).Inc()
		}
		if !failed {
			closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed")
			_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
		}
		_ = conn.Close()
	}()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))

		var msg any
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			msg = protocol.Invalid{Reason: err.Error()}
		} else {
			msg = parsed
		}
		s.metrics.WSMessages.WithLabelValues("inbound", messageTypeOf(msg)).Inc()

		select {
		case <-ctx.Done():
			break readLoop
		case <-runDone:
			break readLoop
		case inbound <- msg:
		}
	}

	close(inbound)
	<-runDone
	<-writerDone
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

func messageTypeOf(v any) string {
	switch m := v.(type) {
	case protocol.AudioData:
		return string(m.Type)
	case protocol.Disconnect:
		return string(m.Type)
	case protocol.Connect:
		return string(m.Type)
	case protocol.TranscriptUpdate:
		return string(m.Type)
	case protocol.ToolCall:
		return string(m.Type)
	case protocol.Error:
		return string(m.Type)
	case protocol.Invalid:
		return "invalid"
	default:
		return "unknown"
	}
}
