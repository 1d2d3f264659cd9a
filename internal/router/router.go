package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ent0n29/voicegate/internal/observability"
	"github.com/ent0n29/voicegate/internal/realtime"
	"github.com/ent0n29/voicegate/internal/reliability"
	"github.com/ent0n29/voicegate/internal/session"
	"github.com/ent0n29/voicegate/internal/tools"
)

var ErrMalformedEvent = errors.New("malformed event")

type Kind int

const (
	KindIgnored Kind = iota
	KindTranscriptDelta
	KindTranscriptCompleted
	KindToolCall
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindTranscriptDelta:
		return "transcript_delta"
	case KindTranscriptCompleted:
		return "transcript_completed"
	case KindToolCall:
		return "tool_call"
	case KindError:
		return "error"
	default:
		return "ignored"
	}
}

type Transcript struct {
	Text   string
	Role   string
	ItemID string
	Final  bool
}

type Notice struct {
	Message string
	Code    string
	Fatal   bool
}

// Routed is the classification of one upstream event. Exactly one of
// Transcript, ToolCall and Notice is set for the matching Kind.
type Routed struct {
	Kind       Kind
	EventType  string
	Transcript *Transcript
	ToolCall   *tools.Call
	Notice     *Notice
}

type Sessions interface {
	Get(id string) (*session.Session, bool)
}

// Router classifies upstream realtime events. It holds no per-session state,
// so ordering is preserved by calling it from the session's single reader.
type Router struct {
	sessions Sessions
	log      zerolog.Logger
	metrics  *observability.Metrics
}

func New(sessions Sessions, log zerolog.Logger, metrics *observability.Metrics) *Router {
	if metrics == nil {
		metrics = observability.NewMetrics("voicegate")
	}
	return &Router{
		sessions: sessions,
		log:      log.With().Str("component", "event-router").Logger(),
		metrics:  metrics,
	}
}

// Route classifies raw for sessionID. Malformed payloads are logged and
// reported with ErrMalformedEvent; callers drop them. Events for sessions no
// longer in the registry are ignored.
func (r *Router) Route(sessionID string, raw []byte) (Routed, error) {
	routed, err := r.classify(raw)
	if err != nil {
		r.metrics.WSMessages.WithLabelValues("upstream_in", "malformed").Inc()
		r.log.Warn().Err(err).Str("session_id", sessionID).Int("bytes", len(raw)).Msg("dropping malformed upstream event")
		return Routed{Kind: KindIgnored}, err
	}
	r.metrics.WSMessages.WithLabelValues("upstream_in", routed.Kind.String()).Inc()

	if r.sessions != nil {
		s, ok := r.sessions.Get(sessionID)
		if !ok {
			return Routed{Kind: KindIgnored, EventType: routed.EventType}, nil
		}
		s.Touch()
	}
	if routed.Kind == KindError {
		ev := r.log.Info()
		if routed.Notice.Fatal {
			ev = r.log.Warn()
		}
		ev.Str("session_id", sessionID).
			Str("code", routed.Notice.Code).
			Bool("fatal", routed.Notice.Fatal).
			Msg("upstream error event")
	}
	return routed, nil
}

func (r *Router) classify(raw []byte) (Routed, error) {
	var ev realtime.ServerEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Routed{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	ev.Type = strings.TrimSpace(ev.Type)
	if ev.Type == "" {
		return Routed{}, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}
	out := Routed{Kind: KindIgnored, EventType: ev.Type}

	switch ev.Type {
	case realtime.EventInputTranscriptDelta:
		return transcript(out, ev.Delta, "user", ev.ItemID, false), nil
	case realtime.EventInputTranscriptCompleted:
		return transcript(out, ev.Transcript, "user", ev.ItemID, true), nil
	case realtime.EventAudioTranscriptDelta, realtime.EventOutputTranscriptDelta,
		realtime.EventTextDelta, realtime.EventOutputTextDelta:
		return transcript(out, ev.Delta, "assistant", ev.ItemID, false), nil
	case realtime.EventAudioTranscriptDone, realtime.EventOutputTranscriptDone:
		return transcript(out, ev.Transcript, "assistant", ev.ItemID, true), nil
	case realtime.EventTextDone, realtime.EventOutputTextDone:
		return transcript(out, ev.Text, "assistant", ev.ItemID, true), nil

	case realtime.EventFunctionCallArgsDone:
		if strings.TrimSpace(ev.Name) == "" || strings.TrimSpace(ev.CallID) == "" {
			return Routed{}, fmt.Errorf("%w: function call without name or call_id", ErrMalformedEvent)
		}
		out.Kind = KindToolCall
		out.ToolCall = &tools.Call{ID: ev.CallID, Name: ev.Name, Arguments: json.RawMessage(quoteArgs(ev.Arguments))}
		return out, nil

	case realtime.EventOutputItemDone:
		if ev.Item == nil || ev.Item.Type != "function_call" {
			return out, nil
		}
		if strings.TrimSpace(ev.Item.Name) == "" || strings.TrimSpace(ev.Item.CallID) == "" {
			return Routed{}, fmt.Errorf("%w: function call item without name or call_id", ErrMalformedEvent)
		}
		out.Kind = KindToolCall
		out.ToolCall = &tools.Call{ID: ev.Item.CallID, Name: ev.Item.Name, Arguments: json.RawMessage(quoteArgs(ev.Item.Arguments))}
		return out, nil

	case realtime.EventError:
		if ev.Error == nil {
			return Routed{}, fmt.Errorf("%w: error event without error body", ErrMalformedEvent)
		}
		msg := strings.TrimSpace(ev.Error.Message)
		if msg == "" {
			msg = "upstream error"
		}
		out.Kind = KindError
		out.Notice = &Notice{Message: msg, Code: ev.Error.Code, Fatal: isFatal(ev.Error)}
		return out, nil
	}
	return out, nil
}

func transcript(out Routed, text, role, itemID string, final bool) Routed {
	if text == "" {
		return out
	}
	out.Kind = KindTranscriptDelta
	if final {
		out.Kind = KindTranscriptCompleted
	}
	out.Transcript = &Transcript{Text: text, Role: role, ItemID: itemID, Final: final}
	return out
}

// quoteArgs keeps arguments as the JSON string the model produced so the
// dispatcher sees the same shape from every source.
func quoteArgs(args string) []byte {
	raw, _ := json.Marshal(args)
	return raw
}

func isFatal(e *realtime.ErrorDetail) bool {
	if e.Fatal != nil {
		return *e.Fatal
	}
	if e.Recoverable != nil {
		return !*e.Recoverable
	}
	return reliability.IsFatalRealtimeError(e.Type, e.Code)
}
