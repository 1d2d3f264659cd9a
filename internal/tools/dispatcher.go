package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/ent0n29/voicegate/internal/observability"
	"github.com/ent0n29/voicegate/internal/policy"
	"github.com/ent0n29/voicegate/internal/session"
)

type Status string

const (
	StatusPending  Status = "PENDING"
	StatusExecuted Status = "EXECUTED"
	StatusFailed   Status = "FAILED"
)

// Error codes carried by FAILED results.
const (
	CodeUnknownTool          = "UnknownTool"
	CodeInvalidArguments     = "InvalidArguments"
	CodeToolExecutionTimeout = "ToolExecutionTimeout"
	CodeToolExecutionFailed  = "ToolExecutionFailed"
)

// Call is one function call emitted by the upstream model.
type Call struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

type Result struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`

	// Arguments holds the validated arguments for UI intents the browser
	// performs.
	Arguments json.RawMessage `json:"-"`
	UIIntent  bool            `json:"-"`
	// Replayed is set when the result came from the store instead of a fresh
	// execution.
	Replayed bool `json:"-"`
}

// UpstreamOutput is the function_call_output payload returned to the model.
func (r Result) UpstreamOutput() string {
	payload := map[string]any{"status": r.Status}
	switch r.Status {
	case StatusExecuted:
		if r.Output != "" {
			payload["result"] = r.Output
		}
	case StatusFailed:
		payload["error"] = r.Error
		if r.Message != "" {
			payload["message"] = r.Message
		}
	}
	raw, _ := json.Marshal(payload)
	return string(raw)
}

// Sessions is the slice of the session registry the dispatcher reads.
type Sessions interface {
	Get(id string) (*session.Session, bool)
}

type Asker interface {
	Ask(ctx context.Context, imageDataURL, prompt string) (string, error)
}

// Dispatcher executes whitelisted tool calls at most once per call id.
type Dispatcher struct {
	sessions Sessions
	vision   Asker
	store    *resultStore
	log      zerolog.Logger
	metrics  *observability.Metrics
}

func NewDispatcher(sessions Sessions, vision Asker, resultTTL time.Duration, log zerolog.Logger, metrics *observability.Metrics) *Dispatcher {
	if metrics == nil {
		metrics = observability.NewMetrics("voicegate")
	}
	return &Dispatcher{
		sessions: sessions,
		vision:   vision,
		store:    newResultStore(resultTTL),
		log:      log.With().Str("component", "tool-dispatcher").Logger(),
		metrics:  metrics,
	}
}

// Execute runs call for sessionID. Failures are returned as FAILED results and
// never as errors so the conversation can continue.
func (d *Dispatcher) Execute(ctx context.Context, sessionID string, call Call) Result {
	call.ID = strings.TrimSpace(call.ID)
	if call.ID == "" {
		call.ID = "call_" + uuid.NewString()
	}
	if d.sessions != nil && sessionID != "" {
		if s, ok := d.sessions.Get(sessionID); ok {
			s.Touch()
		}
	}

	if r, ok := d.store.get(call.ID); ok {
		r.Replayed = true
		return r
	}
	// Concurrent duplicates share the leader's result; only the caller whose
	// function ran reports it as fresh.
	ran := false
	v, _, shared := d.store.group.Do(call.ID, func() (any, error) {
		ran = true
		if r, ok := d.store.get(call.ID); ok {
			r.Replayed = true
			return r, nil
		}
		r := d.run(ctx, sessionID, call)
		d.store.put(r)
		return r, nil
	})
	r := v.(Result)
	if shared && !ran {
		r.Replayed = true
	}
	return r
}

func (d *Dispatcher) run(ctx context.Context, sessionID string, call Call) Result {
	log := d.log.With().Str("session_id", sessionID).Str("call_id", call.ID).Str("tool", call.Name).Logger()
	res := Result{CallID: call.ID, Name: call.Name, Status: StatusPending}

	args, err := Decode(call.Name, call.Arguments)
	if err != nil {
		res = fail(res, err)
		log.Warn().Str("code", res.Error).Str("args", policy.ForLog(string(call.Arguments))).Msg("tool call rejected")
		d.count(res)
		return res
	}

	if IsUIIntent(call.Name) {
		normalized, _ := json.Marshal(args)
		res.Status = StatusExecuted
		res.UIIntent = true
		res.Arguments = normalized
		res.Output = "ok"
		log.Info().Str("args", policy.ForLog(string(normalized))).Msg("ui intent accepted")
		d.count(res)
		return res
	}

	switch a := args.(type) {
	case *VisionArgs:
		if d.vision == nil {
			res = fail(res, errors.New("vision is not configured"))
			break
		}
		text, err := d.vision.Ask(ctx, a.ImageDataURL, a.Question)
		if err != nil {
			res = fail(res, err)
			log.Warn().Err(err).Str("code", res.Error).Msg("vision tool failed")
			break
		}
		res.Status = StatusExecuted
		res.Output = text
	default:
		res = fail(res, errors.New("tool has no executor"))
	}
	d.count(res)
	return res
}

func (d *Dispatcher) count(r Result) {
	tool := r.Name
	if !Known(tool) {
		tool = "unknown"
	}
	d.metrics.ToolCalls.WithLabelValues(tool, string(r.Status)).Inc()
}

func fail(r Result, err error) Result {
	r.Status = StatusFailed
	r.Message = err.Error()
	switch {
	case errors.Is(err, ErrUnknownTool):
		r.Error = CodeUnknownTool
	case errors.Is(err, ErrInvalidArguments), errors.Is(err, ErrInvalidImage):
		r.Error = CodeInvalidArguments
	case errors.Is(err, ErrToolExecutionTimeout), errors.Is(err, context.DeadlineExceeded):
		r.Error = CodeToolExecutionTimeout
	default:
		r.Error = CodeToolExecutionFailed
	}
	return r
}

// resultStore keeps terminal results so replays of a call id are answered
// from memory. Entries older than ttl are swept on write.
type resultStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	results map[string]storedResult
	group   singleflight.Group
}

type storedResult struct {
	result Result
	at     time.Time
}

func newResultStore(ttl time.Duration) *resultStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &resultStore{ttl: ttl, results: make(map[string]storedResult)}
}

func (s *resultStore) get(id string) (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.results[id]
	if !ok || time.Since(e.at) > s.ttl {
		return Result{}, false
	}
	return e.result, true
}

func (s *resultStore) put(r Result) {
	if r.Status == StatusPending {
		return
	}
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.results {
		if now.Sub(e.at) > s.ttl {
			delete(s.results, id)
		}
	}
	s.results[r.CallID] = storedResult{result: r, at: now}
}
