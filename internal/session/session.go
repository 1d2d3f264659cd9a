package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// TransportKind selects how a session reaches the upstream service.
type TransportKind string

const (
	TransportRelay     TransportKind = "relay"
	TransportSignaling TransportKind = "signaling"
)

// State is a position in the session lifecycle.
type State string

const (
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
)

var (
	ErrNotFound          = errors.New("session not found")
	ErrDuplicateSession  = errors.New("duplicate session")
	ErrInvalidTransition = errors.New("invalid session state transition")
	ErrUpstreamAttached  = errors.New("upstream handle already attached")
)

var transitions = map[State][]State{
	StateConnecting: {StateActive, StateClosed},
	StateActive:     {StateClosing},
	StateClosing:    {StateClosed},
}

// Session is one browser-to-upstream conversation.
//
// Lifecycle fields are mutated by the goroutine that owns the session; the
// mutex only makes concurrent reads from the registry and janitor safe.
type Session struct {
	ID        string
	Transport TransportKind
	CreatedAt time.Time

	mu           sync.Mutex
	state        State
	lastActivity time.Time
	upstream     io.Closer
	released     bool
	cancel       context.CancelFunc
	upstreamRef  string
	expired      bool
}

// Info is a point-in-time view of a session for diagnostics.
type Info struct {
	ID             string        `json:"session_id"`
	Transport      TransportKind `json:"transport"`
	State          State         `json:"state"`
	UpstreamRef    string        `json:"upstream_ref,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	LastActivityAt time.Time     `json:"last_activity_at"`
}

func newSession(id string, kind TransportKind, now time.Time) *Session {
	return &Session{
		ID:           id,
		Transport:    kind,
		CreatedAt:    now,
		state:        StateConnecting,
		lastActivity: now,
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transition moves the session to the next lifecycle state. Re-entering the
// current state is a no-op; CLOSED is terminal.
func (s *Session) Transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == to {
		return nil
	}
	for _, next := range transitions[s.state] {
		if next == to {
			s.state = to
			s.lastActivity = time.Now().UTC()
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, to)
}

// AttachUpstream hands the upstream link to the session. At most one handle
// may be attached for the session's lifetime.
func (s *Session) AttachUpstream(c io.Closer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return fmt.Errorf("%w: session closed", ErrInvalidTransition)
	}
	if s.upstream != nil || s.released {
		return ErrUpstreamAttached
	}
	s.upstream = c
	return nil
}

// ReleaseUpstream closes the attached upstream handle exactly once.
func (s *Session) ReleaseUpstream() error {
	s.mu.Lock()
	if s.released || s.upstream == nil {
		s.released = true
		s.mu.Unlock()
		return nil
	}
	c := s.upstream
	s.released = true
	s.mu.Unlock()
	return c.Close()
}

func (s *Session) SetUpstreamRef(ref string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upstreamRef = ref
}

func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now().UTC()
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// BindCancel registers the owner's cancel func so the janitor or an explicit
// end request can stop the owning goroutine.
func (s *Session) BindCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel = cancel
}

// Cancel asks the owner to shut the session down. It reports false when no
// owner is bound.
func (s *Session) Cancel() bool {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:             s.ID,
		Transport:      s.Transport,
		State:          s.state,
		UpstreamRef:    s.upstreamRef,
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.lastActivity,
	}
}

func (s *Session) markExpired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expired {
		return false
	}
	s.expired = true
	return true
}
