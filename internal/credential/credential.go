package credential

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ent0n29/voicegate/internal/realtime"
)

var (
	ErrCredentialUnavailable = errors.New("credential unavailable")
	ErrCredentialUsed        = errors.New("credential already used")
	ErrCredentialExpired     = errors.New("credential expired")
)

// Flow is the upstream credential-issuance flow selected for the deployment.
type Flow string

const (
	FlowSession      Flow = "session"
	FlowClientSecret Flow = "client_secret"
	FlowWebhook      Flow = "webhook"
)

func ParseFlow(raw string) (Flow, error) {
	switch f := Flow(strings.ToLower(strings.TrimSpace(raw))); f {
	case FlowSession, FlowClientSecret, FlowWebhook:
		return f, nil
	default:
		return "", fmt.Errorf("unknown credential flow %q", raw)
	}
}

// UsesClientSecrets reports whether the flow mints through the client_secrets
// endpoint and signals through the calls endpoint.
func (f Flow) UsesClientSecrets() bool {
	return f == FlowClientSecret || f == FlowWebhook
}

// Credential is a single-use ephemeral bearer token plus the session config it
// was minted for.
type Credential struct {
	ExpiresAt         time.Time
	UpstreamSessionID string
	Flow              Flow

	value  string
	config realtime.SessionConfig
	used   atomic.Bool
	now    func() time.Time
}

func newCredential(value string, expiresAt time.Time, flow Flow, cfg realtime.SessionConfig, now func() time.Time) *Credential {
	if now == nil {
		now = time.Now
	}
	return &Credential{
		ExpiresAt: expiresAt,
		Flow:      flow,
		value:     value,
		config:    cfg.Clone(),
		now:       now,
	}
}

// Config returns a copy of the session config bound to this credential.
func (c *Credential) Config() realtime.SessionConfig {
	return c.config.Clone()
}

// Use hands out the token for exactly one handshake. Later calls, and calls
// after expiry, fail.
func (c *Credential) Use() (string, error) {
	if !c.used.CompareAndSwap(false, true) {
		return "", fmt.Errorf("%w: %w", ErrCredentialUnavailable, ErrCredentialUsed)
	}
	if !c.now().Before(c.ExpiresAt) {
		return "", fmt.Errorf("%w: %w", ErrCredentialUnavailable, ErrCredentialExpired)
	}
	return c.value, nil
}
