package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	rtapi "github.com/openai/openai-go/v3/realtime"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ent0n29/voicegate/internal/observability"
	"github.com/ent0n29/voicegate/internal/policy"
	"github.com/ent0n29/voicegate/internal/realtime"
	"github.com/ent0n29/voicegate/internal/reliability"
)

const defaultCredentialTTL = time.Minute

type Config struct {
	APIKey          string
	BaseURL         string
	Flow            Flow
	Timeout         time.Duration
	RatePerSecond   float64
	Burst           int
	ClientSecretTTL time.Duration
}

// Broker mints ephemeral credentials from the upstream control plane. It
// never retries: the control plane is rate-sensitive and every attempt must
// use a fresh credential.
type Broker struct {
	cfg     Config
	client  openai.Client
	limiter *rate.Limiter
	log     zerolog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

func NewBroker(cfg Config, log zerolog.Logger, metrics *observability.Metrics) *Broker {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Flow == "" {
		cfg.Flow = FlowSession
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.ClientSecretTTL <= 0 {
		cfg.ClientSecretTTL = 10 * time.Minute
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if metrics == nil {
		metrics = observability.NewMetrics("voicegate")
	}
	return &Broker{
		cfg:     cfg,
		client: realtime.NewAPIClient(realtime.APIConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Timeout: cfg.Timeout,
		}),
		limiter: rate.NewLimiter(limit, cfg.Burst),
		log:     log.With().Str("component", "credential-broker").Str("flow", string(cfg.Flow)).Logger(),
		metrics: metrics,
		now:     time.Now,
	}
}

// minted is what either issuance path yields before validation.
type minted struct {
	value      string
	expiresAt  int64
	upstreamID string
}

type betaSessionResponse struct {
	ID           string `json:"id"`
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

// Mint performs one control-plane request for cfg. Every failure is reported
// as ErrCredentialUnavailable; upstream diagnostics stay reachable through
// reliability.AsUpstreamError.
func (b *Broker) Mint(ctx context.Context, cfg realtime.SessionConfig) (*Credential, error) {
	if !b.limiter.Allow() {
		b.metrics.ObserveMint(ctx, string(b.cfg.Flow), observability.OutcomeRateLimited)
		b.log.Warn().Str("intent", string(cfg.Intent)).Msg("credential mint rate limited")
		return nil, fmt.Errorf("%w: local mint rate exceeded", ErrCredentialUnavailable)
	}

	started := time.Now()
	cred, err := b.mint(ctx, cfg)
	b.metrics.ObserveStage(ctx, observability.StageCredentialMint, time.Since(started))
	if err != nil {
		b.metrics.ObserveMint(ctx, string(b.cfg.Flow), observability.OutcomeFailed)
		b.log.Warn().Err(err).Str("intent", string(cfg.Intent)).Msg("credential mint failed")
		return nil, err
	}
	b.metrics.ObserveMint(ctx, string(b.cfg.Flow), observability.OutcomeMinted)
	b.log.Debug().
		Str("intent", string(cfg.Intent)).
		Str("token", policy.MaskToken(cred.value)).
		Time("expires_at", cred.ExpiresAt).
		Msg("credential minted")
	return cred, nil
}

func (b *Broker) mint(ctx context.Context, cfg realtime.SessionConfig) (*Credential, error) {
	var (
		out minted
		err error
	)
	if b.cfg.Flow.UsesClientSecrets() {
		out, err = b.mintClientSecret(ctx, cfg)
	} else {
		out, err = b.mintSession(ctx, cfg)
	}
	if err != nil {
		if ue, ok := reliability.FromAPIError("create realtime session", err); ok {
			b.metrics.UpstreamErrors.WithLabelValues("credential", fmt.Sprint(ue.Status)).Inc()
			return nil, fmt.Errorf("%w: %w", ErrCredentialUnavailable, ue)
		}
		return nil, fmt.Errorf("%w: %w", ErrCredentialUnavailable, err)
	}

	value := strings.TrimSpace(out.value)
	if value == "" {
		return nil, fmt.Errorf("%w: missing ephemeral token", ErrCredentialUnavailable)
	}

	now := b.now()
	expiresAt := now.Add(defaultCredentialTTL)
	if out.expiresAt > 0 {
		expiresAt = time.Unix(out.expiresAt, 0)
	}
	if !now.Before(expiresAt) {
		return nil, fmt.Errorf("%w: %w: expired before use (expires_at=%s)", ErrCredentialUnavailable, ErrCredentialExpired, expiresAt.UTC().Format(time.RFC3339))
	}

	cred := newCredential(value, expiresAt, b.cfg.Flow, cfg, b.now)
	cred.UpstreamSessionID = out.upstreamID
	return cred, nil
}

// mintClientSecret binds cfg to a client secret through the GA endpoint.
func (b *Broker) mintClientSecret(ctx context.Context, cfg realtime.SessionConfig) (minted, error) {
	res, err := b.client.Realtime.ClientSecrets.New(ctx, rtapi.ClientSecretNewParams{
		ExpiresAfter: rtapi.ClientSecretNewParamsExpiresAfter{
			Anchor:  "created_at",
			Seconds: openai.Int(int64(b.cfg.ClientSecretTTL.Seconds())),
		},
		Session: realtime.ClientSecretSession(cfg),
	})
	if err != nil {
		return minted{}, err
	}
	return minted{value: res.Value, expiresAt: res.ExpiresAt, upstreamID: res.Session.ID}, nil
}

// mintSession creates a session through the beta sessions endpoints, which the
// SDK does not model, so the generic Post carries the local payload.
func (b *Broker) mintSession(ctx context.Context, cfg realtime.SessionConfig) (minted, error) {
	path := "realtime/sessions"
	if cfg.Intent == realtime.IntentTranscription {
		path = "realtime/transcription_sessions"
	}
	var raw []byte
	err := b.client.Post(ctx, path, realtime.BetaSessionFor(cfg), &raw,
		option.WithHeader("OpenAI-Beta", "realtime=v1"))
	if err != nil {
		return minted{}, err
	}
	var out betaSessionResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return minted{}, fmt.Errorf("malformed response: %w", err)
	}
	return minted{value: out.ClientSecret.Value, expiresAt: out.ClientSecret.ExpiresAt, upstreamID: out.ID}, nil
}
