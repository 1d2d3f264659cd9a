package credential

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/voicegate/internal/observability"
	"github.com/ent0n29/voicegate/internal/realtime"
	"github.com/ent0n29/voicegate/internal/reliability"
)

func testConfig() realtime.SessionConfig {
	return realtime.Defaults{
		Model:               "gpt-realtime",
		Voice:               "ballad",
		TranscriptionModel:  "whisper-1",
		MaxInstructionChars: 4000,
		VADThreshold:        0.5,
		VADPrefixPadding:    300 * time.Millisecond,
		VADSilence:          500 * time.Millisecond,
	}.Build(realtime.IntentConversation, "")
}

func newTestBroker(t *testing.T, flow Flow, handler http.HandlerFunc) (*Broker, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	b := NewBroker(Config{
		APIKey:  "sk-test-key",
		BaseURL: srv.URL,
		Flow:    flow,
		Timeout: 2 * time.Second,
	}, zerolog.Nop(), nil)
	return b, srv
}

func TestMintSessionFlow(t *testing.T) {
	expires := time.Now().Add(time.Minute).Unix()
	var gotPath, gotAuth, gotBeta string
	var gotBody map[string]any
	b, _ := newTestBroker(t, FlowSession, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotBeta = r.Header.Get("OpenAI-Beta")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":            "sess_123",
			"client_secret": map[string]any{"value": "ek_abc123456789", "expires_at": expires},
		})
	})

	cred, err := b.Mint(t.Context(), testConfig())
	require.NoError(t, err)

	assert.Equal(t, "/v1/realtime/sessions", gotPath)
	assert.Equal(t, "Bearer sk-test-key", gotAuth)
	assert.Equal(t, "realtime=v1", gotBeta)
	assert.Equal(t, "gpt-realtime", gotBody["model"])
	assert.Equal(t, "sess_123", cred.UpstreamSessionID)
	assert.Equal(t, time.Unix(expires, 0), cred.ExpiresAt)
	assert.Equal(t, FlowSession, cred.Flow)

	token, err := cred.Use()
	require.NoError(t, err)
	assert.Equal(t, "ek_abc123456789", token)
}

func TestMintClientSecretFlow(t *testing.T) {
	var gotPath, gotBeta string
	var gotBody map[string]any
	b, _ := newTestBroker(t, FlowClientSecret, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotBeta = r.Header.Get("OpenAI-Beta")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"value":      "ek_client_secret",
			"expires_at": time.Now().Add(10 * time.Minute).Unix(),
			"session":    map[string]any{"id": "sess_ga"},
		})
	})

	cred, err := b.Mint(t.Context(), testConfig())
	require.NoError(t, err)
	assert.Equal(t, "/v1/realtime/client_secrets", gotPath)
	assert.Equal(t, "sess_ga", cred.UpstreamSessionID)
	assert.Equal(t, "ek_client_secret", mustUse(t, cred))
	assert.Empty(t, gotBeta)

	session, ok := gotBody["session"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "realtime", session["type"])
	assert.Equal(t, "gpt-realtime", session["model"])
	expiresAfter, ok := gotBody["expires_after"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "created_at", expiresAfter["anchor"])
	assert.Equal(t, 600.0, expiresAfter["seconds"])
}

func TestMintClientSecretUpstreamErrorKeepsBody(t *testing.T) {
	var calls atomic.Int32
	b, _ := newTestBroker(t, FlowWebhook, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit_error"}}`))
	})

	_, err := b.Mint(t.Context(), testConfig())
	require.ErrorIs(t, err, ErrCredentialUnavailable)
	ue, ok := reliability.AsUpstreamError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusTooManyRequests, ue.Status)
	assert.Equal(t, `{"error":{"message":"slow down","type":"rate_limit_error"}}`, ue.Body)
	assert.True(t, ue.Retryable())
	assert.Equal(t, int32(1), calls.Load())
}

func TestMintTranscriptionEndpoint(t *testing.T) {
	var gotPath string
	b, _ := newTestBroker(t, FlowSession, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"client_secret":{"value":"ek_transcribe","expires_at":0}}`))
	})

	cfg := testConfig()
	cfg.Intent = realtime.IntentTranscription
	cred, err := b.Mint(t.Context(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "/v1/realtime/transcription_sessions", gotPath)
	assert.True(t, cred.ExpiresAt.After(time.Now()))
}

func TestMintUpstreamFailureIsUnavailable(t *testing.T) {
	b, _ := newTestBroker(t, FlowSession, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"boom"}}`))
	})

	cred, err := b.Mint(t.Context(), testConfig())
	require.Error(t, err)
	assert.Nil(t, cred)
	assert.ErrorIs(t, err, ErrCredentialUnavailable)

	ue, ok := reliability.AsUpstreamError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusInternalServerError, ue.Status)
	assert.Contains(t, ue.Body, "boom")
}

func TestMintMissingTokenIsUnavailable(t *testing.T) {
	b, _ := newTestBroker(t, FlowSession, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"sess_1","client_secret":{"value":"  "}}`))
	})

	_, err := b.Mint(t.Context(), testConfig())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCredentialUnavailable)
	assert.Contains(t, err.Error(), "missing ephemeral token")
}

func TestMintExpiredBeforeUse(t *testing.T) {
	b, _ := newTestBroker(t, FlowSession, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"client_secret": map[string]any{"value": "ek_stale", "expires_at": time.Now().Add(-time.Minute).Unix()},
		})
	})

	_, err := b.Mint(t.Context(), testConfig())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCredentialUnavailable)
	assert.ErrorIs(t, err, ErrCredentialExpired)
}

func TestMintNeverRetries(t *testing.T) {
	var calls atomic.Int32
	b, _ := newTestBroker(t, FlowSession, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := b.Mint(t.Context(), testConfig())
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestMintRateLimitedFailsFast(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"client_secret":{"value":"ek_one"}}`))
	}))
	t.Cleanup(srv.Close)
	b := NewBroker(Config{
		APIKey:        "sk-test",
		BaseURL:       srv.URL,
		RatePerSecond: 0.001,
		Burst:         1,
	}, zerolog.Nop(), nil)

	_, err := b.Mint(t.Context(), testConfig())
	require.NoError(t, err)
	_, err = b.Mint(t.Context(), testConfig())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCredentialUnavailable)
	assert.Equal(t, int32(1), calls.Load())
}

func TestMintOutcomesAreAttributedToTransport(t *testing.T) {
	metrics := observability.NewMetrics("test")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"client_secret":{"value":"ek_one"}}`))
	}))
	t.Cleanup(srv.Close)
	b := NewBroker(Config{
		APIKey:        "sk-test",
		BaseURL:       srv.URL,
		RatePerSecond: 0.001,
		Burst:         1,
	}, zerolog.Nop(), metrics)

	ctx := observability.WithTransport(t.Context(), "signaling")
	_, err := b.Mint(ctx, testConfig())
	require.NoError(t, err)
	_, err = b.Mint(ctx, testConfig())
	require.Error(t, err)

	snap := metrics.SnapshotEstablishment()
	require.Len(t, snap.Outcomes, 1)
	assert.Equal(t, observability.TransportOutcomes{Transport: "signaling", Minted: 1, RateLimited: 1}, snap.Outcomes[0])
	require.Len(t, snap.Stages, 1)
	assert.Equal(t, observability.StageCredentialMint, snap.Stages[0].Stage)
	assert.Equal(t, 1, snap.Stages[0].Samples)
}

func TestCredentialSingleUse(t *testing.T) {
	cred := newCredential("ek_once", time.Now().Add(time.Minute), FlowSession, testConfig(), nil)

	token, err := cred.Use()
	require.NoError(t, err)
	assert.Equal(t, "ek_once", token)

	_, err = cred.Use()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCredentialUsed))
	assert.True(t, errors.Is(err, ErrCredentialUnavailable))
}

func TestCredentialExpiry(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	cred := newCredential("ek_soon", now.Add(time.Second), FlowSession, testConfig(), clock)

	now = now.Add(2 * time.Second)
	_, err := cred.Use()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCredentialExpired)

	_, err = cred.Use()
	assert.ErrorIs(t, err, ErrCredentialUsed)
}

func TestCredentialConfigIsDetached(t *testing.T) {
	cfg := testConfig()
	cfg.Tools = []realtime.ToolDefinition{{Type: "function", Name: "toggle_theme", Parameters: json.RawMessage(`{}`)}}
	cred := newCredential("ek", time.Now().Add(time.Minute), FlowSession, cfg, nil)

	cfg.Tools[0].Name = "mutated"
	assert.Equal(t, "toggle_theme", cred.Config().Tools[0].Name)
}

func mustUse(t *testing.T, cred *Credential) string {
	t.Helper()
	token, err := cred.Use()
	require.NoError(t, err)
	return token
}

func TestParseFlow(t *testing.T) {
	f, err := ParseFlow(" Client_Secret ")
	require.NoError(t, err)
	assert.Equal(t, FlowClientSecret, f)
	assert.True(t, f.UsesClientSecrets())
	assert.False(t, FlowSession.UsesClientSecrets())

	_, err = ParseFlow("other")
	require.Error(t, err)
}
