package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/voicegate/internal/config"
)

func testConfig(flow string) config.Config {
	return config.Config{
		MetricsNamespace:       "test",
		SessionIdleTimeout:     time.Minute,
		SessionJanitorInterval: time.Second,
		OpenAIAPIKey:           "sk-test",
		OpenAIBaseURL:          "http://127.0.0.1:0",
		OpenAIRealtimeWSURL:    "ws://127.0.0.1:0/v1/realtime",
		CredentialFlow:         flow,
		RealtimeModel:          "gpt-realtime",
		RealtimeVoice:          "ballad",
		TranscriptionModel:     "whisper-1",
		InstructionsMaxChars:   16000,
		CredentialTimeout:      time.Second,
		SignalingTimeout:       time.Second,
		CredentialRPS:          5,
		CredentialBurst:        10,
		VisionModel:            "gpt-4.1-mini",
		VisionTimeout:          time.Second,
		VisionMaxImageBytes:    1 << 20,
		ToolResultTTL:          time.Minute,
		ContextTTL:             time.Minute,
	}
}

func TestBuildServesHealth(t *testing.T) {
	built, err := Build(context.Background(), testConfig(config.FlowSession), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, built.Cleanup()) })

	rec := httptest.NewRecorder()
	built.API.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"credential_flow":"session"`)

	rec = httptest.NewRecorder()
	built.API.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Contains(t, rec.Body.String(), `"context_store_mode":"in-memory"`)
}

func TestBuildMountsWebhookOnlyForWebhookFlow(t *testing.T) {
	body := `{"type":"tool_call","data":{"tool_call":{"id":"c1","function":{"name":"toggle_theme","arguments":"{}"}}}}`

	built, err := Build(context.Background(), testConfig(config.FlowWebhook), zerolog.Nop())
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	built.API.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/tool-call-handler", strings.NewReader(body)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"tool.run"`)

	built, err = Build(context.Background(), testConfig(config.FlowSession), zerolog.Nop())
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	built.API.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/tool-call-handler", strings.NewReader(body)))
	assert.NotEqual(t, http.StatusOK, rec.Code)
}

func TestBuildRejectsUnknownFlow(t *testing.T) {
	_, err := Build(context.Background(), testConfig("carrier-pigeon"), zerolog.Nop())
	require.Error(t, err)
}
