package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Credential issuance flows. Exactly one is active per deployment.
const (
	FlowSession      = "session"
	FlowClientSecret = "client_secret"
	FlowWebhook      = "webhook"
)

// Config contains all runtime settings for the realtime voice gateway.
type Config struct {
	BindAddr               string        `env:"APP_BIND_ADDR" envDefault:":8813"`
	ShutdownTimeout        time.Duration `env:"APP_SHUTDOWN_TIMEOUT" envDefault:"15s"`
	SessionIdleTimeout     time.Duration `env:"APP_SESSION_IDLE_TIMEOUT" envDefault:"2m"`
	SessionJanitorInterval time.Duration `env:"APP_SESSION_JANITOR_INTERVAL" envDefault:"5s"`
	MetricsNamespace       string        `env:"APP_METRICS_NAMESPACE" envDefault:"voicegate"`
	AllowAnyOrigin         bool          `env:"APP_ALLOW_ANY_ORIGIN" envDefault:"false"`
	AllowedOrigins         []string      `env:"APP_ALLOWED_ORIGINS" envSeparator:","`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	OpenAIAPIKey        string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL       string `env:"OPENAI_BASE_URL" envDefault:"https://api.openai.com"`
	OpenAIRealtimeWSURL string `env:"OPENAI_REALTIME_WS_URL" envDefault:"wss://api.openai.com/v1/realtime"`

	CredentialFlow       string        `env:"REALTIME_CREDENTIAL_FLOW" envDefault:"session"`
	RealtimeModel        string        `env:"REALTIME_MODEL_ID" envDefault:"gpt-4o-realtime-preview-2024-12-17"`
	RealtimeVoice        string        `env:"REALTIME_VOICE" envDefault:"ballad"`
	TranscriptionModel   string        `env:"REALTIME_TRANSCRIPTION_MODEL" envDefault:"whisper-1"`
	VADThreshold         float64       `env:"REALTIME_VAD_THRESHOLD" envDefault:"0.5"`
	VADPrefixPadding     time.Duration `env:"REALTIME_VAD_PREFIX_PADDING" envDefault:"300ms"`
	VADSilence           time.Duration `env:"REALTIME_VAD_SILENCE" envDefault:"500ms"`
	Instructions         string        `env:"REALTIME_INSTRUCTIONS"`
	InstructionsMaxChars int           `env:"REALTIME_INSTRUCTIONS_MAX_CHARS" envDefault:"16000"`
	CredentialTimeout    time.Duration `env:"REALTIME_CREDENTIAL_TIMEOUT" envDefault:"20s"`
	SignalingTimeout     time.Duration `env:"REALTIME_SIGNALING_TIMEOUT" envDefault:"20s"`
	CredentialRPS        float64       `env:"REALTIME_CREDENTIAL_RPS" envDefault:"5"`
	CredentialBurst      int           `env:"REALTIME_CREDENTIAL_BURST" envDefault:"10"`

	VisionModel         string        `env:"VISION_MODEL_ID" envDefault:"gpt-4.1-mini"`
	VisionTimeout       time.Duration `env:"VISION_TIMEOUT" envDefault:"12s"`
	VisionMaxImageBytes int           `env:"VISION_MAX_IMAGE_BYTES" envDefault:"4194304"`

	ToolResultTTL time.Duration `env:"TOOL_RESULT_TTL" envDefault:"10m"`

	DatabaseURL string        `env:"DATABASE_URL"`
	ContextTTL  time.Duration `env:"CONTEXT_TTL" envDefault:"30m"`
}

// LoadEnvFiles merges .env files into the process environment. Missing files are skipped.
func LoadEnvFiles(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env", "../.env"}
	}
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env config: %w", err)
	}

	cfg.OpenAIAPIKey = strings.TrimSpace(cfg.OpenAIAPIKey)
	cfg.CredentialFlow = strings.ToLower(strings.TrimSpace(cfg.CredentialFlow))
	cfg.AllowedOrigins = trimAll(cfg.AllowedOrigins)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the gateway cannot run with.
func (c Config) Validate() error {
	if c.OpenAIAPIKey == "" {
		return errors.New("OPENAI_API_KEY is required")
	}
	switch c.CredentialFlow {
	case FlowSession, FlowClientSecret, FlowWebhook:
	default:
		return fmt.Errorf("REALTIME_CREDENTIAL_FLOW %q invalid (expected session|client_secret|webhook)", c.CredentialFlow)
	}
	if c.SessionIdleTimeout < 5*time.Second {
		return fmt.Errorf("APP_SESSION_IDLE_TIMEOUT must be at least 5s")
	}
	for name, d := range map[string]time.Duration{
		"APP_SHUTDOWN_TIMEOUT":         c.ShutdownTimeout,
		"APP_SESSION_JANITOR_INTERVAL": c.SessionJanitorInterval,
		"REALTIME_CREDENTIAL_TIMEOUT":  c.CredentialTimeout,
		"REALTIME_SIGNALING_TIMEOUT":   c.SignalingTimeout,
		"VISION_TIMEOUT":               c.VisionTimeout,
		"TOOL_RESULT_TTL":              c.ToolResultTTL,
		"CONTEXT_TTL":                  c.ContextTTL,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.InstructionsMaxChars <= 0 {
		return fmt.Errorf("REALTIME_INSTRUCTIONS_MAX_CHARS must be positive")
	}
	if c.CredentialRPS <= 0 || c.CredentialBurst <= 0 {
		return fmt.Errorf("REALTIME_CREDENTIAL_RPS and REALTIME_CREDENTIAL_BURST must be positive")
	}
	if c.VisionMaxImageBytes <= 0 {
		return fmt.Errorf("VISION_MAX_IMAGE_BYTES must be positive")
	}
	if c.VADThreshold < 0 || c.VADThreshold > 1 {
		return fmt.Errorf("REALTIME_VAD_THRESHOLD must be within [0,1]")
	}
	return nil
}

// WebhookToolCalls reports whether tool calls arrive over the webhook route.
func (c Config) WebhookToolCalls() bool {
	return c.CredentialFlow == FlowWebhook
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
