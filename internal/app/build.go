package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ent0n29/voicegate/internal/config"
	"github.com/ent0n29/voicegate/internal/contextstore"
	"github.com/ent0n29/voicegate/internal/credential"
	"github.com/ent0n29/voicegate/internal/httpapi"
	"github.com/ent0n29/voicegate/internal/observability"
	"github.com/ent0n29/voicegate/internal/realtime"
	"github.com/ent0n29/voicegate/internal/relay"
	"github.com/ent0n29/voicegate/internal/router"
	"github.com/ent0n29/voicegate/internal/session"
	"github.com/ent0n29/voicegate/internal/signaling"
	"github.com/ent0n29/voicegate/internal/tools"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Manager
	Metrics  *observability.Metrics

	// Cleanup releases external resources (the context store pool).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, log zerolog.Logger) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	flow, err := credential.ParseFlow(cfg.CredentialFlow)
	if err != nil {
		return nil, err
	}

	store, err := contextstore.NewStore(ctx, cfg.DatabaseURL, cfg.ContextTTL)
	if err != nil {
		return nil, fmt.Errorf("context store init failed: %w", err)
	}

	sessions := session.NewManager(cfg.SessionIdleTimeout)
	sessions.SetExpireHook(func(s *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.WithLabelValues(string(session.TransportSignaling)).
			Set(float64(sessions.Count(session.TransportSignaling)))
		log.Info().Str("session_id", s.ID).Str("transport", string(s.Transport)).Msg("session expired")
	})

	broker := credential.NewBroker(credential.Config{
		APIKey:        cfg.OpenAIAPIKey,
		BaseURL:       cfg.OpenAIBaseURL,
		Flow:          flow,
		Timeout:       cfg.CredentialTimeout,
		RatePerSecond: cfg.CredentialRPS,
		Burst:         cfg.CredentialBurst,
	}, log, metrics)

	vision := tools.NewVisionClient(tools.VisionConfig{
		APIKey:        cfg.OpenAIAPIKey,
		BaseURL:       cfg.OpenAIBaseURL,
		Model:         cfg.VisionModel,
		Timeout:       cfg.VisionTimeout,
		MaxImageBytes: cfg.VisionMaxImageBytes,
	}, log, metrics)
	dispatcher := tools.NewDispatcher(sessions, vision, cfg.ToolResultTTL, log, metrics)

	exchanger := signaling.NewExchanger(signaling.Config{
		BaseURL: cfg.OpenAIBaseURL,
		Timeout: cfg.SignalingTimeout,
	}, broker, log, metrics)

	adapter := relay.NewAdapter(relay.Config{
		WSURL:       cfg.OpenAIRealtimeWSURL,
		DialTimeout: cfg.SignalingTimeout,
	}, broker, router.New(sessions, log, metrics), dispatcher, sessions, log, metrics)

	api := httpapi.New(httpapi.Deps{
		Config:    cfg,
		Sessions:  sessions,
		Defaults:  defaultsFrom(cfg),
		Exchanger: exchanger,
		Relay:     adapter,
		Tools:     dispatcher,
		Vision:    vision,
		Context:   store,
		Log:       log,
		Metrics:   metrics,
	})

	cleanup := func() error {
		var errs []string
		if err := store.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Metrics:  metrics,
		Cleanup:  cleanup,
	}, nil
}

func defaultsFrom(cfg config.Config) realtime.Defaults {
	return realtime.Defaults{
		Model:               cfg.RealtimeModel,
		Voice:               cfg.RealtimeVoice,
		TranscriptionModel:  cfg.TranscriptionModel,
		Instructions:        cfg.Instructions,
		MaxInstructionChars: cfg.InstructionsMaxChars,
		VADThreshold:        cfg.VADThreshold,
		VADPrefixPadding:    cfg.VADPrefixPadding,
		VADSilence:          cfg.VADSilence,
		Tools:               tools.Definitions(),
	}
}
