package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ent0n29/voicegate/internal/app"
	"github.com/ent0n29/voicegate/internal/config"
	"github.com/ent0n29/voicegate/internal/observability"
)

func main() {
	bootLog := observability.NewLogger("info", "json", os.Stderr)
	if err := config.LoadEnvFiles(".env", "../.env"); err != nil {
		bootLog.Fatal().Err(err).Msg("env file error")
	}
	cfg, err := config.Load()
	if err != nil {
		bootLog.Fatal().Err(err).Msg("config error")
	}
	log := observability.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stdout)

	built, err := app.Build(context.Background(), cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("build failed")
	}
	defer func() {
		if err := built.Cleanup(); err != nil {
			log.Error().Err(err).Msg("cleanup failed")
		}
	}()

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: built.API.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	built.Sessions.StartJanitor(runCtx, cfg.SessionJanitorInterval)

	go func() {
		log.Info().
			Str("addr", cfg.BindAddr).
			Str("credential_flow", cfg.CredentialFlow).
			Str("model_realtime", cfg.RealtimeModel).
			Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}

	log.Info().Msg("shutdown complete")
}
