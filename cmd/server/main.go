// Package main is the entry point for the issuance API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"issuance/internal/app"
	"issuance/internal/config"
	v1 "issuance/internal/infrastructure/http/v1"
	"issuance/internal/infrastructure/http/v1/handlers"
	"issuance/internal/infrastructure/http/v1/middleware"
	"issuance/internal/infrastructure/redisclient"
	"issuance/internal/observability"
	"issuance/pkg/logger"
)

const serviceName = "issuance-api"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:       cfg.LogLevel,
		Development: cfg.LogDev || cfg.IsDevelopment(),
	})
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithLogger(ctx, log)

	shutdownTracing := observability.InitOTel(ctx, log, observability.Config{
		Enabled:     cfg.OTel.Enabled,
		ServiceName: serviceName,
		Environment: cfg.AppEnv,
		Endpoint:    cfg.OTel.Endpoint,
		Insecure:    cfg.OTel.Insecure,
		Headers:     observability.ParseHeaders(cfg.OTel.Headers),
		SampleRatio: cfg.OTel.SampleRatio,
	})

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatalw("failed to start", "error", err)
	}
	defer a.Close()

	checks := map[string]handlers.Pinger{"database": a.TxManager}
	if a.Redis != nil {
		checks["redis"] = redisclient.Pinger{Client: a.Redis}
	}

	routerCfg := v1.RouterConfig{
		Logger:       log,
		Workflow:     a.Workflow,
		Packs:        a.Packs,
		Documents:    a.Documents,
		Authority:    a.Authority,
		Audit:        a.Audit,
		HealthChecks: checks,
		Callback: middleware.SignatureConfig{
			Signer:    a.Signer,
			Nonces:    a.Nonces,
			KeyID:     cfg.Authority.KeyID,
			PublicURL: cfg.Authority.PublicURL,
		},
		CORSOrigins: cfg.CORSOrigins,
	}
	if cfg.IdempotencyEnabled {
		routerCfg.Idempotency = a.Idempotency
	}
	if cfg.OTel.Enabled {
		routerCfg.ServiceName = serviceName
	}

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      v1.NewRouter(routerCfg),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infow("server starting", "port", cfg.ServerPort, "env", cfg.AppEnv)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Warnw("tracer shutdown failed", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Errorw("server stopped with error", "error", err)
		a.Close()
		os.Exit(1)
	}
	log.Info("server stopped")
}
