// Package main is the entry point for the issuance background worker:
// outbox relay, Authority reconciliation and housekeeping.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"issuance/internal/app"
	"issuance/internal/config"
	"issuance/internal/infrastructure/messaging"
	"issuance/internal/infrastructure/storage/postgres"
	"issuance/internal/observability"
	"issuance/pkg/logger"
)

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
		ServiceName: "issuance-worker",
		Environment: cfg.AppEnv,
		Endpoint:    cfg.OTel.Endpoint,
		Insecure:    cfg.OTel.Insecure,
		Headers:     observability.ParseHeaders(cfg.OTel.Headers),
		SampleRatio: cfg.OTel.SampleRatio,
	})
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Warnw("tracer shutdown failed", "error", err)
		}
	}()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatalw("failed to start", "error", err)
	}
	defer a.Close()

	w := &worker{app: a, log: log.WithComponent("worker")}
	if a.Redis != nil {
		w.relay = postgres.NewOutboxRelay(a.TxManager, cfg.Worker.OutboxBatchSize,
			messaging.NewRedisBus(a.Redis, cfg.EventsChannel))
	} else {
		log.Warn("REDIS_ADDR not set, outbox relay disabled")
	}

	log.Info("starting issuance worker")
	if err := w.run(ctx); err != nil {
		log.Errorw("worker stopped with error", "error", err)
		a.Close()
		os.Exit(1)
	}
	log.Info("worker stopped")
}

type worker struct {
	app   *app.App
	relay *postgres.OutboxRelay
	log   *logger.Logger
}

func (w *worker) run(ctx context.Context) error {
	cfg := w.app.Config.Worker
	g, ctx := errgroup.WithContext(ctx)

	if w.relay != nil {
		g.Go(func() error { return every(ctx, cfg.OutboxInterval, w.relayOutbox) })
	}
	g.Go(func() error { return every(ctx, cfg.ReconcileInterval, w.reconcile) })
	g.Go(func() error { return every(ctx, cfg.CleanupInterval, w.cleanup) })

	return g.Wait()
}

// every runs fn on each tick until ctx ends. Job failures are logged by the
// job itself and never stop the loop.
func every(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (w *worker) relayOutbox(ctx context.Context) {
	for {
		n, err := w.relay.ProcessBatch(ctx)
		if err != nil {
			w.log.Errorw("outbox batch failed", "error", err)
			return
		}
		if n > 0 {
			w.log.Debugw("relayed outbox batch", "count", n)
		}
		// A full batch means more messages are probably waiting.
		if n < w.app.Config.Worker.OutboxBatchSize || ctx.Err() != nil {
			return
		}
	}
}

func (w *worker) reconcile(ctx context.Context) {
	cfg := w.app.Config.Worker
	n, err := w.app.Authority.ReconcileStale(ctx, cfg.ReconcileOlderThan, cfg.ReconcileBatchSize)
	if err != nil {
		w.log.Errorw("authority reconciliation failed", "error", err)
		return
	}
	if n > 0 {
		w.log.Infow("reconciled stale authority requests", "count", n)
	}
}

func (w *worker) cleanup(ctx context.Context) {
	if n, err := w.app.Idempotency.CleanupExpired(ctx); err != nil {
		w.log.Errorw("idempotency cleanup failed", "error", err)
	} else if n > 0 {
		w.log.Infow("cleaned up idempotency keys", "count", n)
	}

	if w.relay == nil {
		return
	}
	if n, err := w.relay.PurgePublished(ctx, w.app.Config.Worker.OutboxRetention); err != nil {
		w.log.Errorw("outbox purge failed", "error", err)
	} else if n > 0 {
		w.log.Infow("purged published outbox messages", "count", n)
	}
}
