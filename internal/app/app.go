// Package app assembles the issuance services from configuration. The
// server and worker commands share it.
package app

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"issuance/internal/config"
	"issuance/internal/core/features"
	"issuance/internal/domain/authority"
	"issuance/internal/domain/packs"
	"issuance/internal/domain/reference"
	"issuance/internal/domain/rules"
	"issuance/internal/domain/workflow"
	"issuance/internal/infrastructure/authorityapi"
	"issuance/internal/infrastructure/cache"
	"issuance/internal/infrastructure/numerator"
	"issuance/internal/infrastructure/redisclient"
	"issuance/internal/infrastructure/storage/postgres"
	"issuance/internal/infrastructure/storage/postgres/issuance_repo"
	"issuance/pkg/logger"
)

// App holds the wired services and the connections behind them.
type App struct {
	Config *config.Config
	Log    *logger.Logger

	Pool      *postgres.Pool
	TxManager *postgres.TxManager
	Redis     *goredis.Client

	Flags       *cache.FlagCache
	Audit       *postgres.AuditService
	Idempotency *postgres.IdempotencyStore

	Packs     *packs.Service
	Documents *packs.DocumentService
	Authority *authority.Service
	Workflow  *workflow.Service

	Signer *authorityapi.Signer
	Nonces authorityapi.NonceStore
}

// New connects to PostgreSQL (and Redis when configured), optionally runs
// migrations and wires the services. Close releases everything.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log}

	if cfg.MigrateOnStart {
		if err := postgres.Migrate(ctx, cfg.DatabaseURL); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	pool, err := postgres.NewPool(ctx, postgres.DefaultPoolConfig(cfg.DatabaseURL))
	if err != nil {
		return nil, err
	}
	a.Pool = pool
	a.TxManager = postgres.NewTxManager(pool)

	if cfg.RedisAddr != "" {
		rdb, err := redisclient.New(ctx, redisclient.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Redis = rdb
	}

	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context) error {
	cfg := a.Config

	types, err := config.LoadApplicationTypes(cfg.ApplicationTypesFile)
	if err != nil {
		return err
	}
	registry, err := rules.NewRegistry(types)
	if err != nil {
		return fmt.Errorf("application types: %w", err)
	}

	codec, err := postgres.NewCodec(cfg.AuditCompressionThreshold)
	if err != nil {
		return err
	}

	envFlags := features.NewInMemoryFlags()
	envFlags.SetFlag(features.FlagAuthorityTransmission, cfg.Authority.Enabled)
	a.Flags = cache.NewFlagCache(a.Pool.Pool, envFlags)
	if err := a.Flags.Start(ctx); err != nil {
		return err
	}

	txm := a.TxManager
	locks := postgres.NewLockManager(txm)
	allocator := reference.NewAllocator(locks, numerator.New(txm, locks))

	caseRepo := issuance_repo.NewCaseRepo(txm)
	packRepo := issuance_repo.NewPackRepo(txm)
	docRepo := issuance_repo.NewDocumentRepo(txm)
	requestRepo := issuance_repo.NewAuthorityRequestRepo(txm, codec)

	a.Audit = postgres.NewAuditService(txm, codec)
	a.Idempotency = postgres.NewIdempotencyStore(txm, cfg.IdempotencyTTL)
	events := postgres.NewOutboxPublisher(txm)

	a.Packs = packs.NewService(txm, packRepo, docRepo, registry, a.Audit, events)
	a.Documents = packs.NewDocumentService(txm, packRepo, docRepo, caseRepo, allocator, registry, a.Audit)

	creds := authorityapi.Credentials{ID: cfg.Authority.KeyID, Key: []byte(cfg.Authority.Secret)}
	a.Signer = authorityapi.NewSigner(creds)

	var transport authority.Transport = unconfiguredTransport{}
	if cfg.Authority.Enabled {
		transport, err = authorityapi.NewClient(authorityapi.Config{
			BaseURL:     cfg.Authority.BaseURL,
			LicencePath: cfg.Authority.LicencePath,
			Timeout:     cfg.Authority.Timeout,
			Credentials: creds,
		})
		if err != nil {
			return err
		}
	}

	a.Authority = authority.NewService(authority.Deps{
		TxManager: txm,
		Requests:  requestRepo,
		Cases:     caseRepo,
		Packs:     a.Packs,
		Documents: a.Documents,
		Types:     registry,
		Transport: transport,
		Flags:     a.Flags,
	})
	a.Workflow = workflow.NewService(txm, caseRepo, a.Packs, a.Documents, allocator, a.Authority)

	if a.Redis != nil {
		a.Nonces = authorityapi.NewRedisNonceStore(a.Redis)
	} else {
		a.Log.Warn("REDIS_ADDR not set, callback nonces are tracked in memory")
		a.Nonces = authorityapi.NewMemoryNonceStore()
	}
	return nil
}

// Close stops the flag listener and closes the connections.
func (a *App) Close() {
	if a.Flags != nil {
		a.Flags.Stop()
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Log.Warnw("failed to close redis", "error", err)
		}
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}

// unconfiguredTransport backs the service when no Authority endpoint is
// configured. It is only reached if the transmission flag is switched on
// in the database without AUTHORITY_ENABLED.
type unconfiguredTransport struct{}

func (unconfiguredTransport) Send(context.Context, []byte) (*authority.Response, error) {
	return nil, &authority.TransmissionError{Err: errors.New("authority endpoint not configured")}
}
