// Package main applies or rolls back the database schema and manages
// reference counters carried over from a previous system.
//
//	migrate up
//	migrate down [steps]
//	migrate force <version>
//	migrate version
//	migrate seed <prefix> <year> <value>
//	migrate sequence <prefix> [year]
//
// Year 0 addresses counters that never reset, such as the licence number.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"issuance/internal/config"
	corenumerator "issuance/internal/core/numerator"
	"issuance/internal/infrastructure/numerator"
	"issuance/internal/infrastructure/storage/postgres"
	"issuance/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(logger.Config{Level: cfg.LogLevel, Development: true})
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	ctx := logger.WithLogger(context.Background(), log)

	cmd := "up"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "up":
		err = postgres.Migrate(ctx, cfg.DatabaseURL)
	case "down":
		steps := 1
		if len(os.Args) > 2 {
			if steps, err = strconv.Atoi(os.Args[2]); err != nil || steps < 1 {
				log.Fatalw("invalid step count", "value", os.Args[2])
			}
		}
		err = postgres.MigrateDown(ctx, cfg.DatabaseURL, steps)
	case "force":
		if len(os.Args) < 3 {
			log.Fatal("force requires a version")
		}
		version, convErr := strconv.Atoi(os.Args[2])
		if convErr != nil {
			log.Fatalw("invalid version", "value", os.Args[2])
		}
		err = postgres.MigrateForce(ctx, cfg.DatabaseURL, version)
	case "version":
		version, dirty, verr := postgres.MigrationVersion(cfg.DatabaseURL)
		if verr != nil {
			log.Fatalw("failed to read version", "error", verr)
		}
		fmt.Printf("version=%d dirty=%t\n", version, dirty)
		return
	case "seed":
		if len(os.Args) < 5 {
			log.Fatal("seed requires a prefix, a year and a value")
		}
		scope := parseScope(log, os.Args[2], os.Args[3])
		value, convErr := strconv.ParseInt(os.Args[4], 10, 64)
		if convErr != nil || value < 0 {
			log.Fatalw("invalid counter value", "value", os.Args[4])
		}
		err = withSequences(ctx, cfg.DatabaseURL, func(txm *postgres.TxManager, store *numerator.Store, locks *postgres.LockManager) error {
			return txm.RunInTransaction(ctx, func(ctx context.Context) error {
				if err := locks.Lock(ctx, store.Table()); err != nil {
					return err
				}
				return store.Seed(ctx, scope, value)
			})
		})
		if err == nil {
			log.Infow("sequence seeded", "scope", scope.Key(), "value", value)
		}
	case "sequence":
		if len(os.Args) < 3 {
			log.Fatal("sequence requires a prefix")
		}
		year := "0"
		if len(os.Args) > 3 {
			year = os.Args[3]
		}
		scope := parseScope(log, os.Args[2], year)
		err = withSequences(ctx, cfg.DatabaseURL, func(_ *postgres.TxManager, store *numerator.Store, _ *postgres.LockManager) error {
			n, err := store.Current(ctx, scope)
			if err != nil {
				return err
			}
			fmt.Printf("%s=%d\n", scope.Key(), n)
			return nil
		})
	default:
		log.Fatalw("unknown command", "command", cmd)
	}
	if err != nil {
		log.Fatalw("command failed", "command", cmd, "error", err)
	}
}

func parseScope(log *logger.Logger, prefix, year string) corenumerator.Scope {
	y, err := strconv.Atoi(year)
	if err != nil || y < 0 {
		log.Fatalw("invalid year", "value", year)
	}
	if y == 0 {
		return corenumerator.GlobalScope(prefix)
	}
	return corenumerator.YearScope(prefix, y)
}

func withSequences(ctx context.Context, dsn string, fn func(*postgres.TxManager, *numerator.Store, *postgres.LockManager) error) error {
	pool, err := postgres.NewPool(ctx, postgres.DefaultPoolConfig(dsn))
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer pool.Close()

	txm := postgres.NewTxManager(pool)
	locks := postgres.NewLockManager(txm)
	return fn(txm, numerator.New(txm, locks), locks)
}
