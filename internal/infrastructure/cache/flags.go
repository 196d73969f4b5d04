// Package cache keeps database-backed runtime settings in memory, refreshed
// through PostgreSQL LISTEN/NOTIFY.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"issuance/internal/core/features"
	"issuance/pkg/logger"
)

// FlagsChannel is notified with the flag name whenever a row of
// issuance_feature_flags changes.
const FlagsChannel = "feature_flags_changed"

// FeatureFlag is one row of issuance_feature_flags.
type FeatureFlag struct {
	Name        string
	Description string
	IsEnabled   bool
	ValidFrom   *time.Time
	ValidUntil  *time.Time
}

// active reports whether the flag is on at now.
func (f FeatureFlag) active(now time.Time) bool {
	if !f.IsEnabled {
		return false
	}
	if f.ValidFrom != nil && now.Before(*f.ValidFrom) {
		return false
	}
	if f.ValidUntil != nil && now.After(*f.ValidUntil) {
		return false
	}
	return true
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// FlagCache serves feature flags from memory. Flags missing from the table
// fall back to the configured provider, so an empty table behaves like the
// environment configuration.
type FlagCache struct {
	pool     *pgxpool.Pool
	q        querier
	fallback features.Provider
	now      func() time.Time

	mu    sync.RWMutex
	flags map[string]FeatureFlag

	// Lifecycle
	lifecycleMu sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	started     bool
}

var _ features.Provider = (*FlagCache)(nil)

// NewFlagCache creates a flag cache on pool.
func NewFlagCache(pool *pgxpool.Pool, fallback features.Provider) *FlagCache {
	return &FlagCache{
		pool:     pool,
		q:        pool,
		fallback: fallback,
		now:      time.Now,
		flags:    make(map[string]FeatureFlag),
	}
}

// Start loads the flags and begins listening for changes.
func (c *FlagCache) Start(ctx context.Context) error {
	c.lifecycleMu.Lock()
	if c.started {
		c.lifecycleMu.Unlock()
		return nil
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.started = true
	c.lifecycleMu.Unlock()

	if err := c.load(c.ctx); err != nil {
		c.Stop()
		return fmt.Errorf("load feature flags: %w", err)
	}

	c.wg.Add(1)
	go c.listenLoop()
	logger.Info(c.ctx, "feature flag cache started")
	return nil
}

// Stop gracefully stops the listener.
func (c *FlagCache) Stop() {
	c.lifecycleMu.Lock()
	if !c.started {
		c.lifecycleMu.Unlock()
		return
	}
	cancel := c.cancel
	c.started = false
	c.cancel = nil
	c.lifecycleMu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	logger.Info(context.Background(), "feature flag cache stopped")
}

func (c *FlagCache) listenLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		// LISTEN needs a dedicated connection.
		conn, err := c.pool.Acquire(c.ctx)
		if err != nil {
			logger.Error(c.ctx, "failed to acquire connection for LISTEN", "error", err)
			time.Sleep(time.Second)
			continue
		}
		if _, err := conn.Exec(c.ctx, "LISTEN "+FlagsChannel); err != nil {
			logger.Error(c.ctx, "failed to LISTEN", "error", err)
			conn.Release()
			time.Sleep(time.Second)
			continue
		}

		// Changes made while no connection was listening are picked up here.
		if err := c.load(c.ctx); err != nil {
			logger.Error(c.ctx, "failed to reload feature flags", "error", err)
		}
		c.waitForNotifications(conn)
		conn.Release()
	}
}

func (c *FlagCache) waitForNotifications(conn *pgxpool.Conn) {
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		// Bounded wait so shutdown is noticed.
		ctx, cancel := context.WithTimeout(c.ctx, 30*time.Second)
		notification, err := conn.Conn().WaitForNotification(ctx)
		cancel()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			if conn.Conn().IsClosed() {
				return
			}
			continue
		}

		logger.Debug(c.ctx, "feature flag changed", "flag", notification.Payload)
		if err := c.load(c.ctx); err != nil {
			logger.Error(c.ctx, "failed to reload feature flags", "error", err)
		}
	}
}

func (c *FlagCache) load(ctx context.Context) error {
	rows, err := c.q.Query(ctx, `
		SELECT flag_name, description, is_enabled, valid_from, valid_until
		FROM issuance_feature_flags
	`)
	if err != nil {
		return fmt.Errorf("query feature flags: %w", err)
	}
	defer rows.Close()

	flags := make(map[string]FeatureFlag)
	for rows.Next() {
		var f FeatureFlag
		if err := rows.Scan(&f.Name, &f.Description, &f.IsEnabled, &f.ValidFrom, &f.ValidUntil); err != nil {
			return fmt.Errorf("scan feature flag: %w", err)
		}
		flags[f.Name] = f
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read feature flags: %w", err)
	}

	c.mu.Lock()
	c.flags = flags
	c.mu.Unlock()

	logger.Info(ctx, "loaded feature flags", "count", len(flags))
	return nil
}

// IsEnabled implements features.Provider. Validity windows are checked at
// call time.
func (c *FlagCache) IsEnabled(ctx context.Context, flag string) bool {
	c.mu.RLock()
	f, ok := c.flags[flag]
	c.mu.RUnlock()
	if ok {
		return f.active(c.now())
	}
	if c.fallback != nil {
		return c.fallback.IsEnabled(ctx, flag)
	}
	return false
}

// Len returns the number of cached flags.
func (c *FlagCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.flags)
}
