package postgres

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"issuance/internal/core/lock"
	"issuance/pkg/logger"
)

var _ lock.Manager = (*LockManager)(nil)

// LockManager takes EXCLUSIVE table locks inside the transaction on the
// context. The lock set is recorded on the Tx, so it disappears with the
// transaction and the database releases the locks on commit or rollback.
type LockManager struct {
	txm *TxManager
}

// NewLockManager creates a lock manager bound to txm's transactions.
func NewLockManager(txm *TxManager) *LockManager {
	return &LockManager{txm: txm}
}

// Lock implements lock.Manager.
func (m *LockManager) Lock(ctx context.Context, tables ...string) error {
	t := m.txm.MustGetTx(ctx, "LockManager.Lock")

	if len(tables) == 0 {
		return lock.ErrNoTablesGiven
	}
	if t.locked != nil {
		return fmt.Errorf("%w: held %v", lock.ErrAlreadyLocked, sortedKeys(t.locked))
	}

	names := dedupe(tables)
	ctx, span := tracer.Start(ctx, "lock.tables",
		trace.WithAttributes(attribute.StringSlice("lock.tables", names)))
	defer span.End()

	if _, err := t.Exec(ctx, lockStatement(names)); err != nil {
		span.RecordError(err)
		return fmt.Errorf("lock tables %v: %w", names, err)
	}

	t.locked = make(map[string]struct{}, len(names))
	for _, name := range names {
		t.locked[name] = struct{}{}
	}

	logger.Debug(ctx, "tables locked", "tables", names)
	return nil
}

// EnsureLocked implements lock.Manager.
func (m *LockManager) EnsureLocked(ctx context.Context, tables ...string) error {
	t := m.txm.MustGetTx(ctx, "LockManager.EnsureLocked")

	if t.locked == nil {
		return m.Lock(ctx, tables...)
	}
	if !lock.Covers(t.locked, tables) {
		return fmt.Errorf("%w: held %v, wanted %v", lock.ErrCannotLockExtraTables, sortedKeys(t.locked), tables)
	}
	return nil
}

// IsLocked implements lock.Manager.
func (m *LockManager) IsLocked(ctx context.Context, table string) bool {
	t := m.txm.MustGetTx(ctx, "LockManager.IsLocked")
	_, ok := t.locked[table]
	return ok
}

func lockStatement(tables []string) string {
	quoted := make([]string, len(tables))
	for i, name := range tables {
		quoted[i] = pgx.Identifier{name}.Sanitize()
	}
	return "LOCK TABLE " + strings.Join(quoted, ", ") + " IN EXCLUSIVE MODE"
}

// dedupe returns tables sorted and unique, so that every caller locks in
// the same order.
func dedupe(tables []string) []string {
	seen := make(map[string]struct{}, len(tables))
	out := make([]string, 0, len(tables))
	for _, name := range tables {
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
