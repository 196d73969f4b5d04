package lock

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"issuance/internal/core/tx"
)

// Memory is an in-process Manager backed by one mutex per table. Locks are
// bound to a tx.Memory transaction and released when it ends. Unit tests
// use it to reproduce table-lock serialization without a database.
type Memory struct {
	mu     sync.Mutex
	tables map[string]*sync.Mutex
}

var _ Manager = (*Memory)(nil)

// NewMemory creates an in-memory lock manager.
func NewMemory() *Memory {
	return &Memory{tables: make(map[string]*sync.Mutex)}
}

const memoryHeldKey = "lock.held"

func mustMemoryTx(ctx context.Context, op string) *tx.MemoryTx {
	t := tx.CurrentMemoryTx(ctx)
	if t == nil {
		panic(fmt.Sprintf("lock.Memory.%s called outside a transaction", op))
	}
	return t
}

func held(t *tx.MemoryTx) map[string]struct{} {
	if v, ok := t.Values[memoryHeldKey].(map[string]struct{}); ok {
		return v
	}
	return nil
}

func (m *Memory) table(name string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	mu, ok := m.tables[name]
	if !ok {
		mu = &sync.Mutex{}
		m.tables[name] = mu
	}
	return mu
}

// Lock implements Manager.
func (m *Memory) Lock(ctx context.Context, tables ...string) error {
	t := mustMemoryTx(ctx, "Lock")
	if len(tables) == 0 {
		return ErrNoTablesGiven
	}
	if held(t) != nil {
		return ErrAlreadyLocked
	}

	names := append([]string(nil), tables...)
	sort.Strings(names)
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		if _, dup := set[name]; dup {
			continue
		}
		mu := m.table(name)
		mu.Lock()
		t.OnEnd(mu.Unlock)
		set[name] = struct{}{}
	}
	t.Values[memoryHeldKey] = set
	return nil
}

// EnsureLocked implements Manager.
func (m *Memory) EnsureLocked(ctx context.Context, tables ...string) error {
	t := mustMemoryTx(ctx, "EnsureLocked")
	h := held(t)
	if h == nil {
		return m.Lock(ctx, tables...)
	}
	if !Covers(h, tables) {
		return ErrCannotLockExtraTables
	}
	return nil
}

// IsLocked implements Manager.
func (m *Memory) IsLocked(ctx context.Context, table string) bool {
	t := mustMemoryTx(ctx, "IsLocked")
	_, ok := held(t)[table]
	return ok
}
