package tx

import (
	"context"
	"sync"
)

// Memory is an in-process Manager for unit tests. It marks the context as
// transactional and runs end-of-transaction hooks, but persists nothing.
type Memory struct {
	mu        sync.Mutex
	commits   int
	rollbacks int
}

var _ ReadOnlyManager = (*Memory)(nil)

// MemoryTx is the transaction handle placed on the context by Memory.
type MemoryTx struct {
	mu     sync.Mutex
	onEnd  []func()
	Values map[string]any
}

// OnEnd registers fn to run when the transaction finishes, committed or not.
func (t *MemoryTx) OnEnd(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEnd = append(t.onEnd, fn)
}

type memoryTxKey struct{}

// CurrentMemoryTx returns the Memory transaction on ctx, or nil.
func CurrentMemoryTx(ctx context.Context) *MemoryTx {
	if t, ok := ctx.Value(memoryTxKey{}).(*MemoryTx); ok {
		return t
	}
	return nil
}

// RunInTransaction implements Manager.
func (m *Memory) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if CurrentMemoryTx(ctx) != nil {
		return fn(ctx)
	}

	t := &MemoryTx{Values: make(map[string]any)}
	defer func() {
		for i := len(t.onEnd) - 1; i >= 0; i-- {
			t.onEnd[i]()
		}
		m.mu.Lock()
		if err != nil {
			m.rollbacks++
		} else {
			m.commits++
		}
		m.mu.Unlock()
	}()

	return fn(context.WithValue(ctx, memoryTxKey{}, t))
}

// ReadOnly implements ReadOnlyManager.
func (m *Memory) ReadOnly(ctx context.Context, fn func(ctx context.Context) error) error {
	return m.RunInTransaction(ctx, fn)
}

// Counts returns committed and rolled back transactions.
func (m *Memory) Counts() (commits, rollbacks int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits, m.rollbacks
}
