package numerator

import (
	"context"
	"sync"
)

// MockStore is an in-memory SequenceStore for unit tests.
type MockStore struct {
	mu       sync.Mutex
	counters map[Scope]int64

	// NextFunc overrides Next when set.
	NextFunc func(ctx context.Context, scope Scope) (int64, error)
}

// NewMockStore creates an empty in-memory store.
func NewMockStore() *MockStore {
	return &MockStore{counters: make(map[Scope]int64)}
}

// Next implements SequenceStore.
func (m *MockStore) Next(ctx context.Context, scope Scope) (int64, error) {
	if m.NextFunc != nil {
		return m.NextFunc(ctx, scope)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[scope]++
	return m.counters[scope], nil
}

// Table implements SequenceStore.
func (m *MockStore) Table() string { return SequenceTable }

// Last returns the last allocated value for scope.
func (m *MockStore) Last(scope Scope) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[scope]
}

var _ SequenceStore = (*MockStore)(nil)
