package lock_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"issuance/internal/core/lock"
	"issuance/internal/core/tx"
)

func TestMemory_LockContract(t *testing.T) {
	txm := &tx.Memory{}
	locks := lock.NewMemory()

	err := txm.RunInTransaction(context.Background(), func(ctx context.Context) error {
		assert.ErrorIs(t, locks.Lock(ctx), lock.ErrNoTablesGiven)

		require.NoError(t, locks.Lock(ctx, "ref_sequences"))
		assert.True(t, locks.IsLocked(ctx, "ref_sequences"))
		assert.False(t, locks.IsLocked(ctx, "doc_packs"))

		assert.ErrorIs(t, locks.Lock(ctx, "ref_sequences"), lock.ErrAlreadyLocked)
		assert.NoError(t, locks.EnsureLocked(ctx, "ref_sequences"))
		assert.ErrorIs(t, locks.EnsureLocked(ctx, "ref_sequences", "doc_packs"), lock.ErrCannotLockExtraTables)
		return nil
	})
	require.NoError(t, err)
}

func TestMemory_EnsureLockedTakesLockWhenNoneHeld(t *testing.T) {
	txm := &tx.Memory{}
	locks := lock.NewMemory()

	err := txm.RunInTransaction(context.Background(), func(ctx context.Context) error {
		require.NoError(t, locks.EnsureLocked(ctx, "a", "b"))
		assert.True(t, locks.IsLocked(ctx, "a"))
		assert.True(t, locks.IsLocked(ctx, "b"))
		assert.NoError(t, locks.EnsureLocked(ctx, "b"))
		return nil
	})
	require.NoError(t, err)
}

func TestMemory_ReleasedAtTransactionEnd(t *testing.T) {
	txm := &tx.Memory{}
	locks := lock.NewMemory()

	for i := 0; i < 2; i++ {
		err := txm.RunInTransaction(context.Background(), func(ctx context.Context) error {
			return locks.Lock(ctx, "ref_sequences")
		})
		require.NoError(t, err, "a second transaction must be able to lock again")
	}

	commits, rollbacks := txm.Counts()
	assert.Equal(t, 2, commits)
	assert.Zero(t, rollbacks)
}

func TestMemory_PanicsOutsideTransaction(t *testing.T) {
	locks := lock.NewMemory()
	assert.Panics(t, func() { _ = locks.Lock(context.Background(), "ref_sequences") })
	assert.Panics(t, func() { _ = locks.EnsureLocked(context.Background(), "ref_sequences") })
	assert.Panics(t, func() { locks.IsLocked(context.Background(), "ref_sequences") })
}

func TestCovers(t *testing.T) {
	held := map[string]struct{}{"a": {}, "b": {}}
	assert.True(t, lock.Covers(held, []string{"a"}))
	assert.True(t, lock.Covers(held, []string{"a", "b"}))
	assert.False(t, lock.Covers(held, []string{"c"}))
	assert.True(t, lock.Covers(held, nil))
}
