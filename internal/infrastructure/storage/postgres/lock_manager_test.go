package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"issuance/internal/core/lock"
)

var testTxOptions = TxOptions{IsolationLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite}

func expectBegin(mock pgxmock.PgxPoolIface) {
	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
}

func newMockManagers(t *testing.T) (pgxmock.PgxPoolIface, *TxManager, *LockManager) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	txm := NewTxManagerFromDB(mock, testTxOptions)
	return mock, txm, NewLockManager(txm)
}

func TestLockManager_LockIssuesExclusiveLock(t *testing.T) {
	mock, txm, locks := newMockManagers(t)

	expectBegin(mock)
	mock.ExpectExec(regexp.QuoteMeta(`LOCK TABLE "doc_packs", "ref_sequences" IN EXCLUSIVE MODE`)).
		WillReturnResult(pgxmock.NewResult("LOCK TABLE", 0))
	mock.ExpectCommit()

	err := txm.RunInTransaction(context.Background(), func(ctx context.Context) error {
		require.NoError(t, locks.Lock(ctx, "ref_sequences", "doc_packs", "ref_sequences"))
		assert.True(t, locks.IsLocked(ctx, "ref_sequences"))
		assert.True(t, locks.IsLocked(ctx, "doc_packs"))
		assert.False(t, locks.IsLocked(ctx, "cases"))
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLockManager_SecondLockFails(t *testing.T) {
	mock, txm, locks := newMockManagers(t)

	expectBegin(mock)
	mock.ExpectExec("LOCK TABLE").WillReturnResult(pgxmock.NewResult("LOCK TABLE", 0))
	mock.ExpectRollback()

	err := txm.RunInTransaction(context.Background(), func(ctx context.Context) error {
		require.NoError(t, locks.Lock(ctx, "ref_sequences"))
		return locks.Lock(ctx, "ref_sequences")
	})
	assert.ErrorIs(t, err, lock.ErrAlreadyLocked)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLockManager_NoTables(t *testing.T) {
	mock, txm, locks := newMockManagers(t)

	expectBegin(mock)
	mock.ExpectRollback()

	err := txm.RunInTransaction(context.Background(), func(ctx context.Context) error {
		return locks.Lock(ctx)
	})
	assert.ErrorIs(t, err, lock.ErrNoTablesGiven)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLockManager_EnsureLocked(t *testing.T) {
	mock, txm, locks := newMockManagers(t)

	expectBegin(mock)
	mock.ExpectExec(regexp.QuoteMeta(`LOCK TABLE "ref_sequences" IN EXCLUSIVE MODE`)).
		WillReturnResult(pgxmock.NewResult("LOCK TABLE", 0))
	mock.ExpectRollback()

	err := txm.RunInTransaction(context.Background(), func(ctx context.Context) error {
		require.NoError(t, locks.EnsureLocked(ctx, "ref_sequences"))
		// Already covered: no second statement.
		require.NoError(t, locks.EnsureLocked(ctx, "ref_sequences"))
		return locks.EnsureLocked(ctx, "ref_sequences", "cases")
	})
	assert.ErrorIs(t, err, lock.ErrCannotLockExtraTables)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLockManager_LockFailureLeavesNothingHeld(t *testing.T) {
	mock, txm, locks := newMockManagers(t)
	timeout := errors.New("canceling statement due to statement timeout")

	expectBegin(mock)
	mock.ExpectExec("LOCK TABLE").WillReturnError(timeout)
	mock.ExpectRollback()

	err := txm.RunInTransaction(context.Background(), func(ctx context.Context) error {
		err := locks.Lock(ctx, "ref_sequences")
		assert.False(t, locks.IsLocked(ctx, "ref_sequences"))
		return err
	})
	assert.ErrorIs(t, err, timeout)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLockManager_PanicsOutsideTransaction(t *testing.T) {
	_, _, locks := newMockManagers(t)

	assert.Panics(t, func() { _ = locks.Lock(context.Background(), "ref_sequences") })
	assert.Panics(t, func() { locks.IsLocked(context.Background(), "ref_sequences") })
}

func TestLockManager_ReleasedWithTransaction(t *testing.T) {
	mock, txm, locks := newMockManagers(t)

	for i := 0; i < 2; i++ {
		expectBegin(mock)
		mock.ExpectExec("LOCK TABLE").WillReturnResult(pgxmock.NewResult("LOCK TABLE", 0))
		mock.ExpectCommit()
	}

	for i := 0; i < 2; i++ {
		err := txm.RunInTransaction(context.Background(), func(ctx context.Context) error {
			return locks.Lock(ctx, "ref_sequences")
		})
		require.NoError(t, err)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLockManager_SavepointRollbackForgetsLock(t *testing.T) {
	mock, txm, locks := newMockManagers(t)
	failed := errors.New("inner failed")

	expectBegin(mock)
	mock.ExpectExec("SAVEPOINT sp_").WillReturnResult(pgxmock.NewResult("SAVEPOINT", 0))
	mock.ExpectExec("LOCK TABLE").WillReturnResult(pgxmock.NewResult("LOCK TABLE", 0))
	mock.ExpectExec("ROLLBACK TO SAVEPOINT sp_").WillReturnResult(pgxmock.NewResult("ROLLBACK", 0))
	mock.ExpectCommit()

	err := txm.RunInTransaction(context.Background(), func(ctx context.Context) error {
		opts := testTxOptions
		opts.UseSavepoint = true
		innerErr := txm.RunInTransactionWithOptions(ctx, opts, func(ctx context.Context) error {
			require.NoError(t, locks.Lock(ctx, "ref_sequences"))
			return failed
		})
		assert.ErrorIs(t, innerErr, failed)
		assert.False(t, locks.IsLocked(ctx, "ref_sequences"))
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
