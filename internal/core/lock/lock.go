// Package lock defines transaction-scoped whole-table locking.
//
// Locks are taken inside the transaction carried on the context and are
// released by the database when that transaction commits or rolls back.
// There is no explicit unlock. Calling any method outside a transaction
// is a programming error and panics.
package lock

import (
	"context"
	"errors"
)

var (
	// ErrNoTablesGiven is returned by Lock with an empty table list.
	ErrNoTablesGiven = errors.New("lock: no tables given")

	// ErrAlreadyLocked is returned by Lock when the transaction already
	// holds a lock taken through this manager.
	ErrAlreadyLocked = errors.New("lock: tables already locked in this transaction")

	// ErrCannotLockExtraTables is returned by EnsureLocked when the tables
	// requested are not a subset of those already locked.
	ErrCannotLockExtraTables = errors.New("lock: cannot lock extra tables in this transaction")
)

// Manager acquires exclusive table locks for the current transaction.
type Manager interface {
	// Lock takes an exclusive lock on tables. One call per transaction.
	Lock(ctx context.Context, tables ...string) error

	// EnsureLocked locks tables if nothing is locked yet, or verifies they
	// are covered by the existing lock.
	EnsureLocked(ctx context.Context, tables ...string) error

	// IsLocked reports whether table is locked in the current transaction.
	IsLocked(ctx context.Context, table string) bool
}

// Covers reports whether every table in want is present in held.
func Covers(held map[string]struct{}, want []string) bool {
	for _, t := range want {
		if _, ok := held[t]; !ok {
			return false
		}
	}
	return true
}
