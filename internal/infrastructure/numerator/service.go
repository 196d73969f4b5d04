// Package numerator is the PostgreSQL SequenceStore behind reference
// allocation. Counters live in ref_sequences, one row per (prefix, year).
package numerator

import (
	"context"
	"errors"
	"fmt"

	"issuance/internal/core/lock"
	corenumerator "issuance/internal/core/numerator"
	"issuance/internal/infrastructure/storage/postgres"
)

// ErrSeedBelowCurrent is returned when a seed would move a counter back and
// hand out numbers that were already issued.
var ErrSeedBelowCurrent = errors.New("seed is below the current counter value")

// Store implements corenumerator.SequenceStore.
type Store struct {
	txm   *postgres.TxManager
	locks lock.Manager
}

var _ corenumerator.SequenceStore = (*Store)(nil)

// New creates a sequence store. locks is consulted on every call to make
// sure the counter table is held by the current transaction.
func New(txm *postgres.TxManager, locks lock.Manager) *Store {
	return &Store{txm: txm, locks: locks}
}

// Table implements corenumerator.SequenceStore.
func (s *Store) Table() string { return corenumerator.SequenceTable }

// Next implements corenumerator.SequenceStore.
func (s *Store) Next(ctx context.Context, scope corenumerator.Scope) (int64, error) {
	s.mustHoldLock(ctx, "Next")

	var num int64
	err := s.txm.GetQuerier(ctx).QueryRow(ctx, `
		INSERT INTO ref_sequences (prefix, year, last_value)
		VALUES ($1, $2, 1)
		ON CONFLICT (prefix, year) DO UPDATE
			SET last_value = ref_sequences.last_value + 1, updated_at = now()
		RETURNING last_value
	`, scope.Prefix, scope.Year).Scan(&num)
	if err != nil {
		return 0, fmt.Errorf("next value for %s: %w", scope.Key(), err)
	}
	return num, nil
}

// Seed sets the last allocated value for scope. Used when importing
// counters from a previous system; the next allocation returns value+1.
func (s *Store) Seed(ctx context.Context, scope corenumerator.Scope, value int64) error {
	s.mustHoldLock(ctx, "Seed")

	current, err := s.Current(ctx, scope)
	if err != nil {
		return err
	}
	if value < current {
		return fmt.Errorf("seed %s to %d (current %d): %w", scope.Key(), value, current, ErrSeedBelowCurrent)
	}

	_, err = s.txm.GetQuerier(ctx).Exec(ctx, `
		INSERT INTO ref_sequences (prefix, year, last_value)
		VALUES ($1, $2, $3)
		ON CONFLICT (prefix, year) DO UPDATE
			SET last_value = EXCLUDED.last_value, updated_at = now()
	`, scope.Prefix, scope.Year, value)
	if err != nil {
		return fmt.Errorf("seed %s: %w", scope.Key(), err)
	}
	return nil
}

// Current returns the last allocated value, 0 if the scope was never used.
// Read-only; no lock required.
func (s *Store) Current(ctx context.Context, scope corenumerator.Scope) (int64, error) {
	var num int64
	err := s.txm.GetQuerier(ctx).QueryRow(ctx, `
		SELECT COALESCE(MAX(last_value), 0) FROM ref_sequences WHERE prefix = $1 AND year = $2
	`, scope.Prefix, scope.Year).Scan(&num)
	if err != nil {
		return 0, fmt.Errorf("current value for %s: %w", scope.Key(), err)
	}
	return num, nil
}

func (s *Store) mustHoldLock(ctx context.Context, op string) {
	if !s.locks.IsLocked(ctx, corenumerator.SequenceTable) {
		panic(fmt.Sprintf("numerator.%s: %s is not locked in the current transaction", op, corenumerator.SequenceTable))
	}
}
