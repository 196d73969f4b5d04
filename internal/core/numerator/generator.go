package numerator

import "context"

// SequenceTable is the counter table guarded by the lock manager.
const SequenceTable = "ref_sequences"

// SequenceStore persists one integer counter per scope.
//
// Next must run inside a transaction that already holds the table lock on
// Table(); implementations panic otherwise. The counter is created lazily
// at 0 and the incremented value is returned.
type SequenceStore interface {
	Next(ctx context.Context, scope Scope) (int64, error)
	Table() string
}
