// Package reference allocates human-readable, gap-free reference numbers
// for cases, licences and certificates.
//
// Allocation must run inside a transaction. The allocator takes (or
// verifies) the whole-table lock on the sequence table before touching a
// counter, which serializes allocations for every scope until commit.
package reference

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"issuance/internal/core/lock"
	"issuance/internal/core/numerator"
)

var tracer = otel.Tracer("issuance/reference")

// Allocator hands out references using a SequenceStore under a table lock.
type Allocator struct {
	locks lock.Manager
	store numerator.SequenceStore
	now   func() time.Time
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithClock overrides the clock used to pick the allocation year.
func WithClock(now func() time.Time) Option {
	return func(a *Allocator) { a.now = now }
}

// NewAllocator creates an Allocator.
func NewAllocator(locks lock.Manager, store numerator.SequenceStore, opts ...Option) *Allocator {
	a := &Allocator{locks: locks, store: store, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Allocate returns the next formatted reference of scheme for the current year.
func (a *Allocator) Allocate(ctx context.Context, scheme Scheme) (string, error) {
	scope := scheme.Scope(a.now().Year())
	n, err := a.Next(ctx, scope)
	if err != nil {
		return "", err
	}
	return scheme.Format(scope, n), nil
}

// AllocateLicenceNumber returns the next raw licence number. The caller
// stores it on the case and formats it with FormatLicence.
func (a *Allocator) AllocateLicenceNumber(ctx context.Context) (int64, error) {
	return a.Next(ctx, LicenceNumber.Scope(0))
}

// Next allocates the next integer in scope.
func (a *Allocator) Next(ctx context.Context, scope numerator.Scope) (int64, error) {
	ctx, span := tracer.Start(ctx, "reference.allocate",
		trace.WithAttributes(attribute.String("reference.scope", scope.Key())))
	defer span.End()

	if err := a.locks.EnsureLocked(ctx, a.store.Table()); err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("allocate %s: %w", scope.Key(), err)
	}

	n, err := a.store.Next(ctx, scope)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	span.SetAttributes(attribute.Int64("reference.value", n))
	return n, nil
}
