package packs

import (
	"context"
	"slices"

	"issuance/internal/core/id"
)

// Filter selects packs of one case.
type Filter struct {
	Statuses []Status
	Kind     Kind
	// Issued keeps packs that were promoted at some point.
	Issued bool
	// WithCaseReference keeps packs that carry a case reference.
	WithCaseReference bool
	InWorkbasket      *bool
	NewestFirst       bool
	// ForUpdate row-locks the selected packs until the transaction ends.
	ForUpdate bool
	Limit     int
}

// Match reports whether p passes the filter's predicates. Ordering and
// limits are left to the caller.
func (f Filter) Match(p *Pack) bool {
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, p.Status) {
		return false
	}
	if f.Kind != "" && p.Kind() != f.Kind {
		return false
	}
	if f.Issued && p.CaseCompletedAt == nil {
		return false
	}
	if f.WithCaseReference && p.CaseReference == nil {
		return false
	}
	if f.InWorkbasket != nil && p.ShowInWorkbasket != *f.InWorkbasket {
		return false
	}
	return true
}

// PackRepository persists packs. Results of ListByCase are ordered by
// creation time, oldest first unless NewestFirst is set.
type PackRepository interface {
	Create(ctx context.Context, p *Pack) error
	Save(ctx context.Context, p *Pack) error
	Get(ctx context.Context, packID id.ID) (*Pack, error)
	GetForUpdate(ctx context.Context, packID id.ID) (*Pack, error)
	ListByCase(ctx context.Context, caseID id.ID, filter Filter) ([]*Pack, error)
}

// DocumentRepository persists documents. ListByPack returns documents in
// insertion order.
type DocumentRepository interface {
	ListByPack(ctx context.Context, packID id.ID) ([]*Document, error)
	Insert(ctx context.Context, d *Document) error
	Delete(ctx context.Context, documentID id.ID) error
}

// AuditLog records pack transitions.
type AuditLog interface {
	LogChange(ctx context.Context, entityType string, entityID id.ID, action string, changes map[string]any) error
}

// EventPublisher writes integration events in the current transaction.
type EventPublisher interface {
	Publish(ctx context.Context, aggregateType string, aggregateID id.ID, eventType string, payload any) error
}
