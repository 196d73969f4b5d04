package packs

import (
	"context"
	"fmt"
	"time"

	"issuance/internal/core/apperror"
	"issuance/internal/core/id"
	"issuance/internal/core/tx"
	"issuance/internal/domain/casework"
	"issuance/pkg/logger"
)

// Audit entity type and outbox event names.
const (
	AuditEntityPack = "document_pack"

	EventPackIssued  = "pack.issued"
	EventPackRevoked = "pack.revoked"
)

// DraftDefaults supplies defaults for a fresh, non-variation draft.
type DraftDefaults interface {
	DefaultPaperLicenceOnly(p casework.ProcessType) *bool
}

// Service runs the pack state machine. Every mutating operation runs in a
// transaction from txManager, joining the caller's one if present.
type Service struct {
	txManager tx.Manager
	packs     PackRepository
	docs      DocumentRepository
	defaults  DraftDefaults
	audit     AuditLog
	events    EventPublisher
	now       func() time.Time
}

// NewService creates a pack service.
func NewService(
	txManager tx.Manager,
	packs PackRepository,
	docs DocumentRepository,
	defaults DraftDefaults,
	audit AuditLog,
	events EventPublisher,
) *Service {
	return &Service{
		txManager: txManager,
		packs:     packs,
		docs:      docs,
		defaults:  defaults,
		audit:     audit,
		events:    events,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreateDraft starts a new draft for c. With isVariation the draft
// inherits the terms of the active pack, so the case worker only edits what
// changed.
func (s *Service) CreateDraft(ctx context.Context, c *casework.Case, isVariation bool) (*Pack, error) {
	var draft *Pack
	err := s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		existing, err := s.findOne(ctx, c.ID, StatusDraft, true)
		if err != nil {
			return err
		}
		if existing != nil {
			return apperror.NewInvalidState("case already has a draft pack").
				WithDetail("case_id", c.ID).
				WithDetail("pack_id", existing.ID)
		}

		terms, err := s.draftTerms(ctx, c, isVariation)
		if err != nil {
			return err
		}

		now := s.now()
		draft = &Pack{
			ID:               id.New(),
			CaseID:           c.ID,
			Status:           StatusDraft,
			Terms:            terms,
			ShowInWorkbasket: true,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := s.packs.Create(ctx, draft); err != nil {
			return fmt.Errorf("create draft: %w", err)
		}
		return s.record(ctx, draft, "draft_created", map[string]any{
			"kind":         draft.Kind(),
			"is_variation": isVariation,
		})
	})
	if err != nil {
		return nil, err
	}

	logger.Info(ctx, "draft pack created",
		"case_id", c.ID,
		"pack_id", draft.ID,
		"kind", draft.Kind(),
		"is_variation", isVariation)
	return draft, nil
}

func (s *Service) draftTerms(ctx context.Context, c *casework.Case, isVariation bool) (Terms, error) {
	kind := KindFor(c.ProcessType)
	if kind == KindCertificate {
		return CertificateTerms{}, nil
	}

	if isVariation {
		active, err := s.findOne(ctx, c.ID, StatusActive, false)
		if err != nil {
			return nil, err
		}
		if active != nil && active.Kind() == kind {
			return active.Terms.clone(), nil
		}
	}

	terms := LicenceTerms{}
	if s.defaults != nil {
		terms.PaperLicenceOnly = s.defaults.DefaultPaperLicenceOnly(c.ProcessType)
	}
	return terms, nil
}

// PromoteDraftToActive issues the case's draft: the draft takes the case's
// current reference and becomes ACTIVE, and the previously active pack, if
// any, is ARCHIVED in the same transaction.
func (s *Service) PromoteDraftToActive(ctx context.Context, c *casework.Case) (*Pack, error) {
	var (
		draft    *Pack
		archived *Pack
	)
	err := s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		var err error
		draft, err = s.findOne(ctx, c.ID, StatusDraft, true)
		if err != nil {
			return err
		}
		if draft == nil {
			return apperror.NewNoDraftPack(c.ID)
		}

		archived, err = s.findOne(ctx, c.ID, StatusActive, true)
		if err != nil {
			return err
		}
		now := s.now()

		// Archive first so the one-active-per-case index never sees two.
		if archived != nil {
			archived.Status = StatusArchived
			archived.UpdatedAt = now
			if err := s.packs.Save(ctx, archived); err != nil {
				return fmt.Errorf("archive active pack: %w", err)
			}
			if err := s.record(ctx, archived, "archived", map[string]any{"superseded_by": draft.ID}); err != nil {
				return err
			}
		}

		ref := c.Reference
		draft.CaseReference = &ref
		draft.Status = StatusActive
		draft.CaseCompletedAt = &now
		draft.UpdatedAt = now
		if err := s.packs.Save(ctx, draft); err != nil {
			return fmt.Errorf("activate draft: %w", err)
		}
		if err := s.record(ctx, draft, "activated", map[string]any{"case_reference": ref}); err != nil {
			return err
		}
		return s.publish(ctx, draft, EventPackIssued)
	})
	if err != nil {
		return nil, err
	}

	fields := []any{"case_id", c.ID, "pack_id", draft.ID, "case_reference", c.Reference}
	if archived != nil {
		fields = append(fields, "archived_pack_id", archived.ID)
	}
	logger.Info(ctx, "pack issued", fields...)
	return draft, nil
}

// RevokeActive revokes the case's active pack. A second call fails with
// InvalidState because nothing is active any more.
func (s *Service) RevokeActive(ctx context.Context, caseID id.ID, reason string, notify bool) (*Pack, error) {
	var pack *Pack
	err := s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		var err error
		pack, err = s.findOne(ctx, caseID, StatusActive, true)
		if err != nil {
			return err
		}
		if pack == nil {
			return apperror.NewInvalidState("case has no active pack to revoke").
				WithDetail("case_id", caseID)
		}

		pack.Status = StatusRevoked
		pack.RevokeReason = &reason
		pack.RevokeNotified = notify
		pack.UpdatedAt = s.now()
		if err := s.packs.Save(ctx, pack); err != nil {
			return fmt.Errorf("revoke pack: %w", err)
		}
		if err := s.record(ctx, pack, "revoked", map[string]any{"reason": reason, "notify": notify}); err != nil {
			return err
		}
		return s.publish(ctx, pack, EventPackRevoked)
	})
	if err != nil {
		return nil, err
	}

	logger.Info(ctx, "pack revoked", "case_id", caseID, "pack_id", pack.ID, "notify", notify)
	return pack, nil
}

// DiscardDraft archives the case's draft without issuing it.
func (s *Service) DiscardDraft(ctx context.Context, caseID id.ID) (*Pack, error) {
	var draft *Pack
	err := s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		var err error
		draft, err = s.findOne(ctx, caseID, StatusDraft, true)
		if err != nil {
			return err
		}
		if draft == nil {
			return apperror.NewNoDraftPack(caseID)
		}
		draft.Status = StatusArchived
		draft.UpdatedAt = s.now()
		if err := s.packs.Save(ctx, draft); err != nil {
			return fmt.Errorf("discard draft: %w", err)
		}
		return s.record(ctx, draft, "draft_discarded", nil)
	})
	if err != nil {
		return nil, err
	}

	logger.Info(ctx, "draft pack discarded", "case_id", caseID, "pack_id", draft.ID)
	return draft, nil
}

// LicenceTermsUpdate edits a licence draft. Nil fields are left unchanged.
type LicenceTermsUpdate struct {
	PaperLicenceOnly *bool
	StartDate        *time.Time
	EndDate          *time.Time
}

// UpdateDraftLicenceTerms edits the terms of the case's licence draft.
func (s *Service) UpdateDraftLicenceTerms(ctx context.Context, caseID id.ID, upd LicenceTermsUpdate) (*Pack, error) {
	var draft *Pack
	err := s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		var err error
		draft, err = s.findOne(ctx, caseID, StatusDraft, true)
		if err != nil {
			return err
		}
		if draft == nil {
			return apperror.NewNoDraftPack(caseID)
		}
		terms, ok := draft.LicenceTerms()
		if !ok {
			return apperror.NewInvalidState("draft is not a licence pack").
				WithDetail("pack_id", draft.ID).
				WithDetail("kind", draft.Kind())
		}

		if upd.PaperLicenceOnly != nil {
			terms.PaperLicenceOnly = upd.PaperLicenceOnly
		}
		if upd.StartDate != nil {
			terms.StartDate = upd.StartDate
		}
		if upd.EndDate != nil {
			terms.EndDate = upd.EndDate
		}
		if err := terms.Validate(); err != nil {
			return err
		}

		draft.Terms = terms
		draft.UpdatedAt = s.now()
		if err := s.packs.Save(ctx, draft); err != nil {
			return fmt.Errorf("update draft terms: %w", err)
		}
		return s.record(ctx, draft, "terms_updated", map[string]any{"terms": terms})
	})
	if err != nil {
		return nil, err
	}
	return draft, nil
}

// RemoveFromWorkbasket hides an issued pack from the case worker's
// workbasket. Status is not touched.
func (s *Service) RemoveFromWorkbasket(ctx context.Context, caseID, packID id.ID) error {
	return s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		pack, err := s.packs.GetForUpdate(ctx, packID)
		if err != nil {
			return err
		}
		if pack.CaseID != caseID {
			return apperror.NewNotFound("document pack", packID)
		}
		if !pack.ShowInWorkbasket {
			return nil
		}
		pack.ShowInWorkbasket = false
		pack.UpdatedAt = s.now()
		if err := s.packs.Save(ctx, pack); err != nil {
			return fmt.Errorf("remove from workbasket: %w", err)
		}
		return s.record(ctx, pack, "workbasket_removed", nil)
	})
}

// Get returns a pack by id.
func (s *Service) Get(ctx context.Context, packID id.ID) (*Pack, error) {
	return s.packs.Get(ctx, packID)
}

// GetActive returns the case's active pack or NotFound.
func (s *Service) GetActive(ctx context.Context, caseID id.ID) (*Pack, error) {
	p, err := s.GetActiveOptional(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, apperror.NewNotFound("active document pack", caseID)
	}
	return p, nil
}

// GetActiveOptional returns the case's active pack, or nil when nothing
// has been issued yet.
func (s *Service) GetActiveOptional(ctx context.Context, caseID id.ID) (*Pack, error) {
	return s.findOne(ctx, caseID, StatusActive, false)
}

// GetDraft returns the case's draft or NoDraftPack.
func (s *Service) GetDraft(ctx context.Context, caseID id.ID) (*Pack, error) {
	p, err := s.findOne(ctx, caseID, StatusDraft, false)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, apperror.NewNoDraftPack(caseID)
	}
	return p, nil
}

// GetLatest returns the pack the case worker is working on: the draft if
// there is one, else the active pack.
func (s *Service) GetLatest(ctx context.Context, caseID id.ID) (*Pack, error) {
	draft, err := s.findOne(ctx, caseID, StatusDraft, false)
	if err != nil {
		return nil, err
	}
	if draft != nil {
		return draft, nil
	}
	return s.GetActive(ctx, caseID)
}

// GetRevoked returns the most recently revoked pack of the case.
func (s *Service) GetRevoked(ctx context.Context, caseID id.ID) (*Pack, error) {
	list, err := s.packs.ListByCase(ctx, caseID, Filter{
		Statuses:    []Status{StatusRevoked},
		NewestFirst: true,
		Limit:       1,
	})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, apperror.NewNotFound("revoked document pack", caseID)
	}
	return list[0], nil
}

// ListIssued returns the case's ACTIVE and ARCHIVED packs that were issued,
// oldest first.
func (s *Service) ListIssued(ctx context.Context, caseID id.ID) ([]*Pack, error) {
	return s.packs.ListByCase(ctx, caseID, Filter{
		Statuses: []Status{StatusActive, StatusArchived},
		Issued:   true,
	})
}

// ListWorkbasket returns the issued packs still shown in the workbasket.
func (s *Service) ListWorkbasket(ctx context.Context, caseID id.ID) ([]*Pack, error) {
	show := true
	return s.packs.ListByCase(ctx, caseID, Filter{
		Statuses:     []Status{StatusActive, StatusArchived},
		Issued:       true,
		InWorkbasket: &show,
	})
}

// LicenceHistory returns every licence pack that carried a case reference,
// newest first, with its documents.
func (s *Service) LicenceHistory(ctx context.Context, caseID id.ID) ([]PackWithDocuments, error) {
	return s.history(ctx, caseID, KindLicence)
}

// CertificateHistory is LicenceHistory for certificate packs.
func (s *Service) CertificateHistory(ctx context.Context, caseID id.ID) ([]PackWithDocuments, error) {
	return s.history(ctx, caseID, KindCertificate)
}

func (s *Service) history(ctx context.Context, caseID id.ID, kind Kind) ([]PackWithDocuments, error) {
	list, err := s.packs.ListByCase(ctx, caseID, Filter{
		Kind:              kind,
		WithCaseReference: true,
		NewestFirst:       true,
	})
	if err != nil {
		return nil, err
	}
	out := make([]PackWithDocuments, 0, len(list))
	for _, p := range list {
		docs, err := s.docs.ListByPack(ctx, p.ID)
		if err != nil {
			return nil, fmt.Errorf("documents of pack %s: %w", p.ID, err)
		}
		out = append(out, PackWithDocuments{Pack: p, Documents: docs})
	}
	return out, nil
}

func (s *Service) findOne(ctx context.Context, caseID id.ID, status Status, forUpdate bool) (*Pack, error) {
	list, err := s.packs.ListByCase(ctx, caseID, Filter{
		Statuses:  []Status{status},
		ForUpdate: forUpdate,
	})
	if err != nil {
		return nil, fmt.Errorf("find %s pack: %w", status, err)
	}
	switch len(list) {
	case 0:
		return nil, nil
	case 1:
		return list[0], nil
	default:
		// The partial unique indexes make this unreachable.
		return nil, apperror.NewInternal(fmt.Errorf("case %s has %d %s packs", caseID, len(list), status))
	}
}

func (s *Service) record(ctx context.Context, p *Pack, action string, changes map[string]any) error {
	if s.audit == nil {
		return nil
	}
	if changes == nil {
		changes = map[string]any{}
	}
	changes["status"] = p.Status
	changes["case_id"] = p.CaseID
	if err := s.audit.LogChange(ctx, AuditEntityPack, p.ID, action, changes); err != nil {
		return fmt.Errorf("audit %s: %w", action, err)
	}
	return nil
}

// PackEvent is the outbox payload of pack events.
type PackEvent struct {
	PackID        id.ID   `json:"pack_id"`
	CaseID        id.ID   `json:"case_id"`
	Kind          Kind    `json:"kind"`
	Status        Status  `json:"status"`
	CaseReference *string `json:"case_reference,omitempty"`
	RevokeReason  *string `json:"revoke_reason,omitempty"`
	Notify        bool    `json:"notify,omitempty"`
}

func (s *Service) publish(ctx context.Context, p *Pack, eventType string) error {
	if s.events == nil {
		return nil
	}
	evt := PackEvent{
		PackID:        p.ID,
		CaseID:        p.CaseID,
		Kind:          p.Kind(),
		Status:        p.Status,
		CaseReference: p.CaseReference,
		RevokeReason:  p.RevokeReason,
		Notify:        p.RevokeNotified,
	}
	if err := s.events.Publish(ctx, AuditEntityPack, p.ID, eventType, evt); err != nil {
		return fmt.Errorf("publish %s: %w", eventType, err)
	}
	return nil
}
