// Package workflow is the thin case workflow over the issuance core:
// submission, document authorisation, issue, variation, withdrawal and
// revocation.
package workflow

import (
	"context"
	"fmt"
	"time"

	"issuance/internal/core/apperror"
	"issuance/internal/core/id"
	"issuance/internal/core/tx"
	"issuance/internal/domain/authority"
	"issuance/internal/domain/casework"
	"issuance/internal/domain/packs"
	"issuance/internal/domain/reference"
	"issuance/pkg/logger"
)

// CaseAllocator numbers cases. Implemented by reference.Allocator.
type CaseAllocator interface {
	Allocate(ctx context.Context, scheme reference.Scheme) (string, error)
}

// Submitter sends licences to the Authority. Implemented by
// authority.Service.
type Submitter interface {
	SubmitLicence(ctx context.Context, caseID id.ID) (*authority.Request, error)
	SubmitRevocation(ctx context.Context, caseID id.ID) (*authority.Request, error)
}

// Service drives cases through issuance.
type Service struct {
	txManager tx.Manager
	cases     casework.Repository
	packs     *packs.Service
	docs      *packs.DocumentService
	allocator CaseAllocator
	authority Submitter
	now       func() time.Time
}

// NewService creates the workflow service.
func NewService(
	txManager tx.Manager,
	cases casework.Repository,
	packService *packs.Service,
	docService *packs.DocumentService,
	allocator CaseAllocator,
	submitter Submitter,
) *Service {
	return &Service{
		txManager: txManager,
		cases:     cases,
		packs:     packService,
		docs:      docService,
		allocator: allocator,
		authority: submitter,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Create registers a new, unsubmitted case.
func (s *Service) Create(ctx context.Context, processType casework.ProcessType, details casework.Details) (*casework.Case, error) {
	c := casework.NewCase(processType, details)
	if err := c.Validate(ctx); err != nil {
		return nil, err
	}
	if err := s.cases.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("create case: %w", err)
	}
	logger.Info(ctx, "case created", "case_id", c.ID, "process_type", processType)
	return c, nil
}

// Get returns a case.
func (s *Service) Get(ctx context.Context, caseID id.ID) (*casework.Case, error) {
	return s.cases.Get(ctx, caseID)
}

// ListByTask returns cases whose processing task is one of tasks.
func (s *Service) ListByTask(ctx context.Context, limit, offset int, tasks ...casework.Task) ([]*casework.Case, error) {
	return s.cases.List(ctx, casework.ListFilter{Tasks: tasks, Limit: limit, Offset: offset})
}

// Submit numbers the case and opens its first draft pack.
func (s *Service) Submit(ctx context.Context, caseID id.ID) (*casework.Case, error) {
	var c *casework.Case
	err := s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		var err error
		c, err = s.load(ctx, caseID, casework.StatusInProgress)
		if err != nil {
			return err
		}

		ref, err := s.allocator.Allocate(ctx, c.ProcessType.CaseScheme())
		if err != nil {
			return fmt.Errorf("allocate case reference: %w", err)
		}
		now := s.now()
		c.Reference = ref
		c.Status = casework.StatusProcessing
		c.Task = casework.TaskProcess
		c.SubmittedAt = &now
		if err := s.cases.Update(ctx, c); err != nil {
			return fmt.Errorf("update case: %w", err)
		}

		_, err = s.packs.CreateDraft(ctx, c, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	logger.Info(ctx, "case submitted", "case_id", c.ID, "reference", c.Reference)
	return c, nil
}

// AuthoriseDocuments creates the draft's documents and hands the case to
// signing.
func (s *Service) AuthoriseDocuments(ctx context.Context, caseID id.ID) ([]*packs.Document, error) {
	var docs []*packs.Document
	err := s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		c, err := s.load(ctx, caseID, casework.StatusProcessing, casework.StatusVariationRequested)
		if err != nil {
			return err
		}
		draft, err := s.packs.GetDraft(ctx, caseID)
		if err != nil {
			return err
		}
		docs, err = s.docs.CreateAll(ctx, c, draft)
		if err != nil {
			return err
		}
		c.Task = casework.TaskDocumentSigning
		return s.cases.Update(ctx, c)
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}

// IssueResult is the outcome of Issue.
type IssueResult struct {
	Pack *packs.Pack `json:"pack"`
	// AuthorityRequest is set for licences.
	AuthorityRequest *authority.Request `json:"authorityRequest,omitempty"`
}

// Issue promotes the signed draft and completes the case. Licences are
// then sent to the Authority outside the issuing transaction, so a failed
// transmission never un-issues the pack.
func (s *Service) Issue(ctx context.Context, caseID id.ID) (*IssueResult, error) {
	var (
		c      *casework.Case
		issued *packs.Pack
	)
	err := s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		var err error
		c, err = s.load(ctx, caseID, casework.StatusProcessing, casework.StatusVariationRequested)
		if err != nil {
			return err
		}
		if c.Task != casework.TaskDocumentSigning {
			return apperror.NewInvalidState("documents have not been authorised").
				WithDetail("case_id", caseID).
				WithDetail("task", c.Task)
		}

		draft, err := s.packs.GetDraft(ctx, caseID)
		if err != nil {
			return err
		}
		if terms, ok := draft.LicenceTerms(); ok {
			if terms.StartDate == nil || terms.EndDate == nil {
				return apperror.NewValidation("licence start and end dates are required").
					WithDetail("pack_id", draft.ID)
			}
		}

		issued, err = s.packs.PromoteDraftToActive(ctx, c)
		if err != nil {
			return err
		}
		c.Status = casework.StatusCompleted
		c.Task = casework.TaskNone
		return s.cases.Update(ctx, c)
	})
	if err != nil {
		return nil, err
	}

	res := &IssueResult{Pack: issued}
	if issued.Kind() != packs.KindLicence {
		return res, nil
	}
	res.AuthorityRequest, err = s.authority.SubmitLicence(ctx, caseID)
	if err != nil {
		return res, fmt.Errorf("submit licence: %w", err)
	}
	return res, nil
}

// OpenVariation reopens a completed case: the reference gains the next
// /N suffix and a draft inheriting the active pack's terms is created.
func (s *Service) OpenVariation(ctx context.Context, caseID id.ID) (*casework.Case, error) {
	var c *casework.Case
	err := s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		var err error
		c, err = s.load(ctx, caseID, casework.StatusCompleted)
		if err != nil {
			return err
		}
		if _, err := s.packs.GetActive(ctx, caseID); err != nil {
			return err
		}

		ref, err := reference.VariationReference(c.Reference, c.VariationCount+1)
		if err != nil {
			return apperror.NewValidation(err.Error()).WithDetail("case_id", caseID)
		}
		c.VariationCount++
		c.Reference = ref
		c.Status = casework.StatusVariationRequested
		c.Task = casework.TaskProcess
		if err := s.cases.Update(ctx, c); err != nil {
			return err
		}
		_, err = s.packs.CreateDraft(ctx, c, true)
		return err
	})
	if err != nil {
		return nil, err
	}
	logger.Info(ctx, "variation requested", "case_id", c.ID, "reference", c.Reference)
	return c, nil
}

// UpdateLicenceTerms edits the draft licence before it is issued. Editing
// after the documents were authorised sends the case back to processing:
// the licence reference and cover letter depend on the terms, so the
// documents must be authorised again before Issue.
func (s *Service) UpdateLicenceTerms(ctx context.Context, caseID id.ID, upd packs.LicenceTermsUpdate) (*packs.Pack, error) {
	var draft *packs.Pack
	err := s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		c, err := s.load(ctx, caseID, casework.StatusProcessing, casework.StatusVariationRequested)
		if err != nil {
			return err
		}
		draft, err = s.packs.UpdateDraftLicenceTerms(ctx, caseID, upd)
		if err != nil {
			return err
		}
		if c.Task != casework.TaskDocumentSigning {
			return nil
		}
		c.Task = casework.TaskProcess
		return s.cases.Update(ctx, c)
	})
	if err != nil {
		return nil, err
	}
	return draft, nil
}

// Withdraw abandons the work in progress. A withdrawn variation request
// returns the case to COMPLETED with its previous reference; any other case
// becomes WITHDRAWN.
func (s *Service) Withdraw(ctx context.Context, caseID id.ID) (*casework.Case, error) {
	var c *casework.Case
	err := s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		var err error
		c, err = s.load(ctx, caseID, casework.StatusInProgress, casework.StatusProcessing, casework.StatusVariationRequested)
		if err != nil {
			return err
		}
		if _, err := s.packs.DiscardDraft(ctx, caseID); err != nil && !apperror.IsNoDraftPack(err) {
			return err
		}

		if c.Status == casework.StatusVariationRequested {
			ref, err := reference.VariationReference(c.Reference, c.VariationCount-1)
			if err != nil {
				return apperror.NewValidation(err.Error()).WithDetail("case_id", caseID)
			}
			c.VariationCount--
			c.Reference = ref
			c.Status = casework.StatusCompleted
		} else {
			c.Status = casework.StatusWithdrawn
		}
		c.Task = casework.TaskNone
		return s.cases.Update(ctx, c)
	})
	if err != nil {
		return nil, err
	}
	logger.Info(ctx, "case withdrawn", "case_id", c.ID, "status", c.Status)
	return c, nil
}

// RevokeResult is the outcome of Revoke.
type RevokeResult struct {
	Pack             *packs.Pack        `json:"pack"`
	AuthorityRequest *authority.Request `json:"authorityRequest,omitempty"`
}

// Revoke revokes the active pack. A licence that reached the Authority is
// cancelled there after the revocation commits.
func (s *Service) Revoke(ctx context.Context, caseID id.ID, reason string, notify bool) (*RevokeResult, error) {
	var (
		c       *casework.Case
		revoked *packs.Pack
	)
	err := s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		var err error
		c, err = s.load(ctx, caseID, casework.StatusCompleted)
		if err != nil {
			return err
		}
		revoked, err = s.packs.RevokeActive(ctx, caseID, reason, notify)
		if err != nil {
			return err
		}
		c.Status = casework.StatusRevoked
		c.Task = casework.TaskNone
		return s.cases.Update(ctx, c)
	})
	if err != nil {
		return nil, err
	}

	res := &RevokeResult{Pack: revoked}
	if revoked.Kind() != packs.KindLicence || c.AuthorityCorrelationID == nil {
		return res, nil
	}
	res.AuthorityRequest, err = s.authority.SubmitRevocation(ctx, caseID)
	if err != nil {
		return res, fmt.Errorf("submit revocation: %w", err)
	}
	return res, nil
}

// RetryAuthority re-enters the submission protocol for a case whose last
// transmission failed. Each retry records a new request.
func (s *Service) RetryAuthority(ctx context.Context, caseID id.ID) (*authority.Request, error) {
	c, err := s.cases.Get(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if c.Task != casework.TaskAuthorityError {
		return nil, apperror.NewInvalidState("case is not in authority error").
			WithDetail("case_id", caseID).
			WithDetail("task", c.Task)
	}
	if c.Status == casework.StatusRevoked {
		return s.authority.SubmitRevocation(ctx, caseID)
	}
	return s.authority.SubmitLicence(ctx, caseID)
}

func (s *Service) load(ctx context.Context, caseID id.ID, allowed ...casework.Status) (*casework.Case, error) {
	c, err := s.cases.GetForUpdate(ctx, caseID)
	if err != nil {
		return nil, err
	}
	for _, st := range allowed {
		if c.Status == st {
			return c, nil
		}
	}
	return nil, apperror.NewInvalidState(fmt.Sprintf("case is %s", c.Status)).
		WithDetail("case_id", caseID).
		WithDetail("status", c.Status)
}
