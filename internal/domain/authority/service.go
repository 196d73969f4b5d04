package authority

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"issuance/internal/core/apperror"
	appctx "issuance/internal/core/context"
	"issuance/internal/core/features"
	"issuance/internal/core/id"
	"issuance/internal/core/tx"
	"issuance/internal/domain/casework"
	"issuance/internal/domain/packs"
	"issuance/internal/domain/rules"
	"issuance/pkg/logger"
)

var tracer = otel.Tracer("issuance/authority")

// PackReader is the part of packs.Service the protocol reads.
type PackReader interface {
	GetActive(ctx context.Context, caseID id.ID) (*packs.Pack, error)
	GetRevoked(ctx context.Context, caseID id.ID) (*packs.Pack, error)
}

// DocumentReader is the part of packs.DocumentService the protocol reads.
type DocumentReader interface {
	Get(ctx context.Context, packID id.ID, key packs.DocumentKey) (*packs.Document, error)
}

// LicenceTypes resolves the Authority licence type of a process type.
type LicenceTypes interface {
	Get(p casework.ProcessType) (rules.ApplicationType, bool)
}

// Service runs the submission protocol.
//
// SubmitLicence and SubmitRevocation must not be called inside a caller's
// transaction: the PENDING row has to be committed before the network call.
type Service struct {
	txManager tx.Manager
	requests  Repository
	cases     CaseStore
	packs     PackReader
	docs      DocumentReader
	types     LicenceTypes
	transport Transport
	flags     features.Provider
	reporter  ErrorReporter
	now       func() time.Time
}

// Deps groups the collaborators of Service.
type Deps struct {
	TxManager tx.Manager
	Requests  Repository
	Cases     CaseStore
	Packs     PackReader
	Documents DocumentReader
	Types     LicenceTypes
	Transport Transport
	Flags     features.Provider
	Reporter  ErrorReporter
}

// NewService creates the submission service.
func NewService(d Deps) *Service {
	reporter := d.Reporter
	if reporter == nil {
		reporter = LogReporter{}
	}
	return &Service{
		txManager: d.TxManager,
		requests:  d.Requests,
		cases:     d.Cases,
		packs:     d.Packs,
		docs:      d.Documents,
		types:     d.Types,
		transport: d.Transport,
		flags:     d.Flags,
		reporter:  reporter,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SubmitLicence sends the case's active licence: insert the first time,
// replace after that. Transmission failures are recorded and reported and
// leave the case on AUTHORITY_ERROR; they are not returned as errors.
func (s *Service) SubmitLicence(ctx context.Context, caseID id.ID) (*Request, error) {
	return s.submit(ctx, caseID, false)
}

// SubmitRevocation sends a cancel for the case's revoked licence.
func (s *Service) SubmitRevocation(ctx context.Context, caseID id.ID) (*Request, error) {
	return s.submit(ctx, caseID, true)
}

func (s *Service) submit(ctx context.Context, caseID id.ID, revoke bool) (*Request, error) {
	ctx, span := tracer.Start(ctx, "authority.submit", trace.WithAttributes(
		attribute.String("case.id", caseID.String()),
		attribute.Bool("authority.revoke", revoke),
	))
	defer span.End()

	waitTask := casework.TaskAuthorityWait
	if revoke {
		waitTask = casework.TaskAuthorityRevokeWait
	}
	enabled := s.flags == nil || s.flags.IsEnabled(ctx, features.FlagAuthorityTransmission)

	var req *Request
	err := s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		var err error
		req, err = s.prepare(ctx, caseID, revoke)
		if err != nil {
			return err
		}
		if !enabled {
			now := s.now()
			req.Status = StatusSent
			req.CompletedAt = &now
		}
		if err := s.requests.Create(ctx, req); err != nil {
			return fmt.Errorf("record authority request: %w", err)
		}
		if !enabled {
			return s.cases.SetTask(ctx, caseID, waitTask)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("authority.action", string(req.Action)),
		attribute.String("authority.request_id", req.ID.String()),
	)

	if !enabled {
		logger.Info(ctx, "authority transmission disabled, request recorded as sent",
			"case_id", caseID, "request_id", req.ID, "action", req.Action)
		return req, nil
	}

	resp, sendErr := s.transport.Send(ctx, req.Payload)
	if sendErr != nil {
		return req, s.fail(ctx, req, sendErr)
	}

	code := resp.StatusCode
	err = s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		if err := s.requests.MarkSent(ctx, req.ID, Outcome{StatusCode: &code, Body: resp.Body}); err != nil {
			return fmt.Errorf("mark request sent: %w", err)
		}
		return s.cases.SetTask(ctx, req.CaseID, waitTask)
	})
	if err != nil {
		return req, err
	}

	now := s.now()
	req.Status = StatusSent
	req.ResponseStatus = &code
	req.CompletedAt = &now
	logger.Info(ctx, "licence sent to authority",
		"case_id", caseID, "request_id", req.ID, "action", req.Action, "correlation_id", req.CorrelationID)
	return req, nil
}

// prepare builds the request inside the first transaction. It assigns the
// case's correlation id on first use.
func (s *Service) prepare(ctx context.Context, caseID id.ID, revoke bool) (*Request, error) {
	c, err := s.cases.GetForUpdate(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if !c.ProcessType.IsImport() {
		return nil, apperror.NewInvalidState("only licences are sent to the authority").
			WithDetail("case_id", caseID).
			WithDetail("process_type", c.ProcessType)
	}

	var pack *packs.Pack
	if revoke {
		pack, err = s.packs.GetRevoked(ctx, caseID)
	} else {
		pack, err = s.packs.GetActive(ctx, caseID)
	}
	if err != nil {
		return nil, err
	}
	doc, err := s.docs.Get(ctx, pack.ID, packs.DocumentKey{Type: packs.DocumentLicence})
	if err != nil {
		return nil, err
	}

	var action Action
	switch {
	case revoke:
		if c.AuthorityCorrelationID == nil {
			return nil, apperror.NewInvalidState("licence was never sent to the authority").
				WithDetail("case_id", caseID)
		}
		action = ActionCancel
	default:
		n, err := s.requests.CountByCase(ctx, caseID)
		if err != nil {
			return nil, fmt.Errorf("count authority requests: %w", err)
		}
		action = ActionInsert
		if n > 0 {
			action = ActionReplace
		}
	}

	if c.AuthorityCorrelationID == nil {
		cid := id.New()
		c.AuthorityCorrelationID = &cid
		if err := s.cases.Update(ctx, c); err != nil {
			return nil, fmt.Errorf("store correlation id: %w", err)
		}
	}

	terms, _ := pack.LicenceTerms()
	appType, _ := s.types.Get(c.ProcessType)
	caseRef := c.Reference
	if pack.CaseReference != nil {
		caseRef = *pack.CaseReference
	}

	env, err := buildLicence(payloadInput{
		action:           action,
		correlationID:    c.AuthorityCorrelationID.String(),
		caseReference:    caseRef,
		licenceReference: derefString(doc.Reference),
		licenceType:      appType.LicenceType,
		c:                c,
		terms:            terms,
	})
	if err != nil {
		return nil, apperror.NewInternal(err).WithDetail("case_id", caseID)
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal authority payload: %w", err)
	}

	return &Request{
		ID:            id.New(),
		CaseID:        caseID,
		PackID:        pack.ID,
		CaseReference: caseRef,
		Action:        action,
		CorrelationID: *c.AuthorityCorrelationID,
		Payload:       body,
		Status:        StatusPending,
		RequestedBy:   appctx.GetCaseworkerID(ctx),
		RequestedAt:   s.now(),
	}, nil
}

// fail records a failed attempt and moves the case to AUTHORITY_ERROR. It
// returns an error only when the failure itself could not be recorded.
func (s *Service) fail(ctx context.Context, req *Request, cause error) error {
	out := Outcome{}
	var te *TransmissionError
	if errors.As(cause, &te) {
		if te.StatusCode != 0 {
			code := te.StatusCode
			out.StatusCode = &code
		}
		out.Body = te.Body
		for _, msg := range te.Errors() {
			out.Errors = append(out.Errors, ResponseError{
				ID:         id.New(),
				RequestID:  req.ID,
				StatusCode: te.StatusCode,
				Message:    msg,
				CreatedAt:  s.now(),
			})
		}
	}

	err := s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		if err := s.requests.MarkFailed(ctx, req.ID, out); err != nil {
			return fmt.Errorf("mark request failed: %w", err)
		}
		return s.cases.SetTask(ctx, req.CaseID, casework.TaskAuthorityError)
	})

	s.reporter.Report(ctx, cause, map[string]any{
		"case_id":        req.CaseID,
		"request_id":     req.ID,
		"action":         req.Action,
		"correlation_id": req.CorrelationID,
	})

	now := s.now()
	req.Status = StatusInternalError
	req.ResponseStatus = out.StatusCode
	req.CompletedAt = &now
	if err != nil {
		return fmt.Errorf("record authority failure: %w", err)
	}
	return nil
}

// CallbackItem identifies one licence in a callback, by correlation id.
type CallbackItem struct {
	ID     string            `json:"id"`
	Errors []json.RawMessage `json:"errors,omitempty"`
}

// Callback is the Authority's asynchronous verdict on sent licences.
type Callback struct {
	Accepted []CallbackItem `json:"accepted"`
	Rejected []CallbackItem `json:"rejected"`
}

// HandleCallback applies a verdict and returns the items it processed.
// Unknown ids are skipped.
func (s *Service) HandleCallback(ctx context.Context, cb Callback) (Callback, error) {
	done := Callback{Accepted: []CallbackItem{}, Rejected: []CallbackItem{}}

	for _, item := range cb.Accepted {
		ok, err := s.applyVerdict(ctx, item, true)
		if err != nil {
			return done, err
		}
		if ok {
			done.Accepted = append(done.Accepted, CallbackItem{ID: item.ID})
		}
	}
	for _, item := range cb.Rejected {
		ok, err := s.applyVerdict(ctx, item, false)
		if err != nil {
			return done, err
		}
		if ok {
			done.Rejected = append(done.Rejected, CallbackItem{ID: item.ID})
		}
	}
	return done, nil
}

func (s *Service) applyVerdict(ctx context.Context, item CallbackItem, accepted bool) (bool, error) {
	correlationID, err := id.Parse(item.ID)
	if err != nil {
		logger.Warn(ctx, "authority callback with malformed id", "id", item.ID)
		return false, nil
	}

	var (
		found bool
		c     *casework.Case
		req   *Request
	)
	err = s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		c, err = s.cases.GetByCorrelationID(ctx, correlationID)
		if apperror.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		req, err = s.requests.LatestByCorrelation(ctx, correlationID)
		if apperror.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true

		if accepted {
			if err := s.requests.AttachCallback(ctx, req.ID, CallbackAccepted, nil); err != nil {
				return err
			}
			if c.Task == casework.TaskAuthorityWait || c.Task == casework.TaskAuthorityRevokeWait {
				return s.cases.SetTask(ctx, c.ID, casework.TaskNone)
			}
			return nil
		}

		errs := make([]ResponseError, 0, len(item.Errors))
		for _, raw := range item.Errors {
			errs = append(errs, ResponseError{
				ID:        id.New(),
				RequestID: req.ID,
				Message:   string(raw),
				CreatedAt: s.now(),
			})
		}
		if err := s.requests.AttachCallback(ctx, req.ID, CallbackRejected, errs); err != nil {
			return err
		}
		return s.cases.SetTask(ctx, c.ID, casework.TaskAuthorityError)
	})
	if err != nil {
		return false, fmt.Errorf("apply authority callback for %s: %w", item.ID, err)
	}
	if !found {
		logger.Warn(ctx, "authority callback for unknown licence", "id", item.ID)
		return false, nil
	}

	if accepted {
		logger.Info(ctx, "authority accepted licence", "case_id", c.ID, "request_id", req.ID)
	} else {
		s.reporter.Report(ctx, errors.New("authority rejected licence"), map[string]any{
			"case_id":    c.ID,
			"request_id": req.ID,
			"errors":     len(item.Errors),
		})
	}
	return true, nil
}

// ReconcileStale fails requests stuck in PENDING for longer than olderThan,
// which means the process died between recording and sending. The Authority
// may or may not have received them; a case worker decides on retry.
func (s *Service) ReconcileStale(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	stale, err := s.requests.ListStalePending(ctx, s.now().Add(-olderThan), limit)
	if err != nil {
		return 0, fmt.Errorf("list stale requests: %w", err)
	}
	for _, req := range stale {
		cause := &TransmissionError{Err: fmt.Errorf("no outcome recorded within %s", olderThan)}
		if err := s.fail(ctx, req, cause); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

// ListRequests returns the case's requests, oldest first.
func (s *Service) ListRequests(ctx context.Context, caseID id.ID) ([]*Request, error) {
	return s.requests.ListByCase(ctx, caseID)
}

// ListErrors returns the errors recorded for a request.
func (s *Service) ListErrors(ctx context.Context, requestID id.ID) ([]ResponseError, error) {
	return s.requests.ListErrors(ctx, requestID)
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
