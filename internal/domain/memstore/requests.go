package memstore

import (
	"context"
	"sync"
	"time"

	"issuance/internal/core/apperror"
	"issuance/internal/core/id"
	"issuance/internal/domain/authority"
)

// Requests is an in-memory authority.Repository.
type Requests struct {
	mu     sync.Mutex
	items  []authority.Request
	errors []authority.ResponseError

	// OnCreate, when set, runs after a request is stored.
	OnCreate func(r authority.Request)
}

var _ authority.Repository = (*Requests)(nil)

// NewRequests creates an empty request store.
func NewRequests() *Requests {
	return &Requests{}
}

func (s *Requests) Create(_ context.Context, r *authority.Request) error {
	s.mu.Lock()
	s.items = append(s.items, *r)
	hook := s.OnCreate
	s.mu.Unlock()
	if hook != nil {
		hook(*r)
	}
	return nil
}

func (s *Requests) finish(requestID id.ID, status authority.RequestStatus, out authority.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.items {
		r := &s.items[i]
		if r.ID != requestID {
			continue
		}
		if r.Status != authority.StatusPending {
			return apperror.NewInvalidState("authority request is not pending").
				WithDetail("request_id", requestID)
		}
		now := time.Now().UTC()
		r.Status = status
		r.ResponseStatus = out.StatusCode
		r.ResponseBody = out.Body
		r.CompletedAt = &now
		s.errors = append(s.errors, out.Errors...)
		return nil
	}
	return apperror.NewNotFound("authority request", requestID)
}

func (s *Requests) MarkSent(_ context.Context, requestID id.ID, out authority.Outcome) error {
	return s.finish(requestID, authority.StatusSent, out)
}

func (s *Requests) MarkFailed(_ context.Context, requestID id.ID, out authority.Outcome) error {
	return s.finish(requestID, authority.StatusInternalError, out)
}

func (s *Requests) CountByCase(_ context.Context, caseID id.ID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.items {
		if r.CaseID == caseID {
			n++
		}
	}
	return n, nil
}

func (s *Requests) ListByCase(_ context.Context, caseID id.ID) ([]*authority.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*authority.Request, 0)
	for _, r := range s.items {
		if r.CaseID == caseID {
			r := r
			out = append(out, &r)
		}
	}
	return out, nil
}

func (s *Requests) ListErrors(_ context.Context, requestID id.ID) ([]authority.ResponseError, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]authority.ResponseError, 0)
	for _, e := range s.errors {
		if e.RequestID == requestID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Requests) LatestByCorrelation(_ context.Context, correlationID id.ID) (*authority.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.items) - 1; i >= 0; i-- {
		if s.items[i].CorrelationID == correlationID {
			r := s.items[i]
			return &r, nil
		}
	}
	return nil, apperror.NewNotFound("authority request", correlationID)
}

func (s *Requests) ListStalePending(_ context.Context, before time.Time, limit int) ([]*authority.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*authority.Request, 0)
	for _, r := range s.items {
		if r.Status == authority.StatusPending && r.RequestedAt.Before(before) {
			r := r
			out = append(out, &r)
		}
	}
	return page(out, 0, limit), nil
}

func (s *Requests) AttachCallback(_ context.Context, requestID id.ID, outcome string, errs []authority.ResponseError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.items {
		if s.items[i].ID == requestID {
			now := time.Now().UTC()
			s.items[i].CallbackOutcome = &outcome
			s.items[i].CallbackAt = &now
			s.errors = append(s.errors, errs...)
			return nil
		}
	}
	return apperror.NewNotFound("authority request", requestID)
}
