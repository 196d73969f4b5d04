// Package authority transmits issued licences to the external customs
// Authority and records every attempt.
//
// A request row is written as PENDING and committed before the network call,
// so a crash mid-transmission leaves a reconcilable record. The outcome is
// recorded in a second transaction; transmission failures never roll back
// the caller's work.
package authority

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"issuance/internal/core/id"
	"issuance/internal/domain/casework"
)

// Action sent to the Authority.
type Action string

const (
	ActionInsert  Action = "insert"
	ActionReplace Action = "replace"
	ActionCancel  Action = "cancel"
)

// RequestStatus of one submission attempt.
type RequestStatus string

const (
	StatusPending       RequestStatus = "PENDING"
	StatusSent          RequestStatus = "SENT"
	StatusInternalError RequestStatus = "INTERNAL_ERROR"
)

// Callback outcomes recorded on a sent request.
const (
	CallbackAccepted = "ACCEPTED"
	CallbackRejected = "REJECTED"
)

// Request is one attempt to notify the Authority about a pack.
type Request struct {
	ID            id.ID           `db:"id" json:"id"`
	CaseID        id.ID           `db:"case_id" json:"caseId"`
	PackID        id.ID           `db:"pack_id" json:"packId"`
	CaseReference string          `db:"case_reference" json:"caseReference"`
	Action        Action          `db:"action" json:"action"`
	CorrelationID id.ID           `db:"correlation_id" json:"correlationId"`
	Payload       json.RawMessage `db:"request_payload" json:"payload"`
	Status        RequestStatus   `db:"status" json:"status"`

	ResponseStatus *int   `db:"response_status" json:"responseStatus,omitempty"`
	ResponseBody   []byte `db:"-" json:"-"`

	CallbackOutcome *string    `db:"callback_outcome" json:"callbackOutcome,omitempty"`
	CallbackAt      *time.Time `db:"callback_at" json:"callbackAt,omitempty"`

	RequestedBy string     `db:"requested_by" json:"requestedBy"`
	RequestedAt time.Time  `db:"requested_at" json:"requestedAt"`
	CompletedAt *time.Time `db:"completed_at" json:"completedAt,omitempty"`
}

// IsTerminal reports whether the request left PENDING.
func (r *Request) IsTerminal() bool {
	return r.Status != StatusPending
}

// ResponseError is one entry of the "errors" array of a rejected request
// or callback.
type ResponseError struct {
	ID         id.ID     `db:"id" json:"id"`
	RequestID  id.ID     `db:"request_id" json:"requestId"`
	StatusCode int       `db:"status_code" json:"statusCode"`
	Message    string    `db:"message" json:"message"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
}

// Outcome is what came back for a request. StatusCode is nil when no
// response was received.
type Outcome struct {
	StatusCode *int
	Body       []byte
	Errors     []ResponseError
}

// Response is a verified Authority response.
type Response struct {
	StatusCode int
	Body       []byte
}

// TransmissionError is any failure to get a verified 2xx from the Authority:
// network errors, timeouts, non-2xx responses and bad response signatures.
type TransmissionError struct {
	StatusCode int
	Body       []byte
	Err        error
}

func (e *TransmissionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("authority responded %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("authority transmission failed: %v", e.Err)
}

func (e *TransmissionError) Unwrap() error { return e.Err }

// Errors decodes the response's "errors" array. Entries are kept as raw
// JSON; a body without the array yields nothing.
func (e *TransmissionError) Errors() []string {
	if len(e.Body) == 0 {
		return nil
	}
	var body struct {
		Errors []json.RawMessage `json:"errors"`
	}
	if err := json.Unmarshal(e.Body, &body); err != nil {
		return nil
	}
	out := make([]string, 0, len(body.Errors))
	for _, raw := range body.Errors {
		out = append(out, string(raw))
	}
	return out
}

// Transport delivers a signed payload to the Authority and verifies the
// signed response. Any failure is a *TransmissionError.
type Transport interface {
	Send(ctx context.Context, payload []byte) (*Response, error)
}

// Repository persists requests.
type Repository interface {
	Create(ctx context.Context, r *Request) error
	// MarkSent and MarkFailed only move PENDING requests.
	MarkSent(ctx context.Context, requestID id.ID, out Outcome) error
	MarkFailed(ctx context.Context, requestID id.ID, out Outcome) error
	// CountByCase counts every request ever recorded for the case.
	CountByCase(ctx context.Context, caseID id.ID) (int, error)
	ListByCase(ctx context.Context, caseID id.ID) ([]*Request, error)
	ListErrors(ctx context.Context, requestID id.ID) ([]ResponseError, error)
	LatestByCorrelation(ctx context.Context, correlationID id.ID) (*Request, error)
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]*Request, error)
	// AttachCallback records the Authority's asynchronous verdict.
	AttachCallback(ctx context.Context, requestID id.ID, outcome string, errs []ResponseError) error
}

// CaseStore is the part of the case repository the submission protocol
// uses.
type CaseStore interface {
	GetForUpdate(ctx context.Context, caseID id.ID) (*casework.Case, error)
	Update(ctx context.Context, c *casework.Case) error
	SetTask(ctx context.Context, caseID id.ID, task casework.Task) error
	GetByCorrelationID(ctx context.Context, correlationID id.ID) (*casework.Case, error)
}
