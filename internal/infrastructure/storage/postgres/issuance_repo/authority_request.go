package issuance_repo

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"issuance/internal/core/apperror"
	"issuance/internal/core/id"
	"issuance/internal/domain/authority"
	"issuance/internal/infrastructure/storage/postgres"
)

const (
	requestsTable       = "authority_requests"
	responseErrorsTable = "authority_response_errors"
)

var (
	requestColumns       = postgres.ExtractDBColumns[authority.Request]()
	responseErrorColumns = postgres.ExtractDBColumns[authority.ResponseError]()
)

// AuthorityRequestRepo persists the Authority submission log. Response
// bodies are stored compressed.
type AuthorityRequestRepo struct {
	base
	codec *postgres.Codec
	now   func() time.Time
}

var _ authority.Repository = (*AuthorityRequestRepo)(nil)

// NewAuthorityRequestRepo creates the request repository.
func NewAuthorityRequestRepo(txm *postgres.TxManager, codec *postgres.Codec) *AuthorityRequestRepo {
	return &AuthorityRequestRepo{
		base:  base{txm: txm},
		codec: codec,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (r *AuthorityRequestRepo) Create(ctx context.Context, req *authority.Request) error {
	_, err := r.exec(ctx, r.insertMap(requestsTable, requestColumns, req), "insert authority request")
	return err
}

func (r *AuthorityRequestRepo) MarkSent(ctx context.Context, requestID id.ID, out authority.Outcome) error {
	return r.finish(ctx, requestID, authority.StatusSent, out)
}

func (r *AuthorityRequestRepo) MarkFailed(ctx context.Context, requestID id.ID, out authority.Outcome) error {
	return r.finish(ctx, requestID, authority.StatusInternalError, out)
}

// finish moves a PENDING request to its final status. A request that is no
// longer pending was finished by someone else.
func (r *AuthorityRequestRepo) finish(ctx context.Context, requestID id.ID, status authority.RequestStatus, out authority.Outcome) error {
	body, algo := r.codec.Encode(out.Body)
	tag, err := r.exec(ctx, r.builder().Update(requestsTable).
		Set("status", status).
		Set("response_status", out.StatusCode).
		Set("response_body", body).
		Set("response_compression", algo).
		Set("completed_at", r.now()).
		Where(squirrel.Eq{"id": requestID, "status": authority.StatusPending}), "finish authority request")
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperror.NewInvalidState("authority request is not pending").
			WithDetail("request_id", requestID)
	}
	return r.insertErrors(ctx, out.Errors)
}

func (r *AuthorityRequestRepo) insertErrors(ctx context.Context, errs []authority.ResponseError) error {
	if len(errs) == 0 {
		return nil
	}
	q := r.builder().Insert(responseErrorsTable).Columns(responseErrorColumns...)
	for _, e := range errs {
		data := postgres.StructToMap(e)
		values := make([]any, len(responseErrorColumns))
		for i, col := range responseErrorColumns {
			values[i] = data[col]
		}
		q = q.Values(values...)
	}
	_, err := r.exec(ctx, q, "insert authority response errors")
	return err
}

// CountByCase counts every request recorded for the case, failed ones included.
func (r *AuthorityRequestRepo) CountByCase(ctx context.Context, caseID id.ID) (int, error) {
	sql, args, err := r.builder().
		Select("COUNT(*)").
		From(requestsTable).
		Where(squirrel.Eq{"case_id": caseID}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count: %w", err)
	}
	var n int
	if err := r.q(ctx).QueryRow(ctx, sql, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count authority requests: %w", err)
	}
	return n, nil
}

func (r *AuthorityRequestRepo) selectRequests() squirrel.SelectBuilder {
	return r.builder().Select(requestColumns...).From(requestsTable)
}

func (r *AuthorityRequestRepo) list(ctx context.Context, q squirrel.SelectBuilder) ([]*authority.Request, error) {
	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build request query: %w", err)
	}
	var out []*authority.Request
	if err := pgxscan.Select(ctx, r.q(ctx), &out, sql, args...); err != nil {
		return nil, fmt.Errorf("list authority requests: %w", err)
	}
	return out, nil
}

func (r *AuthorityRequestRepo) ListByCase(ctx context.Context, caseID id.ID) ([]*authority.Request, error) {
	return r.list(ctx, r.selectRequests().
		Where(squirrel.Eq{"case_id": caseID}).
		OrderBy("requested_at", "id"))
}

func (r *AuthorityRequestRepo) ListStalePending(ctx context.Context, before time.Time, limit int) ([]*authority.Request, error) {
	q := r.selectRequests().
		Where(squirrel.Eq{"status": authority.StatusPending}).
		Where(squirrel.Lt{"requested_at": before}).
		OrderBy("requested_at", "id")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	return r.list(ctx, q.Suffix("FOR UPDATE SKIP LOCKED"))
}

func (r *AuthorityRequestRepo) LatestByCorrelation(ctx context.Context, correlationID id.ID) (*authority.Request, error) {
	list, err := r.list(ctx, r.selectRequests().
		Where(squirrel.Eq{"correlation_id": correlationID}).
		OrderBy("requested_at DESC", "id DESC").
		Limit(1))
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, apperror.NewNotFound("authority request", correlationID)
	}
	return list[0], nil
}

// ResponseBody returns the decompressed response body of a request.
func (r *AuthorityRequestRepo) ResponseBody(ctx context.Context, requestID id.ID) ([]byte, error) {
	sql, args, err := r.builder().
		Select("response_body", "COALESCE(response_compression, '')").
		From(requestsTable).
		Where(squirrel.Eq{"id": requestID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build body query: %w", err)
	}
	var (
		blob []byte
		algo postgres.CompressionAlgo
	)
	if err := r.q(ctx).QueryRow(ctx, sql, args...).Scan(&blob, &algo); err != nil {
		if pgxscan.NotFound(err) {
			return nil, apperror.NewNotFound("authority request", requestID)
		}
		return nil, fmt.Errorf("get response body: %w", err)
	}
	return r.codec.Decode(blob, algo)
}

func (r *AuthorityRequestRepo) ListErrors(ctx context.Context, requestID id.ID) ([]authority.ResponseError, error) {
	sql, args, err := r.builder().
		Select(responseErrorColumns...).
		From(responseErrorsTable).
		Where(squirrel.Eq{"request_id": requestID}).
		OrderBy("created_at", "id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build error list: %w", err)
	}
	var out []authority.ResponseError
	if err := pgxscan.Select(ctx, r.q(ctx), &out, sql, args...); err != nil {
		return nil, fmt.Errorf("list response errors: %w", err)
	}
	return out, nil
}

func (r *AuthorityRequestRepo) AttachCallback(ctx context.Context, requestID id.ID, outcome string, errs []authority.ResponseError) error {
	tag, err := r.exec(ctx, r.builder().Update(requestsTable).
		Set("callback_outcome", outcome).
		Set("callback_at", r.now()).
		Where(squirrel.Eq{"id": requestID}), "attach authority callback")
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperror.NewNotFound("authority request", requestID)
	}
	return r.insertErrors(ctx, errs)
}
