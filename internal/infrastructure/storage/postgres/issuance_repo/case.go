package issuance_repo

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"issuance/internal/core/apperror"
	"issuance/internal/core/id"
	"issuance/internal/domain/casework"
	"issuance/internal/infrastructure/storage/postgres"
)

const casesTable = "cases"

var caseColumns = postgres.ExtractDBColumns[casework.Case]()

// CaseRepo persists cases.
//
// Writers serialise on the row lock taken by GetForUpdate, so Update does
// not compare versions.
type CaseRepo struct {
	base
}

var _ casework.Repository = (*CaseRepo)(nil)

// NewCaseRepo creates a case repository.
func NewCaseRepo(txm *postgres.TxManager) *CaseRepo {
	return &CaseRepo{base{txm: txm}}
}

func (r *CaseRepo) Create(ctx context.Context, c *casework.Case) error {
	_, err := r.exec(ctx, r.insertMap(casesTable, caseColumns, c), "insert case")
	if pgCode(err) == pgUniqueViolation {
		return apperror.NewConflict("case already exists").
			WithDetail("case_id", c.ID).
			WithDetail("constraint", pgConstraint(err))
	}
	return err
}

func (r *CaseRepo) selectCases() squirrel.SelectBuilder {
	return r.builder().Select(caseColumns...).From(casesTable)
}

func (r *CaseRepo) getOne(ctx context.Context, q squirrel.SelectBuilder, key any) (*casework.Case, error) {
	sql, args, err := q.Limit(1).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build case query: %w", err)
	}
	var c casework.Case
	if err := pgxscan.Get(ctx, r.q(ctx), &c, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, apperror.NewNotFound("case", key)
		}
		return nil, fmt.Errorf("get case: %w", err)
	}
	return &c, nil
}

func (r *CaseRepo) Get(ctx context.Context, caseID id.ID) (*casework.Case, error) {
	return r.getOne(ctx, r.selectCases().Where(squirrel.Eq{"id": caseID}), caseID)
}

// GetForUpdate row-locks the case until the surrounding transaction ends.
func (r *CaseRepo) GetForUpdate(ctx context.Context, caseID id.ID) (*casework.Case, error) {
	return r.getOne(ctx, r.selectCases().Where(squirrel.Eq{"id": caseID}).Suffix("FOR UPDATE"), caseID)
}

func (r *CaseRepo) GetByCorrelationID(ctx context.Context, correlationID id.ID) (*casework.Case, error) {
	return r.getOne(ctx, r.selectCases().Where(squirrel.Eq{"authority_correlation_id": correlationID}), correlationID)
}

func (r *CaseRepo) Update(ctx context.Context, c *casework.Case) error {
	c.Touch()
	data := postgres.StructToMap(c)
	values := make(map[string]any, len(caseColumns))
	for _, col := range caseColumns {
		if col == "id" || col == "created_at" {
			continue
		}
		values[col] = data[col]
	}
	tag, err := r.exec(ctx, r.builder().Update(casesTable).SetMap(values).Where(squirrel.Eq{"id": c.ID}), "update case")
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperror.NewNotFound("case", c.ID)
	}
	return nil
}

func (r *CaseRepo) SetTask(ctx context.Context, caseID id.ID, task casework.Task) error {
	tag, err := r.exec(ctx, r.builder().Update(casesTable).
		Set("task", task).
		Set("version", squirrel.Expr("version + 1")).
		Set("updated_at", squirrel.Expr("NOW()")).
		Where(squirrel.Eq{"id": caseID}), "set case task")
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperror.NewNotFound("case", caseID)
	}
	return nil
}

func (r *CaseRepo) List(ctx context.Context, filter casework.ListFilter) ([]*casework.Case, error) {
	q := r.selectCases().OrderBy("created_at", "id")
	if len(filter.Tasks) > 0 {
		q = q.Where(squirrel.Eq{"task": filter.Tasks})
	}
	if filter.Limit > 0 {
		q = q.Limit(uint64(filter.Limit))
	}
	if filter.Offset > 0 {
		q = q.Offset(uint64(filter.Offset))
	}
	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build case list: %w", err)
	}
	var out []*casework.Case
	if err := pgxscan.Select(ctx, r.q(ctx), &out, sql, args...); err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
	}
	return out, nil
}
