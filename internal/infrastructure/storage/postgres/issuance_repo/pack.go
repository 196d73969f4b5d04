package issuance_repo

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"issuance/internal/core/apperror"
	"issuance/internal/core/id"
	"issuance/internal/domain/packs"
	"issuance/internal/infrastructure/storage/postgres"
)

const packsTable = "doc_packs"

// Partial unique indexes: one DRAFT and one ACTIVE pack per case.
const (
	uniqueDraftPack  = "doc_packs_one_draft_per_case"
	uniqueActivePack = "doc_packs_one_active_per_case"
)

// packRow flattens the pack's terms into nullable licence columns.
type packRow struct {
	ID               id.ID        `db:"id"`
	CaseID           id.ID        `db:"case_id"`
	Kind             packs.Kind   `db:"kind"`
	Status           packs.Status `db:"status"`
	CaseReference    *string      `db:"case_reference"`
	PaperLicenceOnly *bool        `db:"paper_licence_only"`
	LicenceStartDate *time.Time   `db:"licence_start_date"`
	LicenceEndDate   *time.Time   `db:"licence_end_date"`
	RevokeReason     *string      `db:"revoke_reason"`
	RevokeNotified   bool         `db:"revoke_notified"`
	ShowInWorkbasket bool         `db:"show_in_workbasket"`
	CaseCompletedAt  *time.Time   `db:"case_completed_at"`
	CreatedAt        time.Time    `db:"created_at"`
	UpdatedAt        time.Time    `db:"updated_at"`
}

var packColumns = postgres.ExtractDBColumns[packRow]()

func toPackRow(p *packs.Pack) packRow {
	row := packRow{
		ID:               p.ID,
		CaseID:           p.CaseID,
		Kind:             p.Kind(),
		Status:           p.Status,
		CaseReference:    p.CaseReference,
		RevokeReason:     p.RevokeReason,
		RevokeNotified:   p.RevokeNotified,
		ShowInWorkbasket: p.ShowInWorkbasket,
		CaseCompletedAt:  p.CaseCompletedAt,
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt,
	}
	if t, ok := p.LicenceTerms(); ok {
		row.PaperLicenceOnly = t.PaperLicenceOnly
		row.LicenceStartDate = t.StartDate
		row.LicenceEndDate = t.EndDate
	}
	return row
}

func (row packRow) toPack() (*packs.Pack, error) {
	p := &packs.Pack{
		ID:               row.ID,
		CaseID:           row.CaseID,
		Status:           row.Status,
		CaseReference:    row.CaseReference,
		RevokeReason:     row.RevokeReason,
		RevokeNotified:   row.RevokeNotified,
		ShowInWorkbasket: row.ShowInWorkbasket,
		CaseCompletedAt:  row.CaseCompletedAt,
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
	}
	switch row.Kind {
	case packs.KindLicence:
		p.Terms = packs.LicenceTerms{
			PaperLicenceOnly: row.PaperLicenceOnly,
			StartDate:        row.LicenceStartDate,
			EndDate:          row.LicenceEndDate,
		}
	case packs.KindCertificate:
		p.Terms = packs.CertificateTerms{}
	default:
		return nil, fmt.Errorf("pack %s has unknown kind %q", row.ID, row.Kind)
	}
	return p, nil
}

// PackRepo persists document packs.
type PackRepo struct {
	base
}

var _ packs.PackRepository = (*PackRepo)(nil)

// NewPackRepo creates a pack repository.
func NewPackRepo(txm *postgres.TxManager) *PackRepo {
	return &PackRepo{base{txm: txm}}
}

// uniqueError maps a violation of the one-DRAFT/one-ACTIVE indexes to
// InvalidState, which is what a concurrent promotion looks like.
func uniqueError(err error, p *packs.Pack) error {
	if pgCode(err) != pgUniqueViolation {
		return err
	}
	switch pgConstraint(err) {
	case uniqueDraftPack, uniqueActivePack:
		return apperror.NewInvalidState("case already has a " + string(p.Status) + " pack").
			WithDetail("case_id", p.CaseID).
			WithCause(err)
	}
	return apperror.NewConflict("pack already exists").WithDetail("pack_id", p.ID).WithCause(err)
}

func (r *PackRepo) Create(ctx context.Context, p *packs.Pack) error {
	row := toPackRow(p)
	_, err := r.exec(ctx, r.insertMap(packsTable, packColumns, row), "insert pack")
	return uniqueError(err, p)
}

func (r *PackRepo) Save(ctx context.Context, p *packs.Pack) error {
	row := toPackRow(p)
	data := postgres.StructToMap(row)
	values := make(map[string]any, len(packColumns))
	for _, col := range packColumns {
		switch col {
		case "id", "case_id", "kind", "created_at":
			continue
		}
		values[col] = data[col]
	}
	tag, err := r.exec(ctx, r.builder().Update(packsTable).SetMap(values).Where(squirrel.Eq{"id": p.ID}), "update pack")
	if err != nil {
		return uniqueError(err, p)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NewNotFound("document pack", p.ID)
	}
	return nil
}

func (r *PackRepo) selectPacks() squirrel.SelectBuilder {
	return r.builder().Select(packColumns...).From(packsTable)
}

func (r *PackRepo) getOne(ctx context.Context, q squirrel.SelectBuilder, packID id.ID) (*packs.Pack, error) {
	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build pack query: %w", err)
	}
	var row packRow
	if err := pgxscan.Get(ctx, r.q(ctx), &row, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, apperror.NewNotFound("document pack", packID)
		}
		return nil, fmt.Errorf("get pack: %w", err)
	}
	return row.toPack()
}

func (r *PackRepo) Get(ctx context.Context, packID id.ID) (*packs.Pack, error) {
	return r.getOne(ctx, r.selectPacks().Where(squirrel.Eq{"id": packID}), packID)
}

func (r *PackRepo) GetForUpdate(ctx context.Context, packID id.ID) (*packs.Pack, error) {
	return r.getOne(ctx, r.selectPacks().Where(squirrel.Eq{"id": packID}).Suffix("FOR UPDATE"), packID)
}

// listQuery translates a packs.Filter into SQL.
func (r *PackRepo) listQuery(caseID id.ID, f packs.Filter) squirrel.SelectBuilder {
	q := r.selectPacks().Where(squirrel.Eq{"case_id": caseID})
	if len(f.Statuses) > 0 {
		q = q.Where(squirrel.Eq{"status": f.Statuses})
	}
	if f.Kind != "" {
		q = q.Where(squirrel.Eq{"kind": f.Kind})
	}
	if f.Issued {
		q = q.Where(squirrel.NotEq{"case_completed_at": nil})
	}
	if f.WithCaseReference {
		q = q.Where(squirrel.NotEq{"case_reference": nil})
	}
	if f.InWorkbasket != nil {
		q = q.Where(squirrel.Eq{"show_in_workbasket": *f.InWorkbasket})
	}
	if f.NewestFirst {
		q = q.OrderBy("created_at DESC", "id DESC")
	} else {
		q = q.OrderBy("created_at", "id")
	}
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
	}
	if f.ForUpdate {
		q = q.Suffix("FOR UPDATE")
	}
	return q
}

func (r *PackRepo) ListByCase(ctx context.Context, caseID id.ID, f packs.Filter) ([]*packs.Pack, error) {
	sql, args, err := r.listQuery(caseID, f).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build pack list: %w", err)
	}
	var rows []packRow
	if err := pgxscan.Select(ctx, r.q(ctx), &rows, sql, args...); err != nil {
		return nil, fmt.Errorf("list packs: %w", err)
	}
	out := make([]*packs.Pack, 0, len(rows))
	for _, row := range rows {
		p, err := row.toPack()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
