package issuance_repo

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"issuance/internal/core/apperror"
	"issuance/internal/core/id"
	"issuance/internal/domain/packs"
	"issuance/internal/infrastructure/storage/postgres"
)

const documentsTable = "doc_references"

var documentColumns = postgres.ExtractDBColumns[packs.Document]()

// DocumentRepo persists the documents of packs.
type DocumentRepo struct {
	base
}

var _ packs.DocumentRepository = (*DocumentRepo)(nil)

// NewDocumentRepo creates a document repository.
func NewDocumentRepo(txm *postgres.TxManager) *DocumentRepo {
	return &DocumentRepo{base{txm: txm}}
}

func (r *DocumentRepo) ListByPack(ctx context.Context, packID id.ID) ([]*packs.Document, error) {
	sql, args, err := r.builder().
		Select(documentColumns...).
		From(documentsTable).
		Where(squirrel.Eq{"pack_id": packID}).
		OrderBy("created_at", "id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build document list: %w", err)
	}
	var out []*packs.Document
	if err := pgxscan.Select(ctx, r.q(ctx), &out, sql, args...); err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return out, nil
}

func (r *DocumentRepo) Insert(ctx context.Context, d *packs.Document) error {
	_, err := r.exec(ctx, r.insertMap(documentsTable, documentColumns, d), "insert document")
	switch pgCode(err) {
	case pgUniqueViolation:
		return apperror.NewConflict("document already exists in pack").
			WithDetail("pack_id", d.PackID).
			WithDetail("document_type", d.Type).
			WithCause(err)
	case pgForeignKeyViolation:
		return apperror.NewNotFound("document pack", d.PackID).WithCause(err)
	}
	return err
}

func (r *DocumentRepo) Delete(ctx context.Context, documentID id.ID) error {
	tag, err := r.exec(ctx, r.builder().Delete(documentsTable).Where(squirrel.Eq{"id": documentID}), "delete document")
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperror.NewNotFound("document", documentID)
	}
	return nil
}
