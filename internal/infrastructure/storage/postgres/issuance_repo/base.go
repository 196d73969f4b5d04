// Package issuance_repo provides the PostgreSQL repositories of the issuance
// core: cases, document packs, documents and Authority requests.
//
// Repositories run on the transaction carried by the context when there is
// one and on the pool otherwise.
package issuance_repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgconn"

	"issuance/internal/infrastructure/storage/postgres"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

type base struct {
	txm *postgres.TxManager
}

func (b base) builder() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
}

func (b base) q(ctx context.Context) postgres.Querier {
	return b.txm.GetQuerier(ctx)
}

// exec builds and runs a write statement.
func (b base) exec(ctx context.Context, stmt squirrel.Sqlizer, what string) (pgconn.CommandTag, error) {
	sql, args, err := stmt.ToSql()
	if err != nil {
		return pgconn.CommandTag{}, fmt.Errorf("build %s: %w", what, err)
	}
	tag, err := b.q(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return tag, fmt.Errorf("%s: %w", what, err)
	}
	return tag, nil
}

// insertMap builds an INSERT from v's db tags, restricted to cols.
func (b base) insertMap(table string, cols []string, v any) squirrel.InsertBuilder {
	data := postgres.StructToMap(v)
	values := make(map[string]any, len(cols))
	for _, col := range cols {
		if val, ok := data[col]; ok {
			values[col] = val
		}
	}
	return b.builder().Insert(table).SetMap(values)
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func pgConstraint(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName
	}
	return ""
}
