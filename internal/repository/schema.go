package repository

import (
	"context"
	_ "embed"

	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/platform/database"
	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/platform/errors"
)

//go:embed schema.sql
var schemaSQL string

// Migrate creates the tables, indexes and triggers. Every statement is
// idempotent so it is safe to run on each deploy.
func Migrate(ctx context.Context, q database.Querier) error {
	if _, err := q.Exec(ctx, schemaSQL); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to apply schema")
	}
	return nil
}
