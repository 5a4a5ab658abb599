package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/platform/database"
)

// Queries implements Tx against any pgx query surface: the pool for
// autocommit calls or a pgx.Tx inside InTransaction.
type Queries struct {
	q database.Querier
}

// PostgresStore is the production Store.
type PostgresStore struct {
	*Queries
	db *database.DB
}

// NewPostgresStore creates a store over db.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{Queries: &Queries{q: db}, db: db}
}

// InTransaction runs fn inside a database transaction.
func (s *PostgresStore) InTransaction(ctx context.Context, fn func(tx Tx) error) error {
	return s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		return fn(&Queries{q: tx})
	})
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// whereBuilder accumulates positional predicates for list queries.
type whereBuilder struct {
	clauses []string
	args    []any
}

func (w *whereBuilder) add(format string, arg any) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, fmt.Sprintf(format, len(w.args)))
}

func (w *whereBuilder) sql() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func (w *whereBuilder) limit(n int) string {
	if n <= 0 {
		return ""
	}
	w.args = append(w.args, n)
	return fmt.Sprintf(" LIMIT $%d", len(w.args))
}

func toStrings[T ~string](in []T) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = string(v)
	}
	return out
}
