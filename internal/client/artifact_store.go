package client

import (
	"context"
	"database/sql"
	"encoding/hex"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/zeebo/blake3"
	_ "modernc.org/sqlite"

	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/service"
)

// refPrefix marks content-addressed artifact references.
const refPrefix = "blake3:"

// ArtifactStore keeps proof-of-payment files in SQLite, addressed by the
// BLAKE3 digest of their content. Storing the same bytes twice yields the
// same reference.
type ArtifactStore struct {
	db *sql.DB
}

// OpenArtifactStore opens (or creates) the artifact database at dsn.
func OpenArtifactStore(ctx context.Context, dsn string) (*ArtifactStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "artifacts: open")
	}
	// One writer; also keeps ":memory:" databases on a single connection.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "artifacts: exec %s", pragma)
		}
	}
	if _, err := db.ExecContext(ctx, artifactSchema); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "artifacts: migrate")
	}
	return &ArtifactStore{db: db}, nil
}

const artifactSchema = `
CREATE TABLE IF NOT EXISTS artifacts (
	ref          TEXT PRIMARY KEY,
	content_type TEXT NOT NULL,
	size         INTEGER NOT NULL,
	data         BLOB NOT NULL,
	created_at   DATETIME NOT NULL
);
`

// Close closes the database.
func (s *ArtifactStore) Close() error {
	return s.db.Close()
}

// Ref computes the reference for data without storing it.
func Ref(data []byte) string {
	sum := blake3.Sum256(data)
	return refPrefix + hex.EncodeToString(sum[:])
}

// Store implements service.ArtifactStore.
func (s *ArtifactStore) Store(ctx context.Context, data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", eris.New("artifacts: empty artifact")
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	ref := Ref(data)
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO artifacts (ref, content_type, size, data, created_at) VALUES (?, ?, ?, ?, ?)`,
		ref, contentType, len(data), data, time.Now().UTC(),
	)
	if err != nil {
		return "", eris.Wrapf(err, "artifacts: insert %s", ref)
	}
	return ref, nil
}

// Exists implements service.ArtifactStore.
func (s *ArtifactStore) Exists(ctx context.Context, ref string) (bool, error) {
	if !strings.HasPrefix(ref, refPrefix) {
		return false, nil
	}
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM artifacts WHERE ref = ?`, ref).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "artifacts: lookup %s", ref)
	}
	return true, nil
}

// Get implements service.ArtifactStore.
func (s *ArtifactStore) Get(ctx context.Context, ref string) (*service.Artifact, error) {
	a := &service.Artifact{Ref: ref}
	err := s.db.QueryRowContext(ctx,
		`SELECT content_type, size, data, created_at FROM artifacts WHERE ref = ?`, ref,
	).Scan(&a.ContentType, &a.Size, &a.Data, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "artifacts: get %s", ref)
	}
	return a, nil
}
