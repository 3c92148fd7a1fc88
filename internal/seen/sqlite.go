package seen

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"jobwatch/internal/core"
)

// SQLiteStore keeps the seen set in a local SQLite database. It satisfies
// the same load/persist contract as the file store; atomicity comes from the
// database transaction rather than a rename.
type SQLiteStore struct {
	db        *sql.DB
	path      string
	retention time.Duration
}

func NewSQLiteStore(path string, retention time.Duration) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if retention < 0 {
		return nil, fmt.Errorf("sqlite retention must be >= 0")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &core.SeenStoreError{Path: path, Err: err}
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &core.SeenStoreError{Path: path, Err: fmt.Errorf("open sqlite: %w", err)}
	}
	db.SetMaxOpenConns(1)
	store := &SQLiteStore{db: db, path: path, retention: retention}
	if err := store.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	ddl := `CREATE TABLE IF NOT EXISTS seen_postings (
		id TEXT PRIMARY KEY,
		seen_at TIMESTAMP NOT NULL
	)`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return &core.SeenStoreError{Path: s.path, Err: fmt.Errorf("create table: %w", err)}
	}
	index := "CREATE INDEX IF NOT EXISTS seen_postings_seen_at_idx ON seen_postings (seen_at)"
	if _, err := s.db.ExecContext(ctx, index); err != nil {
		return &core.SeenStoreError{Path: s.path, Err: fmt.Errorf("create index: %w", err)}
	}
	return nil
}

// Load reads all identifiers inside the retention window. A freshly created
// database yields an empty set, matching the file store's first-run
// behavior; query errors are fatal.
func (s *SQLiteStore) Load(ctx context.Context) (Set, error) {
	query := "SELECT id, seen_at FROM seen_postings"
	args := []interface{}{}
	if s.retention > 0 {
		query += " WHERE seen_at >= ?"
		args = append(args, time.Now().UTC().Add(-s.retention))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &core.SeenStoreError{Path: s.path, Err: err}
	}
	defer rows.Close()

	set := Set{}
	for rows.Next() {
		var id string
		var at time.Time
		if err := rows.Scan(&id, &at); err != nil {
			return nil, &core.SeenStoreError{Path: s.path, Err: err}
		}
		set[id] = at
	}
	if err := rows.Err(); err != nil {
		return nil, &core.SeenStoreError{Path: s.path, Err: err}
	}
	return set, nil
}

// Persist upserts the set and prunes expired rows in one transaction.
func (s *SQLiteStore) Persist(ctx context.Context, set Set) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &core.SeenStoreError{Path: s.path, Err: err}
	}
	stmt, err := tx.PrepareContext(
		ctx,
		"INSERT INTO seen_postings (id, seen_at) VALUES (?, ?) ON CONFLICT(id) DO NOTHING",
	)
	if err != nil {
		_ = tx.Rollback()
		return &core.SeenStoreError{Path: s.path, Err: err}
	}
	defer stmt.Close()
	for id, at := range set {
		if id == "" {
			continue
		}
		if _, err := stmt.ExecContext(ctx, id, at.UTC()); err != nil {
			_ = tx.Rollback()
			return &core.SeenStoreError{Path: s.path, Err: err}
		}
	}
	if s.retention > 0 {
		cutoff := time.Now().UTC().Add(-s.retention)
		if _, err := tx.ExecContext(ctx, "DELETE FROM seen_postings WHERE seen_at < ?", cutoff); err != nil {
			_ = tx.Rollback()
			return &core.SeenStoreError{Path: s.path, Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &core.SeenStoreError{Path: s.path, Err: err}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
