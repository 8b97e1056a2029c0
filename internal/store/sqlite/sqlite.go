// Package sqlite provides a SQLite-backed SessionStore.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/drewfead/triage/internal/session"
	"github.com/drewfead/triage/internal/store"
)

// Store persists session documents in a single SQLite table. The full
// document is kept as JSON; filterable fields are mirrored into columns.
type Store struct {
	db *sql.DB
}

var _ store.SessionStore = (*Store)(nil)

// New opens (creating if needed) the database at dbPath.
func New(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id          TEXT PRIMARY KEY,
		scenario    TEXT NOT NULL DEFAULT '',
		status      TEXT NOT NULL,
		document    TEXT NOT NULL,
		-- unix nanoseconds so ordering is numeric
		created_at  INTEGER NOT NULL,
		updated_at  INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at DESC);
	CREATE INDEX IF NOT EXISTS idx_sessions_scenario ON sessions(scenario, updated_at DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Upsert inserts or replaces the document with the same id.
func (s *Store) Upsert(ctx context.Context, doc *session.Document) error {
	if doc == nil || doc.ID == "" {
		return store.ErrInvalidDocument
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", doc.ID, err)
	}

	query := `
		INSERT INTO sessions (id, scenario, status, document, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			scenario   = excluded.scenario,
			status     = excluded.status,
			document   = excluded.document,
			updated_at = excluded.updated_at
	`
	_, err = s.db.ExecContext(ctx, query,
		doc.ID,
		doc.Scenario,
		string(doc.Status),
		string(body),
		doc.CreatedAt.UnixNano(),
		doc.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", doc.ID, err)
	}
	return nil
}

// Query returns documents matching f, newest first.
func (s *Store) Query(ctx context.Context, f store.Filter, limit int) ([]*session.Document, error) {
	var where []string
	var args []any

	if f.Scenario != "" {
		where = append(where, "scenario = ?")
		args = append(args, f.Scenario)
	}
	if len(f.IDs) > 0 {
		where = append(where, "id IN ("+placeholders(len(f.IDs))+")")
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	if len(f.ExcludeIDs) > 0 {
		where = append(where, "id NOT IN ("+placeholders(len(f.ExcludeIDs))+")")
		for _, id := range f.ExcludeIDs {
			args = append(args, id)
		}
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}

	query := "SELECT id, document FROM sessions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC, id ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var docs []*session.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func scanDocument(rows *sql.Rows) (*session.Document, error) {
	var id, body string
	if err := rows.Scan(&id, &body); err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	var doc session.Document
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &doc, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
