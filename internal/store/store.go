// Package store provides the SQLite persistence layer for domtrack
// sessions. Fingerprints are stored one row per tracked identity so a
// session survives a page reload or a daemon restart.
//
// Callers must blank-import a database/sql driver before Open:
//
//	import _ "modernc.org/sqlite"
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hazyhaar/domtrack/ident"
)

// Schema contains the complete DDL for the domtrack tables.
const Schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id         TEXT PRIMARY KEY,
    updated_at INTEGER NOT NULL
);

-- One row per persisted identity. The fingerprint column holds the
-- JSON-encoded ident.Fingerprint; pos preserves capture order.
CREATE TABLE IF NOT EXISTS fingerprints (
    session_id  TEXT NOT NULL,
    node_id     TEXT NOT NULL,
    pos         INTEGER NOT NULL,
    fingerprint TEXT NOT NULL,
    PRIMARY KEY (session_id, node_id),
    FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_fingerprints_session ON fingerprints(session_id, pos);
`

// Store is the domtrack database handle. It implements the tracker's
// SessionStore contract.
type Store struct {
	DB     *sql.DB
	logger *slog.Logger
}

type config struct {
	driver      string
	busyTimeout int
	logger      *slog.Logger
}

// Option customises Open behaviour.
type Option func(*config)

// WithDriver sets the database/sql driver name. Default: "sqlite".
func WithDriver(name string) Option { return func(c *config) { c.driver = name } }

// WithBusyTimeout sets PRAGMA busy_timeout in milliseconds. Default: 10000.
func WithBusyTimeout(ms int) Option { return func(c *config) { c.busyTimeout = ms } }

// WithLogger sets the logger used for skipped-row warnings.
func WithLogger(l *slog.Logger) Option { return func(c *config) { c.logger = l } }

// Open opens (or creates) the domtrack SQLite database at path,
// applies production pragmas and the schema. Parent directories are
// created as needed.
func Open(path string, opts ...Option) (*Store, error) {
	cfg := config{driver: "sqlite", busyTimeout: 10_000, logger: slog.Default()}
	for _, o := range opts {
		o(&cfg)
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("store: mkdir: %w", err)
		}
	}

	db, err := sql.Open(cfg.driver, path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.busyTimeout),
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", p, err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: exec schema: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	return &Store{DB: db, logger: cfg.logger}, nil
}

// OpenMemory opens an in-memory store for testing. MaxOpenConns(1)
// keeps every query on the same in-memory database; each connection to
// ":memory:" would otherwise get its own. Cleanup closes the store.
func OpenMemory(t testing.TB, opts ...Option) *Store {
	t.Helper()
	s, err := Open(":memory:", opts...)
	if err != nil {
		t.Fatalf("store.OpenMemory: %v", err)
	}
	s.DB.SetMaxOpenConns(1)
	t.Cleanup(func() { s.Close() })
	return s
}

// Close closes the database.
func (s *Store) Close() error {
	return s.DB.Close()
}

// Load returns the stored fingerprints for the session in capture
// order. A missing session yields an empty slice. Rows that no longer
// decode are skipped with a warning, not surfaced as errors.
func (s *Store) Load(ctx context.Context, sessionID string) ([]ident.Fingerprint, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT node_id, fingerprint FROM fingerprints WHERE session_id = ? ORDER BY pos`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: load session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var fps []ident.Fingerprint
	for rows.Next() {
		var nodeID, raw string
		if err := rows.Scan(&nodeID, &raw); err != nil {
			return nil, fmt.Errorf("store: scan fingerprint: %w", err)
		}
		var fp ident.Fingerprint
		if err := json.Unmarshal([]byte(raw), &fp); err != nil {
			s.logger.Warn("store: skipping malformed fingerprint row",
				"session", sessionID, "node", nodeID, "error", err)
			continue
		}
		if fp.ID == "" {
			fp.ID = nodeID
		}
		fps = append(fps, fp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: load session %s: %w", sessionID, err)
	}
	return fps, nil
}

// Save replaces the session's fingerprints in a single transaction.
func (s *Store) Save(ctx context.Context, sessionID string, fps []ident.Fingerprint) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin save: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (id, updated_at) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at`,
		sessionID, now); err != nil {
		return fmt.Errorf("store: upsert session: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM fingerprints WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("store: clear session: %w", err)
	}

	for i, fp := range fps {
		raw, err := json.Marshal(fp)
		if err != nil {
			return fmt.Errorf("store: encode fingerprint %s: %w", fp.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO fingerprints (session_id, node_id, pos, fingerprint) VALUES (?, ?, ?, ?)`,
			sessionID, fp.ID, i, string(raw)); err != nil {
			return fmt.Errorf("store: insert fingerprint %s: %w", fp.ID, err)
		}
	}
	return tx.Commit()
}

// DeleteSession removes a session and its fingerprints.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.DB.ExecContext(ctx,
		`DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
		return fmt.Errorf("store: delete session %s: %w", sessionID, err)
	}
	return nil
}

// Sessions lists known session ids, most recently updated first.
func (s *Store) Sessions(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan session: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
