package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var ErrNotFound = errors.New("not found")

// Store is the persistence layer for sources, sync states, messages,
// projects and classification jobs.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func InitDB(path string) (*Store, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers; sqlite allows a single writer anyway.
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS sources (
		id          TEXT PRIMARY KEY,
		source_type TEXT NOT NULL,
		external_id TEXT NOT NULL,
		name        TEXT NOT NULL,
		metadata    TEXT DEFAULT '',
		is_active   INTEGER NOT NULL DEFAULT 1,
		created_at  DATETIME NOT NULL,
		updated_at  DATETIME NOT NULL,
		UNIQUE(source_type, external_id)
	);

	CREATE TABLE IF NOT EXISTS sync_states (
		source_id       TEXT PRIMARY KEY REFERENCES sources(id) ON DELETE CASCADE,
		last_synced_at  DATETIME,
		last_message_id TEXT,
		cursor          TEXT,
		status          TEXT NOT NULL DEFAULT 'idle',
		error_message   TEXT
	);

	CREATE TABLE IF NOT EXISTS projects (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		description TEXT DEFAULT '',
		color       TEXT DEFAULT '',
		keywords    TEXT DEFAULT '[]',
		rules       TEXT DEFAULT '',
		is_archived INTEGER NOT NULL DEFAULT 0,
		created_at  DATETIME NOT NULL,
		updated_at  DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id             TEXT PRIMARY KEY,
		source_id      TEXT NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
		external_id    TEXT NOT NULL,
		sender_name    TEXT NOT NULL DEFAULT '',
		sender_id      TEXT NOT NULL DEFAULT '',
		sender_avatar  TEXT,
		body           TEXT NOT NULL DEFAULT '',
		body_plain     TEXT NOT NULL DEFAULT '',
		sent_at        DATETIME NOT NULL,
		thread_id      TEXT,
		project_id     TEXT REFERENCES projects(id) ON DELETE SET NULL,
		classification TEXT,
		confidence     REAL,
		metadata       TEXT,
		fetched_at     DATETIME NOT NULL,
		UNIQUE(source_id, external_id)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_sent_at ON messages(sent_at);
	CREATE INDEX IF NOT EXISTS idx_messages_project ON messages(project_id);
	CREATE INDEX IF NOT EXISTS idx_messages_source ON messages(source_id);

	CREATE TABLE IF NOT EXISTS classification_jobs (
		id                 TEXT PRIMARY KEY,
		status             TEXT NOT NULL,
		total_messages     INTEGER NOT NULL DEFAULT 0,
		processed_messages INTEGER NOT NULL DEFAULT 0,
		error_message      TEXT,
		started_at         DATETIME,
		completed_at       DATETIME,
		created_at         DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_created ON classification_jobs(created_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for ad-hoc queries in tests and tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func requireOneRow(res sql.Result, what, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return nil
}
