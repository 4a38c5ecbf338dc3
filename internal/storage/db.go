package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jordan-lee502/polygon-editor-back/internal/config"
	_ "modernc.org/sqlite"
)

// All timestamps are stored as UTC text with millisecond precision so that
// plain string comparison orders them correctly (mixed formats would not).
const timeFormat = "2006-01-02T15:04:05.000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

const schema = `
CREATE TABLE IF NOT EXISTS workspaces (
  id INTEGER PRIMARY KEY,
  name TEXT NOT NULL,
  pdf_path TEXT NOT NULL DEFAULT '',
  owner_email TEXT NOT NULL DEFAULT '',
  sync_status TEXT NOT NULL CHECK(sync_status IN ('never','pending','succeeded','failed')) DEFAULT 'never',
  sync_id INTEGER,
  sync_attempts INTEGER NOT NULL DEFAULT 0,
  last_sync_error TEXT,
  last_attempt_at TEXT,
  synced_at TEXT,
  soft_deleted INTEGER NOT NULL DEFAULT 0,
  created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
  updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);

CREATE TABLE IF NOT EXISTS pages (
  id INTEGER PRIMARY KEY,
  workspace_id INTEGER NOT NULL REFERENCES workspaces(id),
  page_number INTEGER NOT NULL,
  image_path TEXT NOT NULL DEFAULT '',
  width INTEGER NOT NULL DEFAULT 0,
  height INTEGER NOT NULL DEFAULT 0,
  scale_ratio REAL,
  scale_unit TEXT,
  sync_id INTEGER,
  synced_at TEXT,
  updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
  UNIQUE(workspace_id, page_number)
);

CREATE TABLE IF NOT EXISTS polygons (
  id INTEGER PRIMARY KEY,
  page_id INTEGER NOT NULL REFERENCES pages(id),
  polygon_key TEXT NOT NULL,
  vertices TEXT NOT NULL DEFAULT '[]',
  total_vertices INTEGER NOT NULL DEFAULT 0,
  sync_id INTEGER,
  synced_at TEXT,
  updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
  UNIQUE(page_id, polygon_key)
);

CREATE TABLE IF NOT EXISTS sync_jobs (
  id INTEGER PRIMARY KEY,
  lane TEXT NOT NULL DEFAULT 'sync',
  kind TEXT NOT NULL DEFAULT 'sync',
  workspace_id INTEGER,
  attempt INTEGER NOT NULL DEFAULT 1,
  max_attempts INTEGER NOT NULL DEFAULT 5,
  status TEXT NOT NULL CHECK(status IN ('queued','running','done','failed','canceled')) DEFAULT 'queued',
  available_at TEXT NOT NULL,
  enqueued_at TEXT NOT NULL,
  started_at TEXT,
  finished_at TEXT,
  worker_id TEXT,
  lease_token TEXT,
  lease_expires_at TEXT,
  error TEXT
);

CREATE TABLE IF NOT EXISTS sync_inflight (
  workspace_id INTEGER PRIMARY KEY,
  lease_expires_at TEXT NOT NULL,
  enqueued_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sync_jobs_status ON sync_jobs(status);
CREATE INDEX IF NOT EXISTS idx_sync_jobs_lane_status ON sync_jobs(lane, status);
CREATE INDEX IF NOT EXISTS idx_sync_jobs_workspace ON sync_jobs(workspace_id);
CREATE INDEX IF NOT EXISTS idx_workspaces_sync_status ON workspaces(sync_status);
CREATE INDEX IF NOT EXISTS idx_pages_workspace ON pages(workspace_id);
CREATE INDEX IF NOT EXISTS idx_polygons_page ON polygons(page_id);
`

type DB struct {
	*sql.DB
}

// DefaultDBPath returns the default database path
func DefaultDBPath() string {
	return filepath.Join(config.DataDir(), "workspaces.db")
}

// Open opens or creates the database at the given path
func Open(dbPath string) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// Open with WAL mode and busy timeout
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	wrapped := &DB{db}

	// Initialize schema (CREATE IF NOT EXISTS is idempotent)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	// Run migrations for existing databases
	if err := wrapped.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return wrapped, nil
}

// migrate runs any needed migrations for existing databases
func (db *DB) migrate() error {
	// Migration: add owner_email column to workspaces if missing
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('workspaces') WHERE name = 'owner_email'`).Scan(&count)
	if err != nil {
		return fmt.Errorf("check owner_email column: %w", err)
	}
	if count == 0 {
		_, err = db.Exec(`ALTER TABLE workspaces ADD COLUMN owner_email TEXT NOT NULL DEFAULT ''`)
		if err != nil {
			return fmt.Errorf("add owner_email column: %w", err)
		}
	}

	// Migration: add max_attempts column to sync_jobs if missing
	err = db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('sync_jobs') WHERE name = 'max_attempts'`).Scan(&count)
	if err != nil {
		return fmt.Errorf("check max_attempts column: %w", err)
	}
	if count == 0 {
		_, err = db.Exec(`ALTER TABLE sync_jobs ADD COLUMN max_attempts INTEGER NOT NULL DEFAULT 5`)
		if err != nil {
			return fmt.Errorf("add max_attempts column: %w", err)
		}
	}

	// Migration: add scale_unit column to pages if missing
	err = db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('pages') WHERE name = 'scale_unit'`).Scan(&count)
	if err != nil {
		return fmt.Errorf("check scale_unit column: %w", err)
	}
	if count == 0 {
		_, err = db.Exec(`ALTER TABLE pages ADD COLUMN scale_unit TEXT`)
		if err != nil {
			return fmt.Errorf("add scale_unit column: %w", err)
		}
	}

	// Migration: add lease columns to sync_jobs if missing (pre-lease databases)
	err = db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('sync_jobs') WHERE name = 'lease_token'`).Scan(&count)
	if err != nil {
		return fmt.Errorf("check lease_token column: %w", err)
	}
	if count == 0 {
		if _, err = db.Exec(`ALTER TABLE sync_jobs ADD COLUMN lease_token TEXT`); err != nil {
			return fmt.Errorf("add lease_token column: %w", err)
		}
		if _, err = db.Exec(`ALTER TABLE sync_jobs ADD COLUMN lease_expires_at TEXT`); err != nil {
			return fmt.Errorf("add lease_expires_at column: %w", err)
		}
	}

	return nil
}
