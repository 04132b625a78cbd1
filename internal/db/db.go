package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Open opens the DB at path, creates dir if needed, runs migrations.
func Open(path string) (*sql.DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			return nil, fmt.Errorf("ping failed: %v, close failed: %w", err, closeErr)
		}
		return nil, err
	}
	if err := migrate(conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			return nil, fmt.Errorf("migrate failed: %v, close failed: %w", err, closeErr)
		}
		return nil, err
	}
	return conn, nil
}

// OpenMemory opens a fresh in-memory DB with migrations applied.
// Intended for tests.
func OpenMemory() (*sql.DB, error) {
	conn, err := sql.Open("sqlite3", ":memory:?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Every pooled connection would get its own :memory: database.
	conn.SetMaxOpenConns(1)
	if err := migrate(conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			return nil, fmt.Errorf("migrate failed: %v, close failed: %w", err, closeErr)
		}
		return nil, err
	}
	return conn, nil
}

func migrate(conn *sql.DB) error {
	if _, err := conn.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	if err := migrateSnapshots(conn); err != nil {
		return fmt.Errorf("migrate snapshots: %w", err)
	}
	if err := migrateSizes(conn); err != nil {
		return fmt.Errorf("migrate sizes: %w", err)
	}
	return nil
}

func migrateSnapshots(conn *sql.DB) error {
	_, err := conn.Exec(`
		CREATE TABLE IF NOT EXISTS folder_snapshot (
			snapshot_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			folder_id TEXT NOT NULL,
			folder_path TEXT NOT NULL,
			created_at REAL NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_snapshot_user ON folder_snapshot(user_id, folder_id);
		CREATE TABLE IF NOT EXISTS folder_snapshot_entry (
			snapshot_id TEXT NOT NULL,
			object_key TEXT NOT NULL,
			version_id TEXT NOT NULL,
			content_type TEXT,
			directory INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (snapshot_id, object_key),
			FOREIGN KEY (snapshot_id) REFERENCES folder_snapshot(snapshot_id) ON DELETE CASCADE
		);
	`)
	return err
}

// migrateSizes adds the size columns to databases created before they
// existed.
func migrateSizes(conn *sql.DB) error {
	for _, m := range []struct{ table, column, ddl string }{
		{"user_file", "size",
			"ALTER TABLE user_file ADD COLUMN size INTEGER NOT NULL DEFAULT 0"},
		{"folder_snapshot_entry", "size",
			"ALTER TABLE folder_snapshot_entry ADD COLUMN size INTEGER NOT NULL DEFAULT 0"},
	} {
		var count int
		err := conn.QueryRow(
			"SELECT COUNT(*) FROM pragma_table_info(?) WHERE name=?", m.table, m.column,
		).Scan(&count)
		if err != nil {
			return err
		}
		if count > 0 {
			continue
		}
		if _, err := conn.Exec(m.ddl); err != nil {
			return fmt.Errorf("%s: %w", m.ddl, err)
		}
	}
	return nil
}

// A path row is live while deleted=0. The partial unique indexes allow
// any number of dead rows per path but exactly one live one, which is
// what turns a create/create race into a constraint violation instead
// of a duplicate namespace entry.
const schema = `
CREATE TABLE IF NOT EXISTS users (
  user_id TEXT PRIMARY KEY,
  root_folder_id TEXT,
  created_at REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS user_folder (
  folder_id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  parent_id TEXT,
  path TEXT NOT NULL,
  name TEXT NOT NULL,
  content_type TEXT NOT NULL DEFAULT 'application/x-directory',
  version_id TEXT NOT NULL,
  delete_marker_id TEXT,
  deleted INTEGER NOT NULL DEFAULT 0,
  created_at REAL NOT NULL,
  updated_at REAL NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_folder_active_path
  ON user_folder(user_id, path) WHERE deleted = 0;
CREATE INDEX IF NOT EXISTS idx_folder_user_path ON user_folder(user_id, path);
CREATE INDEX IF NOT EXISTS idx_folder_parent ON user_folder(parent_id);

CREATE TABLE IF NOT EXISTS user_file (
  file_id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  folder_id TEXT NOT NULL,
  path TEXT NOT NULL,
  name TEXT NOT NULL,
  content_type TEXT,
  version_id TEXT NOT NULL,
  delete_marker_id TEXT,
  deleted INTEGER NOT NULL DEFAULT 0,
  created_at REAL NOT NULL,
  updated_at REAL NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_file_active_path
  ON user_file(user_id, path) WHERE deleted = 0;
CREATE INDEX IF NOT EXISTS idx_file_user_path ON user_file(user_id, path);
CREATE INDEX IF NOT EXISTS idx_file_folder ON user_file(folder_id);
`
