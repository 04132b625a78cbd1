package db

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMigrateCreatesTables(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	conn, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer conn.Close()

	for _, table := range []string{"users", "user_folder", "user_file", "folder_snapshot", "folder_snapshot_entry"} {
		var dummy int
		err := conn.QueryRow("SELECT 1 FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&dummy)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}

	// Size columns come from the incremental migration
	var count int
	err = conn.QueryRow("SELECT COUNT(*) FROM pragma_table_info('user_file') WHERE name='size'").Scan(&count)
	if err != nil || count != 1 {
		t.Errorf("user_file.size missing: count=%d err=%v", count, err)
	}
}

func TestActivePathUniqueness(t *testing.T) {
	conn, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer conn.Close()

	insert := func(id string, deleted int) error {
		_, err := conn.Exec(
			`INSERT INTO user_folder (folder_id, user_id, path, name, version_id, deleted, created_at, updated_at)
			 VALUES (?, 'u1', '/u1/docs/', 'docs', 'v1', ?, 0, 0)`,
			id, deleted,
		)
		return err
	}

	if err := insert("f1", 0); err != nil {
		t.Fatalf("first live row: %v", err)
	}
	// Second live row for the same path must violate the partial index
	if err := insert("f2", 0); err == nil {
		t.Error("duplicate live path accepted")
	}
	// Dead rows for the same path are fine
	if err := insert("f3", 1); err != nil {
		t.Errorf("dead row rejected: %v", err)
	}
}

func TestMigrateIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test2.db")

	// Open twice to ensure migration is idempotent
	conn1, err := Open(path)
	if err != nil {
		t.Fatalf("Open 1: %v", err)
	}
	conn1.Close()

	conn2, err := Open(path)
	if err != nil {
		t.Fatalf("Open 2: %v", err)
	}
	conn2.Close()

	// Clean up temp file for Windows compatibility
	os.Remove(path)
}
