package test_utils

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/file-vault/fv/internal/archive"
	"github.com/file-vault/fv/internal/db"
	"github.com/file-vault/fv/internal/metastore"
	"github.com/file-vault/fv/internal/objstore"
	"github.com/file-vault/fv/internal/vault"
)

// TestVault is a fully wired vault over an in-memory object store and a
// file-backed sqlite database, for end-to-end testing.
type TestVault struct {
	Dir       string
	DB        *sql.DB
	Objects   *objstore.MemStore
	Store     objstore.Store
	Meta      *metastore.Store
	Publisher *archive.Publisher
	Service   *vault.Service
	UserID    string
	t         *testing.T
}

// NewTestVault creates an isolated vault for one user. The manifest
// master key is derived from the user id, so re-creating a vault for
// the same user can read its manifests.
func NewTestVault(t *testing.T, userID string) *TestVault {
	dir, err := os.MkdirTemp("", "fv-integration-"+userID+"-")
	if err != nil {
		t.Fatalf("Failed to create temp dir for %s: %v", userID, err)
	}

	conn, err := db.Open(filepath.Join(dir, "fv.db"))
	if err != nil {
		t.Fatalf("Failed to open database for %s: %v", userID, err)
	}

	mem := objstore.NewMemStore()
	store := objstore.NewRetryableStore(mem, objstore.RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Multiplier:  2.0,
	})

	key := sha256.Sum256([]byte("vault:" + userID))
	pub, err := archive.NewPublisher(store, key[:])
	if err != nil {
		t.Fatalf("Failed to create publisher for %s: %v", userID, err)
	}

	meta := metastore.New(conn)
	svc := vault.NewService(store, meta,
		vault.WithManifestPublisher(pub),
		vault.WithSleep(func(context.Context, time.Duration) error { return nil }),
		vault.WithMoveRollback(vault.RollbackPolicy{MaxAttempts: 3, Delay: time.Millisecond, MinDelay: time.Millisecond}),
		vault.WithRestoreRollback(vault.RollbackPolicy{MaxAttempts: 3, Delay: time.Millisecond}),
	)

	return &TestVault{
		Dir:       dir,
		DB:        conn,
		Objects:   mem,
		Store:     store,
		Meta:      meta,
		Publisher: pub,
		Service:   svc,
		UserID:    userID,
		t:         t,
	}
}

// Cleanup removes all temporary state for this vault.
func (tv *TestVault) Cleanup() {
	if tv.DB != nil {
		tv.DB.Close()
	}
	if tv.Dir != "" {
		os.RemoveAll(tv.Dir)
	}
}

// MustInit creates the user's root folder.
func (tv *TestVault) MustInit(ctx context.Context) *metastore.Folder {
	tv.t.Helper()
	root, err := tv.Service.CreateRootFolder(ctx, tv.UserID)
	if err != nil {
		tv.t.Fatalf("CreateRootFolder(%s): %v", tv.UserID, err)
	}
	return root
}

// MustMkdir creates a folder under the given parent.
func (tv *TestVault) MustMkdir(ctx context.Context, parentID, name string) *metastore.Folder {
	tv.t.Helper()
	folder, err := tv.Service.CreateFolder(ctx, tv.UserID, parentID, name)
	if err != nil {
		tv.t.Fatalf("CreateFolder(%s): %v", name, err)
	}
	return folder
}

// MustUpload creates or overwrites a file under the given folder.
func (tv *TestVault) MustUpload(ctx context.Context, folderID, name string, body []byte) *metastore.File {
	tv.t.Helper()
	file, err := tv.Service.CreateFile(ctx, tv.UserID, folderID, name, body, "")
	if err != nil {
		tv.t.Fatalf("CreateFile(%s): %v", name, err)
	}
	return file
}

// ObjectLive reports whether key currently resolves to a readable
// version (no delete marker on top).
func (tv *TestVault) ObjectLive(key string) bool {
	tv.t.Helper()
	_, err := tv.Objects.CurrentVersionID(context.Background(), key)
	if err == nil {
		return true
	}
	if errors.Is(err, objstore.ErrNotFound) {
		return false
	}
	tv.t.Fatalf("CurrentVersionID(%s): %v", key, err)
	return false
}

// BackdateSnapshot rewrites a snapshot's creation time, for retention
// tests.
func (tv *TestVault) BackdateSnapshot(snapshotID string, createdAt float64) {
	tv.t.Helper()
	if _, err := tv.DB.Exec(
		`UPDATE folder_snapshot SET created_at = ? WHERE snapshot_id = ?`,
		createdAt, snapshotID,
	); err != nil {
		tv.t.Fatalf("backdate %s: %v", snapshotID, err)
	}
}
