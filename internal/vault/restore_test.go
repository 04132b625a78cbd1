package vault

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/file-vault/fv/internal/fault"
	"github.com/file-vault/fv/internal/metastore"
)

type snapFixture struct {
	*fixture
	docs *metastore.Folder
	file *metastore.File
}

// newSnapFixture builds /u1/docs/a.txt with content "v1".
func newSnapFixture(t *testing.T) *snapFixture {
	t.Helper()
	fx := newFixture(t)
	ctx := context.Background()

	if _, err := fx.svc.CreateRootFolder(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	docs, err := fx.svc.CreateFolder(ctx, "u1", "", "docs")
	if err != nil {
		t.Fatal(err)
	}
	file, err := fx.svc.CreateFile(ctx, "u1", docs.ID, "a.txt", []byte("v1"), "text/plain")
	if err != nil {
		t.Fatal(err)
	}
	return &snapFixture{fixture: fx, docs: docs, file: file}
}

func TestCreateSnapshotPinsCurrentVersions(t *testing.T) {
	sf := newSnapFixture(t)
	ctx := context.Background()

	snap, err := sf.svc.CreateSnapshot(ctx, "u1", sf.docs.ID)
	if err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}
	if !strings.HasPrefix(snap.ID, "SNAPSHOT_") {
		t.Errorf("snapshot id = %q", snap.ID)
	}
	if snap.FolderPath != "/u1/docs/" {
		t.Errorf("snapshot = %+v", snap)
	}

	entries, err := sf.meta.SnapshotEntries(snap.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %+v", entries)
	}
	if !entries[0].Directory || entries[0].Key != "/u1/docs/" {
		t.Errorf("entry 0 = %+v", entries[0])
	}
	if entries[1].Key != "/u1/docs/a.txt" || entries[1].VersionID != sf.file.VersionID || entries[1].Size != 2 {
		t.Errorf("entry 1 = %+v", entries[1])
	}

	snaps, err := sf.svc.Snapshots("u1")
	if err != nil || len(snaps) != 1 || snaps[0].ID != snap.ID {
		t.Errorf("Snapshots = %+v, %v", snaps, err)
	}
}

// The round-trip property: content deleted or changed after a snapshot
// comes back on restore, and content added after it disappears.
func TestSnapshotRestoreRoundTrip(t *testing.T) {
	sf := newSnapFixture(t)
	ctx := context.Background()

	snap, err := sf.svc.CreateSnapshot(ctx, "u1", sf.docs.ID)
	if err != nil {
		t.Fatal(err)
	}

	// Mutate after the snapshot: overwrite a.txt, add b.txt and a
	// subfolder.
	if _, err := sf.svc.CreateFile(ctx, "u1", sf.docs.ID, "a.txt", []byte("v2-changed"), "text/plain"); err != nil {
		t.Fatal(err)
	}
	if _, err := sf.svc.CreateFile(ctx, "u1", sf.docs.ID, "b.txt", []byte("late"), "text/plain"); err != nil {
		t.Fatal(err)
	}
	late, err := sf.svc.CreateFolder(ctx, "u1", sf.docs.ID, "late")
	if err != nil {
		t.Fatal(err)
	}

	if err := sf.svc.RestoreSnapshot(ctx, "u1", snap.ID); err != nil {
		t.Fatalf("RestoreSnapshot: %v", err)
	}

	// a.txt is back at its pinned content.
	row, body, err := sf.svc.DownloadFile(ctx, "u1", "/u1/docs/a.txt")
	if err != nil || string(body) != "v1" {
		t.Fatalf("restored a.txt = %q, %v", body, err)
	}
	if row.ID != sf.file.ID {
		t.Errorf("restore minted new file row %s", row.ID)
	}
	if row.Size != 2 {
		t.Errorf("restored size = %d", row.Size)
	}

	// Post-snapshot additions are soft-deleted, objects and rows both.
	if sf.objectLive(t, "/u1/docs/b.txt") || sf.objectLive(t, "/u1/docs/late/") {
		t.Error("post-snapshot objects still visible")
	}
	bRow, err := sf.meta.FileByPathAny("u1", "/u1/docs/b.txt")
	if err != nil || !bRow.Deleted || bRow.DeleteMarkerID == "" {
		t.Errorf("b.txt row = %+v, %v", bRow, err)
	}
	lateRow, err := sf.meta.FolderByPathAny("u1", "/u1/docs/late/")
	if err != nil || !lateRow.Deleted {
		t.Errorf("late row = %+v, %v", lateRow, err)
	}
	if lateRow.ID != late.ID {
		t.Errorf("late row replaced: %s", lateRow.ID)
	}
}

func TestRestoreRevivesDeletedSubtree(t *testing.T) {
	sf := newSnapFixture(t)
	ctx := context.Background()

	snap, err := sf.svc.CreateSnapshot(ctx, "u1", sf.docs.ID)
	if err != nil {
		t.Fatal(err)
	}
	if err := sf.svc.RecursiveSoftDelete(ctx, "u1", sf.docs.ID); err != nil {
		t.Fatal(err)
	}
	if sf.objectLive(t, "/u1/docs/a.txt") {
		t.Fatal("precondition: file should be hidden")
	}

	if err := sf.svc.RestoreSnapshot(ctx, "u1", snap.ID); err != nil {
		t.Fatalf("RestoreSnapshot: %v", err)
	}

	folder, err := sf.meta.FolderByPath("u1", "/u1/docs/")
	if err != nil {
		t.Fatalf("folder not live: %v", err)
	}
	if folder.ID != sf.docs.ID {
		t.Errorf("restore minted new folder row %s", folder.ID)
	}
	_, body, err := sf.svc.DownloadFile(ctx, "u1", "/u1/docs/a.txt")
	if err != nil || string(body) != "v1" {
		t.Errorf("restored file = %q, %v", body, err)
	}
}

func TestRestoreFailureRollsBackBlobMutations(t *testing.T) {
	sf := newSnapFixture(t)
	ctx := context.Background()

	snap, err := sf.svc.CreateSnapshot(ctx, "u1", sf.docs.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sf.svc.CreateFile(ctx, "u1", sf.docs.ID, "a.txt", []byte("v2-current"), "text/plain"); err != nil {
		t.Fatal(err)
	}
	if _, err := sf.svc.CreateFile(ctx, "u1", sf.docs.ID, "b.txt", []byte("late"), "text/plain"); err != nil {
		t.Fatal(err)
	}

	// The stray soft-delete phase reports failure after placing its
	// markers; the rollback must undo the version restores and the
	// markers.
	sf.hooks.batchErr = errors.New("bulk delete response lost")
	err = sf.svc.RestoreSnapshot(ctx, "u1", snap.ID)
	wantKind(t, err, fault.ObjectStoreFailure)
	sf.hooks.batchErr = nil

	// Current state is exactly pre-restore.
	_, body, err := sf.svc.DownloadFile(ctx, "u1", "/u1/docs/a.txt")
	if err != nil || string(body) != "v2-current" {
		t.Errorf("a.txt after rollback = %q, %v", body, err)
	}
	if !sf.objectLive(t, "/u1/docs/b.txt") {
		t.Error("stray marker not rolled back")
	}
	// Rows untouched.
	if row, err := sf.meta.FileByPath("u1", "/u1/docs/b.txt"); err != nil || row.Deleted {
		t.Errorf("b.txt row = %+v, %v", row, err)
	}
}

func TestRestoreOwnershipAndExistence(t *testing.T) {
	sf := newSnapFixture(t)
	ctx := context.Background()

	snap, err := sf.svc.CreateSnapshot(ctx, "u1", sf.docs.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sf.svc.CreateRootFolder(ctx, "u2"); err != nil {
		t.Fatal(err)
	}

	err = sf.svc.RestoreSnapshot(ctx, "u2", snap.ID)
	wantKind(t, err, fault.NotFound)

	err = sf.svc.RestoreSnapshot(ctx, "u1", "SNAPSHOT_0_nope")
	wantKind(t, err, fault.NotFound)
}
