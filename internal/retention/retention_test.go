package retention

import (
	"context"
	"testing"

	"github.com/file-vault/fv/internal/archive"
	"github.com/file-vault/fv/internal/db"
	"github.com/file-vault/fv/internal/metastore"
	"github.com/file-vault/fv/internal/objstore"
)

func TestPruneSnapshots(t *testing.T) {
	ctx := context.Background()
	conn, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer conn.Close()

	meta := metastore.New(conn)
	if err := meta.EnsureUser("u1"); err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}

	objects := objstore.NewMemStore()
	pub, err := archive.NewPublisher(objects, nil)
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}

	old := &metastore.Snapshot{ID: "s-old", UserID: "u1", FolderID: "f1", FolderPath: "/u1/docs/"}
	if err := meta.SaveSnapshot(old, nil); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	recent := &metastore.Snapshot{ID: "s-new", UserID: "u1", FolderID: "f1", FolderPath: "/u1/docs/"}
	if err := meta.SaveSnapshot(recent, nil); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	// Backdate the old snapshot past the retention window (~2001).
	if _, err := conn.Exec(`UPDATE folder_snapshot SET created_at = 1000000000 WHERE snapshot_id = 's-old'`); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	for _, snap := range []*metastore.Snapshot{old, recent} {
		if err := pub.Publish(ctx, snap, nil); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	n, err := PruneSnapshots(ctx, meta, pub, 12)
	if err != nil {
		t.Fatalf("PruneSnapshots: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d snapshots, want 1", n)
	}

	if _, err := meta.SnapshotByID("s-old"); err != metastore.ErrNotFound {
		t.Errorf("s-old lookup err = %v, want ErrNotFound", err)
	}
	if _, err := meta.SnapshotByID("s-new"); err != nil {
		t.Errorf("s-new should survive: %v", err)
	}
	if _, err := pub.Load(ctx, "u1", "s-old"); err == nil {
		t.Error("s-old manifest should be gone")
	}
	if _, err := pub.Load(ctx, "u1", "s-new"); err != nil {
		t.Errorf("s-new manifest should survive: %v", err)
	}
}

func TestPruneSnapshotsDisabled(t *testing.T) {
	conn, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer conn.Close()

	n, err := PruneSnapshots(context.Background(), metastore.New(conn), nil, 0)
	if err != nil {
		t.Fatalf("PruneSnapshots: %v", err)
	}
	if n != 0 {
		t.Errorf("pruned %d snapshots, want 0 when disabled", n)
	}
}
