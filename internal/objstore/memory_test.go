package objstore

import (
	"context"
	"errors"
	"testing"
)

func TestMemStoreSoftDeleteHidesAndMarkerRemovalRestores(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	ver, err := m.Upload(ctx, "/u1/docs/f.txt", []byte("hello"), "text/plain")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	marker, err := m.SoftDelete(ctx, "/u1/docs/f.txt")
	if err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	if _, err := m.Download(ctx, "/u1/docs/f.txt"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("download after soft delete: err = %v, want ErrNotFound", err)
	}
	if _, err := m.CurrentVersionID(ctx, "/u1/docs/f.txt"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("version id after soft delete: err = %v, want ErrNotFound", err)
	}

	// Removing the marker version undoes the soft delete.
	if err := m.PermanentDelete(ctx, "/u1/docs/f.txt", marker); err != nil {
		t.Fatalf("delete marker: %v", err)
	}
	got, err := m.CurrentVersionID(ctx, "/u1/docs/f.txt")
	if err != nil {
		t.Fatalf("version id after marker removal: %v", err)
	}
	if got != ver {
		t.Errorf("current version = %q, want original %q", got, ver)
	}
	body, err := m.Download(ctx, "/u1/docs/f.txt")
	if err != nil || string(body) != "hello" {
		t.Errorf("download after marker removal = %q, %v", body, err)
	}
}

func TestMemStorePermanentDeleteOfOnlyVersion(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	ver, _ := m.CreatePlaceholder(ctx, "/u1/docs/")
	if err := m.PermanentDelete(ctx, "/u1/docs/", ver); err != nil {
		t.Fatalf("permanent delete: %v", err)
	}
	if _, err := m.Download(ctx, "/u1/docs/"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("key still readable after permanent delete: %v", err)
	}
	if n := m.VersionCount("/u1/docs/"); n != 0 {
		t.Errorf("version count = %d, want 0", n)
	}
}

func TestMemStoreCopyHistoricVersion(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	old, _ := m.Upload(ctx, "/u1/f", []byte("v1"), "text/plain")
	if _, err := m.Upload(ctx, "/u1/f", []byte("v2"), "text/plain"); err != nil {
		t.Fatal(err)
	}

	// A historic version is copyable even after a soft delete hides
	// the key.
	if _, err := m.SoftDelete(ctx, "/u1/f"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.CopyVersion(ctx, "/u1/f", old, "/u1/g", ""); err != nil {
		t.Fatalf("copy historic version: %v", err)
	}
	body, err := m.Download(ctx, "/u1/g")
	if err != nil || string(body) != "v1" {
		t.Errorf("copied body = %q, %v, want v1", body, err)
	}
	ct, err := m.ContentType(ctx, "/u1/g")
	if err != nil || ct != "text/plain" {
		t.Errorf("copied content type = %q, %v", ct, err)
	}
}

func TestMemStoreRestoreVersionPinsHistoricBody(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	old, _ := m.Upload(ctx, "/u1/f", []byte("v1"), "text/plain")
	m.Upload(ctx, "/u1/f", []byte("v2"), "text/plain")

	restored, err := m.RestoreVersion(ctx, "/u1/f", old)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored == old {
		t.Error("restore must mint a new version id")
	}
	cur, _ := m.CurrentVersionID(ctx, "/u1/f")
	if cur != restored {
		t.Errorf("current = %q, want restored %q", cur, restored)
	}
	body, _ := m.Download(ctx, "/u1/f")
	if string(body) != "v1" {
		t.Errorf("restored body = %q, want v1", body)
	}
}

func TestMemStoreBatchSoftDeleteAlwaysReturnsMarkers(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	m.Upload(ctx, "/u1/a", []byte("x"), "")

	// Like S3, an unversioned delete on a key with no versions still
	// stacks a marker.
	markers, err := m.BatchSoftDelete(ctx, []string{"/u1/a", "/u1/never-existed"})
	if err != nil {
		t.Fatalf("batch soft delete: %v", err)
	}
	if len(markers) != 2 {
		t.Fatalf("markers = %v, want entries for both keys", markers)
	}
	for key, id := range markers {
		if id == "" {
			t.Errorf("empty marker id for %s", key)
		}
	}
}

func TestMemStoreListByPrefix(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	m.CreatePlaceholder(ctx, "/u1/docs/")
	m.Upload(ctx, "/u1/docs/a.txt", []byte("aaa"), "text/plain")
	m.Upload(ctx, "/u1/docs/b.txt", []byte("b"), "text/plain")
	m.Upload(ctx, "/u2/docs/c.txt", []byte("c"), "text/plain")
	m.SoftDelete(ctx, "/u1/docs/b.txt")

	infos, err := m.ListByPrefix(ctx, "/u1/docs/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("list = %v, want placeholder and a.txt only", infos)
	}
	if infos[0].Key != "/u1/docs/" || infos[1].Key != "/u1/docs/a.txt" {
		t.Errorf("list order = %v", infos)
	}
	if infos[1].Size != 3 {
		t.Errorf("a.txt size = %d, want 3", infos[1].Size)
	}
}

func TestMemStorePlaceholderContentType(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	m.CreatePlaceholder(ctx, "/u1/docs/")
	ct, err := m.ContentType(ctx, "/u1/docs/")
	if err != nil || ct != "application/x-directory" {
		t.Errorf("directory content type = %q, %v", ct, err)
	}
}
