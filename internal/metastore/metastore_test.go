package metastore

import (
	"errors"
	"testing"

	"github.com/file-vault/fv/internal/db"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	conn, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return New(conn)
}

func mustInsertFolder(t *testing.T, st *Store, f *Folder) {
	t.Helper()
	if f.ContentType == "" {
		f.ContentType = "application/x-directory"
	}
	if err := st.InsertFolder(f); err != nil {
		t.Fatalf("InsertFolder %s: %v", f.Path, err)
	}
}

func TestCreateRootFolder(t *testing.T) {
	st := newStore(t)
	if err := st.EnsureUser("u1"); err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}

	root, err := st.RootFolderID("u1")
	if err != nil {
		t.Fatalf("RootFolderID: %v", err)
	}
	if root != "" {
		t.Fatalf("fresh user has root %q", root)
	}

	f := &Folder{ID: "f-root", UserID: "u1", Path: "/u1/", Name: "u1", ContentType: "application/x-directory", VersionID: "v1"}
	if err := st.CreateRootFolder(f); err != nil {
		t.Fatalf("CreateRootFolder: %v", err)
	}
	root, err = st.RootFolderID("u1")
	if err != nil || root != "f-root" {
		t.Errorf("root = %q, %v", root, err)
	}
}

func TestRootFolderIDUnknownUser(t *testing.T) {
	st := newStore(t)
	if _, err := st.RootFolderID("ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestInsertFolderDuplicateLivePath(t *testing.T) {
	st := newStore(t)
	mustInsertFolder(t, st, &Folder{ID: "f1", UserID: "u1", Path: "/u1/docs/", Name: "docs", VersionID: "v1"})

	err := st.InsertFolder(&Folder{ID: "f2", UserID: "u1", Path: "/u1/docs/", Name: "docs", ContentType: "application/x-directory", VersionID: "v2"})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}

	// Another user may hold the same relative layout.
	mustInsertFolder(t, st, &Folder{ID: "f3", UserID: "u2", Path: "/u2/docs/", Name: "docs", VersionID: "v1"})
}

func TestMarkDeletedAndRevive(t *testing.T) {
	st := newStore(t)
	mustInsertFolder(t, st, &Folder{ID: "f1", UserID: "u1", Path: "/u1/docs/", Name: "docs", VersionID: "v1"})

	if err := st.MarkDeleted(map[string]string{"f1": "marker-1"}, nil); err != nil {
		t.Fatalf("MarkDeleted: %v", err)
	}
	if _, err := st.FolderByPath("u1", "/u1/docs/"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("live lookup after delete: %v", err)
	}

	// The dead row is still reachable for restore.
	f, err := st.FolderByPathAny("u1", "/u1/docs/")
	if err != nil {
		t.Fatalf("FolderByPathAny: %v", err)
	}
	if !f.Deleted || f.DeleteMarkerID != "marker-1" {
		t.Errorf("dead row = %+v", f)
	}

	if err := st.ReviveFolder("f1", "v2"); err != nil {
		t.Fatalf("ReviveFolder: %v", err)
	}
	f, err = st.FolderByPath("u1", "/u1/docs/")
	if err != nil {
		t.Fatalf("live lookup after revive: %v", err)
	}
	if f.Deleted || f.DeleteMarkerID != "" || f.VersionID != "v2" {
		t.Errorf("revived row = %+v", f)
	}
}

func TestPrefixQueriesIgnoreDeletedAndMetacharacters(t *testing.T) {
	st := newStore(t)
	mustInsertFolder(t, st, &Folder{ID: "f1", UserID: "u1", Path: "/u1/docs/", Name: "docs", VersionID: "v1"})
	mustInsertFolder(t, st, &Folder{ID: "f2", UserID: "u1", Path: "/u1/docs/sub/", Name: "sub", VersionID: "v1"})
	mustInsertFolder(t, st, &Folder{ID: "f3", UserID: "u1", Path: "/u1/other/", Name: "other", VersionID: "v1"})
	mustInsertFolder(t, st, &Folder{ID: "f4", UserID: "u1", Path: "/u1/d_cs/", Name: "d_cs", VersionID: "v1"})
	if err := st.MarkDeleted(map[string]string{"f2": "m"}, nil); err != nil {
		t.Fatal(err)
	}

	folders, err := st.FoldersByPrefix("u1", "/u1/docs/")
	if err != nil {
		t.Fatalf("FoldersByPrefix: %v", err)
	}
	if len(folders) != 1 || folders[0].ID != "f1" {
		t.Errorf("prefix match = %+v, want only f1", folders)
	}

	// A prefix containing SQL wildcards matches literally.
	folders, err = st.FoldersByPrefix("u1", "/u1/d_cs/")
	if err != nil {
		t.Fatal(err)
	}
	if len(folders) != 1 || folders[0].ID != "f4" {
		t.Errorf("wildcard prefix match = %+v, want only f4", folders)
	}
}

func TestPathExistsSeesFilesAndFolders(t *testing.T) {
	st := newStore(t)
	mustInsertFolder(t, st, &Folder{ID: "f1", UserID: "u1", Path: "/u1/docs/", Name: "docs", VersionID: "v1"})
	if err := st.InsertFile(&File{ID: "file1", UserID: "u1", FolderID: "f1", Path: "/u1/docs/a.txt", Name: "a.txt", VersionID: "v1", Size: 3}); err != nil {
		t.Fatalf("InsertFile: %v", err)
	}

	for _, path := range []string{"/u1/docs/", "/u1/docs/a.txt"} {
		ok, err := st.PathExists("u1", path)
		if err != nil || !ok {
			t.Errorf("PathExists(%s) = %v, %v", path, ok, err)
		}
	}
	ok, err := st.PathExists("u1", "/u1/nope/")
	if err != nil || ok {
		t.Errorf("PathExists(missing) = %v, %v", ok, err)
	}
}

func TestApplyMoveRewritesRowsAtomically(t *testing.T) {
	st := newStore(t)
	mustInsertFolder(t, st, &Folder{ID: "root", UserID: "u1", Path: "/u1/", Name: "u1", VersionID: "v1"})
	mustInsertFolder(t, st, &Folder{ID: "a", UserID: "u1", ParentID: "root", Path: "/u1/a/", Name: "a", VersionID: "v1"})
	mustInsertFolder(t, st, &Folder{ID: "sub", UserID: "u1", ParentID: "a", Path: "/u1/a/sub/", Name: "sub", VersionID: "v1"})
	mustInsertFolder(t, st, &Folder{ID: "b", UserID: "u1", ParentID: "root", Path: "/u1/b/", Name: "b", VersionID: "v1"})
	if err := st.InsertFile(&File{ID: "file1", UserID: "u1", FolderID: "sub", Path: "/u1/a/sub/f.txt", Name: "f.txt", VersionID: "v1"}); err != nil {
		t.Fatal(err)
	}

	err := st.ApplyMove(
		[]FolderMove{
			{FolderID: "a", Path: "/u1/b/a/", Name: "a", VersionID: "v2", ParentID: "b", SetParent: true},
			{FolderID: "sub", Path: "/u1/b/a/sub/", Name: "sub", VersionID: "v2"},
		},
		[]FileMove{
			{FileID: "file1", Path: "/u1/b/a/sub/f.txt", Name: "f.txt", VersionID: "v2"},
		},
	)
	if err != nil {
		t.Fatalf("ApplyMove: %v", err)
	}

	moved, err := st.FolderByPath("u1", "/u1/b/a/")
	if err != nil {
		t.Fatalf("moved folder: %v", err)
	}
	if moved.ParentID != "b" {
		t.Errorf("moved parent = %q, want b", moved.ParentID)
	}
	sub, err := st.FolderByPath("u1", "/u1/b/a/sub/")
	if err != nil {
		t.Fatalf("moved child: %v", err)
	}
	// Descendants keep their parent pointers; only paths change.
	if sub.ParentID != "a" {
		t.Errorf("child parent = %q, want a", sub.ParentID)
	}
	file, err := st.FileByPath("u1", "/u1/b/a/sub/f.txt")
	if err != nil || file.VersionID != "v2" {
		t.Errorf("moved file = %+v, %v", file, err)
	}
	if _, err := st.FolderByPath("u1", "/u1/a/"); !errors.Is(err, ErrNotFound) {
		t.Errorf("old path still live: %v", err)
	}
}

func TestApplyMoveConflictRollsBack(t *testing.T) {
	st := newStore(t)
	mustInsertFolder(t, st, &Folder{ID: "a", UserID: "u1", Path: "/u1/a/", Name: "a", VersionID: "v1"})
	mustInsertFolder(t, st, &Folder{ID: "b", UserID: "u1", Path: "/u1/b/", Name: "b", VersionID: "v1"})

	err := st.ApplyMove([]FolderMove{
		{FolderID: "a", Path: "/u1/b/", Name: "b", VersionID: "v2"},
	}, nil)
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}
	// The failed move must not have touched row a.
	f, err := st.FolderByPath("u1", "/u1/a/")
	if err != nil || f.VersionID != "v1" {
		t.Errorf("row a after failed move = %+v, %v", f, err)
	}
}

func TestChildListings(t *testing.T) {
	st := newStore(t)
	mustInsertFolder(t, st, &Folder{ID: "root", UserID: "u1", Path: "/u1/", Name: "u1", VersionID: "v1"})
	mustInsertFolder(t, st, &Folder{ID: "b", UserID: "u1", ParentID: "root", Path: "/u1/b/", Name: "b", VersionID: "v1"})
	mustInsertFolder(t, st, &Folder{ID: "a", UserID: "u1", ParentID: "root", Path: "/u1/a/", Name: "a", VersionID: "v1"})
	if err := st.InsertFile(&File{ID: "file1", UserID: "u1", FolderID: "root", Path: "/u1/z.txt", Name: "z.txt", VersionID: "v1"}); err != nil {
		t.Fatal(err)
	}

	folders, err := st.ChildFolders("root")
	if err != nil || len(folders) != 2 {
		t.Fatalf("ChildFolders = %+v, %v", folders, err)
	}
	if folders[0].Name != "a" || folders[1].Name != "b" {
		t.Errorf("child order = %s, %s", folders[0].Name, folders[1].Name)
	}
	files, err := st.FolderFiles("root")
	if err != nil || len(files) != 1 || files[0].Name != "z.txt" {
		t.Errorf("FolderFiles = %+v, %v", files, err)
	}
}

func TestSnapshotSaveAndLoad(t *testing.T) {
	st := newStore(t)

	snap := &Snapshot{ID: "s1", UserID: "u1", FolderID: "f1", FolderPath: "/u1/docs/"}
	entries := []SnapshotEntry{
		{Key: "/u1/docs/", VersionID: "v1", ContentType: "application/x-directory", Directory: true},
		{Key: "/u1/docs/a.txt", VersionID: "v2", ContentType: "text/plain", Size: 3},
	}
	if err := st.SaveSnapshot(snap, entries); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	got, err := st.SnapshotByID("s1")
	if err != nil {
		t.Fatalf("SnapshotByID: %v", err)
	}
	if got.FolderPath != "/u1/docs/" || got.CreatedAt == 0 {
		t.Errorf("snapshot = %+v", got)
	}

	loaded, err := st.SnapshotEntries("s1")
	if err != nil {
		t.Fatalf("SnapshotEntries: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("entries = %+v", loaded)
	}
	// Key order puts the directory before its contents.
	if !loaded[0].Directory || loaded[1].Size != 3 {
		t.Errorf("entries = %+v", loaded)
	}
}

func TestSnapshotSaveAtomicOnDuplicateEntry(t *testing.T) {
	st := newStore(t)

	snap := &Snapshot{ID: "s1", UserID: "u1", FolderID: "f1", FolderPath: "/u1/docs/"}
	entries := []SnapshotEntry{
		{Key: "/u1/docs/a.txt", VersionID: "v1"},
		{Key: "/u1/docs/a.txt", VersionID: "v2"},
	}
	if err := st.SaveSnapshot(snap, entries); err == nil {
		t.Fatal("duplicate entry accepted")
	}
	if _, err := st.SnapshotByID("s1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("half-saved snapshot visible: %v", err)
	}
}

func TestDeleteSnapshotsBefore(t *testing.T) {
	st := newStore(t)

	old := &Snapshot{ID: "s-old", UserID: "u1", FolderID: "f1", FolderPath: "/u1/docs/"}
	if err := st.SaveSnapshot(old, []SnapshotEntry{{Key: "/u1/docs/", VersionID: "v1", Directory: true}}); err != nil {
		t.Fatal(err)
	}
	// Age the row artificially.
	if _, err := st.db.Exec(`UPDATE folder_snapshot SET created_at = 100 WHERE snapshot_id = 's-old'`); err != nil {
		t.Fatal(err)
	}
	fresh := &Snapshot{ID: "s-new", UserID: "u1", FolderID: "f1", FolderPath: "/u1/docs/"}
	if err := st.SaveSnapshot(fresh, nil); err != nil {
		t.Fatal(err)
	}

	removed, err := st.DeleteSnapshotsBefore(1000)
	if err != nil {
		t.Fatalf("DeleteSnapshotsBefore: %v", err)
	}
	if len(removed) != 1 || removed[0].ID != "s-old" || removed[0].UserID != "u1" {
		t.Errorf("deleted = %+v", removed)
	}
	if _, err := st.SnapshotByID("s-old"); !errors.Is(err, ErrNotFound) {
		t.Error("old snapshot survived")
	}
	if entries, err := st.SnapshotEntries("s-old"); err != nil || len(entries) != 0 {
		t.Errorf("orphan entries = %+v, %v", entries, err)
	}
	if _, err := st.SnapshotByID("s-new"); err != nil {
		t.Errorf("new snapshot gone: %v", err)
	}
}
