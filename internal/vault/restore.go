package vault

import (
	"context"
	"errors"
	"log"

	"github.com/google/uuid"

	"github.com/file-vault/fv/internal/fault"
	"github.com/file-vault/fv/internal/metastore"
	"github.com/file-vault/fv/internal/pathkey"
	"github.com/file-vault/fv/internal/tree"
)

// restoreState tracks every blob mutation a restore makes, so the
// rollback knows exactly which versions to delete again.
type restoreState struct {
	restored map[string]string // key -> version made current by this restore
	markers  map[string]string // key -> delete marker placed on a stray
}

// RestoreSnapshot rewinds a folder subtree to the state a snapshot
// pinned: every entry's version becomes current again, objects that
// appeared after the snapshot are soft-deleted, and the metadata rows
// are reconciled against the rebuilt tree. Any failure rolls back
// every blob mutation this restore made.
func (s *Service) RestoreSnapshot(ctx context.Context, userID, snapshotID string) error {
	unlock := s.lockUser(userID)
	defer unlock()

	snap, err := s.meta.SnapshotByID(snapshotID)
	if err != nil {
		if errors.Is(err, metastore.ErrNotFound) {
			return fault.New(fault.NotFound, "", "snapshot %s does not exist", snapshotID)
		}
		return fault.Wrap(fault.MetadataFailure, err, "", "load snapshot %s", snapshotID)
	}
	if snap.UserID != userID {
		return fault.New(fault.NotFound, "", "snapshot %s does not exist", snapshotID)
	}
	entries, err := s.meta.SnapshotEntries(snapshotID)
	if err != nil {
		return fault.Wrap(fault.MetadataFailure, err, snap.FolderPath, "load snapshot entries")
	}

	entryByKey := make(map[string]metastore.SnapshotEntry, len(entries))
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		entryByKey[e.Key] = e
		keys = append(keys, e.Key)
	}

	state := &restoreState{
		restored: make(map[string]string, len(entries)),
		markers:  make(map[string]string),
	}

	// Phase 1: make every pinned version current again.
	for _, e := range entries {
		newVersion, err := s.objects.RestoreVersion(ctx, e.Key, e.VersionID)
		if err != nil {
			return s.failRestore(ctx, state, fault.ObjectStoreFailure, err, e.Key, "restore pinned version")
		}
		state.restored[e.Key] = newVersion
	}

	// Phase 2: soft-delete objects the snapshot does not know.
	listed, err := s.objects.ListByPrefix(ctx, snap.FolderPath)
	if err != nil {
		return s.failRestore(ctx, state, fault.ObjectStoreFailure, err, snap.FolderPath, "list current objects")
	}
	var strays []string
	for _, info := range listed {
		if _, ok := entryByKey[info.Key]; !ok {
			strays = append(strays, info.Key)
		}
	}
	if len(strays) > 0 {
		markers, err := s.objects.BatchSoftDelete(ctx, strays)
		for k, v := range markers {
			state.markers[k] = v
		}
		if err != nil {
			return s.failRestore(ctx, state, fault.ObjectStoreFailure, err, snap.FolderPath, "soft delete strays")
		}
	}

	// Phase 3: metadata reconciliation over the rebuilt tree.
	if err := s.reconcileRestore(ctx, userID, snap, entries, keys, state); err != nil {
		return err
	}
	return nil
}

// reconcileRestore walks the snapshot's rebuilt folder tree breadth
// first, reviving or creating a row per directory, then reconciles
// file rows, then flags rows for deleted strays. Parents are always
// settled before anything below them.
func (s *Service) reconcileRestore(ctx context.Context, userID string, snap *metastore.Snapshot,
	entries []metastore.SnapshotEntry, keys []string, state *restoreState) error {

	tr := tree.Build(snap.FolderPath, keys)
	idByPath := make(map[string]string, tr.Len())
	wantPaths := make(map[string]bool, tr.Len())

	for _, idx := range tr.BFS() {
		node := tr.Node(idx)
		path := node.FullPath
		wantPaths[path] = true

		version := state.restored[path]
		if version == "" {
			// The snapshot had no placeholder for this directory (it
			// is implied by a deeper key). Heal it with a fresh one.
			v, err := s.objects.CreatePlaceholder(ctx, path)
			if err != nil {
				return s.failRestore(ctx, state, fault.ObjectStoreFailure, err, path, "heal missing placeholder")
			}
			state.restored[path] = v
			version = v
		}

		parentID := ""
		if idx != 0 {
			parentID = idByPath[pathkey.ParentPath(path)]
		}

		row, err := s.meta.FolderByPathAny(userID, path)
		switch {
		case err == nil:
			if err := s.meta.RestoreFolderRow(row.ID, parentID, version); err != nil {
				return s.failRestore(ctx, state, fault.MetadataFailure, err, path, "restore folder row")
			}
			idByPath[path] = row.ID
		case errors.Is(err, metastore.ErrNotFound):
			folder := &metastore.Folder{
				ID:          uuid.NewString(),
				UserID:      userID,
				ParentID:    parentID,
				Path:        path,
				Name:        node.Name,
				ContentType: pathkey.DirectoryContentType,
				VersionID:   version,
			}
			if err := s.meta.InsertFolder(folder); err != nil {
				return s.failRestore(ctx, state, fault.MetadataFailure, err, path, "create folder row")
			}
			idByPath[path] = folder.ID
		default:
			return s.failRestore(ctx, state, fault.MetadataFailure, err, path, "look up folder row")
		}
	}

	wantFiles := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.Directory {
			continue
		}
		wantFiles[e.Key] = true
		folderID := idByPath[pathkey.ParentPath(e.Key)]
		version := state.restored[e.Key]

		row, err := s.meta.FileByPathAny(userID, e.Key)
		switch {
		case err == nil:
			if err := s.meta.RestoreFileRow(row.ID, folderID, version, e.Size); err != nil {
				return s.failRestore(ctx, state, fault.MetadataFailure, err, e.Key, "restore file row")
			}
		case errors.Is(err, metastore.ErrNotFound):
			file := &metastore.File{
				ID:          uuid.NewString(),
				UserID:      userID,
				FolderID:    folderID,
				Path:        e.Key,
				Name:        pathkey.LeafName(e.Key),
				ContentType: e.ContentType,
				VersionID:   version,
				Size:        e.Size,
			}
			if err := s.meta.InsertFile(file); err != nil {
				return s.failRestore(ctx, state, fault.MetadataFailure, err, e.Key, "create file row")
			}
		default:
			return s.failRestore(ctx, state, fault.MetadataFailure, err, e.Key, "look up file row")
		}
	}

	// Flag rows for everything live under the prefix that the restore
	// does not want. Their objects already carry markers from phase 2.
	folders, err := s.meta.FoldersByPrefix(userID, snap.FolderPath)
	if err != nil {
		return s.failRestore(ctx, state, fault.MetadataFailure, err, snap.FolderPath, "list live folders")
	}
	files, err := s.meta.FilesByPrefix(userID, snap.FolderPath)
	if err != nil {
		return s.failRestore(ctx, state, fault.MetadataFailure, err, snap.FolderPath, "list live files")
	}
	folderMarkers := make(map[string]string)
	fileMarkers := make(map[string]string)
	for _, f := range folders {
		if !wantPaths[f.Path] {
			folderMarkers[f.ID] = state.markers[f.Path]
		}
	}
	for _, f := range files {
		if !wantFiles[f.Path] {
			fileMarkers[f.ID] = state.markers[f.Path]
		}
	}
	if err := s.meta.MarkDeleted(folderMarkers, fileMarkers); err != nil {
		return s.failRestore(ctx, state, fault.MetadataFailure, err, snap.FolderPath, "flag stray rows deleted")
	}
	return nil
}

// failRestore rolls back every blob mutation of this restore and
// wraps the triggering error. An exhausted rollback upgrades the
// failure to CriticalInconsistency.
func (s *Service) failRestore(ctx context.Context, state *restoreState, kind fault.Kind, cause error, path, msg string) error {
	if err := s.rollbackRestore(ctx, state); err != nil {
		return fault.Wrap(fault.CriticalInconsistency, cause, path,
			"%s failed and restore rollback exhausted retries, manual intervention required: %v", msg, err)
	}
	return fault.Wrap(kind, cause, path, "%s", msg)
}

// rollbackRestore permanently deletes every version the restore made
// current and every stray marker it placed. Attempts run on the
// restore rollback policy (fixed delay), re-trying only the keys that
// still failed.
func (s *Service) rollbackRestore(ctx context.Context, state *restoreState) error {
	type undo struct{ key, version string }
	var pending []undo
	for key, version := range state.restored {
		pending = append(pending, undo{key, version})
	}
	for key, marker := range state.markers {
		if marker != "" {
			pending = append(pending, undo{key, marker})
		}
	}

	var lastErr error
	for attempt := 0; attempt < s.restoreRollback.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := s.sleep(ctx, s.restoreRollback.delay(attempt)); err != nil {
				return err
			}
		}

		var failed []undo
		for _, u := range pending {
			if err := s.objects.PermanentDelete(ctx, u.key, u.version); err != nil {
				log.Printf("vault: restore rollback failed for %s@%s (attempt %d): %v",
					u.key, u.version, attempt+1, err)
				failed = append(failed, u)
				lastErr = err
			}
		}
		if len(failed) == 0 {
			return nil
		}
		pending = failed
	}
	return lastErr
}
