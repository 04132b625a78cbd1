package vault

import (
	"context"
	"log"
	"strings"

	"github.com/file-vault/fv/internal/fault"
	"github.com/file-vault/fv/internal/metastore"
	"github.com/file-vault/fv/internal/pathkey"
)

// movedObject tracks one blob through a move attempt.
type movedObject struct {
	oldKey     string
	newKey     string
	oldVersion string
	newVersion string
}

// MoveFolder relocates a folder (and its whole subtree) under a new
// parent. The blob-level move is copy-then-permanent-delete; metadata
// commits only after the blob side fully succeeds, and a failed commit
// triggers the reverse saga that copies everything back.
func (s *Service) MoveFolder(ctx context.Context, userID, folderID, newParentID string) (*metastore.Folder, error) {
	unlock := s.lockUser(userID)
	defer unlock()

	target, err := s.resolveFolder(userID, folderID)
	if err != nil {
		return nil, err
	}
	if target.ParentID == "" {
		return nil, fault.New(fault.InvalidOperation, target.Path, "cannot move the root folder")
	}

	newParent, err := s.resolveFolder(userID, newParentID)
	if err != nil {
		return nil, err
	}
	if strings.HasPrefix(newParent.Path, target.Path) {
		return nil, fault.New(fault.InvalidOperation, target.Path,
			"cannot move a folder into itself or its own descendant %s", newParent.Path)
	}

	newPath := pathkey.BuildKey(newParent.Path, target.Name)
	exists, err := s.meta.PathExists(userID, newPath)
	if err != nil {
		return nil, fault.Wrap(fault.MetadataFailure, err, newPath, "check destination")
	}
	if exists {
		return nil, fault.New(fault.Conflict, newPath, "destination already exists")
	}

	folders, err := s.meta.FoldersByPrefix(userID, target.Path)
	if err != nil {
		return nil, fault.Wrap(fault.MetadataFailure, err, target.Path, "list descendant folders")
	}
	files, err := s.meta.FilesByPrefix(userID, target.Path)
	if err != nil {
		return nil, fault.Wrap(fault.MetadataFailure, err, target.Path, "list descendant files")
	}

	// Copy pass. FoldersByPrefix orders by path, so the target comes
	// before its descendants.
	var copies []movedObject
	copyOne := func(oldKey, oldVersion, contentType string) (string, error) {
		newKey := pathkey.ReplacePrefix(oldKey, target.Path, newPath)
		newVersion, err := s.objects.CopyVersion(ctx, oldKey, "", newKey, contentType)
		if err != nil {
			return "", err
		}
		copies = append(copies, movedObject{
			oldKey:     oldKey,
			newKey:     newKey,
			oldVersion: oldVersion,
			newVersion: newVersion,
		})
		return newVersion, nil
	}

	folderVersions := make(map[string]string, len(folders))
	fileVersions := make(map[string]string, len(files))
	for _, f := range folders {
		v, err := copyOne(f.Path, f.VersionID, f.ContentType)
		if err != nil {
			s.discardCopies(ctx, copies)
			return nil, fault.Wrap(fault.ObjectStoreFailure, err, f.Path, "copy to new location")
		}
		folderVersions[f.ID] = v
	}
	for _, f := range files {
		v, err := copyOne(f.Path, f.VersionID, f.ContentType)
		if err != nil {
			s.discardCopies(ctx, copies)
			return nil, fault.Wrap(fault.ObjectStoreFailure, err, f.Path, "copy to new location")
		}
		fileVersions[f.ID] = v
	}

	// Permanent-delete pass over the originals. Individual failures do
	// not abort the pass, but any failure fails the move: the leftover
	// originals would otherwise shadow the copies as duplicates.
	var leftovers []string
	for _, c := range copies {
		if err := s.objects.PermanentDelete(ctx, c.oldKey, c.oldVersion); err != nil {
			log.Printf("vault: move could not delete original %s@%s: %v", c.oldKey, c.oldVersion, err)
			leftovers = append(leftovers, c.oldKey)
		}
	}
	if len(leftovers) > 0 {
		return nil, fault.New(fault.PartialFailure, target.Path,
			"move left possible duplicates, originals not deleted: %s", strings.Join(leftovers, ", "))
	}

	// Metadata commit: one transaction flips the whole subtree.
	folderMoves := make([]metastore.FolderMove, 0, len(folders))
	for _, f := range folders {
		m := metastore.FolderMove{
			FolderID:  f.ID,
			Path:      pathkey.ReplacePrefix(f.Path, target.Path, newPath),
			Name:      f.Name,
			VersionID: folderVersions[f.ID],
		}
		// Only the moved folder changes parent; descendants keep their
		// id-based parent pointers.
		if f.ID == target.ID {
			m.ParentID = newParent.ID
			m.SetParent = true
		}
		folderMoves = append(folderMoves, m)
	}
	fileMoves := make([]metastore.FileMove, 0, len(files))
	for _, f := range files {
		fileMoves = append(fileMoves, metastore.FileMove{
			FileID:    f.ID,
			Path:      pathkey.ReplacePrefix(f.Path, target.Path, newPath),
			Name:      f.Name,
			VersionID: fileVersions[f.ID],
		})
	}
	if err := s.meta.ApplyMove(folderMoves, fileMoves); err != nil {
		if revErr := s.revertMove(ctx, copies); revErr != nil {
			return nil, fault.Wrap(fault.CriticalInconsistency, err, target.Path,
				"metadata commit failed and reverse saga exhausted retries, manual intervention required: %v", revErr)
		}
		return nil, fault.Wrap(fault.MetadataFailure, err, target.Path, "metadata commit of move")
	}

	moved, err := s.meta.FolderByID(target.ID)
	if err != nil {
		return nil, fault.Wrap(fault.MetadataFailure, err, newPath, "reload moved folder")
	}
	return moved, nil
}

// discardCopies best-effort deletes the half-created new objects of a
// copy pass that failed partway. No metadata has been written yet, so
// this is the only cleanup needed.
func (s *Service) discardCopies(ctx context.Context, copies []movedObject) {
	for _, c := range copies {
		if err := s.objects.PermanentDelete(ctx, c.newKey, c.newVersion); err != nil {
			log.Printf("vault: discard of half-copied %s@%s failed: %v", c.newKey, c.newVersion, err)
		}
	}
}

// revertMove is the reverse saga of a move whose metadata commit
// failed: every new-location object is copied back to its original
// key, then the new-location objects are permanently deleted. The
// whole pass retries on the move rollback policy, re-attempting only
// the objects that still failed; an unreverted remainder after the
// last attempt is the caller's signal for manual intervention.
func (s *Service) revertMove(ctx context.Context, copies []movedObject) error {
	pending := copies
	var lastErr error

	for attempt := 0; attempt < s.moveRollback.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := s.sleep(ctx, s.moveRollback.delay(attempt)); err != nil {
				return err
			}
		}

		var failed []movedObject
		for _, c := range pending {
			if _, err := s.objects.CopyVersion(ctx, c.newKey, "", c.oldKey, ""); err != nil {
				log.Printf("vault: reverse saga copy %s -> %s failed (attempt %d): %v",
					c.newKey, c.oldKey, attempt+1, err)
				failed = append(failed, c)
				lastErr = err
				continue
			}
			if err := s.objects.PermanentDelete(ctx, c.newKey, c.newVersion); err != nil {
				log.Printf("vault: reverse saga cleanup %s@%s failed (attempt %d): %v",
					c.newKey, c.newVersion, attempt+1, err)
				failed = append(failed, c)
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
