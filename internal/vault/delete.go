package vault

import (
	"context"
	"log"

	"github.com/file-vault/fv/internal/fault"
	"github.com/file-vault/fv/internal/metastore"
)

// SoftDeleteFolder places a delete marker on a single folder's object
// and flags its row deleted. The object's version history survives, so
// a later restore can bring the folder back.
func (s *Service) SoftDeleteFolder(ctx context.Context, userID, folderID string) (*metastore.Folder, error) {
	unlock := s.lockUser(userID)
	defer unlock()

	folder, err := s.resolveFolder(userID, folderID)
	if err != nil {
		return nil, err
	}

	markerID, err := s.objects.SoftDelete(ctx, folder.Path)
	if err != nil {
		return nil, fault.Wrap(fault.ObjectStoreFailure, err, folder.Path, "place delete marker")
	}

	if err := s.meta.MarkDeleted(map[string]string{folder.ID: markerID}, nil); err != nil {
		// Undelete: removing the marker makes the object current again.
		if delErr := s.objects.PermanentDelete(ctx, folder.Path, markerID); delErr != nil {
			log.Printf("vault: undelete of %s@%s failed: %v", folder.Path, markerID, delErr)
			return nil, fault.Wrap(fault.CriticalInconsistency, err, folder.Path,
				"metadata flag failed and marker removal failed: %v", delErr)
		}
		return nil, fault.Wrap(fault.MetadataFailure, err, folder.Path, "flag folder deleted")
	}

	folder.Deleted = true
	folder.DeleteMarkerID = markerID
	return folder, nil
}

// RecursiveSoftDelete soft-deletes a folder and everything under it.
// Object keys under the prefix with no matching metadata row are
// logged as orphans and left untouched.
func (s *Service) RecursiveSoftDelete(ctx context.Context, userID, folderID string) error {
	unlock := s.lockUser(userID)
	defer unlock()

	folder, err := s.resolveFolder(userID, folderID)
	if err != nil {
		return err
	}

	folders, err := s.meta.FoldersByPrefix(userID, folder.Path)
	if err != nil {
		return fault.Wrap(fault.MetadataFailure, err, folder.Path, "list descendant folders")
	}
	files, err := s.meta.FilesByPrefix(userID, folder.Path)
	if err != nil {
		return fault.Wrap(fault.MetadataFailure, err, folder.Path, "list descendant files")
	}

	rowByKey := make(map[string]string, len(folders)+len(files))
	folderByKey := make(map[string]string, len(folders))
	for _, f := range folders {
		rowByKey[f.Path] = f.ID
		folderByKey[f.Path] = f.ID
	}
	fileByKey := make(map[string]string, len(files))
	for _, f := range files {
		rowByKey[f.Path] = f.ID
		fileByKey[f.Path] = f.ID
	}

	listed, err := s.objects.ListByPrefix(ctx, folder.Path)
	if err != nil {
		return fault.Wrap(fault.ObjectStoreFailure, err, folder.Path, "list objects under prefix")
	}
	keys := make([]string, 0, len(listed))
	for _, info := range listed {
		if _, ok := rowByKey[info.Key]; !ok {
			log.Printf("vault: orphan object %s under %s, leaving untouched", info.Key, folder.Path)
			continue
		}
		keys = append(keys, info.Key)
	}

	markers, err := s.objects.BatchSoftDelete(ctx, keys)
	if err != nil {
		// Partial marking cannot stand; remove whatever got marked.
		if rbErr := s.removeMarkers(ctx, markers); rbErr != nil {
			return fault.Wrap(fault.CriticalInconsistency, err, folder.Path,
				"batch marking failed and marker rollback failed: %v", rbErr)
		}
		return fault.Wrap(fault.ObjectStoreFailure, err, folder.Path, "batch delete markers")
	}

	folderMarkers := make(map[string]string, len(folderByKey))
	fileMarkers := make(map[string]string, len(fileByKey))
	for key, markerID := range markers {
		if id, ok := folderByKey[key]; ok {
			folderMarkers[id] = markerID
		} else if id, ok := fileByKey[key]; ok {
			fileMarkers[id] = markerID
		}
	}

	if err := s.meta.MarkDeleted(folderMarkers, fileMarkers); err != nil {
		if rbErr := s.removeMarkers(ctx, markers); rbErr != nil {
			return fault.Wrap(fault.CriticalInconsistency, err, folder.Path,
				"metadata batch flag failed and marker rollback failed: %v", rbErr)
		}
		return fault.Wrap(fault.MetadataFailure, err, folder.Path, "flag subtree deleted")
	}
	return nil
}

// removeMarkers permanently deletes the given delete markers,
// restoring the marked objects to visibility. Returns the first error
// after attempting every key.
func (s *Service) removeMarkers(ctx context.Context, markers map[string]string) error {
	var firstErr error
	for key, markerID := range markers {
		if markerID == "" {
			continue
		}
		if err := s.objects.PermanentDelete(ctx, key, markerID); err != nil {
			log.Printf("vault: marker rollback failed for %s@%s: %v", key, markerID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
