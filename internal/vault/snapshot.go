package vault

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/file-vault/fv/internal/fault"
	"github.com/file-vault/fv/internal/metastore"
	"github.com/file-vault/fv/internal/pathkey"
)

// CreateSnapshot captures the current version of every object under a
// folder. The capture is read-only on the object store, so a failed
// metadata save needs no compensation and is simply fatal.
func (s *Service) CreateSnapshot(ctx context.Context, userID, folderID string) (*metastore.Snapshot, error) {
	unlock := s.lockUser(userID)
	defer unlock()

	folder, err := s.resolveFolder(userID, folderID)
	if err != nil {
		return nil, err
	}

	listed, err := s.objects.ListByPrefix(ctx, folder.Path)
	if err != nil {
		return nil, fault.Wrap(fault.ObjectStoreFailure, err, folder.Path, "list objects for snapshot")
	}

	snap := &metastore.Snapshot{
		ID:         fmt.Sprintf("SNAPSHOT_%d_%s", time.Now().UTC().Unix(), uuid.NewString()),
		UserID:     userID,
		FolderID:   folder.ID,
		FolderPath: folder.Path,
	}
	entries := make([]metastore.SnapshotEntry, 0, len(listed))
	for _, info := range listed {
		versionID, err := s.objects.CurrentVersionID(ctx, info.Key)
		if err != nil {
			return nil, fault.Wrap(fault.ObjectStoreFailure, err, info.Key, "pin version for snapshot")
		}
		contentType, err := s.objects.ContentType(ctx, info.Key)
		if err != nil {
			return nil, fault.Wrap(fault.ObjectStoreFailure, err, info.Key, "read content type for snapshot")
		}
		entries = append(entries, metastore.SnapshotEntry{
			SnapshotID:  snap.ID,
			Key:         info.Key,
			VersionID:   versionID,
			ContentType: contentType,
			Directory:   pathkey.IsDirectoryKey(info.Key),
			Size:        info.Size,
		})
	}

	if err := s.meta.SaveSnapshot(snap, entries); err != nil {
		return nil, fault.Wrap(fault.MetadataFailure, err, folder.Path, "save snapshot")
	}

	if s.manifests != nil {
		if err := s.manifests.Publish(ctx, snap, entries); err != nil {
			log.Printf("vault: manifest publish for %s failed: %v", snap.ID, err)
		}
	}
	return snap, nil
}
