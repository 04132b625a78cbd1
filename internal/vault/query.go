package vault

import (
	"context"
	"errors"

	"github.com/file-vault/fv/internal/fault"
	"github.com/file-vault/fv/internal/metastore"
)

// ListFolder returns the live subfolders and files directly inside a
// folder (the root when folderID is empty).
func (s *Service) ListFolder(ctx context.Context, userID, folderID string) ([]*metastore.Folder, []*metastore.File, error) {
	folder, err := s.resolveFolder(userID, folderID)
	if err != nil {
		return nil, nil, err
	}
	folders, err := s.meta.ChildFolders(folder.ID)
	if err != nil {
		return nil, nil, fault.Wrap(fault.MetadataFailure, err, folder.Path, "list subfolders")
	}
	files, err := s.meta.FolderFiles(folder.ID)
	if err != nil {
		return nil, nil, fault.Wrap(fault.MetadataFailure, err, folder.Path, "list files")
	}
	return folders, files, nil
}

// FolderByPath resolves a live folder by its full path.
func (s *Service) FolderByPath(userID, path string) (*metastore.Folder, error) {
	folder, err := s.meta.FolderByPath(userID, path)
	if err != nil {
		if errors.Is(err, metastore.ErrNotFound) {
			return nil, fault.New(fault.NotFound, path, "folder does not exist")
		}
		return nil, fault.Wrap(fault.MetadataFailure, err, path, "look up folder")
	}
	return folder, nil
}

// Snapshots returns the user's snapshots, newest first.
func (s *Service) Snapshots(userID string) ([]*metastore.Snapshot, error) {
	snaps, err := s.meta.SnapshotsForUser(userID)
	if err != nil {
		return nil, fault.Wrap(fault.MetadataFailure, err, "", "list snapshots of %s", userID)
	}
	return snaps, nil
}

// DownloadFile returns a live file's metadata row and current content.
func (s *Service) DownloadFile(ctx context.Context, userID, path string) (*metastore.File, []byte, error) {
	file, err := s.meta.FileByPath(userID, path)
	if err != nil {
		if errors.Is(err, metastore.ErrNotFound) {
			return nil, nil, fault.New(fault.NotFound, path, "file does not exist")
		}
		return nil, nil, fault.Wrap(fault.MetadataFailure, err, path, "look up file")
	}
	body, err := s.objects.Download(ctx, path)
	if err != nil {
		return nil, nil, fault.Wrap(fault.ObjectStoreFailure, err, path, "download file")
	}
	return file, body, nil
}
