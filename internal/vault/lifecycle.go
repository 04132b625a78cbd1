package vault

import (
	"context"
	"errors"
	"log"

	"github.com/google/uuid"

	"github.com/file-vault/fv/internal/fault"
	"github.com/file-vault/fv/internal/metastore"
	"github.com/file-vault/fv/internal/pathkey"
)

// CreateRootFolder provisions the user's root directory. Calling it
// again for a provisioned user returns the existing root unchanged.
func (s *Service) CreateRootFolder(ctx context.Context, userID string) (*metastore.Folder, error) {
	if err := pathkey.ValidateUserID(userID); err != nil {
		return nil, fault.Wrap(fault.InvalidOperation, err, "", "invalid user id %q", userID)
	}
	unlock := s.lockUser(userID)
	defer unlock()

	if err := s.meta.EnsureUser(userID); err != nil {
		return nil, fault.Wrap(fault.MetadataFailure, err, "", "ensure user %s", userID)
	}
	rootID, err := s.meta.RootFolderID(userID)
	if err != nil {
		return nil, fault.Wrap(fault.MetadataFailure, err, "", "load root of %s", userID)
	}
	if rootID != "" {
		existing, err := s.meta.FolderByID(rootID)
		if err != nil {
			return nil, fault.Wrap(fault.MetadataFailure, err, "", "load root folder %s", rootID)
		}
		return existing, nil
	}

	key := pathkey.UserRootKey(userID)
	versionID, err := s.objects.CreatePlaceholder(ctx, key)
	if err != nil {
		return nil, fault.Wrap(fault.ObjectStoreFailure, err, key, "create root placeholder")
	}

	folder := &metastore.Folder{
		ID:          uuid.NewString(),
		UserID:      userID,
		Path:        key,
		Name:        userID,
		ContentType: pathkey.DirectoryContentType,
		VersionID:   versionID,
	}
	if err := s.meta.CreateRootFolder(folder); err != nil {
		return nil, s.compensateCreate(ctx, key, versionID, err)
	}
	return folder, nil
}

// CreateFolder creates a subfolder named name under the given parent
// folder, or under the user's root when parentID is empty. Creating a
// folder that already exists at the same path returns the existing
// folder.
func (s *Service) CreateFolder(ctx context.Context, userID, parentID, name string) (*metastore.Folder, error) {
	if err := pathkey.ValidateName(name); err != nil {
		return nil, fault.Wrap(fault.InvalidOperation, err, "", "invalid folder name %q", name)
	}
	unlock := s.lockUser(userID)
	defer unlock()

	parent, err := s.resolveFolder(userID, parentID)
	if err != nil {
		return nil, err
	}

	newPath := pathkey.BuildKey(parent.Path, name)
	if existing, err := s.meta.FolderByPath(userID, newPath); err == nil {
		return existing, nil
	} else if !errors.Is(err, metastore.ErrNotFound) {
		return nil, fault.Wrap(fault.MetadataFailure, err, newPath, "look up folder")
	}

	versionID, err := s.objects.CreatePlaceholder(ctx, newPath)
	if err != nil {
		return nil, fault.Wrap(fault.ObjectStoreFailure, err, newPath, "create folder placeholder")
	}

	folder := &metastore.Folder{
		ID:          uuid.NewString(),
		UserID:      userID,
		ParentID:    parent.ID,
		Path:        newPath,
		Name:        name,
		ContentType: pathkey.DirectoryContentType,
		VersionID:   versionID,
	}
	if err := s.meta.InsertFolder(folder); err != nil {
		return nil, s.compensateCreate(ctx, newPath, versionID, err)
	}
	return folder, nil
}

// CreateFile uploads body as a file named name inside the given folder
// (the root when folderID is empty). Uploading over an existing live
// file stacks a new object version and updates the row in place.
func (s *Service) CreateFile(ctx context.Context, userID, folderID, name string, body []byte, contentType string) (*metastore.File, error) {
	if err := pathkey.ValidateName(name); err != nil {
		return nil, fault.Wrap(fault.InvalidOperation, err, "", "invalid file name %q", name)
	}
	unlock := s.lockUser(userID)
	defer unlock()

	folder, err := s.resolveFolder(userID, folderID)
	if err != nil {
		return nil, err
	}

	path := pathkey.BuildFileKey(folder.Path, name)
	if contentType == "" {
		contentType = pathkey.ContentTypeHint(path)
	}

	existing, err := s.meta.FileByPath(userID, path)
	if err != nil && !errors.Is(err, metastore.ErrNotFound) {
		return nil, fault.Wrap(fault.MetadataFailure, err, path, "look up file")
	}

	versionID, err := s.objects.Upload(ctx, path, body, contentType)
	if err != nil {
		return nil, fault.Wrap(fault.ObjectStoreFailure, err, path, "upload file")
	}

	if existing != nil {
		if err := s.meta.ReviveFile(existing.ID, versionID, int64(len(body))); err != nil {
			return nil, s.compensateCreate(ctx, path, versionID, err)
		}
		existing.VersionID = versionID
		existing.Size = int64(len(body))
		return existing, nil
	}

	file := &metastore.File{
		ID:          uuid.NewString(),
		UserID:      userID,
		FolderID:    folder.ID,
		Path:        path,
		Name:        name,
		ContentType: contentType,
		VersionID:   versionID,
		Size:        int64(len(body)),
	}
	if err := s.meta.InsertFile(file); err != nil {
		return nil, s.compensateCreate(ctx, path, versionID, err)
	}
	return file, nil
}

// compensateCreate undoes the object-store half of a create whose
// metadata commit failed: the freshly written version is permanently
// deleted so the namespace and the store stay in step. Cleanup is
// best-effort — a cleanup failure is logged and the original commit
// error is still the one surfaced.
func (s *Service) compensateCreate(ctx context.Context, key, versionID string, cause error) error {
	if delErr := s.objects.PermanentDelete(ctx, key, versionID); delErr != nil {
		log.Printf("vault: create compensation failed for %s@%s: %v", key, versionID, delErr)
	}
	if errors.Is(cause, metastore.ErrDuplicate) {
		return fault.Wrap(fault.Conflict, cause, key, "path already exists")
	}
	return fault.Wrap(fault.MetadataFailure, cause, key, "metadata commit failed")
}

// resolveFolder loads the folder the operation targets: folderID when
// given, the user's root otherwise. Folders of other users are
// reported as missing rather than as someone else's.
func (s *Service) resolveFolder(userID, folderID string) (*metastore.Folder, error) {
	if folderID == "" {
		rootID, err := s.meta.RootFolderID(userID)
		if err != nil {
			if errors.Is(err, metastore.ErrNotFound) {
				return nil, fault.New(fault.NotFound, "", "user %s does not exist", userID)
			}
			return nil, fault.Wrap(fault.MetadataFailure, err, "", "load root of %s", userID)
		}
		if rootID == "" {
			return nil, fault.New(fault.NotFound, "", "user %s has no root folder", userID)
		}
		folderID = rootID
	}

	folder, err := s.meta.FolderByID(folderID)
	if err != nil {
		if errors.Is(err, metastore.ErrNotFound) {
			return nil, fault.New(fault.NotFound, "", "folder %s does not exist", folderID)
		}
		return nil, fault.Wrap(fault.MetadataFailure, err, "", "load folder %s", folderID)
	}
	if folder.UserID != userID {
		return nil, fault.New(fault.NotFound, folder.Path, "folder %s does not exist", folderID)
	}
	if folder.Deleted {
		return nil, fault.New(fault.NotFound, folder.Path, "folder %s is deleted", folderID)
	}
	return folder, nil
}
