// Package objstore provides versioned object storage for the vault.
//
// Every mutation returns the version id the store assigned, because the
// coordinators in internal/vault need exact version ids to undo their
// own work: a placeholder put is undone by permanently deleting that
// version, a soft delete by permanently deleting the marker it created.
// Deletes without a version id are soft (they stack a delete marker on
// top of the key); deletes with a version id are permanent.
package objstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key has no live current version,
// either because it never existed or because a delete marker hides it.
var ErrNotFound = errors.New("object not found")

// ObjectInfo describes one live object returned by ListByPrefix.
type ObjectInfo struct {
	Key  string
	Size int64
}

// Store is a versioned object store. Implementations: S3Store for
// S3-compatible backends, MemStore for tests.
type Store interface {
	// CreatePlaceholder writes a zero-byte object at key and returns
	// the version id of the new object. Directory keys (trailing "/")
	// get the directory content type.
	CreatePlaceholder(ctx context.Context, key string) (string, error)

	// Upload writes body at key with the given content type and
	// returns the version id of the new object.
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)

	// Download returns the body of the current version at key.
	Download(ctx context.Context, key string) ([]byte, error)

	// CopyVersion copies srcKey at srcVersionID to dstKey and returns
	// the version id of the copy. An empty srcVersionID copies the
	// current version.
	CopyVersion(ctx context.Context, srcKey, srcVersionID, dstKey, contentType string) (string, error)

	// RestoreVersion makes the given historic version of key current
	// again by copying it onto itself, and returns the new version id.
	RestoreVersion(ctx context.Context, key, versionID string) (string, error)

	// SoftDelete stacks a delete marker on key and returns the
	// marker's version id. The underlying versions stay recoverable.
	SoftDelete(ctx context.Context, key string) (string, error)

	// PermanentDelete removes exactly one version of key. Removing a
	// delete marker's version id undoes the corresponding soft delete.
	PermanentDelete(ctx context.Context, key, versionID string) error

	// BatchSoftDelete stacks a delete marker on every key and returns
	// the marker version id per key. On partial failure the returned
	// map holds the markers that were created and the error names the
	// keys that were not.
	BatchSoftDelete(ctx context.Context, keys []string) (map[string]string, error)

	// ListByPrefix returns every live object whose key starts with
	// prefix. Objects hidden by a delete marker are not listed.
	ListByPrefix(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// CurrentVersionID returns the version id of the current version
	// at key, or ErrNotFound when a marker hides it.
	CurrentVersionID(ctx context.Context, key string) (string, error)

	// ContentType returns the content type of the current version.
	ContentType(ctx context.Context, key string) (string, error)
}

// BatchError reports the keys a batch operation could not complete.
type BatchError struct {
	Op     string
	Failed []string
}

func (e *BatchError) Error() string {
	return e.Op + " failed for " + joinKeys(e.Failed)
}

func joinKeys(keys []string) string {
	out := ""
	for i, k := range keys {
		if i > 0 {
			out += ", "
		}
		out += k
	}
	return out
}
