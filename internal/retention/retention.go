// Package retention expires old snapshots. Object versions and stale
// delete markers age out through the bucket lifecycle rules; this
// package handles the metadata side and the published manifests.
package retention

import (
	"context"
	"log"
	"time"

	"github.com/file-vault/fv/internal/metastore"
)

// ManifestRemover removes a snapshot's published manifest. Satisfied by
// archive.Publisher.
type ManifestRemover interface {
	Remove(ctx context.Context, userID, snapshotID string) error
}

// PruneSnapshots deletes snapshot rows older than months and removes
// their manifests. Manifest removal is best effort: the bucket
// lifecycle catches anything missed here. Returns the count of
// snapshots pruned.
func PruneSnapshots(ctx context.Context, meta *metastore.Store, manifests ManifestRemover, months int) (int64, error) {
	if months <= 0 {
		return 0, nil
	}
	cutoff := float64(time.Now().AddDate(0, -months, 0).Unix())
	removed, err := meta.DeleteSnapshotsBefore(cutoff)
	if err != nil {
		return 0, err
	}
	for _, snap := range removed {
		if manifests == nil {
			continue
		}
		if err := manifests.Remove(ctx, snap.UserID, snap.ID); err != nil {
			log.Printf("retention: remove manifest for %s: %v", snap.ID, err)
		}
	}
	return int64(len(removed)), nil
}
