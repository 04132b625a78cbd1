package archive

import (
	"context"
	"fmt"

	"github.com/file-vault/fv/internal/metastore"
	"github.com/file-vault/fv/internal/objstore"
)

// ManifestPrefix is the reserved key prefix manifests live under. It
// sits outside every user root ("/<user>/"), so namespace operations
// never see it.
const ManifestPrefix = "/.fv/snapshots/"

// Publisher writes and reads snapshot manifests in the object store.
type Publisher struct {
	store     objstore.Store
	masterKey []byte
}

// NewPublisher creates a Publisher. A nil or empty masterKey stores
// manifests in plaintext; a 32-byte key enables encryption.
func NewPublisher(store objstore.Store, masterKey []byte) (*Publisher, error) {
	if len(masterKey) != 0 && len(masterKey) != KeySize {
		return nil, fmt.Errorf("master key must be empty or %d bytes", KeySize)
	}
	return &Publisher{store: store, masterKey: masterKey}, nil
}

// ManifestKey returns the object key a snapshot's manifest is stored
// under.
func ManifestKey(userID, snapshotID string) string {
	return ManifestPrefix + userID + "/" + snapshotID + ".fvman"
}

// Publish writes the manifest object for a snapshot.
func (p *Publisher) Publish(ctx context.Context, snap *metastore.Snapshot, entries []metastore.SnapshotEntry) error {
	m := &Manifest{
		SnapshotID: snap.ID,
		UserID:     snap.UserID,
		FolderID:   snap.FolderID,
		FolderPath: snap.FolderPath,
		CreatedAt:  snap.CreatedAt,
		Entries:    make([]Entry, 0, len(entries)),
	}
	for _, e := range entries {
		m.Entries = append(m.Entries, Entry{
			Key:         e.Key,
			VersionID:   e.VersionID,
			ContentType: e.ContentType,
			Directory:   e.Directory,
			Size:        e.Size,
		})
	}

	raw, err := Encode(m, p.masterKey)
	if err != nil {
		return fmt.Errorf("encode manifest %s: %w", snap.ID, err)
	}
	key := ManifestKey(snap.UserID, snap.ID)
	if _, err := p.store.Upload(ctx, key, raw, "application/octet-stream"); err != nil {
		return fmt.Errorf("upload manifest %s: %w", key, err)
	}
	return nil
}

// Load reads a snapshot's manifest back.
func (p *Publisher) Load(ctx context.Context, userID, snapshotID string) (*Manifest, error) {
	key := ManifestKey(userID, snapshotID)
	raw, err := p.store.Download(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("download manifest %s: %w", key, err)
	}
	m, err := Decode(raw, p.masterKey)
	if err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", key, err)
	}
	return m, nil
}

// Remove soft-deletes a snapshot's manifest. Used by retention when
// the snapshot row expires.
func (p *Publisher) Remove(ctx context.Context, userID, snapshotID string) error {
	key := ManifestKey(userID, snapshotID)
	if _, err := p.store.SoftDelete(ctx, key); err != nil {
		return fmt.Errorf("remove manifest %s: %w", key, err)
	}
	return nil
}
