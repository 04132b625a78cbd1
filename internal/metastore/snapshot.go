package metastore

import (
	"database/sql"
	"errors"
)

// Snapshot is one point-in-time capture of a folder subtree.
type Snapshot struct {
	ID         string
	UserID     string
	FolderID   string
	FolderPath string
	CreatedAt  float64
}

// SnapshotEntry pins one object key to the version that was current
// when the snapshot was taken.
type SnapshotEntry struct {
	SnapshotID  string
	Key         string
	VersionID   string
	ContentType string
	Directory   bool
	Size        int64
}

// SaveSnapshot persists the snapshot and all its entries atomically.
// A snapshot with a missing entry would restore a hole, so it is all
// or nothing.
func (s *Store) SaveSnapshot(snap *Snapshot, entries []SnapshotEntry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	snap.CreatedAt = now()
	if _, err := tx.Exec(
		`INSERT INTO folder_snapshot (snapshot_id, user_id, folder_id, folder_path, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		snap.ID, snap.UserID, snap.FolderID, snap.FolderPath, snap.CreatedAt,
	); err != nil {
		return err
	}
	for _, e := range entries {
		if _, err := tx.Exec(
			`INSERT INTO folder_snapshot_entry (snapshot_id, object_key, version_id, content_type, directory, size)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			snap.ID, e.Key, e.VersionID, nullable(e.ContentType), e.Directory, e.Size,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SnapshotByID returns the snapshot row, entries not included.
func (s *Store) SnapshotByID(snapshotID string) (*Snapshot, error) {
	var snap Snapshot
	err := s.db.QueryRow(
		`SELECT snapshot_id, user_id, folder_id, folder_path, created_at
		 FROM folder_snapshot WHERE snapshot_id = ?`,
		snapshotID,
	).Scan(&snap.ID, &snap.UserID, &snap.FolderID, &snap.FolderPath, &snap.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// SnapshotEntries returns the pinned entries of a snapshot ordered by
// key, which puts every directory before anything inside it.
func (s *Store) SnapshotEntries(snapshotID string) ([]SnapshotEntry, error) {
	rows, err := s.db.Query(
		`SELECT snapshot_id, object_key, version_id, content_type, directory, size
		 FROM folder_snapshot_entry WHERE snapshot_id = ? ORDER BY object_key`,
		snapshotID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []SnapshotEntry
	for rows.Next() {
		var e SnapshotEntry
		var contentType sql.NullString
		if err := rows.Scan(&e.SnapshotID, &e.Key, &e.VersionID, &contentType, &e.Directory, &e.Size); err != nil {
			return nil, err
		}
		e.ContentType = contentType.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SnapshotsForUser returns the user's snapshots, newest first.
func (s *Store) SnapshotsForUser(userID string) ([]*Snapshot, error) {
	rows, err := s.db.Query(
		`SELECT snapshot_id, user_id, folder_id, folder_path, created_at
		 FROM folder_snapshot WHERE user_id = ? ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []*Snapshot
	for rows.Next() {
		var snap Snapshot
		if err := rows.Scan(&snap.ID, &snap.UserID, &snap.FolderID, &snap.FolderPath, &snap.CreatedAt); err != nil {
			return nil, err
		}
		snaps = append(snaps, &snap)
	}
	return snaps, rows.Err()
}

// DeleteSnapshotsBefore removes snapshots created before cutoff and
// returns the rows it removed. Entries go with them via cascade.
func (s *Store) DeleteSnapshotsBefore(cutoff float64) ([]*Snapshot, error) {
	rows, err := s.db.Query(
		`SELECT snapshot_id, user_id, folder_id, folder_path, created_at
		 FROM folder_snapshot WHERE created_at < ?`, cutoff,
	)
	if err != nil {
		return nil, err
	}
	var snaps []*Snapshot
	for rows.Next() {
		var snap Snapshot
		if err := rows.Scan(&snap.ID, &snap.UserID, &snap.FolderID, &snap.FolderPath, &snap.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		snaps = append(snaps, &snap)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(snaps) == 0 {
		return nil, nil
	}
	if _, err := s.db.Exec(
		`DELETE FROM folder_snapshot WHERE created_at < ?`, cutoff,
	); err != nil {
		return nil, err
	}
	return snaps, nil
}
