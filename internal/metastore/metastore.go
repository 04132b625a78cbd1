// Package metastore persists the folder/file namespace in sqlite.
//
// Rows are never removed by the coordinators: a soft delete flips
// deleted=1 and records the delete marker id, so the row stays
// joinable to the object versions that still exist in the store. The
// partial unique index on (user_id, path) WHERE deleted=0 enforces at
// most one live row per path and turns concurrent creates into
// ErrDuplicate.
package metastore

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("metastore: not found")

	// ErrDuplicate is returned when an insert collides with a live row
	// for the same path.
	ErrDuplicate = errors.New("metastore: duplicate path")
)

// Store provides namespace persistence on a sqlite handle.
type Store struct {
	db *sql.DB
}

// New wraps an open database. The caller owns the handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Folder is one directory row. ParentID is empty for root folders,
// DeleteMarkerID is empty while the folder is live.
type Folder struct {
	ID             string
	UserID         string
	ParentID       string
	Path           string
	Name           string
	ContentType    string
	VersionID      string
	DeleteMarkerID string
	Deleted        bool
	CreatedAt      float64
	UpdatedAt      float64
}

// File is one file row.
type File struct {
	ID             string
	UserID         string
	FolderID       string
	Path           string
	Name           string
	ContentType    string
	VersionID      string
	DeleteMarkerID string
	Size           int64
	Deleted        bool
	CreatedAt      float64
	UpdatedAt      float64
}

func now() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// EnsureUser creates the user row if it does not exist yet.
func (s *Store) EnsureUser(userID string) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO users (user_id, created_at) VALUES (?, ?)`,
		userID, now(),
	)
	return err
}

// RootFolderID returns the user's root folder id, "" when no root has
// been provisioned yet, ErrNotFound when the user does not exist.
func (s *Store) RootFolderID(userID string) (string, error) {
	var root sql.NullString
	err := s.db.QueryRow(
		`SELECT root_folder_id FROM users WHERE user_id = ?`, userID,
	).Scan(&root)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return root.String, nil
}

// CreateRootFolder inserts the root folder row and points the user at
// it, in one transaction.
func (s *Store) CreateRootFolder(f *Folder) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertFolder(tx, f); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`UPDATE users SET root_folder_id = ? WHERE user_id = ?`,
		f.ID, f.UserID,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// InsertFolder inserts one live folder row. A live row for the same
// path yields ErrDuplicate.
func (s *Store) InsertFolder(f *Folder) error {
	return insertFolder(s.db, f)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func insertFolder(e execer, f *Folder) error {
	ts := now()
	f.CreatedAt, f.UpdatedAt = ts, ts
	_, err := e.Exec(
		`INSERT INTO user_folder (folder_id, user_id, parent_id, path, name, content_type, version_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.UserID, nullable(f.ParentID), f.Path, f.Name, f.ContentType, f.VersionID, ts, ts,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("folder %s: %w", f.Path, ErrDuplicate)
		}
		return err
	}
	return nil
}

// InsertFile inserts one live file row.
func (s *Store) InsertFile(f *File) error {
	ts := now()
	f.CreatedAt, f.UpdatedAt = ts, ts
	_, err := s.db.Exec(
		`INSERT INTO user_file (file_id, user_id, folder_id, path, name, content_type, version_id, size, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.UserID, f.FolderID, f.Path, f.Name, nullable(f.ContentType), f.VersionID, f.Size, ts, ts,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("file %s: %w", f.Path, ErrDuplicate)
		}
		return err
	}
	return nil
}

const folderCols = `folder_id, user_id, parent_id, path, name, content_type, version_id, delete_marker_id, deleted, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFolder(row rowScanner) (*Folder, error) {
	var f Folder
	var parent, marker sql.NullString
	err := row.Scan(&f.ID, &f.UserID, &parent, &f.Path, &f.Name, &f.ContentType,
		&f.VersionID, &marker, &f.Deleted, &f.CreatedAt, &f.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	f.ParentID = parent.String
	f.DeleteMarkerID = marker.String
	return &f, nil
}

const fileCols = `file_id, user_id, folder_id, path, name, content_type, version_id, delete_marker_id, size, deleted, created_at, updated_at`

func scanFile(row rowScanner) (*File, error) {
	var f File
	var contentType, marker sql.NullString
	err := row.Scan(&f.ID, &f.UserID, &f.FolderID, &f.Path, &f.Name, &contentType,
		&f.VersionID, &marker, &f.Size, &f.Deleted, &f.CreatedAt, &f.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	f.ContentType = contentType.String
	f.DeleteMarkerID = marker.String
	return &f, nil
}

// FolderByID returns the folder row regardless of deletion state.
func (s *Store) FolderByID(folderID string) (*Folder, error) {
	row := s.db.QueryRow(
		`SELECT `+folderCols+` FROM user_folder WHERE folder_id = ?`, folderID,
	)
	return scanFolder(row)
}

// FolderByPath returns the live folder at path.
func (s *Store) FolderByPath(userID, path string) (*Folder, error) {
	row := s.db.QueryRow(
		`SELECT `+folderCols+` FROM user_folder WHERE user_id = ? AND path = ? AND deleted = 0`,
		userID, path,
	)
	return scanFolder(row)
}

// FolderByPathAny returns the best row for path in any state: the live
// row when one exists, otherwise the most recently touched dead row.
// Restore uses this to revive a soft-deleted folder instead of minting
// a new row.
func (s *Store) FolderByPathAny(userID, path string) (*Folder, error) {
	row := s.db.QueryRow(
		`SELECT `+folderCols+` FROM user_folder WHERE user_id = ? AND path = ?
		 ORDER BY deleted ASC, updated_at DESC LIMIT 1`,
		userID, path,
	)
	return scanFolder(row)
}

// FileByPath returns the live file at path.
func (s *Store) FileByPath(userID, path string) (*File, error) {
	row := s.db.QueryRow(
		`SELECT `+fileCols+` FROM user_file WHERE user_id = ? AND path = ? AND deleted = 0`,
		userID, path,
	)
	return scanFile(row)
}

// FileByPathAny is FolderByPathAny for files.
func (s *Store) FileByPathAny(userID, path string) (*File, error) {
	row := s.db.QueryRow(
		`SELECT `+fileCols+` FROM user_file WHERE user_id = ? AND path = ?
		 ORDER BY deleted ASC, updated_at DESC LIMIT 1`,
		userID, path,
	)
	return scanFile(row)
}

// PathExists reports whether any live folder or file occupies path.
func (s *Store) PathExists(userID, path string) (bool, error) {
	var dummy int
	err := s.db.QueryRow(
		`SELECT 1 FROM user_folder WHERE user_id = ? AND path = ? AND deleted = 0`,
		userID, path,
	).Scan(&dummy)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}
	err = s.db.QueryRow(
		`SELECT 1 FROM user_file WHERE user_id = ? AND path = ? AND deleted = 0`,
		userID, path,
	).Scan(&dummy)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}
	return false, nil
}

// FoldersByPrefix returns live folders whose path starts with prefix,
// ordered by path. substr avoids LIKE so metacharacters in paths
// cannot widen the match.
func (s *Store) FoldersByPrefix(userID, prefix string) ([]*Folder, error) {
	rows, err := s.db.Query(
		`SELECT `+folderCols+` FROM user_folder
		 WHERE user_id = ? AND deleted = 0 AND substr(path, 1, length(?)) = ?
		 ORDER BY path`,
		userID, prefix, prefix,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var folders []*Folder
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, err
		}
		folders = append(folders, f)
	}
	return folders, rows.Err()
}

// FilesByPrefix returns live files whose path starts with prefix,
// ordered by path.
func (s *Store) FilesByPrefix(userID, prefix string) ([]*File, error) {
	rows, err := s.db.Query(
		`SELECT `+fileCols+` FROM user_file
		 WHERE user_id = ? AND deleted = 0 AND substr(path, 1, length(?)) = ?
		 ORDER BY path`,
		userID, prefix, prefix,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []*File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// ChildFolders returns the live folders directly under parentID,
// ordered by name.
func (s *Store) ChildFolders(parentID string) ([]*Folder, error) {
	rows, err := s.db.Query(
		`SELECT `+folderCols+` FROM user_folder
		 WHERE parent_id = ? AND deleted = 0 ORDER BY name`,
		parentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var folders []*Folder
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, err
		}
		folders = append(folders, f)
	}
	return folders, rows.Err()
}

// FolderFiles returns the live files directly inside folderID, ordered
// by name.
func (s *Store) FolderFiles(folderID string) ([]*File, error) {
	rows, err := s.db.Query(
		`SELECT `+fileCols+` FROM user_file
		 WHERE folder_id = ? AND deleted = 0 ORDER BY name`,
		folderID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []*File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// MarkDeleted flips the given folder and file rows to deleted and
// records each row's delete marker id, all in one transaction.
func (s *Store) MarkDeleted(folderMarkers, fileMarkers map[string]string) error {
	if len(folderMarkers) == 0 && len(fileMarkers) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ts := now()
	for folderID, markerID := range folderMarkers {
		if _, err := tx.Exec(
			`UPDATE user_folder SET deleted = 1, delete_marker_id = ?, updated_at = ? WHERE folder_id = ?`,
			nullable(markerID), ts, folderID,
		); err != nil {
			return err
		}
	}
	for fileID, markerID := range fileMarkers {
		if _, err := tx.Exec(
			`UPDATE user_file SET deleted = 1, delete_marker_id = ?, updated_at = ? WHERE file_id = ?`,
			nullable(markerID), ts, fileID,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ReviveFolder brings a soft-deleted folder row back to live state
// with a new current version.
func (s *Store) ReviveFolder(folderID, versionID string) error {
	_, err := s.db.Exec(
		`UPDATE user_folder SET deleted = 0, delete_marker_id = NULL, version_id = ?, updated_at = ? WHERE folder_id = ?`,
		versionID, now(), folderID,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("folder %s: %w", folderID, ErrDuplicate)
	}
	return err
}

// RestoreFolderRow reconciles an existing folder row against a
// restored subtree: live again, new current version, and optionally a
// new parent pointer when the restore rebuilt the row above it. An
// empty parentID leaves the parent untouched.
func (s *Store) RestoreFolderRow(folderID, parentID, versionID string) error {
	var err error
	if parentID != "" {
		_, err = s.db.Exec(
			`UPDATE user_folder SET deleted = 0, delete_marker_id = NULL, version_id = ?, parent_id = ?, updated_at = ? WHERE folder_id = ?`,
			versionID, parentID, now(), folderID,
		)
	} else {
		_, err = s.db.Exec(
			`UPDATE user_folder SET deleted = 0, delete_marker_id = NULL, version_id = ?, updated_at = ? WHERE folder_id = ?`,
			versionID, now(), folderID,
		)
	}
	if isUniqueViolation(err) {
		return fmt.Errorf("folder %s: %w", folderID, ErrDuplicate)
	}
	return err
}

// RestoreFileRow is RestoreFolderRow for files; the containing folder
// is always re-pointed because restore may have rebuilt it under a new
// row id.
func (s *Store) RestoreFileRow(fileID, folderID, versionID string, size int64) error {
	_, err := s.db.Exec(
		`UPDATE user_file SET deleted = 0, delete_marker_id = NULL, version_id = ?, folder_id = ?, size = ?, updated_at = ? WHERE file_id = ?`,
		versionID, folderID, size, now(), fileID,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("file %s: %w", fileID, ErrDuplicate)
	}
	return err
}

// ReviveFile brings a soft-deleted file row back to live state with a
// new current version and size.
func (s *Store) ReviveFile(fileID, versionID string, size int64) error {
	_, err := s.db.Exec(
		`UPDATE user_file SET deleted = 0, delete_marker_id = NULL, version_id = ?, size = ?, updated_at = ? WHERE file_id = ?`,
		versionID, size, now(), fileID,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("file %s: %w", fileID, ErrDuplicate)
	}
	return err
}

// FolderMove is one folder row rewrite within a move. ParentID is
// applied only when SetParent is true: only the moved folder itself
// changes parent, its descendants keep theirs.
type FolderMove struct {
	FolderID  string
	Path      string
	Name      string
	VersionID string
	ParentID  string
	SetParent bool
}

// FileMove is one file row rewrite within a move.
type FileMove struct {
	FileID    string
	Path      string
	Name      string
	VersionID string
}

// ApplyMove rewrites every affected row in one transaction, so the
// namespace flips from the old subtree to the new one atomically.
func (s *Store) ApplyMove(folders []FolderMove, files []FileMove) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ts := now()
	for _, m := range folders {
		if m.SetParent {
			_, err = tx.Exec(
				`UPDATE user_folder SET path = ?, name = ?, version_id = ?, parent_id = ?, updated_at = ? WHERE folder_id = ?`,
				m.Path, m.Name, m.VersionID, nullable(m.ParentID), ts, m.FolderID,
			)
		} else {
			_, err = tx.Exec(
				`UPDATE user_folder SET path = ?, name = ?, version_id = ?, updated_at = ? WHERE folder_id = ?`,
				m.Path, m.Name, m.VersionID, ts, m.FolderID,
			)
		}
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("folder %s -> %s: %w", m.FolderID, m.Path, ErrDuplicate)
			}
			return err
		}
	}
	for _, m := range files {
		if _, err := tx.Exec(
			`UPDATE user_file SET path = ?, name = ?, version_id = ?, updated_at = ? WHERE file_id = ?`,
			m.Path, m.Name, m.VersionID, ts, m.FileID,
		); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("file %s -> %s: %w", m.FileID, m.Path, ErrDuplicate)
			}
			return err
		}
	}
	return tx.Commit()
}
