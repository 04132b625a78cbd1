package pathkey

import (
	"errors"
	"regexp"
	"strings"
)

var (
	ErrEmptyName     = errors.New("name must not be empty")
	ErrNameTooLong   = errors.New("name exceeds maximum length")
	ErrInvalidName   = errors.New("name contains forbidden characters")
	ErrInvalidUserID = errors.New("invalid user id")
	ErrPathTraversal = errors.New("path traversal attempt detected")
)

// MaxNameLen bounds a single folder or file name.
const MaxNameLen = 255

// userIDPattern: alphanumeric with hyphens, underscores, dots (1-64 chars).
// UUID strings satisfy this.
var userIDPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,64}$`)

// ValidateName checks a folder or file name before it is joined into a
// key. Names may not contain separators or NUL and may not be a
// traversal component.
func ValidateName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyName
	}
	if len(name) > MaxNameLen {
		return ErrNameTooLong
	}
	if name == "." || name == ".." {
		return ErrPathTraversal
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return ErrInvalidName
	}
	return nil
}

// ValidateUserID checks a user identifier before it is embedded in a
// root key. Traversal components are rejected before the pattern check.
func ValidateUserID(id string) error {
	if strings.Contains(id, "..") || strings.Contains(id, "\x00") {
		return ErrPathTraversal
	}
	if !userIDPattern.MatchString(id) {
		return ErrInvalidUserID
	}
	return nil
}
