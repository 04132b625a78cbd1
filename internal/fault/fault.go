// Package fault is the error taxonomy shared by the vault coordinators.
// One tagged error type with an enumerated kind replaces a hierarchy of
// per-scenario error types; callers branch on Kind via errors.As or the
// Is* helpers.
package fault

import (
	"errors"
	"fmt"
)

// Kind categorizes a vault error.
type Kind int

const (
	// NotFound: folder, file, snapshot, or user absent or soft-deleted.
	NotFound Kind = iota

	// Conflict: duplicate path or concurrent creation lost a race.
	Conflict

	// InvalidOperation: moving root, moving into self/descendant,
	// empty name, cross-user access.
	InvalidOperation

	// ObjectStoreFailure wraps any object-store error.
	ObjectStoreFailure

	// MetadataFailure wraps any metadata-store write error.
	MetadataFailure

	// PartialFailure: some but not all items of a batch operation failed.
	PartialFailure

	// CriticalInconsistency: a compensation or rollback itself failed
	// after exhausting retries. Manual intervention is required.
	CriticalInconsistency
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not found"
	case Conflict:
		return "conflict"
	case InvalidOperation:
		return "invalid operation"
	case ObjectStoreFailure:
		return "object store failure"
	case MetadataFailure:
		return "metadata failure"
	case PartialFailure:
		return "partial failure"
	case CriticalInconsistency:
		return "critical inconsistency"
	default:
		return "unknown"
	}
}

// Error is a tagged vault error. Path carries the folder/file path or
// object key the failure relates to, when one exists.
type Error struct {
	Kind Kind
	Path string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	s := e.Msg
	if e.Path != "" {
		s += ": " + e.Path
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a tagged error without a cause.
func New(kind Kind, path, format string, args ...any) *Error {
	return &Error{Kind: kind, Path: path, Msg: fmt.Sprintf(format, args...)}
}

// Wrap returns a tagged error wrapping cause. A nil cause is allowed.
func Wrap(kind Kind, cause error, path, format string, args ...any) *Error {
	return &Error{Kind: kind, Path: path, Msg: fmt.Sprintf(format, args...), Err: cause}
}

// KindOf returns the kind of err if it is (or wraps) an *Error,
// else ok is false.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return 0, false
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, k Kind) bool {
	got, ok := KindOf(err)
	return ok && got == k
}
