package errors

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error into one of the closed set of failure categories
// the orchestrator distinguishes. The zero value means "unclassified".
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation covers bad input and schema mismatches. No state is
	// mutated when a validation error is returned.
	KindValidation
	// KindNotFound covers unknown tasks, interactions, and tools.
	KindNotFound
	// KindConflict covers create-on-existing and ambiguous edit matches.
	KindConflict
	// KindInvalidPath covers malformed logical paths (NUL bytes, empty).
	KindInvalidPath
	// KindPathEscape is returned when a resolved path leaves its scope root.
	KindPathEscape
	// KindLockTimeout is returned when the log file lock cannot be acquired.
	KindLockTimeout
	// KindTimeout covers LLM, command, and interaction-wait deadlines.
	KindTimeout
	// KindAborted is returned on cancellation.
	KindAborted
	// KindTransport covers LLM HTTP and other network failures.
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindInvalidPath:
		return "invalid_path"
	case KindPathEscape:
		return "path_escape"
	case KindLockTimeout:
		return "lock_timeout"
	case KindTimeout:
		return "timeout"
	case KindAborted:
		return "aborted"
	case KindTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// Error is a classified error that wraps an optional cause.
type Error struct {
	kind  Kind
	msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.cause)
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.cause }

// Kind returns the error's classification.
func (e *Error) Kind() Kind { return e.kind }

// Is lets errors.Is match two classified errors by kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.kind == e.kind
	}
	return false
}

// New creates a classified error without a cause.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap creates a classified error around a cause. A nil cause yields nil.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	if cause == nil {
		return nil
	}
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...), cause: cause}
}

// KindOf extracts the classification from err, walking the wrap chain.
// Unclassified errors report KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.kind
	}
	if errors.Is(err, context.Canceled) {
		return KindAborted
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// IsKind reports whether err carries the given classification.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Convenience constructors used throughout the codebase.

func Validation(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return New(KindConflict, format, args...)
}

func InvalidPath(format string, args ...any) *Error {
	return New(KindInvalidPath, format, args...)
}

func PathEscape(format string, args ...any) *Error {
	return New(KindPathEscape, format, args...)
}

func LockTimeout(format string, args ...any) *Error {
	return New(KindLockTimeout, format, args...)
}

func Timeout(format string, args ...any) *Error {
	return New(KindTimeout, format, args...)
}

func Aborted(format string, args ...any) *Error {
	return New(KindAborted, format, args...)
}

func Transport(format string, args ...any) *Error {
	return New(KindTransport, format, args...)
}
