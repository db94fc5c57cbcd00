package sandbox

import (
	"errors"
	"fmt"
)

// ErrorKind classifies sandbox errors. Kinds survive serialization across
// the RPC boundary, so callers can branch on them regardless of transport.
type ErrorKind string

const (
	// KindUnknownProfile means the profile name is not registered.
	KindUnknownProfile ErrorKind = "UnknownProfile"
	// KindInvalidFileSpec means a file name escapes the working directory.
	KindInvalidFileSpec ErrorKind = "InvalidFileSpec"
	// KindInvalidSandbox means the sandbox or working directory handle is
	// unknown, already destroyed or in the wrong state.
	KindInvalidSandbox ErrorKind = "InvalidSandbox"
	// KindInvalidRequest means the request itself is malformed.
	KindInvalidRequest ErrorKind = "InvalidRequest"
	// KindRuntimeUnavailable means the container runtime is unreachable or
	// overloaded. Safe to retry with backoff.
	KindRuntimeUnavailable ErrorKind = "RuntimeUnavailable"
	// KindRuntimeError is a non-transient runtime failure, e.g. a missing image.
	KindRuntimeError ErrorKind = "RuntimeError"
	// KindCleanupFailure means a container or volume could not be removed.
	KindCleanupFailure ErrorKind = "CleanupFailure"
	// KindRPCTimeout means no reply arrived in time. The remote side may or
	// may not have started the execution.
	KindRPCTimeout ErrorKind = "RPCTimeout"
	// KindInternal is anything else.
	KindInternal ErrorKind = "Internal"
)

// Error is a classified sandbox error.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind, so that
// errors.Is(err, &Error{Kind: KindUnknownProfile}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// NewError creates a classified error with a formatted message
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}

// WrapError classifies err. A nil err yields nil.
func WrapError(err error, kind ErrorKind, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	if msg == "" {
		msg = err.Error()
	} else {
		msg = msg + ": " + err.Error()
	}
	return &Error{
		Kind:    kind,
		Message: msg,
		Err:     err,
	}
}

// KindOf extracts the kind of err, KindInternal for unclassified errors and
// the empty kind for nil.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind checks if err is classified as kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
