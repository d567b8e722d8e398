// Package errs implements the closed error taxonomy shared by every TRAC core
// component, and the single boundary that maps it onto gRPC and HTTP wire status.
package errs

import (
	"errors"
	"fmt"
)

// Kind is the closed set of error classes a TRAC core component may return.
type Kind string

const (
	Startup                  Kind = "STARTUP"
	Validation               Kind = "VALIDATION"
	Unauthenticated          Kind = "UNAUTHENTICATED"
	Access                   Kind = "ACCESS"
	NotFound                 Kind = "NOT_FOUND"
	Duplicate                Kind = "DUPLICATE"
	WrongType                Kind = "WRONG_TYPE"
	DataConflict             Kind = "DATA_CONFLICT"
	DataSize                 Kind = "DATA_SIZE"
	CacheTicket              Kind = "CACHE_TICKET"
	CacheDuplicate           Kind = "CACHE_DUPLICATE"
	CacheNotFound            Kind = "CACHE_NOT_FOUND"
	CacheCorruption          Kind = "CACHE_CORRUPTION"
	ExecutorFailure          Kind = "EXECUTOR_FAILURE"
	ExecutorTemporaryFailure Kind = "EXECUTOR_TEMPORARY_FAILURE"
	ExecutorAccess           Kind = "EXECUTOR_ACCESS"
	ExecutorValidation       Kind = "EXECUTOR_VALIDATION"
	TemporaryFailure         Kind = "TEMPORARY_FAILURE"
	Internal                 Kind = "INTERNAL"
	Unexpected               Kind = "UNEXPECTED"
)

// Error is the concrete carrier for every Kind above. It wraps an optional
// cause and an optional detail payload (e.g. full stderr for an executor
// failure) that the outermost handler may choose to surface or redact.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
	Detail  string

	// quiet suppresses stack-trace style logging at the CLI boundary when the
	// message has already been reported to the user.
	quiet bool
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is match on Kind: errors.Is(err, errs.New(errs.NotFound, ""))
// holds when err wraps an *Error with that Kind, whatever its message.
func (e *Error) Is(target error) bool {
	var k Kind
	switch t := target.(type) {
	case *Error:
		k = t.Kind
	default:
		return false
	}
	return e.Kind == k
}

// Quiet reports whether this error has already been reported to the user and
// should not be logged with a stack trace at the process boundary.
func (e *Error) Quiet() bool { return e.quiet }

// MarkQuiet returns a copy of e with the quiet flag set.
func (e *Error) MarkQuiet() *Error {
	cp := *e
	cp.quiet = true
	return &cp
}

// New creates an *Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind and message to an existing cause, preserving it for
// errors.Unwrap/errors.As chains.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// WithDetail attaches additional detail (e.g. full stderr) to an error.
func (e *Error) WithDetail(detail string) *Error {
	cp := *e
	cp.Detail = detail
	return &cp
}

// KindOf extracts the Kind from err, defaulting to Unexpected for errors that
// did not originate from this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unexpected
}

// IsRetryable reports whether callers may retry the operation that produced
// err, per §5 "Cancellation" — only the two advisory kinds are retryable.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case TemporaryFailure, ExecutorTemporaryFailure:
		return true
	default:
		return false
	}
}
