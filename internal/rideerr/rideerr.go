// Package rideerr holds the error taxonomy shared by the backend client,
// the location providers and the lifecycle engine.
package rideerr

import (
	"errors"
	"fmt"
)

var (
	// ErrNetworkFailure: transport error, timeout or a 5xx from the backend.
	ErrNetworkFailure = errors.New("network failure")

	// ErrBackendRejected: a 4xx with a message, e.g. a wrong OTP.
	ErrBackendRejected = errors.New("rejected by backend")

	ErrPermissionDenied    = errors.New("location permission denied")
	ErrLocationUnavailable = errors.New("location unavailable")

	// ErrPreconditionFailed is raised locally before any network call.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrNotFound covers the backend answering 400 for "nothing here".
	ErrNotFound = errors.New("not found")
)

// Error carries the operation and, for backend failures, the HTTP status
// and message. errors.Is matches it against its Kind.
type Error struct {
	Op      string
	Kind    error
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == e.Kind }

func New(op string, kind error, message string) *Error {
	return &Error{Op: op, Kind: kind, Message: message}
}

func Wrap(op string, kind error, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

func Precondition(op, format string, args ...any) *Error {
	return &Error{Op: op, Kind: ErrPreconditionFailed, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the taxonomy sentinel err belongs to, or nil.
func KindOf(err error) error {
	for _, k := range []error{ErrPreconditionFailed, ErrPermissionDenied, ErrLocationUnavailable, ErrNotFound, ErrBackendRejected, ErrNetworkFailure} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// Message returns the backend/user-facing message carried by err, if any.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	if err != nil {
		return err.Error()
	}
	return ""
}
