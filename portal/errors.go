package portal

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidState      = errors.New("portal: invalid state")
	ErrInvalidSession    = errors.New("portal: invalid session")
	ErrInvalidRequest    = errors.New("portal: invalid request")
	ErrUnsupported       = errors.New("portal: unsupported")
	ErrAlreadyCompleted  = errors.New("portal: request already completed")
	ErrAlreadyConnected  = errors.New("portal: already connected")
	ErrStaleGeneration   = errors.New("portal: stale zone set")
	ErrCancelled         = errors.New("portal: cancelled")
	ErrRemoteClosed      = errors.New("portal: closed by remote")
	ErrMalformedResponse = errors.New("portal: malformed response")
)

// StateError is returned when a verb is not valid in the session's current state.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("portal: %s not allowed in state %s", e.Op, e.State)
}

func (e *StateError) Unwrap() error { return ErrInvalidState }

// VersionError is returned when a verb needs a newer interface version than the one negotiated.
type VersionError struct {
	Op        string
	Interface string
	Have      uint32
	Need      uint32
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("portal: %s requires %s version %d, have %d", e.Op, e.Interface, e.Need, e.Have)
}

func (e *VersionError) Unwrap() error { return ErrUnsupported }

// ResponseError carries a non-success Request.Response.
type ResponseError struct {
	Method string
	Status ResponseStatus
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("portal: %s response: %s (%d)", e.Method, e.Status, uint32(e.Status))
}

func (e *ResponseError) Is(target error) bool {
	return target == ErrCancelled && e.Status == ResponseCancelled
}

// MalformedError names the missing or mistyped field of a response.
type MalformedError struct {
	Method string
	Field  string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("portal: %s response: missing or invalid %q", e.Method, e.Field)
}

func (e *MalformedError) Unwrap() error { return ErrMalformedResponse }

// D-Bus error names used on the wire.
const (
	ErrorNameFailed          = "org.freedesktop.portal.Error.Failed"
	ErrorNameInvalidArgument = "org.freedesktop.portal.Error.InvalidArgument"
	ErrorNameNotFound        = "org.freedesktop.portal.Error.NotFound"
	ErrorNameExists          = "org.freedesktop.portal.Error.Exists"
	ErrorNameNotAllowed      = "org.freedesktop.portal.Error.NotAllowed"
	ErrorNameCancelled       = "org.freedesktop.portal.Error.Cancelled"
	ErrorNameNotSupported    = "org.freedesktop.DBus.Error.NotSupported"
)

var errorNames = []struct {
	err  error
	name string
}{
	{ErrInvalidSession, ErrorNameNotFound},
	{ErrInvalidRequest, ErrorNameInvalidArgument},
	{ErrAlreadyConnected, ErrorNameExists},
	{ErrStaleGeneration, ErrorNameInvalidArgument},
	{ErrInvalidState, ErrorNameNotAllowed},
	{ErrCancelled, ErrorNameCancelled},
	{ErrUnsupported, ErrorNameNotSupported},
}

// ErrorName maps err to the D-Bus error name a broker replies with.
func ErrorName(err error) string {
	for _, e := range errorNames {
		if errors.Is(err, e.err) {
			return e.name
		}
	}
	return ErrorNameFailed
}

// FromErrorName maps a D-Bus error reply back to a sentinel, keeping the
// remote message as context.
func FromErrorName(name, msg string) error {
	var sentinel error
	switch name {
	case ErrorNameNotFound:
		sentinel = ErrInvalidSession
	case ErrorNameInvalidArgument:
		sentinel = ErrInvalidRequest
	case ErrorNameExists:
		sentinel = ErrAlreadyConnected
	case ErrorNameNotAllowed:
		sentinel = ErrInvalidState
	case ErrorNameCancelled:
		sentinel = ErrCancelled
	case ErrorNameNotSupported, "org.freedesktop.DBus.Error.UnknownMethod":
		sentinel = ErrUnsupported
	default:
		return fmt.Errorf("%s: %s", name, msg)
	}
	if msg == "" {
		return sentinel
	}
	return fmt.Errorf("%w: %s", sentinel, msg)
}
