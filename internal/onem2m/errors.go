package onem2m

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by broker operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNotFound is returned when the broker reports no resource with the requested id.
	ErrNotFound = errors.New("onem2m: resource not found")

	// ErrConflict is returned when a create collides with an existing same-named sibling.
	ErrConflict = errors.New("onem2m: resource already exists")

	// ErrPollTimeout is returned when a long-poll window elapses with no notification.
	// It is an expected outcome, not a failure.
	ErrPollTimeout = errors.New("onem2m: poll timeout")

	// ErrNotConnected is returned by Connection operations before Connect succeeds.
	ErrNotConnected = errors.New("onem2m: not connected")

	// ErrKindMismatch is returned when a response is keyed by a different type tag
	// than the resource kind that requested it.
	ErrKindMismatch = errors.New("onem2m: resource kind mismatch")
)

// TransportError reports a network failure, an unexpected broker status,
// or a malformed response.
type TransportError struct {
	// Op is the protocol operation ("discover", "retrieve", "create", ...).
	Op string

	// URL is the request target.
	URL string

	// StatusCode is the HTTP status, zero when no response was received.
	StatusCode int

	// RSC is the X-M2M-RSC value, zero when absent.
	RSC ResponseStatusCode

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("onem2m %s %s: status %d (rsc %d): %v", e.Op, e.URL, e.StatusCode, e.RSC, e.Err)
	}
	return fmt.Sprintf("onem2m %s %s: %v", e.Op, e.URL, e.Err)
}

// Unwrap returns the underlying cause.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict reports whether err is or wraps ErrConflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsPollTimeout reports whether err is or wraps ErrPollTimeout.
func IsPollTimeout(err error) bool {
	return errors.Is(err, ErrPollTimeout)
}

// IsTransport reports whether err is or wraps a *TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
