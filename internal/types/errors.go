// Package types provides shared wire types and the error taxonomy used across
// the streaming core.
package types

import "errors"

// Sentinel errors for consistent error handling across the application.
// These errors can be checked with errors.Is() for type-safe error handling.
var (
	// Browser pool errors
	ErrBrowserNotFound   = errors.New("browser instance not found")
	ErrPoolClosed        = errors.New("browser pool is closed")
	ErrCapacityExhausted = errors.New("browser pool at capacity and eviction failed")
	ErrUnknownAction     = errors.New("unknown action verb")

	// Session errors
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session has expired")

	// Stream errors
	ErrStreamNotFound = errors.New("stream state not found for socket")

	// Request errors
	ErrInvalidRequest = errors.New("invalid request")
	ErrInvalidURL     = errors.New("invalid url")

	// Transport errors
	ErrTransportClosed = errors.New("socket transport is gone")

	// Context errors
	ErrContextCanceled = errors.New("operation canceled")
)

// Kind classifies an error into the taxonomy spec.md §7 defines. It is
// carried on every wrapped error type below so the Socket Router can decide
// how to log and how to phrase the client-facing message without re-deriving
// it from the error string.
type Kind string

const (
	KindNotFound   Kind = "not_found"
	KindValidation Kind = "validation"
	KindCapture    Kind = "capture"
	KindNavigation Kind = "navigation"
	KindCodec      Kind = "codec"
	KindCapacity   Kind = "capacity"
	KindTransport  Kind = "transport"
	KindUnknown    Kind = "unknown"
)

// OpError is the common wrapped-error shape used by every component: an
// operation name, a classification, a human-readable message and the
// underlying cause for errors.Unwrap/errors.As.
type OpError struct {
	Op      string
	Kind    Kind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *OpError) Error() string {
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *OpError) Unwrap() error {
	return e.Err
}

// NewNotFoundError builds a NotFound-kind error for a missing browser/session/stream id.
func NewNotFoundError(op, id string) *OpError {
	return &OpError{Op: op, Kind: KindNotFound, Message: op + ": not found: " + id, Err: ErrBrowserNotFound}
}

// NewValidationError builds a Validation-kind error for malformed params.
func NewValidationError(op, reason string) *OpError {
	return &OpError{Op: op, Kind: KindValidation, Message: op + ": " + reason, Err: ErrInvalidRequest}
}

// NewCaptureError builds a Capture-kind error for a failed screenshot.
func NewCaptureError(op string, cause error) *OpError {
	return &OpError{Op: op, Kind: KindCapture, Message: op + ": capture failed: " + cause.Error(), Err: cause}
}

// NewNavigationError builds a Navigation-kind error for a failed goto.
func NewNavigationError(op, url string, cause error) *OpError {
	return &OpError{Op: op, Kind: KindNavigation, Message: op + ": navigation to " + url + " failed: " + cause.Error(), Err: cause}
}

// NewCodecError builds a Codec-kind error for a compression/decompression failure.
func NewCodecError(op string, cause error) *OpError {
	return &OpError{Op: op, Kind: KindCodec, Message: op + ": " + cause.Error(), Err: cause}
}

// NewCapacityError builds a Capacity-kind error when the pool is full and
// eviction also failed.
func NewCapacityError(op string) *OpError {
	return &OpError{Op: op, Kind: KindCapacity, Message: op + ": pool at capacity, eviction failed", Err: ErrCapacityExhausted}
}

// NewTransportError builds a Transport-kind error for a gone socket.
func NewTransportError(op string, cause error) *OpError {
	return &OpError{Op: op, Kind: KindTransport, Message: op + ": transport error", Err: cause}
}

// NewUnknownActionError builds a Validation-kind error for an action verb
// outside the closed set in spec.md §4.2.
func NewUnknownActionError(action string) *OpError {
	return &OpError{Op: "execute", Kind: KindValidation, Message: "unknown action: " + action, Err: ErrUnknownAction}
}
