package protocol

import (
	"errors"
	"fmt"
	"time"
)

// Code is a wire-visible error code. The set below is closed; handlers must
// not invent new codes.
type Code string

const (
	// Transport. Retried with backoff by the retry engine.
	CodeConnectionFailed Code = "CONNECTION_FAILED"
	CodeSessionClosed    Code = "SESSION_CLOSED"
	CodeTimeout          Code = "TIMEOUT"

	// Protocol. Reported, never retried.
	CodeProtocolViolation Code = "PROTOCOL_VIOLATION"
	CodeUnknownOperation  Code = "UNKNOWN_OPERATION"
	CodeInvalidRequest    Code = "INVALID_REQUEST"

	// Authentication. Counted by the security gate, never retried.
	CodeAuthInvalid  Code = "AUTH_INVALID"
	CodeAuthExpired  Code = "AUTH_EXPIRED"
	CodeIPNotAllowed Code = "IP_NOT_ALLOWED"
	CodeIPBlocked    Code = "IP_BLOCKED"

	// Authorization.
	CodePermissionDenied Code = "PERMISSION_DENIED"

	// Availability. Triggers the degradation path.
	CodeServerUnavailable Code = "SERVER_UNAVAILABLE"

	// Conflict.
	CodeSyncConflict Code = "SYNC_CONFLICT"

	// Rate.
	CodeRateLimited Code = "RATE_LIMITED"

	// Internal. Logged with full context, surfaced with the cause redacted.
	CodeRequestFailed Code = "REQUEST_FAILED"
)

// Class groups codes by how the hub reacts to them.
type Class int

const (
	ClassTransport Class = iota
	ClassProtocol
	ClassAuthentication
	ClassAuthorization
	ClassAvailability
	ClassConflict
	ClassRate
	ClassInternal
)

// Class returns the taxonomy class of c. Unknown codes map to ClassInternal.
func (c Code) Class() Class {
	switch c {
	case CodeConnectionFailed, CodeSessionClosed, CodeTimeout:
		return ClassTransport
	case CodeProtocolViolation, CodeUnknownOperation, CodeInvalidRequest:
		return ClassProtocol
	case CodeAuthInvalid, CodeAuthExpired, CodeIPNotAllowed, CodeIPBlocked:
		return ClassAuthentication
	case CodePermissionDenied:
		return ClassAuthorization
	case CodeServerUnavailable:
		return ClassAvailability
	case CodeSyncConflict:
		return ClassConflict
	case CodeRateLimited:
		return ClassRate
	}
	return ClassInternal
}

// Retryable reports whether the retry engine may automatically retry
// operations failing with this code.
func (c Code) Retryable() bool {
	return c.Class() == ClassTransport
}

// Error is the structured error carried on the wire and between components.
type Error struct {
	Code       Code           `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	RetryAfter int64          `json:"retryAfter,omitempty"` // seconds
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

// NewError builds an Error with the given code and message.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf builds an Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetail attaches one detail field and returns e for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any, 2)
	}
	e.Details[key] = value
	return e
}

// WithRetryAfter sets the retry hint, rounded up to whole seconds.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	secs := int64(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	e.RetryAfter = secs
	return e
}

// AsError unwraps err into a protocol Error if one is in its chain.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// CodeOf extracts the protocol code from err, or CodeRequestFailed when err
// carries none.
func CodeOf(err error) Code {
	if pe, ok := AsError(err); ok {
		return pe.Code
	}
	return CodeRequestFailed
}
