package ir

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes a SyncError. Codes travel over the wire unchanged.
type ErrorCode string

const (
	// CodeTransport means the remote could not be reached. Queued operations
	// stay queued and are retried after reconnect.
	CodeTransport ErrorCode = "TRANSPORT"

	// CodeValidation means the request can never succeed as written: unknown
	// key path or model type, missing arguments. Not retried.
	CodeValidation ErrorCode = "VALIDATION"

	// CodeConsistency means the request referenced state that does not exist
	// on the server: an unknown insertBefore anchor, a deleteItem on a missing
	// or tombstoned node, a fetch of a missing document.
	CodeConsistency ErrorCode = "CONSISTENCY"

	// CodeConflict means an expected document revision did not match.
	CodeConflict ErrorCode = "CONFLICT"

	// CodeInternal covers server failures outside the taxonomy above.
	CodeInternal ErrorCode = "INTERNAL"
)

// DetailNotFound marks consistency errors caused by a missing resource.
const DetailNotFound = "NOT_FOUND"

// SyncError is the single error type that crosses the client/server
// boundary. Server handlers return it, the transport serializes it into the
// reply frame, and the client rebuilds it before rejecting a future.
type SyncError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	KeyPath KeyPath   `json:"keyPath,omitempty"`
	ID      string    `json:"id,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	switch {
	case len(e.KeyPath) > 0 && e.ID != "":
		return fmt.Sprintf("%s: %s (keyPath=%s, id=%s)", e.Code, e.Message, e.KeyPath, e.ID)
	case len(e.KeyPath) > 0:
		return fmt.Sprintf("%s: %s (keyPath=%s)", e.Code, e.Message, e.KeyPath)
	case e.ID != "":
		return fmt.Sprintf("%s: %s (id=%s)", e.Code, e.Message, e.ID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewTransportError wraps a network failure.
func NewTransportError(err error) *SyncError {
	msg := "disconnected"
	if err != nil {
		msg = err.Error()
	}
	return &SyncError{Code: CodeTransport, Message: msg}
}

// NewValidationError reports a request that can never succeed.
func NewValidationError(msg string, kp KeyPath) *SyncError {
	return &SyncError{Code: CodeValidation, Message: msg, KeyPath: kp}
}

// NewConsistencyError reports a reference to state the server does not hold.
func NewConsistencyError(msg string, kp KeyPath, id string) *SyncError {
	return &SyncError{Code: CodeConsistency, Message: msg, KeyPath: kp, ID: id}
}

// NewNotFoundError is a consistency error for a missing resource.
func NewNotFoundError(kp KeyPath, id string) *SyncError {
	return &SyncError{Code: CodeConsistency, Message: "not found", KeyPath: kp, ID: id, Detail: DetailNotFound}
}

// NewConflictError reports a revision mismatch.
func NewConflictError(kp KeyPath, id string, want, have int64) *SyncError {
	return &SyncError{
		Code:    CodeConflict,
		Message: fmt.Sprintf("revision mismatch (expected %d, have %d)", want, have),
		KeyPath: kp,
		ID:      id,
	}
}

// AsSyncError extracts a SyncError from err. Errors of any other type are
// reported as CodeInternal so they still fit in a reply frame.
func AsSyncError(err error) *SyncError {
	if err == nil {
		return nil
	}
	var se *SyncError
	if errors.As(err, &se) {
		return se
	}
	return &SyncError{Code: CodeInternal, Message: err.Error()}
}

func hasCode(err error, code ErrorCode) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// IsTransport reports whether err is a transport failure.
func IsTransport(err error) bool { return hasCode(err, CodeTransport) }

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool { return hasCode(err, CodeValidation) }

// IsConsistency reports whether err is a consistency failure.
func IsConsistency(err error) bool { return hasCode(err, CodeConsistency) }

// IsConflict reports whether err is a revision conflict.
func IsConflict(err error) bool { return hasCode(err, CodeConflict) }

// IsNotFound reports whether err is a consistency failure for a missing
// resource.
func IsNotFound(err error) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code == CodeConsistency && se.Detail == DetailNotFound
	}
	return false
}
