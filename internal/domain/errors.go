package domain

import (
	"errors"
	"fmt"
)

// ErrorKind is the broad category of an Error.
type ErrorKind string

const (
	// KindValidation means the caller supplied something malformed.
	KindValidation ErrorKind = "validation"

	// KindStorage means the local durable store failed.
	KindStorage ErrorKind = "storage"

	// KindSync means the remote store or a sync cycle failed.
	KindSync ErrorKind = "sync"

	// KindConflict means data is ambiguous and must not be guessed at.
	KindConflict ErrorKind = "conflict"
)

// Error codes.
const (
	CodeInvalidEvent       = "INVALID_EVENT"
	CodeInvalidDate        = "INVALID_DATE"
	CodeInvalidUser        = "INVALID_USER"
	CodeInvalidChange      = "INVALID_CHANGE"
	CodeSequenceRegression = "SEQUENCE_REGRESSION"
	CodeCounterUnreadable  = "COUNTER_UNREADABLE"
	CodeStorageFailure     = "STORAGE_FAILURE"
	CodeUnknownHabit       = "UNKNOWN_HABIT"
	CodeNotAuthenticated   = "NOT_AUTHENTICATED"
	CodeForeignData        = "FOREIGN_DATA"
	CodeRemoteFailure      = "REMOTE_FAILURE"
	CodeDecodeFailure      = "DECODE_FAILURE"
	CodeEngineStopped      = "ENGINE_STOPPED"
)

// Error is the typed error of the ledger and its collaborators.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Details map[string]string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %s: %v", e.Kind, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s %s: %s", e.Kind, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewValidationError creates a validation Error.
func NewValidationError(code, msg string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: msg}
}

// NewStorageError wraps a local store failure.
func NewStorageError(code, msg string, err error) *Error {
	return &Error{Kind: KindStorage, Code: code, Message: msg, Err: err}
}

// NewSyncError wraps a remote or sync failure.
func NewSyncError(code, msg string, err error) *Error {
	return &Error{Kind: KindSync, Code: code, Message: msg, Err: err}
}

// NewConflictError creates a conflict Error.
func NewConflictError(code, msg string, details map[string]string) *Error {
	return &Error{Kind: KindConflict, Code: code, Message: msg, Details: details}
}

func hasKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsValidation returns true if err is a validation Error.
// Uses errors.As to handle wrapped errors.
func IsValidation(err error) bool { return hasKind(err, KindValidation) }

// IsStorage returns true if err is a storage Error.
func IsStorage(err error) bool { return hasKind(err, KindStorage) }

// IsSync returns true if err is a sync Error.
func IsSync(err error) bool { return hasKind(err, KindSync) }

// IsConflict returns true if err is a conflict Error.
func IsConflict(err error) bool { return hasKind(err, KindConflict) }

// CodeOf returns the code of the outermost Error in err's chain, "" if none.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
