// Package dberr defines the error taxonomy shared by the database handle,
// folder summary store, and virtual-folder engine.
package dberr

import (
	"errors"
	"fmt"
	"strings"
)

// Code classifies an Error so callers can branch with errors.Is against the
// Sentinel of the matching code, without string-matching messages.
type Code int

const (
	// Generic wraps an engine message plus its numeric result code, with no
	// more specific classification available.
	Generic Code = iota
	// InvalidQuery means a search expression referenced an unsupported field.
	InvalidQuery
	// OutOfSync means a caller-supplied revision guard did not match the
	// stored folder revision.
	OutOfSync
	// NoSuchFolder means the operation targeted a folder that does not exist.
	NoSuchFolder
	// InvalidOperation means a semantic rule was violated (deleting
	// Unmatched, writing to a virtual folder, an unsupported schema version).
	InvalidOperation
	// StorageCorrupt means the engine reported unrecoverable corruption
	// after the one-shot rename/reopen.
	StorageCorrupt
	// StorageBusy means the busy-retry budget (§4.B, ~15s/150 retries) was
	// exhausted.
	StorageBusy
	// InsufficientMemory means the engine reported OOM at open.
	InsufficientMemory
)

func (c Code) String() string {
	switch c {
	case InvalidQuery:
		return "InvalidQuery"
	case OutOfSync:
		return "OutOfSync"
	case NoSuchFolder:
		return "NoSuchFolder"
	case InvalidOperation:
		return "InvalidOperation"
	case StorageCorrupt:
		return "StorageCorrupt"
	case StorageBusy:
		return "StorageBusy"
	case InsufficientMemory:
		return "InsufficientMemory"
	default:
		return "Generic"
	}
}

// Error is the single error type returned across the core. EngineCode holds
// the underlying SQL engine's numeric result code when one is available
// (0 otherwise).
type Error struct {
	Code       Code
	Message    string
	EngineCode int
	cause      error
}

func (e *Error) Error() string {
	suffix := ""
	if e.EngineCode != 0 {
		suffix = fmt.Sprintf(" (engine code %d)", e.EngineCode)
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %s%s", e.Code, e.Message, e.cause, suffix)
	}
	return fmt.Sprintf("%s: %s%s", e.Code, e.Message, suffix)
}

func (e *Error) Unwrap() error { return e.cause }

// Is implements errors.Is support keyed off Code only — any two *Error
// values with the same Code compare equal, regardless of message.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

// New constructs an *Error with no engine code and no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap constructs an *Error with a wrapped cause for errors.Unwrap chains.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// WithEngineCode attaches the engine's numeric result code (e.g. a raw
// SQLite result code) to a Generic-taxonomy error.
func WithEngineCode(message string, engineCode int, cause error) *Error {
	return &Error{Code: Generic, Message: message, EngineCode: engineCode, cause: cause}
}

// Sentinel returns a zero-value *Error of the given code, suitable as the
// target of errors.Is(err, dberr.Sentinel(dberr.NoSuchFolder)).
func Sentinel(code Code) *Error { return &Error{Code: code} }

var (
	// ErrNoSuchFolder is the sentinel for errors.Is(err, dberr.ErrNoSuchFolder).
	ErrNoSuchFolder = Sentinel(NoSuchFolder)
	// ErrInvalidOperation is the sentinel for errors.Is(err, dberr.ErrInvalidOperation).
	ErrInvalidOperation = Sentinel(InvalidOperation)
	// ErrStorageCorrupt is the sentinel for errors.Is(err, dberr.ErrStorageCorrupt).
	ErrStorageCorrupt = Sentinel(StorageCorrupt)
	// ErrStorageBusy is the sentinel for errors.Is(err, dberr.ErrStorageBusy).
	ErrStorageBusy = Sentinel(StorageBusy)
	// ErrOutOfSync is the sentinel for errors.Is(err, dberr.ErrOutOfSync).
	ErrOutOfSync = Sentinel(OutOfSync)
	// ErrInvalidQuery is the sentinel for errors.Is(err, dberr.ErrInvalidQuery).
	ErrInvalidQuery = Sentinel(InvalidQuery)
)

// IsNoSuchTable reports whether err's message mentions "no such table",
// the one error text bulk operations are specified to suppress (spec §7).
func IsNoSuchTable(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "no such table")
}
