package protocol

import (
	"errors"
	"fmt"
)

// ErrorCode classifies an error carried inside a response payload.
type ErrorCode int

const (
	CodeGeneric ErrorCode = iota
	CodeRecordNotFound
	CodeRecordLocked
	CodeConcurrentCreate
	CodeConcurrentModification
	CodeInvalidTransaction
)

// String returns the string representation of ErrorCode.
func (c ErrorCode) String() string {
	switch c {
	case CodeGeneric:
		return "GENERIC"
	case CodeRecordNotFound:
		return "RECORD_NOT_FOUND"
	case CodeRecordLocked:
		return "RECORD_LOCKED"
	case CodeConcurrentCreate:
		return "CONCURRENT_CREATE"
	case CodeConcurrentModification:
		return "CONCURRENT_MODIFICATION"
	case CodeInvalidTransaction:
		return "INVALID_TRANSACTION"
	default:
		return fmt.Sprintf("CODE(%d)", int(c))
	}
}

var (
	ErrRecordNotFound         = errors.New("record not found")
	ErrRecordLocked           = errors.New("record locked")
	ErrConcurrentCreate       = errors.New("concurrent create")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrInvalidTransaction     = errors.New("invalid transaction")
)

var codeSentinels = map[ErrorCode]error{
	CodeRecordNotFound:         ErrRecordNotFound,
	CodeRecordLocked:           ErrRecordLocked,
	CodeConcurrentCreate:       ErrConcurrentCreate,
	CodeConcurrentModification: ErrConcurrentModification,
	CodeInvalidTransaction:     ErrInvalidTransaction,
}

// RemoteError is an error produced by a task on some node and shipped back
// inside a response.
type RemoteError struct {
	Code    ErrorCode
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches the package sentinel for the error code.
func (e *RemoteError) Is(target error) bool {
	sentinel, ok := codeSentinels[e.Code]
	return ok && sentinel == target
}

// IsLockConflict reports whether the error is a record-lock or
// concurrent-create conflict. Such errors abort quorum grouping early.
func (e *RemoteError) IsLockConflict() bool {
	return e != nil && (e.Code == CodeRecordLocked || e.Code == CodeConcurrentCreate)
}

// AsRemoteError converts any error into a RemoteError, keeping the code of
// known sentinels.
func AsRemoteError(err error) *RemoteError {
	if err == nil {
		return nil
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re
	}
	for code, sentinel := range codeSentinels {
		if errors.Is(err, sentinel) {
			return &RemoteError{Code: code, Message: err.Error()}
		}
	}
	return &RemoteError{Code: CodeGeneric, Message: err.Error()}
}

// DatabaseStatus is the state of a database on one node as reported by the
// failure detector.
type DatabaseStatus int

const (
	StatusOffline DatabaseStatus = iota
	StatusOnline
	StatusSynchronizing
	StatusBackup
)

func (s DatabaseStatus) String() string {
	switch s {
	case StatusOnline:
		return "ONLINE"
	case StatusSynchronizing:
		return "SYNCHRONIZING"
	case StatusBackup:
		return "BACKUP"
	default:
		return "OFFLINE"
	}
}

// IsActive reports whether a node in this state may still answer requests.
func (s DatabaseStatus) IsActive() bool {
	return s == StatusOnline || s == StatusSynchronizing || s == StatusBackup
}

// ParseDatabaseStatus parses the String form.
func ParseDatabaseStatus(s string) (DatabaseStatus, bool) {
	switch s {
	case "ONLINE":
		return StatusOnline, true
	case "SYNCHRONIZING":
		return StatusSynchronizing, true
	case "BACKUP":
		return StatusBackup, true
	case "OFFLINE":
		return StatusOffline, true
	}
	return StatusOffline, false
}
