package types

import (
	"errors"
	"fmt"
)

// ValidationError reports malformed input. It is synchronous and never
// retried: the same input would fail the same way again.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %s", e.Reason)
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// TransientError wraps a transport or timing failure that is safe to
// retry: network errors, timeouts, 5xx responses.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// ConflictError reports that local and remote copies of an entity have
// diverged and the active policy could not resolve them automatically.
type ConflictError struct {
	EntityID      string
	LocalVersion  int64
	RemoteVersion int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: entity %s local v%d vs remote v%d", e.EntityID, e.LocalVersion, e.RemoteVersion)
}

// CorruptionError reports stored data that failed integrity verification.
type CorruptionError struct {
	Key string
	Err error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("corruption: %s: %v", e.Key, e.Err)
}

func (e *CorruptionError) Unwrap() error {
	return e.Err
}

// CapacityError reports that a bounded resource cannot admit more data
// even after eviction.
type CapacityError struct {
	Needed    int64
	Available int64
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("capacity: need %d bytes, %d available", e.Needed, e.Available)
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsValidation reports whether err is a terminal input error.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsCorruption reports whether err is an integrity failure.
func IsCorruption(err error) bool {
	var ce *CorruptionError
	return errors.As(err, &ce)
}
