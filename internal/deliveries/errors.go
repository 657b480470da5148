package deliveries

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrNotFound indicates that no record matches the identifier.
	ErrNotFound = errors.New("deliveries: record not found")
	// ErrServerIDConflict indicates an attempt to rebind a record to a different server identifier.
	ErrServerIDConflict = errors.New("deliveries: server id already assigned")
	// ErrInvalidPayload indicates that a payload or change set failed schema validation.
	ErrInvalidPayload = errors.New("deliveries: invalid payload")
)

// StorageError reports that the local persistence medium failed.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	if e.Err == nil {
		return "deliveries: storage " + e.Op
	}
	return fmt.Sprintf("deliveries: storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsStorageError reports whether err wraps a StorageError.
func IsStorageError(err error) bool {
	var storageErr *StorageError
	return errors.As(err, &storageErr)
}

func newStorageError(operation string, cause error) error {
	return &StorageError{Op: operation, Err: cause}
}

// ValidationError lists schema violations keyed by JSON field name.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for key := range e.Fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, key+" "+e.Fields[key])
	}
	return fmt.Sprintf("%v: %s", ErrInvalidPayload, strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidPayload
}
