package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Domain errors - used across all layers
var (
	// ErrNotFound indicates a missing branch, document or index generation
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates the resource already exists
	ErrAlreadyExists = errors.New("already exists")

	// ErrSchema indicates an invalid document type definition
	ErrSchema = errors.New("schema error")

	// ErrUnknownType indicates a document type that was never registered
	ErrUnknownType = errors.New("unknown document type")

	// ErrSchemaViolation indicates a document that does not fit its type
	ErrSchemaViolation = errors.New("schema violation")

	// ErrStaleWrite indicates another commit advanced the branch over a touched document
	ErrStaleWrite = errors.New("stale write")

	// ErrMergeConflict indicates both sides of a merge changed the same documents
	ErrMergeConflict = errors.New("merge conflict")

	// ErrInvalidRange indicates a revision range whose end precedes its start
	ErrInvalidRange = errors.New("invalid range")

	// ErrValidation indicates a caller programming error (bad query, bad path)
	ErrValidation = errors.New("validation failed")

	// ErrConflict indicates a state transition that would break an invariant
	ErrConflict = errors.New("conflict")

	// ErrStorage indicates an engine level I/O or capacity failure; retryable
	ErrStorage = errors.New("storage error")

	// ErrLockTimeout indicates an advisory lock could not be acquired in time
	ErrLockTimeout = errors.New("lock timeout")

	// ErrTransactionClosed indicates use of a committed or aborted transaction
	ErrTransactionClosed = errors.New("transaction closed")
)

// MergeConflictError lists the document identifiers changed on both sides of a merge.
type MergeConflictError struct {
	Source string
	Target string
	IDs    []string
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("merge %s -> %s: %d conflicting documents: %s",
		e.Source, e.Target, len(e.IDs), strings.Join(e.IDs, ", "))
}

func (e *MergeConflictError) Unwrap() error { return ErrMergeConflict }

// NewMergeConflictError builds a MergeConflictError with sorted identifiers.
func NewMergeConflictError(source, target string, ids []string) *MergeConflictError {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return &MergeConflictError{Source: source, Target: target, IDs: sorted}
}

// StaleWriteError reports the documents another commit changed since the transaction opened.
type StaleWriteError struct {
	Branch   string
	OpenedAt int64
	HeadAt   int64
	IDs      []string
}

func (e *StaleWriteError) Error() string {
	return fmt.Sprintf("branch %s advanced from %d to %d over %s",
		e.Branch, e.OpenedAt, e.HeadAt, strings.Join(e.IDs, ", "))
}

func (e *StaleWriteError) Unwrap() error { return ErrStaleWrite }

// SchemaViolationError describes why a staged document was rejected.
type SchemaViolationError struct {
	Type   string
	ID     string
	Reason string
}

func (e *SchemaViolationError) Error() string {
	return fmt.Sprintf("%s %q: %s", e.Type, e.ID, e.Reason)
}

func (e *SchemaViolationError) Unwrap() error { return ErrSchemaViolation }

// StorageError wraps an engine or database failure with the operation that hit it.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Is reports true for ErrStorage so callers can detect retryable failures.
func (e *StorageError) Is(target error) bool { return target == ErrStorage }

func (e *StorageError) Unwrap() error { return e.Err }

// NewStorageError wraps err unless it is nil or already a storage error.
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
