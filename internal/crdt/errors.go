package crdt

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const (
	opAppend       = "crdt.append"
	opAddCommits   = "crdt.add_commits"
	opMaterialize  = "crdt.materialize"
	opRegenerate   = "crdt.regenerate"
	opSyncState    = "crdt.sync_state"
	opStream       = "crdt.stream"
	opSnapshotAt   = "crdt.snapshot_at_commit"
	opQuery        = "crdt.query"
	opValidate     = "crdt.validate_commits"
	opConfigure    = "crdt.configure"
	reasonQuery    = "query_failed"
	reasonInvalid  = "invalid_commit"
	reasonHash     = "hash_mismatch"
	reasonParent   = "parent_mismatch"
	reasonExists   = "commit_exists"
	reasonMissing  = "missing_reference"
	reasonEmpty    = "empty_commit"
	reasonDatabase = "missing_database"
	reasonCanceled = "canceled"
	reasonApply    = "apply_failed"
)

var (
	// ErrIntegrity marks commits rejected before any of their effects were stored.
	ErrIntegrity = errors.New("crdt: integrity violation")
	// ErrStorage marks failures of the underlying store; the enclosing transaction was rolled back.
	ErrStorage = errors.New("crdt: storage failure")
)

// ServiceError carries a stable code of the form "<operation>.<reason>".
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation-qualified reason.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

func storageError(operation string, cause error) error {
	return newServiceError(operation, reasonQuery, fmt.Errorf("%w: %w", ErrStorage, cause))
}

// IntegrityError identifies the commit and entity that failed validation.
type IntegrityError struct {
	Reason   string
	CommitID uuid.UUID
	EntityID uuid.UUID
	Err      error
}

func (e *IntegrityError) Error() string {
	message := fmt.Sprintf("crdt: integrity violation (%s) in commit %s", e.Reason, e.CommitID)
	if e.EntityID != uuid.Nil {
		message += fmt.Sprintf(" entity %s", e.EntityID)
	}
	if e.Err != nil {
		message += ": " + e.Err.Error()
	}
	return message
}

func (e *IntegrityError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrIntegrity}
	}
	return []error{ErrIntegrity, e.Err}
}

func integrityError(operation, reason string, commitID, entityID uuid.UUID, cause error) error {
	return newServiceError(operation, reason, &IntegrityError{Reason: reason, CommitID: commitID, EntityID: entityID, Err: cause})
}
