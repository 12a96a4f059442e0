package versions

import (
	"errors"
	"fmt"
)

var (
	// ErrImmutableRecord matches every ImmutableRecordError.
	ErrImmutableRecord = errors.New("versions: immutable record")
	// ErrStaleBranch matches every StaleBranchError.
	ErrStaleBranch = errors.New("versions: stale branch")
	// ErrNotFound matches every NotFoundError.
	ErrNotFound = errors.New("versions: not found")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
)

// staleBranchRemediation is shown to authors whose draft was built on an outdated branch head.
const staleBranchRemediation = "Someone else has committed changes to this branch since you started reviewing. " +
	"Your commit was cancelled so that their changes are not overwritten. " +
	"Please discard this draft and review the changes again."

// ServiceError carries a stable "<operation>.<reason>" code alongside the cause.
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

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ImmutableRecordError reports an attempted mutation of a published commit or of a
// snapshot's core attributes.
type ImmutableRecordError struct {
	Record string
	ID     string
	Detail string
}

func (e *ImmutableRecordError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s %s is immutable", e.Record, e.ID)
	}
	return fmt.Sprintf("%s %s is immutable: %s", e.Record, e.ID, e.Detail)
}

func (e *ImmutableRecordError) Is(target error) bool {
	return target == ErrImmutableRecord
}

// StaleBranchError reports that the branch advanced after a draft was composed.
type StaleBranchError struct {
	BranchID       BranchID
	ExpectedParent CommitID
	ActualParent   CommitID
}

func (e *StaleBranchError) Error() string {
	return staleBranchRemediation
}

func (e *StaleBranchError) Is(target error) bool {
	return target == ErrStaleBranch
}

// NotFoundError reports a reference to a nonexistent row.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

func notFound(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}
