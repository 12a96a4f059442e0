package versions

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidIdentifier indicates that an identifier is empty or exceeds storage bounds.
	ErrInvalidIdentifier = errors.New("versions: invalid identifier")
)

func validateIdentifier(kind, rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty %s", ErrInvalidIdentifier, kind)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: %s exceeds %d characters", ErrInvalidIdentifier, kind, maxIdentifierLength)
	}
	return trimmed, nil
}

// RepositoryID identifies a tracked repository.
type RepositoryID string

// NewRepositoryID validates raw input and returns a RepositoryID.
func NewRepositoryID(rawInput string) (RepositoryID, error) {
	value, err := validateIdentifier("repository id", rawInput)
	return RepositoryID(value), err
}

func (id RepositoryID) String() string { return string(id) }

// FileID identifies a File independent of its metadata history.
type FileID string

// NewFileID validates raw input and returns a FileID.
func NewFileID(rawInput string) (FileID, error) {
	value, err := validateIdentifier("file id", rawInput)
	return FileID(value), err
}

func (id FileID) String() string { return string(id) }

// BranchID identifies a branch.
type BranchID string

// NewBranchID validates raw input and returns a BranchID.
func NewBranchID(rawInput string) (BranchID, error) {
	value, err := validateIdentifier("branch id", rawInput)
	return BranchID(value), err
}

func (id BranchID) String() string { return string(id) }

// CommitID identifies a commit, draft or published.
type CommitID string

// NewCommitID validates raw input and returns a CommitID.
func NewCommitID(rawInput string) (CommitID, error) {
	value, err := validateIdentifier("commit id", rawInput)
	return CommitID(value), err
}

func (id CommitID) String() string { return string(id) }

// SnapshotID identifies an immutable snapshot row.
type SnapshotID string

func (id SnapshotID) String() string { return string(id) }

// AuthorID is the opaque identity of a commit author supplied by the caller.
type AuthorID string

// NewAuthorID validates raw input and returns an AuthorID.
func NewAuthorID(rawInput string) (AuthorID, error) {
	value, err := validateIdentifier("author id", rawInput)
	return AuthorID(value), err
}

func (id AuthorID) String() string { return string(id) }

// IDProvider issues row identifiers.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

func optionalString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func stringPointer(value string) *string {
	v := value
	return &v
}
