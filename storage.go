package overlayx

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Domain Errors - use errors.Is for checking
var (
	// ErrNotFound indicates the requested object was not found
	ErrNotFound = errors.New("overlayx: object not found")

	// ErrImmutableStorage indicates a write against a read-only storage
	ErrImmutableStorage = errors.New("overlayx: storage is read-only")

	// ErrNonCanonicalPath indicates an id or path with "..", "." or an absolute form
	ErrNonCanonicalPath = errors.New("overlayx: non-canonical path")

	// ErrUnmappedObject indicates the storage's path mapping does not cover the id
	ErrUnmappedObject = errors.New("overlayx: object id not covered by path mapping")

	// ErrUnknownStorage indicates a lookup of a storage id that was never registered
	ErrUnknownStorage = errors.New("overlayx: unknown storage")

	// ErrUnknownStorageType indicates a storage config naming an unregistered type
	ErrUnknownStorageType = errors.New("overlayx: unknown storage type")

	// ErrInvalidConfig indicates the storage configuration is invalid
	ErrInvalidConfig = errors.New("overlayx: invalid configuration")

	// ErrCorruptObject indicates stored content failed an integrity check
	ErrCorruptObject = errors.New("overlayx: corrupt object")
)

// StorageError wraps underlying errors with additional context
type StorageError struct {
	Op      string     // operation that failed
	Storage string     // storage id (if known)
	Kind    ObjectKind // object kind (if applicable)
	ID      string     // object id (if applicable)
	Err     error      // underlying error
}

func (e *StorageError) Error() string {
	msg := "overlayx " + e.Op
	if e.Storage != "" {
		msg += " [" + e.Storage + "]"
	}
	if e.ID != "" {
		msg += fmt.Sprintf(" %s:%q", e.Kind, e.ID)
	}
	return msg + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsNotFound checks if an error is or wraps ErrNotFound
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsImmutable checks if an error is or wraps ErrImmutableStorage
func IsImmutable(err error) bool {
	return errors.Is(err, ErrImmutableStorage)
}

// IsNonCanonical checks if an error is or wraps ErrNonCanonicalPath
func IsNonCanonical(err error) bool {
	return errors.Is(err, ErrNonCanonicalPath)
}

// ObjectStorage is the contract every backend implements. Implementations
// must be safe for concurrent use.
type ObjectStorage interface {
	// IsMutable reports whether AppendObject and DeleteObject are allowed
	IsMutable() bool

	// GetObject returns one revision of an object. An empty revision selects
	// the latest; an unknown revision yields ok == false, not an error.
	GetObject(ctx context.Context, kind ObjectKind, id string, revision string) (rec ObjectRecord, ok bool, err error)

	// GetRevisions returns every revision of an object, oldest first
	GetRevisions(ctx context.Context, kind ObjectKind, id string) ([]ObjectRecord, error)

	// GetAllObjects returns the latest revision of every object of kind whose
	// id starts with idPrefix, sorted by id
	GetAllObjects(ctx context.Context, kind ObjectKind, idPrefix string) ([]ObjectRecord, error)

	// AppendObject stores content as a new revision. lengthHint is -1 when unknown.
	AppendObject(ctx context.Context, kind ObjectKind, id string, meta ObjectMetadata, content io.Reader, lengthHint int64) (ObjectRecord, error)

	// DeleteObject removes an object. Deleting an absent object is not an error.
	DeleteObject(ctx context.Context, kind ObjectKind, id string) error
}

// HealthChecker is implemented by storages that can verify their medium
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Rooted is implemented by filesystem-backed storages
type Rooted interface {
	Root() string
}

// ParseObjectID validates an object id as a canonical, non-root path.
func ParseObjectID(kind ObjectKind, id string) (StoragePath, error) {
	if !kind.Valid() {
		return StoragePath{}, fmt.Errorf("%w: unknown object kind %q", ErrInvalidConfig, kind)
	}
	p, err := ParseStoragePath(id)
	if err != nil {
		return StoragePath{}, err
	}
	if p.IsRoot() {
		return StoragePath{}, fmt.Errorf("%w: empty object id", ErrNonCanonicalPath)
	}
	return p, nil
}
