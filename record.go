package overlayx

import (
	"bytes"
	"context"
	"io"
	"time"
)

// SingleRevision is the revision reported by backends that keep no history.
const SingleRevision = ""

// ObjectMetadata describes who stored an object and when. Zero fields mean
// the value is unknown.
type ObjectMetadata struct {
	Author       string
	CreationDate time.Time
}

// HasAuthor reports whether an author is recorded
func (m ObjectMetadata) HasAuthor() bool { return m.Author != "" }

// HasCreationDate reports whether a creation date is recorded
func (m ObjectMetadata) HasCreationDate() bool { return !m.CreationDate.IsZero() }

// WithCurrentDate returns a copy stamped with the current UTC time.
func (m ObjectMetadata) WithCurrentDate() ObjectMetadata {
	return m.WithDate(time.Now())
}

// WithDate returns a copy stamped with t.
func (m ObjectMetadata) WithDate(t time.Time) ObjectMetadata {
	m.CreationDate = t.UTC()
	return m
}

// ObjectRecord describes one stored revision of an object.
type ObjectRecord struct {
	Kind     ObjectKind
	ID       string
	Revision string
	Metadata ObjectMetadata
	Location StorageLocation
}

// SizedReadCloser is a content stream with an optionally known length
type SizedReadCloser interface {
	io.ReadCloser

	// Size returns the total size if known, -1 if unknown
	Size() int64
}

// StorageLocation opens the content of exactly one ObjectRecord. It is owned
// by the storage that produced it and is invalid once that storage is closed.
type StorageLocation interface {
	Open(ctx context.Context) (io.ReadCloser, error)
	OpenSized(ctx context.Context) (SizedReadCloser, error)
}

// ReadAll reads the full content behind loc.
func ReadAll(ctx context.Context, loc StorageLocation) ([]byte, error) {
	rc, err := loc.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// NewSizedReadCloser pairs rc with a known size.
func NewSizedReadCloser(rc io.ReadCloser, size int64) SizedReadCloser {
	return &sizedReadCloser{ReadCloser: rc, size: size}
}

type sizedReadCloser struct {
	io.ReadCloser
	size int64
}

func (s *sizedReadCloser) Size() int64 { return s.size }

// BytesLocation is a StorageLocation over resident bytes. The slice must not
// be modified after construction.
type BytesLocation []byte

func (b BytesLocation) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (b BytesLocation) OpenSized(ctx context.Context) (SizedReadCloser, error) {
	rc, err := b.Open(ctx)
	if err != nil {
		return nil, err
	}
	return NewSizedReadCloser(rc, int64(len(b))), nil
}

type authorKey struct{}

// WithAuthor attaches the acting user to ctx for default metadata.
func WithAuthor(ctx context.Context, author string) context.Context {
	return context.WithValue(ctx, authorKey{}, author)
}

// AuthorFromContext returns the author set by WithAuthor.
func AuthorFromContext(ctx context.Context) (string, bool) {
	a, ok := ctx.Value(authorKey{}).(string)
	return a, ok && a != ""
}

// maxPrealloc bounds the buffer reserved up front from a length hint.
const maxPrealloc = 4 << 20

// ReadContent reads r to the end. A positive lengthHint sizes the initial
// buffer up to maxPrealloc; the hint is never trusted beyond that. A nil r
// yields empty content.
func ReadContent(r io.Reader, lengthHint int64) ([]byte, error) {
	var buf bytes.Buffer
	if r == nil {
		return buf.Bytes(), nil
	}
	if lengthHint > 0 {
		buf.Grow(int(min(lengthHint, maxPrealloc)))
	}
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
