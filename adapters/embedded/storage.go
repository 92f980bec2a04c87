// Package embedded provides a read-only object storage over resources
// compiled into the program (an embed.FS or any other fs.FS).
package embedded

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sort"

	"go.uber.org/zap"

	"github.com/gostratum/overlayx"
)

// Storage serves the files below a root folder of an fs.FS. Every object has
// the single revision overlayx.SingleRevision; writes always fail.
type Storage struct {
	fsys    fs.FS
	root    string
	mapping overlayx.PathMapping
	logger  *zap.Logger
}

var _ overlayx.ObjectStorage = (*Storage)(nil)

// Option configures a Storage
type Option func(*Storage)

// WithMapping sets the path mapping (default: overlayx.DefaultMapping)
func WithMapping(m overlayx.PathMapping) Option {
	return func(s *Storage) {
		if m != nil {
			s.mapping = m
		}
	}
}

// WithLogger sets a custom zap logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *Storage) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a storage over the root folder of fsys. An empty root serves
// fsys itself.
func New(fsys fs.FS, root string, opts ...Option) (*Storage, error) {
	if fsys == nil {
		return nil, fmt.Errorf("%w: no resource file system", overlayx.ErrInvalidConfig)
	}
	rootPath, err := overlayx.ParseStoragePath(root)
	if err != nil {
		return nil, fmt.Errorf("%w: resource root: %v", overlayx.ErrInvalidConfig, err)
	}

	sub := fsys
	if !rootPath.IsRoot() {
		sub, err = fs.Sub(fsys, rootPath.String())
		if err != nil {
			return nil, fmt.Errorf("%w: resource root %q: %v", overlayx.ErrInvalidConfig, root, err)
		}
	}

	s := &Storage{
		fsys:    sub,
		root:    rootPath.String(),
		mapping: overlayx.DefaultMapping{},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Storage) IsMutable() bool { return false }

func resourceName(p overlayx.StoragePath) string {
	if p.IsRoot() {
		return "."
	}
	return p.String()
}

func (s *Storage) GetObject(ctx context.Context, kind overlayx.ObjectKind, id string, rev string) (overlayx.ObjectRecord, bool, error) {
	p, err := overlayx.ResolveObjectPath(s.mapping, kind, id)
	if errors.Is(err, overlayx.ErrUnmappedObject) {
		return overlayx.ObjectRecord{}, false, nil
	}
	if err != nil {
		return overlayx.ObjectRecord{}, false, &overlayx.StorageError{Op: "get", Kind: kind, ID: id, Err: err}
	}
	if rev != overlayx.SingleRevision {
		return overlayx.ObjectRecord{}, false, nil
	}
	if err := ctx.Err(); err != nil {
		return overlayx.ObjectRecord{}, false, err
	}

	name := resourceName(p)
	info, err := fs.Stat(s.fsys, name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return overlayx.ObjectRecord{}, false, nil
		}
		return overlayx.ObjectRecord{}, false, &overlayx.StorageError{Op: "get", Kind: kind, ID: id, Err: err}
	}
	if info.IsDir() {
		return overlayx.ObjectRecord{}, false, nil
	}
	return s.record(kind, id, name, info), true, nil
}

func (s *Storage) record(kind overlayx.ObjectKind, id, name string, info fs.FileInfo) overlayx.ObjectRecord {
	var meta overlayx.ObjectMetadata
	// embed.FS reports a zero modification time
	if mt := info.ModTime(); !mt.IsZero() {
		meta = meta.WithDate(mt)
	}
	return overlayx.ObjectRecord{
		Kind:     kind,
		ID:       id,
		Revision: overlayx.SingleRevision,
		Metadata: meta,
		Location: &location{fsys: s.fsys, kind: kind, id: id, name: name},
	}
}

func (s *Storage) GetRevisions(ctx context.Context, kind overlayx.ObjectKind, id string) ([]overlayx.ObjectRecord, error) {
	rec, ok, err := s.GetObject(ctx, kind, id, overlayx.SingleRevision)
	if err != nil || !ok {
		return nil, err
	}
	return []overlayx.ObjectRecord{rec}, nil
}

// GetAllObjects walks only the subtree holding kind.
func (s *Storage) GetAllObjects(ctx context.Context, kind overlayx.ObjectKind, idPrefix string) ([]overlayx.ObjectRecord, error) {
	if err := overlayx.ValidateIDPrefix(kind, idPrefix); err != nil {
		return nil, &overlayx.StorageError{Op: "list", Kind: kind, ID: idPrefix, Err: err}
	}
	prefix, ok := s.mapping.PathPrefix(kind)
	if !ok {
		return nil, nil
	}

	var records []overlayx.ObjectRecord
	walkErr := fs.WalkDir(s.fsys, resourceName(prefix), func(name string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		p, err := overlayx.ParseStoragePath(name)
		if err != nil {
			s.logger.Debug("Skipping non-canonical resource name", zap.String("name", name))
			return nil
		}
		id, match := overlayx.MatchObjectPath(s.mapping, kind, p, idPrefix)
		if !match {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		records = append(records, s.record(kind, id, name, info))
		return nil
	})
	if walkErr != nil {
		return nil, &overlayx.StorageError{Op: "list", Kind: kind, ID: idPrefix, Err: walkErr}
	}

	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

func (s *Storage) AppendObject(_ context.Context, kind overlayx.ObjectKind, id string, _ overlayx.ObjectMetadata, _ io.Reader, _ int64) (overlayx.ObjectRecord, error) {
	return overlayx.ObjectRecord{}, &overlayx.StorageError{Op: "append", Kind: kind, ID: id, Err: overlayx.ErrImmutableStorage}
}

func (s *Storage) DeleteObject(_ context.Context, kind overlayx.ObjectKind, id string) error {
	return &overlayx.StorageError{Op: "delete", Kind: kind, ID: id, Err: overlayx.ErrImmutableStorage}
}

type location struct {
	fsys fs.FS
	kind overlayx.ObjectKind
	id   string
	name string
}

func (l *location) Open(ctx context.Context) (io.ReadCloser, error) {
	return l.OpenSized(ctx)
}

func (l *location) OpenSized(ctx context.Context) (overlayx.SizedReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := l.fsys.Open(l.name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			err = overlayx.ErrNotFound
		}
		return nil, &overlayx.StorageError{Op: "open", Kind: l.kind, ID: l.id, Err: err}
	}
	size := int64(-1)
	if info, err := f.Stat(); err == nil {
		size = info.Size()
	}
	return overlayx.NewSizedReadCloser(f, size), nil
}
