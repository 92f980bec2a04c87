// Package file provides a single-revision object storage over a directory
// tree.
package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/gostratum/overlayx"
)

// tempPrefix marks in-flight writes; such files are never listed
const tempPrefix = ".overlay-tmp-"

// errLinked marks names that pass through a symbolic link below the root
var errLinked = fmt.Errorf("%w: symbolic link below the storage root", overlayx.ErrNonCanonicalPath)

// Storage keeps exactly one revision of each object as a file below its
// root. Concurrent writers to the same id race; the last rename wins.
type Storage struct {
	fs      afero.Fs
	root    string
	mapping overlayx.PathMapping
	mutable bool
	logger  *zap.Logger
}

var (
	_ overlayx.ObjectStorage = (*Storage)(nil)
	_ overlayx.HealthChecker = (*Storage)(nil)
	_ overlayx.Rooted        = (*Storage)(nil)
)

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

// WithMutable allows or forbids writes (default: forbidden)
func WithMutable(mutable bool) Option {
	return func(s *Storage) {
		s.mutable = mutable
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

// New creates a storage rooted at root on fsys. The root must exist.
func New(fsys afero.Fs, root string, opts ...Option) (*Storage, error) {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	root = filepath.Clean(root)
	info, err := fsys.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("%w: storage root %q: %v", overlayx.ErrInvalidConfig, root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: storage root %q is not a directory", overlayx.ErrInvalidConfig, root)
	}

	s := &Storage{
		fs:      afero.NewBasePathFs(fsys, root),
		root:    root,
		mapping: overlayx.DefaultMapping{},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Root returns the directory the storage is rooted at
func (s *Storage) Root() string { return s.root }

func (s *Storage) IsMutable() bool { return s.mutable }

// resolve maps an id to a file name relative to the root. ok is false when
// the mapping does not cover the id.
func (s *Storage) resolve(op string, kind overlayx.ObjectKind, id string) (name string, ok bool, err error) {
	p, err := overlayx.ResolveObjectPath(s.mapping, kind, id)
	if errors.Is(err, overlayx.ErrUnmappedObject) {
		return "", false, nil
	}
	if err != nil {
		return "", false, &overlayx.StorageError{Op: op, Kind: kind, ID: id, Err: err}
	}
	name = fsName(p)
	if err := s.checkLinks(name); err != nil {
		return "", false, &overlayx.StorageError{Op: op, Kind: kind, ID: id, Err: err}
	}
	return name, true, nil
}

// checkLinks refuses names that pass through a symbolic link below the
// root. BasePathFs only confines names lexically.
func (s *Storage) checkLinks(name string) error {
	lstater, ok := s.fs.(afero.Lstater)
	if !ok || name == "." {
		return nil
	}
	cur := ""
	for _, part := range strings.Split(name, string(filepath.Separator)) {
		cur = filepath.Join(cur, part)
		info, lstatCalled, err := lstater.LstatIfPossible(cur)
		if err != nil {
			if isNotExist(err) {
				return nil
			}
			return err
		}
		if lstatCalled && info.Mode()&fs.ModeSymlink != 0 {
			return fmt.Errorf("%w: %q", errLinked, filepath.ToSlash(cur))
		}
	}
	return nil
}

func fsName(p overlayx.StoragePath) string {
	if p.IsRoot() {
		return "."
	}
	return filepath.FromSlash(p.String())
}

func (s *Storage) GetObject(ctx context.Context, kind overlayx.ObjectKind, id string, rev string) (overlayx.ObjectRecord, bool, error) {
	name, ok, err := s.resolve("get", kind, id)
	if errors.Is(err, errLinked) {
		// hidden, as in listings
		s.logger.Debug("Skipping object behind symbolic link", zap.String("id", id), zap.Error(err))
		return overlayx.ObjectRecord{}, false, nil
	}
	if err != nil || !ok {
		return overlayx.ObjectRecord{}, false, err
	}
	if rev != overlayx.SingleRevision {
		return overlayx.ObjectRecord{}, false, nil
	}
	if err := ctx.Err(); err != nil {
		return overlayx.ObjectRecord{}, false, err
	}

	info, err := s.fs.Stat(name)
	if err != nil {
		if isNotExist(err) {
			return overlayx.ObjectRecord{}, false, nil
		}
		return overlayx.ObjectRecord{}, false, &overlayx.StorageError{Op: "get", Kind: kind, ID: id, Err: err}
	}
	if !info.Mode().IsRegular() {
		return overlayx.ObjectRecord{}, false, nil
	}
	return s.record(kind, id, name, info), true, nil
}

func (s *Storage) record(kind overlayx.ObjectKind, id, name string, info fs.FileInfo) overlayx.ObjectRecord {
	return overlayx.ObjectRecord{
		Kind:     kind,
		ID:       id,
		Revision: overlayx.SingleRevision,
		Metadata: overlayx.ObjectMetadata{}.WithDate(info.ModTime()),
		Location: &location{storage: s, kind: kind, id: id, name: name},
	}
}

func (s *Storage) GetRevisions(ctx context.Context, kind overlayx.ObjectKind, id string) ([]overlayx.ObjectRecord, error) {
	rec, ok, err := s.GetObject(ctx, kind, id, overlayx.SingleRevision)
	if err != nil || !ok {
		return nil, err
	}
	return []overlayx.ObjectRecord{rec}, nil
}

func (s *Storage) GetAllObjects(ctx context.Context, kind overlayx.ObjectKind, idPrefix string) ([]overlayx.ObjectRecord, error) {
	if err := overlayx.ValidateIDPrefix(kind, idPrefix); err != nil {
		return nil, &overlayx.StorageError{Op: "list", Kind: kind, ID: idPrefix, Err: err}
	}
	prefix, ok := s.mapping.PathPrefix(kind)
	if !ok {
		return nil, nil
	}

	if err := s.checkLinks(fsName(prefix)); err != nil {
		s.logger.Debug("Skipping kind folder behind symbolic link", zap.String("kind", string(kind)), zap.Error(err))
		return nil, nil
	}

	var records []overlayx.ObjectRecord
	walkErr := afero.Walk(s.fs, fsName(prefix), func(name string, info fs.FileInfo, err error) error {
		if err != nil {
			if isNotExist(err) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !info.Mode().IsRegular() || strings.HasPrefix(info.Name(), tempPrefix) {
			return nil
		}

		p, perr := overlayx.ParseStoragePath(strings.TrimPrefix(filepath.ToSlash(name), "/"))
		if perr != nil {
			s.logger.Debug("Skipping non-canonical file name", zap.String("name", name))
			return nil
		}
		id, match := overlayx.MatchObjectPath(s.mapping, kind, p, idPrefix)
		if !match {
			return nil
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

func (s *Storage) AppendObject(ctx context.Context, kind overlayx.ObjectKind, id string, meta overlayx.ObjectMetadata, content io.Reader, lengthHint int64) (overlayx.ObjectRecord, error) {
	if !s.mutable {
		return overlayx.ObjectRecord{}, &overlayx.StorageError{Op: "append", Kind: kind, ID: id, Err: overlayx.ErrImmutableStorage}
	}
	name, ok, err := s.resolve("append", kind, id)
	if err != nil {
		return overlayx.ObjectRecord{}, err
	}
	if !ok {
		return overlayx.ObjectRecord{}, &overlayx.StorageError{Op: "append", Kind: kind, ID: id, Err: overlayx.ErrUnmappedObject}
	}
	if err := ctx.Err(); err != nil {
		return overlayx.ObjectRecord{}, err
	}

	if err := s.writeFile(name, content); err != nil {
		return overlayx.ObjectRecord{}, &overlayx.StorageError{Op: "append", Kind: kind, ID: id, Err: err}
	}

	info, err := s.fs.Stat(name)
	if err != nil {
		return overlayx.ObjectRecord{}, &overlayx.StorageError{Op: "append", Kind: kind, ID: id, Err: err}
	}

	s.logger.Debug("Object written",
		zap.String("kind", string(kind)),
		zap.String("id", id),
		zap.Int64("size", info.Size()),
		zap.Int64("length_hint", lengthHint),
		zap.Bool("has_author", meta.HasAuthor()))

	return s.record(kind, id, name, info), nil
}

// writeFile replaces name with content through a temporary sibling and a
// rename, creating parent directories as needed.
func (s *Storage) writeFile(name string, content io.Reader) error {
	dir := filepath.Dir(name)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	tmp := filepath.Join(dir, tempPrefix+uuid.NewString())
	f, err := s.fs.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	if content != nil {
		if _, err := io.Copy(f, content); err != nil {
			_ = f.Close()
			_ = s.fs.Remove(tmp)
			return fmt.Errorf("writing content: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := s.fs.Rename(tmp, name); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("replacing file: %w", err)
	}
	return nil
}

func (s *Storage) DeleteObject(ctx context.Context, kind overlayx.ObjectKind, id string) error {
	if !s.mutable {
		return &overlayx.StorageError{Op: "delete", Kind: kind, ID: id, Err: overlayx.ErrImmutableStorage}
	}
	name, ok, err := s.resolve("delete", kind, id)
	if err != nil || !ok {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := s.fs.Remove(name); err != nil && !isNotExist(err) {
		return &overlayx.StorageError{Op: "delete", Kind: kind, ID: id, Err: err}
	}
	return nil
}

// Ping verifies that the root directory is still present
func (s *Storage) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := s.fs.Stat(".")
	if err != nil {
		return fmt.Errorf("stat root %q: %w", s.root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("root %q is not a directory", s.root)
	}
	return nil
}

// location opens one file of a Storage. The file is reopened on every call.
type location struct {
	storage *Storage
	kind    overlayx.ObjectKind
	id      string
	name    string
}

func (l *location) Open(ctx context.Context) (io.ReadCloser, error) {
	return l.OpenSized(ctx)
}

func (l *location) OpenSized(ctx context.Context) (overlayx.SizedReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := l.storage.checkLinks(l.name); err != nil {
		return nil, &overlayx.StorageError{Op: "open", Kind: l.kind, ID: l.id, Err: err}
	}
	f, err := l.storage.fs.Open(l.name)
	if err != nil {
		if isNotExist(err) {
			// removed since it was found
			return nil, &overlayx.StorageError{Op: "open", Kind: l.kind, ID: l.id, Err: overlayx.ErrNotFound}
		}
		return nil, &overlayx.StorageError{Op: "open", Kind: l.kind, ID: l.id, Err: err}
	}
	size := int64(-1)
	if info, err := f.Stat(); err == nil {
		size = info.Size()
	}
	return overlayx.NewSizedReadCloser(f, size), nil
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || os.IsNotExist(err)
}
