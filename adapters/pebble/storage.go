// Package pebble provides a persistent, revision-keeping object storage on
// a cockroachdb/pebble key-value store.
package pebble

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"go.uber.org/zap"

	"github.com/gostratum/overlayx"
)

// ErrClosed is returned by operations on a closed Storage
var ErrClosed = errors.New("pebble: storage closed")

// Storage keeps every revision of every object. Revisions of one id are
// numbered 0, 1, 2, ... in append order; deleting an object drops its whole
// history.
type Storage struct {
	// closeMu is held for reading by every operation touching db
	closeMu sync.RWMutex
	db      *pebble.DB
	closed  bool

	compress bool
	locks    *keyedMutex
	clock    func() time.Time
	logger   *zap.Logger
}

var (
	_ overlayx.ObjectStorage = (*Storage)(nil)
	_ overlayx.HealthChecker = (*Storage)(nil)
	_ io.Closer              = (*Storage)(nil)
)

// Option configures a Storage
type Option func(*Storage)

// WithCompression enables zstd compression of stored content (default: on)
func WithCompression(enabled bool) Option {
	return func(s *Storage) {
		s.compress = enabled
	}
}

// WithClock sets the time source used to stamp revisions without a date
func WithClock(clock func() time.Time) Option {
	return func(s *Storage) {
		s.clock = clock
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

// Open opens (or creates) the store in dir on fsys. A nil fsys selects the
// OS file system.
func Open(dir string, fsys vfs.FS, opts ...Option) (*Storage, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: pebble dir is required", overlayx.ErrInvalidConfig)
	}
	if fsys == nil {
		fsys = vfs.Default
	}
	db, err := pebble.Open(dir, &pebble.Options{FS: fsys})
	if err != nil {
		return nil, fmt.Errorf("opening pebble store %q: %w", dir, err)
	}

	s := &Storage{
		db:       db,
		compress: true,
		locks:    newKeyedMutex(),
		clock:    time.Now,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger.Debug("Pebble store opened", zap.String("dir", dir), zap.Bool("compress", s.compress))
	return s, nil
}

// OpenInMemory opens a store that lives in process memory
func OpenInMemory(opts ...Option) (*Storage, error) {
	return Open("overlay", vfs.NewMem(), opts...)
}

func (s *Storage) IsMutable() bool { return true }

// acquire guards a database access against a concurrent Close
func (s *Storage) acquire() (release func(), err error) {
	s.closeMu.RLock()
	if s.closed {
		s.closeMu.RUnlock()
		return nil, ErrClosed
	}
	return s.closeMu.RUnlock, nil
}

// lastRevision returns the newest revision number of id
func (s *Storage) lastRevision(kind overlayx.ObjectKind, id string) (rev uint64, ok bool, err error) {
	lower, upper := idBounds(kind, id)
	iter := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	defer iter.Close()

	if iter.Last() {
		if _, rev, ok = parseKey(kind, iter.Key()); ok {
			return rev, true, nil
		}
	}
	return 0, false, iter.Error()
}

// get reads and decodes one stored entry. A missing key yields ok == false.
func (s *Storage) get(key []byte) (e entry, ok bool, err error) {
	value, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return entry{}, false, nil
	}
	if err != nil {
		return entry{}, false, err
	}
	defer closer.Close()

	e, err = decodeEntry(value)
	if err != nil {
		return entry{}, false, err
	}
	return e, true, nil
}

func (s *Storage) GetObject(ctx context.Context, kind overlayx.ObjectKind, id string, rev string) (overlayx.ObjectRecord, bool, error) {
	if _, err := overlayx.ParseObjectID(kind, id); err != nil {
		return overlayx.ObjectRecord{}, false, &overlayx.StorageError{Op: "get", Kind: kind, ID: id, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return overlayx.ObjectRecord{}, false, err
	}
	release, err := s.acquire()
	if err != nil {
		return overlayx.ObjectRecord{}, false, err
	}
	defer release()

	var n uint64
	if rev == overlayx.SingleRevision {
		last, ok, err := s.lastRevision(kind, id)
		if err != nil {
			return overlayx.ObjectRecord{}, false, &overlayx.StorageError{Op: "get", Kind: kind, ID: id, Err: err}
		}
		if !ok {
			return overlayx.ObjectRecord{}, false, nil
		}
		n = last
	} else {
		parsed, err := strconv.ParseUint(rev, 10, 64)
		if err != nil || strconv.FormatUint(parsed, 10) != rev {
			return overlayx.ObjectRecord{}, false, nil
		}
		n = parsed
	}

	e, ok, err := s.get(revisionKey(kind, id, n))
	if err != nil {
		return overlayx.ObjectRecord{}, false, &overlayx.StorageError{Op: "get", Kind: kind, ID: id, Err: err}
	}
	if !ok {
		return overlayx.ObjectRecord{}, false, nil
	}
	return s.record(kind, id, n, e), true, nil
}

func (s *Storage) record(kind overlayx.ObjectKind, id string, rev uint64, e entry) overlayx.ObjectRecord {
	return overlayx.ObjectRecord{
		Kind:     kind,
		ID:       id,
		Revision: strconv.FormatUint(rev, 10),
		Metadata: e.metadata(),
		Location: &location{storage: s, kind: kind, id: id, key: revisionKey(kind, id, rev)},
	}
}

func (s *Storage) GetRevisions(ctx context.Context, kind overlayx.ObjectKind, id string) ([]overlayx.ObjectRecord, error) {
	if _, err := overlayx.ParseObjectID(kind, id); err != nil {
		return nil, &overlayx.StorageError{Op: "revisions", Kind: kind, ID: id, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	release, err := s.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	lower, upper := idBounds(kind, id)
	iter := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	defer iter.Close()

	var records []overlayx.ObjectRecord
	for iter.First(); iter.Valid(); iter.Next() {
		_, rev, ok := parseKey(kind, iter.Key())
		if !ok {
			continue
		}
		e, err := decodeEntry(iter.Value())
		if err != nil {
			return nil, &overlayx.StorageError{Op: "revisions", Kind: kind, ID: id, Err: err}
		}
		records = append(records, s.record(kind, id, rev, e))
	}
	if err := iter.Error(); err != nil {
		return nil, &overlayx.StorageError{Op: "revisions", Kind: kind, ID: id, Err: err}
	}
	return records, nil
}

// GetAllObjects scans the kind's key range once; keys arrive sorted by id
// and then revision, so the last key seen for an id is its latest revision.
func (s *Storage) GetAllObjects(ctx context.Context, kind overlayx.ObjectKind, idPrefix string) ([]overlayx.ObjectRecord, error) {
	if err := overlayx.ValidateIDPrefix(kind, idPrefix); err != nil {
		return nil, &overlayx.StorageError{Op: "list", Kind: kind, ID: idPrefix, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	release, err := s.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	lower, upper := kindBounds(kind, idPrefix)
	iter := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	defer iter.Close()

	var (
		records []overlayx.ObjectRecord
		pending []byte
		pendID  string
		pendRev uint64
	)
	flush := func() error {
		if pending == nil {
			return nil
		}
		e, err := decodeEntry(pending)
		if err != nil {
			return err
		}
		records = append(records, s.record(kind, pendID, pendRev, e))
		pending = nil
		return nil
	}

	for iter.First(); iter.Valid(); iter.Next() {
		id, rev, ok := parseKey(kind, iter.Key())
		if !ok {
			continue
		}
		if !strings.HasPrefix(id, idPrefix) {
			break
		}
		if pending != nil && id != pendID {
			if err := flush(); err != nil {
				return nil, &overlayx.StorageError{Op: "list", Kind: kind, ID: pendID, Err: err}
			}
		}
		pending = append(pending[:0:0], iter.Value()...)
		pendID, pendRev = id, rev
	}
	if err := iter.Error(); err != nil {
		return nil, &overlayx.StorageError{Op: "list", Kind: kind, ID: idPrefix, Err: err}
	}
	if err := flush(); err != nil {
		return nil, &overlayx.StorageError{Op: "list", Kind: kind, ID: pendID, Err: err}
	}
	return records, nil
}

func (s *Storage) AppendObject(ctx context.Context, kind overlayx.ObjectKind, id string, meta overlayx.ObjectMetadata, content io.Reader, lengthHint int64) (overlayx.ObjectRecord, error) {
	if _, err := overlayx.ParseObjectID(kind, id); err != nil {
		return overlayx.ObjectRecord{}, &overlayx.StorageError{Op: "append", Kind: kind, ID: id, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return overlayx.ObjectRecord{}, err
	}

	data, err := overlayx.ReadContent(content, lengthHint)
	if err != nil {
		return overlayx.ObjectRecord{}, &overlayx.StorageError{Op: "append", Kind: kind, ID: id, Err: fmt.Errorf("reading content: %w", err)}
	}
	if !meta.HasCreationDate() {
		meta = meta.WithDate(s.clock())
	}
	e := newEntry(meta, data, s.compress)
	value, err := encodeEntry(e)
	if err != nil {
		return overlayx.ObjectRecord{}, &overlayx.StorageError{Op: "append", Kind: kind, ID: id, Err: err}
	}

	release, err := s.acquire()
	if err != nil {
		return overlayx.ObjectRecord{}, err
	}
	defer release()

	unlock := s.locks.lock(string(idKeyPrefix(kind, id)))
	defer unlock()

	var rev uint64
	last, ok, err := s.lastRevision(kind, id)
	if err != nil {
		return overlayx.ObjectRecord{}, &overlayx.StorageError{Op: "append", Kind: kind, ID: id, Err: err}
	}
	if ok {
		rev = last + 1
	}
	if err := s.db.Set(revisionKey(kind, id, rev), value, pebble.Sync); err != nil {
		return overlayx.ObjectRecord{}, &overlayx.StorageError{Op: "append", Kind: kind, ID: id, Err: err}
	}

	s.logger.Debug("Revision appended",
		zap.String("kind", string(kind)),
		zap.String("id", id),
		zap.Uint64("revision", rev),
		zap.Int64("size", e.Size),
		zap.Int("stored", len(e.Payload)))
	return s.record(kind, id, rev, e), nil
}

func (s *Storage) DeleteObject(ctx context.Context, kind overlayx.ObjectKind, id string) error {
	if _, err := overlayx.ParseObjectID(kind, id); err != nil {
		return &overlayx.StorageError{Op: "delete", Kind: kind, ID: id, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	release, err := s.acquire()
	if err != nil {
		return err
	}
	defer release()

	unlock := s.locks.lock(string(idKeyPrefix(kind, id)))
	defer unlock()

	lower, upper := idBounds(kind, id)
	if err := s.db.DeleteRange(lower, upper, pebble.Sync); err != nil {
		return &overlayx.StorageError{Op: "delete", Kind: kind, ID: id, Err: err}
	}
	return nil
}

// Ping verifies that the store is open and readable
func (s *Storage) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	release, err := s.acquire()
	if err != nil {
		return err
	}
	defer release()

	_, closer, err := s.db.Get([]byte{keySep})
	if err == nil {
		return closer.Close()
	}
	if errors.Is(err, pebble.ErrNotFound) {
		return nil
	}
	return err
}

// Close flushes and closes the store. Records obtained earlier can no longer
// be opened.
func (s *Storage) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// location reads one revision of a Storage on every call.
type location struct {
	storage *Storage
	kind    overlayx.ObjectKind
	id      string
	key     []byte
}

func (l *location) Open(ctx context.Context) (io.ReadCloser, error) {
	return l.OpenSized(ctx)
}

func (l *location) OpenSized(ctx context.Context) (overlayx.SizedReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	release, err := l.storage.acquire()
	if err != nil {
		return nil, &overlayx.StorageError{Op: "open", Kind: l.kind, ID: l.id, Err: err}
	}
	e, ok, err := l.storage.get(l.key)
	release()
	if err != nil {
		return nil, &overlayx.StorageError{Op: "open", Kind: l.kind, ID: l.id, Err: err}
	}
	if !ok {
		return nil, &overlayx.StorageError{Op: "open", Kind: l.kind, ID: l.id, Err: overlayx.ErrNotFound}
	}

	data, err := e.content()
	if err != nil {
		return nil, &overlayx.StorageError{Op: "open", Kind: l.kind, ID: l.id, Err: err}
	}
	return overlayx.NewSizedReadCloser(io.NopCloser(bytes.NewReader(data)), int64(len(data))), nil
}

// keyedMutex serializes work per key. Entries are dropped once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
