// Package memory provides an always-mutable, revision-keeping object storage
// held in process memory.
package memory

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gostratum/overlayx"
)

// Storage keeps every revision of every object in memory. Revisions of one
// id are numbered 0, 1, 2, ... in append order.
type Storage struct {
	mu      sync.Mutex // guards buckets
	buckets map[overlayx.ObjectKind]*bucket

	clock  func() time.Time
	logger *zap.Logger
}

// bucket holds the objects of one kind. Its lock guards structural changes
// only; revision assignment is serialized per id.
type bucket struct {
	mu      sync.Mutex
	objects map[string]*history
}

type history struct {
	mu        sync.RWMutex
	revisions []revision
	removed   bool
}

type revision struct {
	meta overlayx.ObjectMetadata
	data []byte
}

var _ overlayx.ObjectStorage = (*Storage)(nil)

// Option configures a Storage
type Option func(*Storage)

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

// New creates an empty in-memory storage
func New(opts ...Option) *Storage {
	s := &Storage{
		buckets: make(map[overlayx.ObjectKind]*bucket),
		clock:   time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Storage) IsMutable() bool { return true }

func (s *Storage) bucket(kind overlayx.ObjectKind, create bool) *bucket {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[kind]
	if !ok && create {
		b = &bucket{objects: make(map[string]*history)}
		s.buckets[kind] = b
	}
	return b
}

func (s *Storage) lookup(kind overlayx.ObjectKind, id string) *history {
	b := s.bucket(kind, false)
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.objects[id]
}

func (s *Storage) GetObject(ctx context.Context, kind overlayx.ObjectKind, id string, rev string) (overlayx.ObjectRecord, bool, error) {
	if _, err := overlayx.ParseObjectID(kind, id); err != nil {
		return overlayx.ObjectRecord{}, false, &overlayx.StorageError{Op: "get", Kind: kind, ID: id, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return overlayx.ObjectRecord{}, false, err
	}

	h := s.lookup(kind, id)
	if h == nil {
		return overlayx.ObjectRecord{}, false, nil
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.removed || len(h.revisions) == 0 {
		return overlayx.ObjectRecord{}, false, nil
	}

	index := len(h.revisions) - 1
	if rev != "" {
		n, err := strconv.Atoi(rev)
		if err != nil || n < 0 || n >= len(h.revisions) || strconv.Itoa(n) != rev {
			return overlayx.ObjectRecord{}, false, nil
		}
		index = n
	}
	return record(kind, id, index, h.revisions[index]), true, nil
}

func (s *Storage) GetRevisions(ctx context.Context, kind overlayx.ObjectKind, id string) ([]overlayx.ObjectRecord, error) {
	if _, err := overlayx.ParseObjectID(kind, id); err != nil {
		return nil, &overlayx.StorageError{Op: "revisions", Kind: kind, ID: id, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h := s.lookup(kind, id)
	if h == nil {
		return nil, nil
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.removed {
		return nil, nil
	}
	records := make([]overlayx.ObjectRecord, len(h.revisions))
	for i, r := range h.revisions {
		records[i] = record(kind, id, i, r)
	}
	return records, nil
}

func (s *Storage) GetAllObjects(ctx context.Context, kind overlayx.ObjectKind, idPrefix string) ([]overlayx.ObjectRecord, error) {
	if err := overlayx.ValidateIDPrefix(kind, idPrefix); err != nil {
		return nil, &overlayx.StorageError{Op: "list", Kind: kind, ID: idPrefix, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b := s.bucket(kind, false)
	if b == nil {
		return nil, nil
	}

	b.mu.Lock()
	matches := make(map[string]*history)
	for id, h := range b.objects {
		if strings.HasPrefix(id, idPrefix) {
			matches[id] = h
		}
	}
	b.mu.Unlock()

	records := make([]overlayx.ObjectRecord, 0, len(matches))
	for id, h := range matches {
		h.mu.RLock()
		if !h.removed && len(h.revisions) > 0 {
			last := len(h.revisions) - 1
			records = append(records, record(kind, id, last, h.revisions[last]))
		}
		h.mu.RUnlock()
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
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

	b := s.bucket(kind, true)
	for {
		b.mu.Lock()
		h, ok := b.objects[id]
		if !ok {
			h = &history{}
			b.objects[id] = h
		}
		b.mu.Unlock()

		h.mu.Lock()
		if h.removed {
			// lost a race with DeleteObject; retry with a fresh history
			h.mu.Unlock()
			continue
		}
		index := len(h.revisions)
		r := revision{meta: meta, data: data}
		h.revisions = append(h.revisions, r)
		h.mu.Unlock()

		s.logger.Debug("Revision appended",
			zap.String("kind", string(kind)),
			zap.String("id", id),
			zap.Int("revision", index),
			zap.Int("size", len(data)))
		return record(kind, id, index, r), nil
	}
}

func (s *Storage) DeleteObject(ctx context.Context, kind overlayx.ObjectKind, id string) error {
	if _, err := overlayx.ParseObjectID(kind, id); err != nil {
		return &overlayx.StorageError{Op: "delete", Kind: kind, ID: id, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b := s.bucket(kind, false)
	if b == nil {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.objects[id]
	if !ok {
		return nil
	}
	h.mu.Lock()
	h.removed = true
	h.mu.Unlock()
	delete(b.objects, id)
	return nil
}

func record(kind overlayx.ObjectKind, id string, index int, r revision) overlayx.ObjectRecord {
	return overlayx.ObjectRecord{
		Kind:     kind,
		ID:       id,
		Revision: strconv.Itoa(index),
		Metadata: r.meta,
		Location: overlayx.BytesLocation(r.data),
	}
}

