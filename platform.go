package overlayx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// StorageDescription binds one named storage into the platform stack.
type StorageDescription struct {
	// ID names the storage (the "app")
	ID string

	// Storage is the backend
	Storage ObjectStorage

	// Kinds lists the covered kinds; empty means every kind
	Kinds []ObjectKind

	// createdAs is the storage type for backends the platform created
	// itself. Those are closed when displaced.
	createdAs string
}

// Covers reports whether the storage serves objects of kind.
func (d StorageDescription) Covers(kind ObjectKind) bool {
	return len(d.Kinds) == 0 || slices.Contains(d.Kinds, kind)
}

// within narrows a fallback to the kinds its parent covers. ok is false when
// nothing is left.
func (d StorageDescription) within(parent StorageDescription) (StorageDescription, bool) {
	if len(parent.Kinds) == 0 {
		return d, true
	}
	if len(d.Kinds) == 0 {
		d.Kinds = slices.Clone(parent.Kinds)
		return d, true
	}
	var kinds []ObjectKind
	for _, k := range d.Kinds {
		if parent.Covers(k) {
			kinds = append(kinds, k)
		}
	}
	d.Kinds = kinds
	return d, len(kinds) > 0
}

func (d StorageDescription) validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("%w: storage id cannot be empty", ErrInvalidConfig)
	}
	if d.Storage == nil {
		return fmt.Errorf("%w: storage %q has no backend", ErrInvalidConfig, d.ID)
	}
	for _, k := range d.Kinds {
		if !k.Valid() {
			return fmt.Errorf("%w: storage %q lists unknown kind %q", ErrInvalidConfig, d.ID, k)
		}
	}
	return nil
}

// FindResult is one object found in the stack together with the storage
// (app) that holds it.
type FindResult struct {
	AppID  string
	Record ObjectRecord
}

// StorageStatus summarizes one storage of the stack.
type StorageStatus struct {
	StorageID string
	Mutable   bool
}

// stack is an immutable snapshot of the search order. order[0] has the
// highest priority.
type stack struct {
	order []string
	byID  map[string]StorageDescription
}

func (s *stack) descriptions() []StorageDescription {
	out := make([]StorageDescription, len(s.order))
	for i, id := range s.order {
		out[i] = s.byID[id]
	}
	return out
}

// PlatformStorage resolves logical object identities across a prioritized
// stack of storages. Storages added later take precedence.
//
// Readers work on an immutable snapshot of the stack and never block.
// Reconfiguration builds a new snapshot and swaps it atomically.
type PlatformStorage struct {
	current atomic.Pointer[stack]
	writeMu sync.Mutex
	regMu   sync.Mutex

	logger        *zap.Logger
	instrumenter  *Instrumenter
	clock         func() time.Time
	defaultAuthor string
}

// NewPlatformStorage creates an empty platform storage
func NewPlatformStorage(options ...Option) *PlatformStorage {
	opts := newOptions(options...)
	p := &PlatformStorage{
		logger:        opts.GetLogger(),
		instrumenter:  opts.instrumenter,
		clock:         opts.GetClock(),
		defaultAuthor: opts.defaultAuthor,
	}
	p.current.Store(&stack{byID: map[string]StorageDescription{}})
	return p
}

func (p *PlatformStorage) snapshot() *stack {
	return p.current.Load()
}

// AddStorage places desc at the front of the search order. A storage with
// the same id is replaced; the relative order of the others is unchanged.
// Backends added here stay owned by the caller. A replaced backend that
// Register created is closed.
func (p *PlatformStorage) AddStorage(desc StorageDescription) error {
	if err := desc.validate(); err != nil {
		return err
	}
	desc.Kinds = slices.Clone(desc.Kinds)
	desc.createdAs = ""
	p.release(p.replace(nil, []StorageDescription{desc}))
	return nil
}

// RemoveStorage drops a storage from the search order. It reports whether
// the id was present. A backend that Register created is closed.
func (p *PlatformStorage) RemoveStorage(id string) bool {
	removed := p.replace(func(sid string) bool { return sid == id }, nil)
	p.release(removed)
	return len(removed) > 0
}

// replace publishes one new snapshot without the storages matched by remove
// and with add placed at the front, the last of add first. It returns the
// descriptions that left the stack, replaced ones included.
func (p *PlatformStorage) replace(remove func(id string) bool, add []StorageDescription) []StorageDescription {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	old := p.snapshot()
	added := make(map[string]bool, len(add))
	for _, d := range add {
		added[d.ID] = true
	}

	next := &stack{
		order: make([]string, 0, len(old.order)+len(add)),
		byID:  make(map[string]StorageDescription, len(old.byID)+len(add)),
	}
	for i := len(add) - 1; i >= 0; i-- {
		if _, dup := next.byID[add[i].ID]; dup {
			continue
		}
		next.order = append(next.order, add[i].ID)
		next.byID[add[i].ID] = add[i]
	}

	var displaced []StorageDescription
	for _, id := range old.order {
		desc := old.byID[id]
		if added[id] || (remove != nil && remove(id)) {
			if !stillListed(next, desc.Storage) {
				displaced = append(displaced, desc)
			}
			if !added[id] {
				p.logger.Info("Storage removed", zap.String("storage_id", id))
			}
			continue
		}
		next.order = append(next.order, id)
		next.byID[id] = desc
	}

	p.current.Store(next)
	p.instrumenter.RecordStackSize(len(next.order))

	for _, d := range add {
		_, replaced := old.byID[d.ID]
		p.logger.Info("Storage registered",
			zap.String("storage_id", d.ID),
			zap.Bool("mutable", d.Storage.IsMutable()),
			zap.Bool("replaced", replaced),
			zap.Int("stack_size", len(next.order)))
	}
	return displaced
}

// stillListed reports whether backend is held by another entry of s.
func stillListed(s *stack, backend ObjectStorage) bool {
	if !reflect.TypeOf(backend).Comparable() {
		return false
	}
	for _, d := range s.byID {
		if reflect.TypeOf(d.Storage) == reflect.TypeOf(backend) && d.Storage == backend {
			return true
		}
	}
	return false
}

// release closes the displaced storages the platform created itself.
func (p *PlatformStorage) release(displaced []StorageDescription) {
	for _, d := range displaced {
		if d.createdAs == "" {
			continue
		}
		if closer, ok := d.Storage.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				p.logger.Error("Error closing replaced storage", zap.String("storage_id", d.ID), zap.Error(err))
			}
		}
	}
}

// FindObject returns the effective record for an id: the one held by the
// highest-priority storage covering kind.
func (p *PlatformStorage) FindObject(ctx context.Context, kind ObjectKind, id string) (FindResult, bool, error) {
	if _, err := ParseObjectID(kind, id); err != nil {
		return FindResult{}, false, &StorageError{Op: "find", Kind: kind, ID: id, Err: err}
	}

	var (
		result FindResult
		found  bool
	)
	err := p.instrumenter.TraceOperation(ctx, "find", kind, id, func(ctx context.Context) error {
		for _, desc := range p.snapshot().descriptions() {
			if !desc.Covers(kind) {
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			rec, ok, err := desc.Storage.GetObject(ctx, kind, id, "")
			if err != nil {
				return wrapStorageErr("find", desc.ID, kind, id, err)
			}
			if ok {
				result = FindResult{AppID: desc.ID, Record: rec}
				found = true
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return FindResult{}, false, err
	}

	p.instrumenter.RecordLookup(kind, found)
	p.logger.Debug("Object lookup",
		zap.String("kind", string(kind)),
		zap.String("id", id),
		zap.Bool("found", found),
		zap.String("app_id", result.AppID))
	return result, found, nil
}

// FindAll returns the merged view of every object of kind whose id starts
// with idPrefix. For ids present in several storages the highest-priority
// record wins. Results are sorted by id.
func (p *PlatformStorage) FindAll(ctx context.Context, kind ObjectKind, idPrefix string) ([]FindResult, error) {
	if err := ValidateIDPrefix(kind, idPrefix); err != nil {
		return nil, &StorageError{Op: "find_all", Kind: kind, ID: idPrefix, Err: err}
	}

	merged := make(map[string]FindResult)
	err := p.instrumenter.TraceOperation(ctx, "find_all", kind, idPrefix, func(ctx context.Context) error {
		descs := p.snapshot().descriptions()
		// Lowest priority first so that higher-priority records overwrite.
		for i := len(descs) - 1; i >= 0; i-- {
			desc := descs[i]
			if !desc.Covers(kind) {
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			records, err := desc.Storage.GetAllObjects(ctx, kind, idPrefix)
			if err != nil {
				return wrapStorageErr("find_all", desc.ID, kind, idPrefix, err)
			}
			for _, rec := range records {
				merged[rec.ID] = FindResult{AppID: desc.ID, Record: rec}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	results := make([]FindResult, 0, len(merged))
	for _, r := range merged {
		results = append(results, r)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Record.ID < results[j].Record.ID })

	p.instrumenter.RecordMergeSize(kind, len(results))
	return results, nil
}

// FindOverrides returns every occurrence of an id across the stack, ordered
// from the lowest-priority storage (base layer) to the highest.
func (p *PlatformStorage) FindOverrides(ctx context.Context, kind ObjectKind, id string) ([]FindResult, error) {
	if _, err := ParseObjectID(kind, id); err != nil {
		return nil, &StorageError{Op: "find_overrides", Kind: kind, ID: id, Err: err}
	}

	var chain []FindResult
	err := p.instrumenter.TraceOperation(ctx, "find_overrides", kind, id, func(ctx context.Context) error {
		descs := p.snapshot().descriptions()
		for i := len(descs) - 1; i >= 0; i-- {
			desc := descs[i]
			if !desc.Covers(kind) {
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			rec, ok, err := desc.Storage.GetObject(ctx, kind, id, "")
			if err != nil {
				return wrapStorageErr("find_overrides", desc.ID, kind, id, err)
			}
			if ok {
				chain = append(chain, FindResult{AppID: desc.ID, Record: rec})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	p.instrumenter.RecordOverrideDepth(kind, len(chain))
	return chain, nil
}

// GetStorage returns the backend registered under storageID. An unknown id
// is a configuration error.
func (p *PlatformStorage) GetStorage(storageID string) (ObjectStorage, error) {
	desc, ok := p.snapshot().byID[storageID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStorage, storageID)
	}
	return desc.Storage, nil
}

// GetDescription returns the registration of storageID.
func (p *PlatformStorage) GetDescription(storageID string) (StorageDescription, bool) {
	desc, ok := p.snapshot().byID[storageID]
	return desc, ok
}

// GetDefaultMetadata returns metadata for a new write: the author carried
// by ctx (or the configured default author) stamped with the current time.
func (p *PlatformStorage) GetDefaultMetadata(ctx context.Context) ObjectMetadata {
	author, ok := AuthorFromContext(ctx)
	if !ok {
		author = p.defaultAuthor
	}
	return ObjectMetadata{Author: author}.WithDate(p.clock())
}

// SearchOrder returns the storage ids from highest to lowest priority.
func (p *PlatformStorage) SearchOrder() []string {
	return slices.Clone(p.snapshot().order)
}

// StorageStatuses reports every storage in search order.
func (p *PlatformStorage) StorageStatuses() []StorageStatus {
	descs := p.snapshot().descriptions()
	statuses := make([]StorageStatus, len(descs))
	for i, d := range descs {
		statuses[i] = StorageStatus{StorageID: d.ID, Mutable: d.Storage.IsMutable()}
	}
	return statuses
}

// AppendObject writes a new revision into the named storage. Writes are not
// resolved by priority.
func (p *PlatformStorage) AppendObject(ctx context.Context, storageID string, kind ObjectKind, id string, meta ObjectMetadata, content io.Reader, lengthHint int64) (ObjectRecord, error) {
	desc, ok := p.snapshot().byID[storageID]
	if !ok {
		return ObjectRecord{}, &StorageError{Op: "append", Storage: storageID, Kind: kind, ID: id, Err: ErrUnknownStorage}
	}
	if !desc.Covers(kind) {
		return ObjectRecord{}, &StorageError{Op: "append", Storage: storageID, Kind: kind, ID: id,
			Err: fmt.Errorf("%w: storage does not cover kind %q", ErrInvalidConfig, kind)}
	}

	body := &countingReader{r: content}
	var rec ObjectRecord
	err := p.instrumenter.TraceOperation(ctx, "append", kind, id, func(ctx context.Context) error {
		var err error
		if content == nil {
			rec, err = desc.Storage.AppendObject(ctx, kind, id, meta, nil, lengthHint)
		} else {
			rec, err = desc.Storage.AppendObject(ctx, kind, id, meta, body, lengthHint)
		}
		return err
	})
	if err != nil {
		return ObjectRecord{}, wrapStorageErr("append", storageID, kind, id, err)
	}
	p.instrumenter.RecordOperationSize("append", body.n)

	p.logger.Debug("Object appended",
		zap.String("storage_id", storageID),
		zap.String("kind", string(kind)),
		zap.String("id", id),
		zap.String("revision", rec.Revision))
	return rec, nil
}

// DeleteObject removes an object from the named storage.
func (p *PlatformStorage) DeleteObject(ctx context.Context, storageID string, kind ObjectKind, id string) error {
	desc, ok := p.snapshot().byID[storageID]
	if !ok {
		return &StorageError{Op: "delete", Storage: storageID, Kind: kind, ID: id, Err: ErrUnknownStorage}
	}
	err := p.instrumenter.TraceOperation(ctx, "delete", kind, id, func(ctx context.Context) error {
		return desc.Storage.DeleteObject(ctx, kind, id)
	})
	if err != nil {
		return wrapStorageErr("delete", storageID, kind, id, err)
	}
	return nil
}

// Ping checks every storage that can verify its medium.
func (p *PlatformStorage) Ping(ctx context.Context) error {
	var errs []error
	for _, d := range p.snapshot().descriptions() {
		if hc, ok := d.Storage.(HealthChecker); ok {
			if err := hc.Ping(ctx); err != nil {
				errs = append(errs, fmt.Errorf("storage %q: %w", d.ID, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Close closes every storage implementing io.Closer.
func (p *PlatformStorage) Close() error {
	var errs []error
	for _, d := range p.snapshot().descriptions() {
		if closer, ok := d.Storage.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				p.logger.Error("Error closing storage", zap.String("storage_id", d.ID), zap.Error(err))
				errs = append(errs, fmt.Errorf("storage %q: %w", d.ID, err))
			}
		}
	}
	return errors.Join(errs...)
}

// countingReader counts the bytes a backend consumed from a write
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(b []byte) (int, error) {
	n, err := c.r.Read(b)
	c.n += int64(n)
	return n, err
}

// wrapStorageErr attaches storage context to a backend error without
// double-wrapping.
func wrapStorageErr(op, storageID string, kind ObjectKind, id string, err error) error {
	var se *StorageError
	if errors.As(err, &se) {
		if se.Storage != "" {
			return err
		}
		c := *se
		c.Storage = storageID
		return &c
	}
	return &StorageError{Op: op, Storage: storageID, Kind: kind, ID: id, Err: err}
}

// ValidateIDPrefix checks an id prefix used for listings. A trailing "/"
// is allowed; the empty prefix matches everything.
func ValidateIDPrefix(kind ObjectKind, idPrefix string) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown object kind %q", ErrInvalidConfig, kind)
	}
	if trimmed := strings.TrimSuffix(idPrefix, "/"); trimmed != "" {
		if _, err := ParseStoragePath(trimmed); err != nil {
			return err
		}
	}
	return nil
}
