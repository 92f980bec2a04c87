// Package s3 provides a single-revision object storage over an S3 bucket.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/gostratum/overlayx"
)

// authorMetaKey is the user metadata entry holding ObjectMetadata.Author
const authorMetaKey = "author"

// Storage keeps exactly one revision of each object under
// <key prefix>/<mapped path> in a bucket.
type Storage struct {
	client  *s3.Client
	bucket  string
	prefix  overlayx.StoragePath
	mapping overlayx.PathMapping
	mutable bool
	logger  *zap.Logger
}

var (
	_ overlayx.ObjectStorage = (*Storage)(nil)
	_ overlayx.HealthChecker = (*Storage)(nil)
)

// Option configures a Storage
type Option func(*Storage)

// WithKeyPrefix stores every object below prefix
func WithKeyPrefix(prefix overlayx.StoragePath) Option {
	return func(s *Storage) {
		s.prefix = prefix
	}
}

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

// New creates a storage over bucket using client.
func New(client *s3.Client, bucket string, opts ...Option) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: no s3 client", overlayx.ErrInvalidConfig)
	}
	if bucket == "" {
		return nil, fmt.Errorf("%w: bucket is required", overlayx.ErrInvalidConfig)
	}
	s := &Storage{
		client:  client,
		bucket:  bucket,
		mapping: overlayx.DefaultMapping{},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewFromConfig connects to the bucket described by cfg.
func NewFromConfig(ctx context.Context, cfg *Config, logger *zap.Logger, opts ...Option) (*Storage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	prefix, err := overlayx.ParseStoragePath(strings.Trim(cfg.KeyPrefix, "/"))
	if err != nil {
		return nil, fmt.Errorf("%w: key_prefix: %v", overlayx.ErrInvalidConfig, err)
	}

	cm, err := NewClientManager(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	base := []Option{WithKeyPrefix(prefix), WithMutable(cfg.Mutable), WithLogger(logger)}
	return New(cm.GetS3Client(), cfg.Bucket, append(base, opts...)...)
}

func (s *Storage) IsMutable() bool { return s.mutable }

// Bucket returns the bucket name
func (s *Storage) Bucket() string { return s.bucket }

// resolve maps an id to an object key. ok is false when the mapping does not
// cover the id.
func (s *Storage) resolve(op string, kind overlayx.ObjectKind, id string) (key string, ok bool, err error) {
	p, err := overlayx.ResolveObjectPath(s.mapping, kind, id)
	if errors.Is(err, overlayx.ErrUnmappedObject) {
		return "", false, nil
	}
	if err != nil {
		return "", false, &overlayx.StorageError{Op: op, Kind: kind, ID: id, Err: err}
	}
	return s.prefix.Join(p).String(), true, nil
}

func (s *Storage) GetObject(ctx context.Context, kind overlayx.ObjectKind, id string, rev string) (overlayx.ObjectRecord, bool, error) {
	key, ok, err := s.resolve("get", kind, id)
	if err != nil || !ok {
		return overlayx.ObjectRecord{}, false, err
	}
	if rev != overlayx.SingleRevision {
		return overlayx.ObjectRecord{}, false, nil
	}

	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		mapped := MapS3Error(err, "get", kind, id)
		if overlayx.IsNotFound(mapped) {
			return overlayx.ObjectRecord{}, false, nil
		}
		return overlayx.ObjectRecord{}, false, mapped
	}

	var meta overlayx.ObjectMetadata
	if out.LastModified != nil {
		meta = meta.WithDate(*out.LastModified)
	}
	meta.Author = out.Metadata[authorMetaKey]
	return s.record(kind, id, key, meta), true, nil
}

func (s *Storage) record(kind overlayx.ObjectKind, id, key string, meta overlayx.ObjectMetadata) overlayx.ObjectRecord {
	return overlayx.ObjectRecord{
		Kind:     kind,
		ID:       id,
		Revision: overlayx.SingleRevision,
		Metadata: meta,
		Location: &location{storage: s, kind: kind, id: id, key: key},
	}
}

func (s *Storage) GetRevisions(ctx context.Context, kind overlayx.ObjectKind, id string) ([]overlayx.ObjectRecord, error) {
	rec, ok, err := s.GetObject(ctx, kind, id, overlayx.SingleRevision)
	if err != nil || !ok {
		return nil, err
	}
	return []overlayx.ObjectRecord{rec}, nil
}

// GetAllObjects lists the keys below the kind prefix. Listed records carry
// the modification date but no author; S3 listings omit user metadata.
func (s *Storage) GetAllObjects(ctx context.Context, kind overlayx.ObjectKind, idPrefix string) ([]overlayx.ObjectRecord, error) {
	if err := overlayx.ValidateIDPrefix(kind, idPrefix); err != nil {
		return nil, &overlayx.StorageError{Op: "list", Kind: kind, ID: idPrefix, Err: err}
	}
	pathPrefix, ok := s.mapping.PathPrefix(kind)
	if !ok {
		return nil, nil
	}

	input := &s3.ListObjectsV2Input{Bucket: aws.String(s.bucket)}
	if listPrefix := s.prefix.Join(pathPrefix); !listPrefix.IsRoot() {
		input.Prefix = aws.String(listPrefix.String() + "/")
	}

	var records []overlayx.ObjectRecord
	paginator := s3.NewListObjectsV2Paginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, MapS3Error(err, "list", kind, idPrefix)
		}

		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			p, err := overlayx.ParseStoragePath(key)
			if err != nil {
				s.logger.Debug("Skipping non-canonical key", zap.String("key", key))
				continue
			}
			rel, ok := p.TrimPrefix(s.prefix)
			if !ok {
				continue
			}
			id, match := overlayx.MatchObjectPath(s.mapping, kind, rel, idPrefix)
			if !match {
				continue
			}

			var meta overlayx.ObjectMetadata
			if obj.LastModified != nil {
				meta = meta.WithDate(*obj.LastModified)
			}
			records = append(records, s.record(kind, id, key, meta))
		}
	}

	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

// AppendObject buffers content before the upload; a PutObject body must be
// seekable to be signed over plain HTTP.
func (s *Storage) AppendObject(ctx context.Context, kind overlayx.ObjectKind, id string, meta overlayx.ObjectMetadata, content io.Reader, lengthHint int64) (overlayx.ObjectRecord, error) {
	if !s.mutable {
		return overlayx.ObjectRecord{}, &overlayx.StorageError{Op: "append", Kind: kind, ID: id, Err: overlayx.ErrImmutableStorage}
	}
	key, ok, err := s.resolve("append", kind, id)
	if err != nil {
		return overlayx.ObjectRecord{}, err
	}
	if !ok {
		return overlayx.ObjectRecord{}, &overlayx.StorageError{Op: "append", Kind: kind, ID: id, Err: overlayx.ErrUnmappedObject}
	}

	data, err := overlayx.ReadContent(content, lengthHint)
	if err != nil {
		return overlayx.ObjectRecord{}, &overlayx.StorageError{Op: "append", Kind: kind, ID: id, Err: err}
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if meta.HasAuthor() {
		input.Metadata = map[string]string{authorMetaKey: meta.Author}
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return overlayx.ObjectRecord{}, MapS3Error(err, "append", kind, id)
	}

	s.logger.Debug("Object uploaded",
		zap.String("bucket", s.bucket),
		zap.String("key", key),
		zap.Int("size", len(data)))

	rec, found, err := s.GetObject(ctx, kind, id, overlayx.SingleRevision)
	if err != nil {
		return overlayx.ObjectRecord{}, err
	}
	if !found {
		return overlayx.ObjectRecord{}, &overlayx.StorageError{Op: "append", Kind: kind, ID: id, Err: overlayx.ErrNotFound}
	}
	return rec, nil
}

// DeleteObject removes the key. S3 reports success for absent keys.
func (s *Storage) DeleteObject(ctx context.Context, kind overlayx.ObjectKind, id string) error {
	if !s.mutable {
		return &overlayx.StorageError{Op: "delete", Kind: kind, ID: id, Err: overlayx.ErrImmutableStorage}
	}
	key, ok, err := s.resolve("delete", kind, id)
	if err != nil || !ok {
		return err
	}

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		mapped := MapS3Error(err, "delete", kind, id)
		if overlayx.IsNotFound(mapped) {
			return nil
		}
		return mapped
	}
	return nil
}

// location downloads one object of a Storage on every call.
type location struct {
	storage *Storage
	kind    overlayx.ObjectKind
	id      string
	key     string
}

func (l *location) Open(ctx context.Context) (io.ReadCloser, error) {
	return l.OpenSized(ctx)
}

func (l *location) OpenSized(ctx context.Context) (overlayx.SizedReadCloser, error) {
	out, err := l.storage.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(l.storage.bucket),
		Key:    aws.String(l.key),
	})
	if err != nil {
		return nil, MapS3Error(err, "open", l.kind, l.id)
	}
	size := int64(-1)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return overlayx.NewSizedReadCloser(out.Body, size), nil
}
