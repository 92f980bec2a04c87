package overlayx_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/gostratum/overlayx"
	"github.com/gostratum/overlayx/adapters/memory"
	"github.com/gostratum/overlayx/internal/testutil"
)

// stubStorage wraps a memory storage to inject failures and observe Close
type stubStorage struct {
	*memory.Storage
	readOnly bool
	failGet  error
	pingErr  error
	closed   int
}

func (s *stubStorage) IsMutable() bool { return !s.readOnly }

func (s *stubStorage) GetObject(ctx context.Context, kind overlayx.ObjectKind, id string, rev string) (overlayx.ObjectRecord, bool, error) {
	if s.failGet != nil {
		return overlayx.ObjectRecord{}, false, s.failGet
	}
	return s.Storage.GetObject(ctx, kind, id, rev)
}

func (s *stubStorage) Ping(ctx context.Context) error { return s.pingErr }

func (s *stubStorage) Close() error {
	s.closed++
	return nil
}

func newMemory(t *testing.T, seeds ...testutil.Seed) *memory.Storage {
	t.Helper()
	s := memory.New()
	testutil.SeedByAppend(t, s, seeds)
	return s
}

// newLayered builds the two-layer stack: "base" below "override".
func newLayered(t *testing.T) *overlayx.PlatformStorage {
	t.Helper()
	base := newMemory(t,
		testutil.Seed{Kind: overlayx.KindTemplate, ID: "header.hbs", Content: "base header"},
		testutil.Seed{Kind: overlayx.KindTemplate, ID: "footer.hbs", Content: "base footer"},
		testutil.Seed{Kind: overlayx.KindConfig, ID: "app.json", Content: `{"layer":"base"}`},
	)
	override := newMemory(t,
		testutil.Seed{Kind: overlayx.KindTemplate, ID: "header.hbs", Content: "override header"},
		testutil.Seed{Kind: overlayx.KindTemplate, ID: "mail/welcome.hbs", Content: "welcome"},
	)

	p := overlayx.NewPlatformStorage()
	require.NoError(t, p.AddStorage(overlayx.StorageDescription{ID: "base", Storage: base}))
	require.NoError(t, p.AddStorage(overlayx.StorageDescription{ID: "override", Storage: override}))
	return p
}

func TestPlatformStorage_FindObjectPrefersLatestStorage(t *testing.T) {
	ctx := context.Background()
	p := newLayered(t)

	res, ok, err := p.FindObject(ctx, overlayx.KindTemplate, "header.hbs")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "override", res.AppID)
	assert.Equal(t, "override header", testutil.ReadString(t, res.Record))

	res, ok, err = p.FindObject(ctx, overlayx.KindTemplate, "footer.hbs")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "base", res.AppID)
	assert.Equal(t, "base footer", testutil.ReadString(t, res.Record))

	_, ok, err = p.FindObject(ctx, overlayx.KindTemplate, "missing.hbs")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPlatformStorage_FindAllMergesLayers(t *testing.T) {
	ctx := context.Background()
	p := newLayered(t)

	results, err := p.FindAll(ctx, overlayx.KindTemplate, "")
	require.NoError(t, err)

	var got []string
	for _, r := range results {
		got = append(got, fmt.Sprintf("%s@%s=%s", r.Record.ID, r.AppID, testutil.ReadString(t, r.Record)))
	}
	assert.Equal(t, []string{
		"footer.hbs@base=base footer",
		"header.hbs@override=override header",
		"mail/welcome.hbs@override=welcome",
	}, got)

	results, err = p.FindAll(ctx, overlayx.KindTemplate, "mail/")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "mail/welcome.hbs", results[0].Record.ID)

	results, err = p.FindAll(ctx, overlayx.KindAsset, "")
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestPlatformStorage_FindOverridesFromBaseUp(t *testing.T) {
	ctx := context.Background()
	p := newLayered(t)

	chain, err := p.FindOverrides(ctx, overlayx.KindTemplate, "header.hbs")
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, "base", chain[0].AppID)
	assert.Equal(t, "base header", testutil.ReadString(t, chain[0].Record))
	assert.Equal(t, "override", chain[1].AppID)

	chain, err = p.FindOverrides(ctx, overlayx.KindConfig, "app.json")
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, "base", chain[0].AppID)

	chain, err = p.FindOverrides(ctx, overlayx.KindConfig, "nothing.json")
	require.NoError(t, err)
	assert.Empty(t, chain)
}

func TestPlatformStorage_AddStorage(t *testing.T) {
	p := overlayx.NewPlatformStorage()
	a, b, c := memory.New(), memory.New(), memory.New()

	require.NoError(t, p.AddStorage(overlayx.StorageDescription{ID: "a", Storage: a}))
	require.NoError(t, p.AddStorage(overlayx.StorageDescription{ID: "b", Storage: b}))
	require.NoError(t, p.AddStorage(overlayx.StorageDescription{ID: "c", Storage: c}))
	assert.Equal(t, []string{"c", "b", "a"}, p.SearchOrder())

	// re-adding moves the id to the front and replaces the backend
	replacement := memory.New()
	require.NoError(t, p.AddStorage(overlayx.StorageDescription{ID: "a", Storage: replacement}))
	assert.Equal(t, []string{"a", "c", "b"}, p.SearchOrder())
	got, err := p.GetStorage("a")
	require.NoError(t, err)
	assert.Same(t, replacement, got)

	tests := []struct {
		name string
		desc overlayx.StorageDescription
	}{
		{"empty id", overlayx.StorageDescription{ID: " ", Storage: a}},
		{"nil storage", overlayx.StorageDescription{ID: "x"}},
		{"unknown kind", overlayx.StorageDescription{ID: "x", Storage: a, Kinds: []overlayx.ObjectKind{"widgets"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.AddStorage(tt.desc)
			assert.ErrorIs(t, err, overlayx.ErrInvalidConfig)
		})
	}
	assert.Equal(t, []string{"a", "c", "b"}, p.SearchOrder())
}

func TestPlatformStorage_RemoveStorage(t *testing.T) {
	ctx := context.Background()
	p := newLayered(t)

	assert.True(t, p.RemoveStorage("override"))
	assert.False(t, p.RemoveStorage("override"))
	assert.Equal(t, []string{"base"}, p.SearchOrder())

	res, ok, err := p.FindObject(ctx, overlayx.KindTemplate, "header.hbs")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "base", res.AppID)

	_, err = p.GetStorage("override")
	assert.ErrorIs(t, err, overlayx.ErrUnknownStorage)
}

func TestPlatformStorage_KindCoverage(t *testing.T) {
	ctx := context.Background()
	all := newMemory(t, testutil.Seed{Kind: overlayx.KindConfig, ID: "app.json", Content: "all"})
	templatesOnly := newMemory(t, testutil.Seed{Kind: overlayx.KindConfig, ID: "app.json", Content: "ignored"})

	p := overlayx.NewPlatformStorage()
	require.NoError(t, p.AddStorage(overlayx.StorageDescription{ID: "all", Storage: all}))
	require.NoError(t, p.AddStorage(overlayx.StorageDescription{
		ID: "templates", Storage: templatesOnly, Kinds: []overlayx.ObjectKind{overlayx.KindTemplate},
	}))

	res, ok, err := p.FindObject(ctx, overlayx.KindConfig, "app.json")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "all", res.AppID)

	chain, err := p.FindOverrides(ctx, overlayx.KindConfig, "app.json")
	require.NoError(t, err)
	assert.Len(t, chain, 1)

	desc, ok := p.GetDescription("templates")
	require.True(t, ok)
	assert.True(t, desc.Covers(overlayx.KindTemplate))
	assert.False(t, desc.Covers(overlayx.KindConfig))

	_, err = p.AppendObject(ctx, "templates", overlayx.KindConfig, "app.json", overlayx.ObjectMetadata{}, strings.NewReader("x"), 1)
	assert.ErrorIs(t, err, overlayx.ErrInvalidConfig)
}

func TestPlatformStorage_GetDefaultMetadata(t *testing.T) {
	now := time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC)
	p := overlayx.NewPlatformStorage(
		overlayx.WithDefaultAuthor("system"),
		overlayx.WithClock(func() time.Time { return now }),
	)

	meta := p.GetDefaultMetadata(context.Background())
	assert.Equal(t, "system", meta.Author)
	assert.True(t, now.Equal(meta.CreationDate))

	meta = p.GetDefaultMetadata(overlayx.WithAuthor(context.Background(), "alice"))
	assert.Equal(t, "alice", meta.Author)

	meta = overlayx.NewPlatformStorage().GetDefaultMetadata(context.Background())
	assert.False(t, meta.HasAuthor())
	assert.True(t, meta.HasCreationDate())
}

func TestPlatformStorage_StorageStatuses(t *testing.T) {
	p := overlayx.NewPlatformStorage()
	require.NoError(t, p.AddStorage(overlayx.StorageDescription{ID: "rw", Storage: memory.New()}))
	require.NoError(t, p.AddStorage(overlayx.StorageDescription{ID: "ro", Storage: &stubStorage{Storage: memory.New(), readOnly: true}}))

	assert.Equal(t, []overlayx.StorageStatus{
		{StorageID: "ro", Mutable: false},
		{StorageID: "rw", Mutable: true},
	}, p.StorageStatuses())
}

func TestPlatformStorage_WritesTargetNamedStorage(t *testing.T) {
	ctx := context.Background()
	p := newLayered(t)

	rec, err := p.AppendObject(ctx, "base", overlayx.KindTemplate, "header.hbs",
		overlayx.ObjectMetadata{Author: "bob"}, strings.NewReader("base header v2"), -1)
	require.NoError(t, err)
	assert.Equal(t, "1", rec.Revision)

	// the override still shadows the base layer
	res, _, err := p.FindObject(ctx, overlayx.KindTemplate, "header.hbs")
	require.NoError(t, err)
	assert.Equal(t, "override", res.AppID)

	require.NoError(t, p.DeleteObject(ctx, "override", overlayx.KindTemplate, "header.hbs"))
	res, ok, err := p.FindObject(ctx, overlayx.KindTemplate, "header.hbs")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "base", res.AppID)
	assert.Equal(t, "base header v2", testutil.ReadString(t, res.Record))
	assert.Equal(t, "bob", res.Record.Metadata.Author)

	_, err = p.AppendObject(ctx, "nope", overlayx.KindTemplate, "x.hbs", overlayx.ObjectMetadata{}, strings.NewReader("x"), 1)
	assert.ErrorIs(t, err, overlayx.ErrUnknownStorage)
	err = p.DeleteObject(ctx, "nope", overlayx.KindTemplate, "x.hbs")
	assert.ErrorIs(t, err, overlayx.ErrUnknownStorage)

	var se *overlayx.StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "delete", se.Op)
	assert.Equal(t, "nope", se.Storage)
}

func TestPlatformStorage_RejectsNonCanonicalIDs(t *testing.T) {
	ctx := context.Background()
	p := newLayered(t)

	for _, id := range []string{"../etc/passwd", "/abs", "a/./b", "a//b", ""} {
		_, _, err := p.FindObject(ctx, overlayx.KindTemplate, id)
		assert.True(t, overlayx.IsNonCanonical(err), "find %q: %v", id, err)

		_, err = p.FindOverrides(ctx, overlayx.KindTemplate, id)
		assert.True(t, overlayx.IsNonCanonical(err), "overrides %q: %v", id, err)
	}

	_, err := p.FindAll(ctx, overlayx.KindTemplate, "../")
	assert.True(t, overlayx.IsNonCanonical(err))

	_, _, err = p.FindObject(ctx, overlayx.ObjectKind("widgets"), "a")
	assert.ErrorIs(t, err, overlayx.ErrInvalidConfig)
}

func TestPlatformStorage_BackendErrorCarriesStorageID(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("disk on fire")

	p := overlayx.NewPlatformStorage()
	require.NoError(t, p.AddStorage(overlayx.StorageDescription{ID: "base", Storage: memory.New()}))
	require.NoError(t, p.AddStorage(overlayx.StorageDescription{ID: "broken", Storage: &stubStorage{Storage: memory.New(), failGet: boom}}))

	_, _, err := p.FindObject(ctx, overlayx.KindConfig, "app.json")
	require.ErrorIs(t, err, boom)

	var se *overlayx.StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "broken", se.Storage)
	assert.Equal(t, "find", se.Op)
}

func TestPlatformStorage_ContextCancellation(t *testing.T) {
	p := newLayered(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := p.FindObject(ctx, overlayx.KindTemplate, "header.hbs")
	assert.ErrorIs(t, err, context.Canceled)

	_, err = p.FindAll(ctx, overlayx.KindTemplate, "")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPlatformStorage_PingAndClose(t *testing.T) {
	ctx := context.Background()
	healthy := &stubStorage{Storage: memory.New()}
	sick := &stubStorage{Storage: memory.New(), pingErr: errors.New("unreachable")}

	p := overlayx.NewPlatformStorage()
	require.NoError(t, p.AddStorage(overlayx.StorageDescription{ID: "healthy", Storage: healthy}))
	require.NoError(t, p.Ping(ctx))

	require.NoError(t, p.AddStorage(overlayx.StorageDescription{ID: "sick", Storage: sick}))
	err := p.Ping(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `storage "sick"`)

	require.NoError(t, p.Close())
	assert.Equal(t, 1, healthy.closed)
	assert.Equal(t, 1, sick.closed)
}

func TestPlatformStorage_ConcurrentReadersAndReconfiguration(t *testing.T) {
	ctx := context.Background()
	p := newLayered(t)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				res, ok, err := p.FindObject(ctx, overlayx.KindTemplate, "header.hbs")
				if !assert.NoError(t, err) || !assert.True(t, ok) {
					return
				}
				if res.AppID != "override" && res.AppID != "base" && res.AppID != "extra" {
					t.Errorf("unexpected app %q", res.AppID)
					return
				}
			}
		}()
	}

	for i := 0; i < 50; i++ {
		extra := memory.New()
		_, err := extra.AppendObject(ctx, overlayx.KindTemplate, "header.hbs", overlayx.ObjectMetadata{}, strings.NewReader("extra"), -1)
		require.NoError(t, err)
		require.NoError(t, p.AddStorage(overlayx.StorageDescription{ID: "extra", Storage: extra}))
		p.RemoveStorage("extra")
	}
	close(stop)
	wg.Wait()

	assert.Equal(t, []string{"override", "base"}, p.SearchOrder())
}

func TestPlatformStorage_LogsRegistration(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	p := overlayx.NewPlatformStorage(overlayx.WithLogger(zap.New(core)))

	require.NoError(t, p.AddStorage(overlayx.StorageDescription{ID: "base", Storage: memory.New()}))
	require.NoError(t, p.AddStorage(overlayx.StorageDescription{ID: "base", Storage: memory.New()}))
	p.RemoveStorage("base")

	registered := logs.FilterMessage("Storage registered").All()
	require.Len(t, registered, 2)
	assert.Equal(t, false, registered[0].ContextMap()["replaced"])
	assert.Equal(t, true, registered[1].ContextMap()["replaced"])
	assert.Equal(t, "base", registered[1].ContextMap()["storage_id"])
	assert.Equal(t, 1, logs.FilterMessage("Storage removed").Len())

	// lookups log at debug level only
	_, _, err := p.FindObject(context.Background(), overlayx.KindConfig, "a.json")
	require.NoError(t, err)
	assert.Equal(t, 0, logs.FilterMessage("Object lookup").Len())
}

func TestValidateIDPrefix(t *testing.T) {
	assert.NoError(t, overlayx.ValidateIDPrefix(overlayx.KindConfig, ""))
	assert.NoError(t, overlayx.ValidateIDPrefix(overlayx.KindConfig, "mail/"))
	assert.NoError(t, overlayx.ValidateIDPrefix(overlayx.KindConfig, "mail/wel"))
	assert.True(t, overlayx.IsNonCanonical(overlayx.ValidateIDPrefix(overlayx.KindConfig, "../")))
	assert.True(t, overlayx.IsNonCanonical(overlayx.ValidateIDPrefix(overlayx.KindConfig, "/abs")))
	assert.ErrorIs(t, overlayx.ValidateIDPrefix("widgets", ""), overlayx.ErrInvalidConfig)
}

var _ io.Closer = (*stubStorage)(nil)

func TestPlatformStorage_ReAddingKeepsBackendOpen(t *testing.T) {
	ctx := context.Background()
	var created []*stubStorage
	reg, err := overlayx.NewStorageRegistry(stubFactory("stub", &created))
	require.NoError(t, err)

	p := overlayx.NewPlatformStorage()
	require.NoError(t, p.Register(ctx, reg, overlayx.StorageEntry{ID: "ext", Type: "stub"}, false))

	desc, ok := p.GetDescription("ext")
	require.True(t, ok)
	desc.Kinds = []overlayx.ObjectKind{overlayx.KindConfig}
	require.NoError(t, p.AddStorage(desc))

	require.Len(t, created, 1)
	assert.Equal(t, 0, created[0].closed)
}
