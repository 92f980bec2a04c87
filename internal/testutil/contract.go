package testutil

import (
	"context"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gostratum/overlayx"
)

// Seed is an object a contract storage must hold when created
type Seed struct {
	Kind    overlayx.ObjectKind
	ID      string
	Content string
}

// DefaultSeeds is the object set the contract suite runs against
var DefaultSeeds = []Seed{
	{Kind: overlayx.KindConfig, ID: "a/one.json", Content: `{"n":1}`},
	{Kind: overlayx.KindConfig, ID: "a/two.json", Content: `{"n":2}`},
	{Kind: overlayx.KindConfig, ID: "b/three.json", Content: `{"n":3}`},
	{Kind: overlayx.KindTemplate, ID: "a/page.hbs", Content: "<p>{{title}}</p>"},
}

// Contract describes a backend under test
type Contract struct {
	// New returns a fresh storage holding seeds
	New func(t *testing.T, seeds []Seed) overlayx.ObjectStorage

	// Revisioned is set for backends that keep history
	Revisioned bool

	// KeepsAuthor is set for backends that persist ObjectMetadata.Author
	KeepsAuthor bool
}

// SeedByAppend writes seeds through AppendObject.
func SeedByAppend(t *testing.T, s overlayx.ObjectStorage, seeds []Seed) {
	t.Helper()
	ctx := context.Background()
	for _, seed := range seeds {
		_, err := s.AppendObject(ctx, seed.Kind, seed.ID, overlayx.ObjectMetadata{Author: "seed"},
			strings.NewReader(seed.Content), int64(len(seed.Content)))
		require.NoError(t, err)
	}
}

// ReadString reads the content of rec.
func ReadString(t *testing.T, rec overlayx.ObjectRecord) string {
	t.Helper()
	data, err := overlayx.ReadAll(context.Background(), rec.Location)
	require.NoError(t, err)
	return string(data)
}

// RunStorageContract runs the behavior every ObjectStorage shares.
func RunStorageContract(t *testing.T, c Contract) {
	ctx := context.Background()

	t.Run("get seeded object", func(t *testing.T) {
		s := c.New(t, DefaultSeeds)
		rec, ok, err := s.GetObject(ctx, overlayx.KindConfig, "a/one.json", "")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, overlayx.KindConfig, rec.Kind)
		assert.Equal(t, "a/one.json", rec.ID)
		assert.Equal(t, `{"n":1}`, ReadString(t, rec))

		sized, err := rec.Location.OpenSized(ctx)
		require.NoError(t, err)
		defer sized.Close()
		if sized.Size() >= 0 {
			assert.Equal(t, int64(len(`{"n":1}`)), sized.Size())
		}
	})

	t.Run("missing object is absent", func(t *testing.T) {
		s := c.New(t, DefaultSeeds)
		_, ok, err := s.GetObject(ctx, overlayx.KindConfig, "a/missing.json", "")
		require.NoError(t, err)
		assert.False(t, ok)

		_, ok, err = s.GetObject(ctx, overlayx.KindTemplate, "a/one.json", "")
		require.NoError(t, err)
		assert.False(t, ok, "kinds must not share ids")
	})

	t.Run("unknown revision is absent", func(t *testing.T) {
		s := c.New(t, DefaultSeeds)
		for _, rev := range []string{"nope", "999", "-1"} {
			_, ok, err := s.GetObject(ctx, overlayx.KindConfig, "a/one.json", rev)
			require.NoError(t, err, rev)
			assert.False(t, ok, rev)
		}
		if !c.Revisioned {
			rec, ok, err := s.GetObject(ctx, overlayx.KindConfig, "a/one.json", "")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, overlayx.SingleRevision, rec.Revision)

			_, ok, err = s.GetObject(ctx, overlayx.KindConfig, "a/one.json", "0")
			require.NoError(t, err)
			assert.False(t, ok)
		}
	})

	t.Run("list by prefix", func(t *testing.T) {
		s := c.New(t, DefaultSeeds)
		recs, err := s.GetAllObjects(ctx, overlayx.KindConfig, "a/")
		require.NoError(t, err)
		assert.Equal(t, []string{"a/one.json", "a/two.json"}, ids(recs))

		recs, err = s.GetAllObjects(ctx, overlayx.KindConfig, "")
		require.NoError(t, err)
		assert.Equal(t, []string{"a/one.json", "a/two.json", "b/three.json"}, ids(recs))

		recs, err = s.GetAllObjects(ctx, overlayx.KindTemplate, "")
		require.NoError(t, err)
		assert.Equal(t, []string{"a/page.hbs"}, ids(recs))

		recs, err = s.GetAllObjects(ctx, overlayx.KindAsset, "")
		require.NoError(t, err)
		assert.Empty(t, recs)
	})

	t.Run("revisions of seeded object", func(t *testing.T) {
		s := c.New(t, DefaultSeeds)
		revs, err := s.GetRevisions(ctx, overlayx.KindConfig, "b/three.json")
		require.NoError(t, err)
		require.Len(t, revs, 1)
		assert.Equal(t, `{"n":3}`, ReadString(t, revs[0]))

		revs, err = s.GetRevisions(ctx, overlayx.KindConfig, "b/missing.json")
		require.NoError(t, err)
		assert.Empty(t, revs)
	})

	t.Run("non-canonical ids are rejected", func(t *testing.T) {
		s := c.New(t, DefaultSeeds)
		for _, id := range []string{"../secret", "/etc/passwd", "a/./one.json", "a/../a/one.json", "a//one.json", ""} {
			_, _, err := s.GetObject(ctx, overlayx.KindConfig, id, "")
			assert.True(t, overlayx.IsNonCanonical(err), "id %q: %v", id, err)
		}
		_, err := s.GetAllObjects(ctx, overlayx.KindConfig, "../")
		assert.True(t, overlayx.IsNonCanonical(err))
	})

	t.Run("mutability", func(t *testing.T) {
		s := c.New(t, DefaultSeeds)
		if s.IsMutable() {
			runMutableContract(t, c, s)
			return
		}
		_, err := s.AppendObject(ctx, overlayx.KindConfig, "a/one.json", overlayx.ObjectMetadata{}, strings.NewReader("x"), 1)
		assert.True(t, overlayx.IsImmutable(err), "append: %v", err)
		err = s.DeleteObject(ctx, overlayx.KindConfig, "a/one.json")
		assert.True(t, overlayx.IsImmutable(err), "delete: %v", err)
		err = s.DeleteObject(ctx, overlayx.KindConfig, "a/missing.json")
		assert.True(t, overlayx.IsImmutable(err), "delete missing: %v", err)

		rec, ok, err := s.GetObject(ctx, overlayx.KindConfig, "a/one.json", "")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, `{"n":1}`, ReadString(t, rec))
	})
}

func runMutableContract(t *testing.T, c Contract, s overlayx.ObjectStorage) {
	ctx := context.Background()
	meta := overlayx.ObjectMetadata{Author: "alice"}

	rec, err := s.AppendObject(ctx, overlayx.KindConfig, "c/new.json", meta, strings.NewReader("v1"), 2)
	require.NoError(t, err)
	assert.Equal(t, "c/new.json", rec.ID)
	assert.True(t, rec.Metadata.HasCreationDate())
	if c.KeepsAuthor {
		assert.Equal(t, "alice", rec.Metadata.Author)
	}

	got, ok, err := s.GetObject(ctx, overlayx.KindConfig, "c/new.json", "")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v1", ReadString(t, got))
	assert.Equal(t, rec.Revision, got.Revision)

	second, err := s.AppendObject(ctx, overlayx.KindConfig, "c/new.json", meta, strings.NewReader("v2"), -1)
	require.NoError(t, err)

	latest, ok, err := s.GetObject(ctx, overlayx.KindConfig, "c/new.json", "")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v2", ReadString(t, latest))

	revs, err := s.GetRevisions(ctx, overlayx.KindConfig, "c/new.json")
	require.NoError(t, err)
	if c.Revisioned {
		require.Len(t, revs, 2)
		assert.NotEqual(t, rec.Revision, second.Revision)
		assert.Equal(t, "v1", ReadString(t, revs[0]))
		assert.Equal(t, "v2", ReadString(t, revs[1]))

		old, ok, err := s.GetObject(ctx, overlayx.KindConfig, "c/new.json", rec.Revision)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "v1", ReadString(t, old))
	} else {
		require.Len(t, revs, 1)
		assert.Equal(t, overlayx.SingleRevision, second.Revision)
	}

	all, err := s.GetAllObjects(ctx, overlayx.KindConfig, "c")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "v2", ReadString(t, all[0]))

	require.NoError(t, s.DeleteObject(ctx, overlayx.KindConfig, "c/new.json"))
	_, ok, err = s.GetObject(ctx, overlayx.KindConfig, "c/new.json", "")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.DeleteObject(ctx, overlayx.KindConfig, "c/new.json"), "deleting an absent object")

	// the length is only a hint; an overstated one must not drive allocation
	var hinted overlayx.ObjectRecord
	require.NotPanics(t, func() {
		hinted, err = s.AppendObject(ctx, overlayx.KindConfig, "c/hinted.json", meta, strings.NewReader("tiny"), 1<<62)
	})
	require.NoError(t, err)
	got, ok, err = s.GetObject(ctx, overlayx.KindConfig, "c/hinted.json", hinted.Revision)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "tiny", ReadString(t, got))
	require.NoError(t, s.DeleteObject(ctx, overlayx.KindConfig, "c/hinted.json"))

	_, err = s.AppendObject(ctx, overlayx.KindConfig, "../escape.json", meta, strings.NewReader("x"), 1)
	assert.True(t, overlayx.IsNonCanonical(err))
}

func ids(recs []overlayx.ObjectRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	if !sort.StringsAreSorted(out) {
		return append([]string{"<unsorted>"}, out...)
	}
	return out
}
