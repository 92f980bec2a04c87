package file_test

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gostratum/overlayx"
	"github.com/gostratum/overlayx/adapters/file"
	"github.com/gostratum/overlayx/internal/testutil"
)

func TestLegacyFallbacks(t *testing.T) {
	ctx := context.Background()
	fsys := newFs(t, map[string]string{
		"images/logo.png":         "legacy logo",
		"data/templates/page.hbs": "legacy page",
		"assets/images/logo.png":  "current logo",
		"templates/other.hbs":     "current other",
		"config/app.json":         "{}",
	})

	descs, err := file.LegacyFallbacks(fsys, "ext", root, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, descs, 2)

	images := descs[0]
	assert.Equal(t, "ext/legacy-images", images.ID)
	assert.Equal(t, []overlayx.ObjectKind{overlayx.KindAsset}, images.Kinds)
	assert.False(t, images.Storage.IsMutable())

	rec, ok, err := images.Storage.GetObject(ctx, overlayx.KindAsset, "images/logo.png", "")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "legacy logo", testutil.ReadString(t, rec))

	all, err := images.Storage.GetAllObjects(ctx, overlayx.KindAsset, "")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "images/logo.png", all[0].ID)

	templates := descs[1]
	assert.Equal(t, "ext/legacy-templates", templates.ID)
	rec, ok, err = templates.Storage.GetObject(ctx, overlayx.KindTemplate, "page.hbs", "")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "legacy page", testutil.ReadString(t, rec))

	_, ok, err = templates.Storage.GetObject(ctx, overlayx.KindConfig, "app.json", "")
	require.NoError(t, err)
	assert.False(t, ok, "fallbacks serve a single kind")
}

func TestLegacyFallbacks_NoLegacyFolders(t *testing.T) {
	descs, err := file.LegacyFallbacks(newFs(t, map[string]string{"config/app.json": "{}"}), "ext", root, nil)
	require.NoError(t, err)
	assert.Empty(t, descs)
}

func TestBuild_WithLegacyFallbacks(t *testing.T) {
	ctx := context.Background()
	fsys := newFs(t, map[string]string{
		"images/logo.png":        "legacy logo",
		"assets/images/logo.png": "current logo",
		"assets/style.css":       "body{}",
	})
	reg, err := overlayx.NewStorageRegistry(file.Factory(fsys))
	require.NoError(t, err)

	cfg := overlayx.DefaultConfig()
	cfg.Storages = []overlayx.StorageEntry{
		{ID: "ext", Type: "file", Settings: map[string]any{"root": root, "mutable": "false"}},
	}
	ps, err := overlayx.Build(ctx, cfg, reg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ps.Close() })

	assert.Equal(t, []string{"ext/legacy-images", "ext"}, ps.SearchOrder())

	res, ok, err := ps.FindObject(ctx, overlayx.KindAsset, "images/logo.png")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ext/legacy-images", res.AppID)
	assert.Equal(t, "legacy logo", testutil.ReadString(t, res.Record))

	chain, err := ps.FindOverrides(ctx, overlayx.KindAsset, "images/logo.png")
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, "ext", chain[0].AppID)
	assert.Equal(t, "ext/legacy-images", chain[1].AppID)

	res, ok, err = ps.FindObject(ctx, overlayx.KindAsset, "style.css")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ext", res.AppID)

	cfg.LegacyFallbacks = false
	ps2, err := overlayx.Build(ctx, cfg, reg)
	require.NoError(t, err)
	assert.Equal(t, []string{"ext"}, ps2.SearchOrder())
}

func TestBuild_LegacyFallbacksOutsideKindsAreSkipped(t *testing.T) {
	ctx := context.Background()
	fsys := newFs(t, map[string]string{
		"images/logo.png":  "legacy logo",
		"config/app.json":  "{}",
		"data/templates/a": "legacy template",
	})
	reg, err := overlayx.NewStorageRegistry(file.Factory(fsys))
	require.NoError(t, err)

	cfg := overlayx.DefaultConfig()
	cfg.Storages = []overlayx.StorageEntry{
		{ID: "settings", Type: "file", Kinds: []string{"config", "template"}, Settings: map[string]any{"root": root}},
	}
	ps, err := overlayx.Build(ctx, cfg, reg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ps.Close() })

	assert.Equal(t, []string{"settings/legacy-templates", "settings"}, ps.SearchOrder())

	_, ok, err := ps.FindObject(ctx, overlayx.KindAsset, "images/logo.png")
	require.NoError(t, err)
	assert.False(t, ok, "a config and template storage answers no assets")
}

func TestFactory_Config(t *testing.T) {
	fsys := afero.NewMemMapFs()
	reg, err := overlayx.NewStorageRegistry(file.Factory(fsys))
	require.NoError(t, err)

	cfg, err := reg.DecodeConfig(overlayx.StorageEntry{ID: "x", Type: "file", Settings: map[string]any{"root": "/data"}})
	require.NoError(t, err)
	fc := cfg.(*file.Config)
	assert.True(t, fc.Mutable, "mutable defaults to true")
	assert.False(t, fc.CreateRoot)

	_, err = reg.DecodeConfig(overlayx.StorageEntry{ID: "x", Type: "file"})
	assert.ErrorIs(t, err, overlayx.ErrInvalidConfig, "root is required")

	_, err = reg.DecodeConfig(overlayx.StorageEntry{ID: "x", Type: "file", Settings: map[string]any{"root": "/data", "map_from": "assets"}})
	assert.ErrorIs(t, err, overlayx.ErrInvalidConfig)

	_, err = reg.DecodeConfig(overlayx.StorageEntry{ID: "x", Type: "file", Settings: map[string]any{"root": "/data", "map_from": "../x", "map_to": "y"}})
	assert.ErrorIs(t, err, overlayx.ErrInvalidConfig)

	s, _, err := reg.Create(context.Background(), overlayx.StorageEnv{ID: "x"},
		overlayx.StorageEntry{ID: "x", Type: "file", Settings: map[string]any{"root": "/new", "create_root": true}}, false)
	require.NoError(t, err)
	assert.Equal(t, "/new", s.(overlayx.Rooted).Root())

	_, _, err = reg.Create(context.Background(), overlayx.StorageEnv{ID: "x"},
		overlayx.StorageEntry{ID: "y", Type: "file", Settings: map[string]any{"root": "/missing"}}, false)
	assert.ErrorIs(t, err, overlayx.ErrInvalidConfig)
}
