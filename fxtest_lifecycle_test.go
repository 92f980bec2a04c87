package overlayx_test

import (
	"context"
	"strings"
	"testing"

	"github.com/gostratum/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/gostratum/overlayx"
	"github.com/gostratum/overlayx/adapters/memory"
	"github.com/gostratum/overlayx/internal/testutil"
)

type healthChecks struct {
	fx.In

	Checks []core.Check `group:"health_checkers"`
}

func TestModuleLifecycleLoadsStorages(t *testing.T) {
	var (
		ps     *overlayx.PlatformStorage
		checks []core.Check
	)
	app := fxtest.New(t,
		overlayx.Module(),
		testutil.TestModule,
		fx.Provide(func() *zap.Logger { return zaptest.NewLogger(t) }),
		fx.Populate(&ps),
		fx.Invoke(func(hc healthChecks) { checks = hc.Checks }),
	)

	require.NotNil(t, ps)
	require.Len(t, checks, 1)
	check := checks[0]
	assert.Equal(t, "overlayx.platform", check.Name())
	assert.Equal(t, core.Readiness, check.Kind())

	// storages are created on start
	assert.Empty(t, ps.SearchOrder())
	assert.Error(t, check.Check(context.Background()))

	app.RequireStart()
	assert.Equal(t, []string{"override", "base"}, ps.SearchOrder())
	assert.NoError(t, check.Check(context.Background()))

	ctx := context.Background()
	meta := ps.GetDefaultMetadata(ctx)
	assert.Equal(t, "test", meta.Author)

	_, err := ps.AppendObject(ctx, "base", overlayx.KindConfig, "app.json", meta, strings.NewReader("{}"), 2)
	require.NoError(t, err)
	res, ok, err := ps.FindObject(ctx, overlayx.KindConfig, "app.json")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "base", res.AppID)

	app.RequireStop()
}

func TestModuleLifecycleFailsOnUnknownStorageType(t *testing.T) {
	cfg := testutil.NewTestConfig()
	cfg.Storages = append(cfg.Storages, overlayx.StorageEntry{ID: "tape", Type: "tape"})

	app := fx.New(
		overlayx.Module(),
		memory.Module(),
		fx.Replace(cfg),
		fx.NopLogger,
		fx.Invoke(func(*overlayx.PlatformStorage) {}),
	)
	require.NoError(t, app.Err())

	err := app.Start(context.Background())
	assert.ErrorIs(t, err, overlayx.ErrUnknownStorageType)
	_ = app.Stop(context.Background())
}

func TestWithCustomPlatform(t *testing.T) {
	custom := overlayx.NewPlatformStorage()
	require.NoError(t, custom.AddStorage(overlayx.StorageDescription{ID: "hand-made", Storage: memory.New()}))

	app := fxtest.New(t,
		overlayx.WithCustomPlatform(custom),
		fx.Invoke(func(ps *overlayx.PlatformStorage) {
			assert.Same(t, custom, ps)
			assert.Equal(t, []string{"hand-made"}, ps.SearchOrder())
		}),
	)
	app.RequireStart().RequireStop()
}
