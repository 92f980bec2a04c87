package overlayx_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gostratum/overlayx"
	"github.com/gostratum/overlayx/adapters/memory"
	"github.com/gostratum/overlayx/internal/testutil"
)

func TestInstrumenter_TraceOperation(t *testing.T) {
	metrics := testutil.NewMockMetrics()
	tracer := testutil.NewMockTracer()
	inst := overlayx.NewInstrumenter(metrics, tracer)

	err := inst.TraceOperation(context.Background(), "find", overlayx.KindConfig, "app.json", func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = inst.TraceOperation(context.Background(), "find", overlayx.KindConfig, "app.json", func(ctx context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, 1.0, metrics.CounterValue("overlay_operations_total:find,success"))
	assert.Equal(t, 1.0, metrics.CounterValue("overlay_operations_total:find,error"))
	assert.Len(t, metrics.Observations("overlay_operation_duration_seconds:find"), 2)

	spans := tracer.Spans()
	require.Len(t, spans, 2)
	assert.Equal(t, "overlay.find", spans[0].Name)
	assert.Equal(t, "find", spans[0].Tags["overlay.operation"])
	assert.Equal(t, "config", spans[0].Tags["overlay.kind"])
	assert.Equal(t, "app.json", spans[0].Tags["overlay.id"])
	assert.True(t, spans[0].Ended)
	assert.NoError(t, spans[0].Err)
	assert.ErrorIs(t, spans[1].Err, boom)
}

func TestInstrumenter_WithoutBackends(t *testing.T) {
	inst := overlayx.NewInstrumenter(nil, nil)

	called := false
	err := inst.TraceOperation(context.Background(), "find", overlayx.KindConfig, "a", func(ctx context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)

	assert.NotPanics(t, func() {
		inst.RecordLookup(overlayx.KindConfig, true)
		inst.RecordMergeSize(overlayx.KindConfig, 3)
		inst.RecordOverrideDepth(overlayx.KindConfig, 2)
		inst.RecordOperationSize("append", 10)
		inst.RecordStackSize(1)
	})
}

func TestPlatformStorage_RecordsMetrics(t *testing.T) {
	ctx := context.Background()
	metrics := testutil.NewMockMetrics()
	tracer := testutil.NewMockTracer()
	p := overlayx.NewPlatformStorage(overlayx.WithInstrumenter(overlayx.NewInstrumenter(metrics, tracer)))

	base, override := memory.New(), memory.New()
	require.NoError(t, p.AddStorage(overlayx.StorageDescription{ID: "base", Storage: base}))
	require.NoError(t, p.AddStorage(overlayx.StorageDescription{ID: "override", Storage: override}))
	assert.Equal(t, 2.0, metrics.GaugeValue("overlay_storages:"))

	_, err := p.AppendObject(ctx, "base", overlayx.KindConfig, "app.json", overlayx.ObjectMetadata{}, strings.NewReader("{}"), -1)
	require.NoError(t, err)
	_, err = p.AppendObject(ctx, "override", overlayx.KindConfig, "app.json", overlayx.ObjectMetadata{}, strings.NewReader(`{"x":1}`), 100)
	require.NoError(t, err)
	// sizes come from the bytes stored, not from the hints
	assert.Equal(t, []float64{2, 7}, metrics.Observations("overlay_operation_bytes:append"))

	_, _, err = p.FindObject(ctx, overlayx.KindConfig, "app.json")
	require.NoError(t, err)
	_, _, err = p.FindObject(ctx, overlayx.KindConfig, "missing.json")
	require.NoError(t, err)
	assert.Equal(t, 1.0, metrics.CounterValue("overlay_lookups_total:config,hit"))
	assert.Equal(t, 1.0, metrics.CounterValue("overlay_lookups_total:config,miss"))
	assert.Equal(t, 2.0, metrics.CounterValue("overlay_operations_total:find,success"))

	_, err = p.FindOverrides(ctx, overlayx.KindConfig, "app.json")
	require.NoError(t, err)
	assert.Equal(t, []float64{2}, metrics.Observations("overlay_override_depth:config"))

	_, err = p.FindAll(ctx, overlayx.KindConfig, "")
	require.NoError(t, err)
	assert.Equal(t, []float64{1}, metrics.Observations("overlay_merge_objects:config"))

	p.RemoveStorage("override")
	assert.Equal(t, 1.0, metrics.GaugeValue("overlay_storages:"))

	var names []string
	for _, s := range tracer.Spans() {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{
		"overlay.append", "overlay.append",
		"overlay.find", "overlay.find",
		"overlay.find_overrides",
		"overlay.find_all",
	}, names)
}
