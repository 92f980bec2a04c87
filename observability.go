package overlayx

import (
	"context"
	"time"

	"github.com/gostratum/metricsx"
	"github.com/gostratum/tracingx"
)

// Instrumenter wraps platform storage operations with metrics and tracing.
// Both dependencies are optional.
type Instrumenter struct {
	metrics metricsx.Metrics
	tracer  tracingx.Tracer
}

// NewInstrumenter creates a new instrumenter with optional metrics and tracing
func NewInstrumenter(metrics metricsx.Metrics, tracer tracingx.Tracer) *Instrumenter {
	return &Instrumenter{
		metrics: metrics,
		tracer:  tracer,
	}
}

// TraceOperation wraps an operation with tracing and metrics
func (i *Instrumenter) TraceOperation(ctx context.Context, operation string, kind ObjectKind, id string, fn func(ctx context.Context) error) error {
	var span tracingx.Span
	if i.tracer != nil {
		ctx, span = i.tracer.Start(ctx, "overlay."+operation,
			tracingx.WithSpanKind(tracingx.SpanKindClient),
			tracingx.WithAttributes(map[string]any{
				"overlay.operation": operation,
				"overlay.kind":      string(kind),
				"overlay.id":        id,
			}),
		)
		defer span.End()
	}

	start := time.Now()
	err := fn(ctx)
	duration := time.Since(start).Seconds()

	if i.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}

		i.metrics.Counter("overlay_operations_total",
			metricsx.WithHelp("Total number of overlay storage operations"),
			metricsx.WithLabels("operation", "status"),
		).Inc(operation, status)

		i.metrics.Histogram("overlay_operation_duration_seconds",
			metricsx.WithHelp("Overlay storage operation duration in seconds"),
			metricsx.WithLabels("operation"),
			metricsx.WithBuckets(.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5),
		).Observe(duration, operation)
	}

	if span != nil && err != nil {
		span.SetError(err)
	}

	return err
}

// RecordLookup counts single-object lookups by outcome
func (i *Instrumenter) RecordLookup(kind ObjectKind, found bool) {
	if i.metrics != nil {
		outcome := "miss"
		if found {
			outcome = "hit"
		}
		i.metrics.Counter("overlay_lookups_total",
			metricsx.WithHelp("Single-object lookups by kind and outcome"),
			metricsx.WithLabels("kind", "outcome"),
		).Inc(string(kind), outcome)
	}
}

// RecordMergeSize records the number of objects in a merged view
func (i *Instrumenter) RecordMergeSize(kind ObjectKind, count int) {
	if i.metrics != nil {
		i.metrics.Histogram("overlay_merge_objects",
			metricsx.WithHelp("Number of objects returned by merged listings"),
			metricsx.WithLabels("kind"),
			metricsx.WithBuckets(1, 10, 50, 100, 500, 1000, 5000),
		).Observe(float64(count), string(kind))
	}
}

// RecordOverrideDepth records the length of an override chain
func (i *Instrumenter) RecordOverrideDepth(kind ObjectKind, depth int) {
	if i.metrics != nil {
		i.metrics.Histogram("overlay_override_depth",
			metricsx.WithHelp("Number of storages contributing to one object"),
			metricsx.WithLabels("kind"),
			metricsx.WithBuckets(0, 1, 2, 3, 5, 8),
		).Observe(float64(depth), string(kind))
	}
}

// RecordOperationSize records the size of data written
func (i *Instrumenter) RecordOperationSize(operation string, size int64) {
	if i.metrics != nil && size >= 0 {
		i.metrics.Histogram("overlay_operation_bytes",
			metricsx.WithHelp("Overlay storage operation data size in bytes"),
			metricsx.WithLabels("operation"),
			metricsx.WithBuckets(1024, 10240, 102400, 1024000, 10240000, 104857600),
		).Observe(float64(size), operation)
	}
}

// RecordStackSize records how many storages are in the search order
func (i *Instrumenter) RecordStackSize(n int) {
	if i.metrics != nil {
		i.metrics.Gauge("overlay_storages",
			metricsx.WithHelp("Number of storages in the search order"),
		).Set(float64(n))
	}
}
