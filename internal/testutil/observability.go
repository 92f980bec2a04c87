package testutil

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gostratum/metricsx"
	"github.com/gostratum/tracingx"
)

// MockMetrics implements metricsx.Metrics and records every observation.
// Series are keyed "name:label,label".
type MockMetrics struct {
	mu         sync.Mutex
	counters   map[string]float64
	gauges     map[string]float64
	histograms map[string][]float64
}

func NewMockMetrics() *MockMetrics {
	return &MockMetrics{
		counters:   make(map[string]float64),
		gauges:     make(map[string]float64),
		histograms: make(map[string][]float64),
	}
}

// CounterValue returns the current value of a counter series
func (m *MockMetrics) CounterValue(key string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[key]
}

// GaugeValue returns the last value set on a gauge series
func (m *MockMetrics) GaugeValue(key string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gauges[key]
}

// Observations returns a copy of the values observed on a histogram series
func (m *MockMetrics) Observations(key string) []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]float64(nil), m.histograms[key]...)
}

func (m *MockMetrics) Counter(name string, opts ...metricsx.Option) metricsx.Counter {
	return &mockCounter{metrics: m, name: name}
}

func (m *MockMetrics) Gauge(name string, opts ...metricsx.Option) metricsx.Gauge {
	return &mockGauge{metrics: m, name: name}
}

func (m *MockMetrics) Histogram(name string, opts ...metricsx.Option) metricsx.Histogram {
	return &mockHistogram{metrics: m, name: name}
}

func (m *MockMetrics) Summary(name string, opts ...metricsx.Option) metricsx.Summary {
	return &mockSummary{}
}

func seriesKey(name string, labels []string) string {
	return name + ":" + strings.Join(labels, ",")
}

type mockCounter struct {
	metrics *MockMetrics
	name    string
}

func (c *mockCounter) Inc(labels ...string) {
	c.Add(1, labels...)
}

func (c *mockCounter) Add(value float64, labels ...string) {
	c.metrics.mu.Lock()
	defer c.metrics.mu.Unlock()
	c.metrics.counters[seriesKey(c.name, labels)] += value
}

type mockHistogram struct {
	metrics *MockMetrics
	name    string
}

func (h *mockHistogram) Observe(value float64, labels ...string) {
	h.metrics.mu.Lock()
	defer h.metrics.mu.Unlock()
	key := seriesKey(h.name, labels)
	h.metrics.histograms[key] = append(h.metrics.histograms[key], value)
}

func (h *mockHistogram) Timer(labels ...string) metricsx.Timer {
	return &mockTimer{start: time.Now()}
}

type mockGauge struct {
	metrics *MockMetrics
	name    string
}

func (g *mockGauge) Set(value float64, labels ...string) {
	g.metrics.mu.Lock()
	defer g.metrics.mu.Unlock()
	g.metrics.gauges[seriesKey(g.name, labels)] = value
}

func (g *mockGauge) Inc(labels ...string)                { g.Add(1, labels...) }
func (g *mockGauge) Dec(labels ...string)                { g.Add(-1, labels...) }
func (g *mockGauge) Sub(value float64, labels ...string) { g.Add(-value, labels...) }

func (g *mockGauge) Add(value float64, labels ...string) {
	g.metrics.mu.Lock()
	defer g.metrics.mu.Unlock()
	g.metrics.gauges[seriesKey(g.name, labels)] += value
}

type mockSummary struct{}

func (s *mockSummary) Observe(value float64, labels ...string) {}

type mockTimer struct {
	start time.Time
}

func (t *mockTimer) ObserveDuration() {}

func (t *mockTimer) Stop() time.Duration {
	return time.Since(t.start)
}

// MockTracer implements tracingx.Tracer and keeps every started span
type MockTracer struct {
	mu    sync.Mutex
	spans []*MockSpan
}

func NewMockTracer() *MockTracer {
	return &MockTracer{}
}

// Spans returns the spans started so far
func (t *MockTracer) Spans() []*MockSpan {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*MockSpan(nil), t.spans...)
}

func (t *MockTracer) Start(ctx context.Context, operationName string, opts ...tracingx.SpanOption) (context.Context, tracingx.Span) {
	cfg := &tracingx.SpanConfig{
		Attributes: make(map[string]any),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	span := &MockSpan{
		Name: operationName,
		Tags: make(map[string]any, len(cfg.Attributes)),
	}
	for k, v := range cfg.Attributes {
		span.Tags[k] = v
	}

	t.mu.Lock()
	t.spans = append(t.spans, span)
	t.mu.Unlock()

	return ctx, span
}

func (t *MockTracer) Extract(ctx context.Context, carrier any) (context.Context, error) {
	return ctx, nil
}

func (t *MockTracer) Inject(ctx context.Context, carrier any) error {
	return nil
}

func (t *MockTracer) Shutdown(ctx context.Context) error {
	return nil
}

// MockSpan records what was done to a span
type MockSpan struct {
	Name  string
	Tags  map[string]any
	Err   error
	Ended bool
}

func (s *MockSpan) End() {
	s.Ended = true
}

func (s *MockSpan) SetTag(key string, value any) {
	s.Tags[key] = value
}

func (s *MockSpan) SetError(err error) {
	s.Err = err
}

func (s *MockSpan) LogFields(fields ...tracingx.Field) {}

func (s *MockSpan) Context() context.Context {
	return context.Background()
}

func (s *MockSpan) TraceID() string {
	return "mock-trace-id"
}

func (s *MockSpan) SpanID() string {
	return "mock-span-id"
}
