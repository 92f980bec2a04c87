package overlayx

import (
	"time"

	"go.uber.org/zap"
)

// Options holds functional options for customizing platform storage behavior
type Options struct {
	logger        *zap.Logger
	instrumenter  *Instrumenter
	clock         func() time.Time
	defaultAuthor string
}

// Option is a functional option for configuring PlatformStorage
type Option func(*Options)

// WithLogger sets a custom zap logger
func WithLogger(logger *zap.Logger) Option {
	return func(opts *Options) {
		opts.logger = logger
	}
}

// WithInstrumenter sets the metrics/tracing instrumenter
func WithInstrumenter(i *Instrumenter) Option {
	return func(opts *Options) {
		opts.instrumenter = i
	}
}

// WithClock sets a custom time provider (useful for testing)
func WithClock(clock func() time.Time) Option {
	return func(opts *Options) {
		opts.clock = clock
	}
}

// WithDefaultAuthor sets the author used when the context carries none
func WithDefaultAuthor(author string) Option {
	return func(opts *Options) {
		opts.defaultAuthor = author
	}
}

// applyDefaults applies default values to unset options
func (opts *Options) applyDefaults() {
	if opts.logger == nil {
		opts.logger = zap.NewNop()
	}
	if opts.instrumenter == nil {
		opts.instrumenter = NewInstrumenter(nil, nil)
	}
	if opts.clock == nil {
		opts.clock = time.Now
	}
}

func newOptions(options ...Option) *Options {
	opts := &Options{}
	for _, opt := range options {
		opt(opts)
	}
	opts.applyDefaults()
	return opts
}

// GetLogger returns the configured logger
func (opts *Options) GetLogger() *zap.Logger {
	if opts.logger == nil {
		return zap.NewNop()
	}
	return opts.logger
}

// GetClock returns the configured clock function
func (opts *Options) GetClock() func() time.Time {
	if opts.clock == nil {
		return time.Now
	}
	return opts.clock
}
