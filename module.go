package overlayx

import (
	"context"
	"fmt"

	"github.com/gostratum/core"
	"github.com/gostratum/core/configx"
	"github.com/gostratum/metricsx"
	"github.com/gostratum/tracingx"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// FactoryGroup is the fx value group adapters contribute StorageFactory values to.
const FactoryGroup = "overlay_storage_factories"

// Module provides the platform storage for fx.
// The storage types available to the configuration come from adapter
// modules (e.g. file.Module(), memory.Module()) that contribute factories
// to the FactoryGroup value group.
//
// Example usage:
//
//	app := core.New(
//	    overlayx.Module(),
//	    file.Module(),
//	    memory.Module(),
//	    fx.Invoke(func(ps *overlayx.PlatformStorage) {
//	        // Use the platform storage...
//	    }),
//	)
func Module() fx.Option {
	return fx.Module("overlayx",
		fx.Provide(
			NewConfig,
			NewRegistry,
			NewObservabilityInstrumenter,
			NewPlatform,
		),
		fx.Provide(
			fx.Annotated{
				Target: newPlatformHealthCheck,
				Group:  "health_checkers",
			},
		),
	)
}

// NewConfig creates a new configuration from the configx loader
func NewConfig(loader configx.Loader) (*Config, error) {
	cfg := DefaultConfig()
	if err := loader.Bind(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Sanitize and validate
	cfg = cfg.Sanitize()
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// RegistryParams collects the factories contributed by adapter modules
type RegistryParams struct {
	fx.In

	Factories []StorageFactory `group:"overlay_storage_factories"`
}

// NewRegistry creates the storage registry from every contributed factory
func NewRegistry(params RegistryParams) (*StorageRegistry, error) {
	return NewStorageRegistry(params.Factories...)
}

// ObservabilityDeps defines optional observability dependencies
type ObservabilityDeps struct {
	fx.In

	Metrics metricsx.Metrics `optional:"true"`
	Tracer  tracingx.Tracer  `optional:"true"`
}

// NewObservabilityInstrumenter creates an instrumenter for platform storage operations
func NewObservabilityInstrumenter(deps ObservabilityDeps) *Instrumenter {
	return NewInstrumenter(deps.Metrics, deps.Tracer)
}

// PlatformParams defines the parameters needed for platform storage creation
type PlatformParams struct {
	fx.In

	Lifecycle    fx.Lifecycle
	Config       *Config
	Registry     *StorageRegistry
	Instrumenter *Instrumenter `optional:"true"`
	Logger       *zap.Logger   `optional:"true"`
}

// NewPlatform creates the platform storage. Storages are created during
// OnStart so backends can use the lifecycle context, and closed on OnStop.
func NewPlatform(params PlatformParams) *PlatformStorage {
	opts := []Option{
		WithDefaultAuthor(params.Config.DefaultAuthor),
		WithInstrumenter(params.Instrumenter),
	}
	if params.Logger != nil && params.Config.EnableLogging {
		opts = append(opts, WithLogger(params.Logger.Named("overlayx")))
	}
	p := NewPlatformStorage(opts...)

	params.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			p.logger.Info("Platform storage starting", zap.Any("config", params.Config.ConfigSummary()))
			return p.Load(ctx, params.Config, params.Registry)
		},
		OnStop: func(ctx context.Context) error {
			p.logger.Info("Platform storage stopping")
			return p.Close()
		},
	})

	return p
}

// WithCustomPlatform provides a concrete PlatformStorage to the fx graph.
// Useful for tests that assemble the stack by hand.
func WithCustomPlatform(p *PlatformStorage) fx.Option {
	return fx.Supply(p)
}

// platformHealthCheck implements core.Check over every storage that can ping
// its medium
type platformHealthCheck struct {
	platform *PlatformStorage
}

func newPlatformHealthCheck(p *PlatformStorage) core.Check {
	return &platformHealthCheck{platform: p}
}

func (c *platformHealthCheck) Name() string { return "overlayx.platform" }

func (c *platformHealthCheck) Kind() core.Kind { return core.Readiness }

func (c *platformHealthCheck) Check(ctx context.Context) error {
	if c.platform == nil {
		return fmt.Errorf("no platform storage")
	}
	if len(c.platform.SearchOrder()) == 0 {
		return fmt.Errorf("no storages registered")
	}
	return c.platform.Ping(ctx)
}
