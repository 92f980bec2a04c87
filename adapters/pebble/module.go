package pebble

import (
	"context"

	"go.uber.org/fx"

	"github.com/gostratum/overlayx"
)

// Type is the registry type name of the pebble storage
const Type = "pebble"

// Config holds the pebble storage configuration
type Config struct {
	// Dir is the directory holding the store
	Dir string `mapstructure:"dir" yaml:"dir"`

	// InMemory keeps the store in process memory; Dir is ignored
	InMemory bool `mapstructure:"in_memory" yaml:"in_memory" default:"false"`

	// Compress stores content zstd-compressed
	Compress bool `mapstructure:"compress" yaml:"compress" default:"true"`
}

func (c *Config) Validate() error {
	if c.Dir == "" && !c.InMemory {
		return &overlayx.ValidationError{Field: "dir", Message: "dir is required unless in_memory is set"}
	}
	return nil
}

// Factory returns the registry factory for pebble storages. Created storages
// are closed by PlatformStorage.Close. A pebble directory is locked while
// open, so re-registering an id closes the previous store first.
func Factory() overlayx.StorageFactory {
	return overlayx.StorageFactory{
		Type:      Type,
		Exclusive: true,
		NewConfig: func() overlayx.StorageConfig { return &Config{} },
		Create: func(_ context.Context, env overlayx.StorageEnv, sc overlayx.StorageConfig) (overlayx.ObjectStorage, error) {
			cfg := sc.(*Config)
			opts := []Option{WithCompression(cfg.Compress), WithLogger(env.Logger)}
			if cfg.InMemory {
				return OpenInMemory(opts...)
			}
			return Open(cfg.Dir, nil, opts...)
		},
	}
}

// Module contributes the pebble storage factory to the platform registry.
func Module() fx.Option {
	return fx.Module("overlayx-pebble",
		fx.Provide(
			fx.Annotated{
				Target: Factory,
				Group:  overlayx.FactoryGroup,
			},
		),
	)
}
