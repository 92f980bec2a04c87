package embedded

import (
	"context"
	"fmt"
	"io/fs"

	"go.uber.org/fx"

	"github.com/gostratum/overlayx"
)

// Type is the registry type name of the embedded resource storage
const Type = "embedded"

// SourceGroup is the fx value group carrying named resource file systems
const SourceGroup = "overlay_embedded_sources"

// Source names a resource file system, typically an embed.FS
type Source struct {
	Name string
	FS   fs.FS
}

// Config holds the embedded storage configuration
type Config struct {
	// Source selects a registered resource file system by name
	Source string `mapstructure:"source" yaml:"source" validate:"required"`

	// Root is the folder inside the source holding the storage tree
	Root string `mapstructure:"root" yaml:"root"`
}

func (c *Config) Validate() error {
	if _, err := overlayx.ParseStoragePath(c.Root); err != nil {
		return &overlayx.ValidationError{Field: "root", Message: err.Error()}
	}
	return nil
}

// Factory returns the registry factory for embedded storages over sources
func Factory(sources ...Source) overlayx.StorageFactory {
	byName := make(map[string]fs.FS, len(sources))
	for _, src := range sources {
		byName[src.Name] = src.FS
	}
	return overlayx.StorageFactory{
		Type:      Type,
		NewConfig: func() overlayx.StorageConfig { return &Config{} },
		Create: func(_ context.Context, env overlayx.StorageEnv, sc overlayx.StorageConfig) (overlayx.ObjectStorage, error) {
			cfg := sc.(*Config)
			fsys, ok := byName[cfg.Source]
			if !ok {
				return nil, fmt.Errorf("%w: unknown resource source %q", overlayx.ErrInvalidConfig, cfg.Source)
			}
			return New(fsys, cfg.Root, WithLogger(env.Logger))
		},
	}
}

// FactoryParams collects the resource sources contributed to the graph
type FactoryParams struct {
	fx.In

	Sources []Source `group:"overlay_embedded_sources"`
}

// Module contributes the embedded storage factory to the platform registry.
func Module() fx.Option {
	return fx.Module("overlayx-embedded",
		fx.Provide(
			fx.Annotated{
				Target: func(p FactoryParams) overlayx.StorageFactory { return Factory(p.Sources...) },
				Group:  overlayx.FactoryGroup,
			},
		),
	)
}

// ProvideSource contributes a named resource file system to the factory.
func ProvideSource(name string, fsys fs.FS) fx.Option {
	return fx.Provide(
		fx.Annotated{
			Target: func() Source { return Source{Name: name, FS: fsys} },
			Group:  SourceGroup,
		},
	)
}
