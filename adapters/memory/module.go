package memory

import (
	"context"

	"go.uber.org/fx"

	"github.com/gostratum/overlayx"
)

// Type is the registry type name of the in-memory storage
const Type = "memory"

// Config is the in-memory storage configuration. It has no settings.
type Config struct{}

func (*Config) Validate() error { return nil }

// Factory returns the registry factory for in-memory storages
func Factory() overlayx.StorageFactory {
	return overlayx.StorageFactory{
		Type:      Type,
		NewConfig: func() overlayx.StorageConfig { return &Config{} },
		Create: func(_ context.Context, env overlayx.StorageEnv, _ overlayx.StorageConfig) (overlayx.ObjectStorage, error) {
			return New(WithLogger(env.Logger)), nil
		},
	}
}

// Module contributes the in-memory storage factory to the platform registry.
func Module() fx.Option {
	return fx.Module("overlayx-memory",
		fx.Provide(
			fx.Annotated{
				Target: Factory,
				Group:  overlayx.FactoryGroup,
			},
		),
	)
}
