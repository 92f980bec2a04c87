package s3

import (
	"context"

	"go.uber.org/fx"

	"github.com/gostratum/overlayx"
)

// Type is the registry type name of the S3 storage
const Type = "s3"

// Factory returns the registry factory for S3 storages. The bucket is probed
// when the storage is created, so an unreachable bucket fails startup.
func Factory() overlayx.StorageFactory {
	return overlayx.StorageFactory{
		Type:      Type,
		NewConfig: func() overlayx.StorageConfig { return &Config{} },
		Create: func(ctx context.Context, env overlayx.StorageEnv, sc overlayx.StorageConfig) (overlayx.ObjectStorage, error) {
			return NewFromConfig(ctx, sc.(*Config), env.Logger)
		},
	}
}

// Module contributes the S3 storage factory to the platform registry.
// Consumers should opt-in this module explicitly (e.g. s3.Module()).
func Module() fx.Option {
	return fx.Module("overlayx-s3",
		fx.Provide(
			fx.Annotated{
				Target: Factory,
				Group:  overlayx.FactoryGroup,
			},
		),
	)
}
