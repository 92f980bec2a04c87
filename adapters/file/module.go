package file

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/gostratum/overlayx"
)

// Type is the registry type name of the file storage
const Type = "file"

// Legacy folder layouts probed next to a storage root
var (
	legacyImagesDir    = "images"
	legacyTemplatesDir = filepath.Join("data", "templates")
)

// Config holds the file storage configuration
type Config struct {
	// Root is the directory holding the storage tree
	Root string `mapstructure:"root" yaml:"root" validate:"required"`

	// Mutable allows writes
	Mutable bool `mapstructure:"mutable" yaml:"mutable" default:"true"`

	// CreateRoot creates Root when it does not exist
	CreateRoot bool `mapstructure:"create_root" yaml:"create_root" default:"false"`

	// MapFrom and MapTo reattach the logical subtree MapFrom under the
	// physical folder MapTo (e.g. assets/images -> images)
	MapFrom string `mapstructure:"map_from" yaml:"map_from"`
	MapTo   string `mapstructure:"map_to" yaml:"map_to"`
}

func (c *Config) Validate() error {
	if (c.MapFrom == "") != (c.MapTo == "") {
		return &overlayx.ValidationError{Field: "map_from", Message: "map_from and map_to must be set together"}
	}
	if c.MapFrom != "" {
		if _, err := overlayx.ParseStoragePath(c.MapFrom); err != nil {
			return &overlayx.ValidationError{Field: "map_from", Message: err.Error()}
		}
		if _, err := overlayx.ParseStoragePath(c.MapTo); err != nil {
			return &overlayx.ValidationError{Field: "map_to", Message: err.Error()}
		}
	}
	return nil
}

// Mapping returns the path mapping the configuration describes
func (c *Config) Mapping() overlayx.PathMapping {
	if c.MapFrom == "" {
		return overlayx.DefaultMapping{}
	}
	return overlayx.NewMapPrefix(overlayx.MustParseStoragePath(c.MapFrom), overlayx.MustParseStoragePath(c.MapTo))
}

// Factory returns the registry factory for file storages on fsys (the OS
// file system when nil)
func Factory(fsys afero.Fs) overlayx.StorageFactory {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	return overlayx.StorageFactory{
		Type:      Type,
		NewConfig: func() overlayx.StorageConfig { return &Config{} },
		Create: func(_ context.Context, env overlayx.StorageEnv, sc overlayx.StorageConfig) (overlayx.ObjectStorage, error) {
			cfg := sc.(*Config)
			if cfg.CreateRoot {
				if err := fsys.MkdirAll(cfg.Root, 0o755); err != nil {
					return nil, fmt.Errorf("creating root: %w", err)
				}
			}
			return New(fsys, cfg.Root,
				WithMapping(cfg.Mapping()),
				WithMutable(cfg.Mutable),
				WithLogger(env.Logger),
			)
		},
		Fallbacks: func(_ context.Context, env overlayx.StorageEnv, sc overlayx.StorageConfig) ([]overlayx.StorageDescription, error) {
			return LegacyFallbacks(fsys, env.ID, sc.(*Config).Root, env.Logger)
		},
	}
}

// LegacyFallbacks probes root for folder layouts that predate the kind
// prefixes and returns read-only storages serving them:
//
//	<root>/images/x          answers asset "images/x"
//	<root>/data/templates/x  answers template "x"
func LegacyFallbacks(fsys afero.Fs, storageID, root string, logger *zap.Logger) ([]overlayx.StorageDescription, error) {
	probes := []struct {
		name    string
		dir     string
		kind    overlayx.ObjectKind
		logical string
	}{
		{name: "legacy-images", dir: legacyImagesDir, kind: overlayx.KindAsset, logical: "assets/images"},
		{name: "legacy-templates", dir: legacyTemplatesDir, kind: overlayx.KindTemplate, logical: "templates"},
	}

	var descs []overlayx.StorageDescription
	for _, probe := range probes {
		dir := filepath.Join(root, probe.dir)
		ok, err := afero.DirExists(fsys, dir)
		if err != nil {
			return nil, fmt.Errorf("probing %q: %w", dir, err)
		}
		if !ok {
			continue
		}

		s, err := New(fsys, dir,
			WithMapping(overlayx.RemovePrefixFallback{Kind: probe.kind, Prefix: overlayx.MustParseStoragePath(probe.logical)}),
			WithLogger(logger),
		)
		if err != nil {
			return nil, err
		}
		descs = append(descs, overlayx.StorageDescription{
			ID:      overlayx.FallbackID(storageID, probe.name),
			Storage: s,
			Kinds:   []overlayx.ObjectKind{probe.kind},
		})
	}
	return descs, nil
}

// FactoryParams defines optional dependencies of the file storage factory
type FactoryParams struct {
	fx.In

	Fs afero.Fs `optional:"true"`
}

// Module contributes the file storage factory to the platform registry.
// An afero.Fs in the graph replaces the OS file system.
func Module() fx.Option {
	return fx.Module("overlayx-file",
		fx.Provide(
			fx.Annotated{
				Target: func(p FactoryParams) overlayx.StorageFactory { return Factory(p.Fs) },
				Group:  overlayx.FactoryGroup,
			},
		),
	)
}
