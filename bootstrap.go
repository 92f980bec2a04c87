package overlayx

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Build creates a platform storage holding every storage declared in cfg.
// Storages are registered in declaration order, so the last entry ends up
// with the highest priority.
func Build(ctx context.Context, cfg *Config, registry *StorageRegistry, options ...Option) (*PlatformStorage, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	opts := append([]Option{WithDefaultAuthor(cfg.DefaultAuthor)}, options...)
	p := NewPlatformStorage(opts...)
	if err := p.Load(ctx, cfg, registry); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

// Load registers every storage declared in cfg.
func (p *PlatformStorage) Load(ctx context.Context, cfg *Config, registry *StorageRegistry) error {
	if err := ValidateConfig(cfg); err != nil {
		return err
	}
	for _, entry := range cfg.Storages {
		if err := p.Register(ctx, registry, entry, cfg.LegacyFallbacks); err != nil {
			return err
		}
	}
	p.logger.Info("Platform storage loaded",
		zap.Strings("search_order", p.SearchOrder()),
		zap.Bool("legacy_fallbacks", cfg.LegacyFallbacks))
	return nil
}

// Register creates the storage declared by entry and places it at the front
// of the search order, followed by any legacy fallback storages the backend
// reports. A storage already registered under the same id is replaced
// together with its fallbacks in a single swap, and closed afterwards when
// the platform created it. Fallbacks are narrowed to the kinds entry covers.
func (p *PlatformStorage) Register(ctx context.Context, registry *StorageRegistry, entry StorageEntry, withFallbacks bool) error {
	if registry == nil {
		return fmt.Errorf("%w: no storage registry", ErrInvalidConfig)
	}
	kinds, err := entry.ObjectKinds()
	if err != nil {
		return err
	}
	factory, err := registry.factory(entry.Type)
	if err != nil {
		return err
	}

	p.regMu.Lock()
	defer p.regMu.Unlock()

	family := func(id string) bool {
		return id == entry.ID || strings.HasPrefix(id, entry.ID+"/")
	}
	if prev, ok := p.GetDescription(entry.ID); ok && factory.Exclusive && prev.createdAs == factory.Type {
		p.logger.Info("Releasing storage before reopening", zap.String("storage_id", entry.ID))
		p.release(p.replace(family, nil))
	}

	env := StorageEnv{
		ID:     entry.ID,
		Logger: p.logger.With(zap.String("storage_id", entry.ID)),
	}
	storage, fallbacks, err := registry.Create(ctx, env, entry, withFallbacks)
	if err != nil {
		return err
	}

	main := StorageDescription{ID: entry.ID, Storage: storage, Kinds: kinds, createdAs: factory.Type}
	for i := range fallbacks {
		fallbacks[i].createdAs = factory.Type
	}
	for _, fb := range fallbacks {
		err := fb.validate()
		if err == nil && (fb.ID == entry.ID || !family(fb.ID)) {
			err = fmt.Errorf("%w: fallback %q does not belong to storage %q", ErrInvalidConfig, fb.ID, entry.ID)
		}
		if err != nil {
			p.release(append([]StorageDescription{main}, fallbacks...))
			return err
		}
	}

	add := []StorageDescription{main}
	for _, fb := range fallbacks {
		narrowed, ok := fb.within(main)
		if !ok {
			p.logger.Debug("Skipping legacy fallback outside the storage kinds",
				zap.String("storage_id", entry.ID),
				zap.String("fallback_id", fb.ID))
			p.release([]StorageDescription{fb})
			continue
		}
		add = append(add, narrowed)
	}

	p.release(p.replace(family, add))
	for _, fb := range add[1:] {
		p.logger.Info("Legacy layout detected",
			zap.String("storage_id", entry.ID),
			zap.String("fallback_id", fb.ID))
	}
	return nil
}

// FallbackID names a legacy fallback storage derived from storageID.
func FallbackID(storageID, name string) string {
	return storageID + "/" + name
}
