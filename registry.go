package overlayx

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"go.uber.org/zap"
)

// StorageConfig is the decoded, backend-specific configuration of one
// storage. Implementations are pointers to structs carrying mapstructure,
// default and validate tags.
type StorageConfig interface {
	// Validate performs checks the struct tags cannot express
	Validate() error
}

// StorageEnv carries shared dependencies into storage factories.
type StorageEnv struct {
	// ID is the storage id the backend is created for
	ID string

	Logger *zap.Logger
}

// StorageFactory creates backends of one type.
type StorageFactory struct {
	// Type is the name used in StorageEntry.Type
	Type string

	// NewConfig returns an empty configuration to decode settings into
	NewConfig func() StorageConfig

	// Create builds the backend from a validated configuration
	Create func(ctx context.Context, env StorageEnv, cfg StorageConfig) (ObjectStorage, error)

	// Fallbacks optionally probes for legacy layouts belonging to the storage
	// and returns extra read-only storages to register ahead of it
	Fallbacks func(ctx context.Context, env StorageEnv, cfg StorageConfig) ([]StorageDescription, error)

	// Exclusive is set when the medium admits a single open backend, as a
	// locked database directory does. A storage of this type is closed
	// before its replacement is created.
	Exclusive bool
}

// StorageRegistry maps storage type names to factories.
type StorageRegistry struct {
	mu        sync.RWMutex
	factories map[string]StorageFactory
	validate  *validator.Validate
}

// NewStorageRegistry creates a registry holding factories.
func NewStorageRegistry(factories ...StorageFactory) (*StorageRegistry, error) {
	r := &StorageRegistry{
		factories: make(map[string]StorageFactory),
		validate:  validator.New(validator.WithRequiredStructEnabled()),
	}
	for _, f := range factories {
		if err := r.Register(f); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a factory. Registering a type twice is an error.
func (r *StorageRegistry) Register(f StorageFactory) error {
	name := strings.ToLower(strings.TrimSpace(f.Type))
	if name == "" || f.NewConfig == nil || f.Create == nil {
		return fmt.Errorf("%w: storage factory %q is incomplete", ErrInvalidConfig, f.Type)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("%w: storage type %q registered twice", ErrInvalidConfig, name)
	}
	f.Type = name
	r.factories[name] = f
	return nil
}

// Types returns the registered type names, sorted.
func (r *StorageRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *StorageRegistry) factory(typeName string) (StorageFactory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[strings.ToLower(strings.TrimSpace(typeName))]
	if !ok {
		return StorageFactory{}, fmt.Errorf("%w: %q", ErrUnknownStorageType, typeName)
	}
	return f, nil
}

// DecodeConfig turns the settings of entry into the factory's validated
// configuration: defaults first, then settings, then validation.
func (r *StorageRegistry) DecodeConfig(entry StorageEntry) (StorageConfig, error) {
	f, err := r.factory(entry.Type)
	if err != nil {
		return nil, err
	}

	cfg := f.NewConfig()
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("%w: storage %q: applying defaults: %v", ErrInvalidConfig, entry.ID, err)
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(entry.Settings); err != nil {
		return nil, fmt.Errorf("%w: storage %q: %v", ErrInvalidConfig, entry.ID, err)
	}

	if err := r.validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("storage %q: %w", entry.ID, fromValidatorError(err))
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("storage %q: %w", entry.ID, err)
	}
	return cfg, nil
}

// Create decodes entry and builds its backend together with any legacy
// fallback storages the factory discovers.
func (r *StorageRegistry) Create(ctx context.Context, env StorageEnv, entry StorageEntry, withFallbacks bool) (ObjectStorage, []StorageDescription, error) {
	f, err := r.factory(entry.Type)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := r.DecodeConfig(entry)
	if err != nil {
		return nil, nil, err
	}

	storage, err := f.Create(ctx, env, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create storage %q (%s): %w", entry.ID, f.Type, err)
	}

	if !withFallbacks || f.Fallbacks == nil {
		return storage, nil, nil
	}
	fallbacks, err := f.Fallbacks(ctx, env, cfg)
	if err != nil {
		if closer, ok := storage.(io.Closer); ok {
			_ = closer.Close()
		}
		return nil, nil, fmt.Errorf("failed to probe legacy layout of storage %q: %w", entry.ID, err)
	}
	return storage, fallbacks, nil
}
