package overlayx

import (
	"fmt"
	"strings"

	"github.com/creasty/defaults"
	"github.com/spf13/viper"
)

// Config holds the platform storage configuration
type Config struct {
	// DefaultAuthor is used for writes when the context carries no author
	DefaultAuthor string `mapstructure:"default_author" yaml:"default_author"`

	// LegacyFallbacks enables probing storages for legacy on-disk layouts
	LegacyFallbacks bool `mapstructure:"legacy_fallbacks" yaml:"legacy_fallbacks" default:"true"`

	// EnableLogging enables detailed operation logging
	EnableLogging bool `mapstructure:"enable_logging" yaml:"enable_logging" default:"false"`

	// Storages are registered in order; later entries take precedence.
	// List internal storages first, then plugins, then external ones.
	Storages []StorageEntry `mapstructure:"storages" yaml:"storages" validate:"dive"`
}

// StorageEntry declares one storage of the stack
type StorageEntry struct {
	// ID names the storage; "/" is reserved for derived fallback storages
	ID string `mapstructure:"id" yaml:"id" validate:"required,excludesall=/"`

	// Type selects the factory in the StorageRegistry (e.g. "file", "memory")
	Type string `mapstructure:"type" yaml:"type" validate:"required"`

	// Kinds restricts the storage to some object kinds; empty means all
	Kinds []string `mapstructure:"kinds" yaml:"kinds"`

	// Settings is decoded into the factory's StorageConfig
	Settings map[string]any `mapstructure:"settings" yaml:"settings"`
}

// ObjectKinds parses Kinds.
func (e StorageEntry) ObjectKinds() ([]ObjectKind, error) {
	kinds := make([]ObjectKind, 0, len(e.Kinds))
	for _, s := range e.Kinds {
		k, ok := ParseObjectKind(s)
		if !ok {
			return nil, fmt.Errorf("%w: storage %q: unknown kind %q", ErrInvalidConfig, e.ID, s)
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// Prefix implements configx.Configurable and returns the configuration prefix
func (Config) Prefix() string { return "overlay" }

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		panic(fmt.Sprintf("overlayx: invalid default tags: %v", err))
	}
	return cfg
}

// LoadConfig reads the configuration from v, or from a fresh viper instance
// looking for overlay.yaml and OVERLAY_* environment variables when v is nil.
func LoadConfig(v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
		setupViper(v)
	}

	cfg := DefaultConfig()
	if err := v.UnmarshalKey(cfg.Prefix(), cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg = cfg.Sanitize()
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// setupViper configures viper with default settings
func setupViper(v *viper.Viper) {
	v.SetConfigName("overlay")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/overlay")
	v.AddConfigPath("$HOME/.config/overlay")

	v.SetDefault("overlay.legacy_fallbacks", true)
	v.SetDefault("overlay.enable_logging", false)

	v.SetEnvPrefix("OVERLAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("overlay.default_author", "OVERLAY_DEFAULT_AUTHOR")
	_ = v.BindEnv("overlay.legacy_fallbacks", "OVERLAY_LEGACY_FALLBACKS")
	_ = v.BindEnv("overlay.enable_logging", "OVERLAY_ENABLE_LOGGING")

	// Config file is optional
	_ = v.ReadInConfig()
}

// String returns a safe string representation
func (c *Config) String() string {
	ids := make([]string, len(c.Storages))
	for i, s := range c.Storages {
		ids[i] = s.ID + ":" + s.Type
	}
	return fmt.Sprintf("Config{Storages:[%s], LegacyFallbacks:%v}", strings.Join(ids, " "), c.LegacyFallbacks)
}
