package overlayx

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config field %q: %s", e.Field, e.Message)
}

// Unwrap lets callers match validation failures with errors.Is(err, ErrInvalidConfig)
func (e *ValidationError) Unwrap() error { return ErrInvalidConfig }

var configValidator = validator.New(validator.WithRequiredStructEnabled())

// ValidateConfig performs comprehensive validation of the platform configuration
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return &ValidationError{Field: "config", Message: "configuration cannot be nil"}
	}

	if err := configValidator.Struct(cfg); err != nil {
		return fromValidatorError(err)
	}

	var errs []string
	for i, entry := range cfg.Storages {
		if strings.TrimSpace(entry.ID) != entry.ID {
			errs = append(errs, fmt.Sprintf("storages[%d].id must not have surrounding spaces", i))
		}
		if _, err := entry.ObjectKinds(); err != nil {
			errs = append(errs, fmt.Sprintf("storages[%d]: %v", i, err))
		}
	}

	if len(errs) > 0 {
		return &ValidationError{
			Field:   "config",
			Message: strings.Join(errs, "; "),
		}
	}

	return nil
}

// fromValidatorError converts validator field errors into a ValidationError
func fromValidatorError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return &ValidationError{Field: "config", Message: err.Error()}
	}

	msgs := make([]string, 0, len(fieldErrs))
	field := "config"
	for _, fe := range fieldErrs {
		if len(fieldErrs) == 1 {
			field = fe.Namespace()
		}
		msg := fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag())
		if fe.Param() != "" {
			msg += fmt.Sprintf(" (%s)", fe.Param())
		}
		msgs = append(msgs, msg)
	}
	return &ValidationError{Field: field, Message: strings.Join(msgs, "; ")}
}

// Sanitize applies automatic fixes to configuration where possible and returns
// a sanitized copy without mutating the receiver.
func (cfg *Config) Sanitize() *Config {
	if cfg == nil {
		return DefaultConfig()
	}

	sanitized := *cfg
	sanitized.DefaultAuthor = strings.TrimSpace(sanitized.DefaultAuthor)

	sanitized.Storages = make([]StorageEntry, len(cfg.Storages))
	for i, entry := range cfg.Storages {
		entry.ID = strings.TrimSpace(entry.ID)
		entry.Type = strings.ToLower(strings.TrimSpace(entry.Type))
		if len(entry.Kinds) > 0 {
			kinds := make([]string, len(entry.Kinds))
			for j, k := range entry.Kinds {
				kinds[j] = strings.ToLower(strings.TrimSpace(k))
			}
			entry.Kinds = kinds
		}
		sanitized.Storages[i] = entry
	}

	return &sanitized
}

// sensitiveSettingMarkers flag setting keys whose values never reach logs
var sensitiveSettingMarkers = []string{"secret", "password", "token", "access_key"}

// ConfigSummary returns a safe summary of the configuration for logging
func (cfg *Config) ConfigSummary() map[string]any {
	if cfg == nil {
		return map[string]any{"error": "nil config"}
	}

	storages := make([]map[string]any, 0, len(cfg.Storages))
	for _, entry := range cfg.Storages {
		settings := make(map[string]any, len(entry.Settings))
		for k, v := range entry.Settings {
			if isSensitiveSetting(k) {
				if s, ok := v.(string); ok && s != "" {
					settings["has_"+k] = true
				}
				continue
			}
			settings[k] = v
		}
		storages = append(storages, map[string]any{
			"id":       entry.ID,
			"type":     entry.Type,
			"kinds":    entry.Kinds,
			"settings": settings,
		})
	}

	ids := make([]string, len(cfg.Storages))
	for i, s := range cfg.Storages {
		ids[i] = s.ID
	}
	sort.Strings(ids)

	return map[string]any{
		"default_author":   cfg.DefaultAuthor,
		"legacy_fallbacks": cfg.LegacyFallbacks,
		"enable_logging":   cfg.EnableLogging,
		"storage_ids":      ids,
		"storages":         storages,
	}
}

func isSensitiveSetting(key string) bool {
	key = strings.ToLower(key)
	for _, marker := range sensitiveSettingMarkers {
		if strings.Contains(key, marker) {
			return true
		}
	}
	return false
}
