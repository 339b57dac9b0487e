package config

import (
	"errors"
	"fmt"
)

// ValidationError contains details about what failed validation.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config.%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// validateConfig checks all config values for validity.
// Returns nil if valid, or joined errors for all validation failures.
func validateConfig(cfg *Config) error {
	var errs []error

	if cfg.StateDir == "" {
		errs = append(errs, &ValidationError{
			Field:   "state_dir",
			Value:   cfg.StateDir,
			Message: "must not be empty",
		})
	}

	if cfg.TenantConfig == "" {
		errs = append(errs, &ValidationError{
			Field:   "tenant_config",
			Value:   cfg.TenantConfig,
			Message: "must not be empty",
		})
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, &ValidationError{
			Field:   "log_level",
			Value:   cfg.LogLevel,
			Message: "must be one of: debug, info, warn, error",
		})
	}

	if cfg.Web.Listen == "" {
		errs = append(errs, &ValidationError{
			Field:   "web.listen",
			Value:   cfg.Web.Listen,
			Message: "must not be empty",
		})
	}

	seen := map[string]bool{}
	for i := range cfg.Connections {
		cc := &cfg.Connections[i]
		applyConnectionDefaults(cc)
		if cc.Name == "" {
			errs = append(errs, &ValidationError{
				Field:   fmt.Sprintf("connections[%d].name", i),
				Value:   cc.Name,
				Message: "must not be empty",
			})
			continue
		}
		if seen[cc.Name] {
			errs = append(errs, &ValidationError{
				Field:   fmt.Sprintf("connections[%d].name", i),
				Value:   cc.Name,
				Message: "duplicate connection name",
			})
		}
		seen[cc.Name] = true
		if cc.Driver != "github" {
			errs = append(errs, &ValidationError{
				Field:   fmt.Sprintf("connections[%d].driver", i),
				Value:   cc.Driver,
				Message: "must be 'github'",
			})
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
