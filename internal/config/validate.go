package config

import (
	"fmt"
	"time"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks a Config for semantic errors. It returns a slice of all
// validation errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError

	if cfg.Workers < 1 {
		errs = append(errs, ValidationError{Field: "workers", Message: "must be at least 1"})
	}
	if cfg.MaxRegenerates < 0 {
		errs = append(errs, ValidationError{Field: "max_regenerates", Message: "must not be negative"})
	}
	if cfg.ContextDocs < 1 {
		errs = append(errs, ValidationError{Field: "context_docs", Message: "must be at least 1"})
	}
	if _, err := time.ParseDuration(cfg.CheckTimeout); err != nil {
		errs = append(errs, ValidationError{Field: "check_timeout", Message: fmt.Sprintf("invalid duration %q", cfg.CheckTimeout)})
	}
	if _, err := time.ParseDuration(cfg.SmokeTimeout); err != nil {
		errs = append(errs, ValidationError{Field: "smoke_timeout", Message: fmt.Sprintf("invalid duration %q", cfg.SmokeTimeout)})
	}
	if cfg.Model.Endpoint == "" {
		errs = append(errs, ValidationError{Field: "model.endpoint", Message: "is required"})
	}
	if cfg.Model.Name == "" {
		errs = append(errs, ValidationError{Field: "model.name", Message: "is required"})
	}
	return errs
}
