package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"

	apperrors "github.com/relicta-tech/buildline/internal/errors"
)

// minAPIKeyLength is the shortest API key accepted without a warning.
const minAPIKeyLength = 16

var validRoles = []string{"admin", "promoter", "viewer"}

// ValidationError contains all validation errors and warnings.
type ValidationError struct {
	Errors   []string
	Warnings []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	var parts []string

	if len(e.Errors) > 0 {
		parts = append(parts, fmt.Sprintf("Errors:\n  - %s", strings.Join(e.Errors, "\n  - ")))
	}

	if len(e.Warnings) > 0 {
		parts = append(parts, fmt.Sprintf("Warnings:\n  - %s", strings.Join(e.Warnings, "\n  - ")))
	}

	return fmt.Sprintf("configuration validation failed:\n%s", strings.Join(parts, "\n"))
}

// HasErrors returns true if there are validation errors.
func (e *ValidationError) HasErrors() bool {
	return len(e.Errors) > 0
}

// HasWarnings returns true if there are validation warnings.
func (e *ValidationError) HasWarnings() bool {
	return len(e.Warnings) > 0
}

// Addf adds a formatted error to the validation error.
func (e *ValidationError) Addf(format string, args ...any) {
	e.Errors = append(e.Errors, fmt.Sprintf(format, args...))
}

// Warnf adds a formatted warning to the validation error.
func (e *ValidationError) Warnf(format string, args ...any) {
	e.Warnings = append(e.Warnings, fmt.Sprintf(format, args...))
}

// Validator validates configuration.
type Validator struct {
	errors *ValidationError
	logger *slog.Logger
}

// NewValidator creates a new configuration validator. Warnings are logged
// to logger, or to the default logger when nil.
func NewValidator(logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		errors: &ValidationError{},
		logger: logger,
	}
}

// Validate validates the configuration.
func (v *Validator) Validate(cfg *Config) error {
	v.validateServer(cfg.Server)
	v.validateHistory(cfg.History)
	v.validateLineage(cfg.Lineage)
	v.validatePromotion(cfg.Promotion)
	v.validateGit(cfg.Git)
	v.validateCatalog(cfg.Catalog)
	v.validateEngine(cfg.Engine)
	v.validateOutput(cfg.Output)

	for _, warning := range v.errors.Warnings {
		v.logger.Warn("configuration warning", "warning", warning)
	}

	if v.errors.HasErrors() {
		return apperrors.Validation("config.Validate", v.errors.Error())
	}

	return nil
}

// Result returns the collected errors and warnings.
func (v *Validator) Result() *ValidationError {
	return v.errors
}

func (v *Validator) validateServer(cfg ServerConfig) {
	if strings.TrimSpace(cfg.Address) == "" {
		v.errors.Addf("server.address: required")
	}
	for name, d := range map[string]int64{
		"read_timeout":     int64(cfg.ReadTimeout),
		"write_timeout":    int64(cfg.WriteTimeout),
		"idle_timeout":     int64(cfg.IdleTimeout),
		"shutdown_timeout": int64(cfg.ShutdownTimeout),
	} {
		if d < 0 {
			v.errors.Addf("server.%s: must not be negative", name)
		}
	}
	if cfg.RateLimitPerMinute < 0 {
		v.errors.Addf("server.rate_limit_per_minute: must not be negative")
	}
	for i, origin := range cfg.CORSOrigins {
		if origin == "*" {
			continue
		}
		if u, err := url.Parse(origin); err != nil || u.Scheme == "" || u.Host == "" {
			v.errors.Addf("server.cors_origins[%d]: invalid origin %q", i, origin)
		}
	}

	switch cfg.Auth.Mode {
	case AuthModeNone:
		v.errors.Warnf("server.auth.mode: authentication is disabled; every request acts as an admin")
	case AuthModeAPIKey:
		if len(cfg.Auth.APIKeys) == 0 {
			v.errors.Warnf("server.auth.api_keys: none configured; every API request will be rejected")
		}
	default:
		v.errors.Addf("server.auth.mode: must be one of [%s %s], got %q", AuthModeAPIKey, AuthModeNone, cfg.Auth.Mode)
	}

	seen := make(map[string]bool, len(cfg.Auth.APIKeys))
	for i, key := range cfg.Auth.APIKeys {
		if key.Key == "" {
			v.errors.Addf("server.auth.api_keys[%d].key: required", i)
			continue
		}
		if seen[key.Key] {
			v.errors.Addf("server.auth.api_keys[%d].key: duplicate key", i)
		}
		seen[key.Key] = true
		if len(key.Key) < minAPIKeyLength {
			v.errors.Warnf("server.auth.api_keys[%d].key: shorter than %d characters", i, minAPIKeyLength)
		}
		if key.UserID == "" {
			v.errors.Addf("server.auth.api_keys[%d].user_id: required", i)
		}
		for _, role := range key.Roles {
			if !slices.Contains(validRoles, role) {
				v.errors.Addf("server.auth.api_keys[%d].roles: unknown role %q, must be one of %v", i, role, validRoles)
			}
		}
	}
}

func (v *Validator) validateHistory(cfg HistoryConfig) {
	if cfg.MaxRuns < 1 {
		v.errors.Addf("history.max_runs: must be at least 1, got %d", cfg.MaxRuns)
	}
	if cfg.Concurrency < 1 {
		v.errors.Addf("history.concurrency: must be at least 1, got %d", cfg.Concurrency)
	}
}

func (v *Validator) validateLineage(cfg LineageConfig) {
	if len(cfg.ExcludePatterns) == 0 {
		v.errors.Warnf("lineage.exclude_patterns: empty; the built-in patterns apply")
	}
	for i, p := range cfg.ExcludePatterns {
		if strings.TrimSpace(p) == "" {
			v.errors.Addf("lineage.exclude_patterns[%d]: must not be blank", i)
		}
	}
}

func (v *Validator) validatePromotion(cfg PromotionConfig) {
	if cfg.RetryAttempts < 1 {
		v.errors.Addf("promotion.retry_attempts: must be at least 1, got %d", cfg.RetryAttempts)
	}
	if cfg.RetryInitialWait < 0 || cfg.RetryMaxWait < 0 {
		v.errors.Addf("promotion: retry waits must not be negative")
	}
	if cfg.RetryMaxWait > 0 && cfg.RetryInitialWait > cfg.RetryMaxWait {
		v.errors.Addf("promotion.retry_initial_wait: exceeds retry_max_wait")
	}
	if cfg.CircuitBreakerThreshold < 0 {
		v.errors.Addf("promotion.circuit_breaker_threshold: must not be negative")
	}
	if cfg.CircuitBreakerThreshold > 0 && cfg.CircuitBreakerTimeout <= 0 {
		v.errors.Addf("promotion.circuit_breaker_timeout: required when the circuit breaker is enabled")
	}
	if cfg.RateLimitPerMinute < 0 {
		v.errors.Addf("promotion.rate_limit_per_minute: must not be negative")
	}
}

func (v *Validator) validateGit(cfg GitConfig) {
	if cfg.UseCLIFallback && strings.TrimSpace(cfg.Binary) == "" {
		v.errors.Addf("git.binary: required when use_cli_fallback is enabled")
	}
	if cfg.Timeout <= 0 {
		v.errors.Addf("git.timeout: must be positive")
	}
}

func (v *Validator) validateCatalog(cfg CatalogConfig) {
	if strings.TrimSpace(cfg.Path) == "" {
		v.errors.Addf("catalog.path: required")
	}
}

func (v *Validator) validateEngine(cfg EngineConfig) {
	if cfg.QueueSize < 1 {
		v.errors.Addf("engine.queue_size: must be at least 1, got %d", cfg.QueueSize)
	}
	if cfg.BaseURL != "" && !strings.HasSuffix(cfg.BaseURL, "/") {
		v.errors.Addf("engine.base_url: must end with /")
	}
	if cfg.Execute && strings.TrimSpace(cfg.Workspace) == "" {
		v.errors.Addf("engine.workspace: required when execute is enabled")
	}
}

func (v *Validator) validateOutput(cfg OutputConfig) {
	validFormats := []string{"text", "json"}
	if !slices.Contains(validFormats, cfg.Format) {
		v.errors.Addf("output.format: must be one of %v, got %q", validFormats, cfg.Format)
	}

	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(validLogLevels, cfg.LogLevel) {
		v.errors.Addf("output.log_level: must be one of %v, got %q", validLogLevels, cfg.LogLevel)
	}
}

// Validate is a convenience function to validate configuration.
func Validate(cfg *Config) error {
	return NewValidator(nil).Validate(cfg)
}

// ValidateAndLoad loads the configuration at path, or the first one found
// in the working directory when path is empty, and validates it.
func ValidateAndLoad(path string) (*Config, error) {
	loader := NewLoader()
	if path != "" {
		loader.WithConfigPath(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}
