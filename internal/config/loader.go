package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/viper"

	apperrors "github.com/relicta-tech/buildline/internal/errors"
)

// EnvPrefix prefixes environment overrides, e.g. BUILDLINE_HISTORY_MAX_RUNS.
const EnvPrefix = "BUILDLINE"

var (
	// envVarPattern matches ${VAR} or ${VAR:-default} syntax
	envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)
	// simpleEnvVarPattern matches $VAR syntax
	simpleEnvVarPattern = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_]*)`)
)

// Loader handles configuration loading and merging.
type Loader struct {
	v           *viper.Viper
	configPath  string
	searchPaths []string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	return &Loader{
		v:           v,
		searchPaths: []string{"."},
	}
}

// WithConfigPath sets an explicit config file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithSearchPaths adds directories to search for config files.
func (l *Loader) WithSearchPaths(paths ...string) *Loader {
	l.searchPaths = append(l.searchPaths, paths...)
	return l
}

// Load loads the configuration.
func (l *Loader) Load() (*Config, error) {
	const op = "config.Load"

	l.setDefaults()

	if err := l.loadConfigFile(); err != nil {
		return nil, apperrors.ConfigWrap(err, op, "failed to load config file")
	}

	cfg := &Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, apperrors.ConfigWrap(err, op, "failed to unmarshal config")
	}

	l.expandEnvVars(cfg)

	return cfg, nil
}

// setDefaults sets default values using Viper. Every key needs a default
// so environment overrides are seen by Unmarshal.
func (l *Loader) setDefaults() {
	defaults := DefaultConfig()

	l.v.SetDefault("server.address", defaults.Server.Address)
	l.v.SetDefault("server.read_timeout", defaults.Server.ReadTimeout)
	l.v.SetDefault("server.write_timeout", defaults.Server.WriteTimeout)
	l.v.SetDefault("server.idle_timeout", defaults.Server.IdleTimeout)
	l.v.SetDefault("server.shutdown_timeout", defaults.Server.ShutdownTimeout)
	l.v.SetDefault("server.cors_origins", defaults.Server.CORSOrigins)
	l.v.SetDefault("server.rate_limit_per_minute", defaults.Server.RateLimitPerMinute)
	l.v.SetDefault("server.auth.mode", defaults.Server.Auth.Mode)

	l.v.SetDefault("history.max_runs", defaults.History.MaxRuns)
	l.v.SetDefault("history.concurrency", defaults.History.Concurrency)

	l.v.SetDefault("lineage.exclude_patterns", defaults.Lineage.ExcludePatterns)
	l.v.SetDefault("lineage.resolve_commit_authors", defaults.Lineage.ResolveCommitAuthors)

	l.v.SetDefault("promotion.retry_attempts", defaults.Promotion.RetryAttempts)
	l.v.SetDefault("promotion.retry_initial_wait", defaults.Promotion.RetryInitialWait)
	l.v.SetDefault("promotion.retry_max_wait", defaults.Promotion.RetryMaxWait)
	l.v.SetDefault("promotion.circuit_breaker_threshold", defaults.Promotion.CircuitBreakerThreshold)
	l.v.SetDefault("promotion.circuit_breaker_timeout", defaults.Promotion.CircuitBreakerTimeout)
	l.v.SetDefault("promotion.rate_limit_per_minute", defaults.Promotion.RateLimitPerMinute)

	l.v.SetDefault("git.binary", defaults.Git.Binary)
	l.v.SetDefault("git.use_cli_fallback", defaults.Git.UseCLIFallback)
	l.v.SetDefault("git.timeout", defaults.Git.Timeout)

	l.v.SetDefault("catalog.path", defaults.Catalog.Path)
	l.v.SetDefault("catalog.watch", defaults.Catalog.Watch)

	l.v.SetDefault("engine.workspace", defaults.Engine.Workspace)
	l.v.SetDefault("engine.base_url", defaults.Engine.BaseURL)
	l.v.SetDefault("engine.queue_size", defaults.Engine.QueueSize)
	l.v.SetDefault("engine.execute", defaults.Engine.Execute)

	l.v.SetDefault("output.format", defaults.Output.Format)
	l.v.SetDefault("output.color", defaults.Output.Color)
	l.v.SetDefault("output.log_level", defaults.Output.LogLevel)
}

// loadConfigFile loads the configuration file.
func (l *Loader) loadConfigFile() error {
	if l.configPath != "" {
		l.v.SetConfigFile(l.configPath)
		if err := l.v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config file %s: %w", l.configPath, err)
		}
		return nil
	}

	configFile, ok := findConfigFile(l.searchPaths)
	if !ok {
		// No config file found - defaults apply
		return nil
	}
	l.v.SetConfigFile(configFile)
	if err := l.v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config file %s: %w", configFile, err)
	}
	return nil
}

func findConfigFile(searchPaths []string) (string, bool) {
	for _, searchPath := range searchPaths {
		for _, name := range ConfigFileNames {
			for _, ext := range ConfigFileExtensions {
				configFile := filepath.Join(searchPath, name+"."+ext)
				if _, err := os.Stat(configFile); err == nil {
					return configFile, true
				}
			}
		}
	}
	return "", false
}

// expandEnvVars expands environment variables in fields that commonly hold
// secrets or deployment-specific paths.
func (l *Loader) expandEnvVars(cfg *Config) {
	for i := range cfg.Server.Auth.APIKeys {
		cfg.Server.Auth.APIKeys[i].Key = expandEnvVar(cfg.Server.Auth.APIKeys[i].Key)
	}
	cfg.Catalog.Path = expandEnvVar(cfg.Catalog.Path)
	cfg.Engine.Workspace = expandEnvVar(cfg.Engine.Workspace)
	cfg.Engine.BaseURL = expandEnvVar(cfg.Engine.BaseURL)
	cfg.Git.Binary = expandEnvVar(cfg.Git.Binary)
}

// expandEnvVar expands environment variables in a string.
// Supports both ${VAR} and $VAR syntax.
func expandEnvVar(s string) string {
	if s == "" {
		return s
	}

	result := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		submatch := envVarPattern.FindStringSubmatch(match)
		if len(submatch) < 2 {
			return match
		}

		varName := submatch[1]
		defaultValue := ""
		if len(submatch) > 2 {
			defaultValue = submatch[2]
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultValue
	})

	// Unset $VAR references are left as written
	result = simpleEnvVarPattern.ReplaceAllStringFunc(result, func(match string) string {
		if value := os.Getenv(match[1:]); value != "" {
			return value
		}
		return match
	})

	return result
}

// GetConfigPath returns the path to the loaded config file, if any.
func (l *Loader) GetConfigPath() string {
	return l.v.ConfigFileUsed()
}

// MergeConfig overrides configuration values, typically from CLI flags.
func (l *Loader) MergeConfig(values map[string]any) {
	for key, value := range values {
		l.v.Set(key, value)
	}
}

// LoadFromFile loads configuration from a specific file.
func LoadFromFile(path string) (*Config, error) {
	return NewLoader().WithConfigPath(path).Load()
}

// FindConfigFile searches for a config file and returns its path.
func FindConfigFile(searchPaths ...string) (string, error) {
	if len(searchPaths) == 0 {
		searchPaths = []string{"."}
	}
	if path, ok := findConfigFile(searchPaths); ok {
		return path, nil
	}
	return "", apperrors.NotFound("config.FindConfigFile", "no config file found")
}
