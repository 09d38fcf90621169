// Package config provides configuration management for buildline.
package config

import (
	"slices"
	"time"

	"github.com/relicta-tech/buildline/internal/domain/lineage"
)

// Config is the root configuration for buildline.
type Config struct {
	// Server configures the HTTP API.
	Server ServerConfig `mapstructure:"server" json:"server"`
	// History configures build history queries.
	History HistoryConfig `mapstructure:"history" json:"history"`
	// Lineage configures change-set attribution.
	Lineage LineageConfig `mapstructure:"lineage" json:"lineage"`
	// Promotion configures how promotion builds are submitted.
	Promotion PromotionConfig `mapstructure:"promotion" json:"promotion"`
	// Git configures commit lookups in build workspaces.
	Git GitConfig `mapstructure:"git" json:"git"`
	// Catalog configures the job catalog file.
	Catalog CatalogConfig `mapstructure:"catalog" json:"catalog"`
	// Engine configures the build engine.
	Engine EngineConfig `mapstructure:"engine" json:"engine"`
	// Output configures output settings.
	Output OutputConfig `mapstructure:"output" json:"output"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	// Address is the listen address, e.g. ":8080".
	Address string `mapstructure:"address" json:"address"`
	// ReadTimeout bounds reading a request.
	ReadTimeout time.Duration `mapstructure:"read_timeout" json:"read_timeout"`
	// WriteTimeout bounds writing a response.
	WriteTimeout time.Duration `mapstructure:"write_timeout" json:"write_timeout"`
	// IdleTimeout bounds keep-alive connections.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" json:"idle_timeout"`
	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" json:"shutdown_timeout"`
	// CORSOrigins are the origins allowed to call the API from a browser.
	CORSOrigins []string `mapstructure:"cors_origins" json:"cors_origins,omitempty"`
	// RateLimitPerMinute limits requests per client address; zero disables
	// the limit.
	RateLimitPerMinute int `mapstructure:"rate_limit_per_minute" json:"rate_limit_per_minute"`
	// Auth configures request authentication.
	Auth AuthConfig `mapstructure:"auth" json:"auth"`
}

// Auth modes.
const (
	AuthModeAPIKey = "api_key"
	AuthModeNone   = "none"
)

// AuthConfig configures request authentication.
type AuthConfig struct {
	// Mode is api_key or none.
	Mode string `mapstructure:"mode" json:"mode"`
	// APIKeys maps keys to the identity using them.
	APIKeys []APIKeyConfig `mapstructure:"api_keys" json:"api_keys,omitempty"`
}

// APIKeyConfig is one API key and the identity it authenticates.
type APIKeyConfig struct {
	// Key is the secret. ${VAR} references are expanded.
	Key string `mapstructure:"key" json:"-"`
	// UserID is the build-system user the key acts as.
	UserID string `mapstructure:"user_id" json:"user_id"`
	// Roles granted to the key, e.g. promoter or admin.
	Roles []string `mapstructure:"roles" json:"roles,omitempty"`
}

// HistoryConfig configures build history queries.
type HistoryConfig struct {
	// MaxRuns caps how many builds a query returns.
	MaxRuns int `mapstructure:"max_runs" json:"max_runs"`
	// Concurrency bounds how many builds are evaluated at once.
	Concurrency int `mapstructure:"concurrency" json:"concurrency"`
}

// LineageConfig configures change-set attribution.
type LineageConfig struct {
	// ExcludePatterns are URL substrings of repositories that never count
	// as a build's own change.
	ExcludePatterns []string `mapstructure:"exclude_patterns" json:"exclude_patterns"`
	// ResolveCommitAuthors looks commit authors up in the user directory.
	ResolveCommitAuthors bool `mapstructure:"resolve_commit_authors" json:"resolve_commit_authors"`
}

// PromotionConfig configures how promotion builds are submitted.
type PromotionConfig struct {
	RetryAttempts           int           `mapstructure:"retry_attempts" json:"retry_attempts"`
	RetryInitialWait        time.Duration `mapstructure:"retry_initial_wait" json:"retry_initial_wait"`
	RetryMaxWait            time.Duration `mapstructure:"retry_max_wait" json:"retry_max_wait"`
	CircuitBreakerThreshold int           `mapstructure:"circuit_breaker_threshold" json:"circuit_breaker_threshold"`
	CircuitBreakerTimeout   time.Duration `mapstructure:"circuit_breaker_timeout" json:"circuit_breaker_timeout"`
	// RateLimitPerMinute limits submissions; zero disables the limit.
	RateLimitPerMinute int `mapstructure:"rate_limit_per_minute" json:"rate_limit_per_minute"`
}

// GitConfig configures commit lookups in build workspaces.
type GitConfig struct {
	// Binary is the git executable.
	Binary string `mapstructure:"binary" json:"binary"`
	// UseCLIFallback runs the git binary when the repository cannot be
	// read natively.
	UseCLIFallback bool `mapstructure:"use_cli_fallback" json:"use_cli_fallback"`
	// Timeout bounds each git command.
	Timeout time.Duration `mapstructure:"timeout" json:"timeout"`
}

// CatalogConfig configures the job catalog file.
type CatalogConfig struct {
	// Path is the catalog file.
	Path string `mapstructure:"path" json:"path"`
	// Watch reloads the catalog when the file changes.
	Watch bool `mapstructure:"watch" json:"watch"`
}

// EngineConfig configures the build engine.
type EngineConfig struct {
	// Workspace is the root under which each job checks out.
	Workspace string `mapstructure:"workspace" json:"workspace"`
	// BaseURL prefixes build URLs.
	BaseURL string `mapstructure:"base_url" json:"base_url"`
	// QueueSize bounds builds waiting to run.
	QueueSize int `mapstructure:"queue_size" json:"queue_size"`
	// Execute runs queued builds. When false builds stay queued.
	Execute bool `mapstructure:"execute" json:"execute"`
}

// OutputConfig configures output settings.
type OutputConfig struct {
	// Format is the output format (text, json).
	Format string `mapstructure:"format" json:"format"`
	// Color enables colored output.
	Color bool `mapstructure:"color" json:"color"`
	// LogLevel is the log level (debug, info, warn, error).
	LogLevel string `mapstructure:"log_level" json:"log_level"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:            ":8080",
			ReadTimeout:        15 * time.Second,
			WriteTimeout:       30 * time.Second,
			IdleTimeout:        60 * time.Second,
			ShutdownTimeout:    10 * time.Second,
			RateLimitPerMinute: 600,
			Auth: AuthConfig{
				Mode: AuthModeAPIKey,
			},
		},
		History: HistoryConfig{
			MaxRuns:     10,
			Concurrency: 4,
		},
		Lineage: LineageConfig{
			ExcludePatterns:      slices.Clone(lineage.DefaultExcludePatterns),
			ResolveCommitAuthors: true,
		},
		Promotion: PromotionConfig{
			RetryAttempts:           3,
			RetryInitialWait:        200 * time.Millisecond,
			RetryMaxWait:            2 * time.Second,
			CircuitBreakerThreshold: 5,
			CircuitBreakerTimeout:   30 * time.Second,
		},
		Git: GitConfig{
			Binary:         "git",
			UseCLIFallback: true,
			Timeout:        30 * time.Second,
		},
		Catalog: CatalogConfig{
			Path:  "catalog.yaml",
			Watch: true,
		},
		Engine: EngineConfig{
			Workspace: "workspace",
			BaseURL:   "http://localhost:8080/",
			QueueSize: 64,
			Execute:   true,
		},
		Output: OutputConfig{
			Format:   "text",
			Color:    true,
			LogLevel: "info",
		},
	}
}

// ConfigFileNames to search for.
var ConfigFileNames = []string{
	"buildline.config",
	".buildline",
}

// ConfigFileExtensions supported by Viper.
var ConfigFileExtensions = []string{
	"yaml",
	"yml",
	"json",
	"toml",
}
