// Package config provides configuration loading and management for the pub registry server.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stacklok/toolhive-pub-registry/internal/telemetry"
)

const (
	// EnvPrefix is the prefix of environment variables read by the server
	EnvPrefix = "THV_PUB"

	// DefaultRepositoryDir is where package indexes and archives are stored
	DefaultRepositoryDir = "./data/packages"

	// DefaultStagingTTL is how long an uploaded archive waits for finalize
	DefaultStagingTTL = time.Minute

	// DefaultMaxArchiveBytes bounds uploaded archives
	DefaultMaxArchiveBytes int64 = 100 << 20

	// DefaultRequestTimeout bounds a single HTTP request
	DefaultRequestTimeout = 60 * time.Second
)

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path    string
	baseURL string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		if !filepath.IsAbs(realPath) && !filepath.IsLocal(realPath) {
			return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
		}

		cfg.path = realPath
		return nil
	}
}

// WithBaseURL overrides baseURL from the file. Empty values are ignored.
func WithBaseURL(baseURL string) Option {
	return func(cfg *loaderConfig) error {
		cfg.baseURL = baseURL
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	// BaseURL is the externally visible URL of the server, used to build
	// upload, finalize and archive URLs
	BaseURL string `yaml:"baseURL"`

	// RepositoryDir holds one directory per package
	RepositoryDir string `yaml:"repositoryDir,omitempty"`

	// TokensFile maps bearer tokens to owners and package scopes
	TokensFile string `yaml:"tokensFile"`

	Staging   StagingConfig     `yaml:"staging,omitempty"`
	Upload    UploadConfig      `yaml:"upload,omitempty"`
	Server    ServerConfig      `yaml:"server,omitempty"`
	Telemetry *telemetry.Config `yaml:"telemetry,omitempty"`
}

// StagingConfig configures the upload staging area
type StagingConfig struct {
	// TTL is how long a staged upload can be finalized, e.g. "1m"
	TTL string `yaml:"ttl,omitempty"`
}

// UploadConfig configures upload limits
type UploadConfig struct {
	MaxArchiveBytes int64 `yaml:"maxArchiveBytes,omitempty"`
}

// ServerConfig configures the HTTP server
type ServerConfig struct {
	// RequestTimeout bounds request handling, e.g. "60s"
	RequestTimeout string `yaml:"requestTimeout,omitempty"`
}

// LoadConfig loads, defaults and validates configuration from a YAML file
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	if loaderCfg.baseURL != "" {
		config.BaseURL = loaderCfg.baseURL
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// GetRepositoryDir returns the repository directory, using the default if not specified
func (c *Config) GetRepositoryDir() string {
	if c.RepositoryDir == "" {
		return DefaultRepositoryDir
	}
	return c.RepositoryDir
}

// GetStagingTTL returns the staging TTL. Call Validate first.
func (c *Config) GetStagingTTL() time.Duration {
	return durationOr(c.Staging.TTL, DefaultStagingTTL)
}

// GetMaxArchiveBytes returns the upload size limit
func (c *Config) GetMaxArchiveBytes() int64 {
	if c.Upload.MaxArchiveBytes <= 0 {
		return DefaultMaxArchiveBytes
	}
	return c.Upload.MaxArchiveBytes
}

// GetRequestTimeout returns the request timeout. Call Validate first.
func (c *Config) GetRequestTimeout() time.Duration {
	return durationOr(c.Server.RequestTimeout, DefaultRequestTimeout)
}

func durationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// Validate checks the configuration, reporting every problem found
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	var errs []error

	if err := validateBaseURL(c.BaseURL); err != nil {
		errs = append(errs, err)
	}
	if c.TokensFile == "" {
		errs = append(errs, errors.New("tokensFile is required"))
	}
	if err := validatePositiveDuration("staging.ttl", c.Staging.TTL); err != nil {
		errs = append(errs, err)
	}
	if err := validatePositiveDuration("server.requestTimeout", c.Server.RequestTimeout); err != nil {
		errs = append(errs, err)
	}
	if c.Upload.MaxArchiveBytes < 0 {
		errs = append(errs, fmt.Errorf("upload.maxArchiveBytes must not be negative, got %d", c.Upload.MaxArchiveBytes))
	}
	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}

	return errors.Join(errs...)
}

func validateBaseURL(raw string) error {
	if raw == "" {
		return errors.New("baseURL is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("baseURL is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("baseURL must use http or https, got %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("baseURL must be absolute, got %q", raw)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("baseURL must not contain a query or fragment, got %q", raw)
	}
	return nil
}

func validatePositiveDuration(field, value string) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s must be a valid duration (e.g., '30s', '1m'): %w", field, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be positive, got %s", field, value)
	}
	return nil
}
