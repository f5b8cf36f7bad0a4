// Package config loads the bindery configuration: defaults, then TOML
// files in order, then BINDERY_* environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"

	"github.com/bayleafwalker/bindery-core/internal/capability"
	"github.com/bayleafwalker/bindery-core/internal/library/source"
)

// Config is the application configuration.
type Config struct {
	Library  LibraryConfig  `toml:"library"`
	Cache    CacheConfig    `toml:"cache"`
	S3       S3Config       `toml:"s3"`
	Target   TargetConfig   `toml:"target"`
	Resolver ResolverConfig `toml:"resolver"`
	Logging  LoggingConfig  `toml:"logging"`
}

type LibraryConfig struct {
	// Path lists library locations: directories, file://, mem:// or s3://
	// URLs. Empty defers to BINDERY_LIBRARY_PATH at manager init.
	Path []string `toml:"path" validate:"dive,required"`
}

// CacheConfig configures the artifact metadata cache.
type CacheConfig struct {
	Size   int    `toml:"size" validate:"gte=1"`
	Driver string `toml:"driver" validate:"omitempty,oneof=sqlite postgres"`
	// DSN is a file path for sqlite, a connection string for postgres.
	DSN string `toml:"dsn" validate:"required_with=Driver"`
}

type S3Config struct {
	Region    string `toml:"region"`
	Endpoint  string `toml:"endpoint" validate:"omitempty,url"`
	PathStyle bool   `toml:"path_style"`
}

// TargetConfig describes the execution target used for capability matching.
// Empty fields match any artifact.
type TargetConfig struct {
	Model          string `toml:"model"`
	OS             string `toml:"os"`
	OSVersion      string `toml:"os_version"`
	Platform       string `toml:"platform"`
	Architecture   string `toml:"arch"`
	Runtime        string `toml:"runtime"`
	RuntimeVersion string `toml:"runtime_version"`
	Dynamic        *bool  `toml:"dynamic"`
}

type ResolverConfig struct {
	MaxSteps   int  `toml:"max_steps" validate:"gte=0"`
	Containers uint `toml:"containers"`
	Scale      uint `toml:"scale"`
}

type LoggingConfig struct {
	Level       string `toml:"level" validate:"oneof=debug info error"`
	Development bool   `toml:"development"`
}

// NewDefaultConfig returns the configuration used when no file sets a value.
func NewDefaultConfig() *Config {
	return &Config{
		Cache:    CacheConfig{Size: 1024},
		Resolver: ResolverConfig{MaxSteps: 1_000_000},
		Logging:  LoggingConfig{Level: "info"},
	}
}

// LoadFromFiles starts from the defaults, merges every file in order (later
// files win), applies environment overrides and validates the result.
func LoadFromFiles(paths ...string) (*Config, error) {
	cfg := NewDefaultConfig()
	for i, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies BINDERY_* environment variables. Malformed
// numbers and booleans are ignored.
func applyEnvOverrides(cfg *Config) {
	if path := os.Getenv("BINDERY_LIBRARY_PATH"); path != "" {
		cfg.Library.Path = source.SplitPath(path)
	}

	if size := os.Getenv("BINDERY_CACHE_SIZE"); size != "" {
		if n, err := strconv.Atoi(size); err == nil {
			cfg.Cache.Size = n
		}
	}
	if driver := os.Getenv("BINDERY_CACHE_DRIVER"); driver != "" {
		cfg.Cache.Driver = strings.ToLower(driver)
	}
	if dsn := os.Getenv("BINDERY_CACHE_DSN"); dsn != "" {
		cfg.Cache.DSN = dsn
	}

	if region := os.Getenv("BINDERY_S3_REGION"); region != "" {
		cfg.S3.Region = region
	}
	if endpoint := os.Getenv("BINDERY_S3_ENDPOINT"); endpoint != "" {
		cfg.S3.Endpoint = endpoint
	}
	if pathStyle := os.Getenv("BINDERY_S3_PATH_STYLE"); pathStyle != "" {
		if b, err := strconv.ParseBool(pathStyle); err == nil {
			cfg.S3.PathStyle = b
		}
	}

	if model := os.Getenv("BINDERY_TARGET_MODEL"); model != "" {
		cfg.Target.Model = model
	}
	if osName := os.Getenv("BINDERY_TARGET_OS"); osName != "" {
		cfg.Target.OS = osName
	}
	if platform := os.Getenv("BINDERY_TARGET_PLATFORM"); platform != "" {
		cfg.Target.Platform = platform
	}

	if steps := os.Getenv("BINDERY_RESOLVER_MAX_STEPS"); steps != "" {
		if n, err := strconv.Atoi(steps); err == nil {
			cfg.Resolver.MaxSteps = n
		}
	}
	if containers := os.Getenv("BINDERY_RESOLVER_CONTAINERS"); containers != "" {
		if n, err := strconv.ParseUint(containers, 10, 0); err == nil {
			cfg.Resolver.Containers = uint(n)
		}
	}

	if level := os.Getenv("BINDERY_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = strings.ToLower(level)
	}
}

// Validate checks the struct tags.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Profile converts the target section to a capability profile.
func (t TargetConfig) Profile() capability.Profile {
	return capability.Profile{
		Model:          t.Model,
		OS:             t.OS,
		OSVersion:      t.OSVersion,
		Platform:       t.Platform,
		Architecture:   t.Architecture,
		Runtime:        t.Runtime,
		RuntimeVersion: t.RuntimeVersion,
		Dynamic:        t.Dynamic,
	}
}

// SourceOptions converts the S3 section to library driver settings.
func (c *Config) SourceOptions() source.Options {
	return source.Options{S3: source.S3Options{
		Region:    c.S3.Region,
		Endpoint:  c.S3.Endpoint,
		PathStyle: c.S3.PathStyle,
	}}
}
