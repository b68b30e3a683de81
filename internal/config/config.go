// Package config provides configuration loading for docgate.
//
// Precedence, highest to lowest: DOCGATE_* environment variables, the YAML
// config file, hardcoded defaults. The signing key is the one value with no
// default - the gateway refuses to start without it.
package config

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/fyrsmithlabs/docgate/internal/backend"
	"github.com/fyrsmithlabs/docgate/internal/logging"
	"github.com/fyrsmithlabs/docgate/internal/provision"
	"github.com/fyrsmithlabs/docgate/internal/store"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// envPrefix namespaces docgate's environment variables:
	// DOCGATE_SERVER_PORT -> server.port
	envPrefix = "DOCGATE_"
)

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Host is the bind address. Empty binds all interfaces.
	Host string `koanf:"host"`

	// Port is the HTTP listen port.
	Port int `koanf:"port"`

	// ReadTimeout bounds reading a full request, body included.
	ReadTimeout Duration `koanf:"read_timeout"`

	// WriteTimeout bounds writing a full response.
	WriteTimeout Duration `koanf:"write_timeout"`

	// ShutdownTimeout bounds graceful drain on shutdown.
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`

	// MaxUploadBytes caps multipart upload size.
	MaxUploadBytes int64 `koanf:"max_upload_bytes"`
}

// AuthConfig configures capability-token issuance and validation.
type AuthConfig struct {
	// SigningKey is the HS256 key for capability tokens. Required.
	// Rotating it invalidates every outstanding token.
	SigningKey Secret `koanf:"signing_key"`
}

// EmbeddingConfig configures the local embedder.
type EmbeddingConfig struct {
	// Dims is the embedding dimensionality. Changing it requires a new
	// collection.
	Dims int `koanf:"dims"`
}

// Config is the full docgate configuration.
type Config struct {
	Server    ServerConfig         `koanf:"server"`
	Auth      AuthConfig           `koanf:"auth"`
	Redis     store.RedisConfig    `koanf:"redis"`
	Qdrant    backend.QdrantConfig `koanf:"qdrant"`
	Embedding EmbeddingConfig      `koanf:"embedding"`
	Provision provision.Config     `koanf:"provision"`
	Logging   logging.Config       `koanf:"logging"`
}

// Load reads configuration from the given YAML file (skipped when the path
// is empty or the file does not exist), overlays DOCGATE_* environment
// variables, applies defaults, and validates.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			// Open once and validate through the descriptor to avoid a
			// check-then-open race.
			f, err := os.Open(configPath)
			if err != nil {
				return nil, fmt.Errorf("failed to open config file: %w", err)
			}
			defer f.Close()

			info, err := f.Stat()
			if err != nil {
				return nil, fmt.Errorf("failed to stat config file: %w", err)
			}
			if err := validateConfigFileProperties(info); err != nil {
				return nil, fmt.Errorf("config file validation failed: %w", err)
			}

			content, err := io.ReadAll(f)
			if err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
			}
		}
	}

	// DOCGATE_SERVER_PORT -> server.port, DOCGATE_AUTH_SIGNING_KEY ->
	// auth.signing_key: first underscore separates section from field,
	// remaining underscores stay in the field name.
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// ApplyDefaults fills unset fields across every section.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = Duration(30 * time.Second)
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = Duration(60 * time.Second)
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = Duration(10 * time.Second)
	}
	if c.Server.MaxUploadBytes == 0 {
		c.Server.MaxUploadBytes = 32 * 1024 * 1024
	}

	if c.Embedding.Dims == 0 {
		c.Embedding.Dims = 256
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Service == "" {
		c.Logging.Service = "docgate"
	}

	c.Redis.ApplyDefaults()
	c.Qdrant.ApplyDefaults()
	c.Provision.ApplyDefaults()
}

// Validate checks the configuration for startup-blocking problems.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if !c.Auth.SigningKey.IsSet() {
		return fmt.Errorf("auth signing key is required (DOCGATE_AUTH_SIGNING_KEY)")
	}
	if len(c.Auth.SigningKey.Value()) < 32 {
		return fmt.Errorf("auth signing key must be at least 32 bytes")
	}
	if c.Embedding.Dims <= 0 {
		return fmt.Errorf("invalid embedding dims: %d", c.Embedding.Dims)
	}
	if err := c.Qdrant.Validate(); err != nil {
		return fmt.Errorf("qdrant: %w", err)
	}
	if err := c.Provision.Validate(); err != nil {
		return fmt.Errorf("provision: %w", err)
	}
	return nil
}

// validateConfigFileProperties checks file permissions and size. The config
// file carries the signing key, so world-readable files are rejected.
func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm&0o077 != 0 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}
