// Package config handles configuration loading and validation for btransfer.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/btransfer/btransfer/pkg/bytesize"
)

// Duration is a time.Duration that unmarshals from YAML strings like "90s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var str string
	if err := unmarshal(&str); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\" or \"24h\"")
	}
	parsed, err := time.ParseDuration(str)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", str, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// RateLimitConfig holds the per-identity request ceilings.
type RateLimitConfig struct {
	SessionsPerMinute int `yaml:"sessions_per_minute"` // New upload sessions per identity per minute
	ChunksPerMinute   int `yaml:"chunks_per_minute"`   // Chunk uploads per identity per minute
}

// RemoteConfig holds configuration for the S3-compatible remote storage tier.
// The remote tier is disabled when Bucket is empty.
type RemoteConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Insecure  bool   `yaml:"insecure"` // Use plain HTTP (local MinIO, test stacks)
}

// Enabled reports whether the remote tier is configured.
func (r RemoteConfig) Enabled() bool {
	return r.Bucket != ""
}

// Config holds the full server configuration.
type Config struct {
	Listen  string `yaml:"listen"`
	DataDir string `yaml:"data_dir"`

	MaxFileSize       bytesize.Size   `yaml:"max_file_size"`
	ChunkSize         bytesize.Size   `yaml:"chunk_size"`
	MinChunkSize      bytesize.Size   `yaml:"min_chunk_size"`   // Smallest chunk size a client may negotiate
	ChunkSlack        bytesize.Size   `yaml:"chunk_slack"`      // Tolerance above chunk_size before a chunk is rejected
	RemoteThreshold   bytesize.Size   `yaml:"remote_threshold"` // Files at or above this size go to the remote tier
	SessionTTL        Duration        `yaml:"session_ttl"`
	FileTTL           Duration        `yaml:"file_ttl"`
	SweepInterval     Duration        `yaml:"sweep_interval"`
	AllowedExtensions []string        `yaml:"allowed_extensions"` // Empty = any extension
	RateLimits        RateLimitConfig `yaml:"rate_limits"`
	Remote            RemoteConfig    `yaml:"remote"`
}

// Default values applied by Load.
const (
	DefaultListen          = ":8081"
	DefaultDataDir         = "/var/lib/btransfer"
	DefaultSessionTTL      = 24 * time.Hour
	DefaultFileTTL         = 24 * time.Hour
	DefaultSweepInterval   = time.Hour
	defaultMaxFileSize     = 5 * bytesize.GB
	defaultChunkSize       = 1 * bytesize.MB
	defaultMinChunkSize    = 64 * bytesize.KB
	defaultChunkSlack      = 64 * bytesize.KB
	defaultRemoteThreshold = 100 * bytesize.MB
)

// Load reads configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	// Expand home directory in data dir
	if strings.HasPrefix(c.DataDir, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			c.DataDir = filepath.Join(homeDir, c.DataDir[2:])
		}
	}
	if c.MaxFileSize == 0 {
		c.MaxFileSize = bytesize.Size(defaultMaxFileSize)
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = bytesize.Size(defaultChunkSize)
	}
	if c.MinChunkSize == 0 {
		c.MinChunkSize = bytesize.Size(defaultMinChunkSize)
	}
	if c.ChunkSlack == 0 {
		c.ChunkSlack = bytesize.Size(defaultChunkSlack)
	}
	if c.RemoteThreshold == 0 {
		c.RemoteThreshold = bytesize.Size(defaultRemoteThreshold)
	}
	if c.SessionTTL == 0 {
		c.SessionTTL = Duration(DefaultSessionTTL)
	}
	if c.FileTTL == 0 {
		c.FileTTL = Duration(DefaultFileTTL)
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = Duration(DefaultSweepInterval)
	}
	if c.RateLimits.SessionsPerMinute == 0 {
		c.RateLimits.SessionsPerMinute = 30
	}
	if c.RateLimits.ChunksPerMinute == 0 {
		c.RateLimits.ChunksPerMinute = 600
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.ChunkSize.Bytes() <= 0 {
		return fmt.Errorf("chunk_size must be positive")
	}
	if c.MaxFileSize.Bytes() <= 0 {
		return fmt.Errorf("max_file_size must be positive")
	}
	if c.ChunkSize.Bytes() > c.MaxFileSize.Bytes() {
		return fmt.Errorf("chunk_size %s exceeds max_file_size %s", c.ChunkSize, c.MaxFileSize)
	}
	if c.MinChunkSize.Bytes() > c.ChunkSize.Bytes() {
		return fmt.Errorf("min_chunk_size %s exceeds chunk_size %s", c.MinChunkSize, c.ChunkSize)
	}
	if c.SessionTTL.Std() <= 0 {
		return fmt.Errorf("session_ttl must be positive")
	}
	if c.FileTTL.Std() <= 0 {
		return fmt.Errorf("file_ttl must be positive")
	}
	return nil
}
