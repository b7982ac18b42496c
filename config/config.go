// Package config loads the docloader YAML configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/wolfeidau/docloader/cache"
	"github.com/wolfeidau/docloader/fetch"
	"github.com/wolfeidau/docloader/loader"
	"github.com/wolfeidau/docloader/render"
	"github.com/wolfeidau/docloader/resolve"
)

// Storage backends.
const (
	BackendNone     = "none"
	BackendSupabase = "supabase"
	BackendGCS      = "gcs"
	BackendLocal    = "local"
)

// Config is the top-level configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Storage  StorageConfig  `yaml:"storage"`
	Resolver ResolverConfig `yaml:"resolver"`
	Cache    CacheConfig    `yaml:"cache"`
	Loader   LoaderConfig   `yaml:"loader"`
	Renderer RendererConfig `yaml:"renderer"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig holds metrics export settings.
type MetricsConfig struct {
	OTLPEndpoint  string        `yaml:"otlp_endpoint"`
	Prometheus    bool          `yaml:"prometheus"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// StorageConfig selects and configures the storage service.
type StorageConfig struct {
	Backend string `yaml:"backend"` // none, supabase, gcs, local

	// BaseURL is the public storage endpoint. For the local backend it is
	// the address the emulator routes are reachable at.
	BaseURL string `yaml:"base_url"`

	// APIKey authenticates Supabase signing and downloads.
	APIKey string `yaml:"api_key"`

	// CredentialsFile is a GCS service account key. Empty uses application
	// default credentials.
	CredentialsFile string `yaml:"credentials_file"`

	// PrivateBuckets lists GCS buckets without anonymous read access. Only
	// signed and download candidates are tried for them.
	PrivateBuckets []string `yaml:"private_buckets"`

	// Path and Secret configure the local bbolt store.
	Path   string `yaml:"path"`
	Secret string `yaml:"secret"`
}

// ResolverConfig is the bucket layout.
type ResolverConfig struct {
	DefaultBucket    string        `yaml:"default_bucket"`
	AlternateBuckets []string      `yaml:"alternate_buckets"`
	Prefix           string        `yaml:"prefix"`
	DirectBucket     string        `yaml:"direct_bucket"`
	SignedURLTTL     time.Duration `yaml:"signed_url_ttl"`
	Download         bool          `yaml:"download"`
}

// CacheConfig holds the cache TTLs.
type CacheConfig struct {
	BytesTTL    time.Duration `yaml:"bytes_ttl"`
	DocumentTTL time.Duration `yaml:"document_ttl"`
}

// LoaderConfig tunes fetching.
type LoaderConfig struct {
	RetryDelay time.Duration `yaml:"retry_delay"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxSize    int64         `yaml:"max_size"`
	UserAgent  string        `yaml:"user_agent"`
}

// RendererConfig configures the worker bootstrap.
type RendererConfig struct {
	Disabled    bool   `yaml:"disabled"`
	Version     string `yaml:"version"`
	LocalWorker string `yaml:"local_worker"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads configuration from a YAML file. Environment variables in the
// file are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	expanded := os.ExpandEnv(string(data))
	if err := yaml.UnmarshalStrict([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.FlushInterval == 0 {
		c.Metrics.FlushInterval = 10 * time.Second
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendNone
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "docloader.db"
	}

	if c.Resolver.DefaultBucket == "" {
		c.Resolver.DefaultBucket = resolve.DefaultBucket
	}
	if c.Resolver.AlternateBuckets == nil {
		c.Resolver.AlternateBuckets = []string{resolve.DefaultAlternate}
	}
	if c.Resolver.Prefix == "" {
		c.Resolver.Prefix = resolve.DefaultPrefix
	}
	if c.Resolver.DirectBucket == "" {
		c.Resolver.DirectBucket = resolve.DefaultDirectBucket
	}
	if c.Resolver.SignedURLTTL == 0 {
		c.Resolver.SignedURLTTL = resolve.DefaultSignedURLTTL
	}

	if c.Cache.BytesTTL == 0 {
		c.Cache.BytesTTL = cache.DefaultBytesTTL
	}
	if c.Cache.DocumentTTL == 0 {
		c.Cache.DocumentTTL = cache.DefaultDocumentTTL
	}

	if c.Loader.RetryDelay == 0 {
		c.Loader.RetryDelay = loader.DefaultRetryDelay
	}
	if c.Loader.Timeout == 0 {
		c.Loader.Timeout = 30 * time.Second
	}
	if c.Loader.MaxSize == 0 {
		c.Loader.MaxSize = fetch.DefaultMaxSize
	}

	if c.Renderer.Version == "" {
		c.Renderer.Version = render.DefaultVersion
	}
	if c.Renderer.LocalWorker == "" {
		c.Renderer.LocalWorker = render.DefaultLocalWorker
	}
}

// Validate checks values that have no sensible default.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendNone, BackendLocal, BackendGCS:
	case BackendSupabase:
		if c.Storage.BaseURL == "" {
			return fmt.Errorf("storage.base_url is required for the %s backend", c.Storage.Backend)
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Loader.MaxSize < 0 {
		return fmt.Errorf("loader.max_size must not be negative")
	}
	return nil
}

// ResolveConfig converts the resolver section for resolve.New.
func (c *Config) ResolveConfig() resolve.Config {
	return resolve.Config{
		DefaultBucket:    c.Resolver.DefaultBucket,
		AlternateBuckets: c.Resolver.AlternateBuckets,
		Prefix:           c.Resolver.Prefix,
		BaseURL:          c.Storage.BaseURL,
		DirectBucket:     c.Resolver.DirectBucket,
		SignedURLTTL:     c.Resolver.SignedURLTTL,
		Download:         c.Resolver.Download,
	}
}
