package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/robfig/cron/v3"

	"semcache/internal/chunker"
)

// Config represents the cache gateway configuration
type Config struct {
	Port      int             `json:"port"`
	Store     StoreConfig     `json:"store"`
	Embedding EmbeddingConfig `json:"embedding"`
	Cache     CacheConfig     `json:"cache,omitempty"`
	Janitor   JanitorConfig   `json:"janitor,omitempty"`
}

// StoreConfig selects and configures the backing store
type StoreConfig struct {
	// Backend is "redis" or "memory". Memory is for development and
	// tests only; nothing survives a restart.
	Backend string      `json:"backend"`
	Redis   RedisConfig `json:"redis,omitempty"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"` // Supports ${ENV_VAR} expansion
	DB       int    `json:"db,omitempty"`
	PoolSize int    `json:"pool_size,omitempty"`
}

// EmbeddingConfig contains embedding provider settings
type EmbeddingConfig struct {
	Provider string `json:"provider"`           // "openai"
	APIKey   string `json:"api_key,omitempty"`  // Supports ${ENV_VAR} expansion
	Model    string `json:"model,omitempty"`    // Default: "text-embedding-3-small"
	Dims     int    `json:"dims,omitempty"`     // 0 = learn from the first response
	BaseURL  string `json:"base_url,omitempty"` // Override for proxies and tests
}

// CacheConfig contains chunking and retention settings
type CacheConfig struct {
	ChunkSize    int   `json:"chunk_size,omitempty"`    // Max runes per chunk (default 1200)
	ChunkOverlap int   `json:"chunk_overlap,omitempty"` // Runes shared between neighbours (default 150)
	DefaultTTLs  int64 `json:"default_ttl_s,omitempty"` // Applied when a write carries no TTL; 0 = no expiry
}

// JanitorConfig controls the background expiry sweep
type JanitorConfig struct {
	Enabled  *bool  `json:"enabled,omitempty"`
	Schedule string `json:"schedule,omitempty"` // Cron expression, default every 5 minutes
}

// IsEnabled returns whether the janitor runs. Defaults to true.
func (j *JanitorConfig) IsEnabled() bool {
	if j.Enabled == nil {
		return true
	}
	return *j.Enabled
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Port: 8088,
		Store: StoreConfig{
			Backend: "redis",
			Redis:   RedisConfig{Addr: "localhost:6379"},
		},
		Embedding: EmbeddingConfig{
			Provider: "openai",
			APIKey:   "${OPENAI_API_KEY}",
			Model:    "text-embedding-3-small",
		},
		Cache: CacheConfig{
			ChunkSize:    chunker.DefaultSize,
			ChunkOverlap: chunker.DefaultOverlap,
		},
		Janitor: JanitorConfig{
			Schedule: "*/5 * * * *",
		},
	}
}

// Load reads, expands and validates the configuration at path,
// creating a default file if none exists.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("failed to save default config: %w", err)
		}
		fmt.Printf("Created default configuration at %s\n", path)
		cfg.expandEnvVars()
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnvVars()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// Save saves the configuration to a file
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// expandEnvVars expands ${ENV_VAR} placeholders in secret-bearing fields
func (c *Config) expandEnvVars() {
	c.Store.Redis.Password = os.ExpandEnv(c.Store.Redis.Password)
	c.Embedding.APIKey = os.ExpandEnv(c.Embedding.APIKey)
}

// Validate validates the entire configuration
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}

	switch c.Store.Backend {
	case "redis":
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("store.redis.addr is required for the redis backend")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown store backend '%s' (want redis or memory)", c.Store.Backend)
	}

	switch c.Embedding.Provider {
	case "openai", "":
	default:
		return fmt.Errorf("unknown embedding provider '%s'", c.Embedding.Provider)
	}

	if c.Cache.ChunkSize < 0 || c.Cache.ChunkOverlap < 0 {
		return fmt.Errorf("cache chunk_size and chunk_overlap must be non-negative")
	}
	if c.Cache.ChunkSize > 0 && c.Cache.ChunkOverlap >= c.Cache.ChunkSize {
		return fmt.Errorf("cache chunk_overlap (%d) must be smaller than chunk_size (%d)",
			c.Cache.ChunkOverlap, c.Cache.ChunkSize)
	}
	if c.Cache.DefaultTTLs < 0 {
		return fmt.Errorf("cache default_ttl_s must be non-negative")
	}

	if c.Janitor.Schedule != "" {
		if _, err := cron.ParseStandard(c.Janitor.Schedule); err != nil {
			return fmt.Errorf("invalid janitor schedule '%s': %w", c.Janitor.Schedule, err)
		}
	}

	return nil
}

// Size returns the configured chunk size or the default.
func (c *CacheConfig) Size() int {
	if c.ChunkSize > 0 {
		return c.ChunkSize
	}
	return chunker.DefaultSize
}

// Overlap returns the configured chunk overlap or the default.
func (c *CacheConfig) Overlap() int {
	if c.ChunkSize > 0 || c.ChunkOverlap > 0 {
		return c.ChunkOverlap
	}
	return chunker.DefaultOverlap
}
