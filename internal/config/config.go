package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration.
type Config struct {
	Logging LoggingConfig `yaml:"logging"`
	Store   StoreConfig   `yaml:"store"`
	Cache   CacheConfig   `yaml:"cache"`
	Roots   []RootConfig  `yaml:"roots"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
	Output string `yaml:"output"` // stdout, stderr, or "file"
	File   struct {
		Path       string `yaml:"path"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
		Compress   bool   `yaml:"compress"`
	} `yaml:"file"`
}

// StoreConfig holds the durable KV backend configuration (§6).
type StoreConfig struct {
	DBName    string `yaml:"db_name"`   // path to the sqlite database file
	StoreName string `yaml:"store_name"` // logical namespace prefix, for multi-tenant deployments
}

// CacheConfig holds every recognized tree-cache/prefetch option
type CacheConfig struct {
	WorkerCount          int           `yaml:"worker_count"`
	MaxAgeMs             int64         `yaml:"max_age_ms"`
	MaxEntries           int           `yaml:"max_entries"`
	MaxPrefetchDepth     int           `yaml:"max_prefetch_depth"`
	StatusSampleInterval int           `yaml:"status_sample_interval"`
	EnableCaching        bool          `yaml:"enable_caching"`
	FreshTTL             time.Duration `yaml:"fresh_ttl"`
	MaxPrefetchedDirs    int           `yaml:"max_prefetched_dirs"`
	MaxConcurrentTasks   int           `yaml:"max_concurrent_tasks"`
}

// RootConfig names one tree root the CLI / scheduler should seed on startup.
type RootConfig struct {
	ID   string `yaml:"id"`
	Path string `yaml:"path"`
}

// LoadConfig loads configuration with fallback priority:
//  1. Provided configPath parameter
//  2. TREECACHE_CONFIG_PATH environment variable
//  3. ~/.config/treecached/config.yaml
//  4. ./config.yaml
//  5. Built-in defaults
func LoadConfig(configPath string) (*Config, error) {
	var cfg *Config
	var err error
	var loadedFrom string

	if configPath != "" {
		cfg, err = loadFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
		}
		loadedFrom = configPath
	} else if envPath := os.Getenv("TREECACHE_CONFIG_PATH"); envPath != "" {
		cfg, err = loadFromFile(envPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from env path %s: %w", envPath, err)
		}
		loadedFrom = envPath
	} else {
		homeDir, _ := os.UserHomeDir()
		searchPaths := []string{
			filepath.Join(homeDir, ".config", "treecached", "config.yaml"),
			"./config.yaml",
		}
		for _, path := range searchPaths {
			if _, statErr := os.Stat(path); statErr == nil {
				cfg, err = loadFromFile(path)
				if err != nil {
					return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
				}
				loadedFrom = path
				break
			}
		}
		if cfg == nil {
			cfg = DefaultConfig()
			loadedFrom = "built-in defaults"
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config (loaded from %s): %w", loadedFrom, err)
	}

	return cfg, nil
}

func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if level := os.Getenv("TREECACHE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if format := os.Getenv("TREECACHE_LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}
	if output := os.Getenv("TREECACHE_LOG_OUTPUT"); output != "" {
		c.Logging.Output = output
	}
	if dbName := os.Getenv("TREECACHE_DB_NAME"); dbName != "" {
		c.Store.DBName = dbName
	}
	if workers := os.Getenv("TREECACHE_WORKER_COUNT"); workers != "" {
		if n, err := strconv.Atoi(workers); err == nil {
			c.Cache.WorkerCount = n
		}
	}
	if maxEntries := os.Getenv("TREECACHE_MAX_ENTRIES"); maxEntries != "" {
		if n, err := strconv.Atoi(maxEntries); err == nil {
			c.Cache.MaxEntries = n
		}
	}
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Store: StoreConfig{
			DBName:    "./data/treecache.db",
			StoreName: "directories",
		},
		Cache: CacheConfig{
			WorkerCount:          DefaultWorkerCount(),
			MaxAgeMs:             7 * 24 * 60 * 60 * 1000,
			MaxEntries:           50000,
			MaxPrefetchDepth:     6,
			StatusSampleInterval: 50,
			EnableCaching:        true,
			FreshTTL:             30 * time.Second,
			MaxPrefetchedDirs:    200000,
			MaxConcurrentTasks:   24,
		},
		Roots: nil,
	}
}

// DefaultWorkerCount implements a min(max(nCpus-1,1),4) default, leaving one core free for the rest of the host.
func DefaultWorkerCount() int {
	n := numCPU()
	if n-1 > 4 {
		return 4
	}
	if n-1 < 1 {
		return 1
	}
	return n - 1
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error; got %s", c.Logging.Level)
	}
	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text; got %s", c.Logging.Format)
	}

	if c.Store.DBName == "" {
		return fmt.Errorf("store.db_name cannot be empty")
	}

	if c.Cache.WorkerCount < 1 {
		return fmt.Errorf("cache.worker_count must be at least 1, got %d", c.Cache.WorkerCount)
	}
	if c.Cache.MaxEntries < 1 {
		return fmt.Errorf("cache.max_entries must be at least 1, got %d", c.Cache.MaxEntries)
	}
	if c.Cache.MaxPrefetchDepth < 0 {
		return fmt.Errorf("cache.max_prefetch_depth cannot be negative")
	}
	if c.Cache.StatusSampleInterval < 1 {
		return fmt.Errorf("cache.status_sample_interval must be at least 1, got %d", c.Cache.StatusSampleInterval)
	}

	seen := make(map[string]bool, len(c.Roots))
	for i, r := range c.Roots {
		if r.ID == "" {
			return fmt.Errorf("roots[%d].id cannot be empty", i)
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate root id: %s", r.ID)
		}
		seen[r.ID] = true
		if r.Path == "" {
			return fmt.Errorf("roots[%d].path cannot be empty", i)
		}
	}

	return nil
}

// EnsureDirectories creates the directories the config references if absent.
func (c *Config) EnsureDirectories() error {
	if dbDir := filepath.Dir(c.Store.DBName); dbDir != "." && dbDir != "/" {
		if err := os.MkdirAll(dbDir, 0o755); err != nil {
			return fmt.Errorf("failed to create store directory %s: %w", dbDir, err)
		}
	}
	return nil
}
