// Package config provides configuration management for edgesync.
// It supports YAML configuration files (TOML accepted as a fallback format),
// environment variables, and sensible defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/edgesync/edgesync/internal/conflict"
	"github.com/edgesync/edgesync/internal/strategy"
)

// Config represents the complete edgesync configuration.
type Config struct {
	// Store configures the local persisted store
	Store StoreConfig `yaml:"store" toml:"store"`

	// Remote configures the remote backend connection
	Remote RemoteConfig `yaml:"remote" toml:"remote"`

	// Pool configures the connection pool
	Pool PoolConfig `yaml:"pool" toml:"pool"`

	// Throttle configures adaptive bandwidth throttling
	Throttle ThrottleConfig `yaml:"throttle" toml:"throttle"`

	// Queue configures the pending-change queue
	Queue QueueConfig `yaml:"queue" toml:"queue"`

	// Conflict configures conflict detection and resolution
	Conflict ConflictConfig `yaml:"conflict" toml:"conflict"`

	// Strategies maps entity types to sync strategy names
	Strategies map[string]string `yaml:"strategies" toml:"strategies"`

	// Sync configures pass scheduling and batching
	Sync SyncConfig `yaml:"sync" toml:"sync"`

	// Output configures display preferences
	Output OutputConfig `yaml:"output" toml:"output"`
}

// StoreConfig holds local store settings.
type StoreConfig struct {
	// Path is the directory holding the persisted store
	Path string `yaml:"path" toml:"path"`
}

// RemoteConfig holds remote backend settings.
type RemoteConfig struct {
	// BaseURL is the remote service endpoint
	BaseURL string `yaml:"base_url" toml:"base_url"`
	// Timeout bounds each remote call
	Timeout time.Duration `yaml:"timeout" toml:"timeout"`
	// CheckInterval is how often connectivity is probed
	CheckInterval time.Duration `yaml:"check_interval" toml:"check_interval"`
}

// PoolConfig holds connection pool settings.
type PoolConfig struct {
	// MaxConns bounds simultaneously leased connections
	MaxConns int `yaml:"max_conns" toml:"max_conns"`
	// MinConns is kept alive through idle eviction
	MinConns int `yaml:"min_conns" toml:"min_conns"`
	// AcquireTimeout is how long a caller waits for a lease
	AcquireTimeout time.Duration `yaml:"acquire_timeout" toml:"acquire_timeout"`
	// MaxLifetime retires a connection regardless of health
	MaxLifetime time.Duration `yaml:"max_lifetime" toml:"max_lifetime"`
	// IdleTimeout evicts connections unused past this window
	IdleTimeout time.Duration `yaml:"idle_timeout" toml:"idle_timeout"`
	// HealthCheckInterval is the probe ticker period
	HealthCheckInterval time.Duration `yaml:"health_check_interval" toml:"health_check_interval"`
}

// ThrottleConfig holds bandwidth throttle settings.
type ThrottleConfig struct {
	// UploadCeiling is the maximum advised upload rate in bytes/sec
	UploadCeiling int64 `yaml:"upload_ceiling" toml:"upload_ceiling"`
	// DownloadCeiling is the maximum advised download rate in bytes/sec
	DownloadCeiling int64 `yaml:"download_ceiling" toml:"download_ceiling"`
	// Adaptive enables rate adjustment from observed throughput
	Adaptive bool `yaml:"adaptive" toml:"adaptive"`
	// SampleInterval is the measurement tick
	SampleInterval time.Duration `yaml:"sample_interval" toml:"sample_interval"`
}

// QueueConfig holds pending-queue settings.
type QueueConfig struct {
	// MaxAttempts is the retry ceiling before an item dead-letters
	MaxAttempts int `yaml:"max_attempts" toml:"max_attempts"`
}

// ConflictConfig holds conflict handling settings.
type ConflictConfig struct {
	// AutoResolve is the strategy applied to fresh conflicts
	// (last-write-wins, merge, or manual to leave them open)
	AutoResolve string `yaml:"auto_resolve" toml:"auto_resolve"`
	// HistorySize bounds the resolved-conflict audit trail
	HistorySize int `yaml:"history_size" toml:"history_size"`
}

// SyncConfig holds pass scheduling settings.
type SyncConfig struct {
	// AutoInterval triggers periodic passes; zero disables
	AutoInterval time.Duration `yaml:"auto_interval" toml:"auto_interval"`
	// MaxBatchSize caps items per pass
	MaxBatchSize int `yaml:"max_batch_size" toml:"max_batch_size"`
	// LazyBackoffBase is the lazy strategy's initial delay
	LazyBackoffBase time.Duration `yaml:"lazy_backoff_base" toml:"lazy_backoff_base"`
	// LazyBackoffMax caps the lazy strategy's doubling
	LazyBackoffMax time.Duration `yaml:"lazy_backoff_max" toml:"lazy_backoff_max"`
	// BatchFlushInterval is the batched strategy's throttle time
	BatchFlushInterval time.Duration `yaml:"batch_flush_interval" toml:"batch_flush_interval"`
}

// OutputConfig holds display preferences.
type OutputConfig struct {
	// Format is the default output format (table, json)
	Format string `yaml:"format" toml:"format"`
	// Color controls color output (auto, always, never)
	Color string `yaml:"color" toml:"color"`
	// Verbose enables verbose output
	Verbose bool `yaml:"verbose" toml:"verbose"`
}

// Default returns the default configuration, sized for NAS-class hardware.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Path: filepath.Join(dataPath(), "store"),
		},
		Remote: RemoteConfig{
			BaseURL:       "http://localhost:8080",
			Timeout:       30 * time.Second,
			CheckInterval: 15 * time.Second,
		},
		Pool: PoolConfig{
			MaxConns:            4,
			MinConns:            1,
			AcquireTimeout:      10 * time.Second,
			MaxLifetime:         30 * time.Minute,
			IdleTimeout:         5 * time.Minute,
			HealthCheckInterval: time.Minute,
		},
		Throttle: ThrottleConfig{
			UploadCeiling:   512 * 1024,
			DownloadCeiling: 2 * 1024 * 1024,
			Adaptive:        true,
			SampleInterval:  5 * time.Second,
		},
		Queue: QueueConfig{
			MaxAttempts: 5,
		},
		Conflict: ConflictConfig{
			AutoResolve: string(conflict.LastWriteWins),
			HistorySize: 200,
		},
		Strategies: map[string]string{
			"attendance": strategy.NameOptimistic,
			"employee":   strategy.NamePriorityRule,
			"leave":      strategy.NamePriorityRule,
			"analytics":  strategy.NameBatched,
		},
		Sync: SyncConfig{
			AutoInterval:       5 * time.Minute,
			MaxBatchSize:       50,
			LazyBackoffBase:    30 * time.Second,
			LazyBackoffMax:     10 * time.Minute,
			BatchFlushInterval: time.Minute,
		},
		Output: OutputConfig{
			Format:  "table",
			Color:   "auto",
			Verbose: false,
		},
	}
}

// Config file names, probed in order.
const (
	yamlFileName = "edgesync.yaml"
	tomlFileName = "edgesync.toml"
)

// dataPath returns the directory for edgesync state.
func dataPath() string {
	if v := os.Getenv("EDGESYNC_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".edgesync"
	}
	return filepath.Join(home, ".edgesync")
}

// FilePath returns the path to the primary (YAML) config file.
func FilePath() string {
	return filepath.Join(dataPath(), yamlFileName)
}

// Load loads the configuration, merging file values over defaults. The YAML
// file is preferred; a TOML file is accepted when no YAML file exists. With
// neither present, defaults plus environment overrides apply.
func Load() (*Config, error) {
	yamlPath := filepath.Join(dataPath(), yamlFileName)
	if _, err := os.Stat(yamlPath); err == nil {
		return LoadFromPath(yamlPath)
	}
	tomlPath := filepath.Join(dataPath(), tomlFileName)
	if _, err := os.Stat(tomlPath); err == nil {
		return LoadFromPath(tomlPath)
	}

	cfg := Default()
	cfg.applyEnvironment()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific path. The format is chosen
// by extension: .toml parses as TOML, everything else as YAML.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	// #nosec G304 - path is provided by caller
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: invalid TOML in %s: %w", path, err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: invalid YAML in %s: %w", path, err)
		}
	}

	cfg.applyEnvironment()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to the primary config file as YAML.
func (c *Config) Save() error {
	return c.SaveToPath(FilePath())
}

// SaveToPath writes the configuration to a specific path as YAML.
func (c *Config) SaveToPath(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	// #nosec G306 - config file should be readable by user
	return os.WriteFile(path, data, 0o644)
}

// Validate normalizes out-of-range values instead of failing hard: the engine
// should come up with safe settings even from a sloppy config file. Only
// structurally unusable values return an error.
func (c *Config) Validate() error {
	if c.Remote.BaseURL == "" {
		return fmt.Errorf("config: remote.base_url must be set")
	}

	if c.Pool.MaxConns < 1 {
		c.Pool.MaxConns = 1
	}
	if c.Pool.MinConns < 0 {
		c.Pool.MinConns = 0
	}
	if c.Pool.MinConns > c.Pool.MaxConns {
		c.Pool.MinConns = c.Pool.MaxConns
	}
	if c.Pool.AcquireTimeout <= 0 {
		c.Pool.AcquireTimeout = Default().Pool.AcquireTimeout
	}

	if c.Throttle.UploadCeiling <= 0 {
		c.Throttle.UploadCeiling = Default().Throttle.UploadCeiling
	}
	if c.Throttle.DownloadCeiling <= 0 {
		c.Throttle.DownloadCeiling = Default().Throttle.DownloadCeiling
	}

	if c.Queue.MaxAttempts < 1 {
		c.Queue.MaxAttempts = Default().Queue.MaxAttempts
	}
	if c.Conflict.HistorySize < 1 {
		c.Conflict.HistorySize = Default().Conflict.HistorySize
	}
	if c.Sync.MaxBatchSize < 1 {
		c.Sync.MaxBatchSize = Default().Sync.MaxBatchSize
	}
	if c.Sync.LazyBackoffBase <= 0 {
		c.Sync.LazyBackoffBase = Default().Sync.LazyBackoffBase
	}
	if c.Sync.LazyBackoffMax < c.Sync.LazyBackoffBase {
		c.Sync.LazyBackoffMax = c.Sync.LazyBackoffBase
	}

	if !conflict.ResolutionStrategy(c.Conflict.AutoResolve).IsValid() {
		c.Conflict.AutoResolve = string(conflict.LastWriteWins)
	}
	return nil
}

// AutoResolveStrategy returns the configured conflict strategy, validated.
func (c *Config) AutoResolveStrategy() conflict.ResolutionStrategy {
	s := conflict.ResolutionStrategy(c.Conflict.AutoResolve)
	if s.IsValid() {
		return s
	}
	return conflict.LastWriteWins
}

// applyEnvironment applies environment variable overrides.
// Environment variables follow the pattern EDGESYNC_<SECTION>_<KEY>.
func (c *Config) applyEnvironment() {
	// Store settings
	if v := os.Getenv("EDGESYNC_STORE_PATH"); v != "" {
		c.Store.Path = v
	}

	// Remote settings
	if v := os.Getenv("EDGESYNC_REMOTE_BASE_URL"); v != "" {
		c.Remote.BaseURL = v
	}
	if v := os.Getenv("EDGESYNC_REMOTE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Remote.Timeout = d
		}
	}

	// Pool settings
	if v := os.Getenv("EDGESYNC_POOL_MAX_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Pool.MaxConns = n
		}
	}
	if v := os.Getenv("EDGESYNC_POOL_MIN_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Pool.MinConns = n
		}
	}
	if v := os.Getenv("EDGESYNC_POOL_ACQUIRE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Pool.AcquireTimeout = d
		}
	}

	// Throttle settings
	if v := os.Getenv("EDGESYNC_THROTTLE_UPLOAD_CEILING"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Throttle.UploadCeiling = n
		}
	}
	if v := os.Getenv("EDGESYNC_THROTTLE_DOWNLOAD_CEILING"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Throttle.DownloadCeiling = n
		}
	}
	if v := os.Getenv("EDGESYNC_THROTTLE_ADAPTIVE"); v != "" {
		c.Throttle.Adaptive = parseBool(v)
	}

	// Queue settings
	if v := os.Getenv("EDGESYNC_QUEUE_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Queue.MaxAttempts = n
		}
	}

	// Conflict settings
	if v := os.Getenv("EDGESYNC_CONFLICT_AUTO_RESOLVE"); v != "" {
		c.Conflict.AutoResolve = v
	}

	// Sync settings
	if v := os.Getenv("EDGESYNC_SYNC_AUTO_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Sync.AutoInterval = d
		}
	}
	if v := os.Getenv("EDGESYNC_SYNC_MAX_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Sync.MaxBatchSize = n
		}
	}

	// Output settings
	if v := os.Getenv("EDGESYNC_OUTPUT_FORMAT"); v != "" {
		c.Output.Format = v
	}
	if v := os.Getenv("EDGESYNC_OUTPUT_COLOR"); v != "" {
		c.Output.Color = v
	}
	if v := os.Getenv("EDGESYNC_OUTPUT_VERBOSE"); v != "" {
		c.Output.Verbose = parseBool(v)
	}
}

// parseBool parses a boolean from common string representations.
func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// Exists returns true if a config file exists in either format.
func Exists() bool {
	if _, err := os.Stat(filepath.Join(dataPath(), yamlFileName)); err == nil {
		return true
	}
	_, err := os.Stat(filepath.Join(dataPath(), tomlFileName))
	return err == nil
}
