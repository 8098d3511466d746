// Package config provides configuration management for the segpull engine.
// It covers concurrency limits, retry policy, timeouts, speed limits and
// storage locations.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ConcurrencyConfig bounds parallelism at both admission gates.
type ConcurrencyConfig struct {
	// MaxConcurrentDownloads is the global cap on simultaneously active tasks.
	MaxConcurrentDownloads int `json:"max_concurrent_downloads"`

	// MaxSegmentsPerTask is the per-task cap on simultaneously active segments.
	MaxSegmentsPerTask int `json:"max_segments_per_task"`

	// MinSegmentSize is the smallest byte range worth splitting into its own
	// segment. Files below it download as a single segment.
	MinSegmentSize int64 `json:"min_segment_size"`
}

// RetryPolicyConfig defines the retry policy configuration.
type RetryPolicyConfig struct {
	// MaxRetries is the per-mirror retry budget for a segment.
	MaxRetries int `json:"max_retries"`

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration `json:"base_delay"`

	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration `json:"max_delay"`

	// BackoffFactor is the exponential backoff multiplier.
	BackoffFactor float64 `json:"backoff_factor"`

	// Jitter enables random jitter in retry delays.
	Jitter bool `json:"jitter"`
}

// TimeoutConfig defines timeout values for network operations.
type TimeoutConfig struct {
	// ConnectTimeout is the timeout for establishing connections.
	ConnectTimeout time.Duration `json:"connect_timeout"`

	// ProbeTimeout bounds the range-support probe and mirror health checks.
	ProbeTimeout time.Duration `json:"probe_timeout"`

	// RequestTimeout is the overall timeout for a single segment request.
	// Zero means no per-request deadline (long transfers are bounded by
	// read progress, not wall clock).
	RequestTimeout time.Duration `json:"request_timeout"`

	// IdleTimeout is the timeout for idle pooled connections.
	IdleTimeout time.Duration `json:"idle_timeout"`
}

// SpeedLimitConfig defines bandwidth throttling.
type SpeedLimitConfig struct {
	// GlobalRate is the shared cap across every task, bytes/sec. 0 = unlimited.
	GlobalRate int64 `json:"global_rate"`

	// DefaultTaskRate is applied to tasks that do not set their own limit.
	// 0 = no per-task limit.
	DefaultTaskRate int64 `json:"default_task_rate"`
}

// StorageConfig defines filesystem locations and behavior.
type StorageConfig struct {
	// DownloadDir is the default directory for completed files.
	DownloadDir string `json:"download_dir"`

	// StateDir holds the filesystem repository's task records.
	StateDir string `json:"state_dir"`

	// MinFreeSpace is the space preflight floor before a task is admitted.
	MinFreeSpace int64 `json:"min_free_space"`

	// HealthCheckInterval is how often mirror health probes run for active tasks.
	HealthCheckInterval time.Duration `json:"health_check_interval"`

	// ProgressFlushInterval is how often downloaded byte counts are flushed
	// to the repository while a task is active.
	ProgressFlushInterval time.Duration `json:"progress_flush_interval"`
}

// Config is the complete engine configuration.
type Config struct {
	Concurrency ConcurrencyConfig `json:"concurrency"`
	RetryPolicy RetryPolicyConfig `json:"retry_policy"`
	Timeouts    TimeoutConfig     `json:"timeouts"`
	SpeedLimit  SpeedLimitConfig  `json:"speed_limit"`
	Storage     StorageConfig     `json:"storage"`

	// UserAgent is sent with every request.
	UserAgent string `json:"user_agent,omitempty"`

	// ChunkSize is the read/write granularity of segment transfers.
	ChunkSize int `json:"chunk_size"`

	// AutoResume re-admits interrupted tasks found at startup.
	AutoResume bool `json:"auto_resume"`
}

// DefaultConfig returns a configuration with sensible default values.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Concurrency: ConcurrencyConfig{
			MaxConcurrentDownloads: 5,
			MaxSegmentsPerTask:     8,
			MinSegmentSize:         1024 * 1024, // 1MiB
		},
		RetryPolicy: RetryPolicyConfig{
			MaxRetries:    3,
			BaseDelay:     1 * time.Second,
			MaxDelay:      30 * time.Second,
			BackoffFactor: 2.0,
			Jitter:        true,
		},
		Timeouts: TimeoutConfig{
			ConnectTimeout: 10 * time.Second,
			ProbeTimeout:   5 * time.Second,
			RequestTimeout: 0,
			IdleTimeout:    90 * time.Second,
		},
		SpeedLimit: SpeedLimitConfig{
			GlobalRate:      0,
			DefaultTaskRate: 0,
		},
		Storage: StorageConfig{
			DownloadDir:           filepath.Join(homeDir, "Downloads"),
			StateDir:              filepath.Join(homeDir, ".local", "share", "segpull", "state"),
			MinFreeSpace:          100 * 1024 * 1024, // 100MB
			HealthCheckInterval:   30 * time.Second,
			ProgressFlushInterval: 1 * time.Second,
		},
		UserAgent:  "segpull/1.0",
		ChunkSize:  32 * 1024, // 32KB
		AutoResume: false,
	}
}

// Loader handles loading and saving configuration files.
type Loader struct {
	configPath string
}

// NewLoader creates a configuration loader for the given path.
func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath}
}

// DefaultConfigPath returns the default configuration file path.
func DefaultConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	return filepath.Join(homeDir, ".config", "segpull", "config.json"), nil
}

// Load loads configuration from file, falling back to defaults if the file
// does not exist.
func (l *Loader) Load() (*Config, error) {
	if _, err := os.Stat(l.configPath); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(l.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", l.configPath, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", l.configPath, err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// Save saves configuration to file.
func (l *Loader) Save(cfg *Config) error {
	configDir := filepath.Dir(l.configPath)
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(l.configPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", l.configPath, err)
	}

	return nil
}

// applyDefaults fills in zero-valued fields from DefaultConfig.
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()

	if c.Concurrency.MaxConcurrentDownloads == 0 {
		c.Concurrency.MaxConcurrentDownloads = defaults.Concurrency.MaxConcurrentDownloads
	}
	if c.Concurrency.MaxSegmentsPerTask == 0 {
		c.Concurrency.MaxSegmentsPerTask = defaults.Concurrency.MaxSegmentsPerTask
	}
	if c.Concurrency.MinSegmentSize == 0 {
		c.Concurrency.MinSegmentSize = defaults.Concurrency.MinSegmentSize
	}
	if c.RetryPolicy.MaxRetries == 0 {
		c.RetryPolicy.MaxRetries = defaults.RetryPolicy.MaxRetries
	}
	if c.RetryPolicy.BaseDelay == 0 {
		c.RetryPolicy.BaseDelay = defaults.RetryPolicy.BaseDelay
	}
	if c.RetryPolicy.MaxDelay == 0 {
		c.RetryPolicy.MaxDelay = defaults.RetryPolicy.MaxDelay
	}
	if c.RetryPolicy.BackoffFactor == 0 {
		c.RetryPolicy.BackoffFactor = defaults.RetryPolicy.BackoffFactor
	}
	if c.Timeouts.ConnectTimeout == 0 {
		c.Timeouts.ConnectTimeout = defaults.Timeouts.ConnectTimeout
	}
	if c.Timeouts.ProbeTimeout == 0 {
		c.Timeouts.ProbeTimeout = defaults.Timeouts.ProbeTimeout
	}
	if c.Timeouts.IdleTimeout == 0 {
		c.Timeouts.IdleTimeout = defaults.Timeouts.IdleTimeout
	}
	if c.Storage.DownloadDir == "" {
		c.Storage.DownloadDir = defaults.Storage.DownloadDir
	}
	if c.Storage.StateDir == "" {
		c.Storage.StateDir = defaults.Storage.StateDir
	}
	if c.Storage.MinFreeSpace == 0 {
		c.Storage.MinFreeSpace = defaults.Storage.MinFreeSpace
	}
	if c.Storage.HealthCheckInterval == 0 {
		c.Storage.HealthCheckInterval = defaults.Storage.HealthCheckInterval
	}
	if c.Storage.ProgressFlushInterval == 0 {
		c.Storage.ProgressFlushInterval = defaults.Storage.ProgressFlushInterval
	}
	if c.UserAgent == "" {
		c.UserAgent = defaults.UserAgent
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = defaults.ChunkSize
	}
}

// Validate validates the configuration for consistency and correctness.
func (c *Config) Validate() error {
	if c.Concurrency.MaxConcurrentDownloads <= 0 {
		return fmt.Errorf("max concurrent downloads must be positive, got %d",
			c.Concurrency.MaxConcurrentDownloads)
	}
	if c.Concurrency.MaxSegmentsPerTask <= 0 {
		return fmt.Errorf("max segments per task must be positive, got %d",
			c.Concurrency.MaxSegmentsPerTask)
	}
	if c.Concurrency.MinSegmentSize <= 0 {
		return fmt.Errorf("min segment size must be positive, got %d",
			c.Concurrency.MinSegmentSize)
	}
	if c.RetryPolicy.MaxRetries < 0 {
		return fmt.Errorf("retry policy max_retries must be non-negative, got %d",
			c.RetryPolicy.MaxRetries)
	}
	if c.RetryPolicy.BaseDelay <= 0 {
		return fmt.Errorf("retry policy base_delay must be positive, got %v",
			c.RetryPolicy.BaseDelay)
	}
	if c.RetryPolicy.MaxDelay < c.RetryPolicy.BaseDelay {
		return fmt.Errorf("retry policy max_delay must be >= base_delay, got %v",
			c.RetryPolicy.MaxDelay)
	}
	if c.RetryPolicy.BackoffFactor < 1.0 {
		return fmt.Errorf("retry policy backoff_factor must be >= 1.0, got %f",
			c.RetryPolicy.BackoffFactor)
	}
	if c.Timeouts.ConnectTimeout <= 0 {
		return fmt.Errorf("connect timeout must be positive, got %v", c.Timeouts.ConnectTimeout)
	}
	if c.Timeouts.ProbeTimeout <= 0 {
		return fmt.Errorf("probe timeout must be positive, got %v", c.Timeouts.ProbeTimeout)
	}
	if c.SpeedLimit.GlobalRate < 0 {
		return fmt.Errorf("global rate must be non-negative, got %d", c.SpeedLimit.GlobalRate)
	}
	if c.SpeedLimit.DefaultTaskRate < 0 {
		return fmt.Errorf("default task rate must be non-negative, got %d",
			c.SpeedLimit.DefaultTaskRate)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", c.ChunkSize)
	}
	if c.Storage.MinFreeSpace < 0 {
		return fmt.Errorf("min free space must be non-negative, got %d", c.Storage.MinFreeSpace)
	}

	return nil
}

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	data, _ := json.Marshal(c)

	var clone Config

	_ = json.Unmarshal(data, &clone)

	return &clone
}
