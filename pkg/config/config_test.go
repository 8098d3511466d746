package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() error = %v", err)
	}
	if cfg.Concurrency.MaxConcurrentDownloads != 5 {
		t.Errorf("MaxConcurrentDownloads = %d, want 5", cfg.Concurrency.MaxConcurrentDownloads)
	}
	if cfg.Concurrency.MaxSegmentsPerTask != 8 {
		t.Errorf("MaxSegmentsPerTask = %d, want 8", cfg.Concurrency.MaxSegmentsPerTask)
	}
	if cfg.Concurrency.MinSegmentSize != 1024*1024 {
		t.Errorf("MinSegmentSize = %d, want 1MiB", cfg.Concurrency.MinSegmentSize)
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "nope.json"))
	cfg, err := loader.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Concurrency.MaxConcurrentDownloads != DefaultConfig().Concurrency.MaxConcurrentDownloads {
		t.Error("missing file did not yield defaults")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	loader := NewLoader(path)

	cfg := DefaultConfig()
	cfg.Concurrency.MaxConcurrentDownloads = 3
	cfg.SpeedLimit.GlobalRate = 2 * 1024 * 1024
	cfg.RetryPolicy.BaseDelay = 2 * time.Second

	if err := loader.Save(cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := loader.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.Concurrency.MaxConcurrentDownloads != 3 {
		t.Errorf("MaxConcurrentDownloads = %d, want 3", got.Concurrency.MaxConcurrentDownloads)
	}
	if got.SpeedLimit.GlobalRate != 2*1024*1024 {
		t.Errorf("GlobalRate = %d", got.SpeedLimit.GlobalRate)
	}
	if got.RetryPolicy.BaseDelay != 2*time.Second {
		t.Errorf("BaseDelay = %v", got.RetryPolicy.BaseDelay)
	}
}

func TestLoadFillsPartialConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"concurrency":{"max_concurrent_downloads":2}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := NewLoader(path).Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Concurrency.MaxConcurrentDownloads != 2 {
		t.Errorf("explicit value overwritten: %d", cfg.Concurrency.MaxConcurrentDownloads)
	}
	if cfg.Concurrency.MaxSegmentsPerTask != 8 {
		t.Errorf("MaxSegmentsPerTask = %d, want default 8", cfg.Concurrency.MaxSegmentsPerTask)
	}
	if cfg.ChunkSize == 0 || cfg.UserAgent == "" {
		t.Error("zero-valued fields not defaulted")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("partial config invalid after defaults: %v", err)
	}
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewLoader(path).Load(); err == nil {
		t.Error("malformed config accepted")
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero max downloads", func(c *Config) { c.Concurrency.MaxConcurrentDownloads = 0 }},
		{"negative segments", func(c *Config) { c.Concurrency.MaxSegmentsPerTask = -1 }},
		{"zero min segment size", func(c *Config) { c.Concurrency.MinSegmentSize = 0 }},
		{"negative retries", func(c *Config) { c.RetryPolicy.MaxRetries = -1 }},
		{"max delay below base", func(c *Config) { c.RetryPolicy.MaxDelay = c.RetryPolicy.BaseDelay / 2 }},
		{"backoff below one", func(c *Config) { c.RetryPolicy.BackoffFactor = 0.5 }},
		{"zero connect timeout", func(c *Config) { c.Timeouts.ConnectTimeout = 0 }},
		{"negative global rate", func(c *Config) { c.SpeedLimit.GlobalRate = -1 }},
		{"zero chunk size", func(c *Config) { c.ChunkSize = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestCloneIsIndependent(t *testing.T) {
	cfg := DefaultConfig()
	clone := cfg.Clone()
	clone.Concurrency.MaxConcurrentDownloads = 99

	if cfg.Concurrency.MaxConcurrentDownloads == 99 {
		t.Error("mutating the clone changed the original")
	}
}
