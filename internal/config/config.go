package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds the daemon configuration
type Config struct {
	ServerAddr        string `toml:"server_addr"`
	MaxWorkers        int    `toml:"max_workers"`
	JobTimeoutMinutes int    `toml:"job_timeout_minutes"`

	Queue     QueueConfig     `toml:"queue"`
	Retry     RetryConfig     `toml:"retry"`
	Reconcile ReconcileConfig `toml:"reconcile"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	TTO       TTOConfig       `toml:"tto"`
}

// QueueConfig bounds the job queue
type QueueConfig struct {
	MaxDepth int      `toml:"max_depth"` // queued jobs per lane before publishes are refused
	Lanes    []string `toml:"lanes"`
}

// RetryConfig shapes the backoff between sync attempts
type RetryConfig struct {
	MaxAttempts int     `toml:"max_attempts"`
	BaseDelayMS int     `toml:"base_delay_ms"`
	Multiplier  float64 `toml:"multiplier"`
	JitterMS    int     `toml:"jitter_ms"`
}

// ReconcileConfig controls how stuck work is detected and re-driven
type ReconcileConfig struct {
	LeaseTTLMinutes int `toml:"lease_ttl_minutes"`
	CooldownMinutes int `toml:"cooldown_minutes"`
	SweepLimit      int `toml:"sweep_limit"`
}

// SchedulerConfig controls periodic maintenance jobs
type SchedulerConfig struct {
	SweepIntervalSeconds    int `toml:"sweep_interval_seconds"`
	DispatchIntervalSeconds int `toml:"dispatch_interval_seconds"` // 0 disables periodic dispatch-all
	DispatchLimit           int `toml:"dispatch_limit"`
}

// TTOConfig points at the upstream takeoff system
type TTOConfig struct {
	Mode           string `toml:"mode"` // "http" or "postgres"
	BaseURL        string `toml:"base_url"`
	AuthCode       string `toml:"auth_code" sensitive:"true"`
	UserEmail      string `toml:"user_email"`
	ActorEmail     string `toml:"actor_email"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	PostgresURL    string `toml:"postgres_url" sensitive:"true"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		ServerAddr:        "127.0.0.1:7474",
		MaxWorkers:        4,
		JobTimeoutMinutes: 10,
		Queue: QueueConfig{
			MaxDepth: 1000,
			Lanes:    []string{"sync", "process", "celery"},
		},
		Retry: RetryConfig{
			MaxAttempts: 5,
			BaseDelayMS: 1000,
			Multiplier:  2.0,
			JitterMS:    500,
		},
		Reconcile: ReconcileConfig{
			LeaseTTLMinutes: 15,
			CooldownMinutes: 10,
			SweepLimit:      50,
		},
		Scheduler: SchedulerConfig{
			SweepIntervalSeconds: 30,
			DispatchLimit:        50,
		},
		TTO: TTOConfig{
			Mode:           "http",
			TimeoutSeconds: 20,
		},
	}
}

// DataDir returns the ttosync data directory.
// Uses TTOSYNC_DATA_DIR env var if set, otherwise ~/.ttosync
func DataDir() string {
	if dir := os.Getenv("TTOSYNC_DATA_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".ttosync")
}

// GlobalConfigPath returns the path to the global config file
func GlobalConfigPath() string {
	return filepath.Join(DataDir(), "config.toml")
}

// LoadGlobal loads the global configuration from the default path
func LoadGlobal() (*Config, error) {
	return LoadGlobalFrom(GlobalConfigPath())
}

// LoadGlobalFrom loads the global configuration from a specific path
func LoadGlobalFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SaveGlobal saves the global configuration
func SaveGlobal(cfg *Config) error {
	path := GlobalConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

// JobTimeout returns the per-job execution timeout
func (c *Config) JobTimeout() time.Duration {
	m := c.JobTimeoutMinutes
	if m <= 0 {
		m = 10
	}
	return time.Duration(m) * time.Minute
}

// BaseDelay returns the first-retry delay
func (r RetryConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayMS) * time.Millisecond
}

// Jitter returns the maximum random delay added to each retry
func (r RetryConfig) Jitter() time.Duration {
	return time.Duration(r.JitterMS) * time.Millisecond
}

// LeaseTTL returns how long a dispatched workspace may stay pending before
// the reconciler treats it as stuck
func (r ReconcileConfig) LeaseTTL() time.Duration {
	m := r.LeaseTTLMinutes
	if m <= 0 {
		m = 15
	}
	return time.Duration(m) * time.Minute
}

// Cooldown returns how long a failed workspace rests before the sweep
// retries it
func (r ReconcileConfig) Cooldown() time.Duration {
	m := r.CooldownMinutes
	if m <= 0 {
		m = 10
	}
	return time.Duration(m) * time.Minute
}

// SweepInterval returns how often the scheduler publishes sweep jobs
func (s SchedulerConfig) SweepInterval() time.Duration {
	sec := s.SweepIntervalSeconds
	if sec <= 0 {
		sec = 30
	}
	return time.Duration(sec) * time.Second
}

// DispatchInterval returns how often the scheduler publishes dispatch-all
// jobs, or zero when disabled
func (s SchedulerConfig) DispatchInterval() time.Duration {
	if s.DispatchIntervalSeconds <= 0 {
		return 0
	}
	return time.Duration(s.DispatchIntervalSeconds) * time.Second
}

// Timeout returns the per-call timeout for upstream requests
func (t TTOConfig) Timeout() time.Duration {
	sec := t.TimeoutSeconds
	if sec <= 0 {
		sec = 20
	}
	return time.Duration(sec) * time.Second
}

// Validate checks that the configured mode has what it needs to connect
func (t TTOConfig) Validate() error {
	switch t.Mode {
	case "http":
		if t.BaseURL == "" {
			return fmt.Errorf("tto.base_url is required in http mode")
		}
		if t.AuthCode == "" {
			return fmt.Errorf("tto.auth_code is required in http mode")
		}
	case "postgres":
		if t.PostgresURL == "" {
			return fmt.Errorf("tto.postgres_url is required in postgres mode")
		}
	case "":
		return fmt.Errorf("tto.mode is not set")
	default:
		return fmt.Errorf("unknown tto.mode %q", t.Mode)
	}
	return nil
}
