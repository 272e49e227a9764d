// Package config loads ember's static defaults: isolate pool sizing, default
// run ceilings, and diagnostic verbosity. It follows the same TOML-overlay
// pattern the original host application used for its own settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all ember configuration values.
type Config struct {
	// Isolate Manager pool sizing.
	PoolMinIdle int `toml:"pool_min_idle"`
	PoolMax     int `toml:"pool_max"`
	HeapLimitMB int `toml:"heap_limit_mb"`

	// Default run ceilings, used when a RunRequest leaves a field at zero.
	DefaultWallTimeoutMs   int `toml:"default_wall_timeout_ms"`
	DefaultCPUTimeLimitMs  int `toml:"default_cpu_time_limit_ms"`
	DefaultMemoryLimitMB   int `toml:"default_memory_limit_mb"`

	// Timeout Manager tuning.
	WatchdogTickMs        int     `toml:"watchdog_tick_ms"`
	MinDetectionMs        int     `toml:"min_detection_ms"`
	InfiniteLoopThreshold float64 `toml:"infinite_loop_threshold"`
	WarningFraction       float64 `toml:"warning_fraction"`

	// Resource Monitor tuning.
	SampleIntervalMs       int `toml:"sample_interval_ms"`
	MemoryCriticalPercent  int `toml:"memory_critical_percent"`

	// Virtual Filesystem default quota.
	DefaultQuotaBytes int64 `toml:"default_quota_bytes"`

	// Session Layer defaults.
	DefaultSessionTTLMs int `toml:"default_session_ttl_ms"`
	SessionSweepMs      int `toml:"session_sweep_ms"`

	// Diagnostic verbosity: debug|info|warn|error|none. Also read from
	// the LOG_LEVEL environment variable, which takes precedence.
	LogLevel string `toml:"log_level"`

	// StateDir holds config.toml (ConfigFilePath), the capability policy
	// overrides file (PolicyFile), and the per-session audit logs the
	// Session Manager writes. No manifest is loaded from it.
	StateDir   string        `toml:"state_dir"`
	PolicyFile string        `toml:"-"`
	MaxRunTimeout time.Duration `toml:"-"`
}

// DefaultConfig returns a Config with all defaults populated.
func DefaultConfig() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	stateDir := filepath.Join(home, ".ember")

	return Config{
		PoolMinIdle:            1,
		PoolMax:                8,
		HeapLimitMB:            256,
		DefaultWallTimeoutMs:   5000,
		DefaultCPUTimeLimitMs:  5000,
		DefaultMemoryLimitMB:   128,
		WatchdogTickMs:         10,
		MinDetectionMs:         100,
		InfiniteLoopThreshold:  0.95,
		WarningFraction:        0.8,
		SampleIntervalMs:       20,
		MemoryCriticalPercent:  99,
		DefaultQuotaBytes:      64 * 1024 * 1024,
		DefaultSessionTTLMs:    30 * 60 * 1000,
		SessionSweepMs:         60000,
		LogLevel:               "info",
		StateDir:               stateDir,
		PolicyFile:             filepath.Join(stateDir, "policy.json"),
		MaxRunTimeout:          5 * time.Minute,
	}
}

// ConfigFilePath returns the path to the config file inside StateDir.
func (c Config) ConfigFilePath() string {
	return filepath.Join(c.StateDir, "config.toml")
}

// Load loads configuration from the default location (~/.ember/config.toml),
// falling back to defaults if the file does not exist.
func Load() (Config, []string, error) {
	defaults := DefaultConfig()
	return LoadFrom(defaults.ConfigFilePath(), defaults)
}

// LoadFrom loads configuration from the given path, overlaying TOML values
// onto the provided defaults. If the file does not exist, defaults are
// returned without error (first-run case). Warnings are returned for
// unrecognized TOML keys (likely typos).
func LoadFrom(path string, defaults Config) (Config, []string, error) {
	cfg := defaults

	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if os.IsNotExist(err) {
			return defaults, nil, nil
		}
		return Config{}, nil, fmt.Errorf("loading config %s: %w", path, err)
	}

	if meta.IsDefined("state_dir") && !meta.IsDefined("policy_file") {
		cfg.PolicyFile = filepath.Join(cfg.StateDir, "policy.json")
	}

	// Restore non-TOML fields from defaults.
	cfg.MaxRunTimeout = defaults.MaxRunTimeout

	var warnings []string
	for _, key := range meta.Undecoded() {
		warnings = append(warnings, fmt.Sprintf("unknown config key: %s", key))
	}

	return cfg, warnings, nil
}

// EnsureDirs creates StateDir if it does not exist.
func (c Config) EnsureDirs() error {
	if c.StateDir == "" {
		return nil
	}
	if err := os.MkdirAll(c.StateDir, 0700); err != nil {
		return fmt.Errorf("creating directory %s: %w", c.StateDir, err)
	}
	return nil
}
