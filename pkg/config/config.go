// Package config defines the tunables the engine exposes (spec.md §6) as
// a plain Go struct, loadable from file/env via viper at the process
// boundary. The core itself (pkg/executor, pkg/task) takes a resolved
// Config value and never touches viper directly, keeping it usable as a
// library independent of the demo CLI.
package config

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config holds every tunable named in spec.md §6.
type Config struct {
	// InitialSplitsPerNode is the starting concurrent-driver cap for a
	// newly added task.
	InitialSplitsPerNode int32 `mapstructure:"initial_splits_per_node"`
	// MaxDriversPerTask hard-bounds a task's concurrent-driver cap.
	MaxDriversPerTask int32 `mapstructure:"max_drivers_per_task"`
	// SplitConcurrencyAdjustmentInterval is the cadence of the up/down cap
	// heuristic.
	SplitConcurrencyAdjustmentInterval time.Duration `mapstructure:"split_concurrency_adjustment_interval"`
	// TaskYieldInterval upper-bounds one process_for call.
	TaskYieldInterval time.Duration `mapstructure:"task_yield_interval"`
	// NotificationExecutorThreads sizes the callback-dispatch pool.
	NotificationExecutorThreads int `mapstructure:"notification_executor_threads"`
	// WorkerThreads sizes the TaskExecutor's fixed worker pool.
	WorkerThreads int `mapstructure:"worker_threads"`
	// TaskMemoryLimitBytes bounds a single task's MemoryAccount; <= 0 means
	// unbounded.
	TaskMemoryLimitBytes int64 `mapstructure:"task_memory_limit_bytes"`
	// OutputBufferCapacityBytes sizes a task's MemoryBuffer.
	OutputBufferCapacityBytes int64 `mapstructure:"output_buffer_capacity_bytes"`
}

// Default returns the engine's built-in defaults.
func Default() Config {
	return Config{
		InitialSplitsPerNode:               1,
		MaxDriversPerTask:                  16,
		SplitConcurrencyAdjustmentInterval: time.Second,
		TaskYieldInterval:                  time.Second,
		NotificationExecutorThreads:        4,
		WorkerThreads:                      8,
		TaskMemoryLimitBytes:               256 << 20,
		OutputBufferCapacityBytes:          32 << 20,
	}
}

// Load reads Config starting from the built-in defaults, overridden by the
// file at path (if non-empty), overridden in turn by environment variables
// prefixed TASKEXEC_ (viper gives the environment precedence over the
// config file), matching the viper wiring used for the demo CLI.
func Load(path string) (Config, error) {
	v := viper.New()
	cfg := Default()

	v.SetEnvPrefix("taskexec")
	v.AutomaticEnv()
	setDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrap(err, "reading config file")
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "unmarshaling config")
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("initial_splits_per_node", cfg.InitialSplitsPerNode)
	v.SetDefault("max_drivers_per_task", cfg.MaxDriversPerTask)
	v.SetDefault("split_concurrency_adjustment_interval", cfg.SplitConcurrencyAdjustmentInterval)
	v.SetDefault("task_yield_interval", cfg.TaskYieldInterval)
	v.SetDefault("notification_executor_threads", cfg.NotificationExecutorThreads)
	v.SetDefault("worker_threads", cfg.WorkerThreads)
	v.SetDefault("task_memory_limit_bytes", cfg.TaskMemoryLimitBytes)
	v.SetDefault("output_buffer_capacity_bytes", cfg.OutputBufferCapacityBytes)
}

// Validate checks the invariants the executor and conductor assume.
func (c Config) Validate() error {
	if c.InitialSplitsPerNode < 1 {
		return errors.New("initial_splits_per_node must be >= 1")
	}
	if c.MaxDriversPerTask < c.InitialSplitsPerNode {
		return errors.New("max_drivers_per_task must be >= initial_splits_per_node")
	}
	if c.TaskYieldInterval <= 0 {
		return errors.New("task_yield_interval must be positive")
	}
	if c.NotificationExecutorThreads < 1 {
		return errors.New("notification_executor_threads must be >= 1")
	}
	if c.WorkerThreads < 1 {
		return errors.New("worker_threads must be >= 1")
	}
	return nil
}
