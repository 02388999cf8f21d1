// Package config loads runtime tunables from YAML.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	yaml "github.com/goccy/go-yaml"

	"github.com/Swind/go-task-runtime/core"
)

// ErrInvalidConfig wraps every parse or validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config mirrors taskrt.yaml.
type Config struct {
	Pool    PoolConfig    `yaml:"pool"`
	Loop    LoopConfig    `yaml:"loop"`
	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`
}

type PoolConfig struct {
	Workers  int  `yaml:"workers"`  // 4 (by default)
	Priority bool `yaml:"priority"` // priority ready queue instead of FIFO
	// ExtensionID registers the pool as a TaskExecutor; 0 leaves it unregistered.
	ExtensionID int `yaml:"extension_id"`
}

type LoopConfig struct {
	Name                      string `yaml:"name"`
	HighResolutionThresholdMS int    `yaml:"high_resolution_threshold_ms"` // 32 (by default)
	LowResolutionSlackMS      int    `yaml:"low_resolution_slack_ms"`      // 4 (by default)
	MaxTasksPerDoWork         int    `yaml:"max_tasks_per_do_work"`        // 64 (by default)
}

type MetricsConfig struct {
	Namespace      string `yaml:"namespace"`
	ListenAddr     string `yaml:"listen_addr"` // empty disables the HTTP endpoint
	PollIntervalMS int    `yaml:"poll_interval_ms"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Pool: PoolConfig{
			Workers:     4,
			ExtensionID: 1,
		},
		Loop: LoopConfig{
			Name:                      "main",
			HighResolutionThresholdMS: int(core.DefaultHighResolutionThreshold / time.Millisecond),
			LowResolutionSlackMS:      int(core.DefaultLowResolutionSlack / time.Millisecond),
			MaxTasksPerDoWork:         core.DefaultMaxTasksPerDoWork,
		},
		Metrics: MetricsConfig{
			Namespace:      "taskruntime",
			PollIntervalMS: 1000,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads YAML from path over the defaults. An empty path or a missing
// file yields the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data over the defaults, then validates and clamps it.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	cfg.clamp()
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Pool.ExtensionID < 0 || c.Pool.ExtensionID > core.MaxTaskExecutors {
		return fmt.Errorf("%w: pool.extension_id %d out of range [0, %d]",
			ErrInvalidConfig, c.Pool.ExtensionID, core.MaxTaskExecutors)
	}
	return nil
}

// sanity clamps
func (c *Config) clamp() {
	d := Default()
	if c.Pool.Workers <= 0 {
		c.Pool.Workers = d.Pool.Workers
	}
	if c.Loop.HighResolutionThresholdMS <= 0 {
		c.Loop.HighResolutionThresholdMS = d.Loop.HighResolutionThresholdMS
	}
	if c.Loop.LowResolutionSlackMS < 0 {
		c.Loop.LowResolutionSlackMS = d.Loop.LowResolutionSlackMS
	}
	if c.Loop.MaxTasksPerDoWork <= 0 {
		c.Loop.MaxTasksPerDoWork = d.Loop.MaxTasksPerDoWork
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = d.Metrics.Namespace
	}
	if c.Metrics.PollIntervalMS <= 0 {
		c.Metrics.PollIntervalMS = d.Metrics.PollIntervalMS
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
}

// PollInterval is Metrics.PollIntervalMS as a duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Metrics.PollIntervalMS) * time.Millisecond
}

// Logger builds the slog-backed logger for Log.Level.
func (c Config) Logger() core.Logger {
	return core.NewDefaultLoggerWithLevel(c.Log.Level)
}

// LoopConfig converts the loop section. logger and metrics may be nil.
func (c Config) LoopConfig(logger core.Logger, metrics core.Metrics) *core.LoopConfig {
	return &core.LoopConfig{
		Name:                    c.Loop.Name,
		Logger:                  logger,
		Metrics:                 metrics,
		HighResolutionThreshold: time.Duration(c.Loop.HighResolutionThresholdMS) * time.Millisecond,
		LowResolutionSlack:      time.Duration(c.Loop.LowResolutionSlackMS) * time.Millisecond,
		MaxTasksPerDoWork:       c.Loop.MaxTasksPerDoWork,
	}
}

// SchedulerConfig converts the pool section. metrics may be nil.
func (c Config) SchedulerConfig(metrics core.Metrics) *core.TaskSchedulerConfig {
	cfg := core.DefaultTaskSchedulerConfig()
	if metrics != nil {
		cfg.Metrics = metrics
	}
	cfg.HighResolutionThreshold = time.Duration(c.Loop.HighResolutionThresholdMS) * time.Millisecond
	return cfg
}
