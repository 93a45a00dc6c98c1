package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/ChuLiYu/evorun/internal/evolve"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig 設定檔內容不合法
var ErrInvalidConfig = errors.New("invalid config")

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Control struct {
		SpeedLimit    float64 `yaml:"speed_limit"`    // generations per second, 0 = unlimited
		FeedbackEvery int     `yaml:"feedback_every"` // print progress every N steps
	} `yaml:"control"`

	Batches []evolve.BatchSpec `yaml:"batches"`

	Decay struct {
		Base   float64 `yaml:"base"`
		Factor float64 `yaml:"factor"`
	} `yaml:"decay"`

	Workers struct {
		Count      int `yaml:"count"`
		BufferSize int `yaml:"buffer_size"`
	} `yaml:"workers"`

	State struct {
		Path        string `yaml:"path"`
		Journal     string `yaml:"journal"`
		SaveOnExit  bool   `yaml:"save_on_exit"`
		KeepBackups int    `yaml:"keep_backups"` // previous state files kept on save, 0 = overwrite
	} `yaml:"state"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	GRPC struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"grpc"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// defaultConfig 未出現在設定檔中的欄位使用這些值
func defaultConfig() Config {
	var cfg Config
	cfg.Control.FeedbackEvery = 10
	cfg.Workers.Count = 4
	cfg.Workers.BufferSize = 64
	cfg.Metrics.Port = 9090
	cfg.GRPC.Port = 50051
	cfg.Log.Level = "info"
	return cfg
}

// Validate 檢查設定值範圍
func (c *Config) Validate() error {
	if c.Control.SpeedLimit < 0 {
		return fmt.Errorf("%w: control.speed_limit must be >= 0", ErrInvalidConfig)
	}
	if len(c.Batches) == 0 {
		return fmt.Errorf("%w: at least one batch is required", ErrInvalidConfig)
	}
	for i, b := range c.Batches {
		if b.Runs < 1 {
			return fmt.Errorf("%w: batches[%d].runs must be >= 1", ErrInvalidConfig, i)
		}
		if b.MutationRate < 0 || b.MutationRate > 1 {
			return fmt.Errorf("%w: batches[%d].mutation_rate must be in [0, 1]", ErrInvalidConfig, i)
		}
	}
	if c.State.KeepBackups < 0 {
		return fmt.Errorf("%w: state.keep_backups must be >= 0", ErrInvalidConfig)
	}
	if c.Workers.Count < 1 {
		return fmt.Errorf("%w: workers.count must be >= 1", ErrInvalidConfig)
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("%w: metrics.port out of range", ErrInvalidConfig)
	}
	if c.GRPC.Enabled && (c.GRPC.Port <= 0 || c.GRPC.Port > 65535) {
		return fmt.Errorf("%w: grpc.port out of range", ErrInvalidConfig)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}
