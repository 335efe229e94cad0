package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the qtree configuration file (~/.config/qtree/config.yaml).
// Numeric fields are pointers so we can distinguish "not set" from zero values.
type Config struct {
	// Calibration defaults
	Batches   *int64 `yaml:"batches"`
	BatchSize *int64 `yaml:"batch_size"`
	Workers   *int64 `yaml:"workers"`
	Seed      *int64 `yaml:"seed"`

	// Training defaults
	Epochs       *int64   `yaml:"epochs"`
	LearningRate *float64 `yaml:"learning_rate"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

// loaded is the config read by the root Before hook.
var loaded Config

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "qtree", "config.yaml")
}

// LoadConfig reads the config file. A missing file yields a zero Config.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// applyLoggingConfig applies config file defaults to the logging flags when
// they were not explicitly set.
func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

func applyCalibrationConfig(c *cli.Command, cfg Config, o *jobOptions) {
	if cfg.Batches != nil && !c.IsSet("batches") {
		o.batches = *cfg.Batches
	}
	if cfg.BatchSize != nil && !c.IsSet("batch-size") {
		o.batchSize = *cfg.BatchSize
	}
	if cfg.Workers != nil && !c.IsSet("workers") {
		o.workers = *cfg.Workers
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		o.seed = *cfg.Seed
	}
}

func applyTrainingConfig(c *cli.Command, cfg Config, epochs *int64, lr *float64) {
	if cfg.Epochs != nil && !c.IsSet("epochs") {
		*epochs = *cfg.Epochs
	}
	if cfg.LearningRate != nil && !c.IsSet("lr") {
		*lr = *cfg.LearningRate
	}
}

func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}
