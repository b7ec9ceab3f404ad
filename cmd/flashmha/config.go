package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the flashmha configuration file
// (~/.config/flashmha/config.yaml). Pointer fields distinguish "not set"
// from zero values.
type Config struct {
	// Kernel defaults
	BlockM  *int   `yaml:"block_m"`
	BlockN  *int   `yaml:"block_n"`
	Workers *int   `yaml:"workers"`
	DType   string `yaml:"dtype"`

	// Accuracy check
	RTol *float64 `yaml:"rtol"`
	ATol *float64 `yaml:"atol"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

// configPath resolves the config file: an explicit path (from --config or
// FLASHMHA_CONFIG) wins over the per-user default.
func configPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "flashmha", "config.yaml")
}

// LoadConfig reads path. A missing file yields a zero Config; a file that
// exists but does not parse is an error.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// applyLoggingConfig applies config file defaults to the root logging flags
// when they were not set on the command line.
func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyKernelConfig applies block sizes, workers and dtype.
func applyKernelConfig(c *cli.Command, cfg Config) {
	if cfg.BlockM != nil && !c.IsSet("block-m") {
		blockM = *cfg.BlockM
	}
	if cfg.BlockN != nil && !c.IsSet("block-n") {
		blockN = *cfg.BlockN
	}
	if cfg.Workers != nil && !c.IsSet("workers") {
		workers = *cfg.Workers
	}
	if cfg.DType != "" && !c.IsSet("dtype") {
		dtypeName = cfg.DType
	}
}

func applyToleranceConfig(c *cli.Command, cfg Config) {
	if cfg.RTol != nil && !c.IsSet("rtol") {
		rtol = *cfg.RTol
	}
	if cfg.ATol != nil && !c.IsSet("atol") {
		atol = *cfg.ATol
	}
}

func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}
