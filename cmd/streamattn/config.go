package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the streamattn configuration file
// (~/.config/streamattn/config.yaml). Numeric fields are pointers so
// "not set" is distinguishable from zero values.
type Config struct {
	// Kernel tiling
	BlockM *int64 `yaml:"block_m"`
	BlockN *int64 `yaml:"block_n"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`

	// Benchmark defaults
	BenchWarmup *int64 `yaml:"bench_warmup"`
	BenchRuns   *int64 `yaml:"bench_runs"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "streamattn", "config.yaml")
}

// applyKernelConfig applies tiling defaults when the corresponding
// CLI flag was not explicitly set.
func applyKernelConfig(c *cli.Command, cfg Config) {
	if cfg.BlockM != nil && !c.IsSet("block-m") {
		blockM = *cfg.BlockM
	}
	if cfg.BlockN != nil && !c.IsSet("block-n") {
		blockN = *cfg.BlockN
	}
}

func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	applyKernelConfig(c, cfg)
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}

func applyBenchConfig(c *cli.Command, cfg Config, warmup, runs *int64) {
	applyKernelConfig(c, cfg)
	if cfg.BenchWarmup != nil && !c.IsSet("warmup") {
		*warmup = *cfg.BenchWarmup
	}
	if cfg.BenchRuns != nil && !c.IsSet("runs") {
		*runs = *cfg.BenchRuns
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file
// doesn't exist or fails to parse.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}
