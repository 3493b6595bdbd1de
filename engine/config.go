package engine

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the control center configuration surface.
type Config struct {
	// PoolSize bounds concurrent extractions.
	PoolSize int `yaml:"pool_size" json:"pool_size"`
	// ResultsRoot is where per-batch artifact directories are created.
	ResultsRoot string `yaml:"results_root" json:"results_root"`
	// WeightTablePath optionally overrides the built-in stage weights.
	WeightTablePath string `yaml:"weight_table_path" json:"weight_table_path"`
	// WatchWeightTable reloads the weight table when the file changes.
	WatchWeightTable bool `yaml:"watch_weight_table" json:"watch_weight_table"`
	// MetricsBackend selects the instrumentation backend: "prometheus",
	// "otel", or "none".
	MetricsBackend string `yaml:"metrics_backend" json:"metrics_backend"`
	// EventBuffer sizes each subscriber's event channel.
	EventBuffer int `yaml:"event_buffer" json:"event_buffer"`
}

// Defaults returns the stock configuration.
func Defaults() Config {
	return Config{
		PoolSize:       8,
		ResultsRoot:    "results",
		MetricsBackend: "prometheus",
		EventBuffer:    256,
	}
}

// LoadConfigFile reads a yaml config, layered over Defaults.
func LoadConfigFile(path string) (Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 8
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	return cfg, nil
}
