// Package daemon assembles the full process: configuration loading, wiring
// every component into an Engine, and running one of the three CLI modes.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the nested process configuration, loaded from an optional
// ~/.streamvis/config.toml and overridden by CLI flags.
type Config struct {
	State     StateConfig
	Scheduler SchedulerConfig
	Backend   BackendConfig
	Overlay   OverlayConfig
	Community CommunityConfig
}

type StateConfig struct {
	FilePath string `toml:"file_path"`
}

type SchedulerConfig struct {
	MinRetrySeconds int `toml:"min_retry_seconds"`
	MaxRetrySeconds int `toml:"max_retry_seconds"`
	BackfillHours   int `toml:"backfill_hours"`
}

type BackendConfig struct {
	APIBackend string `toml:"api_backend"`
}

type OverlayConfig struct {
	ForecastBase  string `toml:"forecast_base"`
	ForecastHours int    `toml:"forecast_hours"`
}

type CommunityConfig struct {
	BaseURL string `toml:"base_url"`
	Publish bool   `toml:"publish"`
}

// Default returns the configuration baseline before any file or flag
// overrides are applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		State: StateConfig{
			FilePath: filepath.Join(home, ".streamvis_state.json"),
		},
		Scheduler: SchedulerConfig{
			MinRetrySeconds: 60,
			MaxRetrySeconds: 300,
			BackfillHours:   6,
		},
		Backend: BackendConfig{
			APIBackend: "blended",
		},
		Overlay: OverlayConfig{
			ForecastHours: 72,
		},
	}
}

// Load reads ~/.streamvis/config.toml over top of Default(), returning
// Default() unchanged if the file does not exist.
func Load() (Config, error) {
	cfg := Default()

	home, err := os.UserHomeDir()
	if err != nil {
		return cfg, nil
	}
	path := filepath.Join(home, ".streamvis", "config.toml")

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("daemon: decoding %s: %w", path, err)
	}
	return cfg, nil
}
