package state

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/tailscale/hujson"
)

// Settings are the configuration inputs of the persistence engine.
type Settings struct {
	// ParallelStore writes independently-rooted child files from
	// separate goroutines and enables the shared string table for work
	// files.
	ParallelStore bool `env:"CONFCACHE_PARALLEL_STORE" json:"parallel_store"`

	// ParallelLoad is the symmetric switch on read.
	ParallelLoad bool `env:"CONFCACHE_PARALLEL_LOAD" json:"parallel_load"`

	// DedupStrings is the master switch for string deduplication. When
	// off, the inline strategy is forced for every file.
	DedupStrings bool `env:"CONFCACHE_DEDUP_STRINGS" envDefault:"true" json:"dedup_strings"`

	// Debug keeps the diagnostic tracer always on.
	Debug bool `env:"CONFCACHE_DEBUG" json:"debug"`
}

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{DedupStrings: true}
}

// SettingsFromEnv reads settings from CONFCACHE_* environment variables
// on top of the defaults.
func SettingsFromEnv() (Settings, error) {
	settings := DefaultSettings()

	if err := env.Parse(&settings); err != nil {
		return Settings{}, fmt.Errorf("parse env settings: %w", err)
	}

	return settings, nil
}

// LoadSettingsFile reads a HuJSON settings file (JSON with comments and
// trailing commas allowed). Missing file is not an error; defaults are
// returned.
func LoadSettingsFile(path string) (Settings, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is caller-provided config
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultSettings(), nil
		}

		return Settings{}, fmt.Errorf("read settings file: %w", err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Settings{}, fmt.Errorf("settings file %s: %w", path, err)
	}

	settings := DefaultSettings()

	if err := json.Unmarshal(standardized, &settings); err != nil {
		return Settings{}, fmt.Errorf("settings file %s: %w", path, err)
	}

	return settings, nil
}
