package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml"
)

// LoaderOptions configures the configuration loader.
type LoaderOptions struct {
	// Path is the TOML file to read.
	Path string
	// SkipEnvOverrides disables the environment-variable override pass.
	SkipEnvOverrides bool
	// SkipValidation disables post-load validation.
	SkipValidation bool
}

// DefaultLoaderOptions returns the loader's default options.
func DefaultLoaderOptions() LoaderOptions {
	return LoaderOptions{
		Path: "tunnelbroker.toml",
	}
}

// Load reads, defaults, overrides, and validates the broker's configuration.
func Load(opts ...LoaderOptions) (Config, error) {
	options := DefaultLoaderOptions()
	if len(opts) > 0 {
		options = opts[0]
	}

	data, err := os.ReadFile(options.Path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", options.Path, err)
	}

	var raw fileConfig
	if err := toml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", options.Path, err)
	}

	cfg := raw.resolve()

	if !options.SkipEnvOverrides {
		applyEnvironmentOverrides(&cfg)
	}

	if !options.SkipValidation {
		if err := cfg.Validate(); err != nil {
			return Config{}, err
		}
	}

	return cfg, nil
}

// MustLoad loads configuration or panics on error. Used only at process
// startup, before anything depends on graceful error handling.
func MustLoad(opts ...LoaderOptions) Config {
	cfg, err := Load(opts...)
	if err != nil {
		panic(fmt.Sprintf("config: failed to load configuration: %v", err))
	}
	return cfg
}
