package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// LoadFromFile loads configuration from a JSON file and validates it.
func LoadFromFile(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}

	return cfg, nil
}

// Load builds the configuration from defaults, an optional config file and
// MCPO_* environment variables, in increasing order of precedence.
func Load() (*Config, error) {
	setupViper()

	if configPath := viper.GetString("config"); configPath != "" {
		cfg, err := LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := applyEnvOverrides(cfg); err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	cfg := DefaultConfig()
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setupViper configures viper with environment variable handling
func setupViper() {
	viper.SetEnvPrefix("MCPO")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	viper.SetDefault("listen", "")
	viper.SetDefault("upstream", "")
	viper.SetDefault("protocol", "")
	viper.SetDefault("data-dir", "")
	viper.SetDefault("config", "")
	viper.SetDefault("log-level", "")
	viper.SetDefault("connect-timeout", "")
	viper.SetDefault("call-tool-timeout", "")
}

// applyEnvOverrides copies bound viper values over the config. Only keys
// the caller actually set are applied, so file values survive.
func applyEnvOverrides(cfg *Config) error {
	if v := viper.GetString("listen"); v != "" {
		cfg.Listen = v
	}
	if v := viper.GetString("upstream"); v != "" {
		cfg.UpstreamURL = v
	}
	if v := viper.GetString("protocol"); v != "" {
		cfg.Protocol = v
	}
	if v := viper.GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v := viper.GetString("log-level"); v != "" {
		if cfg.Logging == nil {
			cfg.Logging = DefaultLogConfig()
		}
		cfg.Logging.Level = v
	}
	if v := viper.GetString("connect-timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid connect-timeout %q: %w", v, err)
		}
		cfg.ConnectTimeout = Duration(d)
	}
	if v := viper.GetString("call-tool-timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid call-tool-timeout %q: %w", v, err)
		}
		cfg.CallToolTimeout = Duration(d)
	}
	return nil
}
