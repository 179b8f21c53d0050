// Package config loads the application configuration from YAML via viper.
// Missing values fall back to defaults; a config that cannot drive a working
// process (no database path, no vault key) is rejected at load.
package config

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file failed (%s): %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "toml"
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	cfg.applyDefaults()
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(c *Config) error {
	if c.App.DBPath == "" {
		return fmt.Errorf("config: app.db_path is required")
	}
	if c.Vault.MasterKey == "" {
		return fmt.Errorf("config: vault.master_key is required")
	}
	if c.Monitor.IntervalSeconds < 5 {
		return fmt.Errorf("config: monitor.interval_seconds must be at least 5, got %d",
			c.Monitor.IntervalSeconds)
	}
	return nil
}
