// Package config loads the bobsync settings file from the XDG config
// directory. A missing file means defaults; individual keys can be
// overridden with BOBSYNC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	xdgAppName = "bobsync"
	configName = "config"

	// MinPassInterval is the floor for the background reconciliation
	// cadence. Shorter configured intervals are clamped up to it.
	MinPassInterval = 15 * time.Minute
)

type Config struct {
	// ProjectID names the cloud project hosting the ledger.
	ProjectID string `mapstructure:"projectId"`

	// OwnerID selects whose tasks this device reconciles.
	OwnerID string `mapstructure:"ownerId"`

	// DeviceStorePath is the local device database. Defaults to
	// device.db next to the config file.
	DeviceStorePath string `mapstructure:"deviceStorePath"`

	// FullSync forces a full fetch every pass instead of delta mode.
	FullSync bool `mapstructure:"fullSync"`

	// DryRun computes and logs every decision without writing anything.
	DryRun bool `mapstructure:"dryRun"`

	// ShowMetadata controls whether the metadata block is written into
	// device notes. When false only bare deep links are kept.
	ShowMetadata bool `mapstructure:"showMetadata"`

	// TriageEnabled turns on persona classification for unlinked items.
	TriageEnabled bool `mapstructure:"triageEnabled"`

	// TriageSourceList restricts triage to one list ("" means all lists).
	TriageSourceList string `mapstructure:"triageSourceList"`

	// TriageWorkList receives items classified as work; they are moved
	// there instead of being imported.
	TriageWorkList string `mapstructure:"triageWorkList"`

	// ClassifyEndpoint is the optional remote classification URL.
	ClassifyEndpoint string `mapstructure:"classifyEndpoint"`

	// RetentionDays is how long completed tasks survive before the TTL
	// sweep removes them from the device.
	RetentionDays int `mapstructure:"retentionDays"`

	// PassInterval is the watch-mode reconciliation cadence.
	PassInterval time.Duration `mapstructure:"passInterval"`

	// FullResyncEvery forces a periodic full fetch while running in delta
	// mode, healing anything a delta window missed.
	FullResyncEvery time.Duration `mapstructure:"fullResyncEvery"`
}

// Dir returns the bobsync config directory.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", xdgAppName), nil
}

// Load reads the config file, applying defaults for anything unset. A
// missing file is not an error.
func Load() (*Config, error) {
	dir, err := Dir()
	if err != nil {
		return nil, err
	}
	return loadFrom(dir)
}

func loadFrom(dir string) (*Config, error) {
	v := viper.New()
	v.SetConfigName(configName)
	v.SetConfigType("json")
	v.AddConfigPath(dir)
	v.SetEnvPrefix("BOBSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("showMetadata", true)
	v.SetDefault("retentionDays", 30)
	v.SetDefault("passInterval", MinPassInterval)
	v.SetDefault("fullResyncEvery", 6*time.Hour)
	v.SetDefault("deviceStorePath", filepath.Join(dir, "device.db"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config from %s: %w", dir, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.PassInterval < MinPassInterval {
		cfg.PassInterval = MinPassInterval
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}
	return &cfg, nil
}

// Save writes the config file, creating the directory if needed.
func Save(cfg *Config) error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigType("json")
	v.Set("projectId", cfg.ProjectID)
	v.Set("ownerId", cfg.OwnerID)
	v.Set("deviceStorePath", cfg.DeviceStorePath)
	v.Set("fullSync", cfg.FullSync)
	v.Set("dryRun", cfg.DryRun)
	v.Set("showMetadata", cfg.ShowMetadata)
	v.Set("triageEnabled", cfg.TriageEnabled)
	v.Set("triageSourceList", cfg.TriageSourceList)
	v.Set("triageWorkList", cfg.TriageWorkList)
	v.Set("classifyEndpoint", cfg.ClassifyEndpoint)
	v.Set("retentionDays", cfg.RetentionDays)
	v.Set("passInterval", cfg.PassInterval.String())
	v.Set("fullResyncEvery", cfg.FullResyncEvery.String())

	path := filepath.Join(dir, configName+".json")
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config to %s: %w", path, err)
	}
	return nil
}
