// Package config loads the persistence and storage options that govern
// a razorfs instance using viper: a config file plus environment
// overrides plus hard-coded defaults, unmarshaled into a typed struct.
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Mode selects how the persistence engine commits mutations to disk.
type Mode string

const (
	Synchronous  Mode = "synchronous"
	Asynchronous Mode = "asynchronous"
	JournalOnly  Mode = "journal-only"
)

// Config holds every option enumerated in spec.md §6's configuration
// table.
type Config struct {
	PersistenceMode      Mode   `mapstructure:"persistence_mode"`
	AutoSyncIntervalMS   int    `mapstructure:"auto_sync_interval_ms"`
	BackingRegionBlocks  uint32 `mapstructure:"backing_region_blocks"`
	BlockSize            uint32 `mapstructure:"block_size"`
	DebugVerbosity       int    `mapstructure:"debug_verbosity"`
	SnapshotPathOverride string `mapstructure:"snapshot_path_override"`
	ImagePath            string `mapstructure:"image_path"`
}

// Load reads configuration from configPath (if non-empty and present),
// environment variables prefixed RAZORFS_, and falls back to defaults
// matching spec.md §6.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("razorfs")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.razorfs")
		v.AddConfigPath("/etc/razorfs")
	}

	v.SetDefault("persistence_mode", string(Synchronous))
	v.SetDefault("auto_sync_interval_ms", 5000)
	v.SetDefault("backing_region_blocks", 65536)
	v.SetDefault("block_size", 4096)
	v.SetDefault("debug_verbosity", 0)
	v.SetDefault("snapshot_path_override", "")
	v.SetDefault("image_path", "razorfs.img")

	v.SetEnvPrefix("RAZORFS")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.PersistenceMode {
	case Synchronous, Asynchronous, JournalOnly:
	default:
		return fmt.Errorf("config: unknown persistence_mode %q", c.PersistenceMode)
	}
	if c.BlockSize == 0 || c.BlockSize%512 != 0 {
		return fmt.Errorf("config: block_size %d must be a non-zero multiple of 512", c.BlockSize)
	}
	if c.BackingRegionBlocks == 0 {
		return fmt.Errorf("config: backing_region_blocks must be non-zero")
	}
	return nil
}

// JournalPath is the image path with a ".journal" suffix, per spec.md
// §6's persistence-paths rule.
func (c *Config) JournalPath() string {
	return c.ImagePath + ".journal"
}
