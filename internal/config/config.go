package config

import (
	"fmt"
	"strings"

	"github.com/picoflash/picoflash/pkg/layout"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// Database paths
	SQLitePath string `mapstructure:"sqlite-path"`
	FSMDBPath  string `mapstructure:"fsm-db-path"`

	// S3 firmware store
	S3Bucket string `mapstructure:"s3-bucket"`
	S3Region string `mapstructure:"s3-region"`

	// Working directory for fetched images
	WorkDir string `mapstructure:"work-dir"`

	// Partition layout
	Layout               string `mapstructure:"layout"`
	AlignmentUnit        int64  `mapstructure:"alignment-unit"`
	SystemPartitionBytes int64  `mapstructure:"system-partition-bytes"`

	// Safety limits
	MinDeviceBytes int64 `mapstructure:"min-device-bytes"`
	MaxDeviceBytes int64 `mapstructure:"max-device-bytes"`

	// Flash behavior
	BlockSize int64 `mapstructure:"block-size"`
	Verify    bool  `mapstructure:"verify"`
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	// Set defaults
	viper.SetDefault("sqlite-path", ".artifacts/runs.db")
	viper.SetDefault("fsm-db-path", ".artifacts/fsm.db")
	viper.SetDefault("s3-bucket", "")
	viper.SetDefault("s3-region", "us-east-1")
	viper.SetDefault("work-dir", "/tmp/picoflash")
	viper.SetDefault("layout", string(layout.SpecFat32System))
	viper.SetDefault("alignment-unit", 1*1024*1024)
	viper.SetDefault("system-partition-bytes", 32*1024*1024)
	viper.SetDefault("min-device-bytes", 64*1024*1024)
	viper.SetDefault("max-device-bytes", 2*1024*1024*1024*1024)
	viper.SetDefault("block-size", 4*1024*1024)
	viper.SetDefault("verify", true)

	// Environment variables (will be PICOFLASH_SQLITE_PATH, etc.)
	viper.SetEnvPrefix("PICOFLASH")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.picoflash")

	// Read config file (ignore if not found)
	_ = viper.ReadInConfig()

	// Unmarshal into config struct
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.SQLitePath == "" {
		return fmt.Errorf("sqlite-path cannot be empty")
	}
	if c.FSMDBPath == "" {
		return fmt.Errorf("fsm-db-path cannot be empty")
	}
	if _, err := layout.ParseSpec(c.Layout); err != nil {
		return err
	}
	if c.AlignmentUnit <= 0 {
		return fmt.Errorf("alignment-unit must be positive")
	}
	if c.SystemPartitionBytes <= 0 {
		return fmt.Errorf("system-partition-bytes must be positive")
	}
	if c.MinDeviceBytes <= 0 {
		return fmt.Errorf("min-device-bytes must be positive")
	}
	if c.MaxDeviceBytes > 0 && c.MaxDeviceBytes < c.MinDeviceBytes {
		return fmt.Errorf("max-device-bytes must be at least min-device-bytes")
	}
	if c.BlockSize <= 0 {
		return fmt.Errorf("block-size must be positive")
	}
	return nil
}

// LayoutSpec returns the configured layout as a parsed spec. Call
// Validate first.
func (c *Config) LayoutSpec() layout.Spec {
	spec, _ := layout.ParseSpec(c.Layout)
	return spec
}

// LayoutOptions returns the planner options derived from configuration.
func (c *Config) LayoutOptions() layout.Options {
	return layout.Options{
		AlignmentUnit:        c.AlignmentUnit,
		SystemPartitionBytes: c.SystemPartitionBytes,
	}
}
