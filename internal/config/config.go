// Package config defines the storage subsystem's configuration record
// (data directory, drain timeout, throttle bound, front-store flavor,
// metadata DB connection) and loads it with viper the way the
// broker's CLI entry points do.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// FrontStoreKind selects the pluggable front tier.
type FrontStoreKind string

const (
	FrontStoreMemorySmall FrontStoreKind = "memory-small"
	FrontStoreMemoryBig   FrontStoreKind = "memory-big"
)

// Config is the configuration record named in the external interfaces
// section: DataDir is the only required field, everything else has a
// documented default.
type Config struct {
	DataDir     string         `mapstructure:"data_dir"`
	Timeout     time.Duration  `mapstructure:"timeout"`
	ThrottleMax int            `mapstructure:"throttle_max"`
	FrontStore  FrontStoreKind `mapstructure:"front_store"`
	DBDSN       string         `mapstructure:"db_dsn"`
	DBUsername  string         `mapstructure:"db_username"`
	DBPassword  string         `mapstructure:"db_password"`
}

// Defaults match the defaults documented for the external interfaces:
// a 4 second drain timeout, a throttle bound of 2 concurrent back-store
// writes, and the small in-memory front store.
func Defaults() Config {
	return Config{
		Timeout:     4 * time.Second,
		ThrottleMax: 2,
		FrontStore:  FrontStoreMemorySmall,
	}
}

// Load reads configuration from environment variables prefixed
// MQSTORE_ and an optional config file at path (skipped if path is
// empty), layered over Defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()

	v := viper.New()
	v.SetEnvPrefix("MQSTORE")
	v.AutomaticEnv()
	v.SetDefault("timeout", cfg.Timeout)
	v.SetDefault("throttle_max", cfg.ThrottleMax)
	v.SetDefault("front_store", string(cfg.FrontStore))
	// Unmarshal only walks keys viper already knows about, so keys with
	// no default are bound to their environment variables explicitly.
	for _, key := range []string{"data_dir", "db_dsn", "db_username", "db_password"} {
		if err := v.BindEnv(key); err != nil {
			return Config{}, fmt.Errorf("config: binding %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if cfg.DataDir == "" {
		return Config{}, fmt.Errorf("config: data_dir is required")
	}
	if cfg.DBDSN == "" {
		cfg.DBDSN = cfg.DataDir + "/mq.db"
	}
	return cfg, nil
}
