package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the demo's runtime configuration, loaded from a YAML file
// (if present) and overridable via REACTIVEDEMO_* environment
// variables — the same viper-driven file-then-env precedence
// evalgo-org-eve wires its own service configuration through.
type Config struct {
	LogLevel      string
	LogDevelopment bool
	PageSize      int
	ExpireAfter   time.Duration
}

func defaultConfig() Config {
	return Config{
		LogLevel:       "info",
		LogDevelopment: false,
		PageSize:       5,
		ExpireAfter:    30 * time.Second,
	}
}

// loadConfig reads ./reactivedemo.yaml (or ./config/reactivedemo.yaml)
// if present, then lets REACTIVEDEMO_* environment variables override
// individual keys, falling back to defaultConfig for anything unset.
func loadConfig() (Config, error) {
	cfg := defaultConfig()

	v := viper.New()
	v.SetConfigName("reactivedemo")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("REACTIVEDEMO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_development", cfg.LogDevelopment)
	v.SetDefault("page_size", cfg.PageSize)
	v.SetDefault("expire_after", cfg.ExpireAfter.String())

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return cfg, fmt.Errorf("reactivedemo: failed to read config: %w", err)
		}
	}

	cfg.LogLevel = v.GetString("log_level")
	cfg.LogDevelopment = v.GetBool("log_development")
	cfg.PageSize = v.GetInt("page_size")

	expireAfter, err := time.ParseDuration(v.GetString("expire_after"))
	if err != nil {
		return cfg, fmt.Errorf("reactivedemo: invalid expire_after: %w", err)
	}
	cfg.ExpireAfter = expireAfter

	return cfg, nil
}
