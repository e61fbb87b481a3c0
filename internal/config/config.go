package config

import (
	"fmt"
	"time"
	_ "time/tzdata"

	"github.com/spf13/viper"
)

type Config struct {
	Port                   string `mapstructure:"PORT"`
	DatabaseURL            string `mapstructure:"DB_DSN"`
	RedisURL               string `mapstructure:"REDIS_URL"`
	Timezone               string `mapstructure:"TIMEZONE"`
	RefreshIntervalSeconds int    `mapstructure:"REFRESH_INTERVAL_SECONDS"`
	RateLimitPerMinute     int    `mapstructure:"RATE_LIMIT_PER_MIN"`
	RateLimitBurst         int    `mapstructure:"RATE_LIMIT_BURST"`
	PatientServiceURL      string `mapstructure:"PATIENT_SERVICE_URL"`
	PatientLookupTimeoutMS int    `mapstructure:"PATIENT_LOOKUP_TIMEOUT_MS"`
	DisplayBaseURL         string `mapstructure:"DISPLAY_BASE_URL"`
	DisplayPollSeconds     int    `mapstructure:"DISPLAY_POLL_SECONDS"`
	DisplayCueSeconds      int    `mapstructure:"DISPLAY_CUE_SECONDS"`
	LogLevel               string `mapstructure:"LOG_LEVEL"`
	LogFormat              string `mapstructure:"LOG_FORMAT"`

	location *time.Location
}

var defaults = map[string]interface{}{
	"PORT":                      "8080",
	"TIMEZONE":                  "UTC",
	"REFRESH_INTERVAL_SECONDS":  5,
	"RATE_LIMIT_PER_MIN":        120,
	"RATE_LIMIT_BURST":          30,
	"PATIENT_LOOKUP_TIMEOUT_MS": 800,
	"DISPLAY_BASE_URL":          "http://localhost:8080",
	"DISPLAY_POLL_SECONDS":      3,
	"DISPLAY_CUE_SECONDS":       8,
	"LOG_LEVEL":                 "info",
	"LOG_FORMAT":                "json",
}

var envKeys = []string{
	"PORT", "DB_DSN", "REDIS_URL", "TIMEZONE", "REFRESH_INTERVAL_SECONDS",
	"RATE_LIMIT_PER_MIN", "RATE_LIMIT_BURST", "PATIENT_SERVICE_URL",
	"PATIENT_LOOKUP_TIMEOUT_MS", "DISPLAY_BASE_URL", "DISPLAY_POLL_SECONDS",
	"DISPLAY_CUE_SECONDS", "LOG_LEVEL", "LOG_FORMAT",
}

// Load reads configuration from the environment and an optional .env file in
// the working directory. Environment variables win over the file.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE %q: %w", cfg.Timezone, err)
	}
	cfg.location = loc

	if cfg.RefreshIntervalSeconds <= 0 {
		return nil, fmt.Errorf("REFRESH_INTERVAL_SECONDS must be positive, got %d", cfg.RefreshIntervalSeconds)
	}
	if cfg.DisplayPollSeconds <= 0 {
		return nil, fmt.Errorf("DISPLAY_POLL_SECONDS must be positive, got %d", cfg.DisplayPollSeconds)
	}
	if cfg.DisplayCueSeconds < 0 {
		return nil, fmt.Errorf("DISPLAY_CUE_SECONDS must not be negative, got %d", cfg.DisplayCueSeconds)
	}
	return cfg, nil
}

// UsesMemoryStore reports development mode: no database configured.
func (c *Config) UsesMemoryStore() bool {
	return c.DatabaseURL == ""
}

func (c *Config) Location() *time.Location {
	if c.location == nil {
		return time.UTC
	}
	return c.location
}

func (c *Config) RefreshInterval() time.Duration {
	return seconds(c.RefreshIntervalSeconds)
}

func (c *Config) PatientLookupTimeout() time.Duration {
	if c.PatientLookupTimeoutMS <= 0 {
		return 0
	}
	return time.Duration(c.PatientLookupTimeoutMS) * time.Millisecond
}

func (c *Config) DisplayPollInterval() time.Duration {
	return seconds(c.DisplayPollSeconds)
}

func (c *Config) DisplayCueDuration() time.Duration {
	return seconds(c.DisplayCueSeconds)
}

func seconds(value int) time.Duration {
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}
