package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/feltlabs/felt/go/internal/admission"
	"github.com/feltlabs/felt/go/internal/gateway"
	"github.com/feltlabs/felt/go/internal/tablestore"
)

// Config is the service configuration, loaded from YAML with environment
// overrides for deployment-specific values.
type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Store struct {
		Mode          string `yaml:"mode"` // postgres | remote | memory
		RemoteBaseURL string `yaml:"remote_base_url"`
		RemoteToken   string `yaml:"remote_token"`
		CacheTTLSec   int    `yaml:"cache_ttl_seconds"`
	} `yaml:"store"`

	Nats struct {
		URL string `yaml:"url"`
	} `yaml:"nats"`

	Admission struct {
		OracleURL      string   `yaml:"oracle_url"`
		AdminAllowlist []string `yaml:"admin_allowlist"`
		RateWindowSec  int      `yaml:"rate_window_seconds"`
		RateLimit      int      `yaml:"rate_limit"`
		RateMaxKeys    int      `yaml:"rate_max_keys"`
	} `yaml:"admission"`

	Lifecycle struct {
		RecentThresholdSec int `yaml:"recent_threshold_seconds"`
		MediumThresholdSec int `yaml:"medium_threshold_seconds"`
		ReapThresholdSec   int `yaml:"reap_threshold_seconds"`
		ReapIntervalSec    int `yaml:"reap_interval_seconds"`
	} `yaml:"lifecycle"`

	Game struct {
		DefaultTurnLimitMs int64 `yaml:"default_turn_limit_ms"`
	} `yaml:"game"`
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// loadConfig reads the YAML file when present, then applies environment
// overrides so containerized deployments need no file at all.
func loadConfig(path string) (*Config, error) {
	var config Config

	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config.Server.Port = getEnv("PORT", defaultStr(config.Server.Port, "8080"))
	config.Store.Mode = getEnv("STORE_MODE", defaultStr(config.Store.Mode, string(tablestore.ModePostgres)))
	config.Store.RemoteBaseURL = getEnv("REMOTE_BASE_URL", config.Store.RemoteBaseURL)
	config.Store.RemoteToken = getEnv("REMOTE_TOKEN", config.Store.RemoteToken)
	config.Nats.URL = getEnv("NATS_URL", defaultStr(config.Nats.URL, "nats://localhost:4222"))
	config.Admission.OracleURL = getEnv("AUTH_ORACLE_URL", config.Admission.OracleURL)
	config.Admission.RateLimit = getEnvAsInt("RATE_LIMIT", config.Admission.RateLimit)
	config.Admission.RateWindowSec = getEnvAsInt("RATE_WINDOW_SECONDS", config.Admission.RateWindowSec)

	return &config, nil
}

func defaultStr(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

// rateLimitConfig maps the config onto the limiter's settings, falling back
// to the documented defaults for anything unset.
func (c *Config) rateLimitConfig() admission.RateLimitConfig {
	rl := admission.DefaultRateLimitConfig()
	if c.Admission.RateWindowSec > 0 {
		rl.Window = time.Duration(c.Admission.RateWindowSec) * time.Second
	}
	if c.Admission.RateLimit > 0 {
		rl.Limit = c.Admission.RateLimit
	}
	if c.Admission.RateMaxKeys > 0 {
		rl.MaxKeys = c.Admission.RateMaxKeys
	}
	return rl
}

// lifecycleConfig maps the idle-threshold settings onto the connection
// lifecycle manager, leaving unset fields at their defaults.
func (c *Config) lifecycleConfig() gateway.LifecycleConfig {
	lc := gateway.DefaultLifecycleConfig()
	if c.Lifecycle.RecentThresholdSec > 0 {
		lc.RecentThreshold = time.Duration(c.Lifecycle.RecentThresholdSec) * time.Second
	}
	if c.Lifecycle.MediumThresholdSec > 0 {
		lc.MediumThreshold = time.Duration(c.Lifecycle.MediumThresholdSec) * time.Second
	}
	if c.Lifecycle.ReapThresholdSec > 0 {
		lc.ReapThreshold = time.Duration(c.Lifecycle.ReapThresholdSec) * time.Second
	}
	if c.Lifecycle.ReapIntervalSec > 0 {
		lc.ReapInterval = time.Duration(c.Lifecycle.ReapIntervalSec) * time.Second
	}
	return lc
}
