package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"aigateway-go/internal/constants"
)

// Config is the process-wide configuration. Fields are immutable after Load.
type Config struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`

	// Pool behaviour
	HealthCheckIntervalMs int `yaml:"health_check_interval_ms" json:"health_check_interval_ms"`
	MaxErrorCount         int `yaml:"max_error_count" json:"max_error_count"`
	SaveDebounceTimeMs    int `yaml:"save_debounce_time_ms" json:"save_debounce_time_ms"`

	StickySession StickySessionConfig `yaml:"sticky_session" json:"sticky_session"`

	ProviderFallbackChain map[string][]string            `yaml:"provider_fallback_chain" json:"provider_fallback_chain"`
	ModelFallbackMapping  map[string]ModelFallbackTarget `yaml:"model_fallback_mapping" json:"model_fallback_mapping"`

	// Adapter retry policy
	RequestMaxRetries  int `yaml:"request_max_retries" json:"request_max_retries"`
	RequestBaseDelayMs int `yaml:"request_base_delay_ms" json:"request_base_delay_ms"`
	CronNearMinutes    int `yaml:"cron_near_minutes" json:"cron_near_minutes"`

	PoolFilePath string `yaml:"pool_file_path" json:"pool_file_path"`

	// Per-protocol system proxy toggles, keyed by protocol prefix.
	UseSystemProxy map[string]bool `yaml:"use_system_proxy" json:"use_system_proxy"`

	Kiro  KiroConfig  `yaml:"kiro" json:"kiro"`
	Redis RedisConfig `yaml:"redis" json:"redis"`

	LogLevel string `yaml:"log_level" json:"log_level"`
	LogFile  string `yaml:"log_file" json:"log_file"`

	// ManagementKey guards the /v0/management API when non-empty.
	ManagementKey string `yaml:"management_key" json:"management_key"`

	// Kiro cache estimator knobs (env-toggleable)
	KiroOptimisticCache bool `yaml:"kiro_optimistic_cache" json:"kiro_optimistic_cache"`
	KiroCacheDebug      bool `yaml:"kiro_cache_debug" json:"kiro_cache_debug"`
}

// StickySessionConfig controls session -> credential pinning.
type StickySessionConfig struct {
	Enabled           bool `yaml:"enabled" json:"enabled"`
	TTLMs             int  `yaml:"ttl_ms" json:"ttl_ms"`
	CleanupIntervalMs int  `yaml:"cleanup_interval_ms" json:"cleanup_interval_ms"`
	MaxSessions       int  `yaml:"max_sessions" json:"max_sessions"`
}

// ModelFallbackTarget redirects a model to another provider/model pair.
type ModelFallbackTarget struct {
	ProviderType string `yaml:"provider_type" json:"provider_type"`
	Model        string `yaml:"model" json:"model"`
}

// KiroConfig holds the Kiro adapter bootstrap options.
type KiroConfig struct {
	CredsFilePath     string `yaml:"creds_file_path" json:"creds_file_path"`
	CredsBase64       string `yaml:"creds_base64" json:"creds_base64"`
	Region            string `yaml:"region" json:"region"`
	RequestTimeoutSec int    `yaml:"request_timeout_sec" json:"request_timeout_sec"`
}

// RedisConfig enables the Redis-backed sticky session store when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
}

// Default returns a config populated with package defaults.
func Default() *Config {
	return &Config{
		Host:                  "0.0.0.0",
		Port:                  3000,
		HealthCheckIntervalMs: int(constants.DefaultHealthCheckInterval.Milliseconds()),
		MaxErrorCount:         constants.DefaultMaxErrorCount,
		SaveDebounceTimeMs:    int(constants.DefaultSaveDebounce.Milliseconds()),
		StickySession: StickySessionConfig{
			Enabled:           true,
			TTLMs:             int(constants.DefaultStickyTTL.Milliseconds()),
			CleanupIntervalMs: int(constants.DefaultStickyCleanupInterval.Milliseconds()),
			MaxSessions:       constants.DefaultMaxSessions,
		},
		ProviderFallbackChain: map[string][]string{},
		ModelFallbackMapping:  map[string]ModelFallbackTarget{},
		RequestMaxRetries:     constants.DefaultMaxRetries,
		RequestBaseDelayMs:    int(constants.DefaultBaseDelay.Milliseconds()),
		CronNearMinutes:       constants.DefaultCronNearMinutes,
		PoolFilePath:          filepath.Join("configs", "provider_pools.json"),
		UseSystemProxy:        map[string]bool{},
		Kiro: KiroConfig{
			Region:            "us-east-1",
			RequestTimeoutSec: 120,
		},
		LogLevel:            "info",
		KiroOptimisticCache: true,
	}
}

// Load reads a config file (yaml or json by extension), applies defaults for
// unset fields, then overlays environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse yaml config: %w", err)
			}
		case ".json":
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse json config: %w", err)
			}
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}
	cfg.applyEnv()
	cfg.normalize()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("KIRO_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("KIRO_OPTIMISTIC_CACHE"); v != "" {
		c.KiroOptimisticCache = parseBool(v, c.KiroOptimisticCache)
	}
	if v := os.Getenv("KIRO_CACHE_DEBUG"); v != "" {
		c.KiroCacheDebug = parseBool(v, c.KiroCacheDebug)
	}
	if v := os.Getenv("HEALTH_CHECK_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.HealthCheckIntervalMs = n
		}
	}
	if v := os.Getenv("REQUEST_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.RequestMaxRetries = n
		}
	}
	if v := os.Getenv("REQUEST_BASE_DELAY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.RequestBaseDelayMs = n
		}
	}
	if v := os.Getenv("CRON_NEAR_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.CronNearMinutes = n
		}
	}
	for _, prefix := range []string{"GEMINI", "OPENAI", "CLAUDE"} {
		if v := os.Getenv("USE_SYSTEM_PROXY_" + prefix); v != "" {
			if c.UseSystemProxy == nil {
				c.UseSystemProxy = map[string]bool{}
			}
			c.UseSystemProxy[strings.ToLower(prefix)] = parseBool(v, false)
		}
	}
}

func (c *Config) normalize() {
	if c.MaxErrorCount <= 0 {
		c.MaxErrorCount = constants.DefaultMaxErrorCount
	}
	if c.SaveDebounceTimeMs <= 0 {
		c.SaveDebounceTimeMs = int(constants.DefaultSaveDebounce.Milliseconds())
	}
	if c.StickySession.TTLMs <= 0 {
		c.StickySession.TTLMs = int(constants.DefaultStickyTTL.Milliseconds())
	}
	if c.StickySession.CleanupIntervalMs <= 0 {
		c.StickySession.CleanupIntervalMs = int(constants.DefaultStickyCleanupInterval.Milliseconds())
	}
	if c.StickySession.MaxSessions <= 0 {
		c.StickySession.MaxSessions = constants.DefaultMaxSessions
	}
	if c.RequestMaxRetries <= 0 {
		c.RequestMaxRetries = constants.DefaultMaxRetries
	}
	if c.RequestBaseDelayMs <= 0 {
		c.RequestBaseDelayMs = int(constants.DefaultBaseDelay.Milliseconds())
	}
	if c.CronNearMinutes <= 0 {
		c.CronNearMinutes = constants.DefaultCronNearMinutes
	}
	if c.Kiro.Region == "" {
		c.Kiro.Region = "us-east-1"
	}
	if c.Kiro.RequestTimeoutSec <= 0 {
		c.Kiro.RequestTimeoutSec = 120
	}
	if c.PoolFilePath == "" {
		c.PoolFilePath = filepath.Join("configs", "provider_pools.json")
	}
}

func parseBool(v string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return fallback
}
