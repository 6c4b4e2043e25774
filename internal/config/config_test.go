package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0", cfg.Host)
	require.Equal(t, 3000, cfg.Port)
	require.Equal(t, "info", cfg.LogLevel)
	require.True(t, cfg.StickySession.Enabled)
	require.True(t, cfg.KiroOptimisticCache)
	require.Equal(t, filepath.Join("configs", "provider_pools.json"), cfg.PoolFilePath)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
host: 127.0.0.1
port: 8080
log_level: debug
provider_fallback_chain:
  claude-kiro-oauth:
    - claude-custom
model_fallback_mapping:
  claude-opus-4-6:
    provider_type: openai-custom
    model: gpt-4o
kiro:
  region: eu-west-1
redis:
  addr: localhost:6379
  db: 2
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", cfg.Host)
	require.Equal(t, 8080, cfg.Port)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, []string{"claude-custom"}, cfg.ProviderFallbackChain["claude-kiro-oauth"])
	require.Equal(t, ModelFallbackTarget{ProviderType: "openai-custom", Model: "gpt-4o"}, cfg.ModelFallbackMapping["claude-opus-4-6"])
	require.Equal(t, "eu-west-1", cfg.Kiro.Region)
	require.Equal(t, "localhost:6379", cfg.Redis.Addr)
	require.Equal(t, 2, cfg.Redis.DB)
	// Defaults still fill what the file left out.
	require.Equal(t, 120, cfg.Kiro.RequestTimeoutSec)
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{"host":"::1","port":9090,"management_key":"secret"}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "::1", cfg.Host)
	require.Equal(t, 9090, cfg.Port)
	require.Equal(t, "secret", cfg.ManagementKey)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", "port: [not a number")
	_, err := Load(path)
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("KIRO_LOG_LEVEL", "warn")
	t.Setenv("KIRO_OPTIMISTIC_CACHE", "off")
	t.Setenv("REQUEST_MAX_RETRIES", "7")
	t.Setenv("REQUEST_BASE_DELAY", "250")
	t.Setenv("CRON_NEAR_MINUTES", "5")
	t.Setenv("USE_SYSTEM_PROXY_CLAUDE", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "warn", cfg.LogLevel)
	require.False(t, cfg.KiroOptimisticCache)
	require.Equal(t, 7, cfg.RequestMaxRetries)
	require.Equal(t, 250, cfg.RequestBaseDelayMs)
	require.Equal(t, 5, cfg.CronNearMinutes)
	require.True(t, cfg.UseSystemProxy["claude"])
}

func TestEnvIgnoresGarbageNumbers(t *testing.T) {
	t.Setenv("REQUEST_MAX_RETRIES", "many")
	t.Setenv("HEALTH_CHECK_INTERVAL", "-5")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default().RequestMaxRetries, cfg.RequestMaxRetries)
	require.Equal(t, Default().HealthCheckIntervalMs, cfg.HealthCheckIntervalMs)
}

func TestNormalizeFillsZeroValues(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
max_error_count: 0
sticky_session:
  enabled: false
  ttl_ms: 0
kiro:
  region: ""
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, Default().MaxErrorCount, cfg.MaxErrorCount)
	require.Equal(t, Default().StickySession.TTLMs, cfg.StickySession.TTLMs)
	require.Equal(t, "us-east-1", cfg.Kiro.Region)
	require.False(t, cfg.StickySession.Enabled, "explicit false survives normalization")
}

func TestParseBool(t *testing.T) {
	require.True(t, parseBool("1", false))
	require.True(t, parseBool(" Yes ", false))
	require.False(t, parseBool("off", true))
	require.True(t, parseBool("maybe", true), "unparseable values keep the fallback")
}
