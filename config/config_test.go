package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFrom_Defaults(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	result, err := LoadFrom(filepath.Join(dir, ".env"), filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)

	assert.Empty(t, result.ConfigFile)
	assert.False(t, result.DotEnvLoaded)
	assert.Equal(t, buildDefaultConfig(), result.Config)
}

func TestLoadFrom_YAML(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
server:
  port: "9000"
cache:
  area_ttl: 2m
rate_limit:
  trends: { capacity: 3, refill_per_second: 0.5 }
aggregation:
  series_concurrency: 8
`)

	result, err := LoadFrom("", path)
	require.NoError(t, err)

	cfg := result.Config
	assert.Equal(t, path, result.ConfigFile)
	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, 2*time.Minute, cfg.Cache.AreaTTL)
	assert.Equal(t, 3.0, cfg.RateLimit.Trends.Capacity)
	assert.Equal(t, 8, cfg.Aggregation.SeriesConcurrency)
	// Keys absent from the file keep their defaults.
	assert.Equal(t, 24*time.Hour, cfg.Cache.TrendsTTL)
	assert.Equal(t, 60, cfg.RateLimit.AreaReport.Limit)
}

func TestLoadFrom_FirstExistingFileWins(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	second := writeFile(t, dir, "second.yaml", "server:\n  port: \"7000\"\n")

	result, err := LoadFrom("", filepath.Join(dir, "missing.yaml"), second)
	require.NoError(t, err)
	assert.Equal(t, second, result.ConfigFile)
	assert.Equal(t, "7000", result.Config.Server.Port)
}

func TestLoadFrom_Placeholders(t *testing.T) {
	content := `
server:
  port: "${TEST_PORT_DEFAULTS:-9999}"
  api_key: "${TEST_KEY_DEFAULTS:-default-key}"
aggregation:
  trends_months: ${TEST_MONTHS:-6}
`
	t.Run("UseDefaultValue", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("TEST_PORT_DEFAULTS", "")
		t.Setenv("TEST_KEY_DEFAULTS", "")
		t.Setenv("TEST_MONTHS", "")
		path := writeFile(t, t.TempDir(), "config.yaml", content)

		result, err := LoadFrom("", path)
		require.NoError(t, err)
		assert.Equal(t, "9999", result.Config.Server.Port)
		assert.Equal(t, "default-key", result.Config.Server.APIKey)
		assert.Equal(t, 6, result.Config.Aggregation.TrendsMonths)
	})

	t.Run("OverrideDefaultValue", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("TEST_PORT_DEFAULTS", "1111")
		t.Setenv("TEST_KEY_DEFAULTS", "real-key")
		t.Setenv("TEST_MONTHS", "18")
		path := writeFile(t, t.TempDir(), "config.yaml", content)

		result, err := LoadFrom("", path)
		require.NoError(t, err)
		assert.Equal(t, "1111", result.Config.Server.Port)
		assert.Equal(t, "real-key", result.Config.Server.APIKey)
		assert.Equal(t, 18, result.Config.Aggregation.TrendsMonths)
	})
}

func TestLoadFrom_EnvOverridesYAML(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "4000")
	path := writeFile(t, t.TempDir(), "config.yaml", "server:\n  port: \"9000\"\n")

	result, err := LoadFrom("", path)
	require.NoError(t, err)
	assert.Equal(t, "4000", result.Config.Server.Port)
}

func TestLoadFrom_DotEnv(t *testing.T) {
	clearEnv(t)
	// godotenv only fills variables that are absent from the environment.
	require.NoError(t, os.Unsetenv("SAFETYDASH_API_KEY"))
	t.Setenv("PORT", "9999")

	dir := t.TempDir()
	envFile := writeFile(t, dir, ".env", "PORT=7070\nSAFETYDASH_API_KEY=from-dotenv\n")

	result, err := LoadFrom(envFile)
	require.NoError(t, err)
	assert.True(t, result.DotEnvLoaded)
	assert.Equal(t, "from-dotenv", result.Config.Server.APIKey)
	assert.Equal(t, "9999", result.Config.Server.Port, "real environment wins over .env")
}

func TestLoadFrom_InvalidYAML(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, t.TempDir(), "config.yaml", "server: [unterminated")

	_, err := LoadFrom("", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse")
}

func TestLoadFrom_ValidationErrors(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, t.TempDir(), "config.yaml", `
server:
  body_size_limit: "1G"
storage:
  type: cassandra
aggregation:
  max_batch_items: 0
`)

	_, err := LoadFrom("", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "body size limit")
	assert.Contains(t, err.Error(), "storage.type")
	assert.Contains(t, err.Error(), "max_batch_items")
}

func TestValidate_StorageURLRequiredWhenLogEnabled(t *testing.T) {
	cfg := buildDefaultConfig()
	cfg.Storage.Type = "postgresql"
	require.NoError(t, cfg.Validate(), "storage is unused while the upstream log is off")

	cfg.UpstreamLog.Enabled = true
	assert.ErrorContains(t, cfg.Validate(), "storage.postgresql.url is required")
}

func TestLoad_UsesConfigFileEnv(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, t.TempDir(), "custom.yaml", "log:\n  level: debug\n")
	t.Setenv("CONFIG_FILE", path)

	result, err := Load()
	require.NoError(t, err)
	assert.Equal(t, path, result.ConfigFile)
	assert.Equal(t, "debug", result.Config.Log.Level)
}

func TestExampleConfigParses(t *testing.T) {
	clearEnv(t)
	result, err := LoadFrom("", "config.example.yaml")
	require.NoError(t, err)
	require.Equal(t, "config.example.yaml", result.ConfigFile)

	cfg := result.Config
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Empty(t, cfg.Server.APIKey)
	assert.Equal(t, 4500*time.Millisecond, cfg.Upstream.Nominatim.Timeout)
	assert.Equal(t, "sqlite", cfg.Storage.Type)
	assert.Equal(t, 0.2, cfg.RateLimit.Trends.RefillPerSecond)
	assert.Equal(t, time.Minute, cfg.RateLimit.Geocode.Window)
}

func TestValidate_TrustedProxies(t *testing.T) {
	cfg := buildDefaultConfig()
	cfg.Server.TrustedProxies = []string{"10.0.0.0/8", "2001:db8::/32"}
	require.NoError(t, cfg.Validate())

	cfg.Server.TrustedProxies = []string{"10.0.0.1"}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trusted_proxies")
}

func TestValidate_BucketCapacityMustBeWhole(t *testing.T) {
	cfg := buildDefaultConfig()
	cfg.RateLimit.Trends.Capacity = 1.5
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate_limit.trends.capacity")

	cfg.RateLimit.Trends.Capacity = 2
	require.NoError(t, cfg.Validate())
}
