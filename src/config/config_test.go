package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(ConfigPathEnvVar, "")
	t.Setenv(DotenvPathEnvVar, "")
	t.Setenv(APIKeyPathEnvVar, filepath.Join(dir, "missing-key"))
	t.Setenv(APIKeyEnvVar, "")
	for _, k := range []string{"REST_URL", "SESSION_URL", "PREFER_SESSION", "WORKERS", "REQUEST_TIMEOUT_SEC", "ENABLE_FILE_LOGGING", "PING_INTERVAL_SEC"} {
		t.Setenv(k, "")
	}
	return dir
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)
	t.Setenv(APIKeyEnvVar, "test_api_key")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "test_api_key", cfg.APIKey)
	assert.Equal(t, "http://localhost:8001/v1/chat", cfg.RESTURL)
	assert.Equal(t, "geminiRequest", cfg.RequestEvent)
	assert.Equal(t, "gemini_response", cfg.ResultEvent)
	assert.Equal(t, 5, cfg.ConnectAttempts)
	assert.Equal(t, 1000, cfg.ReconnectDelayMs)
	assert.Equal(t, 5000, cfg.ReconnectDelayMaxMs)
	assert.Equal(t, 15, cfg.PingIntervalSec)
	assert.Equal(t, 2, cfg.MissedPongThreshold)
	assert.True(t, cfg.PreferSession)
	assert.False(t, cfg.EnableFileLogging)
}

func TestTOMLThenEnvThenOptions(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "inspector.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
rest_url = "https://api.example.com/v1/chat"
session_url = "wss://api.example.com"
workers = 4
prefer_session = true
request_timeout_sec = 45
`), 0o600))

	t.Setenv("WORKERS", "8")
	t.Setenv("ENABLE_FILE_LOGGING", "true")
	prefer := false

	cfg, err := LoadWithOptions(LoadOptions{ConfigPath: path, PreferSession: &prefer, LogLevel: "debug"})
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/v1/chat", cfg.RESTURL)
	assert.Equal(t, "wss://api.example.com", cfg.SessionURL)
	assert.Equal(t, 45, cfg.RequestTimeoutSec)
	assert.Equal(t, 8, cfg.Workers)
	assert.True(t, cfg.EnableFileLogging)
	assert.False(t, cfg.PreferSession)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestConfigPathFromEnv(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "custom.toml")
	require.NoError(t, os.WriteFile(path, []byte(`namespace = "/gemini"`), 0o600))
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/gemini", cfg.Namespace)
}

func TestMissingExplicitConfigFails(t *testing.T) {
	dir := isolate(t)
	_, err := LoadWithOptions(LoadOptions{ConfigPath: filepath.Join(dir, "nope.toml")})
	assert.Error(t, err)
}

func TestAPIKeyFileWins(t *testing.T) {
	dir := isolate(t)
	keyPath := filepath.Join(dir, "key")
	require.NoError(t, os.WriteFile(keyPath, []byte("  file-key\n"), 0o600))
	t.Setenv(APIKeyEnvVar, "env-key")

	cfg, err := LoadWithOptions(LoadOptions{APIKeyPathOverride: keyPath})
	require.NoError(t, err)
	assert.Equal(t, "file-key", cfg.APIKey)
	assert.Equal(t, keyPath, cfg.APIKeyPath)
}

func TestDotenvFromEnvVar(t *testing.T) {
	dir := isolate(t)
	envFile := filepath.Join(dir, "inspector.env")
	require.NoError(t, os.WriteFile(envFile, []byte("PING_INTERVAL_SEC=7\n"), 0o600))
	t.Setenv(DotenvPathEnvVar, envFile)
	// godotenv.Load does not override variables that already exist.
	require.NoError(t, os.Unsetenv("PING_INTERVAL_SEC"))
	t.Cleanup(func() { os.Unsetenv("PING_INTERVAL_SEC") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.PingIntervalSec)
}

func TestInvalidIntegerEnv(t *testing.T) {
	isolate(t)
	t.Setenv("WORKERS", "many")
	_, err := Load()
	assert.ErrorContains(t, err, "WORKERS")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.RESTURL = ""
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.RequestTimeoutSec = 0
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.ReconnectDelayMaxMs = 10
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.SessionURL = ""
	assert.Error(t, bad.Validate())
	bad.PreferSession = false
	assert.NoError(t, bad.Validate())
}
