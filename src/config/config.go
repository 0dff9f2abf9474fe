package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"

	"screen-inspector/src/analysis"
)

const (
	DefaultAPIKeyPath = "/run/secrets/api_keys/inspector"
	APIKeyPathEnvVar  = "INSPECTOR_API_KEY_FILE"
	APIKeyEnvVar      = "INSPECTOR_API_KEY"
	ConfigPathEnvVar  = "INSPECTOR_CONFIG"
	DotenvPathEnvVar  = "SCREEN_INSPECTOR"
	DefaultConfigName = "inspector.toml"
)

type LoadOptions struct {
	ConfigPath         string
	APIKeyPathOverride string
	// PreferSession overrides the routing mode when non-nil.
	PreferSession *bool
	StatusAddr    string
	LogLevel      string
}

type Config struct {
	APIKey     string `toml:"-"`
	APIKeyPath string `toml:"api_key_path"`

	RESTURL      string `toml:"rest_url"`
	LogErrorURL  string `toml:"log_error_url"`
	SessionURL   string `toml:"session_url"`
	SocketIOPath string `toml:"socketio_path"`
	Namespace    string `toml:"namespace"`
	RequestEvent string `toml:"request_event"`
	ResultEvent  string `toml:"result_event"`
	Prompt       string `toml:"prompt"`

	PreferSession       bool `toml:"prefer_session"`
	RequestTimeoutSec   int  `toml:"request_timeout_sec"`
	ConnectAttempts     int  `toml:"connect_attempts"`
	ReconnectDelayMs    int  `toml:"reconnect_delay_ms"`
	ReconnectDelayMaxMs int  `toml:"reconnect_delay_max_ms"`
	PingIntervalSec     int  `toml:"ping_interval_sec"`
	MissedPongThreshold int  `toml:"missed_pong_threshold"`

	Workers           int    `toml:"workers"`
	StatusAddr        string `toml:"status_addr"`
	EnableFileLogging bool   `toml:"enable_file_logging"`
	LogLevel          string `toml:"log_level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		APIKeyPath:          DefaultAPIKeyPath,
		RESTURL:             "http://localhost:8001/v1/chat",
		LogErrorURL:         "http://localhost:8001/v1/conversations/log-error",
		SessionURL:          "ws://localhost:8001",
		SocketIOPath:        "/socket.io/",
		Namespace:           "/",
		RequestEvent:        "geminiRequest",
		ResultEvent:         "gemini_response",
		Prompt:              analysis.DefaultPrompt,
		PreferSession:       true,
		RequestTimeoutSec:   30,
		ConnectAttempts:     5,
		ReconnectDelayMs:    1000,
		ReconnectDelayMaxMs: 5000,
		PingIntervalSec:     15,
		MissedPongThreshold: 2,
		Workers:             2,
		StatusAddr:          "127.0.0.1:49680",
		LogLevel:            "info",
	}
}

func Load() (*Config, error) {
	return LoadWithOptions(LoadOptions{})
}

// LoadWithOptions layers defaults, the TOML file, .env, the environment and
// opts, in that order.
func LoadWithOptions(opts LoadOptions) (*Config, error) {
	cfg := Default()

	if path, ok := resolveConfigPath(opts.ConfigPath); ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if opts.ConfigPath != "" {
		return nil, fmt.Errorf("config file %s not found", opts.ConfigPath)
	}

	envPath := resolveEnvPath()
	dotenvValues := readDotenvValues(envPath)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	cfg.APIKeyPath = resolveAPIKeyPath(cfg.APIKeyPath, opts, dotenvValues)
	cfg.APIKey = resolveAPIKey(cfg.APIKeyPath)

	if opts.PreferSession != nil {
		cfg.PreferSession = *opts.PreferSession
	}
	if v := strings.TrimSpace(opts.StatusAddr); v != "" {
		cfg.StatusAddr = v
	}
	if v := strings.TrimSpace(opts.LogLevel); v != "" {
		cfg.LogLevel = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the transports cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.RESTURL) == "" {
		return errors.New("rest_url must be set (REST_URL)")
	}
	if strings.TrimSpace(c.SessionURL) == "" && c.PreferSession {
		return errors.New("session_url must be set when prefer_session is enabled (SESSION_URL)")
	}
	if c.RequestTimeoutSec <= 0 {
		return errors.New("request_timeout_sec must be positive")
	}
	if c.ConnectAttempts <= 0 {
		return errors.New("connect_attempts must be positive")
	}
	if c.ReconnectDelayMs <= 0 || c.ReconnectDelayMaxMs < c.ReconnectDelayMs {
		return errors.New("reconnect delays must be positive and reconnect_delay_max_ms >= reconnect_delay_ms")
	}
	if c.PingIntervalSec <= 0 || c.MissedPongThreshold <= 0 {
		return errors.New("ping_interval_sec and missed_pong_threshold must be positive")
	}
	if c.Workers <= 0 {
		return errors.New("workers must be positive")
	}
	return nil
}

func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"REST_URL":      &c.RESTURL,
		"LOG_ERROR_URL": &c.LogErrorURL,
		"SESSION_URL":   &c.SessionURL,
		"SOCKETIO_PATH": &c.SocketIOPath,
		"NAMESPACE":     &c.Namespace,
		"REQUEST_EVENT": &c.RequestEvent,
		"RESULT_EVENT":  &c.ResultEvent,
		"PROMPT":        &c.Prompt,
		"STATUS_ADDR":   &c.StatusAddr,
		"LOG_LEVEL":     &c.LogLevel,
	}
	for key, dst := range strs {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"REQUEST_TIMEOUT_SEC":    &c.RequestTimeoutSec,
		"CONNECT_ATTEMPTS":       &c.ConnectAttempts,
		"RECONNECT_DELAY_MS":     &c.ReconnectDelayMs,
		"RECONNECT_DELAY_MAX_MS": &c.ReconnectDelayMaxMs,
		"PING_INTERVAL_SEC":      &c.PingIntervalSec,
		"MISSED_PONG_THRESHOLD":  &c.MissedPongThreshold,
		"WORKERS":                &c.Workers,
	}
	for key, dst := range ints {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
	}

	if v := os.Getenv("PREFER_SESSION"); v != "" {
		c.PreferSession = parseBool(v)
	}
	if v := os.Getenv("ENABLE_FILE_LOGGING"); v != "" {
		c.EnableFileLogging = parseBool(v)
	}
	return nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func resolveConfigPath(explicit string) (string, bool) {
	if explicit != "" {
		_, err := os.Stat(explicit)
		return explicit, err == nil
	}

	candidates := []string{os.Getenv(ConfigPathEnvVar)}
	if execPath, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(execPath), DefaultConfigName))
	}
	for _, p := range candidates {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
	}
	return "", false
}

func resolveEnvPath() string {
	execPath, err := os.Executable()
	if err != nil {
		return ""
	}

	exeEnv := filepath.Join(filepath.Dir(execPath), ".env")
	if _, err := os.Stat(exeEnv); err == nil {
		return exeEnv
	}

	if alt := os.Getenv(DotenvPathEnvVar); alt != "" {
		if _, err := os.Stat(alt); err == nil {
			return alt
		}
	}

	return ""
}

func readDotenvValues(envPath string) map[string]string {
	if envPath == "" {
		return map[string]string{}
	}

	values, err := godotenv.Read(envPath)
	if err != nil {
		return map[string]string{}
	}

	return values
}

func resolveAPIKeyPath(base string, opts LoadOptions, dotenvValues map[string]string) string {
	keyPath := base
	if keyPath == "" {
		keyPath = DefaultAPIKeyPath
	}

	if envPath := strings.TrimSpace(os.Getenv(APIKeyPathEnvVar)); envPath != "" {
		keyPath = envPath
	}

	if dotenvPath := strings.TrimSpace(dotenvValues[APIKeyPathEnvVar]); dotenvPath != "" {
		keyPath = dotenvPath
	}

	if overridePath := strings.TrimSpace(opts.APIKeyPathOverride); overridePath != "" {
		keyPath = overridePath
	}

	return keyPath
}

func resolveAPIKey(keyPath string) string {
	if data, err := os.ReadFile(keyPath); err == nil {
		if fileKey := strings.TrimSpace(string(data)); fileKey != "" {
			return fileKey
		}
	}

	return os.Getenv(APIKeyEnvVar)
}
