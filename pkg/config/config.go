package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	envAccessToken = "RUABOT_ACCESS_TOKEN"
	envWSURL       = "RUABOT_WS_URL"
	envHTTPURL     = "RUABOT_HTTP_URL"
)

// Config is the root runtime configuration loaded from config.json.
type Config struct {
	Gateway    GatewayConfig    `json:"gateway"`
	Supervisor SupervisorConfig `json:"supervisor"`
	Plugins    []PluginConfig   `json:"plugins,omitempty"`
	Storage    StorageConfig    `json:"storage,omitempty"`
	Logging    LoggingConfig    `json:"logging,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty"`
	Level     string `json:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty"`
}

// GatewayConfig configures the OneBot network connection.
//
// ConnectionType selects the transport: "ws" or "ws_forward" dials out to
// WSURL, "ws_reverse" listens for incoming peers, "http" uses request/response
// only. The HTTP client doubles as the fallback when no socket is live.
type GatewayConfig struct {
	ConnectionType string `json:"connection_type"`
	HTTPURL        string `json:"http_url,omitempty"`
	WSURL          string `json:"ws_url,omitempty"`
	WSReverseHost  string `json:"ws_reverse_host,omitempty"`
	WSReversePort  int    `json:"ws_reverse_port,omitempty"`
	WSReversePath  string `json:"ws_reverse_path,omitempty"`
	AccessToken    string `json:"access_token,omitempty"`
	SelfID         string `json:"self_id,omitempty"`
}

// SupervisorConfig configures the plugin worker process.
//
// WorkerCommand overrides the command line used to spawn the worker; when
// empty the supervisor re-executes its own binary with the "worker" argument.
type SupervisorConfig struct {
	Enabled          bool     `json:"enabled"`
	WorkerCommand    []string `json:"worker_command,omitempty"`
	HeartbeatSeconds int      `json:"heartbeat_seconds,omitempty"`
}

// PluginConfig describes one plugin enabled on this deployment.
type PluginConfig struct {
	Author   string         `json:"author"`
	Name     string         `json:"name"`
	Enabled  bool           `json:"enabled"`
	Priority int            `json:"priority,omitempty"`
	Config   map[string]any `json:"config,omitempty"`
}

// StorageConfig locates persisted per-plugin configuration.
type StorageConfig struct {
	Dir string `json:"dir,omitempty"`
}

// Defaults used when config.json omits optional fields.
const (
	DefaultConnectionType = "http"
	DefaultHTTPURL        = "http://localhost:5700"
	DefaultWSURL          = "ws://localhost:5700"
	DefaultReverseHost    = "0.0.0.0"
	DefaultReversePort    = 8080
	DefaultReversePath    = "/onebot/v11/ws"
	DefaultStorageDir     = "data/plugins"
)

// LoadConfig resolves config.json, unmarshals it, and applies environment overrides.
func LoadConfig() (*Config, error) {
	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	ApplyDefaults(&cfg)
	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// ApplyDefaults fills unset optional fields with their documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}

	if strings.TrimSpace(cfg.Gateway.ConnectionType) == "" {
		cfg.Gateway.ConnectionType = DefaultConnectionType
	}
	if strings.TrimSpace(cfg.Gateway.HTTPURL) == "" {
		cfg.Gateway.HTTPURL = DefaultHTTPURL
	}
	if strings.TrimSpace(cfg.Gateway.WSURL) == "" {
		cfg.Gateway.WSURL = DefaultWSURL
	}
	if strings.TrimSpace(cfg.Gateway.WSReverseHost) == "" {
		cfg.Gateway.WSReverseHost = DefaultReverseHost
	}
	if cfg.Gateway.WSReversePort == 0 {
		cfg.Gateway.WSReversePort = DefaultReversePort
	}
	if strings.TrimSpace(cfg.Gateway.WSReversePath) == "" {
		cfg.Gateway.WSReversePath = DefaultReversePath
	}
	if cfg.Supervisor.HeartbeatSeconds <= 0 {
		cfg.Supervisor.HeartbeatSeconds = 30
	}
	if strings.TrimSpace(cfg.Storage.Dir) == "" {
		cfg.Storage.Dir = DefaultStorageDir
	}
}

// applyEnvOverrides injects selected env-driven settings on top of file config.
func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	if token := strings.TrimSpace(os.Getenv(envAccessToken)); token != "" {
		cfg.Gateway.AccessToken = token
	}
	if url := strings.TrimSpace(os.Getenv(envWSURL)); url != "" {
		cfg.Gateway.WSURL = url
	}
	if url := strings.TrimSpace(os.Getenv(envHTTPURL)); url != "" {
		cfg.Gateway.HTTPURL = url
	}
}

// findConfigPath resolves the active config file location.
//
// Precedence is RUABOT_CONFIG first, then cwd-local fallback paths.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv("RUABOT_CONFIG")); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("RUABOT_CONFIG does not point to a file: %s", value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config", "config.json"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("config.json not found (checked %s and %s)", candidates[0], candidates[1])
}
