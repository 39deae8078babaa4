// Package config loads and persists client configuration.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// ReconnectConfig tunes the automatic reconnect loop.
type ReconnectConfig struct {
	BaseDelayMs int `json:"base_delay_ms"`
	MaxDelayMs  int `json:"max_delay_ms"`
	MaxAttempts int `json:"max_attempts"`
}

// CacheConfig tunes the local conversation cache.
type CacheConfig struct {
	Dir              string `json:"dir,omitempty"`
	TTLSeconds       int    `json:"ttl_seconds"`
	MaxConversations int    `json:"max_conversations"`
	Disabled         bool   `json:"disabled,omitempty"`
}

// Config represents application configuration
type Config struct {
	ServerURL        string          `json:"server_url"`
	AuthToken        string          `json:"auth_token,omitempty"`
	ProjectID        string          `json:"project_id,omitempty"`
	HandshakeTimeout int             `json:"handshake_timeout_seconds"`
	PingInterval     int             `json:"ping_interval_seconds"`
	Reconnect        ReconnectConfig `json:"reconnect"`
	Cache            CacheConfig     `json:"cache"`
	LogLevel         string          `json:"log_level"` // debug, info, warn, error, none
	LogPath          string          `json:"-"`
	DisableColor     bool            `json:"disable_color,omitempty"`
}

func defaultConfigDir() string {
	switch runtime.GOOS {
	case "linux":
		if configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); configHome != "" {
			return filepath.Join(configHome, "plauderschnell")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", "plauderschnell")
	case "windows":
		if appData := strings.TrimSpace(os.Getenv("APPDATA")); appData != "" {
			return filepath.Join(appData, "plauderschnell")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Roaming", "plauderschnell")
	default:
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", "plauderschnell")
	}
}

func defaultStateDir() string {
	if runtime.GOOS == "linux" {
		if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
			return filepath.Join(stateHome, "plauderschnell")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".local", "state", "plauderschnell")
	}
	return defaultConfigDir()
}

// DefaultConfig returns a configuration with all defaults filled in.
func DefaultConfig() *Config {
	stateDir := defaultStateDir()

	return &Config{
		ServerURL:        "ws://127.0.0.1:8080/ws/chat",
		HandshakeTimeout: 5,
		PingInterval:     30,
		Reconnect: ReconnectConfig{
			BaseDelayMs: 1000,
			MaxDelayMs:  30000,
			MaxAttempts: 5,
		},
		Cache: CacheConfig{
			TTLSeconds:       3600,
			MaxConversations: 50,
		},
		LogLevel: "info",
		LogPath:  filepath.Join(stateDir, "plauderschnell.log"),
	}
}

// Load loads configuration from file
func Load(path string) (*Config, error) {
	// Start with default config
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return default config if file doesn't exist
			return config.applyEnv(), nil
		}
		return nil, err
	}

	// Unmarshal into default config (overrides only provided fields)
	if err := json.Unmarshal(data, config); err != nil {
		return nil, err
	}

	// Ensure critical fields have defaults if still empty
	if config.ServerURL == "" {
		config.ServerURL = "ws://127.0.0.1:8080/ws/chat"
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = 5
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 30
	}
	if config.Reconnect.BaseDelayMs <= 0 {
		config.Reconnect.BaseDelayMs = 1000
	}
	if config.Reconnect.MaxDelayMs <= 0 {
		config.Reconnect.MaxDelayMs = 30000
	}
	if config.Reconnect.MaxAttempts <= 0 {
		config.Reconnect.MaxAttempts = 5
	}
	if config.Cache.TTLSeconds <= 0 {
		config.Cache.TTLSeconds = 3600
	}
	if config.Cache.MaxConversations <= 0 {
		config.Cache.MaxConversations = 50
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
	if config.LogPath == "" {
		config.LogPath = filepath.Join(defaultStateDir(), "plauderschnell.log")
	}

	return config.applyEnv(), nil
}

// applyEnv lets the environment override the server endpoint and token, the
// usual escape hatch in CI and containers.
func (c *Config) applyEnv() *Config {
	if url := strings.TrimSpace(os.Getenv("PLAUDERSCHNELL_SERVER_URL")); url != "" {
		c.ServerURL = url
	}
	if token := strings.TrimSpace(os.Getenv("PLAUDERSCHNELL_AUTH_TOKEN")); token != "" {
		c.AuthToken = token
	}
	return c
}

// Save writes the configuration to file
func (c *Config) Save(path string) error {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// GetConfigPath returns the default config path
func GetConfigPath() string {
	return filepath.Join(defaultConfigDir(), "config.json")
}
