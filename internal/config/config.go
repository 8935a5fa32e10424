// Package config loads and persists the daemon's configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// RateLimitConfig tunes the authentication rate limiter.
type RateLimitConfig struct {
	MaxAttempts int   `json:"max_attempts"`
	WindowMS    int64 `json:"window_ms"`
}

// Window returns the configured window as a duration.
func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowMS) * time.Millisecond
}

// Config holds the daemon's configuration.
type Config struct {
	UserID     string            `json:"user_id"`
	DeviceID   string            `json:"device_id"`
	AuthTokens map[string]string `json:"auth_tokens,omitempty"` // tokens keyed by relay URL
	RelayURL   string            `json:"-"`                     // Not saved: determined at runtime from --dev flag or env vars

	// AdapterConfigDir holds one YAML config per adapter.
	AdapterConfigDir string `json:"adapter_config_dir"`
	// WorktreeDir is where session git worktrees are created.
	WorktreeDir string `json:"worktree_dir"`
	// AuditDBPath is the SQLite audit event database.
	AuditDBPath string `json:"audit_db_path,omitempty"`

	RateLimit RateLimitConfig `json:"rate_limit"`

	// TrackerInactivityMinutes evicts idle session trackers. Blocked
	// sessions are never evicted.
	TrackerInactivityMinutes int `json:"tracker_inactivity_minutes"`
}

// GetToken retrieves the authentication token for the given relay URL.
// Returns empty string if no token exists for this relay.
func (c *Config) GetToken(relayURL string) string {
	if c.AuthTokens == nil {
		return ""
	}
	return c.AuthTokens[relayURL]
}

// SetToken stores the authentication token for the given relay URL.
func (c *Config) SetToken(relayURL string, token string) {
	if c.AuthTokens == nil {
		c.AuthTokens = make(map[string]string)
	}
	c.AuthTokens[relayURL] = token
}

// Load loads the configuration from disk, creating a default one on
// first run.
func Load(dev bool) (*Config, error) {
	configPath := getConfigPath()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return createDefaultConfig(dev)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	cfg.applyEnvironmentOverrides(dev)

	return &cfg, nil
}

// applyDefaults fills zero-valued fields so older config files keep
// working after upgrades.
func (c *Config) applyDefaults() {
	home, _ := os.UserHomeDir()
	if c.AdapterConfigDir == "" {
		c.AdapterConfigDir = filepath.Join(home, ".hatch", "adapters")
	}
	if c.WorktreeDir == "" {
		c.WorktreeDir = filepath.Join(os.TempDir(), "hatch-worktrees")
	}
	if c.AuditDBPath == "" {
		c.AuditDBPath = filepath.Join(home, ".hatch", "audit.db")
	}
	if c.RateLimit.MaxAttempts == 0 {
		c.RateLimit.MaxAttempts = 5
	}
	if c.RateLimit.WindowMS == 0 {
		c.RateLimit.WindowMS = 15 * 60 * 1000
	}
	if c.TrackerInactivityMinutes == 0 {
		c.TrackerInactivityMinutes = 30
	}
	if c.DeviceID == "" {
		c.DeviceID = generateDeviceID()
	}
}

// applyEnvironmentOverrides sets the relay URL from flags/env. The relay
// URL is never read from disk.
func (c *Config) applyEnvironmentOverrides(dev bool) {
	c.RelayURL = getDefaultRelayURL(dev)
}

// Save saves the configuration to disk.
func (c *Config) Save() error {
	configPath := getConfigPath()

	configDir := filepath.Dir(configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0600) // owner read/write only
}

// createDefaultConfig creates a default configuration.
func createDefaultConfig(dev bool) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvironmentOverrides(dev)

	if err := cfg.Save(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// getConfigPath returns the path to the config file.
func getConfigPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".hatch", "config.json")
}

// generateDeviceID generates a unique device ID.
func generateDeviceID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "desktop"
	}
	return "desktop-" + hostname
}

// getDefaultRelayURL returns the default relay URL with fallback logic.
func getDefaultRelayURL(dev bool) string {
	// 1. Dev flag (highest priority for local development)
	if dev {
		return "ws://localhost:8080/ws"
	}

	// 2. Full URL override
	if url := os.Getenv("HATCH_RELAY_URL"); url != "" {
		return url
	}

	// 3. Host-only override for easier domain switching
	if host := os.Getenv("RELAY_HOST"); host != "" {
		return fmt.Sprintf("ws://%s/ws", host)
	}

	// 4. Hardcoded production relay
	return "wss://relay.usehatch.dev/ws"
}
