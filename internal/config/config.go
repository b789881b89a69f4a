package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all daemon configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Gateway connection
	GatewayURL   string `envconfig:"GATEWAY_URL" default:"ws://127.0.0.1:18789"`
	GatewayToken string `envconfig:"GATEWAY_TOKEN"`

	// Connection profile overlay (see profiles.go)
	Profile      string `envconfig:"PROFILE"`
	ProfilesPath string `envconfig:"PROFILES_PATH"`

	// Client identity presented in the connect handshake
	ClientID      string `envconfig:"CLIENT_ID" default:"clawdeck"`
	ClientMode    string `envconfig:"CLIENT_MODE" default:"ui"`
	ClientVersion string `envconfig:"CLIENT_VERSION" default:"dev"`
	Locale        string `envconfig:"LOCALE" default:"en-US"`

	// Scopes requested from the gateway, comma-separated
	Scopes string `envconfig:"SCOPES" default:"operator.read,operator.write"`

	// RPC timeouts
	CallTimeout    time.Duration `envconfig:"CALL_TIMEOUT" default:"120s"`
	ConnectTimeout time.Duration `envconfig:"CONNECT_TIMEOUT" default:"10s"`
	WriteTimeout   time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s"`

	// Reconnect policy
	ReconnectBaseDelay   time.Duration `envconfig:"RECONNECT_BASE_DELAY" default:"1s"`
	ReconnectMaxDelay    time.Duration `envconfig:"RECONNECT_MAX_DELAY" default:"30s"`
	ReconnectMaxAttempts int           `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"10"`

	// Stream accumulation
	StreamIdleTimeout time.Duration `envconfig:"STREAM_IDLE_TIMEOUT" default:"5m"`
	StreamBufferCap   int           `envconfig:"STREAM_BUFFER_CAP" default:"256"`

	// Pairing
	PairPollInterval time.Duration `envconfig:"PAIR_POLL_INTERVAL" default:"3s"`
	PairDisplayDelay time.Duration `envconfig:"PAIR_DISPLAY_DELAY" default:"1200ms"`
	PairClientName   string        `envconfig:"PAIR_CLIENT_NAME" default:"Clawdeck"`

	// Local state
	StateDir  string `envconfig:"STATE_DIR"`
	StorePath string `envconfig:"STORE_PATH"`

	// Management API
	MgmtListenAddr     string `envconfig:"MGMT_LISTEN_ADDR" default:"127.0.0.1:8787"`
	MgmtAuthMode       string `envconfig:"MGMT_AUTH_MODE" default:"api-key"`
	MgmtAPIKey         string `envconfig:"MGMT_API_KEY"`
	MgmtJWTSecret      string `envconfig:"MGMT_JWT_SECRET"`
	MgmtRateLimitRPS   int    `envconfig:"MGMT_RATE_LIMIT_RPS" default:"100"`
	MgmtRateLimitBurst int    `envconfig:"MGMT_RATE_LIMIT_BURST" default:"200"`
	MgmtCORSOrigins    string `envconfig:"MGMT_CORS_ORIGINS"`

	// Notifications (optional, daemon runs without Slack)
	NotifySlackToken   string `envconfig:"NOTIFY_SLACK_TOKEN"`
	NotifySlackChannel string `envconfig:"NOTIFY_SLACK_CHANNEL"`

	// Update checks (optional)
	UpdateRepo     string        `envconfig:"UPDATE_REPO" default:"p-blackswan/clawdeck"`
	UpdateInterval time.Duration `envconfig:"UPDATE_INTERVAL" default:"24h"`
	UpdateEnabled  bool          `envconfig:"UPDATE_ENABLED" default:"false"`
}

// ScopeList returns the parsed scope list, empty entries dropped.
func (c *Config) ScopeList() []string {
	if c.Scopes == "" {
		return nil
	}
	parts := strings.Split(c.Scopes, ",")
	scopes := make([]string, 0, len(parts))
	for _, s := range parts {
		s = strings.TrimSpace(s)
		if s != "" {
			scopes = append(scopes, s)
		}
	}
	return scopes
}

// UserAgent returns the User-Agent string presented to the gateway.
func (c *Config) UserAgent() string {
	return fmt.Sprintf("%s/%s", c.ClientID, c.ClientVersion)
}

// NotifyEnabled returns true if the Slack relay is configured.
func (c *Config) NotifyEnabled() bool {
	return c.NotifySlackToken != "" && c.NotifySlackChannel != ""
}

// UpdateOwnerRepo splits UPDATE_REPO into owner and repo.
func (c *Config) UpdateOwnerRepo() (string, string, error) {
	parts := strings.SplitN(c.UpdateRepo, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid UPDATE_REPO %q, expected owner/repo", c.UpdateRepo)
	}
	return parts[0], parts[1], nil
}

// ResolveStateDir returns the state directory, defaulting to ~/.clawdeck.
func (c *Config) ResolveStateDir() (string, error) {
	if c.StateDir != "" {
		return c.StateDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".clawdeck"), nil
}

// ResolveStorePath returns the SQLite path, defaulting to
// <state dir>/clawdeck.db.
func (c *Config) ResolveStorePath() (string, error) {
	if c.StorePath != "" {
		return c.StorePath, nil
	}
	dir, err := c.ResolveStateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "clawdeck.db"), nil
}

// ResolveIdentityDir returns the device identity directory,
// <state dir>/identity.
func (c *Config) ResolveIdentityDir() (string, error) {
	dir, err := c.ResolveStateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "identity"), nil
}

// ResolveProfilesPath returns the profiles file path, defaulting to
// <state dir>/profiles.yaml.
func (c *Config) ResolveProfilesPath() (string, error) {
	if c.ProfilesPath != "" {
		return c.ProfilesPath, nil
	}
	dir, err := c.ResolveStateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "profiles.yaml"), nil
}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	if c.GatewayURL == "" {
		return fmt.Errorf("GATEWAY_URL is required")
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("CALL_TIMEOUT must be positive")
	}
	if c.ReconnectMaxAttempts < 0 {
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS must not be negative")
	}
	if c.ReconnectBaseDelay <= 0 || c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		return fmt.Errorf("reconnect delays misconfigured: base=%s max=%s", c.ReconnectBaseDelay, c.ReconnectMaxDelay)
	}
	switch c.MgmtAuthMode {
	case "none", "api-key", "jwt":
	default:
		return fmt.Errorf("invalid MGMT_AUTH_MODE %q", c.MgmtAuthMode)
	}
	if c.MgmtAuthMode == "api-key" && c.MgmtAPIKey == "" {
		return fmt.Errorf("MGMT_API_KEY is required with MGMT_AUTH_MODE=api-key")
	}
	if c.MgmtAuthMode == "jwt" && c.MgmtJWTSecret == "" {
		return fmt.Errorf("MGMT_JWT_SECRET is required with MGMT_AUTH_MODE=jwt")
	}
	return nil
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &cfg, nil
}

// LoadWithPrefix reads configuration with a prefix.
func LoadWithPrefix(prefix string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("loading config with prefix %s: %w", prefix, err)
	}
	return &cfg, nil
}
