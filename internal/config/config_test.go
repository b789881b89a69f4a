// Package config tests.
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	os.Clearenv()
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "ws://127.0.0.1:18789", cfg.GatewayURL)
	assert.Equal(t, "clawdeck", cfg.ClientID)
	assert.Equal(t, "ui", cfg.ClientMode)
	assert.Equal(t, "en-US", cfg.Locale)
	assert.Equal(t, 120*time.Second, cfg.CallTimeout)
	assert.Equal(t, time.Second, cfg.ReconnectBaseDelay)
	assert.Equal(t, 30*time.Second, cfg.ReconnectMaxDelay)
	assert.Equal(t, 10, cfg.ReconnectMaxAttempts)
	assert.Equal(t, 5*time.Minute, cfg.StreamIdleTimeout)
	assert.Equal(t, 3*time.Second, cfg.PairPollInterval)
	assert.Equal(t, 1200*time.Millisecond, cfg.PairDisplayDelay)
	assert.Equal(t, "127.0.0.1:8787", cfg.MgmtListenAddr)
	assert.Equal(t, "api-key", cfg.MgmtAuthMode)
	assert.Equal(t, 100, cfg.MgmtRateLimitRPS)
	assert.Equal(t, 200, cfg.MgmtRateLimitBurst)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("GATEWAY_URL", "wss://gw.example.com")
	t.Setenv("GATEWAY_TOKEN", "tok-env")
	t.Setenv("CALL_TIMEOUT", "5s")
	t.Setenv("RECONNECT_MAX_ATTEMPTS", "3")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "wss://gw.example.com", cfg.GatewayURL)
	assert.Equal(t, "tok-env", cfg.GatewayToken)
	assert.Equal(t, 5*time.Second, cfg.CallTimeout)
	assert.Equal(t, 3, cfg.ReconnectMaxAttempts)
}

func TestScopeList(t *testing.T) {
	cfg := &Config{Scopes: "operator.read, operator.write ,,"}
	assert.Equal(t, []string{"operator.read", "operator.write"}, cfg.ScopeList())

	cfg.Scopes = ""
	assert.Nil(t, cfg.ScopeList())
}

func TestUserAgent(t *testing.T) {
	cfg := &Config{ClientID: "clawdeck", ClientVersion: "1.4.0"}
	assert.Equal(t, "clawdeck/1.4.0", cfg.UserAgent())
}

func TestUpdateOwnerRepo(t *testing.T) {
	cfg := &Config{UpdateRepo: "p-blackswan/clawdeck"}
	owner, repo, err := cfg.UpdateOwnerRepo()
	require.NoError(t, err)
	assert.Equal(t, "p-blackswan", owner)
	assert.Equal(t, "clawdeck", repo)

	cfg.UpdateRepo = "nope"
	_, _, err = cfg.UpdateOwnerRepo()
	assert.Error(t, err)
}

func TestResolvePaths(t *testing.T) {
	cfg := &Config{StateDir: "/var/lib/clawdeck"}

	dir, err := cfg.ResolveStateDir()
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/clawdeck", dir)

	storePath, err := cfg.ResolveStorePath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/var/lib/clawdeck", "clawdeck.db"), storePath)

	identityDir, err := cfg.ResolveIdentityDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/var/lib/clawdeck", "identity"), identityDir)

	cfg.StorePath = "/tmp/custom.db"
	storePath, err = cfg.ResolveStorePath()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/custom.db", storePath)

	profilesPath, err := cfg.ResolveProfilesPath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/var/lib/clawdeck", "profiles.yaml"), profilesPath)

	cfg.ProfilesPath = "/etc/clawdeck/profiles.yaml"
	profilesPath, err = cfg.ResolveProfilesPath()
	require.NoError(t, err)
	assert.Equal(t, "/etc/clawdeck/profiles.yaml", profilesPath)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			GatewayURL:           "ws://127.0.0.1:18789",
			CallTimeout:          120 * time.Second,
			ReconnectBaseDelay:   time.Second,
			ReconnectMaxDelay:    30 * time.Second,
			ReconnectMaxAttempts: 10,
			MgmtAuthMode:         "none",
		}
	}

	assert.NoError(t, valid().Validate())

	cfg := valid()
	cfg.GatewayURL = ""
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.CallTimeout = 0
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.ReconnectMaxDelay = time.Millisecond
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.MgmtAuthMode = "basic"
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.MgmtAuthMode = "api-key"
	assert.Error(t, cfg.Validate(), "api-key mode needs a key")
	cfg.MgmtAPIKey = "secret"
	assert.NoError(t, cfg.Validate())

	cfg = valid()
	cfg.MgmtAuthMode = "jwt"
	assert.Error(t, cfg.Validate(), "jwt mode needs a secret")
	cfg.MgmtJWTSecret = "secret"
	assert.NoError(t, cfg.Validate())
}

func TestNotifyEnabled(t *testing.T) {
	cfg := &Config{}
	assert.False(t, cfg.NotifyEnabled())

	cfg.NotifySlackToken = "xoxb-test"
	assert.False(t, cfg.NotifyEnabled())

	cfg.NotifySlackChannel = "C123"
	assert.True(t, cfg.NotifyEnabled())
}
