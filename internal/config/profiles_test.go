package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const profilesYAML = `
default: local
profiles:
  local:
    url: ws://127.0.0.1:18789
    token: ${CLAWDECK_TEST_TOKEN}
  remote:
    url: wss://gw.example.com
    client_mode: cli
    scopes: operator.read
`

func TestLoadProfilesBytes(t *testing.T) {
	t.Setenv("CLAWDECK_TEST_TOKEN", "tok-local")

	pf, err := LoadProfilesBytes([]byte(profilesYAML))
	require.NoError(t, err)
	assert.Equal(t, "local", pf.Default)
	require.Len(t, pf.Profiles, 2)
	assert.Equal(t, "tok-local", pf.Profiles["local"].Token, "env vars expanded")
}

func TestLoadProfiles_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(profilesYAML), 0o600))

	pf, err := LoadProfiles(path)
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:18789", pf.Profiles["local"].URL)

	_, err = LoadProfiles(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestProfiles_Resolve(t *testing.T) {
	pf, err := LoadProfilesBytes([]byte(profilesYAML))
	require.NoError(t, err)

	p, err := pf.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:18789", p.URL, "empty name resolves default")

	p, err = pf.Resolve("remote")
	require.NoError(t, err)
	assert.Equal(t, "wss://gw.example.com", p.URL)

	_, err = pf.Resolve("nonexistent")
	assert.Error(t, err)
}

func TestConfig_Apply(t *testing.T) {
	cfg := &Config{
		GatewayURL: "ws://127.0.0.1:18789",
		ClientID:   "clawdeck",
		ClientMode: "ui",
		Scopes:     "operator.read,operator.write",
	}

	cfg.Apply(&Profile{URL: "wss://gw.example.com", ClientMode: "cli"})
	assert.Equal(t, "wss://gw.example.com", cfg.GatewayURL)
	assert.Equal(t, "cli", cfg.ClientMode)
	assert.Equal(t, "clawdeck", cfg.ClientID, "empty fields leave config alone")
	assert.Equal(t, "operator.read,operator.write", cfg.Scopes)

	cfg.Apply(nil)
	assert.Equal(t, "wss://gw.example.com", cfg.GatewayURL)
}
