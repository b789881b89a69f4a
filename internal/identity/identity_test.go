package identity

import (
	"crypto/ed25519"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreate_RoundTrip(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreate(dir)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Len(t, first.DeviceID, 64, "device id is hex sha256")
	assert.NotZero(t, first.CreatedAtMs)

	// Second call loads the same identity, no regeneration.
	second, err := LoadOrCreate(dir)
	require.NoError(t, err)
	assert.Equal(t, first.DeviceID, second.DeviceID)
	assert.Equal(t, first.PublicKeyBase64(), second.PublicKeyBase64())
	assert.Equal(t, first.CreatedAtMs, second.CreatedAtMs)
}

func TestLoadOrCreate_FilePermissions(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadOrCreate(dir)
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dir, "device.json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestDeriveDeviceID_Deterministic(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)
	assert.Equal(t, id.DeviceID, DeriveDeviceID(id.PublicKey()))
}

func TestSign_Verifies(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	payload := []byte("v2|dev|clawdeck|ui|operator|operator.read|1712000000000|tok|nonce")
	sig := id.Sign(payload)

	raw, err := base64.StdEncoding.DecodeString(sig)
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(id.PublicKey(), payload, raw))

	// Deterministic for identical input.
	assert.Equal(t, sig, id.Sign(payload))
	assert.NotEqual(t, sig, id.Sign(append(payload, 'x')))
}

func TestLoad_Corrupt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "device.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":1}`), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "deviceId")
}

func TestLoad_NotExist(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "device.json"))
	assert.True(t, os.IsNotExist(err))
}
