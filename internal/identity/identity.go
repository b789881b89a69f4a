// Package identity manages the Ed25519 device identity used to sign
// gateway connect requests. The identity lives in device.json under the
// state directory and is created on first use.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	fileVersion  = 1
	identityFile = "device.json"
)

// deviceFile is the on-disk shape of device.json.
type deviceFile struct {
	Version       int    `json:"version"`
	DeviceID      string `json:"deviceId"`
	PublicKeyPem  string `json:"publicKeyPem"`
	PrivateKeyPem string `json:"privateKeyPem"`
	CreatedAtMs   int64  `json:"createdAtMs"`
}

// Identity is a loaded device identity. The zero value is not usable;
// construct via LoadOrCreate or Generate.
type Identity struct {
	DeviceID    string
	CreatedAtMs int64

	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// Generate creates a fresh Ed25519 identity. The device id is the hex
// SHA-256 of the raw 32-byte public key, so it is stable for the key's
// lifetime and needs no registry.
func Generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate device key: %w", err)
	}
	return &Identity{
		DeviceID:    DeriveDeviceID(pub),
		CreatedAtMs: time.Now().UnixMilli(),
		priv:        priv,
		pub:         pub,
	}, nil
}

// DeriveDeviceID computes the device id for a public key.
func DeriveDeviceID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// LoadOrCreate loads device.json from dir, generating and persisting a new
// identity when none exists. Repeated calls return the same identity.
func LoadOrCreate(dir string) (*Identity, error) {
	path := filepath.Join(dir, identityFile)
	id, err := Load(path)
	if err == nil {
		return id, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	id, err = Generate()
	if err != nil {
		return nil, err
	}
	if err := id.save(dir); err != nil {
		return nil, err
	}
	return id, nil
}

// Load reads and validates an existing device.json.
func Load(path string) (*Identity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("read device identity %s: %w", path, err)
	}

	var df deviceFile
	if err := json.Unmarshal(raw, &df); err != nil {
		return nil, fmt.Errorf("parse device identity %s: %w", path, err)
	}
	df.DeviceID = strings.TrimSpace(df.DeviceID)
	if df.DeviceID == "" {
		return nil, fmt.Errorf("device identity %s: missing deviceId", path)
	}

	priv, err := parsePrivateKeyPEM(df.PrivateKeyPem)
	if err != nil {
		return nil, fmt.Errorf("device identity %s: %w", path, err)
	}
	pub, err := parsePublicKeyPEM(df.PublicKeyPem)
	if err != nil {
		return nil, fmt.Errorf("device identity %s: %w", path, err)
	}

	return &Identity{
		DeviceID:    df.DeviceID,
		CreatedAtMs: df.CreatedAtMs,
		priv:        priv,
		pub:         pub,
	}, nil
}

func (id *Identity) save(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create identity dir %s: %w", dir, err)
	}

	privPEM, err := encodePrivateKeyPEM(id.priv)
	if err != nil {
		return err
	}
	pubPEM, err := encodePublicKeyPEM(id.pub)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(deviceFile{
		Version:       fileVersion,
		DeviceID:      id.DeviceID,
		PublicKeyPem:  pubPEM,
		PrivateKeyPem: privPEM,
		CreatedAtMs:   id.CreatedAtMs,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode device identity: %w", err)
	}

	path := filepath.Join(dir, identityFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write device identity %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("install device identity %s: %w", path, err)
	}
	return nil
}

// Sign returns the base64 (standard encoding) Ed25519 signature over
// payload.
func (id *Identity) Sign(payload []byte) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(id.priv, payload))
}

// PublicKeyBase64 returns the raw public key base64-encoded, the form the
// gateway expects in the connect auth block.
func (id *Identity) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(id.pub)
}

// PublicKey exposes the public key for verification in tests.
func (id *Identity) PublicKey() ed25519.PublicKey {
	return id.pub
}

func encodePrivateKeyPEM(priv ed25519.PrivateKey) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", fmt.Errorf("marshal private key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}

func encodePublicKeyPEM(pub ed25519.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

func parsePrivateKeyPEM(pemStr string) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("private key PEM decode failed")
	}
	pk, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	ed, ok := pk.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is %T, want ed25519", pk)
	}
	return ed, nil
}

func parsePublicKeyPEM(pemStr string) (ed25519.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("public key PEM decode failed")
	}
	pk, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	ed, ok := pk.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, want ed25519", pk)
	}
	return ed, nil
}
