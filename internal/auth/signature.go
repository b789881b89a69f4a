// Package auth builds the authentication block of a gateway connect
// request: bearer token plus, when a device identity is present, an
// Ed25519 signature over the canonical connect string.
package auth

import (
	"strconv"
	"strings"
	"time"

	"github.com/p-blackswan/clawdeck/internal/protocol"
)

const (
	// SignatureV1 covers deviceId through token.
	SignatureV1 = "v1"
	// SignatureV2 additionally binds the server challenge nonce.
	SignatureV2 = "v2"
)

// Signer produces detached signatures for connect requests. Satisfied by
// *identity.Identity.
type Signer interface {
	Sign(payload []byte) string
	PublicKeyBase64() string
}

// Request carries everything that goes into the canonical string.
type Request struct {
	DeviceID   string
	ClientID   string
	ClientMode string
	Role       string
	Scopes     []string
	Token      string
	Nonce      string
	SignedAt   time.Time
}

// Version returns the signature version the request will use: v2 when a
// challenge nonce is present, v1 otherwise.
func (r Request) Version() string {
	if strings.TrimSpace(r.Nonce) != "" {
		return SignatureV2
	}
	return SignatureV1
}

// Canonical builds the signing input. Field order is fixed and every field
// participates, so identical inputs always produce identical bytes:
//
//	version|deviceId|clientId|clientMode|role|scope1,scope2|signedAtMs|token[|nonce]
func Canonical(r Request) string {
	version := r.Version()
	parts := []string{
		version,
		r.DeviceID,
		r.ClientID,
		r.ClientMode,
		r.Role,
		strings.Join(r.Scopes, ","),
		strconv.FormatInt(r.SignedAt.UnixMilli(), 10),
		r.Token,
	}
	if version == SignatureV2 {
		parts = append(parts, r.Nonce)
	}
	return strings.Join(parts, "|")
}

// Build assembles the connect auth block. With a nil signer only the bearer
// token is sent; with one, the device sub-block carries the signature.
func Build(signer Signer, r Request) *protocol.ConnectAuth {
	out := &protocol.ConnectAuth{Token: r.Token}
	if signer == nil || r.DeviceID == "" {
		return out
	}
	out.Device = &protocol.DeviceAuth{
		ID:        r.DeviceID,
		PublicKey: signer.PublicKeyBase64(),
		Signature: signer.Sign([]byte(Canonical(r))),
		SignedAt:  r.SignedAt.UnixMilli(),
		Nonce:     r.Nonce,
	}
	return out
}
