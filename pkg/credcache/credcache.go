// Package credcache caches gateway credentials in-process: the configured
// bearer token, tokens obtained through pairing, and rotated device tokens
// handed back in hello-ok. Persistence is a separate concern; this layer
// answers "what token do I connect with right now".
package credcache

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("credential not found")
	ErrExpired  = errors.New("credential expired")
)

// KeyGateway is the cache key under which the gateway token lives.
const KeyGateway = "gateway"

// Credential source labels, most-authoritative last.
const (
	SourceConfig  = "config"
	SourcePairing = "pairing"
	SourceRotated = "rotated"
	SourceManual  = "manual"
)

// Credential is a stored gateway credential with provenance.
type Credential struct {
	Key       string    `json:"key"`
	Token     string    `json:"token"`
	Source    string    `json:"source"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// IsExpired reports whether the credential has passed its expiry. A zero
// ExpiresAt means no expiry.
func (c *Credential) IsExpired() bool {
	return !c.ExpiresAt.IsZero() && time.Now().After(c.ExpiresAt)
}

// Cache is the credential cache interface.
type Cache interface {
	// Put stores a credential under key. A zero ttl stores it without
	// expiry.
	Put(ctx context.Context, key, token, source string, ttl time.Duration) error
	// Get retrieves a credential. Returns ErrNotFound or ErrExpired.
	Get(ctx context.Context, key string) (*Credential, error)
	// Delete removes a credential.
	Delete(ctx context.Context, key string) error
	// Cleanup removes expired credentials and returns how many went.
	Cleanup(ctx context.Context) (int, error)
}
