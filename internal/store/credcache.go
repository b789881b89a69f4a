package store

import (
	"context"
	"time"

	"github.com/p-blackswan/clawdeck/pkg/credcache"
)

// Credentials returns a credcache.Cache view over the store, so tokens
// obtained at runtime (pairing grants, rotations) survive restarts.
func (s *Store) Credentials() credcache.Cache {
	return &credCache{s: s}
}

type credCache struct {
	s *Store
}

func (c *credCache) Put(_ context.Context, key, token, source string, ttl time.Duration) error {
	cred := &Credential{Key: key, Token: token, Source: source}
	if ttl > 0 {
		cred.ExpiresAt = time.Now().Add(ttl).UnixMilli()
	}
	return c.s.SaveCredential(cred)
}

func (c *credCache) Get(_ context.Context, key string) (*credcache.Credential, error) {
	rec, err := c.s.GetCredential(key)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		// GetCredential folds expired rows into absence.
		return nil, credcache.ErrNotFound
	}
	out := &credcache.Credential{
		Key:      rec.Key,
		Token:    rec.Token,
		Source:   rec.Source,
		IssuedAt: time.UnixMilli(rec.IssuedAt),
	}
	if rec.ExpiresAt != 0 {
		out.ExpiresAt = time.UnixMilli(rec.ExpiresAt)
	}
	return out, nil
}

func (c *credCache) Delete(_ context.Context, key string) error {
	return c.s.DeleteCredential(key)
}

func (c *credCache) Cleanup(_ context.Context) (int, error) {
	return c.s.PruneExpiredCredentials()
}
