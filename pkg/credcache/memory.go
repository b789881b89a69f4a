package credcache

import (
	"context"
	"sync"
	"time"
)

// MemoryCache is the in-process credential cache.
type MemoryCache struct {
	mu    sync.RWMutex
	creds map[string]*Credential
}

// NewMemoryCache creates an empty credential cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		creds: make(map[string]*Credential),
	}
}

func (m *MemoryCache) Put(_ context.Context, key, token, source string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred := &Credential{
		Key:      key,
		Token:    token,
		Source:   source,
		IssuedAt: time.Now(),
	}
	if ttl > 0 {
		cred.ExpiresAt = time.Now().Add(ttl)
	}
	m.creds[key] = cred
	return nil
}

func (m *MemoryCache) Get(_ context.Context, key string) (*Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cred, ok := m.creds[key]
	if !ok {
		return nil, ErrNotFound
	}
	if cred.IsExpired() {
		return nil, ErrExpired
	}
	return cred, nil
}

func (m *MemoryCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.creds, key)
	return nil
}

func (m *MemoryCache) Cleanup(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for k, cred := range m.creds {
		if cred.IsExpired() {
			delete(m.creds, k)
			count++
		}
	}
	return count, nil
}
