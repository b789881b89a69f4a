package credcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCache_PutGet(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()

	require.NoError(t, c.Put(ctx, "gateway", "tok-1", SourceConfig, 0))

	cred, err := c.Get(ctx, "gateway")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", cred.Token)
	assert.Equal(t, SourceConfig, cred.Source)
	assert.True(t, cred.ExpiresAt.IsZero(), "zero ttl means no expiry")
	assert.False(t, cred.IsExpired())
}

func TestMemoryCache_NotFound(t *testing.T) {
	_, err := NewMemoryCache().Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryCache_Expiry(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()

	require.NoError(t, c.Put(ctx, "gateway", "tok-1", SourceRotated, time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	_, err := c.Get(ctx, "gateway")
	assert.ErrorIs(t, err, ErrExpired)
}

func TestMemoryCache_OverwriteKeepsLatest(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()

	require.NoError(t, c.Put(ctx, "gateway", "tok-old", SourceConfig, 0))
	require.NoError(t, c.Put(ctx, "gateway", "tok-new", SourceRotated, 0))

	cred, err := c.Get(ctx, "gateway")
	require.NoError(t, err)
	assert.Equal(t, "tok-new", cred.Token)
	assert.Equal(t, SourceRotated, cred.Source)
}

func TestMemoryCache_Delete(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()

	require.NoError(t, c.Put(ctx, "gateway", "tok-1", SourcePairing, 0))
	require.NoError(t, c.Delete(ctx, "gateway"))

	_, err := c.Get(ctx, "gateway")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryCache_Cleanup(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()

	require.NoError(t, c.Put(ctx, "a", "tok-a", SourceConfig, time.Millisecond))
	require.NoError(t, c.Put(ctx, "b", "tok-b", SourceConfig, time.Hour))
	require.NoError(t, c.Put(ctx, "c", "tok-c", SourceConfig, 0))
	time.Sleep(5 * time.Millisecond)

	n, err := c.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = c.Get(ctx, "b")
	assert.NoError(t, err)
	_, err = c.Get(ctx, "c")
	assert.NoError(t, err)
}
