package health

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestChecker_AllHealthy(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("store", func(ctx context.Context) Status { return StatusOK })
	c.Register("gateway", func(ctx context.Context) Status { return StatusOK })

	assert.True(t, c.IsReady(context.Background()))
}

func TestChecker_OneDown(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("store", func(ctx context.Context) Status { return StatusOK })
	c.Register("gateway", func(ctx context.Context) Status { return StatusDown })

	assert.False(t, c.IsReady(context.Background()))
}

func TestChecker_Degraded_StillReady(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("gateway", func(ctx context.Context) Status { return StatusDegraded })

	assert.True(t, c.IsReady(context.Background()))
}

func TestChecker_NoChecks(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	assert.True(t, c.IsReady(context.Background()))
}

func TestChecker_Snapshot(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	assert.Empty(t, c.Snapshot(), "empty before first run")

	c.Register("store", func(ctx context.Context) Status { return StatusOK })
	c.RunAll(context.Background())

	snap := c.Snapshot()
	assert.Equal(t, StatusOK, snap["store"])

	// Snapshot is a copy; mutating it does not touch the cache.
	snap["store"] = StatusDown
	assert.Equal(t, StatusOK, c.Snapshot()["store"])
}
