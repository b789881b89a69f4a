package requestid

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	ctx, id := New(context.Background())
	assert.NotEmpty(t, id)
	assert.Equal(t, id, FromContext(ctx))
}

func TestFromContext_Missing(t *testing.T) {
	id := FromContext(context.Background())
	assert.NotEmpty(t, id) // generates new UUID

	assert.NotEqual(t, id, FromContext(context.Background()))
}

func TestWithRequestID(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-mgmt-123")
	assert.Equal(t, "req-mgmt-123", FromContext(ctx))
}

func TestWithRequestID_EmptyFallsThrough(t *testing.T) {
	ctx := WithRequestID(context.Background(), "")
	assert.NotEmpty(t, FromContext(ctx), "blank id is replaced, not returned")
}
