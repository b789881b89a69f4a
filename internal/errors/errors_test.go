package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRPCError_Error(t *testing.T) {
	err := NewRPCError("NOT_FOUND", "no such session", false)
	assert.Contains(t, err.Error(), "NOT_FOUND")
	assert.Contains(t, err.Error(), "no such session")

	blank := &RPCError{}
	assert.Equal(t, "request failed", blank.Error())

	msgOnly := &RPCError{Message: "boom"}
	assert.Equal(t, "boom", msgOnly.Error())
}

func TestHTTPError_WithWrapped(t *testing.T) {
	inner := errors.New("connection refused")
	err := &HTTPError{Endpoint: "/v1/pair", StatusCode: 502, Message: "fail", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Contains(t, err.Error(), "502")
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewHTTPError("/v1/pair", 429, "rate limit")))
	assert.True(t, IsRetryable(NewHTTPError("/v1/pair", 503, "unavailable")))
	assert.True(t, IsRetryable(NewRPCError("UNAVAILABLE", "busy", true)))
	assert.True(t, IsRetryable(ErrTimeout))
	assert.True(t, IsRetryable(ErrDisconnected))
	assert.True(t, IsRetryable(ErrUnavailable))

	assert.False(t, IsRetryable(NewHTTPError("/v1/pair", 401, "unauth")))
	assert.False(t, IsRetryable(NewHTTPError("/v1/pair", 404, "not found")))
	assert.False(t, IsRetryable(NewRPCError("NOT_AUTHORIZED", "nope", false)))
	assert.False(t, IsRetryable(ErrNotConnected))
}

func TestIsScopeError(t *testing.T) {
	assert.True(t, IsScopeError(ErrNotAuthorized))
	assert.True(t, IsScopeError(fmt.Errorf("connect: %w", ErrNotAuthorized)))
	assert.True(t, IsScopeError(NewRPCError("NOT_AUTHORIZED", "missing scope", false)))
	assert.True(t, IsScopeError(errors.New("missing scope operator.write")))
	assert.True(t, IsScopeError(errors.New("device not authorized")))

	assert.False(t, IsScopeError(nil))
	assert.False(t, IsScopeError(ErrTimeout))
	assert.False(t, IsScopeError(errors.New("connection reset by peer")))
}
