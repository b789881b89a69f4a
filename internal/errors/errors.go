// Package errors provides structured error types for the gateway client.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for common failure modes.
var (
	ErrNotConnected    = errors.New("not connected to gateway")
	ErrAlreadyClosed   = errors.New("client closed")
	ErrTimeout         = errors.New("request timed out")
	ErrDisconnected    = errors.New("connection lost")
	ErrHandshakeFailed = errors.New("handshake failed")
	ErrNotAuthorized   = errors.New("not authorized")
	ErrPairingRejected = errors.New("pairing rejected")
	ErrUnavailable     = errors.New("service unavailable")
	ErrInvalidInput    = errors.New("invalid input")
)

// RPCError is an error returned by the gateway in a response frame.
type RPCError struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *RPCError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway error %s: %s", e.Code, e.Message)
	}
	if e.Message != "" {
		return e.Message
	}
	return "request failed"
}

// NewRPCError creates an error from a gateway response error shape.
func NewRPCError(code, message string, retryable bool) *RPCError {
	return &RPCError{Code: code, Message: message, Retryable: retryable}
}

// HTTPError represents a failed call to an HTTP collaborator (pairing
// endpoint, release API).
type HTTPError struct {
	Endpoint   string
	StatusCode int
	Message    string
	Err        error
}

func (e *HTTPError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (status %d): %s: %v", e.Endpoint, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("%s (status %d): %s", e.Endpoint, e.StatusCode, e.Message)
}

func (e *HTTPError) Unwrap() error { return e.Err }

// NewHTTPError creates a new HTTP collaborator error.
func NewHTTPError(endpoint string, statusCode int, message string) *HTTPError {
	return &HTTPError{Endpoint: endpoint, StatusCode: statusCode, Message: message}
}

// IsRetryable returns true if the error is likely transient and worth retrying.
func IsRetryable(err error) bool {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Retryable
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case 429, 500, 502, 503, 504:
			return true
		}
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrDisconnected) || errors.Is(err, ErrUnavailable)
}

// IsScopeError reports whether the error is an authorization/scope failure,
// the category that should steer the caller toward pairing rather than
// passive reconnection.
func IsScopeError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotAuthorized) {
		return true
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		switch rpcErr.Code {
		case "NOT_AUTHORIZED", "FORBIDDEN", "SCOPE_DENIED":
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "scope") || strings.Contains(msg, "not authorized") || strings.Contains(msg, "unauthorized")
}
