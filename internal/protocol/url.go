package protocol

import (
	"net/url"
	"strings"

	"github.com/p-blackswan/clawdeck/internal/errors"
)

// NormalizeWebSocketURL coerces a gateway address into a ws:// or wss://
// URL. http(s) schemes are rewritten, scheme-less addresses default to ws.
func NormalizeWebSocketURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.ErrInvalidInput
	}
	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", errors.ErrInvalidInput
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", errors.ErrInvalidInput
	}
	if u.Host == "" {
		return "", errors.ErrInvalidInput
	}
	return u.String(), nil
}

// HTTPBaseURL derives the HTTP origin for REST endpoints (pairing, status)
// from a gateway address. The path is dropped: REST routes hang off the
// host root.
func HTTPBaseURL(raw string) (string, error) {
	ws, err := NormalizeWebSocketURL(raw)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(ws)
	if err != nil {
		return "", errors.ErrInvalidInput
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = ""
	u.RawQuery = ""
	u.Fragment = ""
	return strings.TrimSuffix(u.String(), "/"), nil
}

// OriginFor returns the Origin header value to present during the
// WebSocket upgrade, matching the HTTP origin of the gateway.
func OriginFor(raw string) string {
	base, err := HTTPBaseURL(raw)
	if err != nil {
		return ""
	}
	return base
}
