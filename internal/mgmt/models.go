// Package mgmt serves the daemon's local management API: status,
// chat, sessions, pairing control, and an event stream for UI clients.
package mgmt

import (
	"github.com/p-blackswan/clawdeck/internal/pairing"
	"github.com/p-blackswan/clawdeck/internal/protocol"
	"github.com/p-blackswan/clawdeck/internal/update"
)

// StatusResponse is the daemon snapshot returned by GET /api/v1/status:
// connection state, the server identity from the last handshake, the
// pairing flow state, and the most recent release check.
type StatusResponse struct {
	Connected  bool              `json:"connected"`
	Connecting bool              `json:"connecting"`
	Error      string            `json:"error,omitempty"`
	SessionKey string            `json:"sessionKey,omitempty"`
	Server     *ServerDetail     `json:"server,omitempty"`
	Pairing    *pairing.Snapshot `json:"pairing,omitempty"`
	Update     *update.Info      `json:"update,omitempty"`
	Version    string            `json:"version"`
	Uptime     string            `json:"uptime"`
}

// ServerDetail describes the gateway behind the current connection,
// taken from the most recent successful handshake.
type ServerDetail struct {
	Name     string   `json:"name,omitempty"`
	Version  string   `json:"version,omitempty"`
	ConnID   string   `json:"connId,omitempty"`
	Protocol int      `json:"protocol,omitempty"`
	Role     string   `json:"role,omitempty"`
	Scopes   []string `json:"scopes,omitempty"`
}

// ChatRequest is the payload for POST /api/v1/chat. An empty session
// key targets the default session; attachments pass through to the
// gateway untouched.
type ChatRequest struct {
	SessionKey  string                `json:"sessionKey,omitempty"`
	Message     string                `json:"message"`
	Attachments []protocol.Attachment `json:"attachments,omitempty"`
}

// ChatResponse acknowledges a message the gateway accepted. The reply
// itself arrives over the event stream.
type ChatResponse struct {
	RunID      string `json:"runId,omitempty"`
	Status     string `json:"status,omitempty"`
	SessionKey string `json:"sessionKey"`
}

// SessionsResponse wraps the session list for GET /api/v1/sessions.
type SessionsResponse struct {
	Sessions []protocol.SessionEntry `json:"sessions"`
	Total    int                     `json:"total"`
}

// HistoryResponse carries one session's transcript, oldest first.
type HistoryResponse struct {
	SessionKey string                 `json:"sessionKey"`
	Messages   []protocol.ChatMessage `json:"messages"`
	Total      int                    `json:"total"`
}

// PairTokenRequest is the payload for POST /api/v1/pair/token.
type PairTokenRequest struct {
	Token string `json:"token"`
}

// HealthResponse reports liveness and, on the readiness probe,
// per-dependency check results.
type HealthResponse struct {
	Status  string            `json:"status"`
	Checks  map[string]string `json:"checks,omitempty"`
	Uptime  string            `json:"uptime"`
	Version string            `json:"version"`
}

// ProblemDetail follows RFC 7807 for error responses.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}
