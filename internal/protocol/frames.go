// Package protocol defines the gateway wire format: req/res/event frames,
// the connect handshake payloads, and the canonical (normalized) shapes the
// rest of the client consumes. All tolerance for legacy field names lives
// here; nothing outside this package inspects raw event JSON.
package protocol

import "encoding/json"

// Frame types.
const (
	FrameRequest  = "req"
	FrameResponse = "res"
	FrameEvent    = "event"
)

// RPC methods the client issues.
const (
	MethodConnect         = "connect"
	MethodChatSend        = "chat.send"
	MethodSessionsList    = "sessions.list"
	MethodSessionsHistory = "sessions.history"
)

// Well-known event names.
const (
	EventConnectChallenge = "connect.challenge"
	EventChat             = "chat"
	EventAgent            = "agent"
	EventTick             = "tick"
)

// Gateway error codes.
const (
	CodeNotAuthorized  = "NOT_AUTHORIZED"
	CodeNotFound       = "NOT_FOUND"
	CodeUnavailable    = "UNAVAILABLE"
	CodeInvalidRequest = "INVALID_REQUEST"
)

// HelloOKType marks a successful handshake payload.
const HelloOKType = "hello-ok"

// DefaultSessionKey is the session used when a caller or event names none.
const DefaultSessionKey = "agent:main:main"

// Frame is the JSON wire format shared by requests, responses and events.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Event   string          `json:"event,omitempty"`
	Error   *ErrorShape     `json:"error,omitempty"`
}

// Succeeded reports whether a res frame indicates success. A missing ok
// field counts as success; only an explicit false is a failure.
func (f Frame) Succeeded() bool {
	return f.OK == nil || *f.OK
}

// ErrorShape is the error object carried in a res frame.
type ErrorShape struct {
	Code         string          `json:"code,omitempty"`
	Message      string          `json:"message"`
	Details      json.RawMessage `json:"details,omitempty"`
	Retryable    bool            `json:"retryable,omitempty"`
	RetryAfterMs int64           `json:"retryAfterMs,omitempty"`
}

// --- Handshake ---

// ConnectParams is the params object of the connect request.
type ConnectParams struct {
	MinProtocol int             `json:"minProtocol"`
	MaxProtocol int             `json:"maxProtocol"`
	Client      ClientInfo      `json:"client"`
	Role        string          `json:"role"`
	Scopes      []string        `json:"scopes"`
	Caps        []string        `json:"caps"`
	Commands    []string        `json:"commands"`
	Permissions map[string]bool `json:"permissions"`
	Auth        *ConnectAuth    `json:"auth,omitempty"`
	Locale      string          `json:"locale,omitempty"`
	UserAgent   string          `json:"userAgent,omitempty"`
}

// ClientInfo identifies the connecting product.
type ClientInfo struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Mode     string `json:"mode"`
}

// ConnectAuth carries the bearer token and/or the signed device identity.
type ConnectAuth struct {
	Token  string      `json:"token,omitempty"`
	Device *DeviceAuth `json:"device,omitempty"`
}

// DeviceAuth is the signature-scheme auth block. Signature is Ed25519 over
// the canonical string (internal/auth), base64 standard encoding.
type DeviceAuth struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
	SignedAt  int64  `json:"signedAt"`
	Nonce     string `json:"nonce,omitempty"`
}

// ChallengePayload is the connect.challenge event payload.
type ChallengePayload struct {
	Nonce string `json:"nonce"`
	TS    int64  `json:"ts"`
}

// HelloOK is the successful handshake response payload.
type HelloOK struct {
	Type     string        `json:"type"`
	Protocol int           `json:"protocol"`
	Server   *ServerInfo   `json:"server,omitempty"`
	Auth     *AuthResult   `json:"auth,omitempty"`
	Policy   *ServerPolicy `json:"policy,omitempty"`
}

// ServerInfo describes the gateway that accepted the handshake.
type ServerInfo struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
	ConnID  string `json:"connId,omitempty"`
}

// AuthResult carries credential material issued during the handshake,
// notably a rotated device token to use on the next connect.
type AuthResult struct {
	DeviceToken string   `json:"deviceToken,omitempty"`
	Role        string   `json:"role,omitempty"`
	Scopes      []string `json:"scopes,omitempty"`
}

// ServerPolicy is the gateway's advertised limits.
type ServerPolicy struct {
	MaxPayload     int64 `json:"maxPayload,omitempty"`
	TickIntervalMs int64 `json:"tickIntervalMs,omitempty"`
}

// --- RPC params/results ---

// ChatSendParams is the params object of chat.send.
type ChatSendParams struct {
	SessionKey     string       `json:"sessionKey"`
	Message        string       `json:"message"`
	IdempotencyKey string       `json:"idempotencyKey"`
	Attachments    []Attachment `json:"attachments,omitempty"`
}

// Attachment is an optional chat.send attachment.
type Attachment struct {
	Type     string `json:"type,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	FileName string `json:"fileName,omitempty"`
	URL      string `json:"url,omitempty"`
	Content  string `json:"content,omitempty"`
}

// ChatSendResult is the chat.send response payload.
type ChatSendResult struct {
	RunID      string `json:"runId"`
	Status     string `json:"status"`
	AcceptedAt int64  `json:"acceptedAt,omitempty"`
}

// SessionsListParams is the params object of sessions.list.
type SessionsListParams struct {
	MessageLimit int `json:"messageLimit"`
}

// SessionsHistoryParams is the params object of sessions.history.
type SessionsHistoryParams struct {
	SessionKey   string `json:"sessionKey"`
	Limit        int    `json:"limit"`
	IncludeTools bool   `json:"includeTools"`
}

// --- Canonical shapes ---

// ChatMessage is the normalized chat message handed to subscribers.
type ChatMessage struct {
	ID         string `json:"id"`
	Role       string `json:"role"`
	Text       string `json:"text"`
	Timestamp  int64  `json:"timestamp"`
	SessionKey string `json:"sessionKey"`
}

// SessionEntry is the normalized session descriptor. TokensUsed and
// TokenCapacity carry what the wire splits across totalTokens (used) and
// contextTokens (capacity).
type SessionEntry struct {
	Key           string `json:"key"`
	Label         string `json:"label,omitempty"`
	AgentID       string `json:"agentId,omitempty"`
	Model         string `json:"model,omitempty"`
	Channel       string `json:"channel,omitempty"`
	MessageCount  int    `json:"messageCount"`
	UpdatedAt     int64  `json:"updatedAt"`
	TokensUsed    int64  `json:"tokensUsed,omitempty"`
	TokenCapacity int64  `json:"tokenCapacity,omitempty"`
}

// SessionKeyFor builds the canonical agent session key.
func SessionKeyFor(agentID, sessionID string) string {
	return "agent:" + agentID + ":" + sessionID
}
