package protocol

import (
	"encoding/json"

	"github.com/p-blackswan/clawdeck/internal/errors"
)

// wireSession tolerates the field spellings sessions.list has shipped with.
type wireSession struct {
	Key           string `json:"key,omitempty"`
	SessionKey    string `json:"sessionKey,omitempty"`
	Label         string `json:"label,omitempty"`
	DisplayName   string `json:"displayName,omitempty"`
	AgentID       string `json:"agentId,omitempty"`
	Model         string `json:"model,omitempty"`
	Channel       string `json:"channel,omitempty"`
	MessageCount  int    `json:"messageCount,omitempty"`
	UpdatedAt     int64  `json:"updatedAt,omitempty"`
	TotalTokens   int64  `json:"totalTokens,omitempty"`
	ContextTokens int64  `json:"contextTokens,omitempty"`
}

type sessionsEnvelope struct {
	Sessions []wireSession `json:"sessions"`
}

// DecodeSessions normalizes a sessions.list payload, which arrives either as
// a bare array or wrapped in {"sessions": [...]}. Entries with no key are
// assigned the default session key.
func DecodeSessions(raw json.RawMessage) ([]SessionEntry, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var items []wireSession
	var env sessionsEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Sessions != nil {
		items = env.Sessions
	} else if err := json.Unmarshal(raw, &items); err != nil {
		return nil, errors.ErrInvalidInput
	}

	out := make([]SessionEntry, 0, len(items))
	for _, it := range items {
		key := firstNonEmpty(it.Key, it.SessionKey)
		if key == "" {
			key = DefaultSessionKey
		}
		out = append(out, SessionEntry{
			Key:           key,
			Label:         firstNonEmpty(it.Label, it.DisplayName, key),
			AgentID:       it.AgentID,
			Model:         it.Model,
			Channel:       it.Channel,
			MessageCount:  it.MessageCount,
			UpdatedAt:     it.UpdatedAt,
			TokensUsed:    it.TotalTokens,
			TokenCapacity: it.ContextTokens,
		})
	}
	return out, nil
}

// wireMessage tolerates the message shapes sessions.history has shipped with.
type wireMessage struct {
	ID         string          `json:"id,omitempty"`
	Role       string          `json:"role,omitempty"`
	Text       string          `json:"text,omitempty"`
	Content    json.RawMessage `json:"content,omitempty"`
	Timestamp  int64           `json:"timestamp,omitempty"`
	TS         int64           `json:"ts,omitempty"`
	SessionKey string          `json:"sessionKey,omitempty"`
}

type messagesEnvelope struct {
	Messages []wireMessage `json:"messages"`
}

// DecodeMessages normalizes a sessions.history payload into chat messages,
// accepting a bare array or {"messages": [...]}. Content may be a string or
// a parts array; parts are concatenated.
func DecodeMessages(raw json.RawMessage, sessionKey string) ([]ChatMessage, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var items []wireMessage
	var env messagesEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Messages != nil {
		items = env.Messages
	} else if err := json.Unmarshal(raw, &items); err != nil {
		return nil, errors.ErrInvalidInput
	}

	if sessionKey == "" {
		sessionKey = DefaultSessionKey
	}

	out := make([]ChatMessage, 0, len(items))
	for _, it := range items {
		text := it.Text
		if text == "" {
			text = textFromContent(it.Content)
		}
		role := it.Role
		if role == "" {
			role = "assistant"
		}
		out = append(out, ChatMessage{
			ID:         it.ID,
			Role:       role,
			Text:       text,
			Timestamp:  firstNonZero(it.Timestamp, it.TS),
			SessionKey: firstNonEmpty(it.SessionKey, sessionKey),
		})
	}
	return out, nil
}
