package protocol

import (
	"encoding/json"
	"strings"
)

// EventKind is the closed set of inbound event shapes the client handles.
type EventKind int

const (
	EventKindUnknown EventKind = iota
	EventKindStreamChunk
	EventKindStreamEnd
	EventKindChatMessage
	EventKindChallenge
	EventKindTick
)

func (k EventKind) String() string {
	switch k {
	case EventKindStreamChunk:
		return "stream-chunk"
	case EventKindStreamEnd:
		return "stream-end"
	case EventKindChatMessage:
		return "chat-message"
	case EventKindChallenge:
		return "challenge"
	case EventKindTick:
		return "tick"
	default:
		return "unknown"
	}
}

// StreamChunk is one incremental fragment of a streamed reply. Delta is the
// fragment only; accumulation happens downstream.
type StreamChunk struct {
	SessionKey string
	MessageID  string
	Delta      string
	Done       bool
}

// StreamEnd terminates a streamed reply. Text is the final text when the
// event carried one.
type StreamEnd struct {
	SessionKey string
	MessageID  string
	Text       string
	Timestamp  int64
}

// DecodedEvent is the tagged union produced by DecodeEvent. Exactly the
// field matching Kind is set.
type DecodedEvent struct {
	Kind      EventKind
	Chunk     *StreamChunk
	End       *StreamEnd
	Message   *ChatMessage
	Challenge *ChallengePayload
}

// eventPayload tolerates every field spelling the gateway family has used.
// It exists only as decode scratch; canonical shapes leave this package.
type eventPayload struct {
	Type       string          `json:"type,omitempty"`
	State      string          `json:"state,omitempty"`
	Status     string          `json:"status,omitempty"`
	SessionKey string          `json:"sessionKey,omitempty"`
	Key        string          `json:"key,omitempty"`
	RunID      string          `json:"runId,omitempty"`
	MessageID  string          `json:"messageId,omitempty"`
	ID         string          `json:"id,omitempty"`
	Chunk      string          `json:"chunk,omitempty"`
	Delta      string          `json:"delta,omitempty"`
	Text       string          `json:"text,omitempty"`
	Content    json.RawMessage `json:"content,omitempty"`
	Message    json.RawMessage `json:"message,omitempty"`
	Role       string          `json:"role,omitempty"`
	Done       bool            `json:"done,omitempty"`
	Timestamp  int64           `json:"timestamp,omitempty"`
	TS         int64           `json:"ts,omitempty"`
	Nonce      string          `json:"nonce,omitempty"`
}

// nestedMessage is the message object some chat events wrap their text in.
type nestedMessage struct {
	ID        string          `json:"id,omitempty"`
	Role      string          `json:"role,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	Text      string          `json:"text,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// contentPart is one element of a structured content array.
type contentPart struct {
	Type string `json:"type,omitempty"`
	Text string `json:"text,omitempty"`
}

// DecodeEvent classifies an event frame into one of the known variants.
// Anything that matches no shape comes back as EventKindUnknown; callers log
// and drop those. The function is pure: timestamps are passed through as-is
// (zero when absent) so callers decide how to fill them.
func DecodeEvent(frame Frame) DecodedEvent {
	name := frame.Event

	if name == EventConnectChallenge {
		var ch ChallengePayload
		if len(frame.Payload) > 0 {
			_ = json.Unmarshal(frame.Payload, &ch)
		}
		return DecodedEvent{Kind: EventKindChallenge, Challenge: &ch}
	}
	if name == EventTick || name == "health" {
		return DecodedEvent{Kind: EventKindTick}
	}

	var p eventPayload
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return DecodedEvent{Kind: EventKindUnknown}
		}
	}

	sessionKey := firstNonEmpty(p.SessionKey, p.Key)
	if sessionKey == "" {
		sessionKey = DefaultSessionKey
	}
	messageID := firstNonEmpty(p.MessageID, p.ID, p.RunID)
	state := firstNonEmpty(p.State, p.Status)

	// Protocol v3 chat events carry an explicit state.
	if name == EventChat || name == EventAgent || strings.HasPrefix(name, EventChat+".") {
		switch state {
		case "delta":
			return DecodedEvent{Kind: EventKindStreamChunk, Chunk: &StreamChunk{
				SessionKey: sessionKey,
				MessageID:  messageID,
				Delta:      extractText(p),
				Done:       p.Done,
			}}
		case "final", "end", "aborted":
			return DecodedEvent{Kind: EventKindStreamEnd, End: &StreamEnd{
				SessionKey: sessionKey,
				MessageID:  messageID,
				Text:       extractText(p),
				Timestamp:  firstNonZero(p.Timestamp, p.TS),
			}}
		}
	}

	// Legacy fallback: classify by event name / nested payload type.
	label := strings.ToLower(firstNonEmpty(p.Type, name))
	switch {
	case strings.Contains(label, "chunk") || strings.Contains(label, "delta") || strings.Contains(label, "stream"):
		return DecodedEvent{Kind: EventKindStreamChunk, Chunk: &StreamChunk{
			SessionKey: sessionKey,
			MessageID:  messageID,
			Delta:      extractText(p),
			Done:       p.Done,
		}}
	case strings.Contains(label, "end") || strings.Contains(label, "final"):
		return DecodedEvent{Kind: EventKindStreamEnd, End: &StreamEnd{
			SessionKey: sessionKey,
			MessageID:  messageID,
			Text:       extractText(p),
			Timestamp:  firstNonZero(p.Timestamp, p.TS),
		}}
	case strings.Contains(label, "message") || label == EventChat || label == EventAgent:
		role := p.Role
		ts := firstNonZero(p.Timestamp, p.TS)
		text := extractText(p)
		id := messageID
		if len(p.Message) > 0 {
			var nm nestedMessage
			if err := json.Unmarshal(p.Message, &nm); err == nil {
				role = firstNonEmpty(role, nm.Role)
				id = firstNonEmpty(id, nm.ID)
				ts = firstNonZero(ts, nm.Timestamp)
			}
		}
		if role == "" {
			role = "assistant"
		}
		return DecodedEvent{Kind: EventKindChatMessage, Message: &ChatMessage{
			ID:         id,
			Role:       role,
			Text:       text,
			Timestamp:  ts,
			SessionKey: sessionKey,
		}}
	}

	return DecodedEvent{Kind: EventKindUnknown}
}

// extractText pulls the textual payload from whichever field carries it:
// delta, chunk, text, content (string or parts array), or the nested
// message's content.
func extractText(p eventPayload) string {
	if p.Delta != "" {
		return p.Delta
	}
	if p.Chunk != "" {
		return p.Chunk
	}
	if p.Text != "" {
		return p.Text
	}
	if s := textFromContent(p.Content); s != "" {
		return s
	}
	if len(p.Message) > 0 {
		var nm nestedMessage
		if err := json.Unmarshal(p.Message, &nm); err == nil {
			if nm.Text != "" {
				return nm.Text
			}
			return textFromContent(nm.Content)
		}
	}
	return ""
}

// textFromContent handles content as a plain string or as a parts array,
// concatenating the text parts.
func textFromContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []contentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var b strings.Builder
	for _, part := range parts {
		if part.Type == "" || part.Type == "text" {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstNonZero(vals ...int64) int64 {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}
