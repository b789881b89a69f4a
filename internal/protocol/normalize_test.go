package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeSessions_Wrapped(t *testing.T) {
	raw := json.RawMessage(`{"sessions":[
		{"key":"agent:main:main","label":"Main","messageCount":12,"updatedAt":1712,"totalTokens":900,"contextTokens":200000},
		{"sessionKey":"agent:main:dev","model":"claws-4"}
	]}`)

	sessions, err := DecodeSessions(raw)
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	assert.Equal(t, "agent:main:main", sessions[0].Key)
	assert.Equal(t, "Main", sessions[0].Label)
	assert.Equal(t, 12, sessions[0].MessageCount)
	assert.Equal(t, int64(900), sessions[0].TokensUsed)
	assert.Equal(t, int64(200000), sessions[0].TokenCapacity)

	assert.Equal(t, "agent:main:dev", sessions[1].Key)
	assert.Equal(t, "agent:main:dev", sessions[1].Label, "label falls back to key")
	assert.Equal(t, "claws-4", sessions[1].Model)
}

func TestDecodeSessions_BareArray(t *testing.T) {
	sessions, err := DecodeSessions(json.RawMessage(`[{"key":"agent:a:b"}]`))
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "agent:a:b", sessions[0].Key)
}

func TestDecodeSessions_MissingKeyGetsDefault(t *testing.T) {
	sessions, err := DecodeSessions(json.RawMessage(`[{"label":"anon"}]`))
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, DefaultSessionKey, sessions[0].Key)
}

func TestDecodeSessions_Invalid(t *testing.T) {
	_, err := DecodeSessions(json.RawMessage(`"nope"`))
	assert.Error(t, err)

	sessions, err := DecodeSessions(nil)
	assert.NoError(t, err)
	assert.Nil(t, sessions)
}

func TestDecodeMessages_Wrapped(t *testing.T) {
	raw := json.RawMessage(`{"messages":[
		{"id":"m1","role":"user","text":"hi","timestamp":10},
		{"id":"m2","content":[{"type":"text","text":"well "},{"type":"text","text":"hello"}],"ts":20}
	]}`)

	msgs, err := DecodeMessages(raw, "agent:main:main")
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "hi", msgs[0].Text)
	assert.Equal(t, int64(10), msgs[0].Timestamp)
	assert.Equal(t, "agent:main:main", msgs[0].SessionKey)

	assert.Equal(t, "assistant", msgs[1].Role, "role defaults to assistant")
	assert.Equal(t, "well hello", msgs[1].Text)
	assert.Equal(t, int64(20), msgs[1].Timestamp)
}

func TestDecodeMessages_BareArrayAndKeyFallback(t *testing.T) {
	msgs, err := DecodeMessages(json.RawMessage(`[{"text":"x"}]`), "")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, DefaultSessionKey, msgs[0].SessionKey)
}

func TestDecodeMessages_ExplicitSessionKeyWins(t *testing.T) {
	msgs, err := DecodeMessages(json.RawMessage(`[{"text":"x","sessionKey":"agent:z:z"}]`), "agent:main:main")
	require.NoError(t, err)
	assert.Equal(t, "agent:z:z", msgs[0].SessionKey)
}

func TestSessionKeyFor(t *testing.T) {
	assert.Equal(t, "agent:main:main", SessionKeyFor("main", "main"))
	assert.Equal(t, "agent:ops:standup", SessionKeyFor("ops", "standup"))
}
