package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameSucceeded(t *testing.T) {
	var f Frame
	require.NoError(t, json.Unmarshal([]byte(`{"type":"res","id":"1"}`), &f))
	assert.True(t, f.Succeeded(), "missing ok counts as success")

	require.NoError(t, json.Unmarshal([]byte(`{"type":"res","id":"2","ok":true}`), &f))
	assert.True(t, f.Succeeded())

	require.NoError(t, json.Unmarshal([]byte(`{"type":"res","id":"3","ok":false}`), &f))
	assert.False(t, f.Succeeded())
}

func TestFrameRoundTrip(t *testing.T) {
	params, err := json.Marshal(ChatSendParams{
		SessionKey:     DefaultSessionKey,
		Message:        "hello",
		IdempotencyKey: "idem-1",
	})
	require.NoError(t, err)

	f := Frame{Type: FrameRequest, ID: "req-1-100", Method: MethodChatSend, Params: params}
	data, err := json.Marshal(f)
	require.NoError(t, err)

	var back Frame
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, FrameRequest, back.Type)
	assert.Equal(t, MethodChatSend, back.Method)

	var p ChatSendParams
	require.NoError(t, json.Unmarshal(back.Params, &p))
	assert.Equal(t, "hello", p.Message)
	assert.Equal(t, "idem-1", p.IdempotencyKey)
}

func TestErrorShapeDecode(t *testing.T) {
	var f Frame
	raw := `{"type":"res","id":"4","ok":false,"error":{"code":"NOT_AUTHORIZED","message":"missing scope operator.write","retryable":false}}`
	require.NoError(t, json.Unmarshal([]byte(raw), &f))
	require.NotNil(t, f.Error)
	assert.Equal(t, CodeNotAuthorized, f.Error.Code)
	assert.Contains(t, f.Error.Message, "operator.write")
	assert.False(t, f.Error.Retryable)
}
