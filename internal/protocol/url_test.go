package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeWebSocketURL(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"ws passthrough", "ws://localhost:18789", "ws://localhost:18789", false},
		{"wss passthrough", "wss://gw.example.com/gateway", "wss://gw.example.com/gateway", false},
		{"http rewritten", "http://localhost:18789", "ws://localhost:18789", false},
		{"https rewritten", "https://gw.example.com", "wss://gw.example.com", false},
		{"bare host", "localhost:18789", "ws://localhost:18789", false},
		{"trimmed", "  ws://localhost:18789  ", "ws://localhost:18789", false},
		{"empty", "", "", true},
		{"bad scheme", "ftp://host", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeWebSocketURL(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHTTPBaseURL(t *testing.T) {
	base, err := HTTPBaseURL("ws://localhost:18789/gateway")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:18789", base)

	base, err = HTTPBaseURL("wss://gw.example.com/ws?x=1")
	require.NoError(t, err)
	assert.Equal(t, "https://gw.example.com", base)

	base, err = HTTPBaseURL("http://localhost:18789")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:18789", base)

	_, err = HTTPBaseURL("")
	assert.Error(t, err)
}

func TestOriginFor(t *testing.T) {
	assert.Equal(t, "http://localhost:18789", OriginFor("ws://localhost:18789"))
	assert.Equal(t, "https://gw.example.com", OriginFor("wss://gw.example.com/gateway"))
	assert.Equal(t, "", OriginFor(""))
}
