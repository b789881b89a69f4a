package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/p-blackswan/clawdeck/internal/errors"
	"github.com/p-blackswan/clawdeck/internal/protocol"
)

func TestNextReconnectDelay(t *testing.T) {
	base := time.Second
	max := 30 * time.Second

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{6, 30 * time.Second},
		{9, 30 * time.Second},
		{40, 30 * time.Second}, // shift guard
	}
	for _, tt := range tests {
		got := nextReconnectDelay(base, max, tt.attempt)
		assert.Equal(t, tt.want, got, "attempt %d", tt.attempt)
	}

	assert.Equal(t, time.Second, nextReconnectDelay(0, max, 0), "zero base falls back")
}

func TestClient_ReconnectAfterConnectionLoss(t *testing.T) {
	mg := newMockGateway(t)
	c := newTestClient(t, mg)

	require.NoError(t, c.Connect(context.Background()))
	require.Equal(t, 1, mg.dialCount())

	mg.closeConns()

	require.Eventually(t, func() bool {
		return c.IsConnected() && mg.dialCount() >= 2
	}, 2*time.Second, 10*time.Millisecond, "client should redial after losing the connection")

	// A fresh connection serves RPCs again.
	_, err := c.Sessions(context.Background())
	assert.NoError(t, err)
}

func TestClient_ReconnectResetsAttemptCounter(t *testing.T) {
	mg := newMockGateway(t)
	c := newTestClient(t, mg)

	require.NoError(t, c.Connect(context.Background()))
	mg.closeConns()
	require.Eventually(t, c.IsConnected, 2*time.Second, 10*time.Millisecond)

	c.mu.Lock()
	attempt := c.attempt
	c.mu.Unlock()
	assert.Equal(t, 0, attempt, "successful handshake must reset the schedule")
}

func TestClient_ReconnectPreservesSubscribers(t *testing.T) {
	mg := newMockGateway(t)
	c := newTestClient(t, mg)

	msgCh := make(chan protocol.ChatMessage, 1)
	c.Bus().OnMessage(func(m protocol.ChatMessage) { msgCh <- m })

	require.NoError(t, c.Connect(context.Background()))
	mg.closeConns()
	require.Eventually(t, func() bool {
		return c.IsConnected() && mg.dialCount() >= 2
	}, 2*time.Second, 10*time.Millisecond)

	// An event on the second connection still reaches the subscriber.
	mg.send(mg.firstConn(), protocol.Frame{
		Type:  protocol.FrameEvent,
		Event: "chat.message",
		Payload: jsonRaw(t, map[string]any{
			"message": mockChatMessage{Role: "assistant", Content: []mockContentPart{{Type: "text", Text: "still here"}}},
		}),
	})

	select {
	case m := <-msgCh:
		assert.Equal(t, "still here", m.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber lost across reconnect")
	}
}

func TestClient_DisconnectStopsReconnect(t *testing.T) {
	mg := newMockGateway(t)
	cfg := testConfig(mg.url())
	cfg.ReconnectBaseDelay = 30 * time.Millisecond
	c := New(cfg, Deps{Logger: zerolog.Nop()})
	t.Cleanup(func() { c.Close() })

	require.NoError(t, c.Connect(context.Background()))
	c.Disconnect()

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, mg.dialCount(), "no redial after an explicit disconnect")
	assert.False(t, c.IsConnected())

	// Safe to call again while already disconnected.
	c.Disconnect()
}

func TestClient_DisconnectCancelsPendingTimer(t *testing.T) {
	mg := newMockGateway(t)
	cfg := testConfig(mg.url())
	cfg.ReconnectBaseDelay = 200 * time.Millisecond
	c := New(cfg, Deps{Logger: zerolog.Nop()})
	t.Cleanup(func() { c.Close() })

	require.NoError(t, c.Connect(context.Background()))

	// Lose the connection so a reconnect timer is armed, then disconnect
	// before it fires.
	mg.closeConns()
	require.Eventually(t, func() bool {
		return c.reconnecting.Load()
	}, time.Second, 5*time.Millisecond, "a reconnect should be scheduled")

	c.Disconnect()
	time.Sleep(500 * time.Millisecond)

	assert.Equal(t, 1, mg.dialCount(), "the cancelled timer must not redial")
	assert.False(t, c.IsConnected())
	assert.False(t, c.reconnecting.Load())
}

func TestClient_DisconnectRejectsInFlightCalls(t *testing.T) {
	mg := newMockGateway(t)
	mg.setHandler(func(mg *mockGateway, conn *websocket.Conn, frame protocol.Frame) bool {
		return frame.Method == "hang.test" // swallow, never answer
	})
	c := newTestClient(t, mg)
	require.NoError(t, c.Connect(context.Background()))

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "hang.test", nil)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	c.Disconnect()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, cerrors.ErrDisconnected)
	case <-time.After(time.Second):
		t.Fatal("in-flight call not rejected on disconnect")
	}
}

func TestClient_ConnectionLossRejectsInFlightCalls(t *testing.T) {
	mg := newMockGateway(t)
	mg.setHandler(func(mg *mockGateway, conn *websocket.Conn, frame protocol.Frame) bool {
		return frame.Method == "hang.test"
	})
	c := newTestClient(t, mg)
	require.NoError(t, c.Connect(context.Background()))

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "hang.test", nil)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	mg.closeConns()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, cerrors.ErrDisconnected)
	case <-time.After(time.Second):
		t.Fatal("in-flight call not rejected on connection loss")
	}
}

func TestClient_ReconnectGivesUpAtCeiling(t *testing.T) {
	mg := newMockGateway(t)
	cfg := testConfig(mg.url())
	cfg.ReconnectBaseDelay = 10 * time.Millisecond
	cfg.ReconnectMaxDelay = 20 * time.Millisecond
	cfg.ReconnectMaxAttempts = 2
	c := New(cfg, Deps{Logger: zerolog.Nop()})
	t.Cleanup(func() { c.Close() })

	require.NoError(t, c.Connect(context.Background()))

	// Take the whole server down so every redial fails.
	mg.close()

	require.Eventually(t, func() bool {
		c.mu.Lock()
		attempt := c.attempt
		c.mu.Unlock()
		return attempt >= cfg.ReconnectMaxAttempts && !c.reconnecting.Load()
	}, 3*time.Second, 10*time.Millisecond, "schedule should stop at the ceiling")

	assert.False(t, c.IsConnected())
	assert.False(t, c.Status().Connecting)
}

func TestClient_ManualConnectAfterGiveUp(t *testing.T) {
	mg := newMockGateway(t)
	cfg := testConfig(mg.url())
	cfg.ReconnectMaxAttempts = 0 // any loss gives up immediately
	c := New(cfg, Deps{Logger: zerolog.Nop()})
	t.Cleanup(func() { c.Close() })

	require.NoError(t, c.Connect(context.Background()))
	mg.closeConns()

	require.Eventually(t, func() bool {
		return !c.IsConnected() && !c.reconnecting.Load()
	}, time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, mg.dialCount(), "no automatic redial with a zero ceiling")

	// An explicit Connect starts over and re-arms the schedule.
	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.IsConnected())
	assert.Equal(t, 2, mg.dialCount())
}

func TestClient_CloseIsTerminal(t *testing.T) {
	mg := newMockGateway(t)
	c := New(testConfig(mg.url()), Deps{Logger: zerolog.Nop()})

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close(), "closing twice is a no-op")

	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, cerrors.ErrAlreadyClosed)

	_, err = c.Call(context.Background(), protocol.MethodSessionsList, nil)
	assert.ErrorIs(t, err, cerrors.ErrAlreadyClosed)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, mg.dialCount(), "no redial after close")
}
