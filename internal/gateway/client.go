// Package gateway implements the persistent WebSocket client for the
// gateway protocol: the connect handshake, request/response correlation,
// automatic reconnection with exponential backoff, and fan-out of chat,
// stream and status events to subscribers.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	cerrors "github.com/p-blackswan/clawdeck/internal/errors"
	"github.com/p-blackswan/clawdeck/internal/identity"
	"github.com/p-blackswan/clawdeck/internal/metrics"
	"github.com/p-blackswan/clawdeck/internal/protocol"
	"github.com/p-blackswan/clawdeck/pkg/credcache"
)

// codeDisconnected is the synthetic error code used to fail in-flight
// requests when the connection drops.
const codeDisconnected = "DISCONNECTED"

// Config holds the gateway client configuration.
type Config struct {
	URL           string
	Token         string
	ClientID      string
	ClientMode    string
	ClientVersion string
	Platform      string
	Locale        string
	Scopes        []string

	CallTimeout          time.Duration
	ConnectTimeout       time.Duration
	WriteTimeout         time.Duration
	PingInterval         time.Duration
	PongTimeout          time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMaxAttempts int
	StreamIdleTimeout    time.Duration
	StreamBufferCap      int
}

// DefaultConfig returns the default gateway client configuration.
func DefaultConfig() Config {
	return Config{
		URL:                  "ws://127.0.0.1:18789",
		ClientID:             "clawdeck",
		ClientMode:           "ui",
		ClientVersion:        "dev",
		Platform:             runtime.GOOS,
		Locale:               "en-US",
		Scopes:               []string{"operator.read", "operator.write"},
		CallTimeout:          120 * time.Second,
		ConnectTimeout:       10 * time.Second,
		WriteTimeout:         10 * time.Second,
		PingInterval:         30 * time.Second,
		PongTimeout:          10 * time.Second,
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		ReconnectMaxAttempts: 10,
		StreamIdleTimeout:    5 * time.Minute,
		StreamBufferCap:      256,
	}
}

// Deps are the client's injected collaborators. Identity and Creds are
// optional: without an identity the connect request carries token auth
// only, and without a credential cache rotated tokens are not retained.
type Deps struct {
	Logger   zerolog.Logger
	Identity *identity.Identity
	Creds    credcache.Cache
	Metrics  *metrics.Metrics
}

// Status is a point-in-time connection snapshot.
type Status struct {
	Connected  bool   `json:"connected"`
	Connecting bool   `json:"connecting"`
	Error      string `json:"error,omitempty"`
	SessionKey string `json:"sessionKey,omitempty"`
}

// Client is a persistent gateway connection. All methods are safe for
// concurrent use.
type Client struct {
	cfg     Config
	logger  zerolog.Logger
	ident   *identity.Identity
	creds   credcache.Cache
	metrics *metrics.Metrics

	bus     *Bus
	streams *streamTable

	connected    atomic.Bool
	connecting   atomic.Bool
	reconnecting atomic.Bool
	closed       atomic.Bool
	seq          atomic.Uint64

	mu            sync.Mutex
	conn          *websocket.Conn
	pending       map[string]chan protocol.Frame
	attempt       int
	stopReconnect chan struct{}
	lastError     string
	activeSession string
	hello         *protocol.HelloOK

	writeMu sync.Mutex

	stopCh      chan struct{}
	janitorOnce sync.Once
}

// New creates a gateway client. Zero config fields fall back to defaults.
func New(cfg Config, deps Deps) *Client {
	def := DefaultConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.ClientID == "" {
		cfg.ClientID = def.ClientID
	}
	if cfg.ClientMode == "" {
		cfg.ClientMode = def.ClientMode
	}
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = def.ClientVersion
	}
	if cfg.Platform == "" {
		cfg.Platform = def.Platform
	}
	if cfg.Locale == "" {
		cfg.Locale = def.Locale
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = def.Scopes
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = def.PongTimeout
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = def.ReconnectBaseDelay
	}
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = def.ReconnectMaxDelay
	}
	if cfg.ReconnectMaxAttempts < 0 {
		cfg.ReconnectMaxAttempts = def.ReconnectMaxAttempts
	}
	if cfg.StreamIdleTimeout <= 0 {
		cfg.StreamIdleTimeout = def.StreamIdleTimeout
	}
	if cfg.StreamBufferCap <= 0 {
		cfg.StreamBufferCap = def.StreamBufferCap
	}

	m := deps.Metrics
	if m == nil {
		m = metrics.New()
	}
	logger := deps.Logger.With().Str("component", "gateway").Logger()

	return &Client{
		cfg:           cfg,
		logger:        logger,
		ident:         deps.Identity,
		creds:         deps.Creds,
		metrics:       m,
		bus:           NewBus(),
		streams:       newStreamTable(cfg.StreamBufferCap, logger),
		pending:       make(map[string]chan protocol.Frame),
		stopReconnect: make(chan struct{}),
		stopCh:        make(chan struct{}),
	}
}

// Bus exposes the client's subscription surface.
func (c *Client) Bus() *Bus {
	return c.bus
}

// IsConnected reports whether the handshake has completed on a live
// connection.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Status returns a connection snapshot without touching the network.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Connected:  c.connected.Load(),
		Connecting: c.connecting.Load(),
		Error:      c.lastError,
		SessionKey: c.activeSession,
	}
}

// Hello returns the handshake result from the most recent successful
// connect, or nil before the first one. The pointer is a copy; callers
// may not mutate shared state through it.
func (c *Client) Hello() *protocol.HelloOK {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hello == nil {
		return nil
	}
	h := *c.hello
	return &h
}

// Connect dials the gateway and runs the handshake. It is a no-op when
// already connected or while another connect is in flight. A successful
// handshake resets the reconnect schedule.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return cerrors.ErrAlreadyClosed
	}
	if c.connected.Load() {
		return nil
	}
	if !c.connecting.CompareAndSwap(false, true) {
		return nil
	}
	c.emitStatus()

	err := c.dial(ctx)
	if err != nil {
		c.setLastError(err.Error())
		c.connecting.Store(false)
		c.metrics.RecordConnect("error")
		c.emitStatus()
		if cerrors.IsScopeError(err) {
			c.bus.publishScopeError(err.Error())
		}
		return err
	}

	c.connecting.Store(false)
	c.connected.Store(true)
	c.metrics.RecordConnect("ok")
	c.metrics.SetConnected(true)
	c.mu.Lock()
	c.attempt = 0
	c.lastError = ""
	c.mu.Unlock()
	c.emitStatus()
	c.startJanitor()
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	wsURL, err := protocol.NormalizeWebSocketURL(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("invalid gateway url %q: %w", c.cfg.URL, err)
	}

	// Browsers pin Origin to the app's own origin; the gateway rejects
	// that, so it is rewritten to the gateway's HTTP origin.
	header := http.Header{}
	if origin := protocol.OriginFor(wsURL); origin != "" {
		header.Set("Origin", origin)
	}
	header.Set("User-Agent", c.cfg.ClientID+"/"+c.cfg.ClientVersion)

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.ConnectTimeout}
	conn, _, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return fmt.Errorf("failed to dial gateway: %w", err)
	}

	hello, err := c.handshake(ctx, conn)
	if err != nil {
		conn.Close()
		return err
	}

	if c.closed.Load() {
		conn.Close()
		return cerrors.ErrAlreadyClosed
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.PingInterval + c.cfg.PongTimeout))
	})

	connDone := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.hello = hello
	c.mu.Unlock()

	go c.readLoop(conn, connDone)
	go c.pingLoop(conn, connDone)

	ev := c.logger.Info().Str("url", wsURL).Int("protocol", hello.Protocol)
	if hello.Server != nil {
		ev = ev.Str("server", hello.Server.Name).Str("server_version", hello.Server.Version)
	}
	ev.Msg("gateway connected")
	return nil
}

// Disconnect tears the connection down and suppresses automatic
// reconnection: any pending reconnect timer is cancelled and the attempt
// counter is pinned at the ceiling so a stray timer cannot resurrect the
// link. Safe to call when already disconnected; a later Connect starts
// the schedule fresh.
func (c *Client) Disconnect() {
	c.mu.Lock()
	close(c.stopReconnect)
	c.stopReconnect = make(chan struct{})
	c.attempt = c.cfg.ReconnectMaxAttempts
	c.lastError = ""
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
		c.logger.Info().Msg("gateway disconnected")
	}

	c.connected.Store(false)
	c.metrics.SetConnected(false)
	c.emitStatus()
}

// Close disconnects and permanently shuts the client down.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.Disconnect()
	close(c.stopCh)
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn, connDone chan struct{}) {
	readWait := c.cfg.PingInterval + c.cfg.PongTimeout

	defer func() {
		close(connDone)
		conn.Close()

		c.mu.Lock()
		intentional := c.conn != conn
		if !intentional {
			c.conn = nil
		}
		pending := c.pending
		c.pending = make(map[string]chan protocol.Frame)
		c.mu.Unlock()

		c.connected.Store(false)
		c.metrics.SetConnected(false)

		for id, ch := range pending {
			ch <- protocol.Frame{
				Type:  protocol.FrameResponse,
				ID:    id,
				Error: &protocol.ErrorShape{Code: codeDisconnected, Message: "connection lost"},
			}
		}

		if intentional || c.closed.Load() {
			return
		}
		c.setLastError("connection lost")
		c.emitStatus()
		c.scheduleReconnect()
	}()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(readWait)); err != nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn().Err(err).Msg("gateway connection lost")
			}
			return
		}

		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}

		switch frame.Type {
		case protocol.FrameResponse:
			c.dispatchResponse(frame)
		case protocol.FrameEvent:
			c.dispatchEvent(frame)
		default:
			c.logger.Debug().Str("type", frame.Type).Msg("ignoring unexpected frame type")
		}
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, connDone chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug().Err(err).Msg("ping failed, closing connection")
				conn.Close()
				return
			}
		case <-connDone:
			return
		case <-c.stopCh:
			return
		}
	}
}

// dispatchResponse routes a res frame to the waiting call. Responses with
// no pending entry (late arrivals after a timeout, or ids we never issued)
// are dropped.
func (c *Client) dispatchResponse(frame protocol.Frame) {
	c.mu.Lock()
	ch, ok := c.pending[frame.ID]
	if ok {
		delete(c.pending, frame.ID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug().Str("id", frame.ID).Msg("dropping response with no pending request")
		return
	}
	ch <- frame
}

func (c *Client) dispatchEvent(frame protocol.Frame) {
	ev := protocol.DecodeEvent(frame)
	c.metrics.RecordEvent(ev.Kind.String())

	switch ev.Kind {
	case protocol.EventKindChallenge:
		// The handshake consumes its challenge before the read loop
		// starts; one arriving here is stale.
		c.logger.Debug().Msg("ignoring challenge outside handshake")
	case protocol.EventKindTick:
		// Keepalive only.
	case protocol.EventKindStreamChunk:
		c.handleStreamChunk(ev.Chunk)
	case protocol.EventKindStreamEnd:
		c.handleStreamEnd(ev.End)
	case protocol.EventKindChatMessage:
		c.handleChatMessage(*ev.Message)
	default:
		c.logger.Debug().Str("event", frame.Event).Msg("dropping unrecognized event")
	}
}

func (c *Client) handleStreamChunk(chunk *protocol.StreamChunk) {
	key := chunk.MessageID
	if key == "" {
		key = chunk.SessionKey
	}

	if chunk.Delta != "" {
		accumulated, ok := c.streams.append(key, chunk.SessionKey, chunk.Delta)
		if !ok {
			c.logger.Debug().Str("stream", key).Msg("dropping chunk for finished stream")
			return
		}
		c.bus.publishStreamChunk(key, accumulated)
	}
	if chunk.Done {
		c.streams.finish(key)
	}
	c.metrics.SetStreamBuffers(float64(c.streams.len()))
}

func (c *Client) handleStreamEnd(end *protocol.StreamEnd) {
	key := end.MessageID
	if key == "" {
		key = end.SessionKey
	}

	accumulated, _ := c.streams.finish(key)
	c.metrics.SetStreamBuffers(float64(c.streams.len()))

	text := end.Text
	if text == "" {
		text = accumulated
	}
	ts := end.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}

	c.bus.publishStreamEnd(protocol.ChatMessage{
		ID:         key,
		Role:       "assistant",
		Text:       text,
		Timestamp:  ts,
		SessionKey: end.SessionKey,
	})
}

func (c *Client) handleChatMessage(msg protocol.ChatMessage) {
	if strings.TrimSpace(msg.Text) == "" {
		c.logger.Debug().Str("session", msg.SessionKey).Msg("dropping chat message with no text")
		return
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	c.bus.publishMessage(msg)
	c.bus.publishNotification(msg.Text)
}

func (c *Client) writeFrame(conn *websocket.Conn, frame protocol.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// nextRequestID returns a correlation id unique within this process:
// a monotonic sequence number plus the current epoch millis.
func (c *Client) nextRequestID() string {
	return fmt.Sprintf("req-%d-%d", c.seq.Add(1), time.Now().UnixMilli())
}

func (c *Client) removePending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) setLastError(msg string) {
	c.mu.Lock()
	c.lastError = msg
	c.mu.Unlock()
}

func (c *Client) emitStatus() {
	c.bus.publishStatus(c.Status())
}

func (c *Client) startJanitor() {
	c.janitorOnce.Do(func() {
		go c.janitorLoop()
	})
}

// janitorLoop sweeps stream buffers whose replies stopped arriving, so an
// interrupted stream cannot pin memory until process exit.
func (c *Client) janitorLoop() {
	interval := c.cfg.StreamIdleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := c.streams.sweepIdle(time.Now().Add(-c.cfg.StreamIdleTimeout)); n > 0 {
				c.logger.Info().Int("dropped", n).Msg("swept idle stream buffers")
				c.metrics.SetStreamBuffers(float64(c.streams.len()))
			}
		case <-c.stopCh:
			return
		}
	}
}
