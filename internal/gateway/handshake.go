package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/p-blackswan/clawdeck/internal/auth"
	cerrors "github.com/p-blackswan/clawdeck/internal/errors"
	"github.com/p-blackswan/clawdeck/internal/protocol"
	"github.com/p-blackswan/clawdeck/pkg/credcache"
)

// protocolVersion is the only gateway protocol revision this client
// speaks; it is offered as both minProtocol and maxProtocol.
const protocolVersion = 3

// handshake runs the connect exchange on a freshly dialed socket: consume
// the gateway's challenge, send the connect request, and wait for its
// response. The read loop is not running yet, so all reads happen inline;
// unrelated events arriving mid-handshake are skipped.
func (c *Client) handshake(ctx context.Context, conn *websocket.Conn) (*protocol.HelloOK, error) {
	deadline := time.Now().Add(c.cfg.ConnectTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	nonce, err := c.awaitChallenge(conn, deadline)
	if err != nil {
		return nil, err
	}

	params := c.buildConnectParams(ctx, nonce)
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal connect params: %w", err)
	}

	id := c.nextRequestID()
	req := protocol.Frame{
		Type:   protocol.FrameRequest,
		ID:     id,
		Method: protocol.MethodConnect,
		Params: raw,
	}
	if err := c.writeFrame(conn, req); err != nil {
		return nil, fmt.Errorf("failed to send connect request: %w", err)
	}

	resp, err := c.awaitResponse(conn, id, deadline)
	if err != nil {
		return nil, err
	}

	hello, err := evaluateHello(resp)
	if err != nil {
		return nil, err
	}

	c.cacheRotatedToken(ctx, hello)
	return hello, nil
}

// awaitChallenge reads frames until the gateway's connect.challenge
// arrives and returns its nonce. The gateway emits the challenge as soon
// as the socket opens; not seeing one before the deadline fails the
// handshake.
func (c *Client) awaitChallenge(conn *websocket.Conn, deadline time.Time) (string, error) {
	for {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return "", fmt.Errorf("failed to arm read deadline: %w", err)
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return "", fmt.Errorf("failed to read challenge: %w", err)
		}

		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		if frame.Type != protocol.FrameEvent {
			continue
		}
		ev := protocol.DecodeEvent(frame)
		if ev.Kind == protocol.EventKindChallenge && ev.Challenge != nil {
			return ev.Challenge.Nonce, nil
		}
	}
}

// awaitResponse reads frames until the response matching id arrives.
func (c *Client) awaitResponse(conn *websocket.Conn, id string, deadline time.Time) (protocol.Frame, error) {
	for {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return protocol.Frame{}, fmt.Errorf("failed to arm read deadline: %w", err)
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return protocol.Frame{}, fmt.Errorf("failed to read connect response: %w", err)
		}

		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		if frame.Type == protocol.FrameResponse && frame.ID == id {
			return frame, nil
		}
	}
}

func (c *Client) buildConnectParams(ctx context.Context, nonce string) *protocol.ConnectParams {
	var signer auth.Signer
	var deviceID string
	if c.ident != nil {
		signer = c.ident
		deviceID = c.ident.DeviceID
	}

	authBlock := auth.Build(signer, auth.Request{
		DeviceID:   deviceID,
		ClientID:   c.cfg.ClientID,
		ClientMode: c.cfg.ClientMode,
		Role:       "operator",
		Scopes:     c.cfg.Scopes,
		Token:      c.resolveToken(ctx),
		Nonce:      nonce,
		SignedAt:   time.Now(),
	})

	return &protocol.ConnectParams{
		MinProtocol: protocolVersion,
		MaxProtocol: protocolVersion,
		Client: protocol.ClientInfo{
			ID:       c.cfg.ClientID,
			Version:  c.cfg.ClientVersion,
			Platform: c.cfg.Platform,
			Mode:     c.cfg.ClientMode,
		},
		Role:        "operator",
		Scopes:      c.cfg.Scopes,
		Caps:        []string{"streaming"},
		Commands:    []string{},
		Permissions: map[string]bool{},
		Auth:        authBlock,
		Locale:      c.cfg.Locale,
		UserAgent:   c.cfg.ClientID + "/" + c.cfg.ClientVersion,
	}
}

// resolveToken prefers a cached credential (a pairing grant or a token the
// gateway rotated on a previous connect) over the configured one.
func (c *Client) resolveToken(ctx context.Context) string {
	if c.creds != nil {
		if cred, err := c.creds.Get(ctx, credcache.KeyGateway); err == nil && cred.Token != "" {
			return cred.Token
		}
	}
	return c.cfg.Token
}

// cacheRotatedToken retains a device token issued in the hello payload so
// the next connect presents it instead of the stale one.
func (c *Client) cacheRotatedToken(ctx context.Context, hello *protocol.HelloOK) {
	if c.creds == nil || hello.Auth == nil || hello.Auth.DeviceToken == "" {
		return
	}
	if err := c.creds.Put(ctx, credcache.KeyGateway, hello.Auth.DeviceToken, credcache.SourceRotated, 0); err != nil {
		c.logger.Warn().Err(err).Msg("failed to cache rotated device token")
	}
}

// evaluateHello applies the handshake acceptance rule: the response must
// not carry ok=false AND its payload type must be hello-ok. Anything else
// is a failure, surfaced with the most specific message available.
func evaluateHello(frame protocol.Frame) (*protocol.HelloOK, error) {
	if frame.Succeeded() && len(frame.Payload) > 0 {
		var hello protocol.HelloOK
		if err := json.Unmarshal(frame.Payload, &hello); err == nil && hello.Type == protocol.HelloOKType {
			return &hello, nil
		}
	}

	msg := helloFailureMessage(frame)
	if frame.Error != nil && frame.Error.Code == protocol.CodeNotAuthorized {
		return nil, fmt.Errorf("%w: %s", cerrors.ErrNotAuthorized, msg)
	}
	return nil, fmt.Errorf("%w: %s", cerrors.ErrHandshakeFailed, msg)
}

// helloFailureMessage extracts a human-readable reason from a failed
// connect response: the error message, then a payload-level error string,
// then the raw frame.
func helloFailureMessage(frame protocol.Frame) string {
	if frame.Error != nil && frame.Error.Message != "" {
		return frame.Error.Message
	}
	if len(frame.Payload) > 0 {
		var p struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(frame.Payload, &p); err == nil && p.Error != "" {
			return p.Error
		}
	}
	raw, err := json.Marshal(frame)
	if err != nil {
		return "connect failed"
	}
	return string(raw)
}
