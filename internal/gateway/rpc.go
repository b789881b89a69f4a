package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	cerrors "github.com/p-blackswan/clawdeck/internal/errors"
	"github.com/p-blackswan/clawdeck/internal/protocol"
)

// sessionPreviewLimit keeps sessions.list responses light; the session
// list only needs a snippet per session.
const sessionPreviewLimit = 1

// defaultHistoryLimit bounds sessions.history when the caller passes no
// limit of its own.
const defaultHistoryLimit = 50

// Call performs one request/response round trip. It fails immediately
// with ErrNotConnected when the link is down; requests are never queued
// for later. The call resolves when the matching response arrives, or
// fails on timeout, context cancellation, or connection loss.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, cerrors.ErrAlreadyClosed
	}
	if !c.connected.Load() {
		return nil, cerrors.ErrNotConnected
	}

	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s params: %w", method, err)
		}
		raw = data
	}

	id := c.nextRequestID()
	respCh := make(chan protocol.Frame, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, cerrors.ErrNotConnected
	}
	c.pending[id] = respCh
	c.mu.Unlock()

	start := time.Now()
	req := protocol.Frame{
		Type:   protocol.FrameRequest,
		ID:     id,
		Method: method,
		Params: raw,
	}
	if err := c.writeFrame(conn, req); err != nil {
		c.removePending(id)
		c.metrics.RecordRPC(method, "error")
		return nil, fmt.Errorf("failed to send %s request: %w", method, err)
	}

	timer := time.NewTimer(c.cfg.CallTimeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		c.metrics.ObserveRPCDuration(method, time.Since(start).Seconds())
		return c.finishCall(method, resp)
	case <-timer.C:
		c.removePending(id)
		c.metrics.RecordRPC(method, "timeout")
		return nil, fmt.Errorf("%w: %s after %s", cerrors.ErrTimeout, method, c.cfg.CallTimeout)
	case <-ctx.Done():
		c.removePending(id)
		c.metrics.RecordRPC(method, "canceled")
		return nil, ctx.Err()
	}
}

// finishCall turns a response frame into the call's result. Success means
// ok is absent or true; the result is the payload, or the whole frame
// when the gateway sent none.
func (c *Client) finishCall(method string, resp protocol.Frame) (json.RawMessage, error) {
	if resp.Error != nil && resp.Error.Code == codeDisconnected {
		c.metrics.RecordRPC(method, "disconnected")
		return nil, cerrors.ErrDisconnected
	}

	if !resp.Succeeded() || resp.Error != nil {
		var code, msg string
		var retryable bool
		if resp.Error != nil {
			code = resp.Error.Code
			msg = resp.Error.Message
			retryable = resp.Error.Retryable
		}
		rpcErr := cerrors.NewRPCError(code, msg, retryable)
		c.metrics.RecordRPC(method, "error")
		if cerrors.IsScopeError(rpcErr) {
			c.bus.publishScopeError(rpcErr.Error())
		}
		return nil, rpcErr
	}

	c.metrics.RecordRPC(method, "ok")
	if len(resp.Payload) > 0 {
		return resp.Payload, nil
	}
	whole, err := json.Marshal(resp)
	if err != nil {
		return json.RawMessage(`{}`), nil
	}
	return whole, nil
}

// SendMessage submits a chat message, with optional attachments, to a
// session. Every send carries a fresh idempotency key so the gateway can
// dedupe a retried request.
func (c *Client) SendMessage(ctx context.Context, sessionKey, text string, attachments []protocol.Attachment) (*protocol.ChatSendResult, error) {
	if sessionKey == "" {
		sessionKey = protocol.DefaultSessionKey
	}

	params := protocol.ChatSendParams{
		SessionKey:     sessionKey,
		Message:        text,
		IdempotencyKey: uuid.New().String(),
		Attachments:    attachments,
	}
	payload, err := c.Call(ctx, protocol.MethodChatSend, params)
	if err != nil {
		return nil, err
	}

	var result protocol.ChatSendResult
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &result); err != nil {
			return nil, fmt.Errorf("failed to decode chat.send result: %w", err)
		}
	}

	c.mu.Lock()
	c.activeSession = sessionKey
	c.mu.Unlock()
	return &result, nil
}

// Sessions lists the gateway's sessions with a one-message preview each.
func (c *Client) Sessions(ctx context.Context) ([]protocol.SessionEntry, error) {
	params := protocol.SessionsListParams{MessageLimit: sessionPreviewLimit}
	payload, err := c.Call(ctx, protocol.MethodSessionsList, params)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeSessions(payload)
}

// History fetches a session's recent messages, tool traffic excluded.
// A non-positive limit falls back to the default.
func (c *Client) History(ctx context.Context, sessionKey string, limit int) ([]protocol.ChatMessage, error) {
	if sessionKey == "" {
		sessionKey = protocol.DefaultSessionKey
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	params := protocol.SessionsHistoryParams{
		SessionKey:   sessionKey,
		Limit:        limit,
		IncludeTools: false,
	}
	payload, err := c.Call(ctx, protocol.MethodSessionsHistory, params)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeMessages(payload, sessionKey)
}
