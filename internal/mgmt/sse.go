package mgmt

import (
	"bufio"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"

	"github.com/p-blackswan/clawdeck/internal/gateway"
	"github.com/p-blackswan/clawdeck/internal/protocol"
)

// EventSource is the bus surface the event stream subscribes to.
// *gateway.Bus satisfies it.
type EventSource interface {
	OnMessage(fn func(protocol.ChatMessage)) gateway.UnsubscribeFunc
	OnStreamChunk(fn func(messageID, accumulated string)) gateway.UnsubscribeFunc
	OnStreamEnd(fn func(protocol.ChatMessage)) gateway.UnsubscribeFunc
	OnStatusChange(fn func(gateway.Status)) gateway.UnsubscribeFunc
	OnNotification(fn func(text string)) gateway.UnsubscribeFunc
	OnScopeError(fn func(msg string)) gateway.UnsubscribeFunc
}

const (
	sseQueueLen          = 64
	sseKeepaliveInterval = 15 * time.Second
)

type sseEvent struct {
	name    string
	payload any
}

// streamChunkEvent carries the accumulated text of an in-flight reply.
type streamChunkEvent struct {
	MessageID string `json:"messageId"`
	Text      string `json:"text"`
}

type textEvent struct {
	Text string `json:"text"`
}

// Events handles GET /api/v1/events: a server-sent event stream of bus
// activity. Each subscriber gets a bounded queue; a consumer that
// cannot keep up loses events rather than stalling the bus. The first
// event is always the current connection status so late joiners do not
// start blind.
func (h *Handlers) Events(c *fiber.Ctx) error {
	if h.bus == nil {
		return problemResponse(c, fiber.StatusServiceUnavailable,
			"events_unavailable", "Service Unavailable",
			"Event stream is not available")
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	queue := make(chan sseEvent, sseQueueLen)
	push := func(name string, payload any) {
		select {
		case queue <- sseEvent{name: name, payload: payload}:
		default:
		}
	}

	push("status", h.gw.Status())

	unsubs := []gateway.UnsubscribeFunc{
		h.bus.OnMessage(func(msg protocol.ChatMessage) {
			push("message", msg)
		}),
		h.bus.OnStreamChunk(func(messageID, accumulated string) {
			push("stream-chunk", streamChunkEvent{MessageID: messageID, Text: accumulated})
		}),
		h.bus.OnStreamEnd(func(msg protocol.ChatMessage) {
			push("stream-end", msg)
		}),
		h.bus.OnStatusChange(func(st gateway.Status) {
			push("status", st)
		}),
		h.bus.OnNotification(func(text string) {
			push("notification", textEvent{Text: text})
		}),
		h.bus.OnScopeError(func(msg string) {
			push("scope-error", textEvent{Text: msg})
		}),
	}

	logger := h.logger.With().Str("remote", c.IP()).Logger()
	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer func() {
			for _, unsub := range unsubs {
				unsub()
			}
			logger.Debug().Msg("event stream closed")
		}()
		logger.Debug().Msg("event stream opened")

		keepalive := time.NewTicker(sseKeepaliveInterval)
		defer keepalive.Stop()

		for {
			select {
			case ev := <-queue:
				if err := writeSSE(w, ev); err != nil {
					return
				}
			case <-keepalive.C:
				if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}
			}
		}
	}))
	return nil
}

func writeSSE(w *bufio.Writer, ev sseEvent) error {
	data, err := json.Marshal(ev.payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.name, data); err != nil {
		return err
	}
	return w.Flush()
}
