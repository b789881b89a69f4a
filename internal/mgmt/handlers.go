package mgmt

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	cerrors "github.com/p-blackswan/clawdeck/internal/errors"
	"github.com/p-blackswan/clawdeck/internal/gateway"
	"github.com/p-blackswan/clawdeck/internal/health"
	"github.com/p-blackswan/clawdeck/internal/pairing"
	"github.com/p-blackswan/clawdeck/internal/protocol"
	"github.com/p-blackswan/clawdeck/internal/update"
)

// GatewayAPI is the slice of the gateway client the handlers call.
type GatewayAPI interface {
	Status() gateway.Status
	Hello() *protocol.HelloOK
	SendMessage(ctx context.Context, sessionKey, text string, attachments []protocol.Attachment) (*protocol.ChatSendResult, error)
	Sessions(ctx context.Context) ([]protocol.SessionEntry, error)
	History(ctx context.Context, sessionKey string, limit int) ([]protocol.ChatMessage, error)
}

// PairingAPI drives the device pairing flow.
type PairingAPI interface {
	Snapshot() pairing.Snapshot
	Start(ctx context.Context) error
	EnterToken(ctx context.Context, token string) error
	Cancel()
}

// UpdateAPI reports the most recent release check.
type UpdateAPI interface {
	Info() update.Info
}

// Handlers holds dependencies for HTTP handlers. Pairing and update
// backends are optional; endpoints that need an absent one return 503.
type Handlers struct {
	gw        GatewayAPI
	bus       EventSource
	pair      PairingAPI
	update    UpdateAPI
	checker   *health.Checker
	logger    zerolog.Logger
	version   string
	startTime time.Time
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(gw GatewayAPI, bus EventSource, pair PairingAPI, upd UpdateAPI, checker *health.Checker, version string, logger zerolog.Logger) *Handlers {
	return &Handlers{
		gw:        gw,
		bus:       bus,
		pair:      pair,
		update:    upd,
		checker:   checker,
		logger:    logger.With().Str("component", "handlers").Logger(),
		version:   version,
		startTime: time.Now(),
	}
}

// Status handles GET /api/v1/status.
func (h *Handlers) Status(c *fiber.Ctx) error {
	st := h.gw.Status()
	resp := StatusResponse{
		Connected:  st.Connected,
		Connecting: st.Connecting,
		Error:      st.Error,
		SessionKey: st.SessionKey,
		Version:    h.version,
		Uptime:     h.uptime(),
	}

	if hello := h.gw.Hello(); hello != nil {
		detail := &ServerDetail{Protocol: hello.Protocol}
		if hello.Server != nil {
			detail.Name = hello.Server.Name
			detail.Version = hello.Server.Version
			detail.ConnID = hello.Server.ConnID
		}
		if hello.Auth != nil {
			detail.Role = hello.Auth.Role
			detail.Scopes = hello.Auth.Scopes
		}
		resp.Server = detail
	}
	if h.pair != nil {
		snap := h.pair.Snapshot()
		resp.Pairing = &snap
	}
	if h.update != nil {
		info := h.update.Info()
		resp.Update = &info
	}

	return c.JSON(resp)
}

// Chat handles POST /api/v1/chat.
func (h *Handlers) Chat(c *fiber.Ctx) error {
	var req ChatRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Invalid request body: "+err.Error())
	}

	if strings.TrimSpace(req.Message) == "" {
		return problemResponse(c, fiber.StatusBadRequest,
			"missing_message", "Bad Request",
			"Message is required")
	}

	result, err := h.gw.SendMessage(c.UserContext(), req.SessionKey, req.Message, req.Attachments)
	if err != nil {
		return gatewayProblem(c, err)
	}

	resp := ChatResponse{SessionKey: req.SessionKey}
	if resp.SessionKey == "" {
		resp.SessionKey = protocol.DefaultSessionKey
	}
	if result != nil {
		resp.RunID = result.RunID
		resp.Status = result.Status
	}
	return c.Status(fiber.StatusAccepted).JSON(resp)
}

// ListSessions handles GET /api/v1/sessions.
func (h *Handlers) ListSessions(c *fiber.Ctx) error {
	sessions, err := h.gw.Sessions(c.UserContext())
	if err != nil {
		return gatewayProblem(c, err)
	}
	if sessions == nil {
		sessions = []protocol.SessionEntry{}
	}
	return c.JSON(SessionsResponse{Sessions: sessions, Total: len(sessions)})
}

// SessionHistory handles GET /api/v1/sessions/:key/history.
func (h *Handlers) SessionHistory(c *fiber.Ctx) error {
	key := c.Params("key")
	if key == "" {
		return problemResponse(c, fiber.StatusBadRequest,
			"missing_session", "Bad Request",
			"Session key is required")
	}

	limit := c.QueryInt("limit", 0)
	messages, err := h.gw.History(c.UserContext(), key, limit)
	if err != nil {
		return gatewayProblem(c, err)
	}
	if messages == nil {
		messages = []protocol.ChatMessage{}
	}
	return c.JSON(HistoryResponse{SessionKey: key, Messages: messages, Total: len(messages)})
}

// StartPairing handles POST /api/v1/pair.
func (h *Handlers) StartPairing(c *fiber.Ctx) error {
	if h.pair == nil {
		return pairingUnavailable(c)
	}
	if err := h.pair.Start(c.UserContext()); err != nil {
		if errors.Is(err, cerrors.ErrAlreadyClosed) {
			return problemResponse(c, fiber.StatusConflict,
				"pairing_closed", "Conflict",
				"Pairing flow is shut down")
		}
		return problemResponse(c, fiber.StatusInternalServerError,
			"pairing_failed", "Internal Server Error", err.Error())
	}
	return c.Status(fiber.StatusAccepted).JSON(h.pair.Snapshot())
}

// PairingStatus handles GET /api/v1/pair.
func (h *Handlers) PairingStatus(c *fiber.Ctx) error {
	if h.pair == nil {
		return pairingUnavailable(c)
	}
	return c.JSON(h.pair.Snapshot())
}

// EnterPairToken handles POST /api/v1/pair/token.
func (h *Handlers) EnterPairToken(c *fiber.Ctx) error {
	if h.pair == nil {
		return pairingUnavailable(c)
	}

	var req PairTokenRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Invalid request body: "+err.Error())
	}

	if err := h.pair.EnterToken(c.UserContext(), req.Token); err != nil {
		switch {
		case errors.Is(err, cerrors.ErrInvalidInput):
			return problemResponse(c, fiber.StatusBadRequest,
				"invalid_token", "Bad Request",
				"Token must not be empty")
		case errors.Is(err, cerrors.ErrAlreadyClosed):
			return problemResponse(c, fiber.StatusConflict,
				"pairing_closed", "Conflict",
				"Pairing flow is shut down")
		default:
			return problemResponse(c, fiber.StatusInternalServerError,
				"pairing_failed", "Internal Server Error", err.Error())
		}
	}
	return c.JSON(h.pair.Snapshot())
}

// CancelPairing handles DELETE /api/v1/pair.
func (h *Handlers) CancelPairing(c *fiber.Ctx) error {
	if h.pair == nil {
		return pairingUnavailable(c)
	}
	h.pair.Cancel()
	return c.SendStatus(fiber.StatusNoContent)
}

// Liveness handles GET /healthz.
func (h *Handlers) Liveness(c *fiber.Ctx) error {
	return c.JSON(HealthResponse{
		Status:  "ok",
		Uptime:  h.uptime(),
		Version: h.version,
	})
}

// Readiness handles GET /readyz. Ready means every registered health
// check is passing, the gateway link included.
func (h *Handlers) Readiness(c *fiber.Ctx) error {
	results := h.checker.RunAll(c.Context())

	checks := make(map[string]string, len(results))
	ready := true
	for name, status := range results {
		checks[name] = string(status)
		if status == health.StatusDown {
			ready = false
		}
	}

	resp := HealthResponse{
		Status:  "ready",
		Checks:  checks,
		Uptime:  h.uptime(),
		Version: h.version,
	}
	if !ready {
		resp.Status = "not_ready"
		return c.Status(fiber.StatusServiceUnavailable).JSON(resp)
	}
	return c.JSON(resp)
}

func (h *Handlers) uptime() string {
	return time.Since(h.startTime).Round(time.Second).String()
}

func pairingUnavailable(c *fiber.Ctx) error {
	return problemResponse(c, fiber.StatusServiceUnavailable,
		"pairing_unavailable", "Service Unavailable",
		"Pairing is not configured on this daemon")
}

// gatewayProblem translates gateway client errors into problem
// responses so UI callers can distinguish "daemon broken" from
// "gateway unreachable" from "gateway said no".
func gatewayProblem(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, cerrors.ErrNotConnected):
		return problemResponse(c, fiber.StatusServiceUnavailable,
			"not_connected", "Service Unavailable",
			"Not connected to the gateway")
	case errors.Is(err, cerrors.ErrAlreadyClosed):
		return problemResponse(c, fiber.StatusServiceUnavailable,
			"client_closed", "Service Unavailable",
			"Gateway client is shut down")
	case errors.Is(err, cerrors.ErrTimeout):
		return problemResponse(c, fiber.StatusGatewayTimeout,
			"gateway_timeout", "Gateway Timeout", err.Error())
	case errors.Is(err, cerrors.ErrDisconnected):
		return problemResponse(c, fiber.StatusBadGateway,
			"connection_lost", "Bad Gateway", err.Error())
	}

	var rpcErr *cerrors.RPCError
	if errors.As(err, &rpcErr) {
		status := fiber.StatusBadGateway
		switch rpcErr.Code {
		case "NOT_FOUND":
			status = fiber.StatusNotFound
		case "INVALID_REQUEST", "INVALID_PARAMS":
			status = fiber.StatusBadRequest
		case "NOT_AUTHORIZED", "FORBIDDEN":
			status = fiber.StatusForbidden
		}
		return problemResponse(c, status, "gateway_error", "Gateway Error", rpcErr.Error())
	}

	return problemResponse(c, fiber.StatusInternalServerError,
		"internal_error", "Internal Server Error", err.Error())
}
