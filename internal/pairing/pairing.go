// Package pairing implements the interactive device pairing flow against
// the gateway's REST endpoints. Pairing is the recovery path for auth and
// scope failures: the flow requests a pairing code, polls for operator
// approval, and hands the resulting token to a sink for persistence.
package pairing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	cerrors "github.com/p-blackswan/clawdeck/internal/errors"
	"github.com/p-blackswan/clawdeck/internal/metrics"
	"github.com/p-blackswan/clawdeck/internal/protocol"
	"github.com/p-blackswan/clawdeck/pkg/credcache"
)

// State names a phase of the pairing flow.
type State string

const (
	StateIdle       State = "idle"
	StateRequesting State = "requesting"
	StateWaiting    State = "waiting"
	StateWaitingCLI State = "waiting-cli"
	StateApproved   State = "approved"
	StateError      State = "error"
)

const (
	statusPending  = "pending"
	statusApproved = "approved"
	statusRejected = "rejected"
)

// Snapshot is a point-in-time view of the flow for status surfaces.
type Snapshot struct {
	State    State  `json:"state"`
	Code     string `json:"code,omitempty"`
	DeviceID string `json:"deviceId,omitempty"`
	Message  string `json:"message,omitempty"`
}

// TokenSink persists an approved credential. The source is one of the
// credcache source constants (pairing, manual).
type TokenSink interface {
	SaveToken(ctx context.Context, token, source string) error
}

// HTTPClient abstracts HTTP calls for testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config controls a pairing flow.
type Config struct {
	// GatewayURL is the gateway address in any accepted form (ws, wss,
	// http, https, bare host). The REST base is derived from it.
	GatewayURL string

	ClientID   string
	ClientName string
	Platform   string
	Scopes     []string

	// PollInterval is the delay between approval status polls.
	PollInterval time.Duration
	// DisplayDelay holds the approved state visible before the
	// completion callback fires, so the user sees the outcome.
	DisplayDelay time.Duration
	// RequestTimeout bounds each individual HTTP call.
	RequestTimeout time.Duration
}

// Deps carries the flow's collaborators. HTTP, Sink, and Metrics are
// optional; the callbacks run on flow goroutines and must not block.
type Deps struct {
	Logger     zerolog.Logger
	HTTP       HTTPClient
	Sink       TokenSink
	Metrics    *metrics.Metrics
	OnState    func(Snapshot)
	OnComplete func(token string)
}

// Flow is a pairing state machine. At most one approval poll loop and one
// completion timer are live at any time; restarting, canceling, or closing
// the flow stops both.
type Flow struct {
	cfg     Config
	baseURL string
	httpc   HTTPClient
	sink    TokenSink
	metrics *metrics.Metrics
	logger  zerolog.Logger

	onState    func(Snapshot)
	onComplete func(token string)

	mu         sync.Mutex
	state      State
	code       string
	deviceID   string
	message    string
	stopPoll   chan struct{}
	delayTimer *time.Timer
	gen        uint64
	closed     bool
}

// New creates a pairing flow in the idle state. Zero config fields are
// filled with defaults.
func New(cfg Config, deps Deps) (*Flow, error) {
	base, err := protocol.HTTPBaseURL(cfg.GatewayURL)
	if err != nil {
		return nil, fmt.Errorf("pairing base url: %w", err)
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "clawdeck"
	}
	if cfg.ClientName == "" {
		cfg.ClientName = "Clawdeck"
	}
	if cfg.Platform == "" {
		cfg.Platform = runtime.GOOS
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{"operator.read", "operator.write"}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.DisplayDelay <= 0 {
		cfg.DisplayDelay = 1200 * time.Millisecond
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	httpc := deps.HTTP
	if httpc == nil {
		httpc = &http.Client{Timeout: cfg.RequestTimeout}
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.New()
	}
	return &Flow{
		cfg:        cfg,
		baseURL:    base,
		httpc:      httpc,
		sink:       deps.Sink,
		metrics:    m,
		logger:     deps.Logger.With().Str("component", "pairing").Logger(),
		onState:    deps.OnState,
		onComplete: deps.OnComplete,
		state:      StateIdle,
	}, nil
}

// Snapshot returns the current flow state.
func (f *Flow) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Snapshot{State: f.state, Code: f.code, DeviceID: f.deviceID, Message: f.message}
}

// Start begins (or restarts) the pairing flow: it requests a pairing code
// and, on success, polls for approval. A prior poll loop or completion
// timer is stopped first. A failed pair request is not fatal: the flow
// moves to waiting-cli, where out-of-band approval or manual token entry
// can still finish it.
func (f *Flow) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return cerrors.ErrAlreadyClosed
	}
	f.stopTimersLocked()
	f.gen++
	gen := f.gen
	f.state = StateRequesting
	f.code = ""
	f.deviceID = ""
	f.message = ""
	f.mu.Unlock()
	f.emit()

	res, err := f.requestPair(ctx)

	f.mu.Lock()
	if f.closed || gen != f.gen {
		// Superseded while the request was in flight.
		f.mu.Unlock()
		return nil
	}
	if err != nil {
		f.state = StateWaitingCLI
		f.message = "gateway has no interactive pairing; approve this device from the gateway host"
		f.mu.Unlock()
		f.logger.Warn().Err(err).Msg("pair request failed, waiting for out-of-band approval")
		f.metrics.RecordPairing("request_failed")
		f.emit()
		return nil
	}
	f.state = StateWaiting
	f.code = res.Code
	f.deviceID = res.DeviceID
	stop := make(chan struct{})
	f.stopPoll = stop
	f.mu.Unlock()

	f.metrics.RecordPairing("requested")
	f.logger.Info().Str("device_id", res.DeviceID).Str("code", res.Code).Msg("pairing requested, polling for approval")
	f.emit()
	go f.pollLoop(res.DeviceID, stop, gen)
	return nil
}

// EnterToken completes the flow with a user-supplied token. It is the
// escape hatch when interactive pairing is unavailable or was rejected;
// an in-flight poll loop is superseded. The token takes the same persist,
// delay, and complete path as an approved pairing.
func (f *Flow) EnterToken(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("%w: empty token", cerrors.ErrInvalidInput)
	}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return cerrors.ErrAlreadyClosed
	}
	if f.state == StateApproved {
		f.mu.Unlock()
		return nil
	}
	f.stopTimersLocked()
	f.gen++
	gen := f.gen
	f.mu.Unlock()

	f.approve(ctx, gen, token, credcache.SourceManual, "manual")
	return nil
}

// Cancel stops any polling and completion timers and returns the flow to
// idle without persisting anything.
func (f *Flow) Cancel() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.stopTimersLocked()
	f.gen++
	f.state = StateIdle
	f.code = ""
	f.deviceID = ""
	f.message = ""
	f.mu.Unlock()
	f.metrics.RecordPairing("canceled")
	f.logger.Info().Msg("pairing canceled")
	f.emit()
}

// Close stops the flow permanently. No callbacks fire after Close returns.
func (f *Flow) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.stopTimersLocked()
	f.gen++
	f.mu.Unlock()
}

func (f *Flow) stopTimersLocked() {
	if f.stopPoll != nil {
		close(f.stopPoll)
		f.stopPoll = nil
	}
	if f.delayTimer != nil {
		f.delayTimer.Stop()
		f.delayTimer = nil
	}
}

func (f *Flow) pollLoop(deviceID string, stop <-chan struct{}, gen uint64) {
	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if f.pollOnce(deviceID, gen) {
				return
			}
		}
	}
}

// pollOnce checks the approval status. It returns true when the poll loop
// should stop. Network and server errors are logged and retried on the
// next tick; only an explicit rejected status ends the flow in error.
func (f *Flow) pollOnce(deviceID string, gen uint64) bool {
	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.RequestTimeout)
	defer cancel()

	st, err := f.fetchStatus(ctx, deviceID)
	if err != nil {
		f.logger.Warn().Err(err).Msg("pairing status poll failed, will retry")
		return false
	}

	switch st.Status {
	case statusApproved:
		if st.Token == "" {
			f.logger.Debug().Msg("pairing approved without token, still waiting")
			return false
		}
		return f.approve(ctx, gen, st.Token, credcache.SourcePairing, "approved")
	case statusRejected:
		f.mu.Lock()
		if f.closed || gen != f.gen {
			f.mu.Unlock()
			return true
		}
		f.stopTimersLocked()
		f.state = StateError
		f.message = "pairing rejected by the gateway"
		f.mu.Unlock()
		f.metrics.RecordPairing("rejected")
		f.logger.Warn().Msg("pairing rejected")
		f.emit()
		return true
	case statusPending, "":
		return false
	default:
		f.logger.Debug().Str("status", st.Status).Msg("unrecognized pairing status, still waiting")
		return false
	}
}

// approve moves the flow to approved, persists the token, and schedules
// the delayed completion callback. It returns true so poll loops stop.
func (f *Flow) approve(ctx context.Context, gen uint64, token, source, outcome string) bool {
	f.mu.Lock()
	if f.closed || gen != f.gen {
		f.mu.Unlock()
		return true
	}
	f.stopTimersLocked()
	f.state = StateApproved
	f.message = ""
	f.mu.Unlock()
	f.emit()

	if f.sink != nil {
		if err := f.sink.SaveToken(ctx, token, source); err != nil {
			f.logger.Error().Err(err).Msg("persisting pairing token")
		}
	}
	f.metrics.RecordPairing(outcome)

	f.mu.Lock()
	if f.closed || gen != f.gen {
		f.mu.Unlock()
		return true
	}
	f.delayTimer = time.AfterFunc(f.cfg.DisplayDelay, func() {
		f.finish(gen, token)
	})
	f.mu.Unlock()
	return true
}

func (f *Flow) finish(gen uint64, token string) {
	f.mu.Lock()
	if f.closed || gen != f.gen {
		f.mu.Unlock()
		return
	}
	f.delayTimer = nil
	f.mu.Unlock()
	f.logger.Info().Msg("pairing complete")
	if f.onComplete != nil {
		f.onComplete(token)
	}
}

func (f *Flow) emit() {
	if f.onState == nil {
		return
	}
	f.onState(f.Snapshot())
}

type pairRequest struct {
	ClientID   string   `json:"clientId"`
	ClientName string   `json:"clientName"`
	Platform   string   `json:"platform"`
	Scopes     []string `json:"scopes"`
}

type pairResponse struct {
	Code     string `json:"code"`
	DeviceID string `json:"deviceId"`
}

type pairStatusResponse struct {
	Status string `json:"status"`
	Token  string `json:"token,omitempty"`
}

func (f *Flow) requestPair(ctx context.Context) (*pairResponse, error) {
	body, err := json.Marshal(pairRequest{
		ClientID:   f.cfg.ClientID,
		ClientName: f.cfg.ClientName,
		Platform:   f.cfg.Platform,
		Scopes:     f.cfg.Scopes,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding pair request: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, f.cfg.RequestTimeout)
	defer cancel()

	resp, err := f.do(ctx, http.MethodPost, "/v1/pair", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	var out pairResponse
	if err := decodeResponse(resp, &out); err != nil {
		return nil, err
	}
	if out.DeviceID == "" {
		return nil, fmt.Errorf("pair response missing deviceId")
	}
	return &out, nil
}

func (f *Flow) fetchStatus(ctx context.Context, deviceID string) (*pairStatusResponse, error) {
	path := "/v1/pair/" + url.PathEscape(deviceID) + "/status"
	resp, err := f.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var out pairStatusResponse
	if err := decodeResponse(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do executes a request against the gateway's REST base.
func (f *Flow) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, f.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, cerrors.NewHTTPError(path, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return resp, nil
}

// decodeResponse reads and decodes a JSON response body.
func decodeResponse(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
