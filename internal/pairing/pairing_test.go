package pairing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/p-blackswan/clawdeck/internal/errors"
	"github.com/p-blackswan/clawdeck/pkg/credcache"
)

// mockPairServer fakes the gateway's pairing REST endpoints.
type mockPairServer struct {
	t      *testing.T
	server *httptest.Server

	mu          sync.Mutex
	pairCalls   int
	statusCalls int
	status      string
	token       string
	failPair    bool
	failStatus  int
	lastPair    pairRequest
}

func newMockPairServer(t *testing.T) *mockPairServer {
	ms := &mockPairServer{t: t, status: statusPending}
	ms.server = httptest.NewServer(http.HandlerFunc(ms.handle))
	t.Cleanup(ms.server.Close)
	return ms
}

func (ms *mockPairServer) handle(w http.ResponseWriter, r *http.Request) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/v1/pair":
		ms.pairCalls++
		if ms.failPair {
			http.Error(w, "pairing unsupported", http.StatusNotImplemented)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&ms.lastPair); err != nil {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"code": "ABC-123", "deviceId": "dev-42"})
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/v1/pair/") && strings.HasSuffix(r.URL.Path, "/status"):
		ms.statusCalls++
		if ms.failStatus > 0 {
			ms.failStatus--
			http.Error(w, "temporary failure", http.StatusInternalServerError)
			return
		}
		resp := map[string]string{"status": ms.status}
		if ms.token != "" {
			resp["token"] = ms.token
		}
		json.NewEncoder(w).Encode(resp)
	default:
		http.NotFound(w, r)
	}
}

func (ms *mockPairServer) setFailPair(fail bool) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.failPair = fail
}

func (ms *mockPairServer) failNextStatus(n int) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.failStatus = n
}

func (ms *mockPairServer) setStatus(status, token string) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.status = status
	ms.token = token
}

func (ms *mockPairServer) pairCount() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.pairCalls
}

func (ms *mockPairServer) statusCount() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.statusCalls
}

func (ms *mockPairServer) lastPairBody() pairRequest {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.lastPair
}

type savedToken struct {
	token  string
	source string
}

type fakeSink struct {
	mu    sync.Mutex
	saved []savedToken
}

func (s *fakeSink) SaveToken(_ context.Context, token, source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, savedToken{token: token, source: source})
	return nil
}

func (s *fakeSink) tokens() []savedToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]savedToken, len(s.saved))
	copy(out, s.saved)
	return out
}

type flowRecorder struct {
	mu        sync.Mutex
	states    []State
	completed []string
}

func (r *flowRecorder) onState(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s.State)
}

func (r *flowRecorder) onComplete(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, token)
}

func (r *flowRecorder) sawState(want State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.states {
		if s == want {
			return true
		}
	}
	return false
}

func (r *flowRecorder) completions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.completed))
	copy(out, r.completed)
	return out
}

func newTestFlow(t *testing.T, ms *mockPairServer, sink TokenSink, rec *flowRecorder, opts ...func(*Config)) *Flow {
	cfg := Config{
		GatewayURL:     ms.server.URL,
		ClientID:       "clawdeck-test",
		ClientName:     "Clawdeck Test",
		Platform:       "linux",
		Scopes:         []string{"operator.read"},
		PollInterval:   20 * time.Millisecond,
		DisplayDelay:   30 * time.Millisecond,
		RequestTimeout: time.Second,
	}
	for _, o := range opts {
		o(&cfg)
	}
	f, err := New(cfg, Deps{
		Logger:     zerolog.Nop(),
		Sink:       sink,
		OnState:    rec.onState,
		OnComplete: rec.onComplete,
	})
	require.NoError(t, err)
	t.Cleanup(f.Close)
	return f
}

func TestFlow_ApprovalRoundTrip(t *testing.T) {
	ms := newMockPairServer(t)
	sink := &fakeSink{}
	rec := &flowRecorder{}
	f := newTestFlow(t, ms, sink, rec, func(c *Config) {
		c.DisplayDelay = 200 * time.Millisecond
	})

	require.NoError(t, f.Start(context.Background()))

	require.Eventually(t, func() bool {
		return f.Snapshot().State == StateWaiting
	}, time.Second, 5*time.Millisecond)

	snap := f.Snapshot()
	assert.Equal(t, "ABC-123", snap.Code)
	assert.Equal(t, "dev-42", snap.DeviceID)

	body := ms.lastPairBody()
	assert.Equal(t, "clawdeck-test", body.ClientID)
	assert.Equal(t, "Clawdeck Test", body.ClientName)
	assert.Equal(t, "linux", body.Platform)
	assert.Equal(t, []string{"operator.read"}, body.Scopes)

	ms.setStatus(statusApproved, "tok-live")

	require.Eventually(t, func() bool {
		return f.Snapshot().State == StateApproved
	}, time.Second, 5*time.Millisecond)

	// The approved state is held for the display delay before completion.
	assert.Empty(t, rec.completions())

	require.Eventually(t, func() bool {
		return len(rec.completions()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "tok-live", rec.completions()[0])

	saved := sink.tokens()
	require.Len(t, saved, 1)
	assert.Equal(t, "tok-live", saved[0].token)
	assert.Equal(t, credcache.SourcePairing, saved[0].source)

	assert.True(t, rec.sawState(StateRequesting))
	assert.True(t, rec.sawState(StateWaiting))
}

func TestFlow_PollServerErrorsRetried(t *testing.T) {
	ms := newMockPairServer(t)
	ms.failNextStatus(2)
	sink := &fakeSink{}
	rec := &flowRecorder{}
	f := newTestFlow(t, ms, sink, rec)

	require.NoError(t, f.Start(context.Background()))
	require.Eventually(t, func() bool {
		return f.Snapshot().State == StateWaiting
	}, time.Second, 5*time.Millisecond)

	ms.setStatus(statusApproved, "tok-after-errors")

	require.Eventually(t, func() bool {
		return len(rec.completions()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "tok-after-errors", rec.completions()[0])
	assert.GreaterOrEqual(t, ms.statusCount(), 3)
}

func TestFlow_Rejected(t *testing.T) {
	ms := newMockPairServer(t)
	ms.setStatus(statusRejected, "")
	sink := &fakeSink{}
	rec := &flowRecorder{}
	f := newTestFlow(t, ms, sink, rec)

	require.NoError(t, f.Start(context.Background()))

	require.Eventually(t, func() bool {
		return f.Snapshot().State == StateError
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, f.Snapshot().Message, "rejected")

	calls := ms.statusCount()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, calls, ms.statusCount(), "polling should stop after rejection")
	assert.Empty(t, sink.tokens())
	assert.Empty(t, rec.completions())
}

func TestFlow_PairUnsupportedFallsBackToManual(t *testing.T) {
	ms := newMockPairServer(t)
	ms.setFailPair(true)
	sink := &fakeSink{}
	rec := &flowRecorder{}
	f := newTestFlow(t, ms, sink, rec)

	require.NoError(t, f.Start(context.Background()))

	require.Eventually(t, func() bool {
		return f.Snapshot().State == StateWaitingCLI
	}, time.Second, 5*time.Millisecond)
	assert.NotEmpty(t, f.Snapshot().Message)

	time.Sleep(80 * time.Millisecond)
	assert.Zero(t, ms.statusCount(), "no poll loop without a pairing device id")

	require.NoError(t, f.EnterToken(context.Background(), "tok-manual"))

	require.Eventually(t, func() bool {
		return len(rec.completions()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "tok-manual", rec.completions()[0])

	saved := sink.tokens()
	require.Len(t, saved, 1)
	assert.Equal(t, credcache.SourceManual, saved[0].source)
}

func TestFlow_ManualTokenAfterRejection(t *testing.T) {
	ms := newMockPairServer(t)
	ms.setStatus(statusRejected, "")
	sink := &fakeSink{}
	rec := &flowRecorder{}
	f := newTestFlow(t, ms, sink, rec)

	require.NoError(t, f.Start(context.Background()))
	require.Eventually(t, func() bool {
		return f.Snapshot().State == StateError
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, f.EnterToken(context.Background(), "tok-second-chance"))

	require.Eventually(t, func() bool {
		return len(rec.completions()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "tok-second-chance", rec.completions()[0])
	assert.Equal(t, StateApproved, f.Snapshot().State)
}

func TestFlow_CancelStopsPolling(t *testing.T) {
	ms := newMockPairServer(t)
	sink := &fakeSink{}
	rec := &flowRecorder{}
	f := newTestFlow(t, ms, sink, rec)

	require.NoError(t, f.Start(context.Background()))
	require.Eventually(t, func() bool {
		return f.Snapshot().State == StateWaiting
	}, time.Second, 5*time.Millisecond)

	f.Cancel()
	snap := f.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Empty(t, snap.Code)

	calls := ms.statusCount()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, calls, ms.statusCount())
	assert.Empty(t, rec.completions())

	// A fresh start after cancel issues a new pair request.
	require.NoError(t, f.Start(context.Background()))
	require.Eventually(t, func() bool {
		return f.Snapshot().State == StateWaiting
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, ms.pairCount())
}

func TestFlow_CloseDropsPendingCompletion(t *testing.T) {
	ms := newMockPairServer(t)
	sink := &fakeSink{}
	rec := &flowRecorder{}
	f := newTestFlow(t, ms, sink, rec, func(c *Config) {
		c.DisplayDelay = 300 * time.Millisecond
	})

	require.NoError(t, f.Start(context.Background()))
	require.Eventually(t, func() bool {
		return f.Snapshot().State == StateWaiting
	}, time.Second, 5*time.Millisecond)

	ms.setStatus(statusApproved, "tok-dropped")
	require.Eventually(t, func() bool {
		return f.Snapshot().State == StateApproved
	}, time.Second, 5*time.Millisecond)

	f.Close()
	time.Sleep(400 * time.Millisecond)
	assert.Empty(t, rec.completions(), "no completion after close")

	assert.ErrorIs(t, f.Start(context.Background()), cerrors.ErrAlreadyClosed)
	assert.ErrorIs(t, f.EnterToken(context.Background(), "tok"), cerrors.ErrAlreadyClosed)
}

func TestFlow_RestartSupersedesPriorPoll(t *testing.T) {
	ms := newMockPairServer(t)
	sink := &fakeSink{}
	rec := &flowRecorder{}
	f := newTestFlow(t, ms, sink, rec)

	require.NoError(t, f.Start(context.Background()))
	require.Eventually(t, func() bool {
		return f.Snapshot().State == StateWaiting
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, f.Start(context.Background()))
	require.Eventually(t, func() bool {
		return ms.pairCount() == 2
	}, time.Second, 5*time.Millisecond)

	ms.setStatus(statusApproved, "tok-restart")
	require.Eventually(t, func() bool {
		return len(rec.completions()) == 1
	}, time.Second, 10*time.Millisecond)

	// Exactly one poll loop survived the restart; once it finished the
	// status endpoint goes quiet.
	calls := ms.statusCount()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, calls, ms.statusCount())
}

func TestFlow_ApprovedWithoutTokenKeepsPolling(t *testing.T) {
	ms := newMockPairServer(t)
	ms.setStatus(statusApproved, "")
	sink := &fakeSink{}
	rec := &flowRecorder{}
	f := newTestFlow(t, ms, sink, rec)

	require.NoError(t, f.Start(context.Background()))
	require.Eventually(t, func() bool {
		return ms.statusCount() >= 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateWaiting, f.Snapshot().State)

	ms.setStatus(statusApproved, "tok-finally")
	require.Eventually(t, func() bool {
		return len(rec.completions()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "tok-finally", rec.completions()[0])
}

func TestFlow_EmptyTokenRejected(t *testing.T) {
	ms := newMockPairServer(t)
	f := newTestFlow(t, ms, &fakeSink{}, &flowRecorder{})

	err := f.EnterToken(context.Background(), "   ")
	assert.ErrorIs(t, err, cerrors.ErrInvalidInput)
	assert.Equal(t, StateIdle, f.Snapshot().State)
}

func TestNew_InvalidGatewayURL(t *testing.T) {
	_, err := New(Config{GatewayURL: ""}, Deps{Logger: zerolog.Nop()})
	assert.Error(t, err)
}
