package update

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/clawdeck/internal/retry"
)

// mockReleaseServer fakes the GitHub releases API.
type mockReleaseServer struct {
	server *httptest.Server

	mu       sync.Mutex
	calls    int
	failN    int
	failCode int
	tagName  string
}

func newMockReleaseServer(t *testing.T, tagName string) *mockReleaseServer {
	ms := &mockReleaseServer{tagName: tagName, failCode: http.StatusInternalServerError}
	ms.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ms.mu.Lock()
		defer ms.mu.Unlock()
		if r.URL.Path != "/repos/p-blackswan/clawdeck/releases/latest" {
			http.NotFound(w, r)
			return
		}
		ms.calls++
		if ms.failN > 0 {
			ms.failN--
			http.Error(w, `{"message":"flaky"}`, ms.failCode)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"tag_name":     ms.tagName,
			"html_url":     "https://github.com/p-blackswan/clawdeck/releases/tag/" + ms.tagName,
			"published_at": "2024-01-15T10:00:00Z",
		})
	}))
	t.Cleanup(ms.server.Close)
	return ms
}

func (ms *mockReleaseServer) failNext(n, code int) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.failN = n
	ms.failCode = code
}

func (ms *mockReleaseServer) callCount() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.calls
}

func newTestChecker(t *testing.T, ms *mockReleaseServer, current string, opts ...func(*Config)) *Checker {
	cfg := Config{
		Owner:          "p-blackswan",
		Repo:           "clawdeck",
		CurrentVersion: current,
		Interval:       time.Hour,
		InitialDelay:   time.Hour,
		RequestTimeout: 2 * time.Second,
		Retry:          retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	}
	for _, o := range opts {
		o(&cfg)
	}
	c, err := New(cfg, Deps{Logger: zerolog.Nop(), BaseURL: ms.server.URL})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestChecker_UpdateAvailable(t *testing.T) {
	ms := newMockReleaseServer(t, "v1.2.0")
	c := newTestChecker(t, ms, "v1.0.0")

	info, err := c.Check(context.Background())
	require.NoError(t, err)

	assert.True(t, info.UpdateAvailable)
	assert.Equal(t, "v1.2.0", info.LatestVersion)
	assert.Equal(t, "v1.0.0", info.CurrentVersion)
	assert.Contains(t, info.ReleaseURL, "releases/tag/v1.2.0")
	assert.Equal(t, 2024, info.PublishedAt.Year())
	assert.False(t, info.CheckedAt.IsZero())

	// The cached snapshot matches the returned one.
	assert.Equal(t, info, c.Info())
}

func TestChecker_UpToDate(t *testing.T) {
	ms := newMockReleaseServer(t, "v1.2.0")
	c := newTestChecker(t, ms, "v1.2.0")

	info, err := c.Check(context.Background())
	require.NoError(t, err)
	assert.False(t, info.UpdateAvailable)
}

func TestChecker_DevBuildNeverPrompts(t *testing.T) {
	ms := newMockReleaseServer(t, "v9.9.9")
	c := newTestChecker(t, ms, "dev")

	info, err := c.Check(context.Background())
	require.NoError(t, err)
	assert.False(t, info.UpdateAvailable)
	assert.Equal(t, "v9.9.9", info.LatestVersion)
}

func TestChecker_RetriesServerErrors(t *testing.T) {
	ms := newMockReleaseServer(t, "v1.1.0")
	ms.failNext(2, http.StatusBadGateway)
	c := newTestChecker(t, ms, "v1.0.0")

	info, err := c.Check(context.Background())
	require.NoError(t, err)
	assert.True(t, info.UpdateAvailable)
	assert.Equal(t, 3, ms.callCount())
}

func TestChecker_ClientErrorNotRetried(t *testing.T) {
	ms := newMockReleaseServer(t, "v1.1.0")
	ms.failNext(10, http.StatusNotFound)
	c := newTestChecker(t, ms, "v1.0.0")

	_, err := c.Check(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, ms.callCount())

	// Failed checks keep the previous cached info.
	assert.Equal(t, "v1.0.0", c.Info().CurrentVersion)
	assert.Empty(t, c.Info().LatestVersion)
}

func TestChecker_PeriodicLoop(t *testing.T) {
	ms := newMockReleaseServer(t, "v1.1.0")
	c := newTestChecker(t, ms, "v1.0.0", func(cfg *Config) {
		cfg.InitialDelay = 10 * time.Millisecond
		cfg.Interval = 30 * time.Millisecond
	})

	c.Start()
	require.Eventually(t, func() bool {
		return ms.callCount() >= 2
	}, 2*time.Second, 5*time.Millisecond)

	c.Close()
	time.Sleep(50 * time.Millisecond) // let any in-flight check finish
	calls := ms.callCount()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, calls, ms.callCount(), "checks should stop after close")

	assert.True(t, c.Info().UpdateAvailable)
}

func TestNewerVersion(t *testing.T) {
	tests := []struct {
		current string
		latest  string
		want    bool
	}{
		{"v1.0.0", "v1.2.0", true},
		{"1.2.0", "1.2.0", false},
		{"v2.0.0", "v1.9.9", false},
		{"v1.9.0", "v1.10.0", true},
		{"v1.2.3", "v1.2.4", true},
		{"dev", "v9.9.9", false},
		{"", "v1.0.0", false},
		{"v1.0.0", "", false},
		{"build-2024-01", "build-2024-02", true},
		{"nightly", "nightly", false},
	}
	for _, tt := range tests {
		t.Run(tt.current+"_vs_"+tt.latest, func(t *testing.T) {
			assert.Equal(t, tt.want, newerVersion(tt.current, tt.latest))
		})
	}
}

func TestNew_RequiresOwnerRepo(t *testing.T) {
	_, err := New(Config{}, Deps{Logger: zerolog.Nop()})
	assert.Error(t, err)
}
