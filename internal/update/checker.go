// Package update checks the project's GitHub releases for newer builds and
// caches the result for the status surfaces.
package update

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v60/github"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/clawdeck/internal/metrics"
	"github.com/p-blackswan/clawdeck/internal/retry"
)

// Info is the cached result of the most recent release check.
type Info struct {
	CurrentVersion  string    `json:"currentVersion"`
	LatestVersion   string    `json:"latestVersion,omitempty"`
	UpdateAvailable bool      `json:"updateAvailable"`
	ReleaseURL      string    `json:"releaseUrl,omitempty"`
	PublishedAt     time.Time `json:"publishedAt,omitempty"`
	CheckedAt       time.Time `json:"checkedAt,omitempty"`
}

// Config controls the release checker.
type Config struct {
	Owner          string
	Repo           string
	CurrentVersion string
	// Interval is the period between checks once started.
	Interval time.Duration
	// InitialDelay postpones the first check past daemon startup.
	InitialDelay time.Duration
	// RequestTimeout bounds one check including retries.
	RequestTimeout time.Duration
	// Retry controls backoff for transient GitHub failures.
	Retry retry.Config
}

// Deps carries the checker's collaborators. HTTPClient and BaseURL exist
// for tests; Metrics is optional.
type Deps struct {
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
	HTTPClient *http.Client
	BaseURL    string
}

// Checker polls the GitHub releases API and remembers the latest result.
type Checker struct {
	cfg     Config
	client  *github.Client
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu   sync.Mutex
	info Info

	stop      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

// New creates a release checker. It performs no network calls until Check
// or Start is invoked.
func New(cfg Config, deps Deps) (*Checker, error) {
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, fmt.Errorf("update checker requires owner and repo")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 10 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	cfg.Retry.RetryIf = githubRetryable

	gh := github.NewClient(deps.HTTPClient)
	if deps.BaseURL != "" {
		base, err := url.Parse(strings.TrimSuffix(deps.BaseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("parsing base url: %w", err)
		}
		gh.BaseURL = base
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.New()
	}
	return &Checker{
		cfg:     cfg,
		client:  gh,
		logger:  deps.Logger.With().Str("component", "update").Logger(),
		metrics: m,
		info:    Info{CurrentVersion: cfg.CurrentVersion},
		stop:    make(chan struct{}),
	}, nil
}

// Info returns the most recent check result.
func (c *Checker) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// Check fetches the latest release once and updates the cached info.
func (c *Checker) Check(ctx context.Context) (Info, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	var rel *github.RepositoryRelease
	err := retry.Do(ctx, c.cfg.Retry, func(ctx context.Context) error {
		var err error
		rel, _, err = c.client.Repositories.GetLatestRelease(ctx, c.cfg.Owner, c.cfg.Repo)
		return err
	})
	if err != nil {
		c.metrics.RecordError("update", "check_failed")
		return c.Info(), fmt.Errorf("fetching latest release: %w", err)
	}

	info := Info{
		CurrentVersion:  c.cfg.CurrentVersion,
		LatestVersion:   rel.GetTagName(),
		UpdateAvailable: newerVersion(c.cfg.CurrentVersion, rel.GetTagName()),
		ReleaseURL:      rel.GetHTMLURL(),
		CheckedAt:       time.Now(),
	}
	if ts := rel.GetPublishedAt(); !ts.IsZero() {
		info.PublishedAt = ts.Time
	}

	c.mu.Lock()
	c.info = info
	c.mu.Unlock()

	if info.UpdateAvailable {
		c.logger.Info().
			Str("current", info.CurrentVersion).
			Str("latest", info.LatestVersion).
			Msg("update available")
	} else {
		c.logger.Debug().Str("latest", info.LatestVersion).Msg("release check complete, up to date")
	}
	return info, nil
}

// Start begins periodic checks on the configured interval.
func (c *Checker) Start() {
	c.startOnce.Do(func() {
		go c.loop()
	})
}

// Close stops periodic checks.
func (c *Checker) Close() {
	c.closeOnce.Do(func() {
		close(c.stop)
	})
}

func (c *Checker) loop() {
	timer := time.NewTimer(c.cfg.InitialDelay)
	defer timer.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-timer.C:
			if _, err := c.Check(context.Background()); err != nil {
				c.logger.Warn().Err(err).Msg("release check failed")
			}
			timer.Reset(c.cfg.Interval)
		}
	}
}

// githubRetryable classifies GitHub API failures. Rate limits and server
// errors are retried; 4xx responses are not.
func githubRetryable(err error) bool {
	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return true
	}
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return true
	}
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		switch ghErr.Response.StatusCode {
		case http.StatusTooManyRequests, http.StatusInternalServerError,
			http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	return true
}

// newerVersion reports whether latest is a newer release than current.
// Tags compare numerically when both parse as semver; a dev build never
// counts as outdated. Non-semver tags fall back to plain inequality.
func newerVersion(current, latest string) bool {
	cur := strings.TrimPrefix(strings.TrimSpace(current), "v")
	lat := strings.TrimPrefix(strings.TrimSpace(latest), "v")
	if cur == "" || lat == "" || cur == "dev" {
		return false
	}
	c, okC := parseSemver(cur)
	l, okL := parseSemver(lat)
	if okC && okL {
		for i := 0; i < 3; i++ {
			if l[i] != c[i] {
				return l[i] > c[i]
			}
		}
		return false
	}
	return lat != cur
}

func parseSemver(v string) ([3]int, bool) {
	base, _, _ := strings.Cut(v, "-")
	parts := strings.Split(base, ".")
	if len(parts) == 0 || len(parts) > 3 {
		return [3]int{}, false
	}
	var out [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return [3]int{}, false
		}
		out[i] = n
	}
	return out, true
}
