// Package notify relays gateway notifications to external sinks. The only
// sink today is Slack: complete assistant messages surfaced by the gateway
// client are posted to a configured channel.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"

	"github.com/p-blackswan/clawdeck/internal/metrics"
	"github.com/p-blackswan/clawdeck/internal/retry"
)

// maxMessageLen bounds relayed text. Slack rejects very long message
// bodies, and a toast relay has no business carrying them anyway.
const maxMessageLen = 4000

// SlackAPI abstracts the Slack client for testing.
type SlackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Config controls the Slack relay.
type Config struct {
	Token   string
	Channel string
	// QueueSize bounds the in-flight notification backlog. Overflow is
	// dropped with a warning; the relay never blocks its callers.
	QueueSize int
	// PostTimeout bounds one notification post including retries.
	PostTimeout time.Duration
	// Retry controls backoff for transient Slack failures.
	Retry retry.Config
}

// Deps carries the relay's collaborators. API and Metrics are optional.
type Deps struct {
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	API     SlackAPI
}

// Relay posts gateway notifications to a Slack channel from a single
// worker goroutine, so subscribers never block the client's dispatch path.
type Relay struct {
	api     SlackAPI
	channel string
	cfg     Config
	logger  zerolog.Logger
	metrics *metrics.Metrics

	queue     chan string
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Slack relay and starts its worker.
func New(cfg Config, deps Deps) *Relay {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.PostTimeout <= 0 {
		cfg.PostTimeout = 30 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	cfg.Retry.RetryIf = slackRetryable

	api := deps.API
	if api == nil {
		api = slack.New(cfg.Token)
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.New()
	}
	r := &Relay{
		api:     api,
		channel: cfg.Channel,
		cfg:     cfg,
		logger:  deps.Logger.With().Str("component", "notify").Logger(),
		metrics: m,
		queue:   make(chan string, cfg.QueueSize),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// Notify enqueues a notification for delivery. It never blocks: when the
// queue is full the notification is dropped with a warning.
func (r *Relay) Notify(text string) {
	if text == "" {
		return
	}
	select {
	case <-r.done:
		return
	default:
	}
	select {
	case r.queue <- truncate(text, maxMessageLen):
	default:
		r.logger.Warn().Msg("notification queue full, dropping")
		r.metrics.RecordError("notify", "queue_full")
	}
}

// Close stops the worker. Queued notifications are discarded.
func (r *Relay) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
	})
}

func (r *Relay) run() {
	for {
		select {
		case <-r.done:
			return
		case text := <-r.queue:
			r.post(text)
		}
	}
}

func (r *Relay) post(text string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.PostTimeout)
	defer cancel()

	err := retry.Do(ctx, r.cfg.Retry, func(ctx context.Context) error {
		_, _, err := r.api.PostMessageContext(ctx, r.channel, slack.MsgOptionText(text, false))
		return err
	})
	if err != nil {
		r.logger.Error().Err(err).Msg("posting notification to Slack")
		r.metrics.RecordError("notify", "post_failed")
		return
	}
	r.logger.Debug().Msg("notification relayed to Slack")
}

// slackRetryable classifies Slack API failures. Rate limits and transport
// errors are worth retrying; auth and channel misconfiguration are not.
func slackRetryable(err error) bool {
	var rle *slack.RateLimitedError
	if errors.As(err, &rle) {
		return true
	}
	switch err.Error() {
	case "invalid_auth", "not_authed", "account_inactive", "token_revoked",
		"channel_not_found", "not_in_channel", "is_archived", "missing_scope":
		return false
	}
	return true
}

// truncate shortens s to max chars, appending "…" if truncated.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
