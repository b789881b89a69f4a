package gateway

import (
	"context"
	"time"
)

// nextReconnectDelay computes the backoff before a reconnect attempt:
// the base delay doubled per prior attempt, capped at max.
func nextReconnectDelay(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt > 30 {
		attempt = 30
	}
	delay := base << uint(attempt)
	if max > 0 && (delay > max || delay <= 0) {
		delay = max
	}
	return delay
}

// scheduleReconnect arms the reconnect timer after an unexpected
// disconnect. At most one timer exists at a time; once the attempt
// counter reaches the ceiling the client stays disconnected until
// Connect is called again.
func (c *Client) scheduleReconnect() {
	if c.closed.Load() {
		return
	}
	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}

	c.mu.Lock()
	attempt := c.attempt
	if attempt >= c.cfg.ReconnectMaxAttempts {
		c.mu.Unlock()
		c.reconnecting.Store(false)
		c.logger.Warn().Int("attempts", attempt).Msg("reconnect attempts exhausted, staying disconnected")
		return
	}
	c.attempt++
	stop := c.stopReconnect
	c.mu.Unlock()

	delay := nextReconnectDelay(c.cfg.ReconnectBaseDelay, c.cfg.ReconnectMaxDelay, attempt)
	c.metrics.ReconnectAttempts.Inc()
	c.logger.Info().Int("attempt", attempt+1).Dur("delay", delay).Msg("scheduling reconnect")

	go func() {
		retry := false
		defer func() {
			c.reconnecting.Store(false)
			if retry {
				c.scheduleReconnect()
			}
		}()

		select {
		case <-time.After(delay):
		case <-stop:
			return
		case <-c.stopCh:
			return
		}
		if c.closed.Load() {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout+c.cfg.WriteTimeout)
		defer cancel()
		if err := c.Connect(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("reconnect failed")
			retry = true
		}
	}()
}
