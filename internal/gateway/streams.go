package gateway

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/clawdeck/internal/lru"
)

// finishedPerBuffer sizes the finished-key cache relative to the live
// buffer capacity. Finished keys are kept so a chunk that arrives after
// its stream ended cannot resurrect an empty buffer.
const finishedPerBuffer = 4

// streamBuffer accumulates the text of one in-flight streamed reply.
type streamBuffer struct {
	sessionKey string
	text       strings.Builder
}

// streamTable tracks in-flight stream buffers keyed by message id (or
// session key when the gateway omits one). Capacity is bounded: the least
// recently touched stream is evicted first, and a janitor sweep drops
// buffers that have gone idle.
type streamTable struct {
	mu       sync.Mutex
	bufs     *lru.Cache[string, *streamBuffer]
	finished *lru.Cache[string, time.Time]
	logger   zerolog.Logger
}

func newStreamTable(capacity int, logger zerolog.Logger) *streamTable {
	if capacity < 1 {
		capacity = 1
	}
	finishedCap := capacity * finishedPerBuffer
	if finishedCap < 64 {
		finishedCap = 64
	}
	return &streamTable{
		bufs:     lru.New[string, *streamBuffer](capacity),
		finished: lru.New[string, time.Time](finishedCap),
		logger:   logger,
	}
}

// append adds a delta to the stream's buffer, creating the buffer on first
// chunk, and returns the accumulated text so far. Returns false when the
// stream already finished; late chunks must not reopen it.
func (t *streamTable) append(key, sessionKey, delta string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, done := t.finished.Peek(key); done {
		return "", false
	}

	if buf, ok := t.bufs.Get(key); ok {
		buf.text.WriteString(delta)
		return buf.text.String(), true
	}

	buf := &streamBuffer{sessionKey: sessionKey}
	buf.text.WriteString(delta)
	evictedKey, _, evicted := t.bufs.Put(key, buf)
	if evicted {
		t.logger.Warn().Str("stream", evictedKey).Msg("stream buffer evicted at capacity")
	}
	return buf.text.String(), true
}

// finish removes the stream's buffer and returns the text it accumulated.
// The key is remembered as finished even when no buffer existed, so an
// end frame that raced ahead of its chunks still seals the stream.
func (t *streamTable) finish(key string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.finished.Put(key, time.Now())

	buf, ok := t.bufs.Peek(key)
	if !ok {
		return "", false
	}
	t.bufs.Delete(key)
	return buf.text.String(), true
}

// sweepIdle drops buffers that have not been touched since the cutoff and
// returns how many were dropped. Dropped streams are not marked finished;
// a stray late chunk simply starts a fresh buffer.
func (t *streamTable) sweepIdle(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	expired := t.bufs.ExpireBefore(cutoff)
	for _, key := range expired {
		t.logger.Warn().Str("stream", key).Msg("dropping idle stream buffer")
	}
	return len(expired)
}

func (t *streamTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bufs.Len()
}
