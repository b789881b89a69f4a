package gateway

import (
	"sync"

	"github.com/p-blackswan/clawdeck/internal/protocol"
)

// UnsubscribeFunc removes a subscription. Safe to call more than once.
type UnsubscribeFunc func()

// Bus fans gateway callbacks out to any number of subscribers. Handlers run
// synchronously on the dispatch goroutine, so they must not block.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64

	message      map[uint64]func(protocol.ChatMessage)
	chunk        map[uint64]func(messageID, accumulated string)
	end          map[uint64]func(protocol.ChatMessage)
	status       map[uint64]func(Status)
	notification map[uint64]func(text string)
	scopeErr     map[uint64]func(msg string)
}

// NewBus creates an empty callback bus.
func NewBus() *Bus {
	return &Bus{
		message:      make(map[uint64]func(protocol.ChatMessage)),
		chunk:        make(map[uint64]func(string, string)),
		end:          make(map[uint64]func(protocol.ChatMessage)),
		status:       make(map[uint64]func(Status)),
		notification: make(map[uint64]func(string)),
		scopeErr:     make(map[uint64]func(string)),
	}
}

func (b *Bus) subscribe(register func(id uint64), remove func(id uint64)) UnsubscribeFunc {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	register(id)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			remove(id)
			b.mu.Unlock()
		})
	}
}

// OnMessage subscribes to complete chat messages.
func (b *Bus) OnMessage(fn func(protocol.ChatMessage)) UnsubscribeFunc {
	return b.subscribe(
		func(id uint64) { b.message[id] = fn },
		func(id uint64) { delete(b.message, id) },
	)
}

// OnStreamChunk subscribes to streamed-reply progress. The text is the full
// accumulated reply so far, never the bare delta.
func (b *Bus) OnStreamChunk(fn func(messageID, accumulated string)) UnsubscribeFunc {
	return b.subscribe(
		func(id uint64) { b.chunk[id] = fn },
		func(id uint64) { delete(b.chunk, id) },
	)
}

// OnStreamEnd subscribes to finished streamed replies.
func (b *Bus) OnStreamEnd(fn func(protocol.ChatMessage)) UnsubscribeFunc {
	return b.subscribe(
		func(id uint64) { b.end[id] = fn },
		func(id uint64) { delete(b.end, id) },
	)
}

// OnStatusChange subscribes to connection status snapshots.
func (b *Bus) OnStatusChange(fn func(Status)) UnsubscribeFunc {
	return b.subscribe(
		func(id uint64) { b.status[id] = fn },
		func(id uint64) { delete(b.status, id) },
	)
}

// OnNotification subscribes to the lightweight text feed used for toasts
// and sounds, separate from the conversation log.
func (b *Bus) OnNotification(fn func(text string)) UnsubscribeFunc {
	return b.subscribe(
		func(id uint64) { b.notification[id] = fn },
		func(id uint64) { delete(b.notification, id) },
	)
}

// OnScopeError subscribes to authorization/scope failures, the trigger for
// the pairing flow.
func (b *Bus) OnScopeError(fn func(msg string)) UnsubscribeFunc {
	return b.subscribe(
		func(id uint64) { b.scopeErr[id] = fn },
		func(id uint64) { delete(b.scopeErr, id) },
	)
}

func (b *Bus) publishMessage(m protocol.ChatMessage) {
	b.mu.RLock()
	fns := make([]func(protocol.ChatMessage), 0, len(b.message))
	for _, fn := range b.message {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()
	for _, fn := range fns {
		fn(m)
	}
}

func (b *Bus) publishStreamChunk(messageID, accumulated string) {
	b.mu.RLock()
	fns := make([]func(string, string), 0, len(b.chunk))
	for _, fn := range b.chunk {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()
	for _, fn := range fns {
		fn(messageID, accumulated)
	}
}

func (b *Bus) publishStreamEnd(m protocol.ChatMessage) {
	b.mu.RLock()
	fns := make([]func(protocol.ChatMessage), 0, len(b.end))
	for _, fn := range b.end {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()
	for _, fn := range fns {
		fn(m)
	}
}

func (b *Bus) publishStatus(s Status) {
	b.mu.RLock()
	fns := make([]func(Status), 0, len(b.status))
	for _, fn := range b.status {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (b *Bus) publishNotification(text string) {
	b.mu.RLock()
	fns := make([]func(string), 0, len(b.notification))
	for _, fn := range b.notification {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()
	for _, fn := range fns {
		fn(text)
	}
}

func (b *Bus) publishScopeError(msg string) {
	b.mu.RLock()
	fns := make([]func(string), 0, len(b.scopeErr))
	for _, fn := range b.scopeErr {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()
	for _, fn := range fns {
		fn(msg)
	}
}
