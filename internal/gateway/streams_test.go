package gateway

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestStreamTable_Accumulate(t *testing.T) {
	st := newStreamTable(8, zerolog.Nop())

	acc, ok := st.append("m-1", "agent:main:main", "Hel")
	assert.True(t, ok)
	assert.Equal(t, "Hel", acc)

	acc, ok = st.append("m-1", "agent:main:main", "lo ")
	assert.True(t, ok)
	assert.Equal(t, "Hello ", acc)

	acc, ok = st.append("m-1", "agent:main:main", "world")
	assert.True(t, ok)
	assert.Equal(t, "Hello world", acc)
	assert.Equal(t, 1, st.len())

	text, existed := st.finish("m-1")
	assert.True(t, existed)
	assert.Equal(t, "Hello world", text)
	assert.Equal(t, 0, st.len())
}

func TestStreamTable_IndependentStreams(t *testing.T) {
	st := newStreamTable(8, zerolog.Nop())

	st.append("m-1", "agent:main:main", "one")
	st.append("m-2", "agent:main:research", "two")
	assert.Equal(t, 2, st.len())

	text, _ := st.finish("m-2")
	assert.Equal(t, "two", text)

	acc, ok := st.append("m-1", "agent:main:main", " more")
	assert.True(t, ok)
	assert.Equal(t, "one more", acc)
}

func TestStreamTable_FinishedKeyStaysSealed(t *testing.T) {
	st := newStreamTable(8, zerolog.Nop())

	st.append("m-1", "agent:main:main", "partial")
	st.finish("m-1")

	_, ok := st.append("m-1", "agent:main:main", "stray")
	assert.False(t, ok, "a finished stream must not reopen")
	assert.Equal(t, 0, st.len())
}

func TestStreamTable_FinishWithoutBufferSeals(t *testing.T) {
	st := newStreamTable(8, zerolog.Nop())

	text, existed := st.finish("m-raced")
	assert.False(t, existed)
	assert.Empty(t, text)

	_, ok := st.append("m-raced", "agent:main:main", "late")
	assert.False(t, ok, "an end frame seals the key even with no buffer")
}

func TestStreamTable_CapacityEvictsOldest(t *testing.T) {
	st := newStreamTable(2, zerolog.Nop())

	st.append("m-1", "s", "a")
	st.append("m-2", "s", "b")
	st.append("m-3", "s", "c")
	assert.Equal(t, 2, st.len())

	// m-1 was evicted; appending to it starts a fresh buffer.
	acc, ok := st.append("m-1", "s", "restart")
	assert.True(t, ok)
	assert.Equal(t, "restart", acc)
}

func TestStreamTable_SweepIdle(t *testing.T) {
	st := newStreamTable(8, zerolog.Nop())

	st.append("m-1", "s", "abandoned")
	st.append("m-2", "s", "also abandoned")

	dropped := st.sweepIdle(time.Now().Add(-time.Hour))
	assert.Equal(t, 0, dropped, "fresh buffers survive the sweep")
	assert.Equal(t, 2, st.len())

	dropped = st.sweepIdle(time.Now().Add(time.Second))
	assert.Equal(t, 2, dropped)
	assert.Equal(t, 0, st.len())

	// A swept stream was never finished, so a late chunk starts over.
	acc, ok := st.append("m-1", "s", "fresh")
	assert.True(t, ok)
	assert.Equal(t, "fresh", acc)
}
