package mqtt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/beacon-harness/internal/logging"
)

func TestOutboxEmptyDrain(t *testing.T) {
	o := newOutbox(4, logging.Discard())
	assert.Empty(t, o.drainAll())
}

func TestOutboxPushAndDrain(t *testing.T) {
	o := newOutbox(4, logging.Discard())
	for i := 0; i < 3; i++ {
		o.push(bufferedMsg{topic: "t", payload: []byte{byte(i)}})
	}
	require.Equal(t, 3, o.len())

	got := o.drainAll()
	require.Len(t, got, 3)
	for i, m := range got {
		assert.Equal(t, byte(i), m.payload[0], "message %d", i)
	}
	assert.Equal(t, 0, o.len(), "empty after drain")
}

func TestOutboxOverflowKeepsOldest(t *testing.T) {
	o := newOutbox(4, logging.Discard())
	for i := 0; i < 7; i++ {
		o.push(bufferedMsg{topic: "t", payload: []byte{byte(i)}})
	}
	assert.Equal(t, uint64(3), o.dropped())

	got := o.drainAll()
	require.Len(t, got, 4)
	for i, m := range got {
		assert.Equal(t, byte(i), m.payload[0], "message %d", i)
	}
}

func TestOutboxMultipleCycles(t *testing.T) {
	o := newOutbox(4, logging.Discard())
	for cycle := 0; cycle < 3; cycle++ {
		for i := 0; i < 4; i++ {
			o.push(bufferedMsg{topic: "t", payload: []byte{byte(cycle*10 + i)}})
		}
		got := o.drainAll()
		require.Len(t, got, 4, "cycle %d", cycle)
		assert.Equal(t, byte(cycle*10), got[0].payload[0], "cycle %d", cycle)
	}
	assert.Equal(t, uint64(0), o.dropped())
}

func TestOutboxPreservesFields(t *testing.T) {
	o := newOutbox(2, logging.Discard())
	want := bufferedMsg{topic: "a/b", payload: []byte("x"), qos: 1, retained: true}
	o.push(want)

	assert.Equal(t, []bufferedMsg{want}, o.drainAll())
}
