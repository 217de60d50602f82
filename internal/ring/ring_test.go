package ring

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapacityRoundsUp(t *testing.T) {
	assert.Equal(t, 8, New[int](5).Cap())
	assert.Equal(t, 8, New[int](8).Cap())
	assert.Equal(t, 1, New[int](0).Cap())
}

func TestFIFOAndOverflow(t *testing.T) {
	r := New[int](4)
	for i := 0; i < 6; i++ {
		ok := r.Push(i)
		assert.Equal(t, i < 4, ok, "push %d", i)
	}
	assert.Equal(t, uint64(2), r.Dropped())
	assert.Equal(t, 4, r.Len())

	// Oldest values are kept.
	got := r.Drain(nil)
	assert.Equal(t, []int{0, 1, 2, 3}, got)
	assert.Equal(t, 0, r.Len())

	_, ok := r.Pop()
	assert.False(t, ok, "consumer must not pass head")

	require.True(t, r.Push(10))
	v, ok := r.Pop()
	require.True(t, ok)
	assert.Equal(t, 10, v)
}

func TestConcurrentProducerConsumer(t *testing.T) {
	const n = 200000
	r := New[int](64)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			r.Push(i)
		}
	}()

	var got []int
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for finished := false; !finished; {
		select {
		case <-done:
			finished = true
		default:
		}
		got = r.Drain(got)
	}
	got = r.Drain(got)

	// No loss except through overflow, no duplicates, order preserved.
	assert.Equal(t, n, len(got)+int(r.Dropped()))
	assert.Equal(t, uint64(len(got)), r.Pushed())
	for i := 1; i < len(got); i++ {
		require.Greater(t, got[i], got[i-1])
	}
}
