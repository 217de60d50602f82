package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeAdvanceRunsHooksPerStep(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	f := NewFake(start, 10*time.Millisecond)

	var seen []time.Duration
	f.OnAdvance(func(now time.Time) {
		seen = append(seen, now.Sub(start))
		assert.Equal(t, now, f.Now())
	})

	require.NoError(t, f.SleepUntil(context.Background(), start.Add(25*time.Millisecond)))
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 25 * time.Millisecond}, seen)

	// Going backwards is a no-op.
	f.Advance(start)
	assert.Len(t, seen, 3)
}

func TestFakeSleepHonoursCancel(t *testing.T) {
	f := NewFake(time.Unix(0, 0), time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, f.SleepUntil(ctx, time.Unix(1, 0)), context.Canceled)
}

func TestRealSleepUntilPast(t *testing.T) {
	var c Real
	assert.NoError(t, c.SleepUntil(context.Background(), c.Now().Add(-time.Second)))
	assert.NoError(t, c.SleepUntil(context.Background(), c.Now().Add(time.Millisecond)))
}
