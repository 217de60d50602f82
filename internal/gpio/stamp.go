package gpio

import "time"

// EdgeClock maps kernel edge timestamps onto the wall clock. The kernel
// stamps each edge on CLOCK_MONOTONIC when the interrupt fires, so the
// mapped times keep the order and spacing the edges had on the pins,
// however late the event goroutine gets to them.
type EdgeClock struct {
	wall time.Time
	mono time.Duration
}

// NewEdgeClock anchors the mapping: mono is the kernel clock reading taken
// at the same instant as wall.
func NewEdgeClock(wall time.Time, mono time.Duration) EdgeClock {
	return EdgeClock{wall: wall, mono: mono}
}

// At returns the wall time of a kernel timestamp.
func (c EdgeClock) At(ts time.Duration) time.Time {
	return c.wall.Add(ts - c.mono)
}
