//go:build linux

package gpio

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/warthog618/go-gpiocdev"
	"golang.org/x/sys/unix"

	"github.com/sweeney/beacon-harness/internal/protocol"
)

// CdevWatcher watches both lines for edges using the Linux GPIO character
// device. Both lines share one request, so the kernel delivers their edges
// on a single queue in the order they happened.
type CdevWatcher struct {
	chip    *gpiocdev.Chip
	lines   *gpiocdev.Lines
	index   map[protocol.Line]int
	offsets map[int]protocol.Line
	clock   EdgeClock
	edges   chan protocol.Edge
	dropped atomic.Uint64

	mu     sync.Mutex
	closed bool
}

// NewCdevWatcher requests both lines as inputs with edge detection.
func NewCdevWatcher(pins Pins) (*CdevWatcher, error) {
	clock, err := anchorEdgeClock()
	if err != nil {
		return nil, err
	}
	chip, err := gpiocdev.NewChip(pins.Chip, gpiocdev.WithConsumer("beacon-harness"))
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}

	w := &CdevWatcher{
		chip:    chip,
		index:   map[protocol.Line]int{protocol.LineSession: 0, protocol.LinePulse: 1},
		offsets: map[int]protocol.Line{pins.Session: protocol.LineSession, pins.Pulse: protocol.LinePulse},
		clock:   clock,
		edges:   make(chan protocol.Edge, EdgeBuffer),
	}

	// Pull-down keeps an unconnected line low so no session is seen.
	lines, err := chip.RequestLines([]int{pins.Session, pins.Pulse},
		gpiocdev.AsInput,
		gpiocdev.WithPullDown,
		gpiocdev.WithBothEdges,
		gpiocdev.WithMonotonicEventClock,
		gpiocdev.WithEventHandler(w.handle),
	)
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("request pins %d and %d: %w", pins.Session, pins.Pulse, err)
	}
	w.lines = lines
	return w, nil
}

// anchorEdgeClock pairs the wall clock with a CLOCK_MONOTONIC reading.
func anchorEdgeClock() (EdgeClock, error) {
	var ts unix.Timespec
	wall := time.Now()
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return EdgeClock{}, fmt.Errorf("read monotonic clock: %w", err)
	}
	return NewEdgeClock(wall, time.Duration(ts.Nano())), nil
}

// handle runs on the gpiocdev event goroutine and must not block.
func (w *CdevWatcher) handle(evt gpiocdev.LineEvent) {
	line, ok := w.offsets[evt.Offset]
	if !ok {
		return
	}
	e := protocol.Edge{
		Line: line,
		High: evt.Type == gpiocdev.LineEventRisingEdge,
		Time: w.clock.At(evt.Timestamp),
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	select {
	case w.edges <- e:
	default:
		w.dropped.Add(1)
	}
}

// Edges returns the edge channel.
func (w *CdevWatcher) Edges() <-chan protocol.Edge {
	return w.edges
}

// Level reads the current value of a line.
func (w *CdevWatcher) Level(line protocol.Line) (bool, error) {
	i, ok := w.index[line]
	if !ok {
		return false, ErrUnknownLine
	}
	vals := make([]int, len(w.index))
	if err := w.lines.Values(vals); err != nil {
		return false, fmt.Errorf("read %s pin: %w", line, err)
	}
	return vals[i] == 1, nil
}

// Dropped returns the number of edges lost to a full channel.
func (w *CdevWatcher) Dropped() uint64 {
	return w.dropped.Load()
}

// Close releases the lines and the chip.
func (w *CdevWatcher) Close() error {
	var errs []error

	if w.lines != nil {
		if err := w.lines.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pins: %w", err))
		}
	}
	if w.chip != nil {
		if err := w.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}

	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.edges)
	}
	w.mu.Unlock()

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
