package gpio

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sweeney/beacon-harness/internal/protocol"
)

// Bus is an in-memory pair of lines. It implements Output; any number of
// watchers and synchronous listeners observe its edges.
type Bus struct {
	mu        sync.Mutex
	now       func() time.Time
	levels    [2]bool
	history   []protocol.Edge
	watchers  []*BusWatcher
	listeners []func(protocol.Edge)

	// SetError, if set, will be returned by Set().
	SetError error

	// Closed tracks if Close was called
	Closed bool
}

// NewBus creates a bus that stamps edges with now.
func NewBus(now func() time.Time) *Bus {
	return &Bus{now: now}
}

// Set drives a line. Only level changes produce an edge.
func (b *Bus) Set(line protocol.Line, high bool) error {
	b.mu.Lock()
	if b.SetError != nil {
		b.mu.Unlock()
		return b.SetError
	}
	if line != protocol.LineSession && line != protocol.LinePulse {
		b.mu.Unlock()
		return ErrUnknownLine
	}
	if b.levels[line] == high {
		b.mu.Unlock()
		return nil
	}
	b.levels[line] = high
	e := protocol.Edge{Line: line, High: high, Time: b.now()}
	b.history = append(b.history, e)
	for _, w := range b.watchers {
		w.deliver(e)
	}
	listeners := append([]func(protocol.Edge){}, b.listeners...)
	b.mu.Unlock()

	for _, fn := range listeners {
		fn(e)
	}
	return nil
}

// Close marks the bus output as closed.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Closed = true
	return nil
}

// Listen registers fn to be called synchronously for every edge.
func (b *Bus) Listen(fn func(protocol.Edge)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, fn)
}

// Watch returns a channel watcher with the given buffer.
func (b *Bus) Watch(buffer int) *BusWatcher {
	b.mu.Lock()
	defer b.mu.Unlock()
	w := &BusWatcher{bus: b, edges: make(chan protocol.Edge, buffer)}
	b.watchers = append(b.watchers, w)
	return w
}

// History returns every edge driven so far.
func (b *Bus) History() []protocol.Edge {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]protocol.Edge(nil), b.history...)
}

// Level returns the current level of a line.
func (b *Bus) Level(line protocol.Line) (bool, error) {
	if line != protocol.LineSession && line != protocol.LinePulse {
		return false, ErrUnknownLine
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.levels[line], nil
}

// BusWatcher is a Watcher on a Bus.
type BusWatcher struct {
	bus     *Bus
	edges   chan protocol.Edge
	dropped atomic.Uint64
	closed  bool // guarded by bus.mu
}

// deliver is called with bus.mu held.
func (w *BusWatcher) deliver(e protocol.Edge) {
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
func (w *BusWatcher) Edges() <-chan protocol.Edge {
	return w.edges
}

// Level returns the bus level.
func (w *BusWatcher) Level(line protocol.Line) (bool, error) {
	return w.bus.Level(line)
}

// Dropped returns edges lost to a full channel.
func (w *BusWatcher) Dropped() uint64 {
	return w.dropped.Load()
}

// Close detaches the watcher and closes its channel.
func (w *BusWatcher) Close() error {
	w.bus.mu.Lock()
	defer w.bus.mu.Unlock()
	if !w.closed {
		w.closed = true
		close(w.edges)
	}
	return nil
}
