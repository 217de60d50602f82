// Package gate couples the protocol decoder with an ingestion ring. Items
// drained from the ring are handed to the trial handler only while a trial
// is open and only when their timestamp falls inside the trial window
// [start, end). Items stamped after a falling edge are held until the
// debounce hold resolves into either an end or a glitch.
package gate

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sweeney/beacon-harness/internal/protocol"
	"github.com/sweeney/beacon-harness/internal/ring"
)

// ErrEdgesClosed is returned by Loop when the edge channel closes before
// the context is done.
var ErrEdgesClosed = errors.New("gate: edge channel closed")

// Handler receives the trial lifecycle. Begin and End see TRIAL_START and
// TRIAL_END/TRIAL_DISCARDED; every other event goes to Note, which may be nil.
type Handler[T any] struct {
	Begin func(ev protocol.Event) error
	Add   func(item T) error
	End   func(ev protocol.Event) error
	Note  func(ev protocol.Event)
}

// Gate is owned by the node main loop. Only Push may be called from the
// producer goroutine.
type Gate[T any] struct {
	dec        *protocol.Decoder
	ring       *ring.Ring[T]
	stamp      func(T) time.Time
	h          Handler[T]
	maxUpdates int

	pending []T // drained, in stamp order, not yet past the horizon
	open    bool
	start   time.Time
}

// New creates a gate over dec with a ring of the given size. stamp returns
// the acquisition time of an item.
func New[T any](dec *protocol.Decoder, size int, stamp func(T) time.Time, h Handler[T]) *Gate[T] {
	return &Gate[T]{dec: dec, ring: ring.New[T](size), stamp: stamp, h: h}
}

// SetMaxUpdates closes a trial with ReasonCeiling once it has seen n
// per-event pulses. Zero disables the ceiling.
func (g *Gate[T]) SetMaxUpdates(n int) {
	g.maxUpdates = n
}

// Push queues an item from the producer. It returns false when the ring is
// full and the item was dropped.
func (g *Gate[T]) Push(item T) bool {
	return g.ring.Push(item)
}

// Edge feeds one line edge.
func (g *Gate[T]) Edge(e protocol.Edge) error {
	return g.run(g.dec.Process(e), e.Time)
}

// Poll advances the decoder timers and drains the ring up to now.
func (g *Gate[T]) Poll(now time.Time) error {
	return g.run(g.dec.Tick(now), now)
}

// Decoder returns the underlying decoder.
func (g *Gate[T]) Decoder() *protocol.Decoder {
	return g.dec
}

// Open reports whether a trial is open.
func (g *Gate[T]) Open() bool {
	return g.open
}

// Dropped returns the ring overflow count.
func (g *Gate[T]) Dropped() uint64 {
	return g.ring.Dropped()
}

// Depth returns the number of items waiting in the ring and the hold.
func (g *Gate[T]) Depth() int {
	return g.ring.Len() + len(g.pending)
}

func (g *Gate[T]) run(events []protocol.Event, now time.Time) error {
	g.pending = g.ring.Drain(g.pending)

	var errs []error
	for i := 0; i < len(events); i++ {
		ev := events[i]
		errs = append(errs, g.consume(ev.Time))

		switch ev.Type {
		case protocol.EventTrialStart:
			g.open = true
			g.start = ev.Start
			errs = append(errs, g.h.Begin(ev))
		case protocol.EventTrialEnd, protocol.EventTrialDiscarded:
			g.open = false
			errs = append(errs, g.h.End(ev))
		case protocol.EventUpdate:
			g.note(ev)
			if g.maxUpdates > 0 && ev.Updates >= g.maxUpdates {
				// Later events in this batch belong to the closed trial.
				forced := g.dec.ForceEnd(ev.Time, protocol.ReasonCeiling)
				events = append(append([]protocol.Event(nil), events[:i+1]...), forced...)
			}
		default:
			g.note(ev)
		}
	}

	horizon := now
	if fall, ok := g.dec.Holding(); ok && fall.Before(horizon) {
		horizon = fall
	}
	errs = append(errs, g.consume(horizon))
	return errors.Join(errs...)
}

func (g *Gate[T]) note(ev protocol.Event) {
	if g.h.Note != nil {
		g.h.Note(ev)
	}
}

// consume hands every pending item stamped before t to the handler, or
// drops it when it lies outside the open trial.
func (g *Gate[T]) consume(t time.Time) error {
	var err error
	n := 0
	for _, item := range g.pending {
		at := g.stamp(item)
		if !at.Before(t) {
			break
		}
		n++
		if g.open && !at.Before(g.start) {
			if e := g.h.Add(item); e != nil && err == nil {
				err = e
			}
		}
	}
	if n > 0 {
		var zero T
		rest := copy(g.pending, g.pending[n:])
		for i := rest; i < len(g.pending); i++ {
			g.pending[i] = zero
		}
		g.pending = g.pending[:rest]
	}
	return err
}

// Node is a downstream role driven by Loop.
type Node interface {
	HandleEdge(e protocol.Edge) error
	Poll(now time.Time) error
}

// Loop runs a node on edges and a poll ticker until ctx is done. Node errors
// are fatal and returned.
func Loop(ctx context.Context, n Node, edges <-chan protocol.Edge, tick <-chan time.Time, now func() time.Time, log *logrus.Entry) error {
	for {
		select {
		case <-ctx.Done():
			log.Debug("loop stopped")
			return nil

		case e, ok := <-edges:
			if !ok {
				return ErrEdgesClosed
			}
			if err := n.HandleEdge(e); err != nil {
				return err
			}

		case <-tick:
			if err := n.Poll(now()); err != nil {
				return err
			}
		}
	}
}
