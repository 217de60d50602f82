// Package receiver is the receiver role: it passively scans for the
// advertiser's beacons, decodes trials from the session and pulse lines,
// and writes one row per beacon received inside each trial.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sweeney/beacon-harness/internal/beacon"
	"github.com/sweeney/beacon-harness/internal/gate"
	"github.com/sweeney/beacon-harness/internal/influx"
	"github.com/sweeney/beacon-harness/internal/logging"
	"github.com/sweeney/beacon-harness/internal/metrics"
	"github.com/sweeney/beacon-harness/internal/mqtt"
	"github.com/sweeney/beacon-harness/internal/protocol"
	"github.com/sweeney/beacon-harness/internal/radio"
	"github.com/sweeney/beacon-harness/internal/status"
	"github.com/sweeney/beacon-harness/internal/storage"
	"github.com/sweeney/beacon-harness/internal/trial"
)

// Role is the node role name.
const Role = "receiver"

const sinkTimeout = 5 * time.Second

// Config holds the node settings.
type Config struct {
	Timing     protocol.Timing
	Conditions trial.Table
	RingSize   int
	MaxUpdates int
	Heartbeat  time.Duration
}

// Deps are the node's collaborators. Store is required.
type Deps struct {
	Store     *storage.Store
	Publisher mqtt.Publisher
	Sink      influx.Sink
	Tracker   *status.Tracker
	Log       *logrus.Entry
	EdgeDrops func() uint64
}

func stamp(o radio.Observation) time.Time { return o.Time }

// Node is the receiver. Observe runs in the radio's context; everything
// else runs on the main loop.
type Node struct {
	cfg  Config
	deps Deps

	gate      *gate.Gate[radio.Observation]
	parseErrs uint64
	exported  uint64

	cur *open
}

type open struct {
	index int
	id    int
	name  string
	known bool
	start time.Time
	file  *storage.TrialFile
	log   *storage.RxLog
	rows  []storage.RxRow

	updates     int
	ringDrop0   uint64
	parse0      uint64
	warnedDrop  bool
	warnedParse bool
}

// New builds the node.
func New(cfg Config, deps Deps, start time.Time) (*Node, error) {
	if deps.Store == nil {
		return nil, errors.New("receiver: store is required")
	}
	if deps.Publisher == nil {
		deps.Publisher = mqtt.Nop{}
	}
	if deps.Sink == nil {
		deps.Sink = influx.Nop{}
	}
	if deps.Tracker == nil {
		deps.Tracker = status.NewTracker(start, status.Config{Role: Role})
	}
	if deps.Log == nil {
		deps.Log = logging.Discard()
	}

	n := &Node{cfg: cfg, deps: deps}
	n.gate = gate.New(protocol.NewDecoder(cfg.Timing, start), cfg.RingSize, stamp, gate.Handler[radio.Observation]{
		Begin: n.begin,
		Add:   n.add,
		End:   n.end,
		Note:  n.note,
	})
	n.gate.SetMaxUpdates(cfg.MaxUpdates)
	return n, nil
}

// Observe queues one observation. It never blocks; a full ring drops it.
func (n *Node) Observe(o radio.Observation) {
	n.gate.Push(o)
}

// Scan feeds every observation from s into the node until ctx is done.
func (n *Node) Scan(ctx context.Context, s radio.Scanner) error {
	if err := s.Scan(ctx, n.Observe); err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	return nil
}

// HandleEdge feeds one line edge.
func (n *Node) HandleEdge(e protocol.Edge) error {
	err := n.gate.Edge(e)
	return n.after(e.Time, err)
}

// Poll drains the ring and advances the decoder timers.
func (n *Node) Poll(now time.Time) error {
	err := n.gate.Poll(now)
	return n.after(now, err)
}

// Close discards a trial that is still open.
func (n *Node) Close() error {
	c := n.cur
	if c == nil {
		return nil
	}
	n.cur = nil
	n.deps.Tracker.SetCurrent(nil)
	n.deps.Log.WithField("index", c.index).Warn("discarding open trial on shutdown")
	return c.file.Discard()
}

// ParseErrors returns the number of payloads that did not parse.
func (n *Node) ParseErrors() uint64 {
	return n.parseErrs
}

// RingDropped returns the number of observations lost to a full ring.
func (n *Node) RingDropped() uint64 {
	return n.gate.Dropped()
}

func (n *Node) after(now time.Time, err error) error {
	dec := n.gate.Decoder()
	dropped := n.gate.Dropped()
	if dropped > n.exported {
		metrics.RingDropped.WithLabelValues(Role).Add(float64(dropped - n.exported))
		n.exported = dropped
	}
	metrics.RingDepth.WithLabelValues(Role).Set(float64(n.gate.Depth()))

	if c := n.cur; c != nil {
		if !c.warnedDrop && dropped > c.ringDrop0 {
			c.warnedDrop = true
			n.deps.Log.WithField("index", c.index).Warn("observation ring overflow")
		}
		err = errors.Join(err, n.flush(c))
		n.deps.Tracker.SetCurrent(c.status())
	}

	drops := status.Drops{Ring: dropped, Parse: n.parseErrs}
	if n.deps.EdgeDrops != nil {
		drops.Edges = n.deps.EdgeDrops()
	}
	n.deps.Tracker.SetDrops(drops)
	n.deps.Tracker.Update(dec.Phase(), dec.Counts())

	if hb := dec.CheckHeartbeat(now, n.cfg.Heartbeat); hb != nil {
		n.deps.Log.WithFields(logrus.Fields{
			"uptime":  hb.Uptime,
			"phase":   hb.Phase,
			"started": hb.Counts.Started,
			"ended":   hb.Counts.Ended,
		}).Info("heartbeat")
		if perr := mqtt.PublishStatus(n.deps.Publisher, n.deps.Tracker, mqtt.EventHeartbeat, ""); perr != nil {
			n.deps.Log.WithError(perr).Warn("heartbeat publish failed")
		}
	}
	return err
}

func (n *Node) begin(ev protocol.Event) error {
	ev = n.cfg.Conditions.Resolve(ev)
	metrics.ObserveEvent(Role, ev)
	idx := n.deps.Store.NextIndex()
	name := n.cfg.Conditions.Name(ev.ConditionID, ev.Known)
	f, err := n.deps.Store.Create(storage.RxFileName(idx, ev.ConditionID))
	if err != nil {
		return fmt.Errorf("open trial %d: %w", idx, err)
	}
	rl, err := storage.NewRxLog(f)
	if err != nil {
		f.Discard()
		return fmt.Errorf("write header for trial %d: %w", idx, err)
	}
	n.cur = &open{
		index:     idx,
		id:        ev.ConditionID,
		name:      name,
		known:     ev.Known,
		start:     ev.Start,
		file:      f,
		log:       rl,
		ringDrop0: n.gate.Dropped(),
		parse0:    n.parseErrs,
	}

	log := n.deps.Log.WithFields(logrus.Fields{"index": idx, "cond_id": ev.ConditionID, "cond": name})
	log.Info("trial started")
	if !ev.Known {
		log.WithField("pulses", ev.Pulses).Warn("condition not decoded, recording as unknown")
	}
	n.publish(mqtt.FromEvent(Role, idx, name, ev))
	n.deps.Tracker.SetCurrent(n.cur.status())
	return nil
}

func (n *Node) add(o radio.Observation) error {
	c := n.cur
	if c == nil {
		return nil
	}
	p, err := beacon.Parse(o.Payload)
	if err != nil {
		n.parseErrs++
		metrics.ParseErrors.WithLabelValues(Role).Inc()
		if !c.warnedParse {
			c.warnedParse = true
			n.deps.Log.WithError(err).WithField("index", c.index).Warn("skipping unparsable payload")
		}
		return nil
	}
	c.rows = append(c.rows, storage.RxRow{
		Ms:    o.Time.Sub(c.start).Milliseconds(),
		Event: o.Kind,
		RSSI:  o.RSSI,
		Seq:   p.Step,
		Label: p.Tag.Label,
		Addr:  o.Address,
		Mfd:   strings.TrimSpace(string(o.Payload)),
	})
	return nil
}

func (n *Node) flush(c *open) error {
	if len(c.rows) == 0 {
		return nil
	}
	if err := c.log.Write(c.rows); err != nil {
		return fmt.Errorf("write trial %d: %w", c.index, err)
	}
	metrics.RowsWritten.WithLabelValues(Role).Add(float64(len(c.rows)))
	c.rows = c.rows[:0]
	if err := c.file.Flush(); err != nil {
		return fmt.Errorf("flush trial %d: %w", c.index, err)
	}
	return nil
}

func (n *Node) end(ev protocol.Event) error {
	ev = n.cfg.Conditions.Resolve(ev)
	metrics.ObserveEvent(Role, ev)
	c := n.cur
	if c == nil {
		return nil
	}
	n.cur = nil
	n.deps.Tracker.SetCurrent(nil)

	r := trial.Report{
		Role:        Role,
		Index:       c.index,
		ConditionID: ev.ConditionID,
		Condition:   c.name,
		Known:       ev.Known,
		Start:       ev.Start,
		End:         ev.Time,
		Reason:      ev.Reason,
		Discarded:   ev.Type == protocol.EventTrialDiscarded,
		Updates:     ev.Updates,
		RingDrop:    n.gate.Dropped() - c.ringDrop0,
		ParseErrors: n.parseErrs - c.parse0,
	}
	log := n.deps.Log.WithFields(logrus.Fields{
		"index":    c.index,
		"cond":     c.name,
		"reason":   ev.Reason,
		"duration": r.Duration(),
		"updates":  ev.Updates,
	})

	var err error
	if r.Discarded {
		r.Rows = c.log.Rows() + len(c.rows)
		err = c.file.Discard()
		log.Info("trial discarded")
	} else {
		err = n.commit(c, ev, &r)
		if err == nil {
			log.WithField("rows", r.Rows).Info("trial ended")
			metrics.TrialDuration.WithLabelValues(Role, c.name).Observe(r.Duration().Seconds())

			ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
			if serr := n.deps.Sink.Write(ctx, r); serr != nil {
				log.WithError(serr).Warn("summary write failed")
			}
			cancel()
		}
	}
	n.publish(mqtt.FromReport(r))
	n.deps.Tracker.SetLast(r)
	return err
}

func (n *Node) commit(c *open, ev protocol.Event, r *trial.Report) error {
	if err := n.flush(c); err != nil {
		c.file.Discard()
		return err
	}
	r.Rows = c.log.Rows()
	file, err := c.file.Commit()
	if err != nil {
		return err
	}
	r.File = file

	return n.deps.Store.Record(storage.Entry{
		Index:       c.index,
		File:        path.Base(file),
		ConditionID: ev.ConditionID,
		Condition:   c.name,
		Known:       ev.Known,
		Start:       ev.Start.UTC(),
		End:         ev.Time.UTC(),
		Reason:      string(ev.Reason),
		Rows:        r.Rows,
		Updates:     ev.Updates,
		RingDrop:    r.RingDrop,
		ParseErrors: r.ParseErrors,
	})
}

func (n *Node) note(ev protocol.Event) {
	metrics.ObserveEvent(Role, ev)
	switch ev.Type {
	case protocol.EventUpdate:
		if n.cur != nil {
			n.cur.updates = ev.Updates
		}
	case protocol.EventStartCancelled:
		n.deps.Log.WithField("pulses", ev.Pulses).Debug("start cancelled")
	case protocol.EventGlitch:
		n.deps.Log.WithField("updates", ev.Updates).Debug("session glitch, trial continues")
	}
}

func (n *Node) publish(te mqtt.TrialEvent) {
	if err := n.deps.Publisher.PublishTrial(te); err != nil {
		n.deps.Log.WithError(err).Warn("trial publish failed")
	}
}

func (c *open) status() *status.Current {
	return &status.Current{
		Index:       c.index,
		ConditionID: c.id,
		Condition:   c.name,
		Known:       c.known,
		Start:       c.start,
		Updates:     c.updates,
		Rows:        c.log.Rows() + len(c.rows),
	}
}
