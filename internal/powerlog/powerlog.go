// Package powerlog is the power logger role: it samples the advertiser's
// supply on its own goroutine, decodes trials from the session and pulse
// lines, and writes one power log with an energy footer per kept trial.
package powerlog

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sweeney/beacon-harness/internal/energy"
	"github.com/sweeney/beacon-harness/internal/gate"
	"github.com/sweeney/beacon-harness/internal/influx"
	"github.com/sweeney/beacon-harness/internal/logging"
	"github.com/sweeney/beacon-harness/internal/metrics"
	"github.com/sweeney/beacon-harness/internal/mqtt"
	"github.com/sweeney/beacon-harness/internal/protocol"
	"github.com/sweeney/beacon-harness/internal/sensor"
	"github.com/sweeney/beacon-harness/internal/status"
	"github.com/sweeney/beacon-harness/internal/storage"
	"github.com/sweeney/beacon-harness/internal/trial"
)

// Role is the node role name.
const Role = "powerlog"

const sinkTimeout = 5 * time.Second

// Config holds the node settings.
type Config struct {
	Timing     protocol.Timing
	Conditions trial.Table
	RingSize   int
	// BatchSize is how many samples are buffered before a write.
	BatchSize  int
	MaxUpdates int
	Heartbeat  time.Duration
}

// Deps are the node's collaborators. Store and Sampler are required; the
// rest default to no-ops.
type Deps struct {
	Store     *storage.Store
	Sampler   sensor.Sampler
	Publisher mqtt.Publisher
	Sink      influx.Sink
	Tracker   *status.Tracker
	Log       *logrus.Entry
	// EdgeDrops reports edges lost by the line watcher, if any.
	EdgeDrops func() uint64
}

type reading struct {
	at time.Time
	mv float64
	ua float64
}

func (r reading) stamp() time.Time { return r.at }

// Node is the power logger. SampleAt and Sample run on the producer
// goroutine; everything else runs on the main loop.
type Node struct {
	cfg  Config
	deps Deps

	gate      *gate.Gate[reading]
	parseErrs atomic.Uint64
	readErrs  atomic.Uint64
	exported  uint64 // ring drops already added to the metric

	cur *open
}

// open is the trial being recorded.
type open struct {
	index int
	id    int
	name  string
	known bool
	start time.Time
	file  *storage.TrialFile
	log   *storage.PowerLog
	acc   energy.Accumulator
	batch []energy.Sample

	updates     int
	ringDrop0   uint64
	parse0      uint64
	warnedDrop  bool
	warnedParse bool
}

// New builds the node. start seeds the decoder's uptime and heartbeat clock.
func New(cfg Config, deps Deps, start time.Time) (*Node, error) {
	if deps.Store == nil || deps.Sampler == nil {
		return nil, errors.New("powerlog: store and sampler are required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
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
	n.gate = gate.New(protocol.NewDecoder(cfg.Timing, start), cfg.RingSize, reading.stamp, gate.Handler[reading]{
		Begin: n.begin,
		Add:   n.add,
		End:   n.end,
		Note:  n.note,
	})
	n.gate.SetMaxUpdates(cfg.MaxUpdates)
	return n, nil
}

// SampleAt reads the sensor once and queues the reading stamped now.
// Malformed readings are counted and skipped. Only a closed sampler is an
// error.
func (n *Node) SampleAt(now time.Time) error {
	r, err := n.deps.Sampler.Read()
	switch {
	case err == nil:
	case errors.Is(err, sensor.ErrParse):
		n.parseErrs.Add(1)
		metrics.ParseErrors.WithLabelValues(Role).Inc()
		return nil
	case errors.Is(err, sensor.ErrClosed):
		return err
	default:
		if n.readErrs.Add(1) == 1 {
			n.deps.Log.WithError(err).Warn("sensor read failed")
		}
		return nil
	}
	n.gate.Push(reading{at: now, mv: r.MilliVolt, ua: r.MicroAmp})
	return nil
}

// Sample calls SampleAt on every tick until ctx is done.
func (n *Node) Sample(ctx context.Context, tick <-chan time.Time, now func() time.Time) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
			if err := n.SampleAt(now()); err != nil {
				return fmt.Errorf("sample: %w", err)
			}
		}
	}
}

// HandleEdge feeds one line edge.
func (n *Node) HandleEdge(e protocol.Edge) error {
	err := n.gate.Edge(e)
	n.after(e.Time)
	return err
}

// Poll drains the ring and advances the decoder timers.
func (n *Node) Poll(now time.Time) error {
	err := n.gate.Poll(now)
	n.after(now)
	return err
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

// ParseErrors returns the number of malformed sensor readings.
func (n *Node) ParseErrors() uint64 {
	return n.parseErrs.Load()
}

// RingDropped returns the number of readings lost to a full ring.
func (n *Node) RingDropped() uint64 {
	return n.gate.Dropped()
}

func (n *Node) after(now time.Time) {
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
			n.deps.Log.WithField("index", c.index).Warn("sample ring overflow")
		}
		if !c.warnedParse && n.parseErrs.Load() > c.parse0 {
			c.warnedParse = true
			n.deps.Log.WithField("index", c.index).Warn("malformed sensor readings")
		}
		n.deps.Tracker.SetCurrent(c.status())
	}

	drops := status.Drops{Ring: dropped, Parse: n.parseErrs.Load()}
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
		if err := mqtt.PublishStatus(n.deps.Publisher, n.deps.Tracker, mqtt.EventHeartbeat, ""); err != nil {
			n.deps.Log.WithError(err).Warn("heartbeat publish failed")
		}
	}
}

func (n *Node) begin(ev protocol.Event) error {
	ev = n.cfg.Conditions.Resolve(ev)
	metrics.ObserveEvent(Role, ev)
	idx := n.deps.Store.NextIndex()
	name := n.cfg.Conditions.Name(ev.ConditionID, ev.Known)
	f, err := n.deps.Store.Create(storage.PowerFileName(idx, ev.ConditionID, name))
	if err != nil {
		return fmt.Errorf("open trial %d: %w", idx, err)
	}
	pl, err := storage.NewPowerLog(f)
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
		log:       pl,
		batch:     make([]energy.Sample, 0, n.cfg.BatchSize),
		ringDrop0: n.gate.Dropped(),
		parse0:    n.parseErrs.Load(),
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

func (n *Node) add(r reading) error {
	c := n.cur
	if c == nil {
		return nil
	}
	s := energy.Sample{At: r.at.Sub(c.start), MilliVolt: r.mv, MicroAmp: r.ua}
	c.acc.Add(s)
	c.batch = append(c.batch, s)
	if len(c.batch) >= n.cfg.BatchSize {
		return n.flush(c)
	}
	return nil
}

func (n *Node) flush(c *open) error {
	if len(c.batch) == 0 {
		return nil
	}
	if err := c.log.WriteSamples(c.batch); err != nil {
		return fmt.Errorf("write trial %d: %w", c.index, err)
	}
	metrics.RowsWritten.WithLabelValues(Role).Add(float64(len(c.batch)))
	c.batch = c.batch[:0]
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
		ParseErrors: n.parseErrs.Load() - c.parse0,
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
		r.Rows = c.acc.Count()
		err = c.file.Discard()
		log.Info("trial discarded")
	} else {
		err = n.commit(c, ev, &r)
		if err == nil {
			log.WithFields(logrus.Fields{
				"energy_mj":    r.Energy.EnergyMJ,
				"e_per_adv_uj": r.Energy.PerAdvMicroJ,
				"rows":         r.Rows,
			}).Info("trial ended")
			metrics.TrialDuration.WithLabelValues(Role, c.name).Observe(r.Duration().Seconds())
			metrics.TrialEnergy.WithLabelValues(c.name).Set(r.Energy.EnergyMJ)
			metrics.TrialEnergyPerAdv.WithLabelValues(c.name).Set(r.Energy.PerAdvMicroJ)

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
	sum := c.acc.Summary(ev.Duration(), ev.Updates)
	r.Energy = &sum
	r.Rows = c.log.Rows()

	err := c.log.WriteFooter(storage.Footer{
		Summary:     sum,
		ConditionID: ev.ConditionID,
		Condition:   c.name,
		ParseDrop:   r.ParseErrors,
		RingDrop:    r.RingDrop,
	})
	if err != nil {
		c.file.Discard()
		return fmt.Errorf("write footer for trial %d: %w", c.index, err)
	}
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
		EnergyMJ:    sum.EnergyMJ,
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
		Rows:        c.log.Rows() + len(c.batch),
	}
}
