// Package advertiser is the transmitting role. It plays the condition
// schedule: for each trial it opens a session on the lines, then steps the
// interval controller on an absolute grid, pushing one beacon payload and one
// pulse per step, and closes the session.
package advertiser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sweeney/beacon-harness/internal/beacon"
	"github.com/sweeney/beacon-harness/internal/clock"
	"github.com/sweeney/beacon-harness/internal/gpio"
	"github.com/sweeney/beacon-harness/internal/logging"
	"github.com/sweeney/beacon-harness/internal/metrics"
	"github.com/sweeney/beacon-harness/internal/mqtt"
	"github.com/sweeney/beacon-harness/internal/policy"
	"github.com/sweeney/beacon-harness/internal/protocol"
	"github.com/sweeney/beacon-harness/internal/radio"
	"github.com/sweeney/beacon-harness/internal/signal"
	"github.com/sweeney/beacon-harness/internal/status"
	"github.com/sweeney/beacon-harness/internal/trial"
)

// Role is the node role name.
const Role = "advertiser"

var (
	ErrConfig = errors.New("advertiser: invalid configuration")
	ErrDeps   = errors.New("advertiser: missing dependency")
)

// Config holds the schedule and step grid.
type Config struct {
	Timing     protocol.Timing
	Params     policy.Params
	Conditions trial.Table
	// Schedule lists condition ids in play order; empty plays the table.
	Schedule      []int
	Repeat        int
	Step          time.Duration
	StepsPerTrial int
	Gap           time.Duration
	Heartbeat     time.Duration
}

// Deps are the node's collaborators. Clock, Output, Radio and at least one
// series are required.
type Deps struct {
	Clock     clock.Clock
	Output    gpio.Output
	Radio     radio.Advertiser
	Series    []*signal.Series
	Publisher mqtt.Publisher
	Tracker   *status.Tracker
	Log       *logrus.Entry
}

// Result summarises one played trial.
type Result struct {
	Index       int
	Condition   trial.Condition
	Session     int
	Start       time.Time
	End         time.Time
	Steps       int
	RateChanges int
	Overruns    int
	// Dwell counts the steps spent at each interval.
	Dwell map[time.Duration]int
}

// Node plays the schedule. It is not safe for concurrent use.
type Node struct {
	cfg  Config
	deps Deps

	index    int
	counts   protocol.Counts
	lastBeat time.Time
	results  []Result
}

// New validates cfg against deps and builds the node.
func New(cfg Config, deps Deps) (*Node, error) {
	if deps.Clock == nil || deps.Output == nil || deps.Radio == nil {
		return nil, fmt.Errorf("%w: clock, output and radio are required", ErrDeps)
	}
	if len(deps.Series) == 0 {
		return nil, fmt.Errorf("%w: no reference series", ErrDeps)
	}
	for i, s := range deps.Series {
		if s == nil || s.Len() == 0 {
			return nil, fmt.Errorf("%w: series %d is empty", ErrDeps, i)
		}
	}
	if cfg.Step <= 0 || cfg.StepsPerTrial <= 0 {
		return nil, fmt.Errorf("%w: step %v, steps per trial %d", ErrConfig, cfg.Step, cfg.StepsPerTrial)
	}
	if cfg.Gap < 0 {
		return nil, fmt.Errorf("%w: negative gap", ErrConfig)
	}
	if err := cfg.Timing.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Params.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Conditions.Validate(cfg.Timing.MaxCondition); err != nil {
		return nil, err
	}
	if len(cfg.Schedule) == 0 {
		for _, c := range cfg.Conditions {
			cfg.Schedule = append(cfg.Schedule, c.ID)
		}
	}
	for _, id := range cfg.Schedule {
		if _, ok := cfg.Conditions.Lookup(id); !ok {
			return nil, fmt.Errorf("%w: condition %d not in table", ErrConfig, id)
		}
	}
	if cfg.Repeat < 1 {
		cfg.Repeat = 1
	}

	if deps.Publisher == nil {
		deps.Publisher = mqtt.Nop{}
	}
	if deps.Log == nil {
		deps.Log = logging.Discard()
	}
	if deps.Tracker == nil {
		deps.Tracker = status.NewTracker(deps.Clock.Now(), status.Config{Role: Role})
	}
	return &Node{cfg: cfg, deps: deps, lastBeat: deps.Clock.Now()}, nil
}

// Results returns the trials played so far.
func (n *Node) Results() []Result {
	return append([]Result(nil), n.results...)
}

// Run plays the whole schedule. Cancelling ctx drives both lines low, stops
// the radio and returns nil.
func (n *Node) Run(ctx context.Context) error {
	n.phase(protocol.PhaseIdle)
	played := 0
	for r := 0; r < n.cfg.Repeat; r++ {
		for _, id := range n.cfg.Schedule {
			cond, _ := n.cfg.Conditions.Lookup(id)
			series := n.deps.Series[played%len(n.deps.Series)]
			played++

			src, err := cond.Source(series)
			if err != nil {
				return fmt.Errorf("source for %s: %w", cond.Name, err)
			}
			if err := n.runTrial(ctx, cond, src); err != nil {
				if ctx.Err() != nil {
					return n.stop()
				}
				return err
			}
		}
	}
	n.deps.Log.WithField("trials", len(n.results)).Info("schedule complete")
	return nil
}

func (n *Node) runTrial(ctx context.Context, cond trial.Condition, src signal.Source) error {
	n.index++
	ctrl := policy.NewController(n.cfg.Params, cond.Mode, cond.FixedRate)
	res := Result{
		Index:     n.index,
		Condition: cond,
		Session:   src.SessionID(),
		Steps:     n.cfg.StepsPerTrial,
		Dwell:     make(map[time.Duration]int),
	}
	log := n.deps.Log.WithFields(logrus.Fields{"index": n.index, "cond_id": cond.ID, "cond": cond.Name})

	n.radioErr(log, "interval", n.deps.Radio.SetInterval(ctrl.Rate()))

	open, err := n.cfg.Timing.Open(cond.ID)
	if err != nil {
		return fmt.Errorf("open %s: %w", cond.Name, err)
	}
	base := n.deps.Clock.Now()
	n.phase(protocol.PhasePreamble)
	if err := n.play(ctx, open, base); err != nil {
		return err
	}
	res.Start = base.Add(n.cfg.Timing.OpenLength())
	if err := n.deps.Clock.SleepUntil(ctx, res.Start); err != nil {
		return err
	}

	n.counts.Started++
	n.phase(protocol.PhaseRecording)
	n.event(protocol.Event{
		Type:        protocol.EventTrialStart,
		Time:        res.Start,
		Start:       res.Start,
		Pulses:      cond.ID,
		ConditionID: cond.ID,
		Known:       true,
	}, cond.Name)
	log.WithFields(logrus.Fields{"session": res.Session, "mode": cond.Mode}).Info("trial started")

	warned := false
	for k := 0; k < n.cfg.StepsPerTrial; k++ {
		deadline := res.Start.Add(time.Duration(k) * n.cfg.Step)
		if err := n.deps.Clock.SleepUntil(ctx, deadline); err != nil {
			return err
		}
		if n.deps.Clock.Now().Sub(deadline) >= n.cfg.Step {
			res.Overruns++
			metrics.StepOverruns.Inc()
			if !warned {
				warned = true
				log.WithField("step", k).Warn("step overran its slot")
			}
		}

		p := src.At(k)
		rate, changed := ctrl.Step(p.U, p.C)
		if changed {
			res.RateChanges++
			metrics.RateChanges.WithLabelValues(cond.Name).Inc()
			n.radioErr(log, "interval", n.deps.Radio.SetInterval(rate))
		}
		payload, err := beacon.Encode(beacon.Payload{
			Step: k,
			Tag:  beacon.Tag{Mode: cond.Mode, Session: res.Session, Label: p.Label, Rate: rate},
		})
		if err != nil {
			return err
		}
		n.radioErr(log, "payload", n.deps.Radio.SetPayload(payload))
		if k == 0 {
			n.radioErr(log, "start", n.deps.Radio.Start())
		}
		if err := n.pulse(ctx); err != nil {
			return err
		}

		res.Dwell[rate]++
		metrics.StepsTotal.WithLabelValues(cond.Name).Inc()
		metrics.AdvInterval.Set(float64(rate.Milliseconds()))
		n.deps.Tracker.SetCurrent(&status.Current{
			Index:       res.Index,
			ConditionID: cond.ID,
			Condition:   cond.Name,
			Known:       true,
			Start:       res.Start,
			Updates:     k + 1,
			Step:        k,
			Interval:    rate,
		})
		n.heartbeat(n.deps.Clock.Now())
	}

	res.End = res.Start.Add(time.Duration(n.cfg.StepsPerTrial) * n.cfg.Step)
	if err := n.deps.Clock.SleepUntil(ctx, res.End); err != nil {
		return err
	}
	n.radioErr(log, "stop", n.deps.Radio.Stop())
	if err := n.play(ctx, n.cfg.Timing.Close(), res.End); err != nil {
		return err
	}

	n.counts.Ended++
	r := trial.Report{
		Role:        Role,
		Index:       res.Index,
		ConditionID: cond.ID,
		Condition:   cond.Name,
		Known:       true,
		Start:       res.Start,
		End:         res.End,
		Reason:      protocol.ReasonSessionEnd,
		Updates:     n.cfg.StepsPerTrial,
	}
	metrics.ObserveEvent(Role, protocol.Event{Type: protocol.EventTrialEnd})
	metrics.TrialDuration.WithLabelValues(Role, cond.Name).Observe(r.Duration().Seconds())
	n.publish(mqtt.FromReport(r))
	n.deps.Tracker.SetCurrent(nil)
	n.deps.Tracker.SetLast(r)
	n.phase(protocol.PhaseIdle)
	n.results = append(n.results, res)
	log.WithFields(logrus.Fields{
		"rate_changes": res.RateChanges,
		"overruns":     res.Overruns,
	}).Info("trial ended")

	return n.deps.Clock.SleepUntil(ctx, res.End.Add(n.cfg.Gap))
}

// play drives a schedule relative to base.
func (n *Node) play(ctx context.Context, steps []protocol.Step, base time.Time) error {
	for _, s := range steps {
		if err := n.deps.Clock.SleepUntil(ctx, base.Add(s.At)); err != nil {
			return err
		}
		if err := n.deps.Output.Set(s.Line, s.High); err != nil {
			return fmt.Errorf("set %s: %w", s.Line, err)
		}
	}
	return nil
}

func (n *Node) pulse(ctx context.Context) error {
	return n.play(ctx, n.cfg.Timing.Update(), n.deps.Clock.Now())
}

// stop leaves the lines low and the radio quiet.
func (n *Node) stop() error {
	n.deps.Log.Info("stopping, closing session")
	var errs []error
	for _, l := range []protocol.Line{protocol.LinePulse, protocol.LineSession} {
		if err := n.deps.Output.Set(l, false); err != nil {
			errs = append(errs, fmt.Errorf("set %s: %w", l, err))
		}
	}
	n.radioErr(n.deps.Log, "stop", n.deps.Radio.Stop())
	n.deps.Tracker.SetCurrent(nil)
	n.phase(protocol.PhaseIdle)
	return errors.Join(errs...)
}

// radioErr logs and counts a radio failure. Radio errors never stop the run.
func (n *Node) radioErr(log *logrus.Entry, op string, err error) {
	if err == nil {
		return
	}
	metrics.RadioErrors.WithLabelValues(op).Inc()
	log.WithError(err).WithField("op", op).Warn("radio operation failed")
}

func (n *Node) phase(p protocol.Phase) {
	n.deps.Tracker.Update(p, n.counts)
}

func (n *Node) heartbeat(now time.Time) {
	if n.cfg.Heartbeat <= 0 || now.Sub(n.lastBeat) < n.cfg.Heartbeat {
		return
	}
	n.lastBeat = now
	n.deps.Log.WithFields(logrus.Fields{
		"started": n.counts.Started,
		"ended":   n.counts.Ended,
	}).Info("heartbeat")
	if err := mqtt.PublishStatus(n.deps.Publisher, n.deps.Tracker, mqtt.EventHeartbeat, ""); err != nil {
		n.deps.Log.WithError(err).Warn("heartbeat publish failed")
	}
}

func (n *Node) event(ev protocol.Event, name string) {
	metrics.ObserveEvent(Role, ev)
	n.publish(mqtt.FromEvent(Role, n.index, name, ev))
}

func (n *Node) publish(te mqtt.TrialEvent) {
	if err := n.deps.Publisher.PublishTrial(te); err != nil {
		n.deps.Log.WithError(err).Warn("trial publish failed")
	}
}
