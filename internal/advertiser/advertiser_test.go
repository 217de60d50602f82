package advertiser

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/beacon-harness/internal/beacon"
	"github.com/sweeney/beacon-harness/internal/clock"
	"github.com/sweeney/beacon-harness/internal/gpio"
	"github.com/sweeney/beacon-harness/internal/mqtt"
	"github.com/sweeney/beacon-harness/internal/policy"
	"github.com/sweeney/beacon-harness/internal/protocol"
	"github.com/sweeney/beacon-harness/internal/radio"
	"github.com/sweeney/beacon-harness/internal/signal"
	"github.com/sweeney/beacon-harness/internal/status"
	"github.com/sweeney/beacon-harness/internal/trial"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

const steps = 20

type rig struct {
	clk     *clock.Fake
	bus     *gpio.Bus
	air     *radio.Air
	ad      *radio.SimAdvertiser
	pub     *mqtt.FakePublisher
	tracker *status.Tracker
	obs     []radio.Observation
}

func newRig() *rig {
	r := &rig{clk: clock.NewFake(t0, 5*time.Millisecond), pub: mqtt.NewFakePublisher()}
	r.bus = gpio.NewBus(r.clk.Now)
	r.air = radio.NewAir(0, 1)
	r.ad = r.air.NewAdvertiser("DC:A6:32:00:00:01", r.clk.Now)
	r.air.Listen(func(o radio.Observation) { r.obs = append(r.obs, o) })
	r.clk.OnAdvance(r.air.Advance)
	r.tracker = status.NewTracker(t0, status.Config{Role: Role})
	return r
}

func testConfig(schedule ...int) Config {
	timing := protocol.DefaultTiming()
	timing.MinTrial = time.Second
	return Config{
		Timing:        timing,
		Params:        policy.DefaultParams(),
		Conditions:    trial.DefaultTable(),
		Schedule:      schedule,
		Repeat:        1,
		Step:          100 * time.Millisecond,
		StepsPerTrial: steps,
		Gap:           time.Second,
	}
}

func constant(session int, u, c float64) *signal.Series {
	s := &signal.Series{Session: session}
	for i := 0; i < steps; i++ {
		s.Points = append(s.Points, signal.Point{U: u, C: c, Label: i % 3})
	}
	return s
}

func (r *rig) node(t *testing.T, cfg Config, series ...*signal.Series) *Node {
	t.Helper()
	if len(series) == 0 {
		series = []*signal.Series{constant(4, 0, 0)}
	}
	n, err := New(cfg, Deps{
		Clock:     r.clk,
		Output:    r.bus,
		Radio:     r.ad,
		Series:    series,
		Publisher: r.pub,
		Tracker:   r.tracker,
	})
	require.NoError(t, err)
	return n
}

func decode(timing protocol.Timing, edges []protocol.Edge) []protocol.Event {
	dec := protocol.NewDecoder(timing, t0)
	var out []protocol.Event
	for _, e := range edges {
		out = append(out, dec.Process(e)...)
	}
	if len(edges) > 0 {
		out = append(out, dec.Tick(edges[len(edges)-1].Time.Add(time.Second))...)
	}
	return out
}

func TestTrialDrivesLines(t *testing.T) {
	r := newRig()
	cfg := testConfig(1)
	n := r.node(t, cfg)
	require.NoError(t, n.Run(context.Background()))

	edges := r.bus.History()
	require.Len(t, edges, 1+2+2*steps+1)
	assert.Equal(t, protocol.Edge{Line: protocol.LineSession, High: true, Time: t0}, edges[0])

	start := t0.Add(cfg.Timing.OpenLength())
	var rises []time.Duration
	for _, e := range edges {
		if e.Line == protocol.LinePulse && e.High && !e.Time.Before(start) {
			rises = append(rises, e.Time.Sub(start))
		}
	}
	require.Len(t, rises, steps)
	for k, d := range rises {
		assert.Equal(t, time.Duration(k)*cfg.Step, d)
	}

	last := edges[len(edges)-1]
	assert.Equal(t, protocol.LineSession, last.Line)
	assert.False(t, last.High)
	assert.Equal(t, start.Add(steps*cfg.Step), last.Time)

	evs := decode(cfg.Timing, edges)
	require.NotEmpty(t, evs)
	assert.Equal(t, protocol.EventTrialStart, evs[0].Type)
	assert.Equal(t, 1, evs[0].ConditionID)
	assert.True(t, evs[0].Known)
	end := evs[len(evs)-1]
	assert.Equal(t, protocol.EventTrialEnd, end.Type)
	assert.Equal(t, steps, end.Updates)

	// The gap is slept after the session closes.
	assert.Equal(t, last.Time.Add(cfg.Gap), r.clk.Now())
}

func TestFixedModeKeepsRate(t *testing.T) {
	r := newRig()
	n := r.node(t, testConfig(2), constant(4, 1, 1))
	require.NoError(t, n.Run(context.Background()))

	res := n.Results()
	require.Len(t, res, 1)
	assert.Equal(t, 0, res[0].RateChanges)
	assert.Equal(t, map[time.Duration]int{500 * time.Millisecond: steps}, res[0].Dwell)
	assert.Equal(t, 500*time.Millisecond, r.ad.Interval())
}

func TestPolicySwitchesFastOnFirstStep(t *testing.T) {
	r := newRig()
	n := r.node(t, testConfig(3), constant(4, 1, 0))
	require.NoError(t, n.Run(context.Background()))

	res := n.Results()
	require.Len(t, res, 1)
	assert.Equal(t, 1, res[0].RateChanges)
	assert.Equal(t, map[time.Duration]int{100 * time.Millisecond: steps}, res[0].Dwell)

	require.NotEmpty(t, r.obs)
	p, err := beacon.Parse(r.obs[len(r.obs)-1].Payload)
	require.NoError(t, err)
	assert.Equal(t, steps-1, p.Step)
	assert.Equal(t, policy.ModePolicy, p.Tag.Mode)
	assert.Equal(t, 4, p.Tag.Session)
	assert.Equal(t, 100*time.Millisecond, p.Tag.Rate)
}

func TestSlowSignalStaysSlow(t *testing.T) {
	r := newRig()
	n := r.node(t, testConfig(5), constant(4, 0.05, 0))
	require.NoError(t, n.Run(context.Background()))

	res := n.Results()
	require.Len(t, res, 1)
	assert.Equal(t, 0, res[0].RateChanges)
	assert.Equal(t, map[time.Duration]int{500 * time.Millisecond: steps}, res[0].Dwell)
}

func TestScheduleRepeatsAndRotatesSeries(t *testing.T) {
	r := newRig()
	cfg := testConfig(2, 1)
	cfg.Repeat = 2
	n := r.node(t, cfg, constant(7, 0, 0), constant(8, 0, 0))
	require.NoError(t, n.Run(context.Background()))

	res := n.Results()
	require.Len(t, res, 4)
	var ids, sessions, idx []int
	for _, x := range res {
		ids = append(ids, x.Condition.ID)
		sessions = append(sessions, x.Session)
		idx = append(idx, x.Index)
	}
	assert.Equal(t, []int{2, 1, 2, 1}, ids)
	assert.Equal(t, []int{7, 8, 7, 8}, sessions)
	assert.Equal(t, []int{1, 2, 3, 4}, idx)

	snap := r.tracker.Snapshot()
	assert.Equal(t, 4, snap.Counts.Started)
	assert.Equal(t, 4, snap.Counts.Ended)
	assert.Nil(t, snap.Current)
	require.NotNil(t, snap.Last)
	assert.Equal(t, "fixed100", snap.Last.Condition)

	trials := r.pub.Trials()
	require.Len(t, trials, 8)
	assert.Equal(t, protocol.EventTrialStart, trials[0].Event)
	assert.Equal(t, protocol.EventTrialEnd, trials[1].Event)
}

func TestEmptyScheduleFollowsTable(t *testing.T) {
	r := newRig()
	n := r.node(t, testConfig())
	require.NoError(t, n.Run(context.Background()))
	assert.Len(t, n.Results(), len(trial.DefaultTable()))
}

func TestCancelStopsSession(t *testing.T) {
	r := newRig()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopAt := t0.Add(3 * time.Second)
	r.clk.OnAdvance(func(now time.Time) {
		if !now.Before(stopAt) {
			cancel()
		}
	})
	n := r.node(t, testConfig(1))
	require.NoError(t, n.Run(ctx))

	for _, l := range []protocol.Line{protocol.LineSession, protocol.LinePulse} {
		high, err := r.bus.Level(l)
		require.NoError(t, err)
		assert.False(t, high, l.String())
	}
	assert.Empty(t, n.Results())

	sent := r.ad.Sent()
	r.air.Advance(r.clk.Now().Add(time.Second))
	assert.Equal(t, sent, r.ad.Sent(), "radio keeps advertising after cancel")
}

type brokenRadio struct{ calls int }

func (b *brokenRadio) SetInterval(time.Duration) error { b.calls++; return radio.ErrClosed }
func (b *brokenRadio) SetPayload([]byte) error         { b.calls++; return radio.ErrClosed }
func (b *brokenRadio) Start() error                    { return radio.ErrClosed }
func (b *brokenRadio) Stop() error                     { return radio.ErrClosed }
func (b *brokenRadio) Close() error                    { return nil }

func TestRadioErrorsDoNotStopRun(t *testing.T) {
	r := newRig()
	br := &brokenRadio{}
	n, err := New(testConfig(1), Deps{
		Clock:  r.clk,
		Output: r.bus,
		Radio:  br,
		Series: []*signal.Series{constant(1, 0, 0)},
	})
	require.NoError(t, err)
	require.NoError(t, n.Run(context.Background()))
	assert.Len(t, n.Results(), 1)
	assert.Equal(t, 1+steps, br.calls)
}

func TestLineErrorIsFatal(t *testing.T) {
	r := newRig()
	busy := errors.New("line busy")
	r.bus.SetError = busy
	n := r.node(t, testConfig(1))
	assert.ErrorIs(t, n.Run(context.Background()), busy)
}

func TestHeartbeatPublished(t *testing.T) {
	r := newRig()
	cfg := testConfig(1)
	cfg.Heartbeat = time.Second
	n := r.node(t, cfg)
	require.NoError(t, n.Run(context.Background()))

	sys := r.pub.Systems()
	require.NotEmpty(t, sys)
	for _, ev := range sys {
		assert.Equal(t, mqtt.EventHeartbeat, ev.Event)
		assert.False(t, ev.Retained)
	}
}

func TestNewValidates(t *testing.T) {
	r := newRig()
	_, err := New(testConfig(1), Deps{})
	assert.ErrorIs(t, err, ErrDeps)

	deps := Deps{Clock: r.clk, Output: r.bus, Radio: r.ad}
	_, err = New(testConfig(1), deps)
	assert.ErrorIs(t, err, ErrDeps)

	deps.Series = []*signal.Series{constant(1, 0, 0)}
	_, err = New(testConfig(7), deps)
	assert.ErrorIs(t, err, ErrConfig)

	cfg := testConfig(1)
	cfg.StepsPerTrial = 0
	_, err = New(cfg, deps)
	assert.ErrorIs(t, err, ErrConfig)
}
