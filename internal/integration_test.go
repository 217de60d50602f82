package internal

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/beacon-harness/internal/advertiser"
	"github.com/sweeney/beacon-harness/internal/bench"
	"github.com/sweeney/beacon-harness/internal/clock"
	"github.com/sweeney/beacon-harness/internal/config"
	"github.com/sweeney/beacon-harness/internal/mqtt"
	"github.com/sweeney/beacon-harness/internal/powerlog"
	"github.com/sweeney/beacon-harness/internal/protocol"
	"github.com/sweeney/beacon-harness/internal/receiver"
	"github.com/sweeney/beacon-harness/internal/storage"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func benchConfig(schedule ...int) *config.Config {
	cfg := config.Default()
	cfg.Advertiser.Schedule = schedule
	cfg.Advertiser.StepsPerTrial = 60
	cfg.Advertiser.Gap = time.Second
	cfg.Simulate.Dir = "sim"
	cfg.Simulate.SyntheticSteps = 60
	cfg.Simulate.SyntheticDwell = 20
	return cfg
}

type rig struct {
	fs    afero.Fs
	clk   *clock.Fake
	bench *bench.Bench
	pubs  map[string]*mqtt.FakePublisher
}

func newRig(t *testing.T, cfg *config.Config) *rig {
	t.Helper()
	r := &rig{
		fs:   afero.NewMemMapFs(),
		clk:  clock.NewFake(t0, 5*time.Millisecond),
		pubs: make(map[string]*mqtt.FakePublisher),
	}
	for _, role := range []string{advertiser.Role, powerlog.Role, receiver.Role} {
		r.pubs[role] = mqtt.NewFakePublisher()
	}
	b, err := bench.New(cfg, bench.Deps{
		FS:        r.fs,
		Clock:     r.clk,
		Publisher: func(role string) mqtt.Publisher { return r.pubs[role] },
	})
	require.NoError(t, err)
	r.bench = b
	return r
}

func (r *rig) at(d time.Duration) {
	r.clk.Advance(t0.Add(d))
}

func (r *rig) set(t *testing.T, line protocol.Line, high bool) {
	t.Helper()
	require.NoError(t, r.bench.Bus().Set(line, high), "set %v", line)
}

func (r *rig) read(t *testing.T, role, name string) []string {
	t.Helper()
	b, err := afero.ReadFile(r.fs, "sim/"+role+"/"+name)
	require.NoError(t, err)
	return strings.Split(strings.TrimRight(string(b), "\n"), "\n")
}

func trials(m storage.Manifest) []storage.Entry {
	var out []storage.Entry
	for _, run := range m.Runs {
		out = append(out, run.Trials...)
	}
	return out
}

// TestIntegrationFullSchedule plays a schedule through the lines and the air
// and checks both logs agree on every trial.
func TestIntegrationFullSchedule(t *testing.T) {
	r := newRig(t, benchConfig(1, 3))
	require.NoError(t, r.bench.Run(context.Background()))
	require.NoError(t, r.bench.Close())

	power := trials(r.bench.Store(powerlog.Role).Manifest())
	rx := trials(r.bench.Store(receiver.Role).Manifest())
	require.Len(t, power, 2)
	require.Len(t, rx, 2)

	for i := range power {
		p, x := power[i], rx[i]
		assert.Equal(t, p.Index, x.Index, "trial %d", i)
		assert.Equal(t, p.ConditionID, x.ConditionID, "trial %d", i)
		assert.Equal(t, 60, p.Updates, "trial %d power updates", i)
		assert.Equal(t, 60, x.Updates, "trial %d rx updates", i)
		assert.True(t, p.Start.Equal(x.Start) && p.End.Equal(x.End),
			"trial %d: windows differ: power [%v, %v) rx [%v, %v)", i, p.Start, p.End, x.Start, x.End)
		assert.Equal(t, string(protocol.ReasonSessionEnd), p.Reason, "trial %d", i)
	}

	lines := r.read(t, powerlog.Role, "trial_002_c3_policy.csv")
	footer := lines[len(lines)-3]
	assert.True(t, strings.HasPrefix(footer, "# summary, "), footer)
	assert.Contains(t, footer, "adv_count=60")
	assert.True(t, strings.HasSuffix(footer, "cond_id=3, cond=policy"), footer)

	lines = r.read(t, receiver.Role, "rx_trial_001_c1.csv")
	assert.Equal(t, strings.Join(storage.RxHeader, ","), lines[0])
	assert.Len(t, lines, 61, "60 rx rows for the 100ms condition")

	// Each receiving role announces a start and an end per trial.
	for _, role := range []string{powerlog.Role, receiver.Role} {
		var starts, ends int
		for _, ev := range r.pubs[role].Trials() {
			switch ev.Event {
			case protocol.EventTrialStart:
				starts++
			case protocol.EventTrialEnd:
				ends++
			}
		}
		assert.Equal(t, 2, starts, role)
		assert.Equal(t, 2, ends, role)
	}
}

// TestIntegrationCancelledInGuard raises the session line for less than the
// guard time. Neither node may open a trial.
func TestIntegrationCancelledInGuard(t *testing.T) {
	cfg := benchConfig(1)
	r := newRig(t, cfg)

	r.at(100 * time.Millisecond)
	r.set(t, protocol.LineSession, true)
	r.at(100*time.Millisecond + cfg.Timing.Guard - 5*time.Millisecond)
	r.set(t, protocol.LineSession, false)
	r.at(3 * time.Second)

	require.NoError(t, r.bench.Err())
	for _, role := range []string{powerlog.Role, receiver.Role} {
		assert.Empty(t, trials(r.bench.Store(role).Manifest()), role)
		snap := r.bench.Tracker(role).Snapshot()
		assert.Equal(t, 1, snap.Counts.Cancelled, role)
		assert.Equal(t, 0, snap.Counts.Started, role)
		assert.Equal(t, protocol.PhaseIdle, snap.Phase, role)
	}
	files, err := afero.ReadDir(r.fs, "sim/powerlog")
	require.NoError(t, err)
	require.Len(t, files, 1, "only the manifest")
	assert.Equal(t, "manifest.yaml", files[0].Name())
}

// TestIntegrationNoPreamble opens a session without preamble pulses. Both
// logs record the trial under condition 0.
func TestIntegrationNoPreamble(t *testing.T) {
	cfg := benchConfig(1)
	r := newRig(t, cfg)

	rise := 100 * time.Millisecond
	r.at(rise)
	r.set(t, protocol.LineSession, true)

	start := rise + cfg.Timing.OpenLength()
	for k := 0; k < 3; k++ {
		at := start + 500*time.Millisecond + time.Duration(k)*time.Second
		r.at(at)
		r.set(t, protocol.LinePulse, true)
		r.at(at + cfg.Timing.PulseWidth)
		r.set(t, protocol.LinePulse, false)
	}

	r.at(start + cfg.Timing.MinTrial + time.Second)
	r.set(t, protocol.LineSession, false)
	r.at(start + cfg.Timing.MinTrial + 3*time.Second)

	require.NoError(t, r.bench.Err())

	power := trials(r.bench.Store(powerlog.Role).Manifest())
	require.Len(t, power, 1)
	p := power[0]
	assert.Equal(t, "trial_001_c0_unknown.csv", p.File)
	assert.False(t, p.Known)
	assert.Equal(t, storage.UnknownCondition, p.Condition)
	assert.Equal(t, 3, p.Updates)
	assert.NotZero(t, p.Rows, "samples recorded")
	assert.Positive(t, p.EnergyMJ)

	rx := trials(r.bench.Store(receiver.Role).Manifest())
	require.Len(t, rx, 1)
	assert.Equal(t, "rx_trial_001_c0.csv", rx[0].File)
	assert.Zero(t, rx[0].Rows, "nothing was advertised")

	// The end event carries the unknown condition on the wire.
	var last mqtt.TrialEvent
	for _, ev := range r.pubs[powerlog.Role].Trials() {
		last = ev
	}
	payload, err := mqtt.FormatPayload(last)
	require.NoError(t, err)
	var body mqtt.Payload
	require.NoError(t, json.Unmarshal(payload, &body))
	tp := body.Trial
	assert.Equal(t, string(protocol.EventTrialEnd), tp.Event)
	assert.False(t, tp.Known)
	assert.Equal(t, 0, tp.ConditionID)
	assert.Equal(t, "unknown", tp.Condition)
}
