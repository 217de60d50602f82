package powerlog

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/beacon-harness/internal/influx"
	"github.com/sweeney/beacon-harness/internal/mqtt"
	"github.com/sweeney/beacon-harness/internal/protocol"
	"github.com/sweeney/beacon-harness/internal/sensor"
	"github.com/sweeney/beacon-harness/internal/status"
	"github.com/sweeney/beacon-harness/internal/storage"
	"github.com/sweeney/beacon-harness/internal/trial"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

const tick = 10 * time.Millisecond

type fixture struct {
	fs      afero.Fs
	store   *storage.Store
	sampler *sensor.FakeSampler
	pub     *mqtt.FakePublisher
	sink    *influx.FakeSink
	tracker *status.Tracker
	node    *Node
}

func newFixture(t *testing.T, timing protocol.Timing, maxUpdates int) *fixture {
	t.Helper()
	f := &fixture{
		fs:      afero.NewMemMapFs(),
		sampler: sensor.NewFakeSampler(sensor.Reading{MilliVolt: 3300, MicroAmp: 10000}),
		pub:     mqtt.NewFakePublisher(),
		sink:    &influx.FakeSink{},
		tracker: status.NewTracker(t0, status.Config{Role: Role}),
	}
	var err error
	f.store, err = storage.Open(f.fs, "data", Role, t0)
	require.NoError(t, err)
	f.node, err = New(Config{
		Timing:     timing,
		Conditions: trial.DefaultTable(),
		RingSize:   64,
		BatchSize:  32,
		MaxUpdates: maxUpdates,
	}, Deps{
		Store:     f.store,
		Sampler:   f.sampler,
		Publisher: f.pub,
		Sink:      f.sink,
		Tracker:   f.tracker,
	}, t0)
	require.NoError(t, err)
	return f
}

// trialEdges announces n (zero sends no preamble pulses), then emits pulses
// per-event pulses every period and drops the session line after the last.
func trialEdges(t *testing.T, timing protocol.Timing, n, pulses int, period time.Duration) ([]protocol.Edge, time.Time) {
	t.Helper()
	steps := []protocol.Step{{Line: protocol.LineSession, High: true}}
	if n > 0 {
		// Counts above the maximum are sent the way a misconfigured
		// advertiser would.
		wide := timing
		if n > wide.MaxCondition {
			wide.MaxCondition = n
		}
		var err error
		steps, err = wide.Open(n)
		require.NoError(t, err)
	}
	start := timing.OpenLength()
	for k := 0; k < pulses; k++ {
		at := start + time.Duration(k)*period
		steps = append(steps,
			protocol.Step{Line: protocol.LinePulse, High: true, At: at},
			protocol.Step{Line: protocol.LinePulse, High: false, At: at + timing.PulseWidth},
		)
	}
	end := start + time.Duration(pulses)*period
	steps = append(steps, protocol.Step{Line: protocol.LineSession, High: false, At: end})
	return protocol.Edges(steps, t0), t0.Add(end)
}

// drive delivers edges, one sample and one poll per tick up to until.
func (f *fixture) drive(t *testing.T, edges []protocol.Edge, until time.Time) {
	t.Helper()
	i := 0
	for now := t0; !now.After(until); now = now.Add(tick) {
		for i < len(edges) && !edges[i].Time.After(now) {
			require.NoError(t, f.node.HandleEdge(edges[i]))
			i++
		}
		require.NoError(t, f.node.SampleAt(now))
		require.NoError(t, f.node.Poll(now))
	}
}

func (f *fixture) read(t *testing.T, name string) (rows int, footer []string) {
	t.Helper()
	b, err := afero.ReadFile(f.fs, "data/"+name)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Equal(t, storage.PowerHeader, lines[0])
	for _, l := range lines[1:] {
		if strings.HasPrefix(l, "#") {
			footer = append(footer, l)
		} else {
			rows++
		}
	}
	return rows, footer
}

func TestTrialWrittenWithEnergyFooter(t *testing.T) {
	timing := protocol.DefaultTiming()
	f := newFixture(t, timing, 0)
	edges, end := trialEdges(t, timing, 2, 60, 100*time.Millisecond)
	f.drive(t, edges, end.Add(500*time.Millisecond))

	name := "trial_001_c2_fixed500.csv"
	rows, footer := f.read(t, name)
	assert.Equal(t, 600, rows, "one row per 10ms over the 6s trial window")
	require.Len(t, footer, 3)
	assert.Contains(t, footer[0], "ms_total=6000, adv_count=60, E_total_mJ=198.000, E_per_adv_uJ=3300.000, cond_id=2, cond=fixed500")
	assert.Contains(t, footer[1], "samples=600")
	assert.Contains(t, footer[2], "parse_drop=0, ring_drop=0")

	exists, err := afero.Exists(f.fs, "data/"+name+".part")
	require.NoError(t, err)
	assert.False(t, exists)

	m := f.store.Manifest()
	require.Len(t, m.Runs, 1)
	require.Len(t, m.Runs[0].Trials, 1)
	e := m.Runs[0].Trials[0]
	assert.Equal(t, name, e.File)
	assert.Equal(t, 2, e.ConditionID)
	assert.True(t, e.Known)
	assert.Equal(t, 600, e.Rows)
	assert.Equal(t, 60, e.Updates)
	assert.Equal(t, "session_end", e.Reason)
	assert.InDelta(t, 198, e.EnergyMJ, 1e-9)

	reports := f.sink.All()
	require.Len(t, reports, 1)
	require.NotNil(t, reports[0].Energy)
	assert.InDelta(t, 3300, reports[0].Energy.PerAdvMicroJ, 1e-6)
	assert.InDelta(t, 198, reports[0].Energy.TrapezoidMJ, 0.5)

	trials := f.pub.Trials()
	require.Len(t, trials, 2)
	assert.Equal(t, protocol.EventTrialStart, trials[0].Event)
	assert.Equal(t, protocol.EventTrialEnd, trials[1].Event)
	assert.Equal(t, 6*time.Second, trials[1].Duration)

	snap := f.tracker.Snapshot()
	assert.Nil(t, snap.Current)
	require.NotNil(t, snap.Last)
	assert.Equal(t, "fixed500", snap.Last.Condition)
	assert.Equal(t, 1, snap.Counts.Ended)
}

func TestUnknownConditionRecorded(t *testing.T) {
	timing := protocol.DefaultTiming()
	f := newFixture(t, timing, 0)
	edges, end := trialEdges(t, timing, 0, 60, 100*time.Millisecond)
	f.drive(t, edges, end.Add(500*time.Millisecond))

	_, footer := f.read(t, "trial_001_c0_unknown.csv")
	require.NotEmpty(t, footer)
	assert.Contains(t, footer[0], "cond_id=0, cond=unknown")

	trials := f.pub.Trials()
	require.Len(t, trials, 2)
	assert.False(t, trials[0].Known)
	assert.Equal(t, "unknown", trials[0].Condition)
}

func TestConditionOutsideTableRecordedUnknown(t *testing.T) {
	timing := protocol.DefaultTiming()
	for _, pulses := range []int{7, 9} {
		f := newFixture(t, timing, 0)
		edges, end := trialEdges(t, timing, pulses, 60, 100*time.Millisecond)
		f.drive(t, edges, end.Add(500*time.Millisecond))

		_, footer := f.read(t, "trial_001_c0_unknown.csv")
		require.NotEmpty(t, footer, "pulses=%d", pulses)
		assert.Contains(t, footer[0], "cond_id=0, cond=unknown")

		trials := f.store.Manifest().Runs[0].Trials
		require.Len(t, trials, 1)
		assert.Equal(t, 0, trials[0].ConditionID)
		assert.Equal(t, "unknown", trials[0].Condition)
		assert.False(t, trials[0].Known, "pulses=%d", pulses)

		events := f.pub.Trials()
		require.Len(t, events, 2)
		for _, ev := range events {
			assert.False(t, ev.Known)
			assert.Equal(t, 0, ev.ConditionID)
		}
		reports := f.sink.All()
		require.Len(t, reports, 1)
		assert.False(t, reports[0].Known)
	}
}

func TestShortTrialDiscarded(t *testing.T) {
	timing := protocol.DefaultTiming()
	f := newFixture(t, timing, 0)
	edges, end := trialEdges(t, timing, 1, 15, 100*time.Millisecond)
	f.drive(t, edges, end.Add(500*time.Millisecond))

	files, err := afero.ReadDir(f.fs, "data")
	require.NoError(t, err)
	for _, fi := range files {
		assert.Equal(t, storage.ManifestName, fi.Name(), "only the manifest should remain")
	}
	assert.Empty(t, f.store.Manifest().Runs[0].Trials)
	assert.Empty(t, f.sink.All())

	trials := f.pub.Trials()
	require.Len(t, trials, 2)
	assert.Equal(t, protocol.EventTrialDiscarded, trials[1].Event)

	// Discarded trials still consume their index.
	assert.Equal(t, 2, f.store.NextIndex())
}

func TestParseErrorsCountedPerTrial(t *testing.T) {
	timing := protocol.DefaultTiming()
	f := newFixture(t, timing, 0)
	f.sampler.Errors = map[int]error{5: sensor.ErrParse, 300: sensor.ErrParse}
	edges, end := trialEdges(t, timing, 3, 60, 100*time.Millisecond)
	f.drive(t, edges, end.Add(500*time.Millisecond))

	assert.Equal(t, uint64(2), f.node.ParseErrors())
	rows, footer := f.read(t, "trial_001_c3_policy.csv")
	assert.Equal(t, 599, rows)
	assert.Contains(t, footer[2], "parse_drop=1")

	e := f.store.Manifest().Runs[0].Trials[0]
	assert.Equal(t, uint64(1), e.ParseErrors)
	assert.Equal(t, uint64(2), f.tracker.Snapshot().Drops.Parse)
}

func TestCeilingEndsTrial(t *testing.T) {
	timing := protocol.DefaultTiming()
	timing.MinTrial = 0
	f := newFixture(t, timing, 10)
	edges, end := trialEdges(t, timing, 1, 30, 100*time.Millisecond)
	f.drive(t, edges, end.Add(500*time.Millisecond))

	trials := f.store.Manifest().Runs[0].Trials
	require.Len(t, trials, 1)
	assert.Equal(t, "ceiling", trials[0].Reason)
	assert.Equal(t, 10, trials[0].Updates)
	assert.Equal(t, 90, trials[0].Rows, "trial closes on the tenth pulse")
}

func TestCloseDiscardsOpenTrial(t *testing.T) {
	timing := protocol.DefaultTiming()
	f := newFixture(t, timing, 0)
	edges, _ := trialEdges(t, timing, 1, 60, 100*time.Millisecond)
	f.drive(t, edges[:len(edges)-1], t0.Add(4*time.Second))
	require.NotNil(t, f.tracker.Snapshot().Current)

	require.NoError(t, f.node.Close())
	files, err := afero.ReadDir(f.fs, "data")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, storage.ManifestName, files[0].Name())
	assert.Nil(t, f.tracker.Snapshot().Current)
}

func TestSampleAtClosedSampler(t *testing.T) {
	f := newFixture(t, protocol.DefaultTiming(), 0)
	require.NoError(t, f.sampler.Close())
	assert.ErrorIs(t, f.node.SampleAt(t0), sensor.ErrClosed)
}

func TestNewRequiresStoreAndSampler(t *testing.T) {
	_, err := New(Config{RingSize: 8}, Deps{}, t0)
	assert.Error(t, err)
}
