package bench

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/beacon-harness/internal/clock"
	"github.com/sweeney/beacon-harness/internal/config"
	"github.com/sweeney/beacon-harness/internal/powerlog"
	"github.com/sweeney/beacon-harness/internal/protocol"
	"github.com/sweeney/beacon-harness/internal/receiver"
	"github.com/sweeney/beacon-harness/internal/sensor"
	"github.com/sweeney/beacon-harness/internal/storage"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func shortConfig(schedule ...int) *config.Config {
	cfg := config.Default()
	cfg.Advertiser.Schedule = schedule
	cfg.Advertiser.StepsPerTrial = 60
	cfg.Advertiser.Gap = time.Second
	cfg.Simulate.Dir = "sim"
	cfg.Simulate.SyntheticSteps = 60
	cfg.Simulate.SyntheticDwell = 20
	return cfg
}

func trialsByFile(m storage.Manifest) map[string]storage.Entry {
	out := make(map[string]storage.Entry)
	for _, r := range m.Runs {
		for _, e := range r.Trials {
			out[e.File] = e
		}
	}
	return out
}

func TestSteppedRunWritesBothLogs(t *testing.T) {
	fs := afero.NewMemMapFs()
	b, err := New(shortConfig(1, 2, 3), Deps{FS: fs, Clock: clock.NewFake(t0, 5*time.Millisecond)})
	require.NoError(t, err)
	require.NoError(t, b.Run(context.Background()))
	require.NoError(t, b.Close())

	require.Len(t, b.Advertiser().Results(), 3)

	power := trialsByFile(b.Store(powerlog.Role).Manifest())
	require.Len(t, power, 3)
	f100, ok := power["trial_001_c1_fixed100.csv"]
	require.True(t, ok)
	f500, ok := power["trial_002_c2_fixed500.csv"]
	require.True(t, ok)
	_, ok = power["trial_003_c3_policy.csv"]
	require.True(t, ok)
	for _, e := range power {
		assert.Equal(t, 60, e.Updates, e.File)
		assert.Equal(t, 600, e.Rows, e.File)
		assert.Equal(t, "session_end", e.Reason)
	}
	assert.Greater(t, f100.EnergyMJ, f500.EnergyMJ, "faster advertising costs more")

	exists, err := afero.Exists(fs, "sim/powerlog/trial_001_c1_fixed100.csv")
	require.NoError(t, err)
	assert.True(t, exists)

	rx := trialsByFile(b.Store(receiver.Role).Manifest())
	require.Len(t, rx, 3)
	assert.Equal(t, 60, rx["rx_trial_001_c1.csv"].Rows)
	assert.Equal(t, 12, rx["rx_trial_002_c2.csv"].Rows)
	assert.Equal(t, "policy", rx["rx_trial_003_c3.csv"].Condition)

	for _, role := range []string{powerlog.Role, receiver.Role} {
		snap := b.Tracker(role).Snapshot()
		assert.Equal(t, 3, snap.Counts.Ended, role)
		assert.Equal(t, protocol.PhaseIdle, snap.Phase, role)
	}
}

func TestLossyAirStillClosesTrials(t *testing.T) {
	cfg := shortConfig(1)
	cfg.Simulate.Loss = 0.5
	b, err := New(cfg, Deps{FS: afero.NewMemMapFs(), Clock: clock.NewFake(t0, 5*time.Millisecond)})
	require.NoError(t, err)
	require.NoError(t, b.Run(context.Background()))

	rx := trialsByFile(b.Store(receiver.Role).Manifest())
	require.Len(t, rx, 1)
	e := rx["rx_trial_001_c1.csv"]
	assert.Less(t, e.Rows, 60)
	assert.Greater(t, e.Rows, 0)
	assert.Equal(t, 60, e.Updates, "pulses travel on the wire, not the air")
}

func TestNewRequiresFSAndClock(t *testing.T) {
	_, err := New(config.Default(), Deps{})
	assert.ErrorIs(t, err, ErrDeps)
}

type counter struct{ n int }

func (c *counter) Sent() int { return c.n }

func TestLoadBurstsPerTransmission(t *testing.T) {
	tx := &counter{}
	l := NewLoad(tx, 1)
	l.NoiseMicroAmp = 0

	r, err := l.Read()
	require.NoError(t, err)
	assert.Equal(t, sensor.Reading{MilliVolt: 3300, MicroAmp: 8000}, r)

	tx.n = 2
	r, err = l.Read()
	require.NoError(t, err)
	assert.Equal(t, 38000.0, r.MicroAmp)

	r, err = l.Read()
	require.NoError(t, err)
	assert.Equal(t, 8000.0, r.MicroAmp)

	require.NoError(t, l.Close())
	_, err = l.Read()
	assert.ErrorIs(t, err, sensor.ErrClosed)
}

func TestRealtimeRun(t *testing.T) {
	if testing.Short() {
		t.Skip("runs on the wall clock")
	}
	cfg := shortConfig(1)
	cfg.Timing = protocol.Timing{
		Guard:        50 * time.Millisecond,
		Preamble:     300 * time.Millisecond,
		PulseWidth:   5 * time.Millisecond,
		Debounce:     30 * time.Millisecond,
		MinTrial:     100 * time.Millisecond,
		MaxCondition: 3,
	}
	cfg.Conditions = cfg.Conditions[:3]
	cfg.Advertiser.Step = 20 * time.Millisecond
	cfg.Advertiser.StepsPerTrial = 10
	cfg.Advertiser.Gap = 100 * time.Millisecond
	cfg.PowerLog.Poll = 10 * time.Millisecond
	cfg.Receiver.Poll = 10 * time.Millisecond
	require.NoError(t, cfg.Validate())

	b, err := New(cfg, Deps{FS: afero.NewMemMapFs(), Clock: clock.Real{}})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, b.Run(ctx))
	require.NoError(t, b.Close())

	power := trialsByFile(b.Store(powerlog.Role).Manifest())
	require.Len(t, power, 1)
	assert.Equal(t, 10, power["trial_001_c1_fixed100.csv"].Updates)
	rx := trialsByFile(b.Store(receiver.Role).Manifest())
	require.Len(t, rx, 1)
}
