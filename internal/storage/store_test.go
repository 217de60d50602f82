package storage

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/sweeney/beacon-harness/internal/energy"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func TestOpenFailsOnReadOnlyFs(t *testing.T) {
	fs := afero.NewReadOnlyFs(afero.NewMemMapFs())
	_, err := Open(fs, "/data", "powerlog", t0)
	assert.ErrorIs(t, err, ErrInit)
}

func TestOpenStartsRunAndContinuesIndexes(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := Open(fs, "/data", "receiver", t0)
	require.NoError(t, err)
	assert.NotEmpty(t, s.RunID())

	assert.Equal(t, 1, s.NextIndex())
	assert.Equal(t, 2, s.NextIndex())
	require.NoError(t, s.Record(Entry{Index: 2, File: "/data/rx_trial_002_c1.csv", ConditionID: 1, Condition: "fixed100", Known: true}))

	b, err := afero.ReadFile(fs, "/data/manifest.yaml")
	require.NoError(t, err)
	var m Manifest
	require.NoError(t, yaml.Unmarshal(b, &m))
	require.Len(t, m.Runs, 1)
	assert.Equal(t, "receiver", m.Runs[0].Role)
	require.Len(t, m.Runs[0].Trials, 1)
	assert.Equal(t, "fixed100", m.Runs[0].Trials[0].Condition)

	// A second run in the same directory keeps numbering.
	s2, err := Open(fs, "/data", "receiver", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, s2.NextIndex())
	assert.NotEqual(t, s.RunID(), s2.RunID())
	assert.Len(t, s2.Manifest().Runs, 2)
}

func TestOpenRejectsCorruptManifest(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/data/manifest.yaml", []byte("runs: [\n"), 0o644))
	_, err := Open(fs, "/data", "powerlog", t0)
	assert.ErrorIs(t, err, ErrInit)
}

func TestTrialFileCommitAndDiscard(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := Open(fs, "/data", "powerlog", t0)
	require.NoError(t, err)

	tf, err := s.Create("a.csv")
	require.NoError(t, err)
	_, err = tf.Write([]byte("hello\n"))
	require.NoError(t, err)

	ok, _ := afero.Exists(fs, "/data/a.csv")
	assert.False(t, ok, "not visible before commit")

	name, err := tf.Commit()
	require.NoError(t, err)
	assert.Equal(t, "/data/a.csv", name)
	b, err := afero.ReadFile(fs, name)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(b))
	ok, _ = afero.Exists(fs, "/data/a.csv.part")
	assert.False(t, ok)

	_, err = tf.Write([]byte("late"))
	assert.ErrorIs(t, err, ErrClosed)

	tf, err = s.Create("b.csv")
	require.NoError(t, err)
	tf.Write([]byte("x"))
	require.NoError(t, tf.Discard())
	for _, p := range []string{"/data/b.csv", "/data/b.csv.part"} {
		ok, _ := afero.Exists(fs, p)
		assert.False(t, ok, p)
	}
}

func TestPowerLogFormat(t *testing.T) {
	var sb strings.Builder
	p, err := NewPowerLog(&sb)
	require.NoError(t, err)
	require.NoError(t, p.WriteSamples([]energy.Sample{
		{At: 0, MilliVolt: 5000, MicroAmp: 20000},
		{At: 10 * time.Millisecond, MilliVolt: 5000, MicroAmp: 20000},
	}))
	assert.Equal(t, 2, p.Rows())

	require.NoError(t, p.WriteFooter(Footer{
		Summary: energy.Summary{
			Duration: 10 * time.Second, Samples: 2, RateHz: 0.2, AdvCount: 4,
			MeanVolt: 5, MeanMilliAmp: 20, MeanPowerMW: 100, EnergyMJ: 1000, PerAdvMicroJ: 250000,
			TrapezoidMJ: 1, DtMeanMS: 10,
		},
		ParseDrop: 3,
		RingDrop:  1,
	}))

	lines := strings.Split(strings.TrimSpace(sb.String()), "\n")
	require.Len(t, lines, 6)
	assert.Equal(t, "ms,mV,uA,p_mW", lines[0])
	assert.Equal(t, "10,5000.00,20000.0,100.000", lines[2])
	assert.Equal(t, "# summary, ms_total=10000, adv_count=4, E_total_mJ=1000.000, E_per_adv_uJ=250000.000, cond_id=0, cond=unknown", lines[3])
	assert.Equal(t, "# diag, samples=2, rate_hz=0.20, mean_v=5.0000, mean_i=20.0000, mean_p_mW=100.0000, E_trapz_mJ=1.000", lines[4])
	assert.Equal(t, "# diag, dt_ms_mean=10.000, dt_ms_std=0.000, parse_drop=3, ring_drop=1", lines[5])
}

func TestFileNames(t *testing.T) {
	assert.Equal(t, "trial_007_c3_policy.csv", PowerFileName(7, 3, "policy"))
	assert.Equal(t, "trial_012_c0_unknown.csv", PowerFileName(12, 0, ""))
	assert.Equal(t, "rx_trial_002_c4.csv", RxFileName(2, 4))
}

func TestRxLogFormat(t *testing.T) {
	var sb strings.Builder
	r, err := NewRxLog(&sb)
	require.NoError(t, err)
	require.NoError(t, r.Write([]RxRow{
		{Ms: 120, Event: "ADV", RSSI: -61, Seq: 3, Label: 1, Addr: "AA:BB", Mfd: "3_P1-1-100"},
	}))
	assert.Equal(t, 1, r.Rows())
	assert.Equal(t, "ms,event,rssi,seq,label,addr,mfd\n120,ADV,-61,3,1,AA:BB,3_P1-1-100\n", sb.String())
}
