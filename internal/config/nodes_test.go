package config

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/beacon-harness/internal/powerlog"
)

func TestNodeSettings(t *testing.T) {
	c := Default()
	c.Advertiser.Schedule = []int{3}
	c.PowerLog.MaxUpdates = 2000

	a := c.AdvertiserNode()
	assert.Equal(t, []int{3}, a.Schedule)
	assert.Equal(t, c.Advertiser.Step, a.Step)
	assert.Equal(t, c.Policy.Rates, a.Params.Rates)

	p := c.PowerLogNode()
	assert.Equal(t, 1024, p.RingSize)
	assert.Equal(t, 2000, p.MaxUpdates)

	r := c.ReceiverNode()
	assert.Equal(t, 4096, r.RingSize)
	assert.Equal(t, 2000, r.MaxUpdates)

	s := c.Status(powerlog.Role, "data/powerlog", ":8080")
	assert.Equal(t, int64(250), s.DebounceMs)
	assert.Equal(t, int64(60000), s.HeartbeatMs)
	assert.Equal(t, ":8080", s.HTTPAddr)
}

func TestLoadSeries(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "s1.csv", []byte("label,u,c\n0,0.1,0.2\n1,0.9,0.5\n"), 0o644))

	c := Default()
	c.Advertiser.Quantize = false
	c.Series = []SeriesFile{{Session: 7, Path: "s1.csv"}}
	series, err := c.LoadSeries(fs)
	require.NoError(t, err)
	require.Len(t, series, 1)
	assert.Equal(t, 7, series[0].Session)
	assert.Equal(t, 2, series[0].Len())

	c.Series = []SeriesFile{{Session: 7, Path: "missing.csv"}}
	_, err = c.LoadSeries(fs)
	assert.Error(t, err)
}

func TestLoadSeriesSynthetic(t *testing.T) {
	c := Default()
	c.Simulate.SyntheticSteps = 300
	series, err := c.LoadSeries(afero.NewMemMapFs())
	require.NoError(t, err)
	require.Len(t, series, 1)
	assert.Equal(t, 300, series[0].Len())
}
