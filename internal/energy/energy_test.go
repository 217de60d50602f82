package energy

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func uniform(n int, dt time.Duration, power func(i int) float64) *Accumulator {
	var a Accumulator
	for i := 0; i < n; i++ {
		// 5 V supply, current chosen to give the requested power.
		a.Add(Sample{At: time.Duration(i) * dt, MilliVolt: 5000, MicroAmp: power(i) * 1e6 / 5000})
	}
	return &a
}

func TestPowerMW(t *testing.T) {
	assert.InDelta(t, 100.0, Sample{MilliVolt: 5000, MicroAmp: 20000}.PowerMW(), 1e-9)
}

func TestConstantPower(t *testing.T) {
	a := uniform(1000, 10*time.Millisecond, func(int) float64 { return 100 })
	s := a.Summary(10*time.Second, 50)

	assert.Equal(t, 1000, s.Samples)
	assert.InDelta(t, 100.0, s.RateHz, 1e-9)
	assert.InDelta(t, 5.0, s.MeanVolt, 1e-9)
	assert.InDelta(t, 20.0, s.MeanMilliAmp, 1e-9)
	assert.InDelta(t, 100.0, s.MeanPowerMW, 1e-9)
	assert.InDelta(t, 1000.0, s.EnergyMJ, 1e-6)
	assert.InDelta(t, 20000.0, s.PerAdvMicroJ, 1e-3)
	assert.InDelta(t, 10.0, s.DtMeanMS, 1e-9)
	assert.InDelta(t, 0.0, s.DtStdMS, 1e-9)
}

func TestMeanTimesDurationMatchesTrapezoid(t *testing.T) {
	// Slowly varying load sampled at 100 Hz for 60 s.
	dt := 10 * time.Millisecond
	n := 6000
	a := uniform(n, dt, func(i int) float64 {
		return 50 + 20*math.Sin(float64(i)/300)
	})
	s := a.Summary(time.Duration(n)*dt, 0)

	rel := math.Abs(s.EnergyMJ-s.TrapezoidMJ) / s.TrapezoidMJ
	assert.Less(t, rel, 0.005)
	assert.Zero(t, s.PerAdvMicroJ)
}

func TestJitterStats(t *testing.T) {
	var a Accumulator
	at := time.Duration(0)
	for i, d := range []time.Duration{0, 8, 12, 8, 12} {
		at += d * time.Millisecond
		a.Add(Sample{At: at, MilliVolt: 3300, MicroAmp: float64(1000 + i)})
	}
	s := a.Summary(40*time.Millisecond, 0)
	assert.InDelta(t, 10.0, s.DtMeanMS, 1e-9)
	assert.InDelta(t, math.Sqrt(16.0/3.0), s.DtStdMS, 1e-9)
}

func TestEmptyAndReset(t *testing.T) {
	var a Accumulator
	s := a.Summary(0, 0)
	assert.Equal(t, Summary{}, s)

	a.Add(Sample{MilliVolt: 1, MicroAmp: 1})
	a.Reset()
	assert.Equal(t, 0, a.Count())
}
