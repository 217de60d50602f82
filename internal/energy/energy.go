// Package energy accumulates power samples for one trial and produces the
// trial's energy summary.
package energy

import (
	"math"
	"time"
)

// Sample is one power reading relative to the trial start.
type Sample struct {
	At        time.Duration
	MilliVolt float64
	MicroAmp  float64
}

// PowerMW returns the instantaneous power in milliwatts.
func (s Sample) PowerMW() float64 {
	return s.MilliVolt * s.MicroAmp / 1e6
}

// Summary is the closed-trial energy report.
type Summary struct {
	Duration time.Duration
	Samples  int
	RateHz   float64

	MeanVolt     float64 // V
	MeanMilliAmp float64 // mA
	MeanPowerMW  float64
	EnergyMJ     float64 // mean power times duration
	TrapezoidMJ  float64 // trapezoidal integral over the same samples
	AdvCount     int
	PerAdvMicroJ float64
	DtMeanMS     float64
	DtStdMS      float64
}

// Accumulator keeps running sums so no sample history is needed.
type Accumulator struct {
	n         int
	sumMV     float64
	sumUA     float64
	sumP      float64
	last      Sample
	trapzMWms float64
	dtN       int
	dtMean    float64
	dtM2      float64
}

// Add folds one sample in. Samples must arrive in time order.
func (a *Accumulator) Add(s Sample) {
	p := s.PowerMW()
	if a.n > 0 {
		dt := float64(s.At-a.last.At) / float64(time.Millisecond)
		a.trapzMWms += (p + a.last.PowerMW()) / 2 * dt

		// Welford
		a.dtN++
		delta := dt - a.dtMean
		a.dtMean += delta / float64(a.dtN)
		a.dtM2 += delta * (dt - a.dtMean)
	}
	a.n++
	a.sumMV += s.MilliVolt
	a.sumUA += s.MicroAmp
	a.sumP += p
	a.last = s
}

// Count returns the number of samples added.
func (a *Accumulator) Count() int {
	return a.n
}

// Reset clears the accumulator for the next trial.
func (a *Accumulator) Reset() {
	*a = Accumulator{}
}

// Summary computes the report for a trial of the given duration with
// advCount per-event pulses.
func (a *Accumulator) Summary(duration time.Duration, advCount int) Summary {
	s := Summary{Duration: duration, Samples: a.n, AdvCount: advCount}
	secs := duration.Seconds()
	if a.n > 0 {
		n := float64(a.n)
		s.MeanVolt = a.sumMV / n / 1000
		s.MeanMilliAmp = a.sumUA / n / 1000
		s.MeanPowerMW = a.sumP / n
	}
	if secs > 0 {
		s.RateHz = float64(a.n) / secs
	}
	s.EnergyMJ = s.MeanPowerMW * secs
	s.TrapezoidMJ = a.trapzMWms / 1000
	if advCount > 0 {
		s.PerAdvMicroJ = s.EnergyMJ * 1000 / float64(advCount)
	}
	if a.dtN > 0 {
		s.DtMeanMS = a.dtMean
	}
	if a.dtN > 1 {
		s.DtStdMS = math.Sqrt(a.dtM2 / float64(a.dtN-1))
	}
	return s
}
