// Package policy implements the hysteresis-based advertising interval
// controller. It is a pure function of two smoothed signals and the current
// discrete rate level: no I/O, no timing.
package policy

import (
	"fmt"
	"time"
)

// RateSet is the ordered set of advertising intervals, fastest first.
type RateSet []time.Duration

// Validate checks that the set is non-empty and strictly increasing.
func (r RateSet) Validate() error {
	if len(r) == 0 {
		return ErrNoRates
	}
	for i, d := range r {
		if d <= 0 {
			return fmt.Errorf("%w: rate %d is %v", ErrBadRates, i, d)
		}
		if i > 0 && d <= r[i-1] {
			return fmt.Errorf("%w: %v does not follow %v", ErrBadRates, d, r[i-1])
		}
	}
	return nil
}

// Nearest returns the level whose rate is closest to d. Exact ties resolve to
// the faster rate.
func (r RateSet) Nearest(d time.Duration) int {
	best := 0
	for i := 1; i < len(r); i++ {
		if absDur(r[i]-d) < absDur(r[best]-d) {
			best = i
		}
	}
	return best
}

// Slowest returns the index of the slowest level.
func (r RateSet) Slowest() int {
	return len(r) - 1
}

func absDur(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// Band is the pair of thresholds one signal uses at a boundary.
type Band struct {
	Mid  float64 `yaml:"mid"`
	High float64 `yaml:"high"`
}

// Boundary i separates level i from level i+1.
type Boundary struct {
	U Band `yaml:"u"`
	C Band `yaml:"c"`
}

// Params configures the controller.
type Params struct {
	Rates      RateSet    `yaml:"rates"`
	Boundaries []Boundary `yaml:"boundaries"`
	// Alpha is the EMA weight of the newest sample.
	Alpha      float64 `yaml:"alpha"`
	Hysteresis float64 `yaml:"hysteresis"`
}

// DefaultParams returns the two-rate bench configuration.
func DefaultParams() Params {
	return Params{
		Rates: RateSet{100 * time.Millisecond, 500 * time.Millisecond},
		Boundaries: []Boundary{
			{U: Band{Mid: 0.15, High: 0.30}, C: Band{Mid: 0.20, High: 0.35}},
		},
		Alpha:      0.2,
		Hysteresis: 0.03,
	}
}

// Validate checks the parameters against each other.
func (p Params) Validate() error {
	if err := p.Rates.Validate(); err != nil {
		return err
	}
	if len(p.Boundaries) != len(p.Rates)-1 {
		return fmt.Errorf("%w: %d rates need %d boundaries, got %d",
			ErrBadBoundaries, len(p.Rates), len(p.Rates)-1, len(p.Boundaries))
	}
	for i, b := range p.Boundaries {
		if b.U.Mid > b.U.High || b.C.Mid > b.C.High {
			return fmt.Errorf("%w: boundary %d has mid above high", ErrBadBoundaries, i)
		}
	}
	if p.Alpha <= 0 || p.Alpha > 1 {
		return fmt.Errorf("%w: alpha %v", ErrBadParams, p.Alpha)
	}
	if p.Hysteresis < 0 {
		return fmt.Errorf("%w: hysteresis %v", ErrBadParams, p.Hysteresis)
	}
	return nil
}

// Next is the transition function. From level, it speeds up to the fastest
// level i < level whose boundary high is met by either signal; otherwise it
// slows down, one boundary at a time, while both signals sit below the
// boundary's mid minus hysteresis.
func Next(p Params, level int, u, c float64) int {
	for i := 0; i < level; i++ {
		b := p.Boundaries[i]
		if u >= b.U.High || c >= b.C.High {
			return i
		}
	}
	for level < len(p.Boundaries) {
		b := p.Boundaries[level]
		if u >= b.U.Mid-p.Hysteresis || c >= b.C.Mid-p.Hysteresis {
			break
		}
		level++
	}
	return level
}
