package policy

import (
	"math"
	"time"
)

// State is the controller state owned by the advertiser.
type State struct {
	UEMA   float64
	CEMA   float64
	Level  int
	Primed bool
}

// Controller smooths the raw signals and applies Next once per step.
type Controller struct {
	params Params
	mode   Mode
	fixed  int
	state  State
}

// NewController builds a controller for one condition. fixed is only used in
// ModeFixed and is mapped to the nearest rate.
func NewController(p Params, mode Mode, fixed time.Duration) *Controller {
	c := &Controller{params: p, mode: mode, fixed: p.Rates.Nearest(fixed)}
	c.Reset()
	return c
}

// Reset returns to the slowest level with unprimed averages. Fixed mode
// returns to its configured rate.
func (c *Controller) Reset() {
	c.state = State{Level: c.params.Rates.Slowest()}
	if c.mode == ModeFixed {
		c.state.Level = c.fixed
	}
}

// Step feeds one pair of raw samples and returns the rate for this step and
// whether it differs from the previous one.
func (c *Controller) Step(u, chg float64) (time.Duration, bool) {
	if c.mode == ModeFixed {
		return c.Rate(), false
	}
	s := &c.state
	if !s.Primed {
		s.UEMA, s.CEMA = u, chg
		s.Primed = true
	} else {
		a := c.params.Alpha
		s.UEMA = a*u + (1-a)*s.UEMA
		s.CEMA = a*chg + (1-a)*s.CEMA
	}

	cSig := s.CEMA
	if c.mode == ModeUOnly {
		// Never meets a high bar and never holds a level.
		cSig = math.Inf(-1)
	}
	next := Next(c.params, s.Level, s.UEMA, cSig)
	changed := next != s.Level
	s.Level = next
	return c.Rate(), changed
}

// Rate returns the current interval.
func (c *Controller) Rate() time.Duration {
	return c.params.Rates[c.state.Level]
}

// State returns a copy of the controller state.
func (c *Controller) State() State {
	return c.state
}

// Mode returns the controller's mode.
func (c *Controller) Mode() Mode {
	return c.mode
}
