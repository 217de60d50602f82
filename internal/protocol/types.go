// Package protocol implements the two-line session protocol that lets the
// advertiser open, identify and close a trial on the downstream nodes.
// This package has NO external dependencies (no GPIO, radio, OS, or time.Sleep).
// Time is always injectable via time.Time parameters.
package protocol

import "time"

// Line identifies one of the two unidirectional digital lines.
type Line int

const (
	// LineSession is level-triggered and active-high for the whole trial.
	LineSession Line = iota
	// LinePulse carries the condition preamble and then one pulse per payload update.
	LinePulse
)

func (l Line) String() string {
	switch l {
	case LineSession:
		return "session"
	case LinePulse:
		return "pulse"
	}
	return "unknown"
}

// Edge is a single observed transition on a line.
type Edge struct {
	Line Line
	High bool // level after the transition
	Time time.Time
}

// Timing holds the protocol constants shared by encoder and decoder.
type Timing struct {
	// Guard is how long the session line must stay high before a start is accepted.
	Guard time.Duration `yaml:"guard"`
	// Preamble is the window after the guard in which pulses encode the condition id.
	Preamble time.Duration `yaml:"preamble"`
	// PulseWidth is the high time of every emitted pulse.
	PulseWidth time.Duration `yaml:"pulse_width"`
	// Debounce is how long the session line must stay low before a trial closes.
	Debounce time.Duration `yaml:"debounce"`
	// MinTrial is the shortest trial that is kept; shorter ones are discarded.
	MinTrial time.Duration `yaml:"min_trial"`
	// MaxTrial closes a trial whose session line is stuck high. Zero disables it.
	MaxTrial time.Duration `yaml:"max_trial"`
	// MaxCondition is the largest valid condition id.
	MaxCondition int `yaml:"max_condition"`
}

// DefaultTiming returns the timings used on the bench.
func DefaultTiming() Timing {
	return Timing{
		Guard:        500 * time.Millisecond,
		Preamble:     2 * time.Second,
		PulseWidth:   20 * time.Millisecond,
		Debounce:     250 * time.Millisecond,
		MinTrial:     5 * time.Second,
		MaxCondition: 8,
	}
}

// Validate checks that the timings are usable, including that MaxCondition
// pulses fit inside the preamble window.
func (t Timing) Validate() error {
	if t.Guard <= 0 || t.Preamble <= 0 || t.PulseWidth <= 0 || t.Debounce <= 0 {
		return ErrInvalidTiming
	}
	if t.MaxCondition < 1 || t.MinTrial < 0 || t.MaxTrial < 0 {
		return ErrInvalidTiming
	}
	if t.Preamble/time.Duration(t.MaxCondition+1) <= 2*t.PulseWidth {
		return ErrPreambleTooShort
	}
	return nil
}

// Phase is the decoder's position in the trial lifecycle.
type Phase string

const (
	PhaseIdle      Phase = "IDLE"
	PhaseGuard     Phase = "GUARD"
	PhasePreamble  Phase = "PREAMBLE"
	PhaseRecording Phase = "RECORDING"
	PhaseClosing   Phase = "CLOSING"
	// PhaseDone follows a forced close until the session line goes low.
	PhaseDone Phase = "DONE"
)

// EventType represents a decoded protocol event.
type EventType string

const (
	EventTrialStart     EventType = "TRIAL_START"
	EventStartCancelled EventType = "START_CANCELLED"
	EventUpdate         EventType = "UPDATE"
	EventGlitch         EventType = "GLITCH"
	EventTrialEnd       EventType = "TRIAL_END"
	EventTrialDiscarded EventType = "TRIAL_DISCARDED"
)

// EndReason says why a trial was closed.
type EndReason string

const (
	ReasonSessionEnd EndReason = "session_end"
	ReasonTimeout    EndReason = "timeout"
	ReasonCeiling    EndReason = "ceiling"
)

// Event is emitted by the Decoder.
type Event struct {
	Type EventType
	// Time is when the event takes effect: the end of the preamble window for
	// a start, the falling edge for a session end.
	Time time.Time
	// Start is the trial start, set on start, update and end events.
	Start time.Time
	// Pulses is the raw preamble pulse count.
	Pulses int
	// ConditionID equals Pulses when Known, 0 otherwise.
	ConditionID int
	Known       bool
	// Updates is the number of per-event pulses seen in the trial so far.
	Updates int
	Reason  EndReason
}

// Duration returns the trial length for end events.
func (e Event) Duration() time.Duration {
	return e.Time.Sub(e.Start)
}

// Counts tracks decoder outcomes since construction.
type Counts struct {
	Started   int
	Cancelled int
	Ended     int
	Discarded int
	Glitches  int
}

// HeartbeatData contains information for a heartbeat event.
type HeartbeatData struct {
	Timestamp time.Time
	Uptime    time.Duration
	Phase     Phase
	Counts    Counts
}
