package protocol

import "time"

// Step is one scheduled line transition, relative to the moment the
// schedule is started.
type Step struct {
	Line Line
	High bool
	At   time.Duration
}

// Open returns the schedule that raises the session line and announces
// conditionID with evenly spaced preamble pulses. The trial starts at
// OpenLength after the first step.
func (t Timing) Open(conditionID int) ([]Step, error) {
	if conditionID < 1 || conditionID > t.MaxCondition {
		return nil, ErrConditionRange
	}
	return t.open(conditionID), nil
}

// open builds the schedule without range checks.
func (t Timing) open(n int) []Step {
	steps := []Step{{Line: LineSession, High: true}}
	if n <= 0 {
		return steps
	}
	spacing := t.Preamble / time.Duration(n+1)
	for k := 1; k <= n; k++ {
		at := t.Guard + time.Duration(k)*spacing
		steps = append(steps,
			Step{Line: LinePulse, High: true, At: at},
			Step{Line: LinePulse, High: false, At: at + t.PulseWidth},
		)
	}
	return steps
}

// OpenLength is the time from the session rising edge to the trial start.
func (t Timing) OpenLength() time.Duration {
	return t.Guard + t.Preamble
}

// Update returns the schedule of a single per-event pulse.
func (t Timing) Update() []Step {
	return []Step{
		{Line: LinePulse, High: true},
		{Line: LinePulse, High: false, At: t.PulseWidth},
	}
}

// Close returns the schedule that ends a session.
func (t Timing) Close() []Step {
	return []Step{{Line: LineSession, High: false}}
}

// Edges converts a schedule into absolute edges starting at base.
func Edges(steps []Step, base time.Time) []Edge {
	edges := make([]Edge, 0, len(steps))
	for _, s := range steps {
		edges = append(edges, Edge{Line: s.Line, High: s.High, Time: base.Add(s.At)})
	}
	return edges
}
