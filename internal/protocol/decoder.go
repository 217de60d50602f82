package protocol

import "time"

// Decoder turns observed line edges into trial lifecycle events.
// Timers are evaluated lazily: every Process or Tick call first advances the
// state machine to the supplied time.
type Decoder struct {
	timing Timing
	phase  Phase

	risingAt time.Time // session rising edge of the pending or current trial
	fallAt   time.Time // falling edge that opened the debounce hold
	start    time.Time // end of the preamble window
	pulses   int
	updates  int
	held     []time.Time

	counts        Counts
	startTime     time.Time
	lastHeartbeat time.Time
}

// NewDecoder creates a decoder in the idle phase.
// The startTime is used for calculating uptime in heartbeat events.
func NewDecoder(timing Timing, startTime time.Time) *Decoder {
	return &Decoder{
		timing:        timing,
		phase:         PhaseIdle,
		startTime:     startTime,
		lastHeartbeat: startTime,
	}
}

// Process consumes one edge and returns the events it produces, including
// any timer expiries up to the edge time.
func (d *Decoder) Process(e Edge) []Event {
	events := d.advance(e.Time)
	switch e.Line {
	case LineSession:
		events = append(events, d.session(e.High, e.Time)...)
	case LinePulse:
		if e.High {
			events = append(events, d.pulse(e.Time)...)
		}
	}
	return events
}

// Tick advances the timers to now without an edge.
func (d *Decoder) Tick(now time.Time) []Event {
	return d.advance(now)
}

// ForceEnd closes the running trial at now with the given reason. It returns
// nil when no trial is running.
func (d *Decoder) ForceEnd(now time.Time, reason EndReason) []Event {
	events := d.advance(now)
	switch d.phase {
	case PhaseRecording:
		events = append(events, d.close(now, reason))
		d.phase = PhaseDone
	case PhaseClosing:
		// Line is already low, so the decoder can re-arm immediately.
		events = append(events, d.close(d.fallAt, reason))
		d.phase = PhaseIdle
	}
	return events
}

func (d *Decoder) advance(now time.Time) []Event {
	var events []Event
	for {
		switch d.phase {
		case PhaseGuard:
			if now.Sub(d.risingAt) < d.timing.Guard {
				return events
			}
			d.phase = PhasePreamble
		case PhasePreamble:
			end := d.windowEnd()
			if now.Before(end) {
				return events
			}
			d.begin(end)
			events = append(events, d.startEvent())
		case PhaseRecording:
			if d.timing.MaxTrial <= 0 || now.Sub(d.start) < d.timing.MaxTrial {
				return events
			}
			events = append(events, d.close(d.start.Add(d.timing.MaxTrial), ReasonTimeout))
			d.phase = PhaseDone
		case PhaseClosing:
			if now.Sub(d.fallAt) < d.timing.Debounce {
				return events
			}
			events = append(events, d.close(d.fallAt, ReasonSessionEnd))
			d.phase = PhaseIdle
		default:
			return events
		}
	}
}

func (d *Decoder) session(high bool, now time.Time) []Event {
	switch d.phase {
	case PhaseIdle:
		if high {
			d.phase = PhaseGuard
			d.risingAt = now
			d.pulses = 0
		}
	case PhaseGuard, PhasePreamble:
		if !high {
			d.phase = PhaseIdle
			d.counts.Cancelled++
			return []Event{{Type: EventStartCancelled, Time: now, Pulses: d.pulses}}
		}
	case PhaseRecording:
		if !high {
			d.phase = PhaseClosing
			d.fallAt = now
		}
	case PhaseClosing:
		if high {
			d.phase = PhaseRecording
			d.counts.Glitches++
			events := []Event{{Type: EventGlitch, Time: now, Start: d.start, Updates: d.updates}}
			for _, t := range d.held {
				d.updates++
				events = append(events, d.updateEvent(t))
			}
			d.held = d.held[:0]
			return events
		}
	case PhaseDone:
		if !high {
			d.phase = PhaseIdle
		}
	}
	return nil
}

func (d *Decoder) pulse(now time.Time) []Event {
	switch d.phase {
	case PhasePreamble:
		if now.After(d.risingAt.Add(d.timing.Guard)) && now.Before(d.windowEnd()) {
			d.pulses++
		}
	case PhaseRecording:
		d.updates++
		return []Event{d.updateEvent(now)}
	case PhaseClosing:
		d.held = append(d.held, now)
	}
	return nil
}

func (d *Decoder) begin(start time.Time) {
	d.phase = PhaseRecording
	d.start = start
	d.updates = 0
	d.held = d.held[:0]
	d.counts.Started++
}

func (d *Decoder) close(end time.Time, reason EndReason) Event {
	ev := d.startEvent()
	ev.Type = EventTrialEnd
	ev.Time = end
	ev.Reason = reason
	if end.Sub(d.start) < d.timing.MinTrial {
		ev.Type = EventTrialDiscarded
		d.counts.Discarded++
	} else {
		d.counts.Ended++
	}
	d.held = d.held[:0]
	return ev
}

func (d *Decoder) startEvent() Event {
	ev := Event{
		Type:    EventTrialStart,
		Time:    d.start,
		Start:   d.start,
		Pulses:  d.pulses,
		Updates: d.updates,
	}
	if d.pulses >= 1 && d.pulses <= d.timing.MaxCondition {
		ev.ConditionID = d.pulses
		ev.Known = true
	}
	return ev
}

func (d *Decoder) updateEvent(t time.Time) Event {
	ev := d.startEvent()
	ev.Type = EventUpdate
	ev.Time = t
	return ev
}

func (d *Decoder) windowEnd() time.Time {
	return d.risingAt.Add(d.timing.Guard + d.timing.Preamble)
}

// Phase returns the current decoder phase.
func (d *Decoder) Phase() Phase {
	return d.phase
}

// Recording reports whether a trial is open, including the debounce hold.
func (d *Decoder) Recording() bool {
	return d.phase == PhaseRecording || d.phase == PhaseClosing
}

// Holding returns the falling edge that opened the debounce hold, and
// whether the decoder is currently holding.
func (d *Decoder) Holding() (time.Time, bool) {
	return d.fallAt, d.phase == PhaseClosing
}

// TrialStart returns the start of the open trial.
func (d *Decoder) TrialStart() time.Time {
	return d.start
}

// Counts returns the outcome counters.
func (d *Decoder) Counts() Counts {
	return d.counts
}

// CheckHeartbeat returns heartbeat data if the interval has elapsed since the
// last heartbeat (or startup). Returns nil if the interval has not elapsed,
// or if interval is <= 0 (disabled).
func (d *Decoder) CheckHeartbeat(now time.Time, interval time.Duration) *HeartbeatData {
	if interval <= 0 {
		return nil
	}
	if now.Sub(d.lastHeartbeat) < interval {
		return nil
	}
	d.lastHeartbeat = now
	return &HeartbeatData{
		Timestamp: now,
		Uptime:    now.Sub(d.startTime),
		Phase:     d.phase,
		Counts:    d.counts,
	}
}
