package status

import (
	"encoding/json"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string       `json:"event,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	Role          string       `json:"role"`
	Phase         string       `json:"phase"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	StartTime     string       `json:"start_time"`
	Timestamp     string       `json:"timestamp"`
	MQTT          MQTTStatus   `json:"mqtt"`
	Counts        CountsJSON   `json:"trial_counts"`
	Drops         DropsJSON    `json:"drops"`
	Current       *CurrentJSON `json:"current,omitempty"`
	Last          *LastJSON    `json:"last,omitempty"`
	Config        ConfigJSON   `json:"config"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// CountsJSON is the JSON representation of decoder outcome counts.
type CountsJSON struct {
	Started   int `json:"started"`
	Cancelled int `json:"cancelled"`
	Ended     int `json:"ended"`
	Discarded int `json:"discarded"`
	Glitches  int `json:"glitches"`
}

// DropsJSON is the JSON representation of loss counters.
type DropsJSON struct {
	Ring  uint64 `json:"ring"`
	Parse uint64 `json:"parse"`
	Edges uint64 `json:"edges"`
}

// CurrentJSON is the JSON representation of the open trial.
type CurrentJSON struct {
	Index       int    `json:"index"`
	ConditionID int    `json:"cond_id"`
	Condition   string `json:"cond"`
	Known       bool   `json:"known"`
	Start       string `json:"start"`
	Updates     int    `json:"updates"`
	Rows        int    `json:"rows"`
	Step        int    `json:"step,omitempty"`
	IntervalMs  int64  `json:"interval_ms,omitempty"`
}

// LastJSON is the JSON representation of the last closed trial.
type LastJSON struct {
	Index        int     `json:"index"`
	ConditionID  int     `json:"cond_id"`
	Condition    string  `json:"cond"`
	Known        bool    `json:"known"`
	Reason       string  `json:"reason"`
	Discarded    bool    `json:"discarded"`
	DurationMs   int64   `json:"duration_ms"`
	Updates      int     `json:"updates"`
	Rows         int     `json:"rows"`
	File         string  `json:"file,omitempty"`
	EnergyMJ     float64 `json:"energy_mj,omitempty"`
	TrapezoidMJ  float64 `json:"energy_trapz_mj,omitempty"`
	PerAdvMicroJ float64 `json:"e_per_adv_uj,omitempty"`
}

// ConfigJSON is the JSON representation of node config.
type ConfigJSON struct {
	Dir         string `json:"dir,omitempty"`
	DebounceMs  int64  `json:"debounce_ms"`
	GuardMs     int64  `json:"guard_ms"`
	PreambleMs  int64  `json:"preamble_ms"`
	HeartbeatMs int64  `json:"heartbeat_ms"`
	Broker      string `json:"broker"`
	HTTPAddr    string `json:"http_addr"`
}

func buildInner(snap Snapshot) StatusInner {
	phase := string(snap.Phase)
	if phase == "" {
		phase = "UNKNOWN"
	}

	inner := StatusInner{
		Role:          snap.Config.Role,
		Phase:         phase,
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Counts: CountsJSON{
			Started:   snap.Counts.Started,
			Cancelled: snap.Counts.Cancelled,
			Ended:     snap.Counts.Ended,
			Discarded: snap.Counts.Discarded,
			Glitches:  snap.Counts.Glitches,
		},
		Drops: DropsJSON{Ring: snap.Drops.Ring, Parse: snap.Drops.Parse, Edges: snap.Drops.Edges},
		Config: ConfigJSON{
			Dir:         snap.Config.Dir,
			DebounceMs:  snap.Config.DebounceMs,
			GuardMs:     snap.Config.GuardMs,
			PreambleMs:  snap.Config.PreambleMs,
			HeartbeatMs: snap.Config.HeartbeatMs,
			Broker:      snap.Config.Broker,
			HTTPAddr:    snap.Config.HTTPAddr,
		},
	}

	if c := snap.Current; c != nil {
		inner.Current = &CurrentJSON{
			Index:       c.Index,
			ConditionID: c.ConditionID,
			Condition:   c.Condition,
			Known:       c.Known,
			Start:       c.Start.UTC().Format(time.RFC3339Nano),
			Updates:     c.Updates,
			Rows:        c.Rows,
			Step:        c.Step,
			IntervalMs:  c.Interval.Milliseconds(),
		}
	}
	if r := snap.Last; r != nil {
		inner.Last = &LastJSON{
			Index:       r.Index,
			ConditionID: r.ConditionID,
			Condition:   r.Condition,
			Known:       r.Known,
			Reason:      string(r.Reason),
			Discarded:   r.Discarded,
			DurationMs:  r.Duration().Milliseconds(),
			Updates:     r.Updates,
			Rows:        r.Rows,
			File:        r.File,
		}
		if e := r.Energy; e != nil {
			inner.Last.EnergyMJ = e.EnergyMJ
			inner.Last.TrapezoidMJ = e.TrapezoidMJ
			inner.Last.PerAdvMicroJ = e.PerAdvMicroJ
		}
	}
	return inner
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Status: buildInner(snap)}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
