// Package mqtt publishes trial lifecycle and system events, with an
// abstraction for testing.
package mqtt

import (
	"encoding/json"
	"time"

	"github.com/sweeney/beacon-harness/internal/protocol"
	"github.com/sweeney/beacon-harness/internal/trial"
)

// System event names.
const (
	EventStartup     = "STARTUP"
	EventShutdown    = "SHUTDOWN"
	EventHeartbeat   = "HEARTBEAT"
	EventReconnected = "RECONNECTED"
)

// Topics are the two topics one role publishes on.
type Topics struct {
	Trial  string
	System string
}

// NewTopics returns "<prefix>/<role>/trial" and "<prefix>/<role>/system".
func NewTopics(prefix, role string) Topics {
	base := prefix + "/" + role
	return Topics{Trial: base + "/trial", System: base + "/system"}
}

// Publisher publishes events to MQTT.
type Publisher interface {
	// PublishTrial sends a trial lifecycle event to the broker.
	// Returns error if publishing fails (should not crash the process).
	PublishTrial(event TrialEvent) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT"
	Reason     string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// TrialEvent is a decoded or scheduled trial transition seen by one role.
type TrialEvent struct {
	Timestamp   time.Time
	Role        string
	Event       protocol.EventType
	Index       int
	ConditionID int
	Condition   string
	Known       bool
	Reason      protocol.EndReason
	Updates     int
	Duration    time.Duration

	// Energy fields are only set by the power logger on close.
	EnergyMJ     float64
	PerAdvMicroJ float64
}

// FromEvent builds a trial event from a decoder event.
func FromEvent(role string, index int, condition string, ev protocol.Event) TrialEvent {
	te := TrialEvent{
		Timestamp:   ev.Time,
		Role:        role,
		Event:       ev.Type,
		Index:       index,
		ConditionID: ev.ConditionID,
		Condition:   condition,
		Known:       ev.Known,
		Reason:      ev.Reason,
		Updates:     ev.Updates,
	}
	if ev.Type == protocol.EventTrialEnd || ev.Type == protocol.EventTrialDiscarded {
		te.Duration = ev.Duration()
	}
	return te
}

// FromReport builds the closing trial event from a node report.
func FromReport(r trial.Report) TrialEvent {
	te := TrialEvent{
		Timestamp:   r.End,
		Role:        r.Role,
		Event:       protocol.EventTrialEnd,
		Index:       r.Index,
		ConditionID: r.ConditionID,
		Condition:   r.Condition,
		Known:       r.Known,
		Reason:      r.Reason,
		Updates:     r.Updates,
		Duration:    r.Duration(),
	}
	if r.Discarded {
		te.Event = protocol.EventTrialDiscarded
	}
	if r.Energy != nil {
		te.EnergyMJ = r.Energy.EnergyMJ
		te.PerAdvMicroJ = r.Energy.PerAdvMicroJ
	}
	return te
}

// Payload represents the MQTT message payload structure for trial events.
type Payload struct {
	Trial TrialPayload `json:"trial"`
}

// TrialPayload contains the trial event details.
type TrialPayload struct {
	Timestamp    string  `json:"timestamp"`
	Role         string  `json:"role"`
	Event        string  `json:"event"`
	Index        int     `json:"index,omitempty"`
	ConditionID  int     `json:"cond_id"`
	Condition    string  `json:"cond"`
	Known        bool    `json:"known"`
	Reason       string  `json:"reason,omitempty"`
	Updates      int     `json:"updates"`
	DurationMs   int64   `json:"duration_ms,omitempty"`
	EnergyMJ     float64 `json:"energy_mj,omitempty"`
	PerAdvMicroJ float64 `json:"e_per_adv_uj,omitempty"`
}

// FormatPayload creates the JSON payload for a trial event.
func FormatPayload(event TrialEvent) ([]byte, error) {
	cond := event.Condition
	if cond == "" {
		cond = "unknown"
	}
	payload := Payload{
		Trial: TrialPayload{
			Timestamp:    event.Timestamp.UTC().Format(time.RFC3339Nano),
			Role:         event.Role,
			Event:        string(event.Event),
			Index:        event.Index,
			ConditionID:  event.ConditionID,
			Condition:    cond,
			Known:        event.Known,
			Reason:       string(event.Reason),
			Updates:      event.Updates,
			DurationMs:   event.Duration.Milliseconds(),
			EnergyMJ:     event.EnergyMJ,
			PerAdvMicroJ: event.PerAdvMicroJ,
		},
	}
	return json.Marshal(payload)
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events (LWT, RECONNECTED) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}

// Nop drops every event. Used when no broker is configured.
type Nop struct{}

func (Nop) PublishTrial(TrialEvent) error   { return nil }
func (Nop) PublishSystem(SystemEvent) error { return nil }
func (Nop) Close() error                    { return nil }
func (Nop) IsConnected() bool               { return false }
