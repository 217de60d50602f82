// Package status provides a thread-safe status tracker for a harness node.
// It is read by the HTTP handlers and by heartbeat publishing.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/beacon-harness/internal/protocol"
	"github.com/sweeney/beacon-harness/internal/trial"
)

// Config contains node configuration for display.
type Config struct {
	Role        string
	Dir         string
	DebounceMs  int64
	GuardMs     int64
	PreambleMs  int64
	HeartbeatMs int64
	Broker      string
	HTTPAddr    string
}

// Current describes the trial that is open right now.
type Current struct {
	Index       int
	ConditionID int
	Condition   string
	Known       bool
	Start       time.Time
	Updates     int
	Rows        int

	// Advertiser only.
	Step     int
	Interval time.Duration
}

// Drops are the ingestion loss counters of a node.
type Drops struct {
	Ring  uint64
	Parse uint64
	Edges uint64
}

// Snapshot is a point-in-time view of node state.
// It is a value type and stays valid after the lock is released.
type Snapshot struct {
	Phase         protocol.Phase
	Counts        protocol.Counts
	Current       *Current
	Last          *trial.Report
	Drops         Drops
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Config        Config
}

// Uptime returns the duration since the node started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds mutable node state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			Phase:     protocol.PhaseIdle,
			StartTime: startTime,
			Config:    cfg,
		},
	}
}

// Update sets the decoder phase and outcome counters.
// Called from the node loop on every poll.
func (t *Tracker) Update(phase protocol.Phase, counts protocol.Counts) {
	t.mu.Lock()
	t.snap.Phase = phase
	t.snap.Counts = counts
	t.mu.Unlock()
}

// SetCurrent sets the open trial; nil clears it.
func (t *Tracker) SetCurrent(c *Current) {
	t.mu.Lock()
	if c != nil {
		cp := *c
		c = &cp
	}
	t.snap.Current = c
	t.mu.Unlock()
}

// SetLast records the most recently closed trial.
func (t *Tracker) SetLast(r trial.Report) {
	t.mu.Lock()
	if r.Energy != nil {
		e := *r.Energy
		r.Energy = &e
	}
	t.snap.Last = &r
	t.mu.Unlock()
}

// SetDrops sets the loss counters.
func (t *Tracker) SetDrops(d Drops) {
	t.mu.Lock()
	t.snap.Drops = d
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the node state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	if s.Current != nil {
		c := *s.Current
		s.Current = &c
	}
	t.mu.RUnlock()
	s.Now = time.Now()
	return s
}
