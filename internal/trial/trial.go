// Package trial holds the condition table shared by all roles and the report
// a node produces when it closes a trial.
package trial

import (
	"errors"
	"fmt"
	"time"

	"github.com/sweeney/beacon-harness/internal/energy"
	"github.com/sweeney/beacon-harness/internal/policy"
	"github.com/sweeney/beacon-harness/internal/protocol"
	"github.com/sweeney/beacon-harness/internal/signal"
)

var (
	ErrDuplicateID = errors.New("trial: duplicate condition id")
	ErrConditionID = errors.New("trial: condition id out of range")
	ErrCondition   = errors.New("trial: invalid condition")
)

// Condition is one experimental condition. The id is what the preamble
// announces.
type Condition struct {
	ID          int           `yaml:"id"`
	Name        string        `yaml:"name"`
	Mode        policy.Mode   `yaml:"mode"`
	FixedRate   time.Duration `yaml:"fixed_rate,omitempty"`
	Shuffle     signal.Which  `yaml:"shuffle,omitempty"`
	ShuffleSeed int64         `yaml:"shuffle_seed,omitempty"`
}

// Source returns the signal source for this condition built from s.
func (c Condition) Source(s *signal.Series) (signal.Source, error) {
	if c.Mode != policy.ModeAblation {
		return s, nil
	}
	return s.Shuffle(c.Shuffle, c.ShuffleSeed)
}

// Table is the ordered condition table.
type Table []Condition

// DefaultTable returns the bench conditions.
func DefaultTable() Table {
	return Table{
		{ID: 1, Name: "fixed100", Mode: policy.ModeFixed, FixedRate: 100 * time.Millisecond},
		{ID: 2, Name: "fixed500", Mode: policy.ModeFixed, FixedRate: 500 * time.Millisecond},
		{ID: 3, Name: "policy", Mode: policy.ModePolicy},
		{ID: 4, Name: "ablation", Mode: policy.ModeAblation, Shuffle: signal.WhichU, ShuffleSeed: 1},
		{ID: 5, Name: "uonly", Mode: policy.ModeUOnly},
	}
}

// Validate checks ids are unique and fit the preamble, and that each mode has
// what it needs.
func (t Table) Validate(maxCondition int) error {
	seen := make(map[int]bool)
	for _, c := range t {
		if c.ID < 1 || c.ID > maxCondition {
			return fmt.Errorf("%w: %d not in 1..%d", ErrConditionID, c.ID, maxCondition)
		}
		if seen[c.ID] {
			return fmt.Errorf("%w: %d", ErrDuplicateID, c.ID)
		}
		seen[c.ID] = true
		if c.Name == "" {
			return fmt.Errorf("%w: condition %d has no name", ErrCondition, c.ID)
		}
		switch c.Mode {
		case policy.ModeFixed:
			if c.FixedRate <= 0 {
				return fmt.Errorf("%w: %s needs fixed_rate", ErrCondition, c.Name)
			}
		case policy.ModeAblation:
			if c.Shuffle != signal.WhichU && c.Shuffle != signal.WhichC {
				return fmt.Errorf("%w: %s needs shuffle u or c", ErrCondition, c.Name)
			}
		}
	}
	return nil
}

// Lookup finds a condition by id.
func (t Table) Lookup(id int) (Condition, bool) {
	for _, c := range t {
		if c.ID == id {
			return c, true
		}
	}
	return Condition{}, false
}

// Resolve returns ev with the condition cleared when the decoded id has no
// entry in the table. Such a trial is recorded as unknown, the same as a
// preamble count outside 1..max.
func (t Table) Resolve(ev protocol.Event) protocol.Event {
	if !ev.Known {
		return ev
	}
	if _, ok := t.Lookup(ev.ConditionID); !ok {
		ev.ConditionID = 0
		ev.Known = false
	}
	return ev
}

// Name returns the condition name for a decoded id, "unknown" when the id
// was not decoded or is not in the table.
func (t Table) Name(id int, known bool) string {
	if !known {
		return "unknown"
	}
	if c, ok := t.Lookup(id); ok {
		return c.Name
	}
	return "unknown"
}

// Report is what a node publishes when a trial closes.
type Report struct {
	Role        string
	Index       int
	ConditionID int
	Condition   string
	Known       bool
	Start       time.Time
	End         time.Time
	Reason      protocol.EndReason
	Discarded   bool
	Updates     int
	Rows        int
	RingDrop    uint64
	ParseErrors uint64
	File        string

	// Energy is set by the power logger only.
	Energy *energy.Summary
}

// Duration returns the trial length.
func (r Report) Duration() time.Duration {
	return r.End.Sub(r.Start)
}
