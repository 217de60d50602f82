// Package gpio provides the session and pulse line hardware abstraction.
// The real watcher uses the Linux GPIO character device; the real output
// uses periph. The fake Bus connects outputs to watchers in memory.
package gpio

import (
	"errors"

	"github.com/sweeney/beacon-harness/internal/protocol"
)

// Watcher delivers edges observed on the session and pulse lines.
type Watcher interface {
	// Edges returns the channel edges are delivered on, in time order.
	Edges() <-chan protocol.Edge

	// Level returns the current level of a line.
	Level(line protocol.Line) (bool, error)

	// Dropped returns the number of edges lost because the channel was full.
	Dropped() uint64

	// Close releases GPIO resources and closes the edge channel.
	Close() error
}

// Output drives the session and pulse lines.
type Output interface {
	Set(line protocol.Line, high bool) error
	Close() error
}

// Pins selects the chip and line offsets (BCM numbering).
type Pins struct {
	Chip    string `yaml:"chip"`
	Session int    `yaml:"session"`
	Pulse   int    `yaml:"pulse"`
}

// Pin defaults
const (
	DefaultChip       = "gpiochip0"
	DefaultSessionPin = 17
	DefaultPulsePin   = 27
)

// DefaultPins returns the bench wiring.
func DefaultPins() Pins {
	return Pins{Chip: DefaultChip, Session: DefaultSessionPin, Pulse: DefaultPulsePin}
}

// EdgeBuffer is the edge channel capacity of the hardware watchers.
const EdgeBuffer = 256

var (
	ErrUnsupported = errors.New("gpio: not supported on this platform (requires Linux)")
	ErrClosed      = errors.New("gpio: closed")
	ErrUnknownLine = errors.New("gpio: unknown line")
)
