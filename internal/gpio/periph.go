package gpio

import (
	"fmt"

	pgpio "periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"github.com/sweeney/beacon-harness/internal/protocol"
)

// PeriphOutput drives the lines through periph.
type PeriphOutput struct {
	pins map[protocol.Line]pgpio.PinIO
}

// NewPeriphOutput initialises the host drivers and drives both lines low.
func NewPeriphOutput(pins Pins) (*PeriphOutput, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("init periph host: %w", err)
	}
	o := &PeriphOutput{pins: make(map[protocol.Line]pgpio.PinIO)}
	for line, n := range map[protocol.Line]int{protocol.LineSession: pins.Session, protocol.LinePulse: pins.Pulse} {
		name := fmt.Sprintf("GPIO%d", n)
		p := gpioreg.ByName(name)
		if p == nil {
			return nil, fmt.Errorf("%s pin %s not found", line, name)
		}
		if err := p.Out(pgpio.Low); err != nil {
			return nil, fmt.Errorf("set %s pin %s low: %w", line, name, err)
		}
		o.pins[line] = p
	}
	return o, nil
}

// Set drives a line.
func (o *PeriphOutput) Set(line protocol.Line, high bool) error {
	p, ok := o.pins[line]
	if !ok {
		return ErrUnknownLine
	}
	level := pgpio.Low
	if high {
		level = pgpio.High
	}
	if err := p.Out(level); err != nil {
		return fmt.Errorf("set %s pin: %w", line, err)
	}
	return nil
}

// Close leaves both lines low and releases them as inputs with pull-down,
// matching the boot default.
func (o *PeriphOutput) Close() error {
	var errs []error
	for line, p := range o.pins {
		if err := p.Out(pgpio.Low); err != nil {
			errs = append(errs, fmt.Errorf("set %s pin low: %w", line, err))
		}
		if err := p.In(pgpio.PullDown, pgpio.NoEdge); err != nil {
			errs = append(errs, fmt.Errorf("release %s pin: %w", line, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
