// Package sensor reads voltage and current from the power monitor that sits
// in the advertiser's supply line.
package sensor

import "errors"

// Reading is one voltage/current measurement.
type Reading struct {
	MilliVolt float64
	MicroAmp  float64
}

// Sampler produces readings. Read is called from the sampling goroutine only.
type Sampler interface {
	Read() (Reading, error)
	Close() error
}

var (
	// ErrParse marks a malformed reading that should be counted and skipped.
	ErrParse  = errors.New("sensor: malformed reading")
	ErrClosed = errors.New("sensor: closed")
)
