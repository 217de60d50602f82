// Package radio defines the advertising and scanning capabilities the nodes
// are built against. The BLE stack itself lives behind these interfaces.
package radio

import (
	"context"
	"errors"
	"time"
)

// EventAdv is the kind recorded for a received advertisement.
const EventAdv = "ADV"

// Advertiser is the transmitting side of the radio.
type Advertiser interface {
	// SetInterval changes the advertising interval. Implementations may
	// stop and restart advertising to apply it.
	SetInterval(d time.Duration) error
	// SetPayload replaces the manufacturer data.
	SetPayload(p []byte) error
	Start() error
	Stop() error
	Close() error
}

// Observation is one received advertisement.
type Observation struct {
	Time    time.Time
	Kind    string
	Address string
	RSSI    int
	Payload []byte
}

// Scanner is the passive receiving side of the radio.
type Scanner interface {
	// Scan calls fn for every observation until ctx is done. fn runs in the
	// radio's context and must not block.
	Scan(ctx context.Context, fn func(Observation)) error
	Close() error
}

var (
	ErrNotStarted = errors.New("radio: advertising not started")
	ErrClosed     = errors.New("radio: closed")
	ErrPayload    = errors.New("radio: payload too long")
)
