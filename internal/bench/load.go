package bench

import (
	"math/rand"
	"sync"

	"github.com/sweeney/beacon-harness/internal/sensor"
)

// Transmitter reports how many advertisements have gone out.
type Transmitter interface {
	Sent() int
}

// Load is a sensor.Sampler modelling the advertiser's supply: a constant idle
// draw plus a burst for every advertisement sent since the previous read.
type Load struct {
	MilliVolt     float64
	IdleMicroAmp  float64
	TxMicroAmp    float64
	NoiseMicroAmp float64

	tx     Transmitter
	mu     sync.Mutex
	rng    *rand.Rand
	last   int
	closed bool
}

// NewLoad returns a load with bench-like figures.
func NewLoad(tx Transmitter, seed int64) *Load {
	return &Load{
		MilliVolt:     3300,
		IdleMicroAmp:  8000,
		TxMicroAmp:    15000,
		NoiseMicroAmp: 200,
		tx:            tx,
		rng:           rand.New(rand.NewSource(seed)),
	}
}

// Read returns one reading.
func (l *Load) Read() (sensor.Reading, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return sensor.Reading{}, sensor.ErrClosed
	}
	sent := l.tx.Sent()
	bursts := sent - l.last
	l.last = sent

	ua := l.IdleMicroAmp + float64(bursts)*l.TxMicroAmp
	if l.NoiseMicroAmp > 0 {
		ua += l.NoiseMicroAmp * (2*l.rng.Float64() - 1)
	}
	return sensor.Reading{MilliVolt: l.MilliVolt, MicroAmp: ua}, nil
}

// Close makes further reads fail.
func (l *Load) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}
