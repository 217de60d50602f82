package sensor

import "sync"

// FakeSampler is a test double that returns scripted readings.
type FakeSampler struct {
	mu sync.Mutex

	// Readings contains scripted values. Each call to Read() consumes the
	// next one; when exhausted the last one repeats.
	Readings []Reading

	// Errors, if set, is returned by the call with the same index.
	Errors map[int]error

	calls  int
	Closed bool
}

// NewFakeSampler creates a FakeSampler with the given readings.
func NewFakeSampler(readings ...Reading) *FakeSampler {
	return &FakeSampler{Readings: readings}
}

// Read returns the next scripted reading.
func (f *FakeSampler) Read() (Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Closed {
		return Reading{}, ErrClosed
	}
	n := f.calls
	f.calls++
	if err, ok := f.Errors[n]; ok {
		return Reading{}, err
	}
	if len(f.Readings) == 0 {
		return Reading{}, nil
	}
	if n >= len(f.Readings) {
		n = len(f.Readings) - 1
	}
	return f.Readings[n], nil
}

// Calls returns how many times Read was called.
func (f *FakeSampler) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Close marks the sampler as closed.
func (f *FakeSampler) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}
