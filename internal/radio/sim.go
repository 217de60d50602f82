package radio

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Air is an in-memory radio medium. Advertisers created from it emit their
// current payload once per interval; Advance delivers everything due up to
// a given time to every listener, dropping each delivery with probability Loss.
type Air struct {
	mu        sync.Mutex
	loss      float64
	rng       *rand.Rand
	rssi      int
	ads       []*SimAdvertiser
	listeners map[int]func(Observation)
	nextID    int
}

// NewAir creates a medium with the given loss probability and seed.
func NewAir(loss float64, seed int64) *Air {
	return &Air{
		loss:      loss,
		rng:       rand.New(rand.NewSource(seed)),
		rssi:      -60,
		listeners: make(map[int]func(Observation)),
	}
}

// NewAdvertiser creates an advertiser on this medium. now stamps Start.
func (a *Air) NewAdvertiser(address string, now func() time.Time) *SimAdvertiser {
	a.mu.Lock()
	defer a.mu.Unlock()
	ad := &SimAdvertiser{air: a, address: address, now: now, interval: 100 * time.Millisecond}
	a.ads = append(a.ads, ad)
	return ad
}

// NewScanner creates a scanner on this medium.
func (a *Air) NewScanner() *SimScanner {
	return &SimScanner{air: a}
}

// Listen registers fn for every delivered observation and returns a cancel func.
func (a *Air) Listen(fn func(Observation)) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextID
	a.nextID++
	a.listeners[id] = fn
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.listeners, id)
	}
}

// Advance emits every advertisement due at or before now.
func (a *Air) Advance(now time.Time) {
	a.mu.Lock()
	var out []Observation
	for _, ad := range a.ads {
		ad.mu.Lock()
		for ad.running && !ad.next.After(now) {
			if a.rng.Float64() >= a.loss {
				out = append(out, Observation{
					Time:    ad.next,
					Kind:    EventAdv,
					Address: ad.address,
					RSSI:    a.rssi - a.rng.Intn(10),
					Payload: append([]byte(nil), ad.payload...),
				})
			}
			ad.sent++
			ad.next = ad.next.Add(ad.interval)
		}
		ad.mu.Unlock()
	}
	listeners := make([]func(Observation), 0, len(a.listeners))
	for _, fn := range a.listeners {
		listeners = append(listeners, fn)
	}
	a.mu.Unlock()

	for _, o := range out {
		for _, fn := range listeners {
			fn(o)
		}
	}
}

// Run advances the medium on the wall clock until ctx is done.
func (a *Air) Run(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			a.Advance(now)
		}
	}
}

// SimAdvertiser implements Advertiser on an Air.
type SimAdvertiser struct {
	air     *Air
	address string
	now     func() time.Time

	mu       sync.Mutex
	interval time.Duration
	payload  []byte
	running  bool
	closed   bool
	next     time.Time
	sent     int
	restarts int
}

// SetInterval applies the new interval by restarting advertising.
func (s *SimAdvertiser) SetInterval(d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.interval = d
	if s.running {
		s.next = s.now()
		s.restarts++
	}
	return nil
}

// SetPayload replaces the payload for the next emission.
func (s *SimAdvertiser) SetPayload(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.payload = append(s.payload[:0], p...)
	return nil
}

// Start begins emitting at the current time.
func (s *SimAdvertiser) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if !s.running {
		s.running = true
		s.next = s.now()
	}
	return nil
}

// Stop halts emission.
func (s *SimAdvertiser) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	return nil
}

// Close stops and detaches the advertiser.
func (s *SimAdvertiser) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.closed = true
	return nil
}

// Sent returns how many advertisements were emitted, lost or not.
func (s *SimAdvertiser) Sent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

// Interval returns the current interval.
func (s *SimAdvertiser) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// SimScanner implements Scanner on an Air.
type SimScanner struct {
	air *Air
}

// Scan listens until ctx is done.
func (s *SimScanner) Scan(ctx context.Context, fn func(Observation)) error {
	cancel := s.air.Listen(fn)
	defer cancel()
	<-ctx.Done()
	return nil
}

// Close is a no-op.
func (s *SimScanner) Close() error {
	return nil
}
