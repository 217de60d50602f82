package signal

import "math/rand"

// Synthetic builds a reference series of n steps in which the truth label
// changes every dwell steps. Uncertainty rises around each transition and
// the change signal spikes right at it; elsewhere both stay low.
func Synthetic(session, n, dwell int, seed int64) *Series {
	rng := rand.New(rand.NewSource(seed))
	s := &Series{Session: session, Points: make([]Point, n)}
	if dwell <= 0 {
		dwell = n
	}
	label := rng.Intn(3)
	for i := 0; i < n; i++ {
		if i > 0 && i%dwell == 0 {
			label = (label + 1 + rng.Intn(2)) % 3
		}
		// Distance to the nearest transition.
		d := i % dwell
		if dwell-d < d {
			d = dwell - d
		}
		if i < dwell {
			d = dwell - i%dwell // no transition before the first dwell ends
		}

		p := Point{Label: label, U: 0.02 + 0.06*rng.Float64(), C: 0.03 * rng.Float64()}
		if d <= 10 {
			p.U = 0.45 + 0.4*rng.Float64()
		}
		if d <= 3 {
			p.C = 0.5 + 0.3*rng.Float64()
		}
		s.Points[i] = p
	}
	return s
}
