package signal

import (
	"fmt"
	"math/rand"
)

// Which names one of the two signals.
type Which string

const (
	WhichU Which = "u"
	WhichC Which = "c"
)

// Source yields the per-step reference point for a condition.
type Source interface {
	At(step int) Point
	Len() int
	SessionID() int
}

// SessionID returns the recorded session the series belongs to.
func (s *Series) SessionID() int {
	return s.Session
}

// Shuffle returns a copy of s in which the chosen signal is replaced by a
// seeded permutation of itself. Labels and the other signal keep their order.
func (s *Series) Shuffle(which Which, seed int64) (*Series, error) {
	if which != WhichU && which != WhichC {
		return nil, fmt.Errorf("%w: shuffle signal %q", ErrBadValue, which)
	}
	out := &Series{Session: s.Session, Points: make([]Point, len(s.Points))}
	copy(out.Points, s.Points)
	perm := rand.New(rand.NewSource(seed)).Perm(len(s.Points))
	for i, j := range perm {
		switch which {
		case WhichU:
			out.Points[i].U = s.Points[j].U
		case WhichC:
			out.Points[i].C = s.Points[j].C
		}
	}
	return out, nil
}
