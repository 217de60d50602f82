package policy

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstantLowKeepsSlowRate(t *testing.T) {
	c := NewController(DefaultParams(), ModePolicy, 0)
	for i := 0; i < 1800; i++ {
		rate, changed := c.Step(0.05, 0.05)
		require.False(t, changed, "step %d", i)
		require.Equal(t, 500*time.Millisecond, rate, "step %d", i)
	}
}

func TestStepToOneSwitchesOnFirstTick(t *testing.T) {
	c := NewController(DefaultParams(), ModePolicy, 0)
	rate, changed := c.Step(1, 0)
	assert.True(t, changed)
	assert.Equal(t, 100*time.Millisecond, rate)
	assert.Equal(t, 1.0, c.State().UEMA)
}

func TestHysteresisHoldsFast(t *testing.T) {
	p := DefaultParams()
	c := NewController(p, ModePolicy, 0)
	c.Step(1, 0)

	// EMA decays towards 0.13, which stays above mid - h = 0.12.
	for i := 0; i < 500; i++ {
		rate, _ := c.Step(0.13, 0)
		require.Equal(t, 100*time.Millisecond, rate, "step %d", i)
	}
	// Dropping the signal eventually slows down.
	slowed := false
	for i := 0; i < 100 && !slowed; i++ {
		rate, _ := c.Step(0, 0)
		slowed = rate == 500*time.Millisecond
	}
	assert.True(t, slowed)
}

func TestHysteresisInvariantRandomWalk(t *testing.T) {
	p := DefaultParams()
	c := NewController(p, ModePolicy, 0)
	rng := rand.New(rand.NewSource(7))
	b := p.Boundaries[0]
	for i := 0; i < 20000; i++ {
		before := c.State().Level
		c.Step(rng.Float64()*0.5, rng.Float64()*0.5)
		s := c.State()
		if before == 0 && s.Level == 1 {
			require.Less(t, s.UEMA, b.U.Mid-p.Hysteresis)
			require.Less(t, s.CEMA, b.C.Mid-p.Hysteresis)
		}
		if before == 1 && s.Level == 0 {
			require.True(t, s.UEMA >= b.U.High || s.CEMA >= b.C.High)
		}
	}
}

func TestUOnlyIgnoresChangeSignal(t *testing.T) {
	c := NewController(DefaultParams(), ModeUOnly, 0)
	for i := 0; i < 100; i++ {
		r, _ := c.Step(0, 1)
		require.Equal(t, 500*time.Millisecond, r)
	}
	var rate time.Duration
	for i := 0; i < 10 && rate != 100*time.Millisecond; i++ {
		rate, _ = c.Step(1, 1)
	}
	require.Equal(t, 100*time.Millisecond, rate)
	for i := 0; i < 100; i++ {
		rate, _ = c.Step(0, 1)
	}
	assert.Equal(t, 500*time.Millisecond, rate, "c=1 does not hold the fast rate")
}

func TestFixedBypassesController(t *testing.T) {
	c := NewController(DefaultParams(), ModeFixed, 120*time.Millisecond)
	for i := 0; i < 50; i++ {
		rate, changed := c.Step(float64(i%2), 1)
		require.False(t, changed)
		require.Equal(t, 100*time.Millisecond, rate)
	}
	assert.False(t, c.State().Primed)
}

func TestResetUnprimes(t *testing.T) {
	c := NewController(DefaultParams(), ModeAblation, 0)
	c.Step(1, 1)
	require.Equal(t, 0, c.State().Level)
	c.Reset()
	assert.Equal(t, State{Level: 1}, c.State())
}
