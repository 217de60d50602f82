package config

import (
	"fmt"

	"github.com/spf13/afero"

	"github.com/sweeney/beacon-harness/internal/advertiser"
	"github.com/sweeney/beacon-harness/internal/powerlog"
	"github.com/sweeney/beacon-harness/internal/receiver"
	"github.com/sweeney/beacon-harness/internal/signal"
	"github.com/sweeney/beacon-harness/internal/status"
)

// AdvertiserNode returns the advertiser node settings.
func (c *Config) AdvertiserNode() advertiser.Config {
	a := c.Advertiser
	return advertiser.Config{
		Timing:        c.Timing,
		Params:        c.Policy,
		Conditions:    c.Conditions,
		Schedule:      c.ScheduleIDs(),
		Repeat:        a.Repeat,
		Step:          a.Step,
		StepsPerTrial: a.StepsPerTrial,
		Gap:           a.Gap,
		Heartbeat:     a.Heartbeat,
	}
}

// PowerLogNode returns the power logger node settings.
func (c *Config) PowerLogNode() powerlog.Config {
	p := c.PowerLog
	return powerlog.Config{
		Timing:     c.Timing,
		Conditions: c.Conditions,
		RingSize:   p.RingSize,
		BatchSize:  p.BatchSize,
		MaxUpdates: p.MaxUpdates,
		Heartbeat:  p.Heartbeat,
	}
}

// ReceiverNode returns the receiver node settings.
func (c *Config) ReceiverNode() receiver.Config {
	return receiver.Config{
		Timing:     c.Timing,
		Conditions: c.Conditions,
		RingSize:   c.Receiver.RingSize,
		MaxUpdates: c.PowerLog.MaxUpdates,
		Heartbeat:  c.Receiver.Heartbeat,
	}
}

// Status returns what the status page shows about a role's configuration.
func (c *Config) Status(role, dir, httpAddr string) status.Config {
	var hb int64
	switch role {
	case advertiser.Role:
		hb = c.Advertiser.Heartbeat.Milliseconds()
	case powerlog.Role:
		hb = c.PowerLog.Heartbeat.Milliseconds()
	case receiver.Role:
		hb = c.Receiver.Heartbeat.Milliseconds()
	}
	return status.Config{
		Role:        role,
		Dir:         dir,
		DebounceMs:  c.Timing.Debounce.Milliseconds(),
		GuardMs:     c.Timing.Guard.Milliseconds(),
		PreambleMs:  c.Timing.Preamble.Milliseconds(),
		HeartbeatMs: hb,
		Broker:      c.MQTT.Broker,
		HTTPAddr:    httpAddr,
	}
}

// LoadSeries reads the configured reference series. With none configured a
// synthetic series is generated from the simulate settings.
func (c *Config) LoadSeries(fs afero.Fs) ([]*signal.Series, error) {
	var out []*signal.Series
	for _, sf := range c.Series {
		s, err := signal.LoadFile(fs, sf.Path, sf.Session)
		if err != nil {
			return nil, fmt.Errorf("series %d: %w", sf.Session, err)
		}
		out = append(out, s)
	}
	if len(out) == 0 {
		out = append(out, signal.Synthetic(1, c.Simulate.SyntheticSteps, c.Simulate.SyntheticDwell, c.Simulate.Seed))
	}
	if c.Advertiser.Quantize {
		for i, s := range out {
			out[i] = s.Quantize()
		}
	}
	return out, nil
}
