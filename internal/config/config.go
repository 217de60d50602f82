// Package config loads the harness YAML configuration shared by all roles.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/sweeney/beacon-harness/internal/gpio"
	"github.com/sweeney/beacon-harness/internal/policy"
	"github.com/sweeney/beacon-harness/internal/protocol"
	"github.com/sweeney/beacon-harness/internal/radio/bluez"
	"github.com/sweeney/beacon-harness/internal/sensor"
	"github.com/sweeney/beacon-harness/internal/trial"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Sampler sources for the power logger.
const (
	SourceINA219 = "ina219"
	SourceSerial = "serial"
)

// Config is the complete harness configuration.
type Config struct {
	Timing     protocol.Timing  `yaml:"timing"`
	Pins       gpio.Pins        `yaml:"pins"`
	Policy     policy.Params    `yaml:"policy"`
	Conditions trial.Table      `yaml:"conditions"`
	Series     []SeriesFile     `yaml:"series"`
	Advertiser AdvertiserConfig `yaml:"advertiser"`
	PowerLog   PowerLogConfig   `yaml:"powerlog"`
	Receiver   ReceiverConfig   `yaml:"receiver"`
	Radio      bluez.Config     `yaml:"radio"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Influx     InfluxConfig     `yaml:"influx"`
	Simulate   SimulateConfig   `yaml:"simulate"`
	HTTP       string           `yaml:"http"`
	LogLevel   string           `yaml:"log_level"`
}

// SeriesFile is one recorded reference series.
type SeriesFile struct {
	Session int    `yaml:"session"`
	Path    string `yaml:"path"`
}

// AdvertiserConfig configures the transmitting role.
type AdvertiserConfig struct {
	Step          time.Duration `yaml:"step"`
	StepsPerTrial int           `yaml:"steps_per_trial"`
	Gap           time.Duration `yaml:"gap"`
	// Schedule lists condition ids in play order; empty plays the table order.
	Schedule []int `yaml:"schedule"`
	Repeat   int   `yaml:"repeat"`
	// Quantize stores both signals at 8-bit resolution.
	Quantize  bool          `yaml:"quantize"`
	Heartbeat time.Duration `yaml:"heartbeat"`
}

// PowerLogConfig configures the power logger role.
type PowerLogConfig struct {
	Dir            string              `yaml:"dir"`
	SampleInterval time.Duration       `yaml:"sample_interval"`
	Poll           time.Duration       `yaml:"poll"`
	RingSize       int                 `yaml:"ring_size"`
	BatchSize      int                 `yaml:"batch_size"`
	MaxUpdates     int                 `yaml:"max_updates"`
	Source         string              `yaml:"source"`
	INA219         sensor.INA219Config `yaml:"ina219"`
	Serial         sensor.SerialConfig `yaml:"serial"`
	Heartbeat      time.Duration       `yaml:"heartbeat"`
}

// ReceiverConfig configures the receiver role.
type ReceiverConfig struct {
	Dir       string        `yaml:"dir"`
	Poll      time.Duration `yaml:"poll"`
	RingSize  int           `yaml:"ring_size"`
	Heartbeat time.Duration `yaml:"heartbeat"`
}

// MQTTConfig configures event publishing. An empty broker disables it.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// InfluxConfig configures the summary sink. An empty URL disables it.
type InfluxConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

// SimulateConfig configures the in-process simulation.
type SimulateConfig struct {
	Dir      string  `yaml:"dir"`
	Loss     float64 `yaml:"loss"`
	Seed     int64   `yaml:"seed"`
	Realtime bool    `yaml:"realtime"`
	// SyntheticSteps sizes the generated series when none is configured.
	SyntheticSteps int `yaml:"synthetic_steps"`
	SyntheticDwell int `yaml:"synthetic_dwell"`
}

// Default returns the bench configuration.
func Default() *Config {
	return &Config{
		Timing:     protocol.DefaultTiming(),
		Pins:       gpio.DefaultPins(),
		Policy:     policy.DefaultParams(),
		Conditions: trial.DefaultTable(),
		Advertiser: AdvertiserConfig{
			Step:          100 * time.Millisecond,
			StepsPerTrial: 1800,
			Gap:           5 * time.Second,
			Repeat:        1,
			Quantize:      true,
			Heartbeat:     time.Minute,
		},
		PowerLog: PowerLogConfig{
			Dir:            "data/powerlog",
			SampleInterval: 10 * time.Millisecond,
			Poll:           20 * time.Millisecond,
			RingSize:       1024,
			BatchSize:      256,
			Source:         SourceINA219,
			INA219:         sensor.INA219Config{Addr: sensor.DefaultINA219Addr, ShuntOhms: 0.1},
			Serial:         sensor.SerialConfig{Port: "/dev/ttyUSB0", Baud: 115200},
			Heartbeat:      time.Minute,
		},
		Receiver: ReceiverConfig{
			Dir:       "data/receiver",
			Poll:      50 * time.Millisecond,
			RingSize:  4096,
			Heartbeat: time.Minute,
		},
		Radio: bluez.DefaultConfig(),
		MQTT: MQTTConfig{
			ClientID:    "beacon-harness",
			TopicPrefix: "beacon-harness",
		},
		Simulate: SimulateConfig{
			Dir:            "data/simulate",
			Seed:           1,
			SyntheticSteps: 1800,
			SyntheticDwell: 150,
		},
		LogLevel: "info",
	}
}

// Load reads path from fs over the defaults and validates the result.
func Load(fs afero.Fs, path string) (*Config, error) {
	cfg := Default()
	b, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration as a whole.
func (c *Config) Validate() error {
	if err := c.Timing.Validate(); err != nil {
		return fmt.Errorf("%w: timing: %v", ErrInvalid, err)
	}
	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("%w: policy: %v", ErrInvalid, err)
	}
	if err := c.Conditions.Validate(c.Timing.MaxCondition); err != nil {
		return fmt.Errorf("%w: conditions: %v", ErrInvalid, err)
	}
	for _, id := range c.Advertiser.Schedule {
		if _, ok := c.Conditions.Lookup(id); !ok {
			return fmt.Errorf("%w: schedule: condition %d not in table", ErrInvalid, id)
		}
	}

	a := c.Advertiser
	if a.Step <= 0 || a.StepsPerTrial <= 0 || a.Repeat <= 0 || a.Gap < 0 {
		return fmt.Errorf("%w: advertiser: step, steps_per_trial and repeat must be positive", ErrInvalid)
	}
	if c.Timing.PulseWidth*2 > a.Step {
		return fmt.Errorf("%w: advertiser: step %v too short for pulse width %v", ErrInvalid, a.Step, c.Timing.PulseWidth)
	}
	if a.Gap < c.Timing.Debounce {
		return fmt.Errorf("%w: advertiser: gap %v shorter than debounce %v", ErrInvalid, a.Gap, c.Timing.Debounce)
	}

	p := c.PowerLog
	if p.SampleInterval <= 0 || p.Poll <= 0 || p.RingSize <= 0 || p.BatchSize <= 0 || p.MaxUpdates < 0 {
		return fmt.Errorf("%w: powerlog: intervals and sizes must be positive", ErrInvalid)
	}
	if p.Source != SourceINA219 && p.Source != SourceSerial {
		return fmt.Errorf("%w: powerlog: unknown source %q", ErrInvalid, p.Source)
	}

	r := c.Receiver
	if r.Poll <= 0 || r.RingSize <= 0 {
		return fmt.Errorf("%w: receiver: poll and ring_size must be positive", ErrInvalid)
	}

	if c.Simulate.Loss < 0 || c.Simulate.Loss >= 1 {
		return fmt.Errorf("%w: simulate: loss must be in [0,1)", ErrInvalid)
	}
	return nil
}

// ScheduleIDs returns the condition ids to play in one repeat.
func (c *Config) ScheduleIDs() []int {
	if len(c.Advertiser.Schedule) > 0 {
		return c.Advertiser.Schedule
	}
	ids := make([]int, 0, len(c.Conditions))
	for _, cond := range c.Conditions {
		ids = append(ids, cond.ID)
	}
	return ids
}
