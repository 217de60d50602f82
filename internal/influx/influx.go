// Package influx writes closed trial summaries to InfluxDB.
package influx

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/sweeney/beacon-harness/internal/trial"
)

// Measurement is the InfluxDB measurement for trial summaries.
const Measurement = "trial"

// Sink receives one summary per closed trial.
type Sink interface {
	Write(ctx context.Context, r trial.Report) error
	Close() error
}

// Point converts a report into a line-protocol point stamped at the trial end.
func Point(r trial.Report) *write.Point {
	tags := map[string]string{
		"role":      r.Role,
		"condition": r.Condition,
		"cond_id":   strconv.Itoa(r.ConditionID),
		"known":     strconv.FormatBool(r.Known),
		"reason":    string(r.Reason),
	}
	fields := map[string]interface{}{
		"index":        r.Index,
		"duration_ms":  r.Duration().Milliseconds(),
		"updates":      r.Updates,
		"rows":         r.Rows,
		"ring_drop":    int64(r.RingDrop),
		"parse_errors": int64(r.ParseErrors),
	}
	if e := r.Energy; e != nil {
		fields["energy_mj"] = e.EnergyMJ
		fields["energy_trapz_mj"] = e.TrapezoidMJ
		fields["energy_per_adv_uj"] = e.PerAdvMicroJ
		fields["mean_power_mw"] = e.MeanPowerMW
		fields["rate_hz"] = e.RateHz
		fields["samples"] = e.Samples
	}
	return influxdb2.NewPoint(Measurement, tags, fields, r.End)
}

// Client writes summaries through the blocking write API.
type Client struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
}

// NewClient connects to url. Nothing is sent until the first Write.
func NewClient(url, token, org, bucket string) *Client {
	c := influxdb2.NewClient(url, token)
	return &Client{client: c, write: c.WriteAPIBlocking(org, bucket)}
}

// Write sends one point.
func (c *Client) Write(ctx context.Context, r trial.Report) error {
	if err := c.write.WritePoint(ctx, Point(r)); err != nil {
		return fmt.Errorf("influx write: %w", err)
	}
	return nil
}

// Close releases the HTTP client.
func (c *Client) Close() error {
	c.client.Close()
	return nil
}

// Nop discards every report. Used when no URL is configured.
type Nop struct{}

func (Nop) Write(context.Context, trial.Report) error { return nil }
func (Nop) Close() error                              { return nil }

// FakeSink records reports for test assertions.
type FakeSink struct {
	mu      sync.Mutex
	Reports []trial.Report
	Err     error
	Closed  bool
}

// Write records r, or returns Err if set.
func (f *FakeSink) Write(_ context.Context, r trial.Report) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.Reports = append(f.Reports, r)
	return nil
}

// Close marks the sink closed.
func (f *FakeSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

// All returns a copy of the recorded reports.
func (f *FakeSink) All() []trial.Report {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]trial.Report(nil), f.Reports...)
}
