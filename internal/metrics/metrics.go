// Package metrics holds the Prometheus collectors shared by every role.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sweeney/beacon-harness/internal/protocol"
)

// Trial, ingestion and controller collectors, partitioned by role.

var (
	// Trials
	TrialsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "harness",
		Subsystem: "trial",
		Name:      "events_total",
		Help:      "Decoded trial lifecycle events by type",
	}, []string{"role", "event"})

	TrialDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "harness",
		Subsystem: "trial",
		Name:      "duration_seconds",
		Help:      "Length of closed trials",
		Buckets:   []float64{5, 15, 30, 60, 120, 180, 240, 300, 600},
	}, []string{"role", "condition"})

	TrialEnergy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "harness",
		Subsystem: "trial",
		Name:      "energy_millijoules",
		Help:      "Energy of the last closed trial per condition",
	}, []string{"condition"})

	TrialEnergyPerAdv = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "harness",
		Subsystem: "trial",
		Name:      "energy_per_adv_microjoules",
		Help:      "Energy per advertisement update of the last closed trial per condition",
	}, []string{"condition"})

	// Ingestion
	RingDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "harness",
		Subsystem: "ring",
		Name:      "dropped_total",
		Help:      "Items dropped because the ingestion ring was full",
	}, []string{"role"})

	RingDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "harness",
		Subsystem: "ring",
		Name:      "depth",
		Help:      "Items waiting in the ingestion ring at the last drain",
	}, []string{"role"})

	ParseErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "harness",
		Subsystem: "ingest",
		Name:      "parse_errors_total",
		Help:      "Malformed sensor lines or beacon payloads skipped",
	}, []string{"role"})

	RowsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "harness",
		Subsystem: "ingest",
		Name:      "rows_written_total",
		Help:      "Rows written to trial logs",
	}, []string{"role"})

	// Advertiser
	StepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "harness",
		Subsystem: "advertiser",
		Name:      "steps_total",
		Help:      "Control loop steps executed",
	}, []string{"condition"})

	StepOverruns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "harness",
		Subsystem: "advertiser",
		Name:      "step_overruns_total",
		Help:      "Steps that started after their deadline had passed",
	})

	RateChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "harness",
		Subsystem: "advertiser",
		Name:      "rate_changes_total",
		Help:      "Advertising interval reconfigurations",
	}, []string{"condition"})

	AdvInterval = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "harness",
		Subsystem: "advertiser",
		Name:      "interval_milliseconds",
		Help:      "Current advertising interval",
	})

	RadioErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "harness",
		Subsystem: "advertiser",
		Name:      "radio_errors_total",
		Help:      "Radio reconfiguration or payload errors",
	}, []string{"op"})
)

// ObserveEvent counts one decoder event for role.
func ObserveEvent(role string, ev protocol.Event) {
	TrialsTotal.WithLabelValues(role, string(ev.Type)).Inc()
}
