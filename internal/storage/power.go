package storage

import (
	"fmt"
	"io"

	"github.com/sweeney/beacon-harness/internal/energy"
)

// PowerHeader is the first line of a power log.
const PowerHeader = "ms,mV,uA,p_mW"

// UnknownCondition is the condition name recorded for an undecoded preamble.
const UnknownCondition = "unknown"

// PowerFileName names a power log.
func PowerFileName(index, conditionID int, name string) string {
	if name == "" {
		name = UnknownCondition
	}
	return fmt.Sprintf("trial_%03d_c%d_%s.csv", index, conditionID, name)
}

// Footer holds everything written after the last sample row.
type Footer struct {
	Summary     energy.Summary
	ConditionID int
	Condition   string
	ParseDrop   uint64
	RingDrop    uint64
}

// PowerLog writes sample rows and the closing footer to a trial file.
type PowerLog struct {
	w    io.Writer
	rows int
}

// NewPowerLog writes the header and returns the log.
func NewPowerLog(w io.Writer) (*PowerLog, error) {
	if _, err := fmt.Fprintln(w, PowerHeader); err != nil {
		return nil, err
	}
	return &PowerLog{w: w}, nil
}

// WriteSamples appends one row per sample.
func (p *PowerLog) WriteSamples(samples []energy.Sample) error {
	for _, s := range samples {
		if _, err := fmt.Fprintf(p.w, "%d,%.2f,%.1f,%.3f\n",
			s.At.Milliseconds(), s.MilliVolt, s.MicroAmp, s.PowerMW()); err != nil {
			return err
		}
		p.rows++
	}
	return nil
}

// Rows returns the number of sample rows written.
func (p *PowerLog) Rows() int {
	return p.rows
}

// WriteFooter appends the summary and diagnostic comment lines.
func (p *PowerLog) WriteFooter(f Footer) error {
	s := f.Summary
	cond := f.Condition
	if cond == "" {
		cond = UnknownCondition
	}
	_, err := fmt.Fprintf(p.w,
		"# summary, ms_total=%d, adv_count=%d, E_total_mJ=%.3f, E_per_adv_uJ=%.3f, cond_id=%d, cond=%s\n"+
			"# diag, samples=%d, rate_hz=%.2f, mean_v=%.4f, mean_i=%.4f, mean_p_mW=%.4f, E_trapz_mJ=%.3f\n"+
			"# diag, dt_ms_mean=%.3f, dt_ms_std=%.3f, parse_drop=%d, ring_drop=%d\n",
		s.Duration.Milliseconds(), s.AdvCount, s.EnergyMJ, s.PerAdvMicroJ, f.ConditionID, cond,
		s.Samples, s.RateHz, s.MeanVolt, s.MeanMilliAmp, s.MeanPowerMW, s.TrapezoidMJ,
		s.DtMeanMS, s.DtStdMS, f.ParseDrop, f.RingDrop,
	)
	return err
}
