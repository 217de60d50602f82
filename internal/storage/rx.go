package storage

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
)

// RxHeader lists the receiver log columns.
var RxHeader = []string{"ms", "event", "rssi", "seq", "label", "addr", "mfd"}

// RxFileName names a receiver log.
func RxFileName(index, conditionID int) string {
	return fmt.Sprintf("rx_trial_%03d_c%d.csv", index, conditionID)
}

// RxRow is one received beacon.
type RxRow struct {
	Ms    int64
	Event string
	RSSI  int
	Seq   int
	Label int
	Addr  string
	Mfd   string
}

// RxLog writes receiver rows as CSV.
type RxLog struct {
	w    *csv.Writer
	rows int
}

// NewRxLog writes the header and returns the log.
func NewRxLog(w io.Writer) (*RxLog, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(RxHeader); err != nil {
		return nil, err
	}
	return &RxLog{w: cw}, nil
}

// Write appends rows and flushes them to the underlying writer.
func (r *RxLog) Write(rows []RxRow) error {
	for _, row := range rows {
		rec := []string{
			strconv.FormatInt(row.Ms, 10),
			row.Event,
			strconv.Itoa(row.RSSI),
			strconv.Itoa(row.Seq),
			strconv.Itoa(row.Label),
			row.Addr,
			row.Mfd,
		}
		if err := r.w.Write(rec); err != nil {
			return err
		}
		r.rows++
	}
	r.w.Flush()
	return r.w.Error()
}

// Rows returns the number of rows written.
func (r *RxLog) Rows() int {
	return r.rows
}
