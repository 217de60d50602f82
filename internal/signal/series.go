// Package signal loads the pre-recorded reference series that stands in for
// the activity-recognition model: per step an uncertainty value, a change
// value and the truth label.
package signal

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

var (
	ErrEmpty         = errors.New("signal: series has no rows")
	ErrMissingColumn = errors.New("signal: missing column")
	ErrBadValue      = errors.New("signal: bad value")
)

// Point is one step of the reference series.
type Point struct {
	U     float64
	C     float64
	Label int
}

// Series is the reference series of one recorded session.
type Series struct {
	Session int
	Points  []Point
}

// Column names accepted for each field, first match wins.
var (
	uColumns     = []string{"u", "U"}
	cColumns     = []string{"c", "C", "CCS"}
	labelColumns = []string{"label"}
)

// Load reads a CSV series with a header row. The label and U columns are
// required; a missing change column reads as zero.
func Load(r io.Reader, session int) (*Series, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.Comment = '#'
	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrEmpty
		}
		return nil, fmt.Errorf("signal: read header: %w", err)
	}
	uIdx := column(header, uColumns)
	cIdx := column(header, cColumns)
	lIdx := column(header, labelColumns)
	if uIdx < 0 {
		return nil, fmt.Errorf("%w: u", ErrMissingColumn)
	}
	if lIdx < 0 {
		return nil, fmt.Errorf("%w: label", ErrMissingColumn)
	}

	s := &Series{Session: session}
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("signal: line %d: %w", line, err)
		}
		var p Point
		if p.U, err = strconv.ParseFloat(rec[uIdx], 64); err != nil {
			return nil, fmt.Errorf("%w: line %d u %q", ErrBadValue, line, rec[uIdx])
		}
		if cIdx >= 0 {
			if p.C, err = strconv.ParseFloat(rec[cIdx], 64); err != nil {
				return nil, fmt.Errorf("%w: line %d c %q", ErrBadValue, line, rec[cIdx])
			}
		}
		if p.Label, err = strconv.Atoi(rec[lIdx]); err != nil {
			return nil, fmt.Errorf("%w: line %d label %q", ErrBadValue, line, rec[lIdx])
		}
		s.Points = append(s.Points, p)
	}
	if len(s.Points) == 0 {
		return nil, ErrEmpty
	}
	return s, nil
}

// LoadFile opens path on fs and loads it.
func LoadFile(fs afero.Fs, path string, session int) (*Series, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("signal: open %s: %w", path, err)
	}
	defer f.Close()
	s, err := Load(f, session)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

func column(header []string, names []string) int {
	for _, n := range names {
		for i, h := range header {
			if strings.TrimSpace(h) == n {
				return i
			}
		}
	}
	return -1
}

// Len returns the number of steps in one pass of the series.
func (s *Series) Len() int {
	return len(s.Points)
}

// At returns the point for step, replaying the series cyclically.
func (s *Series) At(step int) Point {
	return s.Points[step%len(s.Points)]
}

// Quantize rounds both signals to 8-bit resolution, the way they are stored
// on the transmitter.
func (s *Series) Quantize() *Series {
	out := &Series{Session: s.Session, Points: make([]Point, len(s.Points))}
	for i, p := range s.Points {
		p.U = quantize(p.U)
		p.C = quantize(p.C)
		out.Points[i] = p
	}
	return out
}

func quantize(v float64) float64 {
	v = math.Max(0, math.Min(1, v))
	return math.Round(v*255) / 255
}
