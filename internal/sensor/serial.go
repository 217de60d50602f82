package sensor

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/tarm/serial"
)

// SerialConfig selects the port of a monitor that streams text readings.
type SerialConfig struct {
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`
}

// SerialSampler parses one reading per line from a serial power monitor.
// Lines are either "mV,uA" or "ms,mV,uA,p_mW"; lines starting with '#' are
// ignored. The monitor paces the readings.
type SerialSampler struct {
	rc      io.ReadCloser
	scanner *bufio.Scanner
}

// NewSerialSampler opens the port.
func NewSerialSampler(cfg SerialConfig) (*SerialSampler, error) {
	c := &serial.Config{Name: cfg.Port, Baud: cfg.Baud, ReadTimeout: time.Second}
	port, err := serial.OpenPort(c)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", cfg.Port, err)
	}
	return NewLineSampler(port), nil
}

// NewLineSampler reads lines from any stream.
func NewLineSampler(rc io.ReadCloser) *SerialSampler {
	return &SerialSampler{rc: rc, scanner: bufio.NewScanner(rc)}
}

// Read blocks for the next line. Malformed lines return an error wrapping
// ErrParse; the caller counts them and reads again.
func (s *SerialSampler) Read() (Reading, error) {
	for {
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return Reading{}, fmt.Errorf("read serial: %w", err)
			}
			return Reading{}, io.EOF
		}
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		return ParseLine(line)
	}
}

// Close closes the port.
func (s *SerialSampler) Close() error {
	return s.rc.Close()
}

// ParseLine parses "mV,uA" or "ms,mV,uA,p_mW".
func ParseLine(line string) (Reading, error) {
	fields := strings.Split(line, ",")
	var mv, ua string
	switch len(fields) {
	case 2:
		mv, ua = fields[0], fields[1]
	case 4:
		mv, ua = fields[1], fields[2]
	default:
		return Reading{}, fmt.Errorf("%w: %q", ErrParse, line)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(mv), 64)
	if err != nil {
		return Reading{}, fmt.Errorf("%w: %q", ErrParse, line)
	}
	i, err := strconv.ParseFloat(strings.TrimSpace(ua), 64)
	if err != nil {
		return Reading{}, fmt.Errorf("%w: %q", ErrParse, line)
	}
	return Reading{MilliVolt: v, MicroAmp: i}, nil
}
