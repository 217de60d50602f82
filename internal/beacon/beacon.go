// Package beacon encodes and parses the text payload carried in every
// advertisement: "<step_index>_<tag>" with tag
// "<mode_char><session>-<label>-<rate_ms>".
package beacon

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sweeney/beacon-harness/internal/policy"
)

// MaxLen is the room left for manufacturer data in a legacy advertisement.
const MaxLen = 27

var (
	ErrMalformed = errors.New("beacon: malformed payload")
	ErrTooLong   = errors.New("beacon: payload exceeds advertisement room")
)

// Tag identifies the mode, session, truth label and current rate of a step.
type Tag struct {
	Mode    policy.Mode
	Session int
	Label   int
	Rate    time.Duration
}

func (t Tag) String() string {
	return fmt.Sprintf("%c%d-%d-%d", t.Mode.Char(), t.Session, t.Label, t.Rate.Milliseconds())
}

// Payload is one advertised update.
type Payload struct {
	Step int
	Tag  Tag
}

func (p Payload) String() string {
	return strconv.Itoa(p.Step) + "_" + p.Tag.String()
}

// Encode renders p and checks that it fits an advertisement.
func Encode(p Payload) ([]byte, error) {
	s := p.String()
	if len(s) > MaxLen {
		return nil, fmt.Errorf("%w: %q", ErrTooLong, s)
	}
	return []byte(s), nil
}

// Parse is the inverse of Encode.
func Parse(b []byte) (Payload, error) {
	s := strings.TrimSpace(string(b))
	step, tag, ok := strings.Cut(s, "_")
	if !ok || step == "" {
		return Payload{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	n, err := strconv.Atoi(step)
	if err != nil || n < 0 {
		return Payload{}, fmt.Errorf("%w: step %q", ErrMalformed, step)
	}
	t, err := ParseTag(tag)
	if err != nil {
		return Payload{}, err
	}
	return Payload{Step: n, Tag: t}, nil
}

// ParseTag parses the tag part of a payload.
func ParseTag(s string) (Tag, error) {
	if len(s) < 2 {
		return Tag{}, fmt.Errorf("%w: tag %q", ErrMalformed, s)
	}
	mode, err := policy.ModeFromChar(s[0])
	if err != nil {
		return Tag{}, fmt.Errorf("%w: tag %q", ErrMalformed, s)
	}
	parts := strings.Split(s[1:], "-")
	if len(parts) != 3 {
		return Tag{}, fmt.Errorf("%w: tag %q", ErrMalformed, s)
	}
	var nums [3]int
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil || v < 0 {
			return Tag{}, fmt.Errorf("%w: tag %q", ErrMalformed, s)
		}
		nums[i] = v
	}
	return Tag{
		Mode:    mode,
		Session: nums[0],
		Label:   nums[1],
		Rate:    time.Duration(nums[2]) * time.Millisecond,
	}, nil
}
