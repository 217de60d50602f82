package policy

import "fmt"

// Mode selects how a condition drives the advertising interval.
type Mode int

const (
	// ModeFixed bypasses the controller.
	ModeFixed Mode = iota
	// ModePolicy uses both signals.
	ModePolicy
	// ModeUOnly leaves the change signal unwired.
	ModeUOnly
	// ModeAblation is the policy fed a shuffled signal.
	ModeAblation
)

var modeNames = map[Mode]string{
	ModeFixed:    "fixed",
	ModePolicy:   "policy",
	ModeUOnly:    "uonly",
	ModeAblation: "ablation",
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Char is the mode character carried in the beacon tag.
func (m Mode) Char() byte {
	switch m {
	case ModeFixed:
		return 'F'
	case ModePolicy:
		return 'P'
	case ModeUOnly:
		return 'U'
	case ModeAblation:
		return 'A'
	}
	return '?'
}

// ModeFromChar is the inverse of Char.
func ModeFromChar(c byte) (Mode, error) {
	for m := ModeFixed; m <= ModeAblation; m++ {
		if m.Char() == c {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownMode, c)
}

// ParseMode parses a mode name.
func ParseMode(s string) (Mode, error) {
	for m, name := range modeNames {
		if name == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}
