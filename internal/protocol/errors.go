package protocol

import "errors"

var (
	ErrInvalidTiming    = errors.New("protocol: invalid timing")
	ErrPreambleTooShort = errors.New("protocol: preamble window cannot fit max_condition pulses")
	ErrConditionRange   = errors.New("protocol: condition id out of range")
)
