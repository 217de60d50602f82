package policy

import "errors"

var (
	ErrNoRates       = errors.New("policy: rate set is empty")
	ErrBadRates      = errors.New("policy: rates must be positive and strictly increasing")
	ErrBadBoundaries = errors.New("policy: invalid boundaries")
	ErrBadParams     = errors.New("policy: invalid parameters")
	ErrUnknownMode   = errors.New("policy: unknown mode")
)
