//go:build !linux

package gpio

import "github.com/sweeney/beacon-harness/internal/protocol"

// CdevWatcher is not available on non-Linux platforms.
type CdevWatcher struct{}

// NewCdevWatcher returns an error on non-Linux platforms.
func NewCdevWatcher(pins Pins) (*CdevWatcher, error) {
	return nil, ErrUnsupported
}

// Edges is not implemented on non-Linux platforms.
func (w *CdevWatcher) Edges() <-chan protocol.Edge {
	return nil
}

// Level is not implemented on non-Linux platforms.
func (w *CdevWatcher) Level(line protocol.Line) (bool, error) {
	return false, ErrUnsupported
}

// Dropped is not implemented on non-Linux platforms.
func (w *CdevWatcher) Dropped() uint64 {
	return 0
}

// Close is not implemented on non-Linux platforms.
func (w *CdevWatcher) Close() error {
	return nil
}
