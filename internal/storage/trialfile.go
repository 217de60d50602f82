package storage

import (
	"bufio"
	"fmt"

	"github.com/spf13/afero"
)

// TrialFile is a buffered log file that is either committed (renamed to its
// final name) or discarded (removed).
type TrialFile struct {
	fs    afero.Fs
	f     afero.File
	w     *bufio.Writer
	part  string
	final string
	done  bool
}

func newTrialFile(fs afero.Fs, f afero.File, part, final string) *TrialFile {
	return &TrialFile{fs: fs, f: f, w: bufio.NewWriter(f), part: part, final: final}
}

// Write buffers p.
func (t *TrialFile) Write(p []byte) (int, error) {
	if t.done {
		return 0, ErrClosed
	}
	return t.w.Write(p)
}

// Flush pushes buffered data to the file.
func (t *TrialFile) Flush() error {
	if t.done {
		return ErrClosed
	}
	return t.w.Flush()
}

// Name returns the final path.
func (t *TrialFile) Name() string {
	return t.final
}

// Commit flushes, closes and renames the file into place.
func (t *TrialFile) Commit() (string, error) {
	if t.done {
		return "", ErrClosed
	}
	t.done = true
	if err := t.w.Flush(); err != nil {
		t.f.Close()
		return "", fmt.Errorf("flush %s: %w", t.part, err)
	}
	if err := t.f.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", t.part, err)
	}
	if err := t.fs.Rename(t.part, t.final); err != nil {
		return "", fmt.Errorf("commit %s: %w", t.final, err)
	}
	return t.final, nil
}

// Discard closes and removes the partial file.
func (t *TrialFile) Discard() error {
	if t.done {
		return nil
	}
	t.done = true
	t.f.Close()
	if err := t.fs.Remove(t.part); err != nil {
		return fmt.Errorf("remove %s: %w", t.part, err)
	}
	return nil
}
