// Package storage persists trial logs and the per-directory manifest on an
// afero filesystem. Trial files are written under a ".part" name and only
// renamed into place when the trial is kept.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// ManifestName is the manifest file in each node's storage directory.
const ManifestName = "manifest.yaml"

const partSuffix = ".part"

var (
	ErrInit   = errors.New("storage: initialisation failed")
	ErrClosed = errors.New("storage: file closed")
)

// Entry describes one persisted trial.
type Entry struct {
	Index       int       `yaml:"index"`
	File        string    `yaml:"file"`
	ConditionID int       `yaml:"condition_id"`
	Condition   string    `yaml:"condition"`
	Known       bool      `yaml:"known"`
	Start       time.Time `yaml:"start"`
	End         time.Time `yaml:"end"`
	Reason      string    `yaml:"reason"`
	Rows        int       `yaml:"rows"`
	Updates     int       `yaml:"updates"`
	RingDrop    uint64    `yaml:"ring_drop"`
	ParseErrors uint64    `yaml:"parse_errors"`
	EnergyMJ    float64   `yaml:"energy_mj,omitempty"`
}

// Run groups the trials written by one process run.
type Run struct {
	RunID   string    `yaml:"run_id"`
	Role    string    `yaml:"role"`
	Started time.Time `yaml:"started"`
	Trials  []Entry   `yaml:"trials"`
}

// Manifest is the content of manifest.yaml.
type Manifest struct {
	Runs []Run `yaml:"runs"`
}

// Store owns one node's storage directory.
type Store struct {
	fs  afero.Fs
	dir string

	mu        sync.Mutex
	manifest  Manifest
	run       int // index into manifest.Runs
	nextIndex int
}

// Open prepares dir on fs, checks it is writable and starts a new run in
// the manifest. Any failure wraps ErrInit.
func Open(fs afero.Fs, dir, role string, now time.Time) (*Store, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", ErrInit, dir, err)
	}
	check := path.Join(dir, ".writable"+partSuffix)
	if err := afero.WriteFile(fs, check, nil, 0o644); err != nil {
		return nil, fmt.Errorf("%w: %s not writable: %v", ErrInit, dir, err)
	}
	if err := fs.Remove(check); err != nil {
		return nil, fmt.Errorf("%w: remove write check: %v", ErrInit, err)
	}

	s := &Store{fs: fs, dir: dir, nextIndex: 1}
	b, err := afero.ReadFile(fs, path.Join(dir, ManifestName))
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, &s.manifest); err != nil {
			return nil, fmt.Errorf("%w: parse manifest: %v", ErrInit, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("%w: read manifest: %v", ErrInit, err)
	}
	for _, r := range s.manifest.Runs {
		for _, e := range r.Trials {
			if e.Index >= s.nextIndex {
				s.nextIndex = e.Index + 1
			}
		}
	}

	s.manifest.Runs = append(s.manifest.Runs, Run{
		RunID:   uuid.NewString(),
		Role:    role,
		Started: now.UTC(),
		Trials:  []Entry{},
	})
	s.run = len(s.manifest.Runs) - 1
	if err := s.writeManifest(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInit, err)
	}
	return s, nil
}

// Dir returns the storage directory.
func (s *Store) Dir() string {
	return s.dir
}

// RunID returns the id of the current run.
func (s *Store) RunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manifest.Runs[s.run].RunID
}

// NextIndex reserves the next trial index. Indexes continue across runs in
// the same directory so file names never collide.
func (s *Store) NextIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.nextIndex
	s.nextIndex++
	return i
}

// Create opens name for writing under its ".part" name.
func (s *Store) Create(name string) (*TrialFile, error) {
	final := path.Join(s.dir, name)
	part := final + partSuffix
	f, err := s.fs.Create(part)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", part, err)
	}
	return newTrialFile(s.fs, f, part, final), nil
}

// Record appends e to the current run and rewrites the manifest.
func (s *Store) Record(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run := &s.manifest.Runs[s.run]
	run.Trials = append(run.Trials, e)
	return s.writeManifest()
}

// Manifest returns a copy of the manifest.
func (s *Store) Manifest() Manifest {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := Manifest{Runs: make([]Run, len(s.manifest.Runs))}
	for i, r := range s.manifest.Runs {
		r.Trials = append([]Entry(nil), r.Trials...)
		m.Runs[i] = r
	}
	return m
}

// writeManifest is called with mu held (or before the store is shared).
func (s *Store) writeManifest() error {
	b, err := yaml.Marshal(&s.manifest)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	final := path.Join(s.dir, ManifestName)
	part := final + partSuffix
	if err := afero.WriteFile(s.fs, part, b, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := s.fs.Rename(part, final); err != nil {
		return fmt.Errorf("commit manifest: %w", err)
	}
	return nil
}
