package settings

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/natefinch/atomic"
	"gopkg.in/yaml.v3"
)

// RuntimeSettings are the counters the state machine mutates across reboots.
type RuntimeSettings struct {
	Polling RuntimePolling `yaml:"polling" json:"polling"`
	Update  RuntimeUpdate  `yaml:"update" json:"update"`
}

type RuntimePolling struct {
	LastPoll  *time.Time `yaml:"last-poll,omitempty" json:"last-poll,omitempty"`
	FirstPoll *time.Time `yaml:"first-poll,omitempty" json:"first-poll,omitempty"`
	Retries   int        `yaml:"retries" json:"retries"`
	// ExtraInterval is the delay requested by the server through Add-Extra-Poll.
	ExtraInterval *time.Duration `yaml:"extra-interval,omitempty" json:"extra-interval,omitempty"`
	// Now forces a probe on the next poll.
	Now bool `yaml:"now" json:"now"`
}

type RuntimeUpdate struct {
	AppliedPackageUID string `yaml:"applied-package-uid,omitempty" json:"applied-package-uid,omitempty"`
	// InstallationSet is the object set of the last successful install.
	InstallationSet int `yaml:"installation-set" json:"installation-set"`
}

func (r RuntimeSettings) clone() RuntimeSettings {
	out := r
	if r.Polling.LastPoll != nil {
		t := *r.Polling.LastPoll
		out.Polling.LastPoll = &t
	}
	if r.Polling.FirstPoll != nil {
		t := *r.Polling.FirstPoll
		out.Polling.FirstPoll = &t
	}
	if r.Polling.ExtraInterval != nil {
		d := *r.Polling.ExtraInterval
		out.Polling.ExtraInterval = &d
	}
	return out
}

func ParseRuntime(data []byte) (RuntimeSettings, error) {
	var r RuntimeSettings
	if len(bytes.TrimSpace(data)) == 0 {
		return r, nil
	}
	if err := yaml.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("parse runtime settings: %w", err)
	}
	return r, nil
}

func (r RuntimeSettings) Marshal() ([]byte, error) {
	return yaml.Marshal(r)
}

// RuntimeStore guards RuntimeSettings and flushes each mutation to disk
// before returning.
type RuntimeStore struct {
	mu       sync.Mutex
	path     string
	readOnly bool
	current  RuntimeSettings
}

// OpenRuntime loads the runtime settings at path. A missing file starts
// from zero values.
func OpenRuntime(path string, readOnly bool) (*RuntimeStore, error) {
	s := &RuntimeStore{path: path, readOnly: readOnly}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read runtime settings: %w", err)
	}
	r, err := ParseRuntime(data)
	if err != nil {
		return nil, err
	}
	s.current = r
	return s, nil
}

// NewMemoryRuntime returns a store that never touches disk.
func NewMemoryRuntime(initial RuntimeSettings) *RuntimeStore {
	return &RuntimeStore{readOnly: true, current: initial.clone()}
}

func (s *RuntimeStore) Get() RuntimeSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.clone()
}

// Update applies fn and persists the result. The in-memory value is
// replaced even when the write fails, so that counters keep advancing; the
// write error is returned.
func (s *RuntimeStore) Update(fn func(r *RuntimeSettings)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.current.clone()
	fn(&next)
	s.current = next
	return s.saveLocked(next)
}

func (s *RuntimeStore) saveLocked(r RuntimeSettings) error {
	if s.readOnly || s.path == "" {
		return nil
	}
	data, err := r.Marshal()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create runtime settings dir: %w", err)
	}
	if err := atomic.WriteFile(s.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write runtime settings: %w", err)
	}
	return nil
}
