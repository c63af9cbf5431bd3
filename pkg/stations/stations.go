// Package stations persists the station list, the last played station and
// the transmit frequency.
package stations

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

const (
	DefaultName = "Dance UK (default)"
	DefaultURL  = "http://51.89.148.171:8022/"
	DefaultFreq = "100.0"
)

// ErrProtected is returned when changing the default station.
var ErrProtected = errors.New("the default station cannot be changed")

// ErrUnknown is returned for a station name that is not in the store.
var ErrUnknown = errors.New("unknown station")

// State is the persisted form.
type State struct {
	Stations map[string]string `yaml:"stations"`
	Last     string            `yaml:"last,omitempty"`
	Freq     string            `yaml:"freq,omitempty"`
}

// Store is a file backed station list. The default station is always
// present.
type Store struct {
	mu     sync.Mutex
	path   string
	state  State
	logger *slog.Logger
}

func defaultState() State {
	return State{
		Stations: map[string]string{DefaultName: DefaultURL},
		Last:     DefaultName,
		Freq:     DefaultFreq,
	}
}

// Open loads the store at path. A missing or unreadable file yields the
// defaults, so a damaged file never keeps the transmitter off the air.
func Open(path string, logger *slog.Logger) *Store {
	s := &Store{
		path:   path,
		state:  defaultState(),
		logger: logger.With("state_file", path),
	}

	b, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return s
	case err != nil:
		s.logger.Error("error reading state file", "err", err)
		return s
	}

	var loaded State
	if err := yaml.Unmarshal(b, &loaded); err != nil {
		s.logger.Error("error parsing state file", "err", err)
		return s
	}

	for name, url := range loaded.Stations {
		if name == DefaultName || name == "" || url == "" {
			continue
		}
		s.state.Stations[name] = url
	}
	if _, ok := s.state.Stations[loaded.Last]; ok {
		s.state.Last = loaded.Last
	}
	if loaded.Freq != "" {
		s.state.Freq = loaded.Freq
	}

	return s
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state
	st.Stations = make(map[string]string, len(s.state.Stations))
	for k, v := range s.state.Stations {
		st.Stations[k] = v
	}

	return st
}

// Names lists the stations, default first, then alphabetically.
func (s *Store) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.state.Stations))
	for name := range s.state.Stations {
		if name != DefaultName {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	return append([]string{DefaultName}, names...)
}

// Lookup returns the URL of the named station.
func (s *Store) Lookup(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	url, ok := s.state.Stations[name]
	return url, ok
}

// Add inserts or replaces a station.
func (s *Store) Add(name, url string) error {
	if name == "" || url == "" {
		return errors.New("station name and url are required")
	}
	if name == DefaultName {
		return ErrProtected
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.Stations[name] = url
	return s.save()
}

// Delete removes a station. Deleting the last played station falls back to
// the default.
func (s *Store) Delete(name string) error {
	if name == DefaultName {
		return ErrProtected
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.Stations[name]; !ok {
		return errors.Wrap(ErrUnknown, name)
	}

	delete(s.state.Stations, name)
	if s.state.Last == name {
		s.state.Last = DefaultName
	}

	return s.save()
}

// SetLast records the station selected most recently.
func (s *Store) SetLast(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.Last = name
	return s.save()
}

// SetFreq records the transmit frequency.
func (s *Store) SetFreq(freq string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.Freq = freq
	return s.save()
}

// save writes to a temp file next to the target and renames it over the
// target, a crash mid-write leaves the previous state intact.
func (s *Store) save() error {
	b, err := yaml.Marshal(s.state)
	if err != nil {
		return errors.Wrap(err, "failed to marshal state")
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "failed to create state directory")
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "failed to create temp state file")
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return errors.Wrap(err, "failed to write temp state file")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrap(err, "failed to close temp state file")
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrap(err, "failed to replace state file")
	}

	s.logger.Debug("saved state")
	return nil
}
