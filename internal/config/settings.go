package config

import (
	"errors"
	"log"
	"os"
	"sync"

	"github.com/pelletier/go-toml/v2"
)

// GlobalSettings are the process-wide automation defaults, persisted as TOML
// in the config dir and hot-reloaded on file change.
type GlobalSettings struct {
	AutoReplyAll bool    `toml:"auto_reply_all" json:"auto_reply_all"`
	GlobalRules  *string `toml:"global_rules" json:"global_rules"`
}

// Snapshot is an immutable view of the runtime configuration at a point in
// time. Components receive a Snapshot per operation instead of reading
// ambient mutable state; Version increases on every update so long-running
// loops can detect staleness.
type Snapshot struct {
	Version  uint64
	Settings GlobalSettings
}

// State owns the current Snapshot and notifies subscribers on updates
type State struct {
	mu      sync.RWMutex
	current Snapshot
	subs    []func(Snapshot)
	path    string
	watcher *settingsWatcher
}

// LoadState reads the settings file (creating a default one when missing)
// and starts watching it for changes.
func LoadState(path string) (*State, error) {
	s := &State{path: path}

	settings, err := readSettingsFile(path)
	if errors.Is(err, os.ErrNotExist) {
		settings = GlobalSettings{}
		if werr := writeSettingsFile(path, settings); werr != nil {
			return nil, werr
		}
	} else if err != nil {
		return nil, err
	}
	s.current = Snapshot{Version: 1, Settings: settings}

	watcher, err := watchSettingsFile(path, s.reload)
	if err != nil {
		// Hot reload is a convenience; run without it rather than fail.
		log.Printf("[Config] Settings watcher unavailable: %v", err)
	}
	s.watcher = watcher

	return s, nil
}

// Current returns the latest snapshot
func (s *State) Current() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Update replaces the global settings, persists them, and notifies
// subscribers with the new snapshot.
func (s *State) Update(settings GlobalSettings) error {
	if settings.GlobalRules != nil && *settings.GlobalRules == "" {
		settings.GlobalRules = nil
	}
	if err := writeSettingsFile(s.path, settings); err != nil {
		return err
	}
	s.apply(settings)
	return nil
}

// OnChange registers a callback invoked with every new snapshot
func (s *State) OnChange(fn func(Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}

// Close stops the file watcher. Safe to call more than once.
func (s *State) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher != nil {
		s.watcher.stop()
		s.watcher = nil
	}
}

func (s *State) reload() {
	settings, err := readSettingsFile(s.path)
	if err != nil {
		log.Printf("[Config] Reload failed: %v", err)
		return
	}
	s.apply(settings)
	log.Printf("[Config] Global settings reloaded")
}

func (s *State) apply(settings GlobalSettings) {
	s.mu.Lock()
	s.current = Snapshot{Version: s.current.Version + 1, Settings: settings}
	snap := s.current
	subs := make([]func(Snapshot), len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
}

func readSettingsFile(path string) (GlobalSettings, error) {
	var settings GlobalSettings
	data, err := os.ReadFile(path)
	if err != nil {
		return settings, err
	}
	if err := toml.Unmarshal(data, &settings); err != nil {
		return settings, err
	}
	return settings, nil
}

func writeSettingsFile(path string, settings GlobalSettings) error {
	data, err := toml.Marshal(settings)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
