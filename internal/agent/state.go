package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tabletd.sh/internal/models"
)

// State is the agent's persistent local state. It survives restarts so the
// tablet comes back locked if it was locked, in kiosk mode if it was, and so
// on.
type State struct {
	// Version of the state schema
	Version int `json:"version"`

	// LastStartTime is when the agent last started
	LastStartTime time.Time `json:"lastStartTime"`

	Locked     bool   `json:"locked"`
	KioskMode  bool   `json:"kioskMode"`
	CurrentURL string `json:"currentUrl,omitempty"`
	CurrentApp string `json:"currentApp,omitempty"`
	Brightness int    `json:"brightness"`
	Volume     int    `json:"volume"`

	// Policy is the last policy snapshot pulled from the server
	Policy *models.Policy `json:"policy,omitempty"`
}

// StateManager handles persistent state storage with atomic writes.
type StateManager struct {
	path       string
	backupPath string
	state      *State
	mu         sync.RWMutex
}

// NewStateManager loads state from path, starting fresh if none exists.
func NewStateManager(path string) (*StateManager, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	m := &StateManager{
		path:       path,
		backupPath: path + ".bak",
		state: &State{
			Version:    1,
			Brightness: 100,
			Volume:     50,
		},
	}

	if err := m.load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}

	return m, nil
}

// Get returns a copy of the current state.
func (m *StateManager) Get() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *m.state
}

// Update atomically mutates and persists the state.
func (m *StateManager) Update(fn func(*State) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := fn(m.state); err != nil {
		return err
	}
	return m.save()
}

func (m *StateManager) load() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return err
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("failed to parse state: %w", err)
	}

	m.state = &state
	return nil
}

// save assumes the lock is held.
func (m *StateManager) save() error {
	if err := m.backup(); err != nil {
		return fmt.Errorf("failed to create backup: %w", err)
	}

	data, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	// Write to a temporary file, then rename into place
	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to save state: %w", err)
	}

	return nil
}

func (m *StateManager) backup() error {
	if _, err := os.Stat(m.path); err == nil {
		if err := os.Rename(m.path, m.backupPath); err != nil {
			return fmt.Errorf("failed to create backup: %w", err)
		}
	}
	return nil
}
