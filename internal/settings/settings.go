// Package settings keeps the user preferences the agent can change at runtime
// through the tray or the HTTP API.
package settings

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
)

// Settings holds user preferences that persist across restarts.
type Settings struct {
	CrashReporting bool   `json:"crashReporting"`
	LinkedTerminal bool   `json:"linkedTerminal"`
	Reader         string `json:"reader,omitempty"`
}

var (
	current  *Settings
	mu       sync.RWMutex
	pathOver string
)

// DefaultSettings returns the defaults. Crash reporting is opt-in; terminal
// linking is on so repeated signing skips the card's security delay.
func DefaultSettings() *Settings {
	return &Settings{
		CrashReporting: false,
		LinkedTerminal: true,
	}
}

// SetPath overrides the settings file location and drops the cached copy.
func SetPath(path string) {
	mu.Lock()
	defer mu.Unlock()
	pathOver = path
	current = nil
}

func settingsPath() (string, error) {
	if pathOver != "" {
		return pathOver, nil
	}
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "tangem-agent", "settings.json"), nil
}

// Load reads settings from disk. Defaults are kept on any error.
func Load() (Settings, error) {
	mu.Lock()
	defer mu.Unlock()
	return loadLocked()
}

func loadLocked() (Settings, error) {
	current = DefaultSettings()
	path, err := settingsPath()
	if err != nil {
		return *current, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return *current, nil
		}
		return *current, err
	}
	s := DefaultSettings()
	if err := json.Unmarshal(data, s); err != nil {
		return *current, err
	}
	current = s
	return *current, nil
}

func saveLocked() error {
	path, err := settingsPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(current, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Get returns a copy of the current settings, loading them on first use.
func Get() Settings {
	mu.RLock()
	if current != nil {
		s := *current
		mu.RUnlock()
		return s
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		loadLocked()
	}
	return *current
}

// Update applies fn to the settings and saves them.
func Update(fn func(*Settings)) (Settings, error) {
	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		loadLocked()
	}
	fn(current)
	return *current, saveLocked()
}

func SetCrashReporting(enabled bool) error {
	_, err := Update(func(s *Settings) { s.CrashReporting = enabled })
	return err
}

func SetLinkedTerminal(enabled bool) error {
	_, err := Update(func(s *Settings) { s.LinkedTerminal = enabled })
	return err
}

func IsCrashReportingEnabled() bool {
	return Get().CrashReporting
}
