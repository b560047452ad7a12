//go:build windows

package service

import (
	"errors"
	"fmt"

	"golang.org/x/sys/windows/registry"
)

const runKey = `Software\Microsoft\Windows\CurrentVersion\Run`

// windowsService adds the agent to the current user's Run key.
type windowsService struct{}

func New() Service {
	return &windowsService{}
}

func (s *windowsService) command() (string, error) {
	u, err := newUnit("")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%q serve", u.Executable), nil
}

func (s *windowsService) Install() error {
	if s.IsInstalled() {
		return ErrAlreadyInstalled
	}
	cmd, err := s.command()
	if err != nil {
		return err
	}
	k, err := registry.OpenKey(registry.CURRENT_USER, runKey, registry.SET_VALUE)
	if err != nil {
		return fmt.Errorf("failed to open Run key: %w", err)
	}
	defer k.Close()
	if err := k.SetStringValue(appName, cmd); err != nil {
		return fmt.Errorf("failed to write Run entry: %w", err)
	}
	return nil
}

func (s *windowsService) Uninstall() error {
	k, err := registry.OpenKey(registry.CURRENT_USER, runKey, registry.SET_VALUE)
	if err != nil {
		return fmt.Errorf("failed to open Run key: %w", err)
	}
	defer k.Close()
	if err := k.DeleteValue(appName); err != nil {
		if errors.Is(err, registry.ErrNotExist) {
			return ErrNotInstalled
		}
		return fmt.Errorf("failed to remove Run entry: %w", err)
	}
	return nil
}

func (s *windowsService) IsInstalled() bool {
	k, err := registry.OpenKey(registry.CURRENT_USER, runKey, registry.QUERY_VALUE)
	if err != nil {
		return false
	}
	defer k.Close()
	_, _, err = k.GetStringValue(appName)
	return err == nil
}

func (s *windowsService) Status() (string, error) {
	if s.IsInstalled() {
		return "installed", nil
	}
	return "not installed", nil
}
