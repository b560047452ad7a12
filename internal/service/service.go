// Package service registers the agent to start at login.
package service

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"github.com/SimplyPrint/tangem-agent/internal/config"
)

const (
	appName = "tangem-agent"
	label   = "com.simplyprint.tangem-agent"
)

var (
	ErrAlreadyInstalled = errors.New("auto-start is already installed")
	ErrNotInstalled     = errors.New("auto-start is not installed")
)

// Service manages the per-user auto-start entry for the current platform.
type Service interface {
	Install() error
	Uninstall() error
	IsInstalled() bool
	Status() (string, error)
}

// unit is the data rendered into launch agent and systemd templates.
type unit struct {
	Label      string
	Executable string
	LogDir     string
	// ConfigFile is forwarded as TANGEM_AGENT_CONFIG when set at install time.
	ConfigFile string
	EnvConfig  string
}

const launchdPlist = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{.Executable}}</string>
        <string>serve</string>
    </array>
{{- if .ConfigFile}}
    <key>EnvironmentVariables</key>
    <dict>
        <key>{{.EnvConfig}}</key>
        <string>{{.ConfigFile}}</string>
    </dict>
{{- end}}
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <dict>
        <key>SuccessfulExit</key>
        <false/>
    </dict>
    <key>StandardOutPath</key>
    <string>{{.LogDir}}/tangem-agent.log</string>
    <key>StandardErrorPath</key>
    <string>{{.LogDir}}/tangem-agent.err</string>
</dict>
</plist>
`

const systemdUnit = `[Unit]
Description=Tangem Agent - local Tangem card service
After=pcscd.service

[Service]
Type=simple
ExecStart={{.Executable}} --no-tray serve
{{- if .ConfigFile}}
Environment={{.EnvConfig}}={{.ConfigFile}}
{{- end}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`

// newUnit describes the running binary.
func newUnit(logDir string) (unit, error) {
	exe, err := os.Executable()
	if err != nil {
		return unit{}, fmt.Errorf("failed to get executable path: %w", err)
	}
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return unit{}, fmt.Errorf("failed to resolve executable path: %w", err)
	}
	u := unit{
		Label:      label,
		Executable: exe,
		LogDir:     logDir,
		EnvConfig:  config.EnvConfig,
	}
	if cfg := os.Getenv(config.EnvConfig); cfg != "" {
		if abs, err := filepath.Abs(cfg); err == nil {
			cfg = abs
		}
		u.ConfigFile = cfg
	}
	return u, nil
}

func render(name, text string, u unit) ([]byte, error) {
	tmpl, err := template.New(name).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s template: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, u); err != nil {
		return nil, fmt.Errorf("failed to render %s: %w", name, err)
	}
	return buf.Bytes(), nil
}

// writeUnit renders text into path, creating parent directories.
func writeUnit(path, name, text string, u unit) error {
	data, err := render(name, text, u)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
