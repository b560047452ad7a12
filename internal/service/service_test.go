package service

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRender(t *testing.T) {
	base := unit{
		Label:      label,
		Executable: "/opt/tangem/tangem-agent",
		LogDir:     "/tmp/logs",
		EnvConfig:  "TANGEM_AGENT_CONFIG",
	}
	withConfig := base
	withConfig.ConfigFile = "/etc/tangem/agent.yaml"

	tests := []struct {
		name    string
		text    string
		u       unit
		want    []string
		notWant []string
	}{
		{
			name:    "plist",
			text:    launchdPlist,
			u:       base,
			want:    []string{"<string>com.simplyprint.tangem-agent</string>", "<string>serve</string>", "/tmp/logs/tangem-agent.err"},
			notWant: []string{"EnvironmentVariables"},
		},
		{
			name: "plist with config",
			text: launchdPlist,
			u:    withConfig,
			want: []string{"<key>TANGEM_AGENT_CONFIG</key>", "<string>/etc/tangem/agent.yaml</string>"},
		},
		{
			name:    "systemd",
			text:    systemdUnit,
			u:       base,
			want:    []string{"ExecStart=/opt/tangem/tangem-agent --no-tray serve", "WantedBy=default.target"},
			notWant: []string{"Environment="},
		},
		{
			name: "systemd with config",
			text: systemdUnit,
			u:    withConfig,
			want: []string{"Environment=TANGEM_AGENT_CONFIG=/etc/tangem/agent.yaml"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := render(tt.name, tt.text, tt.u)
			if err != nil {
				t.Fatal(err)
			}
			for _, w := range tt.want {
				if !strings.Contains(string(out), w) {
					t.Errorf("missing %q in:\n%s", w, out)
				}
			}
			for _, w := range tt.notWant {
				if strings.Contains(string(out), w) {
					t.Errorf("unexpected %q in:\n%s", w, out)
				}
			}
		})
	}
}

func TestNewUnitForwardsConfig(t *testing.T) {
	t.Setenv("TANGEM_AGENT_CONFIG", "agent.yaml")
	u, err := newUnit("/logs")
	if err != nil {
		t.Fatal(err)
	}
	if !filepath.IsAbs(u.ConfigFile) || filepath.Base(u.ConfigFile) != "agent.yaml" {
		t.Errorf("ConfigFile = %q", u.ConfigFile)
	}
	if u.Executable == "" || u.LogDir != "/logs" {
		t.Errorf("unit = %+v", u)
	}
}

func TestWriteUnit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "tangem-agent.service")
	u := unit{Executable: "/bin/true", EnvConfig: "TANGEM_AGENT_CONFIG"}
	if err := writeUnit(path, "unit", systemdUnit, u); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "ExecStart=/bin/true --no-tray serve") {
		t.Errorf("unit file:\n%s", data)
	}
}
