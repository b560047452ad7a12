package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func useTempFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tangem-agent", "settings.json")
	SetPath(path)
	t.Cleanup(func() { SetPath("") })
	return path
}

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()
	if s.CrashReporting {
		t.Error("crash reporting should be opt-in")
	}
	if !s.LinkedTerminal {
		t.Error("terminal linking should be on by default")
	}
}

func TestLoadMissingFile(t *testing.T) {
	useTempFile(t)
	s, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s != *DefaultSettings() {
		t.Errorf("got %+v, want defaults", s)
	}
}

func TestUpdatePersists(t *testing.T) {
	path := useTempFile(t)

	if err := SetCrashReporting(true); err != nil {
		t.Fatal(err)
	}
	if err := SetLinkedTerminal(false); err != nil {
		t.Fatal(err)
	}
	if _, err := Update(func(s *Settings) { s.Reader = "ACR1252" }); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("settings file not written: %v", err)
	}
	var onDisk Settings
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatal(err)
	}
	want := Settings{CrashReporting: true, LinkedTerminal: false, Reader: "ACR1252"}
	if onDisk != want {
		t.Errorf("on disk %+v, want %+v", onDisk, want)
	}

	SetPath(path)
	if got := Get(); got != want {
		t.Errorf("reloaded %+v, want %+v", got, want)
	}
	if !IsCrashReportingEnabled() {
		t.Error("IsCrashReportingEnabled() = false")
	}
}

func TestLoadKeepsDefaultsForMissingFields(t *testing.T) {
	path := useTempFile(t)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	// files written before terminal linking existed
	if err := os.WriteFile(path, []byte(`{"crashReporting":true}`), 0644); err != nil {
		t.Fatal(err)
	}
	s, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if !s.CrashReporting || !s.LinkedTerminal {
		t.Errorf("got %+v", s)
	}
}

func TestLoadInvalidJSON(t *testing.T) {
	path := useTempFile(t)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("not json"), 0644); err != nil {
		t.Fatal(err)
	}
	s, err := Load()
	if err == nil {
		t.Error("expected an error for invalid JSON")
	}
	if s != *DefaultSettings() {
		t.Errorf("got %+v, want defaults", s)
	}
}

func TestJSONFormat(t *testing.T) {
	data, err := json.Marshal(Settings{CrashReporting: true})
	if err != nil {
		t.Fatal(err)
	}
	if want := `{"crashReporting":true,"linkedTerminal":false}`; string(data) != want {
		t.Errorf("got %s, want %s", data, want)
	}
}

func TestConcurrentAccess(t *testing.T) {
	useTempFile(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%5 == 0 {
				if err := SetCrashReporting(i%10 == 0); err != nil {
					t.Error(err)
				}
				return
			}
			_ = Get()
		}(i)
	}
	wg.Wait()
}
