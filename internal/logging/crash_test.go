package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func useTempCrashDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	SetCrashLogDir(dir)
	t.Cleanup(func() { SetCrashLogDir("") })
	return dir
}

func TestCrashLogDirDefault(t *testing.T) {
	if CrashLogDir() == "" {
		t.Error("CrashLogDir returned empty string")
	}
}

func TestWriteAndReadCrashLog(t *testing.T) {
	useTempCrashDir(t)

	path, err := WriteCrashLog("session goroutine exploded", []byte("goroutine 1 [running]"))
	if err != nil {
		t.Fatalf("WriteCrashLog() error = %v", err)
	}

	content, err := ReadCrashLog(filepath.Base(path))
	if err != nil {
		t.Fatalf("ReadCrashLog() error = %v", err)
	}
	for _, want := range []string{"Tangem Agent Crash Report", "session goroutine exploded", "goroutine 1 [running]"} {
		if !strings.Contains(content, want) {
			t.Errorf("crash log missing %q", want)
		}
	}

	logs, err := GetCrashLogs(10)
	if err != nil {
		t.Fatalf("GetCrashLogs() error = %v", err)
	}
	if len(logs) != 1 || logs[0].Path != path {
		t.Errorf("GetCrashLogs() = %+v", logs)
	}
}

func TestReadCrashLogRejectsPaths(t *testing.T) {
	useTempCrashDir(t)
	for _, name := range []string{"../settings.json", "crash_x.txt", "/etc/passwd"} {
		if _, err := ReadCrashLog(name); err == nil {
			t.Errorf("ReadCrashLog(%q) succeeded", name)
		}
	}
}

func TestPruneCrashLogsByCount(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < MaxCrashLogs+5; i++ {
		name := fmt.Sprintf("crash_%s.log", base.Add(time.Duration(i)*time.Hour).Format("2006-01-02_15-04-05"))
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	other := filepath.Join(dir, "other.log")
	if err := os.WriteFile(other, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	pruneCrashLogs(dir, time.Now())

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	count := 0
	for _, e := range entries {
		if isCrashLog(e.Name()) {
			count++
		}
	}
	if count != MaxCrashLogs {
		t.Errorf("kept %d crash logs, want %d", count, MaxCrashLogs)
	}
	if _, err := os.Stat(other); err != nil {
		t.Error("non-crash file was removed")
	}
}

func TestPruneCrashLogsByAge(t *testing.T) {
	dir := t.TempDir()
	oldFile := filepath.Join(dir, "crash_2020-01-01_00-00-00.log")
	recentFile := filepath.Join(dir, "crash_2099-01-01_00-00-00.log")
	for _, f := range []string{oldFile, recentFile} {
		if err := os.WriteFile(f, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	old := time.Now().Add(-60 * 24 * time.Hour)
	if err := os.Chtimes(oldFile, old, old); err != nil {
		t.Fatal(err)
	}

	pruneCrashLogs(dir, time.Now())

	if _, err := os.Stat(oldFile); !os.IsNotExist(err) {
		t.Error("old crash log was not removed")
	}
	if _, err := os.Stat(recentFile); err != nil {
		t.Error("recent crash log was removed")
	}
}

func TestRecoverAndLogFunc(t *testing.T) {
	useTempCrashDir(t)

	var gotValue interface{}
	var gotFile string
	func() {
		defer RecoverAndLogFunc("test", false, func(v interface{}, file string) {
			gotValue, gotFile = v, file
		})
		panic("boom")
	}()

	if gotValue != "boom" {
		t.Errorf("onPanic value = %v, want boom", gotValue)
	}
	if gotFile == "" {
		t.Error("onPanic received no crash file")
	}
}
