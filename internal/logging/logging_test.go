package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestRingBufferKeepsNewest(t *testing.T) {
	l := New(3, LevelDebug)
	l.SetOutput(nil)
	for _, msg := range []string{"a", "b", "c", "d"} {
		l.log(LevelInfo, CatSession, msg, nil)
	}

	entries := l.GetEntries(10, nil, nil)
	var got []string
	for _, e := range entries {
		got = append(got, e.Message)
	}
	if strings.Join(got, ",") != "d,c,b" {
		t.Errorf("GetEntries() = %v, want [d c b]", got)
	}
	if s := l.Stats(); s.Total != 3 || s.Capacity != 3 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestFilters(t *testing.T) {
	l := New(10, LevelDebug)
	l.SetOutput(nil)
	l.log(LevelDebug, CatCard, "apdu", nil)
	l.log(LevelWarn, CatReader, "reader gone", nil)
	l.log(LevelError, CatSession, "failed", nil)

	warn := LevelWarn
	if got := l.GetEntries(10, &warn, nil); len(got) != 2 {
		t.Errorf("level filter returned %d entries, want 2", len(got))
	}
	cat := CatCard
	if got := l.GetEntries(10, nil, &cat); len(got) != 1 || got[0].Message != "apdu" {
		t.Errorf("category filter returned %+v", got)
	}
	if got := l.GetEntries(1, nil, nil); len(got) != 1 || got[0].Message != "failed" {
		t.Errorf("limit returned %+v", got)
	}

	l.Clear()
	if got := l.GetEntries(10, nil, nil); len(got) != 0 {
		t.Errorf("after Clear() got %d entries", len(got))
	}
}

func TestMinLevelAndOutput(t *testing.T) {
	var buf bytes.Buffer
	l := New(10, LevelInfo)
	l.SetOutput(&buf)
	l.log(LevelDebug, CatSystem, "hidden", nil)
	l.log(LevelInfo, CatSystem, "shown", map[string]any{"b": 2, "a": 1})

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("debug entry written below min level")
	}
	if !strings.Contains(out, "[INFO] [system] shown a=1 b=2") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]Level{"debug": LevelDebug, "INFO": LevelInfo, "warning": LevelWarn, "error": LevelError} {
		if got, err := ParseLevel(in); err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("ParseLevel(loud) succeeded")
	}
}
