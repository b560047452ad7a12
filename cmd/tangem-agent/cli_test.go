package main

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/SimplyPrint/tangem-agent/internal/reader"
	"github.com/SimplyPrint/tangem-agent/internal/sdk"
	"github.com/SimplyPrint/tangem-agent/internal/session"
)

func TestParseHashes(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    int
		wantErr bool
	}{
		{"none", nil, 0, true},
		{"one", []string{"00ff"}, 1, false},
		{"prefixed", []string{"0xabcd", "01"}, 2, false},
		{"bad hex", []string{"zz"}, 0, true},
		{"empty", []string{"0x"}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseHashes(tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if len(got) != tt.want {
				t.Errorf("got %d hashes, want %d", len(got), tt.want)
			}
		})
	}
}

func pipeDelegate(t *testing.T) (*termDelegate, *os.File, *bytes.Buffer) {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		r.Close()
		w.Close()
	})
	var out bytes.Buffer
	return newTermDelegate(r, &out), w, &out
}

func TestTermDelegateRequestPIN(t *testing.T) {
	d, w, out := pipeDelegate(t)
	if _, err := w.WriteString("123456\n"); err != nil {
		t.Fatal(err)
	}
	pin, err := d.RequestPIN(context.Background(), session.PinKindPin1)
	if err != nil {
		t.Fatal(err)
	}
	if pin != "123456" {
		t.Errorf("pin = %q", pin)
	}
	if !strings.Contains(out.String(), "Enter PIN1") {
		t.Errorf("prompt = %q", out.String())
	}
}

func TestTermDelegateRequestPINCancelled(t *testing.T) {
	d, _, _ := pipeDelegate(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := d.RequestPIN(ctx, session.PinKindPin2); err != context.DeadlineExceeded {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestTermDelegateEvents(t *testing.T) {
	d, _, out := pipeDelegate(t)
	d.OnSessionStarted("CB79000000018201", nil)
	d.OnSecurityDelay(1500 * time.Millisecond)
	d.OnWrongCard()
	d.OnSessionStopped(&session.Message{Body: "Done"})

	for _, want := range []string{"Tap card CB79000000018201", "1.5s remaining", "Wrong card", "Done"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output %q missing %q", out.String(), want)
		}
	}
}

func TestTrayAgent(t *testing.T) {
	emu, err := emulatedReader()
	if err != nil {
		t.Fatal(err)
	}
	m := sdk.NewManager(emu, session.NopDelegate{}, nil, sdk.DefaultConfig())
	a := trayAgent{manager: m, readers: func() ([]reader.Info, error) {
		return []reader.Info{{Name: "emu", Backend: reader.BackendEmulator}}, nil
	}}
	if a.Busy() || a.Cancel() {
		t.Error("idle manager reported busy or cancelled")
	}
	if !a.LinkedTerminal() {
		t.Error("default config should link the terminal")
	}
	readers, err := a.Readers()
	if err != nil || len(readers) != 1 {
		t.Errorf("readers = %v, %v", readers, err)
	}
}
