package reader

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ebfe/scard"

	"github.com/SimplyPrint/tangem-agent/internal/apdu"
	"github.com/SimplyPrint/tangem-agent/internal/cardsim"
	"github.com/SimplyPrint/tangem-agent/internal/sdkerr"
	"github.com/SimplyPrint/tangem-agent/internal/session"
)

// mockContext is a PC/SC context with one reader whose card can be placed
// and removed by the test.
type mockContext struct {
	mu       sync.Mutex
	readers  []string
	card     *cardsim.Card
	atr      []byte
	released bool
}

func newMockContext() *mockContext {
	return &mockContext{
		readers: []string{"ACS ACR1252 Dual Reader PICC", "ACS ACR1252 Dual Reader SAM"},
		atr:     []byte{0x3B, 0x8F, 0x80, 0x01, 0x80, 0x4F, 0x0C, 0xA0, 0x00, 0x00, 0x03, 0x06, 0x03, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x68},
	}
}

func (m *mockContext) place(c *cardsim.Card) {
	m.mu.Lock()
	m.card = c
	m.mu.Unlock()
}

func (m *mockContext) state() scard.StateFlag {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.card != nil {
		return scard.StatePresent
	}
	return scard.StateEmpty
}

func (m *mockContext) ListReaders() ([]string, error) {
	return m.readers, nil
}

func (m *mockContext) GetStatusChange(states []scard.ReaderState, timeout time.Duration) error {
	current := m.state()
	if states[0].CurrentState&^scard.StateChanged == current {
		time.Sleep(min(timeout, 2*time.Millisecond))
		return scard.ErrTimeout
	}
	states[0].EventState = current | scard.StateChanged
	return nil
}

func (m *mockContext) Connect(reader string, _ scard.ShareMode, _ scard.Protocol) (SmartCard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.card == nil {
		return nil, scard.ErrNoSmartcard
	}
	return &mockCard{ctx: m, card: m.card, atr: m.atr}, nil
}

func (m *mockContext) Cancel() error { return nil }

func (m *mockContext) Release() error {
	m.mu.Lock()
	m.released = true
	m.mu.Unlock()
	return nil
}

type mockCard struct {
	ctx  *mockContext
	card *cardsim.Card
	atr  []byte
}

func (c *mockCard) Transmit(cmd []byte) ([]byte, error) {
	c.ctx.mu.Lock()
	present := c.ctx.card == c.card
	c.ctx.mu.Unlock()
	if !present {
		return nil, scard.ErrRemovedCard
	}
	return c.card.Transmit(cmd)
}

func (c *mockCard) Status() (*scard.CardStatus, error) {
	return &scard.CardStatus{Atr: c.atr}, nil
}

func (c *mockCard) Disconnect(d scard.Disposition) error {
	if d == scard.ResetCard {
		c.card.Reset()
	}
	return nil
}

func nextTag(t *testing.T, tags <-chan session.TagType) session.TagType {
	t.Helper()
	select {
	case tag := <-tags:
		return tag
	case <-time.After(2 * time.Second):
	}
	t.Fatal("no tag event")
	return session.TagNone
}

func TestPickReader(t *testing.T) {
	names := []string{"ACS ACR122U PICC Interface", "Identiv uTrust 3700 F"}
	tests := []struct {
		name    string
		want    string
		expect  string
		wantErr bool
	}{
		{"first by default", "", names[0], false},
		{"substring match", "utrust", names[1], false},
		{"missing", "omnikey", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := pickReader(names, tt.want)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v", err)
			}
			if got != tt.expect {
				t.Errorf("got %q, want %q", got, tt.expect)
			}
		})
	}
	if _, err := pickReader(nil, ""); err == nil {
		t.Error("expected an error without readers")
	}
}

func TestTagTypeFromATR(t *testing.T) {
	tests := []struct {
		name string
		atr  []byte
		want session.TagType
	}{
		{"iso14443", []byte{0x3B, 0x8F, 0x80, 0x01, 0x80, 0x4F, 0x0C, 0xA0, 0x00, 0x00, 0x03, 0x06, 0x03, 0x00, 0x03, 0x00, 0x00, 0x00, 0x00, 0x68}, session.TagNfc},
		{"iso15693", []byte{0x3B, 0x8F, 0x80, 0x01, 0x80, 0x4F, 0x0C, 0xA0, 0x00, 0x00, 0x03, 0x06, 0x0B, 0x00, 0x14, 0x00, 0x00, 0x00, 0x00, 0x77}, session.TagSlix},
		{"short", []byte{0x3B, 0x80}, session.TagNfc},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tagTypeFromATR(tt.atr); got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestPCSCReaderSession(t *testing.T) {
	mock := newMockContext()
	r := NewPCSCReader(func() (SmartCardContext, error) { return mock, nil }, Options{
		Name:         "PICC",
		PollInterval: 5 * time.Millisecond,
	})

	ctx := context.Background()
	if err := r.StartSession(ctx); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	tags := r.Tags()
	if r.Name() != mock.readers[0] {
		t.Errorf("selected %q", r.Name())
	}

	read := apdu.NewCommand(apdu.InsRead, nil)
	if _, err := r.TransceiveApdu(ctx, read); !errors.Is(err, sdkerr.ErrTagLost) {
		t.Errorf("transceive without card: err = %v", err)
	}

	c, err := cardsim.New()
	if err != nil {
		t.Fatal(err)
	}
	mock.place(c)
	if tag := nextTag(t, tags); tag != session.TagNfc {
		t.Fatalf("tag = %s, want NFC", tag)
	}

	resp, err := r.TransceiveApdu(ctx, read)
	if err != nil {
		t.Fatalf("transceive: %v", err)
	}
	// an empty Read lacks PIN1
	if resp.SW != apdu.SWInvalidParams {
		t.Errorf("SW = %s", resp.SW)
	}

	extended := apdu.NewCommand(apdu.InsSign, make([]byte, 300))
	if _, err := r.TransceiveApdu(ctx, extended); !errors.Is(err, sdkerr.ErrExtendedLengthNotSupported) {
		t.Errorf("extended frame: err = %v", err)
	}

	mock.place(nil)
	if _, err := r.TransceiveApdu(ctx, read); !errors.Is(err, sdkerr.ErrTagLost) {
		t.Errorf("transceive after removal: err = %v", err)
	}
	if tag := nextTag(t, tags); tag != session.TagNone {
		t.Errorf("tag = %s, want none", tag)
	}

	if err := r.CloseSession(); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	if !mock.released {
		t.Error("context not released")
	}
}

func TestPCSCReaderMissingReader(t *testing.T) {
	mock := newMockContext()
	r := NewPCSCReader(func() (SmartCardContext, error) { return mock, nil }, Options{Name: "omnikey"})
	if err := r.StartSession(context.Background()); err == nil {
		t.Fatal("expected an error")
	}
	if !mock.released {
		t.Error("context leaked")
	}
}
