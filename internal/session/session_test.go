package session_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/SimplyPrint/tangem-agent/internal/apdu"
	"github.com/SimplyPrint/tangem-agent/internal/card"
	"github.com/SimplyPrint/tangem-agent/internal/cardcrypto"
	"github.com/SimplyPrint/tangem-agent/internal/cardsim"
	"github.com/SimplyPrint/tangem-agent/internal/sdkerr"
	"github.com/SimplyPrint/tangem-agent/internal/session"
	"github.com/SimplyPrint/tangem-agent/internal/tlv"
)

// recorder is a Delegate that keeps every event.
type recorder struct {
	mu          sync.Mutex
	events      []string
	delays      []time.Duration
	errs        []error
	pins        []string
	onWrongCard func()
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) OnSessionStarted(string, *session.Message) { r.add("started") }
func (r *recorder) OnTagConnected()                           { r.add("connected") }
func (r *recorder) OnTagLost()                                { r.add("lost") }
func (r *recorder) OnSessionStopped(*session.Message)         { r.add("stopped") }

func (r *recorder) OnSecurityDelay(d time.Duration) {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	r.add("delay")
}

func (r *recorder) OnWrongCard() {
	r.add("wrong")
	if r.onWrongCard != nil {
		r.onWrongCard()
	}
}

func (r *recorder) OnError(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
	r.add("error")
}

func (r *recorder) RequestPIN(context.Context, session.PinKind) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "pin")
	if len(r.pins) == 0 {
		return "", nil
	}
	pin := r.pins[0]
	r.pins = r.pins[1:]
	return pin, nil
}

func (r *recorder) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == event {
			n++
		}
	}
	return n
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// waitUntil polls cond until it holds or a second passes.
func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		time.Sleep(time.Millisecond)
	}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newCard(t *testing.T, opts ...cardsim.Option) *cardsim.Card {
	t.Helper()
	c, err := cardsim.New(opts...)
	if err != nil {
		t.Fatalf("cardsim.New: %v", err)
	}
	return c
}

func tapped(c *cardsim.Card) *cardsim.Reader {
	r := cardsim.NewReader()
	r.Tap(c)
	return r
}

func TestReadReturnsPreflightCard(t *testing.T) {
	c := newCard(t)
	d := &recorder{}
	s := session.New(tapped(c), d, nil, session.DefaultConfig(), "", nil)

	got, err := session.RunWithRunnable[*card.Card](testContext(t), s, &session.ReadCommand{})
	if err != nil {
		t.Fatalf("RunWithRunnable: %v", err)
	}
	if got.CardID != cardsim.DefaultCardID {
		t.Errorf("CardID = %s", got.CardID)
	}
	if n := c.Count(apdu.InsRead); n != 1 {
		t.Errorf("Read sent %d times, want 1", n)
	}
	if s.CardID() != cardsim.DefaultCardID {
		t.Errorf("session card ID = %q", s.CardID())
	}
	if s.State() != session.StateInactive {
		t.Errorf("state = %s after run", s.State())
	}

	events := d.snapshot()
	if events[0] != "started" || events[len(events)-1] != "stopped" {
		t.Errorf("events = %v", events)
	}
	if d.count("error") != 0 {
		t.Errorf("unexpected error event: %v", d.errs)
	}
}

func TestSessionIsSingleUse(t *testing.T) {
	ctx := testContext(t)
	d := &recorder{}
	s := session.New(tapped(newCard(t)), d, nil, session.DefaultConfig(), "", nil)

	if _, err := session.RunWithRunnable[*card.Card](ctx, s, &session.ReadCommand{}); err != nil {
		t.Fatal(err)
	}
	_, err := session.RunWithRunnable[*card.Card](ctx, s, &session.ReadCommand{})
	if !errors.Is(err, sdkerr.ErrBusy) {
		t.Fatalf("second run: err = %v, want Busy", err)
	}
	if d.count("stopped") != 1 || d.count("error") != 0 {
		t.Errorf("events = %v", d.snapshot())
	}
}

func TestNestedStartIsBusy(t *testing.T) {
	d := &recorder{}
	s := session.New(tapped(newCard(t)), d, nil, session.DefaultConfig(), "", nil)

	run := session.RunnableFunc[string]{Fn: func(ctx context.Context, s *session.Session) (string, error) {
		_, err := session.RunWithRunnable[*card.Card](ctx, s, &session.ReadCommand{})
		if !errors.Is(err, sdkerr.ErrBusy) {
			return "", errors.New("nested start was not rejected")
		}
		if s.State() != session.StateActive {
			return "", errors.New("nested start stopped the session")
		}
		return "ok", nil
	}}
	got, err := session.RunWithRunnable[string](testContext(t), s, run)
	if err != nil || got != "ok" {
		t.Fatalf("got %q, err = %v", got, err)
	}
	if d.count("stopped") != 1 {
		t.Errorf("events = %v", d.snapshot())
	}
}

func TestEncryptionEscalation(t *testing.T) {
	tests := []struct {
		name           string
		required       session.EncryptionMode
		wantMode       session.EncryptionMode
		wantHandshakes int
	}{
		{"none", session.EncryptionNone, session.EncryptionNone, 0},
		{"fast", session.EncryptionFast, session.EncryptionFast, 1},
		{"strong", session.EncryptionStrong, session.EncryptionStrong, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCard(t, cardsim.WithRequiredEncryption(tt.required))
			env := session.NewEnvironment()
			s := session.New(tapped(c), &recorder{}, env, session.DefaultConfig(), "", nil)

			if _, err := session.RunWithRunnable[*card.Card](testContext(t), s, &session.ReadCommand{}); err != nil {
				t.Fatalf("RunWithRunnable: %v", err)
			}
			if env.EncryptionMode != tt.wantMode {
				t.Errorf("mode = %s, want %s", env.EncryptionMode, tt.wantMode)
			}
			if n := c.Count(apdu.InsOpenSession); n != tt.wantHandshakes {
				t.Errorf("OpenSession sent %d times, want %d", n, tt.wantHandshakes)
			}
			if env.EncryptionKey != nil {
				t.Error("key kept after stop")
			}
		})
	}
}

func TestEncryptionGivesUpAfterStrong(t *testing.T) {
	c := newCard(t, cardsim.WithRequiredEncryption(session.EncryptionStrong+1))
	d := &recorder{}
	s := session.New(tapped(c), d, nil, session.DefaultConfig(), "", nil)

	_, err := session.RunWithRunnable[*card.Card](testContext(t), s, &session.ReadCommand{})
	if !errors.Is(err, sdkerr.ErrNeedEncryption) {
		t.Fatalf("err = %v, want NeedEncryption", err)
	}
	// one Read, then one handshake per stronger mode
	if got := c.History(); len(got) != 3 {
		t.Errorf("card saw %v, want 3 frames", got)
	}
	if d.count("error") != 1 {
		t.Errorf("events = %v", d.snapshot())
	}
}

func TestTagLossForcesNewHandshake(t *testing.T) {
	c := newCard(t, cardsim.WithRequiredEncryption(session.EncryptionFast))
	r := tapped(c)
	d := &recorder{}
	s := session.New(r, d, nil, session.DefaultConfig(), "", nil)

	run := session.RunnableFunc[*card.Card]{Preflight: true, Fn: func(ctx context.Context, s *session.Session) (*card.Card, error) {
		r.Remove()
		r.Tap(c)
		waitUntil(t, func() bool { return d.count("connected") == 2 })
		return session.RunCommand[*card.Card](ctx, s, &session.ReadCommand{})
	}}
	if _, err := session.RunWithRunnable[*card.Card](testContext(t), s, run); err != nil {
		t.Fatalf("RunWithRunnable: %v", err)
	}
	if n := c.Count(apdu.InsOpenSession); n != 2 {
		t.Errorf("OpenSession sent %d times, want 2", n)
	}
	if d.count("lost") != 1 {
		t.Errorf("events = %v", d.snapshot())
	}
}

func TestReconnectWithoutTagLossForcesNewHandshake(t *testing.T) {
	c := newCard(t, cardsim.WithRequiredEncryption(session.EncryptionFast))
	r := tapped(c)
	d := &recorder{}
	s := session.New(r, d, nil, session.DefaultConfig(), "", nil)

	run := session.RunnableFunc[*card.Card]{Preflight: true, Fn: func(ctx context.Context, s *session.Session) (*card.Card, error) {
		// same card again with no removal in between
		r.Tap(c)
		waitUntil(t, func() bool { return d.count("connected") == 2 })
		return session.RunCommand[*card.Card](ctx, s, &session.ReadCommand{})
	}}
	if _, err := session.RunWithRunnable[*card.Card](testContext(t), s, run); err != nil {
		t.Fatalf("RunWithRunnable: %v", err)
	}
	if n := c.Count(apdu.InsOpenSession); n != 2 {
		t.Errorf("OpenSession sent %d times, want 2", n)
	}
	if d.count("lost") != 0 {
		t.Errorf("events = %v", d.snapshot())
	}
}

func TestWrongCard(t *testing.T) {
	t.Run("gives up", func(t *testing.T) {
		d := &recorder{}
		cfg := session.DefaultConfig()
		cfg.MaxWrongCardAttempts = 1
		s := session.New(tapped(newCard(t)), d, nil, cfg, "AA00000000000000", nil)

		_, err := session.RunWithRunnable[*card.Card](testContext(t), s, &session.ReadCommand{})
		if !errors.Is(err, sdkerr.ErrWrongCard) || !sdkerr.IsCardIdentity(err) {
			t.Fatalf("err = %v, want WrongCard", err)
		}
		if d.count("wrong") != 1 {
			t.Errorf("events = %v", d.snapshot())
		}
	})

	t.Run("blank card", func(t *testing.T) {
		d := &recorder{}
		cfg := session.DefaultConfig()
		cfg.MaxWrongCardAttempts = 1
		s := session.New(tapped(newCard(t, cardsim.NotPersonalized())), d, nil, cfg, "BB03000000000004", nil)

		_, err := session.RunWithRunnable[*card.Card](testContext(t), s, &session.ReadCommand{})
		if !errors.Is(err, sdkerr.ErrWrongCard) {
			t.Fatalf("err = %v, want WrongCard", err)
		}
		if d.count("wrong") != 1 {
			t.Errorf("events = %v", d.snapshot())
		}
	})

	t.Run("recovers on next tap", func(t *testing.T) {
		r := tapped(newCard(t))
		right := newCard(t, cardsim.WithCardID("AA00000000000000"))
		d := &recorder{onWrongCard: func() { r.Tap(right) }}
		s := session.New(r, d, nil, session.DefaultConfig(), "AA00000000000000", nil)

		got, err := session.RunWithRunnable[*card.Card](testContext(t), s, &session.ReadCommand{})
		if err != nil {
			t.Fatalf("RunWithRunnable: %v", err)
		}
		if got.CardID != "AA00000000000000" {
			t.Errorf("CardID = %s", got.CardID)
		}
		if d.count("wrong") != 1 {
			t.Errorf("events = %v", d.snapshot())
		}
	})
}

func TestCardTypeFilter(t *testing.T) {
	cfg := session.DefaultConfig()
	cfg.AllowedCardTypes = []card.Type{card.TypeSDK}
	c := newCard(t, cardsim.WithFirmware("4.52r"))
	s := session.New(tapped(c), &recorder{}, nil, cfg, "", nil)

	_, err := session.RunWithRunnable[*card.Card](testContext(t), s, &session.ReadCommand{})
	if !errors.Is(err, sdkerr.ErrWrongCardType) {
		t.Fatalf("err = %v, want WrongCardType", err)
	}
}

func TestNotPersonalizedPassesPreflight(t *testing.T) {
	c := newCard(t, cardsim.NotPersonalized())
	s := session.New(tapped(c), &recorder{}, nil, session.DefaultConfig(), "", nil)

	got, err := session.RunWithRunnable[*card.Card](testContext(t), s, &session.ReadCommand{})
	if err != nil {
		t.Fatalf("RunWithRunnable: %v", err)
	}
	if got.Status != card.StatusNotPersonalized {
		t.Errorf("status = %s", got.Status)
	}
}

func TestPinRequest(t *testing.T) {
	tests := []struct {
		name    string
		pins    []string
		wantErr bool
	}{
		{"delegate supplies pin", []string{"111111"}, false},
		{"delegate declines", nil, true},
		{"wrong pin every time", []string{"222222", "333333", "444444"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCard(t, cardsim.WithPins("111111", "000"))
			d := &recorder{pins: tt.pins}
			env := session.NewEnvironment()
			s := session.New(tapped(c), d, env, session.DefaultConfig(), "", nil)

			_, err := session.RunWithRunnable[*card.Card](testContext(t), s, &session.ReadCommand{})
			if tt.wantErr {
				if !errors.Is(err, sdkerr.ErrInvalidParams) {
					t.Fatalf("err = %v, want InvalidParams", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("RunWithRunnable: %v", err)
			}
			if env.Pin1 != "111111" {
				t.Errorf("Pin1 = %q", env.Pin1)
			}
		})
	}
}

func TestSecurityDelayIsReported(t *testing.T) {
	c := newCard(t, cardsim.WithSecurityDelay(2))
	d := &recorder{}
	s := session.New(tapped(c), d, nil, session.DefaultConfig(), "", nil)

	run := session.RunnableFunc[apdu.StatusWord]{Preflight: true, Fn: func(ctx context.Context, s *session.Session) (apdu.StatusWord, error) {
		env := s.Environment()
		data, err := tlv.NewBuilder().
			Bytes(tlv.TagPin, env.Pin1Hash()).
			Bytes(tlv.TagPin2, env.Pin2Hash()).
			Hex(tlv.TagCardID, s.CardID()).
			Byte(tlv.TagTransactionOutHashSize, 32).
			Bytes(tlv.TagTransactionOutHash, make([]byte, 32)).
			Encode()
		if err != nil {
			return 0, err
		}
		resp, err := s.Send(ctx, apdu.NewCommand(apdu.InsSign, data))
		if err != nil {
			return 0, err
		}
		return resp.SW, nil
	}}
	sw, err := session.RunWithRunnable[apdu.StatusWord](testContext(t), s, run)
	if err != nil {
		t.Fatalf("RunWithRunnable: %v", err)
	}
	if sw != apdu.SWProcessCompleted {
		t.Errorf("SW = %s", sw)
	}
	want := []time.Duration{2 * time.Second, time.Second}
	if !slices.Equal(d.delays, want) {
		t.Errorf("delays = %v, want %v", d.delays, want)
	}
}

func TestExtendedLengthRetryDropsTerminalKeys(t *testing.T) {
	c := newCard(t)
	r := tapped(c)
	r.SetExtendedLength(false)
	keys, err := cardcrypto.GenerateKeyPair(cardcrypto.Secp256k1)
	if err != nil {
		t.Fatal(err)
	}
	env := session.NewEnvironment()
	env.TerminalKeys = keys
	s := session.New(r, &recorder{}, env, session.DefaultConfig(), "", nil)

	attempts := 0
	run := session.RunnableFunc[string]{Preflight: true, Fn: func(ctx context.Context, s *session.Session) (string, error) {
		attempts++
		if s.Environment().TerminalKeys == nil {
			return "plain", nil
		}
		// terminal signatures push the frame past the short limit
		_, err := s.Send(ctx, apdu.NewCommand(apdu.InsSign, make([]byte, apdu.MaxShortData+1)))
		if err == nil {
			err = errors.New("long frame accepted")
		}
		return "", err
	}}
	got, err := session.RunWithRunnable[string](testContext(t), s, run)
	if err != nil {
		t.Fatalf("RunWithRunnable: %v", err)
	}
	if got != "plain" || attempts != 2 {
		t.Errorf("got %q after %d attempts", got, attempts)
	}
	if n := c.Count(apdu.InsRead); n != 2 {
		t.Errorf("preflight ran %d times, want 2", n)
	}
}

func TestExtendedLengthWithoutTerminalKeysFails(t *testing.T) {
	r := tapped(newCard(t))
	r.SetExtendedLength(false)
	d := &recorder{}
	s := session.New(r, d, nil, session.DefaultConfig(), "", nil)

	run := session.RunnableFunc[string]{Fn: func(ctx context.Context, s *session.Session) (string, error) {
		_, err := s.Send(ctx, apdu.NewCommand(apdu.InsSign, make([]byte, apdu.MaxShortData+1)))
		return "", err
	}}
	_, err := session.RunWithRunnable[string](testContext(t), s, run)
	if !errors.Is(err, sdkerr.ErrExtendedLengthNotSupported) {
		t.Fatalf("err = %v", err)
	}
	if d.count("error") != 1 {
		t.Errorf("events = %v", d.snapshot())
	}
}

func TestCancelWhileWaitingForTag(t *testing.T) {
	d := &recorder{}
	s := session.New(cardsim.NewReader(), d, nil, session.DefaultConfig(), "", nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := session.RunWithRunnable[*card.Card](ctx, s, &session.ReadCommand{})
	if !errors.Is(err, sdkerr.ErrUserCancelled) {
		t.Fatalf("err = %v, want UserCancelled", err)
	}
	if d.count("stopped") != 1 || d.count("error") != 0 {
		t.Errorf("events = %v", d.snapshot())
	}
}

func TestSlixSkipsPreflight(t *testing.T) {
	r := cardsim.NewReader()
	r.TapSlix()
	s := session.New(r, &recorder{}, nil, session.DefaultConfig(), "", nil)

	run := session.RunnableFunc[session.TagType]{Preflight: true, Fn: func(_ context.Context, s *session.Session) (session.TagType, error) {
		if s.Environment().Card != nil {
			return session.TagNone, errors.New("card read on a slix tag")
		}
		return s.Tag(), nil
	}}
	got, err := session.RunWithRunnable[session.TagType](testContext(t), s, run)
	if err != nil || got != session.TagSlix {
		t.Fatalf("got %s, err = %v", got, err)
	}
}
