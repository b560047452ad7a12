// Package session runs one card interaction: it owns a tag connection,
// negotiates the encrypted channel, checks the card with a preflight read,
// executes a single runnable and reports the outcome to a Delegate exactly once.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SimplyPrint/tangem-agent/internal/apdu"
	"github.com/SimplyPrint/tangem-agent/internal/card"
	"github.com/SimplyPrint/tangem-agent/internal/logging"
	"github.com/SimplyPrint/tangem-agent/internal/sdkerr"
	"github.com/SimplyPrint/tangem-agent/internal/tlv"
)

// State is the lifecycle state of a Session.
type State int

const (
	StateInactive State = iota
	StateActive
)

func (s State) String() string {
	if s == StateActive {
		return "active"
	}
	return "inactive"
}

// Config bounds the recoverable loops of a session.
type Config struct {
	// AllowedCardTypes lists accepted card types; empty accepts card.AllTypes.
	AllowedCardTypes []card.Type
	// MaxWrongCardAttempts is how many wrong cards are tolerated before failing.
	MaxWrongCardAttempts int
	// MaxPinAttempts is how many times PIN1 is requested after the card rejects it.
	MaxPinAttempts int
}

// DefaultConfig returns the limits used when none are configured.
func DefaultConfig() Config {
	return Config{
		AllowedCardTypes:     card.AllTypes,
		MaxWrongCardAttempts: 3,
		MaxPinAttempts:       3,
	}
}

// Session is a single-use card session.
type Session struct {
	ID string

	reader   CardReader
	delegate Delegate
	env      *Environment
	cfg      Config
	message  *Message

	mu         sync.Mutex
	state      State
	used       bool
	cardID     string
	tag        TagType
	generation uint64
	tagChanged chan struct{}
	readerGone bool

	cancelWatch context.CancelFunc
	watchDone   chan struct{}
	stopOnce    sync.Once
}

// New creates an inactive session. cardID, when set, is the card the
// preflight read must find; message is passed to OnSessionStarted.
func New(reader CardReader, delegate Delegate, env *Environment, cfg Config, cardID string, message *Message) *Session {
	if env == nil {
		env = NewEnvironment()
	}
	if delegate == nil {
		delegate = NopDelegate{}
	}
	if len(cfg.AllowedCardTypes) == 0 {
		cfg.AllowedCardTypes = card.AllTypes
	}
	if cfg.MaxWrongCardAttempts <= 0 {
		cfg.MaxWrongCardAttempts = 3
	}
	if cfg.MaxPinAttempts < 0 {
		cfg.MaxPinAttempts = 0
	}
	return &Session{
		ID:         uuid.NewString(),
		reader:     reader,
		delegate:   delegate,
		env:        env,
		cfg:        cfg,
		message:    message,
		cardID:     strings.ToUpper(cardID),
		tagChanged: make(chan struct{}),
	}
}

// Environment returns the session environment. Fields other than
// EncryptionKey may be read and written by the running operation.
func (s *Session) Environment() *Environment {
	return s.env
}

// CardID returns the expected card ID, or the ID found by the preflight read.
func (s *Session) CardID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cardID
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Tag returns the currently connected tag type.
func (s *Session) Tag() TagType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tag
}

// Start activates the session, starts the reader and waits for a tag. With
// preflight set and an NFC tag in the field, the card is read and checked
// before Start returns. A session can be started only once; a second Start
// fails with Busy.
func (s *Session) Start(ctx context.Context, preflight bool) error {
	s.mu.Lock()
	if s.state != StateInactive || s.used {
		s.mu.Unlock()
		return sdkerr.Busy("Start")
	}
	s.state = StateActive
	s.used = true
	cardID := s.cardID
	s.mu.Unlock()

	logging.Info(logging.CatSession, "Session started", map[string]any{
		"session":   s.ID,
		"cardId":    cardID,
		"preflight": preflight,
	})
	s.delegate.OnSessionStarted(cardID, s.message)

	if err := s.reader.StartSession(ctx); err != nil {
		if ctx.Err() != nil {
			return sdkerr.UserCancelled("Start", ctx.Err())
		}
		return sdkerr.Reader("StartSession", err)
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.mu.Lock()
	s.cancelWatch = cancel
	s.watchDone = done
	s.mu.Unlock()
	go s.watchTags(watchCtx, s.reader.Tags(), done)

	tag, err := s.waitForTag(ctx)
	if err != nil {
		return err
	}
	if tag == TagNfc && preflight {
		return s.preflightCheck(ctx)
	}
	return nil
}

func (s *Session) watchTags(ctx context.Context, tags <-chan TagType, done chan struct{}) {
	defer close(done)
	defer logging.RecoverAndLog("session tag watcher", false)

	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-tags:
			if !ok {
				s.mu.Lock()
				s.readerGone = true
				s.broadcastLocked()
				s.mu.Unlock()
				return
			}
			s.handleTag(t)
		}
	}
}

func (s *Session) handleTag(t TagType) {
	s.mu.Lock()
	var lost, connected bool
	if t == TagNone {
		if s.tag != TagNone {
			s.tag = TagNone
			s.env.EncryptionKey = nil
			lost = true
		}
	} else {
		// a new connection never inherits the previous channel key
		s.tag = t
		s.generation++
		s.env.EncryptionKey = nil
		connected = true
	}
	s.broadcastLocked()
	s.mu.Unlock()

	switch {
	case lost:
		logging.Debug(logging.CatSession, "Tag lost", map[string]any{"session": s.ID})
		s.delegate.OnTagLost()
	case connected:
		logging.Debug(logging.CatSession, "Tag connected", map[string]any{"session": s.ID, "type": t.String()})
		s.delegate.OnTagConnected()
	}
}

// broadcastLocked wakes every waiter. Callers hold s.mu.
func (s *Session) broadcastLocked() {
	close(s.tagChanged)
	s.tagChanged = make(chan struct{})
}

// waitForTag blocks until a tag is in the field.
func (s *Session) waitForTag(ctx context.Context) (TagType, error) {
	return s.waitFor(ctx, func() bool { return s.tag != TagNone })
}

// waitForNewTag blocks until a tag connects after generation gen.
func (s *Session) waitForNewTag(ctx context.Context, gen uint64) (TagType, error) {
	return s.waitFor(ctx, func() bool { return s.tag != TagNone && s.generation > gen })
}

func (s *Session) waitFor(ctx context.Context, ready func() bool) (TagType, error) {
	for {
		s.mu.Lock()
		if s.state != StateActive {
			s.mu.Unlock()
			return TagNone, sdkerr.New(sdkerr.CodeSessionInactive, "WaitForTag", "session is not active")
		}
		if ready() {
			t := s.tag
			s.mu.Unlock()
			return t, nil
		}
		if s.readerGone {
			s.mu.Unlock()
			return TagNone, sdkerr.Reader("WaitForTag", errors.New("reader closed the tag stream"))
		}
		ch := s.tagChanged
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return TagNone, sdkerr.UserCancelled("WaitForTag", ctx.Err())
		case <-ch:
		}
	}
}

func (s *Session) connectionGeneration() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

func (s *Session) encryptionState() (EncryptionMode, []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.env.EncryptionMode, s.env.EncryptionKey
}

// Send transmits cmd to the card in the field, waiting for one if needed. When
// an encryption mode is set and no key is held for the current connection, the
// handshake runs first. Status words are not interpreted beyond the security
// delay, which is waited out and reported to the delegate.
func (s *Session) Send(ctx context.Context, cmd *apdu.CommandApdu) (*apdu.ResponseApdu, error) {
	if _, err := s.waitForTag(ctx); err != nil {
		return nil, err
	}
	if mode, key := s.encryptionState(); mode != EncryptionNone && key == nil {
		if err := s.establishEncryption(ctx); err != nil {
			return nil, err
		}
	}
	mode, key := s.encryptionState()
	return s.exchange(ctx, cmd, mode, key)
}

// exchange performs one command/response round trip under the given channel
// state, repeating the command while the card reports a security delay.
func (s *Session) exchange(ctx context.Context, cmd *apdu.CommandApdu, mode EncryptionMode, key []byte) (*apdu.ResponseApdu, error) {
	wire, err := cmd.Encrypt(key)
	if err != nil {
		return nil, sdkerr.Wrap(sdkerr.CodeEncryptionFailed, cmd.INS.String(), err)
	}
	wire.P1 = byte(mode)

	for {
		logging.Debug(logging.CatCard, "APDU >>", map[string]any{
			"session": s.ID,
			"ins":     cmd.INS.String(),
			"mode":    mode.String(),
			"length":  len(wire.Data),
		})
		resp, err := s.reader.TransceiveApdu(ctx, wire)
		if err != nil {
			return nil, s.transportError(ctx, cmd.INS.String(), err)
		}
		logging.Debug(logging.CatCard, "APDU <<", map[string]any{
			"session": s.ID,
			"sw":      resp.SW.String(),
			"length":  len(resp.Data),
		})

		if resp.SW == apdu.SWNeedPause {
			remaining := securityDelay(resp)
			s.delegate.OnSecurityDelay(remaining)
			if ctx.Err() != nil {
				return nil, sdkerr.UserCancelled(cmd.INS.String(), ctx.Err())
			}
			continue
		}

		plain, err := resp.Decrypt(key)
		if err != nil {
			return nil, sdkerr.Wrap(sdkerr.CodeEncryptionFailed, cmd.INS.String(), err)
		}
		return plain, nil
	}
}

func (s *Session) transportError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return sdkerr.UserCancelled(op, ctx.Err())
	}
	var sdkErr *sdkerr.Error
	if errors.As(err, &sdkErr) {
		return err
	}
	return sdkerr.Reader(op, err)
}

// securityDelay decodes the remaining delay from a NeedPause response, in 10 ms units.
func securityDelay(resp *apdu.ResponseApdu) time.Duration {
	items, err := resp.TLVs()
	if err != nil {
		return 0
	}
	n, ok, err := items.OptionalUint(tlv.TagPause)
	if !ok || err != nil {
		return 0
	}
	return time.Duration(n) * 10 * time.Millisecond
}

// Stop ends the session successfully. Only the first Stop or StopWithError has any effect.
func (s *Session) Stop(message *Message) {
	s.stop(func() {
		logging.Info(logging.CatSession, "Session stopped", map[string]any{"session": s.ID})
		s.delegate.OnSessionStopped(message)
	})
}

// StopWithError ends the session with a failure. A user cancellation is
// logged and reported as a plain stop rather than an error.
func (s *Session) StopWithError(err error) {
	s.stop(func() {
		if errors.Is(err, sdkerr.ErrUserCancelled) {
			logging.Info(logging.CatSession, "Session cancelled by user", map[string]any{"session": s.ID})
			s.delegate.OnSessionStopped(nil)
			return
		}
		logging.Error(logging.CatSession, "Session failed", map[string]any{
			"session": s.ID,
			"error":   err.Error(),
			"code":    sdkerr.CodeOf(err).String(),
		})
		s.delegate.OnError(err)
	})
}

func (s *Session) stop(notify func()) {
	s.stopOnce.Do(func() {
		if err := s.reader.CloseSession(); err != nil {
			logging.Warn(logging.CatSession, "Failed to close reader session", map[string]any{
				"session": s.ID,
				"error":   err.Error(),
			})
		}

		s.mu.Lock()
		s.state = StateInactive
		s.used = true
		s.env.EncryptionKey = nil
		cancel, done := s.cancelWatch, s.watchDone
		s.broadcastLocked()
		s.mu.Unlock()

		if cancel != nil {
			cancel()
			<-done
		}
		notify()
	})
}

func (s *Session) String() string {
	return fmt.Sprintf("session %s (%s)", s.ID, s.State())
}
