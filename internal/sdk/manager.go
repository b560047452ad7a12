// Package sdk is the entry point for card operations. A Manager runs one card
// session at a time on its own goroutine and reports the outcome through a
// callback.
package sdk

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/SimplyPrint/tangem-agent/internal/card"
	"github.com/SimplyPrint/tangem-agent/internal/cardcrypto"
	"github.com/SimplyPrint/tangem-agent/internal/logging"
	"github.com/SimplyPrint/tangem-agent/internal/sdkerr"
	"github.com/SimplyPrint/tangem-agent/internal/session"
)

// TerminalKeysService supplies the key pair this terminal signs with. A nil
// result means no terminal keys are available.
type TerminalKeysService interface {
	GetKeys() *cardcrypto.KeyPair
}

// Config controls how the manager builds sessions.
type Config struct {
	// LinkedTerminal sends the terminal public key with every command so the
	// card can skip security delays for this terminal.
	LinkedTerminal       bool
	AllowedCardTypes     []card.Type
	MaxWrongCardAttempts int
	MaxPinAttempts       int
	// IssuerPublicKey overrides the issuer key reported by the card when
	// verifying issuer data.
	IssuerPublicKey []byte
}

// DefaultConfig links the terminal and accepts every card type.
func DefaultConfig() Config {
	sc := session.DefaultConfig()
	return Config{
		LinkedTerminal:       true,
		AllowedCardTypes:     card.AllTypes,
		MaxWrongCardAttempts: sc.MaxWrongCardAttempts,
		MaxPinAttempts:       sc.MaxPinAttempts,
	}
}

// Result carries the outcome of an operation. Exactly one of Value and Err is meaningful.
type Result[T any] struct {
	Value T
	Err   error
}

func Success[T any](v T) Result[T] { return Result[T]{Value: v} }

func Failure[T any](err error) Result[T] { return Result[T]{Err: err} }

// Manager serializes card operations over one reader. While an operation is
// in flight every new request fails with Busy.
type Manager struct {
	reader   session.CardReader
	delegate session.Delegate
	keys     TerminalKeysService
	busy     atomic.Bool

	mu     sync.RWMutex
	cfg    Config
	cancel context.CancelFunc
}

// NewManager creates a manager. keys may be nil when no terminal keys exist.
func NewManager(reader session.CardReader, delegate session.Delegate, keys TerminalKeysService, cfg Config) *Manager {
	if delegate == nil {
		delegate = session.NopDelegate{}
	}
	return &Manager{
		reader:   reader,
		delegate: delegate,
		keys:     keys,
		cfg:      cfg,
	}
}

// Busy reports whether an operation is in flight.
func (m *Manager) Busy() bool {
	return m.busy.Load()
}

// Config returns a copy of the current configuration.
func (m *Manager) Config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// SetLinkedTerminal toggles terminal keys for sessions started afterwards.
func (m *Manager) SetLinkedTerminal(on bool) {
	m.mu.Lock()
	m.cfg.LinkedTerminal = on
	m.mu.Unlock()
}

// Cancel aborts the operation in flight, if any. The operation completes with UserCancelled.
func (m *Manager) Cancel() bool {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

func (m *Manager) buildEnvironment() *session.Environment {
	env := session.NewEnvironment()
	if m.Config().LinkedTerminal && m.keys != nil {
		env.TerminalKeys = m.keys.GetKeys()
	}
	return env
}

func (m *Manager) sessionConfig() session.Config {
	cfg := m.Config()
	return session.Config{
		AllowedCardTypes:     cfg.AllowedCardTypes,
		MaxWrongCardAttempts: cfg.MaxWrongCardAttempts,
		MaxPinAttempts:       cfg.MaxPinAttempts,
	}
}

// RunTask starts a session for r. When the manager is busy the callback
// runs synchronously with Busy and no session is created. Otherwise the
// callback runs exactly once on the session goroutine, after the manager has
// become idle again.
func RunTask[T any](ctx context.Context, m *Manager, op string, r session.Runnable[T], cardID string, message *session.Message, callback func(Result[T])) {
	if !m.busy.CompareAndSwap(false, true) {
		logging.Warn(logging.CatSession, "Operation rejected, manager busy", map[string]any{
			"operation": op,
		})
		callback(Failure[T](sdkerr.Busy(op)))
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	s := session.New(m.reader, m.delegate, m.buildEnvironment(), m.sessionConfig(), cardID, message)
	logging.Info(logging.CatSession, "Operation started", map[string]any{
		"operation": op,
		"session":   s.ID,
		"cardId":    cardID,
	})

	go func() {
		res := runGuarded(ctx, s, op, r)

		m.mu.Lock()
		m.cancel = nil
		m.mu.Unlock()
		cancel()
		m.busy.Store(false)

		if res.Err != nil {
			logging.Warn(logging.CatSession, "Operation failed", map[string]any{
				"operation": op,
				"session":   s.ID,
				"error":     res.Err.Error(),
			})
			logging.CaptureSessionError(res.Err, op, s.CardID())
		} else {
			logging.Info(logging.CatSession, "Operation finished", map[string]any{
				"operation": op,
				"session":   s.ID,
			})
		}
		callback(res)
	}()
}

// runGuarded turns a panic inside the session into a failure result.
func runGuarded[T any](ctx context.Context, s *session.Session, op string, r session.Runnable[T]) (res Result[T]) {
	defer logging.RecoverAndLogFunc("session "+op, false, func(p interface{}, _ string) {
		err := sdkerr.New(sdkerr.CodeUnknownStatus, op, fmt.Sprintf("panic: %v", p))
		s.StopWithError(err)
		res = Failure[T](err)
	})

	v, err := session.RunWithRunnable(ctx, s, r)
	if err != nil {
		return Failure[T](err)
	}
	return Success(v)
}

// RunSession runs fn inside a session. When preflight is set the card is read
// and checked before fn runs.
func RunSession[T any](ctx context.Context, m *Manager, preflight bool, cardID string, message *session.Message, fn func(ctx context.Context, s *session.Session) (T, error), callback func(Result[T])) {
	RunTask(ctx, m, "Session", session.RunnableFunc[T]{Preflight: preflight, Fn: fn}, cardID, message, callback)
}

// RunCommand runs a single command after the preflight read.
func RunCommand[T any](ctx context.Context, m *Manager, cmd session.Command[T], cardID string, callback func(Result[T])) {
	r := session.RunnableFunc[T]{
		Preflight: true,
		Fn: func(ctx context.Context, s *session.Session) (T, error) {
			return session.RunCommand[T](ctx, s, cmd)
		},
	}
	RunTask(ctx, m, cmd.Name(), r, cardID, nil, callback)
}

// Await blocks until the operation started by start completes.
func Await[T any](start func(callback func(Result[T]))) (T, error) {
	done := make(chan Result[T], 1)
	start(func(r Result[T]) { done <- r })
	r := <-done
	return r.Value, r.Err
}
