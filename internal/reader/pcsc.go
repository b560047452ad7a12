package reader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ebfe/scard"

	"github.com/SimplyPrint/tangem-agent/internal/apdu"
	"github.com/SimplyPrint/tangem-agent/internal/logging"
	"github.com/SimplyPrint/tangem-agent/internal/sdkerr"
	"github.com/SimplyPrint/tangem-agent/internal/session"
)

// SmartCardContext is the part of a PC/SC context the reader uses.
type SmartCardContext interface {
	ListReaders() ([]string, error)
	GetStatusChange(states []scard.ReaderState, timeout time.Duration) error
	Connect(reader string, mode scard.ShareMode, proto scard.Protocol) (SmartCard, error)
	Cancel() error
	Release() error
}

// SmartCard is a connected PC/SC card handle.
type SmartCard interface {
	Transmit(cmd []byte) ([]byte, error)
	Status() (*scard.CardStatus, error)
	Disconnect(d scard.Disposition) error
}

// ContextFactory establishes PC/SC contexts. Tests replace it with a fake.
type ContextFactory func() (SmartCardContext, error)

type scardContext struct {
	*scard.Context
}

func (c scardContext) Connect(reader string, mode scard.ShareMode, proto scard.Protocol) (SmartCard, error) {
	card, err := c.Context.Connect(reader, mode, proto)
	if err != nil {
		return nil, err
	}
	return card, nil
}

// EstablishContext opens a context on the system PC/SC service.
func EstablishContext() (SmartCardContext, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("failed to establish PC/SC context: %w", err)
	}
	return scardContext{ctx}, nil
}

// ListPCSC returns the PC/SC readers attached to the system.
func ListPCSC(factory ContextFactory) ([]Info, error) {
	if factory == nil {
		factory = EstablishContext
	}
	sc, err := factory()
	if err != nil {
		return nil, err
	}
	defer sc.Release()

	names, err := sc.ListReaders()
	if err != nil {
		return nil, fmt.Errorf("failed to list readers: %w", err)
	}
	out := make([]Info, 0, len(names))
	for _, name := range names {
		out = append(out, Info{Name: name, Backend: BackendPCSC})
	}
	return out, nil
}

// PCSCReader talks to a card through a PC/SC reader. Card arrival and
// removal are watched with GetStatusChange while a session is open.
type PCSCReader struct {
	factory ContextFactory
	opts    Options
	tags    tagStream

	mu     sync.Mutex
	sc     SmartCardContext
	reader string
	card   SmartCard
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPCSCReader creates a reader. factory may be nil to use the system service.
func NewPCSCReader(factory ContextFactory, opts Options) *PCSCReader {
	if factory == nil {
		factory = EstablishContext
	}
	return &PCSCReader{
		factory: factory,
		opts:    opts,
		tags:    tagStream{name: "pcsc"},
	}
}

// Name returns the reader selected by the last StartSession.
func (r *PCSCReader) Name() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reader
}

func (r *PCSCReader) Tags() <-chan session.TagType {
	return r.tags.channel()
}

func (r *PCSCReader) StartSession(ctx context.Context) error {
	const op = "StartSession"
	sc, err := r.factory()
	if err != nil {
		return sdkerr.Reader(op, err)
	}
	names, err := sc.ListReaders()
	if err != nil {
		sc.Release()
		return sdkerr.Reader(op, fmt.Errorf("failed to list readers: %w", err))
	}
	name, err := pickReader(names, r.opts.Name)
	if err != nil {
		sc.Release()
		return sdkerr.Reader(op, err)
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.mu.Lock()
	r.sc, r.reader, r.cancel, r.done = sc, name, cancel, done
	r.mu.Unlock()
	r.tags.open(name)

	logging.Info(logging.CatReader, "PC/SC session opened", map[string]any{
		"reader": name,
	})
	go r.watch(watchCtx, sc, name, done)
	return nil
}

func pickReader(names []string, want string) (string, error) {
	if len(names) == 0 {
		return "", errors.New("no PC/SC readers found")
	}
	if want == "" {
		return names[0], nil
	}
	for _, name := range names {
		if strings.Contains(strings.ToLower(name), strings.ToLower(want)) {
			return name, nil
		}
	}
	return "", fmt.Errorf("reader %q not found", want)
}

func (r *PCSCReader) watch(ctx context.Context, sc SmartCardContext, name string, done chan struct{}) {
	defer close(done)
	defer logging.RecoverAndLog("pcsc watch", false)

	states := []scard.ReaderState{{Reader: name, CurrentState: scard.StateUnaware}}
	for ctx.Err() == nil {
		err := sc.GetStatusChange(states, r.opts.interval())
		if err != nil {
			if errors.Is(err, scard.ErrTimeout) {
				continue
			}
			if errors.Is(err, scard.ErrCancelled) || ctx.Err() != nil {
				return
			}
			logging.Warn(logging.CatReader, "GetStatusChange failed", map[string]any{
				"reader": name,
				"error":  err.Error(),
			})
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.opts.interval()):
			}
			continue
		}

		event := states[0].EventState
		states[0].CurrentState = event &^ scard.StateChanged
		switch {
		case event&scard.StatePresent != 0:
			r.connect(sc, name)
		case event&scard.StateEmpty != 0:
			r.dropCard()
		}
	}
}

func (r *PCSCReader) connect(sc SmartCardContext, name string) {
	r.mu.Lock()
	if r.card != nil {
		r.mu.Unlock()
		return
	}
	card, err := sc.Connect(name, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		r.mu.Unlock()
		logging.Debug(logging.CatReader, "Connect failed", map[string]any{
			"reader": name,
			"error":  err.Error(),
		})
		return
	}
	status, err := card.Status()
	if err != nil {
		card.Disconnect(scard.LeaveCard)
		r.mu.Unlock()
		return
	}
	r.card = card
	r.mu.Unlock()

	tag := tagTypeFromATR(status.Atr)
	logging.Info(logging.CatReader, "Card connected", map[string]any{
		"reader": name,
		"atr":    hexString(status.Atr),
		"tag":    tag.String(),
	})
	r.tags.emit(tag)
}

func (r *PCSCReader) dropCard() {
	r.mu.Lock()
	card := r.card
	r.card = nil
	r.mu.Unlock()
	if card == nil {
		return
	}
	card.Disconnect(scard.LeaveCard)
	r.tags.emit(session.TagNone)
}

func (r *PCSCReader) CloseSession() error {
	r.mu.Lock()
	sc, cancel, done := r.sc, r.cancel, r.done
	r.sc, r.cancel, r.done = nil, nil, nil
	r.mu.Unlock()
	if sc == nil {
		return nil
	}

	cancel()
	sc.Cancel()
	<-done

	r.mu.Lock()
	card := r.card
	r.card = nil
	r.mu.Unlock()
	if card != nil {
		// resetting drops the card's session key along with the connection
		card.Disconnect(scard.ResetCard)
	}
	if err := sc.Release(); err != nil {
		return sdkerr.Reader("CloseSession", err)
	}
	return nil
}

func (r *PCSCReader) TransceiveApdu(ctx context.Context, cmd *apdu.CommandApdu) (*apdu.ResponseApdu, error) {
	const op = "Transceive"
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cmd.IsExtended() && !r.opts.ExtendedLength {
		return nil, sdkerr.New(sdkerr.CodeExtendedLengthNotSupported, op, "reader is configured without extended length support")
	}

	r.mu.Lock()
	card := r.card
	if card == nil {
		r.mu.Unlock()
		return nil, sdkerr.TagLost(op, nil)
	}
	raw, err := card.Transmit(cmd.Bytes())
	r.mu.Unlock()

	if err != nil {
		if isCardRemoved(err) {
			r.dropCard()
			return nil, sdkerr.TagLost(op, err)
		}
		return nil, sdkerr.Reader(op, err)
	}
	resp, err := apdu.ParseResponse(raw)
	if err != nil {
		return nil, sdkerr.Decoding(op, err)
	}
	if cmd.IsExtended() && resp.SW == apdu.SWWrongLength {
		return nil, sdkerr.New(sdkerr.CodeExtendedLengthNotSupported, op, "reader rejected an extended length frame")
	}
	return resp, nil
}

func isCardRemoved(err error) bool {
	return errors.Is(err, scard.ErrRemovedCard) ||
		errors.Is(err, scard.ErrResetCard) ||
		errors.Is(err, scard.ErrNoSmartcard) ||
		errors.Is(err, scard.ErrUnpoweredCard)
}
