package cardsim

import (
	"context"
	"sync"

	"github.com/SimplyPrint/tangem-agent/internal/apdu"
	"github.com/SimplyPrint/tangem-agent/internal/logging"
	"github.com/SimplyPrint/tangem-agent/internal/sdkerr"
	"github.com/SimplyPrint/tangem-agent/internal/session"
)

const tagBuffer = 16

// Reader is an in-memory session.CardReader. Cards are put into and taken
// out of the field with Tap and Remove.
type Reader struct {
	mu       sync.Mutex
	card     *Card
	tag      session.TagType
	tags     chan session.TagType
	active   bool
	extended bool
	hook     func(cmd *apdu.CommandApdu) error
	sessions int
	frames   int
}

// NewReader returns a reader supporting extended-length frames with an empty field.
func NewReader() *Reader {
	return &Reader{
		extended: true,
		tags:     make(chan session.TagType, tagBuffer),
	}
}

// SetExtendedLength controls whether frames over 255 data bytes are accepted.
func (r *Reader) SetExtendedLength(supported bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extended = supported
}

// OnTransceive installs a hook run before every exchange. A non-nil error
// from the hook is returned in place of the card's response. The hook may
// call Tap or Remove.
func (r *Reader) OnTransceive(hook func(cmd *apdu.CommandApdu) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hook = hook
}

// Tap brings c into the field. A card already present is replaced.
func (r *Reader) Tap(c *Card) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.card != nil && r.card != c {
		r.card.Reset()
		r.emitLocked(session.TagNone)
	}
	c.Reset()
	r.card = c
	r.tag = session.TagNfc
	r.emitLocked(session.TagNfc)
}

// TapSlix brings an NFC-V tag into the field. It carries no APDUs.
func (r *Reader) TapSlix() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.card != nil {
		r.card.Reset()
	}
	r.card = nil
	r.tag = session.TagSlix
	r.emitLocked(session.TagSlix)
}

// Remove takes whatever is in the field out of it.
func (r *Reader) Remove() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tag == session.TagNone {
		return
	}
	if r.card != nil {
		r.card.Reset()
	}
	r.card = nil
	r.tag = session.TagNone
	r.emitLocked(session.TagNone)
}

// Sessions returns how many times StartSession was called.
func (r *Reader) Sessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions
}

// Frames returns how many frames reached the card.
func (r *Reader) Frames() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames
}

func (r *Reader) emitLocked(t session.TagType) {
	if !r.active {
		return
	}
	select {
	case r.tags <- t:
	default:
		logging.Warn(logging.CatReader, "Emulator tag event dropped", map[string]any{"tag": t.String()})
	}
}

func (r *Reader) Tags() <-chan session.TagType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tags
}

// StartSession opens a fresh tag stream and reports a tag already in the field.
func (r *Reader) StartSession(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tags = make(chan session.TagType, tagBuffer)
	r.active = true
	r.sessions++
	if r.tag != session.TagNone {
		r.emitLocked(r.tag)
	}
	return nil
}

// CloseSession stops tag events. The card stays in the field.
func (r *Reader) CloseSession() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = false
	if r.card != nil {
		r.card.Reset()
	}
	return nil
}

func (r *Reader) TransceiveApdu(ctx context.Context, cmd *apdu.CommandApdu) (*apdu.ResponseApdu, error) {
	const op = "Transceive"
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	hook := r.hook
	r.mu.Unlock()
	if hook != nil {
		if err := hook(cmd); err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	c, extended := r.card, r.extended
	if c != nil {
		r.frames++
	}
	r.mu.Unlock()

	if c == nil {
		return nil, sdkerr.TagLost(op, nil)
	}
	if cmd.IsExtended() && !extended {
		return nil, sdkerr.New(sdkerr.CodeExtendedLengthNotSupported, op, "reader does not support extended length frames")
	}
	raw, err := c.Transmit(cmd.Bytes())
	if err != nil {
		return nil, sdkerr.Reader(op, err)
	}
	return apdu.ParseResponse(raw)
}
