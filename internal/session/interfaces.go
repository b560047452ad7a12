package session

import (
	"context"
	"time"

	"github.com/SimplyPrint/tangem-agent/internal/apdu"
)

// TagType is a tag-presence event from the reader.
type TagType int

const (
	TagNone TagType = iota // tag removed
	TagNfc                 // ISO 14443-4 card
	TagSlix                // NFC-V tag, no APDU transport
)

func (t TagType) String() string {
	switch t {
	case TagNone:
		return "none"
	case TagNfc:
		return "nfc"
	case TagSlix:
		return "slix"
	}
	return "unknown"
}

// CardReader is the NFC transport a session runs over.
//
// Tags is valid between StartSession and CloseSession. The reader sends a
// TagNfc or TagSlix event when a tag comes into the field and TagNone when
// it leaves. TransceiveApdu should return sdkerr TagLost when the tag leaves
// mid-exchange and ExtendedLengthNotSupported when the frame is too long for
// the reader.
type CardReader interface {
	Tags() <-chan TagType
	StartSession(ctx context.Context) error
	CloseSession() error
	TransceiveApdu(ctx context.Context, cmd *apdu.CommandApdu) (*apdu.ResponseApdu, error)
}

// Message is optional text a UI shows while the session runs.
type Message struct {
	Header string `json:"header,omitempty"`
	Body   string `json:"body,omitempty"`
}

// PinKind identifies which PIN a delegate is asked for.
type PinKind int

const (
	PinKindPin1 PinKind = 1
	PinKindPin2 PinKind = 2
)

// Delegate receives session events. Calls may come from the tag watcher
// goroutine and the operation goroutine, so implementations must be safe for
// concurrent use. OnSessionStarted is always first; exactly one of
// OnSessionStopped or OnError is last.
type Delegate interface {
	OnSessionStarted(cardID string, message *Message)
	OnSecurityDelay(remaining time.Duration)
	OnTagConnected()
	OnTagLost()
	OnWrongCard()
	OnSessionStopped(message *Message)
	OnError(err error)
	// RequestPIN asks the user for a PIN. Returning an error or "" keeps the current PIN.
	RequestPIN(ctx context.Context, kind PinKind) (string, error)
}

// NopDelegate ignores every event. Embed it to implement a subset.
type NopDelegate struct{}

func (NopDelegate) OnSessionStarted(string, *Message) {}
func (NopDelegate) OnSecurityDelay(time.Duration)     {}
func (NopDelegate) OnTagConnected()                   {}
func (NopDelegate) OnTagLost()                        {}
func (NopDelegate) OnWrongCard()                      {}
func (NopDelegate) OnSessionStopped(*Message)         {}
func (NopDelegate) OnError(error)                     {}

func (NopDelegate) RequestPIN(context.Context, PinKind) (string, error) {
	return "", nil
}
