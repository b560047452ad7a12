package session

import (
	"fmt"

	"github.com/SimplyPrint/tangem-agent/internal/card"
	"github.com/SimplyPrint/tangem-agent/internal/cardcrypto"
)

const (
	DefaultPin1 = "000000"
	DefaultPin2 = "000"
)

// EncryptionMode is the channel protection negotiated with the card. It is
// sent in P1 of every command.
type EncryptionMode byte

const (
	EncryptionNone   EncryptionMode = 0x00
	EncryptionFast   EncryptionMode = 0x01
	EncryptionStrong EncryptionMode = 0x02
)

func (m EncryptionMode) String() string {
	switch m {
	case EncryptionNone:
		return "none"
	case EncryptionFast:
		return "fast"
	case EncryptionStrong:
		return "strong"
	}
	return fmt.Sprintf("mode(%d)", byte(m))
}

// ParseEncryptionMode maps a config string to a mode.
func ParseEncryptionMode(s string) (EncryptionMode, error) {
	switch s {
	case "", "none":
		return EncryptionNone, nil
	case "fast":
		return EncryptionFast, nil
	case "strong":
		return EncryptionStrong, nil
	}
	return EncryptionNone, fmt.Errorf("unknown encryption mode %q", s)
}

// next returns the mode to escalate to; ok is false at Strong.
func (m EncryptionMode) next() (EncryptionMode, bool) {
	switch m {
	case EncryptionNone:
		return EncryptionFast, true
	case EncryptionFast:
		return EncryptionStrong, true
	}
	return m, false
}

// Environment is the per-session mutable state. It is built fresh for each
// session and discarded with it. EncryptionKey is owned by the session and
// must only be read or written through it.
type Environment struct {
	Pin1           string
	Pin2           string
	Card           *card.Card
	TerminalKeys   *cardcrypto.KeyPair
	EncryptionMode EncryptionMode
	EncryptionKey  []byte
	CVC            []byte
}

// NewEnvironment returns an environment with default PINs and no encryption.
func NewEnvironment() *Environment {
	return &Environment{
		Pin1: DefaultPin1,
		Pin2: DefaultPin2,
	}
}

// Pin1Hash is the PIN1 value sent on the wire.
func (e *Environment) Pin1Hash() []byte {
	return cardcrypto.SHA256([]byte(e.Pin1))
}

// Pin2Hash is the PIN2 value sent on the wire.
func (e *Environment) Pin2Hash() []byte {
	return cardcrypto.SHA256([]byte(e.Pin2))
}
