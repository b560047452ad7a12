// Package reader provides session.CardReader implementations for PC/SC and
// libnfc devices.
package reader

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/SimplyPrint/tangem-agent/internal/logging"
	"github.com/SimplyPrint/tangem-agent/internal/session"
)

// Backend names accepted in the configuration.
const (
	BackendPCSC     = "pcsc"
	BackendLibNFC   = "libnfc"
	BackendEmulator = "emulator"
)

// DefaultPollInterval is how often a reader checks the field for a card.
const DefaultPollInterval = 250 * time.Millisecond

// Options configure a hardware reader.
type Options struct {
	// Name selects the reader. For PC/SC it is matched against reader names,
	// for libnfc it is the connection string. Empty picks the first device.
	Name           string
	PollInterval   time.Duration
	ExtendedLength bool
}

func (o Options) interval() time.Duration {
	if o.PollInterval <= 0 {
		return DefaultPollInterval
	}
	return o.PollInterval
}

// Info describes an attached reader.
type Info struct {
	Name    string `json:"name"`
	Backend string `json:"backend"`
}

// ISO 15693 cards report this sequence in the PC/SC ATR historical bytes.
var iso15693ATR = []byte{0x03, 0x06, 0x0B}

// tagTypeFromATR classifies a PC/SC ATR. Anything that is not ISO 15693 is
// treated as an ISO 14443 card.
func tagTypeFromATR(atr []byte) session.TagType {
	if len(atr) >= 15 && (atr[0] == 0x3B) && (atr[1] == 0x8F || atr[1] == 0x8B) && bytes.Contains(atr, iso15693ATR) {
		return session.TagSlix
	}
	return session.TagNfc
}

// tagStream delivers tag changes to the running session. Events are only
// sent when the tag actually changes. When nobody reads them the backlog is
// collapsed into a loss, if one happened, followed by the latest tag.
type tagStream struct {
	name string

	mu      sync.Mutex
	ch      chan session.TagType
	current session.TagType
}

func (t *tagStream) open(name string) <-chan session.TagType {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.name = name
	t.ch = make(chan session.TagType, 8)
	t.current = session.TagNone
	return t.ch
}

func (t *tagStream) channel() <-chan session.TagType {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ch == nil {
		t.ch = make(chan session.TagType, 8)
	}
	return t.ch
}

func (t *tagStream) emit(tag session.TagType) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tag == t.current || t.ch == nil {
		return
	}
	t.current = tag
	select {
	case t.ch <- tag:
		logging.Debug(logging.CatReader, "Tag changed", map[string]any{
			"reader": t.name,
			"tag":    tag.String(),
		})
		return
	default:
	}

	// t.mu serializes senders, so after draining both sends fit.
	lost := tag == session.TagNone
	dropped := 0
drain:
	for {
		select {
		case old := <-t.ch:
			dropped++
			if old == session.TagNone {
				lost = true
			}
		default:
			break drain
		}
	}
	if lost {
		t.ch <- session.TagNone
	}
	if tag != session.TagNone {
		t.ch <- tag
	}
	logging.Warn(logging.CatReader, "Tag events coalesced", map[string]any{
		"reader":  t.name,
		"tag":     tag.String(),
		"dropped": dropped,
	})
}

func hexString(uid []byte) string {
	return fmt.Sprintf("%X", uid)
}
