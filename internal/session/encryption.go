package session

import (
	"context"
	"fmt"

	"github.com/SimplyPrint/tangem-agent/internal/apdu"
	"github.com/SimplyPrint/tangem-agent/internal/cardcrypto"
	"github.com/SimplyPrint/tangem-agent/internal/logging"
	"github.com/SimplyPrint/tangem-agent/internal/sdkerr"
	"github.com/SimplyPrint/tangem-agent/internal/tlv"
)

const (
	// ProtocolKeyIterations is the PBKDF2 work factor for the PIN-derived key.
	ProtocolKeyIterations = 50
	protocolKeyLength     = 32
	fastChallengeLength   = 16
)

// encryptionHelper produces our half of the key agreement and combines it
// with the card's half into the shared secret.
type encryptionHelper interface {
	keyA() []byte
	sharedSecret(keyB []byte) ([]byte, error)
}

// fastHelper exchanges random challenges; the secret is their concatenation.
type fastHelper struct {
	challenge []byte
}

func (h *fastHelper) keyA() []byte { return h.challenge }

func (h *fastHelper) sharedSecret(keyB []byte) ([]byte, error) {
	secret := make([]byte, 0, len(h.challenge)+len(keyB))
	secret = append(secret, h.challenge...)
	return append(secret, keyB...), nil
}

// strongHelper runs ECDH on secp256k1 with an ephemeral key.
type strongHelper struct {
	keys *cardcrypto.KeyPair
}

func (h *strongHelper) keyA() []byte { return h.keys.PublicKey }

func (h *strongHelper) sharedSecret(keyB []byte) ([]byte, error) {
	return cardcrypto.SharedSecret(h.keys.PrivateKey, keyB)
}

func newEncryptionHelper(mode EncryptionMode) (encryptionHelper, error) {
	switch mode {
	case EncryptionFast:
		challenge, err := cardcrypto.RandomBytes(fastChallengeLength)
		if err != nil {
			return nil, err
		}
		return &fastHelper{challenge: challenge}, nil
	case EncryptionStrong:
		keys, err := cardcrypto.GenerateKeyPair(cardcrypto.Secp256k1)
		if err != nil {
			return nil, err
		}
		return &strongHelper{keys: keys}, nil
	}
	return nil, fmt.Errorf("no key agreement for encryption mode %s", mode)
}

// DeriveSessionKey combines a shared secret with the PIN1-derived protocol key:
// sha256(secret || pbkdf2(sha256(pin1), uid, 50, 32)).
func DeriveSessionKey(secret, pin1Hash, uid []byte) []byte {
	protocolKey := cardcrypto.PBKDF2(pin1Hash, uid, ProtocolKeyIterations, protocolKeyLength)
	return cardcrypto.SHA256(secret, protocolKey)
}

// establishEncryption runs the OpenSession handshake for the current mode and
// stores the session key. The key is discarded if the tag changed meanwhile.
func (s *Session) establishEncryption(ctx context.Context) error {
	const op = "OpenSession"

	if _, err := s.waitForTag(ctx); err != nil {
		return err
	}
	gen := s.connectionGeneration()
	mode, _ := s.encryptionState()
	if mode == EncryptionNone {
		return nil
	}

	helper, err := newEncryptionHelper(mode)
	if err != nil {
		return sdkerr.Wrap(sdkerr.CodeEncryptionFailed, op, err)
	}
	cmd, err := apdu.NewTLVCommand(apdu.InsOpenSession, []tlv.TLV{{Tag: tlv.TagSessionKeyA, Value: helper.keyA()}})
	if err != nil {
		return sdkerr.Serialization(op, err)
	}

	resp, err := s.exchange(ctx, cmd, mode, nil)
	if err != nil {
		return err
	}
	if err := resp.SW.Err(op); err != nil {
		return err
	}
	items, err := resp.TLVs()
	if err != nil {
		return sdkerr.Decoding(op, err)
	}
	keyB, err := items.Bytes(tlv.TagSessionKeyB)
	if err != nil {
		return sdkerr.Decoding(op, err)
	}
	uid, err := items.Bytes(tlv.TagUID)
	if err != nil {
		return sdkerr.Decoding(op, err)
	}
	secret, err := helper.sharedSecret(keyB)
	if err != nil {
		return sdkerr.Wrap(sdkerr.CodeEncryptionFailed, op, err)
	}
	key := DeriveSessionKey(secret, s.env.Pin1Hash(), uid)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen || s.tag == TagNone {
		return sdkerr.TagLost(op, nil)
	}
	s.env.EncryptionKey = key
	logging.Debug(logging.CatCrypto, "Encryption established", map[string]any{
		"session": s.ID,
		"mode":    mode.String(),
	})
	return nil
}

// tryHandleError recovers from a NeedEncryption status by escalating the
// encryption mode and running a fresh handshake. A nil return means the
// failed command should be retried. At Strong there is nothing left to try
// and the original error is returned.
func (s *Session) tryHandleError(ctx context.Context, err error) error {
	s.mu.Lock()
	current := s.env.EncryptionMode
	next, ok := current.next()
	if !ok {
		s.mu.Unlock()
		logging.Warn(logging.CatCrypto, "Card still requires encryption at strongest mode", map[string]any{"session": s.ID})
		return err
	}
	s.env.EncryptionMode = next
	s.env.EncryptionKey = nil
	s.mu.Unlock()

	logging.Info(logging.CatCrypto, "Escalating encryption", map[string]any{
		"session": s.ID,
		"from":    current.String(),
		"to":      next.String(),
	})
	return s.establishEncryption(ctx)
}
