// Package cardcrypto holds the key handling and primitives used to talk to
// Tangem cards: secp256k1 and ed25519 signatures, ECDH, and the digests and
// ciphers of the session encryption channel.
package cardcrypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// Curve names an elliptic curve supported by the card.
type Curve string

const (
	Secp256k1 Curve = "secp256k1"
	Ed25519   Curve = "ed25519"
)

// ParseCurve maps the card's curve identifier to a Curve.
func ParseCurve(s string) (Curve, error) {
	switch Curve(strings.ToLower(strings.TrimRight(s, "\x00"))) {
	case Secp256k1:
		return Secp256k1, nil
	case Ed25519:
		return Ed25519, nil
	}
	return "", fmt.Errorf("unsupported curve %q", s)
}

// ErrInvalidKey is returned for private or public keys that do not parse on their curve.
var ErrInvalidKey = errors.New("cardcrypto: invalid key")

// KeyPair is a private key and its public key on one curve. Secp256k1 public
// keys are 65-byte uncompressed points; ed25519 public keys are 32 bytes.
type KeyPair struct {
	PublicKey  []byte
	PrivateKey []byte
	Curve      Curve
}

// String hides the private key.
func (k *KeyPair) String() string {
	if k == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s:%s", k.Curve, strings.ToUpper(hex.EncodeToString(k.PublicKey)))
}

// Equal compares both halves of two key pairs.
func (k *KeyPair) Equal(other *KeyPair) bool {
	if k == nil || other == nil {
		return k == other
	}
	return k.Curve == other.Curve &&
		bytes.Equal(k.PublicKey, other.PublicKey) &&
		bytes.Equal(k.PrivateKey, other.PrivateKey)
}

// NewKeyPair derives the public key for priv. The result is deterministic.
func NewKeyPair(priv []byte, curve Curve) (*KeyPair, error) {
	switch curve {
	case Secp256k1:
		key, err := crypto.ToECDSA(priv)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		return &KeyPair{
			PublicKey:  crypto.FromECDSAPub(&key.PublicKey),
			PrivateKey: crypto.FromECDSA(key),
			Curve:      Secp256k1,
		}, nil
	case Ed25519:
		if len(priv) != ed25519.SeedSize {
			return nil, fmt.Errorf("%w: ed25519 seed must be %d bytes", ErrInvalidKey, ed25519.SeedSize)
		}
		key := ed25519.NewKeyFromSeed(priv)
		seed := make([]byte, ed25519.SeedSize)
		copy(seed, priv)
		return &KeyPair{
			PublicKey:  []byte(key.Public().(ed25519.PublicKey)),
			PrivateKey: seed,
			Curve:      Ed25519,
		}, nil
	}
	return nil, fmt.Errorf("unsupported curve %q", curve)
}

// GenerateKeyPair creates a random key pair on curve.
func GenerateKeyPair(curve Curve) (*KeyPair, error) {
	switch curve {
	case Secp256k1:
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, err
		}
		return NewKeyPair(crypto.FromECDSA(key), Secp256k1)
	case Ed25519:
		seed, err := RandomBytes(ed25519.SeedSize)
		if err != nil {
			return nil, err
		}
		return NewKeyPair(seed, Ed25519)
	}
	return nil, fmt.Errorf("unsupported curve %q", curve)
}

// RandomBytes returns n bytes from crypto/rand.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}
