package cardcrypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// SignatureSize is the length of a card signature on either curve: R||S for
// secp256k1, the raw signature for ed25519.
const SignatureSize = 64

// Sign signs data with priv. Secp256k1 signs sha256(data); ed25519 signs data directly.
func Sign(data, priv []byte, curve Curve) ([]byte, error) {
	switch curve {
	case Secp256k1:
		key, err := crypto.ToECDSA(priv)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		digest := sha256.Sum256(data)
		sig, err := crypto.Sign(digest[:], key)
		if err != nil {
			return nil, err
		}
		return sig[:SignatureSize], nil
	case Ed25519:
		if len(priv) != ed25519.SeedSize {
			return nil, ErrInvalidKey
		}
		return ed25519.Sign(ed25519.NewKeyFromSeed(priv), data), nil
	}
	return nil, fmt.Errorf("unsupported curve %q", curve)
}

// SignHash signs a precomputed 32-byte digest with a secp256k1 key.
func SignHash(hash, priv []byte) ([]byte, error) {
	key, err := crypto.ToECDSA(priv)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	sig, err := crypto.Sign(hash, key)
	if err != nil {
		return nil, err
	}
	return sig[:SignatureSize], nil
}

// Verify checks sig over data against pub, hashing the same way Sign does.
func Verify(pub, data, sig []byte, curve Curve) bool {
	switch curve {
	case Secp256k1:
		digest := sha256.Sum256(data)
		return VerifyHash(pub, digest[:], sig)
	case Ed25519:
		if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
			return false
		}
		return ed25519.Verify(ed25519.PublicKey(pub), data, sig)
	}
	return false
}

// VerifyHash checks a secp256k1 signature over a precomputed digest.
func VerifyHash(pub, hash, sig []byte) bool {
	if len(sig) < SignatureSize || len(hash) != 32 {
		return false
	}
	return crypto.VerifySignature(pub, hash, sig[:SignatureSize])
}
