package cardcrypto

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"
)

func TestKnownDigests(t *testing.T) {
	got := hex.EncodeToString(SHA256([]byte("a"), []byte("bc")))
	if got != "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad" {
		t.Errorf("SHA256(abc) = %s", got)
	}

	got = hex.EncodeToString(PBKDF2([]byte("password"), []byte("salt"), 1, 32))
	if got != "120fb6cffcf8b32c43e7225256c4f837a86548c92ccc35480805987cb70be17b" {
		t.Errorf("PBKDF2 = %s", got)
	}
}

func TestNewKeyPairDeterministic(t *testing.T) {
	for _, curve := range []Curve{Secp256k1, Ed25519} {
		t.Run(string(curve), func(t *testing.T) {
			priv := bytes.Repeat([]byte{0x11}, 32)
			a, err := NewKeyPair(priv, curve)
			if err != nil {
				t.Fatalf("NewKeyPair() error = %v", err)
			}
			b, err := NewKeyPair(priv, curve)
			if err != nil {
				t.Fatalf("NewKeyPair() error = %v", err)
			}
			if !a.Equal(b) {
				t.Error("same private key produced different key pairs")
			}
			wantLen := 65
			if curve == Ed25519 {
				wantLen = 32
			}
			if len(a.PublicKey) != wantLen {
				t.Errorf("public key length = %d, want %d", len(a.PublicKey), wantLen)
			}
		})
	}
}

func TestNewKeyPairRejectsBadKeys(t *testing.T) {
	tests := []struct {
		name  string
		priv  []byte
		curve Curve
	}{
		{"secp256k1 zero", make([]byte, 32), Secp256k1},
		{"secp256k1 short", []byte{1, 2, 3}, Secp256k1},
		{"ed25519 short", []byte{1, 2, 3}, Ed25519},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewKeyPair(tt.priv, tt.curve); !errors.Is(err, ErrInvalidKey) {
				t.Errorf("NewKeyPair() error = %v, want ErrInvalidKey", err)
			}
		})
	}
}

func TestSignVerify(t *testing.T) {
	data := []byte("issuer data payload")
	for _, curve := range []Curve{Secp256k1, Ed25519} {
		t.Run(string(curve), func(t *testing.T) {
			kp, err := GenerateKeyPair(curve)
			if err != nil {
				t.Fatalf("GenerateKeyPair() error = %v", err)
			}
			sig, err := Sign(data, kp.PrivateKey, curve)
			if err != nil {
				t.Fatalf("Sign() error = %v", err)
			}
			if len(sig) != SignatureSize {
				t.Fatalf("signature length = %d, want %d", len(sig), SignatureSize)
			}
			if !Verify(kp.PublicKey, data, sig, curve) {
				t.Error("Verify() rejected a valid signature")
			}
			if Verify(kp.PublicKey, []byte("tampered"), sig, curve) {
				t.Error("Verify() accepted a signature over different data")
			}
		})
	}
}

func TestSignHash(t *testing.T) {
	kp, err := GenerateKeyPair(Secp256k1)
	if err != nil {
		t.Fatal(err)
	}
	hash := SHA256([]byte("tx"))
	sig, err := SignHash(hash, kp.PrivateKey)
	if err != nil {
		t.Fatalf("SignHash() error = %v", err)
	}
	if !VerifyHash(kp.PublicKey, hash, sig) {
		t.Error("VerifyHash() rejected a valid signature")
	}
	if VerifyHash(kp.PublicKey, hash[:31], sig) {
		t.Error("VerifyHash() accepted a short digest")
	}
}

func TestSharedSecretSymmetric(t *testing.T) {
	a, err := GenerateKeyPair(Secp256k1)
	if err != nil {
		t.Fatal(err)
	}
	b, err := GenerateKeyPair(Secp256k1)
	if err != nil {
		t.Fatal(err)
	}
	ab, err := SharedSecret(a.PrivateKey, b.PublicKey)
	if err != nil {
		t.Fatalf("SharedSecret(a, B) error = %v", err)
	}
	ba, err := SharedSecret(b.PrivateKey, a.PublicKey)
	if err != nil {
		t.Fatalf("SharedSecret(b, A) error = %v", err)
	}
	if len(ab) != 32 || !bytes.Equal(ab, ba) {
		t.Errorf("shared secrets differ: %x vs %x", ab, ba)
	}

	if _, err := SharedSecret(a.PrivateKey, []byte{0x04, 0x01}); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("SharedSecret(bad pub) error = %v, want ErrInvalidKey", err)
	}
}

func TestAESRoundTrip(t *testing.T) {
	key := SHA256([]byte("session"))
	for _, n := range []int{0, 1, 15, 16, 17, 100} {
		plain := bytes.Repeat([]byte{0x42}, n)
		enc, err := EncryptAES(key, plain)
		if err != nil {
			t.Fatalf("EncryptAES(%d bytes) error = %v", n, err)
		}
		if len(enc)%16 != 0 || len(enc) <= n {
			t.Errorf("ciphertext length %d for %d plain bytes", len(enc), n)
		}
		dec, err := DecryptAES(key, enc)
		if err != nil {
			t.Fatalf("DecryptAES() error = %v", err)
		}
		if !bytes.Equal(dec, plain) {
			t.Errorf("round trip of %d bytes changed data", n)
		}
	}
}

func TestDecryptAESErrors(t *testing.T) {
	key := SHA256([]byte("session"))
	if _, err := DecryptAES(key, make([]byte, 15)); err == nil {
		t.Error("DecryptAES() accepted a partial block")
	}
	enc, err := EncryptAES(key, []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecryptAES(SHA256([]byte("other")), enc); !errors.Is(err, ErrBadPadding) {
		// A wrong key almost always yields bad padding; a 1/256 chance of a valid
		// trailing 0x01 is tolerated by also accepting a wrong plaintext.
		dec, _ := DecryptAES(SHA256([]byte("other")), enc)
		if bytes.Equal(dec, []byte("hello")) {
			t.Error("DecryptAES() with the wrong key recovered the plaintext")
		}
	}
}

func TestParseCurve(t *testing.T) {
	tests := []struct {
		in      string
		want    Curve
		wantErr bool
	}{
		{"secp256k1", Secp256k1, false},
		{"ed25519\x00", Ed25519, false},
		{"SECP256K1", Secp256k1, false},
		{"p256", "", true},
	}

	for _, tt := range tests {
		got, err := ParseCurve(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseCurve(%q) = %q, %v", tt.in, got, err)
		}
	}
}
