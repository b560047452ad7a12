package storage

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/SimplyPrint/tangem-agent/internal/cardcrypto"
)

func TestLoadGeneratesOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", keyFileName)

	first, err := NewTerminalKeyStore(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if first.Curve != cardcrypto.Secp256k1 || len(first.PublicKey) != 65 {
		t.Errorf("unexpected key pair %s", first)
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatal(err)
		}
		if perm := info.Mode().Perm(); perm != 0600 {
			t.Errorf("key file mode = %o, want 600", perm)
		}
	}

	second, err := NewTerminalKeyStore(path).Load()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !first.Equal(second) {
		t.Error("reloaded keys differ from the generated ones")
	}
}

func TestReset(t *testing.T) {
	path := filepath.Join(t.TempDir(), keyFileName)
	store := NewTerminalKeyStore(path)

	before := store.GetKeys()
	if before == nil {
		t.Fatal("GetKeys returned nil")
	}
	after, err := store.Reset()
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if before.Equal(after) {
		t.Error("Reset kept the old keys")
	}
	reloaded, err := NewTerminalKeyStore(path).Load()
	if err != nil {
		t.Fatal(err)
	}
	if !reloaded.Equal(after) {
		t.Error("Reset did not persist the new keys")
	}
}

func TestDecodeKeysRejects(t *testing.T) {
	keys, err := cardcrypto.GenerateKeyPair(cardcrypto.Secp256k1)
	if err != nil {
		t.Fatal(err)
	}
	valid, err := encodeKeys(keys, time.Unix(1700000000, 0))
	if err != nil {
		t.Fatal(err)
	}
	extraField, _ := cbor.Marshal(map[int]any{1: 1, 2: "secp256k1", 3: keys.PrivateKey, 4: 0, 9: "x"})
	wrongFormat, _ := cbor.Marshal(map[int]any{1: 2, 2: "secp256k1", 3: keys.PrivateKey})
	badCurve, _ := cbor.Marshal(map[int]any{1: 1, 2: "p256", 3: keys.PrivateKey})
	shortKey, _ := cbor.Marshal(map[int]any{1: 1, 2: "ed25519", 3: []byte{1, 2, 3}})

	tests := []struct {
		name string
		data []byte
		ok   bool
	}{
		{"valid", valid, true},
		{"garbage", []byte{0xFF, 0x00}, false},
		{"unknown field", extraField, false},
		{"wrong format", wrongFormat, false},
		{"unknown curve", badCurve, false},
		{"short ed25519 seed", shortKey, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeKeys(tt.data)
			if (err == nil) != tt.ok {
				t.Fatalf("err = %v, want ok=%v", err, tt.ok)
			}
			if tt.ok && !got.Equal(keys) {
				t.Error("decoded keys differ")
			}
		})
	}
}

func TestCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), keyFileName)
	if err := os.WriteFile(path, []byte("not cbor"), 0600); err != nil {
		t.Fatal(err)
	}
	store := NewTerminalKeyStore(path)
	if _, err := store.Load(); err == nil {
		t.Fatal("expected an error for a corrupt key file")
	}
	if store.GetKeys() != nil {
		t.Error("GetKeys returned keys for a corrupt file")
	}
}
