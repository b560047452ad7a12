// Package storage persists the terminal key pair the agent signs with when it
// acts as a linked terminal.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/SimplyPrint/tangem-agent/internal/cardcrypto"
	"github.com/SimplyPrint/tangem-agent/internal/logging"
)

const (
	keyFileName   = "terminal_keys.cbor"
	keyFileFormat = 1
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{Sort: cbor.SortCanonical}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder: %v", err))
	}
	decMode, err = cbor.DecOptions{ExtraReturnErrors: cbor.ExtraDecErrorUnknownField}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder: %v", err))
	}
}

// keyFile is the on-disk layout. Integer keys keep the blob small.
type keyFile struct {
	Format     int    `cbor:"1,keyasint"`
	Curve      string `cbor:"2,keyasint"`
	PrivateKey []byte `cbor:"3,keyasint"`
	CreatedAt  int64  `cbor:"4,keyasint"`
}

// DefaultPath returns the key file location in the user config directory.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "tangem-agent", keyFileName), nil
}

// TerminalKeyStore loads the terminal key pair from disk, generating and
// saving a new secp256k1 pair on first use.
type TerminalKeyStore struct {
	path string

	mu   sync.Mutex
	keys *cardcrypto.KeyPair
}

func NewTerminalKeyStore(path string) *TerminalKeyStore {
	return &TerminalKeyStore{path: path}
}

func (s *TerminalKeyStore) Path() string { return s.path }

// Load returns the stored key pair, creating it when the file does not exist.
func (s *TerminalKeyStore) Load() (*cardcrypto.KeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keys != nil {
		return s.keys, nil
	}

	data, err := os.ReadFile(s.path)
	switch {
	case err == nil:
		keys, err := decodeKeys(data)
		if err != nil {
			return nil, fmt.Errorf("terminal key file %s: %w", s.path, err)
		}
		s.keys = keys
		return keys, nil
	case errors.Is(err, os.ErrNotExist):
		return s.generateLocked()
	default:
		return nil, err
	}
}

// GetKeys returns the key pair, or nil when it cannot be loaded.
func (s *TerminalKeyStore) GetKeys() *cardcrypto.KeyPair {
	keys, err := s.Load()
	if err != nil {
		logging.Error(logging.CatCrypto, "Failed to load terminal keys", map[string]any{
			"path":  s.path,
			"error": err.Error(),
		})
		return nil
	}
	return keys
}

// Reset replaces the key pair. Cards linked to the old pair will no longer
// skip their security delay for this terminal.
func (s *TerminalKeyStore) Reset() (*cardcrypto.KeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = nil
	return s.generateLocked()
}

func (s *TerminalKeyStore) generateLocked() (*cardcrypto.KeyPair, error) {
	keys, err := cardcrypto.GenerateKeyPair(cardcrypto.Secp256k1)
	if err != nil {
		return nil, err
	}
	data, err := encodeKeys(keys, time.Now())
	if err != nil {
		return nil, err
	}
	if err := writeFile(s.path, data); err != nil {
		return nil, err
	}
	s.keys = keys
	logging.Info(logging.CatCrypto, "Generated terminal keys", map[string]any{
		"path":      s.path,
		"publicKey": keys.String(),
	})
	return keys, nil
}

func encodeKeys(keys *cardcrypto.KeyPair, created time.Time) ([]byte, error) {
	return encMode.Marshal(keyFile{
		Format:     keyFileFormat,
		Curve:      string(keys.Curve),
		PrivateKey: keys.PrivateKey,
		CreatedAt:  created.Unix(),
	})
}

func decodeKeys(data []byte) (*cardcrypto.KeyPair, error) {
	var f keyFile
	if err := decMode.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if f.Format != keyFileFormat {
		return nil, fmt.Errorf("unsupported format %d", f.Format)
	}
	curve, err := cardcrypto.ParseCurve(f.Curve)
	if err != nil {
		return nil, err
	}
	return cardcrypto.NewKeyPair(f.PrivateKey, curve)
}

// writeFile replaces path atomically with owner-only permissions.
func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), keyFileName+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
