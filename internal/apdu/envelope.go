package apdu

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/SimplyPrint/tangem-agent/internal/cardcrypto"
)

// ErrChecksum is returned when a decrypted payload fails its CRC check.
var ErrChecksum = errors.New("apdu: payload checksum mismatch")

// minEncryptedLength is one AES block; shorter payloads are never encrypted.
const minEncryptedLength = 16

// maxEnvelopeLength is the largest payload the two-byte length prefix can declare.
const maxEnvelopeLength = 0xFFFF

// seal prefixes data with its length and checksum and encrypts the result.
func seal(key, data []byte) ([]byte, error) {
	if len(data) > maxEnvelopeLength {
		return nil, fmt.Errorf("payload of %d bytes exceeds %d", len(data), maxEnvelopeLength)
	}
	plain := make([]byte, 0, len(data)+4)
	plain = binary.BigEndian.AppendUint16(plain, uint16(len(data)))
	plain = append(plain, CRC16(data)...)
	plain = append(plain, data...)
	return cardcrypto.EncryptAES(key, plain)
}

// Encrypt returns a copy of c whose data is wrapped for an established session:
// length (2 bytes, big endian) || CRC-16/A of the data || data, AES-CBC encrypted.
func (c *CommandApdu) Encrypt(key []byte) (*CommandApdu, error) {
	if len(key) == 0 || len(c.Data) == 0 {
		cp := *c
		return &cp, nil
	}
	enc, err := seal(key, c.Data)
	if err != nil {
		return nil, fmt.Errorf("apdu: encrypt %s: %w", c.INS, err)
	}
	cp := *c
	cp.Data = enc
	return &cp, nil
}

// Decrypt reverses Encrypt on a command. Used by card emulation.
func (c *CommandApdu) Decrypt(key []byte) (*CommandApdu, error) {
	if len(key) == 0 || len(c.Data) == 0 {
		cp := *c
		return &cp, nil
	}
	data, err := open(key, c.Data)
	if err != nil {
		return nil, fmt.Errorf("apdu: decrypt %s: %w", c.INS, err)
	}
	cp := *c
	cp.Data = data
	return &cp, nil
}

// Decrypt returns a copy of r with its payload unwrapped. Payloads shorter than
// one cipher block and security-delay responses are sent in the clear.
func (r *ResponseApdu) Decrypt(key []byte) (*ResponseApdu, error) {
	if len(key) == 0 || len(r.Data) < minEncryptedLength || r.SW == SWNeedPause {
		cp := *r
		return &cp, nil
	}
	data, err := open(key, r.Data)
	if err != nil {
		return nil, fmt.Errorf("apdu: decrypt response: %w", err)
	}
	return &ResponseApdu{Data: data, SW: r.SW}, nil
}

// Encrypt wraps a response payload. Used by card emulation.
func (r *ResponseApdu) Encrypt(key []byte) (*ResponseApdu, error) {
	if len(key) == 0 || len(r.Data) == 0 || r.SW == SWNeedPause {
		cp := *r
		return &cp, nil
	}
	enc, err := seal(key, r.Data)
	if err != nil {
		return nil, fmt.Errorf("apdu: encrypt response: %w", err)
	}
	return &ResponseApdu{Data: enc, SW: r.SW}, nil
}

func open(key, enc []byte) ([]byte, error) {
	plain, err := cardcrypto.DecryptAES(key, enc)
	if err != nil {
		return nil, err
	}
	if len(plain) < 4 {
		return nil, fmt.Errorf("decrypted payload too short (%d bytes)", len(plain))
	}
	n := int(binary.BigEndian.Uint16(plain[:2]))
	if len(plain) < 4+n {
		return nil, fmt.Errorf("declared length %d exceeds payload", n)
	}
	data := plain[4 : 4+n]
	crc := CRC16(data)
	if crc[0] != plain[2] || crc[1] != plain[3] {
		return nil, ErrChecksum
	}
	return data, nil
}

// CRC16 computes the ISO/IEC 14443-3 type A checksum (initial value 0x6363),
// returned low byte first as it appears on the wire.
func CRC16(data []byte) []byte {
	crc := uint16(0x6363)
	for _, b := range data {
		ch := b ^ byte(crc)
		ch ^= ch << 4
		crc = (crc >> 8) ^ uint16(ch)<<8 ^ uint16(ch)<<3 ^ uint16(ch)>>4
	}
	return []byte{byte(crc), byte(crc >> 8)}
}
