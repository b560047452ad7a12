// Package apdu models the ISO 7816-4 frames exchanged with a Tangem card and
// the envelope used once a session key has been negotiated.
package apdu

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/SimplyPrint/tangem-agent/internal/tlv"
)

// Instruction is the INS byte of a Tangem command.
type Instruction byte

const (
	InsRead            Instruction = 0xF2
	InsVerifyCard      Instruction = 0xF3
	InsValidateCard    Instruction = 0xF4
	InsVerifyCode      Instruction = 0xF5
	InsWriteIssuerData Instruction = 0xF0
	InsPersonalize     Instruction = 0xF1
	InsReadIssuerData  Instruction = 0xF6
	InsCreateWallet    Instruction = 0xF8
	InsCheckWallet     Instruction = 0xF9
	InsSetPin          Instruction = 0xFA
	InsSign            Instruction = 0xFB
	InsPurgeWallet     Instruction = 0xFC
	InsActivate        Instruction = 0xFE
	InsOpenSession     Instruction = 0xFF
	InsWriteUserData   Instruction = 0xE0
	InsReadUserData    Instruction = 0xE1
	InsDepersonalize   Instruction = 0xE3
)

var insNames = map[Instruction]string{
	InsRead:            "Read",
	InsVerifyCard:      "VerifyCard",
	InsValidateCard:    "ValidateCard",
	InsVerifyCode:      "VerifyCode",
	InsWriteIssuerData: "WriteIssuerData",
	InsPersonalize:     "Personalize",
	InsReadIssuerData:  "ReadIssuerData",
	InsCreateWallet:    "CreateWallet",
	InsCheckWallet:     "CheckWallet",
	InsSetPin:          "SetPin",
	InsSign:            "Sign",
	InsPurgeWallet:     "PurgeWallet",
	InsActivate:        "Activate",
	InsOpenSession:     "OpenSession",
	InsWriteUserData:   "WriteUserData",
	InsReadUserData:    "ReadUserData",
	InsDepersonalize:   "Depersonalize",
}

func (i Instruction) String() string {
	if name, ok := insNames[i]; ok {
		return name
	}
	return fmt.Sprintf("INS(0x%02X)", byte(i))
}

const (
	// ClaTangem is the class byte of every Tangem command.
	ClaTangem byte = 0x00
	// MaxShortData is the largest payload that fits a short (non-extended) frame.
	MaxShortData = 255
)

// CommandApdu is a command frame. P1 carries the session encryption mode.
type CommandApdu struct {
	CLA  byte
	INS  Instruction
	P1   byte
	P2   byte
	Data []byte
	Le   int // -1 means no Le field
}

// NewCommand builds a Tangem command with no Le.
func NewCommand(ins Instruction, data []byte) *CommandApdu {
	return &CommandApdu{CLA: ClaTangem, INS: ins, Data: data, Le: -1}
}

// NewTLVCommand encodes items and wraps them in a command.
func NewTLVCommand(ins Instruction, items []tlv.TLV) (*CommandApdu, error) {
	data, err := tlv.Encode(items...)
	if err != nil {
		return nil, err
	}
	return NewCommand(ins, data), nil
}

// IsExtended reports whether the frame needs extended length encoding.
func (c *CommandApdu) IsExtended() bool {
	return len(c.Data) > MaxShortData || c.Le > 256
}

// Bytes serializes the frame, choosing short or extended Lc by payload size.
func (c *CommandApdu) Bytes() []byte {
	out := []byte{c.CLA, byte(c.INS), c.P1, c.P2}
	extended := c.IsExtended()
	if n := len(c.Data); n > 0 {
		if extended {
			out = append(out, 0x00, byte(n>>8), byte(n))
		} else {
			out = append(out, byte(n))
		}
		out = append(out, c.Data...)
	}
	if c.Le >= 0 {
		switch {
		case !extended:
			out = append(out, byte(c.Le))
		case len(c.Data) > 0:
			out = append(out, byte(c.Le>>8), byte(c.Le))
		default:
			out = append(out, 0x00, byte(c.Le>>8), byte(c.Le))
		}
	}
	return out
}

func (c *CommandApdu) String() string {
	return fmt.Sprintf("%s P1=%02X [%d bytes]", c.INS, c.P1, len(c.Data))
}

// ParseCommand decodes a serialized command frame. Used by card emulation.
func ParseCommand(raw []byte) (*CommandApdu, error) {
	if len(raw) < 4 {
		return nil, fmt.Errorf("apdu: command too short (%d bytes)", len(raw))
	}
	c := &CommandApdu{CLA: raw[0], INS: Instruction(raw[1]), P1: raw[2], P2: raw[3], Le: -1}
	body := raw[4:]
	switch {
	case len(body) == 0:
	case len(body) == 1:
		c.Le = int(body[0])
	case body[0] == 0x00 && len(body) >= 3:
		n := int(binary.BigEndian.Uint16(body[1:3]))
		if len(body) < 3+n {
			return nil, fmt.Errorf("apdu: extended Lc %d exceeds frame", n)
		}
		c.Data = body[3 : 3+n]
		if rest := body[3+n:]; len(rest) == 2 {
			c.Le = int(binary.BigEndian.Uint16(rest))
		}
	default:
		n := int(body[0])
		if len(body) < 1+n {
			return nil, fmt.Errorf("apdu: Lc %d exceeds frame", n)
		}
		c.Data = body[1 : 1+n]
		if rest := body[1+n:]; len(rest) == 1 {
			c.Le = int(rest[0])
		}
	}
	return c, nil
}

// ResponseApdu is a response frame split into payload and status word.
type ResponseApdu struct {
	Data []byte
	SW   StatusWord
}

// ParseResponse splits a raw response into data and status word.
func ParseResponse(raw []byte) (*ResponseApdu, error) {
	if len(raw) < 2 {
		return nil, fmt.Errorf("apdu: response too short (%d bytes)", len(raw))
	}
	n := len(raw) - 2
	data := make([]byte, n)
	copy(data, raw[:n])
	return &ResponseApdu{Data: data, SW: StatusWord(binary.BigEndian.Uint16(raw[n:]))}, nil
}

// NewResponse builds a response from TLV items and a status word.
func NewResponse(sw StatusWord, items ...tlv.TLV) (*ResponseApdu, error) {
	data, err := tlv.Encode(items...)
	if err != nil {
		return nil, err
	}
	return &ResponseApdu{Data: data, SW: sw}, nil
}

// Bytes serializes the response with the status word appended.
func (r *ResponseApdu) Bytes() []byte {
	out := make([]byte, len(r.Data), len(r.Data)+2)
	copy(out, r.Data)
	return binary.BigEndian.AppendUint16(out, uint16(r.SW))
}

// TLVs decodes the response payload.
func (r *ResponseApdu) TLVs() (tlv.List, error) {
	return tlv.Decode(r.Data)
}

func (r *ResponseApdu) String() string {
	return fmt.Sprintf("%s [%d bytes] %s", r.SW, len(r.Data), strings.ToUpper(hex.EncodeToString(r.Data)))
}
