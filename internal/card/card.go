// Package card holds the snapshot of a Tangem card returned by the Read command.
package card

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/SimplyPrint/tangem-agent/internal/cardcrypto"
	"github.com/SimplyPrint/tangem-agent/internal/tlv"
)

// Status is the wallet lifecycle state reported by the card.
type Status byte

const (
	StatusNotPersonalized Status = 0
	StatusEmpty           Status = 1
	StatusLoaded          Status = 2
	StatusPurged          Status = 3
)

func (s Status) String() string {
	switch s {
	case StatusNotPersonalized:
		return "NotPersonalized"
	case StatusEmpty:
		return "Empty"
	case StatusLoaded:
		return "Loaded"
	case StatusPurged:
		return "Purged"
	}
	return fmt.Sprintf("Status(%d)", byte(s))
}

// MarshalText renders the status by name in JSON output.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Type distinguishes development cards from production cards by firmware build.
type Type string

const (
	TypeSDK     Type = "sdk"
	TypeRelease Type = "release"
	TypeUnknown Type = "unknown"
)

// AllTypes is the default allowed set.
var AllTypes = []Type{TypeSDK, TypeRelease}

// ParseType maps a config string to a Type.
func ParseType(s string) (Type, error) {
	switch Type(strings.ToLower(s)) {
	case TypeSDK:
		return TypeSDK, nil
	case TypeRelease:
		return TypeRelease, nil
	}
	return "", fmt.Errorf("unknown card type %q", s)
}

// TypeFromFirmware derives the card type from the firmware version string:
// "d SDK" marks a development build, "r" a release build.
func TypeFromFirmware(firmware string) Type {
	switch {
	case strings.Contains(firmware, "d SDK"):
		return TypeSDK
	case strings.Contains(firmware, "r"):
		return TypeRelease
	}
	return TypeUnknown
}

// SettingsMask is the bit set of card behaviors fixed at personalization.
type SettingsMask uint32

const (
	IsReusable                                   SettingsMask = 0x0001
	UseActivation                                SettingsMask = 0x0002
	ProhibitPurgeWallet                          SettingsMask = 0x0004
	UseBlock                                     SettingsMask = 0x0008
	AllowSetPIN1                                 SettingsMask = 0x0010
	AllowSetPIN2                                 SettingsMask = 0x0020
	UseCvc                                       SettingsMask = 0x0040
	ProhibitDefaultPIN1                          SettingsMask = 0x0080
	UseOneCommandAtTime                          SettingsMask = 0x0100
	UseNDEF                                      SettingsMask = 0x0200
	UseDynamicNDEF                               SettingsMask = 0x0400
	SmartSecurityDelay                           SettingsMask = 0x0800
	AllowUnencrypted                             SettingsMask = 0x1000
	AllowFastEncryption                          SettingsMask = 0x2000
	ProtectIssuerDataAgainstReplay               SettingsMask = 0x4000
	AllowSelectBlockchain                        SettingsMask = 0x8000
	DisablePrecomputedNDEF                       SettingsMask = 0x00010000
	SkipSecurityDelayIfValidatedByIssuer         SettingsMask = 0x00020000
	SkipCheckPIN2CVCIfValidatedByIssuer          SettingsMask = 0x00040000
	SkipSecurityDelayIfValidatedByLinkedTerminal SettingsMask = 0x00080000
	RestrictOverwriteIssuerExtraData             SettingsMask = 0x00100000
	RequireTermTxSignature                       SettingsMask = 0x01000000
	RequireTermCertSignature                     SettingsMask = 0x02000000
	CheckPIN3OnCard                              SettingsMask = 0x04000000
)

// Has reports whether all bits of flag are set.
func (m SettingsMask) Has(flag SettingsMask) bool {
	return m&flag == flag
}

// Card is the snapshot read from a card. Optional fields are zero when the
// card did not report them.
type Card struct {
	CardID              string           `json:"cardId"`
	ManufacturerName    string           `json:"manufacturerName"`
	Status              Status           `json:"status"`
	FirmwareVersion     string           `json:"firmwareVersion"`
	CardPublicKey       string           `json:"cardPublicKey,omitempty"`
	SettingsMask        SettingsMask     `json:"settingsMask"`
	IssuerName          string           `json:"issuerName,omitempty"`
	IssuerDataPublicKey string           `json:"issuerDataPublicKey,omitempty"`
	Batch               string           `json:"batch,omitempty"`
	Curve               cardcrypto.Curve `json:"curve,omitempty"`
	MaxSignatures       uint64           `json:"maxSignatures,omitempty"`
	PauseBeforePin2     uint64           `json:"pauseBeforePin2,omitempty"`
	WalletPublicKey     string           `json:"walletPublicKey,omitempty"`
	RemainingSignatures uint64           `json:"walletRemainingSignatures,omitempty"`
	SignedHashes        uint64           `json:"walletSignedHashes,omitempty"`
	Health              uint64           `json:"health,omitempty"`
	TerminalIsLinked    bool             `json:"terminalIsLinked"`
}

// Type returns the card type implied by the firmware version.
func (c *Card) Type() Type {
	return TypeFromFirmware(c.FirmwareVersion)
}

// HasWallet reports whether the card holds a wallet key.
func (c *Card) HasWallet() bool {
	return c.Status == StatusLoaded && c.WalletPublicKey != ""
}

// WalletPublicKeyBytes decodes the wallet public key.
func (c *Card) WalletPublicKeyBytes() ([]byte, error) {
	return hex.DecodeString(c.WalletPublicKey)
}

// IssuerDataPublicKeyBytes decodes the issuer data key.
func (c *Card) IssuerDataPublicKeyBytes() ([]byte, error) {
	return hex.DecodeString(c.IssuerDataPublicKey)
}

// Decode builds a Card from a Read response. A card that has not been
// personalized only reports its status, so every other field is optional.
func Decode(items tlv.List) (*Card, error) {
	c := &Card{}

	status, err := items.Uint(tlv.TagStatus)
	if err != nil {
		return nil, err
	}
	c.Status = Status(status)

	if items.Has(tlv.TagCardID) {
		if c.CardID, err = items.Hex(tlv.TagCardID); err != nil {
			return nil, err
		}
	}
	c.ManufacturerName = items.OptionalString(tlv.TagManufacturerName)
	c.FirmwareVersion = strings.TrimRight(items.OptionalString(tlv.TagFirmware), "\x00")
	c.IssuerName = items.OptionalString(tlv.TagIssuerName)

	if v, ok := items.Lookup(tlv.TagCardPublicKey); ok {
		c.CardPublicKey = upperHex(v)
	}
	if v, ok := items.Lookup(tlv.TagIssuerDataPublicKey); ok {
		c.IssuerDataPublicKey = upperHex(v)
	}
	if v, ok := items.Lookup(tlv.TagBatch); ok {
		c.Batch = upperHex(v)
	}
	if v, ok := items.Lookup(tlv.TagWalletPublicKey); ok {
		c.WalletPublicKey = upperHex(v)
	}
	if v, ok := items.Lookup(tlv.TagCurveID); ok {
		if c.Curve, err = cardcrypto.ParseCurve(string(v)); err != nil {
			return nil, err
		}
	}

	mask, _, err := items.OptionalUint(tlv.TagSettingsMask)
	if err != nil {
		return nil, err
	}
	c.SettingsMask = SettingsMask(mask)

	for _, f := range []struct {
		tag tlv.Tag
		dst *uint64
	}{
		{tlv.TagMaxSignatures, &c.MaxSignatures},
		{tlv.TagPauseBeforePin2, &c.PauseBeforePin2},
		{tlv.TagWalletRemainingSignatures, &c.RemainingSignatures},
		{tlv.TagWalletSignedHashes, &c.SignedHashes},
		{tlv.TagHealth, &c.Health},
	} {
		if *f.dst, _, err = items.OptionalUint(f.tag); err != nil {
			return nil, err
		}
	}

	// Presence alone marks a linked terminal.
	c.TerminalIsLinked = items.Has(tlv.TagTerminalIsLinked)
	return c, nil
}

// Encode renders the card as a Read response. Used by card emulation.
func (c *Card) Encode() ([]byte, error) {
	b := tlv.NewBuilder()
	if c.CardID != "" {
		b.Hex(tlv.TagCardID, c.CardID)
	}
	if c.ManufacturerName != "" {
		b.String(tlv.TagManufacturerName, c.ManufacturerName)
	}
	b.Byte(tlv.TagStatus, byte(c.Status))
	if c.FirmwareVersion != "" {
		b.String(tlv.TagFirmware, c.FirmwareVersion)
	}
	if c.CardPublicKey != "" {
		b.Hex(tlv.TagCardPublicKey, c.CardPublicKey)
	}
	if c.SettingsMask != 0 {
		b.Uint(tlv.TagSettingsMask, uint64(c.SettingsMask), 4)
	}
	if c.IssuerName != "" {
		b.String(tlv.TagIssuerName, c.IssuerName)
	}
	if c.IssuerDataPublicKey != "" {
		b.Hex(tlv.TagIssuerDataPublicKey, c.IssuerDataPublicKey)
	}
	if c.Batch != "" {
		b.Hex(tlv.TagBatch, c.Batch)
	}
	if c.Curve != "" {
		b.String(tlv.TagCurveID, string(c.Curve))
	}
	if c.MaxSignatures != 0 {
		b.Uint(tlv.TagMaxSignatures, c.MaxSignatures, 4)
	}
	if c.PauseBeforePin2 != 0 {
		b.Uint(tlv.TagPauseBeforePin2, c.PauseBeforePin2, 2)
	}
	if c.WalletPublicKey != "" {
		b.Hex(tlv.TagWalletPublicKey, c.WalletPublicKey)
		b.Uint(tlv.TagWalletRemainingSignatures, c.RemainingSignatures, 4)
		b.Uint(tlv.TagWalletSignedHashes, c.SignedHashes, 4)
	}
	if c.TerminalIsLinked {
		b.Bytes(tlv.TagTerminalIsLinked, nil)
	}
	return b.Encode()
}

func upperHex(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}
