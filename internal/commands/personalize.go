package commands

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/SimplyPrint/tangem-agent/internal/apdu"
	"github.com/SimplyPrint/tangem-agent/internal/card"
	"github.com/SimplyPrint/tangem-agent/internal/cardcrypto"
	"github.com/SimplyPrint/tangem-agent/internal/sdkerr"
	"github.com/SimplyPrint/tangem-agent/internal/session"
	"github.com/SimplyPrint/tangem-agent/internal/tlv"
)

var settingNames = map[string]card.SettingsMask{
	"reusable":                       card.IsReusable,
	"use_activation":                 card.UseActivation,
	"prohibit_purge_wallet":          card.ProhibitPurgeWallet,
	"use_block":                      card.UseBlock,
	"allow_set_pin1":                 card.AllowSetPIN1,
	"allow_set_pin2":                 card.AllowSetPIN2,
	"use_cvc":                        card.UseCvc,
	"prohibit_default_pin1":          card.ProhibitDefaultPIN1,
	"use_one_command_at_time":        card.UseOneCommandAtTime,
	"use_ndef":                       card.UseNDEF,
	"use_dynamic_ndef":               card.UseDynamicNDEF,
	"smart_security_delay":           card.SmartSecurityDelay,
	"allow_unencrypted":              card.AllowUnencrypted,
	"allow_fast_encryption":          card.AllowFastEncryption,
	"protect_issuer_data":            card.ProtectIssuerDataAgainstReplay,
	"allow_select_blockchain":        card.AllowSelectBlockchain,
	"skip_delay_for_linked_terminal": card.SkipSecurityDelayIfValidatedByLinkedTerminal,
	"restrict_overwrite_extra_data":  card.RestrictOverwriteIssuerExtraData,
	"require_terminal_tx_signature":  card.RequireTermTxSignature,
}

// SettingNames lists the names accepted in CardConfig.Settings.
func SettingNames() []string {
	names := make([]string, 0, len(settingNames))
	for name := range settingNames {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CardConfig describes how a blank card is personalized. It is loaded from YAML.
type CardConfig struct {
	CardID              string   `yaml:"card_id"`
	Curve               string   `yaml:"curve"`
	MaxSignatures       uint32   `yaml:"max_signatures"`
	PauseBeforePin2Ms   uint32   `yaml:"pause_before_pin2_ms"`
	Settings            []string `yaml:"settings"`
	Pin1                string   `yaml:"pin1"`
	Pin2                string   `yaml:"pin2"`
	CVC                 string   `yaml:"cvc"`
	IssuerName          string   `yaml:"issuer_name"`
	IssuerDataPublicKey string   `yaml:"issuer_data_public_key"`
	Batch               string   `yaml:"batch"`
}

// SettingsMask resolves the named settings.
func (c *CardConfig) SettingsMask() (card.SettingsMask, error) {
	var mask card.SettingsMask
	for _, name := range c.Settings {
		flag, ok := settingNames[strings.ToLower(name)]
		if !ok {
			return 0, fmt.Errorf("unknown setting %q", name)
		}
		mask |= flag
	}
	return mask, nil
}

// Validate reports the first problem with the config.
func (c *CardConfig) Validate() error {
	id, err := hex.DecodeString(c.CardID)
	if err != nil || len(id) != 8 {
		return fmt.Errorf("card_id must be 16 hex digits, got %q", c.CardID)
	}
	if _, err := cardcrypto.ParseCurve(c.Curve); err != nil {
		return err
	}
	if c.MaxSignatures == 0 {
		return errors.New("max_signatures must be positive")
	}
	if c.Pin1 == "" || c.Pin2 == "" {
		return errors.New("pin1 and pin2 are required")
	}
	if c.PauseBeforePin2Ms%10 != 0 || c.PauseBeforePin2Ms/10 > 0xFFFF {
		return fmt.Errorf("pause_before_pin2_ms %d must be a multiple of 10 below 655360", c.PauseBeforePin2Ms)
	}
	mask, err := c.SettingsMask()
	if err != nil {
		return err
	}
	if mask.Has(card.UseCvc) && len(c.CVC) != 3 {
		return errors.New("use_cvc needs a three digit cvc")
	}
	if c.IssuerDataPublicKey != "" {
		if _, err := hex.DecodeString(c.IssuerDataPublicKey); err != nil {
			return fmt.Errorf("issuer_data_public_key: %w", err)
		}
	}
	if c.Batch != "" {
		if _, err := hex.DecodeString(c.Batch); err != nil {
			return fmt.Errorf("batch: %w", err)
		}
	}
	return nil
}

func (c *CardConfig) encode() ([]byte, error) {
	mask, err := c.SettingsMask()
	if err != nil {
		return nil, err
	}
	curve, err := cardcrypto.ParseCurve(c.Curve)
	if err != nil {
		return nil, err
	}
	b := tlv.NewBuilder().
		Hex(tlv.TagCardID, c.CardID).
		String(tlv.TagCurveID, string(curve)).
		Uint(tlv.TagMaxSignatures, uint64(c.MaxSignatures), 4).
		Uint(tlv.TagSettingsMask, uint64(mask), 4).
		Uint(tlv.TagPauseBeforePin2, uint64(c.PauseBeforePin2Ms/10), 2).
		Bytes(tlv.TagPin, cardcrypto.SHA256([]byte(c.Pin1))).
		Bytes(tlv.TagPin2, cardcrypto.SHA256([]byte(c.Pin2)))
	if c.CVC != "" {
		b.String(tlv.TagCVC, c.CVC)
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
	return b.Encode()
}

// PersonalizeCommand writes a CardConfig to a blank card. The payload is
// wrapped with the development personalization key, so the command only runs
// on an unencrypted channel.
type PersonalizeCommand struct {
	config CardConfig
}

// NewPersonalizeCommand validates config.
func NewPersonalizeCommand(config CardConfig) (*PersonalizeCommand, error) {
	config.CardID = strings.ToUpper(config.CardID)
	if err := config.Validate(); err != nil {
		return nil, sdkerr.Serialization("Personalize", err)
	}
	return &PersonalizeCommand{config: config}, nil
}

func (*PersonalizeCommand) Name() string { return "Personalize" }

func (c *PersonalizeCommand) Serialize(env *session.Environment) (*apdu.CommandApdu, error) {
	if env.Card != nil && env.Card.Status != card.StatusNotPersonalized {
		return nil, sdkerr.New(sdkerr.CodeInvalidState, c.Name(), "card "+env.Card.CardID+" is already personalized")
	}
	if env.EncryptionMode != session.EncryptionNone {
		return nil, sdkerr.New(sdkerr.CodeInvalidState, c.Name(), "personalization requires an unencrypted channel, session uses "+env.EncryptionMode.String())
	}
	data, err := c.config.encode()
	if err != nil {
		return nil, err
	}
	return apdu.NewCommand(apdu.InsPersonalize, data).Encrypt(card.DevPersonalizationKey)
}

func (c *PersonalizeCommand) Deserialize(env *session.Environment, resp *apdu.ResponseApdu) (*card.Card, error) {
	items, err := resp.TLVs()
	if err != nil {
		return nil, err
	}
	personalized, err := card.Decode(items)
	if err != nil {
		return nil, err
	}
	env.Card = personalized
	// the new PINs apply from here on
	env.Pin1, env.Pin2 = c.config.Pin1, c.config.Pin2
	return personalized, nil
}

func (*PersonalizeCommand) RequiresPreflightRead() bool { return true }

func (c *PersonalizeCommand) Run(ctx context.Context, s *session.Session) (*card.Card, error) {
	return session.RunCommand[*card.Card](ctx, s, c)
}

type DepersonalizeResponse struct {
	Success bool `json:"success"`
}

// DepersonalizeCommand returns a development card to the blank state.
type DepersonalizeCommand struct{}

func (*DepersonalizeCommand) Name() string { return "Depersonalize" }

func (*DepersonalizeCommand) Serialize(*session.Environment) (*apdu.CommandApdu, error) {
	return apdu.NewCommand(apdu.InsDepersonalize, nil), nil
}

func (*DepersonalizeCommand) Deserialize(env *session.Environment, _ *apdu.ResponseApdu) (*DepersonalizeResponse, error) {
	if env.Card != nil {
		env.Card = &card.Card{
			Status:           card.StatusNotPersonalized,
			FirmwareVersion:  env.Card.FirmwareVersion,
			ManufacturerName: env.Card.ManufacturerName,
		}
	}
	return &DepersonalizeResponse{Success: true}, nil
}

func (*DepersonalizeCommand) RequiresPreflightRead() bool { return true }

func (c *DepersonalizeCommand) Run(ctx context.Context, s *session.Session) (*DepersonalizeResponse, error) {
	return session.RunCommand[*DepersonalizeResponse](ctx, s, c)
}
