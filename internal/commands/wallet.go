package commands

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/SimplyPrint/tangem-agent/internal/apdu"
	"github.com/SimplyPrint/tangem-agent/internal/card"
	"github.com/SimplyPrint/tangem-agent/internal/cardcrypto"
	"github.com/SimplyPrint/tangem-agent/internal/sdkerr"
	"github.com/SimplyPrint/tangem-agent/internal/session"
	"github.com/SimplyPrint/tangem-agent/internal/tlv"
)

// ChallengeSize is the length of the random challenge CheckWallet sends.
const ChallengeSize = 16

type CreateWalletResponse struct {
	CardID          string      `json:"cardId"`
	Status          card.Status `json:"status"`
	WalletPublicKey []byte      `json:"walletPublicKey"`
}

// CreateWalletCommand generates the wallet key on the card.
type CreateWalletCommand struct{}

func (*CreateWalletCommand) Name() string { return "CreateWallet" }

func (c *CreateWalletCommand) Serialize(env *session.Environment) (*apdu.CommandApdu, error) {
	b, err := authorized(env, c.Name(), true)
	if err != nil {
		return nil, err
	}
	data, err := b.OptionalBytes(tlv.TagCVC, env.CVC).Encode()
	if err != nil {
		return nil, err
	}
	return apdu.NewCommand(apdu.InsCreateWallet, data), nil
}

func (c *CreateWalletCommand) Deserialize(env *session.Environment, resp *apdu.ResponseApdu) (*CreateWalletResponse, error) {
	items, err := resp.TLVs()
	if err != nil {
		return nil, err
	}
	out := &CreateWalletResponse{}
	if out.CardID, err = responseCardID(env, items, c.Name()); err != nil {
		return nil, err
	}
	status, err := items.Uint(tlv.TagStatus)
	if err != nil {
		return nil, err
	}
	out.Status = card.Status(status)
	if out.WalletPublicKey, err = items.Bytes(tlv.TagWalletPublicKey); err != nil {
		return nil, err
	}

	if env.Card != nil {
		env.Card.Status = out.Status
		env.Card.WalletPublicKey = strings.ToUpper(hex.EncodeToString(out.WalletPublicKey))
		env.Card.RemainingSignatures = env.Card.MaxSignatures
		env.Card.SignedHashes = 0
	}
	return out, nil
}

func (*CreateWalletCommand) RequiresPreflightRead() bool { return true }

func (c *CreateWalletCommand) Run(ctx context.Context, s *session.Session) (*CreateWalletResponse, error) {
	return session.RunCommand[*CreateWalletResponse](ctx, s, c)
}

type CheckWalletResponse struct {
	CardID    string `json:"cardId"`
	Salt      []byte `json:"salt"`
	Signature []byte `json:"walletSignature"`
}

// CheckWalletCommand proves the card holds the private half of the wallet
// key by signing challenge || salt.
type CheckWalletCommand struct {
	challenge []byte
}

// NewCheckWalletCommand draws a fresh challenge.
func NewCheckWalletCommand() (*CheckWalletCommand, error) {
	challenge, err := cardcrypto.RandomBytes(ChallengeSize)
	if err != nil {
		return nil, sdkerr.Serialization("CheckWallet", err)
	}
	return &CheckWalletCommand{challenge: challenge}, nil
}

func (*CheckWalletCommand) Name() string { return "CheckWallet" }

func (c *CheckWalletCommand) Serialize(env *session.Environment) (*apdu.CommandApdu, error) {
	b, err := authorized(env, c.Name(), false)
	if err != nil {
		return nil, err
	}
	data, err := b.Bytes(tlv.TagChallenge, c.challenge).Encode()
	if err != nil {
		return nil, err
	}
	return apdu.NewCommand(apdu.InsCheckWallet, data), nil
}

func (c *CheckWalletCommand) Deserialize(env *session.Environment, resp *apdu.ResponseApdu) (*CheckWalletResponse, error) {
	items, err := resp.TLVs()
	if err != nil {
		return nil, err
	}
	out := &CheckWalletResponse{}
	if out.CardID, err = responseCardID(env, items, c.Name()); err != nil {
		return nil, err
	}
	if out.Salt, err = items.Bytes(tlv.TagSalt); err != nil {
		return nil, err
	}
	if out.Signature, err = items.Bytes(tlv.TagWalletSignature); err != nil {
		return nil, err
	}

	if env.Card == nil || !env.Card.HasWallet() {
		return nil, sdkerr.New(sdkerr.CodeNoWallet, c.Name(), "no wallet key to verify against")
	}
	pub, err := env.Card.WalletPublicKeyBytes()
	if err != nil {
		return nil, err
	}
	msg := append(bytes.Clone(c.challenge), out.Salt...)
	if !cardcrypto.Verify(pub, msg, out.Signature, env.Card.Curve) {
		return nil, sdkerr.Verification(c.Name(), "wallet signature does not verify")
	}
	return out, nil
}

func (*CheckWalletCommand) RequiresPreflightRead() bool { return true }

func (c *CheckWalletCommand) Run(ctx context.Context, s *session.Session) (*CheckWalletResponse, error) {
	return session.RunCommand[*CheckWalletResponse](ctx, s, c)
}

type PurgeWalletResponse struct {
	CardID string      `json:"cardId"`
	Status card.Status `json:"status"`
}

// PurgeWalletCommand erases the wallet key. Reusable cards return to Empty.
type PurgeWalletCommand struct{}

func (*PurgeWalletCommand) Name() string { return "PurgeWallet" }

func (c *PurgeWalletCommand) Serialize(env *session.Environment) (*apdu.CommandApdu, error) {
	b, err := authorized(env, c.Name(), true)
	if err != nil {
		return nil, err
	}
	if !env.Card.HasWallet() {
		return nil, sdkerr.New(sdkerr.CodeNoWallet, c.Name(), fmt.Sprintf("card is %s", env.Card.Status))
	}
	data, err := b.Encode()
	if err != nil {
		return nil, err
	}
	return apdu.NewCommand(apdu.InsPurgeWallet, data), nil
}

func (c *PurgeWalletCommand) Deserialize(env *session.Environment, resp *apdu.ResponseApdu) (*PurgeWalletResponse, error) {
	items, err := resp.TLVs()
	if err != nil {
		return nil, err
	}
	out := &PurgeWalletResponse{}
	if out.CardID, err = responseCardID(env, items, c.Name()); err != nil {
		return nil, err
	}
	status, err := items.Uint(tlv.TagStatus)
	if err != nil {
		return nil, err
	}
	out.Status = card.Status(status)

	if env.Card != nil {
		env.Card.Status = out.Status
		env.Card.WalletPublicKey = ""
		env.Card.RemainingSignatures = 0
		env.Card.SignedHashes = 0
	}
	return out, nil
}

func (*PurgeWalletCommand) RequiresPreflightRead() bool { return true }

func (c *PurgeWalletCommand) Run(ctx context.Context, s *session.Session) (*PurgeWalletResponse, error) {
	return session.RunCommand[*PurgeWalletResponse](ctx, s, c)
}
