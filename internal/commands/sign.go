package commands

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/SimplyPrint/tangem-agent/internal/apdu"
	"github.com/SimplyPrint/tangem-agent/internal/cardcrypto"
	"github.com/SimplyPrint/tangem-agent/internal/sdkerr"
	"github.com/SimplyPrint/tangem-agent/internal/session"
	"github.com/SimplyPrint/tangem-agent/internal/tlv"
)

const (
	// MaxHashes is the most hashes one Sign command carries.
	MaxHashes = 10
	// MaxHashSize is the largest hash the one-byte size field can describe.
	MaxHashSize = 255
)

// SignResponse holds one signature per requested hash, in request order.
type SignResponse struct {
	CardID              string   `json:"cardId"`
	Signatures          [][]byte `json:"-"`
	RemainingSignatures uint64   `json:"walletRemainingSignatures"`
	SignedHashes        uint64   `json:"walletSignedHashes"`
}

// HexSignatures renders the signatures for JSON clients.
func (r *SignResponse) HexSignatures() []string {
	out := make([]string, len(r.Signatures))
	for i, sig := range r.Signatures {
		out[i] = hex.EncodeToString(sig)
	}
	return out
}

// SignCommand signs up to MaxHashes equally sized hashes with the wallet key.
type SignCommand struct {
	hashes   [][]byte
	hashSize int
}

// NewSignCommand validates hashes. It fails when there are none, more than
// MaxHashes, or when they differ in length or are longer than MaxHashSize.
func NewSignCommand(hashes [][]byte) (*SignCommand, error) {
	const op = "Sign"
	if len(hashes) == 0 {
		return nil, sdkerr.Serialization(op, errors.New("no hashes to sign"))
	}
	if len(hashes) > MaxHashes {
		return nil, sdkerr.Serialization(op, fmt.Errorf("%d hashes exceed the limit of %d", len(hashes), MaxHashes))
	}
	size := len(hashes[0])
	if size == 0 || size > MaxHashSize {
		return nil, sdkerr.Serialization(op, fmt.Errorf("hash size %d out of range", size))
	}
	cp := make([][]byte, len(hashes))
	for i, h := range hashes {
		if len(h) != size {
			return nil, sdkerr.Serialization(op, fmt.Errorf("hash %d is %d bytes, want %d", i, len(h), size))
		}
		cp[i] = bytes.Clone(h)
	}
	return &SignCommand{hashes: cp, hashSize: size}, nil
}

func (*SignCommand) Name() string { return "Sign" }

func (c *SignCommand) Serialize(env *session.Environment) (*apdu.CommandApdu, error) {
	b, err := authorized(env, c.Name(), true)
	if err != nil {
		return nil, err
	}
	joined := bytes.Join(c.hashes, nil)
	b.Byte(tlv.TagTransactionOutHashSize, byte(c.hashSize)).
		Bytes(tlv.TagTransactionOutHash, joined).
		OptionalBytes(tlv.TagCVC, env.CVC)

	if keys := env.TerminalKeys; keys != nil {
		sig, err := cardcrypto.Sign(joined, keys.PrivateKey, cardcrypto.Secp256k1)
		if err != nil {
			return nil, fmt.Errorf("terminal signature: %w", err)
		}
		b.Bytes(tlv.TagTerminalPublicKey, keys.PublicKey).
			Bytes(tlv.TagTerminalTransactionSignature, sig)
	}
	data, err := b.Encode()
	if err != nil {
		return nil, err
	}
	return apdu.NewCommand(apdu.InsSign, data), nil
}

func (c *SignCommand) Deserialize(env *session.Environment, resp *apdu.ResponseApdu) (*SignResponse, error) {
	items, err := resp.TLVs()
	if err != nil {
		return nil, err
	}
	id, err := responseCardID(env, items, c.Name())
	if err != nil {
		return nil, err
	}
	raw, err := items.Bytes(tlv.TagWalletSignature)
	if err != nil {
		return nil, err
	}
	if len(raw) != len(c.hashes)*cardcrypto.SignatureSize {
		return nil, fmt.Errorf("got %d signature bytes for %d hashes", len(raw), len(c.hashes))
	}
	out := &SignResponse{CardID: id}
	for i := range c.hashes {
		out.Signatures = append(out.Signatures, bytes.Clone(raw[i*cardcrypto.SignatureSize:(i+1)*cardcrypto.SignatureSize]))
	}
	if out.RemainingSignatures, _, err = items.OptionalUint(tlv.TagWalletRemainingSignatures); err != nil {
		return nil, err
	}
	if out.SignedHashes, _, err = items.OptionalUint(tlv.TagWalletSignedHashes); err != nil {
		return nil, err
	}

	if err := c.verify(env, out.Signatures); err != nil {
		return nil, err
	}
	if env.Card != nil {
		env.Card.RemainingSignatures = out.RemainingSignatures
		env.Card.SignedHashes = out.SignedHashes
	}
	return out, nil
}

// verify checks every signature against the wallet key read in preflight.
func (c *SignCommand) verify(env *session.Environment, sigs [][]byte) error {
	if env.Card == nil || env.Card.WalletPublicKey == "" {
		return nil
	}
	pub, err := env.Card.WalletPublicKeyBytes()
	if err != nil {
		return err
	}
	for i, sig := range sigs {
		var ok bool
		if env.Card.Curve == cardcrypto.Ed25519 {
			ok = cardcrypto.Verify(pub, c.hashes[i], sig, cardcrypto.Ed25519)
		} else {
			ok = cardcrypto.VerifyHash(pub, c.hashes[i], sig)
		}
		if !ok {
			return sdkerr.Verification(c.Name(), fmt.Sprintf("signature %d does not match the wallet key", i))
		}
	}
	return nil
}

func (*SignCommand) RequiresPreflightRead() bool { return true }

func (c *SignCommand) Run(ctx context.Context, s *session.Session) (*SignResponse, error) {
	return session.RunCommand[*SignResponse](ctx, s, c)
}
