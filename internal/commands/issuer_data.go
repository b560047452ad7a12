package commands

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/SimplyPrint/tangem-agent/internal/apdu"
	"github.com/SimplyPrint/tangem-agent/internal/card"
	"github.com/SimplyPrint/tangem-agent/internal/cardcrypto"
	"github.com/SimplyPrint/tangem-agent/internal/sdkerr"
	"github.com/SimplyPrint/tangem-agent/internal/session"
	"github.com/SimplyPrint/tangem-agent/internal/tlv"
)

// MaxIssuerDataSize is the capacity of the issuer data slot.
const MaxIssuerDataSize = 512

// issuerKey picks the key issuer data is verified against: an explicit key,
// else the one the card reported.
func issuerKey(env *session.Environment, explicit []byte) ([]byte, error) {
	if len(explicit) > 0 {
		return explicit, nil
	}
	if env.Card == nil || env.Card.IssuerDataPublicKey == "" {
		return nil, nil
	}
	return env.Card.IssuerDataPublicKeyBytes()
}

type ReadIssuerDataResponse struct {
	CardID              string  `json:"cardId"`
	IssuerData          []byte  `json:"issuerData"`
	IssuerDataSignature []byte  `json:"issuerDataSignature"`
	IssuerDataCounter   *uint32 `json:"issuerDataCounter,omitempty"`
}

// ReadIssuerDataCommand reads the issuer data slot and verifies its signature.
// An empty slot is returned without verification.
type ReadIssuerDataCommand struct {
	// IssuerPublicKey overrides the key reported by the card.
	IssuerPublicKey []byte
}

func (*ReadIssuerDataCommand) Name() string { return "ReadIssuerData" }

func (c *ReadIssuerDataCommand) Serialize(env *session.Environment) (*apdu.CommandApdu, error) {
	b, err := authorized(env, c.Name(), false)
	if err != nil {
		return nil, err
	}
	data, err := b.Encode()
	if err != nil {
		return nil, err
	}
	return apdu.NewCommand(apdu.InsReadIssuerData, data), nil
}

func (c *ReadIssuerDataCommand) Deserialize(env *session.Environment, resp *apdu.ResponseApdu) (*ReadIssuerDataResponse, error) {
	items, err := resp.TLVs()
	if err != nil {
		return nil, err
	}
	out := &ReadIssuerDataResponse{}
	if out.CardID, err = responseCardID(env, items, c.Name()); err != nil {
		return nil, err
	}
	if out.IssuerData, err = items.Bytes(tlv.TagIssuerData); err != nil {
		return nil, err
	}
	if out.IssuerDataSignature, err = items.Bytes(tlv.TagIssuerDataSignature); err != nil {
		return nil, err
	}
	n, ok, err := items.OptionalUint(tlv.TagIssuerDataCounter)
	if err != nil {
		return nil, err
	}
	if ok {
		counter := uint32(n)
		out.IssuerDataCounter = &counter
	}

	if len(out.IssuerData) == 0 {
		return out, nil
	}
	key, err := issuerKey(env, c.IssuerPublicKey)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, sdkerr.New(sdkerr.CodeCardMissingData, c.Name(), "card did not report an issuer key")
	}
	if !card.VerifyIssuerData(key, out.CardID, out.IssuerData, out.IssuerDataCounter, out.IssuerDataSignature) {
		return nil, sdkerr.Verification(c.Name(), "issuer data signature does not verify")
	}
	return out, nil
}

func (*ReadIssuerDataCommand) RequiresPreflightRead() bool { return true }

func (c *ReadIssuerDataCommand) Run(ctx context.Context, s *session.Session) (*ReadIssuerDataResponse, error) {
	return session.RunCommand[*ReadIssuerDataResponse](ctx, s, c)
}

type WriteIssuerDataResponse struct {
	CardID string `json:"cardId"`
}

// WriteIssuerDataCommand replaces the issuer data. The signature is checked
// locally first so a bad write never reaches the card.
type WriteIssuerDataCommand struct {
	data      []byte
	signature []byte
	counter   *uint32
}

// NewWriteIssuerDataCommand validates the payload. counter is required on
// cards protecting issuer data against replay.
func NewWriteIssuerDataCommand(data, signature []byte, counter *uint32) (*WriteIssuerDataCommand, error) {
	const op = "WriteIssuerData"
	if len(data) == 0 {
		return nil, sdkerr.Serialization(op, errors.New("issuer data is empty"))
	}
	if len(data) > MaxIssuerDataSize {
		return nil, sdkerr.Serialization(op, fmt.Errorf("issuer data of %d bytes exceeds %d", len(data), MaxIssuerDataSize))
	}
	if len(signature) != cardcrypto.SignatureSize {
		return nil, sdkerr.Serialization(op, fmt.Errorf("issuer signature is %d bytes, want %d", len(signature), cardcrypto.SignatureSize))
	}
	cmd := &WriteIssuerDataCommand{data: bytes.Clone(data), signature: bytes.Clone(signature)}
	if counter != nil {
		n := *counter
		cmd.counter = &n
	}
	return cmd, nil
}

func (*WriteIssuerDataCommand) Name() string { return "WriteIssuerData" }

func (c *WriteIssuerDataCommand) Serialize(env *session.Environment) (*apdu.CommandApdu, error) {
	b, err := authorized(env, c.Name(), false)
	if err != nil {
		return nil, err
	}
	if env.Card.SettingsMask.Has(card.ProtectIssuerDataAgainstReplay) && c.counter == nil {
		return nil, sdkerr.New(sdkerr.CodeInvalidParams, c.Name(), "card requires an issuer data counter")
	}
	key, err := issuerKey(env, nil)
	if err != nil {
		return nil, err
	}
	if key != nil && !card.VerifyIssuerData(key, env.Card.CardID, c.data, c.counter, c.signature) {
		return nil, sdkerr.Verification(c.Name(), "issuer data signature does not verify")
	}

	b.Bytes(tlv.TagIssuerData, c.data).Bytes(tlv.TagIssuerDataSignature, c.signature)
	if c.counter != nil {
		b.Uint(tlv.TagIssuerDataCounter, uint64(*c.counter), 4)
	}
	data, err := b.Encode()
	if err != nil {
		return nil, err
	}
	return apdu.NewCommand(apdu.InsWriteIssuerData, data), nil
}

func (c *WriteIssuerDataCommand) Deserialize(env *session.Environment, resp *apdu.ResponseApdu) (*WriteIssuerDataResponse, error) {
	items, err := resp.TLVs()
	if err != nil {
		return nil, err
	}
	id, err := responseCardID(env, items, c.Name())
	if err != nil {
		return nil, err
	}
	return &WriteIssuerDataResponse{CardID: id}, nil
}

func (*WriteIssuerDataCommand) RequiresPreflightRead() bool { return true }

func (c *WriteIssuerDataCommand) Run(ctx context.Context, s *session.Session) (*WriteIssuerDataResponse, error) {
	return session.RunCommand[*WriteIssuerDataResponse](ctx, s, c)
}

type ReadIssuerExtraDataResponse struct {
	CardID              string  `json:"cardId"`
	Size                int     `json:"size"`
	IssuerData          []byte  `json:"issuerData"`
	IssuerDataSignature []byte  `json:"issuerDataSignature"`
	IssuerDataCounter   *uint32 `json:"issuerDataCounter,omitempty"`
}

// ReadIssuerExtraDataCommand reads the extra data slot chunk by chunk. The
// first chunk carries the total size and the last one the signature.
type ReadIssuerExtraDataCommand struct {
	IssuerPublicKey []byte
}

func (*ReadIssuerExtraDataCommand) RequiresPreflightRead() bool { return true }

func (c *ReadIssuerExtraDataCommand) Run(ctx context.Context, s *session.Session) (*ReadIssuerExtraDataResponse, error) {
	const op = "ReadIssuerExtraData"
	out := &ReadIssuerExtraDataResponse{}

	for {
		chunk, err := session.RunCommand[*extraDataChunk](ctx, s, &extraDataChunkCommand{offset: len(out.IssuerData)})
		if err != nil {
			return nil, err
		}
		out.CardID = chunk.cardID
		if chunk.size != nil {
			out.Size = *chunk.size
		}
		out.IssuerData = append(out.IssuerData, chunk.data...)
		if chunk.signature != nil {
			out.IssuerDataSignature = chunk.signature
			out.IssuerDataCounter = chunk.counter
			break
		}
		if len(chunk.data) == 0 || len(out.IssuerData) >= out.Size {
			return nil, sdkerr.Decoding(op, fmt.Errorf("card stopped after %d of %d bytes without a signature", len(out.IssuerData), out.Size))
		}
	}
	if len(out.IssuerData) != out.Size {
		return nil, sdkerr.Decoding(op, fmt.Errorf("read %d bytes, card announced %d", len(out.IssuerData), out.Size))
	}
	if out.Size == 0 {
		return out, nil
	}

	key, err := issuerKey(s.Environment(), c.IssuerPublicKey)
	if err != nil {
		return nil, sdkerr.Decoding(op, err)
	}
	if key == nil {
		return nil, sdkerr.New(sdkerr.CodeCardMissingData, op, "card did not report an issuer key")
	}
	if !card.VerifyIssuerData(key, out.CardID, out.IssuerData, out.IssuerDataCounter, out.IssuerDataSignature) {
		return nil, sdkerr.Verification(op, "issuer extra data signature does not verify")
	}
	return out, nil
}

type extraDataChunk struct {
	cardID    string
	size      *int
	data      []byte
	signature []byte
	counter   *uint32
}

// extraDataChunkCommand is one ReadIssuerData call in extra data mode.
type extraDataChunkCommand struct {
	offset int
}

func (*extraDataChunkCommand) Name() string { return "ReadIssuerExtraData" }

func (c *extraDataChunkCommand) Serialize(env *session.Environment) (*apdu.CommandApdu, error) {
	b, err := authorized(env, c.Name(), false)
	if err != nil {
		return nil, err
	}
	data, err := b.Byte(tlv.TagMode, 1).Uint(tlv.TagOffset, uint64(c.offset), 2).Encode()
	if err != nil {
		return nil, err
	}
	return apdu.NewCommand(apdu.InsReadIssuerData, data), nil
}

func (c *extraDataChunkCommand) Deserialize(env *session.Environment, resp *apdu.ResponseApdu) (*extraDataChunk, error) {
	items, err := resp.TLVs()
	if err != nil {
		return nil, err
	}
	out := &extraDataChunk{}
	if out.cardID, err = responseCardID(env, items, c.Name()); err != nil {
		return nil, err
	}
	n, ok, err := items.OptionalUint(tlv.TagSize)
	if err != nil {
		return nil, err
	}
	if ok {
		size := int(n)
		out.size = &size
	} else if c.offset == 0 {
		return nil, &tlv.MissingTagError{Tag: tlv.TagSize}
	}
	if out.data, err = items.Bytes(tlv.TagIssuerData); err != nil {
		return nil, err
	}
	if sig, ok := items.Lookup(tlv.TagIssuerDataSignature); ok {
		out.signature = sig
	}
	n, ok, err = items.OptionalUint(tlv.TagIssuerDataCounter)
	if err != nil {
		return nil, err
	}
	if ok {
		counter := uint32(n)
		out.counter = &counter
	}
	return out, nil
}

const (
	// MaxIssuerExtraDataSize is the largest payload the two-byte size field announces.
	MaxIssuerExtraDataSize = 0xFFFF
	// WriteExtraDataChunkSize keeps every chunk in a short frame, encrypted or not.
	WriteExtraDataChunkSize = 160
)

// Extra data write modes of the WriteIssuerData instruction.
const (
	extraWriteStart    = 1
	extraWriteChunk    = 2
	extraWriteFinalize = 3
)

// WriteIssuerExtraDataCommand writes the extra data slot in chunks. The card
// accepts the write after checking startingSignature over the card ID, the
// counter and the size, and commits it only if finalizingSignature covers the
// card ID, the data and the counter.
type WriteIssuerExtraDataCommand struct {
	data                []byte
	startingSignature   []byte
	finalizingSignature []byte
	counter             *uint32
}

// NewWriteIssuerExtraDataCommand validates the payload. counter is required
// on cards protecting issuer data against replay that also restrict
// overwriting the extra data.
func NewWriteIssuerExtraDataCommand(data, startingSignature, finalizingSignature []byte, counter *uint32) (*WriteIssuerExtraDataCommand, error) {
	const op = "WriteIssuerExtraData"
	if len(data) == 0 {
		return nil, sdkerr.Serialization(op, errors.New("issuer extra data is empty"))
	}
	if len(data) > MaxIssuerExtraDataSize {
		return nil, sdkerr.Serialization(op, fmt.Errorf("issuer extra data of %d bytes exceeds %d", len(data), MaxIssuerExtraDataSize))
	}
	for name, sig := range map[string][]byte{"starting": startingSignature, "finalizing": finalizingSignature} {
		if len(sig) != cardcrypto.SignatureSize {
			return nil, sdkerr.Serialization(op, fmt.Errorf("%s signature is %d bytes, want %d", name, len(sig), cardcrypto.SignatureSize))
		}
	}
	cmd := &WriteIssuerExtraDataCommand{
		data:                bytes.Clone(data),
		startingSignature:   bytes.Clone(startingSignature),
		finalizingSignature: bytes.Clone(finalizingSignature),
	}
	if counter != nil {
		n := *counter
		cmd.counter = &n
	}
	return cmd, nil
}

func (*WriteIssuerExtraDataCommand) RequiresPreflightRead() bool { return true }

func (c *WriteIssuerExtraDataCommand) Run(ctx context.Context, s *session.Session) (*WriteIssuerDataResponse, error) {
	const op = "WriteIssuerExtraData"
	env := s.Environment()
	cd, err := requireCard(env, op)
	if err != nil {
		return nil, err
	}
	if cd.SettingsMask.Has(card.ProtectIssuerDataAgainstReplay|card.RestrictOverwriteIssuerExtraData) && c.counter == nil {
		return nil, sdkerr.New(sdkerr.CodeInvalidParams, op, "card requires an issuer data counter")
	}
	key, err := issuerKey(env, nil)
	if err != nil {
		return nil, sdkerr.Decoding(op, err)
	}
	if len(key) > 0 {
		if !card.VerifyIssuerExtraDataStart(key, cd.CardID, len(c.data), c.counter, c.startingSignature) {
			return nil, sdkerr.Verification(op, "starting signature does not verify")
		}
		if !card.VerifyIssuerData(key, cd.CardID, c.data, c.counter, c.finalizingSignature) {
			return nil, sdkerr.Verification(op, "finalizing signature does not verify")
		}
	}

	steps := []*extraDataWriteCommand{{mode: extraWriteStart, size: len(c.data), signature: c.startingSignature, counter: c.counter}}
	for offset := 0; offset < len(c.data); offset += WriteExtraDataChunkSize {
		end := min(offset+WriteExtraDataChunkSize, len(c.data))
		steps = append(steps, &extraDataWriteCommand{mode: extraWriteChunk, offset: offset, data: c.data[offset:end]})
	}
	steps = append(steps, &extraDataWriteCommand{mode: extraWriteFinalize, signature: c.finalizingSignature})

	var out *WriteIssuerDataResponse
	for _, step := range steps {
		if out, err = session.RunCommand[*WriteIssuerDataResponse](ctx, s, step); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// extraDataWriteCommand is one WriteIssuerData call in extra data mode.
type extraDataWriteCommand struct {
	mode      byte
	size      int
	offset    int
	data      []byte
	signature []byte
	counter   *uint32
}

func (*extraDataWriteCommand) Name() string { return "WriteIssuerExtraData" }

func (c *extraDataWriteCommand) Serialize(env *session.Environment) (*apdu.CommandApdu, error) {
	b, err := authorized(env, c.Name(), false)
	if err != nil {
		return nil, err
	}
	b.Byte(tlv.TagMode, c.mode)
	switch c.mode {
	case extraWriteStart:
		b.Uint(tlv.TagSize, uint64(c.size), 2).Bytes(tlv.TagIssuerDataSignature, c.signature)
		if c.counter != nil {
			b.Uint(tlv.TagIssuerDataCounter, uint64(*c.counter), 4)
		}
	case extraWriteChunk:
		b.Uint(tlv.TagOffset, uint64(c.offset), 2).Bytes(tlv.TagIssuerData, c.data)
	case extraWriteFinalize:
		b.Bytes(tlv.TagIssuerDataSignature, c.signature)
	}
	data, err := b.Encode()
	if err != nil {
		return nil, err
	}
	return apdu.NewCommand(apdu.InsWriteIssuerData, data), nil
}

func (c *extraDataWriteCommand) Deserialize(env *session.Environment, resp *apdu.ResponseApdu) (*WriteIssuerDataResponse, error) {
	items, err := resp.TLVs()
	if err != nil {
		return nil, err
	}
	id, err := responseCardID(env, items, c.Name())
	if err != nil {
		return nil, err
	}
	return &WriteIssuerDataResponse{CardID: id}, nil
}
