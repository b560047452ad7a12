package session

import (
	"context"
	"errors"

	"github.com/SimplyPrint/tangem-agent/internal/apdu"
	"github.com/SimplyPrint/tangem-agent/internal/card"
	"github.com/SimplyPrint/tangem-agent/internal/sdkerr"
	"github.com/SimplyPrint/tangem-agent/internal/tlv"
)

// Command is a single card command producing a T.
type Command[T any] interface {
	Name() string
	Serialize(env *Environment) (*apdu.CommandApdu, error)
	Deserialize(env *Environment, resp *apdu.ResponseApdu) (T, error)
}

// RunCommand sends cmd and decodes its response. A NeedEncryption status is
// handled here by escalating the channel and resending; every other failure
// is returned as is.
func RunCommand[T any](ctx context.Context, s *Session, cmd Command[T]) (T, error) {
	var zero T
	for {
		req, err := cmd.Serialize(s.env)
		if err != nil {
			return zero, asSerialization(cmd.Name(), err)
		}
		resp, err := s.Send(ctx, req)
		if err == nil {
			err = resp.SW.Err(cmd.Name())
		}
		if err == nil {
			result, derr := cmd.Deserialize(s.env, resp)
			if derr != nil {
				return zero, asDecoding(cmd.Name(), derr)
			}
			return result, nil
		}
		if !errors.Is(err, sdkerr.ErrNeedEncryption) {
			return zero, err
		}
		if herr := s.recoverEncryption(ctx, err); herr != nil {
			return zero, herr
		}
	}
}

// recoverEncryption escalates until a handshake succeeds or no stronger mode is left.
func (s *Session) recoverEncryption(ctx context.Context, err error) error {
	for {
		herr := s.tryHandleError(ctx, err)
		if herr == nil || herr == err || !errors.Is(herr, sdkerr.ErrNeedEncryption) {
			return herr
		}
		err = herr
	}
}

func asSerialization(op string, err error) error {
	var e *sdkerr.Error
	if errors.As(err, &e) {
		return err
	}
	return sdkerr.Serialization(op, err)
}

func asDecoding(op string, err error) error {
	var e *sdkerr.Error
	if errors.As(err, &e) {
		return err
	}
	return sdkerr.Decoding(op, err)
}

// ReadCommand reads the card snapshot. It is the preflight read, and as a
// Runnable it yields the card cached by that read.
type ReadCommand struct{}

func (*ReadCommand) Name() string { return "Read" }

func (*ReadCommand) Serialize(env *Environment) (*apdu.CommandApdu, error) {
	b := tlv.NewBuilder().Bytes(tlv.TagPin, env.Pin1Hash())
	if env.TerminalKeys != nil {
		b.Bytes(tlv.TagTerminalPublicKey, env.TerminalKeys.PublicKey)
	}
	data, err := b.Encode()
	if err != nil {
		return nil, err
	}
	return apdu.NewCommand(apdu.InsRead, data), nil
}

func (*ReadCommand) Deserialize(_ *Environment, resp *apdu.ResponseApdu) (*card.Card, error) {
	items, err := resp.TLVs()
	if err != nil {
		return nil, err
	}
	return card.Decode(items)
}

func (*ReadCommand) RequiresPreflightRead() bool { return true }

func (r *ReadCommand) Run(ctx context.Context, s *Session) (*card.Card, error) {
	return RunCommand[*card.Card](ctx, s, r)
}
