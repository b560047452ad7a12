package commands

import (
	"bytes"
	"context"
	"errors"

	"github.com/SimplyPrint/tangem-agent/internal/apdu"
	"github.com/SimplyPrint/tangem-agent/internal/sdkerr"
	"github.com/SimplyPrint/tangem-agent/internal/session"
	"github.com/SimplyPrint/tangem-agent/internal/tlv"
)

type ReadUserDataResponse struct {
	CardID               string `json:"cardId"`
	UserData             []byte `json:"userData"`
	UserProtectedData    []byte `json:"userProtectedData"`
	UserCounter          uint32 `json:"userCounter"`
	UserProtectedCounter uint32 `json:"userProtectedCounter"`
}

// ReadUserDataCommand reads both user data slots and their counters.
type ReadUserDataCommand struct{}

func (*ReadUserDataCommand) Name() string { return "ReadUserData" }

func (c *ReadUserDataCommand) Serialize(env *session.Environment) (*apdu.CommandApdu, error) {
	b, err := authorized(env, c.Name(), false)
	if err != nil {
		return nil, err
	}
	data, err := b.Encode()
	if err != nil {
		return nil, err
	}
	return apdu.NewCommand(apdu.InsReadUserData, data), nil
}

func (c *ReadUserDataCommand) Deserialize(env *session.Environment, resp *apdu.ResponseApdu) (*ReadUserDataResponse, error) {
	items, err := resp.TLVs()
	if err != nil {
		return nil, err
	}
	out := &ReadUserDataResponse{}
	if out.CardID, err = responseCardID(env, items, c.Name()); err != nil {
		return nil, err
	}
	out.UserData, _ = items.Lookup(tlv.TagUserData)
	out.UserProtectedData, _ = items.Lookup(tlv.TagUserProtectedData)

	counter, _, err := items.OptionalUint(tlv.TagUserCounter)
	if err != nil {
		return nil, err
	}
	protected, _, err := items.OptionalUint(tlv.TagUserProtectedCounter)
	if err != nil {
		return nil, err
	}
	out.UserCounter = uint32(counter)
	out.UserProtectedCounter = uint32(protected)
	return out, nil
}

func (*ReadUserDataCommand) RequiresPreflightRead() bool { return true }

func (c *ReadUserDataCommand) Run(ctx context.Context, s *session.Session) (*ReadUserDataResponse, error) {
	return session.RunCommand[*ReadUserDataResponse](ctx, s, c)
}

type WriteUserDataResponse struct {
	CardID string `json:"cardId"`
}

// UserDataUpdate lists the fields to write. Nil fields are left unchanged.
// Writing the protected slot or its counter requires PIN2.
type UserDataUpdate struct {
	UserData             []byte
	UserProtectedData    []byte
	UserCounter          *uint32
	UserProtectedCounter *uint32
}

func (u UserDataUpdate) protected() bool {
	return u.UserProtectedData != nil || u.UserProtectedCounter != nil
}

type WriteUserDataCommand struct {
	update UserDataUpdate
}

// NewWriteUserDataCommand fails when the update changes nothing.
func NewWriteUserDataCommand(update UserDataUpdate) (*WriteUserDataCommand, error) {
	if update.UserData == nil && update.UserCounter == nil && !update.protected() {
		return nil, sdkerr.Serialization("WriteUserData", errors.New("nothing to write"))
	}
	update.UserData = bytes.Clone(update.UserData)
	update.UserProtectedData = bytes.Clone(update.UserProtectedData)
	return &WriteUserDataCommand{update: update}, nil
}

func (*WriteUserDataCommand) Name() string { return "WriteUserData" }

func (c *WriteUserDataCommand) Serialize(env *session.Environment) (*apdu.CommandApdu, error) {
	u := c.update
	b, err := authorized(env, c.Name(), u.protected())
	if err != nil {
		return nil, err
	}
	if u.UserData != nil {
		b.Bytes(tlv.TagUserData, u.UserData)
	}
	if u.UserCounter != nil {
		b.Uint(tlv.TagUserCounter, uint64(*u.UserCounter), 4)
	}
	if u.UserProtectedData != nil {
		b.Bytes(tlv.TagUserProtectedData, u.UserProtectedData)
	}
	if u.UserProtectedCounter != nil {
		b.Uint(tlv.TagUserProtectedCounter, uint64(*u.UserProtectedCounter), 4)
	}
	data, err := b.Encode()
	if err != nil {
		return nil, err
	}
	return apdu.NewCommand(apdu.InsWriteUserData, data), nil
}

func (c *WriteUserDataCommand) Deserialize(env *session.Environment, resp *apdu.ResponseApdu) (*WriteUserDataResponse, error) {
	items, err := resp.TLVs()
	if err != nil {
		return nil, err
	}
	id, err := responseCardID(env, items, c.Name())
	if err != nil {
		return nil, err
	}
	return &WriteUserDataResponse{CardID: id}, nil
}

func (*WriteUserDataCommand) RequiresPreflightRead() bool { return true }

func (c *WriteUserDataCommand) Run(ctx context.Context, s *session.Session) (*WriteUserDataResponse, error) {
	return session.RunCommand[*WriteUserDataResponse](ctx, s, c)
}
