package sdk

import (
	"context"

	"github.com/SimplyPrint/tangem-agent/internal/card"
	"github.com/SimplyPrint/tangem-agent/internal/commands"
	"github.com/SimplyPrint/tangem-agent/internal/session"
)

// StartSession runs an arbitrary runnable against the card with cardID, or
// any card when cardID is empty.
func StartSession[T any](ctx context.Context, m *Manager, r session.Runnable[T], cardID string, message *session.Message, callback func(Result[T])) {
	RunTask(ctx, m, "StartSession", r, cardID, message, callback)
}

// ScanCard reads the tapped card and verifies its wallet.
func (m *Manager) ScanCard(ctx context.Context, callback func(Result[*card.Card])) {
	RunTask[*card.Card](ctx, m, "ScanCard", &commands.ScanTask{}, "", nil, callback)
}

// Sign signs hashes with the wallet of the card with cardID. Invalid hashes
// fail synchronously without touching the card.
func (m *Manager) Sign(ctx context.Context, hashes [][]byte, cardID string, callback func(Result[*commands.SignResponse])) {
	cmd, err := commands.NewSignCommand(hashes)
	if err != nil {
		callback(Failure[*commands.SignResponse](err))
		return
	}
	RunTask[*commands.SignResponse](ctx, m, "Sign", cmd, cardID, nil, callback)
}

func (m *Manager) ReadIssuerData(ctx context.Context, cardID string, callback func(Result[*commands.ReadIssuerDataResponse])) {
	cmd := &commands.ReadIssuerDataCommand{IssuerPublicKey: m.Config().IssuerPublicKey}
	RunTask[*commands.ReadIssuerDataResponse](ctx, m, "ReadIssuerData", cmd, cardID, nil, callback)
}

func (m *Manager) ReadIssuerExtraData(ctx context.Context, cardID string, callback func(Result[*commands.ReadIssuerExtraDataResponse])) {
	cmd := &commands.ReadIssuerExtraDataCommand{IssuerPublicKey: m.Config().IssuerPublicKey}
	RunTask[*commands.ReadIssuerExtraDataResponse](ctx, m, "ReadIssuerExtraData", cmd, cardID, nil, callback)
}

// WriteIssuerData replaces the issuer data. counter may be nil unless the
// card protects issuer data against replay.
func (m *Manager) WriteIssuerData(ctx context.Context, cardID string, data, signature []byte, counter *uint32, callback func(Result[*commands.WriteIssuerDataResponse])) {
	cmd, err := commands.NewWriteIssuerDataCommand(data, signature, counter)
	if err != nil {
		callback(Failure[*commands.WriteIssuerDataResponse](err))
		return
	}
	RunTask[*commands.WriteIssuerDataResponse](ctx, m, "WriteIssuerData", cmd, cardID, nil, callback)
}

// WriteIssuerExtraData replaces the issuer extra data in chunks. counter may
// be nil unless the card protects issuer data against replay and restricts
// overwriting the extra data.
func (m *Manager) WriteIssuerExtraData(ctx context.Context, cardID string, data, startingSignature, finalizingSignature []byte, counter *uint32, callback func(Result[*commands.WriteIssuerDataResponse])) {
	cmd, err := commands.NewWriteIssuerExtraDataCommand(data, startingSignature, finalizingSignature, counter)
	if err != nil {
		callback(Failure[*commands.WriteIssuerDataResponse](err))
		return
	}
	RunTask[*commands.WriteIssuerDataResponse](ctx, m, "WriteIssuerExtraData", cmd, cardID, nil, callback)
}

func (m *Manager) ReadUserData(ctx context.Context, cardID string, callback func(Result[*commands.ReadUserDataResponse])) {
	RunTask[*commands.ReadUserDataResponse](ctx, m, "ReadUserData", &commands.ReadUserDataCommand{}, cardID, nil, callback)
}

func (m *Manager) WriteUserData(ctx context.Context, cardID string, update commands.UserDataUpdate, callback func(Result[*commands.WriteUserDataResponse])) {
	cmd, err := commands.NewWriteUserDataCommand(update)
	if err != nil {
		callback(Failure[*commands.WriteUserDataResponse](err))
		return
	}
	RunTask[*commands.WriteUserDataResponse](ctx, m, "WriteUserData", cmd, cardID, nil, callback)
}

// CreateWallet creates a wallet and confirms it with CheckWallet.
func (m *Manager) CreateWallet(ctx context.Context, cardID string, callback func(Result[*commands.CreateWalletResponse])) {
	RunTask[*commands.CreateWalletResponse](ctx, m, "CreateWallet", &commands.CreateWalletTask{}, cardID, nil, callback)
}

func (m *Manager) PurgeWallet(ctx context.Context, cardID string, callback func(Result[*commands.PurgeWalletResponse])) {
	RunTask[*commands.PurgeWalletResponse](ctx, m, "PurgeWallet", &commands.PurgeWalletCommand{}, cardID, nil, callback)
}

// Personalize writes config to a blank development card.
func (m *Manager) Personalize(ctx context.Context, config commands.CardConfig, callback func(Result[*card.Card])) {
	cmd, err := commands.NewPersonalizeCommand(config)
	if err != nil {
		callback(Failure[*card.Card](err))
		return
	}
	RunTask[*card.Card](ctx, m, "Personalize", cmd, "", nil, callback)
}

// Depersonalize wipes the card with cardID back to the blank state.
func (m *Manager) Depersonalize(ctx context.Context, cardID string, callback func(Result[*commands.DepersonalizeResponse])) {
	RunTask[*commands.DepersonalizeResponse](ctx, m, "Depersonalize", &commands.DepersonalizeCommand{}, cardID, nil, callback)
}
