package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/SimplyPrint/tangem-agent/internal/card"
	"github.com/SimplyPrint/tangem-agent/internal/commands"
	"github.com/SimplyPrint/tangem-agent/internal/sdk"
)

// operation starts a card operation described by payload. reply is called
// exactly once with the result unless the payload is rejected, in which case
// the error is returned and reply is never called.
type operation func(ctx context.Context, s *Server, payload json.RawMessage, reply func(any, error)) error

// operations is shared by the HTTP routes and the WebSocket protocol.
var operations = map[string]operation{
	"scan":                    opScan,
	"sign":                    opSign,
	"read_issuer_data":        opReadIssuerData,
	"read_issuer_extra_data":  opReadIssuerExtraData,
	"write_issuer_data":       opWriteIssuerData,
	"write_issuer_extra_data": opWriteIssuerExtraData,
	"read_user_data":          opReadUserData,
	"write_user_data":         opWriteUserData,
	"create_wallet":           opCreateWallet,
	"purge_wallet":            opPurgeWallet,
}

// requestError is a malformed request, reported as 400.
type requestError struct {
	msg string
}

func (e *requestError) Error() string { return e.msg }

func badRequest(msg string) error { return &requestError{msg: msg} }

// ErrorBody is the JSON form of an error.
type ErrorBody struct {
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

type cardRequest struct {
	CardID string `json:"cardId"`
}

func decodePayload(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return badRequest("invalid payload: " + err.Error())
	}
	return nil
}

func decodeHex(field, s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, badRequest(fmt.Sprintf("%s is not valid hex", field))
	}
	return b, nil
}

func decodeOptionalHex(field string, s *string) ([]byte, error) {
	if s == nil {
		return nil, nil
	}
	b, err := decodeHex(field, *s)
	if err != nil {
		return nil, err
	}
	if b == nil {
		b = []byte{}
	}
	return b, nil
}

// replyWith adapts reply to a typed manager callback.
func replyWith[T any](reply func(any, error), view func(T) any) func(sdk.Result[T]) {
	return func(r sdk.Result[T]) {
		if r.Err != nil {
			reply(nil, r.Err)
			return
		}
		reply(view(r.Value), nil)
	}
}

func opScan(ctx context.Context, s *Server, _ json.RawMessage, reply func(any, error)) error {
	s.manager.ScanCard(ctx, replyWith(reply, func(c *card.Card) any { return c }))
	return nil
}

type signView struct {
	CardID              string   `json:"cardId"`
	Signatures          []string `json:"signatures"`
	RemainingSignatures uint64   `json:"walletRemainingSignatures"`
	SignedHashes        uint64   `json:"walletSignedHashes"`
}

func opSign(ctx context.Context, s *Server, payload json.RawMessage, reply func(any, error)) error {
	var req struct {
		CardID string   `json:"cardId"`
		Hashes []string `json:"hashes"`
	}
	if err := decodePayload(payload, &req); err != nil {
		return err
	}
	hashes := make([][]byte, len(req.Hashes))
	for i, h := range req.Hashes {
		b, err := decodeHex(fmt.Sprintf("hashes[%d]", i), h)
		if err != nil {
			return err
		}
		hashes[i] = b
	}
	s.manager.Sign(ctx, hashes, req.CardID, replyWith(reply, func(r *commands.SignResponse) any {
		return signView{
			CardID:              r.CardID,
			Signatures:          r.HexSignatures(),
			RemainingSignatures: r.RemainingSignatures,
			SignedHashes:        r.SignedHashes,
		}
	}))
	return nil
}

type issuerDataView struct {
	CardID              string  `json:"cardId"`
	IssuerData          string  `json:"issuerData"`
	IssuerDataSignature string  `json:"issuerDataSignature"`
	IssuerDataCounter   *uint32 `json:"issuerDataCounter,omitempty"`
	Size                int     `json:"size,omitempty"`
}

func opReadIssuerData(ctx context.Context, s *Server, payload json.RawMessage, reply func(any, error)) error {
	var req cardRequest
	if err := decodePayload(payload, &req); err != nil {
		return err
	}
	s.manager.ReadIssuerData(ctx, req.CardID, replyWith(reply, func(r *commands.ReadIssuerDataResponse) any {
		return issuerDataView{
			CardID:              r.CardID,
			IssuerData:          hex.EncodeToString(r.IssuerData),
			IssuerDataSignature: hex.EncodeToString(r.IssuerDataSignature),
			IssuerDataCounter:   r.IssuerDataCounter,
		}
	}))
	return nil
}

func opReadIssuerExtraData(ctx context.Context, s *Server, payload json.RawMessage, reply func(any, error)) error {
	var req cardRequest
	if err := decodePayload(payload, &req); err != nil {
		return err
	}
	s.manager.ReadIssuerExtraData(ctx, req.CardID, replyWith(reply, func(r *commands.ReadIssuerExtraDataResponse) any {
		return issuerDataView{
			CardID:              r.CardID,
			IssuerData:          hex.EncodeToString(r.IssuerData),
			IssuerDataSignature: hex.EncodeToString(r.IssuerDataSignature),
			IssuerDataCounter:   r.IssuerDataCounter,
			Size:                r.Size,
		}
	}))
	return nil
}

func opWriteIssuerData(ctx context.Context, s *Server, payload json.RawMessage, reply func(any, error)) error {
	var req struct {
		CardID    string  `json:"cardId"`
		Data      string  `json:"issuerData"`
		Signature string  `json:"issuerDataSignature"`
		Counter   *uint32 `json:"issuerDataCounter"`
	}
	if err := decodePayload(payload, &req); err != nil {
		return err
	}
	data, err := decodeHex("issuerData", req.Data)
	if err != nil {
		return err
	}
	sig, err := decodeHex("issuerDataSignature", req.Signature)
	if err != nil {
		return err
	}
	s.manager.WriteIssuerData(ctx, req.CardID, data, sig, req.Counter, replyWith(reply, func(r *commands.WriteIssuerDataResponse) any {
		return r
	}))
	return nil
}

func opWriteIssuerExtraData(ctx context.Context, s *Server, payload json.RawMessage, reply func(any, error)) error {
	var req struct {
		CardID              string  `json:"cardId"`
		Data                string  `json:"issuerData"`
		StartingSignature   string  `json:"startingSignature"`
		FinalizingSignature string  `json:"finalizingSignature"`
		Counter             *uint32 `json:"issuerDataCounter"`
	}
	if err := decodePayload(payload, &req); err != nil {
		return err
	}
	data, err := decodeHex("issuerData", req.Data)
	if err != nil {
		return err
	}
	start, err := decodeHex("startingSignature", req.StartingSignature)
	if err != nil {
		return err
	}
	final, err := decodeHex("finalizingSignature", req.FinalizingSignature)
	if err != nil {
		return err
	}
	s.manager.WriteIssuerExtraData(ctx, req.CardID, data, start, final, req.Counter, replyWith(reply, func(r *commands.WriteIssuerDataResponse) any {
		return r
	}))
	return nil
}

type userDataView struct {
	CardID               string `json:"cardId"`
	UserData             string `json:"userData"`
	UserProtectedData    string `json:"userProtectedData"`
	UserCounter          uint32 `json:"userCounter"`
	UserProtectedCounter uint32 `json:"userProtectedCounter"`
}

func opReadUserData(ctx context.Context, s *Server, payload json.RawMessage, reply func(any, error)) error {
	var req cardRequest
	if err := decodePayload(payload, &req); err != nil {
		return err
	}
	s.manager.ReadUserData(ctx, req.CardID, replyWith(reply, func(r *commands.ReadUserDataResponse) any {
		return userDataView{
			CardID:               r.CardID,
			UserData:             hex.EncodeToString(r.UserData),
			UserProtectedData:    hex.EncodeToString(r.UserProtectedData),
			UserCounter:          r.UserCounter,
			UserProtectedCounter: r.UserProtectedCounter,
		}
	}))
	return nil
}

func opWriteUserData(ctx context.Context, s *Server, payload json.RawMessage, reply func(any, error)) error {
	var req struct {
		CardID               string  `json:"cardId"`
		UserData             *string `json:"userData"`
		UserProtectedData    *string `json:"userProtectedData"`
		UserCounter          *uint32 `json:"userCounter"`
		UserProtectedCounter *uint32 `json:"userProtectedCounter"`
	}
	if err := decodePayload(payload, &req); err != nil {
		return err
	}
	update := commands.UserDataUpdate{
		UserCounter:          req.UserCounter,
		UserProtectedCounter: req.UserProtectedCounter,
	}
	var err error
	if update.UserData, err = decodeOptionalHex("userData", req.UserData); err != nil {
		return err
	}
	if update.UserProtectedData, err = decodeOptionalHex("userProtectedData", req.UserProtectedData); err != nil {
		return err
	}
	s.manager.WriteUserData(ctx, req.CardID, update, replyWith(reply, func(r *commands.WriteUserDataResponse) any {
		return r
	}))
	return nil
}

type walletView struct {
	CardID          string      `json:"cardId"`
	Status          card.Status `json:"status"`
	WalletPublicKey string      `json:"walletPublicKey,omitempty"`
}

func opCreateWallet(ctx context.Context, s *Server, payload json.RawMessage, reply func(any, error)) error {
	var req cardRequest
	if err := decodePayload(payload, &req); err != nil {
		return err
	}
	s.manager.CreateWallet(ctx, req.CardID, replyWith(reply, func(r *commands.CreateWalletResponse) any {
		return walletView{CardID: r.CardID, Status: r.Status, WalletPublicKey: hex.EncodeToString(r.WalletPublicKey)}
	}))
	return nil
}

func opPurgeWallet(ctx context.Context, s *Server, payload json.RawMessage, reply func(any, error)) error {
	var req cardRequest
	if err := decodePayload(payload, &req); err != nil {
		return err
	}
	s.manager.PurgeWallet(ctx, req.CardID, replyWith(reply, func(r *commands.PurgeWalletResponse) any {
		return walletView{CardID: r.CardID, Status: r.Status}
	}))
	return nil
}
