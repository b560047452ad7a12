// Package commands implements the Tangem card commands and tasks the agent
// exposes. Every command is a session.Command and, run on its own, a
// session.Runnable that expects the preflight read.
package commands

import (
	"github.com/SimplyPrint/tangem-agent/internal/card"
	"github.com/SimplyPrint/tangem-agent/internal/sdkerr"
	"github.com/SimplyPrint/tangem-agent/internal/session"
	"github.com/SimplyPrint/tangem-agent/internal/tlv"
)

// requireCard returns the card found by the preflight read.
func requireCard(env *session.Environment, op string) (*card.Card, error) {
	if env.Card == nil || env.Card.CardID == "" {
		return nil, sdkerr.New(sdkerr.CodeCardMissingData, op, "no card has been read in this session")
	}
	return env.Card, nil
}

// authorized starts a payload with PIN1 and the card ID, plus PIN2 when withPin2 is set.
func authorized(env *session.Environment, op string, withPin2 bool) (*tlv.Builder, error) {
	c, err := requireCard(env, op)
	if err != nil {
		return nil, err
	}
	b := tlv.NewBuilder().Bytes(tlv.TagPin, env.Pin1Hash()).Hex(tlv.TagCardID, c.CardID)
	if withPin2 {
		b.Bytes(tlv.TagPin2, env.Pin2Hash())
	}
	return b, nil
}

// responseCardID decodes the response and checks it answers for the expected card.
func responseCardID(env *session.Environment, items tlv.List, op string) (string, error) {
	id, err := items.Hex(tlv.TagCardID)
	if err != nil {
		return "", err
	}
	if env.Card != nil && env.Card.CardID != "" && id != env.Card.CardID {
		return "", &sdkerr.Error{Code: sdkerr.CodeWrongCard, Op: op, Message: "response came from card " + id}
	}
	return id, nil
}
