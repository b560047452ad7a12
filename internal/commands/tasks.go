package commands

import (
	"context"
	"errors"

	"github.com/SimplyPrint/tangem-agent/internal/card"
	"github.com/SimplyPrint/tangem-agent/internal/logging"
	"github.com/SimplyPrint/tangem-agent/internal/sdkerr"
	"github.com/SimplyPrint/tangem-agent/internal/session"
)

// ScanTask returns the card found by the preflight read. When the card holds
// a wallet, CheckWallet proves the wallet key is genuine before returning.
type ScanTask struct{}

func (*ScanTask) RequiresPreflightRead() bool { return true }

func (*ScanTask) Run(ctx context.Context, s *session.Session) (*card.Card, error) {
	c, err := requireCard(s.Environment(), "Scan")
	if err != nil {
		// blank cards carry no ID but are still worth reporting
		if env := s.Environment(); env.Card != nil && env.Card.Status == card.StatusNotPersonalized {
			return env.Card, nil
		}
		return nil, err
	}
	if !c.HasWallet() {
		return c, nil
	}
	check, err := NewCheckWalletCommand()
	if err != nil {
		return nil, err
	}
	if _, err := session.RunCommand[*CheckWalletResponse](ctx, s, check); err != nil {
		return nil, err
	}
	return c, nil
}

// CreateWalletTask creates the wallet and confirms it with CheckWallet. A card
// lifted right after creation is asked once more for the check.
type CreateWalletTask struct{}

func (*CreateWalletTask) RequiresPreflightRead() bool { return true }

func (*CreateWalletTask) Run(ctx context.Context, s *session.Session) (*CreateWalletResponse, error) {
	created, err := session.RunCommand[*CreateWalletResponse](ctx, s, &CreateWalletCommand{})
	if err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		check, err := NewCheckWalletCommand()
		if err != nil {
			return nil, err
		}
		_, err = session.RunCommand[*CheckWalletResponse](ctx, s, check)
		if err == nil {
			return created, nil
		}
		if !errors.Is(err, sdkerr.ErrTagLost) || attempt > 0 {
			return nil, err
		}
		logging.Warn(logging.CatSession, "Card lost before wallet check, waiting for it again", map[string]any{
			"session": s.ID,
			"cardId":  created.CardID,
		})
	}
}
