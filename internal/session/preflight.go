package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/SimplyPrint/tangem-agent/internal/card"
	"github.com/SimplyPrint/tangem-agent/internal/logging"
	"github.com/SimplyPrint/tangem-agent/internal/sdkerr"
)

// preflightCheck reads the card and verifies it is the one the operation is
// for. A wrong card is reported to the delegate and the check repeats on the
// next tap, up to MaxWrongCardAttempts. A rejected PIN1 is re-requested from
// the delegate up to MaxPinAttempts.
func (s *Session) preflightCheck(ctx context.Context) error {
	wrongCards := 0
	pinAttempts := 0

	for {
		gen := s.connectionGeneration()
		c, err := RunCommand[*card.Card](ctx, s, &ReadCommand{})
		if err != nil {
			if errors.Is(err, sdkerr.ErrInvalidParams) && pinAttempts < s.cfg.MaxPinAttempts {
				pinAttempts++
				if s.requestPin1(ctx) {
					continue
				}
			}
			return err
		}

		// A card without an ID never matches an expected one.
		expected := s.CardID()
		if expected != "" && !strings.EqualFold(c.CardID, expected) {
			wrongCards++
			logging.Warn(logging.CatSession, "Wrong card tapped", map[string]any{
				"session":  s.ID,
				"expected": expected,
				"got":      c.CardID,
				"attempt":  wrongCards,
			})
			s.delegate.OnWrongCard()
			if wrongCards >= s.cfg.MaxWrongCardAttempts {
				return &sdkerr.Error{Code: sdkerr.CodeWrongCard, Op: "Preflight", Message: fmt.Sprintf("card %q is not %s", c.CardID, expected)}
			}
			if _, err := s.waitForNewTag(ctx, gen); err != nil {
				return err
			}
			continue
		}

		if err := s.checkCard(c); err != nil {
			return err
		}

		s.env.Card = c
		s.mu.Lock()
		if s.cardID == "" {
			s.cardID = c.CardID
		}
		s.mu.Unlock()
		logging.Info(logging.CatCard, "Card read", map[string]any{
			"session":  s.ID,
			"cardId":   c.CardID,
			"status":   c.Status.String(),
			"firmware": c.FirmwareVersion,
		})
		return nil
	}
}

// checkCard rejects cards the session may not operate on. A card that has not
// been personalized carries no identity yet and is let through.
func (s *Session) checkCard(c *card.Card) error {
	if c.Status == card.StatusNotPersonalized {
		return nil
	}
	if c.CardID == "" {
		return &sdkerr.Error{Code: sdkerr.CodeCardMissingData, Op: "Preflight", Message: "card did not report its ID"}
	}
	if t := c.Type(); !slices.Contains(s.cfg.AllowedCardTypes, t) {
		return &sdkerr.Error{Code: sdkerr.CodeWrongCardType, Op: "Preflight", Message: "card type " + string(t) + " is not allowed"}
	}
	return nil
}

// requestPin1 asks the delegate for a new PIN1 and reports whether one was given.
func (s *Session) requestPin1(ctx context.Context) bool {
	pin, err := s.delegate.RequestPIN(ctx, PinKindPin1)
	if err != nil || pin == "" {
		return false
	}
	s.env.Pin1 = pin
	// the protocol key is derived from PIN1
	s.mu.Lock()
	s.env.EncryptionKey = nil
	s.mu.Unlock()
	return true
}
