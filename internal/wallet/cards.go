package wallet

import (
	"context"
	"errors"
	"log/slog"

	"github.com/congo-pay/giftwallet/internal/eligibility"
	"github.com/congo-pay/giftwallet/internal/issuing"
	"github.com/congo-pay/giftwallet/internal/notification"
)

// RequestCard issues a virtual card once the eligibility gate approves. A
// card left requested by an earlier timeout is resumed instead of gated
// again. Issuer failures never touch the ledger.
func (s *Service) RequestCard(ctx context.Context, accountID string) (issuing.Card, error) {
	if accountID == "" {
		return issuing.Card{}, ErrInvalidAccount
	}

	current, err := s.issuer.CurrentCard(ctx, accountID)
	if err != nil && !errors.Is(err, issuing.ErrNoCard) {
		return issuing.Card{}, err
	}
	if err != nil || current.Status != issuing.StatusRequested {
		decision, err := s.gate.Check(ctx, accountID)
		if err != nil {
			return issuing.Card{}, err
		}
		if !decision.Eligible {
			return issuing.Card{}, decision.Err()
		}
	}

	card, err := s.issuer.CreateCard(ctx, accountID)
	if errors.Is(err, issuing.ErrCardExists) {
		// lost a race with a concurrent request for the same user
		return card, &eligibility.IneligibleError{Reason: eligibility.ReasonCardExists}
	}
	if card.ID != "" && (err == nil || errors.Is(err, issuing.ErrProcessorRejected)) {
		s.cardChanged(ctx, card)
	}
	if err != nil {
		return card, err
	}
	return card, nil
}

// CardStatus reports the user's card and whether a new one may be requested.
// A requested card is polled at the processor first.
func (s *Service) CardStatus(ctx context.Context, accountID string) (CardStatus, error) {
	var status CardStatus

	card, err := s.issuer.CurrentCard(ctx, accountID)
	switch {
	case err == nil:
		if card.Status == issuing.StatusRequested {
			refreshed := s.issuer.Refresh(ctx, card)
			if refreshed.Status != card.Status {
				s.cardChanged(ctx, refreshed)
			}
			card = refreshed
		}
		status.Card = &card
	case !errors.Is(err, issuing.ErrNoCard):
		return CardStatus{}, err
	}

	decision, err := s.gate.Check(ctx, accountID)
	if err != nil {
		return CardStatus{}, err
	}
	status.CanCreate = decision.Eligible
	status.Reason = decision.Reason
	return status, nil
}

func (s *Service) FreezeCard(ctx context.Context, accountID string) (issuing.Card, error) {
	return s.setCardStatus(ctx, accountID, issuing.StatusFrozen)
}

func (s *Service) UnfreezeCard(ctx context.Context, accountID string) (issuing.Card, error) {
	return s.setCardStatus(ctx, accountID, issuing.StatusActive)
}

func (s *Service) CloseCard(ctx context.Context, accountID string) (issuing.Card, error) {
	return s.setCardStatus(ctx, accountID, issuing.StatusClosed)
}

func (s *Service) setCardStatus(ctx context.Context, accountID string, status issuing.Status) (issuing.Card, error) {
	before, err := s.issuer.CurrentCard(ctx, accountID)
	if err != nil {
		return issuing.Card{}, err
	}
	card, err := s.issuer.SetStatus(ctx, accountID, status)
	if err != nil {
		return card, err
	}
	if card.Status != before.Status {
		s.cardChanged(ctx, card)
	}
	return card, nil
}

// HandleCardWebhook verifies a processor delivery and reconciles it. Replayed
// events and unknown cards come back as errors together with an
// acknowledgement the caller should still return to the processor.
func (s *Service) HandleCardWebhook(ctx context.Context, payload []byte, signature string) (WebhookResult, error) {
	ev, err := s.issuer.ParseWebhook(payload, signature)
	if err != nil {
		return WebhookResult{}, err
	}
	return s.HandleCardEvent(ctx, ev)
}

// WebhookSignatureHeader names the header carrying the processor signature.
func (s *Service) WebhookSignatureHeader() string {
	return s.issuer.SignatureHeader()
}

// HandleCardEvent reconciles an already verified processor event.
func (s *Service) HandleCardEvent(ctx context.Context, ev issuing.Event) (WebhookResult, error) {
	result := WebhookResult{EventID: ev.ID}
	card, changed, err := s.issuer.Reconcile(ctx, ev)
	switch {
	case errors.Is(err, issuing.ErrReplayedEvent):
		result.Outcome = "replayed"
		return result, err
	case errors.Is(err, issuing.ErrUnknownCard):
		result.Outcome = "unknown_card"
		return result, err
	case err != nil:
		return WebhookResult{}, err
	}

	if !changed {
		result.Outcome = "ignored"
		return result, nil
	}
	result.Outcome = "applied"
	s.cardChanged(ctx, card)
	return result, nil
}

func (s *Service) cardChanged(ctx context.Context, card issuing.Card) {
	s.logger.Info("card status changed",
		slog.String("card_id", card.ID),
		slog.String("user_id", card.UserID),
		slog.String("status", string(card.Status)))
	s.notify(ctx, notification.Message{
		Kind:        notification.KindCardStatusChanged,
		Destination: card.UserID,
		Body: notification.CardStatusChanged{
			CardID:   card.ID,
			Status:   string(card.Status),
			LastFour: card.LastFour,
		},
	})
}
