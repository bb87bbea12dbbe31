package issuing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/congo-pay/giftwallet/internal/metrics"
)

const defaultTimeout = 10 * time.Second

// Issuer is the gateway between the wallet and the card processor. It owns
// the local card record and keeps it consistent with processor-side state.
// A nil processor disables issuing without breaking reads.
type Issuer struct {
	processor Processor
	repo      Repository
	currency  string
	timeout   time.Duration
	logger    *slog.Logger
	metrics   *metrics.Collectors
	now       func() time.Time
}

// Option customises an Issuer.
type Option func(*Issuer)

func WithTimeout(d time.Duration) Option {
	return func(i *Issuer) {
		if d > 0 {
			i.timeout = d
		}
	}
}

func WithMetrics(m *metrics.Collectors) Option {
	return func(i *Issuer) { i.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

// NewIssuer wires a processor and a card repository.
func NewIssuer(processor Processor, repo Repository, currency string, logger *slog.Logger, opts ...Option) *Issuer {
	i := &Issuer{
		processor: processor,
		repo:      repo,
		currency:  currency,
		timeout:   defaultTimeout,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// IsIssuingAvailable probes the processor. It never fails; a missing or
// unreachable processor reports false.
func (i *Issuer) IsIssuingAvailable(ctx context.Context) bool {
	if i.processor == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()
	return i.processor.Available(ctx)
}

// CurrentCard returns the local record of the user's card without contacting
// the processor.
func (i *Issuer) CurrentCard(ctx context.Context, userID string) (Card, error) {
	card, err := i.repo.Current(ctx, userID)
	if errors.Is(err, ErrCardNotFound) {
		return Card{}, ErrNoCard
	}
	return card, err
}

// CreateCard issues a virtual card for userID. A local requested record is
// stored before the processor is called and its id is the processor
// idempotency key, so a call that timed out can be resumed. Calling CreateCard
// while a requested card exists resumes that card.
//
// On ErrProcessorUnavailable the returned card stays requested. On
// ErrProcessorRejected the local record is closed.
func (i *Issuer) CreateCard(ctx context.Context, userID string) (Card, error) {
	if i.processor == nil {
		return Card{}, ErrProcessorUnavailable
	}

	current, err := i.CurrentCard(ctx, userID)
	switch {
	case err == nil && current.Status == StatusRequested:
		return i.drive(ctx, current)
	case err == nil && current.Status.Open():
		return current, ErrCardExists
	case err != nil && !errors.Is(err, ErrNoCard):
		return Card{}, err
	}

	now := i.now()
	card := Card{
		ID:        uuid.NewString(),
		UserID:    userID,
		Status:    StatusRequested,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := i.repo.Create(ctx, card); err != nil {
		return Card{}, err
	}
	return i.drive(ctx, card)
}

// drive pushes a requested card to the processor and records the outcome.
func (i *Issuer) drive(ctx context.Context, card Card) (Card, error) {
	req := CreateRequest{
		IdempotencyKey: card.ID,
		CardID:         card.ID,
		UserID:         card.UserID,
		Currency:       i.currency,
	}

	var issued ProcessorCard
	err := i.call(ctx, "create_card", func(ctx context.Context) error {
		var err error
		issued, err = i.processor.CreateCard(ctx, req)
		return err
	})
	switch {
	case errors.Is(err, ErrProcessorRejected):
		closed, uerr := i.repo.Modify(ctx, card.ID, func(c Card) (Card, error) {
			if c.Status == StatusRequested {
				c.Status = StatusClosed
				c.UpdatedAt = i.now()
			}
			return c, nil
		})
		if uerr != nil {
			i.logger.Error("close rejected card", slog.String("card_id", card.ID), slog.Any("error", uerr))
			card.Status = StatusClosed
			return card, err
		}
		return closed, err
	case err != nil:
		i.logger.Warn("card creation pending", slog.String("card_id", card.ID), slog.Any("error", err))
		return card, err
	}

	return i.record(ctx, card, issued)
}

// record copies processor state onto the stored card. Status only moves while
// the stored card is still requested, so a webhook that landed during the
// processor call is never undone.
func (i *Issuer) record(ctx context.Context, card Card, issued ProcessorCard) (Card, error) {
	return i.repo.Modify(ctx, card.ID, func(c Card) (Card, error) {
		if c.ProcessorCardID == "" {
			c.ProcessorCardID = issued.ID
		}
		if issued.LastFour != "" {
			c.LastFour = issued.LastFour
		}
		if c.Status == StatusRequested && issued.Status != c.Status && CanTransition(c.Status, issued.Status) {
			c.Status = issued.Status
		}
		c.UpdatedAt = i.now()
		return c, nil
	})
}

// Refresh polls the processor for a requested card. A card the processor
// already knows is fetched; one whose create call never completed is driven
// again under the same idempotency key. Processor failures are logged and the
// local record is returned unchanged.
func (i *Issuer) Refresh(ctx context.Context, card Card) Card {
	if card.Status != StatusRequested || i.processor == nil {
		return card
	}
	if card.ProcessorCardID != "" {
		var fetched ProcessorCard
		err := i.call(ctx, "fetch_card", func(ctx context.Context) error {
			var err error
			fetched, err = i.processor.FetchCard(ctx, card.ProcessorCardID)
			return err
		})
		if err != nil {
			return card
		}
		updated, err := i.record(ctx, card, fetched)
		if err != nil {
			i.logger.Error("record fetched card", slog.String("card_id", card.ID), slog.Any("error", err))
			return card
		}
		return updated
	}
	updated, err := i.drive(ctx, card)
	if err != nil && !errors.Is(err, ErrProcessorRejected) {
		return card
	}
	return updated
}

// SetStatus asks the processor to move the user's card to status and updates
// the local record only after the processor accepted the change.
func (i *Issuer) SetStatus(ctx context.Context, userID string, status Status) (Card, error) {
	card, err := i.CurrentCard(ctx, userID)
	if err != nil {
		return Card{}, err
	}
	if !card.Status.Open() {
		return card, ErrNoCard
	}
	if card.Status == status {
		return card, nil
	}
	if card.ProcessorCardID == "" || !CanTransition(card.Status, status) {
		return card, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, card.Status, status)
	}
	if i.processor == nil {
		return card, ErrProcessorUnavailable
	}

	var updated ProcessorCard
	err = i.call(ctx, "update_card", func(ctx context.Context) error {
		var err error
		updated, err = i.processor.UpdateCardStatus(ctx, card.ProcessorCardID, status)
		return err
	})
	if err != nil {
		return card, err
	}
	if updated.Status != "" && updated.Status != status {
		i.logger.Warn("processor reported unexpected status",
			slog.String("card_id", card.ID), slog.String("want", string(status)), slog.String("got", string(updated.Status)))
	}

	return i.repo.Modify(ctx, card.ID, func(c Card) (Card, error) {
		if c.Status == status {
			return c, nil
		}
		// a webhook may have moved the card while the processor call ran
		if !CanTransition(c.Status, status) {
			return c, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, c.Status, status)
		}
		c.Status = status
		c.UpdatedAt = i.now()
		return c, nil
	})
}

// Reconcile applies a processor webhook to the local record. It reports
// whether the card changed; transitions out of closed and repeats of the
// current status are acknowledged without effect.
func (i *Issuer) Reconcile(ctx context.Context, ev Event) (Card, bool, error) {
	if ev.ID == "" {
		return Card{}, false, fmt.Errorf("%w: missing event id", ErrInvalidEvent)
	}

	changed := false
	card, err := i.repo.ApplyEvent(ctx, ev, func(c Card) Card {
		if c.ProcessorCardID == "" && ev.ProcessorCardID != "" {
			c.ProcessorCardID = ev.ProcessorCardID
			changed = true
		}
		if ev.LastFour != "" && c.LastFour != ev.LastFour {
			c.LastFour = ev.LastFour
			changed = true
		}
		if ev.Status != "" && CanTransition(c.Status, ev.Status) {
			c.Status = ev.Status
			changed = true
		}
		if changed {
			c.UpdatedAt = i.now()
		}
		return c
	})

	outcome := "applied"
	switch {
	case errors.Is(err, ErrReplayedEvent):
		outcome = "replayed"
	case errors.Is(err, ErrUnknownCard):
		outcome = "unknown_card"
	case err != nil:
		outcome = "error"
	case !changed:
		outcome = "stale"
	}
	i.metrics.WebhookEvent(outcome)
	i.logger.Info("card webhook reconciled",
		slog.String("event_id", ev.ID),
		slog.String("event_type", ev.Type),
		slog.String("outcome", outcome))

	if err != nil {
		return card, false, err
	}
	return card, changed, nil
}

// SignatureHeader names the header the processor signs webhooks with.
func (i *Issuer) SignatureHeader() string {
	if i.processor == nil {
		return ""
	}
	return i.processor.SignatureHeader()
}

// ParseWebhook verifies and decodes a processor webhook payload.
func (i *Issuer) ParseWebhook(payload []byte, signature string) (Event, error) {
	if i.processor == nil {
		return Event{}, ErrInvalidSignature
	}
	return i.processor.ParseWebhook(payload, signature)
}

// call runs fn under the issuer timeout and folds every failure into
// ErrProcessorRejected or ErrProcessorUnavailable.
func (i *Issuer) call(ctx context.Context, operation string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)

	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrProcessorRejected):
		outcome = "rejected"
	default:
		outcome = "unavailable"
		if !errors.Is(err, ErrProcessorUnavailable) {
			err = fmt.Errorf("%w: %v", ErrProcessorUnavailable, err)
		}
	}
	i.metrics.ProcessorCall(operation, outcome, time.Since(start))
	if err != nil {
		i.logger.Warn("card processor call failed",
			slog.String("processor", i.processor.Name()),
			slog.String("operation", operation),
			slog.String("outcome", outcome),
			slog.Any("error", err))
	}
	return err
}
