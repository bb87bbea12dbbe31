package issuing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/balance"
	"github.com/stripe/stripe-go/v72/issuing/card"
	"github.com/stripe/stripe-go/v72/issuing/cardholder"
	"github.com/stripe/stripe-go/v72/webhook"
)

// StripeSignatureHeader is the header Stripe signs webhook deliveries with.
const StripeSignatureHeader = "Stripe-Signature"

const (
	metadataCardID = "card_id"
	metadataUserID = "user_id"
)

// StripeConfig configures the Stripe Issuing connector.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	// APIURL overrides the Stripe API base URL.
	APIURL     string
	HTTPClient *http.Client

	BillingLine1      string
	BillingCity       string
	BillingPostalCode string
	BillingCountry    string
}

// StripeProcessor issues virtual cards through Stripe Issuing.
type StripeProcessor struct {
	cfg         StripeConfig
	cards       card.Client
	cardholders cardholder.Client
	balances    balance.Client
}

// NewStripeProcessor builds a connector with its own backend so that the
// package-level stripe.Key is never touched. Network retries are disabled;
// retry policy belongs to the caller.
func NewStripeProcessor(cfg StripeConfig) *StripeProcessor {
	backendCfg := &stripe.BackendConfig{
		HTTPClient:        cfg.HTTPClient,
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	if cfg.APIURL != "" {
		backendCfg.URL = stripe.String(cfg.APIURL)
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg)
	return &StripeProcessor{
		cfg:         cfg,
		cards:       card.Client{B: backend, Key: cfg.SecretKey},
		cardholders: cardholder.Client{B: backend, Key: cfg.SecretKey},
		balances:    balance.Client{B: backend, Key: cfg.SecretKey},
	}
}

func (p *StripeProcessor) Name() string { return "stripe" }

// Available treats any authenticated API response as a healthy processor.
func (p *StripeProcessor) Available(ctx context.Context) bool {
	if p.cfg.SecretKey == "" {
		return false
	}
	params := &stripe.BalanceParams{}
	params.Context = ctx
	_, err := p.balances.Get(params)
	return err == nil
}

// CreateCard creates a cardholder and a virtual card. Both calls carry
// idempotency keys derived from the request so a retry returns the same card.
func (p *StripeProcessor) CreateCard(ctx context.Context, req CreateRequest) (ProcessorCard, error) {
	holderParams := &stripe.IssuingCardholderParams{
		Name: stripe.String(cardholderName(req.CardholderName)),
		Type: stripe.String(string(stripe.IssuingCardholderTypeIndividual)),
		Billing: &stripe.IssuingCardholderBillingParams{
			Address: &stripe.AddressParams{
				Line1:      stripe.String(p.cfg.BillingLine1),
				City:       stripe.String(p.cfg.BillingCity),
				PostalCode: stripe.String(p.cfg.BillingPostalCode),
				Country:    stripe.String(p.cfg.BillingCountry),
			},
		},
	}
	holderParams.Context = ctx
	holderParams.SetIdempotencyKey("cardholder-" + req.IdempotencyKey)
	holderParams.AddMetadata(metadataUserID, req.UserID)

	holder, err := p.cardholders.New(holderParams)
	if err != nil {
		return ProcessorCard{}, classifyStripeError(err)
	}

	cardParams := &stripe.IssuingCardParams{
		Cardholder: stripe.String(holder.ID),
		Currency:   stripe.String(strings.ToLower(req.Currency)),
		Type:       stripe.String(string(stripe.IssuingCardTypeVirtual)),
		Status:     stripe.String(string(stripe.IssuingCardStatusActive)),
	}
	cardParams.Context = ctx
	cardParams.SetIdempotencyKey("card-" + req.IdempotencyKey)
	cardParams.AddMetadata(metadataCardID, req.CardID)
	cardParams.AddMetadata(metadataUserID, req.UserID)

	issued, err := p.cards.New(cardParams)
	if err != nil {
		return ProcessorCard{}, classifyStripeError(err)
	}
	return fromStripeCard(issued), nil
}

func (p *StripeProcessor) FetchCard(ctx context.Context, processorCardID string) (ProcessorCard, error) {
	params := &stripe.IssuingCardParams{}
	params.Context = ctx
	c, err := p.cards.Get(processorCardID, params)
	if err != nil {
		return ProcessorCard{}, classifyStripeError(err)
	}
	return fromStripeCard(c), nil
}

func (p *StripeProcessor) UpdateCardStatus(ctx context.Context, processorCardID string, status Status) (ProcessorCard, error) {
	target, ok := toStripeStatus(status)
	if !ok {
		return ProcessorCard{}, fmt.Errorf("%w: cannot set card status %s", ErrProcessorRejected, status)
	}
	params := &stripe.IssuingCardParams{Status: stripe.String(string(target))}
	params.Context = ctx
	c, err := p.cards.Update(processorCardID, params)
	if err != nil {
		return ProcessorCard{}, classifyStripeError(err)
	}
	return fromStripeCard(c), nil
}

func (p *StripeProcessor) SignatureHeader() string { return StripeSignatureHeader }

// ParseWebhook verifies a Stripe-Signature header and decodes issuing_card
// events. Other event types decode with an empty status so they are
// acknowledged without effect.
func (p *StripeProcessor) ParseWebhook(payload []byte, signature string) (Event, error) {
	event, err := webhook.ConstructEvent(payload, signature, p.cfg.WebhookSecret)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	ev := Event{ID: event.ID, Type: event.Type}
	if !strings.HasPrefix(event.Type, "issuing_card.") || event.Data == nil {
		return ev, nil
	}

	var c stripe.IssuingCard
	if err := json.Unmarshal(event.Data.Raw, &c); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	pc := fromStripeCard(&c)
	ev.ProcessorCardID = pc.ID
	ev.CardID = pc.CardID
	ev.LastFour = pc.LastFour
	ev.Status = pc.Status
	return ev, nil
}

func fromStripeCard(c *stripe.IssuingCard) ProcessorCard {
	pc := ProcessorCard{ID: c.ID, LastFour: c.Last4, CardID: c.Metadata[metadataCardID]}
	switch c.Status {
	case stripe.IssuingCardStatusActive:
		pc.Status = StatusActive
	case stripe.IssuingCardStatusInactive:
		pc.Status = StatusFrozen
	case stripe.IssuingCardStatusCanceled:
		pc.Status = StatusClosed
	}
	return pc
}

func toStripeStatus(s Status) (stripe.IssuingCardStatus, bool) {
	switch s {
	case StatusActive:
		return stripe.IssuingCardStatusActive, true
	case StatusFrozen:
		return stripe.IssuingCardStatusInactive, true
	case StatusClosed:
		return stripe.IssuingCardStatusCanceled, true
	}
	return "", false
}

// classifyStripeError maps 4xx API errors to rejections and everything else,
// including rate limiting and transport failures, to unavailability.
func classifyStripeError(err error) error {
	var serr *stripe.Error
	if errors.As(err, &serr) {
		switch {
		case serr.HTTPStatusCode == http.StatusTooManyRequests,
			serr.HTTPStatusCode == http.StatusConflict,
			serr.HTTPStatusCode >= http.StatusInternalServerError,
			serr.HTTPStatusCode == 0:
			return fmt.Errorf("%w: %s", ErrProcessorUnavailable, serr.Msg)
		default:
			return fmt.Errorf("%w: %s", ErrProcessorRejected, serr.Msg)
		}
	}
	return fmt.Errorf("%w: %v", ErrProcessorUnavailable, err)
}

func cardholderName(name string) string {
	if strings.TrimSpace(name) == "" {
		return "Wallet Holder"
	}
	return name
}
