package issuing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/google/uuid"
)

// FakeSignatureHeader carries the hex HMAC-SHA256 of a fake processor webhook.
const FakeSignatureHeader = "X-Webhook-Signature"

// FakeProcessor simulates a card processor in memory. It is used in
// development and tests; failure modes are switched on with the exported
// fields.
type FakeProcessor struct {
	WebhookSecret string
	// Unavailable makes every call fail as if the processor were down.
	Unavailable bool
	// Reject makes card creation fail terminally.
	Reject bool
	// Hang blocks calls until the caller's context is done.
	Hang bool
	// PendingActivation leaves new cards requested until a webhook activates
	// them.
	PendingActivation bool

	mu     sync.Mutex
	byKey  map[string]string
	cards  map[string]ProcessorCard
	calls  int
	events int
}

// NewFakeProcessor builds a fake processor signing webhooks with secret.
func NewFakeProcessor(secret string) *FakeProcessor {
	return &FakeProcessor{
		WebhookSecret: secret,
		byKey:         make(map[string]string),
		cards:         make(map[string]ProcessorCard),
	}
}

func (p *FakeProcessor) Name() string { return "fake" }

func (p *FakeProcessor) Available(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.Unavailable && ctx.Err() == nil
}

func (p *FakeProcessor) enter(ctx context.Context) error {
	p.mu.Lock()
	hang, down := p.Hang, p.Unavailable
	p.mu.Unlock()
	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	if down {
		return ErrProcessorUnavailable
	}
	return nil
}

// CreateCard returns the card previously created under the same idempotency
// key when there is one.
func (p *FakeProcessor) CreateCard(ctx context.Context, req CreateRequest) (ProcessorCard, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if err := p.enter(ctx); err != nil {
		return ProcessorCard{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Reject {
		return ProcessorCard{}, fmt.Errorf("%w: cardholder verification failed", ErrProcessorRejected)
	}
	if id, ok := p.byKey[req.IdempotencyKey]; ok {
		return p.cards[id], nil
	}

	status := StatusActive
	if p.PendingActivation {
		status = StatusRequested
	}
	card := ProcessorCard{
		ID:       "ic_" + uuid.NewString(),
		CardID:   req.CardID,
		LastFour: fmt.Sprintf("%04d", rand.IntN(10000)),
		Status:   status,
	}
	p.byKey[req.IdempotencyKey] = card.ID
	p.cards[card.ID] = card
	return card, nil
}

func (p *FakeProcessor) FetchCard(ctx context.Context, processorCardID string) (ProcessorCard, error) {
	if err := p.enter(ctx); err != nil {
		return ProcessorCard{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	card, ok := p.cards[processorCardID]
	if !ok {
		return ProcessorCard{}, fmt.Errorf("%w: no such card %s", ErrProcessorRejected, processorCardID)
	}
	return card, nil
}

func (p *FakeProcessor) UpdateCardStatus(ctx context.Context, processorCardID string, status Status) (ProcessorCard, error) {
	if err := p.enter(ctx); err != nil {
		return ProcessorCard{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	card, ok := p.cards[processorCardID]
	if !ok {
		return ProcessorCard{}, fmt.Errorf("%w: no such card %s", ErrProcessorRejected, processorCardID)
	}
	if card.Status == StatusClosed {
		return ProcessorCard{}, fmt.Errorf("%w: card %s is canceled", ErrProcessorRejected, processorCardID)
	}
	card.Status = status
	p.cards[processorCardID] = card
	return card, nil
}

// CreateCalls reports how many times CreateCard was invoked.
func (p *FakeProcessor) CreateCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *FakeProcessor) SignatureHeader() string { return FakeSignatureHeader }

type fakeWebhook struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		CardID      string `json:"card_id"`
		LocalCardID string `json:"local_card_id"`
		LastFour    string `json:"last_four"`
		Status      Status `json:"status"`
	} `json:"data"`
}

// ParseWebhook verifies the hex HMAC signature and decodes the event.
func (p *FakeProcessor) ParseWebhook(payload []byte, signature string) (Event, error) {
	expected, err := hex.DecodeString(signature)
	if err != nil || !hmac.Equal(expected, p.mac(payload)) {
		return Event{}, ErrInvalidSignature
	}
	var wh fakeWebhook
	if err := json.Unmarshal(payload, &wh); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return Event{
		ID:              wh.ID,
		Type:            wh.Type,
		ProcessorCardID: wh.Data.CardID,
		CardID:          wh.Data.LocalCardID,
		LastFour:        wh.Data.LastFour,
		Status:          wh.Data.Status,
	}, nil
}

// Sign returns the signature header value for payload.
func (p *FakeProcessor) Sign(payload []byte) string {
	return hex.EncodeToString(p.mac(payload))
}

func (p *FakeProcessor) mac(payload []byte) []byte {
	h := hmac.New(sha256.New, []byte(p.WebhookSecret))
	h.Write(payload)
	return h.Sum(nil)
}

// Webhook builds a signed webhook announcing that processorCardID moved to
// status. eventID may be empty to generate one.
func (p *FakeProcessor) Webhook(eventID, processorCardID string, status Status) ([]byte, string) {
	p.mu.Lock()
	p.events++
	if eventID == "" {
		eventID = fmt.Sprintf("evt_fake_%d", p.events)
	}
	card := p.cards[processorCardID]
	card.Status = status
	if card.ID != "" {
		p.cards[processorCardID] = card
	}
	p.mu.Unlock()

	var wh fakeWebhook
	wh.ID = eventID
	wh.Type = "card.updated"
	wh.Data.CardID = processorCardID
	wh.Data.LocalCardID = card.CardID
	wh.Data.LastFour = card.LastFour
	wh.Data.Status = status
	payload, _ := json.Marshal(wh)
	return payload, p.Sign(payload)
}
