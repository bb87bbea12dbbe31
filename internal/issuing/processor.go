package issuing

import "context"

// Processor is a connector to an external card-issuing processor.
type Processor interface {
	Name() string
	// Available is a cheap capability probe.
	Available(ctx context.Context) bool
	// CreateCard must be idempotent on req.IdempotencyKey: repeating the call
	// returns the card created by the first one.
	CreateCard(ctx context.Context, req CreateRequest) (ProcessorCard, error)
	FetchCard(ctx context.Context, processorCardID string) (ProcessorCard, error)
	UpdateCardStatus(ctx context.Context, processorCardID string, status Status) (ProcessorCard, error)
	// SignatureHeader names the HTTP header carrying the webhook signature.
	SignatureHeader() string
	// ParseWebhook verifies the signature and decodes a card event.
	ParseWebhook(payload []byte, signature string) (Event, error)
}

// CreateRequest carries what the processor needs to issue a virtual card.
type CreateRequest struct {
	IdempotencyKey string
	CardID         string
	UserID         string
	Currency       string
	CardholderName string
}

// ProcessorCard is the processor's view of a card. CardID echoes the local id
// attached at creation when the processor reports it.
type ProcessorCard struct {
	ID       string
	CardID   string
	LastFour string
	Status   Status
}

// Event is a decoded processor webhook.
type Event struct {
	ID              string
	Type            string
	ProcessorCardID string
	CardID          string
	LastFour        string
	Status          Status
}
