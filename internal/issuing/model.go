package issuing

import (
	"errors"
	"time"
)

var (
	// ErrProcessorUnavailable is transient: the processor could not be
	// reached or timed out. Callers may retry with the same request.
	ErrProcessorUnavailable = errors.New("card processor unavailable")
	// ErrProcessorRejected is terminal for the attempt and must not be
	// retried automatically.
	ErrProcessorRejected = errors.New("card processor rejected the request")

	ErrUnknownCard       = errors.New("webhook references an unknown card")
	ErrReplayedEvent     = errors.New("webhook event already processed")
	ErrInvalidSignature  = errors.New("invalid webhook signature")
	ErrInvalidEvent      = errors.New("malformed webhook event")
	ErrNoCard            = errors.New("no virtual card for user")
	ErrCardExists        = errors.New("user already holds an open virtual card")
	ErrInvalidTransition = errors.New("card status transition not allowed")
	ErrCardNotFound      = errors.New("card not found")
)

// Status is the local lifecycle state of a virtual card.
type Status string

const (
	StatusRequested Status = "requested"
	StatusActive    Status = "active"
	StatusFrozen    Status = "frozen"
	StatusClosed    Status = "closed"
)

// Open reports whether the card still counts against the one-card limit.
func (s Status) Open() bool {
	return s != StatusClosed
}

var transitions = map[Status][]Status{
	StatusRequested: {StatusActive, StatusFrozen, StatusClosed},
	StatusActive:    {StatusFrozen, StatusClosed},
	StatusFrozen:    {StatusActive, StatusClosed},
}

// CanTransition reports whether a card in status from may move to status to.
// Closed is terminal.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Card is the local record of a processor-issued virtual card. ProcessorCardID
// and LastFour stay empty until the processor confirms creation.
type Card struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	ProcessorCardID string    `json:"processor_card_id,omitempty"`
	Status          Status    `json:"status"`
	LastFour        string    `json:"last_four,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}
