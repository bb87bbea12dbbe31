package wallet

import (
	"errors"
	"time"

	"github.com/congo-pay/giftwallet/internal/commission"
	"github.com/congo-pay/giftwallet/internal/eligibility"
	"github.com/congo-pay/giftwallet/internal/issuing"
	"github.com/congo-pay/giftwallet/internal/ledger"
	"github.com/congo-pay/giftwallet/internal/money"
)

var (
	ErrSameAccount            = errors.New("cannot send funds to the same account")
	ErrInvalidAmount          = errors.New("amount must be positive")
	ErrInvalidAccount         = errors.New("account id is required")
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	ErrCardNotActive          = errors.New("an active virtual card is required")
	ErrReservedAccount        = errors.New("account is reserved for the platform")
)

// Balance is an account's spendable balance.
type Balance struct {
	AccountID string      `json:"account_id"`
	Currency  string      `json:"currency"`
	Amount    money.Money `json:"balance"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// FundsInput captures a top-up or a card funding request.
type FundsInput struct {
	AccountID      string
	Amount         money.Money
	IdempotencyKey string
}

// FundsResult describes the ledger outcome of a single-account movement.
// Replayed is set when the idempotency key had already been applied.
type FundsResult struct {
	TransferID string      `json:"transfer_id"`
	Balance    money.Money `json:"balance"`
	Replayed   bool        `json:"replayed"`
}

// SendInput captures the data needed to move funds between accounts.
type SendInput struct {
	FromAccountID  string
	ToAccountID    string
	Amount         money.Money
	IdempotencyKey string
}

// SendResult is the sender's view of a completed transfer.
type SendResult struct {
	TransferID    string            `json:"transfer_id"`
	SenderBalance money.Money       `json:"sender_balance"`
	Commission    commission.Result `json:"commission"`
	Replayed      bool              `json:"replayed"`
}

// RefundResult describes a reversal.
type RefundResult struct {
	TransferID         string                 `json:"transfer_id"`
	ReversedTransferID string                 `json:"reversed_transfer_id"`
	Balances           map[string]money.Money `json:"balances"`
	Replayed           bool                   `json:"replayed"`
}

// EntriesPage is a page of ledger history. NextCursor is the seq to pass as
// after for the following page, zero when the page was short.
type EntriesPage struct {
	Entries    []ledger.Entry `json:"entries"`
	NextCursor int64          `json:"next_cursor,omitempty"`
}

// CardStatus is the card view used for UI gating.
type CardStatus struct {
	Card      *issuing.Card      `json:"card"`
	CanCreate bool               `json:"can_create"`
	Reason    eligibility.Reason `json:"reason,omitempty"`
}

// WebhookResult acknowledges a processor webhook.
type WebhookResult struct {
	EventID string `json:"event_id"`
	Outcome string `json:"outcome"`
}
