package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/congo-pay/giftwallet/internal/money"
)

var (
	// ErrInsufficientFunds occurs when applying a posting would drive an
	// account balance below zero. The posting is rejected as a whole.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrDuplicateIdempotencyKey indicates the idempotency key was already
	// applied. The original result is returned alongside this error and the
	// caller should treat it as a replayed success.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrIdempotencyKeyReuse indicates the key was already used for a
	// different set of entries.
	ErrIdempotencyKeyReuse = errors.New("idempotency key reused with a different payload")

	ErrAccountNotFound  = errors.New("ledger account not found")
	ErrTransferNotFound = errors.New("ledger transfer not found")
	ErrAlreadyReversed  = errors.New("entry already reversed")
	ErrInvalidPosting   = errors.New("invalid ledger posting")
	ErrBalanceMismatch  = errors.New("stored balance does not match ledger replay")
)

// CardSuspenseAccountCode holds funds moved onto a virtual card until the
// processor settles them.
const CardSuspenseAccountCode = "suspense:card"

// Kind classifies a balance-affecting event.
type Kind string

const (
	KindTopUp       Kind = "top_up"
	KindSend        Kind = "send"
	KindReceive     Kind = "receive"
	KindRefund      Kind = "refund"
	KindCommission  Kind = "commission"
	KindCardFunding Kind = "card_funding"
)

func (k Kind) valid() bool {
	switch k {
	case KindTopUp, KindSend, KindReceive, KindRefund, KindCommission, KindCardFunding:
		return true
	}
	return false
}

// Status of an entry. Stored entries are pending or settled; reversed is
// reported for entries that a later refund entry references.
type Status string

const (
	StatusPending  Status = "pending"
	StatusSettled  Status = "settled"
	StatusReversed Status = "reversed"
)

// Account is the per-user balance row. Balance only changes through Append.
type Account struct {
	ID        string
	Currency  string
	Balance   money.Money
	LastSeq   int64
	UpdatedAt time.Time
}

// Draft is an entry to be appended. Amount is signed: negative debits.
type Draft struct {
	AccountID      string
	Kind           Kind
	Amount         money.Money
	CounterpartyID string
	ReversesID     string
	Status         Status
}

// Entry is an immutable ledger row. Seq is a per-account sequence number that
// orders entries and serves as a restartable cursor.
type Entry struct {
	ID             string      `json:"id"`
	TransferID     string      `json:"transfer_id"`
	AccountID      string      `json:"account_id"`
	Seq            int64       `json:"seq"`
	Kind           Kind        `json:"kind"`
	Amount         money.Money `json:"amount"`
	CounterpartyID string      `json:"counterparty_id,omitempty"`
	ReversesID     string      `json:"reverses_id,omitempty"`
	Status         Status      `json:"status"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Result captures the outcome of an append: the entries written as one
// transfer and the resulting balance of every touched account.
type Result struct {
	TransferID string
	Entries    []Entry
	Balances   map[string]money.Money
}

// BalanceOf returns the post-append balance for accountID.
func (r Result) BalanceOf(accountID string) money.Money {
	return r.Balances[accountID]
}

// Store is the durable ledger. Append applies every draft and the matching
// balance updates atomically; concurrent appends touching the same account
// serialize, appends on disjoint accounts do not block each other.
type Store interface {
	EnsureAccount(ctx context.Context, accountID, currency string) error
	Account(ctx context.Context, accountID string) (Account, error)
	Balance(ctx context.Context, accountID string) (money.Money, error)
	Append(ctx context.Context, idempotencyKey string, drafts ...Draft) (Result, error)
	Transfer(ctx context.Context, transferID string) ([]Entry, error)
	Entries(ctx context.Context, accountID string, afterSeq int64, limit int) ([]Entry, error)
	Accounts(ctx context.Context) ([]string, error)
}

const (
	defaultPageSize = 100
	maxPageSize     = 500
)

func pageSize(limit int) int {
	switch {
	case limit <= 0:
		return defaultPageSize
	case limit > maxPageSize:
		return maxPageSize
	default:
		return limit
	}
}

func validate(idempotencyKey string, drafts []Draft) error {
	if strings.TrimSpace(idempotencyKey) == "" {
		return fmt.Errorf("%w: idempotency key is required", ErrInvalidPosting)
	}
	if len(drafts) == 0 {
		return fmt.Errorf("%w: no entries", ErrInvalidPosting)
	}
	for i, d := range drafts {
		if d.AccountID == "" {
			return fmt.Errorf("%w: entry %d has no account", ErrInvalidPosting, i)
		}
		if d.Amount == 0 {
			return fmt.Errorf("%w: entry %d has zero amount", ErrInvalidPosting, i)
		}
		if !d.Kind.valid() {
			return fmt.Errorf("%w: entry %d has unknown kind %q", ErrInvalidPosting, i, d.Kind)
		}
	}
	return nil
}

func normalize(drafts []Draft) []Draft {
	out := make([]Draft, len(drafts))
	for i, d := range drafts {
		if d.Status == "" {
			d.Status = StatusSettled
		}
		out[i] = d
	}
	return out
}

// fingerprint identifies the payload bound to an idempotency key.
func fingerprint(drafts []Draft) string {
	h := sha256.New()
	for _, d := range drafts {
		fmt.Fprintf(h, "%s|%s|%d|%s|%s;", d.AccountID, d.Kind, d.Amount, d.CounterpartyID, d.ReversesID)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// accountIDs returns the distinct accounts touched by drafts in lock order.
func accountIDs(drafts []Draft) []string {
	seen := make(map[string]struct{}, len(drafts))
	ids := make([]string, 0, len(drafts))
	for _, d := range drafts {
		if _, ok := seen[d.AccountID]; ok {
			continue
		}
		seen[d.AccountID] = struct{}{}
		ids = append(ids, d.AccountID)
	}
	sort.Strings(ids)
	return ids
}

func netByAccount(drafts []Draft) map[string]money.Money {
	net := make(map[string]money.Money, len(drafts))
	for _, d := range drafts {
		net[d.AccountID] += d.Amount
	}
	return net
}
