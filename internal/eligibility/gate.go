package eligibility

import (
	"context"
	"errors"
	"fmt"

	"github.com/congo-pay/giftwallet/internal/issuing"
	"github.com/congo-pay/giftwallet/internal/ledger"
	"github.com/congo-pay/giftwallet/internal/metrics"
	"github.com/congo-pay/giftwallet/internal/money"
)

// DefaultThreshold is the minimum balance required to request a card.
const DefaultThreshold = money.Money(500)

// ErrIneligible is matched by every *IneligibleError.
var ErrIneligible = errors.New("not eligible for a virtual card")

// Reason explains a negative decision.
type Reason string

const (
	ReasonInsufficientBalance Reason = "insufficient_balance"
	ReasonCardExists          Reason = "card_exists"
	ReasonIssuingUnavailable  Reason = "issuing_unavailable"
)

// IneligibleError carries the first failing rule.
type IneligibleError struct {
	Reason Reason
}

func (e *IneligibleError) Error() string {
	return fmt.Sprintf("%s: %s", ErrIneligible, e.Reason)
}

func (e *IneligibleError) Is(target error) bool {
	return target == ErrIneligible
}

// Decision is the outcome of a check.
type Decision struct {
	Eligible bool   `json:"eligible"`
	Reason   Reason `json:"reason,omitempty"`
}

// Err returns nil for an eligible decision and an *IneligibleError otherwise.
func (d Decision) Err() error {
	if d.Eligible {
		return nil
	}
	return &IneligibleError{Reason: d.Reason}
}

type BalanceReader interface {
	Balance(ctx context.Context, accountID string) (money.Money, error)
}

type CardReader interface {
	CurrentCard(ctx context.Context, userID string) (issuing.Card, error)
}

type AvailabilityProbe interface {
	IsIssuingAvailable(ctx context.Context) bool
}

// Gate decides whether an account may request a new virtual card. It reads
// state only.
type Gate struct {
	balances  BalanceReader
	cards     CardReader
	probe     AvailabilityProbe
	threshold money.Money
	metrics   *metrics.Collectors
}

// NewGate builds a gate. A non-positive threshold falls back to
// DefaultThreshold.
func NewGate(balances BalanceReader, cards CardReader, probe AvailabilityProbe, threshold money.Money, m *metrics.Collectors) *Gate {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Gate{balances: balances, cards: cards, probe: probe, threshold: threshold, metrics: m}
}

// Threshold reports the minimum funding balance.
func (g *Gate) Threshold() money.Money { return g.threshold }

// Check evaluates the rules in order; the first failing rule wins. An account
// the ledger has never seen has a zero balance.
func (g *Gate) Check(ctx context.Context, accountID string) (Decision, error) {
	decision, err := g.check(ctx, accountID)
	if err != nil {
		return Decision{}, err
	}
	reason := string(decision.Reason)
	if decision.Eligible {
		reason = "eligible"
	}
	g.metrics.EligibilityDecision(reason)
	return decision, nil
}

func (g *Gate) check(ctx context.Context, accountID string) (Decision, error) {
	balance, err := g.balances.Balance(ctx, accountID)
	if err != nil && !errors.Is(err, ledger.ErrAccountNotFound) {
		return Decision{}, err
	}
	if balance < g.threshold {
		return Decision{Reason: ReasonInsufficientBalance}, nil
	}

	card, err := g.cards.CurrentCard(ctx, accountID)
	switch {
	case err == nil && card.Status.Open():
		return Decision{Reason: ReasonCardExists}, nil
	case err != nil && !errors.Is(err, issuing.ErrNoCard):
		return Decision{}, err
	}

	if !g.probe.IsIssuingAvailable(ctx) {
		return Decision{Reason: ReasonIssuingUnavailable}, nil
	}
	return Decision{Eligible: true}, nil
}
