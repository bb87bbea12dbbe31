// Package commission computes the platform fee taken from outbound sends.
package commission

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/giftwallet/internal/money"
)

// ErrNonPositiveAmount is returned for gross amounts of zero or less.
var ErrNonPositiveAmount = errors.New("gross amount must be positive")

// Tier labels the gross range a movement fell into. Every tier currently
// shares the same rate; only the small tier is affected by the minimum fee.
type Tier string

const (
	TierSmall    Tier = "small"    // gross < 20.00
	TierStandard Tier = "standard" // 20.00 <= gross < 50.00
	TierLarge    Tier = "large"    // gross >= 50.00
)

var (
	// Rate is the fraction of gross taken as fee.
	Rate = decimal.RequireFromString("0.025")
	// MinimumFee is the floor applied before capping at gross.
	MinimumFee = money.FromMinor(50)

	standardFloor = money.FromMinor(2_000)
	largeFloor    = money.FromMinor(5_000)
)

// Result is the fee breakdown for a single movement. FeeAmount + NetAmount
// always equals GrossAmount.
type Result struct {
	GrossAmount money.Money `json:"gross_amount"`
	FeeAmount   money.Money `json:"fee_amount"`
	NetAmount   money.Money `json:"net_amount"`
	Tier        Tier        `json:"tier"`
}

// Compute returns the fee for gross: max(gross*Rate, MinimumFee) rounded
// half-up to the minor unit, capped at gross so net is never negative.
func Compute(gross money.Money) (Result, error) {
	if !gross.IsPositive() {
		return Result{}, ErrNonPositiveAmount
	}

	fee := gross.MulRate(Rate)
	if fee < MinimumFee {
		fee = MinimumFee
	}
	if fee > gross {
		fee = gross
	}

	return Result{
		GrossAmount: gross,
		FeeAmount:   fee,
		NetAmount:   gross - fee,
		Tier:        tierFor(gross),
	}, nil
}

func tierFor(gross money.Money) Tier {
	switch {
	case gross >= largeFloor:
		return TierLarge
	case gross >= standardFloor:
		return TierStandard
	default:
		return TierSmall
	}
}
