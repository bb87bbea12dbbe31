package ledger

import (
	"context"
	"fmt"

	"github.com/congo-pay/giftwallet/internal/money"
)

// Replay sums entries from a zero balance.
func Replay(entries []Entry) money.Money {
	var total money.Money
	for _, e := range entries {
		total += e.Amount
	}
	return total
}

// Verify replays the full history of accountID page by page and compares it
// with the stored balance and sequence.
func Verify(ctx context.Context, store Store, accountID string) error {
	acct, err := store.Account(ctx, accountID)
	if err != nil {
		return err
	}

	var (
		total   money.Money
		lastSeq int64
	)
	for {
		page, err := store.Entries(ctx, accountID, lastSeq, maxPageSize)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			break
		}
		for _, e := range page {
			if e.Seq != lastSeq+1 {
				return fmt.Errorf("%w: account %s has a gap after seq %d", ErrBalanceMismatch, accountID, lastSeq)
			}
			lastSeq = e.Seq
			total += e.Amount
		}
	}

	// entries appended after the account snapshot are tolerated
	if lastSeq < acct.LastSeq {
		return fmt.Errorf("%w: account %s stored seq %d, replayed %d", ErrBalanceMismatch, accountID, acct.LastSeq, lastSeq)
	}
	if lastSeq == acct.LastSeq && total != acct.Balance {
		return fmt.Errorf("%w: account %s stored %s, replayed %s", ErrBalanceMismatch, accountID, acct.Balance, total)
	}
	return nil
}
