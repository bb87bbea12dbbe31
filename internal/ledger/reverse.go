package ledger

import (
	"context"
	"fmt"
)

// Reverse appends a refund entry negating every entry of transferID, as one
// atomic posting. Reversing a reversal is rejected. A transfer can only be
// reversed once; the second attempt fails with ErrAlreadyReversed unless it
// reuses the original idempotency key, which replays the first reversal.
func Reverse(ctx context.Context, store Store, transferID, idempotencyKey string) (Result, error) {
	original, err := store.Transfer(ctx, transferID)
	if err != nil {
		return Result{}, err
	}

	drafts := make([]Draft, 0, len(original))
	for _, e := range original {
		if e.Kind == KindRefund {
			return Result{}, fmt.Errorf("%w: transfer %s is itself a refund", ErrInvalidPosting, transferID)
		}
		drafts = append(drafts, Draft{
			AccountID:      e.AccountID,
			Kind:           KindRefund,
			Amount:         e.Amount.Neg(),
			CounterpartyID: e.CounterpartyID,
			ReversesID:     e.ID,
			Status:         StatusSettled,
		})
	}

	return store.Append(ctx, idempotencyKey, drafts...)
}
