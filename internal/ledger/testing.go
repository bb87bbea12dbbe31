package ledger

import (
	"context"

	"github.com/google/uuid"

	"github.com/congo-pay/giftwallet/internal/money"
)

// SeedBalance is a test helper that provisions accountID and credits it with
// a top-up entry, keeping the ledger replayable.
func SeedBalance(l Store, accountID string, amount money.Money) {
	ctx := context.Background()
	if err := l.EnsureAccount(ctx, accountID, "USD"); err != nil {
		panic(err)
	}
	if amount == 0 {
		return
	}
	if _, err := l.Append(ctx, "seed:"+uuid.NewString(), Draft{AccountID: accountID, Kind: KindTopUp, Amount: amount}); err != nil {
		panic(err)
	}
}
