// Command ledgercheck replays the history of every ledger account and
// compares it with the stored balance. It exits non-zero on any mismatch.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/congo-pay/giftwallet/internal/config"
	"github.com/congo-pay/giftwallet/internal/infra"
	"github.com/congo-pay/giftwallet/internal/ledger"
	"github.com/congo-pay/giftwallet/internal/logging"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New("giftwallet-ledgercheck", cfg.LogLevel)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	db, err := infra.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	mismatched, err := check(ctx, ledger.NewPostgresLedger(db), func(accountID string, err error) {
		logger.Error("ledger mismatch", "account_id", accountID, "error", err)
	})
	if err != nil {
		logger.Error("ledger check aborted", "error", err)
		os.Exit(1)
	}
	if mismatched > 0 {
		logger.Error("ledger check failed", "accounts", mismatched)
		os.Exit(2)
	}
	logger.Info("ledger check passed")
}

// check verifies every account and reports mismatches through report. Store
// errors other than a mismatch abort the run.
func check(ctx context.Context, store ledger.Store, report func(string, error)) (int, error) {
	accounts, err := store.Accounts(ctx)
	if err != nil {
		return 0, err
	}
	mismatched := 0
	for _, id := range accounts {
		err := ledger.Verify(ctx, store, id)
		switch {
		case err == nil:
		case errors.Is(err, ledger.ErrBalanceMismatch):
			mismatched++
			report(id, err)
		default:
			return mismatched, fmt.Errorf("verify %s: %w", id, err)
		}
	}
	return mismatched, nil
}
