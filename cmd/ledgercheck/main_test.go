package main

import (
	"context"
	"testing"

	"github.com/congo-pay/giftwallet/internal/ledger"
)

func TestCheckPassesOnConsistentLedger(t *testing.T) {
	store := ledger.NewInMemory()
	ledger.SeedBalance(store, "alice", 1_000)
	ledger.SeedBalance(store, "bob", 0)
	if _, err := store.Append(context.Background(), "send",
		ledger.Draft{AccountID: "alice", Kind: ledger.KindSend, Amount: -400, CounterpartyID: "bob"},
		ledger.Draft{AccountID: "bob", Kind: ledger.KindReceive, Amount: 400, CounterpartyID: "alice"},
	); err != nil {
		t.Fatalf("append: %v", err)
	}

	var reported []string
	mismatched, err := check(context.Background(), store, func(id string, _ error) {
		reported = append(reported, id)
	})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if mismatched != 0 || len(reported) != 0 {
		t.Fatalf("expected no mismatches, got %d %v", mismatched, reported)
	}
}
