package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/congo-pay/giftwallet/internal/money"
)

func transferDrafts(from, to string, amount money.Money) []Draft {
	return []Draft{
		{AccountID: from, Kind: KindSend, Amount: amount.Neg(), CounterpartyID: to},
		{AccountID: to, Kind: KindReceive, Amount: amount, CounterpartyID: from},
	}
}

func TestInMemoryLedger_AppendMaintainsBalance(t *testing.T) {
	l := NewInMemory()
	ctx := context.Background()

	SeedBalance(l, "wallet:a", 10_000)
	SeedBalance(l, "wallet:b", 0)

	res, err := l.Append(ctx, "client-1", transferDrafts("wallet:a", "wallet:b", 1_500)...)
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}

	if got := res.BalanceOf("wallet:a"); got != 8_500 {
		t.Fatalf("expected from balance 8500, got %d", got)
	}
	if got := res.BalanceOf("wallet:b"); got != 1_500 {
		t.Fatalf("expected to balance 1500, got %d", got)
	}
	if len(res.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(res.Entries))
	}
	for _, e := range res.Entries {
		if e.TransferID != res.TransferID {
			t.Fatalf("entry %s not linked to transfer %s", e.ID, res.TransferID)
		}
		if e.Status != StatusSettled {
			t.Fatalf("expected default status settled, got %s", e.Status)
		}
	}

	a, _ := l.Balance(ctx, "wallet:a")
	b, _ := l.Balance(ctx, "wallet:b")
	if a+b != 10_000 {
		t.Fatalf("ledger not balanced, total=%d", a+b)
	}
}

func TestInMemoryLedger_DuplicateKeyReplaysResult(t *testing.T) {
	l := NewInMemory()
	ctx := context.Background()
	SeedBalance(l, "wallet:a", 5_000)
	SeedBalance(l, "wallet:b", 0)

	first, err := l.Append(ctx, "dup", transferDrafts("wallet:a", "wallet:b", 500)...)
	if err != nil {
		t.Fatalf("initial append failed: %v", err)
	}
	second, err := l.Append(ctx, "dup", transferDrafts("wallet:a", "wallet:b", 500)...)
	if !errors.Is(err, ErrDuplicateIdempotencyKey) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if second.TransferID != first.TransferID {
		t.Fatalf("expected replayed transfer %s, got %s", first.TransferID, second.TransferID)
	}
	if got, _ := l.Balance(ctx, "wallet:a"); got != 4_500 {
		t.Fatalf("duplicate must not debit twice, balance=%d", got)
	}
	entries, _ := l.Entries(ctx, "wallet:a", 0, 0)
	if len(entries) != 2 {
		t.Fatalf("expected seed and one send entry, got %d", len(entries))
	}

	if _, err := l.Append(ctx, "later", transferDrafts("wallet:a", "wallet:b", 1_000)...); err != nil {
		t.Fatalf("later append failed: %v", err)
	}
	third, err := l.Append(ctx, "dup", transferDrafts("wallet:a", "wallet:b", 500)...)
	if !errors.Is(err, ErrDuplicateIdempotencyKey) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if got := third.BalanceOf("wallet:a"); got != 4_500 {
		t.Fatalf("replay must report the balance of the original append, got %d", got)
	}
	if got := third.BalanceOf("wallet:b"); got != 500 {
		t.Fatalf("replay must report the recipient balance of the original append, got %d", got)
	}
}

func TestInMemoryLedger_KeyReuseWithDifferentPayload(t *testing.T) {
	l := NewInMemory()
	ctx := context.Background()
	SeedBalance(l, "wallet:a", 5_000)
	SeedBalance(l, "wallet:b", 0)

	if _, err := l.Append(ctx, "key", transferDrafts("wallet:a", "wallet:b", 500)...); err != nil {
		t.Fatalf("initial append failed: %v", err)
	}
	if _, err := l.Append(ctx, "key", transferDrafts("wallet:a", "wallet:b", 700)...); !errors.Is(err, ErrIdempotencyKeyReuse) {
		t.Fatalf("expected key reuse error, got %v", err)
	}
}

func TestInMemoryLedger_InsufficientFundsRejectsWholePosting(t *testing.T) {
	l := NewInMemory()
	ctx := context.Background()
	SeedBalance(l, "wallet:a", 1_000)
	SeedBalance(l, "wallet:b", 0)
	SeedBalance(l, "platform", 0)

	drafts := []Draft{
		{AccountID: "wallet:a", Kind: KindSend, Amount: -1_000, CounterpartyID: "wallet:b"},
		{AccountID: "wallet:b", Kind: KindReceive, Amount: 950, CounterpartyID: "wallet:a"},
		{AccountID: "platform", Kind: KindCommission, Amount: 50},
		// pushes wallet:a below zero
		{AccountID: "wallet:a", Kind: KindCardFunding, Amount: -1},
	}
	if _, err := l.Append(ctx, "overdraw", drafts...); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}

	for id, want := range map[string]money.Money{"wallet:a": 1_000, "wallet:b": 0, "platform": 0} {
		if got, _ := l.Balance(ctx, id); got != want {
			t.Fatalf("%s: expected untouched balance %d, got %d", id, want, got)
		}
	}

	// the rejected key is free to be used again
	if _, err := l.Append(ctx, "overdraw", drafts[:3]...); err != nil {
		t.Fatalf("retry after rejection failed: %v", err)
	}
}

func TestInMemoryLedger_RejectsInvalidPostings(t *testing.T) {
	l := NewInMemory()
	ctx := context.Background()
	SeedBalance(l, "wallet:a", 100)

	cases := map[string]struct {
		key    string
		drafts []Draft
		want   error
	}{
		"missing key":     {key: "", drafts: []Draft{{AccountID: "wallet:a", Kind: KindTopUp, Amount: 1}}, want: ErrInvalidPosting},
		"no entries":      {key: "k1", want: ErrInvalidPosting},
		"zero amount":     {key: "k2", drafts: []Draft{{AccountID: "wallet:a", Kind: KindTopUp}}, want: ErrInvalidPosting},
		"unknown kind":    {key: "k3", drafts: []Draft{{AccountID: "wallet:a", Kind: "bonus", Amount: 1}}, want: ErrInvalidPosting},
		"unknown account": {key: "k4", drafts: []Draft{{AccountID: "wallet:zz", Kind: KindTopUp, Amount: 1}}, want: ErrAccountNotFound},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := l.Append(ctx, tc.key, tc.drafts...); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestInMemoryLedger_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	l := NewInMemory()
	ctx := context.Background()
	SeedBalance(l, "wallet:a", 1_000)
	SeedBalance(l, "wallet:b", 0)

	const workers = 32
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			_, err := l.Append(ctx, fmt.Sprintf("drain-%d", i), transferDrafts("wallet:a", "wallet:b", 1_000)...)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrInsufficientFunds):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if succeeded != 1 || rejected != workers-1 {
		t.Fatalf("expected 1 success and %d rejections, got %d/%d", workers-1, succeeded, rejected)
	}
	if got, _ := l.Balance(ctx, "wallet:a"); got != 0 {
		t.Fatalf("expected drained balance 0, got %d", got)
	}
	if err := Verify(ctx, l, "wallet:a"); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
}

func TestInMemoryLedger_ConcurrentCrossTransfers(t *testing.T) {
	l := NewInMemory()
	ctx := context.Background()
	SeedBalance(l, "wallet:a", 100_000)
	SeedBalance(l, "wallet:b", 100_000)

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			from, to := "wallet:a", "wallet:b"
			if i%2 == 1 {
				from, to = to, from
			}
			if _, err := l.Append(ctx, fmt.Sprintf("tx-%d", i), transferDrafts(from, to, 100)...); err != nil {
				t.Errorf("transfer %d failed: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	a, _ := l.Balance(ctx, "wallet:a")
	b, _ := l.Balance(ctx, "wallet:b")
	if a != 100_000 || b != 100_000 {
		t.Fatalf("expected balances to net out, got a=%d b=%d", a, b)
	}
	for _, id := range []string{"wallet:a", "wallet:b"} {
		if err := Verify(ctx, l, id); err != nil {
			t.Fatalf("verify %s: %v", id, err)
		}
	}
}

func TestInMemoryLedger_EntriesCursor(t *testing.T) {
	l := NewInMemory()
	ctx := context.Background()
	SeedBalance(l, "wallet:a", 0)

	for i := 0; i < 5; i++ {
		if _, err := l.Append(ctx, fmt.Sprintf("top-%d", i), Draft{AccountID: "wallet:a", Kind: KindTopUp, Amount: 100}); err != nil {
			t.Fatalf("top up %d: %v", i, err)
		}
	}

	page, err := l.Entries(ctx, "wallet:a", 0, 2)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(page) != 2 || page[0].Seq != 1 || page[1].Seq != 2 {
		t.Fatalf("unexpected first page: %+v", page)
	}
	page, _ = l.Entries(ctx, "wallet:a", page[1].Seq, 10)
	if len(page) != 3 || page[0].Seq != 3 {
		t.Fatalf("unexpected second page: %+v", page)
	}
	page, _ = l.Entries(ctx, "wallet:a", 5, 10)
	if len(page) != 0 {
		t.Fatalf("expected empty page past the end, got %d", len(page))
	}
	if _, err := l.Entries(ctx, "wallet:missing", 0, 10); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected account not found, got %v", err)
	}
}

func TestReverse_RestoresBalancesOnce(t *testing.T) {
	l := NewInMemory()
	ctx := context.Background()
	SeedBalance(l, "wallet:a", 1_000)
	SeedBalance(l, "wallet:b", 0)

	res, err := l.Append(ctx, "send-1", transferDrafts("wallet:a", "wallet:b", 400)...)
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	refund, err := Reverse(ctx, l, res.TransferID, "refund-1")
	if err != nil {
		t.Fatalf("reverse: %v", err)
	}
	if refund.BalanceOf("wallet:a") != 1_000 || refund.BalanceOf("wallet:b") != 0 {
		t.Fatalf("unexpected balances after refund: %+v", refund.Balances)
	}
	for _, e := range refund.Entries {
		if e.Kind != KindRefund || e.ReversesID == "" {
			t.Fatalf("expected refund entry referencing original, got %+v", e)
		}
	}

	original, _ := l.Transfer(ctx, res.TransferID)
	for _, e := range original {
		if e.Status != StatusReversed {
			t.Fatalf("expected original entry reported as reversed, got %s", e.Status)
		}
	}

	if _, err := Reverse(ctx, l, res.TransferID, "refund-2"); !errors.Is(err, ErrAlreadyReversed) {
		t.Fatalf("expected already reversed, got %v", err)
	}
	if replay, err := Reverse(ctx, l, res.TransferID, "refund-1"); !errors.Is(err, ErrDuplicateIdempotencyKey) || replay.TransferID != refund.TransferID {
		t.Fatalf("expected replay of first refund, got %v", err)
	}
	if _, err := Reverse(ctx, l, refund.TransferID, "refund-3"); !errors.Is(err, ErrInvalidPosting) {
		t.Fatalf("expected refund of refund to be rejected, got %v", err)
	}
	if _, err := Reverse(ctx, l, "nope", "refund-4"); !errors.Is(err, ErrTransferNotFound) {
		t.Fatalf("expected transfer not found, got %v", err)
	}
}

func TestReverse_FailsWhenRecipientSpentFunds(t *testing.T) {
	l := NewInMemory()
	ctx := context.Background()
	SeedBalance(l, "wallet:a", 1_000)
	SeedBalance(l, "wallet:b", 0)
	SeedBalance(l, "wallet:c", 0)

	res, _ := l.Append(ctx, "send", transferDrafts("wallet:a", "wallet:b", 400)...)
	if _, err := l.Append(ctx, "spend", transferDrafts("wallet:b", "wallet:c", 400)...); err != nil {
		t.Fatalf("spend: %v", err)
	}
	if _, err := Reverse(ctx, l, res.TransferID, "refund"); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds on reversal, got %v", err)
	}
}

func TestVerify_ReplayMatchesStoredBalance(t *testing.T) {
	l := NewInMemory()
	ctx := context.Background()
	SeedBalance(l, "wallet:a", 2_000)
	SeedBalance(l, "wallet:b", 0)

	for i := 0; i < 10; i++ {
		if _, err := l.Append(ctx, fmt.Sprintf("s-%d", i), transferDrafts("wallet:a", "wallet:b", 150)...); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	entries, _ := l.Entries(ctx, "wallet:a", 0, 0)
	if got := Replay(entries); got != 500 {
		t.Fatalf("expected replayed 500, got %d", got)
	}
	if err := Verify(ctx, l, "wallet:a"); err != nil {
		t.Fatalf("verify: %v", err)
	}

	// corrupt the stored balance
	mem := l.(*inMemoryLedger)
	acct, _ := mem.lookup("wallet:b")
	acct.mu.Lock()
	acct.balance += 1
	acct.mu.Unlock()
	if err := Verify(ctx, l, "wallet:b"); !errors.Is(err, ErrBalanceMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
}
