package wallet

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/congo-pay/giftwallet/internal/eligibility"
	"github.com/congo-pay/giftwallet/internal/issuing"
	"github.com/congo-pay/giftwallet/internal/ledger"
	"github.com/congo-pay/giftwallet/internal/logging"
	"github.com/congo-pay/giftwallet/internal/money"
	"github.com/congo-pay/giftwallet/internal/notification"
)

type recordingNotifier struct {
	mu       sync.Mutex
	messages []notification.Message
}

func (n *recordingNotifier) Send(_ context.Context, msg notification.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, msg)
	return nil
}

func (n *recordingNotifier) kinds(kind string) []notification.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notification.Message
	for _, m := range n.messages {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

type fixture struct {
	svc      *Service
	ledger   ledger.Store
	proc     *issuing.FakeProcessor
	issuer   *issuing.Issuer
	notifier *recordingNotifier
}

func newFixture(t *testing.T, opts ...issuing.Option) fixture {
	t.Helper()
	logger := logging.Discard()
	store := ledger.NewInMemory()
	proc := issuing.NewFakeProcessor("whsec_test")
	issuer := issuing.NewIssuer(proc, issuing.NewMemoryRepository(), "USD", logger, opts...)
	gate := eligibility.NewGate(store, issuer, issuer, eligibility.DefaultThreshold, nil)
	notifier := &recordingNotifier{}

	svc := NewService(Deps{
		Ledger:   store,
		Issuer:   issuer,
		Gate:     gate,
		Notifier: notifier,
		Logger:   logger,
	})
	if err := svc.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return fixture{svc: svc, ledger: store, proc: proc, issuer: issuer, notifier: notifier}
}

func (f fixture) balance(t *testing.T, accountID string) money.Money {
	t.Helper()
	b, err := f.svc.Balance(context.Background(), accountID)
	if err != nil {
		t.Fatalf("balance %s: %v", accountID, err)
	}
	return b.Amount
}

func TestAddFundsCreditsFullAmount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.AddFunds(ctx, FundsInput{AccountID: "alice", Amount: 2_500, IdempotencyKey: "top-1"})
	if err != nil {
		t.Fatalf("add funds: %v", err)
	}
	if res.Balance != 2_500 || res.Replayed {
		t.Fatalf("unexpected result %+v", res)
	}

	again, err := f.svc.AddFunds(ctx, FundsInput{AccountID: "alice", Amount: 2_500, IdempotencyKey: "top-1"})
	if err != nil {
		t.Fatalf("replay add funds: %v", err)
	}
	if !again.Replayed || again.TransferID != res.TransferID {
		t.Fatalf("expected replay of %s, got %+v", res.TransferID, again)
	}
	if got := f.balance(t, "alice"); got != 2_500 {
		t.Fatalf("expected balance 2500 after replay, got %d", got)
	}
	if got := f.balance(t, f.svc.PlatformAccountID()); got != 0 {
		t.Fatalf("top-ups carry no commission, platform has %d", got)
	}

	if _, err := f.svc.AddFunds(ctx, FundsInput{AccountID: "alice", Amount: 1_000, IdempotencyKey: "top-2"}); err != nil {
		t.Fatalf("second top-up: %v", err)
	}
	late, err := f.svc.AddFunds(ctx, FundsInput{AccountID: "alice", Amount: 2_500, IdempotencyKey: "top-1"})
	if err != nil {
		t.Fatalf("late replay: %v", err)
	}
	if !late.Replayed || late.Balance != 2_500 {
		t.Fatalf("expected late replay to report the original balance 2500, got %+v", late)
	}
}

func TestAddFundsValidatesInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name string
		in   FundsInput
		want error
	}{
		{"zero amount", FundsInput{AccountID: "alice", Amount: 0, IdempotencyKey: "k"}, ErrInvalidAmount},
		{"negative amount", FundsInput{AccountID: "alice", Amount: -1, IdempotencyKey: "k"}, ErrInvalidAmount},
		{"no account", FundsInput{Amount: 100, IdempotencyKey: "k"}, ErrInvalidAccount},
		{"no key", FundsInput{AccountID: "alice", Amount: 100}, ErrIdempotencyKeyRequired},
		{"platform account", FundsInput{AccountID: defaultPlatformAccountID, Amount: 100, IdempotencyKey: "k"}, ErrReservedAccount},
		{"card suspense", FundsInput{AccountID: ledger.CardSuspenseAccountCode, Amount: 100, IdempotencyKey: "k"}, ErrReservedAccount},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.svc.AddFunds(ctx, tc.in); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestReservedAccountsCannotMoveFunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ledger.SeedBalance(f.ledger, "alice", 10_000)
	platform := f.svc.PlatformAccountID()

	sends := []SendInput{
		{FromAccountID: "alice", ToAccountID: platform, Amount: 1_000, IdempotencyKey: "to-platform"},
		{FromAccountID: "alice", ToAccountID: ledger.CardSuspenseAccountCode, Amount: 1_000, IdempotencyKey: "to-suspense"},
		{FromAccountID: platform, ToAccountID: "alice", Amount: 1_000, IdempotencyKey: "from-platform"},
		{FromAccountID: ledger.CardSuspenseAccountCode, ToAccountID: "alice", Amount: 1_000, IdempotencyKey: "from-suspense"},
	}
	for _, in := range sends {
		if _, err := f.svc.SendFunds(ctx, in); !errors.Is(err, ErrReservedAccount) {
			t.Fatalf("%s: expected ErrReservedAccount, got %v", in.IdempotencyKey, err)
		}
	}
	for _, account := range []string{platform, ledger.CardSuspenseAccountCode} {
		if _, err := f.svc.FundCard(ctx, FundsInput{AccountID: account, Amount: 100, IdempotencyKey: "load-" + account}); !errors.Is(err, ErrReservedAccount) {
			t.Fatalf("fund card from %s: expected ErrReservedAccount, got %v", account, err)
		}
	}

	if got := f.balance(t, "alice"); got != 10_000 {
		t.Fatalf("expected alice untouched at 10000, got %d", got)
	}
	if got := f.balance(t, platform); got != 0 {
		t.Fatalf("expected platform untouched, got %d", got)
	}
	if got := StatusFor(ErrReservedAccount); got != http.StatusBadRequest {
		t.Fatalf("expected 400 for reserved account, got %d", got)
	}
}

type blockingNotifier struct{}

func (blockingNotifier) Send(ctx context.Context, _ notification.Message) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestSendFundsDoesNotWaitOnSlowNotifier(t *testing.T) {
	logger := logging.Discard()
	store := ledger.NewInMemory()
	issuer := issuing.NewIssuer(issuing.NewFakeProcessor("whsec_test"), issuing.NewMemoryRepository(), "USD", logger)
	svc := NewService(Deps{
		Ledger:        store,
		Issuer:        issuer,
		Gate:          eligibility.NewGate(store, issuer, issuer, eligibility.DefaultThreshold, nil),
		Notifier:      blockingNotifier{},
		Logger:        logger,
		NotifyTimeout: 20 * time.Millisecond,
	})
	ctx := context.Background()
	if err := svc.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	ledger.SeedBalance(store, "alice", 10_000)

	done := make(chan error, 1)
	go func() {
		_, err := svc.SendFunds(ctx, SendInput{FromAccountID: "alice", ToAccountID: "bob", Amount: 1_000, IdempotencyKey: "slow-broker"})
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("send funds: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("send funds blocked on the notifier")
	}

	b, err := svc.Balance(ctx, "bob")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !b.Amount.IsPositive() {
		t.Fatalf("expected bob to be credited, got %d", b.Amount)
	}
}

func TestSendFundsSplitsCommission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ledger.SeedBalance(f.ledger, "alice", 10_000)

	res, err := f.svc.SendFunds(ctx, SendInput{FromAccountID: "alice", ToAccountID: "bob", Amount: 4_000, IdempotencyKey: "send-1"})
	if err != nil {
		t.Fatalf("send funds: %v", err)
	}
	if res.Commission.FeeAmount != 100 || res.Commission.NetAmount != 3_900 {
		t.Fatalf("unexpected commission %+v", res.Commission)
	}
	if res.SenderBalance != 6_000 {
		t.Fatalf("expected sender balance 6000, got %d", res.SenderBalance)
	}
	if got := f.balance(t, "bob"); got != 3_900 {
		t.Fatalf("expected recipient balance 3900, got %d", got)
	}
	if got := f.balance(t, f.svc.PlatformAccountID()); got != 100 {
		t.Fatalf("expected platform balance 100, got %d", got)
	}

	entries, err := f.ledger.Transfer(ctx, res.TransferID)
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	var sum money.Money
	for _, e := range entries {
		sum += e.Amount
	}
	if len(entries) != 3 || sum != 0 {
		t.Fatalf("expected 3 balanced entries, got %d summing to %d", len(entries), sum)
	}

	received := f.notifier.kinds(notification.KindFundsReceived)
	if len(received) != 1 || received[0].Destination != "bob" {
		t.Fatalf("expected one funds-received event for bob, got %+v", received)
	}
}

func TestSendFundsMinimumFeeConsumesSmallAmount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ledger.SeedBalance(f.ledger, "alice", 1_000)

	res, err := f.svc.SendFunds(ctx, SendInput{FromAccountID: "alice", ToAccountID: "bob", Amount: 40, IdempotencyKey: "tiny"})
	if err != nil {
		t.Fatalf("send funds: %v", err)
	}
	if res.Commission.FeeAmount != 40 || res.Commission.NetAmount != 0 {
		t.Fatalf("expected the whole gross as fee, got %+v", res.Commission)
	}
	if got := f.balance(t, "bob"); got != 0 {
		t.Fatalf("recipient should receive nothing, got %d", got)
	}
	if len(f.notifier.kinds(notification.KindFundsReceived)) != 0 {
		t.Fatalf("no funds-received event expected for a zero net amount")
	}
}

func TestSendFundsRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ledger.SeedBalance(f.ledger, "alice", 1_000)

	if _, err := f.svc.SendFunds(ctx, SendInput{FromAccountID: "alice", ToAccountID: "alice", Amount: 100, IdempotencyKey: "self"}); !errors.Is(err, ErrSameAccount) {
		t.Fatalf("expected ErrSameAccount, got %v", err)
	}
	if _, err := f.svc.SendFunds(ctx, SendInput{FromAccountID: "alice", ToAccountID: "bob", Amount: 1_001, IdempotencyKey: "big"}); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if _, err := f.svc.SendFunds(ctx, SendInput{FromAccountID: "ghost", ToAccountID: "bob", Amount: 100, IdempotencyKey: "ghost"}); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds for an unknown sender, got %v", err)
	}
	if got := f.balance(t, "alice"); got != 1_000 {
		t.Fatalf("rejected sends must not move funds, balance %d", got)
	}
}

func TestSendFundsKeyReuseConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ledger.SeedBalance(f.ledger, "alice", 10_000)

	first, err := f.svc.SendFunds(ctx, SendInput{FromAccountID: "alice", ToAccountID: "bob", Amount: 1_000, IdempotencyKey: "k1"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	replay, err := f.svc.SendFunds(ctx, SendInput{FromAccountID: "alice", ToAccountID: "bob", Amount: 1_000, IdempotencyKey: "k1"})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !replay.Replayed || replay.TransferID != first.TransferID {
		t.Fatalf("expected replay of %s, got %+v", first.TransferID, replay)
	}
	if _, err := f.svc.SendFunds(ctx, SendInput{FromAccountID: "alice", ToAccountID: "bob", Amount: 2_000, IdempotencyKey: "k1"}); !errors.Is(err, ledger.ErrIdempotencyKeyReuse) {
		t.Fatalf("expected ErrIdempotencyKeyReuse, got %v", err)
	}
	if got := f.balance(t, "alice"); got != 9_000 {
		t.Fatalf("expected a single debit, balance %d", got)
	}
	if n := len(f.notifier.kinds(notification.KindFundsReceived)); n != 1 {
		t.Fatalf("replays must not notify again, got %d events", n)
	}
}

func TestSendFundsConcurrentDebitsNeverOverdraw(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ledger.SeedBalance(f.ledger, "alice", 1_000)

	const workers = 16
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.SendFunds(ctx, SendInput{
				FromAccountID:  "alice",
				ToAccountID:    fmt.Sprintf("bob-%d", i),
				Amount:         1_000,
				IdempotencyKey: fmt.Sprintf("race-%d", i),
			})
			switch {
			case err == nil:
				successes.Add(1)
			case !errors.Is(err, ledger.ErrInsufficientFunds):
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if successes.Load() != 1 {
		t.Fatalf("expected exactly one successful send, got %d", successes.Load())
	}
	if got := f.balance(t, "alice"); got != 0 {
		t.Fatalf("expected sender drained to 0, got %d", got)
	}
	if err := ledger.Verify(ctx, f.ledger, "alice"); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestRefundReversesTransferOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ledger.SeedBalance(f.ledger, "alice", 10_000)

	sent, err := f.svc.SendFunds(ctx, SendInput{FromAccountID: "alice", ToAccountID: "bob", Amount: 4_000, IdempotencyKey: "send"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	refund, err := f.svc.Refund(ctx, sent.TransferID, "refund-1")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refund.ReversedTransferID != sent.TransferID {
		t.Fatalf("unexpected refund result %+v", refund)
	}
	for account, want := range map[string]money.Money{"alice": 10_000, "bob": 0, f.svc.PlatformAccountID(): 0} {
		if got := f.balance(t, account); got != want {
			t.Fatalf("%s: expected %d after refund, got %d", account, want, got)
		}
	}

	if _, err := f.svc.Refund(ctx, sent.TransferID, "refund-2"); !errors.Is(err, ledger.ErrAlreadyReversed) {
		t.Fatalf("expected ErrAlreadyReversed, got %v", err)
	}
	replay, err := f.svc.Refund(ctx, sent.TransferID, "refund-1")
	if err != nil || !replay.Replayed {
		t.Fatalf("expected replay of the first refund, got %+v %v", replay, err)
	}

	page, err := f.svc.Entries(ctx, "alice", 0, 10)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	var reversed int
	for _, e := range page.Entries {
		if e.Status == ledger.StatusReversed {
			reversed++
		}
	}
	if reversed != 1 {
		t.Fatalf("expected the send entry reported reversed, got %d", reversed)
	}
}

func TestBalanceAndEntriesOfUnknownAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.svc.Balance(ctx, "nobody")
	if err != nil || b.Amount != 0 {
		t.Fatalf("expected zero balance, got %+v %v", b, err)
	}
	page, err := f.svc.Entries(ctx, "nobody", 0, 10)
	if err != nil || len(page.Entries) != 0 {
		t.Fatalf("expected empty page, got %+v %v", page, err)
	}
}

func TestEntriesPagination(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := f.svc.AddFunds(ctx, FundsInput{AccountID: "alice", Amount: 100, IdempotencyKey: fmt.Sprintf("top-%d", i)}); err != nil {
			t.Fatalf("add funds: %v", err)
		}
	}

	first, err := f.svc.Entries(ctx, "alice", 0, 3)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(first.Entries) != 3 || first.NextCursor != 3 {
		t.Fatalf("unexpected first page %+v", first)
	}
	second, err := f.svc.Entries(ctx, "alice", first.NextCursor, 3)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(second.Entries) != 2 || second.NextCursor != 0 {
		t.Fatalf("unexpected second page %+v", second)
	}
}

func TestRequestCardRequiresThreshold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ledger.SeedBalance(f.ledger, "alice", 499)

	_, err := f.svc.RequestCard(ctx, "alice")
	var ineligible *eligibility.IneligibleError
	if !errors.As(err, &ineligible) || ineligible.Reason != eligibility.ReasonInsufficientBalance {
		t.Fatalf("expected insufficient_balance, got %v", err)
	}
	if f.proc.CreateCalls() != 0 {
		t.Fatalf("processor must not be called for an ineligible user")
	}

	ledger.SeedBalance(f.ledger, "alice", 1)
	card, err := f.svc.RequestCard(ctx, "alice")
	if err != nil {
		t.Fatalf("request card: %v", err)
	}
	if card.Status != issuing.StatusActive {
		t.Fatalf("expected active card, got %s", card.Status)
	}
	if got := f.balance(t, "alice"); got != 500 {
		t.Fatalf("issuing must not move funds, balance %d", got)
	}

	_, err = f.svc.RequestCard(ctx, "alice")
	if !errors.As(err, &ineligible) || ineligible.Reason != eligibility.ReasonCardExists {
		t.Fatalf("expected card_exists, got %v", err)
	}
	if n := len(f.notifier.kinds(notification.KindCardStatusChanged)); n != 1 {
		t.Fatalf("expected one card-status-changed event, got %d", n)
	}
}

func TestRequestCardUnavailableProcessor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ledger.SeedBalance(f.ledger, "alice", 1_000)

	f.proc.Unavailable = true
	_, err := f.svc.RequestCard(ctx, "alice")
	var ineligible *eligibility.IneligibleError
	if !errors.As(err, &ineligible) || ineligible.Reason != eligibility.ReasonIssuingUnavailable {
		t.Fatalf("expected issuing_unavailable, got %v", err)
	}

	status, err := f.svc.CardStatus(ctx, "alice")
	if err != nil {
		t.Fatalf("card status: %v", err)
	}
	if status.Card != nil || status.CanCreate || status.Reason != eligibility.ReasonIssuingUnavailable {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestRequestCardResumesAfterProcessorOutage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ledger.SeedBalance(f.ledger, "alice", 1_000)

	f.proc.PendingActivation = true
	card, err := f.svc.RequestCard(ctx, "alice")
	if err != nil {
		t.Fatalf("request card: %v", err)
	}
	if card.Status != issuing.StatusRequested {
		t.Fatalf("expected requested card, got %s", card.Status)
	}

	f.proc.PendingActivation = false
	payload, sig := f.proc.Webhook("evt_1", card.ProcessorCardID, issuing.StatusActive)
	res, err := f.svc.HandleCardWebhook(ctx, payload, sig)
	if err != nil || res.Outcome != "applied" {
		t.Fatalf("expected applied webhook, got %+v %v", res, err)
	}

	res, err = f.svc.HandleCardWebhook(ctx, payload, sig)
	if !errors.Is(err, issuing.ErrReplayedEvent) || res.Outcome != "replayed" {
		t.Fatalf("expected replayed webhook, got %+v %v", res, err)
	}

	status, err := f.svc.CardStatus(ctx, "alice")
	if err != nil {
		t.Fatalf("card status: %v", err)
	}
	if status.Card == nil || status.Card.Status != issuing.StatusActive {
		t.Fatalf("expected active card, got %+v", status.Card)
	}
	if status.CanCreate || status.Reason != eligibility.ReasonCardExists {
		t.Fatalf("expected card_exists gating, got %+v", status)
	}
}

func TestCardWebhookRejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	payload, _ := f.proc.Webhook("evt_x", "ic_unknown", issuing.StatusActive)
	if _, err := f.svc.HandleCardWebhook(ctx, payload, "deadbeef"); !errors.Is(err, issuing.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}

	payload, sig := f.proc.Webhook("evt_y", "ic_unknown", issuing.StatusActive)
	res, err := f.svc.HandleCardWebhook(ctx, payload, sig)
	if !errors.Is(err, issuing.ErrUnknownCard) || res.Outcome != "unknown_card" {
		t.Fatalf("expected unknown card ack, got %+v %v", res, err)
	}
}

func TestCardLifecycleActions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ledger.SeedBalance(f.ledger, "alice", 1_000)

	if _, err := f.svc.FreezeCard(ctx, "alice"); !errors.Is(err, issuing.ErrNoCard) {
		t.Fatalf("expected ErrNoCard, got %v", err)
	}
	if _, err := f.svc.RequestCard(ctx, "alice"); err != nil {
		t.Fatalf("request card: %v", err)
	}

	card, err := f.svc.FreezeCard(ctx, "alice")
	if err != nil || card.Status != issuing.StatusFrozen {
		t.Fatalf("freeze: %+v %v", card, err)
	}
	if _, err := f.svc.FundCard(ctx, FundsInput{AccountID: "alice", Amount: 100, IdempotencyKey: "fund-frozen"}); !errors.Is(err, ErrCardNotActive) {
		t.Fatalf("expected ErrCardNotActive for a frozen card, got %v", err)
	}
	card, err = f.svc.UnfreezeCard(ctx, "alice")
	if err != nil || card.Status != issuing.StatusActive {
		t.Fatalf("unfreeze: %+v %v", card, err)
	}
	card, err = f.svc.CloseCard(ctx, "alice")
	if err != nil || card.Status != issuing.StatusClosed {
		t.Fatalf("close: %+v %v", card, err)
	}
	if _, err := f.svc.UnfreezeCard(ctx, "alice"); !errors.Is(err, issuing.ErrNoCard) {
		t.Fatalf("a closed card cannot be reopened, got %v", err)
	}

	// 1 created + 3 transitions
	if n := len(f.notifier.kinds(notification.KindCardStatusChanged)); n != 4 {
		t.Fatalf("expected 4 card-status-changed events, got %d", n)
	}

	status, err := f.svc.CardStatus(ctx, "alice")
	if err != nil {
		t.Fatalf("card status: %v", err)
	}
	if !status.CanCreate {
		t.Fatalf("a user whose card is closed may request a new one, got %+v", status)
	}
}

func TestFundCardMovesBalanceToSuspense(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ledger.SeedBalance(f.ledger, "alice", 1_000)

	if _, err := f.svc.FundCard(ctx, FundsInput{AccountID: "alice", Amount: 100, IdempotencyKey: "fund-0"}); !errors.Is(err, ErrCardNotActive) {
		t.Fatalf("expected ErrCardNotActive without a card, got %v", err)
	}
	if _, err := f.svc.RequestCard(ctx, "alice"); err != nil {
		t.Fatalf("request card: %v", err)
	}

	res, err := f.svc.FundCard(ctx, FundsInput{AccountID: "alice", Amount: 600, IdempotencyKey: "fund-1"})
	if err != nil {
		t.Fatalf("fund card: %v", err)
	}
	if res.Balance != 400 {
		t.Fatalf("expected balance 400, got %d", res.Balance)
	}
	if got := f.balance(t, ledger.CardSuspenseAccountCode); got != 600 {
		t.Fatalf("expected suspense balance 600, got %d", got)
	}
	entries, err := f.ledger.Transfer(ctx, res.TransferID)
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	for _, e := range entries {
		if e.Kind != ledger.KindCardFunding || e.Status != ledger.StatusPending {
			t.Fatalf("unexpected card funding entry %+v", e)
		}
	}
	if _, err := f.svc.FundCard(ctx, FundsInput{AccountID: "alice", Amount: 600, IdempotencyKey: "fund-2"}); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}
