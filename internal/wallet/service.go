package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/congo-pay/giftwallet/internal/commission"
	"github.com/congo-pay/giftwallet/internal/eligibility"
	"github.com/congo-pay/giftwallet/internal/issuing"
	"github.com/congo-pay/giftwallet/internal/ledger"
	"github.com/congo-pay/giftwallet/internal/metrics"
	"github.com/congo-pay/giftwallet/internal/money"
	"github.com/congo-pay/giftwallet/internal/notification"
)

const (
	defaultCurrency          = "USD"
	defaultPlatformAccountID = "platform:commission"
	defaultNotifyTimeout     = 2 * time.Second
)

// Deps aggregates the collaborators of the wallet service. Notifier and
// Metrics are optional.
type Deps struct {
	Ledger   ledger.Store
	Issuer   *issuing.Issuer
	Gate     *eligibility.Gate
	Notifier notification.Notifier
	Logger   *slog.Logger
	Metrics  *metrics.Collectors

	Currency          string
	PlatformAccountID string
	// NotifyTimeout bounds each notification send. Zero selects two seconds.
	NotifyTimeout time.Duration
}

// Service orchestrates balance mutations, commission and the card lifecycle.
// Every balance change goes through a single ledger append.
type Service struct {
	ledger   ledger.Store
	issuer   *issuing.Issuer
	gate     *eligibility.Gate
	notifier notification.Notifier
	logger   *slog.Logger
	metrics  *metrics.Collectors

	currency          string
	platformAccountID string
	notifyTimeout     time.Duration
}

// NewService builds a wallet service instance.
func NewService(d Deps) *Service {
	s := &Service{
		ledger:            d.Ledger,
		issuer:            d.Issuer,
		gate:              d.Gate,
		notifier:          d.Notifier,
		logger:            d.Logger,
		metrics:           d.Metrics,
		currency:          d.Currency,
		platformAccountID: d.PlatformAccountID,
		notifyTimeout:     d.NotifyTimeout,
	}
	if s.currency == "" {
		s.currency = defaultCurrency
	}
	if s.platformAccountID == "" {
		s.platformAccountID = defaultPlatformAccountID
	}
	if s.notifyTimeout <= 0 {
		s.notifyTimeout = defaultNotifyTimeout
	}
	return s
}

// Bootstrap provisions the platform commission and card suspense accounts.
func (s *Service) Bootstrap(ctx context.Context) error {
	for _, id := range []string{s.platformAccountID, ledger.CardSuspenseAccountCode} {
		if err := s.ledger.EnsureAccount(ctx, id, s.currency); err != nil {
			return fmt.Errorf("provision %s: %w", id, err)
		}
	}
	return nil
}

// PlatformAccountID names the account commission is credited to.
func (s *Service) PlatformAccountID() string { return s.platformAccountID }

// OpenAccount provisions accountID if needed and returns its balance.
func (s *Service) OpenAccount(ctx context.Context, accountID string) (Balance, error) {
	if strings.TrimSpace(accountID) == "" {
		return Balance{}, ErrInvalidAccount
	}
	if err := s.ledger.EnsureAccount(ctx, accountID, s.currency); err != nil {
		return Balance{}, err
	}
	return s.Balance(ctx, accountID)
}

// Balance returns the stored balance. An account the ledger has never seen
// reports zero.
func (s *Service) Balance(ctx context.Context, accountID string) (Balance, error) {
	acct, err := s.ledger.Account(ctx, accountID)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return Balance{AccountID: accountID, Currency: s.currency, UpdatedAt: time.Now().UTC()}, nil
	}
	if err != nil {
		return Balance{}, err
	}
	return Balance{AccountID: acct.ID, Currency: acct.Currency, Amount: acct.Balance, UpdatedAt: acct.UpdatedAt}, nil
}

// Entries returns a page of accountID's history after the given seq cursor.
func (s *Service) Entries(ctx context.Context, accountID string, after int64, limit int) (EntriesPage, error) {
	entries, err := s.ledger.Entries(ctx, accountID, after, limit)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return EntriesPage{Entries: []ledger.Entry{}}, nil
	}
	if err != nil {
		return EntriesPage{}, err
	}
	page := EntriesPage{Entries: entries}
	if limit > 0 && len(entries) == limit {
		page.NextCursor = entries[len(entries)-1].Seq
	}
	return page, nil
}

// AddFunds credits the full amount as a top-up. Inbound funding carries no
// commission.
func (s *Service) AddFunds(ctx context.Context, in FundsInput) (FundsResult, error) {
	if err := s.validateMovement(in.AccountID, in.Amount, in.IdempotencyKey); err != nil {
		return FundsResult{}, err
	}
	if err := s.ledger.EnsureAccount(ctx, in.AccountID, s.currency); err != nil {
		return FundsResult{}, err
	}

	res, err := s.ledger.Append(ctx, in.IdempotencyKey, ledger.Draft{
		AccountID: in.AccountID,
		Kind:      ledger.KindTopUp,
		Amount:    in.Amount,
	})
	replayed, err := s.settle("add_funds", err)
	if err != nil {
		return FundsResult{}, err
	}
	return FundsResult{TransferID: res.TransferID, Balance: res.BalanceOf(in.AccountID), Replayed: replayed}, nil
}

// SendFunds debits gross from the sender and credits net to the recipient and
// the fee to the platform account, as one ledger append.
func (s *Service) SendFunds(ctx context.Context, in SendInput) (SendResult, error) {
	if err := s.validateMovement(in.FromAccountID, in.Amount, in.IdempotencyKey); err != nil {
		return SendResult{}, err
	}
	if strings.TrimSpace(in.ToAccountID) == "" {
		return SendResult{}, ErrInvalidAccount
	}
	if s.reserved(in.ToAccountID) {
		return SendResult{}, ErrReservedAccount
	}
	if in.FromAccountID == in.ToAccountID {
		return SendResult{}, ErrSameAccount
	}

	breakdown, err := commission.Compute(in.Amount)
	if err != nil {
		return SendResult{}, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}

	if err := s.ledger.EnsureAccount(ctx, in.ToAccountID, s.currency); err != nil {
		return SendResult{}, err
	}

	drafts := []ledger.Draft{{
		AccountID:      in.FromAccountID,
		Kind:           ledger.KindSend,
		Amount:         breakdown.GrossAmount.Neg(),
		CounterpartyID: in.ToAccountID,
	}}
	// gross at or below the minimum fee leaves nothing for the recipient
	if breakdown.NetAmount.IsPositive() {
		drafts = append(drafts, ledger.Draft{
			AccountID:      in.ToAccountID,
			Kind:           ledger.KindReceive,
			Amount:         breakdown.NetAmount,
			CounterpartyID: in.FromAccountID,
		})
	}
	drafts = append(drafts, ledger.Draft{
		AccountID:      s.platformAccountID,
		Kind:           ledger.KindCommission,
		Amount:         breakdown.FeeAmount,
		CounterpartyID: in.FromAccountID,
	})

	res, err := s.ledger.Append(ctx, in.IdempotencyKey, drafts...)
	replayed, err := s.settle("send_funds", missingAsEmpty(err))
	if err != nil {
		return SendResult{}, err
	}

	if !replayed && breakdown.NetAmount.IsPositive() {
		s.notify(ctx, notification.Message{
			Kind:        notification.KindFundsReceived,
			Destination: in.ToAccountID,
			Body: notification.FundsReceived{
				TransferID: res.TransferID,
				From:       in.FromAccountID,
				Amount:     breakdown.NetAmount.String(),
				Balance:    res.BalanceOf(in.ToAccountID).String(),
			},
		})
	}

	return SendResult{
		TransferID:    res.TransferID,
		SenderBalance: res.BalanceOf(in.FromAccountID),
		Commission:    breakdown,
		Replayed:      replayed,
	}, nil
}

// Refund reverses every entry of transferID in one append.
func (s *Service) Refund(ctx context.Context, transferID, idempotencyKey string) (RefundResult, error) {
	if strings.TrimSpace(idempotencyKey) == "" {
		return RefundResult{}, ErrIdempotencyKeyRequired
	}
	res, err := ledger.Reverse(ctx, s.ledger, transferID, idempotencyKey)
	replayed, err := s.settle("refund", err)
	if err != nil {
		return RefundResult{}, err
	}
	return RefundResult{
		TransferID:         res.TransferID,
		ReversedTransferID: transferID,
		Balances:           res.Balances,
		Replayed:           replayed,
	}, nil
}

// FundCard moves balance into the card suspense account. The entries stay
// pending until the processor settles the load.
func (s *Service) FundCard(ctx context.Context, in FundsInput) (FundsResult, error) {
	if err := s.validateMovement(in.AccountID, in.Amount, in.IdempotencyKey); err != nil {
		return FundsResult{}, err
	}
	card, err := s.issuer.CurrentCard(ctx, in.AccountID)
	if errors.Is(err, issuing.ErrNoCard) || (err == nil && card.Status != issuing.StatusActive) {
		return FundsResult{}, ErrCardNotActive
	}
	if err != nil {
		return FundsResult{}, err
	}

	res, err := s.ledger.Append(ctx, in.IdempotencyKey,
		ledger.Draft{
			AccountID:      in.AccountID,
			Kind:           ledger.KindCardFunding,
			Amount:         in.Amount.Neg(),
			CounterpartyID: ledger.CardSuspenseAccountCode,
			Status:         ledger.StatusPending,
		},
		ledger.Draft{
			AccountID:      ledger.CardSuspenseAccountCode,
			Kind:           ledger.KindCardFunding,
			Amount:         in.Amount,
			CounterpartyID: in.AccountID,
			Status:         ledger.StatusPending,
		},
	)
	replayed, err := s.settle("fund_card", missingAsEmpty(err))
	if err != nil {
		return FundsResult{}, err
	}
	return FundsResult{TransferID: res.TransferID, Balance: res.BalanceOf(in.AccountID), Replayed: replayed}, nil
}

// settle turns a duplicate key into a replayed success and records the
// outcome. Every other ledger failure is returned as is.
func (s *Service) settle(operation string, err error) (bool, error) {
	switch {
	case err == nil:
		s.metrics.LedgerAppend(operation, "ok")
		return false, nil
	case errors.Is(err, ledger.ErrDuplicateIdempotencyKey):
		s.metrics.LedgerAppend(operation, "replayed")
		return true, nil
	case errors.Is(err, ledger.ErrInsufficientFunds):
		s.metrics.LedgerAppend(operation, "insufficient_funds")
	case errors.Is(err, ledger.ErrIdempotencyKeyReuse):
		s.metrics.LedgerAppend(operation, "key_reuse")
		s.logger.Warn("idempotency key reused with a different payload", slog.String("operation", operation))
	default:
		s.metrics.LedgerAppend(operation, "error")
		s.logger.Error("ledger append failed", slog.String("operation", operation), slog.Any("error", err))
	}
	return false, err
}

func (s *Service) notify(ctx context.Context, msg notification.Message) {
	if s.notifier == nil {
		return
	}
	// detached from the request and bounded; the ledger entry is already committed
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.notifyTimeout)
	defer cancel()
	if err := s.notifier.Send(ctx, msg); err != nil {
		s.logger.Warn("notification failed", slog.String("kind", msg.Kind), slog.Any("error", err))
	}
}

// missingAsEmpty treats a debit from an account the ledger has never seen as
// a debit from a zero balance.
func missingAsEmpty(err error) error {
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return ledger.ErrInsufficientFunds
	}
	return err
}

func (s *Service) validateMovement(accountID string, amount money.Money, key string) error {
	if strings.TrimSpace(accountID) == "" {
		return ErrInvalidAccount
	}
	if s.reserved(accountID) {
		return ErrReservedAccount
	}
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if strings.TrimSpace(key) == "" {
		return ErrIdempotencyKeyRequired
	}
	return nil
}

// reserved reports whether accountID is one of the accounts the service books
// commission and card loads against. Callers may never move funds through them.
func (s *Service) reserved(accountID string) bool {
	return accountID == s.platformAccountID || accountID == ledger.CardSuspenseAccountCode
}
