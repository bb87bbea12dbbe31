package ledger

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/congo-pay/giftwallet/internal/money"
)

type memAccount struct {
	mu        sync.Mutex
	currency  string
	balance   money.Money
	seq       int64
	updatedAt time.Time
	entries   []Entry
}

// appliedTransfer remembers an applied key together with the balances its
// append produced, which is what a replay reports.
type appliedTransfer struct {
	transferID  string
	fingerprint string
	balances    map[string]money.Money
}

type inMemoryLedger struct {
	mu       sync.RWMutex
	accounts map[string]*memAccount

	// keysMu guards the idempotency and transfer indexes. It is always taken
	// after any account locks.
	keysMu    sync.Mutex
	applied   map[string]appliedTransfer
	inFlight  map[string]string
	transfers map[string][]Entry
	reversed  map[string]string

	now func() time.Time
}

// NewInMemory creates a concurrency-safe in-memory ledger useful for unit
// tests and development. Each account has its own lock.
func NewInMemory() Store {
	return &inMemoryLedger{
		accounts:  make(map[string]*memAccount),
		applied:   make(map[string]appliedTransfer),
		inFlight:  make(map[string]string),
		transfers: make(map[string][]Entry),
		reversed:  make(map[string]string),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (l *inMemoryLedger) EnsureAccount(_ context.Context, accountID, currency string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.accounts[accountID]; !exists {
		l.accounts[accountID] = &memAccount{currency: currency, updatedAt: l.now()}
	}
	return nil
}

func (l *inMemoryLedger) lookup(accountID string) (*memAccount, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	acct, ok := l.accounts[accountID]
	return acct, ok
}

func (l *inMemoryLedger) Account(_ context.Context, accountID string) (Account, error) {
	acct, ok := l.lookup(accountID)
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return Account{
		ID:        accountID,
		Currency:  acct.currency,
		Balance:   acct.balance,
		LastSeq:   acct.seq,
		UpdatedAt: acct.updatedAt,
	}, nil
}

func (l *inMemoryLedger) Balance(ctx context.Context, accountID string) (money.Money, error) {
	acct, err := l.Account(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

func (l *inMemoryLedger) Append(_ context.Context, idempotencyKey string, drafts ...Draft) (Result, error) {
	if err := validate(idempotencyKey, drafts); err != nil {
		return Result{}, err
	}
	drafts = normalize(drafts)
	fp := fingerprint(drafts)

	ids := accountIDs(drafts)
	locked := make(map[string]*memAccount, len(ids))
	for _, id := range ids {
		acct, ok := l.lookup(id)
		if !ok {
			return Result{}, ErrAccountNotFound
		}
		locked[id] = acct
	}

	for _, id := range ids {
		locked[id].mu.Lock()
	}
	defer func() {
		for _, id := range ids {
			locked[id].mu.Unlock()
		}
	}()

	l.keysMu.Lock()
	if prior, ok := l.applied[idempotencyKey]; ok {
		defer l.keysMu.Unlock()
		if prior.fingerprint != fp {
			return Result{}, ErrIdempotencyKeyReuse
		}
		return l.replayLocked(prior), ErrDuplicateIdempotencyKey
	}
	if _, busy := l.inFlight[idempotencyKey]; busy {
		l.keysMu.Unlock()
		return Result{}, ErrIdempotencyKeyReuse
	}
	for _, d := range drafts {
		if d.ReversesID == "" {
			continue
		}
		if _, done := l.reversed[d.ReversesID]; done {
			l.keysMu.Unlock()
			return Result{}, ErrAlreadyReversed
		}
	}
	l.inFlight[idempotencyKey] = fp
	l.keysMu.Unlock()

	release := func() {
		l.keysMu.Lock()
		delete(l.inFlight, idempotencyKey)
		l.keysMu.Unlock()
	}

	for id, delta := range netByAccount(drafts) {
		if locked[id].balance+delta < 0 {
			release()
			return Result{}, ErrInsufficientFunds
		}
	}

	transferID := uuid.NewString()
	now := l.now()
	entries := make([]Entry, 0, len(drafts))
	for _, d := range drafts {
		acct := locked[d.AccountID]
		acct.seq++
		acct.balance += d.Amount
		acct.updatedAt = now
		e := Entry{
			ID:             uuid.NewString(),
			TransferID:     transferID,
			AccountID:      d.AccountID,
			Seq:            acct.seq,
			Kind:           d.Kind,
			Amount:         d.Amount,
			CounterpartyID: d.CounterpartyID,
			ReversesID:     d.ReversesID,
			Status:         d.Status,
			CreatedAt:      now,
		}
		acct.entries = append(acct.entries, e)
		entries = append(entries, e)
	}

	balances := make(map[string]money.Money, len(ids))
	for _, id := range ids {
		balances[id] = locked[id].balance
	}

	l.keysMu.Lock()
	delete(l.inFlight, idempotencyKey)
	l.applied[idempotencyKey] = appliedTransfer{transferID: transferID, fingerprint: fp, balances: balances}
	l.transfers[transferID] = entries
	for _, e := range entries {
		if e.ReversesID != "" {
			l.reversed[e.ReversesID] = e.ID
		}
	}
	l.keysMu.Unlock()

	return Result{TransferID: transferID, Entries: append([]Entry(nil), entries...), Balances: maps.Clone(balances)}, nil
}

// replayLocked rebuilds the result of an applied transfer with the balances
// recorded when it was first appended. Callers hold keysMu.
func (l *inMemoryLedger) replayLocked(prior appliedTransfer) Result {
	res := Result{TransferID: prior.transferID, Balances: maps.Clone(prior.balances)}
	for _, e := range l.transfers[prior.transferID] {
		res.Entries = append(res.Entries, l.withStatusLocked(e))
	}
	return res
}

func (l *inMemoryLedger) withStatusLocked(e Entry) Entry {
	if _, ok := l.reversed[e.ID]; ok {
		e.Status = StatusReversed
	}
	return e
}

func (l *inMemoryLedger) Transfer(_ context.Context, transferID string) ([]Entry, error) {
	l.keysMu.Lock()
	defer l.keysMu.Unlock()
	stored, ok := l.transfers[transferID]
	if !ok {
		return nil, ErrTransferNotFound
	}
	out := make([]Entry, 0, len(stored))
	for _, e := range stored {
		out = append(out, l.withStatusLocked(e))
	}
	return out, nil
}

func (l *inMemoryLedger) Entries(_ context.Context, accountID string, afterSeq int64, limit int) ([]Entry, error) {
	acct, ok := l.lookup(accountID)
	if !ok {
		return nil, ErrAccountNotFound
	}
	limit = pageSize(limit)

	acct.mu.Lock()
	defer acct.mu.Unlock()

	// entries are stored in seq order starting at 1
	start := int(afterSeq)
	if start < 0 {
		start = 0
	}
	if start >= len(acct.entries) {
		return []Entry{}, nil
	}
	end := start + limit
	if end > len(acct.entries) {
		end = len(acct.entries)
	}

	l.keysMu.Lock()
	defer l.keysMu.Unlock()
	out := make([]Entry, 0, end-start)
	for _, e := range acct.entries[start:end] {
		out = append(out, l.withStatusLocked(e))
	}
	return out, nil
}

func (l *inMemoryLedger) Accounts(_ context.Context) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.accounts))
	for id := range l.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
