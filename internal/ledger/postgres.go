package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/congo-pay/giftwallet/internal/money"
)

const (
	uniqueViolation           = "23505"
	transferKeyConstraint     = "ledger_transfers_idempotency_key_key"
	entryReversesIDConstraint = "ledger_entries_reverses_id_key"
)

// PostgresLedger persists accounts, transfers and entries in PostgreSQL.
// Account rows are locked FOR UPDATE in id order for the duration of an
// append, which serializes writers per account.
type PostgresLedger struct {
	db *pgxpool.Pool
}

// NewPostgresLedger constructs a Postgres-backed ledger implementation.
func NewPostgresLedger(db *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{db: db}
}

// EnsureAccount guarantees an account row exists.
func (l *PostgresLedger) EnsureAccount(ctx context.Context, accountID, currency string) error {
	_, err := l.db.Exec(ctx, `INSERT INTO ledger_accounts (id, currency) VALUES ($1, $2)
        ON CONFLICT (id) DO NOTHING`, accountID, currency)
	return err
}

// Account returns the stored account row.
func (l *PostgresLedger) Account(ctx context.Context, accountID string) (Account, error) {
	const query = `SELECT id, currency, balance, last_seq, updated_at FROM ledger_accounts WHERE id = $1`
	var (
		acct    Account
		balance int64
	)
	if err := l.db.QueryRow(ctx, query, accountID).Scan(&acct.ID, &acct.Currency, &balance, &acct.LastSeq, &acct.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, err
	}
	acct.Balance = money.Money(balance)
	acct.UpdatedAt = acct.UpdatedAt.UTC()
	return acct, nil
}

// Balance returns the stored balance for accountID.
func (l *PostgresLedger) Balance(ctx context.Context, accountID string) (money.Money, error) {
	var balance int64
	if err := l.db.QueryRow(ctx, `SELECT balance FROM ledger_accounts WHERE id = $1`, accountID).Scan(&balance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrAccountNotFound
		}
		return 0, err
	}
	return money.Money(balance), nil
}

type lockedAccount struct {
	balance money.Money
	seq     int64
}

// Append records drafts as one transfer.
func (l *PostgresLedger) Append(ctx context.Context, idempotencyKey string, drafts ...Draft) (Result, error) {
	if err := validate(idempotencyKey, drafts); err != nil {
		return Result{}, err
	}
	drafts = normalize(drafts)
	fp := fingerprint(drafts)
	ids := accountIDs(drafts)

	tx, err := l.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	locked, err := lockAccounts(ctx, tx, ids)
	if err != nil {
		return Result{}, err
	}

	var (
		existingID uuid.UUID
		existingFP string
	)
	err = tx.QueryRow(ctx, `SELECT id, fingerprint FROM ledger_transfers WHERE idempotency_key = $1`, idempotencyKey).Scan(&existingID, &existingFP)
	switch {
	case err == nil:
		if existingFP != fp {
			return Result{}, ErrIdempotencyKeyReuse
		}
		res, err := loadResult(ctx, tx, existingID)
		if err != nil {
			return Result{}, err
		}
		return res, ErrDuplicateIdempotencyKey
	case !errors.Is(err, pgx.ErrNoRows):
		return Result{}, err
	}

	if reversed, err := anyReversed(ctx, tx, drafts); err != nil {
		return Result{}, err
	} else if reversed {
		return Result{}, ErrAlreadyReversed
	}

	for id, delta := range netByAccount(drafts) {
		if locked[id].balance+delta < 0 {
			return Result{}, ErrInsufficientFunds
		}
	}

	transferID := uuid.New()
	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `INSERT INTO ledger_transfers (id, idempotency_key, fingerprint, created_at) VALUES ($1, $2, $3, $4)`,
		transferID, idempotencyKey, fp, now); err != nil {
		return l.classifyConflict(ctx, idempotencyKey, fp, err)
	}

	entries := make([]Entry, 0, len(drafts))
	for _, d := range drafts {
		acct := locked[d.AccountID]
		acct.seq++
		acct.balance += d.Amount

		entryID := uuid.New()
		var reverses *uuid.UUID
		if d.ReversesID != "" {
			parsed, err := uuid.Parse(d.ReversesID)
			if err != nil {
				return Result{}, fmt.Errorf("%w: reverses id %q", ErrInvalidPosting, d.ReversesID)
			}
			reverses = &parsed
		}
		var counterparty *string
		if d.CounterpartyID != "" {
			counterparty = &d.CounterpartyID
		}

		if _, err := tx.Exec(ctx, `INSERT INTO ledger_entries
            (id, transfer_id, account_id, seq, kind, amount, counterparty_id, reverses_id, status, created_at)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			entryID, transferID, d.AccountID, acct.seq, string(d.Kind), int64(d.Amount), counterparty, reverses, string(d.Status), now); err != nil {
			return l.classifyConflict(ctx, idempotencyKey, fp, err)
		}

		entries = append(entries, Entry{
			ID:             entryID.String(),
			TransferID:     transferID.String(),
			AccountID:      d.AccountID,
			Seq:            acct.seq,
			Kind:           d.Kind,
			Amount:         d.Amount,
			CounterpartyID: d.CounterpartyID,
			ReversesID:     d.ReversesID,
			Status:         d.Status,
			CreatedAt:      now,
		})
	}

	balances := make(map[string]money.Money, len(ids))
	for _, id := range ids {
		acct := locked[id]
		if _, err := tx.Exec(ctx, `UPDATE ledger_accounts SET balance = $1, last_seq = $2, updated_at = $3 WHERE id = $4`,
			int64(acct.balance), acct.seq, now, id); err != nil {
			return Result{}, err
		}
		balances[id] = acct.balance
	}
	recorded, err := encodeBalances(balances)
	if err != nil {
		return Result{}, err
	}
	if _, err := tx.Exec(ctx, `UPDATE ledger_transfers SET balances = $1 WHERE id = $2`, recorded, transferID); err != nil {
		return Result{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{}, err
	}

	return Result{TransferID: transferID.String(), Entries: entries, Balances: balances}, nil
}

// classifyConflict maps unique violations raised by racing writers onto the
// ledger's sentinel errors.
func (l *PostgresLedger) classifyConflict(ctx context.Context, idempotencyKey, fp string, err error) (Result, error) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return Result{}, err
	}
	switch pgErr.ConstraintName {
	case entryReversesIDConstraint:
		return Result{}, ErrAlreadyReversed
	case transferKeyConstraint:
		var (
			id       uuid.UUID
			storedFP string
		)
		if err := l.db.QueryRow(ctx, `SELECT id, fingerprint FROM ledger_transfers WHERE idempotency_key = $1`, idempotencyKey).Scan(&id, &storedFP); err != nil {
			return Result{}, ErrDuplicateIdempotencyKey
		}
		if storedFP != fp {
			return Result{}, ErrIdempotencyKeyReuse
		}
		res, err := loadResult(ctx, l.db, id)
		if err != nil {
			return Result{}, err
		}
		return res, ErrDuplicateIdempotencyKey
	}
	return Result{}, err
}

// Transfer returns the entries written under transferID.
func (l *PostgresLedger) Transfer(ctx context.Context, transferID string) ([]Entry, error) {
	id, err := uuid.Parse(transferID)
	if err != nil {
		return nil, ErrTransferNotFound
	}
	entries, err := queryEntries(ctx, l.db, entrySelect+` WHERE e.transfer_id = $1 ORDER BY e.account_id, e.seq`, id)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrTransferNotFound
	}
	return entries, nil
}

// Entries lists entries for accountID with seq greater than afterSeq.
func (l *PostgresLedger) Entries(ctx context.Context, accountID string, afterSeq int64, limit int) ([]Entry, error) {
	if _, err := l.Balance(ctx, accountID); err != nil {
		return nil, err
	}
	return queryEntries(ctx, l.db, entrySelect+` WHERE e.account_id = $1 AND e.seq > $2 ORDER BY e.seq LIMIT $3`,
		accountID, afterSeq, pageSize(limit))
}

// Accounts lists every account id.
func (l *PostgresLedger) Accounts(ctx context.Context) ([]string, error) {
	rows, err := l.db.Query(ctx, `SELECT id FROM ledger_accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const entrySelect = `
        SELECT e.id::text, e.transfer_id::text, e.account_id, e.seq, e.kind, e.amount,
            COALESCE(e.counterparty_id, ''), COALESCE(e.reverses_id::text, ''),
            CASE WHEN EXISTS (SELECT 1 FROM ledger_entries r WHERE r.reverses_id = e.id)
                THEN 'reversed' ELSE e.status END,
            e.created_at
        FROM ledger_entries e`

func queryEntries(ctx context.Context, q querier, query string, args ...any) ([]Entry, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			e      Entry
			kind   string
			status string
			amount int64
		)
		if err := rows.Scan(&e.ID, &e.TransferID, &e.AccountID, &e.Seq, &kind, &amount,
			&e.CounterpartyID, &e.ReversesID, &status, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Kind = Kind(kind)
		e.Status = Status(status)
		e.Amount = money.Money(amount)
		e.CreatedAt = e.CreatedAt.UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func lockAccounts(ctx context.Context, tx pgx.Tx, ids []string) (map[string]*lockedAccount, error) {
	rows, err := tx.Query(ctx, `SELECT id, balance, last_seq FROM ledger_accounts WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	locked := make(map[string]*lockedAccount, len(ids))
	for rows.Next() {
		var (
			id      string
			balance int64
			seq     int64
		)
		if err := rows.Scan(&id, &balance, &seq); err != nil {
			return nil, err
		}
		locked[id] = &lockedAccount{balance: money.Money(balance), seq: seq}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(locked) != len(ids) {
		return nil, ErrAccountNotFound
	}
	return locked, nil
}

func anyReversed(ctx context.Context, tx pgx.Tx, drafts []Draft) (bool, error) {
	var ids []uuid.UUID
	for _, d := range drafts {
		if d.ReversesID == "" {
			continue
		}
		id, err := uuid.Parse(d.ReversesID)
		if err != nil {
			return false, fmt.Errorf("%w: reverses id %q", ErrInvalidPosting, d.ReversesID)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return false, nil
	}
	var exists bool
	err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM ledger_entries WHERE reverses_id = ANY($1))`, ids).Scan(&exists)
	return exists, err
}

// loadResult rebuilds an applied transfer with the balances recorded when it
// was appended. Transfers written before balances were recorded fall back to
// the live balance.
func loadResult(ctx context.Context, q querier, transferID uuid.UUID) (Result, error) {
	entries, err := queryEntries(ctx, q, entrySelect+` WHERE e.transfer_id = $1 ORDER BY e.account_id, e.seq`, transferID)
	if err != nil {
		return Result{}, err
	}
	var raw []byte
	if err := q.QueryRow(ctx, `SELECT balances FROM ledger_transfers WHERE id = $1`, transferID).Scan(&raw); err != nil {
		return Result{}, err
	}
	recorded := make(map[string]int64)
	if err := json.Unmarshal(raw, &recorded); err != nil {
		return Result{}, fmt.Errorf("decode transfer balances: %w", err)
	}

	res := Result{TransferID: transferID.String(), Entries: entries, Balances: make(map[string]money.Money)}
	for _, e := range entries {
		if _, seen := res.Balances[e.AccountID]; seen {
			continue
		}
		if balance, ok := recorded[e.AccountID]; ok {
			res.Balances[e.AccountID] = money.Money(balance)
			continue
		}
		rows, err := q.Query(ctx, `SELECT balance FROM ledger_accounts WHERE id = $1`, e.AccountID)
		if err != nil {
			return Result{}, err
		}
		balance, err := pgx.CollectOneRow(rows, pgx.RowTo[int64])
		if err != nil {
			return Result{}, err
		}
		res.Balances[e.AccountID] = money.Money(balance)
	}
	return res, nil
}

func encodeBalances(balances map[string]money.Money) (string, error) {
	out := make(map[string]int64, len(balances))
	for id, b := range balances {
		out[id] = int64(b)
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
