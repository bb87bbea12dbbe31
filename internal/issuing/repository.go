package issuing

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists virtual card records and the ids of webhook events
// already applied to them.
type Repository interface {
	// Create inserts card, failing with ErrCardExists when the user already
	// holds an open card.
	Create(ctx context.Context, card Card) error
	Get(ctx context.Context, id string) (Card, error)
	// Current returns the user's open card, or the most recent closed one.
	Current(ctx context.Context, userID string) (Card, error)
	// Modify locks the stored card, passes it to fn and writes back the card
	// fn returns. fn sees the current row, never a caller's snapshot; when it
	// fails nothing is written and its error is returned with the stored card.
	Modify(ctx context.Context, id string, fn func(Card) (Card, error)) (Card, error)
	// ApplyEvent finds the card ev refers to, records ev.ID and stores the
	// card returned by next, all atomically. A second call with the same event
	// id fails with ErrReplayedEvent and leaves the card untouched.
	ApplyEvent(ctx context.Context, ev Event, next func(Card) Card) (Card, error)
}

const openCardConstraint = "virtual_cards_open_per_user_key"

// PostgresRepository stores cards in PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a repository backed by PostgreSQL.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts a card record.
func (r *PostgresRepository) Create(ctx context.Context, card Card) error {
	cardID, err := uuid.Parse(card.ID)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `INSERT INTO virtual_cards (id, user_id, processor_card_id, status, last_four, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		cardID, card.UserID, nullable(card.ProcessorCardID), string(card.Status), nullable(card.LastFour), card.CreatedAt.UTC(), card.UpdatedAt.UTC())
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == openCardConstraint {
		return ErrCardExists
	}
	return err
}

const cardSelect = `SELECT id, user_id, COALESCE(processor_card_id, ''), status, COALESCE(last_four, ''), created_at, updated_at
        FROM virtual_cards`

// Get fetches a card by identifier.
func (r *PostgresRepository) Get(ctx context.Context, id string) (Card, error) {
	cardID, err := uuid.Parse(id)
	if err != nil {
		return Card{}, ErrCardNotFound
	}
	return scanCard(r.db.QueryRow(ctx, cardSelect+` WHERE id = $1`, cardID))
}

// Current fetches the user's open card, falling back to the latest closed one.
func (r *PostgresRepository) Current(ctx context.Context, userID string) (Card, error) {
	return scanCard(r.db.QueryRow(ctx, cardSelect+` WHERE user_id = $1
        ORDER BY (status <> 'closed') DESC, created_at DESC LIMIT 1`, userID))
}

// Modify runs fn against the row locked with SELECT ... FOR UPDATE.
func (r *PostgresRepository) Modify(ctx context.Context, id string, fn func(Card) (Card, error)) (Card, error) {
	cardID, err := uuid.Parse(id)
	if err != nil {
		return Card{}, ErrCardNotFound
	}
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Card{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	card, err := scanCard(tx.QueryRow(ctx, cardSelect+` WHERE id = $1 FOR UPDATE`, cardID))
	if err != nil {
		return Card{}, err
	}
	updated, err := fn(card)
	if err != nil {
		return card, err
	}
	if err := writeCard(ctx, tx, updated); err != nil {
		return Card{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Card{}, err
	}
	return updated, nil
}

// ApplyEvent locks the referenced card row, records the event id and writes
// the transformed card in one transaction.
func (r *PostgresRepository) ApplyEvent(ctx context.Context, ev Event, next func(Card) Card) (Card, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Card{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	card, err := r.lockCard(ctx, tx, ev)
	if err != nil {
		return Card{}, err
	}

	tag, err := tx.Exec(ctx, `INSERT INTO card_webhook_events (event_id, card_id, status) VALUES ($1, $2, $3)
        ON CONFLICT (event_id) DO NOTHING`, ev.ID, uuid.MustParse(card.ID), string(ev.Status))
	if err != nil {
		return Card{}, err
	}
	if tag.RowsAffected() == 0 {
		return card, ErrReplayedEvent
	}

	updated := next(card)
	if err := writeCard(ctx, tx, updated); err != nil {
		return Card{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Card{}, err
	}
	return updated, nil
}

func (r *PostgresRepository) lockCard(ctx context.Context, tx pgx.Tx, ev Event) (Card, error) {
	if ev.ProcessorCardID != "" {
		card, err := scanCard(tx.QueryRow(ctx, cardSelect+` WHERE processor_card_id = $1 FOR UPDATE`, ev.ProcessorCardID))
		if !errors.Is(err, ErrCardNotFound) {
			return card, err
		}
	}
	if id, err := uuid.Parse(ev.CardID); err == nil {
		card, err := scanCard(tx.QueryRow(ctx, cardSelect+` WHERE id = $1 FOR UPDATE`, id))
		if !errors.Is(err, ErrCardNotFound) {
			return card, err
		}
	}
	return Card{}, ErrUnknownCard
}

func writeCard(ctx context.Context, tx pgx.Tx, card Card) error {
	_, err := tx.Exec(ctx, `UPDATE virtual_cards SET processor_card_id = $2, status = $3, last_four = $4, updated_at = $5
        WHERE id = $1`, uuid.MustParse(card.ID), nullable(card.ProcessorCardID), string(card.Status), nullable(card.LastFour), card.UpdatedAt.UTC())
	return err
}

func scanCard(row pgx.Row) (Card, error) {
	var (
		c      Card
		id     uuid.UUID
		status string
	)
	if err := row.Scan(&id, &c.UserID, &c.ProcessorCardID, &status, &c.LastFour, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Card{}, ErrCardNotFound
		}
		return Card{}, err
	}
	c.ID = id.String()
	c.Status = Status(status)
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
