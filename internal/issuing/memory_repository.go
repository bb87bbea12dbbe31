package issuing

import (
	"context"
	"sync"
)

type memoryRepository struct {
	mu     sync.Mutex
	cards  map[string]Card
	events map[string]struct{}
}

// NewMemoryRepository constructs an in-memory repository for tests and
// development.
func NewMemoryRepository() Repository {
	return &memoryRepository{
		cards:  make(map[string]Card),
		events: make(map[string]struct{}),
	}
}

func (r *memoryRepository) Create(_ context.Context, card Card) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.cards {
		if existing.UserID == card.UserID && existing.Status.Open() {
			return ErrCardExists
		}
	}
	r.cards[card.ID] = card
	return nil
}

func (r *memoryRepository) Get(_ context.Context, id string) (Card, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	card, ok := r.cards[id]
	if !ok {
		return Card{}, ErrCardNotFound
	}
	return card, nil
}

func (r *memoryRepository) Current(_ context.Context, userID string) (Card, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var (
		best  Card
		found bool
	)
	for _, c := range r.cards {
		if c.UserID != userID {
			continue
		}
		switch {
		case !found:
			best, found = c, true
		case c.Status.Open() != best.Status.Open():
			if c.Status.Open() {
				best = c
			}
		case c.CreatedAt.After(best.CreatedAt):
			best = c
		}
	}
	if !found {
		return Card{}, ErrCardNotFound
	}
	return best, nil
}

func (r *memoryRepository) Modify(_ context.Context, id string, fn func(Card) (Card, error)) (Card, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	card, ok := r.cards[id]
	if !ok {
		return Card{}, ErrCardNotFound
	}
	updated, err := fn(card)
	if err != nil {
		return card, err
	}
	r.cards[id] = updated
	return updated, nil
}

func (r *memoryRepository) ApplyEvent(_ context.Context, ev Event, next func(Card) Card) (Card, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	card, ok := r.findLocked(ev)
	if !ok {
		return Card{}, ErrUnknownCard
	}
	if _, seen := r.events[ev.ID]; seen {
		return card, ErrReplayedEvent
	}
	r.events[ev.ID] = struct{}{}
	updated := next(card)
	r.cards[updated.ID] = updated
	return updated, nil
}

func (r *memoryRepository) findLocked(ev Event) (Card, bool) {
	if ev.ProcessorCardID != "" {
		for _, c := range r.cards {
			if c.ProcessorCardID == ev.ProcessorCardID {
				return c, true
			}
		}
	}
	if ev.CardID != "" {
		c, ok := r.cards[ev.CardID]
		return c, ok
	}
	return Card{}, false
}
