package ticket

import (
	"context"
	"sort"
	"sync"
	"time"

	"garagectl/internal/domain"
)

// Filter narrows List. Zero fields match everything.
type Filter struct {
	State domain.TicketState
	Lane  string
	Limit int
}

func (f Filter) match(t domain.Ticket) bool {
	if f.State != "" && t.State != f.State {
		return false
	}
	if f.Lane != "" && t.Lane != f.Lane {
		return false
	}
	return true
}

// Store persists tickets. Get returns domain.ErrNotFound for unknown ids.
type Store interface {
	CreateTicket(ctx context.Context, t domain.Ticket) error
	UpdateTicket(ctx context.Context, t domain.Ticket) error
	GetTicket(ctx context.Context, id string) (domain.Ticket, error)
	ListTickets(ctx context.Context, f Filter) ([]domain.Ticket, error)
	CountTickets(ctx context.Context, state domain.TicketState) (int, error)
	// PruneTickets deletes retired tickets retired before the cutoff.
	PruneTickets(ctx context.Context, before time.Time) (int, error)
	DeleteTickets(ctx context.Context) error
}

// MemoryStore keeps tickets in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	tickets map[string]domain.Ticket
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tickets: map[string]domain.Ticket{}}
}

func (s *MemoryStore) CreateTicket(_ context.Context, t domain.Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickets[t.ID] = t
	return nil
}

func (s *MemoryStore) UpdateTicket(_ context.Context, t domain.Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tickets[t.ID]; !ok {
		return domain.ErrNotFound
	}
	s.tickets[t.ID] = t
	return nil
}

func (s *MemoryStore) GetTicket(_ context.Context, id string) (domain.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tickets[id]
	if !ok {
		return domain.Ticket{}, domain.ErrNotFound
	}
	return t, nil
}

func (s *MemoryStore) ListTickets(_ context.Context, f Filter) ([]domain.Ticket, error) {
	s.mu.RLock()
	out := make([]domain.Ticket, 0, len(s.tickets))
	for _, t := range s.tickets {
		if f.match(t) {
			out = append(out, t)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].IssuedAt.Before(out[j].IssuedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) CountTickets(_ context.Context, state domain.TicketState) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, t := range s.tickets {
		if t.State == state {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) PruneTickets(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, t := range s.tickets {
		if t.State.Retired() && t.RetiredAt != nil && t.RetiredAt.Before(before) {
			delete(s.tickets, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) DeleteTickets(context.Context) error {
	s.mu.Lock()
	s.tickets = map[string]domain.Ticket{}
	s.mu.Unlock()
	return nil
}
