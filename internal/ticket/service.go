// Package ticket issues and validates parking tickets and owns the
// garage-wide capacity counter. Every check-then-mutate sequence runs under
// one short-held lock, so two lanes can never both take the last slot.
package ticket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"garagectl/internal/domain"
)

var (
	ErrCapacityFull = errors.New("capacity full")
	// ErrState is returned when a ticket is not in the state an operation needs.
	ErrState = errors.New("ticket state does not allow this operation")
)

type Reason string

const (
	ReasonNotFound         Reason = "not_found"
	ReasonInvalidID        Reason = "invalid_id"
	ReasonAlreadyValidated Reason = "already_validated"
	ReasonAlreadyRejected  Reason = "already_rejected"
	ReasonNotPaid          Reason = "not_paid"
)

// RejectedError is a failed validation.
type RejectedError struct {
	TicketID string
	Reason   Reason
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("ticket %s rejected: %s", e.TicketID, e.Reason)
}

// Observer is told about ticket outcomes and capacity changes.
type Observer interface {
	ObserveTicket(outcome string)
	ObserveCapacity(c domain.Capacity)
}

type Options struct {
	Max            int
	RequirePayment bool
	Now            func() time.Time
	NewID          func() string
	Logger         *slog.Logger
	Observer       Observer
	// OnCapacity runs outside the lock, in change order, whenever the
	// reported capacity moves. Superseded intermediate states may be skipped.
	OnCapacity func(before, after domain.Capacity)
}

type Service struct {
	store Store
	opts  Options
	log   *slog.Logger

	mu   sync.Mutex
	max  int
	free int
	seq  uint64

	// notifyMu orders capacity hooks; reported is the last capacity they saw.
	notifyMu sync.Mutex
	notified uint64
	reported domain.Capacity
}

// New loads the active ticket count from store to seed the counter.
func New(ctx context.Context, store Store, opts Options) (*Service, error) {
	if store == nil {
		return nil, errors.New("ticket: nil store")
	}
	if opts.Max <= 0 {
		return nil, fmt.Errorf("ticket: capacity must be positive, got %d", opts.Max)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	active, err := store.CountTickets(ctx, domain.TicketIssued)
	if err != nil {
		return nil, fmt.Errorf("count active tickets: %w", err)
	}
	if active > opts.Max {
		return nil, fmt.Errorf("ticket: %d active tickets exceed capacity %d", active, opts.Max)
	}
	s := &Service{store: store, opts: opts, log: opts.Logger, max: opts.Max, free: opts.Max - active}
	s.reported = s.capacityLocked()
	s.observeCapacity(s.reported)
	return s, nil
}

// TryIssue takes a free slot and issues a ticket for lane as one step.
func (s *Service) TryIssue(ctx context.Context, lane string) (domain.Ticket, error) {
	s.mu.Lock()
	if s.free == 0 {
		s.mu.Unlock()
		s.observe("capacity_full")
		return domain.Ticket{}, ErrCapacityFull
	}
	t := domain.Ticket{
		ID:       s.opts.NewID(),
		Lane:     lane,
		State:    domain.TicketIssued,
		IssuedAt: s.opts.Now().UTC(),
	}
	if err := s.store.CreateTicket(ctx, t); err != nil {
		s.mu.Unlock()
		return domain.Ticket{}, fmt.Errorf("store ticket: %w", err)
	}
	s.free--
	after := s.checkLocked()
	seq := s.nextSeqLocked()
	s.mu.Unlock()
	s.log.Info("ticket issued", "ticket_id", t.ID, "lane", lane, "free", after.Free)
	s.observe("issued")
	s.changed(seq, after)
	return t, nil
}

// TryValidate consumes an issued ticket and returns its slot. Retired
// tickets presented again are marked rejected.
func (s *Service) TryValidate(ctx context.Context, id string) (domain.Ticket, error) {
	if _, err := uuid.Parse(id); err != nil {
		s.observe(string(ReasonInvalidID))
		return domain.Ticket{}, &RejectedError{TicketID: id, Reason: ReasonInvalidID}
	}
	s.mu.Lock()
	t, err := s.store.GetTicket(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		s.mu.Unlock()
		s.observe(string(ReasonNotFound))
		return domain.Ticket{}, &RejectedError{TicketID: id, Reason: ReasonNotFound}
	}
	if err != nil {
		s.mu.Unlock()
		return domain.Ticket{}, fmt.Errorf("load ticket: %w", err)
	}
	now := s.opts.Now().UTC()
	switch t.State {
	case domain.TicketValidated:
		t.State = domain.TicketRejected
		t.Reason = string(ReasonAlreadyValidated)
		t.RetiredAt = &now
		err := s.store.UpdateTicket(ctx, t)
		s.mu.Unlock()
		if err != nil {
			return domain.Ticket{}, fmt.Errorf("reject ticket: %w", err)
		}
		s.observe(string(ReasonAlreadyValidated))
		return t, &RejectedError{TicketID: id, Reason: ReasonAlreadyValidated}
	case domain.TicketRejected:
		s.mu.Unlock()
		s.observe(string(ReasonAlreadyRejected))
		return t, &RejectedError{TicketID: id, Reason: ReasonAlreadyRejected}
	}
	if s.opts.RequirePayment && !t.Paid {
		s.mu.Unlock()
		s.observe(string(ReasonNotPaid))
		return t, &RejectedError{TicketID: id, Reason: ReasonNotPaid}
	}
	if s.free == s.max {
		// An issued ticket always holds a slot.
		s.mu.Unlock()
		panic(fmt.Sprintf("ticket: issued ticket %s with every slot free (max %d)", id, s.max))
	}
	t.State = domain.TicketValidated
	t.RetiredAt = &now
	if err := s.store.UpdateTicket(ctx, t); err != nil {
		s.mu.Unlock()
		return domain.Ticket{}, fmt.Errorf("validate ticket: %w", err)
	}
	s.free++
	after := s.checkLocked()
	seq := s.nextSeqLocked()
	s.mu.Unlock()
	s.log.Info("ticket validated", "ticket_id", id, "free", after.Free)
	s.observe("validated")
	s.changed(seq, after)
	return t, nil
}

// Abandon cancels an entry whose car never passed: the ticket is rejected
// and its slot returned.
func (s *Service) Abandon(ctx context.Context, id string) (domain.Ticket, error) {
	s.mu.Lock()
	t, err := s.store.GetTicket(ctx, id)
	if err != nil {
		s.mu.Unlock()
		return domain.Ticket{}, err
	}
	if t.State != domain.TicketIssued {
		s.mu.Unlock()
		return t, fmt.Errorf("abandon %s: %w (%s)", id, ErrState, t.State)
	}
	now := s.opts.Now().UTC()
	t.State = domain.TicketRejected
	t.Reason = "abandoned"
	t.RetiredAt = &now
	if err := s.store.UpdateTicket(ctx, t); err != nil {
		s.mu.Unlock()
		return domain.Ticket{}, fmt.Errorf("abandon ticket: %w", err)
	}
	s.free++
	after := s.checkLocked()
	seq := s.nextSeqLocked()
	s.mu.Unlock()
	s.log.Info("ticket abandoned", "ticket_id", id, "free", after.Free)
	s.observe("abandoned")
	s.changed(seq, after)
	return t, nil
}

// Reinstate undoes a validation whose car never left. It fails with
// ErrCapacityFull when the returned slot has already been taken.
func (s *Service) Reinstate(ctx context.Context, id string) (domain.Ticket, error) {
	s.mu.Lock()
	t, err := s.store.GetTicket(ctx, id)
	if err != nil {
		s.mu.Unlock()
		return domain.Ticket{}, err
	}
	if t.State != domain.TicketValidated {
		s.mu.Unlock()
		return t, fmt.Errorf("reinstate %s: %w (%s)", id, ErrState, t.State)
	}
	if s.free == 0 {
		s.mu.Unlock()
		return t, ErrCapacityFull
	}
	t.State = domain.TicketIssued
	t.RetiredAt = nil
	if err := s.store.UpdateTicket(ctx, t); err != nil {
		s.mu.Unlock()
		return domain.Ticket{}, fmt.Errorf("reinstate ticket: %w", err)
	}
	s.free--
	after := s.checkLocked()
	seq := s.nextSeqLocked()
	s.mu.Unlock()
	s.log.Info("ticket reinstated", "ticket_id", id, "free", after.Free)
	s.observe("reinstated")
	s.changed(seq, after)
	return t, nil
}

// Pay marks a ticket paid. Paying twice is not an error.
func (s *Service) Pay(ctx context.Context, id string) (domain.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.store.GetTicket(ctx, id)
	if err != nil {
		return domain.Ticket{}, err
	}
	if t.Paid {
		return t, nil
	}
	if t.State.Retired() {
		return t, fmt.Errorf("pay %s: %w (%s)", id, ErrState, t.State)
	}
	now := s.opts.Now().UTC()
	t.Paid = true
	t.PaidAt = &now
	if err := s.store.UpdateTicket(ctx, t); err != nil {
		return domain.Ticket{}, fmt.Errorf("pay ticket: %w", err)
	}
	s.log.Info("ticket paid", "ticket_id", id)
	return t, nil
}

func (s *Service) Get(ctx context.Context, id string) (domain.Ticket, error) {
	return s.store.GetTicket(ctx, id)
}

func (s *Service) List(ctx context.Context, f Filter) ([]domain.Ticket, error) {
	return s.store.ListTickets(ctx, f)
}

func (s *Service) Capacity() domain.Capacity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capacityLocked()
}

// SetCapacity changes the garage size. It refuses to drop below the number
// of cars currently inside.
func (s *Service) SetCapacity(_ context.Context, n int) (domain.Capacity, error) {
	s.mu.Lock()
	active := s.max - s.free
	if n <= 0 || n < active {
		s.mu.Unlock()
		return domain.Capacity{}, fmt.Errorf("ticket: capacity %d below %d active tickets", n, active)
	}
	s.max = n
	s.free = n - active
	after := s.checkLocked()
	seq := s.nextSeqLocked()
	s.mu.Unlock()
	s.log.Info("capacity changed", "max", n, "free", after.Free)
	s.changed(seq, after)
	return after, nil
}

// Reset forgets every ticket and frees every slot.
func (s *Service) Reset(ctx context.Context) error {
	s.mu.Lock()
	if err := s.store.DeleteTickets(ctx); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("reset tickets: %w", err)
	}
	s.free = s.max
	after := s.checkLocked()
	seq := s.nextSeqLocked()
	s.mu.Unlock()
	s.log.Warn("ticket service reset", "max", after.Max)
	s.changed(seq, after)
	return nil
}

// Prune drops tickets retired before the cutoff.
func (s *Service) Prune(ctx context.Context, before time.Time) (int, error) {
	return s.store.PruneTickets(ctx, before)
}

func (s *Service) capacityLocked() domain.Capacity {
	return domain.Capacity{Max: s.max, Free: s.free, Active: s.max - s.free}
}

// checkLocked panics when the counter leaves 0..max; that can only be a bug.
func (s *Service) checkLocked() domain.Capacity {
	if s.free < 0 || s.free > s.max {
		panic(fmt.Sprintf("ticket: capacity invariant violated: free=%d max=%d", s.free, s.max))
	}
	return s.capacityLocked()
}

func (s *Service) nextSeqLocked() uint64 {
	s.seq++
	return s.seq
}

// changed runs hooks outside s.mu. Two changes can race here, so one
// that lost to a newer change is skipped rather than reported last.
func (s *Service) changed(seq uint64, after domain.Capacity) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if seq <= s.notified {
		return
	}
	s.notified = seq
	before := s.reported
	s.reported = after
	s.observeCapacity(after)
	if s.opts.OnCapacity != nil && before != after {
		s.opts.OnCapacity(before, after)
	}
}

func (s *Service) observe(outcome string) {
	if s.opts.Observer != nil {
		s.opts.Observer.ObserveTicket(outcome)
	}
}

func (s *Service) observeCapacity(c domain.Capacity) {
	if s.opts.Observer != nil {
		s.opts.Observer.ObserveCapacity(c)
	}
}
