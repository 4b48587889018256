package ticket

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"garagectl/internal/domain"
	"garagectl/internal/events"
)

func newService(t *testing.T, opts Options) *Service {
	t.Helper()
	if opts.Now == nil {
		base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
		opts.Now = func() time.Time { return base }
	}
	svc, err := New(context.Background(), NewMemoryStore(), opts)
	require.NoError(t, err)
	return svc
}

func requireReason(t *testing.T, err error, want Reason) {
	t.Helper()
	var rej *RejectedError
	require.ErrorAs(t, err, &rej)
	require.Equal(t, want, rej.Reason)
}

func TestCapacityOneScenario(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, Options{Max: 1})

	a, err := svc.TryIssue(ctx, "entry-1")
	require.NoError(t, err)
	require.Equal(t, domain.TicketIssued, a.State)
	require.Equal(t, 0, svc.Capacity().Free)

	_, err = svc.TryIssue(ctx, "entry-1")
	require.ErrorIs(t, err, ErrCapacityFull)
	require.Equal(t, 0, svc.Capacity().Free)

	v, err := svc.TryValidate(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TicketValidated, v.State)
	require.Equal(t, 1, svc.Capacity().Free)

	_, err = svc.TryIssue(ctx, "entry-1")
	require.NoError(t, err)
	require.Equal(t, domain.Capacity{Max: 1, Free: 0, Active: 1}, svc.Capacity())
}

func TestConcurrentIssueNeverOversells(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, Options{Max: 5})
	var issued atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.TryIssue(ctx, "entry"); err == nil {
				issued.Add(1)
			} else if !errors.Is(err, ErrCapacityFull) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 5, issued.Load())
	n, err := svc.store.CountTickets(ctx, domain.TicketIssued)
	require.NoError(t, err)
	require.Equal(t, 5, n, "every taken slot has exactly one ticket")
	require.Equal(t, 0, svc.Capacity().Free)
}

func TestValidateRejections(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, Options{Max: 3})

	_, err := svc.TryValidate(ctx, "not-a-ticket")
	requireReason(t, err, ReasonInvalidID)
	_, err = svc.TryValidate(ctx, "0b8f8e0c-3c4e-4b8a-9a57-3f0a1b7a2d11")
	requireReason(t, err, ReasonNotFound)

	tk, err := svc.TryIssue(ctx, "entry")
	require.NoError(t, err)
	_, err = svc.TryValidate(ctx, tk.ID)
	require.NoError(t, err)
	free := svc.Capacity().Free

	got, err := svc.TryValidate(ctx, tk.ID)
	requireReason(t, err, ReasonAlreadyValidated)
	require.Equal(t, domain.TicketRejected, got.State)
	require.Equal(t, free, svc.Capacity().Free, "retired ticket never frees a second slot")

	_, err = svc.TryValidate(ctx, tk.ID)
	requireReason(t, err, ReasonAlreadyRejected)
}

func TestRequirePayment(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, Options{Max: 2, RequirePayment: true})
	tk, err := svc.TryIssue(ctx, "entry")
	require.NoError(t, err)

	got, err := svc.TryValidate(ctx, tk.ID)
	requireReason(t, err, ReasonNotPaid)
	require.Equal(t, domain.TicketIssued, got.State)

	paid, err := svc.Pay(ctx, tk.ID)
	require.NoError(t, err)
	require.True(t, paid.Paid)
	again, err := svc.Pay(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, paid.PaidAt, again.PaidAt, "pay is idempotent")

	_, err = svc.TryValidate(ctx, tk.ID)
	require.NoError(t, err)
	_, err = svc.Pay(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAbandonAndReinstate(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, Options{Max: 1})
	tk, err := svc.TryIssue(ctx, "entry")
	require.NoError(t, err)

	ab, err := svc.Abandon(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TicketRejected, ab.State)
	require.Equal(t, 1, svc.Capacity().Free)
	_, err = svc.Abandon(ctx, tk.ID)
	require.ErrorIs(t, err, ErrState)

	tk2, err := svc.TryIssue(ctx, "entry")
	require.NoError(t, err)
	_, err = svc.TryValidate(ctx, tk2.ID)
	require.NoError(t, err)
	re, err := svc.Reinstate(ctx, tk2.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TicketIssued, re.State)
	require.Nil(t, re.RetiredAt)
	require.Equal(t, 0, svc.Capacity().Free)

	_, err = svc.TryValidate(ctx, tk2.ID)
	require.NoError(t, err)
	_, err = svc.TryIssue(ctx, "entry")
	require.NoError(t, err)
	_, err = svc.Reinstate(ctx, tk2.ID)
	require.ErrorIs(t, err, ErrCapacityFull, "slot already given to another car")
}

func TestSetCapacityResetAndPrune(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	svc := newService(t, Options{Max: 3, Now: func() time.Time { return now }})
	a, _ := svc.TryIssue(ctx, "entry")
	_, _ = svc.TryIssue(ctx, "entry")

	_, err := svc.SetCapacity(ctx, 1)
	require.Error(t, err)
	c, err := svc.SetCapacity(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, domain.Capacity{Max: 10, Free: 8, Active: 2}, c)

	_, err = svc.TryValidate(ctx, a.ID)
	require.NoError(t, err)
	n, err := svc.Prune(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	list, err := svc.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, svc.Reset(ctx))
	require.Equal(t, domain.Capacity{Max: 10, Free: 10}, svc.Capacity())
	list, _ = svc.List(ctx, Filter{})
	require.Empty(t, list)
}

func TestNewSeedsCounterFromStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.CreateTicket(ctx, domain.Ticket{ID: "a", State: domain.TicketIssued}))
	require.NoError(t, store.CreateTicket(ctx, domain.Ticket{ID: "b", State: domain.TicketValidated}))
	svc, err := New(ctx, store, Options{Max: 4})
	require.NoError(t, err)
	require.Equal(t, domain.Capacity{Max: 4, Free: 3, Active: 1}, svc.Capacity())

	_, err = New(ctx, store, Options{Max: 0})
	require.Error(t, err)
}

func TestCapacityInvariantViolationPanics(t *testing.T) {
	svc := newService(t, Options{Max: 1})
	svc.free = 2
	require.Panics(t, func() { svc.checkLocked() })
}

type capturePublisher struct {
	mu  sync.Mutex
	evs []events.Event
}

func (c *capturePublisher) Publish(ev events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evs = append(c.evs, ev)
	return nil
}

func (c *capturePublisher) PublishWait(_ context.Context, ev events.Event, _ time.Duration) error {
	return c.Publish(ev)
}

func TestPublishCapacityOnEdges(t *testing.T) {
	ctx := context.Background()
	pub := &capturePublisher{}
	svc := newService(t, Options{Max: 2, OnCapacity: PublishCapacity(pub, nil)})
	a, _ := svc.TryIssue(ctx, "entry")
	_, _ = svc.TryIssue(ctx, "entry")
	_, _ = svc.TryIssue(ctx, "entry")
	_, err := svc.TryValidate(ctx, a.ID)
	require.NoError(t, err)

	require.Len(t, pub.evs, 2)
	require.Equal(t, events.CapacityFull, pub.evs[0].Kind)
	require.Equal(t, events.CapacityAvailable, pub.evs[1].Kind)
	require.EqualValues(t, 1, pub.evs[1].Value)
}

func TestStaleCapacityChangeIsNotReportedLast(t *testing.T) {
	pub := &capturePublisher{}
	svc := newService(t, Options{Max: 1, OnCapacity: PublishCapacity(pub, nil)})

	// An entry took the last slot (change 1) and an exit returned it
	// (change 2); the exit's hook happens to run first.
	svc.changed(2, domain.Capacity{Max: 1, Free: 1})
	svc.changed(1, domain.Capacity{Max: 1, Free: 0, Active: 1})
	require.Empty(t, pub.evs)
}

func TestCapacityEventsEndConsistentUnderContention(t *testing.T) {
	ctx := context.Background()
	pub := &capturePublisher{}
	svc := newService(t, Options{Max: 1, OnCapacity: PublishCapacity(pub, nil), Now: time.Now})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				tk, err := svc.TryIssue(ctx, "entry")
				if err != nil {
					continue
				}
				_, _ = svc.TryValidate(ctx, tk.ID)
			}
		}()
	}
	wg.Wait()
	_, err := svc.TryIssue(ctx, "entry")
	require.NoError(t, err)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.NotEmpty(t, pub.evs)
	for i := 1; i < len(pub.evs); i++ {
		require.NotEqual(t, pub.evs[i-1].Kind, pub.evs[i].Kind, "edges alternate")
	}
	require.Equal(t, events.CapacityFull, pub.evs[len(pub.evs)-1].Kind)
	require.Equal(t, 0, svc.Capacity().Free)
}
