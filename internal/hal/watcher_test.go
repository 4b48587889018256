package hal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"garagectl/internal/clock"
	"garagectl/internal/events"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) PublishWait(_ context.Context, ev events.Event, _ time.Duration) error {
	return r.Publish(ev)
}

func (r *recorder) kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Kind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func TestWatcherDebouncesLightBarrier(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	sim := NewSim(clk)
	rec := &recorder{}
	w := NewWatcher(sim, rec, clk, 5*time.Millisecond, nil, Binding{
		Lane: "entry-1", Pin: 20,
		OnHigh:   events.EntryLightBarrierBlocked,
		OnLow:    events.EntryLightBarrierCleared,
		Debounce: 20 * time.Millisecond,
	})
	w.Poll()
	require.Empty(t, rec.kinds(), "first sample only primes")

	sim.SetInput(20, true)
	w.Poll()
	clk.Advance(10 * time.Millisecond)
	sim.SetInput(20, false)
	w.Poll()
	clk.Advance(30 * time.Millisecond)
	w.Poll()
	require.Empty(t, rec.kinds(), "bounce shorter than the window is ignored")

	sim.SetInput(20, true)
	w.Poll()
	clk.Advance(20 * time.Millisecond)
	w.Poll()
	require.Equal(t, []events.Kind{events.EntryLightBarrierBlocked}, rec.kinds())

	sim.SetInput(20, false)
	w.Poll()
	clk.Advance(20 * time.Millisecond)
	w.Poll()
	require.Equal(t, []events.Kind{events.EntryLightBarrierBlocked, events.EntryLightBarrierCleared}, rec.kinds())
	require.Equal(t, "entry-1", rec.events[1].Lane)
}

func TestWatcherLimitSwitchCarriesValue(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	sim := NewSim(clk)
	rec := &recorder{}
	w := NewWatcher(sim, rec, clk, time.Millisecond, nil,
		Binding{Lane: "exit-1", Pin: 30, OnHigh: events.LimitSwitchReached, Value: events.PositionOpen},
		Binding{Lane: "exit-1", Pin: NoPin, OnHigh: events.ButtonPressed},
	)
	w.Poll()
	sim.SetInput(30, true)
	w.Poll()
	sim.SetInput(30, false)
	w.Poll()
	require.Equal(t, []events.Kind{events.LimitSwitchReached}, rec.kinds())
	require.Equal(t, events.PositionOpen, rec.events[0].Value)
}

func TestWatcherRateLimitsButtonPairs(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	sim := NewSim(clk)
	rec := &recorder{}
	w := NewWatcher(sim, rec, clk, time.Millisecond, nil, Binding{
		Lane: "entry-1", Pin: 40,
		OnHigh:   events.EntryButtonPressed,
		OnLow:    events.EntryButtonReleased,
		Debounce: time.Hour,
		Button:   true,
	})
	w.Poll()
	for i := 0; i < 2; i++ {
		sim.SetInput(40, true)
		w.Poll()
		clk.Advance(time.Hour)
		w.Poll()
		sim.SetInput(40, false)
		w.Poll()
		clk.Advance(time.Hour)
		w.Poll()
	}
	require.Equal(t, []events.Kind{events.EntryButtonPressed, events.EntryButtonReleased}, rec.kinds())
}

func TestWatcherRunStopsWithContext(t *testing.T) {
	sim := NewSim(clock.Real())
	rec := &recorder{}
	w := NewWatcher(sim, rec, clock.Real(), time.Millisecond, nil, Binding{Lane: "l", Pin: 1, OnHigh: events.ButtonPressed})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	w.Poll()
	go func() {
		w.Run(ctx)
		close(done)
	}()
	sim.SetInput(1, true)
	require.Eventually(t, func() bool { return len(rec.kinds()) == 1 }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}
