package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type collector struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

func newCollector() *collector {
	return &collector{notify: make(chan struct{}, 128)}
}

func (c *collector) handle(ev Event) error {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	c.notify <- struct{}{}
	return nil
}

func (c *collector) waitFor(t *testing.T, n int) []Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		c.mu.Lock()
		got := len(c.events)
		c.mu.Unlock()
		if got >= n {
			c.mu.Lock()
			defer c.mu.Unlock()
			return append([]Event(nil), c.events...)
		}
		select {
		case <-c.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d events, got %d", n, got)
		}
	}
}

func TestPublishDeliversFIFOPerSubscriber(t *testing.T) {
	bus := NewBus(Options{QueueSize: 16})
	defer bus.Close()
	c := newCollector()
	_, err := bus.Subscribe([]Kind{EntryButtonPressed}, c.handle)
	require.NoError(t, err)

	for i := 1; i <= 10; i++ {
		require.NoError(t, bus.Publish(Event{Kind: EntryButtonPressed, Value: int64(i)}))
	}
	got := c.waitFor(t, 10)
	for i, ev := range got {
		require.Equal(t, int64(i+1), ev.Value)
		require.False(t, ev.Time.IsZero(), "publish stamps the event time")
	}
}

func TestSubscribeFiltersByKind(t *testing.T) {
	bus := NewBus(Options{})
	defer bus.Close()
	entry := newCollector()
	all := newCollector()
	_, err := bus.Subscribe([]Kind{EntryLightBarrierBlocked}, entry.handle)
	require.NoError(t, err)
	_, err = bus.Subscribe(nil, all.handle)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(Event{Kind: ExitLightBarrierBlocked}))
	require.NoError(t, bus.Publish(Event{Kind: EntryLightBarrierBlocked}))

	got := entry.waitFor(t, 1)
	require.Len(t, got, 1)
	require.Equal(t, EntryLightBarrierBlocked, got[0].Kind)
	require.Len(t, all.waitFor(t, 2), 2)
}

func TestPublishFailsFastWhenQueueFull(t *testing.T) {
	bus := NewBus(Options{QueueSize: 1})
	defer bus.Close()
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	_, err := bus.Subscribe(nil, func(Event) error {
		started <- struct{}{}
		<-release
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(Event{Kind: ButtonPressed}))
	<-started
	require.NoError(t, bus.Publish(Event{Kind: ButtonPressed}))

	err = bus.Publish(Event{Kind: ButtonPressed})
	require.ErrorIs(t, err, ErrBackpressure)

	err = bus.PublishWait(context.Background(), Event{Kind: ButtonPressed}, 10*time.Millisecond)
	require.ErrorIs(t, err, ErrBackpressure)
	close(release)
}

func TestPublishWaitSucceedsOnceQueueDrains(t *testing.T) {
	bus := NewBus(Options{QueueSize: 1})
	defer bus.Close()
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	var handled atomic.Int32
	_, err := bus.Subscribe(nil, func(Event) error {
		if handled.Add(1) == 1 {
			started <- struct{}{}
			<-release
		}
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(Event{Kind: ButtonPressed}))
	<-started
	require.NoError(t, bus.Publish(Event{Kind: ButtonPressed}))

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	require.NoError(t, bus.PublishWait(context.Background(), Event{Kind: ButtonPressed}, time.Second))
}

func TestPublishStaysNonBlockingDuringPublishWait(t *testing.T) {
	bus := NewBus(Options{QueueSize: 1})
	defer bus.Close()
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	_, err := bus.Subscribe(nil, func(Event) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	})
	require.NoError(t, err)
	defer close(release)
	require.NoError(t, bus.Publish(Event{Kind: ButtonPressed}))
	<-started
	require.NoError(t, bus.Publish(Event{Kind: ButtonPressed}))

	waiting := make(chan error, 1)
	go func() {
		waiting <- bus.PublishWait(context.Background(), Event{Kind: ButtonPressed}, 2*time.Second)
	}()
	time.Sleep(20 * time.Millisecond)

	subscribed := make(chan struct{})
	go func() {
		sub, err := bus.Subscribe([]Kind{CapacityFull}, func(Event) error { return nil })
		if err == nil {
			sub.Close()
		}
		close(subscribed)
	}()
	select {
	case <-subscribed:
	case <-time.After(time.Second):
		t.Fatal("subscribe queued behind a pending PublishWait")
	}

	start := time.Now()
	_ = bus.Publish(Event{Kind: CapacityFull})
	require.Less(t, time.Since(start), 100*time.Millisecond)

	select {
	case err := <-waiting:
		t.Fatalf("PublishWait returned early: %v", err)
	default:
	}
}

func TestFailingHandlerDoesNotStopOtherSubscribers(t *testing.T) {
	bus := NewBus(Options{})
	defer bus.Close()
	_, err := bus.Subscribe(nil, func(ev Event) error {
		if ev.Value == 1 {
			panic("boom")
		}
		return errors.New("always fails")
	})
	require.NoError(t, err)
	c := newCollector()
	_, err = bus.Subscribe(nil, c.handle)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(Event{Kind: GateAlarm, Value: 1}))
	require.NoError(t, bus.Publish(Event{Kind: GateAlarm, Value: 2}))
	require.Len(t, c.waitFor(t, 2), 2)
}

func TestClosedBusRejectsPublishAndSubscribe(t *testing.T) {
	bus := NewBus(Options{})
	bus.Close()
	require.ErrorIs(t, bus.Publish(Event{Kind: GateReset}), ErrClosed)
	_, err := bus.Subscribe(nil, func(Event) error { return nil })
	require.ErrorIs(t, err, ErrClosed)
}

func TestSubscriptionCloseDrainsQueued(t *testing.T) {
	bus := NewBus(Options{QueueSize: 8})
	defer bus.Close()
	c := newCollector()
	sub, err := bus.Subscribe(nil, c.handle)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, bus.Publish(Event{Kind: TicketIssued}))
	}
	sub.Close()
	require.Len(t, c.waitFor(t, 3), 3)
	require.NoError(t, bus.Publish(Event{Kind: TicketIssued}))
}

func TestParseKindRoundTrip(t *testing.T) {
	for _, k := range Kinds() {
		parsed, err := ParseKind(k.String())
		require.NoError(t, err)
		require.Equal(t, k, parsed)
	}
	_, err := ParseKind("warp_drive_engaged")
	require.Error(t, err)
}
