package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrBackpressure = errors.New("event bus backpressure")
	ErrClosed       = errors.New("event bus closed")
)

const (
	defaultQueueSize      = 32
	defaultPublishTimeout = 50 * time.Millisecond
)

// Handler consumes one event on the subscriber's own goroutine.
type Handler func(Event) error

// Observer receives delivery diagnostics. Implementations must be safe for
// concurrent use.
type Observer interface {
	ObserveBusDrop(kind string)
	ObserveHandlerError(kind string)
}

// Publisher is the producer side of the bus.
type Publisher interface {
	Publish(ev Event) error
	PublishWait(ctx context.Context, ev Event, timeout time.Duration) error
}

type Options struct {
	QueueSize      int
	PublishTimeout time.Duration
	Logger         *slog.Logger
	Observer       Observer
	Now            func() time.Time
}

// Bus fans events out to subscribers. Each subscription owns a bounded
// FIFO queue drained by its own goroutine, so a slow or failing consumer
// never stalls the others.
type Bus struct {
	opts   Options
	mu     sync.RWMutex
	subs   []*Subscription
	closed bool
	wg     sync.WaitGroup
}

func NewBus(opts Options) *Bus {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = defaultPublishTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Bus{opts: opts}
}

type Subscription struct {
	bus     *Bus
	kinds   map[Kind]struct{}
	queue   chan Event
	handler Handler
	done    chan struct{}
	once    sync.Once
}

// Subscribe registers h for the given kinds; no kinds means every kind.
func (b *Bus) Subscribe(kinds []Kind, h Handler) (*Subscription, error) {
	if h == nil {
		return nil, errors.New("nil handler")
	}
	s := &Subscription{
		bus:     b,
		queue:   make(chan Event, b.opts.QueueSize),
		handler: h,
		done:    make(chan struct{}),
	}
	if len(kinds) > 0 {
		s.kinds = make(map[Kind]struct{}, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = struct{}{}
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	b.subs = append(b.subs, s)
	b.wg.Add(1)
	go s.run()
	return s, nil
}

func (s *Subscription) wants(k Kind) bool {
	if s.kinds == nil {
		return true
	}
	_, ok := s.kinds[k]
	return ok
}

// Publish never blocks. Subscribers whose queue is full miss the event and
// the call reports ErrBackpressure; the others still receive it.
func (b *Bus) Publish(ev Event) error {
	ev = b.stamp(ev)
	targets, err := b.targets(ev.Kind)
	if err != nil {
		return err
	}
	dropped := 0
	for _, s := range targets {
		select {
		case s.queue <- ev:
		default:
			dropped++
			b.dropped(ev)
		}
	}
	if dropped > 0 {
		return fmt.Errorf("%w: %s dropped for %d subscriber(s)", ErrBackpressure, ev.Kind, dropped)
	}
	return nil
}

// PublishWait waits up to timeout per full subscriber queue before giving
// up on it. A non-positive timeout uses the bus default.
func (b *Bus) PublishWait(ctx context.Context, ev Event, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = b.opts.PublishTimeout
	}
	ev = b.stamp(ev)
	// Waits happen outside the lock so Subscribe and Close never queue
	// behind a slow subscriber and stall Publish.
	targets, err := b.targets(ev.Kind)
	if err != nil {
		return err
	}
	dropped := 0
	for _, s := range targets {
		select {
		case s.queue <- ev:
			continue
		default:
		}
		timer := time.NewTimer(timeout)
		select {
		case s.queue <- ev:
		case <-s.done:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			dropped++
			b.dropped(ev)
		}
		timer.Stop()
	}
	if dropped > 0 {
		return fmt.Errorf("%w: %s dropped for %d subscriber(s) after %s", ErrBackpressure, ev.Kind, dropped, timeout)
	}
	return nil
}

// targets snapshots the subscribers for k. Sends happen after the read
// lock is released.
func (b *Bus) targets(k Kind) ([]*Subscription, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}
	out := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.wants(k) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (b *Bus) stamp(ev Event) Event {
	if ev.Time.IsZero() {
		ev.Time = b.opts.Now()
	}
	return ev
}

func (b *Bus) dropped(ev Event) {
	b.opts.Logger.Warn("event queue full, dropping event", "kind", ev.Kind.String(), "lane", ev.Lane)
	if b.opts.Observer != nil {
		b.opts.Observer.ObserveBusDrop(ev.Kind.String())
	}
}

// Close stops every subscription and waits for in-flight handlers. It must
// not be called from inside a handler.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	for _, s := range subs {
		s.stop()
	}
	b.wg.Wait()
}

// Close detaches the subscription. Events already queued are still
// delivered.
func (s *Subscription) Close() {
	b := s.bus
	b.mu.Lock()
	for i, p := range b.subs {
		if p == s {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	s.stop()
}

func (s *Subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *Subscription) run() {
	defer s.bus.wg.Done()
	for {
		select {
		case ev := <-s.queue:
			s.dispatch(ev)
		case <-s.done:
			for {
				select {
				case ev := <-s.queue:
					s.dispatch(ev)
				default:
					return
				}
			}
		}
	}
}

func (s *Subscription) dispatch(ev Event) {
	log := s.bus.opts.Logger
	defer func() {
		if r := recover(); r != nil {
			log.Error("event handler panicked", "kind", ev.Kind.String(), "lane", ev.Lane, "panic", r)
			if s.bus.opts.Observer != nil {
				s.bus.opts.Observer.ObserveHandlerError(ev.Kind.String())
			}
		}
	}()
	if err := s.handler(ev); err != nil {
		log.Warn("event handler failed", "kind", ev.Kind.String(), "lane", ev.Lane, "error", err)
		if s.bus.opts.Observer != nil {
			s.bus.opts.Observer.ObserveHandlerError(ev.Kind.String())
		}
	}
}
