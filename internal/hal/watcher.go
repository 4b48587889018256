package hal

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"garagectl/internal/clock"
	"garagectl/internal/events"
)

// Binding maps one input pin to the events its edges produce. A zero kind
// means that edge is not reported.
type Binding struct {
	Lane     string
	Pin      Pin
	OnHigh   events.Kind
	OnLow    events.Kind
	Debounce time.Duration
	// Value is copied into published events (limit-switch position).
	Value int64
	// Button rate-limits press/release pairs to one per Debounce window of
	// wall time.
	Button bool
}

type watched struct {
	Binding
	primed     bool
	stable     bool
	candidate  bool
	since      time.Time
	press      *rate.Sometimes
	suppressed bool
	failing    bool
}

// Watcher turns input levels into bus events. It samples every bound pin
// on each tick and publishes an edge only after the new level has held for
// the binding's debounce window.
type Watcher struct {
	in       Input
	pub      events.Publisher
	clk      clock.Clock
	interval time.Duration
	log      *slog.Logger
	pins     []*watched
}

func NewWatcher(in Input, pub events.Publisher, clk clock.Clock, interval time.Duration, log *slog.Logger, bindings ...Binding) *Watcher {
	if clk == nil {
		clk = clock.Real()
	}
	if interval <= 0 {
		interval = 5 * time.Millisecond
	}
	if log == nil {
		log = slog.Default()
	}
	w := &Watcher{in: in, pub: pub, clk: clk, interval: interval, log: log}
	for _, b := range bindings {
		if b.Pin == NoPin {
			continue
		}
		p := &watched{Binding: b}
		if b.Button && b.Debounce > 0 {
			p.press = &rate.Sometimes{Interval: b.Debounce}
		}
		w.pins = append(w.pins, p)
	}
	return w
}

// Run polls until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	t := w.clk.NewTicker(w.interval)
	defer t.Stop()
	w.Poll()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			w.Poll()
		}
	}
}

// Poll takes one sample of every bound pin. The first sample of a pin only
// records its level.
func (w *Watcher) Poll() {
	now := w.clk.Now()
	for _, p := range w.pins {
		level, err := w.in.ReadInput(p.Pin)
		if err != nil {
			if !p.failing {
				w.log.Error("input read failed", "lane", p.Lane, "pin", int(p.Pin), "error", err)
				p.failing = true
			}
			continue
		}
		p.failing = false
		if !p.primed {
			p.primed, p.stable, p.candidate, p.since = true, level, level, now
			continue
		}
		if level != p.candidate {
			p.candidate = level
			p.since = now
		}
		if p.candidate == p.stable || now.Sub(p.since) < p.Debounce {
			continue
		}
		p.stable = p.candidate
		w.edge(p, p.stable)
	}
}

func (w *Watcher) edge(p *watched, high bool) {
	kind := p.OnLow
	if high {
		kind = p.OnHigh
	}
	if p.press != nil {
		if high {
			fired := false
			p.press.Do(func() { fired = true })
			p.suppressed = !fired
		}
		if p.suppressed {
			return
		}
	}
	if kind == 0 {
		return
	}
	ev := events.Event{Kind: kind, Lane: p.Lane, Value: p.Value, Time: w.clk.Now()}
	if err := w.pub.Publish(ev); err != nil {
		w.log.Warn("input event not delivered", "lane", p.Lane, "kind", kind.String(), "error", err)
	}
}
