// Package gate runs one barrier per lane: a state machine over
// idle/awaiting_authorization/opening/open/closing/faulted that turns
// sensor events into motor commands, consults an Authorizer before every
// open cycle, and never blocks waiting for the barrier to move.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"garagectl/internal/clock"
	"garagectl/internal/domain"
	"garagectl/internal/events"
	"garagectl/internal/fsm"
	"garagectl/internal/motor"
)

// maxSteps bounds the follow-up inputs one event may chain.
const maxSteps = 16

// Actuator moves the barrier. *motor.Drive implements it.
type Actuator interface {
	Open() error
	Close() error
	Halt() error
	Reset() error
	Speed() motor.Speed
	Running() bool
}

type Observer interface {
	ObserveTransition(lane string, from, to domain.GateState)
	ObserveFault(lane, reason string)
}

type Timeouts struct {
	Open  time.Duration
	Close time.Duration
	// Idle closes an open barrier nobody drove through.
	Idle time.Duration
	// CloseDelay is the pause between the car clearing the light barrier
	// and the barrier closing; zero closes at once.
	CloseDelay time.Duration
}

func (t Timeouts) validate() error {
	if t.Open <= 0 || t.Close <= 0 || t.Idle <= 0 {
		return fmt.Errorf("gate: open, close and idle timeouts must be positive (open=%s close=%s idle=%s)", t.Open, t.Close, t.Idle)
	}
	if t.CloseDelay < 0 {
		return errors.New("gate: close_delay must not be negative")
	}
	return nil
}

func (t Timeouts) of(k TimerKind) time.Duration {
	switch k {
	case TimerOpen:
		return t.Open
	case TimerClose:
		return t.Close
	case TimerIdle:
		return t.Idle
	case TimerCloseDelay:
		return t.CloseDelay
	}
	return 0
}

type Options struct {
	Lane       string
	Kind       domain.LaneKind
	Actuator   Actuator
	Authorizer Authorizer
	Publisher  events.Publisher
	Clock      clock.Clock
	Timeouts   Timeouts
	Logger     *slog.Logger
	Observer   Observer
}

type armed struct {
	token int64
	kind  TimerKind
	timer clock.Timer
}

type transition = fsm.Transition[domain.GateState, Input, Command]

// Controller owns the state of one lane. Events are processed one at a
// time to completion; Snapshot may be called from any goroutine.
type Controller struct {
	lane     string
	kind     domain.LaneKind
	act      Actuator
	auth     Authorizer
	pub      events.Publisher
	clk      clock.Clock
	timeouts Timeouts
	log      *slog.Logger
	obs      Observer

	mu      sync.Mutex
	machine *fsm.Machine[domain.GateState, InputKind, Input, Command]
	ticket  string
	blocked bool
	passed  bool
	fault   string
	timer   armed
	seq     int64
	sub     *events.Subscription
}

func New(opts Options) (*Controller, error) {
	switch {
	case opts.Lane == "":
		return nil, errors.New("gate: lane id required")
	case opts.Kind != domain.LaneEntry && opts.Kind != domain.LaneExit:
		return nil, fmt.Errorf("gate: unknown lane kind %q", opts.Kind)
	case opts.Actuator == nil:
		return nil, errors.New("gate: nil actuator")
	case opts.Authorizer == nil:
		return nil, errors.New("gate: nil authorizer")
	case opts.Publisher == nil:
		return nil, errors.New("gate: nil publisher")
	}
	if err := opts.Timeouts.validate(); err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &Controller{
		lane:     opts.Lane,
		kind:     opts.Kind,
		act:      opts.Actuator,
		auth:     opts.Authorizer,
		pub:      opts.Publisher,
		clk:      opts.Clock,
		timeouts: opts.Timeouts,
		log:      opts.Logger.With("lane", opts.Lane, "kind", string(opts.Kind)),
		obs:      opts.Observer,
	}
	c.machine = c.table()
	if c.obs != nil {
		c.obs.ObserveTransition(c.lane, domain.GateIdle, domain.GateIdle)
	}
	return c, nil
}

func (c *Controller) table() *fsm.Machine[domain.GateState, InputKind, Input, Command] {
	m := fsm.New[domain.GateState, InputKind, Input, Command](domain.GateIdle, func(in Input) InputKind { return in.Kind })

	m.On(domain.GateIdle, Request, transition{
		To: domain.GateAwaitingAuthorization,
		Action: func(in Input) []Command {
			return []Command{{Kind: CmdAuthorize, TicketID: in.TicketID}}
		},
	})

	m.On(domain.GateAwaitingAuthorization, Authorized, transition{
		To: domain.GateOpening,
		Action: func(in Input) []Command {
			c.ticket = in.TicketID
			c.passed = false
			return []Command{{Kind: CmdOpen}, {Kind: CmdArm, Timer: TimerOpen}}
		},
	})
	m.On(domain.GateAwaitingAuthorization, Denied, transition{
		To: domain.GateIdle,
		Action: func(in Input) []Command {
			return []Command{{Kind: CmdReject, TicketID: in.TicketID, Reason: in.Reason}}
		},
	})

	m.On(domain.GateOpening, OpenedLimit, transition{To: domain.GateOpen, Action: c.opened})
	m.On(domain.GateOpening, Timeout, transition{To: domain.GateFaulted, Guard: c.current, Action: c.faultFor(FaultOpenTimeout)})
	m.On(domain.GateOpening, Cleared, transition{To: domain.GateOpening, Guard: c.wasBlocked, Action: c.complete})

	// Open is also entered while the barrier is still rising again after an
	// obstruction during closing; the open timer stays armed until the
	// limit switch confirms.
	m.On(domain.GateOpen, OpenedLimit, transition{To: domain.GateOpen, Guard: c.timerIs(TimerOpen), Action: c.opened})
	m.On(domain.GateOpen, Obstructed, transition{
		To: domain.GateOpen,
		Action: func(Input) []Command {
			if c.timer.kind == TimerIdle || c.timer.kind == TimerCloseDelay {
				return []Command{{Kind: CmdDisarm}}
			}
			return nil
		},
	})
	m.On(domain.GateOpen, Cleared, transition{
		To:    domain.GateOpen,
		Guard: c.wasBlocked,
		Action: func(in Input) []Command {
			out := c.complete(in)
			if c.timer.kind == TimerOpen {
				return out
			}
			return append(out, Command{Kind: CmdArm, Timer: TimerCloseDelay})
		},
	})
	m.On(domain.GateOpen, Timeout, transition{
		To:     domain.GateFaulted,
		Guard:  c.timeoutOf(TimerOpen),
		Action: c.faultFor(FaultOpenTimeout),
	})
	m.On(domain.GateOpen, Timeout, transition{
		To:    domain.GateClosing,
		Guard: c.timeoutOf(TimerIdle),
		Action: func(Input) []Command {
			return []Command{c.abandon(), {Kind: CmdClose}, {Kind: CmdArm, Timer: TimerClose}}
		},
	})
	m.On(domain.GateOpen, Timeout, transition{
		To:    domain.GateClosing,
		Guard: c.timeoutOf(TimerCloseDelay),
		Action: func(Input) []Command {
			return []Command{{Kind: CmdClose}, {Kind: CmdArm, Timer: TimerClose}}
		},
	})

	m.On(domain.GateClosing, ClosedLimit, transition{
		To: domain.GateIdle,
		Action: func(Input) []Command {
			c.finish()
			return []Command{{Kind: CmdDisarm}, {Kind: CmdHalt}}
		},
	})
	m.On(domain.GateClosing, Timeout, transition{To: domain.GateFaulted, Guard: c.current, Action: c.faultFor(FaultCloseTimeout)})
	m.On(domain.GateClosing, Obstructed, transition{
		To: domain.GateOpen,
		Action: func(Input) []Command {
			return []Command{{Kind: CmdOpen}, {Kind: CmdArm, Timer: TimerOpen}}
		},
	})

	m.OnAny(ActuationFailed, transition{
		To: domain.GateFaulted,
		Action: func(in Input) []Command {
			return c.faultFor(in.Reason)(in)
		},
	})
	// Already stopped in place; a further failure changes nothing.
	m.On(domain.GateFaulted, ActuationFailed, transition{To: domain.GateFaulted})
	m.On(domain.GateFaulted, Reset, transition{
		To: domain.GateIdle,
		Action: func(Input) []Command {
			c.fault = ""
			c.finish()
			return []Command{{Kind: CmdDisarm}, {Kind: CmdResetMotor}}
		},
	})

	m.Observe(func(from, to domain.GateState, in Input) {
		if from != to {
			c.log.Info("gate transition", "from", string(from), "to", string(to), "input", in.Kind.String())
		}
		if c.obs != nil {
			c.obs.ObserveTransition(c.lane, from, to)
		}
	})
	return m
}

// opened runs when the limit switch confirms the barrier is up.
func (c *Controller) opened(Input) []Command {
	out := []Command{{Kind: CmdHalt}}
	switch {
	case c.blocked:
		return append(out, Command{Kind: CmdDisarm})
	case c.passed:
		return append(out, Command{Kind: CmdArm, Timer: TimerCloseDelay})
	}
	return append(out, Command{Kind: CmdArm, Timer: TimerIdle})
}

// complete records the passage once per authorization; a car clearing the
// beam again after a re-open is not a second passage.
func (c *Controller) complete(Input) []Command {
	id := c.ticket
	c.ticket = ""
	c.passed = true
	if id == "" {
		return nil
	}
	return []Command{{Kind: CmdComplete, TicketID: id}}
}

func (c *Controller) abandon() Command {
	id := c.ticket
	c.ticket = ""
	return Command{Kind: CmdAbandon, TicketID: id}
}

func (c *Controller) faultFor(reason string) func(Input) []Command {
	return func(Input) []Command {
		ab := c.abandon()
		return []Command{{Kind: CmdDisarm}, {Kind: CmdHalt}, {Kind: CmdAlarm, Reason: reason, TicketID: ab.TicketID}, ab}
	}
}

func (c *Controller) finish() {
	c.ticket = ""
	c.passed = false
}

func (c *Controller) current(in Input) bool {
	return in.Token != 0 && in.Token == c.timer.token
}

func (c *Controller) timeoutOf(k TimerKind) func(Input) bool {
	return func(in Input) bool { return c.current(in) && c.timer.kind == k }
}

func (c *Controller) timerIs(k TimerKind) func(Input) bool {
	return func(Input) bool { return c.timer.kind == k }
}

func (c *Controller) wasBlocked(Input) bool { return c.blocked }

// Handle processes one bus event to completion.
func (c *Controller) Handle(ev events.Event) {
	c.handle(context.Background(), ev)
}

func (c *Controller) handle(ctx context.Context, ev events.Event) {
	in, ok := translate(c.lane, c.kind, ev)
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	queue := []Input{in}
	for steps := 0; len(queue) > 0; steps++ {
		if steps == maxSteps {
			c.log.Error("gate input chain too long, dropping remainder", "pending", len(queue))
			return
		}
		next := queue[0]
		queue = queue[1:]
		if !c.machine.Accepts(next) {
			c.log.Debug("input ignored", "input", next.Kind.String(), "state", string(c.machine.State()))
		}
		for _, cmd := range c.machine.Handle(next) {
			if follow, ok := c.exec(ctx, cmd); ok {
				queue = append(queue, follow)
			}
		}
		// The light barrier level is tracked in every state so a car already
		// in the beam when the barrier opens is accounted for.
		switch next.Kind {
		case Obstructed:
			c.blocked = true
		case Cleared:
			c.blocked = false
		}
	}
}

// exec runs one command. Outcomes the machine has to react to come back
// as a follow-up input.
func (c *Controller) exec(ctx context.Context, cmd Command) (Input, bool) {
	switch cmd.Kind {
	case CmdAuthorize:
		id, err := c.auth.Authorize(ctx, c.lane, cmd.TicketID)
		if err != nil {
			return Input{Kind: Denied, TicketID: cmd.TicketID, Reason: ReasonOf(err)}, true
		}
		return Input{Kind: Authorized, TicketID: id}, true
	case CmdReject:
		c.log.Warn("authorization denied", "ticket_id", cmd.TicketID, "reason", cmd.Reason)
	case CmdOpen:
		return c.actuate("open", c.act.Open, FaultOpenFailed)
	case CmdClose:
		return c.actuate("close", c.act.Close, FaultCloseFailed)
	case CmdHalt:
		return c.actuate("halt", c.act.Halt, FaultHaltFailed)
	case CmdResetMotor:
		return c.actuate("reset", c.act.Reset, FaultResetFailed)
	case CmdArm:
		return c.arm(cmd.Timer)
	case CmdDisarm:
		c.disarm()
	case CmdAlarm:
		c.fault = cmd.Reason
		c.log.Error("gate faulted", "reason", cmd.Reason, "ticket_id", cmd.TicketID)
		if c.obs != nil {
			c.obs.ObserveFault(c.lane, cmd.Reason)
		}
		publish(c.pub, c.log, events.Event{Kind: events.GateAlarm, Lane: c.lane, TicketID: cmd.TicketID, Reason: cmd.Reason})
	case CmdComplete:
		c.log.Info("car passed", "ticket_id", cmd.TicketID)
		c.auth.Passed(ctx, c.lane, cmd.TicketID)
	case CmdAbandon:
		if cmd.TicketID == "" {
			return Input{}, false
		}
		if err := c.auth.Abandon(ctx, c.lane, cmd.TicketID); err != nil {
			c.log.Warn("abandon authorization failed", "ticket_id", cmd.TicketID, "error", err)
		} else {
			c.log.Info("authorization abandoned", "ticket_id", cmd.TicketID)
		}
	}
	return Input{}, false
}

func (c *Controller) actuate(op string, fn func() error, fault string) (Input, bool) {
	if err := fn(); err != nil {
		c.log.Error("actuation failed", "op", op, "error", err)
		return Input{Kind: ActuationFailed, Reason: fault}, true
	}
	return Input{}, false
}

// arm replaces any pending timer. A zero duration fires immediately as a
// follow-up input instead of going through the clock.
func (c *Controller) arm(kind TimerKind) (Input, bool) {
	c.disarm()
	c.seq++
	token := c.seq
	c.timer = armed{token: token, kind: kind}
	d := c.timeouts.of(kind)
	if d <= 0 {
		return Input{Kind: Timeout, Token: token}, true
	}
	c.timer.timer = c.clk.AfterFunc(d, func() { c.expire(token, kind) })
	return Input{}, false
}

func (c *Controller) disarm() {
	if c.timer.timer != nil {
		c.timer.timer.Stop()
	}
	c.timer = armed{}
}

// expire runs on the clock's goroutine and only posts the timeout; the
// lane's handler decides whether it is still current.
func (c *Controller) expire(token int64, kind TimerKind) {
	ev := events.Event{Kind: events.BarrierTimeout, Lane: c.lane, Value: token, Reason: kind.String()}
	if err := c.pub.PublishWait(context.Background(), ev, 0); err != nil {
		c.log.Error("barrier timeout not delivered", "timer", kind.String(), "error", err)
	}
}

// Attach subscribes the controller to bus. Events are handled on the
// subscription's goroutine.
func (c *Controller) Attach(bus *events.Bus) error {
	sub, err := bus.Subscribe(Subscriptions(c.kind), func(ev events.Event) error {
		c.Handle(ev)
		return nil
	})
	if err != nil {
		return fmt.Errorf("subscribe lane %s: %w", c.lane, err)
	}
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
	return nil
}

// Detach unsubscribes and cancels any pending timer.
func (c *Controller) Detach() {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.disarm()
	c.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
}

// Run attaches to bus and blocks until ctx is done.
func (c *Controller) Run(ctx context.Context, bus *events.Bus) error {
	if err := c.Attach(bus); err != nil {
		return err
	}
	<-ctx.Done()
	c.Detach()
	return nil
}

func (c *Controller) Lane() string { return c.lane }

func (c *Controller) Kind() domain.LaneKind { return c.kind }

func (c *Controller) State() domain.GateState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machine.State()
}

// Snapshot returns a consistent view of the lane.
func (c *Controller) Snapshot() domain.LaneStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	speed := c.act.Speed()
	return domain.LaneStatus{
		ID:       c.lane,
		Kind:     c.kind,
		State:    c.machine.State(),
		TicketID: c.ticket,
		Fault:    c.fault,
		Motor: domain.MotorStatus{
			Running:   c.act.Running(),
			Direction: speed.Direction.String(),
			Speed:     speed.Magnitude,
		},
	}
}
