// Package garage is the composition root: it wires the event bus, the
// ticket service, one motor drive and gate controller per lane, the input
// watcher and the journal from a config, and runs them together.
package garage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"garagectl/internal/clock"
	"garagectl/internal/config"
	"garagectl/internal/domain"
	"garagectl/internal/events"
	"garagectl/internal/gate"
	"garagectl/internal/hal"
	"garagectl/internal/metrics"
	"garagectl/internal/migrate"
	"garagectl/internal/motor"
	"garagectl/internal/repo"
	"garagectl/internal/ticket"
)

var (
	ErrUnknownLane = errors.New("unknown lane")
	ErrNotStarted  = errors.New("garage not started")
)

const pruneInterval = time.Hour

// Deps are the collaborators a System does not build itself.
type Deps struct {
	Device  hal.Device
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// DB is required when storage.driver is sqlite.
	DB *sql.DB
}

type lane struct {
	cfg  config.Lane
	ctrl *gate.Controller
}

type System struct {
	cfg     *config.Config
	clk     clock.Clock
	log     *slog.Logger
	metrics *metrics.Metrics
	device  hal.Device

	bus     *events.Bus
	tickets *ticket.Service
	repo    *repo.Repo
	journal *events.Journal
	watcher *hal.Watcher
	lanes   []*lane

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(ctx context.Context, cfg *config.Config, deps Deps) (*System, error) {
	if cfg == nil {
		return nil, errors.New("garage: nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Device == nil {
		return nil, errors.New("garage: nil device")
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &System{cfg: cfg, clk: deps.Clock, log: deps.Logger, metrics: deps.Metrics, device: deps.Device}

	s.bus = events.NewBus(events.Options{
		QueueSize:      cfg.Bus.QueueSize,
		PublishTimeout: cfg.Bus.PublishTimeout.Std(),
		Logger:         s.log.With("component", "bus"),
		Observer:       deps.Metrics,
		Now:            s.clk.Now,
	})

	var store ticket.Store
	switch cfg.Storage.Driver {
	case "sqlite":
		if deps.DB == nil {
			return nil, errors.New("garage: sqlite storage needs a database")
		}
		version, err := migrate.Migrate(ctx, deps.DB)
		if err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		s.log.Debug("database ready", "schema_version", version)
		r := repo.Repo{DB: deps.DB}
		s.repo = &r
		s.journal = &events.Journal{Writer: events.Writer{DB: deps.DB, Now: s.clk.Now}}
		store = r
	default:
		store = ticket.NewMemoryStore()
	}

	tickets, err := ticket.New(ctx, store, ticket.Options{
		Max:            cfg.Garage.Capacity,
		RequirePayment: cfg.Garage.RequirePayment,
		Now:            s.clk.Now,
		Logger:         s.log.With("component", "tickets"),
		Observer:       deps.Metrics,
		OnCapacity:     ticket.PublishCapacity(s.bus, s.log),
	})
	if err != nil {
		return nil, err
	}
	s.tickets = tickets

	timeouts := gate.Timeouts{
		Open:       cfg.Timeouts.Open.Std(),
		Close:      cfg.Timeouts.Close.Std(),
		Idle:       cfg.Timeouts.Idle.Std(),
		CloseDelay: cfg.Timeouts.CloseDelay.Std(),
	}
	var bindings []hal.Binding
	for _, lc := range cfg.Lanes {
		l, err := s.buildLane(lc, deps.Device, timeouts)
		if err != nil {
			return nil, err
		}
		s.lanes = append(s.lanes, l)
		bindings = append(bindings, Bindings(cfg, lc)...)
	}
	s.watcher = hal.NewWatcher(deps.Device, s.bus, s.clk, cfg.Debounce.PollInterval.Std(), s.log.With("component", "watcher"), bindings...)
	return s, nil
}

func (s *System) buildLane(lc config.Lane, dev hal.Device, timeouts gate.Timeouts) (*lane, error) {
	log := s.log.With("lane", lc.ID)
	mcfg := s.cfg.MotorFor(lc)
	m, err := motor.NewMachine(mcfg)
	if err != nil {
		return nil, fmt.Errorf("lane %s: %w", lc.ID, err)
	}
	mc, err := motor.NewController(dev, lc.Pins.Motor, mcfg, log)
	if err != nil {
		return nil, fmt.Errorf("lane %s: %w", lc.ID, err)
	}
	drive := motor.NewDrive(m, mc)
	// Drive the pins to a known state before the first cycle.
	if err := drive.Reset(); err != nil {
		return nil, fmt.Errorf("lane %s: reset motor: %w", lc.ID, err)
	}

	var auth gate.Authorizer
	if lc.Kind == domain.LaneEntry {
		auth = gate.EntryAuthorizer{Tickets: s.tickets, Publisher: s.bus, Logger: log}
	} else {
		auth = gate.ExitAuthorizer{Tickets: s.tickets, Publisher: s.bus, Logger: log}
	}
	ctrl, err := gate.New(gate.Options{
		Lane:       lc.ID,
		Kind:       lc.Kind,
		Actuator:   drive,
		Authorizer: auth,
		Publisher:  s.bus,
		Clock:      s.clk,
		Timeouts:   timeouts,
		Logger:     s.log,
		Observer:   s.metrics,
	})
	if err != nil {
		return nil, err
	}
	return &lane{cfg: lc, ctrl: ctrl}, nil
}

// Bindings maps a lane's input pins to the events the watcher raises.
func Bindings(cfg *config.Config, l config.Lane) []hal.Binding {
	button := hal.Binding{Lane: l.ID, Pin: l.Pins.Button, Debounce: cfg.Debounce.Button.Std(), Button: true}
	beam := hal.Binding{Lane: l.ID, Pin: l.Pins.LightBarrier, Debounce: cfg.Debounce.LightBarrier.Std()}
	opened := hal.Binding{Lane: l.ID, Pin: l.Pins.LimitOpen}
	closed := hal.Binding{Lane: l.ID, Pin: l.Pins.LimitClosed}
	if l.Kind == domain.LaneEntry {
		button.OnHigh, button.OnLow = events.EntryButtonPressed, events.EntryButtonReleased
		beam.OnHigh, beam.OnLow = events.EntryLightBarrierBlocked, events.EntryLightBarrierCleared
		opened.OnHigh = events.EntryBarrierOpened
		closed.OnHigh = events.EntryBarrierClosed
	} else {
		button.OnHigh = events.ButtonPressed
		beam.OnHigh, beam.OnLow = events.ExitLightBarrierBlocked, events.ExitLightBarrierCleared
		opened.OnHigh = events.ExitBarrierOpened
		closed.OnHigh = events.ExitBarrierClosed
	}
	return []hal.Binding{button, beam, opened, closed}
}

// SimulatedDevice returns a Sim whose barriers travel between the
// configured limit switches.
func SimulatedDevice(cfg *config.Config, clk clock.Clock) *hal.Sim {
	sim := hal.NewSim(clk)
	for _, l := range cfg.Lanes {
		sim.AttachBarrier(hal.BarrierPins{
			Enable:      l.Pins.Motor.Enable,
			Direction:   l.Pins.Motor.Direction,
			LimitOpen:   l.Pins.LimitOpen,
			LimitClosed: l.Pins.LimitClosed,
		}, cfg.Simulation.Travel.Std())
	}
	return sim
}

// Start attaches every consumer to the bus and starts polling inputs.
func (s *System) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("garage already started")
	}
	if s.journal != nil {
		if err := s.journal.Attach(s.bus); err != nil {
			return fmt.Errorf("attach journal: %w", err)
		}
	}
	for _, l := range s.lanes {
		if err := l.ctrl.Attach(s.bus); err != nil {
			return err
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.watcher.Run(ctx)
	}()
	if ret := s.cfg.Garage.Retention.Std(); ret > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.pruneLoop(ctx, ret)
		}()
	}
	s.started = true
	s.log.Info("garage started", "lanes", len(s.lanes), "capacity", s.tickets.Capacity().Max, "storage", s.cfg.Storage.Driver)
	return nil
}

// Stop halts input polling, detaches the lanes and drains the bus.
func (s *System) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		s.bus.Close()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	for _, l := range s.lanes {
		l.ctrl.Detach()
	}
	if s.journal != nil {
		s.journal.Detach()
	}
	s.bus.Close()
	s.log.Info("garage stopped")
}

func (s *System) pruneLoop(ctx context.Context, retention time.Duration) {
	t := s.clk.NewTicker(pruneInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			if _, _, err := s.Prune(ctx, retention); err != nil {
				s.log.Warn("prune failed", "error", err)
			}
		}
	}
}

// Prune drops retired tickets and journal entries older than retention.
func (s *System) Prune(ctx context.Context, retention time.Duration) (tickets, entries int, err error) {
	cutoff := s.clk.Now().Add(-retention)
	if tickets, err = s.tickets.Prune(ctx, cutoff); err != nil {
		return 0, 0, fmt.Errorf("prune tickets: %w", err)
	}
	if s.repo != nil {
		if entries, err = s.repo.PruneEvents(ctx, cutoff); err != nil {
			return tickets, 0, fmt.Errorf("prune journal: %w", err)
		}
	}
	if tickets > 0 || entries > 0 {
		s.log.Info("pruned history", "tickets", tickets, "journal_entries", entries, "before", cutoff)
	}
	return tickets, entries, nil
}

// Publish injects an event as if a sensor had raised it. Lane-scoped
// events must name a configured lane.
func (s *System) Publish(ctx context.Context, ev events.Event) error {
	if ev.Lane != "" {
		if _, ok := s.Lane(ev.Lane); !ok {
			return fmt.Errorf("%w: %s", ErrUnknownLane, ev.Lane)
		}
	}
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return ErrNotStarted
	}
	return s.bus.PublishWait(ctx, ev, 0)
}

// Status reports capacity and every lane.
func (s *System) Status() domain.Status {
	st := domain.Status{GarageID: s.cfg.Garage.ID, Capacity: s.tickets.Capacity()}
	for _, l := range s.lanes {
		st.Lanes = append(st.Lanes, l.ctrl.Snapshot())
	}
	return st
}

// Inputs samples a lane's input pins straight from the device. It reads
// only; nothing is published and the gate is not consulted.
func (s *System) Inputs(id string) (domain.LaneInputs, error) {
	var lc *config.Lane
	for _, l := range s.lanes {
		if l.cfg.ID == id {
			lc = &l.cfg
			break
		}
	}
	if lc == nil {
		return domain.LaneInputs{}, fmt.Errorf("%w: %s", ErrUnknownLane, id)
	}
	out := domain.LaneInputs{Lane: id}
	for _, in := range []struct {
		name string
		pin  hal.Pin
	}{
		{"button", lc.Pins.Button},
		{"light_barrier", lc.Pins.LightBarrier},
		{"limit_open", lc.Pins.LimitOpen},
		{"limit_closed", lc.Pins.LimitClosed},
	} {
		if in.pin == hal.NoPin {
			continue
		}
		level := domain.InputLevel{Name: in.name, Pin: int(in.pin)}
		high, err := s.device.ReadInput(in.pin)
		if err != nil {
			level.Error = err.Error()
		} else {
			level.High = high
		}
		out.Inputs = append(out.Inputs, level)
	}
	return out, nil
}

func (s *System) Lane(id string) (*gate.Controller, bool) {
	for _, l := range s.lanes {
		if l.cfg.ID == id {
			return l.ctrl, true
		}
	}
	return nil, false
}

func (s *System) Bus() *events.Bus { return s.bus }

func (s *System) Tickets() *ticket.Service { return s.tickets }

// Journal returns the SQLite repository, or nil with in-memory storage.
func (s *System) Journal() *repo.Repo { return s.repo }

func (s *System) Config() *config.Config { return s.cfg }
