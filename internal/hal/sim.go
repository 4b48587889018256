package hal

import (
	"fmt"
	"sync"
	"time"

	"garagectl/internal/clock"
)

// Write is one recorded output write.
type Write struct {
	Pin   Pin
	Value int
	At    time.Time
}

// BarrierPins describes a simulated barrier: motor pins it listens to and
// the limit-switch inputs it drives.
type BarrierPins struct {
	Enable      Pin
	Direction   Pin
	LimitOpen   Pin
	LimitClosed Pin
}

type barrier struct {
	pins   BarrierPins
	travel time.Duration
	timer  clock.Timer
}

// Sim is an in-memory Device. Inputs are set by the caller, outputs are
// recorded, and attached barriers move between their limit switches when the
// motor runs long enough.
type Sim struct {
	clk clock.Clock

	mu         sync.Mutex
	inputs     map[Pin]bool
	outputs    map[Pin]int
	writes     []Write
	failWrite  map[Pin]error
	failRead   map[Pin]error
	barriers   []*barrier
	maxHistory int
}

func NewSim(clk clock.Clock) *Sim {
	if clk == nil {
		clk = clock.Real()
	}
	return &Sim{
		clk:        clk,
		inputs:     map[Pin]bool{},
		outputs:    map[Pin]int{},
		failWrite:  map[Pin]error{},
		failRead:   map[Pin]error{},
		maxHistory: 4096,
	}
}

func (s *Sim) ReadInput(pin Pin) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failRead[pin]; err != nil {
		return false, &PinError{Op: "read", Pin: pin, Err: err}
	}
	return s.inputs[pin], nil
}

func (s *Sim) WriteOutput(pin Pin, value int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failWrite[pin]; err != nil {
		return &PinError{Op: "write", Pin: pin, Err: err}
	}
	s.outputs[pin] = value
	s.writes = append(s.writes, Write{Pin: pin, Value: value, At: s.clk.Now()})
	if len(s.writes) > s.maxHistory {
		s.writes = s.writes[len(s.writes)-s.maxHistory:]
	}
	for _, b := range s.barriers {
		if b.pins.Enable == pin {
			s.moveLocked(b, value != 0)
		}
	}
	return nil
}

// SetInput forces an input level, e.g. a light barrier being blocked.
func (s *Sim) SetInput(pin Pin, level bool) {
	s.mu.Lock()
	s.inputs[pin] = level
	s.mu.Unlock()
}

// Output returns the last value written to pin.
func (s *Sim) Output(pin Pin) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outputs[pin]
}

func (s *Sim) Writes() []Write {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Write(nil), s.writes...)
}

// FailWrites makes every write to pin fail with err until cleared.
func (s *Sim) FailWrites(pin Pin, err error) {
	if err == nil {
		err = fmt.Errorf("injected write failure")
	}
	s.mu.Lock()
	s.failWrite[pin] = err
	s.mu.Unlock()
}

func (s *Sim) FailReads(pin Pin, err error) {
	if err == nil {
		err = fmt.Errorf("injected read failure")
	}
	s.mu.Lock()
	s.failRead[pin] = err
	s.mu.Unlock()
}

func (s *Sim) ClearFailures() {
	s.mu.Lock()
	s.failWrite = map[Pin]error{}
	s.failRead = map[Pin]error{}
	s.mu.Unlock()
}

// AttachBarrier simulates a barrier that starts closed and reaches the end
// selected by the direction pin (non-zero = opening) travel after the motor
// is enabled. Disabling the motor mid-travel leaves it between the limits.
func (s *Sim) AttachBarrier(pins BarrierPins, travel time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.barriers = append(s.barriers, &barrier{pins: pins, travel: travel})
	if pins.LimitClosed != NoPin {
		s.inputs[pins.LimitClosed] = true
	}
	if pins.LimitOpen != NoPin {
		s.inputs[pins.LimitOpen] = false
	}
}

func (s *Sim) moveLocked(b *barrier, enabled bool) {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if !enabled {
		return
	}
	opening := s.outputs[b.pins.Direction] != 0
	if (opening && s.inputs[b.pins.LimitOpen]) || (!opening && s.inputs[b.pins.LimitClosed]) {
		return
	}
	s.setLimitsLocked(b, false, false)
	b.timer = s.clk.AfterFunc(b.travel, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		b.timer = nil
		s.setLimitsLocked(b, opening, !opening)
	})
}

func (s *Sim) setLimitsLocked(b *barrier, open, closed bool) {
	if b.pins.LimitOpen != NoPin {
		s.inputs[b.pins.LimitOpen] = open
	}
	if b.pins.LimitClosed != NoPin {
		s.inputs[b.pins.LimitClosed] = closed
	}
}
