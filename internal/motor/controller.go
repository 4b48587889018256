package motor

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"garagectl/internal/hal"
)

// ErrActuation marks a command the hardware refused.
var ErrActuation = errors.New("actuation failed")

type ActuationError struct {
	Output OutputKind
	Err    error
}

func (e *ActuationError) Error() string {
	return fmt.Sprintf("apply %s: %v", e.Output, e.Err)
}

func (e *ActuationError) Unwrap() []error { return []error{ErrActuation, e.Err} }

// Pins wires a motor to the HAL. Direction high means forward.
type Pins struct {
	Enable    hal.Pin `yaml:"enable"`
	Speed     hal.Pin `yaml:"speed"`
	Direction hal.Pin `yaml:"direction"`
}

// Controller applies Outputs to the hardware. Every speed it writes is
// clamped to MaxSpeed and to one RampStep away from the applied speed.
type Controller struct {
	out  hal.Output
	pins Pins
	cfg  Config
	log  *slog.Logger

	mu      sync.Mutex
	applied Speed
	running bool
}

func NewController(out hal.Output, pins Pins, cfg Config, log *slog.Logger) (*Controller, error) {
	if out == nil {
		return nil, errors.New("motor: nil output")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Controller{out: out, pins: pins, cfg: cfg, log: log, applied: Speed{Direction: Forward}}, nil
}

// Apply drives one command. A failed write is reported, never retried.
func (c *Controller) Apply(o Output) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	switch o.Kind {
	case MotorOn:
		if err = c.write(o.Kind, c.pins.Enable, 1); err == nil {
			c.running = true
		}
	case MotorOff:
		if err = c.write(o.Kind, c.pins.Enable, 0); err == nil {
			c.running = false
			err = c.write(o.Kind, c.pins.Speed, 0)
			c.applied.Magnitude = 0
		}
	case MotorSpeedChange:
		target := c.clamp(o.Speed.Magnitude)
		if err = c.write(o.Kind, c.pins.Speed, target); err == nil {
			c.applied.Magnitude = target
		}
	case MotorDirectionChange:
		if err = c.write(o.Kind, c.pins.Direction, level(o.Speed.Direction)); err == nil {
			c.applied.Direction = o.Speed.Direction
		}
	case SystemReset:
		if err = c.write(o.Kind, c.pins.Speed, 0); err == nil {
			c.applied.Magnitude = 0
			err = c.write(o.Kind, c.pins.Direction, level(Forward))
			if err == nil {
				c.applied.Direction = Forward
			}
		}
	default:
		return fmt.Errorf("motor: unknown output %s", o.Kind)
	}
	if err != nil {
		c.log.Error("motor actuation failed", "output", o.Kind.String(), "error", err)
	}
	return err
}

func (c *Controller) clamp(target int) int {
	target = max(0, min(target, c.cfg.MaxSpeed))
	cur := c.applied.Magnitude
	if target > cur+c.cfg.RampStep {
		return cur + c.cfg.RampStep
	}
	if target < cur-c.cfg.RampStep {
		return cur - c.cfg.RampStep
	}
	return target
}

func (c *Controller) write(kind OutputKind, pin hal.Pin, value int) error {
	if pin == hal.NoPin {
		return nil
	}
	if err := c.out.WriteOutput(pin, value); err != nil {
		return &ActuationError{Output: kind, Err: err}
	}
	return nil
}

// Speed returns the speed last applied to the hardware.
func (c *Controller) Speed() Speed {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applied
}

func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func level(d Direction) int {
	if d == Backward {
		return 0
	}
	return 1
}
