// Package hal is the boundary to the barrier hardware: digital inputs
// (buttons, light barriers, limit switches) and digital/PWM outputs (motor
// enable, speed, direction). Concrete drivers are chosen at construction;
// callers only ever see these interfaces.
package hal

import (
	"errors"
	"fmt"
)

// ErrHAL marks every failure reported by a hardware driver.
var ErrHAL = errors.New("hal failure")

// Pin identifies a hardware pin or channel.
type Pin int

// NoPin marks an unused optional pin.
const NoPin Pin = -1

type Input interface {
	ReadInput(pin Pin) (bool, error)
}

// Output writes a level (0/1) or a PWM duty value to a pin.
type Output interface {
	WriteOutput(pin Pin, value int) error
}

type Device interface {
	Input
	Output
}

type PinError struct {
	Op  string
	Pin Pin
	Err error
}

func (e *PinError) Error() string {
	return fmt.Sprintf("%s pin %d: %v", e.Op, e.Pin, e.Err)
}

func (e *PinError) Unwrap() []error { return []error{ErrHAL, e.Err} }
