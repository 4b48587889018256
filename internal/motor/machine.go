// Package motor sequences a barrier motor: a small state machine that
// turns Start/Stop/SpeedUp/Reverse/Reset into output commands, and a
// Controller that applies those commands to the hardware within the
// configured bounds.
package motor

import (
	"errors"
	"fmt"

	"garagectl/internal/fsm"
)

type Direction int8

const (
	Forward  Direction = 1
	Backward Direction = -1
)

func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}

// Speed is a commanded speed: direction plus non-negative magnitude.
type Speed struct {
	Direction Direction
	Magnitude int
}

// Config bounds one motor. It is validated once and never mutated.
type Config struct {
	MaxSpeed int `yaml:"max_speed"`
	RampStep int `yaml:"ramp_step"`
	// StartSpeed defaults to RampStep and may not exceed it.
	StartSpeed int `yaml:"start_speed"`
	// Reverse is only accepted while the magnitude is at or below this.
	ReverseThreshold int `yaml:"reverse_threshold"`
}

func (c Config) Validate() error {
	if c.MaxSpeed <= 0 {
		return errors.New("motor: max_speed must be positive")
	}
	if c.RampStep <= 0 || c.RampStep > c.MaxSpeed {
		return fmt.Errorf("motor: ramp_step must be in 1..%d", c.MaxSpeed)
	}
	// The controller ramps by at most RampStep per write, so a higher start
	// speed would never reach the pins.
	if c.StartSpeed < 0 || c.StartSpeed > c.RampStep {
		return fmt.Errorf("motor: start_speed must be in 0..%d (ramp_step)", c.RampStep)
	}
	if c.ReverseThreshold < 0 || c.ReverseThreshold > c.MaxSpeed {
		return fmt.Errorf("motor: reverse_threshold must be in 0..%d", c.MaxSpeed)
	}
	return nil
}

func (c Config) startSpeed() int {
	if c.StartSpeed == 0 {
		return c.RampStep
	}
	return c.StartSpeed
}

type State string

const (
	Stopped State = "stopped"
	Running State = "running"
)

type Input uint8

const (
	Start Input = iota + 1
	Stop
	SpeedUp
	Reverse
	Reset
)

var inputNames = [...]string{Start: "start", Stop: "stop", SpeedUp: "speed_up", Reverse: "reverse", Reset: "reset"}

func (i Input) String() string {
	if int(i) < len(inputNames) && inputNames[i] != "" {
		return inputNames[i]
	}
	return fmt.Sprintf("input(%d)", uint8(i))
}

type OutputKind uint8

const (
	MotorOn OutputKind = iota + 1
	MotorOff
	MotorSpeedChange
	MotorDirectionChange
	SystemReset
)

var outputNames = [...]string{
	MotorOn:              "motor_on",
	MotorOff:             "motor_off",
	MotorSpeedChange:     "motor_speed_change",
	MotorDirectionChange: "motor_direction_change",
	SystemReset:          "system_reset",
}

func (k OutputKind) String() string {
	if int(k) < len(outputNames) && outputNames[k] != "" {
		return outputNames[k]
	}
	return fmt.Sprintf("output(%d)", uint8(k))
}

// Output is a command for the Controller. Speed is the commanded target for
// speed and direction changes.
type Output struct {
	Kind  OutputKind
	Speed Speed
}

// Machine is not safe for concurrent use; Drive serialises access.
type Machine struct {
	cfg   Config
	speed Speed
	fsm   *fsm.Machine[State, Input, Input, Output]
}

func NewMachine(cfg Config) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Machine{cfg: cfg, speed: Speed{Direction: Forward}}
	f := fsm.New[State, Input, Input, Output](Stopped, func(in Input) Input { return in })
	f.On(Stopped, Start, fsm.Transition[State, Input, Output]{To: Running, Action: m.start})
	f.On(Running, Stop, fsm.Transition[State, Input, Output]{To: Stopped, Action: m.stop})
	f.On(Running, SpeedUp, fsm.Transition[State, Input, Output]{
		To:     Running,
		Guard:  func(Input) bool { return m.speed.Magnitude < cfg.MaxSpeed },
		Action: m.speedUp,
	})
	for _, s := range []State{Stopped, Running} {
		f.On(s, Reverse, fsm.Transition[State, Input, Output]{
			To:     s,
			Guard:  func(Input) bool { return m.speed.Magnitude <= cfg.ReverseThreshold },
			Action: m.reverse,
		})
	}
	f.OnAny(Reset, fsm.Transition[State, Input, Output]{To: Stopped, Action: m.reset})
	m.fsm = f
	return m, nil
}

func (m *Machine) Handle(in Input) []Output { return m.fsm.Handle(in) }

func (m *Machine) State() State { return m.fsm.State() }

func (m *Machine) Speed() Speed { return m.speed }

func (m *Machine) Config() Config { return m.cfg }

func (m *Machine) start(Input) []Output {
	m.speed.Magnitude = m.cfg.startSpeed()
	return []Output{{Kind: MotorOn, Speed: m.speed}, {Kind: MotorSpeedChange, Speed: m.speed}}
}

func (m *Machine) stop(Input) []Output {
	m.speed.Magnitude = 0
	return []Output{{Kind: MotorOff, Speed: m.speed}}
}

func (m *Machine) speedUp(Input) []Output {
	m.speed.Magnitude = min(m.speed.Magnitude+m.cfg.RampStep, m.cfg.MaxSpeed)
	return []Output{{Kind: MotorSpeedChange, Speed: m.speed}}
}

func (m *Machine) reverse(Input) []Output {
	m.speed.Direction = -m.speed.Direction
	return []Output{{Kind: MotorDirectionChange, Speed: m.speed}}
}

func (m *Machine) reset(Input) []Output {
	m.speed = Speed{Direction: Forward}
	return []Output{{Kind: SystemReset, Speed: m.speed}, {Kind: MotorOff, Speed: m.speed}}
}
