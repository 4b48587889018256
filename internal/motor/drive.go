package motor

import "sync"

const historySize = 64

// Drive moves one barrier: forward opens, backward closes. It owns the
// machine and feeds every output to the controller in order, stopping at
// the first failed command.
type Drive struct {
	mu      sync.Mutex
	machine *Machine
	ctrl    *Controller
	history []Output
}

func NewDrive(m *Machine, c *Controller) *Drive {
	return &Drive{machine: m, ctrl: c}
}

func (d *Drive) Open() error  { return d.move(Forward) }
func (d *Drive) Close() error { return d.move(Backward) }

// Halt stops the motor in place. Motor-off is written even when the
// machine already believes it is stopped.
func (d *Drive) Halt() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	outs := d.machine.Handle(Stop)
	if len(outs) == 0 {
		outs = []Output{{Kind: MotorOff, Speed: d.machine.Speed()}}
	}
	return d.apply(outs)
}

// Reset returns the motor to stopped, zero speed, forward.
func (d *Drive) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.apply(d.machine.Handle(Reset))
}

func (d *Drive) move(dir Direction) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var outs []Output
	if d.machine.Speed().Direction != dir {
		if d.machine.State() == Running {
			outs = append(outs, d.machine.Handle(Stop)...)
		}
		outs = append(outs, d.machine.Handle(Reverse)...)
	}
	if d.machine.State() == Stopped {
		outs = append(outs, d.machine.Handle(Start)...)
	}
	return d.apply(outs)
}

func (d *Drive) apply(outs []Output) error {
	for _, o := range outs {
		d.history = append(d.history, o)
		if len(d.history) > historySize {
			d.history = d.history[len(d.history)-historySize:]
		}
		if err := d.ctrl.Apply(o); err != nil {
			return err
		}
	}
	return nil
}

// History returns the most recent outputs, oldest first.
func (d *Drive) History() []Output {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Output(nil), d.history...)
}

// Speed is the applied hardware speed.
func (d *Drive) Speed() Speed { return d.ctrl.Speed() }

func (d *Drive) Running() bool { return d.ctrl.Running() }
