package motor

import (
	"reflect"
	"testing"
)

var testConfig = Config{MaxSpeed: 100, RampStep: 40, StartSpeed: 20, ReverseThreshold: 5}

func kinds(outs []Output) []OutputKind {
	ks := make([]OutputKind, 0, len(outs))
	for _, o := range outs {
		ks = append(ks, o.Kind)
	}
	return ks
}

func newMachine(t *testing.T) *Machine {
	t.Helper()
	m, err := NewMachine(testConfig)
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}
	return m
}

func TestConfigValidate(t *testing.T) {
	bad := []Config{
		{},
		{MaxSpeed: 10, RampStep: 0},
		{MaxSpeed: 10, RampStep: 11},
		{MaxSpeed: 10, RampStep: 5, StartSpeed: 11},
		{MaxSpeed: 255, RampStep: 10, StartSpeed: 200},
		{MaxSpeed: 10, RampStep: 5, ReverseThreshold: -1},
	}
	for i, cfg := range bad {
		if err := cfg.Validate(); err == nil {
			t.Fatalf("case %d: expected error for %+v", i, cfg)
		}
	}
	if err := testConfig.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestStartEmitsMotorOnThenSpeedChange(t *testing.T) {
	m := newMachine(t)
	outs := m.Handle(Start)
	if got := kinds(outs); !reflect.DeepEqual(got, []OutputKind{MotorOn, MotorSpeedChange}) {
		t.Fatalf("start outputs: %v", got)
	}
	if outs[1].Speed.Magnitude != 20 || m.State() != Running {
		t.Fatalf("unexpected speed %+v state %s", outs[1].Speed, m.State())
	}
	if outs := m.Handle(Start); outs != nil {
		t.Fatalf("start while running should be ignored, got %v", kinds(outs))
	}
}

func TestSpeedUpSaturates(t *testing.T) {
	m := newMachine(t)
	m.Handle(Start)
	m.Handle(SpeedUp)
	outs := m.Handle(SpeedUp)
	if len(outs) != 1 || outs[0].Speed.Magnitude != 100 {
		t.Fatalf("expected clamp to max, got %+v", outs)
	}
	if outs := m.Handle(SpeedUp); len(outs) != 0 {
		t.Fatalf("speed up at max must not emit, got %+v", outs)
	}
	if m.Speed().Magnitude != 100 {
		t.Fatalf("speed changed at max: %+v", m.Speed())
	}
}

func TestReverseOnlyNearStandstill(t *testing.T) {
	m := newMachine(t)
	outs := m.Handle(Reverse)
	if len(outs) != 1 || outs[0].Kind != MotorDirectionChange || m.Speed().Direction != Backward {
		t.Fatalf("reverse at standstill: %+v", outs)
	}
	m.Handle(Start)
	if outs := m.Handle(Reverse); outs != nil {
		t.Fatalf("reverse above threshold must be ignored, got %+v", outs)
	}
	if m.Speed().Direction != Backward {
		t.Fatalf("direction flipped while moving")
	}
}

func TestResetFromAnyState(t *testing.T) {
	m := newMachine(t)
	if got := kinds(m.Handle(Reset)); !reflect.DeepEqual(got, []OutputKind{SystemReset, MotorOff}) {
		t.Fatalf("reset while stopped: %v", got)
	}
	m.Handle(Reverse)
	m.Handle(Start)
	m.Handle(SpeedUp)
	if got := kinds(m.Handle(Reset)); !reflect.DeepEqual(got, []OutputKind{SystemReset, MotorOff}) {
		t.Fatalf("reset while running: %v", got)
	}
	if m.State() != Stopped || m.Speed() != (Speed{Direction: Forward}) {
		t.Fatalf("reset left state=%s speed=%+v", m.State(), m.Speed())
	}
}

func TestStopOnlyWhileRunning(t *testing.T) {
	m := newMachine(t)
	if outs := m.Handle(Stop); outs != nil {
		t.Fatalf("stop while stopped emitted %v", kinds(outs))
	}
	m.Handle(Start)
	if got := kinds(m.Handle(Stop)); !reflect.DeepEqual(got, []OutputKind{MotorOff}) {
		t.Fatalf("stop: %v", got)
	}
}
