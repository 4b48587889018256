package hal

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"garagectl/internal/clock"
)

var testPins = BarrierPins{Enable: 1, Direction: 2, LimitOpen: 10, LimitClosed: 11}

func TestSimRecordsWritesAndInputs(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	sim := NewSim(clk)
	require.NoError(t, sim.WriteOutput(5, 120))
	require.Equal(t, 120, sim.Output(5))
	sim.SetInput(7, true)
	level, err := sim.ReadInput(7)
	require.NoError(t, err)
	require.True(t, level)
	require.Len(t, sim.Writes(), 1)
}

func TestSimFailureInjection(t *testing.T) {
	sim := NewSim(clock.NewFake(time.Unix(0, 0)))
	boom := errors.New("bus fault")
	sim.FailWrites(3, boom)
	err := sim.WriteOutput(3, 1)
	require.ErrorIs(t, err, ErrHAL)
	require.ErrorIs(t, err, boom)
	var pe *PinError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, Pin(3), pe.Pin)

	sim.FailReads(4, nil)
	_, err = sim.ReadInput(4)
	require.ErrorIs(t, err, ErrHAL)

	sim.ClearFailures()
	require.NoError(t, sim.WriteOutput(3, 1))
}

func TestSimBarrierTravelsBetweenLimits(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	sim := NewSim(clk)
	sim.AttachBarrier(testPins, time.Second)
	closed, _ := sim.ReadInput(testPins.LimitClosed)
	require.True(t, closed, "barrier starts closed")

	require.NoError(t, sim.WriteOutput(testPins.Direction, 1))
	require.NoError(t, sim.WriteOutput(testPins.Enable, 1))
	closed, _ = sim.ReadInput(testPins.LimitClosed)
	require.False(t, closed, "barrier leaves the closed limit")

	clk.Advance(999 * time.Millisecond)
	open, _ := sim.ReadInput(testPins.LimitOpen)
	require.False(t, open)
	clk.Advance(time.Millisecond)
	open, _ = sim.ReadInput(testPins.LimitOpen)
	require.True(t, open)

	require.NoError(t, sim.WriteOutput(testPins.Enable, 0))
	require.NoError(t, sim.WriteOutput(testPins.Direction, 0))
	require.NoError(t, sim.WriteOutput(testPins.Enable, 1))
	clk.Advance(500 * time.Millisecond)
	require.NoError(t, sim.WriteOutput(testPins.Enable, 0))
	clk.Advance(time.Second)
	open, _ = sim.ReadInput(testPins.LimitOpen)
	closed, _ = sim.ReadInput(testPins.LimitClosed)
	require.False(t, open)
	require.False(t, closed, "halted mid-travel stays between limits")
}
