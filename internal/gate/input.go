package gate

import (
	"fmt"

	"garagectl/internal/domain"
	"garagectl/internal/events"
)

// InputKind is what a lane controller reacts to, after bus events are
// normalised for the lane's kind.
type InputKind uint8

const (
	Request InputKind = iota + 1
	Authorized
	Denied
	OpenedLimit
	ClosedLimit
	Obstructed
	Cleared
	Timeout
	ActuationFailed
	Reset
)

var inputNames = map[InputKind]string{
	Request:         "request",
	Authorized:      "authorized",
	Denied:          "denied",
	OpenedLimit:     "opened_limit",
	ClosedLimit:     "closed_limit",
	Obstructed:      "obstructed",
	Cleared:         "cleared",
	Timeout:         "timeout",
	ActuationFailed: "actuation_failed",
	Reset:           "reset",
}

func (k InputKind) String() string {
	if name, ok := inputNames[k]; ok {
		return name
	}
	return fmt.Sprintf("input(%d)", uint8(k))
}

type Input struct {
	Kind     InputKind
	TicketID string
	// Token identifies the timer a Timeout belongs to.
	Token  int64
	Reason string
}

// TimerKind names what an armed timer is waiting for.
type TimerKind uint8

const (
	TimerOpen TimerKind = iota + 1
	TimerClose
	TimerIdle
	TimerCloseDelay
)

func (k TimerKind) String() string {
	switch k {
	case TimerOpen:
		return "open"
	case TimerClose:
		return "close"
	case TimerIdle:
		return "idle"
	case TimerCloseDelay:
		return "close_delay"
	}
	return "none"
}

type CommandKind uint8

const (
	CmdAuthorize CommandKind = iota + 1
	CmdOpen
	CmdClose
	CmdHalt
	CmdResetMotor
	CmdArm
	CmdDisarm
	CmdReject
	CmdAlarm
	CmdComplete
	CmdAbandon
)

var commandNames = map[CommandKind]string{
	CmdAuthorize:  "authorize",
	CmdOpen:       "open",
	CmdClose:      "close",
	CmdHalt:       "halt",
	CmdResetMotor: "reset_motor",
	CmdArm:        "arm",
	CmdDisarm:     "disarm",
	CmdReject:     "reject",
	CmdAlarm:      "alarm",
	CmdComplete:   "complete",
	CmdAbandon:    "abandon",
}

func (k CommandKind) String() string {
	if name, ok := commandNames[k]; ok {
		return name
	}
	return fmt.Sprintf("command(%d)", uint8(k))
}

// Command is a side effect requested by a transition.
type Command struct {
	Kind     CommandKind
	Timer    TimerKind
	TicketID string
	Reason   string
}

// Fault reasons carried by GateAlarm.
const (
	FaultOpenTimeout  = "open_timeout"
	FaultCloseTimeout = "close_timeout"
	FaultOpenFailed   = "open_failed"
	FaultCloseFailed  = "close_failed"
	FaultHaltFailed   = "halt_failed"
	FaultResetFailed  = "reset_failed"
)

// translate maps a bus event to a lane input. Events addressed to another
// lane, and kinds the lane has no use for, are dropped.
func translate(lane string, kind domain.LaneKind, ev events.Event) (Input, bool) {
	if ev.Lane != "" && ev.Lane != lane {
		return Input{}, false
	}
	switch ev.Kind {
	case events.BarrierTimeout:
		if ev.Lane != lane {
			return Input{}, false
		}
		return Input{Kind: Timeout, Token: ev.Value, Reason: ev.Reason}, true
	case events.LimitSwitchReached:
		if ev.Lane != lane {
			return Input{}, false
		}
		if ev.Value == events.PositionOpen {
			return Input{Kind: OpenedLimit}, true
		}
		return Input{Kind: ClosedLimit}, true
	case events.GateReset:
		return Input{Kind: Reset, Reason: ev.Reason}, true
	case events.ButtonPressed:
		if kind == domain.LaneExit && ev.TicketID == "" {
			return Input{}, false
		}
		return Input{Kind: Request, TicketID: ev.TicketID}, true
	}

	if kind == domain.LaneEntry {
		switch ev.Kind {
		case events.EntryButtonPressed:
			return Input{Kind: Request}, true
		case events.EntryLightBarrierBlocked:
			return Input{Kind: Obstructed}, true
		case events.EntryLightBarrierCleared:
			return Input{Kind: Cleared}, true
		case events.EntryBarrierOpened:
			return Input{Kind: OpenedLimit}, true
		case events.EntryBarrierClosed:
			return Input{Kind: ClosedLimit}, true
		}
		return Input{}, false
	}
	switch ev.Kind {
	case events.TicketInserted:
		return Input{Kind: Request, TicketID: ev.TicketID}, true
	case events.ExitLightBarrierBlocked:
		return Input{Kind: Obstructed}, true
	case events.ExitLightBarrierCleared:
		return Input{Kind: Cleared}, true
	case events.ExitBarrierOpened:
		return Input{Kind: OpenedLimit}, true
	case events.ExitBarrierClosed:
		return Input{Kind: ClosedLimit}, true
	}
	return Input{}, false
}

// Subscriptions lists the bus kinds a lane of the given kind consumes.
func Subscriptions(kind domain.LaneKind) []events.Kind {
	common := []events.Kind{events.BarrierTimeout, events.LimitSwitchReached, events.GateReset, events.ButtonPressed}
	if kind == domain.LaneEntry {
		return append(common,
			events.EntryButtonPressed,
			events.EntryLightBarrierBlocked, events.EntryLightBarrierCleared,
			events.EntryBarrierOpened, events.EntryBarrierClosed,
		)
	}
	return append(common,
		events.TicketInserted,
		events.ExitLightBarrierBlocked, events.ExitLightBarrierCleared,
		events.ExitBarrierOpened, events.ExitBarrierClosed,
	)
}
