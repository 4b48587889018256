package events

import (
	"fmt"
	"strings"
	"time"
)

// Kind discriminates events. The set is closed: every consumer matches
// it exhaustively and unknown names are rejected by ParseKind.
type Kind uint8

const (
	// Hardware inputs.
	EntryButtonPressed Kind = iota + 1
	EntryButtonReleased
	EntryLightBarrierBlocked
	EntryLightBarrierCleared
	ExitLightBarrierBlocked
	ExitLightBarrierCleared

	// Capacity and ticket outcomes.
	CapacityAvailable
	CapacityFull
	TicketIssued
	TicketValidated
	TicketRejected

	// Limit switches and passage detection.
	EntryBarrierOpened
	EntryBarrierClosed
	ExitBarrierOpened
	ExitBarrierClosed
	CarEnteredParking
	CarExitedParking

	BarrierTimeout
	ButtonPressed
	LimitSwitchReached

	// Ticket presented at an exit reader; TicketID carries the ticket.
	TicketInserted
	// Operator reset, the only way out of a faulted gate.
	GateReset
	// Gate faulted; Reason carries the cause.
	GateAlarm
)

var kindNames = map[Kind]string{
	EntryButtonPressed:       "entry_button_pressed",
	EntryButtonReleased:      "entry_button_released",
	EntryLightBarrierBlocked: "entry_light_barrier_blocked",
	EntryLightBarrierCleared: "entry_light_barrier_cleared",
	ExitLightBarrierBlocked:  "exit_light_barrier_blocked",
	ExitLightBarrierCleared:  "exit_light_barrier_cleared",
	CapacityAvailable:        "capacity_available",
	CapacityFull:             "capacity_full",
	TicketIssued:             "ticket_issued",
	TicketValidated:          "ticket_validated",
	TicketRejected:           "ticket_rejected",
	EntryBarrierOpened:       "entry_barrier_opened",
	EntryBarrierClosed:       "entry_barrier_closed",
	ExitBarrierOpened:        "exit_barrier_opened",
	ExitBarrierClosed:        "exit_barrier_closed",
	CarEnteredParking:        "car_entered_parking",
	CarExitedParking:         "car_exited_parking",
	BarrierTimeout:           "barrier_timeout",
	ButtonPressed:            "button_pressed",
	LimitSwitchReached:       "limit_switch_reached",
	TicketInserted:           "ticket_inserted",
	GateReset:                "gate_reset",
	GateAlarm:                "gate_alarm",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Kinds returns every defined kind in declaration order.
func Kinds() []Kind {
	out := make([]Kind, 0, len(kindNames))
	for k := EntryButtonPressed; k <= GateAlarm; k++ {
		out = append(out, k)
	}
	return out
}

// ParseKind accepts the snake_case name of a kind.
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown event kind %q", s)
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Limit-switch positions carried in Event.Value for LimitSwitchReached.
const (
	PositionClosed int64 = 0
	PositionOpen   int64 = 1
)

// Event is copied across the bus and never mutated after publish.
type Event struct {
	Kind     Kind      `json:"kind"`
	Lane     string    `json:"lane,omitempty"`
	TicketID string    `json:"ticket_id,omitempty"`
	Value    int64     `json:"value,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Time     time.Time `json:"time"`
}

func (e Event) String() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Lane != "" {
		b.WriteString(" lane=")
		b.WriteString(e.Lane)
	}
	if e.TicketID != "" {
		b.WriteString(" ticket=")
		b.WriteString(e.TicketID)
	}
	if e.Value != 0 {
		fmt.Fprintf(&b, " value=%d", e.Value)
	}
	if e.Reason != "" {
		b.WriteString(" reason=")
		b.WriteString(e.Reason)
	}
	return b.String()
}
