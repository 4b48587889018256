package domain

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

// TimeLayout is the fixed-width UTC timestamp format stored in the
// database, so stored values sort lexically.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type LaneKind string

const (
	LaneEntry LaneKind = "entry"
	LaneExit  LaneKind = "exit"
)

// GateState is the state of one physical barrier.
type GateState string

const (
	GateIdle                  GateState = "idle"
	GateAwaitingAuthorization GateState = "awaiting_authorization"
	GateOpening               GateState = "opening"
	GateOpen                  GateState = "open"
	GateClosing               GateState = "closing"
	GateFaulted               GateState = "faulted"
)

// Ordinal gives a stable numeric value for gauges.
func (s GateState) Ordinal() int {
	switch s {
	case GateIdle:
		return 0
	case GateAwaitingAuthorization:
		return 1
	case GateOpening:
		return 2
	case GateOpen:
		return 3
	case GateClosing:
		return 4
	case GateFaulted:
		return 5
	}
	return -1
}

type TicketState string

const (
	TicketIssued    TicketState = "issued"
	TicketValidated TicketState = "validated"
	TicketRejected  TicketState = "rejected"
)

// Retired tickets can never be used again.
func (s TicketState) Retired() bool {
	return s == TicketValidated || s == TicketRejected
}

type Ticket struct {
	ID        string      `json:"id"`
	Lane      string      `json:"lane,omitempty"`
	State     TicketState `json:"state" enum:"issued,validated,rejected"`
	IssuedAt  time.Time   `json:"issued_at" format:"date-time"`
	Paid      bool        `json:"paid"`
	PaidAt    *time.Time  `json:"paid_at,omitempty" format:"date-time"`
	RetiredAt *time.Time  `json:"retired_at,omitempty" format:"date-time"`
	Reason    string      `json:"reason,omitempty"`
}

type Capacity struct {
	Max    int `json:"max"`
	Free   int `json:"free"`
	Active int `json:"active"`
}

type MotorStatus struct {
	Running   bool   `json:"running"`
	Direction string `json:"direction" enum:"forward,backward"`
	Speed     int    `json:"speed"`
}

type LaneStatus struct {
	ID       string      `json:"id"`
	Kind     LaneKind    `json:"kind" enum:"entry,exit"`
	State    GateState   `json:"state"`
	TicketID string      `json:"ticket_id,omitempty"`
	Fault    string      `json:"fault,omitempty"`
	Motor    MotorStatus `json:"motor"`
}

// InputLevel is one sampled lane input. Error is set instead of High when
// the read failed.
type InputLevel struct {
	Name  string `json:"name"`
	Pin   int    `json:"pin"`
	High  bool   `json:"high"`
	Error string `json:"error,omitempty"`
}

type LaneInputs struct {
	Lane   string       `json:"lane"`
	Inputs []InputLevel `json:"inputs"`
}

type Status struct {
	GarageID string       `json:"garage_id"`
	Capacity Capacity     `json:"capacity"`
	Lanes    []LaneStatus `json:"lanes"`
}

// JournalEntry is one persisted bus event.
type JournalEntry struct {
	ID       int64          `json:"id"`
	TS       string         `json:"ts" format:"date-time"`
	Kind     string         `json:"kind"`
	Lane     string         `json:"lane,omitempty"`
	TicketID string         `json:"ticket_id,omitempty"`
	Payload  map[string]any `json:"payload"`
}
