package server

import (
	"garagectl/internal/domain"
	"garagectl/internal/events"
)

// Request payloads

type LaneEventRequest struct {
	Kind     string `json:"kind" doc:"Event kind in snake_case, e.g. entry_button_pressed"`
	TicketID string `json:"ticket_id,omitempty"`
	Value    int64  `json:"value,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type InsertTicketRequest struct {
	TicketID string `json:"ticket_id"`
}

type SetCapacityRequest struct {
	Max int `json:"max" minimum:"1" maximum:"1000"`
}

// Response payloads

type EventResponse struct {
	Kind     string `json:"kind"`
	Lane     string `json:"lane,omitempty"`
	TicketID string `json:"ticket_id,omitempty"`
	Value    int64  `json:"value,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Time     string `json:"time,omitempty" format:"date-time"`
}

type TicketList struct {
	Items []domain.Ticket `json:"items"`
}

type JournalPage struct {
	Items      []domain.JournalEntry `json:"items"`
	NextCursor string                `json:"next_cursor,omitempty"`
}

func eventResponse(ev events.Event) EventResponse {
	out := EventResponse{
		Kind:     ev.Kind.String(),
		Lane:     ev.Lane,
		TicketID: ev.TicketID,
		Value:    ev.Value,
		Reason:   ev.Reason,
	}
	if !ev.Time.IsZero() {
		out.Time = ev.Time.UTC().Format(domain.TimeLayout)
	}
	return out
}

func nonNilTickets(items []domain.Ticket) []domain.Ticket {
	if items == nil {
		return []domain.Ticket{}
	}
	return items
}
