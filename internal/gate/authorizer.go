package gate

import (
	"context"
	"errors"
	"log/slog"

	"garagectl/internal/events"
	"garagectl/internal/ticket"
)

// Authorizer decides whether a lane may open and settles the outcome of
// the cycle it authorized.
type Authorizer interface {
	// Authorize returns the ticket the cycle runs under. ticketID is the
	// presented ticket, empty for lanes that issue one.
	Authorize(ctx context.Context, lane, ticketID string) (string, error)
	// Passed reports that the car drove through.
	Passed(ctx context.Context, lane, ticketID string)
	// Abandon undoes an authorization whose car never passed.
	Abandon(ctx context.Context, lane, ticketID string) error
}

// EntryAuthorizer issues a ticket against a free slot.
type EntryAuthorizer struct {
	Tickets   *ticket.Service
	Publisher events.Publisher
	Logger    *slog.Logger
}

func (a EntryAuthorizer) Authorize(ctx context.Context, lane, _ string) (string, error) {
	t, err := a.Tickets.TryIssue(ctx, lane)
	if errors.Is(err, ticket.ErrCapacityFull) {
		publish(a.Publisher, a.Logger, events.Event{Kind: events.CapacityFull, Lane: lane, Reason: ReasonOf(err)})
		return "", err
	}
	if err != nil {
		return "", err
	}
	publish(a.Publisher, a.Logger, events.Event{Kind: events.TicketIssued, Lane: lane, TicketID: t.ID})
	return t.ID, nil
}

func (a EntryAuthorizer) Passed(_ context.Context, lane, ticketID string) {
	publish(a.Publisher, a.Logger, events.Event{Kind: events.CarEnteredParking, Lane: lane, TicketID: ticketID})
}

func (a EntryAuthorizer) Abandon(ctx context.Context, lane, ticketID string) error {
	if _, err := a.Tickets.Abandon(ctx, ticketID); err != nil {
		return err
	}
	publish(a.Publisher, a.Logger, events.Event{Kind: events.TicketRejected, Lane: lane, TicketID: ticketID, Reason: "abandoned"})
	return nil
}

// ExitAuthorizer validates the presented ticket.
type ExitAuthorizer struct {
	Tickets   *ticket.Service
	Publisher events.Publisher
	Logger    *slog.Logger
}

func (a ExitAuthorizer) Authorize(ctx context.Context, lane, ticketID string) (string, error) {
	t, err := a.Tickets.TryValidate(ctx, ticketID)
	var rejected *ticket.RejectedError
	if errors.As(err, &rejected) {
		publish(a.Publisher, a.Logger, events.Event{Kind: events.TicketRejected, Lane: lane, TicketID: ticketID, Reason: string(rejected.Reason)})
		return "", err
	}
	if err != nil {
		return "", err
	}
	publish(a.Publisher, a.Logger, events.Event{Kind: events.TicketValidated, Lane: lane, TicketID: t.ID})
	return t.ID, nil
}

func (a ExitAuthorizer) Passed(_ context.Context, lane, ticketID string) {
	publish(a.Publisher, a.Logger, events.Event{Kind: events.CarExitedParking, Lane: lane, TicketID: ticketID})
}

// Abandon puts the ticket back in use. When the freed slot has already
// been given to an entering car, the ticket stays validated.
func (a ExitAuthorizer) Abandon(ctx context.Context, _, ticketID string) error {
	_, err := a.Tickets.Reinstate(ctx, ticketID)
	return err
}

// ReasonOf names an authorization failure for rejection signals.
func ReasonOf(err error) string {
	var rejected *ticket.RejectedError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ticket.ErrCapacityFull):
		return "capacity_full"
	case errors.As(err, &rejected):
		return string(rejected.Reason)
	}
	return "error"
}

func publish(pub events.Publisher, log *slog.Logger, ev events.Event) {
	if pub == nil {
		return
	}
	if err := pub.Publish(ev); err != nil {
		if log == nil {
			log = slog.Default()
		}
		log.Warn("publish failed", "kind", ev.Kind.String(), "lane", ev.Lane, "error", err)
	}
}
