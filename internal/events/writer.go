package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"garagectl/internal/domain"
)

// Writer appends bus events to the events table.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, ev Event) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := ev.Time
	if ts.IsZero() {
		ts = w.Now()
	}
	payload := EventPayload{}
	if ev.Value != 0 {
		payload["value"] = ev.Value
	}
	if ev.Reason != "" {
		payload["reason"] = ev.Reason
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	const q = `INSERT INTO events(ts,kind,lane,ticket_id,payload_json) VALUES (?,?,?,?,?)`
	args := []any{ts.UTC().Format(domain.TimeLayout), ev.Kind.String(), nullable(ev.Lane), nullable(ev.TicketID), string(data)}
	if tx != nil {
		_, err = tx.ExecContext(ctx, q, args...)
	} else {
		_, err = w.DB.ExecContext(ctx, q, args...)
	}
	return err
}

// Journal records every bus event through a Writer.
type Journal struct {
	Writer Writer
	sub    *Subscription
}

// Attach subscribes the journal to every kind on bus.
func (j *Journal) Attach(bus *Bus) error {
	sub, err := bus.Subscribe(nil, j.record)
	if err != nil {
		return err
	}
	j.sub = sub
	return nil
}

func (j *Journal) Detach() {
	if j.sub != nil {
		j.sub.Close()
	}
}

func (j *Journal) record(ev Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := j.Writer.Append(ctx, nil, ev); err != nil {
		return fmt.Errorf("journal %s: %w", ev.Kind, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
