package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"garagectl/internal/domain"
	"garagectl/internal/ticket"
)

// Repo is the SQLite ticket store and journal reader.
type Repo struct {
	DB *sql.DB
}

var _ ticket.Store = Repo{}

const ticketColumns = `id,COALESCE(lane,''),state,issued_at,paid,paid_at,retired_at,COALESCE(reason,'')`

type scanner interface {
	Scan(dest ...any) error
}

func scanTicket(row scanner) (domain.Ticket, error) {
	var (
		t                 domain.Ticket
		issuedAt          string
		paid              int
		paidAt, retiredAt sql.NullString
	)
	err := row.Scan(&t.ID, &t.Lane, &t.State, &issuedAt, &paid, &paidAt, &retiredAt, &t.Reason)
	if errors.Is(err, sql.ErrNoRows) {
		return t, domain.ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if t.IssuedAt, err = parseTS(issuedAt); err != nil {
		return t, err
	}
	t.Paid = paid != 0
	if t.PaidAt, err = parseNullTS(paidAt); err != nil {
		return t, err
	}
	if t.RetiredAt, err = parseNullTS(retiredAt); err != nil {
		return t, err
	}
	return t, nil
}

func (r Repo) CreateTicket(ctx context.Context, t domain.Ticket) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO tickets(id,lane,state,issued_at,paid,paid_at,retired_at,reason) VALUES (?,?,?,?,?,?,?,?)`,
		t.ID, nullable(t.Lane), t.State, formatTS(t.IssuedAt), boolInt(t.Paid), nullableTS(t.PaidAt), nullableTS(t.RetiredAt), nullable(t.Reason))
	return err
}

func (r Repo) UpdateTicket(ctx context.Context, t domain.Ticket) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE tickets SET state=?, paid=?, paid_at=?, retired_at=?, reason=? WHERE id=?`,
		t.State, boolInt(t.Paid), nullableTS(t.PaidAt), nullableTS(t.RetiredAt), nullable(t.Reason), t.ID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r Repo) GetTicket(ctx context.Context, id string) (domain.Ticket, error) {
	return scanTicket(r.DB.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id=?`, id))
}

func (r Repo) ListTickets(ctx context.Context, f ticket.Filter) ([]domain.Ticket, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	if f.Lane != "" {
		clauses = append(clauses, "lane=?")
		args = append(args, f.Lane)
	}
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY issued_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) CountTickets(ctx context.Context, state domain.TicketState) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM tickets WHERE state=?`, state).Scan(&n)
	return n, err
}

func (r Repo) PruneTickets(ctx context.Context, before time.Time) (int, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM tickets WHERE state IN ('validated','rejected') AND retired_at IS NOT NULL AND retired_at < ?`, formatTS(before))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r Repo) DeleteTickets(ctx context.Context) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM tickets`)
	return err
}

// EventFilter narrows journal queries.
type EventFilter struct {
	Lane     string
	Kind     string
	TicketID string
	// Before returns entries with a smaller id, for paging backwards.
	Before int64
	Limit  int
}

// LatestEvents returns journal entries newest first.
func (r Repo) LatestEvents(ctx context.Context, f EventFilter) ([]domain.JournalEntry, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if f.Lane != "" {
		clauses = append(clauses, "lane=?")
		args = append(args, f.Lane)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.TicketID != "" {
		clauses = append(clauses, "ticket_id=?")
		args = append(args, f.TicketID)
	}
	if f.Before > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Before)
	}
	query := fmt.Sprintf(`SELECT id,ts,kind,COALESCE(lane,''),COALESCE(ticket_id,''),payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, f.Limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.JournalEntry
	for rows.Next() {
		var e domain.JournalEntry
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Kind, &e.Lane, &e.TicketID, &payload); err != nil {
			return nil, err
		}
		e.Payload = map[string]any{}
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("decode event %d payload: %w", e.ID, err)
			}
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// PruneEvents drops journal entries older than the cutoff.
func (r Repo) PruneEvents(ctx context.Context, before time.Time) (int, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM events WHERE ts < ?`, formatTS(before))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTS(t time.Time) string {
	return t.UTC().Format(domain.TimeLayout)
}

func nullableTS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTS(*t)
}

func parseTS(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTS(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTS(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
