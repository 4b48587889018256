package repo_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"garagectl/internal/db"
	"garagectl/internal/domain"
	"garagectl/internal/events"
	"garagectl/internal/migrate"
	"garagectl/internal/repo"
	"garagectl/internal/ticket"
)

type testEnv struct {
	Repo repo.Repo
	Ctx  context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return testEnv{Repo: repo.Repo{DB: conn}, Ctx: context.Background()}
}

func TestMigrateIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	v, err := migrate.Migrate(env.Ctx, env.Repo.DB)
	if err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	latest, _ := migrate.Latest()
	if v != latest || latest < 1 {
		t.Fatalf("version %d, latest %d", v, latest)
	}
}

func TestTicketRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	issued := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	tk := domain.Ticket{ID: "t-1", Lane: "entry-1", State: domain.TicketIssued, IssuedAt: issued}
	if err := env.Repo.CreateTicket(env.Ctx, tk); err != nil {
		t.Fatalf("create: %v", err)
	}
	paid := issued.Add(time.Hour)
	tk.Paid, tk.PaidAt = true, &paid
	if err := env.Repo.UpdateTicket(env.Ctx, tk); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := env.Repo.GetTicket(env.Ctx, "t-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.IssuedAt.Equal(issued) || !got.Paid || got.PaidAt == nil || !got.PaidAt.Equal(paid) || got.RetiredAt != nil {
		t.Fatalf("unexpected ticket: %+v", got)
	}
	if _, err := env.Repo.GetTicket(env.Ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := env.Repo.UpdateTicket(env.Ctx, domain.Ticket{ID: "missing", State: domain.TicketIssued}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("update missing: %v", err)
	}
}

func TestServiceOnSQLiteSurvivesRestart(t *testing.T) {
	env := newTestEnv(t)
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	opts := ticket.Options{Max: 2, Now: func() time.Time { return now }}
	svc, err := ticket.New(env.Ctx, env.Repo, opts)
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	a, err := svc.TryIssue(env.Ctx, "entry-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	b, _ := svc.TryIssue(env.Ctx, "entry-2")
	if _, err := svc.TryValidate(env.Ctx, b.ID); err != nil {
		t.Fatalf("validate: %v", err)
	}

	restarted, err := ticket.New(env.Ctx, env.Repo, opts)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if c := restarted.Capacity(); c.Free != 1 || c.Active != 1 {
		t.Fatalf("capacity after restart: %+v", c)
	}
	list, err := restarted.List(env.Ctx, ticket.Filter{State: domain.TicketIssued})
	if err != nil || len(list) != 1 || list[0].ID != a.ID {
		t.Fatalf("issued list: %v %+v", err, list)
	}
	n, err := restarted.Prune(env.Ctx, now.Add(time.Second))
	if err != nil || n != 1 {
		t.Fatalf("prune: n=%d err=%v", n, err)
	}
}

func TestJournalAppendAndLatest(t *testing.T) {
	env := newTestEnv(t)
	w := events.Writer{DB: env.Repo.DB}
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	evs := []events.Event{
		{Kind: events.EntryButtonPressed, Lane: "entry-1", Time: base},
		{Kind: events.TicketIssued, Lane: "entry-1", TicketID: "t-1", Time: base.Add(time.Second)},
		{Kind: events.GateAlarm, Lane: "exit-1", Reason: "open_timeout", Time: base.Add(2 * time.Second)},
	}
	for _, ev := range evs {
		if err := w.Append(env.Ctx, nil, ev); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	got, err := env.Repo.LatestEvents(env.Ctx, repo.EventFilter{Limit: 10})
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if len(got) != 3 || got[0].Kind != "gate_alarm" || got[0].Payload["reason"] != "open_timeout" {
		t.Fatalf("unexpected journal: %+v", got)
	}
	lane, _ := env.Repo.LatestEvents(env.Ctx, repo.EventFilter{Lane: "entry-1", Before: got[0].ID})
	if len(lane) != 2 || lane[0].TicketID != "t-1" {
		t.Fatalf("lane filter: %+v", lane)
	}
	n, err := env.Repo.PruneEvents(env.Ctx, base.Add(1500*time.Millisecond))
	if err != nil || n != 2 {
		t.Fatalf("prune events: n=%d err=%v", n, err)
	}
}
