package router_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"gateline/internal/config"
	"gateline/internal/db"
	"gateline/internal/domain"
	"gateline/internal/migrate"
	"gateline/internal/router"
)

func newRouter(t *testing.T) (router.Router, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := router.New(conn, config.Default("eng-1"))
	r.Now = func() time.Time { return time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC) }
	seedPhases(t, conn, r.Config)
	return r, conn
}

func seedPhases(t *testing.T, conn *sql.DB, cfg *config.Config) {
	t.Helper()
	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	for _, p := range cfg.Phases {
		if _, err := tx.ExecContext(ctx, `INSERT INTO phases(ordinal,name,status,safety_priority) VALUES (?,?,?,?)`,
			p.Ordinal, p.Name, domain.PhasePending, p.SafetyPriority); err != nil {
			t.Fatal(err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func ingestOne(t *testing.T, r router.Router, id string) domain.WorkItem {
	t.Helper()
	items, err := r.Ingest(context.Background(), []domain.WorkItemDescriptor{
		{ID: id, PhaseOrdinal: 1, Title: "component " + id},
	}, "tester")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	return items[0]
}

func TestIngestIsIdempotent(t *testing.T) {
	r, _ := newRouter(t)
	ctx := context.Background()

	ingestOne(t, r, "comp-a")
	items, err := r.Ingest(ctx, []domain.WorkItemDescriptor{
		{ID: "comp-a", PhaseOrdinal: 1, Title: "component comp-a"},
		{ID: "comp-b", PhaseOrdinal: 1, Title: "component comp-b"},
	}, "tester")
	if err != nil {
		t.Fatalf("re-ingest: %v", err)
	}
	if len(items) != 1 || items[0].ID != "comp-b" {
		t.Fatalf("expected only comp-b created, got %+v", items)
	}
}

func TestIngestRejectsUnknownPhase(t *testing.T) {
	r, _ := newRouter(t)
	_, err := r.Ingest(context.Background(), []domain.WorkItemDescriptor{
		{ID: "comp-a", PhaseOrdinal: 99, Title: "nope"},
	}, "tester")
	if err == nil {
		t.Fatal("expected unknown phase error")
	}
}

func TestAssignStartsItem(t *testing.T) {
	r, _ := newRouter(t)
	ctx := context.Background()
	ingestOne(t, r, "comp-a")

	item, err := r.Assign(ctx, "comp-a", "analyst", "tester")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if item.Status != domain.ItemInProgress || item.Role != "analyst" {
		t.Fatalf("unexpected item after assign: %+v", item)
	}
}

func TestAssignUnknownRole(t *testing.T) {
	r, _ := newRouter(t)
	ingestOne(t, r, "comp-a")
	if _, err := r.Assign(context.Background(), "comp-a", "wizard", "tester"); err == nil {
		t.Fatal("expected unknown role error")
	}
}

func TestAssignWhileUnderReviewIsDuplicate(t *testing.T) {
	r, conn := newRouter(t)
	ctx := context.Background()
	ingestOne(t, r, "comp-a")
	if _, err := r.Assign(ctx, "comp-a", "analyst", "tester"); err != nil {
		t.Fatal(err)
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.BeginReview(ctx, tx, "comp-a", "prop-1", "tester"); err != nil {
		t.Fatalf("begin review: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	_, err = r.Assign(ctx, "comp-a", "architect", "tester")
	var dup router.DuplicateSubmissionError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateSubmissionError, got %v", err)
	}
	if dup.ItemID != "comp-a" {
		t.Fatalf("unexpected item in error: %s", dup.ItemID)
	}
}

func TestStatusRoundTrip(t *testing.T) {
	r, conn := newRouter(t)
	ctx := context.Background()
	ingestOne(t, r, "comp-a")

	status, err := r.Status(ctx, "comp-a")
	if err != nil || status != domain.ItemPending {
		t.Fatalf("expected pending, got %s (%v)", status, err)
	}

	if _, err := r.Assign(ctx, "comp-a", "analyst", "tester"); err != nil {
		t.Fatal(err)
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.MarkDone(ctx, tx, "comp-a", "tester"); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	status, err = r.Status(ctx, "comp-a")
	if err != nil || status != domain.ItemDone {
		t.Fatalf("expected done, got %s (%v)", status, err)
	}
}
