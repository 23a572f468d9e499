package phase_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"gateline/internal/config"
	"gateline/internal/db"
	"gateline/internal/domain"
	"gateline/internal/migrate"
	"gateline/internal/phase"
)

func newController(t *testing.T) (phase.Controller, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	c := phase.New(conn, config.Default("eng-1"))
	c.Now = func() time.Time { return time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC) }
	c.Catalogue.Now = c.Now

	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	for _, p := range c.Config.Phases {
		if _, err := tx.ExecContext(ctx, `INSERT INTO phases(ordinal,name,status,safety_priority) VALUES (?,?,?,?)`,
			p.Ordinal, p.Name, domain.PhasePending, p.SafetyPriority); err != nil {
			t.Fatal(err)
		}
		for _, cr := range p.Gate {
			if _, err := tx.ExecContext(ctx, `INSERT INTO gate_criteria(id,phase_ordinal,kind,description,satisfied) VALUES (?,?,?,?,0)`,
				cr.ID, p.Ordinal, cr.Kind, cr.Description); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	return c, conn
}

func seedItem(t *testing.T, conn *sql.DB, id string, ordinal int, status string) {
	t.Helper()
	now := "2024-03-01T00:00:00Z"
	if _, err := conn.Exec(`INSERT INTO work_items(id,phase_ordinal,title,status,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		id, ordinal, "item "+id, status, now, now); err != nil {
		t.Fatal(err)
	}
}

func TestOpenPhaseSequential(t *testing.T) {
	c, _ := newController(t)
	ctx := context.Background()

	if _, err := c.OpenPhase(ctx, 2, "tester"); err == nil {
		t.Fatal("phase 2 must not open before phase 1 closes")
	}
	p, err := c.OpenPhase(ctx, 1, "tester")
	if err != nil {
		t.Fatalf("open phase 1: %v", err)
	}
	if p.Status != domain.PhaseOpen {
		t.Fatalf("expected open, got %s", p.Status)
	}
	// Reopening an open phase is a no-op.
	if _, err := c.OpenPhase(ctx, 1, "tester"); err != nil {
		t.Fatalf("second open: %v", err)
	}
}

func TestAdvanceBlockedByUnmetCriterion(t *testing.T) {
	c, conn := newController(t)
	ctx := context.Background()
	if _, err := c.OpenPhase(ctx, 1, "tester"); err != nil {
		t.Fatal(err)
	}
	seedItem(t, conn, "comp-a", 1, domain.ItemInProgress)

	_, err := c.AdvancePhase(ctx, "tester")
	var unmet phase.GateNotSatisfiedError
	if !errors.As(err, &unmet) {
		t.Fatalf("expected GateNotSatisfiedError, got %v", err)
	}
	if len(unmet.Unmet) != 1 || unmet.Unmet[0].ID != "p1.items" {
		t.Fatalf("expected exactly p1.items unmet, got %+v", unmet.Unmet)
	}

	p, err := c.Get(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != domain.PhaseOpen {
		t.Fatalf("phase must stay open, got %s", p.Status)
	}
}

func TestAdvanceClosesAndOpensNext(t *testing.T) {
	c, conn := newController(t)
	ctx := context.Background()
	if _, err := c.OpenPhase(ctx, 1, "tester"); err != nil {
		t.Fatal(err)
	}
	seedItem(t, conn, "comp-a", 1, domain.ItemDone)

	next, err := c.AdvancePhase(ctx, "tester")
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if next.Ordinal != 2 || next.Status != domain.PhaseOpen {
		t.Fatalf("expected phase 2 open, got %+v", next)
	}
	closed, err := c.Get(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if closed.Status != domain.PhaseClosed {
		t.Fatalf("expected phase 1 closed, got %s", closed.Status)
	}
}

func TestAdvanceLocksApprovedEntries(t *testing.T) {
	c, conn := newController(t)
	ctx := context.Background()
	if _, err := c.OpenPhase(ctx, 1, "tester"); err != nil {
		t.Fatal(err)
	}
	now := "2024-03-01T00:00:00Z"
	if _, err := conn.Exec(`INSERT INTO catalogue_entries(id,version,status,content,created_at,updated_at) VALUES ('R-001',1,'approved','rule',?,?)`,
		now, now); err != nil {
		t.Fatal(err)
	}

	if _, err := c.AdvancePhase(ctx, "tester"); err != nil {
		t.Fatalf("advance: %v", err)
	}
	head, err := c.Catalogue.Head(ctx, "R-001")
	if err != nil {
		t.Fatal(err)
	}
	if head.Status != domain.EntryLocked {
		t.Fatalf("approved entry must lock at the gate boundary, got %s", head.Status)
	}
}

func TestAdvanceThroughFinalPhase(t *testing.T) {
	c, _ := newController(t)
	ctx := context.Background()
	if _, err := c.OpenPhase(ctx, 1, "tester"); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 3; i++ {
		p, err := c.AdvancePhase(ctx, "tester")
		if err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
		if i == 3 && p.Status != domain.PhaseClosed {
			t.Fatalf("final phase should close, got %+v", p)
		}
	}
	if _, err := c.AdvancePhase(ctx, "tester"); err == nil {
		t.Fatal("advance past the terminal state must fail")
	}
}

func TestReopenNeedsResolvedEscalation(t *testing.T) {
	c, conn := newController(t)
	ctx := context.Background()
	if _, err := c.OpenPhase(ctx, 1, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.AdvancePhase(ctx, "tester"); err != nil {
		t.Fatal(err)
	}

	if _, err := c.ReopenPhase(ctx, 1, "missing-esc", "tester"); err == nil {
		t.Fatal("reopen without an override must fail")
	}

	now := "2024-03-01T00:00:00Z"
	for i, resolution := range []string{domain.EscalationPending, domain.EscalationResolved} {
		id := fmt.Sprintf("esc-%d", i)
		if _, err := conn.Exec(`INSERT INTO escalations(id,subject_kind,subject_id,reason,resolution,decision,created_at) VALUES (?,?,?,?,?,?,?)`,
			id, "catalogue", "R-001", "rework groundwork", resolution, "approved rework", now); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := c.ReopenPhase(ctx, 1, "esc-0", "tester"); err == nil {
		t.Fatal("pending escalation must not approve a reopen")
	}

	p, err := c.ReopenPhase(ctx, 1, "esc-1", "tester")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if p.Status != domain.PhaseOpen {
		t.Fatalf("expected reopened phase, got %s", p.Status)
	}
	later, err := c.Get(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if later.Status != domain.PhasePending {
		t.Fatalf("later open phase must fall back to pending, got %s", later.Status)
	}
}
