package engine_test

import (
	"context"
	"testing"
	"time"

	"gateline/internal/catalogue"
	"gateline/internal/config"
	"gateline/internal/db"
	"gateline/internal/domain"
	"gateline/internal/engine"
	"gateline/internal/migrate"
	"gateline/internal/review"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Clock  time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	env := &testEnv{Ctx: context.Background(), Clock: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	eng := engine.New(conn, config.Default("eng-1"))
	eng.SetClock(func() time.Time { return env.Clock })
	if err := eng.InitEngine(env.Ctx, "tester"); err != nil {
		t.Fatalf("init engine: %v", err)
	}
	env.Engine = eng
	return env
}

func (env *testEnv) commitProposal(t *testing.T, itemID string) {
	t.Helper()
	if _, err := env.Engine.Router.Assign(env.Ctx, itemID, "analyst", "tester"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	p, err := env.Engine.Review.Submit(env.Ctx, review.SubmitInput{
		ItemID: itemID, AuthorRole: "analyst", Payload: `{"change":"x"}`, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	for _, role := range []string{"analyst", "verifier"} {
		if _, err := env.Engine.Review.RecordVote(env.Ctx, review.VoteInput{
			ProposalID: p.ID, Role: role, Verdict: domain.VerdictApproved, ActorID: role + "-1",
		}); err != nil {
			t.Fatalf("vote %s: %v", role, err)
		}
	}
}

func TestInitOpensFirstPhase(t *testing.T) {
	env := newTestEnv(t)
	phases, err := env.Engine.Phases.List(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(phases) != 3 {
		t.Fatalf("expected 3 phases, got %d", len(phases))
	}
	if phases[0].Status != domain.PhaseOpen {
		t.Fatalf("phase 1 should open on init, got %s", phases[0].Status)
	}
}

func TestFullItemLifecycleMovesGate(t *testing.T) {
	env := newTestEnv(t)

	items, err := env.Engine.Ingest(env.Ctx, []domain.WorkItemDescriptor{
		{ID: "comp-a", PhaseOrdinal: 1, Title: "component a"},
	}, "tester")
	if err != nil || len(items) != 1 {
		t.Fatalf("ingest: %v", err)
	}

	gate, err := env.Engine.GateStatus(env.Ctx, 1, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if gate.Satisfied {
		t.Fatal("gate must be unmet while the item is pending")
	}

	env.commitProposal(t, "comp-a")

	status, err := env.Engine.ItemStatus(env.Ctx, "comp-a")
	if err != nil || status != domain.ItemDone {
		t.Fatalf("expected done, got %s (%v)", status, err)
	}
	gate, err = env.Engine.GateStatus(env.Ctx, 1, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if !gate.Satisfied {
		t.Fatalf("gate should hold, unmet: %+v", gate.Unmet)
	}

	next, err := env.Engine.Phases.AdvancePhase(env.Ctx, "tester")
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if next.Ordinal != 2 {
		t.Fatalf("expected phase 2, got %d", next.Ordinal)
	}
}

func TestSweepRetriesThenEscalates(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Ingest(env.Ctx, []domain.WorkItemDescriptor{
		{ID: "comp-a", PhaseOrdinal: 1, Title: "component a"},
	}, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Router.Assign(env.Ctx, "comp-a", "analyst", "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Review.Submit(env.Ctx, review.SubmitInput{
		ItemID: "comp-a", AuthorRole: "analyst", Payload: `{"change":"x"}`, ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < env.Engine.Config.Review.MaxVoteRetries; i++ {
		env.Clock = env.Clock.Add(48 * time.Hour)
		report, err := env.Engine.Sweep(env.Ctx, "sweeper")
		if err != nil {
			t.Fatalf("sweep %d: %v", i, err)
		}
		if report.Retried != 1 || report.Escalated != 0 {
			t.Fatalf("sweep %d: %+v", i, report)
		}
	}
	env.Clock = env.Clock.Add(48 * time.Hour)
	report, err := env.Engine.Sweep(env.Ctx, "sweeper")
	if err != nil {
		t.Fatal(err)
	}
	if report.Escalated != 1 {
		t.Fatalf("expected escalation, got %+v", report)
	}
	status, _ := env.Engine.ItemStatus(env.Ctx, "comp-a")
	if status != domain.ItemBlocked {
		t.Fatalf("expected blocked item, got %s", status)
	}
}

func TestResolveCatalogueEscalation(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.Engine.Catalogue.Propose(env.Ctx, "R-001", "old meaning", "tester"); err != nil {
		t.Fatal(err)
	}
	// Approve and lock the entry the way a gate boundary would.
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Catalogue.Approve(env.Ctx, tx, "R-001", "tester"); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Catalogue.Lock(env.Ctx, tx, "R-001", "tester"); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	outcome, err := env.Engine.Catalogue.RequestChange(env.Ctx, "R-001", catalogue.ChangeBehavioral, "meaning drifted", "new meaning", "tester")
	if err != nil {
		t.Fatal(err)
	}
	esc, err := env.Engine.ResolveEscalation(env.Ctx, outcome.EscalationID, review.ResolutionApprove, "new meaning is correct", "human-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if esc.Resolution != domain.EscalationResolved {
		t.Fatalf("expected resolved, got %s", esc.Resolution)
	}
	head, err := env.Engine.Catalogue.Head(env.Ctx, "R-001")
	if err != nil {
		t.Fatal(err)
	}
	if head.Version != 2 || head.Content != "new meaning" || head.Status != domain.EntryApproved {
		t.Fatalf("unexpected head after resolution: %+v", head)
	}
}

func TestRoleBindingAndAPIKeys(t *testing.T) {
	env := newTestEnv(t)

	if err := env.Engine.BindRole(env.Ctx, "alex", "analyst"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := env.Engine.BindRole(env.Ctx, "alex", "wizard"); err == nil {
		t.Fatal("unknown role must be rejected")
	}
	roles, err := env.Engine.Repo.ActorRoles(env.Ctx, "alex")
	if err != nil || len(roles) != 1 || roles[0] != "analyst" {
		t.Fatalf("unexpected roles: %v (%v)", roles, err)
	}

	key, raw, err := env.Engine.CreateAPIKey(env.Ctx, "alex", "laptop")
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	if raw == "" || key.KeyHash == raw {
		t.Fatal("raw key must be returned unhashed exactly once")
	}
	looked, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, key.KeyHash)
	if err != nil || looked.ActorID != "alex" {
		t.Fatalf("lookup: %+v (%v)", looked, err)
	}
}
