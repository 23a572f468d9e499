package review_test

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
	"gateline/internal/review"
	"gateline/internal/router"
)

type testEnv struct {
	Coord *review.Coordinator
	Conn  *sql.DB
	Ctx   context.Context
	Clock time.Time
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

	env := &testEnv{Conn: conn, Ctx: context.Background(), Clock: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	c := review.New(conn, config.Default("eng-1"))
	now := func() time.Time { return env.Clock }
	c.Now = now
	c.Router.Now = now
	c.Chronicle.Now = now
	c.Catalogue.Now = now
	c.Catalogue.Escalation.Now = now
	c.Escalation.Now = now
	env.Coord = c

	tx, err := conn.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	for _, p := range c.Config.Phases {
		if _, err := tx.ExecContext(env.Ctx, `INSERT INTO phases(ordinal,name,status,safety_priority) VALUES (?,?,?,?)`,
			p.Ordinal, p.Name, domain.PhaseOpen, p.SafetyPriority); err != nil {
			t.Fatal(err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	return env
}

func (env *testEnv) startItem(t *testing.T, id string) {
	t.Helper()
	if _, err := env.Coord.Router.Ingest(env.Ctx, []domain.WorkItemDescriptor{
		{ID: id, PhaseOrdinal: 1, Title: "component " + id},
	}, "tester"); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if _, err := env.Coord.Router.Assign(env.Ctx, id, "analyst", "tester"); err != nil {
		t.Fatalf("assign: %v", err)
	}
}

func (env *testEnv) submit(t *testing.T, itemID, target string) domain.ChangeProposal {
	t.Helper()
	p, err := env.Coord.Submit(env.Ctx, review.SubmitInput{
		ItemID:        itemID,
		AuthorRole:    "analyst",
		TargetEntryID: target,
		Payload:       `{"change":"add rule"}`,
		ActorID:       "tester",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return p
}

func (env *testEnv) vote(t *testing.T, proposalID, role, verdict string) review.VoteOutcome {
	t.Helper()
	out, err := env.Coord.RecordVote(env.Ctx, review.VoteInput{
		ProposalID: proposalID, Role: role, Verdict: verdict, ActorID: role + "-1",
	})
	if err != nil {
		t.Fatalf("vote %s/%s: %v", role, verdict, err)
	}
	return out
}

func (env *testEnv) position(t *testing.T, proposalID, role, evidence string) domain.ChangeProposal {
	t.Helper()
	p, err := env.Coord.RecordPosition(env.Ctx, review.PositionInput{
		ProposalID: proposalID, Role: role, Statement: role + " position", EvidenceRef: evidence, ActorID: role + "-1",
	})
	if err != nil {
		t.Fatalf("position %s: %v", role, err)
	}
	return p
}

func (env *testEnv) bindRole(t *testing.T, actorID, roleID string) {
	t.Helper()
	tx, err := env.Conn.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	now := env.Clock.Format(time.RFC3339)
	if err := env.Coord.Repo.EnsureActorTx(env.Ctx, tx, actorID, now); err != nil {
		t.Fatal(err)
	}
	if err := env.Coord.Repo.BindRoleTx(env.Ctx, tx, domain.RoleBinding{ActorID: actorID, RoleID: roleID, CreatedAt: now}); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func TestAllApprovedIsConsensusAfterRoundOne(t *testing.T) {
	env := newTestEnv(t)
	env.startItem(t, "comp-a")
	p := env.submit(t, "comp-a", "")

	out := env.vote(t, p.ID, "analyst", domain.VerdictApproved)
	if out.RoundClosed {
		t.Fatal("round must stay open until all required roles vote")
	}
	out = env.vote(t, p.ID, "verifier", domain.VerdictApproved)
	if !out.RoundClosed || out.Seq == 0 {
		t.Fatalf("expected settled round with chronicle seq, got %+v", out)
	}
	if out.Proposal.Status != domain.ProposalCommitted {
		t.Fatalf("expected committed, got %s", out.Proposal.Status)
	}
	if out.Proposal.DebateRounds != 0 {
		t.Fatalf("no debate expected, got %d rounds", out.Proposal.DebateRounds)
	}

	status, err := env.Coord.Router.Status(env.Ctx, "comp-a")
	if err != nil || status != domain.ItemDone {
		t.Fatalf("expected item done, got %s (%v)", status, err)
	}

	// Committed implies a chronicle record with a complete vote set.
	rec, err := env.Coord.Chronicle.RecordForProposal(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("chronicle record: %v", err)
	}
	if rec.Seq != out.Seq {
		t.Fatalf("record seq mismatch: %d vs %d", rec.Seq, out.Seq)
	}
	votes, err := env.Coord.Votes(env.Ctx, p.ID)
	if err != nil || len(votes) != 2 {
		t.Fatalf("expected 2 recorded votes, got %d (%v)", len(votes), err)
	}
}

func TestDuplicateVoteOverwrites(t *testing.T) {
	env := newTestEnv(t)
	env.startItem(t, "comp-a")
	p := env.submit(t, "comp-a", "")

	env.vote(t, p.ID, "analyst", domain.VerdictObjection)
	env.vote(t, p.ID, "analyst", domain.VerdictApproved)
	votes, err := env.Coord.Votes(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(votes) != 1 || votes[0].Verdict != domain.VerdictApproved {
		t.Fatalf("duplicate vote must overwrite, got %+v", votes)
	}
}

func TestVoteRequiresBoundRole(t *testing.T) {
	env := newTestEnv(t)
	env.startItem(t, "comp-a")
	p := env.submit(t, "comp-a", "")

	// An actor bound to roles may only act under one of them.
	env.bindRole(t, "casey", "curator")
	_, err := env.Coord.RecordVote(env.Ctx, review.VoteInput{
		ProposalID: p.ID, Role: "analyst", Verdict: domain.VerdictApproved, ActorID: "casey",
	})
	if err == nil {
		t.Fatal("vote under an unheld role must be rejected")
	}
	env.bindRole(t, "casey", "analyst")
	if _, err := env.Coord.RecordVote(env.Ctx, review.VoteInput{
		ProposalID: p.ID, Role: "analyst", Verdict: domain.VerdictApproved, ActorID: "casey",
	}); err != nil {
		t.Fatalf("vote under a held role: %v", err)
	}

	// Actors with no bindings are unconstrained.
	env.vote(t, p.ID, "verifier", domain.VerdictApproved)
}

func TestRequestedChangeReturnsForRevision(t *testing.T) {
	env := newTestEnv(t)
	env.startItem(t, "comp-a")
	p := env.submit(t, "comp-a", "")

	env.vote(t, p.ID, "analyst", domain.VerdictApproved)
	out := env.vote(t, p.ID, "verifier", domain.VerdictRequestedChange)
	if out.Proposal.Status != domain.ProposalRevision {
		t.Fatalf("expected revision, got %s", out.Proposal.Status)
	}
	if out.Proposal.DebateRounds != 0 {
		t.Fatal("revision re-run must not count as a debate round")
	}
	status, _ := env.Coord.Router.Status(env.Ctx, "comp-a")
	if status != domain.ItemInProgress {
		t.Fatalf("expected item back in progress, got %s", status)
	}

	revised, err := env.Coord.Revise(env.Ctx, review.ReviseInput{
		ProposalID: p.ID, Payload: `{"change":"add rule, amended"}`, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("revise: %v", err)
	}
	if revised.Status != domain.ProposalReview || revised.Round != 2 || revised.Revision != 1 {
		t.Fatalf("unexpected proposal after revise: %+v", revised)
	}

	env.vote(t, p.ID, "analyst", domain.VerdictApproved)
	out = env.vote(t, p.ID, "verifier", domain.VerdictApproved)
	if out.Proposal.Status != domain.ProposalCommitted {
		t.Fatalf("expected committed after revision, got %s", out.Proposal.Status)
	}
}

func TestObjectionDebatesThenResolverConservative(t *testing.T) {
	env := newTestEnv(t)
	env.startItem(t, "comp-a")
	p := env.submit(t, "comp-a", "")

	// Round 1 splits: debate opens.
	env.vote(t, p.ID, "analyst", domain.VerdictApproved)
	out := env.vote(t, p.ID, "verifier", domain.VerdictObjection)
	if out.Proposal.Status != domain.ProposalDebate || out.Proposal.DebateRounds != 1 {
		t.Fatalf("expected debate round 1, got %+v", out.Proposal)
	}

	// Phase 1 weighs test evidence; neither side cites any, so the resolver
	// will fall back to conservatism if the split survives.
	env.position(t, p.ID, "analyst", "catalogue:R-001@1")
	cur := env.position(t, p.ID, "verifier", "decision:seq-2")
	if cur.Status != domain.ProposalReview || cur.Round != 2 {
		t.Fatalf("debate must close into a fresh vote round, got %+v", cur)
	}

	// Round 2 splits again: second and final debate round.
	env.vote(t, p.ID, "analyst", domain.VerdictApproved)
	out = env.vote(t, p.ID, "verifier", domain.VerdictObjection)
	if out.Proposal.DebateRounds != 2 {
		t.Fatalf("expected debate round 2, got %d", out.Proposal.DebateRounds)
	}
	env.position(t, p.ID, "analyst", "catalogue:R-001@1")
	env.position(t, p.ID, "verifier", "decision:seq-2")

	// Round 3 still split: resolver renders the conservative decision.
	env.vote(t, p.ID, "analyst", domain.VerdictApproved)
	out = env.vote(t, p.ID, "verifier", domain.VerdictObjection)
	if out.Proposal.Status != domain.ProposalRejected {
		t.Fatalf("expected resolver rejection, got %s", out.Proposal.Status)
	}
	if out.Proposal.DecidedBy != review.DecidedByResolver {
		t.Fatalf("expected resolver settlement, got %s", out.Proposal.DecidedBy)
	}
	if out.Proposal.DebateRounds != 2 {
		t.Fatalf("debate exceeded its bound: %d", out.Proposal.DebateRounds)
	}
	if out.Seq == 0 {
		t.Fatal("resolver settlement must be chronicled")
	}

	rec, err := env.Coord.Chronicle.RecordForProposal(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Decision != "resolver: split vote; rejection preserves existing behavior" {
		t.Fatalf("unexpected chronicled decision: %q", rec.Decision)
	}
}

func TestDeadlockEscalatesAndHumanResolves(t *testing.T) {
	env := newTestEnv(t)
	env.startItem(t, "comp-a")
	p := env.submit(t, "comp-a", "")

	runDebate := func(analystEv, verifierEv string) {
		env.vote(t, p.ID, "analyst", domain.VerdictApproved)
		env.vote(t, p.ID, "verifier", domain.VerdictObjection)
		env.position(t, p.ID, "analyst", analystEv)
		env.position(t, p.ID, "verifier", verifierEv)
	}
	runDebate("test:unit-1", "test:regression-2")
	runDebate("test:unit-1", "test:regression-2")

	// Final round: both sides cite test evidence in a testability phase, so
	// the resolver defers and the dispute escalates.
	env.vote(t, p.ID, "analyst", domain.VerdictApproved)
	out, err := env.Coord.RecordVote(env.Ctx, review.VoteInput{
		ProposalID: p.ID, Role: "verifier", Verdict: domain.VerdictObjection, ActorID: "verifier-1",
	})
	var deadlock review.ConsensusDeadlockError
	if !errors.As(err, &deadlock) {
		t.Fatalf("expected ConsensusDeadlockError, got %v", err)
	}
	if out.EscalationID == "" || deadlock.EscalationID != out.EscalationID {
		t.Fatalf("escalation not reported: %+v", out)
	}
	status, _ := env.Coord.Router.Status(env.Ctx, "comp-a")
	if status != domain.ItemBlocked {
		t.Fatalf("expected blocked item, got %s", status)
	}

	// Human decision settles it.
	if _, err := env.Coord.Escalation.Resolve(env.Ctx, out.EscalationID, "approve: unit evidence is stronger", "human-1"); err != nil {
		t.Fatalf("resolve escalation: %v", err)
	}
	settled, seq, err := env.Coord.ResolveByHuman(env.Ctx, p.ID, review.ResolutionApprove, "unit evidence is stronger", "human-1")
	if err != nil {
		t.Fatalf("resolve by human: %v", err)
	}
	if settled.Status != domain.ProposalCommitted || settled.DecidedBy != review.DecidedByHuman {
		t.Fatalf("unexpected settlement: %+v", settled)
	}
	if seq == 0 {
		t.Fatal("human settlement must be chronicled")
	}
	status, _ = env.Coord.Router.Status(env.Ctx, "comp-a")
	if status != domain.ItemDone {
		t.Fatalf("expected done item, got %s", status)
	}
}

func TestEscalationResumeRestartsVoting(t *testing.T) {
	env := newTestEnv(t)
	env.startItem(t, "comp-a")
	p := env.submit(t, "comp-a", "")

	for i := 0; i < 2; i++ {
		env.vote(t, p.ID, "analyst", domain.VerdictApproved)
		env.vote(t, p.ID, "verifier", domain.VerdictObjection)
		env.position(t, p.ID, "analyst", "test:unit-1")
		env.position(t, p.ID, "verifier", "test:regression-2")
	}
	env.vote(t, p.ID, "analyst", domain.VerdictApproved)
	_, err := env.Coord.RecordVote(env.Ctx, review.VoteInput{
		ProposalID: p.ID, Role: "verifier", Verdict: domain.VerdictObjection, ActorID: "verifier-1",
	})
	var deadlock review.ConsensusDeadlockError
	if !errors.As(err, &deadlock) {
		t.Fatalf("expected ConsensusDeadlockError, got %v", err)
	}

	// The block and unblock go through the router, so both land in the
	// event feed as item transitions.
	countEvents := func(typ string) int {
		var n int
		if err := env.Conn.QueryRow(`SELECT COUNT(*) FROM events WHERE type=? AND entity_id='comp-a'`, typ).Scan(&n); err != nil {
			t.Fatal(err)
		}
		return n
	}
	if countEvents("item.block") != 1 {
		t.Fatal("escalation must block the item through the router")
	}
	if _, err := env.Coord.Escalation.Resolve(env.Ctx, deadlock.EscalationID, "try again", "human-1"); err != nil {
		t.Fatalf("resolve escalation: %v", err)
	}
	if countEvents("item.unblock") != 1 {
		t.Fatal("resolution must unblock the item through the router")
	}

	resumed, _, err := env.Coord.ResolveByHuman(env.Ctx, p.ID, review.ResolutionResume, "try again", "human-1")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Status != domain.ProposalReview || resumed.VoteRetries != 0 || resumed.VoteDeadline == "" {
		t.Fatalf("unexpected proposal after resume: %+v", resumed)
	}

	// The resumed round accepts fresh votes and can still settle.
	env.vote(t, p.ID, "analyst", domain.VerdictApproved)
	out := env.vote(t, p.ID, "verifier", domain.VerdictApproved)
	if out.Proposal.Status != domain.ProposalCommitted {
		t.Fatalf("expected committed after resume, got %s", out.Proposal.Status)
	}
	status, _ := env.Coord.Router.Status(env.Ctx, "comp-a")
	if status != domain.ItemDone {
		t.Fatalf("expected done item, got %s", status)
	}
}

func TestWithdrawDiscardsVotes(t *testing.T) {
	env := newTestEnv(t)
	env.startItem(t, "comp-a")
	p := env.submit(t, "comp-a", "")
	env.vote(t, p.ID, "analyst", domain.VerdictApproved)

	withdrawn, err := env.Coord.Withdraw(env.Ctx, p.ID, "tester")
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if withdrawn.Status != domain.ProposalWithdrawn {
		t.Fatalf("expected withdrawn, got %s", withdrawn.Status)
	}
	votes, err := env.Coord.Votes(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(votes) != 0 {
		t.Fatalf("votes must be discarded, found %d", len(votes))
	}
	status, _ := env.Coord.Router.Status(env.Ctx, "comp-a")
	if status != domain.ItemPending {
		t.Fatalf("expected pending item, got %s", status)
	}
}

func TestWithdrawAfterCommitRejected(t *testing.T) {
	env := newTestEnv(t)
	env.startItem(t, "comp-a")
	p := env.submit(t, "comp-a", "")
	env.vote(t, p.ID, "analyst", domain.VerdictApproved)
	env.vote(t, p.ID, "verifier", domain.VerdictApproved)

	if _, err := env.Coord.Withdraw(env.Ctx, p.ID, "tester"); err == nil {
		t.Fatal("withdraw after consensus must fail")
	}
}

func TestSecondSubmissionIsDuplicate(t *testing.T) {
	env := newTestEnv(t)
	env.startItem(t, "comp-a")
	env.submit(t, "comp-a", "")

	_, err := env.Coord.Submit(env.Ctx, review.SubmitInput{
		ItemID: "comp-a", AuthorRole: "analyst", Payload: `{"change":"again"}`, ActorID: "tester",
	})
	var dup router.DuplicateSubmissionError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateSubmissionError, got %v", err)
	}
}

func TestTargetedProposalDrivesEntryLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.startItem(t, "comp-a")

	if _, err := env.Coord.Catalogue.Propose(env.Ctx, "R-001", "rule text", "tester"); err != nil {
		t.Fatalf("propose entry: %v", err)
	}
	p := env.submit(t, "comp-a", "R-001")

	head, err := env.Coord.Catalogue.Head(env.Ctx, "R-001")
	if err != nil || head.Status != domain.EntryUnderReview {
		t.Fatalf("expected entry under review, got %+v (%v)", head, err)
	}

	env.vote(t, p.ID, "analyst", domain.VerdictApproved)
	out := env.vote(t, p.ID, "verifier", domain.VerdictApproved)
	if out.Proposal.Status != domain.ProposalCommitted {
		t.Fatalf("expected committed, got %s", out.Proposal.Status)
	}
	head, err = env.Coord.Catalogue.Head(env.Ctx, "R-001")
	if err != nil || head.Status != domain.EntryApproved {
		t.Fatalf("expected approved entry, got %+v (%v)", head, err)
	}
}

func TestOverdueVotesRetryThenEscalate(t *testing.T) {
	env := newTestEnv(t)
	env.startItem(t, "comp-a")
	p := env.submit(t, "comp-a", "")
	env.vote(t, p.ID, "analyst", domain.VerdictApproved)

	maxRetries := env.Coord.Config.Review.MaxVoteRetries
	for i := 1; i <= maxRetries; i++ {
		env.Clock = env.Clock.Add(48 * time.Hour)
		escalated, err := env.Coord.HandleOverdue(env.Ctx, p.ID, "sweeper")
		if err != nil {
			t.Fatalf("overdue pass %d: %v", i, err)
		}
		if escalated {
			t.Fatalf("pass %d escalated before the retry budget ran out", i)
		}
		cur, err := env.Coord.Get(env.Ctx, p.ID)
		if err != nil {
			t.Fatal(err)
		}
		if cur.VoteRetries != i {
			t.Fatalf("expected %d retries, got %d", i, cur.VoteRetries)
		}
	}

	env.Clock = env.Clock.Add(48 * time.Hour)
	escalated, err := env.Coord.HandleOverdue(env.Ctx, p.ID, "sweeper")
	if err != nil {
		t.Fatal(err)
	}
	if !escalated {
		t.Fatal("expected escalation after retries ran out")
	}
	status, _ := env.Coord.Router.Status(env.Ctx, "comp-a")
	if status != domain.ItemBlocked {
		t.Fatalf("expected blocked item, got %s", status)
	}

	// The missing vote never silently passes: approval is refused until the
	// vote set is complete.
	escs, err := env.Coord.Escalation.List(env.Ctx, domain.EscalationPending)
	if err != nil || len(escs) != 1 {
		t.Fatalf("expected one pending escalation, got %d (%v)", len(escs), err)
	}
	if _, err := env.Coord.Escalation.Resolve(env.Ctx, escs[0].ID, "reject for now", "human-1"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Coord.ResolveByHuman(env.Ctx, p.ID, review.ResolutionApprove, "approve anyway", "human-1"); err == nil {
		t.Fatal("approval without a complete vote set must fail")
	}
	settled, _, err := env.Coord.ResolveByHuman(env.Ctx, p.ID, review.ResolutionReject, "reject for now", "human-1")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if settled.Status != domain.ProposalRejected {
		t.Fatalf("expected rejected, got %s", settled.Status)
	}
}
