package chronicle_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"gateline/internal/chronicle"
	"gateline/internal/db"
	"gateline/internal/domain"
	"gateline/internal/migrate"
)

func newStore(t *testing.T) *chronicle.Store {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	s := chronicle.New(conn)
	s.Now = func() time.Time { return time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC) }
	return s
}

func fullTranscript(proposalID string) chronicle.Transcript {
	return chronicle.Transcript{
		Votes: []domain.ReviewVote{
			{ProposalID: proposalID, Role: "architect", Round: 1, Verdict: domain.VerdictApproved, ActorID: "a1"},
			{ProposalID: proposalID, Role: "verifier", Round: 1, Verdict: domain.VerdictApproved, ActorID: "a2"},
		},
	}
}

func TestAppendAssignsSequence(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	seq, err := s.Append(ctx, chronicle.AppendInput{
		ProposalID:    "p1",
		BeforeRef:     "snap:0",
		AfterRef:      "snap:1",
		Decision:      "approved",
		Transcript:    fullTranscript("p1"),
		RequiredRoles: []string{"architect", "verifier"},
		ActorID:       "tester",
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if seq != 1 {
		t.Fatalf("expected seq 1, got %d", seq)
	}

	seq, err = s.Append(ctx, chronicle.AppendInput{
		ProposalID:    "p2",
		BeforeRef:     "snap:1",
		AfterRef:      "snap:2",
		Decision:      "approved",
		Transcript:    fullTranscript("p2"),
		RequiredRoles: []string{"architect", "verifier"},
		ActorID:       "tester",
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if seq != 2 {
		t.Fatalf("expected seq 2, got %d", seq)
	}
}

func TestAppendRejectsMissingVote(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, chronicle.AppendInput{
		ProposalID:    "p1",
		Decision:      "approved",
		Transcript:    fullTranscript("p1"),
		RequiredRoles: []string{"architect", "verifier", "curator"},
		ActorID:       "tester",
	})
	var incomplete chronicle.IncompleteReviewRecordError
	if !errors.As(err, &incomplete) {
		t.Fatalf("expected IncompleteReviewRecordError, got %v", err)
	}
	if len(incomplete.MissingRoles) != 1 || incomplete.MissingRoles[0] != "curator" {
		t.Fatalf("unexpected missing roles: %v", incomplete.MissingRoles)
	}

	// Nothing was written.
	n, err := s.Repo.CountRecords(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected empty chronicle, found %d records", n)
	}
}

func TestAppendRejectsEmptyDecision(t *testing.T) {
	s := newStore(t)

	_, err := s.Append(context.Background(), chronicle.AppendInput{
		ProposalID:    "p1",
		Transcript:    fullTranscript("p1"),
		RequiredRoles: []string{"architect", "verifier"},
		ActorID:       "tester",
	})
	var incomplete chronicle.IncompleteReviewRecordError
	if !errors.As(err, &incomplete) {
		t.Fatalf("expected IncompleteReviewRecordError, got %v", err)
	}
}

// Sequence numbers must stay gapless no matter how appends interleave.
func TestConcurrentAppendsGapless(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	const writers = 20
	var g errgroup.Group
	for i := 0; i < writers; i++ {
		g.Go(func() error {
			_, err := s.Append(ctx, chronicle.AppendInput{
				ProposalID:    "p-conc",
				BeforeRef:     "snap:a",
				AfterRef:      "snap:b",
				Decision:      "approved",
				Transcript:    fullTranscript("p-conc"),
				RequiredRoles: []string{"architect", "verifier"},
				ActorID:       "tester",
			})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent append: %v", err)
	}

	records, err := s.Records(ctx, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != writers {
		t.Fatalf("expected %d records, got %d", writers, len(records))
	}
	for i, rec := range records {
		if rec.Seq != int64(i+1) {
			t.Fatalf("gap at position %d: seq %d", i, rec.Seq)
		}
	}
}
