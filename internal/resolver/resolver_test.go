package resolver

import (
	"testing"

	"gateline/internal/config"
	"gateline/internal/domain"
)

func TestDecideUnanimous(t *testing.T) {
	d := Decide([]Position{
		{Role: "architect", Verdict: domain.VerdictApproved},
		{Role: "verifier", Verdict: domain.VerdictApproved},
	}, config.PriorityFidelity)
	if d.Outcome != OutcomeApprove {
		t.Fatalf("expected approve, got %s (%s)", d.Outcome, d.Rule)
	}

	d = Decide([]Position{
		{Role: "architect", Verdict: domain.VerdictObjection},
		{Role: "verifier", Verdict: domain.VerdictObjection},
	}, config.PriorityFidelity)
	if d.Outcome != OutcomeReject {
		t.Fatalf("expected reject, got %s (%s)", d.Outcome, d.Rule)
	}
}

func TestDecideSplitConservative(t *testing.T) {
	// Neither side cites evidence: rejection changes nothing, so it wins.
	d := Decide([]Position{
		{Role: "architect", Verdict: domain.VerdictApproved},
		{Role: "verifier", Verdict: domain.VerdictObjection},
	}, config.PriorityFidelity)
	if d.Outcome != OutcomeReject {
		t.Fatalf("expected reject, got %s (%s)", d.Outcome, d.Rule)
	}
	if d.Rule != "conservative" {
		t.Fatalf("expected conservative rule, got %s", d.Rule)
	}
}

func TestDecidePriorityEvidence(t *testing.T) {
	d := Decide([]Position{
		{Role: "architect", Verdict: domain.VerdictApproved, EvidenceRef: "test:unit-4"},
		{Role: "verifier", Verdict: domain.VerdictObjection, EvidenceRef: "catalogue:R-004@2"},
	}, config.PriorityTestability)
	if d.Outcome != OutcomeApprove {
		t.Fatalf("expected approve, got %s (%s)", d.Outcome, d.Rule)
	}
	if d.Rule != "priority:testability" {
		t.Fatalf("unexpected rule %s", d.Rule)
	}
}

func TestDecideQualityObjectionBlocks(t *testing.T) {
	d := Decide([]Position{
		{Role: "architect", Verdict: domain.VerdictApproved, EvidenceRef: "catalogue:R-010@1"},
		{Role: "verifier", Verdict: domain.VerdictObjection, EvidenceRef: "test:regression-17"},
	}, config.PriorityQuality)
	if d.Outcome != OutcomeReject {
		t.Fatalf("expected reject, got %s (%s)", d.Outcome, d.Rule)
	}
}

func TestDecideDeterministic(t *testing.T) {
	positions := []Position{
		{Role: "verifier", Verdict: domain.VerdictObjection, EvidenceRef: "test:smoke-3"},
		{Role: "architect", Verdict: domain.VerdictApproved},
	}
	first := Decide(positions, config.PriorityFidelity)
	for i := 0; i < 10; i++ {
		if got := Decide(positions, config.PriorityFidelity); got != first {
			t.Fatalf("decision changed between calls: %+v vs %+v", first, got)
		}
	}
}

func TestDecideConflictingEvidenceDefers(t *testing.T) {
	d := Decide([]Position{
		{Role: "architect", Verdict: domain.VerdictApproved, EvidenceRef: "catalogue:R-004@2"},
		{Role: "verifier", Verdict: domain.VerdictObjection, EvidenceRef: "decision:seq-12"},
	}, config.PriorityFidelity)
	if d.Outcome != OutcomeDefer {
		t.Fatalf("expected defer, got %s (%s)", d.Outcome, d.Rule)
	}
}

func TestDecideEmptyDefers(t *testing.T) {
	d := Decide(nil, config.PriorityFidelity)
	if d.Outcome != OutcomeDefer {
		t.Fatalf("expected defer, got %s", d.Outcome)
	}
}

func TestPositionsFromVotes(t *testing.T) {
	votes := []domain.ReviewVote{
		{ProposalID: "p1", Role: "architect", Verdict: domain.VerdictApproved},
		{ProposalID: "p1", Role: "verifier", Verdict: domain.VerdictObjection},
	}
	statements := []domain.DebatePosition{
		{ProposalID: "p1", Role: "verifier", Statement: "breaks rule R-4", EvidenceRef: "catalogue:R-004@1"},
	}
	positions := PositionsFromVotes(votes, statements)
	if len(positions) != 2 {
		t.Fatalf("expected 2 positions, got %d", len(positions))
	}
	for _, p := range positions {
		if p.Role == "verifier" && p.EvidenceRef != "catalogue:R-004@1" {
			t.Fatalf("verifier evidence not carried over: %+v", p)
		}
	}
}
