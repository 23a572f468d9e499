// Package resolver renders binding decisions when reviewers stay split after
// the debate rounds are exhausted.
package resolver

import (
	"sort"
	"strings"

	"gateline/internal/config"
	"gateline/internal/domain"
)

// Outcome of a resolver decision.
const (
	OutcomeApprove = "approve"
	OutcomeReject  = "reject"
	OutcomeDefer   = "defer"
)

// Position is one role's stance entering resolution.
type Position struct {
	Role        string `json:"role"`
	Verdict     string `json:"verdict"`
	Statement   string `json:"statement,omitempty"`
	EvidenceRef string `json:"evidence_ref,omitempty"`
}

// Decision is the resolver's output. Outcome defer means no automatic
// resolution was possible and the dispute must be escalated.
type Decision struct {
	Outcome   string `json:"outcome"`
	Rule      string `json:"rule"`
	Rationale string `json:"rationale"`
}

// Decide applies the phase's safety priority first, then the conservatism
// tie-break. It is deterministic: the same positions and priority always
// produce the same decision.
//
// The conservatism rule treats any verdict other than approved as the option
// that changes less existing behavior, so a persistent split resolves to
// reject unless the safety priority says otherwise.
func Decide(positions []Position, safetyPriority string) Decision {
	if len(positions) == 0 {
		return Decision{Outcome: OutcomeDefer, Rule: "no-positions", Rationale: "no positions to weigh"}
	}

	sorted := make([]Position, len(positions))
	copy(sorted, positions)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Role < sorted[j].Role })

	objections, approvals := split(sorted)
	if len(objections) == 0 {
		return Decision{Outcome: OutcomeApprove, Rule: "unanimous", Rationale: "no objection on record"}
	}
	if len(approvals) == 0 {
		return Decision{Outcome: OutcomeReject, Rule: "unanimous", Rationale: "no approval on record"}
	}

	// Split vote: let the phase priority pick a side when the evidence on one
	// side speaks to that priority and the other side's does not. Evidence
	// that does not match the priority carries no weight here.
	objEv := citesPriorityEvidence(objections, safetyPriority)
	appEv := citesPriorityEvidence(approvals, safetyPriority)
	switch safetyPriority {
	case config.PriorityTestability, config.PriorityFidelity:
		if objEv && !appEv {
			return Decision{
				Outcome:   OutcomeReject,
				Rule:      "priority:" + safetyPriority,
				Rationale: "objection cites evidence under the phase priority; approval does not",
			}
		}
		if appEv && !objEv {
			return Decision{
				Outcome:   OutcomeApprove,
				Rule:      "priority:" + safetyPriority,
				Rationale: "approval cites evidence under the phase priority; objection does not",
			}
		}
		if objEv && appEv {
			// Conflicting evidence cannot be ranked automatically.
			return Decision{Outcome: OutcomeDefer, Rule: "undecidable", Rationale: "both sides cite evidence"}
		}
	case config.PriorityQuality:
		// Late phases weigh polish against churn: an evidence-backed approval
		// may carry, but an evidence-backed objection always blocks.
		if objEv {
			return Decision{
				Outcome:   OutcomeReject,
				Rule:      "priority:quality",
				Rationale: "objection cites evidence in a quality phase",
			}
		}
		if appEv {
			return Decision{
				Outcome:   OutcomeApprove,
				Rule:      "priority:quality",
				Rationale: "approval cites evidence and no objection does",
			}
		}
	}

	// Neither side cites evidence the priority can weigh: rejecting the
	// proposal changes nothing that already exists.
	return Decision{
		Outcome:   OutcomeReject,
		Rule:      "conservative",
		Rationale: "split vote; rejection preserves existing behavior",
	}
}

// citesPriorityEvidence reports whether any position cites evidence of the
// kind the phase priority weighs: test citations for testability, catalogue
// and prior-decision citations for fidelity, any citation for quality.
func citesPriorityEvidence(positions []Position, safetyPriority string) bool {
	for _, p := range positions {
		if p.EvidenceRef == "" {
			continue
		}
		switch safetyPriority {
		case config.PriorityTestability:
			if strings.HasPrefix(p.EvidenceRef, "test:") {
				return true
			}
		case config.PriorityFidelity:
			if strings.HasPrefix(p.EvidenceRef, "catalogue:") || strings.HasPrefix(p.EvidenceRef, "decision:") {
				return true
			}
		case config.PriorityQuality:
			return true
		}
	}
	return false
}

// PositionsFromVotes builds resolver positions from the final round's votes,
// enriched with any debate statements the same roles filed.
func PositionsFromVotes(votes []domain.ReviewVote, statements []domain.DebatePosition) []Position {
	byRole := make(map[string]domain.DebatePosition, len(statements))
	for _, s := range statements {
		byRole[s.Role] = s
	}
	out := make([]Position, 0, len(votes))
	for _, v := range votes {
		p := Position{Role: v.Role, Verdict: v.Verdict}
		if s, ok := byRole[v.Role]; ok {
			p.Statement = s.Statement
			p.EvidenceRef = s.EvidenceRef
		}
		out = append(out, p)
	}
	return out
}

func split(positions []Position) (objections, approvals []Position) {
	for _, p := range positions {
		if p.Verdict == domain.VerdictApproved {
			approvals = append(approvals, p)
		} else {
			objections = append(objections, p)
		}
	}
	return objections, approvals
}
