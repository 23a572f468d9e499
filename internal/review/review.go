// Package review runs the propose, vote, debate, consensus protocol for one
// change proposal at a time.
package review

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"gateline/internal/catalogue"
	"gateline/internal/chronicle"
	"gateline/internal/config"
	"gateline/internal/domain"
	"gateline/internal/escalate"
	"gateline/internal/events"
	"gateline/internal/repo"
	"gateline/internal/resolver"
	"gateline/internal/router"
)

// ConsensusDeadlockError reports a proposal whose debate rounds are exhausted
// and whose resolver deferred. The dispute is already escalated when this is
// returned; it is never defaulted to approval or rejection.
type ConsensusDeadlockError struct {
	ProposalID   string
	EscalationID string
}

func (e ConsensusDeadlockError) Error() string {
	return fmt.Sprintf("proposal %s deadlocked after debate; escalation %s raised", e.ProposalID, e.EscalationID)
}

// Who settled a proposal.
const (
	DecidedByReview   = "review"
	DecidedByResolver = "resolver"
	DecidedByHuman    = "human"
)

type Coordinator struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Config     *config.Config
	Router     router.Router
	Chronicle  *chronicle.Store
	Catalogue  catalogue.Store
	Escalation escalate.Manager
	Now        func() time.Time
}

func New(db *sql.DB, cfg *config.Config) *Coordinator {
	return &Coordinator{
		DB:         db,
		Repo:       repo.Repo{DB: db},
		Events:     events.Writer{DB: db},
		Config:     cfg,
		Router:     router.New(db, cfg),
		Chronicle:  chronicle.New(db),
		Catalogue:  catalogue.New(db),
		Escalation: escalate.New(db),
		Now:        time.Now,
	}
}

// SubmitInput carries a completed item's change into review.
type SubmitInput struct {
	ItemID        string
	AuthorRole    string
	TargetEntryID string
	Payload       string
	ActorID       string
}

// Submit opens round 1 for a proposal. The item moves under review in the
// same transaction; a second active proposal for the item is rejected. A
// proposal targeting a catalogue entry expects that entry's head to be a
// draft, which moves under review alongside it.
func (c *Coordinator) Submit(ctx context.Context, in SubmitInput) (domain.ChangeProposal, error) {
	if in.AuthorRole == "" {
		return domain.ChangeProposal{}, fmt.Errorf("author_role required")
	}
	if in.Payload == "" {
		return domain.ChangeProposal{}, fmt.Errorf("payload required")
	}
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ChangeProposal{}, err
	}
	defer tx.Rollback()

	item, err := c.Repo.GetItemTx(ctx, tx, in.ItemID)
	if err != nil {
		return domain.ChangeProposal{}, err
	}
	if len(c.Config.RequiredReviewerRoles(item.PhaseOrdinal)) == 0 {
		return domain.ChangeProposal{}, fmt.Errorf("phase %d has no reviewer roles configured", item.PhaseOrdinal)
	}

	now := c.now().UTC()
	p := domain.ChangeProposal{
		ID:           uuid.NewString(),
		ItemID:       in.ItemID,
		AuthorRole:   in.AuthorRole,
		PayloadJSON:  in.Payload,
		Status:       domain.ProposalReview,
		Round:        1,
		VoteDeadline: c.deadlineFrom(now),
		CreatedAt:    now.Format(time.RFC3339),
		UpdatedAt:    now.Format(time.RFC3339),
	}
	if in.TargetEntryID != "" {
		p.TargetEntryID = &in.TargetEntryID
	}

	if err := c.Router.BeginReview(ctx, tx, in.ItemID, p.ID, in.ActorID); err != nil {
		return domain.ChangeProposal{}, err
	}
	if err := c.Repo.InsertProposalTx(ctx, tx, p); err != nil {
		return domain.ChangeProposal{}, fmt.Errorf("insert proposal: %w", err)
	}
	if in.TargetEntryID != "" {
		if err := c.Catalogue.MarkUnderReview(ctx, tx, in.TargetEntryID, in.ActorID); err != nil {
			return domain.ChangeProposal{}, err
		}
	}
	if err := c.Events.Append(ctx, tx, "proposal.submit", "proposal", p.ID, in.ActorID,
		events.EventPayload{"item_id": in.ItemID, "author_role": in.AuthorRole}); err != nil {
		return domain.ChangeProposal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ChangeProposal{}, err
	}
	return p, nil
}

// VoteInput is one reviewer role's verdict for the current round.
type VoteInput struct {
	ProposalID string
	Role       string
	Verdict    string
	Rationale  string
	ActorID    string
}

// VoteOutcome reports what the vote did to the round.
type VoteOutcome struct {
	Proposal     domain.ChangeProposal `json:"proposal"`
	RoundClosed  bool                  `json:"round_closed"`
	Seq          int64                 `json:"seq,omitempty"`
	EscalationID string                `json:"escalation_id,omitempty"`
}

// RecordVote stores a verdict and, when every required role has voted in the
// current round, classifies and settles the round. Votes are idempotent per
// (proposal, role, round): a duplicate overwrites.
func (c *Coordinator) RecordVote(ctx context.Context, in VoteInput) (VoteOutcome, error) {
	switch in.Verdict {
	case domain.VerdictApproved, domain.VerdictRequestedChange, domain.VerdictObjection:
	default:
		return VoteOutcome{}, fmt.Errorf("unknown verdict %q", in.Verdict)
	}

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return VoteOutcome{}, err
	}
	defer tx.Rollback()

	p, err := c.Repo.GetProposalTx(ctx, tx, in.ProposalID)
	if err != nil {
		return VoteOutcome{}, err
	}
	if p.Status != domain.ProposalReview {
		return VoteOutcome{}, fmt.Errorf("proposal %s is %s, not collecting votes", p.ID, p.Status)
	}
	item, err := c.Repo.GetItemTx(ctx, tx, p.ItemID)
	if err != nil {
		return VoteOutcome{}, err
	}
	required := c.Config.RequiredReviewerRoles(item.PhaseOrdinal)
	if !contains(required, in.Role) {
		return VoteOutcome{}, fmt.Errorf("role %q is not a required reviewer for phase %d", in.Role, item.PhaseOrdinal)
	}
	if err := c.checkRoleAuthority(ctx, tx, in.ActorID, in.Role); err != nil {
		return VoteOutcome{}, err
	}

	now := c.now().UTC().Format(time.RFC3339)
	if err := c.Repo.UpsertVoteTx(ctx, tx, domain.ReviewVote{
		ProposalID: p.ID,
		Role:       in.Role,
		Round:      p.Round,
		Verdict:    in.Verdict,
		Rationale:  in.Rationale,
		ActorID:    in.ActorID,
		TS:         now,
	}); err != nil {
		return VoteOutcome{}, fmt.Errorf("record vote: %w", err)
	}
	if err := c.Events.Append(ctx, tx, "proposal.vote", "proposal", p.ID, in.ActorID,
		events.EventPayload{"role": in.Role, "round": p.Round, "verdict": in.Verdict}); err != nil {
		return VoteOutcome{}, err
	}

	votes, err := c.Repo.ListVotesTx(ctx, tx, p.ID, p.Round)
	if err != nil {
		return VoteOutcome{}, err
	}
	if !allVoted(required, votes) {
		if err := tx.Commit(); err != nil {
			return VoteOutcome{}, err
		}
		return VoteOutcome{Proposal: p}, nil
	}

	outcome, deadlock, err := c.settleRound(ctx, tx, &p, item, votes, in.ActorID)
	if err != nil {
		return VoteOutcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return VoteOutcome{}, err
	}
	if deadlock != nil {
		return outcome, *deadlock
	}
	return outcome, nil
}

// settleRound classifies a complete round: all approved settles the
// proposal; any objection opens debate while rounds remain, then hands the
// split to the resolver; requested changes with no objection return the
// proposal to its author.
func (c *Coordinator) settleRound(ctx context.Context, tx *sql.Tx, p *domain.ChangeProposal, item domain.WorkItem, votes []domain.ReviewVote, actorID string) (VoteOutcome, *ConsensusDeadlockError, error) {
	now := c.now().UTC().Format(time.RFC3339)
	approvals, changes, objections := tally(votes)

	switch {
	case objections == 0 && changes == 0:
		seq, err := c.finalize(ctx, tx, p, item, true, DecidedByReview, "approved by unanimous review", "", actorID)
		if err != nil {
			return VoteOutcome{}, nil, err
		}
		return VoteOutcome{Proposal: *p, RoundClosed: true, Seq: seq}, nil, nil

	case objections == 0:
		// Requested changes, no objection: back to the author. The re-run
		// after revision is not a debate round.
		p.Status = domain.ProposalRevision
		p.VoteDeadline = ""
		p.UpdatedAt = now
		if err := c.Repo.UpdateProposalTx(ctx, tx, *p); err != nil {
			return VoteOutcome{}, nil, err
		}
		if err := c.Router.Rework(ctx, tx, item.ID, actorID); err != nil {
			return VoteOutcome{}, nil, err
		}
		if err := c.Events.Append(ctx, tx, "proposal.revision", "proposal", p.ID, actorID,
			events.EventPayload{"round": p.Round, "requested_changes": changes}); err != nil {
			return VoteOutcome{}, nil, err
		}
		return VoteOutcome{Proposal: *p, RoundClosed: true}, nil, nil

	case p.DebateRounds < c.Config.Review.MaxDebateRounds:
		p.Status = domain.ProposalDebate
		p.DebateRounds++
		p.VoteDeadline = ""
		p.UpdatedAt = now
		if err := c.Repo.UpdateProposalTx(ctx, tx, *p); err != nil {
			return VoteOutcome{}, nil, err
		}
		if err := c.Events.Append(ctx, tx, "proposal.debate", "proposal", p.ID, actorID,
			events.EventPayload{"debate_round": p.DebateRounds, "approvals": approvals, "objections": objections}); err != nil {
			return VoteOutcome{}, nil, err
		}
		return VoteOutcome{Proposal: *p, RoundClosed: true}, nil, nil

	default:
		return c.resolveDeadlock(ctx, tx, p, item, votes, actorID)
	}
}

// resolveDeadlock asks the resolver for a binding decision once debate is
// exhausted. A deferred resolution escalates and blocks the item.
func (c *Coordinator) resolveDeadlock(ctx context.Context, tx *sql.Tx, p *domain.ChangeProposal, item domain.WorkItem, votes []domain.ReviewVote, actorID string) (VoteOutcome, *ConsensusDeadlockError, error) {
	statements, err := c.Repo.ListPositionsTx(ctx, tx, p.ID, p.DebateRounds)
	if err != nil {
		return VoteOutcome{}, nil, err
	}
	positions := resolver.PositionsFromVotes(votes, statements)
	decision := resolver.Decide(positions, c.Config.SafetyPriority(item.PhaseOrdinal))

	switch decision.Outcome {
	case resolver.OutcomeApprove:
		seq, err := c.finalize(ctx, tx, p, item, true, DecidedByResolver, decision.Rationale, decision.Rule, actorID)
		if err != nil {
			return VoteOutcome{}, nil, err
		}
		return VoteOutcome{Proposal: *p, RoundClosed: true, Seq: seq}, nil, nil
	case resolver.OutcomeReject:
		seq, err := c.finalize(ctx, tx, p, item, false, DecidedByResolver, decision.Rationale, decision.Rule, actorID)
		if err != nil {
			return VoteOutcome{}, nil, err
		}
		return VoteOutcome{Proposal: *p, RoundClosed: true, Seq: seq}, nil, nil
	default:
		esc, err := c.Escalation.Raise(ctx, tx, escalate.RaiseInput{
			SubjectKind: escalate.SubjectProposal,
			SubjectID:   p.ID,
			ItemID:      item.ID,
			Reason:      "consensus deadlock: " + decision.Rationale,
			Positions:   positions,
			ActorID:     actorID,
		})
		if err != nil {
			return VoteOutcome{}, nil, err
		}
		p.UpdatedAt = c.now().UTC().Format(time.RFC3339)
		p.VoteDeadline = ""
		if err := c.Repo.UpdateProposalTx(ctx, tx, *p); err != nil {
			return VoteOutcome{}, nil, err
		}
		deadlock := &ConsensusDeadlockError{ProposalID: p.ID, EscalationID: esc.ID}
		return VoteOutcome{Proposal: *p, RoundClosed: true, EscalationID: esc.ID}, deadlock, nil
	}
}

// finalize settles a proposal and writes the chronicle record in the same
// transaction. No proposal reaches a settled status without its record.
func (c *Coordinator) finalize(ctx context.Context, tx *sql.Tx, p *domain.ChangeProposal, item domain.WorkItem, approved bool, decidedBy, decision, resolverRule, actorID string) (int64, error) {
	now := c.now().UTC().Format(time.RFC3339)
	required := c.Config.RequiredReviewerRoles(item.PhaseOrdinal)

	allVotes, err := c.Repo.ListVotesTx(ctx, tx, p.ID, 0)
	if err != nil {
		return 0, err
	}
	statements, err := c.Repo.ListPositionsTx(ctx, tx, p.ID, 0)
	if err != nil {
		return 0, err
	}
	finalVotes, err := c.Repo.ListVotesTx(ctx, tx, p.ID, p.Round)
	if err != nil {
		return 0, err
	}

	var refs []string
	before, after := "none", "none"
	if p.TargetEntryID != nil {
		head, err := c.Repo.HeadEntryTx(ctx, tx, *p.TargetEntryID)
		if err != nil {
			return 0, err
		}
		if head.Supersedes != nil {
			before = fmt.Sprintf("%s@%d", head.ID, *head.Supersedes)
		}
		if approved {
			after = fmt.Sprintf("%s@%d", head.ID, head.Version)
			refs = append(refs, after)
		} else {
			before = fmt.Sprintf("%s@%d", head.ID, head.Version)
		}
	}

	transcript := chronicle.Transcript{Votes: allVotes, Positions: statements, Resolver: resolverRule}
	// The transcript is validated against the final round's vote set; earlier
	// rounds ride along for the record.
	transcript.Votes = append(finalVotes, earlierRounds(allVotes, p.Round)...)

	seq, err := c.Chronicle.AppendTx(ctx, tx, chronicle.AppendInput{
		ProposalID:    p.ID,
		BeforeRef:     before,
		AfterRef:      after,
		Decision:      fmt.Sprintf("%s: %s", decidedBy, decision),
		CatalogueRefs: refs,
		Transcript:    transcript,
		RequiredRoles: required,
		ActorID:       actorID,
	})
	if err != nil {
		return 0, err
	}

	if approved {
		if p.TargetEntryID != nil {
			if err := c.Catalogue.Approve(ctx, tx, *p.TargetEntryID, actorID); err != nil {
				return 0, err
			}
		}
		if err := c.Router.MarkDone(ctx, tx, item.ID, actorID); err != nil {
			return 0, err
		}
		p.Status = domain.ProposalCommitted
	} else {
		if p.TargetEntryID != nil {
			if err := c.Catalogue.ReleaseReview(ctx, tx, *p.TargetEntryID, domain.EntryInvalid, actorID); err != nil {
				return 0, err
			}
		}
		if err := c.Router.Return(ctx, tx, item.ID, actorID); err != nil {
			return 0, err
		}
		p.Status = domain.ProposalRejected
	}
	p.DecidedBy = decidedBy
	p.Decision = decision
	p.VoteDeadline = ""
	p.UpdatedAt = now
	if err := c.Repo.UpdateProposalTx(ctx, tx, *p); err != nil {
		return 0, err
	}
	return seq, c.Events.Append(ctx, tx, "proposal.settle", "proposal", p.ID, actorID,
		events.EventPayload{"status": p.Status, "decided_by": decidedBy, "seq": seq})
}

// PositionInput is one role's debate statement. Evidence is mandatory: a
// position must cite a catalogue reference, prior decision, or test.
type PositionInput struct {
	ProposalID  string
	Role        string
	Statement   string
	EvidenceRef string
	ActorID     string
}

// RecordPosition files a statement for the current debate round. Once every
// required role has filed, the proposal re-enters voting with a fresh round.
// The proposer may revise a filed position before the round closes.
func (c *Coordinator) RecordPosition(ctx context.Context, in PositionInput) (domain.ChangeProposal, error) {
	if in.EvidenceRef == "" {
		return domain.ChangeProposal{}, fmt.Errorf("evidence_ref required: cite a catalogue entry, prior decision, or test")
	}
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ChangeProposal{}, err
	}
	defer tx.Rollback()

	p, err := c.Repo.GetProposalTx(ctx, tx, in.ProposalID)
	if err != nil {
		return domain.ChangeProposal{}, err
	}
	if p.Status != domain.ProposalDebate {
		return domain.ChangeProposal{}, fmt.Errorf("proposal %s is %s, not in debate", p.ID, p.Status)
	}
	item, err := c.Repo.GetItemTx(ctx, tx, p.ItemID)
	if err != nil {
		return domain.ChangeProposal{}, err
	}
	required := c.Config.RequiredReviewerRoles(item.PhaseOrdinal)
	if !contains(required, in.Role) && in.Role != p.AuthorRole {
		return domain.ChangeProposal{}, fmt.Errorf("role %q has no seat in this debate", in.Role)
	}
	if err := c.checkRoleAuthority(ctx, tx, in.ActorID, in.Role); err != nil {
		return domain.ChangeProposal{}, err
	}

	now := c.now().UTC()
	if err := c.Repo.UpsertPositionTx(ctx, tx, domain.DebatePosition{
		ProposalID:  p.ID,
		DebateRound: p.DebateRounds,
		Role:        in.Role,
		Statement:   in.Statement,
		EvidenceRef: in.EvidenceRef,
		ActorID:     in.ActorID,
		TS:          now.Format(time.RFC3339),
	}); err != nil {
		return domain.ChangeProposal{}, fmt.Errorf("record position: %w", err)
	}
	if err := c.Events.Append(ctx, tx, "proposal.position", "proposal", p.ID, in.ActorID,
		events.EventPayload{"role": in.Role, "debate_round": p.DebateRounds}); err != nil {
		return domain.ChangeProposal{}, err
	}

	statements, err := c.Repo.ListPositionsTx(ctx, tx, p.ID, p.DebateRounds)
	if err != nil {
		return domain.ChangeProposal{}, err
	}
	filed := make(map[string]bool, len(statements))
	for _, s := range statements {
		filed[s.Role] = true
	}
	ready := true
	for _, role := range required {
		if !filed[role] {
			ready = false
			break
		}
	}
	if ready {
		// Debate closes into a fresh vote round.
		p.Status = domain.ProposalReview
		p.Round++
		p.VoteDeadline = c.deadlineFrom(now)
		p.UpdatedAt = now.Format(time.RFC3339)
		if err := c.Repo.UpdateProposalTx(ctx, tx, p); err != nil {
			return domain.ChangeProposal{}, err
		}
		if err := c.Events.Append(ctx, tx, "proposal.revote", "proposal", p.ID, in.ActorID,
			events.EventPayload{"round": p.Round, "debate_round": p.DebateRounds}); err != nil {
			return domain.ChangeProposal{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.ChangeProposal{}, err
	}
	return p, nil
}

// ReviseInput is the author's revised payload after requested changes.
type ReviseInput struct {
	ProposalID   string
	Payload      string
	EntryContent string
	ActorID      string
}

// Revise re-enters round voting with the revised payload. The re-run is not
// counted against the debate budget.
func (c *Coordinator) Revise(ctx context.Context, in ReviseInput) (domain.ChangeProposal, error) {
	if in.Payload == "" {
		return domain.ChangeProposal{}, fmt.Errorf("payload required")
	}
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ChangeProposal{}, err
	}
	defer tx.Rollback()

	p, err := c.Repo.GetProposalTx(ctx, tx, in.ProposalID)
	if err != nil {
		return domain.ChangeProposal{}, err
	}
	if p.Status != domain.ProposalRevision {
		return domain.ChangeProposal{}, fmt.Errorf("proposal %s is %s, revision not requested", p.ID, p.Status)
	}
	item, err := c.Repo.GetItemTx(ctx, tx, p.ItemID)
	if err != nil {
		return domain.ChangeProposal{}, err
	}

	now := c.now().UTC()
	if p.TargetEntryID != nil && in.EntryContent != "" {
		note := fmt.Sprintf("revision %d of proposal %s", p.Revision+1, p.ID)
		if _, err := c.Catalogue.ReviseUnderReview(ctx, tx, *p.TargetEntryID, in.EntryContent, note, in.ActorID); err != nil {
			return domain.ChangeProposal{}, err
		}
	}
	p.PayloadJSON = in.Payload
	p.Revision++
	p.Round++
	p.Status = domain.ProposalReview
	p.VoteDeadline = c.deadlineFrom(now)
	p.UpdatedAt = now.Format(time.RFC3339)
	if err := c.Repo.UpdateProposalTx(ctx, tx, p); err != nil {
		return domain.ChangeProposal{}, err
	}
	if err := c.Router.ResumeReview(ctx, tx, item.ID, p.ID, in.ActorID); err != nil {
		return domain.ChangeProposal{}, err
	}
	if err := c.Events.Append(ctx, tx, "proposal.revise", "proposal", p.ID, in.ActorID,
		events.EventPayload{"revision": p.Revision, "round": p.Round}); err != nil {
		return domain.ChangeProposal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ChangeProposal{}, err
	}
	return p, nil
}

// Withdraw cancels a proposal before consensus. Votes and debate are
// discarded without side effects and the item returns to pending.
func (c *Coordinator) Withdraw(ctx context.Context, proposalID, actorID string) (domain.ChangeProposal, error) {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ChangeProposal{}, err
	}
	defer tx.Rollback()

	p, err := c.Repo.GetProposalTx(ctx, tx, proposalID)
	if err != nil {
		return domain.ChangeProposal{}, err
	}
	switch p.Status {
	case domain.ProposalReview, domain.ProposalRevision, domain.ProposalDebate, domain.ProposalProposed:
	default:
		return domain.ChangeProposal{}, fmt.Errorf("proposal %s is %s, too late to withdraw", p.ID, p.Status)
	}

	if err := c.Repo.DeleteVotesTx(ctx, tx, p.ID); err != nil {
		return domain.ChangeProposal{}, err
	}
	if err := c.Repo.DeletePositionsTx(ctx, tx, p.ID); err != nil {
		return domain.ChangeProposal{}, err
	}
	if p.TargetEntryID != nil {
		if err := c.Catalogue.ReleaseReview(ctx, tx, *p.TargetEntryID, domain.EntryDraft, actorID); err != nil {
			return domain.ChangeProposal{}, err
		}
	}
	now := c.now().UTC().Format(time.RFC3339)
	p.Status = domain.ProposalWithdrawn
	p.VoteDeadline = ""
	p.UpdatedAt = now
	if err := c.Repo.UpdateProposalTx(ctx, tx, p); err != nil {
		return domain.ChangeProposal{}, err
	}
	if err := c.Router.Return(ctx, tx, p.ItemID, actorID); err != nil {
		return domain.ChangeProposal{}, err
	}
	if err := c.Events.Append(ctx, tx, "proposal.withdraw", "proposal", p.ID, actorID, nil); err != nil {
		return domain.ChangeProposal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ChangeProposal{}, err
	}
	return p, nil
}

// Human resolution outcomes.
const (
	ResolutionApprove = "approve"
	ResolutionReject  = "reject"
	ResolutionResume  = "resume"
)

// ResolveByHuman settles a proposal whose dispute was escalated and decided
// by the human decision interface. Approval still requires a complete vote
// set for the final round; when votes are missing the human may reject the
// proposal or resume voting, never approve it.
func (c *Coordinator) ResolveByHuman(ctx context.Context, proposalID, outcome, decision, actorID string) (domain.ChangeProposal, int64, error) {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ChangeProposal{}, 0, err
	}
	defer tx.Rollback()

	p, err := c.Repo.GetProposalTx(ctx, tx, proposalID)
	if err != nil {
		return domain.ChangeProposal{}, 0, err
	}
	switch p.Status {
	case domain.ProposalReview, domain.ProposalDebate:
	default:
		return domain.ChangeProposal{}, 0, fmt.Errorf("proposal %s is %s, nothing to resolve", p.ID, p.Status)
	}
	item, err := c.Repo.GetItemTx(ctx, tx, p.ItemID)
	if err != nil {
		return domain.ChangeProposal{}, 0, err
	}
	votes, err := c.Repo.ListVotesTx(ctx, tx, p.ID, p.Round)
	if err != nil {
		return domain.ChangeProposal{}, 0, err
	}
	complete := allVoted(c.Config.RequiredReviewerRoles(item.PhaseOrdinal), votes)

	now := c.now().UTC()
	var seq int64
	switch outcome {
	case ResolutionApprove:
		if !complete {
			return domain.ChangeProposal{}, 0, fmt.Errorf("proposal %s cannot be approved with required votes missing", p.ID)
		}
		seq, err = c.finalize(ctx, tx, &p, item, true, DecidedByHuman, decision, "", actorID)
	case ResolutionReject:
		if complete {
			seq, err = c.finalize(ctx, tx, &p, item, false, DecidedByHuman, decision, "", actorID)
			break
		}
		// No chronicle record without a full vote set: the proposal is
		// rejected, the item returned, and the escalation holds the decision.
		if p.TargetEntryID != nil {
			if err := c.Catalogue.ReleaseReview(ctx, tx, *p.TargetEntryID, domain.EntryInvalid, actorID); err != nil {
				return domain.ChangeProposal{}, 0, err
			}
		}
		p.Status = domain.ProposalRejected
		p.DecidedBy = DecidedByHuman
		p.Decision = decision
		p.VoteDeadline = ""
		p.UpdatedAt = now.Format(time.RFC3339)
		if err := c.Repo.UpdateProposalTx(ctx, tx, p); err != nil {
			return domain.ChangeProposal{}, 0, err
		}
		if err := c.Router.Return(ctx, tx, item.ID, actorID); err != nil {
			return domain.ChangeProposal{}, 0, err
		}
		err = c.Events.Append(ctx, tx, "proposal.settle", "proposal", p.ID, actorID,
			events.EventPayload{"status": p.Status, "decided_by": DecidedByHuman})
	case ResolutionResume:
		p.Status = domain.ProposalReview
		p.VoteRetries = 0
		p.VoteDeadline = c.deadlineFrom(now)
		p.UpdatedAt = now.Format(time.RFC3339)
		if err := c.Repo.UpdateProposalTx(ctx, tx, p); err != nil {
			return domain.ChangeProposal{}, 0, err
		}
		if item.Status == domain.ItemBlocked {
			if err := c.Router.ResumeReview(ctx, tx, item.ID, p.ID, actorID); err != nil {
				return domain.ChangeProposal{}, 0, err
			}
		}
		err = c.Events.Append(ctx, tx, "proposal.resume", "proposal", p.ID, actorID,
			events.EventPayload{"round": p.Round, "deadline": p.VoteDeadline})
	default:
		return domain.ChangeProposal{}, 0, fmt.Errorf("unknown resolution outcome %q", outcome)
	}
	if err != nil {
		return domain.ChangeProposal{}, 0, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ChangeProposal{}, 0, err
	}
	return p, seq, nil
}

// HandleOverdue bumps or escalates one proposal whose vote deadline passed.
// Deadlines back off exponentially until the retry budget runs out; after
// that the missing votes become an escalation, never a silent pass.
func (c *Coordinator) HandleOverdue(ctx context.Context, proposalID, actorID string) (escalated bool, err error) {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	p, err := c.Repo.GetProposalTx(ctx, tx, proposalID)
	if err != nil {
		return false, err
	}
	if p.Status != domain.ProposalReview || p.VoteDeadline == "" {
		return false, nil
	}
	now := c.now().UTC()
	deadline, err := time.Parse(time.RFC3339, p.VoteDeadline)
	if err != nil {
		return false, fmt.Errorf("parse deadline: %w", err)
	}
	if now.Before(deadline) {
		return false, nil
	}

	item, err := c.Repo.GetItemTx(ctx, tx, p.ItemID)
	if err != nil {
		return false, err
	}

	if p.VoteRetries < c.Config.Review.MaxVoteRetries {
		p.VoteRetries++
		p.VoteDeadline = now.Add(c.retryInterval(p.VoteRetries)).Format(time.RFC3339)
		p.UpdatedAt = now.Format(time.RFC3339)
		if err := c.Repo.UpdateProposalTx(ctx, tx, p); err != nil {
			return false, err
		}
		if err := c.Events.Append(ctx, tx, "proposal.vote.retry", "proposal", p.ID, actorID,
			events.EventPayload{"retry": p.VoteRetries, "deadline": p.VoteDeadline}); err != nil {
			return false, err
		}
		return false, tx.Commit()
	}

	votes, err := c.Repo.ListVotesTx(ctx, tx, p.ID, p.Round)
	if err != nil {
		return false, err
	}
	voted := make(map[string]bool, len(votes))
	for _, v := range votes {
		voted[v.Role] = true
	}
	var missing []string
	for _, role := range c.Config.RequiredReviewerRoles(item.PhaseOrdinal) {
		if !voted[role] {
			missing = append(missing, role)
		}
	}
	if _, err := c.Escalation.Raise(ctx, tx, escalate.RaiseInput{
		SubjectKind: escalate.SubjectProposal,
		SubjectID:   p.ID,
		ItemID:      item.ID,
		Reason:      fmt.Sprintf("vote retries exhausted; missing votes from %v", missing),
		ActorID:     actorID,
	}); err != nil {
		return false, err
	}
	p.VoteDeadline = ""
	p.UpdatedAt = now.Format(time.RFC3339)
	if err := c.Repo.UpdateProposalTx(ctx, tx, p); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// retryInterval derives the n-th retry window from an exponential backoff
// seeded with the configured vote deadline.
func (c *Coordinator) retryInterval(retry int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(c.Config.Review.VoteDeadlineSeconds) * time.Second
	b.RandomizationFactor = 0
	b.MaxInterval = 24 * time.Hour
	b.MaxElapsedTime = 0
	interval := b.NextBackOff()
	for i := 1; i < retry; i++ {
		interval = b.NextBackOff()
	}
	return interval
}

func (c *Coordinator) deadlineFrom(now time.Time) string {
	return now.Add(time.Duration(c.Config.Review.VoteDeadlineSeconds) * time.Second).Format(time.RFC3339)
}

func (c *Coordinator) Get(ctx context.Context, proposalID string) (domain.ChangeProposal, error) {
	return c.Repo.GetProposal(ctx, proposalID)
}

func (c *Coordinator) Votes(ctx context.Context, proposalID string) ([]domain.ReviewVote, error) {
	return c.Repo.ListVotes(ctx, proposalID, 0)
}

func (c *Coordinator) Positions(ctx context.Context, proposalID string) ([]domain.DebatePosition, error) {
	return c.Repo.ListPositions(ctx, proposalID, 0)
}

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// checkRoleAuthority rejects a vote or position cast under a role the actor
// does not hold. Actors with no bindings at all are trusted local operators
// and pass unchecked.
func (c *Coordinator) checkRoleAuthority(ctx context.Context, tx *sql.Tx, actorID, role string) error {
	bound, err := c.Repo.ActorRolesTx(ctx, tx, actorID)
	if err != nil {
		return err
	}
	if len(bound) == 0 || contains(bound, role) {
		return nil
	}
	return fmt.Errorf("actor %s does not hold role %q", actorID, role)
}

func contains(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

func allVoted(required []string, votes []domain.ReviewVote) bool {
	voted := make(map[string]bool, len(votes))
	for _, v := range votes {
		voted[v.Role] = true
	}
	for _, role := range required {
		if !voted[role] {
			return false
		}
	}
	return true
}

func tally(votes []domain.ReviewVote) (approvals, changes, objections int) {
	for _, v := range votes {
		switch v.Verdict {
		case domain.VerdictApproved:
			approvals++
		case domain.VerdictRequestedChange:
			changes++
		case domain.VerdictObjection:
			objections++
		}
	}
	return approvals, changes, objections
}

func earlierRounds(votes []domain.ReviewVote, finalRound int) []domain.ReviewVote {
	var out []domain.ReviewVote
	for _, v := range votes {
		if v.Round != finalRound {
			out = append(out, v)
		}
	}
	return out
}
