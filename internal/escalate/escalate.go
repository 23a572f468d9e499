// Package escalate routes undecidable cases to a human decision point.
// Escalations never expire; a human decision is authoritative.
package escalate

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"gateline/internal/domain"
	"gateline/internal/events"
	"gateline/internal/repo"
	"gateline/internal/router"
)

// Subject kinds.
const (
	SubjectProposal  = "proposal"
	SubjectCatalogue = "catalogue"
)

// DecisionRequester is the synchronous human decision interface. The engine
// blocks the affected item, never the whole system, while a decision is
// pending.
type DecisionRequester interface {
	RequestDecision(ctx context.Context, esc domain.Escalation) (decision string, err error)
}

type Manager struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	// Router owns work item status; blocking and unblocking go through it.
	Router router.Router
	Now    func() time.Time
}

func New(db *sql.DB) Manager {
	return Manager{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Router: router.Router{DB: db, Repo: repo.Repo{DB: db}, Events: events.Writer{DB: db}, Now: time.Now},
		Now:    time.Now,
	}
}

// RaiseInput describes the dispute being escalated.
type RaiseInput struct {
	SubjectKind string
	SubjectID   string
	ItemID      string
	Reason      string
	Positions   any
	ActorID     string
}

// Raise records a pending escalation and blocks the dependent work item. It
// runs inside the caller's transaction so the block and the escalation land
// atomically with whatever state change triggered them.
func (m Manager) Raise(ctx context.Context, tx *sql.Tx, in RaiseInput) (domain.Escalation, error) {
	positionsJSON := ""
	if in.Positions != nil {
		b, err := json.Marshal(in.Positions)
		if err != nil {
			return domain.Escalation{}, fmt.Errorf("marshal positions: %w", err)
		}
		positionsJSON = string(b)
	}
	esc := domain.Escalation{
		ID:          uuid.NewString(),
		SubjectKind: in.SubjectKind,
		SubjectID:   in.SubjectID,
		ItemID:      in.ItemID,
		Reason:      in.Reason,
		Positions:   positionsJSON,
		Resolution:  domain.EscalationPending,
		CreatedAt:   m.now().UTC().Format(time.RFC3339),
	}
	if err := m.Repo.InsertEscalationTx(ctx, tx, esc); err != nil {
		return domain.Escalation{}, fmt.Errorf("insert escalation: %w", err)
	}
	if in.ItemID != "" {
		if err := m.Router.Block(ctx, tx, in.ItemID, in.ActorID); err != nil {
			return domain.Escalation{}, err
		}
	}
	if err := m.Events.Append(ctx, tx, "escalation.raise", "escalation", esc.ID, in.ActorID,
		events.EventPayload{"subject_kind": in.SubjectKind, "subject_id": in.SubjectID, "reason": in.Reason}); err != nil {
		return domain.Escalation{}, err
	}
	return esc, nil
}

// Resolve records the human decision and unblocks the dependent item. The
// caller resumes the suspended operation with the decision.
func (m Manager) Resolve(ctx context.Context, id, decision, actorID string) (domain.Escalation, error) {
	if decision == "" {
		return domain.Escalation{}, fmt.Errorf("decision required")
	}
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Escalation{}, err
	}
	defer tx.Rollback()

	esc, err := m.Repo.GetEscalationTx(ctx, tx, id)
	if err != nil {
		return domain.Escalation{}, err
	}
	if esc.Resolution == domain.EscalationResolved {
		return domain.Escalation{}, fmt.Errorf("escalation %s already resolved", id)
	}
	now := m.now().UTC().Format(time.RFC3339)
	if err := m.Repo.ResolveEscalationTx(ctx, tx, id, decision, now); err != nil {
		return domain.Escalation{}, err
	}
	esc.Resolution = domain.EscalationResolved
	esc.Decision = decision
	esc.ResolvedAt = now

	if esc.ItemID != "" {
		item, err := m.Repo.GetItemTx(ctx, tx, esc.ItemID)
		if err != nil {
			return domain.Escalation{}, err
		}
		if item.Status == domain.ItemBlocked {
			if err := m.Router.Unblock(ctx, tx, esc.ItemID, actorID); err != nil {
				return domain.Escalation{}, err
			}
		}
	}
	if err := m.Events.Append(ctx, tx, "escalation.resolve", "escalation", esc.ID, actorID,
		events.EventPayload{"decision": decision}); err != nil {
		return domain.Escalation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Escalation{}, err
	}
	return esc, nil
}

func (m Manager) Get(ctx context.Context, id string) (domain.Escalation, error) {
	return m.Repo.GetEscalation(ctx, id)
}

func (m Manager) List(ctx context.Context, resolution string) ([]domain.Escalation, error) {
	return m.Repo.ListEscalations(ctx, resolution)
}

func (m Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}
