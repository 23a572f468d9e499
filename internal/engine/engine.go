// Package engine wires every component behind one facade used by the HTTP
// server and the CLI.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"gateline/internal/catalogue"
	"gateline/internal/chronicle"
	"gateline/internal/config"
	"gateline/internal/domain"
	"gateline/internal/escalate"
	"gateline/internal/events"
	"gateline/internal/phase"
	"gateline/internal/repo"
	"gateline/internal/review"
	"gateline/internal/router"
)

type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Config     *config.Config
	Phases     phase.Controller
	Router     router.Router
	Review     *review.Coordinator
	Catalogue  catalogue.Store
	Chronicle  *chronicle.Store
	Escalation escalate.Manager
	Now        func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	rev := review.New(db, cfg)
	return Engine{
		DB:         db,
		Repo:       repo.Repo{DB: db},
		Events:     events.Writer{DB: db},
		Config:     cfg,
		Phases:     phase.New(db, cfg),
		Router:     router.New(db, cfg),
		Review:     rev,
		Catalogue:  rev.Catalogue,
		Chronicle:  rev.Chronicle,
		Escalation: rev.Escalation,
		Now:        time.Now,
	}
}

// SetClock points every component at the same clock. Tests use it.
func (e *Engine) SetClock(now func() time.Time) {
	e.Now = now
	e.Phases.Now = now
	e.Phases.Catalogue.Now = now
	e.Router.Now = now
	e.Review.Now = now
	e.Review.Router.Now = now
	e.Review.Chronicle.Now = now
	e.Review.Catalogue.Now = now
	e.Review.Catalogue.Escalation.Now = now
	e.Review.Escalation.Now = now
	e.Catalogue = e.Review.Catalogue
	e.Escalation = e.Review.Escalation
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// InitEngine seeds the engine row, phases, gate criteria, and role charters
// from the configuration, then opens phase 1. Migrations must already have
// run.
func (e Engine) InitEngine(ctx context.Context, actorID string) error {
	if err := e.Config.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.UpsertEngineConfigTx(ctx, tx, e.Config.Engine.ID, e.Config); err != nil {
		return fmt.Errorf("seed config: %w", err)
	}
	now := e.now().UTC().Format(time.RFC3339)
	for _, p := range e.Config.Phases {
		if err := e.Repo.InsertPhaseTx(ctx, tx, domain.Phase{
			Ordinal:        p.Ordinal,
			Name:           p.Name,
			Status:         domain.PhasePending,
			SafetyPriority: p.SafetyPriority,
		}); err != nil {
			return fmt.Errorf("seed phase %d: %w", p.Ordinal, err)
		}
		for _, cr := range p.Gate {
			if err := e.Repo.InsertCriterionTx(ctx, tx, domain.GateCriterion{
				ID:           cr.ID,
				PhaseOrdinal: p.Ordinal,
				Kind:         cr.Kind,
				Description:  cr.Description,
			}); err != nil {
				return fmt.Errorf("seed criterion %s: %w", cr.ID, err)
			}
		}
	}
	for roleID, role := range e.Config.Roles.Catalog {
		if err := e.Repo.UpsertCharterTx(ctx, tx, domain.RoleCharter{
			RoleID:    roleID,
			Mission:   role.Charter,
			UpdatedAt: now,
		}); err != nil {
			return fmt.Errorf("seed charter %s: %w", roleID, err)
		}
	}
	if err := e.Events.Append(ctx, tx, "engine.init", "engine", e.Config.Engine.ID, actorID,
		events.EventPayload{"phases": len(e.Config.Phases)}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	_, err = e.Phases.OpenPhase(ctx, 1, actorID)
	return err
}

// Ingest accepts work item descriptors from the inventory collaborator.
func (e Engine) Ingest(ctx context.Context, descriptors []domain.WorkItemDescriptor, actorID string) ([]domain.WorkItem, error) {
	return e.Router.Ingest(ctx, descriptors, actorID)
}

// GateStatus answers the status query for one phase's gate.
func (e Engine) GateStatus(ctx context.Context, ordinal int, actorID string) (phase.GateStatus, error) {
	return e.Phases.EvaluateGate(ctx, ordinal, actorID)
}

// ItemStatus answers the status query for one work item.
func (e Engine) ItemStatus(ctx context.Context, itemID string) (string, error) {
	return e.Router.Status(ctx, itemID)
}

// SweepReport summarizes one pass over overdue vote deadlines.
type SweepReport struct {
	Checked   int `json:"checked"`
	Retried   int `json:"retried"`
	Escalated int `json:"escalated"`
}

// Sweep walks proposals whose vote deadline passed and bumps or escalates
// each, a bounded worker pool wide.
func (e Engine) Sweep(ctx context.Context, actorID string) (SweepReport, error) {
	now := e.now().UTC().Format(time.RFC3339)
	overdue, err := e.Repo.OverdueProposals(ctx, now)
	if err != nil {
		return SweepReport{}, err
	}
	report := SweepReport{Checked: len(overdue)}
	if len(overdue) == 0 {
		return report, nil
	}

	workers := e.Config.Review.Workers
	if workers <= 0 {
		workers = 1
	}
	results := make([]bool, len(overdue))
	var g errgroup.Group
	g.SetLimit(workers)
	for i, p := range overdue {
		i, p := i, p
		g.Go(func() error {
			escalated, err := e.Review.HandleOverdue(ctx, p.ID, actorID)
			if err != nil {
				return fmt.Errorf("proposal %s: %w", p.ID, err)
			}
			results[i] = escalated
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	for _, escalated := range results {
		if escalated {
			report.Escalated++
		} else {
			report.Retried++
		}
	}
	return report, nil
}

// ResolveEscalation records the human decision and resumes the suspended
// operation it unblocks. The outcome prefix of the decision routes it:
// "approve", "reject", or "resume" for proposal subjects; catalogue subjects
// apply the requested content on approval.
func (e Engine) ResolveEscalation(ctx context.Context, escalationID, outcome, decision, actorID string) (domain.Escalation, error) {
	switch outcome {
	case review.ResolutionApprove, review.ResolutionReject, review.ResolutionResume:
	default:
		return domain.Escalation{}, fmt.Errorf("unknown outcome %q", outcome)
	}
	esc, err := e.Escalation.Resolve(ctx, escalationID, fmt.Sprintf("%s: %s", outcome, decision), actorID)
	if err != nil {
		return domain.Escalation{}, err
	}

	switch esc.SubjectKind {
	case escalate.SubjectProposal:
		if _, _, err := e.Review.ResolveByHuman(ctx, esc.SubjectID, outcome, decision, actorID); err != nil {
			return esc, fmt.Errorf("resume proposal %s: %w", esc.SubjectID, err)
		}
	case escalate.SubjectCatalogue:
		if outcome == review.ResolutionApprove {
			content := requestedContent(esc.Positions)
			if content == "" {
				return esc, fmt.Errorf("escalation %s carries no requested content", esc.ID)
			}
			if _, err := e.Catalogue.ApplyResolvedChange(ctx, esc.SubjectID, content, decision, actorID); err != nil {
				return esc, fmt.Errorf("apply catalogue change: %w", err)
			}
		}
	}
	return esc, nil
}

// requestedContent digs the proposed content out of the positions payload a
// behavioral change request recorded.
func requestedContent(positionsJSON string) string {
	var positions map[string]string
	if err := json.Unmarshal([]byte(positionsJSON), &positions); err != nil {
		return ""
	}
	return positions["requested_content"]
}

// CreateAPIKey mints a key for an actor. The raw key is returned once.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string) (domain.APIKey, string, error) {
	raw := uuid.NewString()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.EnsureActorTx(ctx, tx, actorID, now); err != nil {
		return domain.APIKey{}, "", err
	}
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(raw),
		CreatedAt: now,
	}
	if err := e.Repo.InsertAPIKeyTx(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.Events.Append(ctx, tx, "apikey.create", "apikey", key.ID, actorID,
		events.EventPayload{"name": name}); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, raw, nil
}

// BindRole grants a capability role to an actor.
func (e Engine) BindRole(ctx context.Context, actorID, roleID string) error {
	if _, ok := e.Config.Roles.Catalog[roleID]; !ok {
		return fmt.Errorf("unknown role %q", roleID)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.EnsureActorTx(ctx, tx, actorID, now); err != nil {
		return err
	}
	if err := e.Repo.BindRoleTx(ctx, tx, domain.RoleBinding{ActorID: actorID, RoleID: roleID, CreatedAt: now}); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "role.bind", "actor", actorID, actorID,
		events.EventPayload{"role_id": roleID}); err != nil {
		return err
	}
	return tx.Commit()
}

// UnbindRole revokes a capability role from an actor.
func (e Engine) UnbindRole(ctx context.Context, actorID, roleID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UnbindRoleTx(ctx, tx, actorID, roleID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "role.unbind", "actor", actorID, actorID,
		events.EventPayload{"role_id": roleID}); err != nil {
		return err
	}
	return tx.Commit()
}
