// Package phase is the top level state machine. Phases are strictly
// sequential: a phase closes only when every gate criterion holds, and a
// closed phase reopens only through a logged override backed by a resolved
// escalation.
package phase

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"gateline/internal/catalogue"
	"gateline/internal/config"
	"gateline/internal/domain"
	"gateline/internal/events"
	"gateline/internal/repo"
)

// GateNotSatisfiedError lists exactly the criteria that block an advance.
type GateNotSatisfiedError struct {
	PhaseOrdinal int
	Unmet        []domain.GateCriterion
}

func (e GateNotSatisfiedError) Error() string {
	ids := make([]string, 0, len(e.Unmet))
	for _, c := range e.Unmet {
		ids = append(ids, c.ID)
	}
	return fmt.Sprintf("phase %d gate not satisfied: %v", e.PhaseOrdinal, ids)
}

type Controller struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Catalogue catalogue.Store
	Now       func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Controller {
	return Controller{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Events:    events.Writer{DB: db},
		Config:    cfg,
		Catalogue: catalogue.New(db),
		Now:       time.Now,
	}
}

// GateStatus is the answer to a gate query.
type GateStatus struct {
	PhaseOrdinal int                    `json:"phase_ordinal"`
	Satisfied    bool                   `json:"satisfied"`
	Criteria     []domain.GateCriterion `json:"criteria"`
	Unmet        []domain.GateCriterion `json:"unmet,omitempty"`
}

// OpenPhase opens the given phase. Only the first phase opens cold; later
// phases open through AdvancePhase.
func (c Controller) OpenPhase(ctx context.Context, ordinal int, actorID string) (domain.Phase, error) {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Phase{}, err
	}
	defer tx.Rollback()

	p, err := c.Repo.GetPhaseTx(ctx, tx, ordinal)
	if err != nil {
		return domain.Phase{}, err
	}
	if p.Status == domain.PhaseOpen {
		return p, nil
	}
	if p.Status == domain.PhaseClosed {
		return domain.Phase{}, fmt.Errorf("phase %d is closed; reopening needs an override", ordinal)
	}
	if ordinal > 1 {
		prev, err := c.Repo.GetPhaseTx(ctx, tx, ordinal-1)
		if err != nil {
			return domain.Phase{}, err
		}
		if prev.Status != domain.PhaseClosed {
			return domain.Phase{}, fmt.Errorf("phase %d cannot open while phase %d is %s", ordinal, ordinal-1, prev.Status)
		}
	}
	now := c.now().UTC().Format(time.RFC3339)
	if err := c.Repo.UpdatePhaseStatusTx(ctx, tx, ordinal, domain.PhaseOpen, now, ""); err != nil {
		return domain.Phase{}, err
	}
	if err := c.Events.Append(ctx, tx, "phase.open", "phase", fmt.Sprintf("%d", ordinal), actorID, nil); err != nil {
		return domain.Phase{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Phase{}, err
	}
	p.Status = domain.PhaseOpen
	p.OpenedAt = now
	return p, nil
}

// EvaluateGate checks every criterion of a phase against live state and
// persists the verdicts with their evidence.
func (c Controller) EvaluateGate(ctx context.Context, ordinal int, actorID string) (GateStatus, error) {
	criteria, err := c.Repo.ListCriteria(ctx, ordinal)
	if err != nil {
		return GateStatus{}, err
	}
	status := GateStatus{PhaseOrdinal: ordinal, Satisfied: true}
	for i := range criteria {
		satisfied, evidence, err := c.evaluate(ctx, ordinal, criteria[i].Kind)
		if err != nil {
			return GateStatus{}, err
		}
		criteria[i].Satisfied = satisfied
		criteria[i].EvidenceRef = evidence
		if !satisfied {
			status.Satisfied = false
			status.Unmet = append(status.Unmet, criteria[i])
		}
	}
	status.Criteria = criteria

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return GateStatus{}, err
	}
	defer tx.Rollback()
	now := c.now().UTC().Format(time.RFC3339)
	for _, cr := range criteria {
		if err := c.Repo.UpdateCriterionTx(ctx, tx, cr.ID, cr.Satisfied, cr.EvidenceRef, now); err != nil {
			return GateStatus{}, err
		}
	}
	if err := c.Events.Append(ctx, tx, "phase.gate.evaluate", "phase", fmt.Sprintf("%d", ordinal), actorID,
		events.EventPayload{"satisfied": status.Satisfied, "unmet": len(status.Unmet)}); err != nil {
		return GateStatus{}, err
	}
	if err := tx.Commit(); err != nil {
		return GateStatus{}, err
	}
	return status, nil
}

// evaluate answers one criterion kind with an evidence string.
func (c Controller) evaluate(ctx context.Context, ordinal int, kind string) (bool, string, error) {
	switch kind {
	case config.CriterionItemsDone:
		counts, err := c.Repo.CountItemsByStatus(ctx, ordinal)
		if err != nil {
			return false, "", err
		}
		open := 0
		total := 0
		for status, n := range counts {
			total += n
			if status != domain.ItemDone {
				open += n
			}
		}
		return open == 0, fmt.Sprintf("items: %d/%d done", total-open, total), nil

	case config.CriterionProposalsSettled:
		n, err := c.Repo.CountActiveProposalsForPhase(ctx, ordinal)
		if err != nil {
			return false, "", err
		}
		return n == 0, fmt.Sprintf("proposals: %d in flight", n), nil

	case config.CriterionEscalationsCleared:
		n, err := c.Repo.CountEscalationsByResolution(ctx, domain.EscalationPending)
		if err != nil {
			return false, "", err
		}
		return n == 0, fmt.Sprintf("escalations: %d pending", n), nil

	case config.CriterionCatalogueApproved:
		n, err := c.Repo.CountHeadEntriesInStatus(ctx, domain.EntryDraft, domain.EntryUnderReview)
		if err != nil {
			return false, "", err
		}
		return n == 0, fmt.Sprintf("catalogue: %d unsettled heads", n), nil

	default:
		return false, "", fmt.Errorf("unknown criterion kind %q", kind)
	}
}

// AdvancePhase closes the open phase once its whole gate holds, locks every
// approved catalogue entry at the boundary, and opens the next phase. It
// never partially advances: an unmet gate returns GateNotSatisfiedError and
// leaves the phase open.
func (c Controller) AdvancePhase(ctx context.Context, actorID string) (domain.Phase, error) {
	ordinal, err := c.Repo.OpenPhaseOrdinal(ctx)
	if err != nil {
		if err == repo.ErrNotFound {
			return domain.Phase{}, fmt.Errorf("no phase is open")
		}
		return domain.Phase{}, err
	}
	gate, err := c.EvaluateGate(ctx, ordinal, actorID)
	if err != nil {
		return domain.Phase{}, err
	}
	if !gate.Satisfied {
		return domain.Phase{}, GateNotSatisfiedError{PhaseOrdinal: ordinal, Unmet: gate.Unmet}
	}

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Phase{}, err
	}
	defer tx.Rollback()

	// Gate boundary: approved entries freeze before the next phase starts.
	approved, err := c.Repo.HeadEntriesByStatusTx(ctx, tx, domain.EntryApproved)
	if err != nil {
		return domain.Phase{}, err
	}
	for _, entry := range approved {
		if err := c.Catalogue.Lock(ctx, tx, entry.ID, actorID); err != nil {
			return domain.Phase{}, err
		}
	}

	now := c.now().UTC().Format(time.RFC3339)
	if err := c.Repo.UpdatePhaseStatusTx(ctx, tx, ordinal, domain.PhaseClosed, "", now); err != nil {
		return domain.Phase{}, err
	}
	if err := c.Events.Append(ctx, tx, "phase.close", "phase", fmt.Sprintf("%d", ordinal), actorID,
		events.EventPayload{"locked_entries": len(approved)}); err != nil {
		return domain.Phase{}, err
	}

	next, err := c.Repo.GetPhaseTx(ctx, tx, ordinal+1)
	if err == repo.ErrNotFound {
		// Final phase closed: terminal state.
		if err := tx.Commit(); err != nil {
			return domain.Phase{}, err
		}
		closed, err := c.Repo.GetPhase(ctx, ordinal)
		if err != nil {
			return domain.Phase{}, err
		}
		return closed, nil
	}
	if err != nil {
		return domain.Phase{}, err
	}
	if err := c.Repo.UpdatePhaseStatusTx(ctx, tx, next.Ordinal, domain.PhaseOpen, now, ""); err != nil {
		return domain.Phase{}, err
	}
	if err := c.Events.Append(ctx, tx, "phase.open", "phase", fmt.Sprintf("%d", next.Ordinal), actorID, nil); err != nil {
		return domain.Phase{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Phase{}, err
	}
	return c.Repo.GetPhase(ctx, next.Ordinal)
}

// ReopenPhase is the logged override for returning to a closed phase. It
// demands a resolved escalation as approval and closes any later open phase.
func (c Controller) ReopenPhase(ctx context.Context, ordinal int, escalationID, actorID string) (domain.Phase, error) {
	esc, err := c.Repo.GetEscalation(ctx, escalationID)
	if err != nil {
		return domain.Phase{}, fmt.Errorf("override escalation: %w", err)
	}
	if esc.Resolution != domain.EscalationResolved {
		return domain.Phase{}, fmt.Errorf("escalation %s is not resolved; reopening needs an approved override", escalationID)
	}

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Phase{}, err
	}
	defer tx.Rollback()

	p, err := c.Repo.GetPhaseTx(ctx, tx, ordinal)
	if err != nil {
		return domain.Phase{}, err
	}
	if p.Status != domain.PhaseClosed {
		return domain.Phase{}, fmt.Errorf("phase %d is %s, only closed phases reopen", ordinal, p.Status)
	}

	now := c.now().UTC().Format(time.RFC3339)
	phases, err := c.listPhasesTx(ctx, tx)
	if err != nil {
		return domain.Phase{}, err
	}
	for _, other := range phases {
		if other.Ordinal > ordinal && other.Status == domain.PhaseOpen {
			if err := c.Repo.UpdatePhaseStatusTx(ctx, tx, other.Ordinal, domain.PhasePending, "", ""); err != nil {
				return domain.Phase{}, err
			}
		}
	}
	if err := c.Repo.UpdatePhaseStatusTx(ctx, tx, ordinal, domain.PhaseOpen, now, ""); err != nil {
		return domain.Phase{}, err
	}
	if err := c.Events.Append(ctx, tx, "phase.reopen", "phase", fmt.Sprintf("%d", ordinal), actorID,
		events.EventPayload{"escalation_id": escalationID, "decision": esc.Decision}); err != nil {
		return domain.Phase{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Phase{}, err
	}
	return c.Repo.GetPhase(ctx, ordinal)
}

func (c Controller) listPhasesTx(ctx context.Context, tx *sql.Tx) ([]domain.Phase, error) {
	rows, err := tx.QueryContext(ctx, `SELECT ordinal, status FROM phases ORDER BY ordinal ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Phase
	for rows.Next() {
		var p domain.Phase
		if err := rows.Scan(&p.Ordinal, &p.Status); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (c Controller) List(ctx context.Context) ([]domain.Phase, error) {
	return c.Repo.ListPhases(ctx)
}

func (c Controller) Get(ctx context.Context, ordinal int) (domain.Phase, error) {
	return c.Repo.GetPhase(ctx, ordinal)
}

func (c Controller) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}
