// Package router owns work item status. Every other component requests
// transitions through it and never writes item state directly.
package router

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"gateline/internal/config"
	"gateline/internal/domain"
	"gateline/internal/events"
	"gateline/internal/repo"
)

// DuplicateSubmissionError rejects a second active submission for one item.
type DuplicateSubmissionError struct {
	ItemID     string
	ProposalID string
}

func (e DuplicateSubmissionError) Error() string {
	if e.ProposalID != "" {
		return fmt.Sprintf("work item %s already has active proposal %s", e.ItemID, e.ProposalID)
	}
	return fmt.Sprintf("work item %s is already under review", e.ItemID)
}

type Router struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Router {
	return Router{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

// Ingest accepts work item descriptors from the external inventory
// collaborator. Items land pending in their assigned phase; a descriptor for
// an id that already exists is skipped, not an error.
func (r Router) Ingest(ctx context.Context, descriptors []domain.WorkItemDescriptor, actorID string) ([]domain.WorkItem, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := r.now().UTC().Format(time.RFC3339)
	var created []domain.WorkItem
	for _, d := range descriptors {
		if d.ID == "" {
			return nil, fmt.Errorf("descriptor without id")
		}
		if _, ok := r.Config.Phase(d.PhaseOrdinal); !ok {
			return nil, fmt.Errorf("descriptor %s names unknown phase %d", d.ID, d.PhaseOrdinal)
		}
		if _, err := r.Repo.GetItemTx(ctx, tx, d.ID); err == nil {
			continue
		} else if err != repo.ErrNotFound {
			return nil, err
		}
		item := domain.WorkItem{
			ID:           d.ID,
			PhaseOrdinal: d.PhaseOrdinal,
			Title:        d.Title,
			Status:       domain.ItemPending,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := r.Repo.InsertItemTx(ctx, tx, item); err != nil {
			return nil, fmt.Errorf("insert item %s: %w", d.ID, err)
		}
		if err := r.Events.Append(ctx, tx, "item.ingest", "item", item.ID, actorID,
			events.EventPayload{"phase": item.PhaseOrdinal}); err != nil {
			return nil, err
		}
		created = append(created, item)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return created, nil
}

// Assign routes a pending item to a capability role and starts it. An item
// whose proposal is still in review cannot be assigned again.
func (r Router) Assign(ctx context.Context, itemID, role, actorID string) (domain.WorkItem, error) {
	if _, ok := r.Config.Roles.Catalog[role]; !ok {
		return domain.WorkItem{}, fmt.Errorf("unknown role %q", role)
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()

	item, err := r.Repo.GetItemTx(ctx, tx, itemID)
	if err != nil {
		return domain.WorkItem{}, err
	}
	switch item.Status {
	case domain.ItemUnderReview:
		return domain.WorkItem{}, DuplicateSubmissionError{ItemID: itemID}
	case domain.ItemBlocked:
		return domain.WorkItem{}, fmt.Errorf("work item %s is blocked on an escalation", itemID)
	case domain.ItemDone:
		return domain.WorkItem{}, fmt.Errorf("work item %s is already done", itemID)
	}
	item.Role = role
	item.Status = domain.ItemInProgress
	item.UpdatedAt = r.now().UTC().Format(time.RFC3339)
	if err := r.Repo.UpdateItemTx(ctx, tx, item); err != nil {
		return domain.WorkItem{}, err
	}
	if err := r.Events.Append(ctx, tx, "item.assign", "item", item.ID, actorID,
		events.EventPayload{"role": role}); err != nil {
		return domain.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	return item, nil
}

// BeginReview moves an in-progress item under review as its proposal enters
// the protocol. Runs in the caller's transaction alongside the proposal
// insert. A second active proposal for the same item is rejected here.
func (r Router) BeginReview(ctx context.Context, tx *sql.Tx, itemID, proposalID, actorID string) error {
	item, err := r.Repo.GetItemTx(ctx, tx, itemID)
	if err != nil {
		return err
	}
	if item.Status == domain.ItemUnderReview {
		return DuplicateSubmissionError{ItemID: itemID}
	}
	if active, err := r.Repo.ActiveProposalForItemTx(ctx, tx, itemID); err == nil {
		return DuplicateSubmissionError{ItemID: itemID, ProposalID: active.ID}
	} else if err != repo.ErrNotFound {
		return err
	}
	if item.Status != domain.ItemInProgress {
		return fmt.Errorf("work item %s is %s, expected in_progress", itemID, item.Status)
	}
	item.Status = domain.ItemUnderReview
	item.UpdatedAt = r.now().UTC().Format(time.RFC3339)
	if err := r.Repo.UpdateItemTx(ctx, tx, item); err != nil {
		return err
	}
	return r.Events.Append(ctx, tx, "item.review", "item", itemID, actorID,
		events.EventPayload{"proposal_id": proposalID})
}

// ResumeReview puts an item back under review when its own proposal re-enters
// round voting, after a revision or a resolved escalation. The resuming
// proposal is the active one, so no duplicate check applies.
func (r Router) ResumeReview(ctx context.Context, tx *sql.Tx, itemID, proposalID, actorID string) error {
	item, err := r.Repo.GetItemTx(ctx, tx, itemID)
	if err != nil {
		return err
	}
	switch item.Status {
	case domain.ItemInProgress, domain.ItemBlocked:
	default:
		return fmt.Errorf("work item %s is %s, cannot resume review", itemID, item.Status)
	}
	item.Status = domain.ItemUnderReview
	item.UpdatedAt = r.now().UTC().Format(time.RFC3339)
	if err := r.Repo.UpdateItemTx(ctx, tx, item); err != nil {
		return err
	}
	return r.Events.Append(ctx, tx, "item.review", "item", itemID, actorID,
		events.EventPayload{"proposal_id": proposalID, "resumed": true})
}

// Block suspends an item while an escalation on it is pending.
func (r Router) Block(ctx context.Context, tx *sql.Tx, itemID, actorID string) error {
	return r.transition(ctx, tx, itemID, domain.ItemBlocked, "item.block", actorID)
}

// Unblock returns a blocked item to review once its escalation is resolved.
func (r Router) Unblock(ctx context.Context, tx *sql.Tx, itemID, actorID string) error {
	return r.transition(ctx, tx, itemID, domain.ItemUnderReview, "item.unblock", actorID)
}

// MarkDone closes an item whose proposal was committed.
func (r Router) MarkDone(ctx context.Context, tx *sql.Tx, itemID, actorID string) error {
	return r.transition(ctx, tx, itemID, domain.ItemDone, "item.done", actorID)
}

// Return sends an item back for rework after a rejection or withdrawal.
func (r Router) Return(ctx context.Context, tx *sql.Tx, itemID, actorID string) error {
	return r.transition(ctx, tx, itemID, domain.ItemPending, "item.return", actorID)
}

// Rework sends an item back to its assignee for revision.
func (r Router) Rework(ctx context.Context, tx *sql.Tx, itemID, actorID string) error {
	return r.transition(ctx, tx, itemID, domain.ItemInProgress, "item.rework", actorID)
}

func (r Router) transition(ctx context.Context, tx *sql.Tx, itemID, to, evtType, actorID string) error {
	item, err := r.Repo.GetItemTx(ctx, tx, itemID)
	if err != nil {
		return err
	}
	item.Status = to
	item.UpdatedAt = r.now().UTC().Format(time.RFC3339)
	if err := r.Repo.UpdateItemTx(ctx, tx, item); err != nil {
		return err
	}
	return r.Events.Append(ctx, tx, evtType, "item", itemID, actorID, events.EventPayload{"status": to})
}

// Status reads an item's current status.
func (r Router) Status(ctx context.Context, itemID string) (string, error) {
	item, err := r.Repo.GetItem(ctx, itemID)
	if err != nil {
		return "", err
	}
	return item.Status, nil
}

func (r Router) Get(ctx context.Context, itemID string) (domain.WorkItem, error) {
	return r.Repo.GetItem(ctx, itemID)
}

func (r Router) List(ctx context.Context, f repo.ItemFilters) ([]domain.WorkItem, error) {
	return r.Repo.ListItems(ctx, f)
}

func (r Router) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}
