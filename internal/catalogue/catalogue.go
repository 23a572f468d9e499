// Package catalogue is the versioned, lock-once store for canonical rule
// entries. Entries are copy-on-write: a locked version is never edited or
// deleted, a change produces version v+1 with supersedes pointing back.
package catalogue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"gateline/internal/domain"
	"gateline/internal/escalate"
	"gateline/internal/events"
	"gateline/internal/repo"
)

// Change request classifications.
const (
	ChangeClerical   = "clerical"
	ChangeBehavioral = "behavioral"
	ChangeDeletion   = "deletion"
)

// LockViolationError rejects a mutation or deletion aimed at a locked entry.
type LockViolationError struct {
	EntryID string
	Version int
	Op      string
}

func (e LockViolationError) Error() string {
	return fmt.Sprintf("catalogue entry %s@%d is locked: %s rejected", e.EntryID, e.Version, e.Op)
}

type Store struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Escalation escalate.Manager
	Now        func() time.Time
}

func New(db *sql.DB) Store {
	return Store{
		DB:         db,
		Repo:       repo.Repo{DB: db},
		Events:     events.Writer{DB: db},
		Escalation: escalate.New(db),
		Now:        time.Now,
	}
}

// Propose creates a draft version of an entry. A new id starts at version 1;
// an existing id gets the next version linked to the current head.
func (s Store) Propose(ctx context.Context, id, content, actorID string) (domain.CatalogueEntry, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.CatalogueEntry{}, err
	}
	defer tx.Rollback()

	entry, err := s.proposeTx(ctx, tx, id, content, "", actorID)
	if err != nil {
		return domain.CatalogueEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.CatalogueEntry{}, err
	}
	return entry, nil
}

func (s Store) proposeTx(ctx context.Context, tx *sql.Tx, id, content, diffNote, actorID string) (domain.CatalogueEntry, error) {
	now := s.now().UTC().Format(time.RFC3339)
	entry := domain.CatalogueEntry{
		ID:        id,
		Version:   1,
		Status:    domain.EntryDraft,
		Content:   content,
		DiffNote:  diffNote,
		CreatedAt: now,
		UpdatedAt: now,
	}
	head, err := s.Repo.HeadEntryTx(ctx, tx, id)
	switch {
	case err == nil:
		prev := head.Version
		entry.Version = head.Version + 1
		entry.Supersedes = &prev
	case err != repo.ErrNotFound:
		return domain.CatalogueEntry{}, err
	}
	if err := s.Repo.InsertEntryTx(ctx, tx, entry); err != nil {
		return domain.CatalogueEntry{}, fmt.Errorf("insert entry: %w", err)
	}
	if err := s.Events.Append(ctx, tx, "catalogue.propose", "catalogue", entry.ID, actorID,
		events.EventPayload{"version": entry.Version}); err != nil {
		return domain.CatalogueEntry{}, err
	}
	return entry, nil
}

// MarkUnderReview moves a draft head into review while its proposal runs.
func (s Store) MarkUnderReview(ctx context.Context, tx *sql.Tx, id, actorID string) error {
	return s.transitionHead(ctx, tx, id, domain.EntryDraft, domain.EntryUnderReview, "catalogue.review", actorID)
}

// ReviseUnderReview replaces the version under review with a fresh one
// carrying revised content. Copy-on-write: the prior version stays on the
// chain as superseded.
func (s Store) ReviseUnderReview(ctx context.Context, tx *sql.Tx, id, content, note, actorID string) (domain.CatalogueEntry, error) {
	head, err := s.Repo.HeadEntryTx(ctx, tx, id)
	if err != nil {
		return domain.CatalogueEntry{}, err
	}
	if head.Status != domain.EntryUnderReview {
		return domain.CatalogueEntry{}, fmt.Errorf("entry %s@%d is %s, expected under_review", id, head.Version, head.Status)
	}
	entry, err := s.proposeTx(ctx, tx, id, content, note, actorID)
	if err != nil {
		return domain.CatalogueEntry{}, err
	}
	now := s.now().UTC().Format(time.RFC3339)
	if _, err := s.Repo.UpdateEntryStatusTx(ctx, tx, id, entry.Version, domain.EntryDraft, domain.EntryUnderReview, now); err != nil {
		return domain.CatalogueEntry{}, err
	}
	if _, err := s.Repo.UpdateEntryStatusTx(ctx, tx, id, head.Version, domain.EntryUnderReview, domain.EntrySuperseded, now); err != nil {
		return domain.CatalogueEntry{}, err
	}
	entry.Status = domain.EntryUnderReview
	return entry, nil
}

// ReleaseReview settles the version under review when its proposal ends
// without approval: invalid for a rejection, draft for a withdrawal.
func (s Store) ReleaseReview(ctx context.Context, tx *sql.Tx, id, to, actorID string) error {
	if to != domain.EntryInvalid && to != domain.EntryDraft {
		return fmt.Errorf("release to %q not allowed", to)
	}
	return s.transitionHead(ctx, tx, id, domain.EntryUnderReview, to, "catalogue.release", actorID)
}

// Approve marks the head version approved after its proposal reached
// consensus. It runs in the caller's transaction so the approval commits with
// the settlement.
func (s Store) Approve(ctx context.Context, tx *sql.Tx, id, actorID string) error {
	head, err := s.Repo.HeadEntryTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if head.Status == domain.EntryLocked {
		return LockViolationError{EntryID: id, Version: head.Version, Op: "approve"}
	}
	now := s.now().UTC().Format(time.RFC3339)
	ok, err := s.Repo.UpdateEntryStatusTx(ctx, tx, id, head.Version, head.Status, domain.EntryApproved, now)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("entry %s@%d changed concurrently", id, head.Version)
	}
	if head.Supersedes != nil {
		// The prior version stops being current the moment its successor is
		// approved.
		prev, err := s.Repo.GetEntryTx(ctx, tx, id, *head.Supersedes)
		if err != nil {
			return err
		}
		if prev.Status != domain.EntrySuperseded {
			if _, err := s.Repo.UpdateEntryStatusTx(ctx, tx, id, prev.Version, prev.Status, domain.EntrySuperseded, now); err != nil {
				return err
			}
		}
	}
	return s.Events.Append(ctx, tx, "catalogue.approve", "catalogue", id, actorID,
		events.EventPayload{"version": head.Version})
}

// Lock freezes an approved head. Only the phase controller calls this, at a
// gate boundary. Locking an already locked entry is a no-op.
func (s Store) Lock(ctx context.Context, tx *sql.Tx, id, actorID string) error {
	head, err := s.Repo.HeadEntryTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if head.Status == domain.EntryLocked {
		return nil
	}
	if head.Status != domain.EntryApproved {
		return fmt.Errorf("entry %s@%d is %s, only approved entries lock", id, head.Version, head.Status)
	}
	now := s.now().UTC().Format(time.RFC3339)
	ok, err := s.Repo.UpdateEntryStatusTx(ctx, tx, id, head.Version, domain.EntryApproved, domain.EntryLocked, now)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("entry %s@%d changed concurrently", id, head.Version)
	}
	return s.Events.Append(ctx, tx, "catalogue.lock", "catalogue", id, actorID,
		events.EventPayload{"version": head.Version})
}

// ChangeOutcome reports what RequestChange did with the request.
type ChangeOutcome struct {
	Applied      bool                  `json:"applied"`
	Entry        domain.CatalogueEntry `json:"entry,omitempty"`
	EscalationID string                `json:"escalation_id,omitempty"`
}

// RequestChange handles a change aimed at a locked entry.
//
// Clerical corrections apply immediately as a new version with a diff note.
// Behavioral changes always raise an escalation and wait for a human
// decision. Deletion is always rejected; entries are superseded or marked
// invalid, never removed.
func (s Store) RequestChange(ctx context.Context, id, kind, reason, content, actorID string) (ChangeOutcome, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return ChangeOutcome{}, err
	}
	defer tx.Rollback()

	head, err := s.Repo.HeadEntryTx(ctx, tx, id)
	if err != nil {
		return ChangeOutcome{}, err
	}
	switch kind {
	case ChangeDeletion, ChangeClerical, ChangeBehavioral:
	default:
		return ChangeOutcome{}, fmt.Errorf("unknown change kind %q", kind)
	}
	// Only a locked head takes the change-request path; anything earlier in
	// its lifecycle still moves through the review protocol.
	if kind != ChangeDeletion && head.Status != domain.EntryLocked {
		return ChangeOutcome{}, fmt.Errorf("entry %s v%d is %s, not locked", id, head.Version, head.Status)
	}

	var outcome ChangeOutcome
	switch kind {
	case ChangeDeletion:
		return ChangeOutcome{}, LockViolationError{EntryID: id, Version: head.Version, Op: "delete"}
	case ChangeClerical:
		entry, err := s.proposeTx(ctx, tx, id, content, reason, actorID)
		if err != nil {
			return ChangeOutcome{}, err
		}
		now := s.now().UTC().Format(time.RFC3339)
		// A clerical fix is current immediately; the locked prior stays on the
		// chain as superseded.
		if _, err := s.Repo.UpdateEntryStatusTx(ctx, tx, id, entry.Version, domain.EntryDraft, domain.EntryApproved, now); err != nil {
			return ChangeOutcome{}, err
		}
		if _, err := s.Repo.UpdateEntryStatusTx(ctx, tx, id, head.Version, head.Status, domain.EntrySuperseded, now); err != nil {
			return ChangeOutcome{}, err
		}
		entry.Status = domain.EntryApproved
		if err := s.Events.Append(ctx, tx, "catalogue.change.clerical", "catalogue", id, actorID,
			events.EventPayload{"version": entry.Version, "reason": reason}); err != nil {
			return ChangeOutcome{}, err
		}
		outcome = ChangeOutcome{Applied: true, Entry: entry}
	case ChangeBehavioral:
		esc, err := s.Escalation.Raise(ctx, tx, escalate.RaiseInput{
			SubjectKind: escalate.SubjectCatalogue,
			SubjectID:   id,
			Reason:      reason,
			Positions:   map[string]string{"requested_content": content},
			ActorID:     actorID,
		})
		if err != nil {
			return ChangeOutcome{}, err
		}
		outcome = ChangeOutcome{EscalationID: esc.ID}
	default:
		return ChangeOutcome{}, fmt.Errorf("unknown change kind %q", kind)
	}

	if err := tx.Commit(); err != nil {
		return ChangeOutcome{}, err
	}
	return outcome, nil
}

// ApplyResolvedChange finishes a behavioral change whose escalation was
// resolved in its favor. The decision text is kept as the diff note.
func (s Store) ApplyResolvedChange(ctx context.Context, id, content, decision, actorID string) (domain.CatalogueEntry, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.CatalogueEntry{}, err
	}
	defer tx.Rollback()

	head, err := s.Repo.HeadEntryTx(ctx, tx, id)
	if err != nil {
		return domain.CatalogueEntry{}, err
	}
	entry, err := s.proposeTx(ctx, tx, id, content, decision, actorID)
	if err != nil {
		return domain.CatalogueEntry{}, err
	}
	now := s.now().UTC().Format(time.RFC3339)
	if _, err := s.Repo.UpdateEntryStatusTx(ctx, tx, id, entry.Version, domain.EntryDraft, domain.EntryApproved, now); err != nil {
		return domain.CatalogueEntry{}, err
	}
	if _, err := s.Repo.UpdateEntryStatusTx(ctx, tx, id, head.Version, head.Status, domain.EntrySuperseded, now); err != nil {
		return domain.CatalogueEntry{}, err
	}
	entry.Status = domain.EntryApproved
	if err := tx.Commit(); err != nil {
		return domain.CatalogueEntry{}, err
	}
	return entry, nil
}

// MarkInvalid retires an entry without deleting it.
func (s Store) MarkInvalid(ctx context.Context, id, actorID string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	head, err := s.Repo.HeadEntryTx(ctx, tx, id)
	if err != nil {
		return err
	}
	now := s.now().UTC().Format(time.RFC3339)
	ok, err := s.Repo.UpdateEntryStatusTx(ctx, tx, id, head.Version, head.Status, domain.EntryInvalid, now)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("entry %s@%d changed concurrently", id, head.Version)
	}
	if err := s.Events.Append(ctx, tx, "catalogue.invalidate", "catalogue", id, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// Chain returns every version of an entry, oldest first.
func (s Store) Chain(ctx context.Context, id string) ([]domain.CatalogueEntry, error) {
	return s.Repo.EntryChain(ctx, id)
}

// Head returns the newest version of an entry.
func (s Store) Head(ctx context.Context, id string) (domain.CatalogueEntry, error) {
	return s.Repo.HeadEntry(ctx, id)
}

func (s Store) transitionHead(ctx context.Context, tx *sql.Tx, id, from, to, evtType, actorID string) error {
	head, err := s.Repo.HeadEntryTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if head.Status == domain.EntryLocked {
		return LockViolationError{EntryID: id, Version: head.Version, Op: to}
	}
	if head.Status != from {
		return fmt.Errorf("entry %s@%d is %s, expected %s", id, head.Version, head.Status, from)
	}
	now := s.now().UTC().Format(time.RFC3339)
	ok, err := s.Repo.UpdateEntryStatusTx(ctx, tx, id, head.Version, from, to, now)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("entry %s@%d changed concurrently", id, head.Version)
	}
	return s.Events.Append(ctx, tx, evtType, "catalogue", id, actorID,
		events.EventPayload{"version": head.Version, "status": to})
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
