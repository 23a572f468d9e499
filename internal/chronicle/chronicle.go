// Package chronicle is the append-only decision ledger. Records are immutable
// once appended and sequence numbers are gapless.
package chronicle

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"gateline/internal/domain"
	"gateline/internal/events"
	"gateline/internal/repo"
)

// IncompleteReviewRecordError rejects an append whose transcript is missing a
// required reviewer vote or a final decision.
type IncompleteReviewRecordError struct {
	ProposalID   string
	MissingRoles []string
}

func (e IncompleteReviewRecordError) Error() string {
	if len(e.MissingRoles) == 0 {
		return fmt.Sprintf("chronicle record for proposal %s has no final decision", e.ProposalID)
	}
	return fmt.Sprintf("chronicle record for proposal %s missing votes from %v", e.ProposalID, e.MissingRoles)
}

// Transcript is the serialized review history carried by a record.
type Transcript struct {
	Votes     []domain.ReviewVote     `json:"votes"`
	Positions []domain.DebatePosition `json:"positions,omitempty"`
	Resolver  string                  `json:"resolver,omitempty"`
}

type Store struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time

	mu sync.Mutex
}

func New(db *sql.DB) *Store {
	return &Store{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Now:    time.Now,
	}
}

// AppendInput is everything needed to validate and persist one record.
type AppendInput struct {
	ProposalID    string
	BeforeRef     string
	AfterRef      string
	Decision      string
	CatalogueRefs []string
	Transcript    Transcript
	RequiredRoles []string
	ActorID       string
}

// Append validates the record and assigns the next sequence number. The
// counter lives under a single mutex and is re-derived from the table inside
// the same transaction that inserts the row, so concurrent callers can never
// produce a duplicate or a gap.
func (s *Store) Append(ctx context.Context, in AppendInput) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	seq, err := s.appendTx(ctx, tx, in)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return seq, nil
}

// AppendTx appends inside the caller's transaction so a record commits
// atomically with the settlement that produced it. The single-connection
// pool serializes transactions, which keeps the sequence gapless without the
// store's own mutex.
func (s *Store) AppendTx(ctx context.Context, tx *sql.Tx, in AppendInput) (int64, error) {
	return s.appendTx(ctx, tx, in)
}

func (s *Store) appendTx(ctx context.Context, tx *sql.Tx, in AppendInput) (int64, error) {
	if err := s.validate(in); err != nil {
		return 0, err
	}
	transcriptJSON, err := json.Marshal(in.Transcript)
	if err != nil {
		return 0, fmt.Errorf("marshal transcript: %w", err)
	}
	refsJSON := ""
	if len(in.CatalogueRefs) > 0 {
		b, err := json.Marshal(in.CatalogueRefs)
		if err != nil {
			return 0, fmt.Errorf("marshal catalogue refs: %w", err)
		}
		refsJSON = string(b)
	}
	maxSeq, err := s.Repo.MaxChronicleSeqTx(ctx, tx)
	if err != nil {
		return 0, err
	}
	rec := domain.ChronicleRecord{
		Seq:           maxSeq + 1,
		ProposalID:    in.ProposalID,
		BeforeRef:     in.BeforeRef,
		AfterRef:      in.AfterRef,
		Transcript:    string(transcriptJSON),
		Decision:      in.Decision,
		CatalogueRefs: refsJSON,
		AppendedAt:    s.now().UTC().Format(time.RFC3339),
	}
	if err := s.Repo.InsertRecordTx(ctx, tx, rec); err != nil {
		return 0, fmt.Errorf("insert chronicle record: %w", err)
	}
	if err := s.Events.Append(ctx, tx, "chronicle.append", "chronicle", fmt.Sprintf("%d", rec.Seq), in.ActorID,
		events.EventPayload{"proposal_id": in.ProposalID, "decision": in.Decision}); err != nil {
		return 0, err
	}
	return rec.Seq, nil
}

func (s *Store) validate(in AppendInput) error {
	if in.Decision == "" {
		return IncompleteReviewRecordError{ProposalID: in.ProposalID}
	}
	voted := make(map[string]bool, len(in.Transcript.Votes))
	for _, v := range in.Transcript.Votes {
		voted[v.Role] = true
	}
	var missing []string
	for _, role := range in.RequiredRoles {
		if !voted[role] {
			missing = append(missing, role)
		}
	}
	if len(missing) > 0 {
		return IncompleteReviewRecordError{ProposalID: in.ProposalID, MissingRoles: missing}
	}
	return nil
}

// Records returns records with seq > after, oldest first.
func (s *Store) Records(ctx context.Context, after int64, limit int) ([]domain.ChronicleRecord, error) {
	return s.Repo.ListRecords(ctx, after, limit)
}

// RecordForProposal returns the latest record referencing a proposal.
func (s *Store) RecordForProposal(ctx context.Context, proposalID string) (domain.ChronicleRecord, error) {
	return s.Repo.GetRecordByProposal(ctx, proposalID)
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
