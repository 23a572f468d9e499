package repo

import (
	"context"
	"database/sql"
	"strings"

	"gateline/internal/domain"
)

func (r Repo) InsertProposalTx(ctx context.Context, tx *sql.Tx, p domain.ChangeProposal) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO proposals(id,item_id,author_role,target_entry_id,payload_json,status,round,debate_rounds,revision,vote_deadline,vote_retries,decided_by,decision,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.ItemID, p.AuthorRole, nullableStringPtr(p.TargetEntryID), p.PayloadJSON, p.Status,
		p.Round, p.DebateRounds, p.Revision, nullable(p.VoteDeadline), p.VoteRetries,
		nullable(p.DecidedBy), nullable(p.Decision), p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) UpdateProposalTx(ctx context.Context, tx *sql.Tx, p domain.ChangeProposal) error {
	res, err := tx.ExecContext(ctx, `UPDATE proposals SET payload_json=?, status=?, round=?, debate_rounds=?, revision=?, vote_deadline=?, vote_retries=?, decided_by=?, decision=?, updated_at=? WHERE id=?`,
		p.PayloadJSON, p.Status, p.Round, p.DebateRounds, p.Revision, nullable(p.VoteDeadline),
		p.VoteRetries, nullable(p.DecidedBy), nullable(p.Decision), p.UpdatedAt, p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const proposalColumns = `id,item_id,author_role,target_entry_id,payload_json,status,round,debate_rounds,revision,vote_deadline,vote_retries,decided_by,decision,created_at,updated_at`

func (r Repo) GetProposal(ctx context.Context, id string) (domain.ChangeProposal, error) {
	return scanProposal(r.DB.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id=?`, id))
}

func (r Repo) GetProposalTx(ctx context.Context, tx *sql.Tx, id string) (domain.ChangeProposal, error) {
	return scanProposal(tx.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id=?`, id))
}

func scanProposal(row *sql.Row) (domain.ChangeProposal, error) {
	var p domain.ChangeProposal
	var target, deadline, decidedBy, decision sql.NullString
	err := row.Scan(&p.ID, &p.ItemID, &p.AuthorRole, &target, &p.PayloadJSON, &p.Status,
		&p.Round, &p.DebateRounds, &p.Revision, &deadline, &p.VoteRetries, &decidedBy, &decision,
		&p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if target.Valid {
		p.TargetEntryID = &target.String
	}
	if deadline.Valid {
		p.VoteDeadline = deadline.String
	}
	if decidedBy.Valid {
		p.DecidedBy = decidedBy.String
	}
	if decision.Valid {
		p.Decision = decision.String
	}
	return p, nil
}

type ProposalFilters struct {
	ItemID   string
	Statuses []string
	Limit    int
}

func (r Repo) ListProposals(ctx context.Context, f ProposalFilters) ([]domain.ChangeProposal, error) {
	query := `SELECT ` + proposalColumns + ` FROM proposals WHERE 1=1`
	var args []any
	if f.ItemID != "" {
		query += ` AND item_id=?`
		args = append(args, f.ItemID)
	}
	if len(f.Statuses) > 0 {
		query += ` AND status IN (?` + strings.Repeat(",?", len(f.Statuses)-1) + `)`
		for _, s := range f.Statuses {
			args = append(args, s)
		}
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChangeProposal
	for rows.Next() {
		var p domain.ChangeProposal
		var target, deadline, decidedBy, decision sql.NullString
		if err := rows.Scan(&p.ID, &p.ItemID, &p.AuthorRole, &target, &p.PayloadJSON, &p.Status,
			&p.Round, &p.DebateRounds, &p.Revision, &deadline, &p.VoteRetries, &decidedBy, &decision,
			&p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		if target.Valid {
			p.TargetEntryID = &target.String
		}
		if deadline.Valid {
			p.VoteDeadline = deadline.String
		}
		if decidedBy.Valid {
			p.DecidedBy = decidedBy.String
		}
		if decision.Valid {
			p.Decision = decision.String
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ActiveProposalForItem returns the item's proposal still inside the review
// protocol, if any.
func (r Repo) ActiveProposalForItem(ctx context.Context, itemID string) (domain.ChangeProposal, error) {
	return scanProposal(r.DB.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals
WHERE item_id=? AND status IN ('proposed','review','revision','debate') LIMIT 1`, itemID))
}

func (r Repo) ActiveProposalForItemTx(ctx context.Context, tx *sql.Tx, itemID string) (domain.ChangeProposal, error) {
	return scanProposal(tx.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals
WHERE item_id=? AND status IN ('proposed','review','revision','debate') LIMIT 1`, itemID))
}

// --- votes ---

// UpsertVoteTx records a vote; a duplicate for the same (proposal, role,
// round) overwrites rather than appends.
func (r Repo) UpsertVoteTx(ctx context.Context, tx *sql.Tx, v domain.ReviewVote) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO votes(proposal_id,role,round,verdict,rationale,actor_id,ts) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(proposal_id,role,round) DO UPDATE SET verdict=excluded.verdict, rationale=excluded.rationale, actor_id=excluded.actor_id, ts=excluded.ts`,
		v.ProposalID, v.Role, v.Round, v.Verdict, nullable(v.Rationale), v.ActorID, v.TS)
	return err
}

func (r Repo) ListVotes(ctx context.Context, proposalID string, round int) ([]domain.ReviewVote, error) {
	query := `SELECT proposal_id,role,round,verdict,rationale,actor_id,ts FROM votes WHERE proposal_id=?`
	args := []any{proposalID}
	if round > 0 {
		query += ` AND round=?`
		args = append(args, round)
	}
	query += ` ORDER BY round ASC, role ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ReviewVote
	for rows.Next() {
		var v domain.ReviewVote
		var rationale sql.NullString
		if err := rows.Scan(&v.ProposalID, &v.Role, &v.Round, &v.Verdict, &rationale, &v.ActorID, &v.TS); err != nil {
			return nil, err
		}
		if rationale.Valid {
			v.Rationale = rationale.String
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

func (r Repo) ListVotesTx(ctx context.Context, tx *sql.Tx, proposalID string, round int) ([]domain.ReviewVote, error) {
	query := `SELECT proposal_id,role,round,verdict,rationale,actor_id,ts FROM votes WHERE proposal_id=?`
	args := []any{proposalID}
	if round > 0 {
		query += ` AND round=?`
		args = append(args, round)
	}
	query += ` ORDER BY round ASC, role ASC`
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ReviewVote
	for rows.Next() {
		var v domain.ReviewVote
		var rationale sql.NullString
		if err := rows.Scan(&v.ProposalID, &v.Role, &v.Round, &v.Verdict, &rationale, &v.ActorID, &v.TS); err != nil {
			return nil, err
		}
		if rationale.Valid {
			v.Rationale = rationale.String
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

func (r Repo) DeleteVotesTx(ctx context.Context, tx *sql.Tx, proposalID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM votes WHERE proposal_id=?`, proposalID)
	return err
}

// --- debate positions ---

func (r Repo) UpsertPositionTx(ctx context.Context, tx *sql.Tx, p domain.DebatePosition) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO debate_positions(proposal_id,debate_round,role,statement,evidence_ref,actor_id,ts) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(proposal_id,debate_round,role) DO UPDATE SET statement=excluded.statement, evidence_ref=excluded.evidence_ref, actor_id=excluded.actor_id, ts=excluded.ts`,
		p.ProposalID, p.DebateRound, p.Role, p.Statement, p.EvidenceRef, p.ActorID, p.TS)
	return err
}

func (r Repo) ListPositions(ctx context.Context, proposalID string, debateRound int) ([]domain.DebatePosition, error) {
	query := `SELECT proposal_id,debate_round,role,statement,evidence_ref,actor_id,ts FROM debate_positions WHERE proposal_id=?`
	args := []any{proposalID}
	if debateRound > 0 {
		query += ` AND debate_round=?`
		args = append(args, debateRound)
	}
	query += ` ORDER BY debate_round ASC, role ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DebatePosition
	for rows.Next() {
		var p domain.DebatePosition
		if err := rows.Scan(&p.ProposalID, &p.DebateRound, &p.Role, &p.Statement, &p.EvidenceRef, &p.ActorID, &p.TS); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) ListPositionsTx(ctx context.Context, tx *sql.Tx, proposalID string, debateRound int) ([]domain.DebatePosition, error) {
	query := `SELECT proposal_id,debate_round,role,statement,evidence_ref,actor_id,ts FROM debate_positions WHERE proposal_id=?`
	args := []any{proposalID}
	if debateRound > 0 {
		query += ` AND debate_round=?`
		args = append(args, debateRound)
	}
	query += ` ORDER BY debate_round ASC, role ASC`
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DebatePosition
	for rows.Next() {
		var p domain.DebatePosition
		if err := rows.Scan(&p.ProposalID, &p.DebateRound, &p.Role, &p.Statement, &p.EvidenceRef, &p.ActorID, &p.TS); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) DeletePositionsTx(ctx context.Context, tx *sql.Tx, proposalID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM debate_positions WHERE proposal_id=?`, proposalID)
	return err
}

// CountActiveProposalsForPhase counts proposals still inside the review
// protocol whose items belong to the phase.
func (r Repo) CountActiveProposalsForPhase(ctx context.Context, phaseOrdinal int) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM proposals p
JOIN work_items w ON w.id = p.item_id
WHERE w.phase_ordinal=? AND p.status IN ('proposed','review','revision','debate')`, phaseOrdinal).Scan(&n)
	return n, err
}

// OverdueProposals returns proposals still collecting votes whose deadline
// has passed.
func (r Repo) OverdueProposals(ctx context.Context, now string) ([]domain.ChangeProposal, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+proposalColumns+` FROM proposals
WHERE status='review' AND vote_deadline IS NOT NULL AND vote_deadline < ? ORDER BY vote_deadline ASC`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChangeProposal
	for rows.Next() {
		var p domain.ChangeProposal
		var target, deadline, decidedBy, decision sql.NullString
		if err := rows.Scan(&p.ID, &p.ItemID, &p.AuthorRole, &target, &p.PayloadJSON, &p.Status,
			&p.Round, &p.DebateRounds, &p.Revision, &deadline, &p.VoteRetries, &decidedBy, &decision,
			&p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		if target.Valid {
			p.TargetEntryID = &target.String
		}
		if deadline.Valid {
			p.VoteDeadline = deadline.String
		}
		if decidedBy.Valid {
			p.DecidedBy = decidedBy.String
		}
		if decision.Valid {
			p.Decision = decision.String
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
