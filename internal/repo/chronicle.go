package repo

import (
	"context"
	"database/sql"

	"gateline/internal/domain"
)

const recordColumns = `seq,proposal_id,before_ref,after_ref,transcript_json,decision,catalogue_refs,appended_at`

// MaxChronicleSeqTx returns the highest assigned sequence number, or 0 when
// the chronicle is empty.
func (r Repo) MaxChronicleSeqTx(ctx context.Context, tx *sql.Tx) (int64, error) {
	var seq sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM chronicle_records`).Scan(&seq); err != nil {
		return 0, err
	}
	return seq.Int64, nil
}

func (r Repo) InsertRecordTx(ctx context.Context, tx *sql.Tx, rec domain.ChronicleRecord) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO chronicle_records(`+recordColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		rec.Seq, rec.ProposalID, rec.BeforeRef, rec.AfterRef, rec.Transcript, rec.Decision,
		nullable(rec.CatalogueRefs), rec.AppendedAt)
	return err
}

func (r Repo) GetRecordByProposal(ctx context.Context, proposalID string) (domain.ChronicleRecord, error) {
	return scanRecord(r.DB.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM chronicle_records WHERE proposal_id=? ORDER BY seq DESC LIMIT 1`, proposalID))
}

func (r Repo) GetRecord(ctx context.Context, seq int64) (domain.ChronicleRecord, error) {
	return scanRecord(r.DB.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM chronicle_records WHERE seq=?`, seq))
}

func scanRecord(row *sql.Row) (domain.ChronicleRecord, error) {
	var rec domain.ChronicleRecord
	var refs sql.NullString
	err := row.Scan(&rec.Seq, &rec.ProposalID, &rec.BeforeRef, &rec.AfterRef, &rec.Transcript,
		&rec.Decision, &refs, &rec.AppendedAt)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	if refs.Valid {
		rec.CatalogueRefs = refs.String
	}
	return rec, nil
}

// ListRecords returns records with seq > after, oldest first.
func (r Repo) ListRecords(ctx context.Context, after int64, limit int) ([]domain.ChronicleRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM chronicle_records WHERE seq > ? ORDER BY seq ASC`
	args := []any{after}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChronicleRecord
	for rows.Next() {
		var rec domain.ChronicleRecord
		var refs sql.NullString
		if err := rows.Scan(&rec.Seq, &rec.ProposalID, &rec.BeforeRef, &rec.AfterRef, &rec.Transcript,
			&rec.Decision, &refs, &rec.AppendedAt); err != nil {
			return nil, err
		}
		if refs.Valid {
			rec.CatalogueRefs = refs.String
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

func (r Repo) CountRecords(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM chronicle_records`).Scan(&n)
	return n, err
}
