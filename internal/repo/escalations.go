package repo

import (
	"context"
	"database/sql"

	"gateline/internal/domain"
)

const escalationColumns = `id,subject_kind,subject_id,item_id,reason,positions_json,resolution,decision,created_at,resolved_at`

func (r Repo) InsertEscalationTx(ctx context.Context, tx *sql.Tx, e domain.Escalation) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO escalations(`+escalationColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.SubjectKind, e.SubjectID, nullable(e.ItemID), e.Reason, nullable(e.Positions),
		e.Resolution, nullable(e.Decision), e.CreatedAt, nullable(e.ResolvedAt))
	return err
}

func (r Repo) ResolveEscalationTx(ctx context.Context, tx *sql.Tx, id, decision, resolvedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE escalations SET resolution='resolved', decision=?, resolved_at=? WHERE id=? AND resolution='pending'`,
		decision, resolvedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetEscalation(ctx context.Context, id string) (domain.Escalation, error) {
	return scanEscalation(r.DB.QueryRowContext(ctx, `SELECT `+escalationColumns+` FROM escalations WHERE id=?`, id))
}

func (r Repo) GetEscalationTx(ctx context.Context, tx *sql.Tx, id string) (domain.Escalation, error) {
	return scanEscalation(tx.QueryRowContext(ctx, `SELECT `+escalationColumns+` FROM escalations WHERE id=?`, id))
}

func scanEscalation(row *sql.Row) (domain.Escalation, error) {
	var e domain.Escalation
	var itemID, positions, decision, resolvedAt sql.NullString
	err := row.Scan(&e.ID, &e.SubjectKind, &e.SubjectID, &itemID, &e.Reason, &positions,
		&e.Resolution, &decision, &e.CreatedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if itemID.Valid {
		e.ItemID = itemID.String
	}
	if positions.Valid {
		e.Positions = positions.String
	}
	if decision.Valid {
		e.Decision = decision.String
	}
	if resolvedAt.Valid {
		e.ResolvedAt = resolvedAt.String
	}
	return e, nil
}

func (r Repo) ListEscalations(ctx context.Context, resolution string) ([]domain.Escalation, error) {
	query := `SELECT ` + escalationColumns + ` FROM escalations`
	var args []any
	if resolution != "" {
		query += ` WHERE resolution=?`
		args = append(args, resolution)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Escalation
	for rows.Next() {
		var e domain.Escalation
		var itemID, positions, decision, resolvedAt sql.NullString
		if err := rows.Scan(&e.ID, &e.SubjectKind, &e.SubjectID, &itemID, &e.Reason, &positions,
			&e.Resolution, &decision, &e.CreatedAt, &resolvedAt); err != nil {
			return nil, err
		}
		if itemID.Valid {
			e.ItemID = itemID.String
		}
		if positions.Valid {
			e.Positions = positions.String
		}
		if decision.Valid {
			e.Decision = decision.String
		}
		if resolvedAt.Valid {
			e.ResolvedAt = resolvedAt.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) CountEscalationsByResolution(ctx context.Context, resolution string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM escalations WHERE resolution=?`, resolution).Scan(&n)
	return n, err
}

// LatestResolvedEscalation returns the most recently resolved escalation, used
// when reopening a closed phase.
func (r Repo) LatestResolvedEscalation(ctx context.Context) (domain.Escalation, error) {
	return scanEscalation(r.DB.QueryRowContext(ctx, `SELECT `+escalationColumns+` FROM escalations
WHERE resolution='resolved' ORDER BY resolved_at DESC, id DESC LIMIT 1`))
}
