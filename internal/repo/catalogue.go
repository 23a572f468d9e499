package repo

import (
	"context"
	"database/sql"
	"strings"

	"gateline/internal/domain"
)

const entryColumns = `id,version,status,content,supersedes,diff_note,created_at,updated_at`

func (r Repo) InsertEntryTx(ctx context.Context, tx *sql.Tx, e domain.CatalogueEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO catalogue_entries(`+entryColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		e.ID, e.Version, e.Status, e.Content, nullableIntPtr(e.Supersedes), nullable(e.DiffNote),
		e.CreatedAt, e.UpdatedAt)
	return err
}

// UpdateEntryStatusTx moves an entry version to a new status guarded by the
// version it was read at. A zero RowsAffected means a concurrent writer won.
func (r Repo) UpdateEntryStatusTx(ctx context.Context, tx *sql.Tx, id string, version int, fromStatus, toStatus, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE catalogue_entries SET status=?, updated_at=? WHERE id=? AND version=? AND status=?`,
		toStatus, updatedAt, id, version, fromStatus)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) GetEntry(ctx context.Context, id string, version int) (domain.CatalogueEntry, error) {
	return scanEntry(r.DB.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM catalogue_entries WHERE id=? AND version=?`, id, version))
}

func (r Repo) GetEntryTx(ctx context.Context, tx *sql.Tx, id string, version int) (domain.CatalogueEntry, error) {
	return scanEntry(tx.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM catalogue_entries WHERE id=? AND version=?`, id, version))
}

// HeadEntry returns the highest version of an entry.
func (r Repo) HeadEntry(ctx context.Context, id string) (domain.CatalogueEntry, error) {
	return scanEntry(r.DB.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM catalogue_entries WHERE id=? ORDER BY version DESC LIMIT 1`, id))
}

func (r Repo) HeadEntryTx(ctx context.Context, tx *sql.Tx, id string) (domain.CatalogueEntry, error) {
	return scanEntry(tx.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM catalogue_entries WHERE id=? ORDER BY version DESC LIMIT 1`, id))
}

func scanEntry(row *sql.Row) (domain.CatalogueEntry, error) {
	var e domain.CatalogueEntry
	var supersedes sql.NullInt64
	var diffNote sql.NullString
	err := row.Scan(&e.ID, &e.Version, &e.Status, &e.Content, &supersedes, &diffNote, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if supersedes.Valid {
		v := int(supersedes.Int64)
		e.Supersedes = &v
	}
	if diffNote.Valid {
		e.DiffNote = diffNote.String
	}
	return e, nil
}

// EntryChain returns every version of an entry, oldest first.
func (r Repo) EntryChain(ctx context.Context, id string) ([]domain.CatalogueEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+entryColumns+` FROM catalogue_entries WHERE id=? ORDER BY version ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
}

// ListHeadEntries returns the newest version of every entry, optionally
// filtered by status.
func (r Repo) ListHeadEntries(ctx context.Context, status string) ([]domain.CatalogueEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM catalogue_entries c
WHERE version = (SELECT MAX(version) FROM catalogue_entries WHERE id = c.id)`
	var args []any
	if status != "" {
		query += ` AND status=?`
		args = append(args, status)
	}
	query += ` ORDER BY id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
}

// HeadEntriesByStatusTx is the tx variant used at gate boundaries.
func (r Repo) HeadEntriesByStatusTx(ctx context.Context, tx *sql.Tx, status string) ([]domain.CatalogueEntry, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+entryColumns+` FROM catalogue_entries c
WHERE version = (SELECT MAX(version) FROM catalogue_entries WHERE id = c.id) AND status=? ORDER BY id ASC`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
}

func collectEntries(rows *sql.Rows) ([]domain.CatalogueEntry, error) {
	var res []domain.CatalogueEntry
	for rows.Next() {
		var e domain.CatalogueEntry
		var supersedes sql.NullInt64
		var diffNote sql.NullString
		if err := rows.Scan(&e.ID, &e.Version, &e.Status, &e.Content, &supersedes, &diffNote, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		if supersedes.Valid {
			v := int(supersedes.Int64)
			e.Supersedes = &v
		}
		if diffNote.Valid {
			e.DiffNote = diffNote.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// CountHeadEntriesInStatus counts entries whose newest version sits in one of
// the given statuses.
func (r Repo) CountHeadEntriesInStatus(ctx context.Context, statuses ...string) (int, error) {
	query := `SELECT COUNT(*) FROM catalogue_entries c
WHERE version = (SELECT MAX(version) FROM catalogue_entries WHERE id = c.id)`
	var args []any
	if len(statuses) > 0 {
		query += ` AND status IN (?` + strings.Repeat(",?", len(statuses)-1) + `)`
		for _, s := range statuses {
			args = append(args, s)
		}
	}
	var n int
	err := r.DB.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
