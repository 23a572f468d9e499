package repo

import (
	"context"
	"database/sql"

	"gateline/internal/domain"
)

func (r Repo) EnsureActorTx(ctx context.Context, tx *sql.Tx, actorID, createdAt string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO actors(id, created_at) VALUES (?,?) ON CONFLICT(id) DO NOTHING`,
		actorID, createdAt)
	return err
}

func (r Repo) BindRoleTx(ctx context.Context, tx *sql.Tx, b domain.RoleBinding) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO actor_roles(actor_id, role_id, created_at) VALUES (?,?,?)
ON CONFLICT(actor_id, role_id) DO NOTHING`, b.ActorID, b.RoleID, b.CreatedAt)
	return err
}

func (r Repo) UnbindRoleTx(ctx context.Context, tx *sql.Tx, actorID, roleID string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM actor_roles WHERE actor_id=? AND role_id=?`, actorID, roleID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ActorRoles(ctx context.Context, actorID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT role_id FROM actor_roles WHERE actor_id=? ORDER BY role_id ASC`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (r Repo) ActorHasRole(ctx context.Context, actorID, roleID string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM actor_roles WHERE actor_id=? AND role_id=?`, actorID, roleID).Scan(&n)
	return n > 0, err
}

func (r Repo) ActorRolesTx(ctx context.Context, tx *sql.Tx, actorID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT role_id FROM actor_roles WHERE actor_id=? ORDER BY role_id ASC`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (r Repo) UpsertCharterTx(ctx context.Context, tx *sql.Tx, c domain.RoleCharter) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO role_charters(role_id, mission, updated_at) VALUES (?,?,?)
ON CONFLICT(role_id) DO UPDATE SET mission=excluded.mission, updated_at=excluded.updated_at`,
		c.RoleID, c.Mission, c.UpdatedAt)
	return err
}

func (r Repo) GetCharter(ctx context.Context, roleID string) (domain.RoleCharter, error) {
	var c domain.RoleCharter
	err := r.DB.QueryRowContext(ctx, `SELECT role_id, mission, updated_at FROM role_charters WHERE role_id=?`, roleID).
		Scan(&c.RoleID, &c.Mission, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) ListCharters(ctx context.Context) ([]domain.RoleCharter, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT role_id, mission, updated_at FROM role_charters ORDER BY role_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RoleCharter
	for rows.Next() {
		var c domain.RoleCharter
		if err := rows.Scan(&c.RoleID, &c.Mission, &c.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
