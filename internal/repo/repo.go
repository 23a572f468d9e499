package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gateline/internal/config"
	"gateline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- engine config ---

func (r Repo) UpsertEngineConfig(ctx context.Context, engineID string, cfg *config.Config) error {
	return upsertEngineConfig(ctx, r.DB, nil, engineID, cfg)
}

func (r Repo) UpsertEngineConfigTx(ctx context.Context, tx *sql.Tx, engineID string, cfg *config.Config) error {
	return upsertEngineConfig(ctx, nil, tx, engineID, cfg)
}

func upsertEngineConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, engineID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Engine.ID = engineID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO engine_configs(engine_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(engine_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, engineID, string(payload), now, now)
	return err
}

func (r Repo) GetEngineConfig(ctx context.Context, engineID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM engine_configs WHERE engine_id=?`, engineID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Engine.ID == "" {
		cfg.Engine.ID = engineID
	}
	return &cfg, cfg.Validate()
}

func (r Repo) SingleEngineID(ctx context.Context) (string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT engine_id FROM engine_configs`)
	if err != nil {
		return "", err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", err
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return "", ErrNotFound
	}
	if len(ids) > 1 {
		return "", fmt.Errorf("multiple engines exist; specify --engine")
	}
	return ids[0], nil
}

// --- phases ---

func (r Repo) InsertPhaseTx(ctx context.Context, tx *sql.Tx, p domain.Phase) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO phases(ordinal,name,status,safety_priority,opened_at,closed_at) VALUES (?,?,?,?,?,?)`,
		p.Ordinal, p.Name, p.Status, p.SafetyPriority, nullable(p.OpenedAt), nullable(p.ClosedAt))
	return err
}

func (r Repo) GetPhase(ctx context.Context, ordinal int) (domain.Phase, error) {
	return scanPhase(r.DB.QueryRowContext(ctx, `SELECT ordinal,name,status,safety_priority,opened_at,closed_at FROM phases WHERE ordinal=?`, ordinal))
}

func (r Repo) GetPhaseTx(ctx context.Context, tx *sql.Tx, ordinal int) (domain.Phase, error) {
	return scanPhase(tx.QueryRowContext(ctx, `SELECT ordinal,name,status,safety_priority,opened_at,closed_at FROM phases WHERE ordinal=?`, ordinal))
}

func scanPhase(row *sql.Row) (domain.Phase, error) {
	var p domain.Phase
	var opened, closed sql.NullString
	err := row.Scan(&p.Ordinal, &p.Name, &p.Status, &p.SafetyPriority, &opened, &closed)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if opened.Valid {
		p.OpenedAt = opened.String
	}
	if closed.Valid {
		p.ClosedAt = closed.String
	}
	return p, nil
}

func (r Repo) ListPhases(ctx context.Context) ([]domain.Phase, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT ordinal,name,status,safety_priority,opened_at,closed_at FROM phases ORDER BY ordinal ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Phase
	for rows.Next() {
		var p domain.Phase
		var opened, closed sql.NullString
		if err := rows.Scan(&p.Ordinal, &p.Name, &p.Status, &p.SafetyPriority, &opened, &closed); err != nil {
			return nil, err
		}
		if opened.Valid {
			p.OpenedAt = opened.String
		}
		if closed.Valid {
			p.ClosedAt = closed.String
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// OpenPhaseOrdinal returns the single currently-open phase.
func (r Repo) OpenPhaseOrdinal(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT ordinal FROM phases WHERE status='open' ORDER BY ordinal ASC LIMIT 1`).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return n, err
}

func (r Repo) UpdatePhaseStatusTx(ctx context.Context, tx *sql.Tx, ordinal int, status, openedAt, closedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE phases SET status=?, opened_at=COALESCE(?,opened_at), closed_at=? WHERE ordinal=?`,
		status, nullable(openedAt), nullable(closedAt), ordinal)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- gate criteria ---

func (r Repo) InsertCriterionTx(ctx context.Context, tx *sql.Tx, c domain.GateCriterion) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO gate_criteria(id,phase_ordinal,kind,description,satisfied,evidence_ref,updated_at) VALUES (?,?,?,?,?,?,?)`,
		c.ID, c.PhaseOrdinal, c.Kind, c.Description, boolToInt(c.Satisfied), nullable(c.EvidenceRef), nullable(c.UpdatedAt))
	return err
}

func (r Repo) ListCriteria(ctx context.Context, phaseOrdinal int) ([]domain.GateCriterion, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,phase_ordinal,kind,description,satisfied,evidence_ref,updated_at FROM gate_criteria WHERE phase_ordinal=? ORDER BY id ASC`, phaseOrdinal)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.GateCriterion
	for rows.Next() {
		var c domain.GateCriterion
		var satisfied int
		var evidence, updated sql.NullString
		if err := rows.Scan(&c.ID, &c.PhaseOrdinal, &c.Kind, &c.Description, &satisfied, &evidence, &updated); err != nil {
			return nil, err
		}
		c.Satisfied = satisfied != 0
		if evidence.Valid {
			c.EvidenceRef = evidence.String
		}
		if updated.Valid {
			c.UpdatedAt = updated.String
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) UpdateCriterionTx(ctx context.Context, tx *sql.Tx, id string, satisfied bool, evidenceRef, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE gate_criteria SET satisfied=?, evidence_ref=?, updated_at=? WHERE id=?`,
		boolToInt(satisfied), nullable(evidenceRef), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- work items ---

func (r Repo) InsertItemTx(ctx context.Context, tx *sql.Tx, it domain.WorkItem) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO work_items(id,phase_ordinal,title,role,status,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		it.ID, it.PhaseOrdinal, it.Title, nullable(it.Role), it.Status, it.CreatedAt, it.UpdatedAt)
	return err
}

func (r Repo) GetItem(ctx context.Context, id string) (domain.WorkItem, error) {
	return scanItem(r.DB.QueryRowContext(ctx, `SELECT id,phase_ordinal,title,role,status,created_at,updated_at FROM work_items WHERE id=?`, id))
}

func (r Repo) GetItemTx(ctx context.Context, tx *sql.Tx, id string) (domain.WorkItem, error) {
	return scanItem(tx.QueryRowContext(ctx, `SELECT id,phase_ordinal,title,role,status,created_at,updated_at FROM work_items WHERE id=?`, id))
}

func scanItem(row *sql.Row) (domain.WorkItem, error) {
	var it domain.WorkItem
	var role sql.NullString
	err := row.Scan(&it.ID, &it.PhaseOrdinal, &it.Title, &role, &it.Status, &it.CreatedAt, &it.UpdatedAt)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	if err != nil {
		return it, err
	}
	if role.Valid {
		it.Role = role.String
	}
	return it, nil
}

type ItemFilters struct {
	PhaseOrdinal int
	Status       string
	Role         string
	Limit        int
}

func (r Repo) ListItems(ctx context.Context, f ItemFilters) ([]domain.WorkItem, error) {
	var clauses []string
	var args []any
	if f.PhaseOrdinal > 0 {
		clauses = append(clauses, "phase_ordinal=?")
		args = append(args, f.PhaseOrdinal)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Role != "" {
		clauses = append(clauses, "role=?")
		args = append(args, f.Role)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id,phase_ordinal,title,role,status,created_at,updated_at FROM work_items ` + where + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		var it domain.WorkItem
		var role sql.NullString
		if err := rows.Scan(&it.ID, &it.PhaseOrdinal, &it.Title, &role, &it.Status, &it.CreatedAt, &it.UpdatedAt); err != nil {
			return nil, err
		}
		if role.Valid {
			it.Role = role.String
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

func (r Repo) UpdateItemTx(ctx context.Context, tx *sql.Tx, it domain.WorkItem) error {
	res, err := tx.ExecContext(ctx, `UPDATE work_items SET title=?, role=?, status=?, updated_at=? WHERE id=?`,
		it.Title, nullable(it.Role), it.Status, it.UpdatedAt, it.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountItemsByStatus(ctx context.Context, phaseOrdinal int) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM work_items WHERE phase_ordinal=? GROUP BY status`, phaseOrdinal)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

// LatestEventID returns the highest event ID, or zero when no events exist.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT max(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
