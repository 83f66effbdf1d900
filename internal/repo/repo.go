package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"revisaria/internal/config"
	"revisaria/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrVersionConflict is returned when an update carries a stale project
// version. Callers reload and retry.
var ErrVersionConflict = errors.New("project version conflict")

const projectColumns = `id,firm_id,typology,amount,current_phase,risk_score,counterparty_id,status,COALESCE(description,'') AS description,version,created_at,updated_at`

func scanProjectRow(scan func(dest ...any) error) (domain.Project, error) {
	var p domain.Project
	var firmID string
	var counterpartyID sql.NullString
	err := scan(&p.ID, &firmID, &p.Typology, &p.Amount, &p.CurrentPhase, &p.RiskScore, &counterpartyID, &p.Status, &p.Description, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if counterpartyID.Valid {
		p.CounterpartyID = counterpartyID.String
	}
	_ = firmID
	return p, err
}

func (r Repo) InsertProjectTx(ctx context.Context, tx *sql.Tx, firmID string, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,firm_id,typology,amount,current_phase,risk_score,counterparty_id,status,description,version,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, firmID, p.Typology, p.Amount, p.CurrentPhase, p.RiskScore, nullable(p.CounterpartyID), p.Status, nullable(p.Description), p.Version, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id)
	return scanProjectRow(row.Scan)
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id)
	return scanProjectRow(row.Scan)
}

func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	projects, err := r.ListProjects(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	if len(projects) == 0 {
		return domain.Project{}, ErrNotFound
	}
	if len(projects) > 1 {
		return domain.Project{}, fmt.Errorf("multiple projects exist; specify --project")
	}
	return projects[0], nil
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProjectRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, nil
}

// UpdateProjectTx persists mutable project fields guarded by the version
// column. The row's version must still equal p.Version-1; a mismatch means
// a concurrent writer won and the caller gets ErrVersionConflict.
func (r Repo) UpdateProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET typology=?, amount=?, current_phase=?, risk_score=?, counterparty_id=?, status=?, description=?, version=?, updated_at=? WHERE id=? AND version=?`,
		p.Typology, p.Amount, p.CurrentPhase, p.RiskScore, nullable(p.CounterpartyID), p.Status, nullable(p.Description), p.Version, p.UpdatedAt, p.ID, p.Version-1)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, getErr := r.GetProjectTx(ctx, tx, p.ID); getErr == ErrNotFound {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	return nil
}

func (r Repo) EnsureFirm(ctx context.Context, tx *sql.Tx, firmID, name, now string) error {
	if name == "" {
		name = firmID
	}
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO firms(id, name, created_at) VALUES (?,?,?)`, firmID, name, now)
	return err
}

func (r Repo) UpsertFirmConfig(ctx context.Context, firmID string, cfg *config.Config) error {
	return upsertFirmConfig(ctx, r.DB, nil, firmID, cfg)
}

func (r Repo) UpsertFirmConfigTx(ctx context.Context, tx *sql.Tx, firmID string, cfg *config.Config) error {
	return upsertFirmConfig(ctx, nil, tx, firmID, cfg)
}

func upsertFirmConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, firmID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Firm.ID = firmID
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
	_, err = exec(`INSERT INTO firm_configs(firm_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(firm_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, firmID, string(payload), now, now)
	return err
}

func (r Repo) GetFirmConfig(ctx context.Context, firmID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM firm_configs WHERE firm_id=?`, firmID).Scan(&payload)
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
	if cfg.Firm.ID == "" {
		cfg.Firm.ID = firmID
	}
	return &cfg, cfg.Validate()
}

// AnyFirmConfig returns the single stored config, for workspaces that hold
// exactly one firm.
func (r Repo) AnyFirmConfig(ctx context.Context) (string, *config.Config, error) {
	var firmID string
	err := r.DB.QueryRowContext(ctx, `SELECT firm_id FROM firm_configs LIMIT 1`).Scan(&firmID)
	if err == sql.ErrNoRows {
		return "", nil, ErrNotFound
	}
	if err != nil {
		return "", nil, err
	}
	cfg, err := r.GetFirmConfig(ctx, firmID)
	return firmID, cfg, err
}

func (r Repo) InsertCounterpartyTx(ctx context.Context, tx *sql.Tx, cp domain.Counterparty) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO counterparties(id,name,rfc,relationship,efos_listed,first_time,created_at) VALUES (?,?,?,?,?,?,?)`,
		cp.ID, cp.Name, nullable(cp.RFC), cp.Relationship, boolInt(cp.EFOSListed), boolInt(cp.FirstTime), cp.CreatedAt)
	return err
}

func (r Repo) UpdateCounterpartyTx(ctx context.Context, tx *sql.Tx, cp domain.Counterparty) error {
	res, err := tx.ExecContext(ctx, `UPDATE counterparties SET name=?, rfc=?, relationship=?, efos_listed=?, first_time=? WHERE id=?`,
		cp.Name, nullable(cp.RFC), cp.Relationship, boolInt(cp.EFOSListed), boolInt(cp.FirstTime), cp.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanCounterparty(scan func(dest ...any) error) (domain.Counterparty, error) {
	var cp domain.Counterparty
	var rfc sql.NullString
	var efos, firstTime int
	err := scan(&cp.ID, &cp.Name, &rfc, &cp.Relationship, &efos, &firstTime, &cp.CreatedAt)
	if err == sql.ErrNoRows {
		return cp, ErrNotFound
	}
	if rfc.Valid {
		cp.RFC = rfc.String
	}
	cp.EFOSListed = efos != 0
	cp.FirstTime = firstTime != 0
	return cp, err
}

func (r Repo) GetCounterparty(ctx context.Context, id string) (domain.Counterparty, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,name,rfc,relationship,efos_listed,first_time,created_at FROM counterparties WHERE id=?`, id)
	return scanCounterparty(row.Scan)
}

func (r Repo) GetCounterpartyTx(ctx context.Context, tx *sql.Tx, id string) (domain.Counterparty, error) {
	row := tx.QueryRowContext(ctx, `SELECT id,name,rfc,relationship,efos_listed,first_time,created_at FROM counterparties WHERE id=?`, id)
	return scanCounterparty(row.Scan)
}

func (r Repo) ListCounterparties(ctx context.Context) ([]domain.Counterparty, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,rfc,relationship,efos_listed,first_time,created_at FROM counterparties ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Counterparty
	for rows.Next() {
		cp, err := scanCounterparty(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, cp)
	}
	return res, nil
}

func (r Repo) InsertPhaseStatusTx(ctx context.Context, tx *sql.Tx, ps domain.PhaseStatus) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO phase_statuses(project_id,phase,state,closure_type,completed_at) VALUES (?,?,?,?,?)`,
		ps.ProjectID, ps.Phase, ps.State, nullable(string(ps.ClosureType)), nullableStringPtr(ps.CompletedAt))
	return err
}

func (r Repo) UpdatePhaseStatusTx(ctx context.Context, tx *sql.Tx, ps domain.PhaseStatus) error {
	res, err := tx.ExecContext(ctx, `UPDATE phase_statuses SET state=?, closure_type=?, completed_at=? WHERE project_id=? AND phase=?`,
		ps.State, nullable(string(ps.ClosureType)), nullableStringPtr(ps.CompletedAt), ps.ProjectID, ps.Phase)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPhaseStatus(scan func(dest ...any) error) (domain.PhaseStatus, error) {
	var ps domain.PhaseStatus
	var closure, completed sql.NullString
	err := scan(&ps.ProjectID, &ps.Phase, &ps.State, &closure, &completed)
	if err == sql.ErrNoRows {
		return ps, ErrNotFound
	}
	if closure.Valid {
		ps.ClosureType = domain.ClosureType(closure.String)
	}
	if completed.Valid {
		ps.CompletedAt = &completed.String
	}
	return ps, err
}

func (r Repo) GetPhaseStatus(ctx context.Context, projectID string, phase domain.Phase) (domain.PhaseStatus, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT project_id,phase,state,closure_type,completed_at FROM phase_statuses WHERE project_id=? AND phase=?`, projectID, phase)
	return scanPhaseStatus(row.Scan)
}

func (r Repo) GetPhaseStatusTx(ctx context.Context, tx *sql.Tx, projectID string, phase domain.Phase) (domain.PhaseStatus, error) {
	row := tx.QueryRowContext(ctx, `SELECT project_id,phase,state,closure_type,completed_at FROM phase_statuses WHERE project_id=? AND phase=?`, projectID, phase)
	return scanPhaseStatus(row.Scan)
}

// ListPhaseStatuses returns all phase rows for a project. Ordering follows
// the workflow sequence, not the string sort, so F10-style extensions would
// still come out in declaration order.
func (r Repo) ListPhaseStatuses(ctx context.Context, projectID string) ([]domain.PhaseStatus, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT project_id,phase,state,closure_type,completed_at FROM phase_statuses WHERE project_id=?`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	byPhase := map[domain.Phase]domain.PhaseStatus{}
	for rows.Next() {
		ps, err := scanPhaseStatus(rows.Scan)
		if err != nil {
			return nil, err
		}
		byPhase[ps.Phase] = ps
	}
	var res []domain.PhaseStatus
	for _, p := range domain.PhaseOrder {
		if ps, ok := byPhase[p]; ok {
			res = append(res, ps)
		}
	}
	return res, nil
}

func (r Repo) LatestEvents(ctx context.Context, limit int, projectID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, projectID, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, projectID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
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
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,project_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, projectID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,project_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
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
		var projectID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &projectID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if projectID.Valid {
			e.ProjectID = projectID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, nil
}

// LatestEventID returns the most recent event ID, optionally scoped to one
// project.
func (r Repo) LatestEventID(ctx context.Context, projectID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id=?`
		args = append(args, projectID)
	}
	row := r.DB.QueryRowContext(ctx, query, args...)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
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

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
