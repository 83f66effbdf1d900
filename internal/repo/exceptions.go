package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"revisaria/internal/domain"
)

// Exceptions are immutable once written; there is no update or delete path.

func (r Repo) InsertExceptionTx(ctx context.Context, tx *sql.Tx, e domain.ExceptionRecord) error {
	var risks any
	if len(e.AcceptedRisks) > 0 {
		data, err := json.Marshal(e.AcceptedRisks)
		if err != nil {
			return err
		}
		risks = string(data)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO exceptions(id,project_id,phase,responsible,justification,accepted_risks_json,signed,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		e.ID, e.ProjectID, e.Phase, e.Responsible, e.Justification, risks, boolInt(e.Signed), e.CreatedAt)
	return err
}

// HasException reports whether a signed exception exists for the phase.
func (r Repo) HasException(ctx context.Context, projectID string, phase domain.Phase) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM exceptions WHERE project_id=? AND phase=? AND signed=1`, projectID, phase).Scan(&n)
	return n > 0, err
}

func (r Repo) HasExceptionTx(ctx context.Context, tx *sql.Tx, projectID string, phase domain.Phase) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM exceptions WHERE project_id=? AND phase=? AND signed=1`, projectID, phase).Scan(&n)
	return n > 0, err
}

func (r Repo) ListExceptions(ctx context.Context, projectID string) ([]domain.ExceptionRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,phase,responsible,justification,accepted_risks_json,signed,created_at FROM exceptions WHERE project_id=? ORDER BY created_at ASC, rowid ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ExceptionRecord
	for rows.Next() {
		var e domain.ExceptionRecord
		var risks sql.NullString
		var signed int
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.Phase, &e.Responsible, &e.Justification, &risks, &signed, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Signed = signed != 0
		if risks.Valid {
			if err := json.Unmarshal([]byte(risks.String), &e.AcceptedRisks); err != nil {
				return nil, err
			}
		}
		res = append(res, e)
	}
	return res, nil
}
