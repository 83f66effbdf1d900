package repo

import (
	"context"
	"database/sql"
	"strings"

	"revisaria/internal/domain"
)

// Opinions are append-only. Resubmission inserts a new row; the newest row
// per (agent, phase) wins, older rows stay for the audit trail.

func (r Repo) InsertOpinionTx(ctx context.Context, tx *sql.Tx, op domain.AgentOpinion) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO agent_opinions(id,project_id,agent_id,phase,decision,justification,scores_json,submitted_by,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		op.ID, op.ProjectID, op.AgentID, op.Phase, op.Decision, nullable(op.Justification), nullableStringPtr(op.ScoresJSON), op.SubmittedBy, op.CreatedAt)
	return err
}

type OpinionFilters struct {
	ProjectID string
	Phase     domain.Phase
	AgentID   string
	Limit     int
}

// ListOpinions returns the full opinion history matching the filters, oldest
// first. Insert order breaks timestamp ties, so last-write-wins reductions
// over this slice are deterministic.
func (r Repo) ListOpinions(ctx context.Context, f OpinionFilters) ([]domain.AgentOpinion, error) {
	clauses := []string{"project_id=?"}
	args := []any{f.ProjectID}
	if f.Phase != "" {
		clauses = append(clauses, "phase=?")
		args = append(args, f.Phase)
	}
	if f.AgentID != "" {
		clauses = append(clauses, "agent_id=?")
		args = append(args, f.AgentID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT id,project_id,agent_id,phase,decision,justification,scores_json,submitted_by,created_at FROM agent_opinions ` + where + ` ORDER BY created_at ASC, rowid ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOpinions(rows)
}

func (r Repo) ListOpinionsTx(ctx context.Context, tx *sql.Tx, projectID string, phase domain.Phase) ([]domain.AgentOpinion, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id,project_id,agent_id,phase,decision,justification,scores_json,submitted_by,created_at FROM agent_opinions WHERE project_id=? AND phase=? ORDER BY created_at ASC, rowid ASC`, projectID, phase)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOpinions(rows)
}

func scanOpinions(rows *sql.Rows) ([]domain.AgentOpinion, error) {
	var res []domain.AgentOpinion
	for rows.Next() {
		var op domain.AgentOpinion
		var justification, scores sql.NullString
		if err := rows.Scan(&op.ID, &op.ProjectID, &op.AgentID, &op.Phase, &op.Decision, &justification, &scores, &op.SubmittedBy, &op.CreatedAt); err != nil {
			return nil, err
		}
		if justification.Valid {
			op.Justification = justification.String
		}
		if scores.Valid {
			op.ScoresJSON = &scores.String
		}
		res = append(res, op)
	}
	return res, nil
}
