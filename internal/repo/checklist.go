package repo

import (
	"context"
	"database/sql"

	"revisaria/internal/domain"
)

// Marking a satisfied item again is a no-op; the first satisfier is kept.
func (r Repo) UpsertChecklistMarkTx(ctx context.Context, tx *sql.Tx, m domain.ChecklistMark) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO checklist_marks(project_id,item_id,satisfied_by,satisfied_at) VALUES (?,?,?,?)`,
		m.ProjectID, m.ItemID, m.SatisfiedBy, m.SatisfiedAt)
	return err
}

func (r Repo) DeleteChecklistMarkTx(ctx context.Context, tx *sql.Tx, projectID, itemID string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM checklist_marks WHERE project_id=? AND item_id=?`, projectID, itemID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListChecklistMarks(ctx context.Context, projectID string) ([]domain.ChecklistMark, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT project_id,item_id,satisfied_by,satisfied_at FROM checklist_marks WHERE project_id=? ORDER BY item_id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChecklistMark
	for rows.Next() {
		var m domain.ChecklistMark
		if err := rows.Scan(&m.ProjectID, &m.ItemID, &m.SatisfiedBy, &m.SatisfiedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, nil
}

// SatisfiedItems returns the satisfied item IDs for a project as a set.
func (r Repo) SatisfiedItems(ctx context.Context, projectID string) (map[string]bool, error) {
	marks, err := r.ListChecklistMarks(ctx, projectID)
	if err != nil {
		return nil, err
	}
	out := map[string]bool{}
	for _, m := range marks {
		out[m.ItemID] = true
	}
	return out, nil
}

func (r Repo) SatisfiedItemsTx(ctx context.Context, tx *sql.Tx, projectID string) (map[string]bool, error) {
	rows, err := tx.QueryContext(ctx, `SELECT item_id FROM checklist_marks WHERE project_id=?`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, nil
}
