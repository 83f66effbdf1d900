package repo

import (
	"context"
	"database/sql"

	"revisaria/internal/domain"
)

func (r Repo) UpsertDocumentTx(ctx context.Context, tx *sql.Tx, d domain.DocumentFlag) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO documents(project_id,document_type,present,updated_by,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(project_id,document_type) DO UPDATE SET present=excluded.present, updated_by=excluded.updated_by, updated_at=excluded.updated_at`,
		d.ProjectID, d.DocumentType, boolInt(d.Present), d.UpdatedBy, d.UpdatedAt)
	return err
}

func (r Repo) ListDocuments(ctx context.Context, projectID string) ([]domain.DocumentFlag, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT project_id,document_type,present,updated_by,updated_at FROM documents WHERE project_id=? ORDER BY document_type ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDocuments(rows)
}

func (r Repo) ListDocumentsTx(ctx context.Context, tx *sql.Tx, projectID string) ([]domain.DocumentFlag, error) {
	rows, err := tx.QueryContext(ctx, `SELECT project_id,document_type,present,updated_by,updated_at FROM documents WHERE project_id=? ORDER BY document_type ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDocuments(rows)
}

func scanDocuments(rows *sql.Rows) ([]domain.DocumentFlag, error) {
	var res []domain.DocumentFlag
	for rows.Next() {
		var d domain.DocumentFlag
		var present int
		if err := rows.Scan(&d.ProjectID, &d.DocumentType, &present, &d.UpdatedBy, &d.UpdatedAt); err != nil {
			return nil, err
		}
		d.Present = present != 0
		res = append(res, d)
	}
	return res, nil
}

// PresentDocuments returns the set of document types currently marked
// present for a project.
func (r Repo) PresentDocumentsTx(ctx context.Context, tx *sql.Tx, projectID string) (map[string]bool, error) {
	docs, err := r.ListDocumentsTx(ctx, tx, projectID)
	if err != nil {
		return nil, err
	}
	out := map[string]bool{}
	for _, d := range docs {
		if d.Present {
			out[d.DocumentType] = true
		}
	}
	return out, nil
}
