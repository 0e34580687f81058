package repo

import (
	"context"
	"database/sql"
	"fmt"

	"caseline/internal/domain"
)

func (r Repo) InsertArtifactTx(ctx context.Context, tx *sql.Tx, a domain.GeneratedArtifact) error {
	desc, err := domain.MarshalDescription(a.Description)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO generated_artifacts(id,work_item_id,summary,kind,description_json,generated_by,linked_to,modified_by,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.WorkItemID, a.Summary, string(a.Description.Kind()), string(desc), string(a.GeneratedBy),
		nullable(a.LinkedTo), nullable(a.ModifiedBy), a.CreatedAt, a.UpdatedAt)
	return err
}

// UpdateArtifactTx rewrites the content of an artifact that belongs to the given work item.
func (r Repo) UpdateArtifactTx(ctx context.Context, tx *sql.Tx, a domain.GeneratedArtifact) error {
	desc, err := domain.MarshalDescription(a.Description)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE generated_artifacts SET summary=?, kind=?, description_json=?, generated_by=?, modified_by=?, updated_at=?
WHERE id=? AND work_item_id=?`,
		a.Summary, string(a.Description.Kind()), string(desc), string(a.GeneratedBy), nullable(a.ModifiedBy), a.UpdatedAt, a.ID, a.WorkItemID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("artifact %s: %w", a.ID, ErrNotFound)
	}
	return nil
}

func (r Repo) DeleteArtifactTx(ctx context.Context, tx *sql.Tx, workItemID, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM generated_artifacts WHERE id=? AND work_item_id=?`, id, workItemID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("artifact %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r Repo) SetArtifactLinkTx(ctx context.Context, tx *sql.Tx, id, linkedTo, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE generated_artifacts SET linked_to=?, updated_at=? WHERE id=?`, linkedTo, now, id)
	return err
}

const artifactColumns = `a.id,a.work_item_id,a.summary,a.description_json,a.generated_by,COALESCE(a.linked_to,''),COALESCE(a.modified_by,''),a.created_at,a.updated_at`

func scanArtifacts(rows *sql.Rows) ([]domain.GeneratedArtifact, error) {
	defer rows.Close()
	var res []domain.GeneratedArtifact
	for rows.Next() {
		var a domain.GeneratedArtifact
		var desc string
		if err := rows.Scan(&a.ID, &a.WorkItemID, &a.Summary, &desc, &a.GeneratedBy, &a.LinkedTo, &a.ModifiedBy, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		d, err := domain.UnmarshalDescription([]byte(desc))
		if err != nil {
			return nil, fmt.Errorf("artifact %s: %w", a.ID, err)
		}
		a.Description = d
		res = append(res, a)
	}
	return res, rows.Err()
}

// ListArtifacts returns the artifacts of one work item in creation order.
func (r Repo) ListArtifacts(ctx context.Context, workItemID string) ([]domain.GeneratedArtifact, error) {
	return listArtifacts(ctx, r.DB, workItemID)
}

func (r Repo) ListArtifactsTx(ctx context.Context, tx *sql.Tx, workItemID string) ([]domain.GeneratedArtifact, error) {
	return listArtifacts(ctx, tx, workItemID)
}

func listArtifacts(ctx context.Context, q Querier, workItemID string) ([]domain.GeneratedArtifact, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+artifactColumns+` FROM generated_artifacts a WHERE a.work_item_id=? ORDER BY a.created_at, a.id`, workItemID)
	if err != nil {
		return nil, err
	}
	return scanArtifacts(rows)
}

// ListJobArtifacts returns every artifact of every work item in a job keyed by work item id.
func (r Repo) ListJobArtifacts(ctx context.Context, jobID string) (map[string][]domain.GeneratedArtifact, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+artifactColumns+` FROM generated_artifacts a
JOIN work_items w ON w.id=a.work_item_id WHERE w.job_id=? ORDER BY a.created_at, a.id`, jobID)
	if err != nil {
		return nil, err
	}
	items, err := scanArtifacts(rows)
	if err != nil {
		return nil, err
	}
	out := map[string][]domain.GeneratedArtifact{}
	for _, a := range items {
		out[a.WorkItemID] = append(out[a.WorkItemID], a)
	}
	return out, nil
}
