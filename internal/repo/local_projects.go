package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"caseline/internal/domain"
)

const localProjectColumns = `id,name,COALESCE(description,''),owner_id,frameworks_json,created_at,updated_at`

func scanLocalProject(row rowScanner) (domain.LocalProject, error) {
	var p domain.LocalProject
	var frameworks string
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.OwnerID, &frameworks, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Frameworks = []domain.ComplianceFramework{}
	if err := json.Unmarshal([]byte(frameworks), &p.Frameworks); err != nil {
		return p, err
	}
	return p, nil
}

func encodeFrameworks(in []domain.ComplianceFramework) (string, error) {
	if in == nil {
		return "[]", nil
	}
	b, err := json.Marshal(in)
	return string(b), err
}

func (r Repo) InsertLocalProjectTx(ctx context.Context, tx *sql.Tx, p domain.LocalProject) error {
	frameworks, err := encodeFrameworks(p.Frameworks)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO local_projects(id,name,description,owner_id,frameworks_json,created_at,updated_at)
VALUES (?,?,?,?,?,?,?)`, p.ID, p.Name, nullable(p.Description), p.OwnerID, frameworks, p.CreatedAt, p.UpdatedAt)
	return err
}

// UpdateLocalProjectTx rewrites name, description and frameworks.
func (r Repo) UpdateLocalProjectTx(ctx context.Context, tx *sql.Tx, p domain.LocalProject) error {
	frameworks, err := encodeFrameworks(p.Frameworks)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE local_projects SET name=?, description=?, frameworks_json=?, updated_at=? WHERE id=?`,
		p.Name, nullable(p.Description), frameworks, p.UpdatedAt, p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetLocalProject(ctx context.Context, q Querier, id string) (domain.LocalProject, error) {
	if q == nil {
		q = r.DB
	}
	return scanLocalProject(q.QueryRowContext(ctx, `SELECT `+localProjectColumns+` FROM local_projects WHERE id=?`, id))
}

// ListLocalProjects returns the projects owned by ownerID ordered by name.
func (r Repo) ListLocalProjects(ctx context.Context, ownerID string) ([]domain.LocalProject, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+localProjectColumns+` FROM local_projects WHERE owner_id=? ORDER BY name, id`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.LocalProject
	for rows.Next() {
		p, err := scanLocalProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CountProjectItemsInStatusTx counts items of every job under one
// (resource, project) pair.
func (r Repo) CountProjectItemsInStatusTx(ctx context.Context, tx *sql.Tx, resourceID, projectID string, status domain.WorkItemStatus) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM work_items w JOIN generation_jobs j ON j.id=w.job_id
WHERE j.resource_id=? AND j.project_id=? AND w.status=?`, resourceID, projectID, string(status)).Scan(&n)
	return n, err
}

// DeleteLocalProjectTx removes the project and its jobs. Items and artifacts
// follow through ON DELETE CASCADE.
func (r Repo) DeleteLocalProjectTx(ctx context.Context, tx *sql.Tx, id string) (int, error) {
	jobs, err := tx.ExecContext(ctx, `DELETE FROM generation_jobs WHERE resource_id=? AND project_id=?`, domain.LocalResourceID, id)
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM local_projects WHERE id=?`, id)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrNotFound
	}
	n, _ := jobs.RowsAffected()
	return int(n), nil
}
