package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"caseline/internal/domain"
)

func (r Repo) UpsertComplianceTx(ctx context.Context, tx *sql.Tx, projectID string, frameworks []domain.ComplianceFramework, actorID, now string) error {
	if frameworks == nil {
		frameworks = []domain.ComplianceFramework{}
	}
	data, err := json.Marshal(frameworks)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO project_compliance(project_id,frameworks_json,updated_by,updated_at) VALUES (?,?,?,?)
ON CONFLICT(project_id) DO UPDATE SET frameworks_json=excluded.frameworks_json, updated_by=excluded.updated_by, updated_at=excluded.updated_at`,
		projectID, string(data), actorID, now)
	return err
}

func (r Repo) GetCompliance(ctx context.Context, projectID string) ([]domain.ComplianceFramework, error) {
	var raw string
	err := r.DB.QueryRowContext(ctx, `SELECT frameworks_json FROM project_compliance WHERE project_id=?`, projectID).Scan(&raw)
	if err == sql.ErrNoRows {
		return []domain.ComplianceFramework{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := []domain.ComplianceFramework{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r Repo) InsertRuleTx(ctx context.Context, tx *sql.Tx, rule domain.ProjectRule) error {
	tags, err := encodeList(rule.Tags)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO project_rules(id,project_id,title,description,severity,is_active,tags_json,created_by,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		rule.ID, rule.ProjectID, rule.Title, rule.Description, rule.Severity, sqlBool(rule.Active), tags, rule.CreatedBy, rule.CreatedAt, rule.UpdatedAt)
	return err
}

func (r Repo) UpdateRuleTx(ctx context.Context, tx *sql.Tx, rule domain.ProjectRule) error {
	tags, err := encodeList(rule.Tags)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE project_rules SET title=?, description=?, severity=?, is_active=?, tags_json=?, updated_at=?
WHERE id=? AND project_id=?`,
		rule.Title, rule.Description, rule.Severity, sqlBool(rule.Active), tags, rule.UpdatedAt, rule.ID, rule.ProjectID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteRuleTx(ctx context.Context, tx *sql.Tx, projectID, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM project_rules WHERE id=? AND project_id=?`, id, projectID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetRule(ctx context.Context, projectID, id string) (domain.ProjectRule, error) {
	rules, err := r.listRules(ctx, `WHERE project_id=? AND id=?`, projectID, id)
	if err != nil {
		return domain.ProjectRule{}, err
	}
	if len(rules) == 0 {
		return domain.ProjectRule{}, ErrNotFound
	}
	return rules[0], nil
}

// ListRules returns the rules of a project; activeOnly drops disabled rules.
func (r Repo) ListRules(ctx context.Context, projectID string, activeOnly bool) ([]domain.ProjectRule, error) {
	if activeOnly {
		return r.listRules(ctx, `WHERE project_id=? AND is_active=1`, projectID)
	}
	return r.listRules(ctx, `WHERE project_id=?`, projectID)
}

func (r Repo) listRules(ctx context.Context, where string, args ...any) ([]domain.ProjectRule, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,title,description,severity,is_active,tags_json,created_by,created_at,updated_at
FROM project_rules `+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.ProjectRule{}
	for rows.Next() {
		var rule domain.ProjectRule
		var active int
		var tags string
		if err := rows.Scan(&rule.ID, &rule.ProjectID, &rule.Title, &rule.Description, &rule.Severity, &active, &tags,
			&rule.CreatedBy, &rule.CreatedAt, &rule.UpdatedAt); err != nil {
			return nil, err
		}
		rule.Active = active == 1
		rule.Tags = decodeList(tags)
		res = append(res, rule)
	}
	return res, rows.Err()
}
