package repo

import (
	"context"
	"database/sql"

	"caseline/internal/domain"
)

// ListGrants returns every grant persisted for the user.
func (r Repo) ListGrants(ctx context.Context, userID string) ([]domain.AccessGrant, error) {
	return listGrants(ctx, r.DB, userID)
}

func (r Repo) ListGrantsTx(ctx context.Context, tx *sql.Tx, userID string) ([]domain.AccessGrant, error) {
	return listGrants(ctx, tx, userID)
}

func listGrants(ctx context.Context, q Querier, userID string) ([]domain.AccessGrant, error) {
	rows, err := q.QueryContext(ctx, `SELECT user_id,resource_id,project_id,created_at FROM access_grants WHERE user_id=? ORDER BY resource_id, project_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AccessGrant
	for rows.Next() {
		var g domain.AccessGrant
		var projectID sql.NullString
		if err := rows.Scan(&g.UserID, &g.ResourceID, &projectID, &g.CreatedAt); err != nil {
			return nil, err
		}
		if projectID.Valid {
			v := projectID.String
			g.ProjectID = &v
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

func (r Repo) InsertGrantTx(ctx context.Context, tx *sql.Tx, g domain.AccessGrant) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO access_grants(user_id,resource_id,project_id,created_at) VALUES (?,?,?,?)`,
		g.UserID, g.ResourceID, nullString(g.ProjectID), g.CreatedAt)
	return err
}

// DeleteGrantTx removes one grant. A nil project matches the resource-level row only.
func (r Repo) DeleteGrantTx(ctx context.Context, tx *sql.Tx, g domain.AccessGrant) error {
	if g.ProjectID == nil {
		_, err := tx.ExecContext(ctx, `DELETE FROM access_grants WHERE user_id=? AND resource_id=? AND project_id IS NULL`, g.UserID, g.ResourceID)
		return err
	}
	_, err := tx.ExecContext(ctx, `DELETE FROM access_grants WHERE user_id=? AND resource_id=? AND project_id=?`, g.UserID, g.ResourceID, *g.ProjectID)
	return err
}

// CountGrants returns the number of grants held by the user.
func (r Repo) CountGrants(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM access_grants WHERE user_id=?`, userID).Scan(&n)
	return n, err
}
