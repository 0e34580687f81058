package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"caseline/internal/domain"
	"caseline/internal/repo"
)

// AccessDeniedError indicates the user holds no grant for the resource/project pair.
type AccessDeniedError struct {
	UserID     string
	ResourceID string
	ProjectID  string
}

func (e AccessDeniedError) Error() string {
	return fmt.Sprintf("access denied: user has no grant for resource %s project %s", e.ResourceID, e.ProjectID)
}

// Service answers authorization questions from the access_grants table, the
// only source of truth for who can see what.
type Service struct {
	DB *sql.DB
}

// HasAccess reports whether userID holds a grant for exactly (resourceID,
// projectID). A resource-level grant (null project) does not cover projects.
// Local projects are reachable by their owner only.
// Pass a transaction as q to read inside it.
func (s Service) HasAccess(ctx context.Context, q repo.Querier, userID, resourceID, projectID string) (bool, error) {
	if q == nil {
		q = s.DB
	}
	if userID == "" || resourceID == "" || projectID == "" {
		return false, nil
	}
	var n int
	if resourceID == domain.LocalResourceID {
		err := q.QueryRowContext(ctx, `SELECT 1 FROM local_projects WHERE id=? AND owner_id=?`, projectID, userID).Scan(&n)
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return err == nil, err
	}
	err := q.QueryRowContext(ctx, `SELECT 1 FROM access_grants WHERE user_id=? AND resource_id=? AND project_id=? LIMIT 1`,
		userID, resourceID, projectID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// HasResource reports whether userID holds any grant under resourceID.
func (s Service) HasResource(ctx context.Context, q repo.Querier, userID, resourceID string) (bool, error) {
	if q == nil {
		q = s.DB
	}
	var n int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM access_grants WHERE user_id=? AND resource_id=? LIMIT 1`, userID, resourceID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// Require returns AccessDeniedError unless HasAccess holds.
func (s Service) Require(ctx context.Context, q repo.Querier, userID, resourceID, projectID string) error {
	ok, err := s.HasAccess(ctx, q, userID, resourceID, projectID)
	if err != nil {
		return err
	}
	if !ok {
		return AccessDeniedError{UserID: userID, ResourceID: resourceID, ProjectID: projectID}
	}
	return nil
}
