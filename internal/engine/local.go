package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"caseline/internal/domain"
	"caseline/internal/events"
	"caseline/internal/repo"
)

type LocalProjectInput struct {
	Name        string `validate:"required,max=200"`
	Description string `validate:"max=2000"`
	Frameworks  []domain.ComplianceFramework
}

type LocalProjectPatch struct {
	Name        *string `validate:"omitempty,max=200"`
	Description *string `validate:"omitempty,max=2000"`
	Frameworks  []domain.ComplianceFramework
}

// CreateLocalProject adds a project owned by userID. Jobs target it with
// resource id "local" and manual requirements.
func (e Engine) CreateLocalProject(ctx context.Context, userID string, in LocalProjectInput) (domain.LocalProject, error) {
	in.Name = strings.TrimSpace(in.Name)
	if userID == "" {
		return domain.LocalProject{}, ValidationError{Field: "user_id", Reason: "is required"}
	}
	if err := validateStruct(in); err != nil {
		return domain.LocalProject{}, err
	}
	frameworks, err := cleanFrameworks(in.Frameworks)
	if err != nil {
		return domain.LocalProject{}, err
	}
	now := e.ts()
	p := domain.LocalProject{
		ID:          uuid.NewString(),
		Name:        in.Name,
		Description: strings.TrimSpace(in.Description),
		OwnerID:     userID,
		Frameworks:  frameworks,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err = e.localTx(ctx, userID, p.ID, events.LocalProjectCreated, events.EventPayload{"name": p.Name}, func(tx *sql.Tx) error {
		return e.Repo.InsertLocalProjectTx(ctx, tx, p)
	})
	if err != nil {
		return domain.LocalProject{}, err
	}
	e.log().Info("local project created", "project_id", p.ID, "owner_id", userID)
	return p, nil
}

func (e Engine) ListLocalProjects(ctx context.Context, userID string) ([]domain.LocalProject, error) {
	out, err := e.Repo.ListLocalProjects(ctx, userID)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []domain.LocalProject{}
	}
	return out, nil
}

// GetLocalProject answers not found for projects owned by someone else.
func (e Engine) GetLocalProject(ctx context.Context, userID, projectID string) (domain.LocalProject, error) {
	p, err := e.Repo.GetLocalProject(ctx, nil, projectID)
	if err != nil {
		return domain.LocalProject{}, err
	}
	if p.OwnerID != userID {
		return domain.LocalProject{}, fmt.Errorf("local project %s: %w", projectID, repo.ErrNotFound)
	}
	return p, nil
}

func (e Engine) UpdateLocalProject(ctx context.Context, userID, projectID string, patch LocalProjectPatch) (domain.LocalProject, error) {
	if err := validateStruct(patch); err != nil {
		return domain.LocalProject{}, err
	}
	p, err := e.GetLocalProject(ctx, userID, projectID)
	if err != nil {
		return domain.LocalProject{}, err
	}
	if patch.Name != nil {
		if p.Name = strings.TrimSpace(*patch.Name); p.Name == "" {
			return domain.LocalProject{}, ValidationError{Field: "name", Reason: "is required"}
		}
	}
	if patch.Description != nil {
		p.Description = strings.TrimSpace(*patch.Description)
	}
	if patch.Frameworks != nil {
		if p.Frameworks, err = cleanFrameworks(patch.Frameworks); err != nil {
			return domain.LocalProject{}, err
		}
	}
	p.UpdatedAt = e.ts()
	err = e.localTx(ctx, userID, p.ID, events.LocalProjectUpdated, events.EventPayload{"name": p.Name, "frameworks": p.Frameworks}, func(tx *sql.Tx) error {
		return e.Repo.UpdateLocalProjectTx(ctx, tx, p)
	})
	if err != nil {
		return domain.LocalProject{}, err
	}
	return p, nil
}

// DeleteLocalProject removes the project with all of its jobs. It is refused
// while any of its items is being generated.
func (e Engine) DeleteLocalProject(ctx context.Context, userID, projectID string) error {
	if _, err := e.GetLocalProject(ctx, userID, projectID); err != nil {
		return err
	}
	release, err := e.lockFor(ctx, jobsLockKey(domain.LocalResourceID, projectID))
	if err != nil {
		return fmt.Errorf("delete local project: %w", err)
	}
	defer release()
	var jobs int
	err = e.localTx(ctx, userID, projectID, events.LocalProjectDeleted, nil, func(tx *sql.Tx) error {
		running, err := e.Repo.CountProjectItemsInStatusTx(ctx, tx, domain.LocalResourceID, projectID, domain.WorkItemInProgress)
		if err != nil {
			return err
		}
		if running > 0 {
			return fmt.Errorf("local project %s has %d items in progress: %w", projectID, running, ErrGenerationInProgress)
		}
		jobs, err = e.Repo.DeleteLocalProjectTx(ctx, tx, projectID)
		return err
	})
	if err != nil {
		return err
	}
	e.log().Info("local project deleted", "project_id", projectID, "jobs", jobs)
	return nil
}

func (e Engine) localTx(ctx context.Context, userID, projectID, evtType string, payload events.EventPayload, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := e.emit(ctx, tx, events.Entry{
		Type:       evtType,
		ProjectID:  projectID,
		EntityKind: "local_project",
		EntityID:   projectID,
		ActorID:    userID,
		Payload:    payload,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// projectResource resolves the resource a project id lives under, looking at
// the external catalog first and local projects second.
func (e Engine) projectResource(ctx context.Context, projectID string) (string, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err == nil {
		return p.ResourceID, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return "", err
	}
	if _, err := e.Repo.GetLocalProject(ctx, nil, projectID); err != nil {
		return "", err
	}
	return domain.LocalResourceID, nil
}
