package engine

import (
	"context"
	"errors"

	"caseline/internal/domain"
	"caseline/internal/repo"
)

func (e Engine) ListAccessibleResources(ctx context.Context, userID string) ([]domain.ExternalResource, error) {
	res, err := e.Repo.ListAccessibleResources(ctx, userID)
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = []domain.ExternalResource{}
	}
	return res, nil
}

// ListAccessibleProjects returns granted projects, optionally within one resource.
func (e Engine) ListAccessibleProjects(ctx context.Context, userID, resourceID string) ([]domain.ExternalProject, error) {
	res, err := e.Repo.ListAccessibleProjects(ctx, userID, resourceID)
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = []domain.ExternalProject{}
	}
	return res, nil
}

func (e Engine) ListWorkItemTypes(ctx context.Context, userID, projectID string) ([]domain.WorkItemType, error) {
	if _, err := e.projectScope(ctx, userID, projectID); err != nil {
		return nil, err
	}
	types, err := e.Repo.ListWorkItemTypes(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if types == nil {
		types = []domain.WorkItemType{}
	}
	return types, nil
}

func (e Engine) ListGrants(ctx context.Context, userID string) ([]domain.AccessGrant, error) {
	grants, err := e.Repo.ListGrants(ctx, userID)
	if err != nil {
		return nil, err
	}
	if grants == nil {
		grants = []domain.AccessGrant{}
	}
	return grants, nil
}

// ProjectEvents pages the event log of a project newest first.
func (e Engine) ProjectEvents(ctx context.Context, userID, projectID string, limit int, cursor int64, evtType string) ([]domain.Event, error) {
	resourceID, err := e.projectResource(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := e.requireAccess(ctx, nil, userID, resourceID, projectID); err != nil {
		return nil, err
	}
	return e.Repo.LatestEvents(ctx, repo.EventFilter{ProjectID: projectID, Type: evtType}, limit, cursor)
}

type SearchWorkItemsOptions struct {
	UserID     string `validate:"required"`
	ResourceID string `validate:"required"`
	ProjectID  string `validate:"required"`
	Token      string
	Filters    domain.WorkItemSearch
}

// SearchWorkItems queries the external system for requirements of a granted
// project, for picking items to put in a job.
func (e Engine) SearchWorkItems(ctx context.Context, opts SearchWorkItemsOptions) (domain.WorkItemPage, error) {
	if err := validateStruct(opts); err != nil {
		return domain.WorkItemPage{}, err
	}
	if opts.ResourceID == domain.LocalResourceID {
		return domain.WorkItemPage{}, ValidationError{Field: "resource_id", Reason: "local projects have no external items to search"}
	}
	if err := e.checkProject(ctx, opts.UserID, opts.ResourceID, opts.ProjectID); err != nil {
		return domain.WorkItemPage{}, err
	}
	if e.Resources == nil {
		return domain.WorkItemPage{}, errors.New("resource client not configured")
	}
	tok, err := e.token(opts.Token)
	if err != nil {
		return domain.WorkItemPage{}, &SyncError{Stage: StageToken, Err: err}
	}
	page, err := e.Resources.SearchWorkItems(ctx, tok, opts.ResourceID, opts.ProjectID, opts.Filters)
	if err != nil {
		return domain.WorkItemPage{}, &SyncError{Stage: StageSearch, Err: err}
	}
	if page.Items == nil {
		page.Items = []domain.ExternalWorkItem{}
	}
	return page, nil
}
