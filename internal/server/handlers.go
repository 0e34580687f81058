package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"caseline/internal/domain"
	"caseline/internal/engine"
	"caseline/internal/export"
	"caseline/internal/logger"
)

type handlers struct {
	e   engine.Engine
	log *logger.Logger
}

var (
	readErrors  = []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound}
	writeErrors = []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusBadGateway}
)

type projectPath struct {
	ProjectID string `path:"project_id"`
}

type jobPath struct {
	JobID string `path:"job_id"`
}

type workItemPath struct {
	WorkItemID string `path:"work_item_id"`
}

type exportOutput struct {
	ContentType        string `header:"Content-Type"`
	ContentDisposition string `header:"Content-Disposition"`
	Body               []byte
}

func requireBody(ctx context.Context) huma.StatusError {
	if len(bodyBytes(ctx)) == 0 {
		return newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
	}
	return nil
}

func (h handlers) registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal and grants",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, _ := principalFromContext(ctx)
		grants, err := h.e.ListGrants(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{UserID: userID, Source: p.Source, Grants: nonNilSlice(grants)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-access",
		Method:      http.MethodGet,
		Path:        "/access",
		Summary:     "List the caller's access grants",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.AccessGrant `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		grants, err := h.e.ListGrants(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.AccessGrant `json:"body"`
		}{Body: nonNilSlice(grants)}, nil
	})
}

func (h handlers) registerSync(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "sync",
		Method:      http.MethodPost,
		Path:        "/sync",
		Summary:     "Mirror the caller's external resources, projects and grants",
		Errors:      []int{http.StatusUnauthorized, http.StatusConflict, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Token string `header:"X-External-Token"`
	}) (*struct {
		Body engine.SyncResult `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := h.e.SyncUser(ctx, userID, input.Token)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.SyncResult `json:"body"`
		}{Body: res}, nil
	})
}

func (h handlers) registerCatalog(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-resources",
		Method:      http.MethodGet,
		Path:        "/resources",
		Summary:     "List resources the caller can reach",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.ExternalResource `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := h.e.ListAccessibleResources(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ExternalResource `json:"body"`
		}{Body: nonNilSlice(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/resources/{resource_id}/projects",
		Summary:     "List granted projects of a resource",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ResourceID string `path:"resource_id"`
	}) (*struct {
		Body []domain.ExternalProject `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := h.e.ListAccessibleProjects(ctx, userID, input.ResourceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ExternalProject `json:"body"`
		}{Body: nonNilSlice(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-work-item-types",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/work-item-types",
		Summary:     "List work item types of a project",
		Errors:      readErrors,
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body []domain.WorkItemType `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		types, err := h.e.ListWorkItemTypes(ctx, userID, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.WorkItemType `json:"body"`
		}{Body: nonNilSlice(types)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "search-work-items",
		Method:      http.MethodGet,
		Path:        "/resources/{resource_id}/projects/{project_id}/work-items/search",
		Summary:     "Search requirements in the external project",
		Errors:      append([]int{http.StatusBadRequest, http.StatusBadGateway}, readErrors...),
	}, func(ctx context.Context, input *struct {
		ResourceID    string   `path:"resource_id"`
		ProjectID     string   `path:"project_id"`
		Token         string   `header:"X-External-Token"`
		Text          string   `query:"text"`
		WorkItemTypes []string `query:"type"`
		Assignee      string   `query:"assignee"`
		Limit         int      `query:"limit" default:"50"`
		PageToken     string   `query:"page_token"`
	}) (*struct {
		Body domain.WorkItemPage `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		page, err := h.e.SearchWorkItems(ctx, engine.SearchWorkItemsOptions{
			UserID:     userID,
			ResourceID: input.ResourceID,
			ProjectID:  input.ProjectID,
			Token:      input.Token,
			Filters: domain.WorkItemSearch{
				Text:          input.Text,
				WorkItemTypes: input.WorkItemTypes,
				Assignee:      input.Assignee,
				MaxResults:    input.Limit,
				PageToken:     input.PageToken,
			},
		})
		if err != nil {
			return nil, handleError(err)
		}
		page.Items = nonNilSlice(page.Items)
		return &struct {
			Body domain.WorkItemPage `json:"body"`
		}{Body: page}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-status",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/status",
		Summary:     "Work item counts by status",
		Errors:      readErrors,
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body engine.ProjectStatus `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		st, err := h.e.ProjectStatus(ctx, userID, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ProjectStatus `json:"body"`
		}{Body: st}, nil
	})
}

func (h handlers) registerSettings(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-project-settings",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/settings",
		Summary:     "Compliance frameworks and custom rules",
		Errors:      readErrors,
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body domain.ProjectSettings `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := h.e.GetProjectSettings(ctx, userID, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		s.Frameworks = nonNilSlice(s.Frameworks)
		s.Rules = nonNilSlice(s.Rules)
		return &struct {
			Body domain.ProjectSettings `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-project-compliance",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/settings/compliance",
		Summary:     "Replace compliance frameworks",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		Body      ComplianceRequest `json:"body"`
	}) (*struct {
		Body []domain.ComplianceFramework `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		fws, err := h.e.SetProjectCompliance(ctx, userID, input.ProjectID, complianceFrameworks(input.Body.Frameworks))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ComplianceFramework `json:"body"`
		}{Body: nonNilSlice(fws)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-project-rules",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/rules",
		Summary:     "List custom generation rules",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		ActiveOnly bool   `query:"active_only"`
	}) (*struct {
		Body []domain.ProjectRule `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rules, err := h.e.ListProjectRules(ctx, userID, input.ProjectID, input.ActiveOnly)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ProjectRule `json:"body"`
		}{Body: nonNilSlice(rules)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-project-rule",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/rules",
		Summary:       "Add a custom generation rule",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string      `path:"project_id"`
		Body      RuleRequest `json:"body"`
	}) (*struct {
		Body domain.ProjectRule `json:"body"`
	}, error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rule, err := h.e.AddProjectRule(ctx, userID, input.ProjectID, engine.RuleInput{
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Severity:    input.Body.Severity,
			Active:      input.Body.Active,
			Tags:        input.Body.Tags,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ProjectRule `json:"body"`
		}{Body: rule}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-project-rule",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/rules/{rule_id}",
		Summary:     "Update a custom generation rule",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string           `path:"project_id"`
		RuleID    string           `path:"rule_id"`
		Body      RulePatchRequest `json:"body"`
	}) (*struct {
		Body domain.ProjectRule `json:"body"`
	}, error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rule, err := h.e.UpdateProjectRule(ctx, userID, input.ProjectID, input.RuleID, engine.RulePatch{
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Severity:    input.Body.Severity,
			Active:      input.Body.Active,
			Tags:        input.Body.Tags,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ProjectRule `json:"body"`
		}{Body: rule}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-project-rule",
		Method:        http.MethodDelete,
		Path:          "/projects/{project_id}/rules/{rule_id}",
		Summary:       "Delete a custom generation rule",
		DefaultStatus: http.StatusNoContent,
		Errors:        readErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		RuleID    string `path:"rule_id"`
	}) (*struct{}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := h.e.DeleteProjectRule(ctx, userID, input.ProjectID, input.RuleID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func (h handlers) registerJobs(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/jobs",
		Summary:     "List generation jobs of a project",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedJobs `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		ts, id, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		jobs, err := h.e.ListJobs(ctx, userID, input.ProjectID, limit+1, ts, id)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedJobs{Items: nonNilSlice(jobs)}
		if len(jobs) > limit {
			last := jobs[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
			resp.Items = jobs[:limit]
		}
		return &struct {
			Body paginatedJobs `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-job",
		Method:        http.MethodPost,
		Path:          "/jobs",
		Summary:       "Create a generation job and dispatch it",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Token string           `header:"X-External-Token"`
		Body  CreateJobRequest `json:"body"`
	}) (*struct {
		Body engine.JobResult `json:"body"`
	}, error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := createJobOptions(userID, input.Token, input.Body)
		var (
			res engine.JobResult
			err error
		)
		if input.Body.Dispatch != nil && !*input.Body.Dispatch {
			var created engine.CreateJobResult
			created, err = h.e.CreateJob(ctx, opts)
			res = engine.JobResult{Job: created.Job, Items: created.Items, Staled: created.Staled}
		} else {
			res, err = h.e.SubmitJob(ctx, opts)
		}
		if err != nil {
			return nil, handleError(err)
		}
		res.Items = nonNilSlice(res.Items)
		res.Staled = nonNilSlice(res.Staled)
		return &struct {
			Body engine.JobResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}",
		Summary:     "Get a generation job",
		Errors:      readErrors,
	}, func(ctx context.Context, input *jobPath) (*struct {
		Body domain.GenerationJob `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		job, err := h.e.GetJob(ctx, userID, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.GenerationJob `json:"body"`
		}{Body: job}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-job",
		Method:        http.MethodDelete,
		Path:          "/jobs/{job_id}",
		Summary:       "Delete a job with its work items and artifacts",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *jobPath) (*struct{}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := h.e.DeleteJob(ctx, userID, input.JobID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-work-items",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/work-items",
		Summary:     "List work items of a job",
		Errors:      append([]int{http.StatusBadRequest}, readErrors...),
	}, func(ctx context.Context, input *struct {
		JobID  string `path:"job_id"`
		Status string `query:"status" enum:"pending,in_progress,completed,failed,stale,deployed"`
		Sort   string `query:"sort" enum:"created_at,updated_at" default:"created_at"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedWorkItems `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		ts, id, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := h.e.ListWorkItems(ctx, engine.ListWorkItemsOptions{
			UserID:   userID,
			JobID:    input.JobID,
			Status:   input.Status,
			Sort:     input.Sort,
			Limit:    limit + 1,
			CursorTS: ts,
			CursorID: id,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedWorkItems{Items: nonNilSlice(items)}
		if len(items) > limit {
			last := items[limit-1]
			sortTS := last.CreatedAt
			if input.Sort == "updated_at" {
				sortTS = last.UpdatedAt
			}
			resp.NextCursor = composeCursor(sortTS, last.ID)
			resp.Items = items[:limit]
		}
		return &struct {
			Body paginatedWorkItems `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "export-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/export",
		Summary:     "Export every work item of a job with its artifacts",
		Errors:      append([]int{http.StatusBadRequest}, readErrors...),
	}, func(ctx context.Context, input *struct {
		JobID  string `path:"job_id"`
		Format string `query:"format" enum:"csv,json" default:"json"`
	}) (*exportOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return h.export(input.Format, "job-"+input.JobID, func(f export.Format, w *strings.Builder) error {
			return h.e.ExportJob(ctx, userID, input.JobID, f, w)
		})
	})
}

func (h handlers) registerWorkItems(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-work-item",
		Method:      http.MethodGet,
		Path:        "/work-items/{work_item_id}",
		Summary:     "Get a work item with its artifacts",
		Errors:      readErrors,
	}, func(ctx context.Context, input *workItemPath) (*struct {
		Body WorkItemResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := h.e.GetWorkItem(ctx, userID, input.WorkItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkItemResponse `json:"body"`
		}{Body: workItemResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "save-draft",
		Method:      http.MethodPut,
		Path:        "/work-items/{work_item_id}/artifacts",
		Summary:     "Save reviewed artifacts",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		WorkItemID string           `path:"work_item_id"`
		Body       SaveDraftRequest `json:"body"`
	}) (*struct {
		Body SaveDraftResponse `json:"body"`
	}, error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts, err := saveDraftOptions(userID, input.WorkItemID, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		arts, err := h.e.SaveDraft(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SaveDraftResponse `json:"body"`
		}{Body: SaveDraftResponse{WorkItemID: input.WorkItemID, Artifacts: mapArtifacts(arts)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deploy-work-item",
		Method:      http.MethodPost,
		Path:        "/work-items/{work_item_id}/deploy",
		Summary:     "Push artifacts of a completed work item to the ALM",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		WorkItemID string        `path:"work_item_id"`
		Token      string        `header:"X-External-Token"`
		Body       DeployRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body engine.DeployResult `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := h.e.Deploy(ctx, engine.DeployOptions{
			UserID:         userID,
			WorkItemID:     input.WorkItemID,
			Token:          input.Token,
			WorkItemTypeID: input.Body.WorkItemTypeID,
			ArtifactIDs:    input.Body.ArtifactIDs,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.DeployResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "regenerate-work-item",
		Method:        http.MethodPost,
		Path:          "/work-items/{work_item_id}/regenerate",
		Summary:       "Regenerate artifacts in a new job",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *workItemPath) (*struct {
		Body engine.JobResult `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := h.e.Regenerate(ctx, userID, input.WorkItemID)
		if err != nil {
			return nil, handleError(err)
		}
		res.Items = nonNilSlice(res.Items)
		res.Staled = nonNilSlice(res.Staled)
		return &struct {
			Body engine.JobResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "export-work-item",
		Method:      http.MethodGet,
		Path:        "/work-items/{work_item_id}/export",
		Summary:     "Export one work item with its artifacts",
		Errors:      append([]int{http.StatusBadRequest}, readErrors...),
	}, func(ctx context.Context, input *struct {
		WorkItemID string `path:"work_item_id"`
		Format     string `query:"format" enum:"csv,json" default:"json"`
	}) (*exportOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return h.export(input.Format, "work-item-"+input.WorkItemID, func(f export.Format, w *strings.Builder) error {
			return h.e.ExportWorkItem(ctx, userID, input.WorkItemID, f, w)
		})
	})
}

func (h handlers) export(format, name string, write func(export.Format, *strings.Builder) error) (*exportOutput, error) {
	f, err := export.ParseFormat(format)
	if err != nil {
		return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"format": format})
	}
	var buf strings.Builder
	if err := write(f, &buf); err != nil {
		return nil, handleError(err)
	}
	return &exportOutput{
		ContentType:        f.ContentType(),
		ContentDisposition: fmt.Sprintf("attachment; filename=%q", name+"."+string(f)),
		Body:               []byte(buf.String()),
	}, nil
}

func (h handlers) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "List recent events of a project",
		Errors:      append([]int{http.StatusBadRequest}, readErrors...),
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Type      string `query:"type"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		cursor, err := parseEventCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := h.e.ProjectEvents(ctx, userID, input.ProjectID, limit+1, cursor, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: nonNilSlice(items)}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			resp.Items = items[:limit]
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

type localProjectOutput struct {
	Body domain.LocalProject `json:"body"`
}

func (h handlers) registerLocalProjects(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-local-projects",
		Method:      http.MethodGet,
		Path:        "/local-projects",
		Summary:     "List the caller's local projects",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.LocalProject `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		list, err := h.e.ListLocalProjects(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.LocalProject `json:"body"`
		}{Body: nonNilSlice(list)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-local-project",
		Method:        http.MethodPost,
		Path:          "/local-projects",
		Summary:       "Create a local project for manual requirements",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body LocalProjectRequest `json:"body"`
	}) (*localProjectOutput, error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := h.e.CreateLocalProject(ctx, userID, engine.LocalProjectInput{
			Name:        input.Body.Name,
			Description: input.Body.Description,
			Frameworks:  complianceFrameworks(input.Body.Frameworks),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &localProjectOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-local-project",
		Method:      http.MethodGet,
		Path:        "/local-projects/{project_id}",
		Summary:     "Get a local project",
		Errors:      readErrors,
	}, func(ctx context.Context, input *projectPath) (*localProjectOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := h.e.GetLocalProject(ctx, userID, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &localProjectOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-local-project",
		Method:      http.MethodPatch,
		Path:        "/local-projects/{project_id}",
		Summary:     "Rename a local project or replace its frameworks",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string                   `path:"project_id"`
		Body      LocalProjectPatchRequest `json:"body"`
	}) (*localProjectOutput, error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		patch := engine.LocalProjectPatch{Name: input.Body.Name, Description: input.Body.Description}
		if input.Body.Frameworks != nil {
			patch.Frameworks = complianceFrameworks(input.Body.Frameworks)
		}
		p, err := h.e.UpdateLocalProject(ctx, userID, input.ProjectID, patch)
		if err != nil {
			return nil, handleError(err)
		}
		return &localProjectOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-local-project",
		Method:        http.MethodDelete,
		Path:          "/local-projects/{project_id}",
		Summary:       "Delete a local project with its jobs",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *projectPath) (*struct{}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := h.e.DeleteLocalProject(ctx, userID, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
