package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"caseline/internal/domain"
	"caseline/internal/events"
	"caseline/internal/repo"
)

type ManualRequirement struct {
	Key         string             `validate:"max=64"`
	Summary     string             `validate:"required,max=500"`
	Description string
	Attachment  *domain.Attachment
}

type CreateJobOptions struct {
	UserID     string `validate:"required"`
	ResourceID string `validate:"required"`
	ProjectID  string `validate:"required"`
	Name       string `validate:"required,max=200"`
	Token      string
	// ExternalIDs are fetched from the external system unless a snapshot for
	// the same id is present in Items.
	ExternalIDs []string                  `validate:"dive,required"`
	Items       []domain.ExternalWorkItem `validate:"dive"`
	Manual      []ManualRequirement       `validate:"dive"`
}

type CreateJobResult struct {
	Job    domain.GenerationJob `json:"job"`
	Items  []domain.WorkItem    `json:"items"`
	Staled []string             `json:"staled"`
}

// selection is one work item about to be created.
type selection struct {
	externalID     string
	key            string
	summary        string
	description    string
	workItemTypeID string
	source         domain.WorkItemSource
	failure        string
}

// CreateJob creates a job with one pending work item per selected external
// item. Prior completed or failed items for the same external ids become
// stale in the same transaction; a pending or in-progress one rejects the
// whole call.
func (e Engine) CreateJob(ctx context.Context, opts CreateJobOptions) (res CreateJobResult, err error) {
	ctx, span := e.tracer().Start(ctx, "engine.CreateJob")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	opts.Name = strings.TrimSpace(opts.Name)
	if err := validateStruct(opts); err != nil {
		return CreateJobResult{}, err
	}
	if len(opts.ExternalIDs)+len(opts.Items)+len(opts.Manual) == 0 {
		return CreateJobResult{}, ValidationError{Field: "items", Reason: "at least one work item is required"}
	}
	if opts.ResourceID == domain.LocalResourceID && len(opts.ExternalIDs)+len(opts.Items) > 0 {
		return CreateJobResult{}, ValidationError{Field: "items", Reason: "local projects take manual requirements only"}
	}
	if err := e.checkProject(ctx, opts.UserID, opts.ResourceID, opts.ProjectID); err != nil {
		return CreateJobResult{}, err
	}
	sel, err := e.selections(ctx, opts)
	if err != nil {
		return CreateJobResult{}, err
	}
	span.SetAttributes(attribute.String("caseline.project_id", opts.ProjectID), attribute.Int("caseline.items", len(sel)))
	return e.createJob(ctx, opts.UserID, opts.ResourceID, opts.ProjectID, opts.Name, sel)
}

// checkProject verifies access and that the project belongs to the resource.
func (e Engine) checkProject(ctx context.Context, userID, resourceID, projectID string) error {
	if resourceID == domain.LocalResourceID {
		_, err := e.GetLocalProject(ctx, userID, projectID)
		return err
	}
	if err := e.requireAccess(ctx, nil, userID, resourceID, projectID); err != nil {
		return err
	}
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if p.ResourceID != resourceID {
		return ValidationError{Field: "project_id", Reason: "does not belong to resource " + resourceID}
	}
	return nil
}

// selections resolves snapshots for every requested item before anything is
// written. Extraction failures become failed items, fetch failures abort.
func (e Engine) selections(ctx context.Context, opts CreateJobOptions) ([]selection, error) {
	seen := map[string]bool{}
	var out []selection
	add := func(field string, s selection) error {
		if seen[s.externalID] {
			return ValidationError{Field: field, Reason: "duplicate external id " + s.externalID}
		}
		seen[s.externalID] = true
		out = append(out, s)
		return nil
	}
	for i, it := range opts.Items {
		if it.ID == "" || strings.TrimSpace(it.Summary) == "" {
			return nil, ValidationError{Field: fmt.Sprintf("items[%d]", i), Reason: "id and summary are required"}
		}
		if err := add(fmt.Sprintf("items[%d].id", i), fromExternal(it)); err != nil {
			return nil, err
		}
	}
	var missing []string
	for i, id := range opts.ExternalIDs {
		if seen[id] {
			if containsItem(opts.Items, id) {
				continue
			}
			return nil, ValidationError{Field: fmt.Sprintf("external_ids[%d]", i), Reason: "duplicate external id " + id}
		}
		if containsString(missing, id) {
			return nil, ValidationError{Field: fmt.Sprintf("external_ids[%d]", i), Reason: "duplicate external id " + id}
		}
		missing = append(missing, id)
	}
	if len(missing) > 0 {
		fetched, err := e.fetchWorkItems(ctx, opts.Token, opts.ResourceID, missing)
		if err != nil {
			return nil, err
		}
		byID := make(map[string]domain.ExternalWorkItem, len(fetched))
		for _, it := range fetched {
			byID[it.ID] = it
		}
		for _, id := range missing {
			it, ok := byID[id]
			if !ok {
				return nil, &SyncError{Stage: StageFetchWorkItems, Err: fmt.Errorf("work item %s not returned: %w", id, repo.ErrNotFound)}
			}
			if err := add("external_ids", fromExternal(it)); err != nil {
				return nil, err
			}
		}
	}
	for i, m := range opts.Manual {
		s := selection{
			externalID:  "manual:" + uuid.NewString(),
			key:         strings.TrimSpace(m.Key),
			summary:     strings.TrimSpace(m.Summary),
			description: m.Description,
			source:      domain.SourceManual,
		}
		if s.key == "" {
			s.key = fmt.Sprintf("MANUAL-%d", i+1)
		}
		if m.Attachment != nil {
			text, err := e.extractText(ctx, *m.Attachment)
			if err != nil {
				s.failure = err.Error()
				e.log().Warn("attachment extraction failed", "attachment", m.Attachment.Name, "error", err)
			} else {
				s.description = joinText(s.description, text)
			}
		}
		if err := add(fmt.Sprintf("manual[%d]", i), s); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (e Engine) fetchWorkItems(ctx context.Context, token, resourceID string, ids []string) ([]domain.ExternalWorkItem, error) {
	if e.Resources == nil {
		return nil, errors.New("resource client not configured")
	}
	tok, err := e.token(token)
	if err != nil {
		return nil, &SyncError{Stage: StageToken, Err: err}
	}
	items, err := e.Resources.FetchWorkItems(ctx, tok, resourceID, ids)
	if err != nil {
		return nil, &SyncError{Stage: StageFetchWorkItems, Err: err}
	}
	return items, nil
}

func (e Engine) extractText(ctx context.Context, att domain.Attachment) (string, error) {
	if e.Extractor == nil {
		return "", errors.New("no extractor configured")
	}
	return e.Extractor.ExtractText(ctx, att)
}

func (e Engine) createJob(ctx context.Context, userID, resourceID, projectID, name string, sel []selection) (CreateJobResult, error) {
	release, err := e.lockFor(ctx, jobsLockKey(resourceID, projectID))
	if err != nil {
		return CreateJobResult{}, fmt.Errorf("create job: %w", err)
	}
	defer release()

	now := e.ts()
	job := domain.GenerationJob{
		ID:         uuid.NewString(),
		ResourceID: resourceID,
		ProjectID:  projectID,
		Name:       name,
		CreatedBy:  userID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return CreateJobResult{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertJobTx(ctx, tx, job); err != nil {
		return CreateJobResult{}, err
	}
	externalIDs := make([]string, 0, len(sel))
	for _, s := range sel {
		externalIDs = append(externalIDs, s.externalID)
	}
	busy, err := e.Repo.InFlightExternalIDsTx(ctx, tx, resourceID, externalIDs)
	if err != nil {
		return CreateJobResult{}, err
	}
	if len(busy) > 0 {
		return CreateJobResult{}, &InProgressError{ExternalIDs: busy}
	}
	staled, err := e.Repo.MarkStaleTx(ctx, tx, resourceID, externalIDs, now)
	if err != nil {
		return CreateJobResult{}, err
	}
	for _, id := range staled {
		if err := e.emit(ctx, tx, events.Entry{
			Type:       events.WorkItemStaled,
			ProjectID:  projectID,
			EntityKind: "work_item",
			EntityID:   id,
			ActorID:    userID,
			Payload:    events.EventPayload{"superseded_by_job": job.ID},
		}); err != nil {
			return CreateJobResult{}, err
		}
	}
	items := make([]domain.WorkItem, 0, len(sel))
	for _, s := range sel {
		w := domain.WorkItem{
			ID:             uuid.NewString(),
			JobID:          job.ID,
			ExternalID:     s.externalID,
			ExternalKey:    s.key,
			Summary:        s.summary,
			Description:    s.description,
			WorkItemTypeID: s.workItemTypeID,
			Source:         s.source,
			Status:         domain.WorkItemPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if s.failure != "" {
			w.Status = domain.WorkItemFailed
			w.FailureReason = s.failure
		}
		if err := e.Repo.InsertWorkItemTx(ctx, tx, w); err != nil {
			return CreateJobResult{}, err
		}
		items = append(items, w)
	}
	if err := e.emit(ctx, tx, events.Entry{
		Type:       events.JobCreated,
		ProjectID:  projectID,
		EntityKind: "job",
		EntityID:   job.ID,
		ActorID:    userID,
		Payload:    events.EventPayload{"name": job.Name, "items": len(items), "staled": len(staled)},
	}); err != nil {
		return CreateJobResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return CreateJobResult{}, err
	}
	e.log().Info("job created", "job_id", job.ID, "project_id", projectID, "items", len(items), "staled", len(staled))
	if staled == nil {
		staled = []string{}
	}
	return CreateJobResult{Job: job, Items: items, Staled: staled}, nil
}

type JobResult struct {
	Job      domain.GenerationJob `json:"job"`
	Items    []domain.WorkItem    `json:"items"`
	Staled   []string             `json:"staled"`
	Dispatch DispatchResult       `json:"dispatch"`
}

// SubmitJob creates a job and dispatches it before returning.
func (e Engine) SubmitJob(ctx context.Context, opts CreateJobOptions) (JobResult, error) {
	created, err := e.CreateJob(ctx, opts)
	if err != nil {
		return JobResult{}, err
	}
	return e.dispatchCreated(ctx, created)
}

func (e Engine) dispatchCreated(ctx context.Context, created CreateJobResult) (JobResult, error) {
	out := JobResult{Job: created.Job, Items: created.Items, Staled: created.Staled}
	dr, err := e.DispatchJob(ctx, created.Job.ID)
	out.Dispatch = dr
	if err != nil {
		return out, err
	}
	items, err := e.Repo.ListWorkItems(ctx, repo.WorkItemFilters{JobID: created.Job.ID})
	if err != nil {
		return out, err
	}
	out.Items = items
	return out, nil
}

// Regenerate re-selects the external item behind workItemID in a new job,
// reusing the stored snapshot, and dispatches it.
func (e Engine) Regenerate(ctx context.Context, userID, workItemID string) (JobResult, error) {
	ref, err := e.Repo.GetWorkItemRef(ctx, workItemID)
	if err != nil {
		return JobResult{}, err
	}
	if err := e.requireAccess(ctx, nil, userID, ref.ResourceID, ref.ProjectID); err != nil {
		return JobResult{}, err
	}
	if ref.Status.InFlight() {
		return JobResult{}, &InProgressError{ExternalIDs: []string{ref.ExternalID}}
	}
	s := selection{
		externalID:     ref.ExternalID,
		key:            ref.ExternalKey,
		summary:        ref.Summary,
		description:    ref.Description,
		workItemTypeID: ref.WorkItemTypeID,
		source:         ref.Source,
	}
	created, err := e.createJob(ctx, userID, ref.ResourceID, ref.ProjectID, "Regenerate "+ref.ExternalKey, []selection{s})
	if err != nil {
		return JobResult{}, err
	}
	return e.dispatchCreated(ctx, created)
}

type ListWorkItemsOptions struct {
	UserID   string `validate:"required"`
	JobID    string `validate:"required"`
	Status   string `validate:"omitempty,oneof=pending in_progress completed failed stale deployed"`
	Sort     string `validate:"omitempty,oneof=created_at updated_at"`
	Limit    int
	CursorTS string
	CursorID string
}

// ListWorkItems pages the items of a job newest first.
func (e Engine) ListWorkItems(ctx context.Context, opts ListWorkItemsOptions) ([]domain.WorkItem, error) {
	if err := validateStruct(opts); err != nil {
		return nil, err
	}
	if _, err := e.GetJob(ctx, opts.UserID, opts.JobID); err != nil {
		return nil, err
	}
	return e.Repo.ListWorkItems(ctx, repo.WorkItemFilters{
		JobID:    opts.JobID,
		Status:   opts.Status,
		Sort:     opts.Sort,
		Limit:    opts.Limit,
		CursorTS: opts.CursorTS,
		CursorID: opts.CursorID,
	})
}

func (e Engine) GetJob(ctx context.Context, userID, jobID string) (domain.GenerationJob, error) {
	job, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return domain.GenerationJob{}, err
	}
	if err := e.requireAccess(ctx, nil, userID, job.ResourceID, job.ProjectID); err != nil {
		return domain.GenerationJob{}, err
	}
	return job, nil
}

// ListJobs pages the jobs of an external or local project newest first.
func (e Engine) ListJobs(ctx context.Context, userID, projectID string, limit int, cursorTS, cursorID string) ([]domain.GenerationJob, error) {
	resourceID, err := e.projectResource(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := e.requireAccess(ctx, nil, userID, resourceID, projectID); err != nil {
		return nil, err
	}
	return e.Repo.ListJobsWithCursor(ctx, projectID, limit, cursorTS, cursorID)
}

// DeleteJob removes a job with its items and artifacts. It is refused while
// any item is being generated.
func (e Engine) DeleteJob(ctx context.Context, userID, jobID string) error {
	job, err := e.GetJob(ctx, userID, jobID)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.TouchJobTx(ctx, tx, jobID, e.ts()); err != nil {
		return err
	}
	running, err := e.Repo.CountJobItemsInStatus(ctx, tx, jobID, domain.WorkItemInProgress)
	if err != nil {
		return err
	}
	if running > 0 {
		return fmt.Errorf("job %s has %d items in progress: %w", jobID, running, ErrGenerationInProgress)
	}
	if err := e.Repo.DeleteJobTx(ctx, tx, jobID); err != nil {
		return err
	}
	if err := e.emit(ctx, tx, events.Entry{
		Type:       events.JobDeleted,
		ProjectID:  job.ProjectID,
		EntityKind: "job",
		EntityID:   jobID,
		ActorID:    userID,
		Payload:    events.EventPayload{"name": job.Name},
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.log().Info("job deleted", "job_id", jobID, "project_id", job.ProjectID)
	return nil
}

type WorkItemDetail struct {
	domain.WorkItemRef
	Artifacts []domain.GeneratedArtifact `json:"artifacts"`
}

func (e Engine) GetWorkItem(ctx context.Context, userID, workItemID string) (WorkItemDetail, error) {
	ref, err := e.Repo.GetWorkItemRef(ctx, workItemID)
	if err != nil {
		return WorkItemDetail{}, err
	}
	if err := e.requireAccess(ctx, nil, userID, ref.ResourceID, ref.ProjectID); err != nil {
		return WorkItemDetail{}, err
	}
	arts, err := e.Repo.ListArtifacts(ctx, workItemID)
	if err != nil {
		return WorkItemDetail{}, err
	}
	if arts == nil {
		arts = []domain.GeneratedArtifact{}
	}
	return WorkItemDetail{WorkItemRef: ref, Artifacts: arts}, nil
}

type ProjectStatus struct {
	ProjectID string         `json:"project_id"`
	Counts    map[string]int `json:"counts"`
	Total     int            `json:"total"`
}

func (e Engine) ProjectStatus(ctx context.Context, userID, projectID string) (ProjectStatus, error) {
	resourceID, err := e.projectResource(ctx, projectID)
	if err != nil {
		return ProjectStatus{}, err
	}
	if err := e.requireAccess(ctx, nil, userID, resourceID, projectID); err != nil {
		return ProjectStatus{}, err
	}
	counts, err := e.Repo.CountWorkItemsByStatus(ctx, projectID)
	if err != nil {
		return ProjectStatus{}, err
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return ProjectStatus{ProjectID: projectID, Counts: counts, Total: total}, nil
}

func fromExternal(it domain.ExternalWorkItem) selection {
	key := it.Key
	if key == "" {
		key = it.ID
	}
	return selection{
		externalID:     it.ID,
		key:            key,
		summary:        strings.TrimSpace(it.Summary),
		description:    it.Description,
		workItemTypeID: it.WorkItemTypeID,
		source:         domain.SourceExternal,
	}
}

func containsItem(items []domain.ExternalWorkItem, id string) bool {
	for _, it := range items {
		if it.ID == id {
			return true
		}
	}
	return false
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func joinText(a, b string) string {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + "\n\n" + b
	}
}
