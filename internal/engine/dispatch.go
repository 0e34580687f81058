package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"caseline/internal/domain"
	"caseline/internal/events"
)

type DispatchResult struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// DispatchJob hands every pending item of the job to the generator with
// bounded parallelism and waits for all of them. Generation failures are
// recorded on the item and never abort siblings; only storage errors are
// returned.
func (e Engine) DispatchJob(ctx context.Context, jobID string) (res DispatchResult, err error) {
	ctx, span := e.tracer().Start(ctx, "engine.DispatchJob")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	if e.Generator == nil {
		return DispatchResult{}, errors.New("generator not configured")
	}
	job, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return DispatchResult{}, err
	}
	ids, err := e.Repo.PendingWorkItemIDs(ctx, jobID)
	if err != nil {
		return DispatchResult{}, err
	}
	if len(ids) == 0 {
		return DispatchResult{}, nil
	}
	frameworks, rules, err := e.generationSettings(ctx, job)
	if err != nil {
		return DispatchResult{}, err
	}

	limit := 1
	if e.Config != nil && e.Config.Generation.Concurrency > 0 {
		limit = e.Config.Generation.Concurrency
	}
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(limit)
	for _, id := range ids {
		g.Go(func() error {
			outcome, err := e.dispatchItem(ctx, job, id, frameworks, rules)
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case domain.WorkItemCompleted:
				res.Completed++
			case domain.WorkItemFailed:
				res.Failed++
			default:
				res.Skipped++
			}
			return err
		})
	}
	err = g.Wait()
	span.SetAttributes(
		attribute.String("caseline.job_id", jobID),
		attribute.Int("caseline.completed", res.Completed),
		attribute.Int("caseline.failed", res.Failed),
	)
	e.log().Info("job dispatched", "job_id", jobID, "completed", res.Completed, "failed", res.Failed, "skipped", res.Skipped)
	return res, err
}

// generationSettings loads the frameworks and active rules a job generates
// against. Local projects carry their own frameworks and have no rules.
func (e Engine) generationSettings(ctx context.Context, job domain.GenerationJob) ([]domain.ComplianceFramework, []domain.ProjectRule, error) {
	if job.ResourceID == domain.LocalResourceID {
		p, err := e.Repo.GetLocalProject(ctx, nil, job.ProjectID)
		if err != nil {
			return nil, nil, err
		}
		frameworks := p.Frameworks
		if len(frameworks) == 0 && e.Config != nil {
			frameworks = e.Config.Frameworks()
		}
		return frameworks, nil, nil
	}
	frameworks, err := e.Repo.GetCompliance(ctx, job.ProjectID)
	if err != nil {
		return nil, nil, err
	}
	if len(frameworks) == 0 && e.Config != nil {
		frameworks = e.Config.Frameworks()
	}
	rules, err := e.Repo.ListRules(ctx, job.ProjectID, true)
	if err != nil {
		return nil, nil, err
	}
	return frameworks, rules, nil
}

// dispatchItem runs one pending item to completed or failed. An item that is
// no longer pending when claimed is skipped.
func (e Engine) dispatchItem(ctx context.Context, job domain.GenerationJob, id string, frameworks []domain.ComplianceFramework, rules []domain.ProjectRule) (domain.WorkItemStatus, error) {
	ref, err := e.Repo.GetWorkItemRef(ctx, id)
	if err != nil {
		return "", err
	}
	ok, err := e.startItem(ctx, job, id)
	if err != nil || !ok {
		return "", err
	}

	req := domain.GenerationRequest{
		WorkItemID:  id,
		ExternalKey: ref.ExternalKey,
		Summary:     ref.Summary,
		Description: ref.Description,
		Frameworks:  frameworks,
		Rules:       rules,
	}
	drafts, genErr := e.generate(ctx, req)

	// The item must leave in_progress even if the caller went away.
	ctx = context.WithoutCancel(ctx)
	if genErr != nil {
		reason := failureReason(genErr)
		e.log().Warn("generation failed", "work_item_id", id, "job_id", job.ID, "reason", reason)
		return domain.WorkItemFailed, e.failItem(ctx, job, id, reason)
	}
	return domain.WorkItemCompleted, e.completeItem(ctx, job, id, drafts)
}

func (e Engine) generate(ctx context.Context, req domain.GenerationRequest) ([]domain.ArtifactDraft, error) {
	if e.Config != nil && e.Config.Generation.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Config.Generation.Timeout)
		defer cancel()
	}
	drafts, err := e.Generator.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(drafts) == 0 {
		return nil, errors.New("no artifacts generated")
	}
	for i, d := range drafts {
		if strings.TrimSpace(d.Summary) == "" {
			return nil, fmt.Errorf("artifact %d has no summary", i+1)
		}
		if d.Description == nil {
			return nil, fmt.Errorf("artifact %d has no description", i+1)
		}
		if err := d.Description.Validate(); err != nil {
			return nil, fmt.Errorf("artifact %d: %w", i+1, err)
		}
	}
	return drafts, nil
}

func failureReason(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "model timeout"
	}
	if msg := strings.TrimSpace(err.Error()); msg != "" {
		return msg
	}
	return "generation failed"
}

func (e Engine) failItem(ctx context.Context, job domain.GenerationJob, id, reason string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ok, err := e.Repo.TransitionWorkItem(ctx, tx, id, domain.WorkItemInProgress, domain.WorkItemFailed, reason, e.ts())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("work item %s left in_progress unexpectedly", id)
	}
	if err := e.emit(ctx, tx, events.Entry{
		Type:       events.WorkItemFailed,
		ProjectID:  job.ProjectID,
		EntityKind: "work_item",
		EntityID:   id,
		ActorID:    "system",
		Payload:    events.EventPayload{"reason": reason},
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) completeItem(ctx context.Context, job domain.GenerationJob, id string, drafts []domain.ArtifactDraft) error {
	now := e.ts()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ok, err := e.Repo.TransitionWorkItem(ctx, tx, id, domain.WorkItemInProgress, domain.WorkItemCompleted, "", now)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("work item %s left in_progress unexpectedly", id)
	}
	for _, d := range drafts {
		if err := e.Repo.InsertArtifactTx(ctx, tx, domain.GeneratedArtifact{
			ID:          uuid.NewString(),
			WorkItemID:  id,
			Summary:     strings.TrimSpace(d.Summary),
			Description: d.Description,
			GeneratedBy: domain.GeneratedByAI,
			CreatedAt:   now,
			UpdatedAt:   now,
		}); err != nil {
			return err
		}
	}
	if err := e.emit(ctx, tx, events.Entry{
		Type:       events.WorkItemCompleted,
		ProjectID:  job.ProjectID,
		EntityKind: "work_item",
		EntityID:   id,
		ActorID:    "system",
		Payload:    events.EventPayload{"artifacts": len(drafts)},
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) startItem(ctx context.Context, job domain.GenerationJob, id string) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.TransitionWorkItem(ctx, tx, id, domain.WorkItemPending, domain.WorkItemInProgress, "", e.ts())
	if err != nil || !ok {
		return false, err
	}
	if err := e.emit(ctx, tx, events.Entry{
		Type:       events.WorkItemStarted,
		ProjectID:  job.ProjectID,
		EntityKind: "work_item",
		EntityID:   id,
		ActorID:    "system",
	}); err != nil {
		return false, err
	}
	return true, tx.Commit()
}
