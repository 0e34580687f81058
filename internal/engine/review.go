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
	"caseline/internal/external"
	"caseline/internal/repo"
)

// ArtifactInput is one artifact in a draft save. An empty ID creates a new
// manual artifact.
type ArtifactInput struct {
	ID          string
	Summary     string                     `validate:"required,max=500"`
	Description domain.ArtifactDescription `validate:"required"`
}

type SaveDraftOptions struct {
	UserID     string          `validate:"required"`
	WorkItemID string          `validate:"required"`
	Upserts    []ArtifactInput `validate:"dive"`
	Deletes    []string        `validate:"dive,required"`
}

// SaveDraft commits review edits to a completed, failed or stale item. The
// item status does not change.
func (e Engine) SaveDraft(ctx context.Context, opts SaveDraftOptions) (arts []domain.GeneratedArtifact, err error) {
	ctx, span := e.tracer().Start(ctx, "engine.SaveDraft")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	if err := validateStruct(opts); err != nil {
		return nil, err
	}
	for i, u := range opts.Upserts {
		if err := u.Description.Validate(); err != nil {
			return nil, ValidationError{Field: fmt.Sprintf("upserts[%d].description", i), Reason: err.Error()}
		}
		if u.ID != "" && containsString(opts.Deletes, u.ID) {
			return nil, ValidationError{Field: fmt.Sprintf("upserts[%d].id", i), Reason: "artifact is also marked for deletion"}
		}
	}
	span.SetAttributes(attribute.String("caseline.work_item_id", opts.WorkItemID))

	now := e.ts()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := e.Repo.TouchWorkItemTx(ctx, tx, opts.WorkItemID, now); err != nil {
		return nil, err
	}
	ref, err := e.Repo.GetWorkItemRefTx(ctx, tx, opts.WorkItemID)
	if err != nil {
		return nil, err
	}
	if err := e.requireAccess(ctx, tx, opts.UserID, ref.ResourceID, ref.ProjectID); err != nil {
		return nil, err
	}
	if !ref.Status.Reviewable() {
		return nil, fmt.Errorf("work item %s is %s: %w", ref.ID, ref.Status, ErrNotReviewable)
	}
	existing, err := e.Repo.ListArtifactsTx(ctx, tx, ref.ID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]domain.GeneratedArtifact, len(existing))
	for _, a := range existing {
		byID[a.ID] = a
	}

	created, updated := 0, 0
	for _, u := range opts.Upserts {
		if u.ID == "" {
			if err := e.Repo.InsertArtifactTx(ctx, tx, domain.GeneratedArtifact{
				ID:          uuid.NewString(),
				WorkItemID:  ref.ID,
				Summary:     strings.TrimSpace(u.Summary),
				Description: u.Description,
				GeneratedBy: domain.GeneratedByManual,
				ModifiedBy:  opts.UserID,
				CreatedAt:   now,
				UpdatedAt:   now,
			}); err != nil {
				return nil, err
			}
			created++
			continue
		}
		prev, ok := byID[u.ID]
		if !ok {
			return nil, fmt.Errorf("artifact %s: %w", u.ID, repo.ErrNotFound)
		}
		prev.Summary = strings.TrimSpace(u.Summary)
		prev.Description = u.Description
		prev.ModifiedBy = opts.UserID
		prev.UpdatedAt = now
		if err := e.Repo.UpdateArtifactTx(ctx, tx, prev); err != nil {
			return nil, err
		}
		updated++
	}
	for _, id := range opts.Deletes {
		if err := e.Repo.DeleteArtifactTx(ctx, tx, ref.ID, id); err != nil {
			return nil, err
		}
	}
	if err := e.emit(ctx, tx, events.Entry{
		Type:       events.ArtifactsSaved,
		ProjectID:  ref.ProjectID,
		EntityKind: "work_item",
		EntityID:   ref.ID,
		ActorID:    opts.UserID,
		Payload:    events.EventPayload{"created": created, "updated": updated, "deleted": len(opts.Deletes)},
	}); err != nil {
		return nil, err
	}
	arts, err = e.Repo.ListArtifactsTx(ctx, tx, ref.ID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	e.log().Info("draft saved", "work_item_id", ref.ID, "created", created, "updated", updated, "deleted", len(opts.Deletes))
	if arts == nil {
		arts = []domain.GeneratedArtifact{}
	}
	return arts, nil
}

type DeployOptions struct {
	UserID     string `validate:"required"`
	WorkItemID string `validate:"required"`
	Token      string
	// WorkItemTypeID defaults to the project's first subtask type.
	WorkItemTypeID string
	// ArtifactIDs selects what to push; empty means every artifact.
	ArtifactIDs []string `validate:"dive,required"`
}

type DeployResult struct {
	WorkItemID  string            `json:"work_item_id"`
	Status      string            `json:"status"`
	ExternalIDs []string          `json:"external_ids"`
	Links       map[string]string `json:"links"`
}

// Deploy pushes artifacts of a completed item to the external system and
// marks it deployed. A failed push records nothing. If the item stopped being
// completed while the push ran, the conflict is logged as an event and the
// call fails.
func (e Engine) Deploy(ctx context.Context, opts DeployOptions) (res DeployResult, err error) {
	ctx, span := e.tracer().Start(ctx, "engine.Deploy")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	if err := validateStruct(opts); err != nil {
		return DeployResult{}, err
	}
	if e.Deployer == nil {
		return DeployResult{}, errors.New("deployer not configured")
	}
	ref, err := e.Repo.GetWorkItemRef(ctx, opts.WorkItemID)
	if err != nil {
		return DeployResult{}, err
	}
	if err := e.requireAccess(ctx, nil, opts.UserID, ref.ResourceID, ref.ProjectID); err != nil {
		return DeployResult{}, err
	}
	if ref.ResourceID == domain.LocalResourceID {
		return DeployResult{}, ValidationError{Field: "work_item_id", Reason: "items of local projects have no external system to deploy to"}
	}
	if ref.Status != domain.WorkItemCompleted {
		return DeployResult{}, &DeployGateError{WorkItemID: ref.ID, Status: ref.Status}
	}
	token, err := e.token(opts.Token)
	if err != nil {
		return DeployResult{}, err
	}

	// The project lock serializes deploys with each other and with job
	// creation, which is the only path that stales an item. The status read
	// under the lock is the one that gates the external write.
	release, err := e.lockFor(ctx, jobsLockKey(ref.ResourceID, ref.ProjectID))
	if err != nil {
		return DeployResult{}, fmt.Errorf("deploy: %w", err)
	}
	defer release()
	ref, err = e.Repo.GetWorkItemRef(ctx, ref.ID)
	if err != nil {
		return DeployResult{}, err
	}
	if ref.Status != domain.WorkItemCompleted {
		e.log().Warn("deploy refused after lock", "work_item_id", ref.ID, "status", ref.Status)
		return DeployResult{}, &DeployGateError{WorkItemID: ref.ID, Status: ref.Status}
	}
	arts, err := e.selectArtifacts(ctx, ref.ID, opts.ArtifactIDs)
	if err != nil {
		return DeployResult{}, err
	}
	typeID, err := e.deployType(ctx, ref.ProjectID, opts.WorkItemTypeID)
	if err != nil {
		return DeployResult{}, err
	}

	req := domain.DeployRequest{
		ResourceID:     ref.ResourceID,
		ProjectID:      ref.ProjectID,
		WorkItemTypeID: typeID,
	}
	if ref.Source == domain.SourceExternal {
		req.ParentID = ref.ExternalID
	}
	for _, a := range arts {
		req.Artifacts = append(req.Artifacts, domain.ArtifactDraft{Summary: a.Summary, Description: a.Description})
	}
	externalIDs, err := e.Deployer.PushArtifacts(ctx, token, req)
	if err != nil {
		e.log().Error("deploy push failed", "work_item_id", ref.ID, "error", err)
		var apiErr *external.APIError
		if errors.As(err, &apiErr) && len(apiErr.Created) > 0 {
			if rerr := e.recordPartialDeploy(context.WithoutCancel(ctx), ref, opts.UserID, apiErr.Created); rerr != nil {
				e.log().Error("record partial deploy failed", "work_item_id", ref.ID, "error", rerr)
			}
		}
		return DeployResult{}, &DeployError{WorkItemID: ref.ID, Err: err}
	}
	if len(externalIDs) != len(arts) {
		return DeployResult{}, &DeployError{WorkItemID: ref.ID, Err: fmt.Errorf("external system returned %d ids for %d artifacts", len(externalIDs), len(arts))}
	}
	span.SetAttributes(attribute.String("caseline.work_item_id", ref.ID), attribute.Int("caseline.artifacts", len(arts)))

	// The push already happened; record the outcome even if the caller left.
	ctx = context.WithoutCancel(ctx)
	now := e.ts()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return DeployResult{}, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.TransitionWorkItem(ctx, tx, ref.ID, domain.WorkItemCompleted, domain.WorkItemDeployed, "", now)
	if err != nil {
		return DeployResult{}, err
	}
	if !ok {
		current, err := e.Repo.GetWorkItemRefTx(ctx, tx, ref.ID)
		if err != nil {
			return DeployResult{}, err
		}
		if err := e.emit(ctx, tx, events.Entry{
			Type:       events.WorkItemDeployConflict,
			ProjectID:  ref.ProjectID,
			EntityKind: "work_item",
			EntityID:   ref.ID,
			ActorID:    opts.UserID,
			Payload:    events.EventPayload{"status": string(current.Status), "external_ids": externalIDs},
		}); err != nil {
			return DeployResult{}, err
		}
		if err := tx.Commit(); err != nil {
			return DeployResult{}, err
		}
		e.log().Warn("deploy conflict", "work_item_id", ref.ID, "status", current.Status)
		return DeployResult{}, &DeployGateError{WorkItemID: ref.ID, Status: current.Status}
	}
	links := make(map[string]string, len(arts))
	for i, a := range arts {
		if err := e.Repo.SetArtifactLinkTx(ctx, tx, a.ID, externalIDs[i], now); err != nil {
			return DeployResult{}, err
		}
		links[a.ID] = externalIDs[i]
	}
	if err := e.emit(ctx, tx, events.Entry{
		Type:       events.WorkItemDeployed,
		ProjectID:  ref.ProjectID,
		EntityKind: "work_item",
		EntityID:   ref.ID,
		ActorID:    opts.UserID,
		Payload:    events.EventPayload{"external_ids": externalIDs, "work_item_type_id": typeID},
	}); err != nil {
		return DeployResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return DeployResult{}, err
	}
	e.log().Info("work item deployed", "work_item_id", ref.ID, "artifacts", len(arts))
	return DeployResult{WorkItemID: ref.ID, Status: string(domain.WorkItemDeployed), ExternalIDs: externalIDs, Links: links}, nil
}

// recordPartialDeploy logs external items that were created by a push that
// failed overall. The work item stays completed; the event lets an operator
// remove or link the orphans before deploying again.
func (e Engine) recordPartialDeploy(ctx context.Context, ref domain.WorkItemRef, userID string, created []string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.emit(ctx, tx, events.Entry{
		Type:       events.WorkItemDeployPartial,
		ProjectID:  ref.ProjectID,
		EntityKind: "work_item",
		EntityID:   ref.ID,
		ActorID:    userID,
		Payload:    events.EventPayload{"external_ids": created},
	}); err != nil {
		return err
	}
	e.log().Warn("deploy partially created external items", "work_item_id", ref.ID, "external_ids", strings.Join(created, ","))
	return tx.Commit()
}

func (e Engine) selectArtifacts(ctx context.Context, workItemID string, ids []string) ([]domain.GeneratedArtifact, error) {
	all, err := e.Repo.ListArtifacts(ctx, workItemID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		if len(all) == 0 {
			return nil, ValidationError{Field: "artifact_ids", Reason: "work item has no artifacts"}
		}
		return all, nil
	}
	byID := make(map[string]domain.GeneratedArtifact, len(all))
	for _, a := range all {
		byID[a.ID] = a
	}
	out := make([]domain.GeneratedArtifact, 0, len(ids))
	for i, id := range ids {
		a, ok := byID[id]
		if !ok {
			return nil, ValidationError{Field: fmt.Sprintf("artifact_ids[%d]", i), Reason: "unknown artifact " + id}
		}
		out = append(out, a)
		delete(byID, id)
	}
	return out, nil
}

func (e Engine) deployType(ctx context.Context, projectID, requested string) (string, error) {
	types, err := e.Repo.ListWorkItemTypes(ctx, projectID)
	if err != nil {
		return "", err
	}
	for _, t := range types {
		if requested != "" && t.ID == requested {
			return t.ID, nil
		}
	}
	if requested != "" {
		return "", ValidationError{Field: "work_item_type_id", Reason: "unknown type for project " + projectID}
	}
	for _, t := range types {
		if t.Subtask {
			return t.ID, nil
		}
	}
	return "", ValidationError{Field: "work_item_type_id", Reason: "project has no subtask type; pass one explicitly"}
}
