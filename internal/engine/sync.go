package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"caseline/internal/domain"
	"caseline/internal/events"
)

type SyncResult struct {
	Synced         bool `json:"synced"`
	Resources      int  `json:"resources"`
	Projects       int  `json:"projects"`
	WorkItemTypes  int  `json:"work_item_types"`
	CatalogChanged int  `json:"catalog_changed"`
	GrantsInserted int  `json:"grants_inserted"`
	GrantsDeleted  int  `json:"grants_deleted"`
	GrantsKept     int  `json:"grants_kept"`
}

// SyncUser fetches everything the token can see and reconciles it for userID.
// Any fetch failure aborts before a single row is written.
func (e Engine) SyncUser(ctx context.Context, userID, token string) (SyncResult, error) {
	if userID == "" {
		return SyncResult{}, ValidationError{Field: "user_id", Reason: "is required"}
	}
	if e.Resources == nil {
		return SyncResult{}, errors.New("resource client not configured")
	}
	tok, err := e.token(token)
	if err != nil {
		return SyncResult{}, &SyncError{Stage: StageToken, Err: err}
	}
	fetched, err := e.fetchAll(ctx, tok)
	if err != nil {
		e.log().Error("sync fetch failed", "user_id", userID, "error", err)
		return SyncResult{}, err
	}
	release, err := e.lockFor(ctx, syncLockKey(userID))
	if err != nil {
		return SyncResult{}, fmt.Errorf("sync for user: %w", err)
	}
	defer release()
	return e.Reconcile(ctx, userID, fetched)
}

func (e Engine) fetchAll(ctx context.Context, token string) ([]domain.FetchedResource, error) {
	resources, err := e.Resources.FetchAccessibleResources(ctx, token)
	if err != nil {
		return nil, &SyncError{Stage: StageFetchResources, Err: err}
	}
	out := make([]domain.FetchedResource, 0, len(resources))
	for _, r := range resources {
		projects, err := e.Resources.FetchProjects(ctx, token, r.ID)
		if err != nil {
			return nil, &SyncError{Stage: StageFetchProjects, Err: fmt.Errorf("resource %s: %w", r.ID, err)}
		}
		out = append(out, domain.FetchedResource{Resource: r, Projects: projects})
	}
	return out, nil
}

// Reconcile mirrors fetched into the catalog and the user's grant set in one
// transaction. Catalog rows are only upserted; grants are inserted or deleted
// so the persisted set equals the one implied by fetched.
func (e Engine) Reconcile(ctx context.Context, userID string, fetched []domain.FetchedResource) (res SyncResult, err error) {
	ctx, span := e.tracer().Start(ctx, "engine.Reconcile")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	if userID == "" {
		return SyncResult{}, ValidationError{Field: "user_id", Reason: "is required"}
	}
	if err := validateFetched(fetched); err != nil {
		return SyncResult{}, err
	}
	persist := func(err error) error {
		return &SyncError{Stage: StagePersist, Err: err}
	}
	now := e.ts()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return SyncResult{}, persist(err)
	}
	defer tx.Rollback()

	for _, fr := range fetched {
		changed, err := e.Repo.UpsertResourceTx(ctx, tx, fr.Resource, now)
		if err != nil {
			return SyncResult{}, persist(fmt.Errorf("resource %s: %w", fr.Resource.ID, err))
		}
		res.Resources++
		if changed {
			res.CatalogChanged++
		}
		for _, p := range fr.Projects {
			p.ResourceID = fr.Resource.ID
			changed, err := e.Repo.UpsertProjectTx(ctx, tx, p, now)
			if err != nil {
				return SyncResult{}, persist(fmt.Errorf("project %s: %w", p.ID, err))
			}
			res.Projects++
			if changed {
				res.CatalogChanged++
			}
			for _, t := range p.WorkItemTypes {
				t.ProjectID = p.ID
				changed, err := e.Repo.UpsertWorkItemTypeTx(ctx, tx, t, now)
				if err != nil {
					return SyncResult{}, persist(fmt.Errorf("work item type %s: %w", t.ID, err))
				}
				res.WorkItemTypes++
				if changed {
					res.CatalogChanged++
				}
			}
		}
	}

	desired := desiredGrants(userID, fetched, now)
	existing, err := e.Repo.ListGrantsTx(ctx, tx, userID)
	if err != nil {
		return SyncResult{}, persist(err)
	}
	have := make(map[string]domain.AccessGrant, len(existing))
	for _, g := range existing {
		have[g.Key()] = g
	}

	for _, key := range sortedKeys(desired) {
		if _, ok := have[key]; ok {
			res.GrantsKept++
			continue
		}
		g := desired[key]
		if err := e.Repo.InsertGrantTx(ctx, tx, g); err != nil {
			return SyncResult{}, persist(fmt.Errorf("grant %s: %w", key, err))
		}
		if err := e.emit(ctx, tx, events.Entry{
			Type:       events.AccessGranted,
			ProjectID:  derefString(g.ProjectID),
			EntityKind: "access_grant",
			EntityID:   key,
			ActorID:    userID,
			Payload:    events.EventPayload{"resource_id": g.ResourceID, "project_id": g.ProjectID},
		}); err != nil {
			return SyncResult{}, persist(err)
		}
		res.GrantsInserted++
	}
	for _, key := range sortedKeys(have) {
		if _, ok := desired[key]; ok {
			continue
		}
		g := have[key]
		if err := e.Repo.DeleteGrantTx(ctx, tx, g); err != nil {
			return SyncResult{}, persist(fmt.Errorf("grant %s: %w", key, err))
		}
		if err := e.emit(ctx, tx, events.Entry{
			Type:       events.AccessRevoked,
			ProjectID:  derefString(g.ProjectID),
			EntityKind: "access_grant",
			EntityID:   key,
			ActorID:    userID,
			Payload:    events.EventPayload{"resource_id": g.ResourceID, "project_id": g.ProjectID},
		}); err != nil {
			return SyncResult{}, persist(err)
		}
		res.GrantsDeleted++
	}

	if err := e.emit(ctx, tx, events.Entry{
		Type:       events.SyncCompleted,
		EntityKind: "user",
		EntityID:   userID,
		ActorID:    userID,
		Payload: events.EventPayload{
			"resources":       res.Resources,
			"projects":        res.Projects,
			"grants_inserted": res.GrantsInserted,
			"grants_deleted":  res.GrantsDeleted,
		},
	}); err != nil {
		return SyncResult{}, persist(err)
	}
	if err := tx.Commit(); err != nil {
		return SyncResult{}, persist(err)
	}
	res.Synced = true
	span.SetAttributes(
		attribute.Int("caseline.grants.inserted", res.GrantsInserted),
		attribute.Int("caseline.grants.deleted", res.GrantsDeleted),
	)
	e.log().Info("sync completed", "user_id", userID, "resources", res.Resources, "projects", res.Projects,
		"grants_inserted", res.GrantsInserted, "grants_deleted", res.GrantsDeleted)
	return res, nil
}

// desiredGrants derives one grant per (resource, project) pair, or a single
// resource-level grant for a resource with no visible projects.
func desiredGrants(userID string, fetched []domain.FetchedResource, now string) map[string]domain.AccessGrant {
	out := map[string]domain.AccessGrant{}
	for _, fr := range fetched {
		if len(fr.Projects) == 0 {
			g := domain.AccessGrant{UserID: userID, ResourceID: fr.Resource.ID, CreatedAt: now}
			out[g.Key()] = g
			continue
		}
		for _, p := range fr.Projects {
			pid := p.ID
			g := domain.AccessGrant{UserID: userID, ResourceID: fr.Resource.ID, ProjectID: &pid, CreatedAt: now}
			out[g.Key()] = g
		}
	}
	return out
}

func validateFetched(fetched []domain.FetchedResource) error {
	for i, fr := range fetched {
		if fr.Resource.ID == "" {
			return ValidationError{Field: fmt.Sprintf("resources[%d].id", i), Reason: "is required"}
		}
		for j, p := range fr.Projects {
			if p.ID == "" {
				return ValidationError{Field: fmt.Sprintf("resources[%d].projects[%d].id", i, j), Reason: "is required"}
			}
			if p.ResourceID != "" && p.ResourceID != fr.Resource.ID {
				return ValidationError{Field: fmt.Sprintf("resources[%d].projects[%d].resource_id", i, j), Reason: "does not match parent resource"}
			}
			for k, t := range p.WorkItemTypes {
				if t.ID == "" {
					return ValidationError{Field: fmt.Sprintf("resources[%d].projects[%d].work_item_types[%d].id", i, j, k), Reason: "is required"}
				}
			}
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
