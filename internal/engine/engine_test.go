package engine_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"caseline/internal/config"
	"caseline/internal/db"
	"caseline/internal/domain"
	"caseline/internal/engine"
	"caseline/internal/engine/auth"
	"caseline/internal/events"
	"caseline/internal/export"
	"caseline/internal/external"
	"caseline/internal/generate"
	"caseline/internal/migrate"
	"caseline/internal/repo"
)

type testEnv struct {
	Engine    engine.Engine
	Ctx       context.Context
	Resources *fakeResources
}

type fakeResources struct {
	mu        sync.Mutex
	resources []domain.ExternalResource
	projects  map[string][]domain.ExternalProject
	items     map[string]domain.ExternalWorkItem
	fail      map[string]error
	calls     int
	searches  []domain.WorkItemSearch
}

func (f *fakeResources) FetchAccessibleResources(_ context.Context, token string) ([]domain.ExternalResource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.fail["resources"]; err != nil {
		return nil, err
	}
	return f.resources, nil
}

func (f *fakeResources) FetchProjects(_ context.Context, token, resourceID string) ([]domain.ExternalProject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.fail["projects:"+resourceID]; err != nil {
		return nil, err
	}
	return f.projects[resourceID], nil
}

func (f *fakeResources) FetchWorkItems(_ context.Context, token, resourceID string, ids []string) ([]domain.ExternalWorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.fail["items"]; err != nil {
		return nil, err
	}
	var out []domain.ExternalWorkItem
	for _, id := range ids {
		if it, ok := f.items[id]; ok {
			out = append(out, it)
		}
	}
	return out, nil
}

func (f *fakeResources) SearchWorkItems(_ context.Context, token, resourceID, projectID string, filters domain.WorkItemSearch) (domain.WorkItemPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.searches = append(f.searches, filters)
	if err := f.fail["search"]; err != nil {
		return domain.WorkItemPage{}, err
	}
	var out []domain.ExternalWorkItem
	for _, it := range f.items {
		if strings.Contains(strings.ToLower(it.Summary), strings.ToLower(filters.Text)) {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return domain.WorkItemPage{Items: out}, nil
}

type deployFunc func(ctx context.Context, token string, req domain.DeployRequest) ([]string, error)

func (f deployFunc) PushArtifacts(ctx context.Context, token string, req domain.DeployRequest) ([]string, error) {
	return f(ctx, token, req)
}

func functionalDraft(summary string) domain.ArtifactDraft {
	return domain.ArtifactDraft{
		Summary: summary,
		Description: domain.FunctionalDescription{
			Steps:          []domain.TestStep{{Action: "Open the login page", Expected: "Form is shown"}},
			ExpectedResult: "User is signed in",
		},
	}
}

func okGenerator() generate.Func {
	return func(_ context.Context, req domain.GenerationRequest) ([]domain.ArtifactDraft, error) {
		return []domain.ArtifactDraft{functionalDraft("Verify " + req.ExternalKey)}, nil
	}
}

func catalogFixture() []domain.FetchedResource {
	return []domain.FetchedResource{{
		Resource: domain.ExternalResource{ID: "R1", Name: "Acme", URL: "https://acme.example", Scopes: []string{"read:jira-work"}},
		Projects: []domain.ExternalProject{
			{ID: "P1", Key: "MED", Name: "Medical", WorkItemTypes: []domain.WorkItemType{
				{ID: "T1", Name: "Story", HierarchyLevel: 0},
				{ID: "T2", Name: "Sub-task", Subtask: true, HierarchyLevel: -1},
			}},
			{ID: "P2", Key: "OPS", Name: "Operations"},
		},
	}}
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.External.Token = ""
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	res := &fakeResources{
		resources: []domain.ExternalResource{catalogFixture()[0].Resource},
		projects:  map[string][]domain.ExternalProject{"R1": catalogFixture()[0].Projects},
		items: map[string]domain.ExternalWorkItem{
			"10001": {ID: "10001", Key: "MED-1", Summary: "Login with SSO", Description: "Users sign in with SSO", WorkItemTypeID: "T1"},
			"10002": {ID: "10002", Key: "MED-2", Summary: "Audit trail", WorkItemTypeID: "T1"},
		},
		fail: map[string]error{},
	}
	eng.Resources = res
	eng.Generator = okGenerator()
	ctx := context.Background()
	if _, err := eng.Reconcile(ctx, "alice", catalogFixture()); err != nil {
		t.Fatalf("seed reconcile: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, Resources: res}
}

func grantKeys(t *testing.T, env testEnv, userID string) []string {
	t.Helper()
	grants, err := env.Engine.ListGrants(env.Ctx, userID)
	if err != nil {
		t.Fatalf("list grants: %v", err)
	}
	keys := make([]string, 0, len(grants))
	for _, g := range grants {
		keys = append(keys, g.Key())
	}
	return keys
}

func createJob(t *testing.T, env testEnv, name string, items ...domain.ExternalWorkItem) engine.CreateJobResult {
	t.Helper()
	res, err := env.Engine.CreateJob(env.Ctx, engine.CreateJobOptions{
		UserID:     "alice",
		ResourceID: "R1",
		ProjectID:  "P1",
		Name:       name,
		Items:      items,
	})
	if err != nil {
		t.Fatalf("create job %s: %v", name, err)
	}
	return res
}

func item1() domain.ExternalWorkItem {
	return domain.ExternalWorkItem{ID: "10001", Key: "MED-1", Summary: "Login with SSO"}
}

func item2() domain.ExternalWorkItem {
	return domain.ExternalWorkItem{ID: "10002", Key: "MED-2", Summary: "Audit trail"}
}

func workItem(t *testing.T, env testEnv, id string) engine.WorkItemDetail {
	t.Helper()
	w, err := env.Engine.GetWorkItem(env.Ctx, "alice", id)
	if err != nil {
		t.Fatalf("get work item %s: %v", id, err)
	}
	return w
}

// completedItem creates and dispatches a one-item job and returns the item id.
func completedItem(t *testing.T, env testEnv, name string) string {
	t.Helper()
	job := createJob(t, env, name, item1())
	if _, err := env.Engine.DispatchJob(env.Ctx, job.Job.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	id := job.Items[0].ID
	if st := workItem(t, env, id).Status; st != domain.WorkItemCompleted {
		t.Fatalf("expected completed, got %s", st)
	}
	return id
}

func TestReconcileIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	r1, p1, t1, err := env.Engine.Repo.CatalogCounts(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	g1, _ := env.Engine.Repo.CountGrants(env.Ctx, "alice")

	res, err := env.Engine.Reconcile(env.Ctx, "alice", catalogFixture())
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if res.CatalogChanged != 0 || res.GrantsInserted != 0 || res.GrantsDeleted != 0 {
		t.Fatalf("expected no writes on identical input, got %+v", res)
	}
	if res.GrantsKept != 2 {
		t.Fatalf("expected 2 kept grants, got %d", res.GrantsKept)
	}
	r2, p2, t2, _ := env.Engine.Repo.CatalogCounts(env.Ctx)
	g2, _ := env.Engine.Repo.CountGrants(env.Ctx, "alice")
	if r1 != r2 || p1 != p2 || t1 != t2 || g1 != g2 {
		t.Fatalf("row counts changed: %d/%d/%d/%d -> %d/%d/%d/%d", r1, p1, t1, g1, r2, p2, t2, g2)
	}
	if r2 != 1 || p2 != 2 || t2 != 2 || g2 != 2 {
		t.Fatalf("unexpected counts %d/%d/%d/%d", r2, p2, t2, g2)
	}
}

func TestReconcileUpdatesChangedCatalogRows(t *testing.T) {
	env := newTestEnv(t)
	fetched := catalogFixture()
	fetched[0].Projects[0].Name = "Medical Devices"
	res, err := env.Engine.Reconcile(env.Ctx, "alice", fetched)
	if err != nil {
		t.Fatal(err)
	}
	if res.CatalogChanged != 1 {
		t.Fatalf("expected exactly one changed row, got %d", res.CatalogChanged)
	}
	p, err := env.Engine.Repo.GetProject(env.Ctx, "P1")
	if err != nil || p.Name != "Medical Devices" {
		t.Fatalf("project not refreshed: %+v %v", p, err)
	}
}

func TestReconcileMirrorsFetchExactly(t *testing.T) {
	env := newTestEnv(t)
	fetched := []domain.FetchedResource{
		catalogFixture()[0],
		{Resource: domain.ExternalResource{ID: "R2", Name: "Beta", URL: "https://beta.example"}},
	}
	if _, err := env.Engine.Reconcile(env.Ctx, "alice", fetched); err != nil {
		t.Fatal(err)
	}
	got := strings.Join(grantKeys(t, env, "alice"), ",")
	if got != "R1:P1,R1:P2,R2:null" {
		t.Fatalf("unexpected grants %s", got)
	}

	next := catalogFixture()
	next[0].Projects = next[0].Projects[1:]
	res, err := env.Engine.Reconcile(env.Ctx, "alice", next)
	if err != nil {
		t.Fatal(err)
	}
	if res.GrantsDeleted != 2 || res.GrantsInserted != 0 || res.GrantsKept != 1 {
		t.Fatalf("unexpected diff %+v", res)
	}
	if got := strings.Join(grantKeys(t, env, "alice"), ","); got != "R1:P2" {
		t.Fatalf("unexpected grants %s", got)
	}
	if _, err := env.Engine.Repo.GetResource(env.Ctx, "R2"); err != nil {
		t.Fatalf("catalog resource must survive revocation: %v", err)
	}
	if _, err := env.Engine.Repo.GetProject(env.Ctx, "P1"); err != nil {
		t.Fatalf("catalog project must survive revocation: %v", err)
	}
}

func TestReconcileProjectLossBecomesResourceGrant(t *testing.T) {
	env := newTestEnv(t)
	only := catalogFixture()
	only[0].Projects = only[0].Projects[:1]
	if _, err := env.Engine.Reconcile(env.Ctx, "alice", only); err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(grantKeys(t, env, "alice"), ","); got != "R1:P1" {
		t.Fatalf("expected R1:P1, got %s", got)
	}
	empty := catalogFixture()
	empty[0].Projects = nil
	if _, err := env.Engine.Reconcile(env.Ctx, "alice", empty); err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(grantKeys(t, env, "alice"), ","); got != "R1:null" {
		t.Fatalf("expected R1:null, got %s", got)
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilter{ProjectID: "P1", Type: events.AccessRevoked}, 10, 0)
	if err != nil || len(evts) == 0 {
		t.Fatalf("expected access.revoked event: %v", err)
	}
}

func TestReconcileEmptyFetchRevokesEverything(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.Reconcile(env.Ctx, "alice", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.GrantsDeleted != 2 {
		t.Fatalf("expected 2 deleted, got %d", res.GrantsDeleted)
	}
	if n, _ := env.Engine.Repo.CountGrants(env.Ctx, "alice"); n != 0 {
		t.Fatalf("expected no grants, got %d", n)
	}
	if r, p, _, _ := env.Engine.Repo.CatalogCounts(env.Ctx); r != 1 || p != 2 {
		t.Fatalf("catalog must be kept, got %d resources %d projects", r, p)
	}
}

func TestReconcileLeavesOtherUsersAlone(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Reconcile(env.Ctx, "bob", catalogFixture()); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Reconcile(env.Ctx, "alice", nil); err != nil {
		t.Fatal(err)
	}
	if n, _ := env.Engine.Repo.CountGrants(env.Ctx, "bob"); n != 2 {
		t.Fatalf("bob's grants changed: %d", n)
	}
}

func TestReconcileRejectsMalformedInputBeforeWriting(t *testing.T) {
	env := newTestEnv(t)
	bad := catalogFixture()
	bad[0].Projects = append(bad[0].Projects, domain.ExternalProject{ID: "", Key: "X"})
	_, err := env.Engine.Reconcile(env.Ctx, "carol", bad)
	var verr engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if n, _ := env.Engine.Repo.CountGrants(env.Ctx, "carol"); n != 0 {
		t.Fatalf("expected no grants written, got %d", n)
	}
}

func TestSyncUserFetchesAndReconciles(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.SyncUser(env.Ctx, "dave", "tok")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !res.Synced || res.GrantsInserted != 2 || res.WorkItemTypes != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestSyncUserAbortsOnFetchFailure(t *testing.T) {
	env := newTestEnv(t)
	env.Resources.resources = append(env.Resources.resources, domain.ExternalResource{ID: "R9", Name: "Gone", URL: "https://gone.example"})
	env.Resources.fail["projects:R9"] = &external.NetworkError{Err: errors.New("connection reset")}
	_, err := env.Engine.SyncUser(env.Ctx, "erin", "tok")
	var serr *engine.SyncError
	if !errors.As(err, &serr) || serr.Stage != engine.StageFetchProjects {
		t.Fatalf("expected fetch_projects sync error, got %v", err)
	}
	if n, _ := env.Engine.Repo.CountGrants(env.Ctx, "erin"); n != 0 {
		t.Fatalf("expected no partial writes, got %d grants", n)
	}
	if _, err := env.Engine.Repo.GetResource(env.Ctx, "R9"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("resource R9 must not be persisted: %v", err)
	}
}

func TestSyncUserWithoutTokenIsUnauthorized(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.SyncUser(env.Ctx, "alice", "")
	if !errors.Is(err, external.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if env.Resources.calls != 0 {
		t.Fatalf("no fetch expected without token")
	}
}

func TestCreateJobFetchesSnapshots(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.CreateJob(env.Ctx, engine.CreateJobOptions{
		UserID: "alice", ResourceID: "R1", ProjectID: "P1", Name: "Sprint 1",
		Token: "tok", ExternalIDs: []string{"10001", "10002"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(res.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(res.Items))
	}
	for _, it := range res.Items {
		if it.Status != domain.WorkItemPending || it.Source != domain.SourceExternal {
			t.Fatalf("unexpected item %+v", it)
		}
	}
	if res.Items[0].Description != "Users sign in with SSO" {
		t.Fatalf("snapshot not captured: %+v", res.Items[0])
	}
}

func TestCreateJobFetchFailureWritesNothing(t *testing.T) {
	env := newTestEnv(t)
	env.Resources.fail["items"] = &external.APIError{StatusCode: 500, Body: "boom"}
	_, err := env.Engine.CreateJob(env.Ctx, engine.CreateJobOptions{
		UserID: "alice", ResourceID: "R1", ProjectID: "P1", Name: "Sprint 1",
		Token: "tok", ExternalIDs: []string{"10001"},
	})
	var serr *engine.SyncError
	if !errors.As(err, &serr) || serr.Stage != engine.StageFetchWorkItems {
		t.Fatalf("expected fetch_work_items error, got %v", err)
	}
	jobs, _ := env.Engine.ListJobs(env.Ctx, "alice", "P1", 0, "", "")
	if len(jobs) != 0 {
		t.Fatalf("expected no jobs, got %d", len(jobs))
	}
}

func TestCreateJobRejectsInaccessibleProject(t *testing.T) {
	env := newTestEnv(t)
	empty := catalogFixture()
	empty[0].Projects = nil
	if _, err := env.Engine.Reconcile(env.Ctx, "bob", empty); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.CreateJob(env.Ctx, engine.CreateJobOptions{
		UserID: "bob", ResourceID: "R1", ProjectID: "P1", Name: "Nope", Items: []domain.ExternalWorkItem{item1()},
	})
	var denied auth.AccessDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected access denied for resource-level grant, got %v", err)
	}
	items, _ := env.Engine.Repo.ListWorkItems(env.Ctx, repo.WorkItemFilters{ProjectID: "P1"})
	if len(items) != 0 {
		t.Fatalf("expected no work items, got %d", len(items))
	}
}

func TestCreateJobValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := map[string]engine.CreateJobOptions{
		"no name":   {UserID: "alice", ResourceID: "R1", ProjectID: "P1", Items: []domain.ExternalWorkItem{item1()}},
		"no items":  {UserID: "alice", ResourceID: "R1", ProjectID: "P1", Name: "Empty"},
		"duplicate": {UserID: "alice", ResourceID: "R1", ProjectID: "P1", Name: "Dup", Items: []domain.ExternalWorkItem{item1(), item1()}},
		"manual":    {UserID: "alice", ResourceID: "R1", ProjectID: "P1", Name: "Manual", Manual: []engine.ManualRequirement{{Key: "REQ-1"}}},
	}
	for name, opts := range cases {
		_, err := env.Engine.CreateJob(env.Ctx, opts)
		var verr engine.ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("%s: expected validation error, got %v", name, err)
		}
	}
	_, err := env.Engine.CreateJob(env.Ctx, engine.CreateJobOptions{
		UserID: "alice", ResourceID: "R1", ProjectID: "P1", Name: "Manual", Manual: []engine.ManualRequirement{{Key: "REQ-1"}},
	})
	var verr engine.ValidationError
	if !errors.As(err, &verr) || verr.Field != "manual[0].summary" {
		t.Fatalf("expected manual[0].summary field, got %v", err)
	}
}

func TestStalenessOnReselection(t *testing.T) {
	env := newTestEnv(t)
	w1 := completedItem(t, env, "J1")

	j2 := createJob(t, env, "J2", item1())
	if len(j2.Staled) != 1 || j2.Staled[0] != w1 {
		t.Fatalf("expected %s staled, got %v", w1, j2.Staled)
	}
	old := workItem(t, env, w1)
	if old.Status != domain.WorkItemStale {
		t.Fatalf("expected stale, got %s", old.Status)
	}
	if len(old.Artifacts) != 1 {
		t.Fatalf("stale artifacts must remain, got %d", len(old.Artifacts))
	}
	if j2.Items[0].Status != domain.WorkItemPending {
		t.Fatalf("expected new item pending, got %s", j2.Items[0].Status)
	}
	evts, _ := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilter{ProjectID: "P1", Type: events.WorkItemStaled, EntityKind: "work_item", EntityID: w1}, 10, 0)
	if len(evts) != 1 {
		t.Fatalf("expected one staled event, got %d", len(evts))
	}
}

func TestFailedItemIsStaledOnReselection(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Generator = generate.Func(func(context.Context, domain.GenerationRequest) ([]domain.ArtifactDraft, error) {
		return nil, errors.New("bad prompt")
	})
	j1 := createJob(t, env, "J1", item1())
	if _, err := env.Engine.DispatchJob(env.Ctx, j1.Job.ID); err != nil {
		t.Fatal(err)
	}
	j2 := createJob(t, env, "J2", item1())
	if len(j2.Staled) != 1 {
		t.Fatalf("expected failed item staled, got %v", j2.Staled)
	}
}

func TestDeployedItemIsNotStaled(t *testing.T) {
	env := newTestEnv(t)
	w1 := completedItem(t, env, "J1")
	env.Engine.Deployer = deployFunc(func(_ context.Context, _ string, req domain.DeployRequest) ([]string, error) {
		return []string{"20001"}, nil
	})
	if _, err := env.Engine.Deploy(env.Ctx, engine.DeployOptions{UserID: "alice", WorkItemID: w1, Token: "tok"}); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	j2 := createJob(t, env, "J2", item1())
	if len(j2.Staled) != 0 {
		t.Fatalf("deployed items stay deployed, got staled %v", j2.Staled)
	}
	if st := workItem(t, env, w1).Status; st != domain.WorkItemDeployed {
		t.Fatalf("expected deployed, got %s", st)
	}
}

func TestRejectsDuplicateInFlightSelection(t *testing.T) {
	env := newTestEnv(t)
	createJob(t, env, "J1", item1())
	_, err := env.Engine.CreateJob(env.Ctx, engine.CreateJobOptions{
		UserID: "alice", ResourceID: "R1", ProjectID: "P1", Name: "J2", Items: []domain.ExternalWorkItem{item2(), item1()},
	})
	if !errors.Is(err, engine.ErrGenerationInProgress) {
		t.Fatalf("expected in-progress rejection, got %v", err)
	}
	var ip *engine.InProgressError
	if !errors.As(err, &ip) || len(ip.ExternalIDs) != 1 || ip.ExternalIDs[0] != "10001" {
		t.Fatalf("expected 10001 reported, got %v", err)
	}
	jobs, _ := env.Engine.ListJobs(env.Ctx, "alice", "P1", 0, "", "")
	if len(jobs) != 1 {
		t.Fatalf("rejected job must not persist, got %d jobs", len(jobs))
	}
}

func TestDispatchIsolatesFailures(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Generator = generate.Func(func(_ context.Context, req domain.GenerationRequest) ([]domain.ArtifactDraft, error) {
		if req.ExternalKey == "MED-2" {
			return nil, errors.New("model timeout")
		}
		return []domain.ArtifactDraft{functionalDraft("ok")}, nil
	})
	job := createJob(t, env, "J1", item1(), item2())
	res, err := env.Engine.DispatchJob(env.Ctx, job.Job.ID)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Completed != 1 || res.Failed != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	for _, it := range job.Items {
		w := workItem(t, env, it.ID)
		switch w.ExternalKey {
		case "MED-1":
			if w.Status != domain.WorkItemCompleted || len(w.Artifacts) != 1 {
				t.Fatalf("sibling affected: %+v", w)
			}
			if w.Artifacts[0].GeneratedBy != domain.GeneratedByAI {
				t.Fatalf("expected ai provenance")
			}
		case "MED-2":
			if w.Status != domain.WorkItemFailed || w.FailureReason != "model timeout" {
				t.Fatalf("expected failed with verbatim reason, got %s %q", w.Status, w.FailureReason)
			}
		}
	}
}

func TestDispatchTimeoutIsRecorded(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Generation.Timeout = 20 * time.Millisecond
	env.Engine.Generator = generate.Func(func(ctx context.Context, _ domain.GenerationRequest) ([]domain.ArtifactDraft, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	job := createJob(t, env, "J1", item1())
	if _, err := env.Engine.DispatchJob(env.Ctx, job.Job.ID); err != nil {
		t.Fatal(err)
	}
	w := workItem(t, env, job.Items[0].ID)
	if w.Status != domain.WorkItemFailed || w.FailureReason != "model timeout" {
		t.Fatalf("expected model timeout, got %s %q", w.Status, w.FailureReason)
	}
}

func TestDispatchRejectsInvalidArtifacts(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Generator = generate.Func(func(context.Context, domain.GenerationRequest) ([]domain.ArtifactDraft, error) {
		return []domain.ArtifactDraft{{Summary: "x", Description: domain.FunctionalDescription{}}}, nil
	})
	job := createJob(t, env, "J1", item1())
	if _, err := env.Engine.DispatchJob(env.Ctx, job.Job.ID); err != nil {
		t.Fatal(err)
	}
	if w := workItem(t, env, job.Items[0].ID); w.Status != domain.WorkItemFailed || len(w.Artifacts) != 0 {
		t.Fatalf("expected failed without artifacts, got %+v", w)
	}
}

func TestDispatchBoundedConcurrency(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Generation.Concurrency = 2
	var mu sync.Mutex
	running, peak := 0, 0
	env.Engine.Generator = generate.Func(func(context.Context, domain.GenerationRequest) ([]domain.ArtifactDraft, error) {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return []domain.ArtifactDraft{functionalDraft("ok")}, nil
	})
	var items []domain.ExternalWorkItem
	for i := 0; i < 6; i++ {
		items = append(items, domain.ExternalWorkItem{ID: fmt.Sprintf("3000%d", i), Key: fmt.Sprintf("MED-%d", 30+i), Summary: "req"})
	}
	job := createJob(t, env, "J1", items...)
	res, err := env.Engine.DispatchJob(env.Ctx, job.Job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Completed != 6 {
		t.Fatalf("expected 6 completed, got %+v", res)
	}
	if peak > 2 {
		t.Fatalf("concurrency exceeded: %d", peak)
	}
}

func TestGenerationReceivesProjectSettings(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.SetProjectCompliance(env.Ctx, "alice", "P1", []domain.ComplianceFramework{domain.FrameworkISO13485, domain.FrameworkISO13485}); err != nil {
		t.Fatal(err)
	}
	off := false
	if _, err := env.Engine.AddProjectRule(env.Ctx, "alice", "P1", engine.RuleInput{Title: "Traceability", Description: "Cite the requirement id", Severity: "high"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AddProjectRule(env.Ctx, "alice", "P1", engine.RuleInput{Title: "Old", Description: "Disabled", Active: &off}); err != nil {
		t.Fatal(err)
	}
	var got domain.GenerationRequest
	env.Engine.Generator = generate.Func(func(_ context.Context, req domain.GenerationRequest) ([]domain.ArtifactDraft, error) {
		got = req
		return []domain.ArtifactDraft{functionalDraft("ok")}, nil
	})
	job := createJob(t, env, "J1", item1())
	if _, err := env.Engine.DispatchJob(env.Ctx, job.Job.ID); err != nil {
		t.Fatal(err)
	}
	if len(got.Frameworks) != 1 || got.Frameworks[0] != domain.FrameworkISO13485 {
		t.Fatalf("unexpected frameworks %v", got.Frameworks)
	}
	if len(got.Rules) != 1 || got.Rules[0].Title != "Traceability" {
		t.Fatalf("expected only active rule, got %+v", got.Rules)
	}
	settings, err := env.Engine.GetProjectSettings(env.Ctx, "alice", "P1")
	if err != nil || len(settings.Rules) != 2 {
		t.Fatalf("settings: %+v %v", settings, err)
	}
}

func TestProjectRuleLifecycle(t *testing.T) {
	env := newTestEnv(t)
	rule, err := env.Engine.AddProjectRule(env.Ctx, "alice", "P1", engine.RuleInput{Title: "A", Description: "B", Tags: []string{"iso"}})
	if err != nil {
		t.Fatal(err)
	}
	if rule.Severity != "medium" || !rule.Active {
		t.Fatalf("unexpected defaults %+v", rule)
	}
	sev := "critical"
	updated, err := env.Engine.UpdateProjectRule(env.Ctx, "alice", "P1", rule.ID, engine.RulePatch{Severity: &sev})
	if err != nil || updated.Severity != "critical" || updated.Title != "A" {
		t.Fatalf("update: %+v %v", updated, err)
	}
	bad := "urgent"
	if _, err := env.Engine.UpdateProjectRule(env.Ctx, "alice", "P1", rule.ID, engine.RulePatch{Severity: &bad}); err == nil {
		t.Fatalf("expected validation error")
	}
	if err := env.Engine.DeleteProjectRule(env.Ctx, "alice", "P1", rule.ID); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteProjectRule(env.Ctx, "alice", "P1", rule.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := env.Engine.AddProjectRule(env.Ctx, "mallory", "P1", engine.RuleInput{Title: "A", Description: "B"}); err == nil {
		t.Fatalf("expected access denied")
	}
}

func TestManualRequirementExtraction(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.CreateJob(env.Ctx, engine.CreateJobOptions{
		UserID: "alice", ResourceID: "R1", ProjectID: "P1", Name: "Manual",
		Manual: []engine.ManualRequirement{
			{Key: "REQ-1", Summary: "Alarm limits", Attachment: &domain.Attachment{Name: "limits.txt", Data: []byte("Alarm at 120 bpm")}},
			{Key: "REQ-2", Summary: "Scanned spec", Attachment: &domain.Attachment{Name: "spec.pdf", Data: []byte("%PDF-1.4")}},
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	byKey := map[string]domain.WorkItem{}
	for _, it := range res.Items {
		byKey[it.ExternalKey] = it
	}
	if w := byKey["REQ-1"]; w.Status != domain.WorkItemPending || !strings.Contains(w.Description, "120 bpm") || w.Source != domain.SourceManual {
		t.Fatalf("unexpected REQ-1 %+v", w)
	}
	if w := byKey["REQ-2"]; w.Status != domain.WorkItemFailed || w.FailureReason == "" {
		t.Fatalf("expected REQ-2 failed at creation, got %+v", w)
	}
	if !strings.HasPrefix(byKey["REQ-1"].ExternalID, "manual:") {
		t.Fatalf("expected synthetic external id, got %s", byKey["REQ-1"].ExternalID)
	}
	dr, err := env.Engine.DispatchJob(env.Ctx, res.Job.ID)
	if err != nil || dr.Completed != 1 {
		t.Fatalf("dispatch: %+v %v", dr, err)
	}
}

func TestSaveDraft(t *testing.T) {
	env := newTestEnv(t)
	id := completedItem(t, env, "J1")
	before := workItem(t, env, id)
	gen := before.Artifacts[0]

	arts, err := env.Engine.SaveDraft(env.Ctx, engine.SaveDraftOptions{
		UserID:     "alice",
		WorkItemID: id,
		Upserts: []engine.ArtifactInput{
			{ID: gen.ID, Summary: "Edited", Description: gen.Description},
			{Summary: "Load test", Description: domain.NonFunctionalDescription{Category: "performance", Scenario: "100 users log in"}},
		},
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if len(arts) != 2 {
		t.Fatalf("expected 2 artifacts, got %d", len(arts))
	}
	for _, a := range arts {
		if a.ModifiedBy != "alice" {
			t.Fatalf("modified_by not set on %s", a.ID)
		}
		if a.ID == gen.ID && (a.Summary != "Edited" || a.GeneratedBy != domain.GeneratedByAI) {
			t.Fatalf("update lost provenance or content: %+v", a)
		}
		if a.ID != gen.ID && a.GeneratedBy != domain.GeneratedByManual {
			t.Fatalf("new artifact must be manual: %+v", a)
		}
	}
	if st := workItem(t, env, id).Status; st != domain.WorkItemCompleted {
		t.Fatalf("draft save must not change status, got %s", st)
	}

	arts, err = env.Engine.SaveDraft(env.Ctx, engine.SaveDraftOptions{UserID: "alice", WorkItemID: id, Deletes: []string{gen.ID}})
	if err != nil || len(arts) != 1 {
		t.Fatalf("delete: %d %v", len(arts), err)
	}
}

func TestSaveDraftRejections(t *testing.T) {
	env := newTestEnv(t)
	id := completedItem(t, env, "J1")
	_, err := env.Engine.SaveDraft(env.Ctx, engine.SaveDraftOptions{
		UserID: "alice", WorkItemID: id,
		Upserts: []engine.ArtifactInput{{Summary: "bad", Description: domain.ComplianceDescription{Framework: "SOC 2", Requirement: "x"}}},
	})
	var verr engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	_, err = env.Engine.SaveDraft(env.Ctx, engine.SaveDraftOptions{UserID: "mallory", WorkItemID: id, Deletes: []string{"x"}})
	var denied auth.AccessDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected access denied, got %v", err)
	}

	pending := createJob(t, env, "J2", item2()).Items[0].ID
	_, err = env.Engine.SaveDraft(env.Ctx, engine.SaveDraftOptions{
		UserID: "alice", WorkItemID: pending,
		Upserts: []engine.ArtifactInput{{Summary: "early", Description: functionalDraft("x").Description}},
	})
	if !errors.Is(err, engine.ErrNotReviewable) {
		t.Fatalf("expected not reviewable for pending item, got %v", err)
	}
}

func TestStaleItemRemainsEditable(t *testing.T) {
	env := newTestEnv(t)
	id := completedItem(t, env, "J1")
	createJob(t, env, "J2", item1())
	_, err := env.Engine.SaveDraft(env.Ctx, engine.SaveDraftOptions{
		UserID: "alice", WorkItemID: id,
		Upserts: []engine.ArtifactInput{{Summary: "note", Description: functionalDraft("x").Description}},
	})
	if err != nil {
		t.Fatalf("stale item must be editable: %v", err)
	}
}

func TestDeployCompletedItem(t *testing.T) {
	env := newTestEnv(t)
	id := completedItem(t, env, "J1")
	var got domain.DeployRequest
	env.Engine.Deployer = deployFunc(func(_ context.Context, token string, req domain.DeployRequest) ([]string, error) {
		if token != "tok" {
			t.Errorf("unexpected token %q", token)
		}
		got = req
		return []string{"20001"}, nil
	})
	res, err := env.Engine.Deploy(env.Ctx, engine.DeployOptions{UserID: "alice", WorkItemID: id, Token: "tok"})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if got.ParentID != "10001" || got.WorkItemTypeID != "T2" || len(got.Artifacts) != 1 {
		t.Fatalf("unexpected push %+v", got)
	}
	w := workItem(t, env, id)
	if w.Status != domain.WorkItemDeployed {
		t.Fatalf("expected deployed, got %s", w.Status)
	}
	if w.Artifacts[0].LinkedTo != "20001" || res.Links[w.Artifacts[0].ID] != "20001" {
		t.Fatalf("link not recorded: %+v", w.Artifacts[0])
	}
	_, err = env.Engine.Deploy(env.Ctx, engine.DeployOptions{UserID: "alice", WorkItemID: id, Token: "tok"})
	if !errors.Is(err, engine.ErrNotDeployable) {
		t.Fatalf("second deploy must fail, got %v", err)
	}
}

func TestDeployGating(t *testing.T) {
	env := newTestEnv(t)
	id := completedItem(t, env, "J1")
	createJob(t, env, "J2", item1())
	called := false
	env.Engine.Deployer = deployFunc(func(context.Context, string, domain.DeployRequest) ([]string, error) {
		called = true
		return []string{"x"}, nil
	})
	_, err := env.Engine.Deploy(env.Ctx, engine.DeployOptions{UserID: "alice", WorkItemID: id, Token: "tok"})
	var gate *engine.DeployGateError
	if !errors.As(err, &gate) || gate.Status != domain.WorkItemStale {
		t.Fatalf("expected gate error on stale item, got %v", err)
	}
	if called {
		t.Fatalf("deployer must not be called for stale items")
	}
}

func TestDeployPushFailureRecordsNothing(t *testing.T) {
	env := newTestEnv(t)
	id := completedItem(t, env, "J1")
	env.Engine.Deployer = deployFunc(func(context.Context, string, domain.DeployRequest) ([]string, error) {
		return nil, &external.APIError{StatusCode: 400, Body: "issuetype invalid"}
	})
	_, err := env.Engine.Deploy(env.Ctx, engine.DeployOptions{UserID: "alice", WorkItemID: id, Token: "tok"})
	var derr *engine.DeployError
	if !errors.As(err, &derr) {
		t.Fatalf("expected deploy error, got %v", err)
	}
	w := workItem(t, env, id)
	if w.Status != domain.WorkItemCompleted || w.Artifacts[0].LinkedTo != "" {
		t.Fatalf("failed push must leave item untouched: %+v", w)
	}
}

func TestDeployConflictDetectedAtWriteTime(t *testing.T) {
	env := newTestEnv(t)
	id := completedItem(t, env, "J1")
	env.Engine.Deployer = deployFunc(func(ctx context.Context, _ string, _ domain.DeployRequest) ([]string, error) {
		ok, err := env.Engine.Repo.TransitionWorkItem(ctx, env.Engine.DB, id, domain.WorkItemCompleted, domain.WorkItemStale, "", "2024-01-01T00:00:00Z")
		if err != nil || !ok {
			t.Errorf("stale during push: %v %v", ok, err)
		}
		return []string{"20001"}, nil
	})
	_, err := env.Engine.Deploy(env.Ctx, engine.DeployOptions{UserID: "alice", WorkItemID: id, Token: "tok"})
	var gate *engine.DeployGateError
	if !errors.As(err, &gate) || gate.Status != domain.WorkItemStale {
		t.Fatalf("expected conflict gate error, got %v", err)
	}
	if w := workItem(t, env, id); w.Status != domain.WorkItemStale {
		t.Fatalf("expected stale to win, got %s", w.Status)
	}
	evts, _ := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilter{ProjectID: "P1", Type: events.WorkItemDeployConflict}, 10, 0)
	if len(evts) != 1 || !strings.Contains(evts[0].Payload, "20001") {
		t.Fatalf("expected deploy_conflict event with external ids, got %+v", evts)
	}
}

func TestConcurrentDeployPushesOnce(t *testing.T) {
	env := newTestEnv(t)
	id := completedItem(t, env, "J1")
	var (
		mu      sync.Mutex
		pushes  int
		entered = make(chan struct{})
		unblock = make(chan struct{})
	)
	env.Engine.Deployer = deployFunc(func(context.Context, string, domain.DeployRequest) ([]string, error) {
		mu.Lock()
		pushes++
		first := pushes == 1
		mu.Unlock()
		if first {
			close(entered)
			<-unblock
		}
		return []string{"20001"}, nil
	})

	errs := make([]error, 2)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, errs[0] = env.Engine.Deploy(env.Ctx, engine.DeployOptions{UserID: "alice", WorkItemID: id, Token: "tok"})
	}()
	<-entered
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, errs[1] = env.Engine.Deploy(env.Ctx, engine.DeployOptions{UserID: "alice", WorkItemID: id, Token: "tok"})
	}()
	time.Sleep(50 * time.Millisecond)
	close(unblock)
	wg.Wait()

	if pushes != 1 {
		t.Fatalf("expected one external push, got %d", pushes)
	}
	if errs[0] != nil {
		t.Fatalf("first deploy: %v", errs[0])
	}
	var gate *engine.DeployGateError
	if !errors.As(errs[1], &gate) || gate.Status != domain.WorkItemDeployed {
		t.Fatalf("expected second deploy to be gated, got %v", errs[1])
	}
}

func TestDeployRefusesItemStaledWhileWaiting(t *testing.T) {
	env := newTestEnv(t)
	id := completedItem(t, env, "J1")
	pushed := false
	env.Engine.Deployer = deployFunc(func(context.Context, string, domain.DeployRequest) ([]string, error) {
		pushed = true
		return []string{"20001"}, nil
	})
	ref, err := env.Engine.Repo.GetWorkItemRef(env.Ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	release, err := env.Engine.Locks.Lock(env.Ctx, "jobs:"+ref.ResourceID+":"+ref.ProjectID)
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() {
		_, err := env.Engine.Deploy(env.Ctx, engine.DeployOptions{UserID: "alice", WorkItemID: id, Token: "tok"})
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	if ok, err := env.Engine.Repo.TransitionWorkItem(env.Ctx, env.Engine.DB, id, domain.WorkItemCompleted, domain.WorkItemStale, "", "2024-01-01T00:00:00Z"); err != nil || !ok {
		t.Fatalf("stale: %v %v", ok, err)
	}
	release()

	var gate *engine.DeployGateError
	if err := <-done; !errors.As(err, &gate) || gate.Status != domain.WorkItemStale {
		t.Fatalf("expected stale gate error, got %v", err)
	}
	if pushed {
		t.Fatal("stale item must not be pushed")
	}
}

func TestDeployPartialPushIsRecorded(t *testing.T) {
	env := newTestEnv(t)
	id := completedItem(t, env, "J1")
	env.Engine.Deployer = deployFunc(func(context.Context, string, domain.DeployRequest) ([]string, error) {
		return nil, &external.APIError{StatusCode: 400, Body: "element 1: summary too long", Created: []string{"20001"}}
	})
	_, err := env.Engine.Deploy(env.Ctx, engine.DeployOptions{UserID: "alice", WorkItemID: id, Token: "tok"})
	var derr *engine.DeployError
	if !errors.As(err, &derr) {
		t.Fatalf("expected deploy error, got %v", err)
	}
	if w := workItem(t, env, id); w.Status != domain.WorkItemCompleted {
		t.Fatalf("item must stay completed, got %s", w.Status)
	}
	evts, _ := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilter{ProjectID: "P1", Type: events.WorkItemDeployPartial}, 10, 0)
	if len(evts) != 1 || !strings.Contains(evts[0].Payload, "20001") {
		t.Fatalf("expected deploy_partial event with created ids, got %+v", evts)
	}
}

func TestDeploySelectedArtifactsAndType(t *testing.T) {
	env := newTestEnv(t)
	id := completedItem(t, env, "J1")
	_, err := env.Engine.Deploy(env.Ctx, engine.DeployOptions{UserID: "alice", WorkItemID: id, Token: "tok", ArtifactIDs: []string{"nope"}})
	if err == nil {
		t.Fatalf("expected error without deployer or with unknown artifact")
	}
	env.Engine.Deployer = deployFunc(func(_ context.Context, _ string, req domain.DeployRequest) ([]string, error) {
		return []string{"20001"}, nil
	})
	_, err = env.Engine.Deploy(env.Ctx, engine.DeployOptions{UserID: "alice", WorkItemID: id, Token: "tok", WorkItemTypeID: "T9"})
	var verr engine.ValidationError
	if !errors.As(err, &verr) || verr.Field != "work_item_type_id" {
		t.Fatalf("expected unknown type validation error, got %v", err)
	}
	if _, err := env.Engine.Deploy(env.Ctx, engine.DeployOptions{UserID: "mallory", WorkItemID: id, Token: "tok"}); err == nil {
		t.Fatalf("expected access denied")
	}
}

func TestRegenerate(t *testing.T) {
	env := newTestEnv(t)
	id := completedItem(t, env, "J1")
	res, err := env.Engine.Regenerate(env.Ctx, "alice", id)
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if res.Job.Name != "Regenerate MED-1" || len(res.Staled) != 1 || res.Staled[0] != id {
		t.Fatalf("unexpected regenerate result %+v", res)
	}
	if res.Dispatch.Completed != 1 || res.Items[0].Status != domain.WorkItemCompleted {
		t.Fatalf("expected new item completed, got %+v", res)
	}
	if st := workItem(t, env, id).Status; st != domain.WorkItemStale {
		t.Fatalf("expected old item stale, got %s", st)
	}
}

func TestListWorkItemsAndStatus(t *testing.T) {
	env := newTestEnv(t)
	job := createJob(t, env, "J1", item1(), item2())
	items, err := env.Engine.ListWorkItems(env.Ctx, engine.ListWorkItemsOptions{UserID: "alice", JobID: job.Job.ID, Sort: "updated_at"})
	if err != nil || len(items) != 2 {
		t.Fatalf("list: %d %v", len(items), err)
	}
	_, err = env.Engine.ListWorkItems(env.Ctx, engine.ListWorkItemsOptions{UserID: "alice", JobID: job.Job.ID, Sort: "status"})
	var verr engine.ValidationError
	if !errors.As(err, &verr) || verr.Field != "sort" {
		t.Fatalf("expected sort validation error, got %v", err)
	}
	st, err := env.Engine.ProjectStatus(env.Ctx, "alice", "P1")
	if err != nil {
		t.Fatal(err)
	}
	if st.Total != 2 || st.Counts["pending"] != 2 || st.Counts["deployed"] != 0 {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestDeleteJob(t *testing.T) {
	env := newTestEnv(t)
	id := completedItem(t, env, "J1")
	ref, _ := env.Engine.Repo.GetWorkItemRef(env.Ctx, id)
	if err := env.Engine.DeleteJob(env.Ctx, "mallory", ref.JobID); err == nil {
		t.Fatalf("expected access denied")
	}
	if err := env.Engine.DeleteJob(env.Ctx, "alice", ref.JobID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.Engine.Repo.GetWorkItemRef(env.Ctx, id); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("items must cascade, got %v", err)
	}
	arts, _ := env.Engine.Repo.ListArtifacts(env.Ctx, id)
	if len(arts) != 0 {
		t.Fatalf("artifacts must cascade")
	}
}

func TestDeleteJobRefusedWhileInProgress(t *testing.T) {
	env := newTestEnv(t)
	job := createJob(t, env, "J1", item1())
	id := job.Items[0].ID
	if _, err := env.Engine.Repo.TransitionWorkItem(env.Ctx, env.Engine.DB, id, domain.WorkItemPending, domain.WorkItemInProgress, "", "2024-01-01T00:00:00Z"); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteJob(env.Ctx, "alice", job.Job.ID); !errors.Is(err, engine.ErrGenerationInProgress) {
		t.Fatalf("expected in-progress refusal, got %v", err)
	}
}

func TestExportIncludesStaleAndFailedItems(t *testing.T) {
	env := newTestEnv(t)
	id := completedItem(t, env, "J1")
	ref, _ := env.Engine.Repo.GetWorkItemRef(env.Ctx, id)
	createJob(t, env, "J2", item1())

	var buf bytes.Buffer
	if err := env.Engine.ExportJob(env.Ctx, "alice", ref.JobID, export.FormatCSV, &buf); err != nil {
		t.Fatalf("export: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "MED-1") || !strings.Contains(out, ",stale,") {
		t.Fatalf("expected stale item in export, got:\n%s", out)
	}
	buf.Reset()
	if err := env.Engine.ExportWorkItem(env.Ctx, "alice", id, export.FormatJSON, &buf); err != nil {
		t.Fatalf("export item: %v", err)
	}
	if !strings.Contains(buf.String(), `"kind": "functional"`) {
		t.Fatalf("expected functional artifact in json, got:\n%s", buf.String())
	}
	if err := env.Engine.ExportJob(env.Ctx, "mallory", ref.JobID, export.FormatCSV, &buf); err == nil {
		t.Fatalf("expected access denied")
	}
}

func TestCatalogReadsAreScoped(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.ListAccessibleResources(env.Ctx, "alice")
	if err != nil || len(res) != 1 {
		t.Fatalf("resources: %v %v", res, err)
	}
	projects, err := env.Engine.ListAccessibleProjects(env.Ctx, "alice", "R1")
	if err != nil || len(projects) != 2 {
		t.Fatalf("projects: %v %v", projects, err)
	}
	if none, _ := env.Engine.ListAccessibleProjects(env.Ctx, "nobody", ""); len(none) != 0 {
		t.Fatalf("expected nothing for unknown user")
	}
	types, err := env.Engine.ListWorkItemTypes(env.Ctx, "alice", "P1")
	if err != nil || len(types) != 2 {
		t.Fatalf("types: %v %v", types, err)
	}
	if _, err := env.Engine.ListWorkItemTypes(env.Ctx, "nobody", "P1"); err == nil {
		t.Fatalf("expected access denied")
	}
}

func TestConcurrentCreateJobAllowsOneInFlight(t *testing.T) {
	env := newTestEnv(t)
	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.CreateJob(env.Ctx, engine.CreateJobOptions{
				UserID: "alice", ResourceID: "R1", ProjectID: "P1", Name: fmt.Sprintf("J%d", i), Items: []domain.ExternalWorkItem{item1()},
			})
		}(i)
	}
	wg.Wait()
	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		if !errors.Is(err, engine.ErrGenerationInProgress) {
			t.Fatalf("unexpected error %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("expected exactly one job to win, got %d", ok)
	}
}
