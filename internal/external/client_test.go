package external

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"caseline/internal/domain"
)

func newTestClient(srv *httptest.Server) *Client {
	c := New(srv.URL+"/ex/jira", srv.URL+"/oauth/token/accessible-resources", 5*time.Second, 2, nil)
	c.InitialBackoff = time.Millisecond
	return c
}

func TestFetchAccessibleResources(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token: %q", r.Header.Get("Authorization"))
		}
		_, _ = w.Write([]byte(`[{"id":"cloud-1","name":"Acme","url":"https://acme.example","scopes":["read:jira-work"],"avatarUrl":"https://a/1.png"}]`))
	}))
	defer srv.Close()

	got, err := newTestClient(srv).FetchAccessibleResources(context.Background(), "tok")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(got) != 1 || got[0].ID != "cloud-1" || got[0].AvatarURL != "https://a/1.png" || len(got[0].Scopes) != 1 {
		t.Fatalf("unexpected resources: %+v", got)
	}
}

func TestFetchProjectsFollowsPagination(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/ex/jira/cloud-1/rest/api/3/project/search") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("expand") != "description,issueTypes" {
			t.Errorf("unexpected expand %q", r.URL.Query().Get("expand"))
		}
		atomic.AddInt32(&calls, 1)
		switch r.URL.Query().Get("startAt") {
		case "0":
			_, _ = w.Write([]byte(`{"startAt":0,"isLast":false,"values":[{"id":"p1","key":"ONE","name":"One","avatarUrls":{"48x48":"big"},"issueTypes":[{"id":"t1","name":"Story","hierarchyLevel":0}]}]}`))
		case "1":
			_, _ = w.Write([]byte(`{"startAt":1,"isLast":true,"values":[{"id":"p2","key":"TWO","name":"Two","isPrivate":true}]}`))
		default:
			t.Errorf("unexpected startAt %q", r.URL.Query().Get("startAt"))
		}
	}))
	defer srv.Close()

	got, err := newTestClient(srv).FetchProjects(context.Background(), "tok", "cloud-1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if calls != 2 || len(got) != 2 {
		t.Fatalf("expected 2 pages and 2 projects, got %d calls %d projects", calls, len(got))
	}
	if got[0].ResourceID != "cloud-1" || got[0].Avatars.X48 != "big" || len(got[0].WorkItemTypes) != 1 || got[0].WorkItemTypes[0].ProjectID != "p1" {
		t.Fatalf("unexpected first project: %+v", got[0])
	}
	if !got[1].IsPrivate {
		t.Fatalf("expected second project private")
	}
}

func TestRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "boom", http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	if _, err := newTestClient(srv).FetchAccessibleResources(context.Background(), "tok"); err != nil {
		t.Fatalf("expected success after retries: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetriesExhaustedReturnsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).FetchAccessibleResources(context.Background(), "tok")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected APIError 503, got %v", err)
	}
}

func TestUnauthorizedIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).FetchAccessibleResources(context.Background(), "bad")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected single call, got %d", calls)
	}
}

func TestNetworkErrorIsTyped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	c := newTestClient(srv)
	srv.Close()

	_, err := c.FetchAccessibleResources(context.Background(), "tok")
	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("expected NetworkError, got %v", err)
	}
}

func TestFetchWorkItemsFlattensDescription(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bulkFetchRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		if len(body.IssueIDsOrKeys) != 1 || body.IssueIDsOrKeys[0] != "10001" {
			t.Errorf("unexpected ids %v", body.IssueIDsOrKeys)
		}
		_, _ = w.Write([]byte(`{"issues":[{"id":"10001","key":"ONE-1","fields":{"summary":"Login","issuetype":{"id":"t1"},"description":{"type":"doc","version":1,"content":[{"type":"paragraph","content":[{"type":"text","text":"Users log in"}]}]}}}]}`))
	}))
	defer srv.Close()

	got, err := newTestClient(srv).FetchWorkItems(context.Background(), "tok", "cloud-1", []string{"10001"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(got) != 1 || got[0].Key != "ONE-1" || got[0].Description != "Users log in" || got[0].WorkItemTypeID != "t1" {
		t.Fatalf("unexpected items: %+v", got)
	}
}

func TestFetchWorkItemsReportsMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"issues":[]}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).FetchWorkItems(context.Background(), "tok", "cloud-1", []string{"404"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected not found APIError, got %v", err)
	}
}

func TestPushArtifactsCreatesChildren(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/issue/bulk") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body struct {
			IssueUpdates []struct {
				Fields map[string]json.RawMessage `json:"fields"`
			} `json:"issueUpdates"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		if len(body.IssueUpdates) != 2 {
			t.Errorf("expected 2 updates, got %d", len(body.IssueUpdates))
		}
		if string(body.IssueUpdates[0].Fields["parent"]) != `{"id":"10001"}` {
			t.Errorf("unexpected parent %s", body.IssueUpdates[0].Fields["parent"])
		}
		_, _ = w.Write([]byte(`{"issues":[{"id":"20001","key":"ONE-2"},{"id":"20002","key":"ONE-3"}]}`))
	}))
	defer srv.Close()

	desc := domain.FunctionalDescription{Steps: []domain.TestStep{{Action: "open"}}, ExpectedResult: "ok"}
	ids, err := newTestClient(srv).PushArtifacts(context.Background(), "tok", domain.DeployRequest{
		ResourceID: "cloud-1",
		ProjectID:  "p1",
		ParentID:   "10001",
		Artifacts: []domain.ArtifactDraft{
			{Summary: "a", Description: desc},
			{Summary: "b", Description: desc},
		},
	})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if len(ids) != 2 || ids[0] != "20001" || ids[1] != "20002" {
		t.Fatalf("unexpected ids %v", ids)
	}
}

func TestPushArtifactsReportsElementErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"issues":[],"errors":[{"status":400,"failedElementNumber":0,"elementErrors":{"errorMessages":["bad parent"]}}]}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).PushArtifacts(context.Background(), "tok", domain.DeployRequest{
		ResourceID: "cloud-1",
		Artifacts:  []domain.ArtifactDraft{{Summary: "a", Description: domain.FunctionalDescription{}}},
	})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || !strings.Contains(apiErr.Body, "bad parent") {
		t.Fatalf("expected element error, got %v", err)
	}
}

func TestPushArtifactsSendsCreateOnce(t *testing.T) {
	var posts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&posts, 1) == 1 {
			http.Error(w, "upstream timeout", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"issues":[{"id":"20001","key":"ONE-2"}]}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).PushArtifacts(context.Background(), "tok", domain.DeployRequest{
		ResourceID: "cloud-1",
		Artifacts:  []domain.ArtifactDraft{{Summary: "a", Description: domain.FunctionalDescription{}}},
	})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502 APIError, got %v", err)
	}
	if n := atomic.LoadInt32(&posts); n != 1 {
		t.Fatalf("create must not be retried, sent %d", n)
	}
}

func TestPushArtifactsPartialSuccessKeepsCreatedIDs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"issues":[{"id":"20001","key":"ONE-2"}],"errors":[{"status":400,"failedElementNumber":1,"elementErrors":{"errors":{"summary":"too long"}}}]}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).PushArtifacts(context.Background(), "tok", domain.DeployRequest{
		ResourceID: "cloud-1",
		Artifacts: []domain.ArtifactDraft{
			{Summary: "a", Description: domain.FunctionalDescription{}},
			{Summary: "b", Description: domain.FunctionalDescription{}},
		},
	})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if len(apiErr.Created) != 1 || apiErr.Created[0] != "20001" || !strings.Contains(apiErr.Body, "summary: too long") {
		t.Fatalf("unexpected partial error %+v", apiErr)
	}
}

func TestSearchJQLQuotesFilters(t *testing.T) {
	got := SearchJQL("10000", domain.WorkItemSearch{
		Text:          `login "sso"`,
		WorkItemTypes: []string{"Story", " ", `Bug\Defect`},
		Assignee:      "acct-1",
	})
	want := `project = "10000" AND assignee = "acct-1" AND issuetype IN ("Story","Bug\\Defect") AND text ~ "login \"sso\"" ORDER BY created DESC`
	if got != want {
		t.Fatalf("unexpected jql\n got: %s\nwant: %s", got, want)
	}
	if got := SearchJQL("10000", domain.WorkItemSearch{Text: "med-12"}); got != `project = "10000" AND (key = "MED-12" OR text ~ "med-12") ORDER BY created DESC` {
		t.Fatalf("unexpected key jql: %s", got)
	}
	if got := SearchJQL("10000", domain.WorkItemSearch{}); got != `project = "10000" ORDER BY created DESC` {
		t.Fatalf("unexpected bare jql: %s", got)
	}
}

func TestSearchWorkItemsPostsJQLAndPages(t *testing.T) {
	var bodies []searchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/ex/jira/cloud-1/rest/api/3/search/jql") {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body searchRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		bodies = append(bodies, body)
		if body.NextPageToken == "" {
			_, _ = w.Write([]byte(`{"issues":[{"id":"10001","key":"MED-1","fields":{"summary":"Login","issuetype":{"id":"t1"}}}],"nextPageToken":"page-2","isLast":false}`))
			return
		}
		_, _ = w.Write([]byte(`{"issues":[{"id":"10002","key":"MED-2","fields":{"summary":"Logout","issuetype":{"id":"t1"}}}],"nextPageToken":"ignored","isLast":true}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	filters := domain.WorkItemSearch{Text: "log", MaxResults: 500}
	first, err := c.SearchWorkItems(context.Background(), "tok", "cloud-1", "10000", filters)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(first.Items) != 1 || first.Items[0].Key != "MED-1" || first.NextPageToken != "page-2" {
		t.Fatalf("unexpected first page: %+v", first)
	}
	filters.PageToken = first.NextPageToken
	second, err := c.SearchWorkItems(context.Background(), "tok", "cloud-1", "10000", filters)
	if err != nil {
		t.Fatalf("search page 2: %v", err)
	}
	if len(second.Items) != 1 || second.Items[0].ID != "10002" || second.NextPageToken != "" {
		t.Fatalf("unexpected last page: %+v", second)
	}
	if len(bodies) != 2 || bodies[0].MaxResults != maxSearchPage || bodies[0].JQL != `project = "10000" AND text ~ "log" ORDER BY created DESC` {
		t.Fatalf("unexpected request bodies: %+v", bodies)
	}
	if bodies[1].NextPageToken != "page-2" {
		t.Fatalf("expected page token forwarded, got %+v", bodies[1])
	}
}
