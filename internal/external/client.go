// Package external talks to the ALM system: accessible resources, project
// catalog, work item snapshots and artifact deployment.
package external

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"caseline/internal/domain"
	"caseline/internal/logger"
)

const (
	DefaultAPIBaseURL   = "https://api.atlassian.com/ex/jira"
	DefaultResourcesURL = "https://api.atlassian.com/oauth/token/accessible-resources"
	defaultMaxRetries   = 3
	projectPageSize     = 50
	projectExpand       = "description,issueTypes"
	maxErrorBody        = 4096
)

// ErrUnauthorized is returned when the external system rejects the token.
var ErrUnauthorized = errors.New("external token rejected")

// APIError is a non-success response from the external system.
type APIError struct {
	StatusCode int
	Body       string
	// Created lists ids the external system did create before reporting
	// errors for other elements of the same bulk call.
	Created []string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("external api returned %d: %s", e.StatusCode, e.Body)
}

// NetworkError wraps transport failures (DNS, connection reset, timeouts).
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string { return "external network error: " + e.Err.Error() }
func (e *NetworkError) Unwrap() error { return e.Err }

type Client struct {
	HTTP         *http.Client
	APIBaseURL   string
	ResourcesURL string
	MaxRetries   uint64
	// InitialBackoff overrides the first retry interval; tests set it low.
	InitialBackoff time.Duration
	Log            *logger.Logger
}

func New(apiBaseURL, resourcesURL string, timeout time.Duration, maxRetries int, log *logger.Logger) *Client {
	if apiBaseURL == "" {
		apiBaseURL = DefaultAPIBaseURL
	}
	if resourcesURL == "" {
		resourcesURL = DefaultResourcesURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxRetries < 0 {
		maxRetries = defaultMaxRetries
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Client{
		HTTP:         &http.Client{Timeout: timeout},
		APIBaseURL:   strings.TrimRight(apiBaseURL, "/"),
		ResourcesURL: resourcesURL,
		MaxRetries:   uint64(maxRetries),
		Log:          log,
	}
}

type resourceJSON struct {
	ID        string   `json:"id"`
	URL       string   `json:"url"`
	Name      string   `json:"name"`
	Scopes    []string `json:"scopes"`
	AvatarURL string   `json:"avatarUrl"`
}

// FetchAccessibleResources lists every resource the token can reach.
func (c *Client) FetchAccessibleResources(ctx context.Context, token string) ([]domain.ExternalResource, error) {
	var raw []resourceJSON
	if err := c.do(ctx, http.MethodGet, c.ResourcesURL, token, nil, &raw); err != nil {
		return nil, err
	}
	out := make([]domain.ExternalResource, 0, len(raw))
	for _, r := range raw {
		scopes := r.Scopes
		if scopes == nil {
			scopes = []string{}
		}
		out = append(out, domain.ExternalResource{
			ID:        r.ID,
			Name:      r.Name,
			URL:       r.URL,
			AvatarURL: r.AvatarURL,
			Scopes:    scopes,
		})
	}
	return out, nil
}

type issueTypeJSON struct {
	Self           string `json:"self"`
	ID             string `json:"id"`
	Description    string `json:"description"`
	IconURL        string `json:"iconUrl"`
	Name           string `json:"name"`
	Subtask        bool   `json:"subtask"`
	AvatarID       *int   `json:"avatarId"`
	HierarchyLevel int    `json:"hierarchyLevel"`
}

type projectJSON struct {
	Self           string            `json:"self"`
	ID             string            `json:"id"`
	Key            string            `json:"key"`
	Name           string            `json:"name"`
	Description    string            `json:"description"`
	IssueTypes     []issueTypeJSON   `json:"issueTypes"`
	AvatarURLs     map[string]string `json:"avatarUrls"`
	ProjectTypeKey string            `json:"projectTypeKey"`
	Simplified     bool              `json:"simplified"`
	Style          string            `json:"style"`
	IsPrivate      bool              `json:"isPrivate"`
}

type projectPage struct {
	StartAt    int           `json:"startAt"`
	MaxResults int           `json:"maxResults"`
	Total      int           `json:"total"`
	IsLast     bool          `json:"isLast"`
	Values     []projectJSON `json:"values"`
}

// FetchProjects walks the paginated project search of one resource, with
// work item types nested in each project.
func (c *Client) FetchProjects(ctx context.Context, token, resourceID string) ([]domain.ExternalProject, error) {
	var out []domain.ExternalProject
	startAt := 0
	for {
		q := url.Values{}
		q.Set("expand", projectExpand)
		q.Set("startAt", fmt.Sprint(startAt))
		q.Set("maxResults", fmt.Sprint(projectPageSize))
		var page projectPage
		if err := c.do(ctx, http.MethodGet, c.apiURL(resourceID, "/project/search")+"?"+q.Encode(), token, nil, &page); err != nil {
			return nil, err
		}
		for _, p := range page.Values {
			out = append(out, toProject(resourceID, p))
		}
		if page.IsLast || len(page.Values) == 0 {
			break
		}
		startAt += len(page.Values)
	}
	return out, nil
}

func toProject(resourceID string, p projectJSON) domain.ExternalProject {
	types := make([]domain.WorkItemType, 0, len(p.IssueTypes))
	for _, t := range p.IssueTypes {
		types = append(types, domain.WorkItemType{
			ID:             t.ID,
			ProjectID:      p.ID,
			Name:           t.Name,
			Description:    t.Description,
			IconURL:        t.IconURL,
			Subtask:        t.Subtask,
			AvatarID:       t.AvatarID,
			HierarchyLevel: t.HierarchyLevel,
			Self:           t.Self,
		})
	}
	return domain.ExternalProject{
		ID:             p.ID,
		ResourceID:     resourceID,
		Key:            p.Key,
		Name:           p.Name,
		Description:    p.Description,
		Self:           p.Self,
		ProjectTypeKey: p.ProjectTypeKey,
		Simplified:     p.Simplified,
		Style:          p.Style,
		IsPrivate:      p.IsPrivate,
		Avatars: domain.ProjectAvatars{
			X48: p.AvatarURLs["48x48"],
			X32: p.AvatarURLs["32x32"],
			X24: p.AvatarURLs["24x24"],
			X16: p.AvatarURLs["16x16"],
		},
		WorkItemTypes: types,
	}
}

type bulkFetchRequest struct {
	IssueIDsOrKeys []string `json:"issueIdsOrKeys"`
	Fields         []string `json:"fields"`
}

type issueJSON struct {
	ID     string `json:"id"`
	Key    string `json:"key"`
	Fields struct {
		Summary     string          `json:"summary"`
		Description json.RawMessage `json:"description"`
		IssueType   struct {
			ID string `json:"id"`
		} `json:"issuetype"`
	} `json:"fields"`
}

type bulkFetchResponse struct {
	Issues []issueJSON `json:"issues"`
}

// FetchWorkItems returns snapshots for the given external ids in request order.
// Ids the external system did not return are reported as an error.
func (c *Client) FetchWorkItems(ctx context.Context, token, resourceID string, ids []string) ([]domain.ExternalWorkItem, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	body := bulkFetchRequest{IssueIDsOrKeys: ids, Fields: []string{"summary", "issuetype", "description"}}
	var resp bulkFetchResponse
	if err := c.do(ctx, http.MethodPost, c.apiURL(resourceID, "/issue/bulkfetch"), token, body, &resp); err != nil {
		return nil, err
	}
	byID := make(map[string]domain.ExternalWorkItem, len(resp.Issues))
	for _, is := range resp.Issues {
		item := domain.ExternalWorkItem{
			ID:             is.ID,
			Key:            is.Key,
			Summary:        is.Fields.Summary,
			Description:    docText(is.Fields.Description),
			WorkItemTypeID: is.Fields.IssueType.ID,
		}
		byID[is.ID] = item
		byID[is.Key] = item
	}
	out := make([]domain.ExternalWorkItem, 0, len(ids))
	var missing []string
	for _, id := range ids {
		item, ok := byID[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		out = append(out, item)
	}
	if len(missing) > 0 {
		return nil, &APIError{StatusCode: http.StatusNotFound, Body: "work items not found: " + strings.Join(missing, ",")}
	}
	return out, nil
}

const (
	defaultSearchPage = 50
	maxSearchPage     = 100
)

type searchRequest struct {
	JQL           string   `json:"jql"`
	Fields        []string `json:"fields"`
	MaxResults    int      `json:"maxResults"`
	NextPageToken string   `json:"nextPageToken,omitempty"`
}

type searchResponse struct {
	Issues        []issueJSON `json:"issues"`
	NextPageToken string      `json:"nextPageToken"`
	IsLast        bool        `json:"isLast"`
}

// SearchWorkItems returns one page of the project's items matching the
// filters. Pass the returned NextPageToken back in filters.PageToken for the
// following page; it is empty on the last page.
func (c *Client) SearchWorkItems(ctx context.Context, token, resourceID, projectID string, filters domain.WorkItemSearch) (domain.WorkItemPage, error) {
	limit := filters.MaxResults
	switch {
	case limit <= 0:
		limit = defaultSearchPage
	case limit > maxSearchPage:
		limit = maxSearchPage
	}
	body := searchRequest{
		JQL:           SearchJQL(projectID, filters),
		Fields:        []string{"summary", "issuetype", "description"},
		MaxResults:    limit,
		NextPageToken: filters.PageToken,
	}
	var resp searchResponse
	if err := c.do(ctx, http.MethodPost, c.apiURL(resourceID, "/search/jql"), token, body, &resp); err != nil {
		return domain.WorkItemPage{}, err
	}
	page := domain.WorkItemPage{Items: make([]domain.ExternalWorkItem, 0, len(resp.Issues))}
	for _, is := range resp.Issues {
		page.Items = append(page.Items, domain.ExternalWorkItem{
			ID:             is.ID,
			Key:            is.Key,
			Summary:        is.Fields.Summary,
			Description:    docText(is.Fields.Description),
			WorkItemTypeID: is.Fields.IssueType.ID,
		})
	}
	if !resp.IsLast {
		page.NextPageToken = resp.NextPageToken
	}
	return page, nil
}

// issueKey matches keys such as MED-12. Jira rejects a key clause whose value
// is not shaped like a key, so free text only gets one when it matches.
var issueKey = regexp.MustCompile(`^[A-Z][A-Z0-9_]*-[0-9]+$`)

// SearchJQL builds the query for SearchWorkItems. Text matches an exact key
// or the indexed text fields; work item types and assignee are exact.
func SearchJQL(projectID string, f domain.WorkItemSearch) string {
	var b strings.Builder
	b.WriteString("project = ")
	b.WriteString(jqlQuote(projectID))
	if v := strings.TrimSpace(f.Assignee); v != "" {
		b.WriteString(" AND assignee = ")
		b.WriteString(jqlQuote(v))
	}
	var types []string
	for _, t := range f.WorkItemTypes {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, jqlQuote(t))
		}
	}
	if len(types) > 0 {
		b.WriteString(" AND issuetype IN (")
		b.WriteString(strings.Join(types, ","))
		b.WriteString(")")
	}
	if v := strings.TrimSpace(f.Text); v != "" {
		q := jqlQuote(v)
		if issueKey.MatchString(strings.ToUpper(v)) {
			b.WriteString(" AND (key = " + jqlQuote(strings.ToUpper(v)) + " OR text ~ " + q + ")")
		} else {
			b.WriteString(" AND text ~ " + q)
		}
	}
	b.WriteString(" ORDER BY created DESC")
	return b.String()
}

func jqlQuote(v string) string {
	v = strings.ReplaceAll(strings.TrimSpace(v), `\`, `\\`)
	return `"` + strings.ReplaceAll(v, `"`, `\"`) + `"`
}

type bulkCreateResponse struct {
	Issues []struct {
		ID  string `json:"id"`
		Key string `json:"key"`
	} `json:"issues"`
	Errors []struct {
		Status        int `json:"status"`
		FailedElement int `json:"failedElementNumber"`
		ElementErrors struct {
			ErrorMessages []string          `json:"errorMessages"`
			Errors        map[string]string `json:"errors"`
		} `json:"elementErrors"`
	} `json:"errors"`
}

// PushArtifacts creates one external item per artifact under the parent and
// returns the created external ids in artifact order. The create call is sent
// exactly once: a 5xx or timeout may still have created items, so retrying it
// could duplicate them. Partial failures are reported as an APIError whose
// Created field carries the ids that do exist.
func (c *Client) PushArtifacts(ctx context.Context, token string, req domain.DeployRequest) ([]string, error) {
	if len(req.Artifacts) == 0 {
		return nil, nil
	}
	updates := make([]map[string]any, 0, len(req.Artifacts))
	for _, a := range req.Artifacts {
		fields := map[string]any{
			"project":     map[string]string{"id": req.ProjectID},
			"summary":     a.Summary,
			"description": textDoc(domain.PlainText(a.Description)),
		}
		if req.ParentID != "" {
			fields["parent"] = map[string]string{"id": req.ParentID}
		}
		if req.WorkItemTypeID != "" {
			fields["issuetype"] = map[string]string{"id": req.WorkItemTypeID}
		}
		updates = append(updates, map[string]any{"fields": fields})
	}
	var resp bulkCreateResponse
	if err := c.send(ctx, http.MethodPost, c.apiURL(req.ResourceID, "/issue/bulk"), token, map[string]any{"issueUpdates": updates}, &resp, 0); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(resp.Issues))
	for _, is := range resp.Issues {
		ids = append(ids, is.ID)
	}
	if len(resp.Errors) > 0 {
		e := resp.Errors[0]
		parts := append([]string{}, e.ElementErrors.ErrorMessages...)
		for k, v := range e.ElementErrors.Errors {
			parts = append(parts, k+": "+v)
		}
		return nil, &APIError{StatusCode: e.Status, Body: fmt.Sprintf("element %d: %s", e.FailedElement, strings.Join(parts, "; ")), Created: ids}
	}
	if len(ids) != len(req.Artifacts) {
		return nil, &APIError{StatusCode: http.StatusBadGateway, Body: fmt.Sprintf("created %d of %d items", len(ids), len(req.Artifacts)), Created: ids}
	}
	return ids, nil
}

func (c *Client) apiURL(resourceID, endpoint string) string {
	return c.APIBaseURL + "/" + url.PathEscape(resourceID) + "/rest/api/3" + endpoint
}

// do sends an idempotent request with up to MaxRetries retries. 401/403 and
// other 4xx responses are permanent; 429, 5xx and transport errors are retried
// with exponential backoff.
func (c *Client) do(ctx context.Context, method, target, token string, in, out any) error {
	return c.send(ctx, method, target, token, in, out, c.MaxRetries)
}

func (c *Client) send(ctx context.Context, method, target, token string, in, out any, retries uint64) error {
	var payload []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		payload = b
	}
	bo := backoff.NewExponentialBackOff()
	if c.InitialBackoff > 0 {
		bo.InitialInterval = c.InitialBackoff
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, retries), ctx)

	op := func() error {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, body)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.HTTP.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(&NetworkError{Err: err})
			}
			return &NetworkError{Err: err}
		}
		defer resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return backoff.Permanent(fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode))
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return readAPIError(resp)
		case resp.StatusCode >= 300:
			return backoff.Permanent(readAPIError(resp))
		}
		if out == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode %s response: %w", target, err))
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.Log.Warn("external request retry", "method", method, "url", target, "wait", wait.String(), "error", err)
	}
	return backoff.RetryNotify(op, policy, notify)
}

func readAPIError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
}
