package caselinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Caseline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	// ExternalToken is forwarded as X-External-Token on sync, job creation and deploy.
	ExternalToken string
	HTTPClient    *http.Client
	Timeout       time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  2 * time.Minute,
	}
}

type SyncResult struct {
	Synced         bool `json:"synced"`
	Resources      int  `json:"resources"`
	Projects       int  `json:"projects"`
	WorkItemTypes  int  `json:"work_item_types"`
	GrantsInserted int  `json:"grants_inserted"`
	GrantsDeleted  int  `json:"grants_deleted"`
	GrantsKept     int  `json:"grants_kept"`
}

type Job struct {
	ID         string `json:"id"`
	ResourceID string `json:"resource_id"`
	ProjectID  string `json:"project_id"`
	Name       string `json:"name"`
	CreatedBy  string `json:"created_by"`
	CreatedAt  string `json:"created_at"`
}

type WorkItem struct {
	ID            string `json:"id"`
	JobID         string `json:"job_id"`
	ExternalID    string `json:"external_id"`
	ExternalKey   string `json:"external_key"`
	Summary       string `json:"summary"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason,omitempty"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

// Artifact keeps the description as raw JSON; its shape depends on description.kind.
type Artifact struct {
	ID          string          `json:"id"`
	WorkItemID  string          `json:"work_item_id"`
	Summary     string          `json:"summary"`
	Description json.RawMessage `json:"description"`
	GeneratedBy string          `json:"generated_by"`
	ModifiedBy  string          `json:"modified_by,omitempty"`
	LinkedTo    string          `json:"linked_to,omitempty"`
}

type WorkItemDetail struct {
	WorkItem
	ResourceID string     `json:"resource_id"`
	ProjectID  string     `json:"project_id"`
	JobName    string     `json:"job_name"`
	Artifacts  []Artifact `json:"artifacts"`
}

type JobResult struct {
	Job      Job        `json:"job"`
	Items    []WorkItem `json:"items"`
	Staled   []string   `json:"staled"`
	Dispatch struct {
		Completed int `json:"completed"`
		Failed    int `json:"failed"`
		Skipped   int `json:"skipped"`
	} `json:"dispatch"`
}

type CreateJobRequest struct {
	ResourceID  string   `json:"resource_id"`
	ProjectID   string   `json:"project_id"`
	Name        string   `json:"name"`
	ExternalIDs []string `json:"external_ids,omitempty"`
	Dispatch    *bool    `json:"dispatch,omitempty"`
}

type DeployResult struct {
	WorkItemID  string            `json:"work_item_id"`
	Status      string            `json:"status"`
	ExternalIDs []string          `json:"external_ids"`
	Links       map[string]string `json:"links"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id"`
	EntityID   string `json:"entity_id"`
	EntityKind string `json:"entity_kind"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses. Code is the server's stable error code.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

type PaginatedWorkItems struct {
	Items      []WorkItem `json:"items"`
	NextCursor string     `json:"next_cursor"`
}

// Sync mirrors the caller's external access.
func (c *Client) Sync(ctx context.Context) (SyncResult, error) {
	var resp SyncResult
	err := c.do(ctx, http.MethodPost, "sync", nil, &resp)
	return resp, err
}

// CreateJob creates a job and, unless req.Dispatch is false, waits for generation.
func (c *Client) CreateJob(ctx context.Context, req CreateJobRequest) (JobResult, error) {
	var resp JobResult
	err := c.do(ctx, http.MethodPost, "jobs", req, &resp)
	return resp, err
}

// WorkItems pages the items of a job.
func (c *Client) WorkItems(ctx context.Context, jobID, status string, limit int, cursor string) (PaginatedWorkItems, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedWorkItems
	err := c.do(ctx, http.MethodGet, withQuery(fmt.Sprintf("jobs/%s/work-items", url.PathEscape(jobID)), q), nil, &resp)
	return resp, err
}

// WorkItem returns an item with its artifacts.
func (c *Client) WorkItem(ctx context.Context, id string) (WorkItemDetail, error) {
	var resp WorkItemDetail
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("work-items/%s", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// Deploy pushes every artifact of a completed item.
func (c *Client) Deploy(ctx context.Context, workItemID string) (DeployResult, error) {
	var resp DeployResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("work-items/%s/deploy", url.PathEscape(workItemID)), map[string]any{}, &resp)
	return resp, err
}

// Regenerate starts a new job for the item's requirement.
func (c *Client) Regenerate(ctx context.Context, workItemID string) (JobResult, error) {
	var resp JobResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("work-items/%s/regenerate", url.PathEscape(workItemID)), nil, &resp)
	return resp, err
}

// ExportJob returns the job export in format csv or json.
func (c *Client) ExportJob(ctx context.Context, jobID, format string) ([]byte, error) {
	q := url.Values{}
	q.Set("format", format)
	var buf bytes.Buffer
	err := c.do(ctx, http.MethodGet, withQuery(fmt.Sprintf("jobs/%s/export", url.PathEscape(jobID)), q), nil, &buf)
	return buf.Bytes(), err
}

// EventsPage returns a paginated event listing of a project.
func (c *Client) EventsPage(ctx context.Context, projectID string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery(fmt.Sprintf("projects/%s/events", url.PathEscape(projectID)), q), nil, &resp)
	return resp, err
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	if c.ExternalToken != "" {
		req.Header.Set("X-External-Token", c.ExternalToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	switch o := out.(type) {
	case nil:
		return nil
	case *bytes.Buffer:
		_, err := io.Copy(o, resp.Body)
		return err
	default:
		return json.NewDecoder(resp.Body).Decode(out)
	}
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if c.BasePath != "" {
		base += "/" + strings.Trim(c.BasePath, "/")
	}
	return base
}
