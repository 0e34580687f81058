// Package generate calls the test case generation function: requirement text
// in, structured artifacts out, or a failure reason.
package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"caseline/internal/domain"
)

// Failure is a generation attempt that produced no usable artifacts. Reason is
// stored on the work item verbatim.
type Failure struct {
	Reason string
}

func (f *Failure) Error() string { return f.Reason }

// Func adapts a plain function to the generator contract.
type Func func(ctx context.Context, req domain.GenerationRequest) ([]domain.ArtifactDraft, error)

func (f Func) Generate(ctx context.Context, req domain.GenerationRequest) ([]domain.ArtifactDraft, error) {
	return f(ctx, req)
}

// Client posts generation requests to an HTTP endpoint. Calls are not retried.
type Client struct {
	HTTP     *http.Client
	Endpoint string
	APIKey   string
}

func NewClient(endpoint, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Client{HTTP: &http.Client{Timeout: timeout}, Endpoint: endpoint, APIKey: apiKey}
}

type requestBody struct {
	domain.GenerationRequest
	Text string `json:"text"`
}

type artifactBody struct {
	Summary     string                     `json:"summary"`
	Description domain.DescriptionEnvelope `json:"description"`
}

type responseBody struct {
	Artifacts []artifactBody `json:"artifacts"`
	Error     string         `json:"error,omitempty"`
}

func (c *Client) Generate(ctx context.Context, req domain.GenerationRequest) ([]domain.ArtifactDraft, error) {
	if strings.TrimSpace(c.Endpoint) == "" {
		return nil, &Failure{Reason: "generation endpoint not configured"}
	}
	payload, err := json.Marshal(requestBody{GenerationRequest: req, Text: req.Text()})
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &Failure{Reason: "model timeout"}
		}
		return nil, &Failure{Reason: "generation request failed: " + err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, &Failure{Reason: "read generation response: " + err.Error()}
	}
	var body responseBody
	if jsonErr := json.Unmarshal(raw, &body); jsonErr != nil && resp.StatusCode < 300 {
		return nil, &Failure{Reason: "invalid generation response: " + jsonErr.Error()}
	}
	if resp.StatusCode >= 300 {
		reason := body.Error
		if reason == "" {
			reason = strings.TrimSpace(string(raw))
		}
		return nil, &Failure{Reason: fmt.Sprintf("generation returned %d: %s", resp.StatusCode, reason)}
	}
	if body.Error != "" {
		return nil, &Failure{Reason: body.Error}
	}
	return decodeArtifacts(body.Artifacts)
}

// decodeArtifacts validates raw artifacts. Any invalid artifact fails the whole batch.
func decodeArtifacts(items []artifactBody) ([]domain.ArtifactDraft, error) {
	if len(items) == 0 {
		return nil, &Failure{Reason: "generation returned no artifacts"}
	}
	out := make([]domain.ArtifactDraft, 0, len(items))
	for i, it := range items {
		if strings.TrimSpace(it.Summary) == "" {
			return nil, &Failure{Reason: fmt.Sprintf("artifact %d: summary is required", i+1)}
		}
		desc, err := it.Description.Decode()
		if err == nil {
			err = desc.Validate()
		}
		if err != nil {
			return nil, &Failure{Reason: fmt.Sprintf("artifact %d: %v", i+1, err)}
		}
		out = append(out, domain.ArtifactDraft{Summary: it.Summary, Description: desc})
	}
	return out, nil
}
