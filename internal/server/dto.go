package server

import (
	"fmt"

	"caseline/internal/domain"
	"caseline/internal/engine"
)

// Request payloads

type AttachmentRequest struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type,omitempty"`
	Data     []byte `json:"data"`
}

type ManualRequirementRequest struct {
	Key         string             `json:"key,omitempty"`
	Summary     string             `json:"summary"`
	Description string             `json:"description,omitempty"`
	Attachment  *AttachmentRequest `json:"attachment,omitempty"`
}

type CreateJobRequest struct {
	ResourceID  string                     `json:"resource_id"`
	ProjectID   string                     `json:"project_id"`
	Name        string                     `json:"name"`
	ExternalIDs []string                   `json:"external_ids,omitempty"`
	Items       []domain.ExternalWorkItem  `json:"items,omitempty"`
	Manual      []ManualRequirementRequest `json:"manual,omitempty"`
	// Dispatch defaults to true; false only creates the job.
	Dispatch *bool `json:"dispatch,omitempty"`
}

type ArtifactRequest struct {
	ID          string                     `json:"id,omitempty"`
	Summary     string                     `json:"summary"`
	Description domain.DescriptionEnvelope `json:"description"`
}

type SaveDraftRequest struct {
	Upserts []ArtifactRequest `json:"upserts,omitempty"`
	Deletes []string          `json:"deletes,omitempty"`
}

type DeployRequest struct {
	WorkItemTypeID string   `json:"work_item_type_id,omitempty"`
	ArtifactIDs    []string `json:"artifact_ids,omitempty"`
}

type ComplianceRequest struct {
	Frameworks []string `json:"frameworks" doc:"FDA, IEC 62304, ISO 9001, ISO 13485 or ISO 27001"`
}

type RuleRequest struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Severity    string   `json:"severity,omitempty" enum:"low,medium,high,critical"`
	Active      *bool    `json:"active,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

type RulePatchRequest struct {
	Title       *string  `json:"title,omitempty"`
	Description *string  `json:"description,omitempty"`
	Severity    *string  `json:"severity,omitempty" enum:"low,medium,high,critical"`
	Active      *bool    `json:"active,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

type LocalProjectRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Frameworks  []string `json:"frameworks,omitempty"`
}

type LocalProjectPatchRequest struct {
	Name        *string  `json:"name,omitempty"`
	Description *string  `json:"description,omitempty"`
	Frameworks  []string `json:"frameworks,omitempty" doc:"Replaces the frameworks when present"`
}

// Responses

type WhoAmIResponse struct {
	UserID string               `json:"user_id"`
	Source string               `json:"source"`
	Grants []domain.AccessGrant `json:"grants"`
}

type ArtifactResponse struct {
	ID          string                     `json:"id"`
	WorkItemID  string                     `json:"work_item_id"`
	Summary     string                     `json:"summary"`
	Description domain.DescriptionEnvelope `json:"description"`
	GeneratedBy string                     `json:"generated_by" enum:"ai,manual"`
	ModifiedBy  string                     `json:"modified_by,omitempty"`
	LinkedTo    string                     `json:"linked_to,omitempty"`
	CreatedAt   string                     `json:"created_at" format:"date-time"`
	UpdatedAt   string                     `json:"updated_at" format:"date-time"`
}

type WorkItemResponse struct {
	domain.WorkItem
	ResourceID string             `json:"resource_id"`
	ProjectID  string             `json:"project_id"`
	JobName    string             `json:"job_name"`
	Artifacts  []ArtifactResponse `json:"artifacts"`
}

type paginatedJobs struct {
	Items      []domain.GenerationJob `json:"items"`
	NextCursor string                 `json:"next_cursor,omitempty"`
}

type paginatedWorkItems struct {
	Items      []domain.WorkItem `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type SaveDraftResponse struct {
	WorkItemID string             `json:"work_item_id"`
	Artifacts  []ArtifactResponse `json:"artifacts"`
}

func artifactResponse(a domain.GeneratedArtifact) ArtifactResponse {
	return ArtifactResponse{
		ID:          a.ID,
		WorkItemID:  a.WorkItemID,
		Summary:     a.Summary,
		Description: domain.Envelope(a.Description),
		GeneratedBy: string(a.GeneratedBy),
		ModifiedBy:  a.ModifiedBy,
		LinkedTo:    a.LinkedTo,
		CreatedAt:   a.CreatedAt,
		UpdatedAt:   a.UpdatedAt,
	}
}

func mapArtifacts(items []domain.GeneratedArtifact) []ArtifactResponse {
	res := make([]ArtifactResponse, 0, len(items))
	for _, a := range items {
		res = append(res, artifactResponse(a))
	}
	return res
}

func workItemResponse(d engine.WorkItemDetail) WorkItemResponse {
	return WorkItemResponse{
		WorkItem:   d.WorkItem,
		ResourceID: d.ResourceID,
		ProjectID:  d.ProjectID,
		JobName:    d.JobName,
		Artifacts:  mapArtifacts(d.Artifacts),
	}
}

func createJobOptions(userID, token string, in CreateJobRequest) engine.CreateJobOptions {
	opts := engine.CreateJobOptions{
		UserID:      userID,
		ResourceID:  in.ResourceID,
		ProjectID:   in.ProjectID,
		Name:        in.Name,
		Token:       token,
		ExternalIDs: in.ExternalIDs,
		Items:       in.Items,
	}
	for _, m := range in.Manual {
		req := engine.ManualRequirement{Key: m.Key, Summary: m.Summary, Description: m.Description}
		if m.Attachment != nil {
			req.Attachment = &domain.Attachment{Name: m.Attachment.Name, MimeType: m.Attachment.MimeType, Data: m.Attachment.Data}
		}
		opts.Manual = append(opts.Manual, req)
	}
	return opts
}

// saveDraftOptions decodes description envelopes; a malformed one is a
// validation error on its index.
func saveDraftOptions(userID, workItemID string, in SaveDraftRequest) (engine.SaveDraftOptions, error) {
	opts := engine.SaveDraftOptions{UserID: userID, WorkItemID: workItemID, Deletes: in.Deletes}
	for i, u := range in.Upserts {
		desc, err := u.Description.Decode()
		if err != nil {
			return engine.SaveDraftOptions{}, engine.ValidationError{Field: fmt.Sprintf("upserts[%d].description", i), Reason: err.Error()}
		}
		opts.Upserts = append(opts.Upserts, engine.ArtifactInput{ID: u.ID, Summary: u.Summary, Description: desc})
	}
	return opts, nil
}

func complianceFrameworks(in []string) []domain.ComplianceFramework {
	out := make([]domain.ComplianceFramework, 0, len(in))
	for _, fw := range in {
		out = append(out, domain.ComplianceFramework(fw))
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
