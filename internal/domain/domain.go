package domain

// ExternalResource is a remote site the user's account is connected to.
// Catalog rows are shared across users and never deleted.
type ExternalResource struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	URL       string   `json:"url"`
	AvatarURL string   `json:"avatar_url,omitempty"`
	Scopes    []string `json:"scopes"`
	CreatedAt string   `json:"created_at,omitempty" format:"date-time"`
	UpdatedAt string   `json:"updated_at,omitempty" format:"date-time"`
}

type ProjectAvatars struct {
	X48 string `json:"48x48,omitempty"`
	X32 string `json:"32x32,omitempty"`
	X24 string `json:"24x24,omitempty"`
	X16 string `json:"16x16,omitempty"`
}

type ExternalProject struct {
	ID             string         `json:"id"`
	ResourceID     string         `json:"resource_id"`
	Key            string         `json:"key"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	Self           string         `json:"self,omitempty"`
	ProjectTypeKey string         `json:"project_type_key,omitempty"`
	Simplified     bool           `json:"simplified"`
	Style          string         `json:"style,omitempty"`
	IsPrivate      bool           `json:"is_private"`
	Avatars        ProjectAvatars `json:"avatar_urls"`
	WorkItemTypes  []WorkItemType `json:"work_item_types,omitempty"`
	CreatedAt      string         `json:"created_at,omitempty" format:"date-time"`
	UpdatedAt      string         `json:"updated_at,omitempty" format:"date-time"`
}

type WorkItemType struct {
	ID             string `json:"id"`
	ProjectID      string `json:"project_id"`
	Name           string `json:"name"`
	Description    string `json:"description,omitempty"`
	IconURL        string `json:"icon_url,omitempty"`
	Subtask        bool   `json:"subtask"`
	AvatarID       *int   `json:"avatar_id,omitempty"`
	HierarchyLevel int    `json:"hierarchy_level"`
	Self           string `json:"self,omitempty"`
}

// FetchedResource is one resource as returned by the external system, with
// the projects visible to the user nested under it.
type FetchedResource struct {
	Resource ExternalResource  `json:"resource"`
	Projects []ExternalProject `json:"projects"`
}

// AccessGrant is a (user, resource, project) edge. ProjectID is nil when the
// user can reach the resource but sees no projects in it.
type AccessGrant struct {
	UserID     string  `json:"user_id"`
	ResourceID string  `json:"resource_id"`
	ProjectID  *string `json:"project_id,omitempty"`
	CreatedAt  string  `json:"created_at,omitempty" format:"date-time"`
}

// Key identifies a grant within one user's grant set.
func (g AccessGrant) Key() string {
	return GrantKey(g.ResourceID, g.ProjectID)
}

func GrantKey(resourceID string, projectID *string) string {
	if projectID == nil {
		return resourceID + ":null"
	}
	return resourceID + ":" + *projectID
}

type GenerationJob struct {
	ID         string `json:"id"`
	ResourceID string `json:"resource_id"`
	ProjectID  string `json:"project_id"`
	Name       string `json:"name"`
	CreatedBy  string `json:"created_by"`
	CreatedAt  string `json:"created_at" format:"date-time"`
	UpdatedAt  string `json:"updated_at" format:"date-time"`
}

type WorkItemStatus string

const (
	WorkItemPending    WorkItemStatus = "pending"
	WorkItemInProgress WorkItemStatus = "in_progress"
	WorkItemCompleted  WorkItemStatus = "completed"
	WorkItemFailed     WorkItemStatus = "failed"
	WorkItemStale      WorkItemStatus = "stale"
	WorkItemDeployed   WorkItemStatus = "deployed"
)

// WorkItemStatuses lists every status in lifecycle order.
var WorkItemStatuses = []WorkItemStatus{
	WorkItemPending, WorkItemInProgress, WorkItemCompleted, WorkItemFailed, WorkItemStale, WorkItemDeployed,
}

// InFlight reports whether generation for the item has not finished yet.
func (s WorkItemStatus) InFlight() bool {
	return s == WorkItemPending || s == WorkItemInProgress
}

// Reviewable reports whether artifact content may be edited.
func (s WorkItemStatus) Reviewable() bool {
	return s == WorkItemCompleted || s == WorkItemFailed || s == WorkItemStale
}

type WorkItemSource string

const (
	SourceExternal WorkItemSource = "external"
	SourceManual   WorkItemSource = "manual"
)

type WorkItem struct {
	ID             string         `json:"id"`
	JobID          string         `json:"job_id"`
	ExternalID     string         `json:"external_id"`
	ExternalKey    string         `json:"external_key"`
	Summary        string         `json:"summary"`
	Description    string         `json:"description,omitempty"`
	WorkItemTypeID string         `json:"work_item_type_id,omitempty"`
	Source         WorkItemSource `json:"source" enum:"external,manual"`
	Status         WorkItemStatus `json:"status" enum:"pending,in_progress,completed,failed,stale,deployed"`
	FailureReason  string         `json:"failure_reason,omitempty"`
	CreatedAt      string         `json:"created_at" format:"date-time"`
	UpdatedAt      string         `json:"updated_at" format:"date-time"`
}

// WorkItemRef carries the job scope of a work item, used for authorization.
type WorkItemRef struct {
	WorkItem
	ResourceID string `json:"resource_id"`
	ProjectID  string `json:"project_id"`
	JobName    string `json:"job_name"`
}

// ExternalWorkItem is a snapshot of an item in the external system.
type ExternalWorkItem struct {
	ID             string `json:"id"`
	Key            string `json:"key"`
	Summary        string `json:"summary"`
	Description    string `json:"description,omitempty"`
	WorkItemTypeID string `json:"work_item_type_id,omitempty"`
}

type Attachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type,omitempty"`
	Data     []byte `json:"data"`
}

type ComplianceFramework string

const (
	FrameworkFDA      ComplianceFramework = "FDA"
	FrameworkIEC62304 ComplianceFramework = "IEC 62304"
	FrameworkISO9001  ComplianceFramework = "ISO 9001"
	FrameworkISO13485 ComplianceFramework = "ISO 13485"
	FrameworkISO27001 ComplianceFramework = "ISO 27001"
)

var ComplianceFrameworks = []ComplianceFramework{
	FrameworkFDA, FrameworkIEC62304, FrameworkISO9001, FrameworkISO13485, FrameworkISO27001,
}

func (f ComplianceFramework) Valid() bool {
	for _, known := range ComplianceFrameworks {
		if f == known {
			return true
		}
	}
	return false
}

type ProjectRule struct {
	ID          string   `json:"id"`
	ProjectID   string   `json:"project_id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Severity    string   `json:"severity" enum:"low,medium,high,critical"`
	Active      bool     `json:"active"`
	Tags        []string `json:"tags"`
	CreatedBy   string   `json:"created_by"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
	UpdatedAt   string   `json:"updated_at" format:"date-time"`
}

type ProjectSettings struct {
	ProjectID  string                `json:"project_id"`
	Frameworks []ComplianceFramework `json:"frameworks"`
	Rules      []ProjectRule         `json:"rules"`
}

// GenerationRequest is the input handed to the generation function for one work item.
type GenerationRequest struct {
	WorkItemID  string                `json:"work_item_id"`
	ExternalKey string                `json:"external_key"`
	Summary     string                `json:"summary"`
	Description string                `json:"description"`
	Frameworks  []ComplianceFramework `json:"frameworks,omitempty"`
	Rules       []ProjectRule         `json:"rules,omitempty"`
}

// Text is the requirement text sent to the generation function.
func (r GenerationRequest) Text() string {
	if r.Description == "" {
		return r.Summary
	}
	return r.Summary + "\n\n" + r.Description
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// DeployRequest describes artifacts to create as children of one external item.
type DeployRequest struct {
	ResourceID     string
	ProjectID      string
	ParentID       string
	WorkItemTypeID string
	Artifacts      []ArtifactDraft
}

// LocalResourceID scopes jobs of local projects. Local projects have no
// external counterpart, belong to the user who created them and take manual
// requirements only.
const LocalResourceID = "local"

type LocalProject struct {
	ID          string                `json:"id"`
	Name        string                `json:"name"`
	Description string                `json:"description,omitempty"`
	OwnerID     string                `json:"owner_id"`
	Frameworks  []ComplianceFramework `json:"frameworks"`
	CreatedAt   string                `json:"created_at" format:"date-time"`
	UpdatedAt   string                `json:"updated_at" format:"date-time"`
}

// WorkItemSearch narrows a requirement search in one external project.
// Empty fields do not filter.
type WorkItemSearch struct {
	Text          string   `json:"text,omitempty"`
	WorkItemTypes []string `json:"work_item_types,omitempty"`
	Assignee      string   `json:"assignee,omitempty"`
	MaxResults    int      `json:"max_results,omitempty"`
	PageToken     string   `json:"page_token,omitempty"`
}

type WorkItemPage struct {
	Items         []ExternalWorkItem `json:"items"`
	NextPageToken string             `json:"next_page_token,omitempty"`
}
