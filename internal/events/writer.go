package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	SyncCompleted          = "sync.completed"
	AccessGranted          = "access.granted"
	AccessRevoked          = "access.revoked"
	JobCreated             = "job.created"
	JobDeleted             = "job.deleted"
	WorkItemStaled         = "workitem.staled"
	WorkItemStarted        = "workitem.started"
	WorkItemCompleted      = "workitem.completed"
	WorkItemFailed         = "workitem.failed"
	ArtifactsSaved         = "artifacts.saved"
	WorkItemDeployed       = "workitem.deployed"
	WorkItemDeployConflict = "workitem.deploy_conflict"
	WorkItemDeployPartial  = "workitem.deploy_partial"
	ProjectSettingsUpdated = "project.settings.updated"
	LocalProjectCreated    = "local_project.created"
	LocalProjectUpdated    = "local_project.updated"
	LocalProjectDeleted    = "local_project.deleted"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Entry is one row of the event log.
type Entry struct {
	Type       string
	ProjectID  string
	EntityKind string
	EntityID   string
	ActorID    string
	Payload    EventPayload
}

// Append writes the entry inside the caller's transaction so the event
// commits or rolls back with the change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if e.Payload == nil {
		e.Payload = EventPayload{}
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if e.ActorID == "" {
		e.ActorID = "system"
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339), e.Type, nullable(e.ProjectID), e.EntityKind, nullable(e.EntityID), e.ActorID, string(data))
	if err != nil {
		return fmt.Errorf("append event %s: %w", e.Type, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
