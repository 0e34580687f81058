package engine

import (
	"errors"
	"fmt"
	"strings"

	"caseline/internal/domain"
	"caseline/internal/external"
)

var (
	ErrGenerationInProgress = errors.New("generation already in progress")
	ErrNotDeployable        = errors.New("work item not deployable")
	ErrNotReviewable        = errors.New("work item not reviewable")
	ErrTokenRequired        = fmt.Errorf("external token required: %w", external.ErrUnauthorized)
)

// Sync stages reported in SyncError.
const (
	StageFetchResources = "fetch_resources"
	StageFetchProjects  = "fetch_projects"
	StageFetchWorkItems = "fetch_work_items"
	StageSearch         = "search_work_items"
	StagePersist        = "persist"
	StageToken          = "token"
)

// ValidationError rejects malformed input before any write.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// SyncError aborts a reconciliation or a fetch before anything is written.
type SyncError struct {
	Stage string
	Err   error
}

func (e *SyncError) Error() string { return fmt.Sprintf("sync failed at %s: %v", e.Stage, e.Err) }
func (e *SyncError) Unwrap() error { return e.Err }

// InProgressError lists external items that already have a pending or
// in-progress work item.
type InProgressError struct {
	ExternalIDs []string
}

func (e *InProgressError) Error() string {
	return fmt.Sprintf("generation already in progress for %s", strings.Join(e.ExternalIDs, ", "))
}

func (e *InProgressError) Is(target error) bool { return target == ErrGenerationInProgress }

// DeployGateError is returned when the item is not completed at write time.
type DeployGateError struct {
	WorkItemID string
	Status     domain.WorkItemStatus
}

func (e *DeployGateError) Error() string {
	return fmt.Sprintf("work item %s is %s; only completed items can be deployed", e.WorkItemID, e.Status)
}

func (e *DeployGateError) Is(target error) bool { return target == ErrNotDeployable }

// DeployError wraps a failed push to the external system. The work item is
// unchanged; ids of partially created items are logged as a deploy_partial event.
type DeployError struct {
	WorkItemID string
	Err        error
}

func (e *DeployError) Error() string {
	return fmt.Sprintf("deploy of work item %s failed: %v", e.WorkItemID, e.Err)
}

func (e *DeployError) Unwrap() error { return e.Err }
