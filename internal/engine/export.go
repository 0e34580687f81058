package engine

import (
	"context"
	"io"

	"caseline/internal/domain"
	"caseline/internal/export"
	"caseline/internal/repo"
)

// ExportJob writes every work item of the job with its artifacts, whatever
// the item status.
func (e Engine) ExportJob(ctx context.Context, userID, jobID string, f export.Format, w io.Writer) error {
	items, err := e.JobExportItems(ctx, userID, jobID)
	if err != nil {
		return err
	}
	return export.Write(w, f, items)
}

func (e Engine) ExportWorkItem(ctx context.Context, userID, workItemID string, f export.Format, w io.Writer) error {
	detail, err := e.GetWorkItem(ctx, userID, workItemID)
	if err != nil {
		return err
	}
	return export.Write(w, f, []export.Item{{
		JobID:     detail.JobID,
		JobName:   detail.JobName,
		WorkItem:  detail.WorkItem,
		Artifacts: detail.Artifacts,
	}})
}

func (e Engine) JobExportItems(ctx context.Context, userID, jobID string) ([]export.Item, error) {
	job, err := e.GetJob(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	items, err := e.Repo.ListWorkItems(ctx, repo.WorkItemFilters{JobID: jobID})
	if err != nil {
		return nil, err
	}
	arts, err := e.Repo.ListJobArtifacts(ctx, jobID)
	if err != nil {
		return nil, err
	}
	out := make([]export.Item, 0, len(items))
	for _, it := range items {
		a := arts[it.ID]
		if a == nil {
			a = []domain.GeneratedArtifact{}
		}
		out = append(out, export.Item{JobID: job.ID, JobName: job.Name, WorkItem: it, Artifacts: a})
	}
	return out, nil
}
