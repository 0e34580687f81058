package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"caseline/internal/domain"
)

func (r Repo) InsertJobTx(ctx context.Context, tx *sql.Tx, j domain.GenerationJob) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO generation_jobs(id,resource_id,project_id,name,created_by,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		j.ID, j.ResourceID, j.ProjectID, j.Name, j.CreatedBy, j.CreatedAt, j.UpdatedAt)
	return err
}

func (r Repo) GetJob(ctx context.Context, id string) (domain.GenerationJob, error) {
	var j domain.GenerationJob
	err := r.DB.QueryRowContext(ctx, `SELECT id,resource_id,project_id,name,created_by,created_at,updated_at FROM generation_jobs WHERE id=?`, id).
		Scan(&j.ID, &j.ResourceID, &j.ProjectID, &j.Name, &j.CreatedBy, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	return j, err
}

// ListJobsWithCursor pages jobs of a project newest first.
func (r Repo) ListJobsWithCursor(ctx context.Context, projectID string, limit int, cursorCreatedAt, cursorID string) ([]domain.GenerationJob, error) {
	clauses := []string{"project_id=?"}
	args := []any{projectID}
	if cursorCreatedAt != "" && cursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, cursorCreatedAt, cursorCreatedAt, cursorID)
	}
	query := `SELECT id,resource_id,project_id,name,created_by,created_at,updated_at FROM generation_jobs WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.GenerationJob
	for rows.Next() {
		var j domain.GenerationJob
		if err := rows.Scan(&j.ID, &j.ResourceID, &j.ProjectID, &j.Name, &j.CreatedBy, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

func (r Repo) DeleteJobTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM generation_jobs WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const workItemColumns = `w.id,w.job_id,w.external_id,w.external_key,w.summary,COALESCE(w.description,''),COALESCE(w.work_item_type_id,''),
w.source,w.status,COALESCE(w.failure_reason,''),w.created_at,w.updated_at`

func scanWorkItem(row rowScanner, extra ...any) (domain.WorkItem, error) {
	var w domain.WorkItem
	dest := []any{&w.ID, &w.JobID, &w.ExternalID, &w.ExternalKey, &w.Summary, &w.Description, &w.WorkItemTypeID,
		&w.Source, &w.Status, &w.FailureReason, &w.CreatedAt, &w.UpdatedAt}
	err := row.Scan(append(dest, extra...)...)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	return w, err
}

func (r Repo) InsertWorkItemTx(ctx context.Context, tx *sql.Tx, w domain.WorkItem) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO work_items(id,job_id,external_id,external_key,summary,description,work_item_type_id,source,status,failure_reason,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.JobID, w.ExternalID, w.ExternalKey, w.Summary, nullable(w.Description), nullable(w.WorkItemTypeID),
		string(w.Source), string(w.Status), nullable(w.FailureReason), w.CreatedAt, w.UpdatedAt)
	return err
}

// GetWorkItemRef returns a work item with the resource/project scope of its job.
func (r Repo) GetWorkItemRef(ctx context.Context, id string) (domain.WorkItemRef, error) {
	return getWorkItemRef(ctx, r.DB, id)
}

func (r Repo) GetWorkItemRefTx(ctx context.Context, tx *sql.Tx, id string) (domain.WorkItemRef, error) {
	return getWorkItemRef(ctx, tx, id)
}

func getWorkItemRef(ctx context.Context, q Querier, id string) (domain.WorkItemRef, error) {
	var ref domain.WorkItemRef
	row := q.QueryRowContext(ctx, `SELECT `+workItemColumns+`,j.resource_id,j.project_id,j.name
FROM work_items w JOIN generation_jobs j ON j.id=w.job_id WHERE w.id=?`, id)
	w, err := scanWorkItem(row, &ref.ResourceID, &ref.ProjectID, &ref.JobName)
	if err != nil {
		return ref, err
	}
	ref.WorkItem = w
	return ref, nil
}

// InFlightExternalIDsTx returns the subset of externalIDs that have a pending or
// in-progress work item in any job of the given resource.
func (r Repo) InFlightExternalIDsTx(ctx context.Context, tx *sql.Tx, resourceID string, externalIDs []string) ([]string, error) {
	if len(externalIDs) == 0 {
		return nil, nil
	}
	args := []any{resourceID}
	for _, id := range externalIDs {
		args = append(args, id)
	}
	args = append(args, string(domain.WorkItemPending), string(domain.WorkItemInProgress))
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`SELECT DISTINCT w.external_id FROM work_items w
JOIN generation_jobs j ON j.id=w.job_id
WHERE j.resource_id=? AND w.external_id IN (%s) AND w.status IN (?,?)
ORDER BY w.external_id`, inList(len(externalIDs))), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res = append(res, id)
	}
	return res, rows.Err()
}

// MarkStaleTx flips completed or failed work items for the given external ids
// to stale and returns the affected work item ids.
func (r Repo) MarkStaleTx(ctx context.Context, tx *sql.Tx, resourceID string, externalIDs []string, now string) ([]string, error) {
	if len(externalIDs) == 0 {
		return nil, nil
	}
	args := []any{resourceID}
	for _, id := range externalIDs {
		args = append(args, id)
	}
	args = append(args, string(domain.WorkItemCompleted), string(domain.WorkItemFailed))
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`SELECT w.id FROM work_items w
JOIN generation_jobs j ON j.id=w.job_id
WHERE j.resource_id=? AND w.external_id IN (%s) AND w.status IN (?,?)
ORDER BY w.id`, inList(len(externalIDs))), args...)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE work_items SET status=?, updated_at=? WHERE id=? AND status IN (?,?)`,
			string(domain.WorkItemStale), now, id, string(domain.WorkItemCompleted), string(domain.WorkItemFailed)); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// TransitionWorkItem moves a work item from one status to another only if it
// is still in the expected status at write time. It reports whether the row changed.
func (r Repo) TransitionWorkItem(ctx context.Context, q Querier, id string, from, to domain.WorkItemStatus, reason, now string) (bool, error) {
	res, err := q.ExecContext(ctx, `UPDATE work_items SET status=?, failure_reason=?, updated_at=? WHERE id=? AND status=?`,
		string(to), nullable(reason), now, id, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

type WorkItemFilters struct {
	JobID     string
	ProjectID string
	Status    string
	Sort      string
	Limit     int
	CursorTS  string
	CursorID  string
}

// ListWorkItems pages work items newest first by created_at (default) or updated_at.
func (r Repo) ListWorkItems(ctx context.Context, f WorkItemFilters) ([]domain.WorkItem, error) {
	sortCol := "w.created_at"
	if f.Sort == "updated_at" {
		sortCol = "w.updated_at"
	}
	clauses := []string{"1=1"}
	var args []any
	if f.JobID != "" {
		clauses = append(clauses, "w.job_id=?")
		args = append(args, f.JobID)
	}
	if f.ProjectID != "" {
		clauses = append(clauses, "j.project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "w.status=?")
		args = append(args, f.Status)
	}
	if f.CursorTS != "" && f.CursorID != "" {
		clauses = append(clauses, fmt.Sprintf("(%s < ? OR (%s = ? AND w.id < ?))", sortCol, sortCol))
		args = append(args, f.CursorTS, f.CursorTS, f.CursorID)
	}
	query := `SELECT ` + workItemColumns + ` FROM work_items w JOIN generation_jobs j ON j.id=w.job_id WHERE ` +
		strings.Join(clauses, " AND ") + fmt.Sprintf(` ORDER BY %s DESC, w.id DESC`, sortCol)
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// PendingWorkItemIDs returns the ids of pending items of a job in creation order.
func (r Repo) PendingWorkItemIDs(ctx context.Context, jobID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM work_items WHERE job_id=? AND status=? ORDER BY created_at, id`, jobID, string(domain.WorkItemPending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r Repo) CountWorkItemsByStatus(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT w.status, COUNT(*) FROM work_items w
JOIN generation_jobs j ON j.id=w.job_id WHERE j.project_id=? GROUP BY w.status`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for _, s := range domain.WorkItemStatuses {
		counts[string(s)] = 0
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// CountJobItemsInStatus counts items of a job in the given status.
func (r Repo) CountJobItemsInStatus(ctx context.Context, q Querier, jobID string, status domain.WorkItemStatus) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM work_items WHERE job_id=? AND status=?`, jobID, string(status)).Scan(&n)
	return n, err
}

// TouchJobTx bumps updated_at so the transaction takes the write lock before
// it reads anything else.
func (r Repo) TouchJobTx(ctx context.Context, tx *sql.Tx, id, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE generation_jobs SET updated_at=? WHERE id=?`, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) TouchWorkItemTx(ctx context.Context, tx *sql.Tx, id, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE work_items SET updated_at=? WHERE id=?`, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
