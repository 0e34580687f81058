package repo

import (
	"context"
	"database/sql"
	"strings"

	"caseline/internal/domain"
)

const eventColumns = `id,ts,type,project_id,entity_kind,entity_id,actor_id,payload_json`

// EventFilter narrows event listings. Empty fields match everything.
type EventFilter struct {
	ProjectID  string
	Type       string
	EntityKind string
	EntityID   string
}

type whereBuilder struct {
	conds []string
	args  []any
}

func (w *whereBuilder) eq(col, v string) {
	if v != "" {
		w.add(col+"=?", v)
	}
}

func (w *whereBuilder) add(cond string, arg any) {
	w.conds = append(w.conds, cond)
	w.args = append(w.args, arg)
}

func (w *whereBuilder) sql() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func (f EventFilter) where() *whereBuilder {
	w := &whereBuilder{}
	w.eq("project_id", f.ProjectID)
	w.eq("type", f.Type)
	w.eq("entity_kind", f.EntityKind)
	w.eq("entity_id", f.EntityID)
	return w
}

// LatestEvents pages events newest first. A positive before restricts the
// page to ids below it.
func (r Repo) LatestEvents(ctx context.Context, f EventFilter, limit int, before int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	w := f.where()
	if before > 0 {
		w.add("id<?", before)
	}
	return r.queryEvents(ctx, `SELECT `+eventColumns+` FROM events`+w.sql()+` ORDER BY id DESC LIMIT ?`, append(w.args, limit)...)
}

// EventsAfter returns events with ids above after, oldest first.
func (r Repo) EventsAfter(ctx context.Context, limit int, after int64, projectID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	w := EventFilter{ProjectID: projectID}.where()
	w.add("id>?", after)
	return r.queryEvents(ctx, `SELECT `+eventColumns+` FROM events`+w.sql()+` ORDER BY id ASC LIMIT ?`, append(w.args, limit)...)
}

// LatestEventID returns the newest event id, 0 for an empty log.
func (r Repo) LatestEventID(ctx context.Context, projectID string) (int64, error) {
	w := EventFilter{ProjectID: projectID}.where()
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`+w.sql(), w.args...).Scan(&id)
	return id, err
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var (
			e                         domain.Event
			project, entity, payload sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &project, &e.EntityKind, &entity, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		e.ProjectID, e.EntityID, e.Payload = project.String, entity.String, payload.String
		out = append(out, e)
	}
	return out, rows.Err()
}
