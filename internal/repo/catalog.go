package repo

import (
	"context"
	"database/sql"

	"caseline/internal/domain"
)

// UpsertResourceTx inserts or refreshes a catalog resource keyed by its external id.
// It reports whether the stored row changed.
func (r Repo) UpsertResourceTx(ctx context.Context, tx *sql.Tx, res domain.ExternalResource, now string) (bool, error) {
	scopes, err := encodeList(res.Scopes)
	if err != nil {
		return false, err
	}
	out, err := tx.ExecContext(ctx, `INSERT INTO external_resources(id,name,url,avatar_url,scopes_json,created_at,updated_at)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, url=excluded.url, avatar_url=excluded.avatar_url,
  scopes_json=excluded.scopes_json, updated_at=excluded.updated_at
WHERE external_resources.name IS NOT excluded.name
   OR external_resources.url IS NOT excluded.url
   OR external_resources.avatar_url IS NOT excluded.avatar_url
   OR external_resources.scopes_json IS NOT excluded.scopes_json`,
		res.ID, res.Name, res.URL, nullable(res.AvatarURL), scopes, now, now)
	if err != nil {
		return false, err
	}
	n, _ := out.RowsAffected()
	return n > 0, nil
}

// UpsertProjectTx inserts or refreshes a catalog project keyed by its id.
func (r Repo) UpsertProjectTx(ctx context.Context, tx *sql.Tx, p domain.ExternalProject, now string) (bool, error) {
	out, err := tx.ExecContext(ctx, `INSERT INTO external_projects(id,resource_id,key,name,description,self,project_type_key,simplified,style,is_private,avatar_48,avatar_32,avatar_24,avatar_16,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET resource_id=excluded.resource_id, key=excluded.key, name=excluded.name,
  description=excluded.description, self=excluded.self, project_type_key=excluded.project_type_key,
  simplified=excluded.simplified, style=excluded.style, is_private=excluded.is_private,
  avatar_48=excluded.avatar_48, avatar_32=excluded.avatar_32, avatar_24=excluded.avatar_24, avatar_16=excluded.avatar_16,
  updated_at=excluded.updated_at
WHERE external_projects.resource_id IS NOT excluded.resource_id
   OR external_projects.key IS NOT excluded.key
   OR external_projects.name IS NOT excluded.name
   OR external_projects.description IS NOT excluded.description
   OR external_projects.self IS NOT excluded.self
   OR external_projects.project_type_key IS NOT excluded.project_type_key
   OR external_projects.simplified IS NOT excluded.simplified
   OR external_projects.style IS NOT excluded.style
   OR external_projects.is_private IS NOT excluded.is_private
   OR external_projects.avatar_48 IS NOT excluded.avatar_48
   OR external_projects.avatar_32 IS NOT excluded.avatar_32
   OR external_projects.avatar_24 IS NOT excluded.avatar_24
   OR external_projects.avatar_16 IS NOT excluded.avatar_16`,
		p.ID, p.ResourceID, p.Key, p.Name, nullable(p.Description), nullable(p.Self), nullable(p.ProjectTypeKey),
		sqlBool(p.Simplified), nullable(p.Style), sqlBool(p.IsPrivate),
		nullable(p.Avatars.X48), nullable(p.Avatars.X32), nullable(p.Avatars.X24), nullable(p.Avatars.X16), now, now)
	if err != nil {
		return false, err
	}
	n, _ := out.RowsAffected()
	return n > 0, nil
}

// UpsertWorkItemTypeTx inserts or refreshes a work item type keyed by its id.
func (r Repo) UpsertWorkItemTypeTx(ctx context.Context, tx *sql.Tx, t domain.WorkItemType, now string) (bool, error) {
	out, err := tx.ExecContext(ctx, `INSERT INTO work_item_types(id,project_id,name,description,icon_url,subtask,avatar_id,hierarchy_level,self,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET project_id=excluded.project_id, name=excluded.name, description=excluded.description,
  icon_url=excluded.icon_url, subtask=excluded.subtask, avatar_id=excluded.avatar_id,
  hierarchy_level=excluded.hierarchy_level, self=excluded.self, updated_at=excluded.updated_at
WHERE work_item_types.project_id IS NOT excluded.project_id
   OR work_item_types.name IS NOT excluded.name
   OR work_item_types.description IS NOT excluded.description
   OR work_item_types.icon_url IS NOT excluded.icon_url
   OR work_item_types.subtask IS NOT excluded.subtask
   OR work_item_types.avatar_id IS NOT excluded.avatar_id
   OR work_item_types.hierarchy_level IS NOT excluded.hierarchy_level
   OR work_item_types.self IS NOT excluded.self`,
		t.ID, t.ProjectID, t.Name, nullable(t.Description), nullable(t.IconURL), sqlBool(t.Subtask),
		nullInt(t.AvatarID), t.HierarchyLevel, nullable(t.Self), now, now)
	if err != nil {
		return false, err
	}
	n, _ := out.RowsAffected()
	return n > 0, nil
}

const projectColumns = `p.id,p.resource_id,p.key,p.name,COALESCE(p.description,''),COALESCE(p.self,''),COALESCE(p.project_type_key,''),
p.simplified,COALESCE(p.style,''),p.is_private,COALESCE(p.avatar_48,''),COALESCE(p.avatar_32,''),COALESCE(p.avatar_24,''),COALESCE(p.avatar_16,''),
p.created_at,p.updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (domain.ExternalProject, error) {
	var p domain.ExternalProject
	var simplified, private int
	err := row.Scan(&p.ID, &p.ResourceID, &p.Key, &p.Name, &p.Description, &p.Self, &p.ProjectTypeKey,
		&simplified, &p.Style, &private, &p.Avatars.X48, &p.Avatars.X32, &p.Avatars.X24, &p.Avatars.X16,
		&p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	p.Simplified = simplified == 1
	p.IsPrivate = private == 1
	return p, err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.ExternalProject, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM external_projects p WHERE p.id=?`, id))
}

func (r Repo) GetResource(ctx context.Context, id string) (domain.ExternalResource, error) {
	var res domain.ExternalResource
	var avatar sql.NullString
	var scopes string
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,url,avatar_url,scopes_json,created_at,updated_at FROM external_resources WHERE id=?`, id).
		Scan(&res.ID, &res.Name, &res.URL, &avatar, &scopes, &res.CreatedAt, &res.UpdatedAt)
	if err == sql.ErrNoRows {
		return res, ErrNotFound
	}
	if err != nil {
		return res, err
	}
	res.AvatarURL = avatar.String
	res.Scopes = decodeList(scopes)
	return res, nil
}

// ListAccessibleResources returns resources the user holds at least one grant on.
func (r Repo) ListAccessibleResources(ctx context.Context, userID string) ([]domain.ExternalResource, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT r.id,r.name,r.url,r.avatar_url,r.scopes_json,r.created_at,r.updated_at
FROM external_resources r
WHERE EXISTS (SELECT 1 FROM access_grants g WHERE g.resource_id=r.id AND g.user_id=?)
ORDER BY r.name, r.id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ExternalResource
	for rows.Next() {
		var item domain.ExternalResource
		var avatar sql.NullString
		var scopes string
		if err := rows.Scan(&item.ID, &item.Name, &item.URL, &avatar, &scopes, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, err
		}
		item.AvatarURL = avatar.String
		item.Scopes = decodeList(scopes)
		res = append(res, item)
	}
	return res, rows.Err()
}

// ListAccessibleProjects returns projects granted to the user, optionally
// restricted to one resource, with their work item types attached.
func (r Repo) ListAccessibleProjects(ctx context.Context, userID, resourceID string) ([]domain.ExternalProject, error) {
	query := `SELECT ` + projectColumns + ` FROM external_projects p
JOIN access_grants g ON g.project_id=p.id AND g.resource_id=p.resource_id
WHERE g.user_id=?`
	args := []any{userID}
	if resourceID != "" {
		query += ` AND p.resource_id=?`
		args = append(args, resourceID)
	}
	query += ` ORDER BY p.name, p.id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.ExternalProject
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		types, err := r.ListWorkItemTypes(ctx, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].WorkItemTypes = types
	}
	return res, nil
}

func (r Repo) ListWorkItemTypes(ctx context.Context, projectID string) ([]domain.WorkItemType, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,name,COALESCE(description,''),COALESCE(icon_url,''),subtask,avatar_id,hierarchy_level,COALESCE(self,'')
FROM work_item_types WHERE project_id=? ORDER BY hierarchy_level DESC, name`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItemType
	for rows.Next() {
		var t domain.WorkItemType
		var subtask int
		var avatar sql.NullInt64
		if err := rows.Scan(&t.ID, &t.ProjectID, &t.Name, &t.Description, &t.IconURL, &subtask, &avatar, &t.HierarchyLevel, &t.Self); err != nil {
			return nil, err
		}
		t.Subtask = subtask == 1
		if avatar.Valid {
			v := int(avatar.Int64)
			t.AvatarID = &v
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// CatalogCounts returns row counts of the three catalog tables.
func (r Repo) CatalogCounts(ctx context.Context) (resources, projects, types int, err error) {
	err = r.DB.QueryRowContext(ctx, `SELECT
 (SELECT COUNT(*) FROM external_resources),
 (SELECT COUNT(*) FROM external_projects),
 (SELECT COUNT(*) FROM work_item_types)`).Scan(&resources, &projects, &types)
	return resources, projects, types, err
}
