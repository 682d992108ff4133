package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"boardsync/internal/config"
	"boardsync/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

type scanner interface {
	Scan(dest ...any) error
}

func (r Repo) InsertProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,name,description,created_at) VALUES (?,?,?,?)`,
		p.ID, p.Name, nullable(p.Description), p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var p domain.Project
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,COALESCE(description,''),created_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,COALESCE(description,''),created_at FROM projects ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// SingleProject returns the only project in the workspace.
func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	projects, err := r.ListProjects(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	if len(projects) == 0 {
		return domain.Project{}, ErrNotFound
	}
	if len(projects) > 1 {
		return domain.Project{}, fmt.Errorf("multiple projects exist; specify --project")
	}
	return projects[0], nil
}

func (r Repo) UpsertProjectConfig(ctx context.Context, projectID string, cfg *config.Config) error {
	return upsertProjectConfig(ctx, r.DB, nil, projectID, cfg)
}

func (r Repo) UpsertProjectConfigTx(ctx context.Context, tx *sql.Tx, projectID string, cfg *config.Config) error {
	return upsertProjectConfig(ctx, nil, tx, projectID, cfg)
}

func upsertProjectConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, projectID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Project.ID = projectID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO project_configs(project_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(project_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, projectID, string(payload), now, now)
	return err
}

func (r Repo) GetProjectConfig(ctx context.Context, projectID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM project_configs WHERE project_id=?`, projectID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Project.ID == "" {
		cfg.Project.ID = projectID
	}
	return &cfg, cfg.Validate()
}

const itemColumns = `i.id,i.project_id,i.sequence,i.status,i.rank,COALESCE(i.assignee_id,''),
COALESCE(m.name,''),COALESCE(m.email,''),COALESCE(m.avatar_url,''),CASE WHEN m.actor_id IS NULL THEN 0 ELSE 1 END,
i.completed_by,i.title,COALESCE(i.description,''),COALESCE(i.issue_type,''),COALESCE(i.priority,''),
i.start_date,i.due_date,COALESCE(i.attachments_json,''),i.created_at,i.updated_at`

const itemFrom = `FROM items i LEFT JOIN members m ON m.project_id=i.project_id AND m.actor_id=i.assignee_id`

// scanItem embeds the assignee's member profile when one exists and falls
// back to a bare reference otherwise.
func scanItem(row scanner) (domain.Item, error) {
	var (
		it                            domain.Item
		status                        string
		assigneeID, name, email, avtr string
		known                         int
		completedBy, start, due       sql.NullString
		attachments                   string
	)
	err := row.Scan(&it.ID, &it.ProjectID, &it.Sequence, &status, &it.Rank, &assigneeID,
		&name, &email, &avtr, &known,
		&completedBy, &it.Title, &it.Description, &it.IssueType, &it.Priority,
		&start, &due, &attachments, &it.CreatedAt, &it.UpdatedAt)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	if err != nil {
		return it, err
	}
	parsed, err := domain.ParseStatus(status)
	if err != nil {
		return it, fmt.Errorf("item %s: %w", it.ID, err)
	}
	it.Status = parsed
	switch {
	case assigneeID == "":
		it.Assignee = domain.Unassigned()
	case known == 1:
		it.Assignee = domain.AssigneeProfile(domain.Profile{ID: assigneeID, Name: name, Email: email, AvatarURL: avtr})
	default:
		it.Assignee = domain.AssigneeReference(assigneeID)
	}
	it.CompletedBy = stringPtr(completedBy)
	it.StartDate = stringPtr(start)
	it.DueDate = stringPtr(due)
	if attachments != "" {
		if err := json.Unmarshal([]byte(attachments), &it.Attachments); err != nil {
			return it, fmt.Errorf("item %s attachments: %w", it.ID, err)
		}
	}
	return it, nil
}

func (r Repo) InsertItemTx(ctx context.Context, tx *sql.Tx, it domain.Item) error {
	attachments, err := attachmentsJSON(it.Attachments)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO items(id,project_id,sequence,status,rank,assignee_id,completed_by,title,description,issue_type,priority,start_date,due_date,attachments_json,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		it.ID, it.ProjectID, it.Sequence, string(it.Status), it.Rank, nullable(it.Assignee.ID()), nullableStringPtr(it.CompletedBy),
		it.Title, nullable(it.Description), nullable(it.IssueType), nullable(it.Priority),
		nullableStringPtr(it.StartDate), nullableStringPtr(it.DueDate), attachments, it.CreatedAt, it.UpdatedAt)
	return err
}

// UpdateItemTx rewrites every mutable column of an existing item.
func (r Repo) UpdateItemTx(ctx context.Context, tx *sql.Tx, it domain.Item) error {
	attachments, err := attachmentsJSON(it.Attachments)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE items SET status=?,rank=?,assignee_id=?,completed_by=?,title=?,description=?,issue_type=?,priority=?,start_date=?,due_date=?,attachments_json=?,updated_at=? WHERE id=?`,
		string(it.Status), it.Rank, nullable(it.Assignee.ID()), nullableStringPtr(it.CompletedBy),
		it.Title, nullable(it.Description), nullable(it.IssueType), nullable(it.Priority),
		nullableStringPtr(it.StartDate), nullableStringPtr(it.DueDate), attachments, it.UpdatedAt, it.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteItemTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM items WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetItem(ctx context.Context, id string) (domain.Item, error) {
	return scanItem(r.DB.QueryRowContext(ctx, `SELECT `+itemColumns+` `+itemFrom+` WHERE i.id=?`, id))
}

func (r Repo) GetItemTx(ctx context.Context, tx *sql.Tx, id string) (domain.Item, error) {
	return scanItem(tx.QueryRowContext(ctx, `SELECT `+itemColumns+` `+itemFrom+` WHERE i.id=?`, id))
}

// NextSequenceTx returns the next human-facing item number in a project.
func (r Repo) NextSequenceTx(ctx context.Context, tx *sql.Tx, projectID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence),0)+1 FROM items WHERE project_id=?`, projectID).Scan(&n)
	return n, err
}

type ItemFilters struct {
	ProjectID  string
	Status     string
	AssigneeID string
	Search     string
	Limit      int
}

func (r Repo) ListItems(ctx context.Context, f ItemFilters) ([]domain.Item, error) {
	clauses := []string{"i.project_id=?"}
	args := []any{f.ProjectID}
	if f.Status != "" {
		clauses = append(clauses, "i.status=?")
		args = append(args, f.Status)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "i.assignee_id=?")
		args = append(args, f.AssigneeID)
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		clauses = append(clauses, "(i.title LIKE ? OR COALESCE(i.description,'') LIKE ?)")
		like := "%" + s + "%"
		args = append(args, like, like)
	}
	query := `SELECT ` + itemColumns + ` ` + itemFrom + ` WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY i.sequence ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

func (r Repo) CountItemsByStatus(ctx context.Context, projectID string) (map[domain.Status]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM items WHERE project_id=? GROUP BY status`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.Status]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		res[domain.Status(status)] = n
	}
	return res, rows.Err()
}

func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, projectID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) LatestEventID(ctx context.Context, projectID string) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE project_id=?`, projectID)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func attachmentsJSON(v []string) (any, error) {
	if len(v) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
