package repo

import (
	"context"
	"database/sql"

	"boardsync/internal/domain"
)

func (r Repo) UpsertMemberTx(ctx context.Context, tx *sql.Tx, m domain.Member) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO members(project_id,actor_id,name,email,avatar_url,role,created_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(project_id,actor_id) DO UPDATE SET name=excluded.name, email=excluded.email, avatar_url=excluded.avatar_url, role=excluded.role`,
		m.ProjectID, m.ActorID, m.Name, nullable(m.Email), nullable(m.AvatarURL), string(m.Role), m.CreatedAt)
	return err
}

func (r Repo) GetMember(ctx context.Context, projectID, actorID string) (domain.Member, error) {
	return scanMember(r.DB.QueryRowContext(ctx, `SELECT project_id,actor_id,name,COALESCE(email,''),COALESCE(avatar_url,''),role,created_at FROM members WHERE project_id=? AND actor_id=?`, projectID, actorID))
}

func (r Repo) GetMemberTx(ctx context.Context, tx *sql.Tx, projectID, actorID string) (domain.Member, error) {
	return scanMember(tx.QueryRowContext(ctx, `SELECT project_id,actor_id,name,COALESCE(email,''),COALESCE(avatar_url,''),role,created_at FROM members WHERE project_id=? AND actor_id=?`, projectID, actorID))
}

func (r Repo) ListMembers(ctx context.Context, projectID string) ([]domain.Member, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT project_id,actor_id,name,COALESCE(email,''),COALESCE(avatar_url,''),role,created_at FROM members WHERE project_id=? ORDER BY actor_id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// MemberRole returns the actor's role, or ErrNotFound for non-members.
func (r Repo) MemberRole(ctx context.Context, tx *sql.Tx, projectID, actorID string) (domain.Role, error) {
	m, err := r.GetMemberTx(ctx, tx, projectID, actorID)
	if err != nil {
		return "", err
	}
	return m.Role, nil
}

func scanMember(row scanner) (domain.Member, error) {
	var m domain.Member
	var role string
	err := row.Scan(&m.ProjectID, &m.ActorID, &m.Name, &m.Email, &m.AvatarURL, &role, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	m.Role = domain.NormalizeRole(role)
	return m, nil
}
