package repo

import (
	"context"
	"database/sql"

	"diwan/internal/domain"
	"diwan/internal/lifecycle"
)

// EnsureActor registers an actor on first sight with the user role.
// An existing row is left alone so role grants survive.
func (r Repo) EnsureActor(ctx context.Context, actorID string, now string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, role, created_at) VALUES (?,?,?)`,
		actorID, lifecycle.RoleUser, now)
	return err
}

func (r Repo) SetActorRole(ctx context.Context, actorID string, role lifecycle.Role, now string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO actors(id, role, created_at) VALUES (?,?,?)
ON CONFLICT(id) DO UPDATE SET role=excluded.role`, actorID, role, now)
	return err
}

func (r Repo) SetActorDisplayName(ctx context.Context, actorID, name string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE actors SET display_name=? WHERE id=?`, nullable(name), actorID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetActor(ctx context.Context, actorID string) (domain.Actor, error) {
	var a domain.Actor
	var name sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,role,display_name,created_at FROM actors WHERE id=?`, actorID).
		Scan(&a.ID, &a.Role, &name, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if name.Valid {
		a.DisplayName = &name.String
	}
	return a, nil
}

func (r Repo) ListActors(ctx context.Context) ([]domain.Actor, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,role,display_name,created_at FROM actors ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Actor
	for rows.Next() {
		var a domain.Actor
		var name sql.NullString
		if err := rows.Scan(&a.ID, &a.Role, &name, &a.CreatedAt); err != nil {
			return nil, err
		}
		if name.Valid {
			a.DisplayName = &name.String
		}
		res = append(res, a)
	}
	return res, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
