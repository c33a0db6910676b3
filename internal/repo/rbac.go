package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"researchline/internal/domain"
)

func (r Repo) AddAdmin(ctx context.Context, actorID string, now time.Time) error {
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO admins(actor_id, created_at) VALUES (?,?)`, actorID, domain.FormatTime(now))
	return err
}

func (r Repo) RemoveAdmin(ctx context.Context, actorID string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM admins WHERE actor_id=?`, actorID)
	return err
}

func (r Repo) IsAdmin(ctx context.Context, actorID string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM admins WHERE actor_id=?`, actorID).Scan(&n)
	return n > 0, err
}

func (r Repo) UpsertMembership(ctx context.Context, m domain.Membership) error {
	created := m.CreatedAt
	if created.IsZero() {
		created = m.UpdatedAt
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO memberships(actor_id, plan, status, expires_at, created_at, updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(actor_id) DO UPDATE SET plan=excluded.plan, status=excluded.status, expires_at=excluded.expires_at, updated_at=excluded.updated_at`,
		m.ActorID, m.Plan, m.Status, nullableTime(m.ExpiresAt), domain.FormatTime(created), domain.FormatTime(m.UpdatedAt))
	return err
}

func (r Repo) GetMembership(ctx context.Context, actorID string) (domain.Membership, error) {
	var (
		m                domain.Membership
		expires          sql.NullString
		created, updated string
	)
	err := r.DB.QueryRowContext(ctx, `SELECT actor_id, plan, status, expires_at, created_at, updated_at FROM memberships WHERE actor_id=?`, actorID).
		Scan(&m.ActorID, &m.Plan, &m.Status, &expires, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if m.ExpiresAt, err = parseNullTime(expires); err != nil {
		return m, err
	}
	if m.CreatedAt, err = domain.ParseTime(created); err != nil {
		return m, err
	}
	if m.UpdatedAt, err = domain.ParseTime(updated); err != nil {
		return m, err
	}
	return m, nil
}
