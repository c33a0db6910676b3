package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"researchline/internal/domain"
)

// SQLStore keeps completions in the cached_completions table.
type SQLStore struct {
	DB *sql.DB
}

const selectCompletion = `SELECT id, model, cache_key, fingerprint, request_json, response_json, usage_json,
  context, created_at, expires_at, hit_count, last_hit_at
FROM cached_completions WHERE model = ? AND cache_key = ?`

func (s SQLStore) Get(ctx context.Context, model, key string) (domain.CachedCompletion, error) {
	var (
		c                      domain.CachedCompletion
		usage, created         string
		cctx, expires, lastHit sql.NullString
	)
	err := s.DB.QueryRowContext(ctx, selectCompletion, model, key).Scan(
		&c.ID, &c.Model, &c.CacheKey, &c.Fingerprint, &c.RequestJSON, &c.ResponseJSON, &usage,
		&cctx, &created, &expires, &c.HitCount, &lastHit,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CachedCompletion{}, ErrMiss
	}
	if err != nil {
		return domain.CachedCompletion{}, err
	}
	if usage != "" {
		if err := json.Unmarshal([]byte(usage), &c.Usage); err != nil {
			return domain.CachedCompletion{}, err
		}
	}
	c.Context = cctx.String
	if c.CreatedAt, err = domain.ParseTime(created); err != nil {
		return domain.CachedCompletion{}, err
	}
	if c.ExpiresAt, err = parseNullTime(expires); err != nil {
		return domain.CachedCompletion{}, err
	}
	if c.LastHitAt, err = parseNullTime(lastHit); err != nil {
		return domain.CachedCompletion{}, err
	}
	return c, nil
}

// PutIfAbsent relies on the (model, cache_key) unique index: the upsert only
// replaces a row whose expiry has passed.
func (s SQLStore) PutIfAbsent(ctx context.Context, row domain.CachedCompletion, now time.Time) (domain.CachedCompletion, error) {
	usage, err := json.Marshal(row.Usage)
	if err != nil {
		return domain.CachedCompletion{}, err
	}
	var expires any
	if row.ExpiresAt != nil {
		expires = domain.FormatTime(*row.ExpiresAt)
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO cached_completions
  (id, model, cache_key, fingerprint, request_json, response_json, usage_json, context, created_at, expires_at, hit_count)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
ON CONFLICT(model, cache_key) DO UPDATE SET
  id = excluded.id,
  fingerprint = excluded.fingerprint,
  request_json = excluded.request_json,
  response_json = excluded.response_json,
  usage_json = excluded.usage_json,
  context = excluded.context,
  created_at = excluded.created_at,
  expires_at = excluded.expires_at,
  hit_count = 0,
  last_hit_at = NULL
WHERE cached_completions.expires_at IS NOT NULL AND cached_completions.expires_at <= ?`,
		row.ID, row.Model, row.CacheKey, row.Fingerprint, row.RequestJSON, row.ResponseJSON, string(usage),
		nullable(row.Context), domain.FormatTime(row.CreatedAt), expires, domain.FormatTime(now),
	)
	if err != nil {
		return domain.CachedCompletion{}, err
	}
	return s.Get(ctx, row.Model, row.CacheKey)
}

func (s SQLStore) IncrementHit(ctx context.Context, row domain.CachedCompletion, at time.Time) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE cached_completions SET hit_count = hit_count + 1, last_hit_at = ? WHERE id = ?`,
		domain.FormatTime(at), row.ID)
	return err
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := domain.ParseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
