package repo

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"researchline/internal/domain"
)

const focusColumns = `id,run_id,ticker,question,COALESCE(template_id,''),status,COALESCE(answer_text,''),COALESCE(answer_json,''),
cache_hit,tokens_in,tokens_out,cost_usd,claim_expires_at,COALESCE(last_error,''),created_at,updated_at`

func scanFocus(row scanner) (domain.FocusRequest, error) {
	var (
		f                domain.FocusRequest
		hit              int
		claim            sql.NullString
		created, updated string
	)
	err := row.Scan(&f.ID, &f.RunID, &f.Ticker, &f.Question, &f.TemplateID, &f.Status, &f.AnswerText, &f.AnswerJSON,
		&hit, &f.TokensIn, &f.TokensOut, &f.CostUSD, &claim, &f.LastError, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return f, ErrNotFound
	}
	if err != nil {
		return f, err
	}
	f.CacheHit = hit != 0
	if f.ClaimExpiresAt, err = parseNullTime(claim); err != nil {
		return f, err
	}
	if f.CreatedAt, err = domain.ParseTime(created); err != nil {
		return f, err
	}
	if f.UpdatedAt, err = domain.ParseTime(updated); err != nil {
		return f, err
	}
	return f, nil
}

func (r Repo) InsertFocusTx(ctx context.Context, tx *sql.Tx, f domain.FocusRequest) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO focus_requests(id,run_id,ticker,question,template_id,status,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?)`,
		f.ID, f.RunID, f.Ticker, f.Question, nullable(f.TemplateID), f.Status,
		domain.FormatTime(f.CreatedAt), domain.FormatTime(f.UpdatedAt))
	return err
}

func (r Repo) GetFocus(ctx context.Context, id string) (domain.FocusRequest, error) {
	return scanFocus(r.DB.QueryRowContext(ctx, `SELECT `+focusColumns+` FROM focus_requests WHERE id=?`, id))
}

func (r Repo) ListFocus(ctx context.Context, runID string) ([]domain.FocusRequest, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+focusColumns+` FROM focus_requests WHERE run_id=? ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FocusRequest
	for rows.Next() {
		f, err := scanFocus(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

// ClaimFocus moves up to limit pending or queued requests, plus those whose
// lease has expired, to in_progress.
func (r Repo) ClaimFocus(ctx context.Context, runID string, limit int, now time.Time, lease time.Duration) ([]domain.FocusRequest, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := r.DB.QueryContext(ctx, `UPDATE focus_requests SET status='in_progress', claim_expires_at=?
WHERE id IN (
  SELECT id FROM focus_requests
  WHERE run_id=? AND (status IN ('pending','queued') OR (status='in_progress' AND claim_expires_at<=?))
  ORDER BY updated_at ASC, id ASC LIMIT ?)
RETURNING `+focusColumns,
		domain.FormatTime(now.Add(lease)), runID, domain.FormatTime(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FocusRequest
	for rows.Next() {
		f, err := scanFocus(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(res, func(i, j int) bool {
		if !res[i].UpdatedAt.Equal(res[j].UpdatedAt) {
			return res[i].UpdatedAt.Before(res[j].UpdatedAt)
		}
		return res[i].ID < res[j].ID
	})
	return res, nil
}

// FocusSuccess is the answer written to a claimed focus request.
type FocusSuccess struct {
	ID         string
	AnswerText string
	AnswerJSON string
	CacheHit   bool
	TokensIn   int64
	TokensOut  int64
	CostUSD    float64
	Now        time.Time
}

func (r Repo) AnswerFocusTx(ctx context.Context, tx *sql.Tx, in FocusSuccess) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE focus_requests SET status='answered', answer_text=?, answer_json=?, cache_hit=?,
  tokens_in=?, tokens_out=?, cost_usd=?, claim_expires_at=NULL, last_error=NULL, updated_at=?
WHERE id=? AND status='in_progress'`,
		in.AnswerText, in.AnswerJSON, boolInt(in.CacheHit), in.TokensIn, in.TokensOut, in.CostUSD,
		domain.FormatTime(in.Now), in.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrClaimLost
	}
	return nil
}

func (r Repo) FailFocus(ctx context.Context, tx *sql.Tx, id, msg string, now time.Time) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE focus_requests SET status='failed', claim_expires_at=NULL, last_error=?, updated_at=?
WHERE id=? AND status='in_progress'`, msg, domain.FormatTime(now), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrClaimLost
	}
	return nil
}
