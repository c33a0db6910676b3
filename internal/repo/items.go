package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"researchline/internal/domain"
)

const itemColumns = `run_id,ticker,stage,status,label,stage2_go_deep,spend_est_usd,claim_expires_at,COALESCE(last_error,''),updated_at`

func scanItem(row scanner) (domain.RunItem, error) {
	var (
		it      domain.RunItem
		label   sql.NullString
		goDeep  sql.NullInt64
		claim   sql.NullString
		updated string
	)
	err := row.Scan(&it.RunID, &it.Ticker, &it.Stage, &it.Status, &label, &goDeep, &it.SpendEstUSD, &claim, &it.LastError, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return it, ErrNotFound
	}
	if err != nil {
		return it, err
	}
	if label.Valid {
		l := label.String
		it.Label = &l
	}
	if goDeep.Valid {
		b := goDeep.Int64 != 0
		it.Stage2GoDeep = &b
	}
	if it.ClaimExpiresAt, err = parseNullTime(claim); err != nil {
		return it, err
	}
	if it.UpdatedAt, err = domain.ParseTime(updated); err != nil {
		return it, err
	}
	return it, nil
}

// survivor selects items whose previous stage admits them to s.
func survivor(s domain.Stage) (string, error) {
	switch s {
	case domain.StageTriage:
		return `stage=0`, nil
	case domain.StageMedium:
		return `stage=1 AND label IN ('consider','borderline')`, nil
	case domain.StageDeep:
		return `stage=2 AND stage2_go_deep=1`, nil
	}
	return "", fmt.Errorf("stage %s has no item predicate", s)
}

// readyStatus is the status an item holds while waiting for s.
func readyStatus(s domain.Stage) string {
	if s == domain.StageTriage {
		return domain.ItemPending
	}
	return domain.ItemOK
}

// InsertItemsTx creates one pending stage-0 item per ticker.
func (r Repo) InsertItemsTx(ctx context.Context, tx *sql.Tx, runID string, tickers []string, now time.Time) error {
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO run_items(run_id,ticker,stage,status,spend_est_usd,updated_at) VALUES (?,?,0,'pending',0,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	ts := domain.FormatTime(now)
	for _, t := range tickers {
		if _, err := stmt.ExecContext(ctx, runID, t, ts); err != nil {
			return fmt.Errorf("insert item %s: %w", t, err)
		}
	}
	return nil
}

func (r Repo) GetItem(ctx context.Context, runID, ticker string) (domain.RunItem, error) {
	return scanItem(r.DB.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM run_items WHERE run_id=? AND ticker=?`, runID, ticker))
}

func (r Repo) ListItems(ctx context.Context, runID string) ([]domain.RunItem, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+itemColumns+` FROM run_items WHERE run_id=? ORDER BY ticker`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RunItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

// ClaimItems atomically moves up to limit eligible items for stage s to
// in_progress with a lease ending at now+lease. Items whose lease has expired
// are eligible again. Results are ordered oldest updated_at first.
func (r Repo) ClaimItems(ctx context.Context, runID string, s domain.Stage, limit int, now time.Time, lease time.Duration) ([]domain.RunItem, error) {
	pred, err := survivor(s)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	ts := domain.FormatTime(now)
	query := fmt.Sprintf(`UPDATE run_items SET status='in_progress', claim_expires_at=?
WHERE run_id=? AND ticker IN (
  SELECT ticker FROM run_items
  WHERE run_id=? AND %s AND (status=? OR (status='in_progress' AND claim_expires_at<=?))
  ORDER BY updated_at ASC, ticker ASC LIMIT ?)
RETURNING %s`, pred, itemColumns)
	rows, err := r.DB.QueryContext(ctx, query, domain.FormatTime(now.Add(lease)), runID, runID, readyStatus(s), ts, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RunItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(res, func(i, j int) bool {
		if !res[i].UpdatedAt.Equal(res[j].UpdatedAt) {
			return res[i].UpdatedAt.Before(res[j].UpdatedAt)
		}
		return res[i].Ticker < res[j].Ticker
	})
	return res, nil
}

// ItemSuccess is the state written when stage s finishes an item.
type ItemSuccess struct {
	RunID   string
	Ticker  string
	Stage   domain.Stage
	Label   *string
	GoDeep  *bool
	CostUSD float64
	Now     time.Time
}

// CompleteItemTx advances a claimed item to Stage with status ok.
func (r Repo) CompleteItemTx(ctx context.Context, tx *sql.Tx, in ItemSuccess) error {
	var goDeep any
	if in.GoDeep != nil {
		goDeep = boolInt(*in.GoDeep)
	}
	var label any
	if in.Label != nil {
		label = *in.Label
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE run_items SET stage=?, status='ok',
  label=COALESCE(?,label), stage2_go_deep=COALESCE(?,stage2_go_deep),
  spend_est_usd=spend_est_usd+?, claim_expires_at=NULL, last_error=NULL, updated_at=?
WHERE run_id=? AND ticker=? AND stage=? AND status='in_progress'`,
		int(in.Stage), label, goDeep, in.CostUSD, domain.FormatTime(in.Now),
		in.RunID, in.Ticker, int(in.Stage)-1)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrClaimLost
	}
	return nil
}

// FailItem records a per-item failure for stage s: stage=s, status=failed.
func (r Repo) FailItem(ctx context.Context, tx *sql.Tx, runID, ticker string, s domain.Stage, msg string, now time.Time) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE run_items SET stage=?, status='failed', claim_expires_at=NULL, last_error=?, updated_at=?
WHERE run_id=? AND ticker=? AND stage=? AND status='in_progress'`,
		int(s), msg, domain.FormatTime(now), runID, ticker, int(s)-1)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrClaimLost
	}
	return nil
}

// RequeueFailed moves failed items of stage s back to the state they held before
// s was attempted. It returns how many items moved.
func (r Repo) RequeueFailed(ctx context.Context, runID string, s domain.Stage, now time.Time) (int, error) {
	if _, err := survivor(s); err != nil {
		return 0, err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE run_items SET stage=?, status=?, last_error=NULL, updated_at=?
WHERE run_id=? AND stage=? AND status='failed'`,
		int(s)-1, readyStatus(s), domain.FormatTime(now), runID, int(s))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
