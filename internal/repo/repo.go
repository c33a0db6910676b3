package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"researchline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrClaimLost means the row moved on since it was claimed.
	ErrClaimLost = errors.New("claim lost")
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// q returns tx when non-nil, otherwise the pool.
func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

func (r Repo) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return r.DB.BeginTx(ctx, nil)
}

const runColumns = `id,status,stop_requested,COALESCE(halted_reason,''),budget_usd,planner_json,estimated_cost_usd,created_by,created_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (domain.Run, error) {
	var (
		run              domain.Run
		stop             int
		planner          string
		created, updated string
	)
	err := row.Scan(&run.ID, &run.Status, &stop, &run.HaltedReason, &run.BudgetUSD, &planner,
		&run.EstimatedCostUSD, &run.CreatedBy, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	run.StopRequested = stop != 0
	if planner != "" {
		if err := json.Unmarshal([]byte(planner), &run.Planner); err != nil {
			return run, fmt.Errorf("decode planner for run %s: %w", run.ID, err)
		}
	}
	if run.CreatedAt, err = domain.ParseTime(created); err != nil {
		return run, err
	}
	if run.UpdatedAt, err = domain.ParseTime(updated); err != nil {
		return run, err
	}
	return run, nil
}

func (r Repo) InsertRunTx(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	planner, err := json.Marshal(run.Planner)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO runs(id,status,stop_requested,halted_reason,budget_usd,planner_json,estimated_cost_usd,created_by,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.Status, boolInt(run.StopRequested), nullable(run.HaltedReason), run.BudgetUSD, string(planner),
		run.EstimatedCostUSD, run.CreatedBy, domain.FormatTime(run.CreatedAt), domain.FormatTime(run.UpdatedAt))
	return err
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id))
}

func (r Repo) GetRunTx(ctx context.Context, tx *sql.Tx, id string) (domain.Run, error) {
	return scanRun(r.q(tx).QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id))
}

// LatestActiveRun returns the most recently updated queued or running run.
func (r Repo) LatestActiveRun(ctx context.Context) (domain.Run, error) {
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs
WHERE status IN ('queued','running') ORDER BY updated_at DESC, created_at DESC LIMIT 1`))
}

func (r Repo) ListRuns(ctx context.Context, limit int) ([]domain.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// UpdateRunStatus sets status, optionally only when the current status is one of from.
func (r Repo) UpdateRunStatus(ctx context.Context, tx *sql.Tx, id, status string, now time.Time, from ...string) (bool, error) {
	query := `UPDATE runs SET status=?, updated_at=? WHERE id=?`
	args := []any{status, domain.FormatTime(now), id}
	if len(from) > 0 {
		query += ` AND status IN (` + placeholders(len(from)) + `)`
		for _, f := range from {
			args = append(args, f)
		}
	}
	res, err := r.q(tx).ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetStop sets stop_requested. Clearing it also clears halted_reason and moves a
// failed run back to queued.
func (r Repo) SetStop(ctx context.Context, tx *sql.Tx, id string, stop bool, now time.Time) error {
	var (
		res sql.Result
		err error
	)
	ts := domain.FormatTime(now)
	if stop {
		res, err = r.q(tx).ExecContext(ctx, `UPDATE runs SET stop_requested=1, updated_at=? WHERE id=?`, ts, id)
	} else {
		res, err = r.q(tx).ExecContext(ctx, `UPDATE runs SET stop_requested=0, halted_reason=NULL,
  status=CASE WHEN status='failed' THEN 'queued' ELSE status END, updated_at=? WHERE id=?`, ts, id)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Halt sets stop_requested and records why.
func (r Repo) Halt(ctx context.Context, tx *sql.Tx, id, reason string, now time.Time) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE runs SET stop_requested=1, halted_reason=?, updated_at=? WHERE id=?`,
		reason, domain.FormatTime(now), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) TouchRunTx(ctx context.Context, tx *sql.Tx, id string, now time.Time) error {
	_, err := r.q(tx).ExecContext(ctx, `UPDATE runs SET updated_at=? WHERE id=?`, domain.FormatTime(now), id)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return domain.FormatTime(*t)
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

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
