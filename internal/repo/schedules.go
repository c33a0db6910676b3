package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"researchline/internal/domain"
)

// ScheduleWithRun joins a schedule with the run state that gates it.
type ScheduleWithRun struct {
	Schedule      domain.RunSchedule
	RunStatus     string
	StopRequested bool
}

const scheduleColumns = `s.run_id,s.cadence_seconds,s.stage1_limit,s.stage2_limit,s.stage3_limit,s.focus_limit,
s.max_cycles,s.active,s.last_triggered_at,s.created_at,s.updated_at`

func scanSchedule(row scanner, extra ...any) (domain.RunSchedule, error) {
	var (
		s                domain.RunSchedule
		active           int
		last             sql.NullString
		created, updated string
	)
	dest := []any{&s.RunID, &s.CadenceSeconds, &s.Limits.Stage1, &s.Limits.Stage2, &s.Limits.Stage3, &s.Limits.Focus,
		&s.MaxCycles, &active, &last, &created, &updated}
	err := row.Scan(append(dest, extra...)...)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.Active = active != 0
	if s.LastTriggeredAt, err = parseNullTime(last); err != nil {
		return s, err
	}
	if s.CreatedAt, err = domain.ParseTime(created); err != nil {
		return s, err
	}
	if s.UpdatedAt, err = domain.ParseTime(updated); err != nil {
		return s, err
	}
	return s, nil
}

// UpsertSchedule writes the operator-editable fields and keeps last_triggered_at.
func (r Repo) UpsertSchedule(ctx context.Context, s domain.RunSchedule) error {
	created := s.CreatedAt
	if created.IsZero() {
		created = s.UpdatedAt
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO run_schedules(run_id,cadence_seconds,stage1_limit,stage2_limit,stage3_limit,focus_limit,max_cycles,active,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(run_id) DO UPDATE SET
  cadence_seconds=excluded.cadence_seconds,
  stage1_limit=excluded.stage1_limit,
  stage2_limit=excluded.stage2_limit,
  stage3_limit=excluded.stage3_limit,
  focus_limit=excluded.focus_limit,
  max_cycles=excluded.max_cycles,
  active=excluded.active,
  updated_at=excluded.updated_at`,
		s.RunID, s.CadenceSeconds, s.Limits.Stage1, s.Limits.Stage2, s.Limits.Stage3, s.Limits.Focus,
		s.MaxCycles, boolInt(s.Active), domain.FormatTime(created), domain.FormatTime(s.UpdatedAt))
	return err
}

func (r Repo) GetSchedule(ctx context.Context, runID string) (domain.RunSchedule, error) {
	return scanSchedule(r.DB.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM run_schedules s WHERE s.run_id=?`, runID))
}

// ListSchedulesWithRuns returns every schedule, or only those for runIDs when given.
func (r Repo) ListSchedulesWithRuns(ctx context.Context, runIDs []string) ([]ScheduleWithRun, error) {
	query := `SELECT ` + scheduleColumns + `, r.status, r.stop_requested FROM run_schedules s JOIN runs r ON r.id=s.run_id`
	var args []any
	if len(runIDs) > 0 {
		query += ` WHERE s.run_id IN (` + placeholders(len(runIDs)) + `)`
		for _, id := range runIDs {
			args = append(args, id)
		}
	}
	query += ` ORDER BY s.run_id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []ScheduleWithRun
	for rows.Next() {
		var (
			row  ScheduleWithRun
			stop int
		)
		sched, err := scanSchedule(rows, &row.RunStatus, &stop)
		if err != nil {
			return nil, err
		}
		row.Schedule = sched
		row.StopRequested = stop != 0
		res = append(res, row)
	}
	return res, rows.Err()
}

// MarkTriggered records the trigger time for a schedule.
func (r Repo) MarkTriggered(ctx context.Context, runID string, at time.Time) error {
	ts := domain.FormatTime(at)
	res, err := r.DB.ExecContext(ctx, `UPDATE run_schedules SET last_triggered_at=?, updated_at=? WHERE run_id=?`, ts, ts, runID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
