package repo

import (
	"context"
	"fmt"
	"time"

	"researchline/internal/domain"
)

// StageMetrics aggregates one stage of one run at now. Items holding an
// expired claim count as pending.
func (r Repo) StageMetrics(ctx context.Context, runID string, s domain.Stage, now time.Time) (domain.StageMetrics, error) {
	if s == domain.StageFocus {
		return r.focusMetrics(ctx, runID, now)
	}
	pred, err := survivor(s)
	if err != nil {
		return domain.StageMetrics{}, err
	}
	n := int(s)
	ts := domain.FormatTime(now)
	query := fmt.Sprintf(`SELECT
  COALESCE(SUM(CASE WHEN %[1]s AND (status=? OR (status='in_progress' AND claim_expires_at<=?)) THEN 1 ELSE 0 END),0),
  COALESCE(SUM(CASE WHEN %[1]s AND status='in_progress' AND claim_expires_at>? THEN 1 ELSE 0 END),0),
  COALESCE(SUM(CASE WHEN stage>? OR (stage=? AND status IN ('ok','in_progress')) THEN 1 ELSE 0 END),0),
  COALESCE(SUM(CASE WHEN stage=? AND status='failed' THEN 1 ELSE 0 END),0),
  COALESCE(SUM(CASE WHEN label='consider' THEN 1 ELSE 0 END),0),
  COALESCE(SUM(CASE WHEN label='borderline' THEN 1 ELSE 0 END),0),
  COALESCE(SUM(CASE WHEN label='uninvestible' THEN 1 ELSE 0 END),0),
  COALESCE(SUM(CASE WHEN stage2_go_deep=1 THEN 1 ELSE 0 END),0),
  COALESCE(SUM(CASE WHEN stage2_go_deep=0 THEN 1 ELSE 0 END),0)
FROM run_items WHERE run_id=?`, pred)

	m := domain.StageMetrics{Stage: s.String()}
	var consider, borderline, uninvestible, goDeep, noDeep int
	err = r.DB.QueryRowContext(ctx, query, readyStatus(s), ts, ts, n, n, n, runID).Scan(
		&m.Pending, &m.InProgress, &m.Completed, &m.Failed,
		&consider, &borderline, &uninvestible, &goDeep, &noDeep)
	if err != nil {
		return m, err
	}
	m.Total = m.Pending + m.InProgress + m.Completed + m.Failed
	switch s {
	case domain.StageTriage:
		m.Derived = map[string]int{
			domain.LabelConsider:     consider,
			domain.LabelBorderline:   borderline,
			domain.LabelUninvestible: uninvestible,
		}
	case domain.StageMedium:
		m.Derived = map[string]int{"go_deep": goDeep, "no_go_deep": noDeep}
	}
	return m, nil
}

func (r Repo) focusMetrics(ctx context.Context, runID string, now time.Time) (domain.StageMetrics, error) {
	ts := domain.FormatTime(now)
	m := domain.StageMetrics{Stage: domain.StageFocus.String()}
	var queued, hits int
	err := r.DB.QueryRowContext(ctx, `SELECT
  COALESCE(SUM(CASE WHEN status IN ('pending','queued') OR (status='in_progress' AND claim_expires_at<=?) THEN 1 ELSE 0 END),0),
  COALESCE(SUM(CASE WHEN status='in_progress' AND claim_expires_at>? THEN 1 ELSE 0 END),0),
  COALESCE(SUM(CASE WHEN status='answered' THEN 1 ELSE 0 END),0),
  COALESCE(SUM(CASE WHEN status='failed' THEN 1 ELSE 0 END),0),
  COALESCE(SUM(CASE WHEN status='queued' THEN 1 ELSE 0 END),0),
  COALESCE(SUM(cache_hit),0)
FROM focus_requests WHERE run_id=?`, ts, ts, runID).Scan(&m.Pending, &m.InProgress, &m.Completed, &m.Failed, &queued, &hits)
	if err != nil {
		return m, err
	}
	m.Total = m.Pending + m.InProgress + m.Completed + m.Failed
	m.Derived = map[string]int{"queued": queued, "cache_hits": hits}
	return m, nil
}

// AllStageMetrics returns metrics for every stage in priority order.
func (r Repo) AllStageMetrics(ctx context.Context, runID string, now time.Time) ([]domain.StageMetrics, error) {
	res := make([]domain.StageMetrics, 0, len(domain.Stages))
	for _, s := range domain.Stages {
		m, err := r.StageMetrics(ctx, runID, s, now)
		if err != nil {
			return nil, fmt.Errorf("metrics for %s: %w", s, err)
		}
		res = append(res, m)
	}
	return res, nil
}
