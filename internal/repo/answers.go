package repo

import (
	"context"
	"database/sql"

	"researchline/internal/domain"
)

func (r Repo) InsertAnswerTx(ctx context.Context, tx *sql.Tx, a domain.StageAnswer) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO stage_answers(id,run_id,ticker,stage,model,answer_json,raw_text,cache_hit,tokens_in,tokens_out,cost_usd,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.RunID, a.Ticker, int(a.Stage), a.Model, a.AnswerJSON, nullable(a.RawText), boolInt(a.CacheHit),
		a.TokensIn, a.TokensOut, a.CostUSD, domain.FormatTime(a.CreatedAt))
	return err
}

// LatestAnswers returns the newest answer per stage for one item, keyed by stage.
func (r Repo) LatestAnswers(ctx context.Context, runID, ticker string) (map[domain.Stage]domain.StageAnswer, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,run_id,ticker,stage,model,answer_json,COALESCE(raw_text,''),cache_hit,tokens_in,tokens_out,cost_usd,created_at
FROM stage_answers WHERE run_id=? AND ticker=? ORDER BY created_at ASC, id ASC`, runID, ticker)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.Stage]domain.StageAnswer{}
	for rows.Next() {
		var (
			a       domain.StageAnswer
			stage   int
			hit     int
			created string
		)
		if err := rows.Scan(&a.ID, &a.RunID, &a.Ticker, &stage, &a.Model, &a.AnswerJSON, &a.RawText, &hit,
			&a.TokensIn, &a.TokensOut, &a.CostUSD, &created); err != nil {
			return nil, err
		}
		a.Stage = domain.Stage(stage)
		a.CacheHit = hit != 0
		if a.CreatedAt, err = domain.ParseTime(created); err != nil {
			return nil, err
		}
		res[a.Stage] = a
	}
	return res, rows.Err()
}

func (r Repo) CountAnswers(ctx context.Context, runID string, s domain.Stage) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM stage_answers WHERE run_id=? AND stage=?`, runID, int(s)).Scan(&n)
	return n, err
}

// InsertLedgerTx appends one billed usage fact.
func (r Repo) InsertLedgerTx(ctx context.Context, tx *sql.Tx, e domain.CostLedgerEntry) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO cost_ledger(id,run_id,stage,model,tokens_in,tokens_out,cost_usd,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		e.ID, e.RunID, e.Stage.String(), e.Model, e.TokensIn, e.TokensOut, e.CostUSD, domain.FormatTime(e.CreatedAt))
	return err
}

func (r Repo) TotalSpend(ctx context.Context, runID string) (float64, error) {
	var total float64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(SUM(cost_usd),0) FROM cost_ledger WHERE run_id=?`, runID).Scan(&total)
	return total, err
}

// SpendByStage sums the ledger per stage id (stage1, stage2, stage3, focus).
func (r Repo) SpendByStage(ctx context.Context, runID string) (map[string]float64, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT stage, COALESCE(SUM(cost_usd),0) FROM cost_ledger WHERE run_id=? GROUP BY stage`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]float64{}
	for rows.Next() {
		var (
			stage string
			sum   float64
		)
		if err := rows.Scan(&stage, &sum); err != nil {
			return nil, err
		}
		res[stage] = sum
	}
	return res, rows.Err()
}

func (r Repo) LedgerEntries(ctx context.Context, runID string) ([]domain.CostLedgerEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,run_id,stage,model,tokens_in,tokens_out,cost_usd,created_at FROM cost_ledger WHERE run_id=? ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CostLedgerEntry
	for rows.Next() {
		var (
			e       domain.CostLedgerEntry
			stage   string
			created string
		)
		if err := rows.Scan(&e.ID, &e.RunID, &stage, &e.Model, &e.TokensIn, &e.TokensOut, &e.CostUSD, &created); err != nil {
			return nil, err
		}
		e.Stage, _ = domain.ParseStage(stage)
		var perr error
		if e.CreatedAt, perr = domain.ParseTime(created); perr != nil {
			return nil, perr
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
