package planner_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"researchline/internal/auth"
	"researchline/internal/config"
	"researchline/internal/db/dbtest"
	"researchline/internal/domain"
	"researchline/internal/events"
	"researchline/internal/logger"
	"researchline/internal/planner"
	"researchline/internal/repo"
)

var (
	t0   = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	caps = auth.Capabilities{ActorID: "analyst", CanSpend: true}
)

func newPlanner(t *testing.T) (*planner.Planner, repo.Repo) {
	t.Helper()
	conn := dbtest.Open(t)
	r := repo.Repo{DB: conn}
	clock := func() time.Time { return t0 }
	p := planner.New(r, events.Writer{DB: conn, Now: clock}, config.Default(), logger.NewNop())
	p.Now = clock
	return p, r
}

func eventTypes(t *testing.T, r repo.Repo, runID string) []string {
	t.Helper()
	evts, err := events.Writer{DB: r.DB}.List(context.Background(), runID, 0, 100)
	require.NoError(t, err)
	var out []string
	for _, e := range evts {
		out = append(out, e.Type)
	}
	return out
}

func TestNormalizeTickers(t *testing.T) {
	assert.Equal(t, []string{"AAPL", "MSFT", "BRK.B"}, planner.NormalizeTickers([]string{"aapl", " MSFT ", "AAPL", "", "brk.b", "msft"}))
	assert.Empty(t, planner.NormalizeTickers(nil))
}

func TestEstimate(t *testing.T) {
	cfg := config.Default()
	models, cost, err := planner.Estimate(cfg, domain.PlannerConfig{}, 10)
	require.NoError(t, err)
	assert.InDelta(t, 0.3214, cost, 1e-9)
	assert.Equal(t, "claude-3-5-haiku-latest", models["stage1"])
	assert.Equal(t, "claude-sonnet-4-5", models["stage2"])
	assert.Equal(t, "claude-opus-4-1", models["stage3"])
	assert.Equal(t, "claude-sonnet-4-5", models["focus"])

	one := 1.0
	_, cost, err = planner.Estimate(cfg, domain.PlannerConfig{Stages: map[string]domain.StagePlan{
		"stage1": {SurvivalRate: &one},
		"stage2": {SurvivalRate: &one},
	}}, 1)
	require.NoError(t, err)
	assert.InDelta(t, 0.00124+0.0165+0.2025, cost, 1e-9)

	_, _, err = planner.Estimate(cfg, domain.PlannerConfig{Stages: map[string]domain.StagePlan{
		"stage3": {Model: "unpriced-model"},
	}}, 1)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestEstimateWithoutModel(t *testing.T) {
	cfg := config.Default()
	sc := cfg.Stages["stage2"]
	sc.Model = ""
	cfg.Stages["stage2"] = sc

	_, _, err := planner.Estimate(cfg, domain.PlannerConfig{}, 10)
	require.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Contains(t, err.Error(), "no model configured for stage2")
}

func TestCreateRunFromTickers(t *testing.T) {
	ctx := context.Background()
	p, r := newPlanner(t)

	res, err := p.CreateRun(ctx, caps, planner.CreateRunInput{Tickers: []string{"msft", "aapl", "MSFT"}, BudgetUSD: 2.5})
	require.NoError(t, err)
	assert.Equal(t, 2, res.TotalItems)
	assert.NotEmpty(t, res.RunID)
	assert.Greater(t, res.EstimatedCostUSD, 0.0)

	run, err := r.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunQueued, run.Status)
	assert.Equal(t, 2.5, run.BudgetUSD)
	assert.Equal(t, "analyst", run.CreatedBy)
	assert.InDelta(t, res.EstimatedCostUSD, run.EstimatedCostUSD, 1e-12)

	items, err := r.ListItems(ctx, res.RunID)
	require.NoError(t, err)
	require.Len(t, items, 2)
	for _, it := range items {
		assert.Equal(t, 0, it.Stage)
		assert.Equal(t, domain.ItemPending, it.Status)
	}
	assert.Equal(t, "AAPL", items[0].Ticker)
	assert.Equal(t, []string{events.RunCreated}, eventTypes(t, r, res.RunID))
}

func TestCreateRunFromUniverse(t *testing.T) {
	ctx := context.Background()
	p, r := newPlanner(t)
	for _, tk := range []string{"NVDA", "AMZN", "GOOG"} {
		require.NoError(t, r.UpsertUniverse(ctx, nil, domain.UniverseEntry{Ticker: tk}))
	}

	res, err := p.CreateRun(ctx, caps, planner.CreateRunInput{UniverseSize: 2})
	require.NoError(t, err)
	items, err := r.ListItems(ctx, res.RunID)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "AMZN", items[0].Ticker)
	assert.Equal(t, "GOOG", items[1].Ticker)
}

func TestCreateRunRejects(t *testing.T) {
	ctx := context.Background()
	p, _ := newPlanner(t)
	bad := 1.5

	_, err := p.CreateRun(ctx, caps, planner.CreateRunInput{})
	assert.ErrorIs(t, err, planner.ErrNoTickers)
	_, err = p.CreateRun(ctx, caps, planner.CreateRunInput{UniverseSize: 3})
	assert.ErrorIs(t, err, planner.ErrNoTickers)
	_, err = p.CreateRun(ctx, caps, planner.CreateRunInput{Tickers: []string{"A"}, BudgetUSD: -1})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = p.CreateRun(ctx, caps, planner.CreateRunInput{Tickers: []string{"A"}, Planner: domain.PlannerConfig{
		Stages: map[string]domain.StagePlan{"stage1": {SurvivalRate: &bad}},
	}})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = p.CreateRun(ctx, caps, planner.CreateRunInput{Tickers: []string{"A"}, Planner: domain.PlannerConfig{
		Stages: map[string]domain.StagePlan{"stage9": {}},
	}})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestSetStop(t *testing.T) {
	ctx := context.Background()
	p, r := newPlanner(t)
	res, err := p.CreateRun(ctx, caps, planner.CreateRunInput{Tickers: []string{"AAPL"}})
	require.NoError(t, err)

	run, err := p.SetStop(ctx, caps, res.RunID, true)
	require.NoError(t, err)
	assert.True(t, run.StopRequested)

	require.NoError(t, r.Halt(ctx, nil, res.RunID, domain.HaltBudgetExhausted, t0))
	_, err = r.UpdateRunStatus(ctx, nil, res.RunID, domain.RunFailed, t0)
	require.NoError(t, err)

	run, err = p.SetStop(ctx, caps, res.RunID, false)
	require.NoError(t, err)
	assert.False(t, run.StopRequested)
	assert.Empty(t, run.HaltedReason)
	assert.Equal(t, domain.RunQueued, run.Status)
	assert.Equal(t, []string{events.RunCreated, events.RunStopToggled, events.RunStopToggled}, eventTypes(t, r, res.RunID))

	_, err = p.SetStop(ctx, caps, "missing", true)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	p, r := newPlanner(t)
	res, err := p.CreateRun(ctx, caps, planner.CreateRunInput{Tickers: []string{"AAPL", "MSFT"}})
	require.NoError(t, err)
	require.NoError(t, r.InsertLedgerTx(ctx, nil, domain.CostLedgerEntry{
		ID: "l1", RunID: res.RunID, Stage: domain.StageTriage, Model: "m", TokensIn: 1, TokensOut: 1, CostUSD: 0.25, CreatedAt: t0,
	}))

	st, err := p.Status(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, res.RunID, st.Run.ID)
	require.Len(t, st.Metrics, len(domain.Stages))
	assert.Equal(t, 2, st.Metrics[0].Pending)
	assert.InDelta(t, 0.25, st.TotalSpendUSD, 1e-12)
	assert.InDelta(t, 0.25, st.SpendByStage["stage1"], 1e-12)

	_, err = p.Status(ctx, "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestCreateFocusRequest(t *testing.T) {
	ctx := context.Background()
	p, r := newPlanner(t)
	res, err := p.CreateRun(ctx, caps, planner.CreateRunInput{Tickers: []string{"AAPL"}})
	require.NoError(t, err)

	_, err = p.CreateFocusRequest(ctx, caps, res.RunID, planner.FocusInput{Ticker: "AAPL"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = p.CreateFocusRequest(ctx, caps, res.RunID, planner.FocusInput{Ticker: "TSLA", Question: "why?"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = p.CreateFocusRequest(ctx, caps, res.RunID, planner.FocusInput{Ticker: "AAPL", TemplateID: "nope"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = p.CreateFocusRequest(ctx, caps, "missing", planner.FocusInput{Ticker: "AAPL", Question: "why?"})
	assert.ErrorIs(t, err, repo.ErrNotFound)

	_, err = r.UpdateRunStatus(ctx, nil, res.RunID, domain.RunCompleted, t0)
	require.NoError(t, err)

	f, err := p.CreateFocusRequest(ctx, caps, res.RunID, planner.FocusInput{Ticker: "aapl", TemplateID: "moat"})
	require.NoError(t, err)
	assert.Equal(t, "AAPL", f.Ticker)
	assert.Equal(t, domain.FocusPending, f.Status)
	assert.Contains(t, f.Question, "What durable competitive advantages does AAPL have")

	stored, err := r.GetFocus(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, f.Question, stored.Question)
	assert.Equal(t, "moat", stored.TemplateID)

	run, err := r.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunRunning, run.Status)
	assert.Contains(t, eventTypes(t, r, res.RunID), events.FocusCreated)
}

func TestRequeue(t *testing.T) {
	ctx := context.Background()
	p, r := newPlanner(t)
	res, err := p.CreateRun(ctx, caps, planner.CreateRunInput{Tickers: []string{"AAPL", "MSFT"}})
	require.NoError(t, err)
	_, err = r.DB.ExecContext(ctx, `UPDATE run_items SET stage=1, status='failed', last_error='bad json' WHERE run_id=? AND ticker='AAPL'`, res.RunID)
	require.NoError(t, err)
	_, err = r.UpdateRunStatus(ctx, nil, res.RunID, domain.RunFailed, t0)
	require.NoError(t, err)

	n, err := p.Requeue(ctx, caps, res.RunID, domain.StageTriage)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	item, err := r.GetItem(ctx, res.RunID, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 0, item.Stage)
	assert.Equal(t, domain.ItemPending, item.Status)
	assert.Empty(t, item.LastError)

	run, err := r.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunQueued, run.Status)

	_, err = p.Requeue(ctx, caps, res.RunID, domain.StageFocus)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
