package app_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"researchline/internal/app"
	"researchline/internal/auth"
	"researchline/internal/config"
	"researchline/internal/domain"
	"researchline/internal/logger"
	"researchline/internal/orchestrator"
	"researchline/internal/planner"
	"researchline/internal/provider/providertest"
	"researchline/internal/stage/stagetest"
)

func scripted() *providertest.Provider {
	return &providertest.Provider{Handler: stagetest.Script(map[domain.Stage]map[string]string{
		domain.StageTriage: {"AAA": stagetest.Consider, "BBB": stagetest.Uninvestible, "CCC": stagetest.Borderline},
		domain.StageMedium: {"AAA": stagetest.GoDeep, "*": stagetest.NoGoDeep},
		domain.StageDeep:   {"*": stagetest.DeepReport},
		domain.StageFocus:  {"*": stagetest.FocusReply},
	})}
}

func open(t *testing.T, cfg *config.Config, p *providertest.Provider) *app.App {
	t.Helper()
	a, err := app.Open(context.Background(), app.Options{
		Workspace:  t.TempDir(),
		Config:     cfg,
		Provider:   p,
		Credential: "test-key",
		Logger:     logger.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestOpenRunsPipelineEndToEnd(t *testing.T) {
	ctx := context.Background()
	p := scripted()
	a := open(t, nil, p)
	caps := auth.System("operator")

	created, err := a.Planner.CreateRun(ctx, caps, planner.CreateRunInput{Tickers: []string{"aaa", "bbb", "ccc"}})
	require.NoError(t, err)
	assert.Equal(t, 3, created.TotalItems)

	res, err := a.Orchestrator.Run(ctx, caps, orchestrator.Request{RunID: created.RunID})
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, res.Status)
	assert.InDelta(t, 0.00468, res.TotalSpendUSD, 1e-9)
	assert.Equal(t, 6, p.CallCount())

	st, err := a.Planner.Status(ctx, created.RunID)
	require.NoError(t, err)
	assert.InDelta(t, 0.003, st.SpendByStage["stage3"], 1e-9)

	families, err := a.Registry.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["researchline_stage_items_total"])
}

func TestOpenUsesRedisCache(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	cfg := config.Default()
	cfg.Cache.Backend = "redis"
	cfg.Cache.Redis.Address = mr.Addr()
	cfg.Cache.Redis.Prefix = "rl-test"

	p := scripted()
	a := open(t, cfg, p)
	caps := auth.System("operator")
	first, err := a.Planner.CreateRun(ctx, caps, planner.CreateRunInput{Tickers: []string{"BBB"}})
	require.NoError(t, err)
	_, err = a.Orchestrator.Run(ctx, caps, orchestrator.Request{RunID: first.RunID})
	require.NoError(t, err)
	assert.Equal(t, 1, p.CallCount())
	assert.NotEmpty(t, mr.Keys())

	second, err := a.Planner.CreateRun(ctx, caps, planner.CreateRunInput{Tickers: []string{"BBB"}})
	require.NoError(t, err)
	res, err := a.Orchestrator.Run(ctx, caps, orchestrator.Request{RunID: second.RunID})
	require.NoError(t, err)
	assert.Equal(t, 1, p.CallCount(), "second run is served from the redis cache")
	assert.Zero(t, res.TotalSpendUSD)
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Cache.Backend = "memcached"
	_, err := app.Open(context.Background(), app.Options{Workspace: t.TempDir(), Config: cfg, Logger: logger.NewNop()})
	assert.Error(t, err)
}
