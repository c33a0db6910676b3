// Package stagetest wires stage consumers over a temporary database and a
// scripted provider.
package stagetest

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"researchline/internal/cache"
	"researchline/internal/config"
	"researchline/internal/db/dbtest"
	"researchline/internal/domain"
	"researchline/internal/events"
	"researchline/internal/logger"
	"researchline/internal/provider"
	"researchline/internal/provider/providertest"
	"researchline/internal/repo"
	"researchline/internal/retry"
	"researchline/internal/stage"
)

// T0 is the fixed clock every Env starts at.
var T0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type Env struct {
	DB       *sql.DB
	Repo     repo.Repo
	Provider *providertest.Provider
	Config   *config.Config
	Deps     stage.Deps

	now time.Time
}

// New returns an Env whose consumers call p. The retry executor never sleeps.
func New(t *testing.T, p *providertest.Provider) *Env {
	t.Helper()
	conn := dbtest.Open(t)
	env := &Env{DB: conn, Repo: repo.Repo{DB: conn}, Provider: p, Config: config.Default(), now: T0}
	clock := func() time.Time { return env.now }
	env.Deps = stage.Deps{
		Repo:  env.Repo,
		Cache: cache.New(cache.SQLStore{DB: conn}, cache.WithClock(clock)),
		Retry: &retry.Executor{
			MaxAttempts: 2,
			Backoff:     time.Millisecond,
			Sleep:       func(context.Context, time.Duration) error { return nil },
		},
		Provider:   p,
		Config:     env.Config,
		Events:     events.Writer{DB: conn, Now: clock},
		Log:        logger.NewNop(),
		Now:        clock,
		Credential: "test-key",
	}
	return env
}

func (e *Env) Now() time.Time { return e.now }

// Advance moves the shared clock forward.
func (e *Env) Advance(d time.Duration) { e.now = e.now.Add(d) }

// Consumer builds a consumer for s over the Env's current Deps.
func (e *Env) Consumer(s domain.Stage) *stage.Consumer {
	def, err := stage.DefinitionFor(s)
	if err != nil {
		panic(err)
	}
	return stage.New(def, e.Deps)
}

// SeedRun inserts a queued run holding tickers at stage 0.
func (e *Env) SeedRun(t *testing.T, run domain.Run, tickers ...string) domain.Run {
	t.Helper()
	ctx := context.Background()
	if run.Status == "" {
		run.Status = domain.RunQueued
	}
	if run.CreatedBy == "" {
		run.CreatedBy = "tester"
	}
	run.CreatedAt, run.UpdatedAt = e.now, e.now
	tx, err := e.Repo.BeginTx(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	require.NoError(t, e.Repo.InsertRunTx(ctx, tx, run))
	require.NoError(t, e.Repo.InsertItemsTx(ctx, tx, run.ID, tickers, e.now))
	require.NoError(t, tx.Commit())
	return run
}

// Answers for the scripted provider.
const (
	Consider     = `{"label":"consider","confidence":0.8,"reason":"durable moat"}`
	Borderline   = `{"label":"borderline","confidence":0.5,"reason":"mixed signals"}`
	Uninvestible = `{"label":"uninvestible","confidence":0.9,"reason":"fraud risk"}`
	GoDeep       = `{"go_deep":true,"score":82,"thesis":"share gains","risks":["competition"]}`
	NoGoDeep     = `{"go_deep":false,"score":40,"thesis":"fairly priced"}`
	DeepReport   = `{"conviction":4,"summary":"compounding story","catalysts":["new product"],"risks":["rates"]}`
	FocusReply   = `{"answer":"margins expand next year","confidence":0.7,"citations":["10-K"]}`
)

// StageOf identifies which default stage prompt produced req.
func StageOf(req provider.Request) domain.Stage {
	switch {
	case strings.Contains(req.System, "triage"):
		return domain.StageTriage
	case strings.Contains(req.System, "medium-depth"):
		return domain.StageMedium
	case strings.Contains(req.System, "deep-dive"):
		return domain.StageDeep
	default:
		return domain.StageFocus
	}
}

// Script answers by stage, then by ticker, falling back to the "*" entry of
// the stage.
func Script(answers map[domain.Stage]map[string]string) func(provider.Request) (provider.Response, error) {
	return func(req provider.Request) (provider.Response, error) {
		byTicker := answers[StageOf(req)]
		text, ok := byTicker[providertest.Ticker(req)]
		if !ok {
			text = byTicker["*"]
		}
		return providertest.Reply(text, 100, 20), nil
	}
}
