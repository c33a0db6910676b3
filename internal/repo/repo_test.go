package repo_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"researchline/internal/db/dbtest"
	"researchline/internal/domain"
	"researchline/internal/repo"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func seedRun(t *testing.T, r repo.Repo, id string, tickers ...string) {
	t.Helper()
	ctx := context.Background()
	tx, err := r.BeginTx(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	require.NoError(t, r.InsertRunTx(ctx, tx, domain.Run{ID: id, Status: domain.RunQueued, CreatedBy: "tester", CreatedAt: t0, UpdatedAt: t0}))
	require.NoError(t, r.InsertItemsTx(ctx, tx, id, tickers, t0))
	require.NoError(t, tx.Commit())
}

func strp(s string) *string { return &s }
func boolp(b bool) *bool    { return &b }

func complete(t *testing.T, r repo.Repo, s domain.Stage, ticker string, label *string, goDeep *bool, at time.Time) {
	t.Helper()
	require.NoError(t, r.CompleteItemTx(context.Background(), nil, repo.ItemSuccess{
		RunID: "run-1", Ticker: ticker, Stage: s, Label: label, GoDeep: goDeep, CostUSD: 0.01, Now: at,
	}))
}

func TestClaimIsExclusiveAndOrdered(t *testing.T) {
	ctx := context.Background()
	r := repo.Repo{DB: dbtest.Open(t)}
	seedRun(t, r, "run-1", "CCC", "AAA", "BBB")

	first, err := r.ClaimItems(ctx, "run-1", domain.StageTriage, 2, t0, time.Minute)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "AAA", first[0].Ticker)
	assert.Equal(t, "BBB", first[1].Ticker)
	assert.Equal(t, domain.ItemInProgress, first[0].Status)

	second, err := r.ClaimItems(ctx, "run-1", domain.StageTriage, 5, t0, time.Minute)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, "CCC", second[0].Ticker)

	none, err := r.ClaimItems(ctx, "run-1", domain.StageTriage, 5, t0.Add(30*time.Second), time.Minute)
	require.NoError(t, err)
	assert.Empty(t, none)

	m, err := r.StageMetrics(ctx, "run-1", domain.StageTriage, t0.Add(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 0, m.Pending)
	assert.Equal(t, 3, m.InProgress)
	assert.Equal(t, 3, m.Total)
}

func TestExpiredClaimIsReclaimed(t *testing.T) {
	ctx := context.Background()
	r := repo.Repo{DB: dbtest.Open(t)}
	seedRun(t, r, "run-1", "AAA")

	_, err := r.ClaimItems(ctx, "run-1", domain.StageTriage, 1, t0, time.Minute)
	require.NoError(t, err)

	later := t0.Add(2 * time.Minute)
	m, err := r.StageMetrics(ctx, "run-1", domain.StageTriage, later)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Pending)
	assert.Equal(t, 0, m.InProgress)

	again, err := r.ClaimItems(ctx, "run-1", domain.StageTriage, 1, later, time.Minute)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, "AAA", again[0].Ticker)
}

func TestSurvivorshipAcrossStages(t *testing.T) {
	ctx := context.Background()
	r := repo.Repo{DB: dbtest.Open(t)}
	seedRun(t, r, "run-1", "AAA", "BBB", "CCC")

	claimed, err := r.ClaimItems(ctx, "run-1", domain.StageTriage, 10, t0, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 3)
	complete(t, r, domain.StageTriage, "AAA", strp(domain.LabelConsider), nil, t0.Add(1*time.Second))
	complete(t, r, domain.StageTriage, "BBB", strp(domain.LabelUninvestible), nil, t0.Add(2*time.Second))
	complete(t, r, domain.StageTriage, "CCC", strp(domain.LabelBorderline), nil, t0.Add(3*time.Second))

	now := t0.Add(time.Minute)
	m1, err := r.StageMetrics(ctx, "run-1", domain.StageTriage, now)
	require.NoError(t, err)
	assert.Equal(t, 0, m1.Pending)
	assert.Equal(t, 3, m1.Completed)
	assert.Equal(t, 1, m1.Derived[domain.LabelUninvestible])

	m2, err := r.StageMetrics(ctx, "run-1", domain.StageMedium, now)
	require.NoError(t, err)
	assert.Equal(t, 2, m2.Pending)
	assert.Equal(t, 2, m2.Total)

	claimed, err = r.ClaimItems(ctx, "run-1", domain.StageMedium, 10, now, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, "AAA", claimed[0].Ticker)
	assert.Equal(t, "CCC", claimed[1].Ticker)

	// stage-1 completions stay counted while stage 2 holds the claim
	m1, err = r.StageMetrics(ctx, "run-1", domain.StageTriage, now)
	require.NoError(t, err)
	assert.Equal(t, 3, m1.Completed)

	complete(t, r, domain.StageMedium, "AAA", nil, boolp(true), now)
	complete(t, r, domain.StageMedium, "CCC", nil, boolp(false), now)

	m3, err := r.StageMetrics(ctx, "run-1", domain.StageDeep, now)
	require.NoError(t, err)
	assert.Equal(t, 1, m3.Pending)

	m2, err = r.StageMetrics(ctx, "run-1", domain.StageMedium, now)
	require.NoError(t, err)
	assert.Equal(t, 1, m2.Derived["go_deep"])
	assert.Equal(t, 2, m2.Completed)

	item, err := r.GetItem(ctx, "run-1", "AAA")
	require.NoError(t, err)
	assert.Equal(t, 2, item.Stage)
	require.NotNil(t, item.Label)
	assert.Equal(t, domain.LabelConsider, *item.Label)
	require.NotNil(t, item.Stage2GoDeep)
	assert.True(t, *item.Stage2GoDeep)
	assert.InDelta(t, 0.02, item.SpendEstUSD, 1e-9)
}

func TestCompleteWithoutClaimIsLost(t *testing.T) {
	r := repo.Repo{DB: dbtest.Open(t)}
	seedRun(t, r, "run-1", "AAA")
	err := r.CompleteItemTx(context.Background(), nil, repo.ItemSuccess{RunID: "run-1", Ticker: "AAA", Stage: domain.StageTriage, Now: t0})
	assert.ErrorIs(t, err, repo.ErrClaimLost)
}

func TestFailAndRequeue(t *testing.T) {
	ctx := context.Background()
	r := repo.Repo{DB: dbtest.Open(t)}
	seedRun(t, r, "run-1", "AAA")
	_, err := r.ClaimItems(ctx, "run-1", domain.StageTriage, 1, t0, time.Minute)
	require.NoError(t, err)
	require.NoError(t, r.FailItem(ctx, nil, "run-1", "AAA", domain.StageTriage, "validation failed", t0))

	item, err := r.GetItem(ctx, "run-1", "AAA")
	require.NoError(t, err)
	assert.Equal(t, 1, item.Stage)
	assert.Equal(t, domain.ItemFailed, item.Status)
	assert.Equal(t, "validation failed", item.LastError)

	m, err := r.StageMetrics(ctx, "run-1", domain.StageTriage, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Failed)
	assert.Equal(t, 0, m.Pending)

	n, err := r.RequeueFailed(ctx, "run-1", domain.StageTriage, t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	m, err = r.StageMetrics(ctx, "run-1", domain.StageTriage, t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, m.Pending)
}

func TestSetStopClearsHalt(t *testing.T) {
	ctx := context.Background()
	r := repo.Repo{DB: dbtest.Open(t)}
	seedRun(t, r, "run-1")

	require.NoError(t, r.Halt(ctx, nil, "run-1", domain.HaltBudgetExhausted, t0))
	_, err := r.UpdateRunStatus(ctx, nil, "run-1", domain.RunFailed, t0)
	require.NoError(t, err)
	run, err := r.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.True(t, run.StopRequested)
	assert.Equal(t, domain.HaltBudgetExhausted, run.HaltedReason)

	require.NoError(t, r.SetStop(ctx, nil, "run-1", false, t0.Add(time.Second)))
	run, err = r.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.False(t, run.StopRequested)
	assert.Empty(t, run.HaltedReason)
	assert.Equal(t, domain.RunQueued, run.Status)

	assert.ErrorIs(t, r.SetStop(ctx, nil, "missing", true, t0), repo.ErrNotFound)
}

func TestUpdateRunStatusFrom(t *testing.T) {
	ctx := context.Background()
	r := repo.Repo{DB: dbtest.Open(t)}
	seedRun(t, r, "run-1")
	ok, err := r.UpdateRunStatus(ctx, nil, "run-1", domain.RunRunning, t0, domain.RunQueued)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = r.UpdateRunStatus(ctx, nil, "run-1", domain.RunRunning, t0, domain.RunQueued)
	require.NoError(t, err)
	assert.False(t, ok)

	latest, err := r.LatestActiveRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-1", latest.ID)
}

func TestLedgerAndSpend(t *testing.T) {
	ctx := context.Background()
	r := repo.Repo{DB: dbtest.Open(t)}
	seedRun(t, r, "run-1")
	for i, s := range []domain.Stage{domain.StageTriage, domain.StageTriage, domain.StageFocus} {
		require.NoError(t, r.InsertLedgerTx(ctx, nil, domain.CostLedgerEntry{
			ID: string(rune('a' + i)), RunID: "run-1", Stage: s, Model: "m", CostUSD: 0.5, CreatedAt: t0,
		}))
	}
	total, err := r.TotalSpend(ctx, "run-1")
	require.NoError(t, err)
	assert.InDelta(t, 1.5, total, 1e-9)
	by, err := r.SpendByStage(ctx, "run-1")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, by["stage1"], 1e-9)
	assert.InDelta(t, 0.5, by["focus"], 1e-9)

	entries, err := r.LedgerEntries(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, domain.StageFocus, entries[2].Stage)
}

func TestFocusClaimAndMetrics(t *testing.T) {
	ctx := context.Background()
	r := repo.Repo{DB: dbtest.Open(t)}
	seedRun(t, r, "run-1", "AAA")
	for i, id := range []string{"f1", "f2"} {
		at := t0.Add(time.Duration(i) * time.Second)
		require.NoError(t, r.InsertFocusTx(ctx, nil, domain.FocusRequest{
			ID: id, RunID: "run-1", Ticker: "AAA", Question: "why?", Status: domain.FocusPending, CreatedAt: at, UpdatedAt: at,
		}))
	}
	claimed, err := r.ClaimFocus(ctx, "run-1", 1, t0, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "f1", claimed[0].ID)

	require.NoError(t, r.AnswerFocusTx(ctx, nil, repo.FocusSuccess{ID: "f1", AnswerText: "because", AnswerJSON: `{}`, Now: t0}))
	m, err := r.StageMetrics(ctx, "run-1", domain.StageFocus, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Completed)
	assert.Equal(t, 1, m.Pending)
	assert.Equal(t, 2, m.Total)

	f, err := r.GetFocus(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, domain.FocusAnswered, f.Status)
	assert.Equal(t, "because", f.AnswerText)
}

func TestSchedulesJoinRunState(t *testing.T) {
	ctx := context.Background()
	r := repo.Repo{DB: dbtest.Open(t)}
	seedRun(t, r, "run-1")
	seedRun(t, r, "run-2")
	require.NoError(t, r.SetStop(ctx, nil, "run-2", true, t0))

	for _, id := range []string{"run-1", "run-2"} {
		require.NoError(t, r.UpsertSchedule(ctx, domain.RunSchedule{
			RunID: id, CadenceSeconds: 3600, MaxCycles: 2, Active: true,
			Limits: domain.StageLimits{Stage1: 5}, UpdatedAt: t0,
		}))
	}
	require.NoError(t, r.MarkTriggered(ctx, "run-1", t0.Add(time.Hour)))
	require.NoError(t, r.UpsertSchedule(ctx, domain.RunSchedule{RunID: "run-1", CadenceSeconds: 60, Active: true, UpdatedAt: t0.Add(2 * time.Hour)}))

	all, err := r.ListSchedulesWithRuns(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, 60, all[0].Schedule.CadenceSeconds)
	require.NotNil(t, all[0].Schedule.LastTriggeredAt)
	assert.True(t, all[0].Schedule.LastTriggeredAt.Equal(t0.Add(time.Hour)))
	assert.True(t, all[1].StopRequested)

	only, err := r.ListSchedulesWithRuns(ctx, []string{"run-2"})
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, 5, only[0].Schedule.Limits.Stage1)

	_, err = r.GetSchedule(ctx, "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestAPIKeysAndMemberships(t *testing.T) {
	ctx := context.Background()
	r := repo.Repo{DB: dbtest.Open(t)}
	require.NoError(t, r.InsertAPIKey(ctx, nil, domain.APIKey{ID: "k1", ActorID: "cron", KeyHash: repo.HashAPIKey("secret"), Automation: true}))
	key, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(" secret "))
	require.NoError(t, err)
	assert.True(t, key.Automation)
	assert.Equal(t, "cron", key.ActorID)

	require.NoError(t, r.AddAdmin(ctx, "alice", t0))
	ok, err := r.IsAdmin(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	exp := t0.Add(24 * time.Hour)
	require.NoError(t, r.UpsertMembership(ctx, domain.Membership{ActorID: "bob", Plan: "pro", Status: "active", ExpiresAt: &exp, UpdatedAt: t0}))
	m, err := r.GetMembership(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "active", m.Status)
	require.NotNil(t, m.ExpiresAt)

	_, err = r.GetMembership(ctx, "carol")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestUniverse(t *testing.T) {
	ctx := context.Background()
	r := repo.Repo{DB: dbtest.Open(t)}
	for _, tk := range []string{"MSFT", "AAPL", "GOOG"} {
		require.NoError(t, r.UpsertUniverse(ctx, nil, domain.UniverseEntry{Ticker: tk, Name: tk + " Inc", Metadata: map[string]any{"country": "US"}}))
	}
	first, err := r.UniverseTickers(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL", "GOOG"}, first)

	e, err := r.GetUniverse(ctx, "MSFT")
	require.NoError(t, err)
	assert.Equal(t, "US", e.Metadata["country"])
}
