// Package planner creates runs and handles the operator-facing run mutations
// that sit outside the stage consumers: stop toggles, focus intake and requeues.
package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"researchline/internal/auth"
	"researchline/internal/config"
	"researchline/internal/domain"
	"researchline/internal/events"
	"researchline/internal/logger"
	"researchline/internal/repo"
)

const maxTickers = 5000

// ErrNoTickers means neither explicit tickers nor the universe produced any.
var ErrNoTickers = errors.New("no tickers resolved")

type Planner struct {
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Log    logger.Logger
	Now    func() time.Time

	validate *validator.Validate
}

func New(r repo.Repo, ev events.Writer, cfg *config.Config, log logger.Logger) *Planner {
	return &Planner{Repo: r, Events: ev, Config: cfg, Log: log, Now: time.Now}
}

func (p *Planner) now() time.Time {
	if p.Now == nil {
		return time.Now().UTC()
	}
	return p.Now().UTC()
}

func (p *Planner) validator() *validator.Validate {
	if p.validate == nil {
		p.validate = validator.New(validator.WithRequiredStructEnabled())
	}
	return p.validate
}

type CreateRunInput struct {
	Tickers      []string             `json:"tickers,omitempty" validate:"max=5000,dive,max=32"`
	UniverseSize int                  `json:"universe_size,omitempty" validate:"gte=0,lte=5000"`
	Planner      domain.PlannerConfig `json:"planner,omitempty"`
	BudgetUSD    float64              `json:"budget_usd,omitempty" validate:"gte=0"`
}

type CreateRunResult struct {
	RunID            string            `json:"run_id"`
	TotalItems       int               `json:"total_items"`
	Models           map[string]string `json:"models"`
	EstimatedCostUSD float64           `json:"estimated_cost_usd"`
}

// NormalizeTickers trims, upper-cases and de-duplicates, keeping first-seen order.
func NormalizeTickers(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, t := range in {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func (p *Planner) checkInput(in CreateRunInput) error {
	if err := p.validator().Struct(in); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	for id, plan := range in.Planner.Stages {
		if _, err := domain.ParseStage(id); err != nil {
			return fmt.Errorf("%w: planner: %v", domain.ErrInvalidInput, err)
		}
		if plan.SurvivalRate != nil && (*plan.SurvivalRate < 0 || *plan.SurvivalRate > 1) {
			return fmt.Errorf("%w: planner %s survival_rate must be within [0,1]", domain.ErrInvalidInput, id)
		}
		if plan.TTLMinutes != nil && *plan.TTLMinutes <= 0 {
			return fmt.Errorf("%w: planner %s ttl_minutes must be positive", domain.ErrInvalidInput, id)
		}
		if plan.InputTokens < 0 || plan.OutputTokens < 0 {
			return fmt.Errorf("%w: planner %s token estimates must be >= 0", domain.ErrInvalidInput, id)
		}
	}
	return nil
}

func (p *Planner) resolveTickers(ctx context.Context, in CreateRunInput) ([]string, error) {
	if tickers := NormalizeTickers(in.Tickers); len(tickers) > 0 {
		return tickers, nil
	}
	if in.UniverseSize <= 0 {
		return nil, ErrNoTickers
	}
	tickers, err := p.Repo.UniverseTickers(ctx, in.UniverseSize)
	if err != nil {
		return nil, fmt.Errorf("load universe: %w", err)
	}
	if len(tickers) == 0 {
		return nil, ErrNoTickers
	}
	return tickers, nil
}

// Estimate returns the models each stage will use and the expected spend for
// n items: N·c1 + N·s1·c2 + N·s1·s2·c3.
func Estimate(cfg *config.Config, plan domain.PlannerConfig, n int) (map[string]string, float64, error) {
	models := make(map[string]string, len(domain.Stages))
	for _, s := range domain.Stages {
		models[s.String()] = cfg.ResolveStage(s, plan).Model
	}
	reach := float64(n)
	var total float64
	for _, s := range []domain.Stage{domain.StageTriage, domain.StageMedium, domain.StageDeep} {
		set := cfg.ResolveStage(s, plan)
		if set.Model == "" {
			return nil, 0, fmt.Errorf("%w: no model configured for %s", domain.ErrInvalidInput, s)
		}
		if !set.PriceKnown {
			return nil, 0, fmt.Errorf("%w: no price configured for model %s (%s)", domain.ErrInvalidInput, set.Model, s)
		}
		total += reach * set.Price.Cost(int64(set.InputTokens), int64(set.OutputTokens))
		reach *= set.SurvivalRate
	}
	return models, total, nil
}

// CreateRun resolves tickers, estimates the cost and inserts the run with its
// items in one transaction.
func (p *Planner) CreateRun(ctx context.Context, caps auth.Capabilities, in CreateRunInput) (CreateRunResult, error) {
	if err := p.checkInput(in); err != nil {
		return CreateRunResult{}, err
	}
	tickers, err := p.resolveTickers(ctx, in)
	if err != nil {
		return CreateRunResult{}, err
	}
	if len(tickers) > maxTickers {
		return CreateRunResult{}, fmt.Errorf("%w: at most %d tickers per run", domain.ErrInvalidInput, maxTickers)
	}
	models, estimate, err := Estimate(p.Config, in.Planner, len(tickers))
	if err != nil {
		return CreateRunResult{}, err
	}

	now := p.now()
	run := domain.Run{
		ID:               uuid.NewString(),
		Status:           domain.RunQueued,
		BudgetUSD:        in.BudgetUSD,
		Planner:          in.Planner,
		EstimatedCostUSD: estimate,
		CreatedBy:        caps.ActorID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	tx, err := p.Repo.BeginTx(ctx)
	if err != nil {
		return CreateRunResult{}, err
	}
	defer tx.Rollback()
	if err := p.Repo.InsertRunTx(ctx, tx, run); err != nil {
		return CreateRunResult{}, fmt.Errorf("insert run: %w", err)
	}
	if err := p.Repo.InsertItemsTx(ctx, tx, run.ID, tickers, now); err != nil {
		return CreateRunResult{}, err
	}
	if err := p.Events.Append(ctx, tx, events.RunCreated, events.Scope{RunID: run.ID}, events.EventPayload{
		"total_items":        len(tickers),
		"budget_usd":         in.BudgetUSD,
		"estimated_cost_usd": estimate,
		"models":             models,
		"actor_id":           caps.ActorID,
	}); err != nil {
		return CreateRunResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return CreateRunResult{}, err
	}
	logger.OrNop(p.Log).Info("run created",
		logger.String("run_id", run.ID),
		logger.Int("items", len(tickers)),
		logger.Float64("estimated_cost_usd", estimate))
	return CreateRunResult{RunID: run.ID, TotalItems: len(tickers), Models: models, EstimatedCostUSD: estimate}, nil
}

type RunStatus struct {
	Run           domain.Run            `json:"run"`
	Metrics       []domain.StageMetrics `json:"metrics"`
	TotalSpendUSD float64               `json:"total_spend_usd"`
	SpendByStage  map[string]float64    `json:"spend_by_stage"`
}

func (p *Planner) Status(ctx context.Context, runID string) (RunStatus, error) {
	run, err := p.Repo.GetRun(ctx, runID)
	if err != nil {
		return RunStatus{}, err
	}
	out := RunStatus{Run: run}
	if out.Metrics, err = p.Repo.AllStageMetrics(ctx, runID, p.now()); err != nil {
		return RunStatus{}, err
	}
	if out.TotalSpendUSD, err = p.Repo.TotalSpend(ctx, runID); err != nil {
		return RunStatus{}, err
	}
	if out.SpendByStage, err = p.Repo.SpendByStage(ctx, runID); err != nil {
		return RunStatus{}, err
	}
	return out, nil
}

// SetStop toggles stop_requested. Clearing it also clears halted_reason and
// re-queues a failed run.
func (p *Planner) SetStop(ctx context.Context, caps auth.Capabilities, runID string, stop bool) (domain.Run, error) {
	before, err := p.Repo.GetRun(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	if err := p.Repo.SetStop(ctx, nil, runID, stop, p.now()); err != nil {
		return domain.Run{}, err
	}
	p.Events.Record(ctx, events.RunStopToggled, events.Scope{RunID: runID}, events.EventPayload{
		"stop_requested": stop,
		"previous":       before.StopRequested,
		"actor_id":       caps.ActorID,
	})
	return p.Repo.GetRun(ctx, runID)
}

type FocusInput struct {
	Ticker     string `json:"ticker" minLength:"1"`
	Question   string `json:"question,omitempty"`
	TemplateID string `json:"template_id,omitempty"`
}

func (p *Planner) question(in FocusInput) (string, error) {
	if q := strings.TrimSpace(in.Question); q != "" {
		return q, nil
	}
	if in.TemplateID == "" {
		return "", fmt.Errorf("%w: question or template_id is required", domain.ErrInvalidInput)
	}
	var body string
	if p.Config != nil {
		body = p.Config.Focus.Templates[in.TemplateID]
	}
	if body == "" {
		return "", fmt.Errorf("%w: unknown focus template %q", domain.ErrInvalidInput, in.TemplateID)
	}
	tmpl, err := template.New(in.TemplateID).Option("missingkey=zero").Parse(body)
	if err != nil {
		return "", fmt.Errorf("focus template %s: %w", in.TemplateID, err)
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, struct{ Ticker string }{strings.ToUpper(strings.TrimSpace(in.Ticker))}); err != nil {
		return "", fmt.Errorf("focus template %s: %w", in.TemplateID, err)
	}
	return strings.TrimSpace(b.String()), nil
}

// CreateFocusRequest queues a follow-up question on a ticker of the run. A
// completed run is reopened so the orchestrator picks the request up.
func (p *Planner) CreateFocusRequest(ctx context.Context, caps auth.Capabilities, runID string, in FocusInput) (domain.FocusRequest, error) {
	ticker := strings.ToUpper(strings.TrimSpace(in.Ticker))
	if ticker == "" {
		return domain.FocusRequest{}, fmt.Errorf("%w: ticker is required", domain.ErrInvalidInput)
	}
	question, err := p.question(in)
	if err != nil {
		return domain.FocusRequest{}, err
	}
	if _, err := p.Repo.GetRun(ctx, runID); err != nil {
		return domain.FocusRequest{}, err
	}
	if _, err := p.Repo.GetItem(ctx, runID, ticker); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.FocusRequest{}, fmt.Errorf("%w: ticker %s is not part of run %s", domain.ErrInvalidInput, ticker, runID)
		}
		return domain.FocusRequest{}, err
	}

	now := p.now()
	f := domain.FocusRequest{
		ID:         uuid.NewString(),
		RunID:      runID,
		Ticker:     ticker,
		Question:   question,
		TemplateID: in.TemplateID,
		Status:     domain.FocusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	tx, err := p.Repo.BeginTx(ctx)
	if err != nil {
		return domain.FocusRequest{}, err
	}
	defer tx.Rollback()
	if err := p.Repo.InsertFocusTx(ctx, tx, f); err != nil {
		return domain.FocusRequest{}, fmt.Errorf("insert focus request: %w", err)
	}
	reopened, err := p.Repo.UpdateRunStatus(ctx, tx, runID, domain.RunRunning, now, domain.RunCompleted)
	if err != nil {
		return domain.FocusRequest{}, err
	}
	if err := p.Events.Append(ctx, tx, events.FocusCreated, events.Scope{RunID: runID, Stage: domain.StageFocus.String(), Ticker: ticker}, events.EventPayload{
		"focus_id":    f.ID,
		"template_id": in.TemplateID,
		"reopened":    reopened,
		"actor_id":    caps.ActorID,
	}); err != nil {
		return domain.FocusRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.FocusRequest{}, err
	}
	return f, nil
}

// Requeue returns the failed items of a research stage to the queue. A failed
// run is moved back to queued when anything moved.
func (p *Planner) Requeue(ctx context.Context, caps auth.Capabilities, runID string, s domain.Stage) (int, error) {
	if s == domain.StageFocus || !s.Valid() {
		return 0, fmt.Errorf("%w: stage %s cannot be requeued", domain.ErrInvalidInput, s.Name())
	}
	if _, err := p.Repo.GetRun(ctx, runID); err != nil {
		return 0, err
	}
	now := p.now()
	n, err := p.Repo.RequeueFailed(ctx, runID, s, now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		if _, err := p.Repo.UpdateRunStatus(ctx, nil, runID, domain.RunQueued, now, domain.RunFailed, domain.RunCompleted); err != nil {
			return n, err
		}
	}
	p.Events.Record(ctx, events.ItemsRequeued, events.Scope{RunID: runID, Stage: s.String()}, events.EventPayload{
		"count":    n,
		"actor_id": caps.ActorID,
	})
	return n, nil
}
