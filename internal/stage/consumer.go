// Package stage runs one pipeline stage over a bounded batch of claimed work.
// The same consumer skeleton drives triage, medium, deep and focus; only the
// Definition differs.
package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"researchline/internal/auth"
	"researchline/internal/cache"
	"researchline/internal/config"
	"researchline/internal/domain"
	"researchline/internal/events"
	"researchline/internal/logger"
	"researchline/internal/metrics"
	"researchline/internal/provider"
	"researchline/internal/repo"
	"researchline/internal/retry"
)

var ErrRunNotFound = errors.New("run not found")

// ItemSkipped marks a unit whose claim was taken over before it finished.
const ItemSkipped = "skipped"

// ConfigError is fatal for the whole batch and is raised before any item is claimed.
type ConfigError struct {
	Stage  domain.Stage
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("stage %s misconfigured: %s", e.Stage, e.Reason)
}

type Request struct {
	RunID string `json:"run_id,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

type ItemResult struct {
	Ticker   string  `json:"ticker"`
	FocusID  string  `json:"focus_id,omitempty"`
	Status   string  `json:"status" enum:"ok,failed,skipped"`
	Summary  string  `json:"summary"`
	CacheHit bool    `json:"cache_hit"`
	CostUSD  float64 `json:"cost_usd"`
}

type Result struct {
	RunID        string              `json:"run_id"`
	Stage        string              `json:"stage"`
	Halted       bool                `json:"halted"`
	HaltedReason string              `json:"halted_reason,omitempty"`
	Processed    int                 `json:"processed"`
	Failed       int                 `json:"failed"`
	Items        []ItemResult        `json:"items"`
	Metrics      domain.StageMetrics `json:"metrics"`
	Message      string              `json:"message"`
}

// Deps are shared by every consumer.
type Deps struct {
	Repo     repo.Repo
	Cache    *cache.Cache
	Retry    *retry.Executor
	Provider provider.Provider
	Config   *config.Config
	Events   events.Writer
	Snippets SnippetSource
	Log      logger.Logger
	Metrics  *metrics.Metrics
	Now      func() time.Time
	// Credential is the provider API key; empty is a configuration error.
	Credential string
}

type Consumer struct {
	def  Definition
	deps Deps
	log  logger.Logger
}

func New(def Definition, deps Deps) *Consumer {
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	if deps.Config == nil {
		deps.Config = config.Default()
	}
	log := logger.OrNop(deps.Log).With(logger.String("stage", def.Stage().String()))
	return &Consumer{def: def, deps: deps, log: log}
}

// NewAll builds one consumer per built-in stage.
func NewAll(deps Deps) map[domain.Stage]*Consumer {
	res := map[domain.Stage]*Consumer{}
	for _, d := range Definitions() {
		res[d.Stage()] = New(d, deps)
	}
	return res
}

func (c *Consumer) Stage() domain.Stage { return c.def.Stage() }

// work is one claimed unit: a run item, or a focus request.
type work struct {
	ticker   string
	focusID  string
	question string
}

type settings struct {
	config.StageSettings
	prompt *promptBuilder
	limit  int
}

// Consume claims up to the batch limit of eligible work for the run and
// processes it sequentially. A stop-requested run yields a halted Result, not
// an error.
func (c *Consumer) Consume(ctx context.Context, caps auth.Capabilities, req Request) (Result, error) {
	s := c.def.Stage()
	started := time.Now()
	defer func() { c.deps.Metrics.ObserveStage(s.String(), time.Since(started)) }()

	if err := caps.RequireSpend(); err != nil {
		return Result{}, err
	}
	run, err := c.resolveRun(ctx, req.RunID)
	if err != nil {
		return Result{}, err
	}
	res := Result{RunID: run.ID, Stage: s.String(), Items: []ItemResult{}}

	if run.StopRequested {
		c.deps.Metrics.StageHalted(s.String())
		res.Halted = true
		res.HaltedReason = run.HaltedReason
		if res.HaltedReason == "" {
			res.HaltedReason = domain.HaltStopRequested
		}
		if res.Metrics, err = c.deps.Repo.StageMetrics(ctx, run.ID, s, c.deps.Now()); err != nil {
			return res, err
		}
		res.Message = fmt.Sprintf("run %s halted (%s)", run.ID, res.HaltedReason)
		return res, nil
	}

	st, err := c.resolveSettings(run, req.Limit)
	if err != nil {
		return Result{}, err
	}

	claimed, err := c.claim(ctx, run.ID, st.limit)
	if err != nil {
		return Result{}, fmt.Errorf("claim %s work: %w", s, err)
	}
	if len(claimed) > 0 && run.Status == domain.RunQueued {
		if _, err := c.deps.Repo.UpdateRunStatus(ctx, nil, run.ID, domain.RunRunning, c.deps.Now(), domain.RunQueued); err != nil {
			return Result{}, err
		}
	}

	for _, w := range claimed {
		item, err := c.process(ctx, run, st, w)
		if err != nil {
			return Result{}, err
		}
		res.Items = append(res.Items, item)
		switch item.Status {
		case domain.ItemOK:
			res.Processed++
		case domain.ItemFailed:
			res.Processed++
			res.Failed++
		}
		c.deps.Metrics.StageItem(s.String(), item.Status)
	}
	c.deps.Cache.Flush()

	if res.Metrics, err = c.deps.Repo.StageMetrics(ctx, run.ID, s, c.deps.Now()); err != nil {
		return res, err
	}
	res.Message = fmt.Sprintf("%s: processed %d, failed %d, %d pending", s.Name(), res.Processed, res.Failed, res.Metrics.Pending)
	return res, nil
}

func (c *Consumer) resolveRun(ctx context.Context, runID string) (domain.Run, error) {
	var (
		run domain.Run
		err error
	)
	if runID != "" {
		run, err = c.deps.Repo.GetRun(ctx, runID)
	} else {
		run, err = c.deps.Repo.LatestActiveRun(ctx)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return run, ErrRunNotFound
	}
	return run, err
}

func (c *Consumer) resolveSettings(run domain.Run, limit int) (settings, error) {
	s := c.def.Stage()
	resolved := c.deps.Config.ResolveStage(s, run.Planner)
	if resolved.Model == "" {
		return settings{}, &ConfigError{Stage: s, Reason: "no model configured"}
	}
	if c.deps.Provider == nil || c.deps.Credential == "" {
		return settings{}, &ConfigError{Stage: s, Reason: "provider credential missing"}
	}
	if !resolved.PriceKnown {
		return settings{}, &ConfigError{Stage: s, Reason: fmt.Sprintf("no price for model %s", resolved.Model)}
	}
	if c.deps.Retry == nil || c.deps.Retry.MaxAttempts < 1 {
		return settings{}, &ConfigError{Stage: s, Reason: retry.ErrInvalidAttempts.Error()}
	}
	prompt, err := compilePrompt(s, resolved.System, resolved.Prompt)
	if err != nil {
		return settings{}, &ConfigError{Stage: s, Reason: err.Error()}
	}
	if limit <= 0 {
		limit = resolved.BatchLimit
	}
	if limit > config.MaxBatchLimit {
		limit = config.MaxBatchLimit
	}
	return settings{StageSettings: resolved, prompt: prompt, limit: limit}, nil
}

func (c *Consumer) claim(ctx context.Context, runID string, limit int) ([]work, error) {
	now := c.deps.Now()
	lease := c.deps.Config.Claims.Lease()
	if c.def.Stage() == domain.StageFocus {
		reqs, err := c.deps.Repo.ClaimFocus(ctx, runID, limit, now, lease)
		if err != nil {
			return nil, err
		}
		out := make([]work, 0, len(reqs))
		for _, f := range reqs {
			out = append(out, work{ticker: f.Ticker, focusID: f.ID, question: f.Question})
		}
		return out, nil
	}
	items, err := c.deps.Repo.ClaimItems(ctx, runID, c.def.Stage(), limit, now, lease)
	if err != nil {
		return nil, err
	}
	out := make([]work, 0, len(items))
	for _, it := range items {
		out = append(out, work{ticker: it.Ticker})
	}
	return out, nil
}

// call is what one provider exchange produced, from cache or not.
type call struct {
	resp     provider.Response
	cacheHit bool
	costUSD  float64
	// entry is the cache row to write once the answer validates; nil on a hit.
	entry *cache.Entry
}

// process runs one claimed unit. Per-item failures are recorded and reported
// in the ItemResult; only store failures are returned as errors.
func (c *Consumer) process(ctx context.Context, run domain.Run, st settings, w work) (ItemResult, error) {
	out := ItemResult{Ticker: w.ticker, FocusID: w.focusID}

	subj, err := c.subject(ctx, run.ID, w)
	if err != nil {
		return out, err
	}
	req, err := st.prompt.build(subj, st.Model, st.MaxTokens, st.Temperature)
	if err != nil {
		return c.fail(ctx, run, w, out, failure{err: fmt.Errorf("render prompt: %w", err)})
	}
	cl, err := c.complete(ctx, st, w, req)
	if err != nil {
		return c.fail(ctx, run, w, out, failure{err: err})
	}
	out.CacheHit = cl.cacheHit

	outcome, err := c.def.Parse(cl.resp.Text)
	if err != nil {
		return c.fail(ctx, run, w, out, failure{err: err, raw: cl.resp.Text, cacheHit: cl.cacheHit})
	}
	if cl.entry != nil {
		if _, err := c.deps.Cache.Store(ctx, *cl.entry, cache.StoreOptions{TTLMinutes: st.TTLMinutes, Context: w.ticker}); err != nil {
			c.log.Warn("cache store failed", logger.String("ticker", w.ticker), logger.Error(err))
		}
	}

	if err := c.persist(ctx, run, st, w, cl, outcome); err != nil {
		if errors.Is(err, repo.ErrClaimLost) {
			return c.claimLost(ctx, run, st, w, cl, out)
		}
		return out, fmt.Errorf("persist %s: %w", w.ticker, err)
	}
	c.deps.Metrics.Spend(c.def.Stage().String(), cl.costUSD)
	out.Status = domain.ItemOK
	out.Summary = outcome.Summary
	out.CostUSD = cl.costUSD
	return out, nil
}

func (c *Consumer) subject(ctx context.Context, runID string, w work) (Subject, error) {
	subj := Subject{Ticker: w.ticker, Question: w.question, Prior: map[string]string{}}
	entry, err := c.deps.Repo.GetUniverse(ctx, w.ticker)
	switch {
	case err == nil:
		subj.Name, subj.Sector, subj.Metadata = entry.Name, entry.Sector, entry.Metadata
	case !errors.Is(err, repo.ErrNotFound):
		return subj, fmt.Errorf("load universe entry: %w", err)
	}
	answers, err := c.deps.Repo.LatestAnswers(ctx, runID, w.ticker)
	if err != nil {
		return subj, fmt.Errorf("load prior answers: %w", err)
	}
	for s, a := range answers {
		subj.Prior[s.String()] = a.AnswerJSON
	}
	if c.deps.Snippets != nil {
		snippets, err := c.deps.Snippets.Snippets(ctx, w.ticker, c.def.Stage())
		if err != nil {
			c.log.Warn("snippet lookup failed", logger.String("ticker", w.ticker), logger.Error(err))
		} else {
			subj.Snippets = snippets
		}
	}
	return subj, nil
}

// complete answers req from the cache when possible, otherwise from the
// provider through the retry executor.
func (c *Consumer) complete(ctx context.Context, st settings, w work, req provider.Request) (call, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return call{}, err
	}
	fp, err := cache.Fingerprint(body)
	if err != nil {
		return call{}, err
	}
	key := cache.Key(c.def.Stage().String(), w.ticker, st.CacheScope, fp)

	row, hit, err := c.deps.Cache.Lookup(ctx, st.Model, key)
	if err != nil {
		c.log.Warn("cache lookup failed", logger.String("ticker", w.ticker), logger.Error(err))
	}
	if hit {
		var resp provider.Response
		if err := json.Unmarshal([]byte(row.ResponseJSON), &resp); err == nil {
			c.deps.Cache.MarkHit(row)
			return call{resp: resp, cacheHit: true}, nil
		}
		c.log.Warn("cached response undecodable", logger.String("cache_id", row.ID))
	}

	ex := *c.deps.Retry
	ex.Retryable = func(err error) bool { return !retry.IsPermanent(err) && provider.Retryable(err) }
	ex.OnRetry = func(attempt int, delay time.Duration, err error) {
		c.deps.Metrics.ProviderRetry(c.def.Stage().String())
		c.log.Debug("retrying provider call",
			logger.String("ticker", w.ticker),
			logger.Int("attempt", attempt),
			logger.Duration("delay", delay),
			logger.Error(err))
	}
	resp, err := retry.Run(ctx, &ex, func(ctx context.Context) (provider.Response, error) {
		return c.deps.Provider.Complete(ctx, req)
	})
	if err != nil {
		c.deps.Metrics.ProviderCall(st.Model, "error", 0, 0)
		return call{}, fmt.Errorf("provider call: %w", err)
	}
	c.deps.Metrics.ProviderCall(st.Model, "ok", resp.Usage.InputTokens, resp.Usage.OutputTokens)

	respJSON, err := json.Marshal(resp)
	if err != nil {
		return call{}, err
	}
	return call{
		resp:    resp,
		costUSD: st.Price.Cost(resp.Usage.InputTokens, resp.Usage.OutputTokens),
		entry: &cache.Entry{
			Model:       st.Model,
			Key:         key,
			Fingerprint: fp,
			Request:     body,
			Response:    respJSON,
			Usage:       resp.Usage,
		},
	}, nil
}

func (c *Consumer) persist(ctx context.Context, run domain.Run, st settings, w work, cl call, o Outcome) error {
	now := c.deps.Now()
	tx, err := c.deps.Repo.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	s := c.def.Stage()
	if s == domain.StageFocus {
		err = c.deps.Repo.AnswerFocusTx(ctx, tx, repo.FocusSuccess{
			ID:         w.focusID,
			AnswerText: o.Text,
			AnswerJSON: o.AnswerJSON,
			CacheHit:   cl.cacheHit,
			TokensIn:   cl.resp.Usage.InputTokens,
			TokensOut:  cl.resp.Usage.OutputTokens,
			CostUSD:    cl.costUSD,
			Now:        now,
		})
	} else {
		err = c.deps.Repo.InsertAnswerTx(ctx, tx, domain.StageAnswer{
			ID:         uuid.NewString(),
			RunID:      run.ID,
			Ticker:     w.ticker,
			Stage:      s,
			Model:      st.Model,
			AnswerJSON: o.AnswerJSON,
			RawText:    cl.resp.Text,
			CacheHit:   cl.cacheHit,
			TokensIn:   cl.resp.Usage.InputTokens,
			TokensOut:  cl.resp.Usage.OutputTokens,
			CostUSD:    cl.costUSD,
			CreatedAt:  now,
		})
		if err == nil {
			err = c.deps.Repo.CompleteItemTx(ctx, tx, repo.ItemSuccess{
				RunID:   run.ID,
				Ticker:  w.ticker,
				Stage:   s,
				Label:   o.Label,
				GoDeep:  o.GoDeep,
				CostUSD: cl.costUSD,
				Now:     now,
			})
		}
	}
	if err != nil {
		return err
	}
	if cl.costUSD > 0 {
		if err := c.deps.Repo.InsertLedgerTx(ctx, tx, c.ledgerEntry(run, st, cl, now)); err != nil {
			return err
		}
	}
	if err := c.deps.Repo.TouchRunTx(ctx, tx, run.ID, now); err != nil {
		return err
	}
	return tx.Commit()
}

func (c *Consumer) ledgerEntry(run domain.Run, st settings, cl call, now time.Time) domain.CostLedgerEntry {
	return domain.CostLedgerEntry{
		ID:        uuid.NewString(),
		RunID:     run.ID,
		Stage:     c.def.Stage(),
		Model:     st.Model,
		TokensIn:  cl.resp.Usage.InputTokens,
		TokensOut: cl.resp.Usage.OutputTokens,
		CostUSD:   cl.costUSD,
		CreatedAt: now,
	}
}

// claimLost settles a unit whose claim was taken over while its provider call
// ran. The answer is dropped but the billed usage still reaches the ledger.
func (c *Consumer) claimLost(ctx context.Context, run domain.Run, st settings, w work, cl call, out ItemResult) (ItemResult, error) {
	s := c.def.Stage()
	c.log.Warn("claim lost before completion", logger.String("run_id", run.ID), logger.String("ticker", w.ticker))
	if cl.costUSD > 0 {
		if err := c.deps.Repo.InsertLedgerTx(ctx, nil, c.ledgerEntry(run, st, cl, c.deps.Now())); err != nil {
			return out, fmt.Errorf("ledger lost claim %s: %w", w.ticker, err)
		}
		c.deps.Metrics.Spend(s.String(), cl.costUSD)
	}
	payload := events.EventPayload{"spend_usd": cl.costUSD, "cache_hit": cl.cacheHit}
	if w.focusID != "" {
		payload["focus_id"] = w.focusID
	}
	c.deps.Events.Record(ctx, events.ItemClaimLost, events.Scope{RunID: run.ID, Stage: s.String(), Ticker: w.ticker}, payload)
	out.Status = ItemSkipped
	out.Summary = "claim lost to another invocation"
	out.CostUSD = cl.costUSD
	return out, nil
}

type failure struct {
	err      error
	raw      string
	cacheHit bool
}

// fail marks the unit failed and journals enough to diagnose it. Journal
// failures are only logged.
func (c *Consumer) fail(ctx context.Context, run domain.Run, w work, out ItemResult, f failure) (ItemResult, error) {
	s := c.def.Stage()
	now := c.deps.Now()
	msg := f.err.Error()

	var err error
	if s == domain.StageFocus {
		err = c.deps.Repo.FailFocus(ctx, nil, w.focusID, msg, now)
	} else {
		err = c.deps.Repo.FailItem(ctx, nil, run.ID, w.ticker, s, msg, now)
	}
	if err != nil && !errors.Is(err, repo.ErrClaimLost) {
		return out, fmt.Errorf("mark %s failed: %w", w.ticker, err)
	}

	payload := events.EventPayload{
		"error":     msg,
		"raw":       f.raw,
		"cache_hit": f.cacheHit,
	}
	var verr *ValidationError
	if errors.As(f.err, &verr) {
		payload["validation_errors"] = verr.Fields
	}
	if w.focusID != "" {
		payload["focus_id"] = w.focusID
	}
	evt := events.ItemFailed
	if s == domain.StageFocus {
		evt = events.FocusFailed
	}
	c.deps.Events.Record(ctx, evt, events.Scope{RunID: run.ID, Stage: s.String(), Ticker: w.ticker}, payload)
	c.log.Warn("item failed",
		logger.String("run_id", run.ID),
		logger.String("ticker", w.ticker),
		logger.Error(f.err))

	out.Status = domain.ItemFailed
	out.Summary = truncate(msg, 200)
	out.CacheHit = f.cacheHit
	return out, nil
}
