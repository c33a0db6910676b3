// Package orchestrator advances a run by invoking stage consumers in priority
// order for a bounded number of cycles, halting on stop requests and budget
// exhaustion.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"researchline/internal/auth"
	"researchline/internal/config"
	"researchline/internal/domain"
	"researchline/internal/events"
	"researchline/internal/logger"
	"researchline/internal/metrics"
	"researchline/internal/repo"
	"researchline/internal/stage"
)

// budgetEpsilon absorbs float drift when comparing spend to budget.
const budgetEpsilon = 1e-6

// Invoker runs one stage consumer, in-process or over HTTP.
type Invoker interface {
	Consume(ctx context.Context, caps auth.Capabilities, s domain.Stage, req stage.Request) (stage.Result, error)
}

// TransportError is a failure to reach a stage consumer, as opposed to a
// failure the consumer reported.
type TransportError struct {
	Stage domain.Stage
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("invoke %s: %v", e.Stage, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

type Request struct {
	RunID  string             `json:"run_id,omitempty"`
	Limits domain.StageLimits `json:"limits,omitempty"`
	Cycles int                `json:"cycles,omitempty" minimum:"0" maximum:"10"`
}

// Operation is one stage invocation inside a cycle.
type Operation struct {
	Stage     string              `json:"stage"`
	Processed int                 `json:"processed"`
	Failed    int                 `json:"failed"`
	Halted    bool                `json:"halted,omitempty"`
	Metrics   domain.StageMetrics `json:"metrics"`
}

type Cycle struct {
	Index      int         `json:"index"`
	Operations []Operation `json:"operations"`
}

func (c Cycle) worked() bool {
	for _, op := range c.Operations {
		if op.Processed > 0 {
			return true
		}
	}
	return false
}

type Result struct {
	RunID         string                `json:"run_id"`
	Status        string                `json:"status"`
	Cycles        []Cycle               `json:"cycles"`
	Metrics       []domain.StageMetrics `json:"metrics"`
	TotalSpendUSD float64               `json:"total_spend_usd"`
	BudgetUSD     float64               `json:"budget_usd"`
	HaltedReason  string                `json:"halted_reason,omitempty"`
	Message       string                `json:"message"`
}

type Orchestrator struct {
	Repo    repo.Repo
	Invoker Invoker
	Events  events.Writer
	Config  *config.Config
	Log     logger.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

func (o Orchestrator) now() time.Time {
	if o.Now == nil {
		return time.Now().UTC()
	}
	return o.Now()
}

func (o Orchestrator) cycles(requested int) int {
	n := requested
	if n <= 0 && o.Config != nil {
		n = o.Config.Orchestrator.DefaultCycles
	}
	if n <= 0 {
		n = 1
	}
	if n > config.MaxCycles {
		n = config.MaxCycles
	}
	return n
}

// Run executes up to req.Cycles cycles against the run. A cycle that does no
// work ends the invocation early. Halts are reported in the Result, not as
// errors.
func (o Orchestrator) Run(ctx context.Context, caps auth.Capabilities, req Request) (Result, error) {
	if err := caps.RequireSpend(); err != nil {
		return Result{}, err
	}
	log := logger.OrNop(o.Log)
	run, err := o.resolveRun(ctx, req.RunID)
	if err != nil {
		return Result{}, err
	}
	res := Result{RunID: run.ID, BudgetUSD: run.BudgetUSD, Cycles: []Cycle{}}
	log = log.With(logger.String("run_id", run.ID))

	maxCycles := o.cycles(req.Cycles)
	for i := 1; i <= maxCycles && res.HaltedReason == ""; i++ {
		if run, err = o.Repo.GetRun(ctx, run.ID); err != nil {
			return res, err
		}
		if run.StopRequested {
			res.HaltedReason = haltReason(run.HaltedReason)
			break
		}
		if halted, err := o.checkBudget(ctx, run); err != nil {
			return res, err
		} else if halted {
			res.HaltedReason = domain.HaltBudgetExhausted
			break
		}

		cycle, err := o.cycle(ctx, caps, run, req.Limits, i, &res)
		if err != nil {
			return res, err
		}
		if len(cycle.Operations) > 0 {
			res.Cycles = append(res.Cycles, cycle)
		}
		if res.HaltedReason != "" {
			o.Metrics.Cycle("halted")
			break
		}
		if !cycle.worked() {
			o.Metrics.Cycle("idle")
			log.Debug("cycle found no work", logger.Int("cycle", i))
			break
		}
		o.Metrics.Cycle("worked")
		if err := o.completeIfDrained(ctx, run.ID); err != nil {
			return res, err
		}
	}
	if res.HaltedReason != "" {
		o.Metrics.Halt(res.HaltedReason)
		log.Info("run halted", logger.String("reason", res.HaltedReason))
	}
	return o.summarize(ctx, run.ID, res)
}

// cycle runs each stage with eligible work once, in priority order.
func (o Orchestrator) cycle(ctx context.Context, caps auth.Capabilities, run domain.Run, limits domain.StageLimits, index int, res *Result) (Cycle, error) {
	cycle := Cycle{Index: index, Operations: []Operation{}}
	pending := map[domain.Stage]int{}
	all, err := o.Repo.AllStageMetrics(ctx, run.ID, o.now())
	if err != nil {
		return cycle, err
	}
	for i, s := range domain.Stages {
		pending[s] = all[i].Pending
	}

	for _, s := range domain.Stages {
		if pending[s] == 0 {
			continue
		}
		sr, err := o.Invoker.Consume(ctx, caps, s, stage.Request{RunID: run.ID, Limit: limits.For(s)})
		if err != nil {
			var cfgErr *stage.ConfigError
			if errors.As(err, &cfgErr) {
				o.failRun(ctx, run.ID, err)
			}
			return cycle, err
		}
		cycle.Operations = append(cycle.Operations, Operation{
			Stage:     s.String(),
			Processed: sr.Processed,
			Failed:    sr.Failed,
			Halted:    sr.Halted,
			Metrics:   sr.Metrics,
		})
		if sr.Halted {
			res.HaltedReason = haltReason(sr.HaltedReason)
			return cycle, nil
		}
		if next, ok := s.Next(); ok {
			m, err := o.Repo.StageMetrics(ctx, run.ID, next, o.now())
			if err != nil {
				return cycle, err
			}
			pending[next] = m.Pending
		}
		halted, err := o.checkBudget(ctx, run)
		if err != nil {
			return cycle, err
		}
		if halted {
			res.HaltedReason = domain.HaltBudgetExhausted
			return cycle, nil
		}
	}
	return cycle, nil
}

// checkBudget halts the run when its ledger has reached the budget.
func (o Orchestrator) checkBudget(ctx context.Context, run domain.Run) (bool, error) {
	if run.BudgetUSD <= 0 {
		return false, nil
	}
	spent, err := o.Repo.TotalSpend(ctx, run.ID)
	if err != nil {
		return false, err
	}
	if spent < run.BudgetUSD-budgetEpsilon {
		return false, nil
	}
	if err := o.Repo.Halt(ctx, nil, run.ID, domain.HaltBudgetExhausted, o.now()); err != nil {
		return false, fmt.Errorf("halt run: %w", err)
	}
	o.Events.Record(ctx, events.RunHalted, events.Scope{RunID: run.ID}, events.EventPayload{
		"reason":    domain.HaltBudgetExhausted,
		"spent_usd": spent,
		"budget":    run.BudgetUSD,
	})
	return true, nil
}

// completeIfDrained marks the run completed once no stage has outstanding work.
func (o Orchestrator) completeIfDrained(ctx context.Context, runID string) error {
	all, err := o.Repo.AllStageMetrics(ctx, runID, o.now())
	if err != nil {
		return err
	}
	for _, m := range all {
		if m.Outstanding() > 0 {
			return nil
		}
	}
	ok, err := o.Repo.UpdateRunStatus(ctx, nil, runID, domain.RunCompleted, o.now(), domain.RunQueued, domain.RunRunning)
	if err != nil {
		return err
	}
	if ok {
		o.Events.Record(ctx, events.RunStatusChanged, events.Scope{RunID: runID}, events.EventPayload{"status": domain.RunCompleted})
	}
	return nil
}

func (o Orchestrator) failRun(ctx context.Context, runID string, cause error) {
	ok, err := o.Repo.UpdateRunStatus(ctx, nil, runID, domain.RunFailed, o.now(), domain.RunQueued, domain.RunRunning)
	if err != nil {
		logger.OrNop(o.Log).Error("mark run failed", logger.String("run_id", runID), logger.Error(err))
		return
	}
	if ok {
		o.Events.Record(ctx, events.RunStatusChanged, events.Scope{RunID: runID}, events.EventPayload{
			"status": domain.RunFailed,
			"error":  cause.Error(),
		})
	}
}

func (o Orchestrator) resolveRun(ctx context.Context, runID string) (domain.Run, error) {
	var (
		run domain.Run
		err error
	)
	if runID != "" {
		run, err = o.Repo.GetRun(ctx, runID)
	} else {
		run, err = o.Repo.LatestActiveRun(ctx)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return run, stage.ErrRunNotFound
	}
	return run, err
}

func (o Orchestrator) summarize(ctx context.Context, runID string, res Result) (Result, error) {
	run, err := o.Repo.GetRun(ctx, runID)
	if err != nil {
		return res, err
	}
	res.Status = run.Status
	if res.Metrics, err = o.Repo.AllStageMetrics(ctx, runID, o.now()); err != nil {
		return res, err
	}
	if res.TotalSpendUSD, err = o.Repo.TotalSpend(ctx, runID); err != nil {
		return res, err
	}
	res.Message = progressMessage(res)
	return res, nil
}

func progressMessage(res Result) string {
	var b strings.Builder
	processed := 0
	for _, c := range res.Cycles {
		for _, op := range c.Operations {
			processed += op.Processed
		}
	}
	fmt.Fprintf(&b, "%d cycle(s), %d item(s) processed", len(res.Cycles), processed)
	for _, m := range res.Metrics {
		fmt.Fprintf(&b, "; %s %d/%d done", m.Stage, m.Completed, m.Total)
	}
	fmt.Fprintf(&b, "; spend $%.4f", res.TotalSpendUSD)
	if res.BudgetUSD > 0 {
		fmt.Fprintf(&b, " of $%.2f", res.BudgetUSD)
	}
	if res.HaltedReason != "" {
		fmt.Fprintf(&b, "; halted: %s", res.HaltedReason)
	}
	return b.String()
}

func haltReason(r string) string {
	if r == "" {
		return domain.HaltStopRequested
	}
	return r
}
