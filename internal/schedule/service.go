package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"researchline/internal/auth"
	"researchline/internal/config"
	"researchline/internal/domain"
	"researchline/internal/events"
	"researchline/internal/logger"
	"researchline/internal/metrics"
	"researchline/internal/orchestrator"
	"researchline/internal/repo"
	researchlinesdk "researchline/sdk/go"
)

const defaultDispatchLimit = 5

// Runner starts one orchestrator invocation. orchestrator.Orchestrator
// satisfies it, as does RemoteRunner.
type Runner interface {
	Run(ctx context.Context, caps auth.Capabilities, req orchestrator.Request) (orchestrator.Result, error)
}

// RemoteRunner calls the orchestrate endpoint of another server.
type RemoteRunner struct {
	Client *researchlinesdk.Client
}

func (r RemoteRunner) Run(ctx context.Context, _ auth.Capabilities, req orchestrator.Request) (orchestrator.Result, error) {
	out, err := r.Client.Orchestrate(ctx, researchlinesdk.OrchestrateRequest{
		RunID: req.RunID,
		Limits: researchlinesdk.StageLimits{
			Stage1: req.Limits.Stage1,
			Stage2: req.Limits.Stage2,
			Stage3: req.Limits.Stage3,
			Focus:  req.Limits.Focus,
		},
		Cycles: req.Cycles,
	})
	if err != nil {
		return orchestrator.Result{}, &orchestrator.TransportError{Err: err}
	}
	return orchestrator.Result{
		RunID:         out.RunID,
		Status:        out.Status,
		TotalSpendUSD: out.TotalSpendUSD,
		BudgetUSD:     out.BudgetUSD,
		HaltedReason:  out.HaltedReason,
		Message:       out.Message,
	}, nil
}

type Service struct {
	Repo    repo.Repo
	Runner  Runner
	Events  events.Writer
	Config  *config.Config
	Log     logger.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

func (s Service) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now()
}

// Input is the operator-editable part of a schedule.
type Input struct {
	CadenceSeconds int                `json:"cadence_seconds" minimum:"0"`
	Limits         domain.StageLimits `json:"limits,omitempty"`
	MaxCycles      int                `json:"max_cycles,omitempty" minimum:"0" maximum:"10"`
	Active         bool               `json:"active"`
}

func (in Input) validate() error {
	if in.CadenceSeconds < 0 {
		return fmt.Errorf("%w: cadence_seconds must be >= 0", domain.ErrInvalidInput)
	}
	if in.MaxCycles < 0 || in.MaxCycles > config.MaxCycles {
		return fmt.Errorf("%w: max_cycles must be between 0 and %d", domain.ErrInvalidInput, config.MaxCycles)
	}
	for _, st := range domain.Stages {
		if l := in.Limits.For(st); l < 0 || l > config.MaxBatchLimit {
			return fmt.Errorf("%w: %s limit must be between 0 and %d", domain.ErrInvalidInput, st, config.MaxBatchLimit)
		}
	}
	return nil
}

// View is a stored schedule plus when it will next fire.
type View struct {
	domain.RunSchedule
	NextTriggerAt *time.Time `json:"next_trigger_at,omitempty"`
}

// Put creates or replaces the schedule of a run. last_triggered_at survives.
func (s Service) Put(ctx context.Context, caps auth.Capabilities, runID string, in Input) (View, error) {
	if err := caps.RequireSpend(); err != nil {
		return View{}, err
	}
	if err := in.validate(); err != nil {
		return View{}, err
	}
	if _, err := s.Repo.GetRun(ctx, runID); err != nil {
		return View{}, err
	}
	now := s.now()
	err := s.Repo.UpsertSchedule(ctx, domain.RunSchedule{
		RunID:          runID,
		CadenceSeconds: in.CadenceSeconds,
		Limits:         in.Limits,
		MaxCycles:      in.MaxCycles,
		Active:         in.Active,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		return View{}, err
	}
	s.Events.Record(ctx, events.ScheduleUpdated, events.Scope{RunID: runID}, events.EventPayload{
		"cadence_seconds": in.CadenceSeconds,
		"max_cycles":      in.MaxCycles,
		"active":          in.Active,
		"actor_id":        caps.ActorID,
	})
	return s.Get(ctx, runID)
}

func (s Service) Get(ctx context.Context, runID string) (View, error) {
	sched, err := s.Repo.GetSchedule(ctx, runID)
	if err != nil {
		return View{}, err
	}
	return View{RunSchedule: sched, NextTriggerAt: NextTriggerAt(sched, s.now())}, nil
}

type DispatchRequest struct {
	Limit  int      `json:"limit,omitempty" minimum:"0" maximum:"50"`
	RunIDs []string `json:"run_ids,omitempty"`
	DryRun bool     `json:"dry_run,omitempty"`
}

type Trigger struct {
	RunID        string `json:"run_id"`
	OK           bool   `json:"ok"`
	HaltedReason string `json:"halted_reason,omitempty"`
	Message      string `json:"message,omitempty"`
	Error        string `json:"error,omitempty"`
}

type Skip struct {
	RunID  string `json:"run_id"`
	Reason string `json:"reason"`
}

type DispatchResult struct {
	DryRun       bool      `json:"dry_run"`
	Triggered    []Trigger `json:"triggered"`
	Skipped      []Skip    `json:"skipped"`
	RemainingDue int       `json:"remaining_due"`
}

func (s Service) limit(requested int) int {
	n := requested
	if n <= 0 && s.Config != nil {
		n = s.Config.Dispatch.Limit
	}
	if n <= 0 {
		n = defaultDispatchLimit
	}
	if n > config.MaxDispatchLimit {
		n = config.MaxDispatchLimit
	}
	return n
}

// Dispatch triggers one orchestrator invocation per due schedule, up to the
// limit. last_triggered_at is written only after the invocation returns, so a
// crash in between re-triggers rather than skips. It records the time the
// schedule was found due, not when the invocation finished. A dry run changes
// nothing.
func (s Service) Dispatch(ctx context.Context, caps auth.Capabilities, req DispatchRequest) (DispatchResult, error) {
	if err := caps.RequireSpend(); err != nil {
		return DispatchResult{}, err
	}
	log := logger.OrNop(s.Log)
	rows, err := s.Repo.ListSchedulesWithRuns(ctx, req.RunIDs)
	if err != nil {
		return DispatchResult{}, fmt.Errorf("list schedules: %w", err)
	}
	now := s.now()
	res := DispatchResult{DryRun: req.DryRun, Triggered: []Trigger{}, Skipped: []Skip{}}

	var due []Candidate
	for _, c := range fromRepo(rows) {
		if ok, reason := Evaluate(now, c); !ok {
			res.Skipped = append(res.Skipped, Skip{RunID: c.Schedule.RunID, Reason: reason})
			continue
		}
		due = append(due, c)
	}
	sortByEligibility(due)

	limit := s.limit(req.Limit)
	if len(due) > limit {
		res.RemainingDue = len(due) - limit
		due = due[:limit]
	}

	for _, c := range due {
		runID := c.Schedule.RunID
		if req.DryRun {
			res.Triggered = append(res.Triggered, Trigger{RunID: runID, OK: true, Message: "would trigger"})
			continue
		}
		out, err := s.Runner.Run(ctx, caps, orchestrator.Request{
			RunID:  runID,
			Limits: c.Schedule.Limits,
			Cycles: c.Schedule.MaxCycles,
		})
		if markErr := s.Repo.MarkTriggered(ctx, runID, now); markErr != nil {
			log.Error("record schedule trigger", logger.String("run_id", runID), logger.Error(markErr))
		}
		t := Trigger{RunID: runID, OK: err == nil, HaltedReason: out.HaltedReason, Message: out.Message}
		if err != nil {
			t.Error = err.Error()
			s.Metrics.Dispatch("failed")
			s.Events.Record(ctx, events.ScheduleTriggerErr, events.Scope{RunID: runID}, events.EventPayload{
				"error":     err.Error(),
				"transport": isTransport(err),
			})
			log.Warn("scheduled orchestration failed", logger.String("run_id", runID), logger.Error(err))
		} else {
			s.Metrics.Dispatch("triggered")
			s.Events.Record(ctx, events.ScheduleTriggered, events.Scope{RunID: runID}, events.EventPayload{
				"status":        out.Status,
				"halted_reason": out.HaltedReason,
			})
		}
		res.Triggered = append(res.Triggered, t)
	}
	for range res.Skipped {
		s.Metrics.Dispatch("skipped")
	}
	return res, nil
}

func isTransport(err error) bool {
	var te *orchestrator.TransportError
	return errors.As(err, &te) || errors.Is(err, context.DeadlineExceeded)
}
