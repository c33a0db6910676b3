package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"researchline/internal/domain"
	"researchline/internal/logger"
	"researchline/internal/orchestrator"
	"researchline/internal/planner"
	"researchline/internal/schedule"
	"researchline/internal/stage"
)

func registerRuns(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "create-run",
		Method:      http.MethodPost,
		Path:        "/runs",
		Summary:     "Create a run from tickers or the universe",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body planner.CreateRunInput `json:"body"`
	}) (*output[planner.CreateRunResult], error) {
		caps, err := h.caps(ctx)
		if err != nil {
			return nil, err
		}
		res, err := h.app.Planner.CreateRun(ctx, caps, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List recent runs",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" minimum:"0" maximum:"200"`
	}) (*output[RunList], error) {
		if _, err := h.caps(ctx); err != nil {
			return nil, err
		}
		runs, err := h.app.Repo.ListRuns(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		if runs == nil {
			runs = []domain.Run{}
		}
		return respond(RunList{Runs: runs}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}",
		Summary:     "Run with per-stage metrics and spend",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *runPath) (*output[planner.RunStatus], error) {
		if _, err := h.caps(ctx); err != nil {
			return nil, err
		}
		st, err := h.app.Planner.Status(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(st), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stop-run",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/stop",
		Summary:     "Set or clear the stop flag",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string      `path:"run_id"`
		Body  StopRequest `json:"body"`
	}) (*output[domain.Run], error) {
		caps, err := h.caps(ctx)
		if err != nil {
			return nil, err
		}
		if !bodyHasValue(ctx, "stop_requested") || input.Body.StopRequested == nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "stop_requested is required", nil)
		}
		run, err := h.app.Planner.SetStop(ctx, caps, input.RunID, *input.Body.StopRequested)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(run), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "requeue-run",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/requeue",
		Summary:     "Return failed items of a stage to the queue",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string         `path:"run_id"`
		Body  RequeueRequest `json:"body"`
	}) (*output[RequeueResponse], error) {
		caps, err := h.caps(ctx)
		if err != nil {
			return nil, err
		}
		s, err := domain.ParseStage(input.Body.Stage)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		n, err := h.app.Planner.Requeue(ctx, caps, input.RunID, s)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(RequeueResponse{RunID: input.RunID, Stage: s.String(), Requeued: n}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-run-events",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/events",
		Summary:     "Journal entries of a run",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID  string `path:"run_id"`
		Cursor int64  `query:"cursor" minimum:"0"`
		Limit  int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*output[EventList], error) {
		if _, err := h.caps(ctx); err != nil {
			return nil, err
		}
		if _, err := h.app.Repo.GetRun(ctx, input.RunID); err != nil {
			return nil, handleError(err)
		}
		evts, err := h.app.Events.List(ctx, input.RunID, input.Cursor, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		out := EventList{Events: evts, NextCursor: input.Cursor}
		if out.Events == nil {
			out.Events = []domain.Event{}
		}
		if n := len(evts); n > 0 {
			out.NextCursor = evts[n-1].ID
		}
		return respond(out), nil
	})
}

func registerStages(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "consume-stage",
		Method:      http.MethodPost,
		Path:        "/stages/{stage}/consume",
		Summary:     "Process one batch of a stage",
		Description: "A run with stop_requested answers 409 with code halted; the stage result is in error.details.result.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Stage string        `path:"stage" enum:"triage,medium,deep,focus"`
		Body  stage.Request `json:"body" required:"false"`
	}) (*output[stage.Result], error) {
		caps, err := h.caps(ctx)
		if err != nil {
			return nil, err
		}
		s, err := domain.ParseStage(input.Stage)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		c, ok := h.app.Consumers[s]
		if !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", "no consumer for stage "+input.Stage, nil)
		}
		res, err := c.Consume(ctx, caps, input.Body)
		if err != nil {
			var ce *stage.ConfigError
			if errors.As(err, &ce) {
				h.log.Error("stage misconfigured", logger.String("stage", s.String()), logger.Error(err))
			}
			return nil, handleError(err)
		}
		if res.Halted {
			return nil, newAPIError(http.StatusConflict, "halted", res.Message, map[string]any{"result": res})
		}
		return respond(res), nil
	})
}

func registerOrchestrate(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "orchestrate",
		Method:      http.MethodPost,
		Path:        "/orchestrate",
		Summary:     "Run orchestrator cycles against a run",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		Body orchestrator.Request `json:"body" required:"false"`
	}) (*output[orchestrator.Result], error) {
		caps, err := h.caps(ctx)
		if err != nil {
			return nil, err
		}
		res, err := h.app.Orchestrator.Run(ctx, caps, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(res), nil
	})
}

func registerSchedules(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "put-schedule",
		Method:      http.MethodPut,
		Path:        "/runs/{run_id}/schedule",
		Summary:     "Create or replace the schedule of a run",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string         `path:"run_id"`
		Body  schedule.Input `json:"body"`
	}) (*output[schedule.View], error) {
		caps, err := h.caps(ctx)
		if err != nil {
			return nil, err
		}
		view, err := h.app.Schedules.Put(ctx, caps, input.RunID, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(view), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-schedule",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/schedule",
		Summary:     "Schedule of a run with its next trigger time",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *runPath) (*output[schedule.View], error) {
		if _, err := h.caps(ctx); err != nil {
			return nil, err
		}
		view, err := h.app.Schedules.Get(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(view), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dispatch-schedules",
		Method:      http.MethodPost,
		Path:        "/schedules/dispatch",
		Summary:     "Trigger every due schedule",
		Description: "Requires an automation API key.",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body schedule.DispatchRequest `json:"body" required:"false"`
	}) (*output[schedule.DispatchResult], error) {
		if p, ok := principalFromContext(ctx); !ok || !p.Automation {
			return nil, newAPIError(http.StatusUnauthorized, "automation_key_required", "dispatch requires an automation API key", nil)
		}
		caps, err := h.caps(ctx)
		if err != nil {
			return nil, err
		}
		res, err := h.app.Schedules.Dispatch(ctx, caps, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(res), nil
	})
}

func registerFocus(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "create-focus",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/focus",
		Summary:     "Queue a follow-up question for a ticker of the run",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string             `path:"run_id"`
		Body  planner.FocusInput `json:"body"`
	}) (*output[domain.FocusRequest], error) {
		caps, err := h.caps(ctx)
		if err != nil {
			return nil, err
		}
		f, err := h.app.Planner.CreateFocusRequest(ctx, caps, input.RunID, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(f), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-focus",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/focus",
		Summary:     "Focus requests of a run",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *runPath) (*output[FocusList], error) {
		if _, err := h.caps(ctx); err != nil {
			return nil, err
		}
		if _, err := h.app.Repo.GetRun(ctx, input.RunID); err != nil {
			return nil, handleError(err)
		}
		reqs, err := h.app.Repo.ListFocus(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		if reqs == nil {
			reqs = []domain.FocusRequest{}
		}
		return respond(FocusList{Requests: reqs}), nil
	})
}
