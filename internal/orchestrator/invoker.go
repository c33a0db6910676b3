package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"researchline/internal/auth"
	"researchline/internal/domain"
	"researchline/internal/stage"
	researchlinesdk "researchline/sdk/go"
)

// LocalInvoker calls consumers in-process.
type LocalInvoker struct {
	Consumers map[domain.Stage]*stage.Consumer
}

func (l LocalInvoker) Consume(ctx context.Context, caps auth.Capabilities, s domain.Stage, req stage.Request) (stage.Result, error) {
	c, ok := l.Consumers[s]
	if !ok {
		return stage.Result{}, &stage.ConfigError{Stage: s, Reason: "no consumer registered"}
	}
	return c.Consume(ctx, caps, req)
}

// HTTPInvoker calls the stage consume endpoints of a remote server. The
// client's own credential is used; caps only gate the local caller.
type HTTPInvoker struct {
	Client *researchlinesdk.Client
}

func (h HTTPInvoker) Consume(ctx context.Context, caps auth.Capabilities, s domain.Stage, req stage.Request) (stage.Result, error) {
	if err := caps.RequireSpend(); err != nil {
		return stage.Result{}, err
	}
	out, err := h.Client.ConsumeStage(ctx, s.Name(), researchlinesdk.StageRequest{RunID: req.RunID, Limit: req.Limit})
	if err != nil {
		var apiErr *researchlinesdk.APIError
		if errors.As(err, &apiErr) {
			switch {
			case apiErr.StatusCode == http.StatusNotFound:
				return stage.Result{}, fmt.Errorf("%w: %s", stage.ErrRunNotFound, apiErr.Message)
			case apiErr.StatusCode == http.StatusForbidden:
				return stage.Result{}, auth.ForbiddenError{Capability: "spend"}
			case apiErr.Code == "stage_misconfigured":
				return stage.Result{}, &stage.ConfigError{Stage: s, Reason: apiErr.Message}
			}
		}
		return stage.Result{}, &TransportError{Stage: s, Err: err}
	}
	return fromSDK(out), nil
}

func fromSDK(in researchlinesdk.StageResult) stage.Result {
	res := stage.Result{
		RunID:        in.RunID,
		Stage:        in.Stage,
		Halted:       in.Halted,
		HaltedReason: in.HaltedReason,
		Processed:    in.Processed,
		Failed:       in.Failed,
		Items:        make([]stage.ItemResult, 0, len(in.Items)),
		Metrics: domain.StageMetrics{
			Stage:      in.Metrics.Stage,
			Total:      in.Metrics.Total,
			Pending:    in.Metrics.Pending,
			InProgress: in.Metrics.InProgress,
			Completed:  in.Metrics.Completed,
			Failed:     in.Metrics.Failed,
			Derived:    in.Metrics.Derived,
		},
		Message: in.Message,
	}
	for _, it := range in.Items {
		res.Items = append(res.Items, stage.ItemResult{
			Ticker:   it.Ticker,
			FocusID:  it.FocusID,
			Status:   it.Status,
			Summary:  it.Summary,
			CacheHit: it.CacheHit,
			CostUSD:  it.CostUSD,
		})
	}
	return res
}
