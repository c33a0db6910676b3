package server

import (
	"researchline/internal/domain"
)

// output wraps a response body for huma.
type output[T any] struct {
	Body T `json:"body"`
}

func respond[T any](v T) *output[T] {
	return &output[T]{Body: v}
}

type runPath struct {
	RunID string `path:"run_id" doc:"Run identifier"`
}

type StopRequest struct {
	StopRequested *bool `json:"stop_requested"`
}

type RequeueRequest struct {
	Stage string `json:"stage" enum:"triage,medium,deep"`
}

type RequeueResponse struct {
	RunID    string `json:"run_id"`
	Stage    string `json:"stage"`
	Requeued int    `json:"requeued"`
}

type RunList struct {
	Runs []domain.Run `json:"runs"`
}

type EventList struct {
	Events     []domain.Event `json:"events"`
	NextCursor int64          `json:"next_cursor"`
}

type FocusList struct {
	Requests []domain.FocusRequest `json:"requests"`
}
