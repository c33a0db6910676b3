// Package provider defines the chat-completion contract the stage consumers
// call, plus the Anthropic implementation and a rate-limiting wrapper.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/time/rate"

	"researchline/internal/domain"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the provider-neutral request body. Its JSON form is what the
// completion cache fingerprints.
type Request struct {
	Model       string    `json:"model"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
}

type Response struct {
	Model      string       `json:"model"`
	Text       string       `json:"text"`
	StopReason string       `json:"stop_reason,omitempty"`
	Usage      domain.Usage `json:"usage"`
}

type Provider interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// StatusError is an HTTP-level failure reported by the provider.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider returned %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether err is worth another attempt: rate limits, server
// errors and transport failures are; other client errors are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests ||
			se.StatusCode == http.StatusRequestTimeout ||
			se.StatusCode == 529 ||
			se.StatusCode >= 500
	}
	return true
}

// RateLimited spaces calls to the wrapped provider.
type RateLimited struct {
	next    Provider
	limiter *rate.Limiter
}

// NewRateLimited wraps next with a token bucket. rps <= 0 disables limiting.
func NewRateLimited(next Provider, rps float64, burst int) Provider {
	if rps <= 0 {
		return next
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (r *RateLimited) Complete(ctx context.Context, req Request) (Response, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return Response{}, fmt.Errorf("rate limiter: %w", err)
	}
	return r.next.Complete(ctx, req)
}
