// Package providertest supplies a scripted provider for tests.
package providertest

import (
	"context"
	"regexp"
	"sync"

	"researchline/internal/domain"
	"researchline/internal/provider"
)

// Provider answers every call with Handler and records the requests.
type Provider struct {
	Handler func(req provider.Request) (provider.Response, error)

	mu    sync.Mutex
	calls []provider.Request
}

func (p *Provider) Complete(ctx context.Context, req provider.Request) (provider.Response, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return provider.Response{}, err
	}
	if p.Handler == nil {
		return Reply("{}", 1, 1), nil
	}
	return p.Handler(req)
}

func (p *Provider) Calls() []provider.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]provider.Request(nil), p.calls...)
}

func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// Reply builds a response with the given text and usage.
func Reply(text string, in, out int64) provider.Response {
	return provider.Response{Text: text, Usage: domain.Usage{InputTokens: in, OutputTokens: out}}
}

var tickerLine = regexp.MustCompile(`(?m)^Ticker: ([A-Z0-9.\-]+)`)

// Ticker extracts the subject from a prompt built by the stage templates.
func Ticker(req provider.Request) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if m := tickerLine.FindStringSubmatch(req.Messages[i].Content); m != nil {
			return m[1]
		}
	}
	return ""
}

// ByTicker replies with answers[ticker], or fallback when the ticker is absent.
func ByTicker(answers map[string]string, fallback string) func(provider.Request) (provider.Response, error) {
	return func(req provider.Request) (provider.Response, error) {
		if text, ok := answers[Ticker(req)]; ok {
			return Reply(text, 100, 20), nil
		}
		return Reply(fallback, 100, 20), nil
	}
}
