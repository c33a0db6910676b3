package stage

import (
	"context"
	"fmt"
	"strings"
	"text/template"

	"researchline/internal/domain"
	"researchline/internal/provider"
)

// SnippetSource supplies reference passages for a subject. It is optional.
type SnippetSource interface {
	Snippets(ctx context.Context, ticker string, s domain.Stage) ([]string, error)
}

// Subject is everything a prompt may refer to.
type Subject struct {
	Ticker   string
	Name     string
	Sector   string
	Metadata map[string]any
	// Prior maps stage ids (stage1, stage2, ...) to their answer JSON.
	Prior    map[string]string
	Snippets []string
	Question string
}

type promptBuilder struct {
	system *template.Template
	prompt *template.Template
}

func compilePrompt(s domain.Stage, system, prompt string) (*promptBuilder, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("stage %s has no prompt template", s)
	}
	p, err := template.New(s.String()).Option("missingkey=zero").Parse(prompt)
	if err != nil {
		return nil, fmt.Errorf("stage %s prompt: %w", s, err)
	}
	sys, err := template.New(s.String() + ".system").Option("missingkey=zero").Parse(system)
	if err != nil {
		return nil, fmt.Errorf("stage %s system prompt: %w", s, err)
	}
	return &promptBuilder{system: sys, prompt: p}, nil
}

func (b *promptBuilder) build(subj Subject, model string, maxTokens int, temperature float64) (provider.Request, error) {
	if subj.Prior == nil {
		subj.Prior = map[string]string{}
	}
	var sys, user strings.Builder
	if err := b.system.Execute(&sys, subj); err != nil {
		return provider.Request{}, err
	}
	if err := b.prompt.Execute(&user, subj); err != nil {
		return provider.Request{}, err
	}
	return provider.Request{
		Model:       model,
		System:      strings.TrimSpace(sys.String()),
		Messages:    []provider.Message{{Role: "user", Content: strings.TrimSpace(user.String())}},
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}, nil
}
