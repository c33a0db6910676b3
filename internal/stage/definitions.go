package stage

import (
	"encoding/json"
	"fmt"

	"researchline/internal/domain"
)

// Outcome is a validated answer reduced to what the pipeline persists.
type Outcome struct {
	// AnswerJSON is the re-encoded typed answer.
	AnswerJSON string
	Summary    string
	// Label is set by triage.
	Label *string
	// GoDeep is set by the medium stage.
	GoDeep *bool
	// Text is the answer body for focus requests.
	Text string
}

// Definition is the stage-specific part of a consumer: how to read the
// provider's answer and what it changes on the item.
type Definition interface {
	Stage() domain.Stage
	Parse(text string) (Outcome, error)
}

// Definitions returns the four built-in stages in priority order.
func Definitions() []Definition {
	return []Definition{Triage{}, Medium{}, Deep{}, Focus{}}
}

// DefinitionFor returns the built-in definition for s.
func DefinitionFor(s domain.Stage) (Definition, error) {
	for _, d := range Definitions() {
		if d.Stage() == s {
			return d, nil
		}
	}
	return nil, fmt.Errorf("no definition for stage %s", s)
}

func encode(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

type Triage struct{}

func (Triage) Stage() domain.Stage { return domain.StageTriage }

func (Triage) Parse(text string) (Outcome, error) {
	var a Stage1Answer
	if err := decodeAnswer(text, &a); err != nil {
		return Outcome{}, err
	}
	data, err := encode(a)
	if err != nil {
		return Outcome{}, err
	}
	label := a.Label
	return Outcome{
		AnswerJSON: data,
		Summary:    fmt.Sprintf("%s (%.2f): %s", a.Label, a.Confidence, a.Reason),
		Label:      &label,
	}, nil
}

type Medium struct{}

func (Medium) Stage() domain.Stage { return domain.StageMedium }

func (Medium) Parse(text string) (Outcome, error) {
	var a Stage2Answer
	if err := decodeAnswer(text, &a); err != nil {
		return Outcome{}, err
	}
	data, err := encode(a)
	if err != nil {
		return Outcome{}, err
	}
	goDeep := *a.GoDeep
	verdict := "skip deep dive"
	if goDeep {
		verdict = "go deep"
	}
	return Outcome{
		AnswerJSON: data,
		Summary:    fmt.Sprintf("%s, score %.0f: %s", verdict, a.Score, a.Thesis),
		GoDeep:     &goDeep,
	}, nil
}

type Deep struct{}

func (Deep) Stage() domain.Stage { return domain.StageDeep }

func (Deep) Parse(text string) (Outcome, error) {
	var a Stage3Answer
	if err := decodeAnswer(text, &a); err != nil {
		return Outcome{}, err
	}
	data, err := encode(a)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{
		AnswerJSON: data,
		Summary:    fmt.Sprintf("conviction %d/5: %s", a.Conviction, a.Summary),
	}, nil
}

type Focus struct{}

func (Focus) Stage() domain.Stage { return domain.StageFocus }

func (Focus) Parse(text string) (Outcome, error) {
	var a FocusAnswer
	if err := decodeAnswer(text, &a); err != nil {
		return Outcome{}, err
	}
	data, err := encode(a)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{
		AnswerJSON: data,
		Summary:    truncate(a.Answer, 120),
		Text:       a.Answer,
	}, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
