package stage

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Stage1Answer is the triage verdict.
type Stage1Answer struct {
	Label      string  `json:"label" validate:"required,oneof=consider borderline uninvestible"`
	Confidence float64 `json:"confidence" validate:"gte=0,lte=1"`
	Reason     string  `json:"reason" validate:"required"`
}

// Stage2Answer decides whether an item gets a deep dive.
type Stage2Answer struct {
	GoDeep *bool    `json:"go_deep" validate:"required"`
	Score  float64  `json:"score" validate:"gte=0,lte=100"`
	Thesis string   `json:"thesis" validate:"required"`
	Risks  []string `json:"risks,omitempty" validate:"omitempty,dive,required"`
}

// Stage3Answer is the deep-dive report.
type Stage3Answer struct {
	Conviction    int      `json:"conviction" validate:"required,gte=1,lte=5"`
	Summary       string   `json:"summary" validate:"required"`
	Catalysts     []string `json:"catalysts,omitempty" validate:"omitempty,dive,required"`
	Risks         []string `json:"risks,omitempty" validate:"omitempty,dive,required"`
	ValuationNote string   `json:"valuation_note,omitempty"`
}

// FocusAnswer answers one follow-up question.
type FocusAnswer struct {
	Answer     string   `json:"answer" validate:"required"`
	Confidence float64  `json:"confidence" validate:"gte=0,lte=1"`
	Citations  []string `json:"citations,omitempty"`
}

// ParseError means the provider text did not contain a decodable answer.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return "malformed answer: " + e.Err.Error() }
func (e *ParseError) Unwrap() error { return e.Err }

// ValidationError lists the fields that failed the answer schema.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "answer failed validation: " + strings.Join(e.Fields, "; ")
}

// decodeAnswer extracts the JSON object in text into v and validates it.
func decodeAnswer(text string, v any) error {
	obj, err := extractObject(text)
	if err != nil {
		return &ParseError{Err: err}
	}
	if err := json.Unmarshal([]byte(obj), v); err != nil {
		return &ParseError{Err: err}
	}
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
			}
			return &ValidationError{Fields: fields}
		}
		return err
	}
	return nil
}

// extractObject returns the outermost {...} in text, tolerating code fences
// and prose around it.
func extractObject(text string) (string, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return "", errors.New("no json object in response")
	}
	return text[start : end+1], nil
}
