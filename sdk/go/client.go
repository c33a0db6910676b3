package researchlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Researchline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base
// path, e.g. http://localhost:8080/v0.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 5 * time.Minute,
	}
}

type StageMetrics struct {
	Stage      string         `json:"stage"`
	Total      int            `json:"total"`
	Pending    int            `json:"pending"`
	InProgress int            `json:"in_progress"`
	Completed  int            `json:"completed"`
	Failed     int            `json:"failed"`
	Derived    map[string]int `json:"derived,omitempty"`
}

type StageLimits struct {
	Stage1 int `json:"stage1,omitempty"`
	Stage2 int `json:"stage2,omitempty"`
	Stage3 int `json:"stage3,omitempty"`
	Focus  int `json:"focus,omitempty"`
}

type StagePlan struct {
	Model        string   `json:"model,omitempty"`
	InputTokens  int      `json:"input_tokens,omitempty"`
	OutputTokens int      `json:"output_tokens,omitempty"`
	SurvivalRate *float64 `json:"survival_rate,omitempty"`
	TTLMinutes   *int     `json:"ttl_minutes,omitempty"`
}

type PlannerConfig struct {
	Stages map[string]StagePlan `json:"stages,omitempty"`
}

type Run struct {
	ID               string        `json:"id"`
	Status           string        `json:"status"`
	StopRequested    bool          `json:"stop_requested"`
	HaltedReason     string        `json:"halted_reason,omitempty"`
	BudgetUSD        float64       `json:"budget_usd"`
	Planner          PlannerConfig `json:"planner"`
	EstimatedCostUSD float64       `json:"estimated_cost_usd"`
	CreatedBy        string        `json:"created_by"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// RunStatus is a run with its per-stage progress and spend.
type RunStatus struct {
	Run           Run                `json:"run"`
	Metrics       []StageMetrics     `json:"metrics"`
	TotalSpendUSD float64            `json:"total_spend_usd"`
	SpendByStage  map[string]float64 `json:"spend_by_stage"`
}

type CreateRunRequest struct {
	Tickers      []string      `json:"tickers,omitempty"`
	UniverseSize int           `json:"universe_size,omitempty"`
	Planner      PlannerConfig `json:"planner,omitempty"`
	BudgetUSD    float64       `json:"budget_usd,omitempty"`
}

type CreateRunResult struct {
	RunID            string            `json:"run_id"`
	TotalItems       int               `json:"total_items"`
	Models           map[string]string `json:"models"`
	EstimatedCostUSD float64           `json:"estimated_cost_usd"`
}

type StageRequest struct {
	RunID string `json:"run_id,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

type ItemResult struct {
	Ticker   string  `json:"ticker"`
	FocusID  string  `json:"focus_id,omitempty"`
	Status   string  `json:"status"`
	Summary  string  `json:"summary"`
	CacheHit bool    `json:"cache_hit"`
	CostUSD  float64 `json:"cost_usd"`
}

type StageResult struct {
	RunID        string       `json:"run_id"`
	Stage        string       `json:"stage"`
	Halted       bool         `json:"halted"`
	HaltedReason string       `json:"halted_reason,omitempty"`
	Processed    int          `json:"processed"`
	Failed       int          `json:"failed"`
	Items        []ItemResult `json:"items"`
	Metrics      StageMetrics `json:"metrics"`
	Message      string       `json:"message"`
}

type OrchestrateRequest struct {
	RunID  string      `json:"run_id,omitempty"`
	Limits StageLimits `json:"limits,omitempty"`
	Cycles int         `json:"cycles,omitempty"`
}

type Operation struct {
	Stage     string       `json:"stage"`
	Processed int          `json:"processed"`
	Failed    int          `json:"failed"`
	Halted    bool         `json:"halted,omitempty"`
	Metrics   StageMetrics `json:"metrics"`
}

type Cycle struct {
	Index      int         `json:"index"`
	Operations []Operation `json:"operations"`
}

type OrchestrateResult struct {
	RunID         string         `json:"run_id"`
	Status        string         `json:"status"`
	Cycles        []Cycle        `json:"cycles"`
	Metrics       []StageMetrics `json:"metrics"`
	TotalSpendUSD float64        `json:"total_spend_usd"`
	BudgetUSD     float64        `json:"budget_usd"`
	HaltedReason  string         `json:"halted_reason,omitempty"`
	Message       string         `json:"message"`
}

type ScheduleRequest struct {
	CadenceSeconds int         `json:"cadence_seconds"`
	Limits         StageLimits `json:"limits,omitempty"`
	MaxCycles      int         `json:"max_cycles,omitempty"`
	Active         bool        `json:"active"`
}

type Schedule struct {
	RunID           string      `json:"run_id"`
	CadenceSeconds  int         `json:"cadence_seconds"`
	Limits          StageLimits `json:"limits"`
	MaxCycles       int         `json:"max_cycles"`
	Active          bool        `json:"active"`
	LastTriggeredAt *time.Time  `json:"last_triggered_at,omitempty"`
	NextTriggerAt   *time.Time  `json:"next_trigger_at,omitempty"`
}

type DispatchRequest struct {
	Limit  int      `json:"limit,omitempty"`
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

type FocusRequest struct {
	Ticker     string `json:"ticker"`
	Question   string `json:"question,omitempty"`
	TemplateID string `json:"template_id,omitempty"`
}

type Focus struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	Ticker     string    `json:"ticker"`
	Question   string    `json:"question"`
	TemplateID string    `json:"template_id,omitempty"`
	Status     string    `json:"status"`
	AnswerText string    `json:"answer_text,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "health", nil, nil)
}

// CreateRun creates a run.
func (c *Client) CreateRun(ctx context.Context, in CreateRunRequest) (CreateRunResult, error) {
	var resp CreateRunResult
	err := c.do(ctx, http.MethodPost, "runs", in, &resp)
	return resp, err
}

// GetRun returns a run with its stage metrics.
func (c *Client) GetRun(ctx context.Context, runID string) (RunStatus, error) {
	var resp RunStatus
	err := c.do(ctx, http.MethodGet, "runs/"+url.PathEscape(runID), nil, &resp)
	return resp, err
}

// SetStop sets or clears the run's stop flag.
func (c *Client) SetStop(ctx context.Context, runID string, stop bool) (Run, error) {
	var resp Run
	body := map[string]any{"stop_requested": stop}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("runs/%s/stop", url.PathEscape(runID)), body, &resp)
	return resp, err
}

// ConsumeStage runs one stage batch. A halted run is reported through
// StageResult.Halted rather than as an error.
func (c *Client) ConsumeStage(ctx context.Context, stage string, in StageRequest) (StageResult, error) {
	var resp StageResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("stages/%s/consume", url.PathEscape(stage)), in, &resp)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict && apiErr.Code == "halted" {
		var envelope struct {
			Error struct {
				Details struct {
					Result StageResult `json:"result"`
				} `json:"details"`
			} `json:"error"`
		}
		if jsonErr := json.Unmarshal([]byte(apiErr.Body), &envelope); jsonErr != nil {
			return resp, err
		}
		return envelope.Error.Details.Result, nil
	}
	return resp, err
}

// Orchestrate runs orchestrator cycles against a run.
func (c *Client) Orchestrate(ctx context.Context, in OrchestrateRequest) (OrchestrateResult, error) {
	var resp OrchestrateResult
	err := c.do(ctx, http.MethodPost, "orchestrate", in, &resp)
	return resp, err
}

// PutSchedule creates or replaces the run's schedule.
func (c *Client) PutSchedule(ctx context.Context, runID string, in ScheduleRequest) (Schedule, error) {
	var resp Schedule
	err := c.do(ctx, http.MethodPut, fmt.Sprintf("runs/%s/schedule", url.PathEscape(runID)), in, &resp)
	return resp, err
}

// GetSchedule returns the run's schedule.
func (c *Client) GetSchedule(ctx context.Context, runID string) (Schedule, error) {
	var resp Schedule
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("runs/%s/schedule", url.PathEscape(runID)), nil, &resp)
	return resp, err
}

// Dispatch triggers due schedules. Requires an automation API key.
func (c *Client) Dispatch(ctx context.Context, in DispatchRequest) (DispatchResult, error) {
	var resp DispatchResult
	err := c.do(ctx, http.MethodPost, "schedules/dispatch", in, &resp)
	return resp, err
}

// CreateFocus queues a follow-up question for a ticker of the run.
func (c *Client) CreateFocus(ctx context.Context, runID string, in FocusRequest) (Focus, error) {
	var resp Focus
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("runs/%s/focus", url.PathEscape(runID)), in, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
