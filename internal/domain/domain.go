package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidInput is wrapped by every request validation failure.
var ErrInvalidInput = errors.New("invalid input")

// TimeLayout is the fixed-width UTC layout used for persisted timestamps so that
// lexical order matches chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// Stage identifies one of the ordered processing passes.
type Stage int

const (
	StageTriage Stage = 1
	StageMedium Stage = 2
	StageDeep   Stage = 3
	StageFocus  Stage = 4
)

// Stages lists every stage in orchestrator priority order.
var Stages = []Stage{StageTriage, StageMedium, StageDeep, StageFocus}

// String returns the ledger/cache identifier of the stage.
func (s Stage) String() string {
	switch s {
	case StageTriage:
		return "stage1"
	case StageMedium:
		return "stage2"
	case StageDeep:
		return "stage3"
	case StageFocus:
		return "focus"
	default:
		return "stage" + strconv.Itoa(int(s))
	}
}

// Name returns the human name used in URLs and CLI arguments.
func (s Stage) Name() string {
	switch s {
	case StageTriage:
		return "triage"
	case StageMedium:
		return "medium"
	case StageDeep:
		return "deep"
	case StageFocus:
		return "focus"
	default:
		return s.String()
	}
}

func (s Stage) Valid() bool {
	return s >= StageTriage && s <= StageFocus
}

// Next returns the stage whose eligible work can grow when s completes items.
func (s Stage) Next() (Stage, bool) {
	if s >= StageTriage && s < StageDeep {
		return s + 1, true
	}
	return 0, false
}

// ParseStage accepts "1", "stage1", "triage" and the equivalents for every stage.
func ParseStage(v string) (Stage, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "stage1", "triage":
		return StageTriage, nil
	case "2", "stage2", "medium":
		return StageMedium, nil
	case "3", "stage3", "deep":
		return StageDeep, nil
	case "4", "focus":
		return StageFocus, nil
	}
	return 0, fmt.Errorf("invalid stage %q", v)
}

const (
	RunQueued    = "queued"
	RunRunning   = "running"
	RunFailed    = "failed"
	RunCompleted = "completed"
)

const (
	ItemPending    = "pending"
	ItemInProgress = "in_progress"
	ItemOK         = "ok"
	ItemFailed     = "failed"
)

const (
	FocusPending    = "pending"
	FocusQueued     = "queued"
	FocusInProgress = "in_progress"
	FocusAnswered   = "answered"
	FocusFailed     = "failed"
)

// Stage-1 labels.
const (
	LabelConsider     = "consider"
	LabelBorderline   = "borderline"
	LabelUninvestible = "uninvestible"
)

const (
	HaltStopRequested   = "stop_requested"
	HaltBudgetExhausted = "budget_exhausted"
)

// StagePlan is the per-run override for one stage. Zero values fall back to the
// configured stage default.
type StagePlan struct {
	Model        string   `json:"model,omitempty" yaml:"model"`
	InputTokens  int      `json:"input_tokens,omitempty" yaml:"input_tokens"`
	OutputTokens int      `json:"output_tokens,omitempty" yaml:"output_tokens"`
	SurvivalRate *float64 `json:"survival_rate,omitempty" yaml:"survival_rate"`
	TTLMinutes   *int     `json:"ttl_minutes,omitempty" yaml:"ttl_minutes"`
}

// PlannerConfig holds per-stage overrides keyed by Stage.String().
type PlannerConfig struct {
	Stages map[string]StagePlan `json:"stages,omitempty" yaml:"stages"`
}

func (p PlannerConfig) For(s Stage) StagePlan {
	if p.Stages == nil {
		return StagePlan{}
	}
	return p.Stages[s.String()]
}

type Run struct {
	ID               string        `json:"id"`
	Status           string        `json:"status" enum:"queued,running,failed,completed"`
	StopRequested    bool          `json:"stop_requested"`
	HaltedReason     string        `json:"halted_reason,omitempty"`
	BudgetUSD        float64       `json:"budget_usd"`
	Planner          PlannerConfig `json:"planner"`
	EstimatedCostUSD float64       `json:"estimated_cost_usd"`
	CreatedBy        string        `json:"created_by"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// Active reports whether the run may still be advanced by the scheduler.
func (r Run) Active() bool {
	return (r.Status == RunQueued || r.Status == RunRunning) && !r.StopRequested
}

type RunItem struct {
	RunID          string     `json:"run_id"`
	Ticker         string     `json:"ticker"`
	Stage          int        `json:"stage"`
	Status         string     `json:"status" enum:"pending,in_progress,ok,failed"`
	Label          *string    `json:"label,omitempty"`
	Stage2GoDeep   *bool      `json:"stage2_go_deep,omitempty"`
	SpendEstUSD    float64    `json:"spend_est_usd"`
	ClaimExpiresAt *time.Time `json:"claim_expires_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

type StageAnswer struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	Ticker     string    `json:"ticker"`
	Stage      Stage     `json:"stage"`
	Model      string    `json:"model"`
	AnswerJSON string    `json:"answer_json"`
	RawText    string    `json:"raw_text,omitempty"`
	CacheHit   bool      `json:"cache_hit"`
	TokensIn   int64     `json:"tokens_in"`
	TokensOut  int64     `json:"tokens_out"`
	CostUSD    float64   `json:"cost_usd"`
	CreatedAt  time.Time `json:"created_at"`
}

type FocusRequest struct {
	ID             string     `json:"id"`
	RunID          string     `json:"run_id"`
	Ticker         string     `json:"ticker"`
	Question       string     `json:"question"`
	TemplateID     string     `json:"template_id,omitempty"`
	Status         string     `json:"status" enum:"pending,queued,in_progress,answered,failed"`
	AnswerText     string     `json:"answer_text,omitempty"`
	AnswerJSON     string     `json:"answer_json,omitempty"`
	CacheHit       bool       `json:"cache_hit"`
	TokensIn       int64      `json:"tokens_in"`
	TokensOut      int64      `json:"tokens_out"`
	CostUSD        float64    `json:"cost_usd"`
	ClaimExpiresAt *time.Time `json:"claim_expires_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Usage is the token accounting attached to a provider response.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

type CachedCompletion struct {
	ID           string     `json:"id"`
	Model        string     `json:"model"`
	CacheKey     string     `json:"cache_key"`
	Fingerprint  string     `json:"fingerprint"`
	RequestJSON  string     `json:"request_json"`
	ResponseJSON string     `json:"response_json"`
	Usage        Usage      `json:"usage"`
	Context      string     `json:"context,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	HitCount     int64      `json:"hit_count"`
	LastHitAt    *time.Time `json:"last_hit_at,omitempty"`
}

// Expired reports whether the row is past its TTL at now.
func (c CachedCompletion) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

type CostLedgerEntry struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Stage     Stage     `json:"stage"`
	Model     string    `json:"model"`
	TokensIn  int64     `json:"tokens_in"`
	TokensOut int64     `json:"tokens_out"`
	CostUSD   float64   `json:"cost_usd"`
	CreatedAt time.Time `json:"created_at"`
}

// StageLimits are per-stage batch sizes. Zero means "use the default".
type StageLimits struct {
	Stage1 int `json:"stage1,omitempty"`
	Stage2 int `json:"stage2,omitempty"`
	Stage3 int `json:"stage3,omitempty"`
	Focus  int `json:"focus,omitempty"`
}

func (l StageLimits) For(s Stage) int {
	switch s {
	case StageTriage:
		return l.Stage1
	case StageMedium:
		return l.Stage2
	case StageDeep:
		return l.Stage3
	case StageFocus:
		return l.Focus
	}
	return 0
}

type RunSchedule struct {
	RunID           string      `json:"run_id"`
	CadenceSeconds  int         `json:"cadence_seconds"`
	Limits          StageLimits `json:"limits"`
	MaxCycles       int         `json:"max_cycles"`
	Active          bool        `json:"active"`
	LastTriggeredAt *time.Time  `json:"last_triggered_at,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// StageMetrics is a snapshot of one stage for one run.
type StageMetrics struct {
	Stage      string         `json:"stage"`
	Total      int            `json:"total"`
	Pending    int            `json:"pending"`
	InProgress int            `json:"in_progress"`
	Completed  int            `json:"completed"`
	Failed     int            `json:"failed"`
	Derived    map[string]int `json:"derived,omitempty"`
}

// Outstanding counts work that is not yet finished, claimed or not.
func (m StageMetrics) Outstanding() int {
	return m.Pending + m.InProgress
}

type Event struct {
	ID      int64     `json:"id"`
	TS      time.Time `json:"ts"`
	Type    string    `json:"type"`
	RunID   string    `json:"run_id,omitempty"`
	Stage   string    `json:"stage,omitempty"`
	Ticker  string    `json:"ticker,omitempty"`
	Payload string    `json:"payload_json"`
}

type UniverseEntry struct {
	Ticker   string         `json:"ticker"`
	Name     string         `json:"name,omitempty"`
	Sector   string         `json:"sector,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type Membership struct {
	ActorID   string     `json:"actor_id"`
	Plan      string     `json:"plan"`
	Status    string     `json:"status" enum:"active,canceled,past_due"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

type APIKey struct {
	ID         string    `json:"id"`
	ActorID    string    `json:"actor_id"`
	Name       string    `json:"name,omitempty"`
	KeyHash    string    `json:"key_hash"`
	Automation bool      `json:"automation"`
	CreatedAt  time.Time `json:"created_at"`
}
