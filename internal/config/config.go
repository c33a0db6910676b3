package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"researchline/internal/domain"
)

const (
	// MaxBatchLimit caps the items one stage invocation may claim.
	MaxBatchLimit = 25
	// MaxCycles caps the cycles one orchestrator invocation may run.
	MaxCycles = 10
	// MaxDispatchLimit caps the schedules one dispatch may trigger.
	MaxDispatchLimit = 50

	fallbackBatchLimit   = 10
	fallbackMaxTokens    = 1024
	fallbackInputTokens  = 1500
	fallbackOutputTokens = 400
	fallbackLeaseSeconds = 900
)

// Config models researchline.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Logging struct {
		Level       string `yaml:"level"`
		Development bool   `yaml:"development"`
	} `yaml:"logging"`
	Provider     ProviderConfig         `yaml:"provider"`
	Retry        RetryConfig            `yaml:"retry"`
	Cache        CacheConfig            `yaml:"cache"`
	Claims       ClaimsConfig           `yaml:"claims"`
	Orchestrator OrchestratorConfig     `yaml:"orchestrator"`
	Dispatch     DispatchConfig         `yaml:"dispatch"`
	Prices       map[string]Price       `yaml:"prices"`
	Stages       map[string]StageConfig `yaml:"stages"`
	Focus        struct {
		Templates map[string]string `yaml:"templates"`
	} `yaml:"focus"`
}

type ProviderConfig struct {
	Name              string  `yaml:"name"`
	APIKeyEnv         string  `yaml:"api_key_env"`
	BaseURL           string  `yaml:"base_url"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	TimeoutSeconds    int     `yaml:"timeout_seconds"`
}

type RetryConfig struct {
	Attempts  int     `yaml:"attempts"`
	BackoffMS int     `yaml:"backoff_ms"`
	Jitter    float64 `yaml:"jitter"`
}

func (r RetryConfig) Backoff() time.Duration {
	return time.Duration(r.BackoffMS) * time.Millisecond
}

type CacheConfig struct {
	Backend string `yaml:"backend"`
	Redis   struct {
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Prefix   string `yaml:"prefix"`
	} `yaml:"redis"`
}

type ClaimsConfig struct {
	LeaseSeconds int `yaml:"lease_seconds"`
}

func (c ClaimsConfig) Lease() time.Duration {
	if c.LeaseSeconds <= 0 {
		return fallbackLeaseSeconds * time.Second
	}
	return time.Duration(c.LeaseSeconds) * time.Second
}

type OrchestratorConfig struct {
	DefaultCycles int `yaml:"default_cycles"`
	// StageEndpoint, when set, makes the orchestrator call stage consumers over HTTP.
	StageEndpoint string `yaml:"stage_endpoint"`
	StageAPIKey   string `yaml:"stage_api_key"`
}

type DispatchConfig struct {
	Limit int `yaml:"limit"`
	// OrchestrateEndpoint, when set, makes the dispatcher call the orchestrator over HTTP.
	OrchestrateEndpoint string `yaml:"orchestrate_endpoint"`
	APIKey              string `yaml:"api_key"`
}

// Price is USD per million tokens.
type Price struct {
	InputPerMTok  float64 `yaml:"input_per_mtok"`
	OutputPerMTok float64 `yaml:"output_per_mtok"`
}

// Cost returns the USD cost of the given token usage.
func (p Price) Cost(in, out int64) float64 {
	return float64(in)/1e6*p.InputPerMTok + float64(out)/1e6*p.OutputPerMTok
}

type StageConfig struct {
	Model        string   `yaml:"model"`
	MaxTokens    int      `yaml:"max_tokens"`
	Temperature  float64  `yaml:"temperature"`
	TTLMinutes   *int     `yaml:"ttl_minutes"`
	CacheScope   string   `yaml:"cache_scope"`
	BatchLimit   int      `yaml:"batch_limit"`
	InputTokens  int      `yaml:"input_tokens"`
	OutputTokens int      `yaml:"output_tokens"`
	SurvivalRate *float64 `yaml:"survival_rate"`
	System       string   `yaml:"system"`
	Prompt       string   `yaml:"prompt"`
}

// StageSettings is the resolved configuration one stage consumer runs with.
type StageSettings struct {
	Stage        domain.Stage
	Model        string
	MaxTokens    int
	Temperature  float64
	TTLMinutes   *int
	CacheScope   string
	BatchLimit   int
	InputTokens  int
	OutputTokens int
	SurvivalRate float64
	System       string
	Prompt       string
	Price        Price
	PriceKnown   bool
}

// Stage returns the configured defaults for a stage, or the zero value.
func (c *Config) Stage(s domain.Stage) StageConfig {
	if c == nil || c.Stages == nil {
		return StageConfig{}
	}
	return c.Stages[s.String()]
}

// ResolveStage merges per-run planner overrides over stage defaults over
// hard-coded fallbacks. The model has no fallback: a stage without one
// resolves to an empty Model.
func (c *Config) ResolveStage(s domain.Stage, planner domain.PlannerConfig) StageSettings {
	def := c.Stage(s)
	plan := planner.For(s)
	out := StageSettings{
		Stage:        s,
		Model:        firstString(plan.Model, def.Model),
		MaxTokens:    firstInt(def.MaxTokens, fallbackMaxTokens),
		Temperature:  def.Temperature,
		CacheScope:   firstString(def.CacheScope, s.String()),
		BatchLimit:   firstInt(def.BatchLimit, fallbackBatchLimit),
		InputTokens:  firstInt(plan.InputTokens, def.InputTokens, fallbackInputTokens),
		OutputTokens: firstInt(plan.OutputTokens, def.OutputTokens, fallbackOutputTokens),
		SurvivalRate: fallbackSurvival(s),
		System:       def.System,
		Prompt:       def.Prompt,
	}
	switch {
	case plan.TTLMinutes != nil:
		out.TTLMinutes = plan.TTLMinutes
	case def.TTLMinutes != nil:
		out.TTLMinutes = def.TTLMinutes
	}
	switch {
	case plan.SurvivalRate != nil:
		out.SurvivalRate = *plan.SurvivalRate
	case def.SurvivalRate != nil:
		out.SurvivalRate = *def.SurvivalRate
	}
	if out.BatchLimit > MaxBatchLimit {
		out.BatchLimit = MaxBatchLimit
	}
	if c != nil {
		if p, ok := c.Prices[out.Model]; ok {
			out.Price = p
			out.PriceKnown = true
		}
	}
	return out
}

func fallbackSurvival(s domain.Stage) float64 {
	switch s {
	case domain.StageTriage:
		return 0.4
	case domain.StageMedium:
		return 0.3
	default:
		return 1
	}
}

func firstString(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func firstInt(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}

// APIKey reads the provider credential from the configured environment variable.
func (c *Config) APIKey() string {
	env := c.Provider.APIKeyEnv
	if env == "" {
		env = "ANTHROPIC_API_KEY"
	}
	return strings.TrimSpace(os.Getenv(env))
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Provider.Name {
	case "", "anthropic":
	default:
		return fmt.Errorf("config.provider.name %q is not supported", c.Provider.Name)
	}
	if c.Retry.Attempts < 1 {
		return fmt.Errorf("config.retry.attempts must be >= 1")
	}
	if c.Retry.BackoffMS < 0 {
		return fmt.Errorf("config.retry.backoff_ms must be >= 0")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return fmt.Errorf("config.retry.jitter must be within [0,1]")
	}
	switch c.Cache.Backend {
	case "", "sqlite":
	case "redis":
		if strings.TrimSpace(c.Cache.Redis.Address) == "" {
			return fmt.Errorf("config.cache.redis.address is required for the redis backend")
		}
	default:
		return fmt.Errorf("config.cache.backend %q is not supported", c.Cache.Backend)
	}
	for model, p := range c.Prices {
		if model == "" {
			return fmt.Errorf("config.prices contains an empty model id")
		}
		if p.InputPerMTok < 0 || p.OutputPerMTok < 0 {
			return fmt.Errorf("price for %s must be non-negative", model)
		}
	}
	for name, sc := range c.Stages {
		if _, err := domain.ParseStage(name); err != nil {
			return fmt.Errorf("config.stages: %w", err)
		}
		if sc.TTLMinutes != nil && *sc.TTLMinutes <= 0 {
			return fmt.Errorf("stage %s ttl_minutes must be positive or omitted", name)
		}
		if sc.SurvivalRate != nil && (*sc.SurvivalRate < 0 || *sc.SurvivalRate > 1) {
			return fmt.Errorf("stage %s survival_rate must be within [0,1]", name)
		}
		if sc.BatchLimit < 0 {
			return fmt.Errorf("stage %s batch_limit must be >= 0", name)
		}
	}
	for id, tmpl := range c.Focus.Templates {
		if id == "" || strings.TrimSpace(tmpl) == "" {
			return fmt.Errorf("config.focus.templates entries need an id and a body")
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "researchline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// Load reads .env files, then the workspace config if present, falling back to
// the defaults when the file is missing.
func Load(workspace string) (*Config, error) {
	if err := loadEnvFiles(workspace); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			return cfg, cfg.Validate()
		}
		return nil, err
	}
	return FromYAML(data)
}

// loadEnvFiles loads ENV_FILE when set, otherwise .env.local then .env from the
// workspace. Missing files are ignored and already-set variables win.
func loadEnvFiles(workspace string) error {
	if envFile := os.Getenv("ENV_FILE"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load env file %s: %w", envFile, err)
		}
		return nil
	}
	if workspace == "" {
		workspace = "."
	}
	for _, name := range []string{".env.local", ".env"} {
		if err := godotenv.Load(filepath.Join(workspace, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load %s: %w", name, err)
		}
	}
	return nil
}

// FromYAML parses config over the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v0

logging:
  level: info

provider:
  name: anthropic
  api_key_env: ANTHROPIC_API_KEY
  requests_per_second: 2
  burst: 2
  timeout_seconds: 90

retry:
  attempts: 3
  backoff_ms: 500
  jitter: 0.25

cache:
  backend: sqlite

claims:
  lease_seconds: 900

orchestrator:
  default_cycles: 1

dispatch:
  limit: 5

prices:
  claude-3-5-haiku-latest:
    input_per_mtok: 0.8
    output_per_mtok: 4
  claude-sonnet-4-5:
    input_per_mtok: 3
    output_per_mtok: 15
  claude-opus-4-1:
    input_per_mtok: 15
    output_per_mtok: 75

stages:
  stage1:
    model: claude-3-5-haiku-latest
    max_tokens: 400
    batch_limit: 25
    ttl_minutes: 10080
    cache_scope: triage.v1
    input_tokens: 800
    output_tokens: 150
    survival_rate: 0.4
    system: |
      You are an equity research analyst performing a fast first-pass triage.
      Reply with a single JSON object and nothing else.
    prompt: |
      Ticker: {{.Ticker}}{{if .Name}} ({{.Name}}){{end}}
      {{- if .Sector}}
      Sector: {{.Sector}}{{end}}
      {{- range .Snippets}}
      Reference: {{.}}{{end}}

      Classify the company for further research. Respond as JSON:
      {"label": "consider" | "borderline" | "uninvestible", "confidence": 0..1, "reason": "<one sentence>"}
  stage2:
    model: claude-sonnet-4-5
    max_tokens: 900
    batch_limit: 10
    ttl_minutes: 4320
    cache_scope: medium.v1
    input_tokens: 2500
    output_tokens: 600
    survival_rate: 0.3
    system: |
      You are an equity research analyst writing a medium-depth assessment.
      Reply with a single JSON object and nothing else.
    prompt: |
      Ticker: {{.Ticker}}{{if .Name}} ({{.Name}}){{end}}
      Triage result: {{index .Prior "stage1"}}
      {{- range .Snippets}}
      Reference: {{.}}{{end}}

      Decide whether the company deserves a deep dive. Respond as JSON:
      {"go_deep": true | false, "score": 0..100, "thesis": "<short thesis>", "risks": ["..."]}
  stage3:
    model: claude-opus-4-1
    max_tokens: 2000
    batch_limit: 5
    cache_scope: deep.v1
    input_tokens: 6000
    output_tokens: 1500
    system: |
      You are a senior equity research analyst writing a deep-dive report.
      Reply with a single JSON object and nothing else.
    prompt: |
      Ticker: {{.Ticker}}{{if .Name}} ({{.Name}}){{end}}
      Triage result: {{index .Prior "stage1"}}
      Medium assessment: {{index .Prior "stage2"}}
      {{- range .Snippets}}
      Reference: {{.}}{{end}}

      Respond as JSON:
      {"conviction": 1..5, "summary": "...", "catalysts": ["..."], "risks": ["..."], "valuation_note": "..."}
  focus:
    model: claude-sonnet-4-5
    max_tokens: 1200
    batch_limit: 10
    ttl_minutes: 1440
    cache_scope: focus.v1
    input_tokens: 4000
    output_tokens: 800
    system: |
      You answer follow-up questions about a company using prior research.
      Reply with a single JSON object and nothing else.
    prompt: |
      Ticker: {{.Ticker}}{{if .Name}} ({{.Name}}){{end}}
      {{- range $stage, $answer := .Prior}}
      Prior {{$stage}}: {{$answer}}{{end}}
      {{- range .Snippets}}
      Reference: {{.}}{{end}}

      Question: {{.Question}}
      Respond as JSON:
      {"answer": "...", "confidence": 0..1, "citations": ["..."]}

focus:
  templates:
    moat: "What durable competitive advantages does {{.Ticker}} have, and how could they erode?"
    risks: "List the three most material downside risks for {{.Ticker}} over the next two years."
`
