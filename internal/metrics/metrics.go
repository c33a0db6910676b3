// Package metrics holds the prometheus collectors for the research pipeline.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "researchline"

type Metrics struct {
	StageItems      *prometheus.CounterVec
	StageDuration   *prometheus.HistogramVec
	StageHalts      *prometheus.CounterVec
	CacheLookups    *prometheus.CounterVec
	CacheStores     *prometheus.CounterVec
	ProviderCalls   *prometheus.CounterVec
	ProviderTokens  *prometheus.CounterVec
	ProviderRetries *prometheus.CounterVec
	SpendUSD        *prometheus.CounterVec
	Cycles          *prometheus.CounterVec
	Halts           *prometheus.CounterVec
	Dispatches      *prometheus.CounterVec
}

// New creates and registers every collector on reg.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	m := &Metrics{}

	m.StageItems = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "stage", Name: "items_total",
		Help: "Items processed by stage consumers, by outcome.",
	}, []string{"stage", "status"})
	m.StageDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "stage", Name: "invocation_seconds",
		Help:    "Duration of one stage consumer invocation.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"stage"})
	m.StageHalts = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "stage", Name: "halted_total",
		Help: "Stage invocations refused because the run was halted.",
	}, []string{"stage"})

	m.CacheLookups = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "cache", Name: "lookups_total",
		Help: "Completion cache lookups by result (hit, miss, expired).",
	}, []string{"result"})
	m.CacheStores = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "cache", Name: "stores_total",
		Help: "Completion cache writes by outcome (stored, existing).",
	}, []string{"outcome"})

	m.ProviderCalls = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "provider", Name: "calls_total",
		Help: "Provider calls by model and outcome.",
	}, []string{"model", "outcome"})
	m.ProviderTokens = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "provider", Name: "tokens_total",
		Help: "Provider tokens by model and direction.",
	}, []string{"model", "direction"})
	m.ProviderRetries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "provider", Name: "retries_total",
		Help: "Provider call retries by stage.",
	}, []string{"stage"})
	m.SpendUSD = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "ledger", Name: "spend_usd_total",
		Help: "USD recorded in the cost ledger by stage.",
	}, []string{"stage"})

	m.Cycles = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "orchestrator", Name: "cycles_total",
		Help: "Orchestrator cycles by outcome (worked, idle).",
	}, []string{"outcome"})
	m.Halts = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "orchestrator", Name: "halts_total",
		Help: "Orchestrator halts by reason.",
	}, []string{"reason"})
	m.Dispatches = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "schedule", Name: "dispatches_total",
		Help: "Schedule dispatch decisions by result (triggered, failed, skipped, dry_run).",
	}, []string{"result"})
	return m
}

func (m *Metrics) StageItem(stage, status string) {
	if m == nil {
		return
	}
	m.StageItems.WithLabelValues(stage, status).Inc()
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) StageHalted(stage string) {
	if m == nil {
		return
	}
	m.StageHalts.WithLabelValues(stage).Inc()
}

func (m *Metrics) CacheLookup(result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) CacheStore(outcome string) {
	if m == nil {
		return
	}
	m.CacheStores.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ProviderCall(model, outcome string, in, out int64) {
	if m == nil {
		return
	}
	m.ProviderCalls.WithLabelValues(model, outcome).Inc()
	if in > 0 {
		m.ProviderTokens.WithLabelValues(model, "input").Add(float64(in))
	}
	if out > 0 {
		m.ProviderTokens.WithLabelValues(model, "output").Add(float64(out))
	}
}

func (m *Metrics) ProviderRetry(stage string) {
	if m == nil {
		return
	}
	m.ProviderRetries.WithLabelValues(stage).Inc()
}

func (m *Metrics) Spend(stage string, usd float64) {
	if m == nil || usd <= 0 {
		return
	}
	m.SpendUSD.WithLabelValues(stage).Add(usd)
}

func (m *Metrics) Cycle(outcome string) {
	if m == nil {
		return
	}
	m.Cycles.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Halt(reason string) {
	if m == nil {
		return
	}
	m.Halts.WithLabelValues(reason).Inc()
}

func (m *Metrics) Dispatch(result string) {
	if m == nil {
		return
	}
	m.Dispatches.WithLabelValues(result).Inc()
}
