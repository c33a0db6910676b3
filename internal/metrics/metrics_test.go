package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectorsRecord(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.CacheLookup("hit")
	m.CacheLookup("hit")
	m.StageItem("stage1", "ok")
	m.Spend("stage1", 0.25)
	m.Spend("stage1", 0)
	m.ProviderCall("model-a", "ok", 100, 20)
	m.ObserveStage("stage1", 10*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StageItems.WithLabelValues("stage1", "ok")))
	assert.InDelta(t, 0.25, testutil.ToFloat64(m.SpendUSD.WithLabelValues("stage1")), 1e-9)
	assert.Equal(t, 100.0, testutil.ToFloat64(m.ProviderTokens.WithLabelValues("model-a", "input")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.CacheLookup("miss")
		m.Halt("budget_exhausted")
		m.Dispatch("triggered")
		m.ObserveStage("focus", time.Second)
	})
}
