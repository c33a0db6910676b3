package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"researchline/internal/domain"
)

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func candidate(runID string, last *time.Time) Candidate {
	return Candidate{
		Schedule:  domain.RunSchedule{RunID: runID, CadenceSeconds: 3600, Active: true, LastTriggeredAt: last},
		RunStatus: domain.RunRunning,
	}
}

func ago(d time.Duration) *time.Time {
	t := now.Add(-d)
	return &t
}

func TestEvaluate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(c *Candidate)
		due    bool
		reason string
	}{
		{"elapsed beyond cadence", func(c *Candidate) { c.Schedule.LastTriggeredAt = ago(4000 * time.Second) }, true, ""},
		{"exactly one cadence", func(c *Candidate) { c.Schedule.LastTriggeredAt = ago(time.Hour) }, true, ""},
		{"never triggered", func(c *Candidate) {}, true, ""},
		{"queued run", func(c *Candidate) { c.RunStatus = domain.RunQueued }, true, ""},
		{"too recent", func(c *Candidate) { c.Schedule.LastTriggeredAt = ago(1000 * time.Second) }, false, SkipNotDue},
		{"inactive", func(c *Candidate) {
			c.Schedule.Active = false
			c.Schedule.LastTriggeredAt = ago(48 * time.Hour)
		}, false, SkipInactive},
		{"stop requested", func(c *Candidate) {
			c.StopRequested = true
			c.Schedule.LastTriggeredAt = ago(48 * time.Hour)
		}, false, SkipStopRequested},
		{"completed run", func(c *Candidate) { c.RunStatus = domain.RunCompleted }, false, SkipRunNotActive},
		{"failed run", func(c *Candidate) { c.RunStatus = domain.RunFailed }, false, SkipRunNotActive},
		{"zero cadence", func(c *Candidate) { c.Schedule.CadenceSeconds = 0 }, false, SkipNoCadence},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := candidate("run-1", nil)
			tc.mutate(&c)
			due, reason := Evaluate(now, c)
			assert.Equal(t, tc.due, due)
			assert.Equal(t, tc.reason, reason)
		})
	}
}

func TestDueOrdersByEligibility(t *testing.T) {
	cands := []Candidate{
		candidate("b", ago(2*time.Hour)),
		candidate("c", ago(10*time.Minute)),
		candidate("a", ago(5*time.Hour)),
		candidate("z", nil),
		candidate("y", nil),
	}
	due := Due(now, cands)
	var ids []string
	for _, c := range due {
		ids = append(ids, c.Schedule.RunID)
	}
	assert.Equal(t, []string{"y", "z", "a", "b"}, ids)
}

func TestNextTriggerAt(t *testing.T) {
	s := domain.RunSchedule{CadenceSeconds: 3600, Active: true}
	assert.Equal(t, now, *NextTriggerAt(s, now))

	s.LastTriggeredAt = ago(10 * time.Minute)
	assert.Equal(t, now.Add(50*time.Minute), *NextTriggerAt(s, now))

	s.LastTriggeredAt = ago(3 * time.Hour)
	assert.Equal(t, now, *NextTriggerAt(s, now))

	s.Active = false
	assert.Nil(t, NextTriggerAt(s, now))
}
