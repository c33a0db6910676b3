// Package schedule decides which run schedules are due and triggers the
// orchestrator for them. Due computation is pure; Service holds the side
// effects.
package schedule

import (
	"sort"
	"time"

	"researchline/internal/domain"
	"researchline/internal/repo"
)

// Reasons a schedule is not due.
const (
	SkipInactive      = "inactive"
	SkipNoCadence     = "no_cadence"
	SkipRunNotActive  = "run_not_active"
	SkipStopRequested = "stop_requested"
	SkipNotDue        = "not_due"
)

// Candidate is a schedule with the run state that gates it.
type Candidate struct {
	Schedule      domain.RunSchedule
	RunStatus     string
	StopRequested bool
}

func fromRepo(rows []repo.ScheduleWithRun) []Candidate {
	out := make([]Candidate, 0, len(rows))
	for _, r := range rows {
		out = append(out, Candidate{Schedule: r.Schedule, RunStatus: r.RunStatus, StopRequested: r.StopRequested})
	}
	return out
}

func (c Candidate) cadence() time.Duration {
	return time.Duration(c.Schedule.CadenceSeconds) * time.Second
}

// EligibleAt is when the schedule next becomes due. A schedule that never
// fired is eligible from the zero time.
func (c Candidate) EligibleAt() time.Time {
	if c.Schedule.LastTriggeredAt == nil {
		return time.Time{}
	}
	return c.Schedule.LastTriggeredAt.Add(c.cadence())
}

// Evaluate reports whether c is due at now, and why not when it isn't.
func Evaluate(now time.Time, c Candidate) (bool, string) {
	switch {
	case !c.Schedule.Active:
		return false, SkipInactive
	case c.Schedule.CadenceSeconds <= 0:
		return false, SkipNoCadence
	case c.RunStatus != domain.RunQueued && c.RunStatus != domain.RunRunning:
		return false, SkipRunNotActive
	case c.StopRequested:
		return false, SkipStopRequested
	case c.Schedule.LastTriggeredAt != nil && now.Sub(*c.Schedule.LastTriggeredAt) < c.cadence():
		return false, SkipNotDue
	}
	return true, ""
}

// Due returns the candidates due at now, earliest eligible first.
func Due(now time.Time, candidates []Candidate) []Candidate {
	var due []Candidate
	for _, c := range candidates {
		if ok, _ := Evaluate(now, c); ok {
			due = append(due, c)
		}
	}
	sortByEligibility(due)
	return due
}

func sortByEligibility(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i].EligibleAt(), cs[j].EligibleAt()
		if !a.Equal(b) {
			return a.Before(b)
		}
		return cs[i].Schedule.RunID < cs[j].Schedule.RunID
	})
}

// NextTriggerAt is the earliest time the schedule can fire, or nil when it
// never will as configured. Overdue schedules report now.
func NextTriggerAt(s domain.RunSchedule, now time.Time) *time.Time {
	if !s.Active || s.CadenceSeconds <= 0 {
		return nil
	}
	next := now
	if s.LastTriggeredAt != nil {
		if at := s.LastTriggeredAt.Add(time.Duration(s.CadenceSeconds) * time.Second); at.After(now) {
			next = at
		}
	}
	return &next
}
