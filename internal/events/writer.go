// Package events is the append-only run journal. It also serves as the error
// log for per-item failures.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"researchline/internal/domain"
	"researchline/internal/logger"
)

const (
	RunCreated         = "run.created"
	RunStopToggled     = "run.stop_toggled"
	RunHalted          = "run.halted"
	RunStatusChanged   = "run.status_changed"
	ItemFailed         = "item.failed"
	ItemClaimLost      = "item.claim_lost"
	ItemsRequeued      = "items.requeued"
	FocusCreated       = "focus.created"
	FocusFailed        = "focus.failed"
	ScheduleUpdated    = "schedule.updated"
	ScheduleTriggered  = "schedule.triggered"
	ScheduleTriggerErr = "schedule.trigger_failed"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
	Log logger.Logger
}

type EventPayload map[string]any

// Scope locates an event. Empty fields are stored as NULL.
type Scope struct {
	RunID  string
	Stage  string
	Ticker string
}

// Append writes one event, inside tx when non-nil.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType string, scope Scope, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	query := `INSERT INTO run_events(ts,type,run_id,stage,ticker,payload_json) VALUES (?,?,?,?,?,?)`
	args := []any{domain.FormatTime(w.Now()), evtType, nullable(scope.RunID), nullable(scope.Stage), nullable(scope.Ticker), string(data)}
	if tx != nil {
		_, err = tx.ExecContext(ctx, query, args...)
	} else if w.DB != nil {
		_, err = w.DB.ExecContext(ctx, query, args...)
	} else {
		err = errors.New("events writer has no database")
	}
	return err
}

// Record appends outside any transaction and only logs a failure.
func (w Writer) Record(ctx context.Context, evtType string, scope Scope, payload EventPayload) {
	if err := w.Append(ctx, nil, evtType, scope, payload); err != nil {
		logger.OrNop(w.Log).Warn("journal write failed",
			logger.String("type", evtType),
			logger.String("run_id", scope.RunID),
			logger.String("ticker", scope.Ticker),
			logger.Error(err))
	}
}

// List returns events for a run in ascending id order after cursor.
func (w Writer) List(ctx context.Context, runID string, cursor int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := w.DB.QueryContext(ctx, `SELECT id,ts,type,COALESCE(run_id,''),COALESCE(stage,''),COALESCE(ticker,''),payload_json
FROM run_events WHERE run_id=? AND id>? ORDER BY id ASC LIMIT ?`, runID, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var (
			e  domain.Event
			ts string
		)
		if err := rows.Scan(&e.ID, &ts, &e.Type, &e.RunID, &e.Stage, &e.Ticker, &e.Payload); err != nil {
			return nil, err
		}
		if e.TS, err = domain.ParseTime(ts); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
