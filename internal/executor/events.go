package executor

import (
	"context"
	"time"
)

// Event kinds emitted during a run.
const (
	EventPlanStarted       = "plan_started"
	EventActivityStarted   = "activity_started"
	EventActivityCompleted = "activity_completed"
	EventActivityFailed    = "activity_failed"
	EventProgressLag       = "progress_lag"
	EventPlanFinished      = "plan_finished"
)

// Event is one lifecycle notification.
type Event struct {
	PlanID     string    `json:"plan_id"`
	ActivityID string    `json:"activity_id,omitempty"`
	Kind       string    `json:"kind"`
	Status     string    `json:"status,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}

// EventSink receives lifecycle events. Emit errors are logged and never
// affect the run.
type EventSink interface {
	Emit(ctx context.Context, ev Event) error
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) Emit(context.Context, Event) error { return nil }
