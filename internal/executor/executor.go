package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sbenjam1n/kgap/internal/knowledge"
	"github.com/sbenjam1n/kgap/internal/logging"
	"go.uber.org/zap"
)

// ErrPlanRunning is returned when a plan is already being executed.
var ErrPlanRunning = errors.New("plan is already executing")

// Options configures an Executor.
type Options struct {
	MaxConcurrentActivities int
	// ActivityTimeout bounds each activity. Zero means no deadline.
	ActivityTimeout time.Duration
	// UnitDuration is the wall time of one timeline effort unit, used to
	// check progress. Zero disables the check.
	UnitDuration time.Duration
	Sink         EventSink
	Now          func() time.Time
}

// Executor runs plans with bounded concurrency.
type Executor struct {
	opts   Options
	runner ActivityRunner
	sink   EventSink
	logger *zap.Logger

	mu      sync.Mutex
	running map[string]*run
}

// run is the bookkeeping of one in-flight plan.
type run struct {
	abort     chan struct{}
	abortOnce sync.Once

	mu    sync.Mutex
	state knowledge.ExecutionState
}

// New creates a new Executor.
func New(runner ActivityRunner, opts Options, logger *zap.Logger) *Executor {
	if opts.MaxConcurrentActivities <= 0 {
		opts.MaxConcurrentActivities = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	sink := opts.Sink
	if sink == nil {
		sink = NopSink{}
	}
	return &Executor{
		opts:    opts,
		runner:  runner,
		sink:    sink,
		logger:  logging.OrNop(logger),
		running: make(map[string]*run),
	}
}

// Abort stops promoting new activities of a running plan. In-flight
// activities finish; the rest are failed as aborted. It reports whether the
// plan was running.
func (e *Executor) Abort(planID string) bool {
	e.mu.Lock()
	r, ok := e.running[planID]
	e.mu.Unlock()
	if ok {
		r.abortOnce.Do(func() { close(r.abort) })
	}
	return ok
}

// State returns a copy of the execution state of a running plan.
func (e *Executor) State(planID string) (knowledge.ExecutionState, bool) {
	e.mu.Lock()
	r, ok := e.running[planID]
	e.mu.Unlock()
	if !ok {
		return knowledge.ExecutionState{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyState(r.state), true
}

// Execute runs plan to a terminal status. Cancelling ctx aborts the run the
// same way Abort does. Activity failures are recorded in the result; the
// returned error is reserved for plans that cannot be run at all.
func (e *Executor) Execute(ctx context.Context, plan *knowledge.Plan) (*knowledge.ExecutionResult, error) {
	if plan == nil {
		return nil, knowledge.NewStructuralError("executor", "plan is nil")
	}
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("validate plan: %w", err)
	}
	if plan.Status != knowledge.PlanCreated {
		return nil, knowledge.NewStructuralError("executor", fmt.Sprintf("plan %s is %s, not %s", plan.ID, plan.Status, knowledge.PlanCreated))
	}

	r := &run{abort: make(chan struct{})}
	e.mu.Lock()
	if _, busy := e.running[plan.ID]; busy {
		e.mu.Unlock()
		return nil, fmt.Errorf("execute plan %s: %w", plan.ID, ErrPlanRunning)
	}
	e.running[plan.ID] = r
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, plan.ID)
		e.mu.Unlock()
	}()

	ordered := append([]knowledge.Activity(nil), plan.Activities...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })
	index := make(map[string]int, len(plan.Activities))
	for i, a := range plan.Activities {
		index[a.ID] = i
	}

	started := e.opts.Now()
	r.state = knowledge.ExecutionState{
		PlanID:     plan.ID,
		Pending:    make([]string, 0, len(ordered)),
		InProgress: []string{},
		Completed:  []string{},
		Failed:     []string{},
		Results:    make(map[string]knowledge.Outcome, len(ordered)),
		StartedAt:  started,
	}
	for _, a := range ordered {
		r.state.Pending = append(r.state.Pending, a.ID)
	}

	plan.Status = knowledge.PlanExecuting
	e.emit(ctx, Event{PlanID: plan.ID, Kind: EventPlanStarted, Status: string(plan.Status)})
	e.logger.Info("plan execution started",
		zap.String("plan_id", plan.ID),
		zap.Int("activities", len(ordered)),
		zap.Int("max_concurrent", e.opts.MaxConcurrentActivities),
	)

	// Runners get a private copy so status updates here never race with them.
	view := *plan
	view.Activities = append([]knowledge.Activity(nil), plan.Activities...)

	// In-flight activities finish even when the caller cancels.
	taskCtx := context.WithoutCancel(ctx)
	results := make(chan *Task, len(ordered))
	active := make(map[string]*Task)
	next := 0
	aborted, halted := false, false
	lagReported := 0

	for {
		if !aborted && !halted {
			select {
			case <-ctx.Done():
				aborted = true
			case <-r.abort:
				aborted = true
			default:
			}
			if aborted {
				e.logger.Warn("plan execution aborted", zap.String("plan_id", plan.ID), zap.Int("in_flight", len(active)))
			}
		}

		// Promote pending activities in priority order up to the limit.
		for !aborted && !halted && len(active) < e.opts.MaxConcurrentActivities && next < len(ordered) {
			a := ordered[next]
			next++
			plan.Activities[index[a.ID]].Status = knowledge.ActivityInProgress
			r.update(func(s *knowledge.ExecutionState) {
				s.Pending = remove(s.Pending, a.ID)
				s.InProgress = append(s.InProgress, a.ID)
			})
			active[a.ID] = startTask(taskCtx, e.runner, &view, a, e.opts.ActivityTimeout, e.opts.Now(), results)
			e.emit(ctx, Event{PlanID: plan.ID, ActivityID: a.ID, Kind: EventActivityStarted, Status: string(knowledge.ActivityInProgress)})
		}

		if len(active) == 0 {
			break
		}

		t := <-results
		delete(active, t.Activity.ID)
		out := e.record(plan, r, t)
		i := index[t.Activity.ID]
		plan.Activities[i].Status = out.Status

		if out.Status == knowledge.ActivityCompleted {
			e.emit(ctx, Event{PlanID: plan.ID, ActivityID: out.ActivityID, Kind: EventActivityCompleted, Status: string(out.Status), Detail: out.Detail})
		} else {
			e.emit(ctx, Event{PlanID: plan.ID, ActivityID: out.ActivityID, Kind: EventActivityFailed, Status: string(out.Status), Detail: out.Error})
			if _, err := t.Result(); errors.Is(err, knowledge.ErrUnrecoverable) && !halted {
				halted = true
				e.logger.Error("unrecoverable activity failure, halting plan",
					zap.String("plan_id", plan.ID),
					zap.String("activity_id", out.ActivityID),
					zap.Error(err),
				)
			}
		}

		if lag := e.checkProgress(plan, r, started, lagReported); lag > lagReported {
			lagReported = lag
			e.emit(ctx, Event{PlanID: plan.ID, Kind: EventProgressLag, Detail: lastWarning(r)})
		}
	}

	// Whatever was never promoted fails as aborted.
	now := e.opts.Now()
	for ; next < len(ordered); next++ {
		a := ordered[next]
		reason := "plan aborted before the activity started"
		if halted {
			reason = "plan halted after an unrecoverable failure"
		}
		out := knowledge.Outcome{ActivityID: a.ID, Status: knowledge.ActivityFailed, Cause: knowledge.CauseAborted, Error: reason, StartedAt: now, FinishedAt: now}
		plan.Activities[index[a.ID]].Status = knowledge.ActivityFailed
		r.update(func(s *knowledge.ExecutionState) {
			s.Pending = remove(s.Pending, a.ID)
			s.Failed = append(s.Failed, a.ID)
			s.Results[a.ID] = out
			s.Errors = append(s.Errors, (&knowledge.ActivityFailure{ActivityID: a.ID, Cause: knowledge.CauseAborted}).Error())
		})
	}

	finished := e.opts.Now()
	r.update(func(s *knowledge.ExecutionState) { s.FinishedAt = finished })
	state := copyState(r.state)

	if err := checkPartition(plan, state); err != nil {
		plan.Status = knowledge.PlanFailed
		return nil, err
	}

	status := knowledge.PlanCompleted
	if aborted || halted {
		status = knowledge.PlanFailed
	}
	plan.Status = status

	result := &knowledge.ExecutionResult{
		PlanID:     plan.ID,
		Status:     status,
		Completed:  state.Completed,
		Failed:     state.Failed,
		Outcomes:   state.Results,
		Errors:     state.Errors,
		Warnings:   state.Warnings,
		Aborted:    aborted,
		StartedAt:  state.StartedAt,
		FinishedAt: state.FinishedAt,
	}
	e.emit(ctx, Event{PlanID: plan.ID, Kind: EventPlanFinished, Status: string(status)})
	e.logger.Info("plan execution finished",
		zap.String("plan_id", plan.ID),
		zap.String("status", string(status)),
		zap.Int("completed", len(result.Completed)),
		zap.Int("failed", len(result.Failed)),
		zap.Bool("aborted", aborted),
		zap.Duration("elapsed", finished.Sub(started)),
	)
	return result, nil
}

// record moves a resolved task out of in-progress and returns its outcome.
func (e *Executor) record(plan *knowledge.Plan, r *run, t *Task) knowledge.Outcome {
	res, err := t.Result()
	out := knowledge.Outcome{
		ActivityID: t.Activity.ID,
		Status:     knowledge.ActivityCompleted,
		Detail:     res.Detail,
		StartedAt:  t.StartedAt,
		FinishedAt: e.opts.Now(),
	}
	var failure error
	if err != nil {
		cause := knowledge.CauseError
		if t.TimedOut() {
			cause = knowledge.CauseTimeout
		}
		out.Status = knowledge.ActivityFailed
		out.Cause = cause
		out.Error = err.Error()
		failure = &knowledge.ActivityFailure{ActivityID: t.Activity.ID, Cause: cause, Err: err}
		e.logger.Warn("activity failed",
			zap.String("plan_id", plan.ID),
			zap.String("activity_id", t.Activity.ID),
			zap.String("cause", string(cause)),
			zap.Error(err),
		)
	} else {
		out.StoredItems = res.StoredItems
	}

	r.update(func(s *knowledge.ExecutionState) {
		s.InProgress = remove(s.InProgress, out.ActivityID)
		if failure != nil {
			s.Failed = append(s.Failed, out.ActivityID)
			s.Errors = append(s.Errors, failure.Error())
		} else {
			s.Completed = append(s.Completed, out.ActivityID)
		}
		s.Results[out.ActivityID] = out
	})
	return out
}

// checkProgress compares finished activities with what the timeline expects
// by now. It appends a warning and returns the expected count when the run
// lags further than previously reported.
func (e *Executor) checkProgress(plan *knowledge.Plan, r *run, started time.Time, reported int) int {
	if e.opts.UnitDuration <= 0 {
		return reported
	}
	units := float64(e.opts.Now().Sub(started)) / float64(e.opts.UnitDuration)
	expected := 0
	for _, w := range plan.Timeline {
		if w.End <= units {
			expected++
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	done := len(r.state.Completed) + len(r.state.Failed)
	if done >= expected || expected <= reported {
		return reported
	}
	msg := fmt.Sprintf("progress lag: %d of %d activities finished after %.1f units, timeline expects %d", done, len(plan.Activities), units, expected)
	r.state.Warnings = append(r.state.Warnings, msg)
	e.logger.Warn("plan behind timeline", zap.String("plan_id", plan.ID), zap.Int("finished", done), zap.Int("expected", expected))
	return expected
}

func (e *Executor) emit(ctx context.Context, ev Event) {
	ev.At = e.opts.Now()
	if err := e.sink.Emit(context.WithoutCancel(ctx), ev); err != nil {
		e.logger.Warn("emit execution event", zap.String("kind", ev.Kind), zap.Error(err))
	}
}

func (r *run) update(fn func(s *knowledge.ExecutionState)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.state)
}

func lastWarning(r *run) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.state.Warnings); n > 0 {
		return r.state.Warnings[n-1]
	}
	return ""
}

// checkPartition verifies that completed and failed together hold every
// activity exactly once and nothing is left pending or in progress.
func checkPartition(plan *knowledge.Plan, s knowledge.ExecutionState) error {
	if len(s.Pending) > 0 || len(s.InProgress) > 0 {
		return knowledge.NewStructuralError("executor", fmt.Sprintf("plan %s finished with %d pending and %d in progress", plan.ID, len(s.Pending), len(s.InProgress)))
	}
	seen := make(map[string]bool, len(plan.Activities))
	for _, id := range append(append([]string(nil), s.Completed...), s.Failed...) {
		if seen[id] {
			return knowledge.NewStructuralError("executor", fmt.Sprintf("activity %s recorded twice", id))
		}
		seen[id] = true
	}
	for _, a := range plan.Activities {
		if !seen[a.ID] {
			return knowledge.NewStructuralError("executor", fmt.Sprintf("activity %s has no terminal status", a.ID))
		}
	}
	if len(seen) != len(plan.Activities) {
		return knowledge.NewStructuralError("executor", "terminal set contains unknown activities")
	}
	return nil
}

func copyState(s knowledge.ExecutionState) knowledge.ExecutionState {
	out := s
	out.Pending = append([]string{}, s.Pending...)
	out.InProgress = append([]string{}, s.InProgress...)
	out.Completed = append([]string{}, s.Completed...)
	out.Failed = append([]string{}, s.Failed...)
	out.Errors = append([]string(nil), s.Errors...)
	out.Warnings = append([]string(nil), s.Warnings...)
	out.Results = make(map[string]knowledge.Outcome, len(s.Results))
	for k, v := range s.Results {
		out.Results[k] = v
	}
	return out
}

func remove(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
