package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sbenjam1n/kgap/internal/knowledge"
)

// RunResult is what a runner reports for a successful activity.
type RunResult struct {
	Detail      string   `json:"detail,omitempty"`
	StoredItems []string `json:"stored_items,omitempty"`
}

// ActivityRunner performs one activity. Returning an error that wraps
// knowledge.ErrUnrecoverable halts the whole plan.
type ActivityRunner interface {
	RunActivity(ctx context.Context, plan *knowledge.Plan, a knowledge.Activity) (RunResult, error)
}

// RunnerFunc adapts a function to ActivityRunner.
type RunnerFunc func(ctx context.Context, plan *knowledge.Plan, a knowledge.Activity) (RunResult, error)

func (f RunnerFunc) RunActivity(ctx context.Context, plan *knowledge.Plan, a knowledge.Activity) (RunResult, error) {
	return f(ctx, plan, a)
}

// Task is one dispatched activity. It resolves when the runner returns or
// the deadline passes, whichever comes first, so a runner that ignores its
// context can never hold up the scheduler.
type Task struct {
	Activity  knowledge.Activity
	StartedAt time.Time

	done     chan struct{}
	cancel   context.CancelFunc
	result   RunResult
	err      error
	timedOut bool
}

// startTask dispatches a onto runner and sends the task on notify once it
// resolves. notify must have room for every task ever started.
func startTask(parent context.Context, runner ActivityRunner, plan *knowledge.Plan, a knowledge.Activity, timeout time.Duration, now time.Time, notify chan<- *Task) *Task {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, timeout)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}
	t := &Task{Activity: a, StartedAt: now, done: make(chan struct{}), cancel: cancel}

	type ran struct {
		res RunResult
		err error
	}
	finished := make(chan ran, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				finished <- ran{err: fmt.Errorf("activity %s panicked: %v", a.ID, r)}
			}
		}()
		res, err := runner.RunActivity(ctx, plan, a)
		finished <- ran{res: res, err: err}
	}()

	go func() {
		defer cancel()
		select {
		case r := <-finished:
			t.result, t.err = r.res, r.err
			if t.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				t.timedOut = true
			}
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				t.timedOut = true
				t.err = fmt.Errorf("activity %s exceeded its %s deadline", a.ID, timeout)
			} else {
				t.err = ctx.Err()
			}
		}
		close(t.done)
		notify <- t
	}()
	return t
}

// Done is closed once the task has resolved.
func (t *Task) Done() <-chan struct{} { return t.done }

// Cancel asks the runner to stop. The task still resolves normally.
func (t *Task) Cancel() { t.cancel() }

// Result blocks until the task resolves.
func (t *Task) Result() (RunResult, error) {
	<-t.done
	return t.result, t.err
}

// TimedOut reports whether the deadline passed before the runner returned.
func (t *Task) TimedOut() bool {
	<-t.done
	return t.timedOut
}
