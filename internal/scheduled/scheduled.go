// Package scheduled runs a task on an agent whenever a polled condition holds.
package scheduled

import (
	"context"
	"fmt"
	"time"

	"github.com/IMEsec-USP/vumos-common/internal/agent"
)

// DefaultPoolInterval is the delay between two condition evaluations.
const DefaultPoolInterval = time.Hour

// Condition decides whether the task should run now. The returned value is
// passed to the task when ok is true.
type Condition func(ctx context.Context, svc *agent.Service) (value any, ok bool)

// Task is the domain work of a scheduled service.
type Task func(ctx context.Context, svc *agent.Service, value any) error

type Options struct {
	// PoolInterval defaults to DefaultPoolInterval.
	PoolInterval time.Duration
}

// Runner evaluates the condition every PoolInterval and runs the task while
// reporting a running status.
type Runner struct {
	svc      *agent.Service
	cond     Condition
	task     Task
	interval time.Duration
}

// New creates a Runner, sets the idle status on svc and registers the
// scheduling loop so svc.Run drives it.
func New(svc *agent.Service, cond Condition, task Task, opts Options) *Runner {
	if opts.PoolInterval <= 0 {
		opts.PoolInterval = DefaultPoolInterval
	}

	r := &Runner{
		svc:      svc,
		cond:     cond,
		task:     task,
		interval: opts.PoolInterval,
	}
	svc.SetStatus(r.idleStatus())
	svc.AddLoop("scheduled", r.loop)
	return r
}

func (r *Runner) idleStatus() agent.Status {
	return agent.NewStatus(agent.StatusIdle, fmt.Sprintf("[IDLE] Service <%s> is idle", r.svc.Name()))
}

func (r *Runner) runningStatus() agent.Status {
	return agent.NewStatus(agent.StatusRunning, fmt.Sprintf("[RUNNING] <%s> service is running", r.svc.Name()))
}

func (r *Runner) loop(ctx context.Context) {
	for r.svc.Running() {
		r.Tick(ctx)
		if !r.svc.Sleep(ctx, r.interval) {
			return
		}
	}
}

// Tick evaluates the condition once and runs the task when it holds.
// It reports whether the task ran.
func (r *Runner) Tick(ctx context.Context) bool {
	value, ok := r.evaluate(ctx)
	if !ok {
		return false
	}

	r.svc.SetStatus(r.runningStatus())
	defer r.svc.SetStatus(r.idleStatus())

	start := time.Now()
	err := r.execute(ctx, value)
	r.svc.Metrics().RecordTaskRun(ctx, r.svc.Name(), err == nil, time.Since(start))

	if err != nil {
		r.svc.Logger().ErrorContext(ctx, "Scheduled task failed",
			"loop", "scheduled",
			"error", err,
			"error_kind", "domain_task_failure",
		)
	}
	return true
}

func (r *Runner) evaluate(ctx context.Context) (value any, ok bool) {
	if r.cond == nil {
		return nil, false
	}
	defer func() {
		if p := recover(); p != nil {
			r.svc.Logger().ErrorContext(ctx, "Scheduled condition panicked",
				"loop", "scheduled",
				"panic", p,
				"error_kind", "domain_task_failure",
			)
			value, ok = nil, false
		}
	}()
	return r.cond(ctx, r.svc)
}

func (r *Runner) execute(ctx context.Context, value any) (err error) {
	ctx, span := r.svc.Traces().StartTaskSpan(ctx, r.svc.Name())
	defer span.End()

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: panic: %v", agent.ErrDomainTask, p)
		}
		if err != nil {
			r.svc.Traces().RecordError(span, err)
		} else {
			r.svc.Traces().SetSpanSuccess(span)
		}
	}()

	if r.task == nil {
		return nil
	}
	if taskErr := r.task(ctx, r.svc, value); taskErr != nil {
		return fmt.Errorf("%w: %w", agent.ErrDomainTask, taskErr)
	}
	return nil
}
