package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Andy963/ads/agent"
	"github.com/Andy963/ads/events"
	"github.com/Andy963/ads/task"
)

const (
	outcomeCompleted = "completed"
	outcomeRetry     = "retry"
	outcomeFailed    = "failed"
	outcomeCancelled = "cancelled"
	outcomeLost      = "lost"
)

// maxRetryBackoff caps the delay before a retried task may be claimed.
const maxRetryBackoff = time.Minute

// ErrEmptyResult is returned for executions that produced no summary.
var ErrEmptyResult = errors.New("executor returned an empty result")

func (q *Queue) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := q.dispatch(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			q.halt(err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-ticker.C:
		}
	}
}

// halt stops accepting work after a failure of the loop itself. In-flight
// tasks run to completion.
func (q *Queue) halt(err error) {
	q.logger.Error("queue loop stopped", "err", err)
	q.mu.Lock()
	q.running = false
	q.lastErr = err.Error()
	q.mu.Unlock()
	q.metrics.running.Set(0)
	q.metrics.loopErrors.Inc()
	q.publishState(context.Background())
}

// dispatch claims as many pending tasks as free slots and lane limits allow.
func (q *Queue) dispatch(ctx context.Context) error {
	q.mu.Lock()
	free := q.cfg.Concurrency - len(q.inflight)
	lanes := make(map[string]int, len(q.inflight))
	for _, ex := range q.inflight {
		lanes[ex.lane]++
	}
	q.mu.Unlock()
	if free <= 0 {
		return nil
	}

	pending, err := q.store.List(ctx, task.Filter{Statuses: []task.Status{task.StatusPending}})
	if err != nil {
		return fmt.Errorf("list pending tasks: %w", err)
	}

	now := time.Now()
	for _, t := range pending {
		if free == 0 {
			break
		}
		if q.held(t.ID, now) {
			continue
		}
		if limit := q.laneLimit(t.Context); limit > 0 && lanes[t.Context] >= limit {
			continue
		}
		// The execution is registered before the claim commits so that a
		// CancelTask racing the claim always finds something to cancel.
		ex, execCtx := q.reserve(t)
		claimed, err := q.claim(ctx, t)
		if err != nil {
			ex.cancel()
			q.mu.Lock()
			q.release(t.ID)
			q.mu.Unlock()
			if ctx.Err() != nil {
				return nil
			}
			if !errors.Is(err, task.ErrInvalidTransition) && !errors.Is(err, task.ErrNotFound) {
				q.logger.Warn("claim task", "task_id", t.ID, "err", err)
			}
			continue
		}
		lanes[t.Context]++
		free--
		q.metrics.inflight.Inc()
		go q.execute(execCtx, claimed, ex)
	}
	return nil
}

func (q *Queue) reserve(t *task.Task) (*execution, context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ctx, cancel := context.WithCancel(q.runCtx)
	ex := &execution{cancel: cancel, lane: t.Context}
	q.inflight[t.ID] = ex
	return ex, ctx
}

func (q *Queue) held(id string, now time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	until, ok := q.holds[id]
	if !ok {
		return false
	}
	if now.Before(until) {
		return true
	}
	delete(q.holds, id)
	return false
}

func (q *Queue) claim(ctx context.Context, t *task.Task) (*task.Task, error) {
	to := task.StatusRunning
	if q.planner != nil {
		to = task.StatusPlanning
	}
	var patch task.Patch
	if q.resolver != nil {
		name, err := q.resolver.ResolveAgent(t)
		if err != nil {
			q.logger.Warn("resolve agent", "task_id", t.ID, "err", err)
		} else {
			patch.AgentID = &name
		}
	}
	return q.store.Transition(ctx, t.ID, []task.Status{task.StatusPending}, to, patch)
}

func (q *Queue) execute(ctx context.Context, t *task.Task, ex *execution) {
	defer func() {
		ex.cancel()
		q.mu.Lock()
		q.release(t.ID)
		q.mu.Unlock()
		q.metrics.inflight.Dec()
		q.NotifyNewTask()
	}()

	ctx, span := q.tracer.Start(ctx, "queue.execute", trace.WithAttributes(
		attribute.String("ads.task_id", t.ID),
		attribute.String("ads.context", t.Context),
		attribute.String("ads.agent", t.AgentID),
		attribute.Int("ads.retry_count", t.RetryCount),
	))
	defer span.End()

	start := time.Now()
	log := q.logger.With("task_id", t.ID, "agent", t.AgentID)
	log.Info("task claimed", "status", t.Status)
	q.publish(ctx, events.ForTask(events.TypeTaskUpdated, t, "claimed"))

	err := q.run(ctx, t)
	final, outcome := q.finish(ctx, t, ex, err)

	q.metrics.finished.WithLabelValues(outcome).Inc()
	q.metrics.duration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.String("ads.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn("task attempt ended", "outcome", outcome, "err", err)
	} else {
		span.SetStatus(codes.Ok, "")
		log.Info("task completed")
	}
	if final != nil {
		q.publish(ctx, events.ForTask(events.TypeTaskUpdated, final, outcome))
	}
}

// run drives a claimed task from planning through completion.
func (q *Queue) run(ctx context.Context, t *task.Task) error {
	// A cancel that landed while the task was being claimed.
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.Status == task.StatusPlanning {
		steps, err := q.planner.GeneratePlan(ctx, t)
		if err != nil {
			return &PlannerError{TaskID: t.ID, Err: err}
		}
		if err := q.store.SavePlan(ctx, t.ID, steps); err != nil {
			return fmt.Errorf("save plan: %w", err)
		}
		next, err := q.store.Transition(ctx, t.ID, []task.Status{task.StatusPlanning}, task.StatusRunning, task.Patch{})
		if err != nil {
			return err
		}
		t = next
		q.publish(ctx, events.ForTask(events.TypeTaskUpdated, t, "planned"))
	}

	res, err := q.exec.Execute(ctx, t)
	if err != nil {
		return err
	}
	if res == nil || strings.TrimSpace(res.Summary) == "" {
		return ErrEmptyResult
	}
	summary := res.Summary
	_, err = q.store.Transition(context.WithoutCancel(ctx), t.ID, []task.Status{task.StatusRunning}, task.StatusCompleted, task.Patch{Result: &summary})
	return err
}

// finish converts the execution outcome into a status transition.
func (q *Queue) finish(ctx context.Context, t *task.Task, ex *execution, err error) (*task.Task, string) {
	wctx := context.WithoutCancel(ctx)
	if err == nil {
		final, gerr := q.store.Get(wctx, t.ID)
		if gerr != nil {
			return nil, outcomeCompleted
		}
		return final, outcomeCompleted
	}

	var (
		final   *task.Task
		outcome string
		serr    error
	)
	switch {
	case ex.cancelled.Load():
		final, serr = q.store.Get(wctx, t.ID)
		outcome = outcomeCancelled
	case errors.Is(err, task.ErrInvalidTransition):
		final, serr = q.store.Get(wctx, t.ID)
		outcome = outcomeLost
		if serr == nil && final.Status == task.StatusCancelled {
			outcome = outcomeCancelled
		}
	case ex.shutdown.Load():
		final, serr = q.store.RecordAttemptFailure(wctx, t.ID, "interrupted: queue stopped")
		outcome = retryOutcome(final)
	case agent.IsCancellation(err):
		final, serr = q.store.Cancel(wctx, t.ID, err.Error())
		outcome = outcomeCancelled
	default:
		final, serr = q.store.RecordAttemptFailure(wctx, t.ID, err.Error())
		outcome = retryOutcome(final)
		if outcome == outcomeRetry {
			q.holdForRetry(final)
		}
	}
	if serr != nil {
		q.logger.Error("record task outcome", "task_id", t.ID, "outcome", outcome, "err", serr)
		return nil, outcome
	}
	return final, outcome
}

func retryOutcome(t *task.Task) string {
	if t != nil && t.Status == task.StatusPending {
		return outcomeRetry
	}
	return outcomeFailed
}

// holdForRetry keeps a retried task out of selection for an exponentially
// growing, randomized delay.
func (q *Queue) holdForRetry(t *task.Task) {
	if q.cfg.RetryBackoff <= 0 {
		return
	}
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(q.cfg.RetryBackoff),
		backoff.WithMaxInterval(maxRetryBackoff),
		backoff.WithMaxElapsedTime(0),
	)
	var d time.Duration
	for i := 0; i < t.RetryCount; i++ {
		d = b.NextBackOff()
	}
	q.mu.Lock()
	q.holds[t.ID] = time.Now().Add(d)
	q.mu.Unlock()
}
