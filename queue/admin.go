package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/Andy963/ads/events"
	"github.com/Andy963/ads/task"
)

// PromotionRule promotes queued tasks of one context on a cron schedule.
type PromotionRule struct {
	// Schedule is a standard five-field cron expression or a descriptor
	// such as "@every 5m".
	Schedule string `yaml:"schedule" json:"schedule"`
	Context  string `yaml:"context" json:"context"`
}

// PromoteQueuedTasksToPending makes queued tasks of lane eligible for
// scheduling, in priority order, until the lane is at its limit. It returns
// the number of tasks promoted.
func (q *Queue) PromoteQueuedTasksToPending(ctx context.Context, lane string) (int, error) {
	promoted := 0
	err := q.admin.WithLock(ctx, func(ctx context.Context) error {
		queued, err := q.store.List(ctx, task.Filter{
			Statuses: []task.Status{task.StatusQueued},
			Context:  &lane,
		})
		if err != nil {
			return fmt.Errorf("list queued tasks: %w", err)
		}
		room := len(queued)
		if limit := q.laneLimit(lane); limit > 0 {
			active, err := q.store.List(ctx, task.Filter{
				Statuses: []task.Status{task.StatusPending, task.StatusPlanning, task.StatusRunning},
				Context:  &lane,
			})
			if err != nil {
				return fmt.Errorf("list active tasks: %w", err)
			}
			room = min(room, max(limit-len(active), 0))
		}
		for _, t := range queued[:room] {
			p, err := q.store.Promote(ctx, t.ID)
			if errors.Is(err, task.ErrInvalidTransition) || errors.Is(err, task.ErrNotFound) {
				continue
			}
			if err != nil {
				return fmt.Errorf("promote %s: %w", t.ID, err)
			}
			promoted++
			q.publish(ctx, events.ForTask(events.TypeTaskUpdated, p, "promoted"))
		}
		return nil
	})
	if promoted > 0 {
		q.metrics.promoted.Add(float64(promoted))
		q.logger.Info("promoted queued tasks", "context", lane, "count", promoted)
		q.NotifyNewTask()
	}
	return promoted, err
}

// CancelTask cancels a task and aborts its execution if one is in flight.
// Cancelling a task that already finished returns it unchanged.
func (q *Queue) CancelTask(ctx context.Context, id, reason string) (*task.Task, error) {
	t, err := q.store.Cancel(ctx, id, reason)
	if errors.Is(err, task.ErrInvalidTransition) {
		cur, gerr := q.store.Get(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		switch {
		case cur.Status.Terminal():
			return cur, nil
		case cur.Status == task.StatusPaused:
			if _, err := q.store.Resume(ctx, id); err != nil {
				return nil, err
			}
			t, err = q.store.Cancel(ctx, id, reason)
		}
	}
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	ex := q.inflight[id]
	delete(q.holds, id)
	q.mu.Unlock()
	if ex != nil {
		ex.cancelled.Store(true)
		ex.cancel()
	}
	q.logger.Info("task cancelled", "task_id", id, "in_flight", ex != nil)
	q.publish(ctx, events.ForTask(events.TypeTaskUpdated, t, "cancelled"))
	return t, nil
}

// RunTask makes a task eligible to run now and wakes the loop. Queued tasks
// are promoted and paused tasks resumed. It fails with ErrDisabled while the
// queue is not running and leaves the task untouched.
func (q *Queue) RunTask(ctx context.Context, id string) (*task.Task, error) {
	if !q.State().Running {
		return nil, ErrDisabled
	}
	t, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch t.Status {
	case task.StatusQueued:
		t, err = q.store.Promote(ctx, id)
	case task.StatusPaused:
		t, err = q.store.Resume(ctx, id)
	case task.StatusPending:
	default:
		return nil, &task.InvalidTransitionError{ID: id, Current: t.Status, To: task.StatusPending}
	}
	if err != nil {
		return nil, err
	}
	q.mu.Lock()
	delete(q.holds, id)
	q.mu.Unlock()
	q.NotifyNewTask()
	return t, nil
}

// SchedulePromotions installs cron jobs promoting each rule's context. It
// replaces previously scheduled rules; jobs run only while the queue runs.
func (q *Queue) SchedulePromotions(rules []PromotionRule) error {
	if q.cron != nil {
		<-q.cron.Stop().Done()
	}
	c := cron.New(
		cron.WithLogger(cron.PrintfLogger(slog.NewLogLogger(q.logger.Handler(), slog.LevelDebug))),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	for _, r := range rules {
		lane := r.Context
		if _, err := c.AddFunc(r.Schedule, func() {
			if _, err := q.PromoteQueuedTasksToPending(context.Background(), lane); err != nil {
				q.logger.Warn("scheduled promotion", "context", lane, "err", err)
			}
		}); err != nil {
			return fmt.Errorf("schedule promotion %q for context %q: %w", r.Schedule, lane, err)
		}
	}
	q.cron = c
	if q.State().Running {
		c.Start()
	}
	return nil
}
