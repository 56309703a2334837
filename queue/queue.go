// Package queue schedules persisted tasks onto executors. One control loop
// claims pending tasks through the store's compare-and-set transitions and
// runs up to Concurrency of them at a time.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/Andy963/ads/events"
	"github.com/Andy963/ads/syncx"
	"github.com/Andy963/ads/task"
)

// Result is what an executor produced for a task.
type Result struct {
	Summary string `json:"summary"`
}

// Executor runs a claimed task. It must return promptly once ctx is done.
type Executor interface {
	Execute(ctx context.Context, t *task.Task) (*Result, error)
}

// Planner breaks a task into ordered steps before execution.
type Planner interface {
	GeneratePlan(ctx context.Context, t *task.Task) ([]task.PlanStep, error)
}

// AgentResolver names the backend that will run a task. The name is stored
// on the task when it is claimed.
type AgentResolver interface {
	ResolveAgent(t *task.Task) (string, error)
}

// Config controls scheduling.
type Config struct {
	// Concurrency is the maximum number of tasks in flight.
	Concurrency int `yaml:"concurrency" json:"concurrency"`
	// PollInterval is the fallback wake-up period when no notification
	// arrives.
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
	// DefaultLaneLimit caps in-flight tasks per context, the empty default
	// context included. LaneLimits overrides it per context. Zero or less
	// means no cap.
	DefaultLaneLimit int            `yaml:"default_lane_limit" json:"default_lane_limit"`
	LaneLimits       map[string]int `yaml:"lane_limits" json:"lane_limits,omitempty"`
	// RetryBackoff delays the next claim of a retried task. Zero retries
	// immediately.
	RetryBackoff time.Duration `yaml:"retry_backoff" json:"retry_backoff"`
}

// DefaultConfig returns the default scheduling configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:      1,
		PollInterval:     2 * time.Second,
		DefaultLaneLimit: 1,
	}
}

// State is a snapshot of the scheduler.
type State struct {
	Running  bool   `json:"running"`
	InFlight int    `json:"in_flight"`
	Err      string `json:"error,omitempty"`
}

// Queue is the task scheduler.
type Queue struct {
	store    task.Store
	exec     Executor
	planner  Planner
	resolver AgentResolver
	bus      events.Bus
	logger   *slog.Logger
	metrics  *Metrics
	tracer   trace.Tracer
	cfg      Config

	// admin serializes operations that read and then write several tasks.
	admin *syncx.Mutex
	wake  chan struct{}
	cron  *cron.Cron

	mu         sync.Mutex
	running    bool
	lastErr    string
	loopCancel context.CancelFunc
	loopDone   chan struct{}
	runCtx     context.Context
	runCancel  context.CancelFunc
	inflight   map[string]*execution
	// idle is closed when the last in-flight execution ends.
	idle  chan struct{}
	holds map[string]time.Time
}

type execution struct {
	cancel context.CancelFunc
	lane   string
	// cancelled is set when CancelTask already moved the task to cancelled.
	cancelled atomic.Bool
	// shutdown is set when Shutdown gave up waiting for the task.
	shutdown atomic.Bool
}

// Option configures a Queue.
type Option func(*Queue)

// WithPlanner runs p before every execution. Claimed tasks pass through the
// planning status.
func WithPlanner(p Planner) Option { return func(q *Queue) { q.planner = p } }

// WithAgentResolver records the resolved backend on claimed tasks.
func WithAgentResolver(r AgentResolver) Option { return func(q *Queue) { q.resolver = r } }

// WithBus publishes task and queue events on b.
func WithBus(b events.Bus) Option { return func(q *Queue) { q.bus = b } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(q *Queue) { q.logger = l } }

// WithMetrics records scheduler metrics in m.
func WithMetrics(m *Metrics) Option { return func(q *Queue) { q.metrics = m } }

// WithTracer overrides the global OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option { return func(q *Queue) { q.tracer = t } }

// New creates a stopped Queue.
func New(store task.Store, exec Executor, cfg Config, opts ...Option) *Queue {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	q := &Queue{
		store:    store,
		exec:     exec,
		cfg:      cfg,
		logger:   slog.Default(),
		tracer:   otel.Tracer("github.com/Andy963/ads/queue"),
		admin:    syncx.NewMutex(),
		wake:     make(chan struct{}, 1),
		inflight: make(map[string]*execution),
		holds:    make(map[string]time.Time),
	}
	for _, o := range opts {
		o(q)
	}
	if q.metrics == nil {
		q.metrics = NewMetrics(nil)
	}
	return q
}

// Start launches the control loop. Tasks left in planning or running by a
// previous process are sent back through the retry path first. Starting a
// running queue is a no-op.
func (q *Queue) Start(ctx context.Context) error {
	return q.admin.WithLock(ctx, func(ctx context.Context) error {
		q.mu.Lock()
		if q.running {
			q.mu.Unlock()
			return nil
		}
		q.mu.Unlock()

		if err := q.recoverInterrupted(ctx); err != nil {
			return fmt.Errorf("recover interrupted tasks: %w", err)
		}

		base := context.WithoutCancel(ctx)
		loopCtx, loopCancel := context.WithCancel(base)
		done := make(chan struct{})

		q.mu.Lock()
		if q.loopCancel != nil {
			// Left behind by a loop that halted on its own.
			q.loopCancel()
		}
		// Executions that outlived a Stop keep their context.
		if q.runCtx == nil {
			q.runCtx, q.runCancel = context.WithCancel(base)
		}
		q.running = true
		q.lastErr = ""
		q.loopCancel = loopCancel
		q.loopDone = done
		q.mu.Unlock()

		go q.loop(loopCtx, done)
		if q.cron != nil {
			q.cron.Start()
		}
		q.metrics.running.Set(1)
		q.logger.Info("queue started", "concurrency", q.cfg.Concurrency)
		q.publishState(ctx)
		return nil
	})
}

// Stop halts the control loop. In-flight tasks are never interrupted: Stop
// waits for them until ctx ends and then returns ctx.Err() while they keep
// running to completion in the background.
func (q *Queue) Stop(ctx context.Context) error {
	return q.stop(ctx, false)
}

// Shutdown halts the control loop and waits for in-flight tasks like Stop.
// When ctx ends first, remaining executions are interrupted and their tasks
// go back through the retry path. It is meant for process exit.
func (q *Queue) Shutdown(ctx context.Context) error {
	return q.stop(ctx, true)
}

func (q *Queue) stop(ctx context.Context, interrupt bool) error {
	// Promotion jobs take the admin lock, so they must drain first.
	if q.cron != nil {
		<-q.cron.Stop().Done()
	}
	return q.admin.WithLock(ctx, func(ctx context.Context) error {
		q.mu.Lock()
		cancel, done := q.loopCancel, q.loopDone
		wasRunning := q.running
		q.running = false
		q.loopCancel = nil
		q.mu.Unlock()

		if cancel != nil {
			cancel()
			<-done
		}
		q.metrics.running.Set(0)
		if wasRunning {
			q.logger.Info("queue stopped")
			q.publishState(context.WithoutCancel(ctx))
		}

		var err error
		select {
		case <-q.idleCh():
		case <-ctx.Done():
			err = ctx.Err()
			if !interrupt {
				q.logger.Info("queue stopped with tasks still in flight", "in_flight", q.State().InFlight)
				return err
			}
			q.interruptAll()
			<-q.idleCh()
		}

		q.mu.Lock()
		if q.runCancel != nil && len(q.inflight) == 0 {
			q.runCancel()
			q.runCtx, q.runCancel = nil, nil
		}
		q.mu.Unlock()
		return err
	})
}

// idleCh returns a channel that is closed once nothing is in flight.
func (q *Queue) idleCh() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.inflight) == 0 {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	if q.idle == nil {
		q.idle = make(chan struct{})
	}
	return q.idle
}

// release drops an in-flight entry. q.mu must be held.
func (q *Queue) release(id string) {
	delete(q.inflight, id)
	if len(q.inflight) == 0 && q.idle != nil {
		close(q.idle)
		q.idle = nil
	}
}

// NotifyNewTask wakes the control loop without blocking.
func (q *Queue) NotifyNewTask() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// State returns a snapshot of the scheduler.
func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return State{Running: q.running, InFlight: len(q.inflight), Err: q.lastErr}
}

func (q *Queue) laneLimit(lane string) int {
	if n, ok := q.cfg.LaneLimits[lane]; ok {
		return n
	}
	return q.cfg.DefaultLaneLimit
}

func (q *Queue) interruptAll() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, ex := range q.inflight {
		q.logger.Warn("interrupting task on shutdown", "task_id", id)
		ex.shutdown.Store(true)
		ex.cancel()
	}
}

// recoverInterrupted requeues tasks stuck in an execution status with no
// live execution behind them.
func (q *Queue) recoverInterrupted(ctx context.Context) error {
	stuck, err := q.store.List(ctx, task.Filter{Statuses: []task.Status{task.StatusPlanning, task.StatusRunning}})
	if err != nil {
		return err
	}
	for _, t := range stuck {
		q.mu.Lock()
		_, live := q.inflight[t.ID]
		q.mu.Unlock()
		if live {
			continue
		}
		after, err := q.store.RecordAttemptFailure(ctx, t.ID, "interrupted before completion")
		if err != nil {
			q.logger.Warn("recover task", "task_id", t.ID, "err", err)
			continue
		}
		q.logger.Info("recovered interrupted task", "task_id", t.ID, "status", after.Status)
		q.publish(ctx, events.ForTask(events.TypeTaskUpdated, after, "recovered"))
	}
	return nil
}

func (q *Queue) publish(ctx context.Context, ev *events.Event) {
	if q.bus == nil {
		return
	}
	if err := q.bus.Publish(ctx, ev); err != nil {
		q.logger.Warn("publish event", "type", ev.Type, "task_id", ev.TaskID, "err", err)
	}
}

func (q *Queue) publishState(ctx context.Context) {
	st := q.State()
	q.publish(ctx, (&events.Event{Type: events.TypeQueueState, Message: st.Err}).WithData(st))
}
