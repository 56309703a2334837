// Package executor runs queued tasks on agent adapters.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Andy963/ads/agent"
	"github.com/Andy963/ads/events"
	"github.com/Andy963/ads/provider"
	"github.com/Andy963/ads/queue"
	"github.com/Andy963/ads/syncx"
	"github.com/Andy963/ads/task"
)

const defaultSessionCacheSize = 16

// Limit bounds calls to one backend family.
type Limit struct {
	Concurrent int     `yaml:"concurrent" json:"concurrent"`
	PerSecond  float64 `yaml:"per_second" json:"per_second"`
	Burst      int     `yaml:"burst" json:"burst"`
}

// Config tunes an AgentExecutor.
type Config struct {
	// SessionCacheSize is how many idle adapter sessions are kept per
	// (context, agent) pair across all lanes.
	SessionCacheSize int
	// Timeout bounds a single task execution. Zero means no bound.
	Timeout time.Duration
	// Stream forwards partial output as progress events.
	Stream       bool
	SystemPrompt string
	Limits       map[agent.Kind]Limit
}

// AttachmentResolver turns opaque attachment ids into message parts.
type AttachmentResolver interface {
	Resolve(ctx context.Context, id string) (provider.Part, error)
}

type sessionKey struct {
	lane string
	kind agent.Kind
}

// AgentExecutor runs tasks on the adapter the router picks for them.
// Idle sessions of a context are reused by later tasks of that context.
type AgentExecutor struct {
	router      *agent.Router
	attachments AttachmentResolver
	bus         events.Bus
	logger      *slog.Logger
	cfg         Config

	mu       sync.Mutex
	sessions *lru.Cache[sessionKey, agent.Adapter]
	limiters map[agent.Kind]*syncx.Limiter
}

var (
	_ queue.Executor      = (*AgentExecutor)(nil)
	_ queue.AgentResolver = (*AgentExecutor)(nil)
)

// Option configures an AgentExecutor.
type Option func(*AgentExecutor)

// WithAttachments resolves task attachments into message parts.
func WithAttachments(r AttachmentResolver) Option {
	return func(e *AgentExecutor) { e.attachments = r }
}

// WithBus forwards adapter events as task progress events.
func WithBus(b events.Bus) Option { return func(e *AgentExecutor) { e.bus = b } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(e *AgentExecutor) { e.logger = l } }

// New creates an AgentExecutor.
func New(router *agent.Router, cfg Config, opts ...Option) (*AgentExecutor, error) {
	size := cfg.SessionCacheSize
	if size <= 0 {
		size = defaultSessionCacheSize
	}
	cache, err := lru.New[sessionKey, agent.Adapter](size)
	if err != nil {
		return nil, fmt.Errorf("create session cache: %w", err)
	}
	e := &AgentExecutor{
		router:   router,
		cfg:      cfg,
		logger:   slog.Default(),
		sessions: cache,
		limiters: make(map[agent.Kind]*syncx.Limiter),
	}
	for kind, l := range cfg.Limits {
		e.limiters[kind] = syncx.NewLimiter(l.Concurrent, l.PerSecond, l.Burst)
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// ResolveAgent names the backend family that will run t.
func (e *AgentExecutor) ResolveAgent(t *task.Task) (string, error) {
	kind, err := e.router.Resolve(t)
	if err != nil {
		return "", err
	}
	return string(kind), nil
}

// Execute sends the task to its adapter and returns the reply as the result
// summary.
func (e *AgentExecutor) Execute(ctx context.Context, t *task.Task) (*queue.Result, error) {
	kind, err := e.router.Resolve(t)
	if err != nil {
		return nil, err
	}
	a, err := e.checkout(t.Context, kind)
	if err != nil {
		return nil, err
	}
	defer e.checkin(t.Context, kind, a)
	a.Reset()

	unsub := a.OnEvent(func(ev agent.Event) { e.forward(ctx, t, ev) })
	defer unsub()

	in, err := e.input(ctx, t)
	if err != nil {
		return nil, err
	}

	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	opts := agent.SendOptions{Stream: e.cfg.Stream, Model: t.Model, System: e.cfg.SystemPrompt}
	var res *agent.Result
	send := func(ctx context.Context) error {
		var err error
		res, err = a.Send(ctx, in, opts)
		return err
	}
	if l, ok := e.limiters[kind]; ok {
		err = l.Do(ctx, send)
	} else {
		err = send(ctx)
	}
	if err != nil {
		return nil, limiterError(ctx, kind, err)
	}
	e.logger.Debug("task executed", "task_id", t.ID, "agent", kind, "output_tokens", res.Usage.OutputTokens)
	return &queue.Result{Summary: res.Text}, nil
}

// checkout takes an idle session for the lane or creates one. Tasks without
// a context always get a fresh session.
func (e *AgentExecutor) checkout(lane string, kind agent.Kind) (agent.Adapter, error) {
	if lane != "" {
		key := sessionKey{lane: lane, kind: kind}
		e.mu.Lock()
		a, ok := e.sessions.Get(key)
		if ok {
			e.sessions.Remove(key)
		}
		e.mu.Unlock()
		if ok {
			return a, nil
		}
	}
	return e.router.New(kind)
}

func (e *AgentExecutor) checkin(lane string, kind agent.Kind, a agent.Adapter) {
	if lane == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessions.Add(sessionKey{lane: lane, kind: kind}, a)
}

// Sessions reports how many idle sessions are cached.
func (e *AgentExecutor) Sessions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions.Len()
}

func (e *AgentExecutor) input(ctx context.Context, t *task.Task) (agent.Input, error) {
	text := buildPrompt(t)
	if len(t.Attachments) == 0 {
		return agent.Text(text), nil
	}
	if e.attachments == nil {
		return agent.Text(text + "\n\nAttachments: " + strings.Join(t.Attachments, ", ")), nil
	}
	parts := []provider.Part{{Type: provider.PartText, Text: text}}
	for _, id := range t.Attachments {
		p, err := e.attachments.Resolve(ctx, id)
		if err != nil {
			return agent.Input{}, fmt.Errorf("resolve attachment %s: %w", id, err)
		}
		parts = append(parts, p)
	}
	return agent.Input{Parts: parts}, nil
}

// buildPrompt renders the task, and its plan when one exists, as the user
// turn.
func buildPrompt(t *task.Task) string {
	var sb strings.Builder
	if t.Title != "" && t.Title != t.Prompt {
		sb.WriteString("Task: ")
		sb.WriteString(t.Title)
		sb.WriteString("\n\n")
	}
	sb.WriteString(t.Prompt)
	if len(t.Plan) > 0 {
		sb.WriteString("\n\nPlan:")
		for _, s := range t.Plan {
			fmt.Fprintf(&sb, "\n%d. %s", s.Order, s.Title)
			if s.Description != "" {
				sb.WriteString(" - ")
				sb.WriteString(s.Description)
			}
		}
	}
	return sb.String()
}

func (e *AgentExecutor) forward(ctx context.Context, t *task.Task, ev agent.Event) {
	if e.bus == nil {
		return
	}
	out := &events.Event{
		Type:    events.TypeTaskProgress,
		TaskID:  t.ID,
		Context: t.Context,
		Status:  task.StatusRunning,
		Message: string(ev.Type),
	}
	if err := e.bus.Publish(context.WithoutCancel(ctx), out.WithData(ev)); err != nil {
		e.logger.Debug("forward progress", "task_id", t.ID, "err", err)
	}
}

// limiterError maps a limiter wait aborted by ctx into the adapter error
// taxonomy. Adapter errors pass through.
func limiterError(ctx context.Context, kind agent.Kind, err error) error {
	var (
		ae *agent.AdapterError
		ce *agent.CancellationError
	)
	if errors.As(err, &ae) || errors.As(err, &ce) {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return &agent.CancellationError{Agent: kind, Err: err}
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &agent.AdapterError{Agent: kind, Kind: agent.ErrTimeout, Retryable: true, Err: err}
	}
	return err
}
