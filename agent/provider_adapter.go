package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Andy963/ads/provider"
	"github.com/Andy963/ads/syncx"
)

// ProviderAdapter runs an Adapter session on top of a chat provider.
// The conversation history accumulates across Send calls until Reset.
type ProviderAdapter struct {
	kind   Kind
	prov   provider.Provider
	system string
	model  string
	logger *slog.Logger

	// turn serializes Send calls; waiting for it honours ctx.
	turn *syncx.Mutex

	mu        sync.RWMutex
	history   []provider.Message
	status    Status
	turns     int
	lastErr   string
	updatedAt time.Time

	lmu       sync.RWMutex
	listeners map[int]func(Event)
	nextID    int
}

// ProviderOption configures a ProviderAdapter.
type ProviderOption func(*ProviderAdapter)

// WithSystemPrompt sets the default system prompt for every turn.
func WithSystemPrompt(s string) ProviderOption {
	return func(a *ProviderAdapter) { a.system = s }
}

// WithModel sets the default model.
func WithModel(m string) ProviderOption {
	return func(a *ProviderAdapter) { a.model = m }
}

// WithLogger sets the adapter logger.
func WithLogger(l *slog.Logger) ProviderOption {
	return func(a *ProviderAdapter) { a.logger = l }
}

// NewProviderAdapter wraps p as an Adapter for kind.
func NewProviderAdapter(kind Kind, p provider.Provider, opts ...ProviderOption) *ProviderAdapter {
	a := &ProviderAdapter{
		kind:      kind,
		prov:      p,
		logger:    slog.Default(),
		turn:      syncx.NewMutex(),
		status:    StatusIdle,
		updatedAt: time.Now(),
		listeners: make(map[int]func(Event)),
	}
	for _, o := range opts {
		o(a)
	}
	a.logger = a.logger.With("agent", string(kind), "provider", p.Name())
	return a
}

// Kind returns the backend family.
func (a *ProviderAdapter) Kind() Kind { return a.kind }

// Send runs one conversational turn.
func (a *ProviderAdapter) Send(ctx context.Context, in Input, opts SendOptions) (*Result, error) {
	if in.Text == "" && len(in.Parts) == 0 {
		return nil, &AdapterError{Agent: a.kind, Kind: ErrAPI, Err: errors.New("empty input")}
	}
	if err := a.turn.Lock(ctx); err != nil {
		return nil, &CancellationError{Agent: a.kind, Err: err}
	}
	defer a.turn.Unlock()

	user := provider.Message{Role: provider.RoleUser, Content: in.Text, Parts: in.Parts}
	req := &provider.Request{
		System:   firstNonEmpty(opts.System, a.system),
		Messages: append(a.snapshotHistory(), user),
		Model:    firstNonEmpty(opts.Model, a.model),
		Schema:   opts.Schema,
	}

	a.setStatus(StatusWorking, "")
	a.emit(Event{Type: EventStarted})

	var (
		resp *provider.Response
		err  error
	)
	if opts.Stream {
		resp, err = a.stream(ctx, req)
	} else {
		resp, err = a.prov.Chat(ctx, req)
	}
	if err != nil {
		err = classify(ctx, a.kind, err)
		a.logger.Warn("send failed", "error", err)
		a.setStatus(StatusError, err.Error())
		a.emit(Event{Type: EventFailed, Error: err.Error()})
		return nil, err
	}

	for _, tc := range resp.ToolCalls {
		a.emit(Event{Type: EventToolCall, Tool: tc.Name})
	}

	a.mu.Lock()
	a.history = append(a.history, user, provider.Message{Role: provider.RoleAssistant, Content: resp.Content})
	a.turns++
	a.mu.Unlock()
	a.setStatus(StatusIdle, "")
	a.emit(Event{Type: EventCompleted, Text: resp.Content})

	return &Result{Text: resp.Content, Usage: resp.Usage}, nil
}

// stream drains a provider stream, forwarding text deltas to listeners.
func (a *ProviderAdapter) stream(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	ch, err := a.prov.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	var (
		sb   strings.Builder
		resp provider.Response
		done bool
	)
	for ev := range ch {
		switch ev.Type {
		case "text":
			sb.WriteString(ev.Text)
			a.emit(Event{Type: EventDelta, Text: ev.Text})
		case "tool_call":
			if ev.Tool != nil {
				resp.ToolCalls = append(resp.ToolCalls, *ev.Tool)
			}
		case "error":
			return nil, fmt.Errorf("stream: %w", ev.Failure())
		case "done":
			if ev.Usage != nil {
				resp.Usage = *ev.Usage
			}
			done = true
		}
	}
	if !done {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, errors.New("stream closed before completion")
	}
	resp.Content = sb.String()
	return &resp, nil
}

// OnEvent registers fn for adapter events.
func (a *ProviderAdapter) OnEvent(fn func(Event)) func() {
	a.lmu.Lock()
	id := a.nextID
	a.nextID++
	a.listeners[id] = fn
	a.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			a.lmu.Lock()
			delete(a.listeners, id)
			a.lmu.Unlock()
		})
	}
}

// Reset drops the conversation history.
func (a *ProviderAdapter) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = nil
	a.turns = 0
	a.lastErr = ""
	a.status = StatusIdle
	a.updatedAt = time.Now()
}

// Status returns a snapshot of the adapter state.
func (a *ProviderAdapter) Status() Info {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Info{
		Kind:      a.kind,
		Provider:  a.prov.Name(),
		Status:    a.status,
		Turns:     a.turns,
		LastError: a.lastErr,
		UpdatedAt: a.updatedAt,
	}
}

func (a *ProviderAdapter) snapshotHistory() []provider.Message {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]provider.Message, len(a.history), len(a.history)+1)
	copy(out, a.history)
	return out
}

func (a *ProviderAdapter) setStatus(s Status, lastErr string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status = s
	if s == StatusError {
		a.lastErr = lastErr
	}
	a.updatedAt = time.Now()
}

func (a *ProviderAdapter) emit(ev Event) {
	ev.Kind = a.kind
	ev.Timestamp = time.Now()
	a.lmu.RLock()
	fns := make([]func(Event), 0, len(a.listeners))
	for _, fn := range a.listeners {
		fns = append(fns, fn)
	}
	a.lmu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
