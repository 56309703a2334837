package agent

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Andy963/ads/provider"
	"github.com/Andy963/ads/provider/mock"
	"github.com/Andy963/ads/task"
)

func TestSelectAgentForModel(t *testing.T) {
	tests := []struct {
		model string
		want  Kind
	}{
		{"gemini-1.5-pro", KindGemini},
		{"sonnet", KindClaude},
		{"claude-opus-4", KindClaude},
		{"Haiku", KindClaude},
		{"gpt-4o", KindCodex},
		{"o3-mini", KindCodex},
		{"unknown-model", KindCodex},
		{"", KindCodex},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			if got := SelectAgentForModel(tt.model); got != tt.want {
				t.Errorf("SelectAgentForModel(%q) = %s, want %s", tt.model, got, tt.want)
			}
		})
	}
}

func TestSelectAgentForTask(t *testing.T) {
	tests := []struct {
		task *task.Task
		want Kind
	}{
		{&task.Task{AgentID: "Gemini", Model: "gpt-4o"}, KindGemini},
		{&task.Task{AgentID: "nobody", Model: "claude-sonnet-4"}, KindClaude},
		{&task.Task{}, KindCodex},
	}
	for _, tt := range tests {
		if got := SelectAgentForTask(tt.task); got != tt.want {
			t.Errorf("SelectAgentForTask(%+v) = %s, want %s", tt.task, got, tt.want)
		}
	}
}

func newMockFactory(p provider.Provider, kind Kind) Factory {
	return func() (Adapter, error) { return NewProviderAdapter(kind, p), nil }
}

func TestRouter(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(KindCodex, newMockFactory(mock.New("a"), KindCodex)); err != nil {
		t.Fatalf("Register codex: %v", err)
	}
	if err := reg.Register(KindClaude, newMockFactory(mock.New("b"), KindClaude)); err != nil {
		t.Fatalf("Register claude: %v", err)
	}

	r := NewRouter(reg, KindCodex)
	if got := r.Kinds(); !slices.Equal(got, []Kind{KindClaude, KindCodex}) {
		t.Errorf("Kinds = %v, want [claude codex]", got)
	}

	k, err := r.Resolve(&task.Task{Model: "sonnet"})
	if err != nil || k != KindClaude {
		t.Errorf("Resolve(sonnet) = %s, %v; want claude", k, err)
	}
	// gemini is not registered, so the default serves it.
	k, err = r.Resolve(&task.Task{Model: "gemini-2.5-pro"})
	if err != nil || k != KindCodex {
		t.Errorf("Resolve(gemini-2.5-pro) = %s, %v; want codex", k, err)
	}

	a, err := r.New(KindClaude)
	if err != nil {
		t.Fatalf("New(claude): %v", err)
	}
	if a.Kind() != KindClaude {
		t.Errorf("adapter kind = %s, want claude", a.Kind())
	}
	if _, err := r.New(KindGemini); err == nil {
		t.Error("New(gemini): expected error for unregistered kind")
	}

	empty := NewRouter(NewRegistry(), KindCodex)
	if _, err := empty.Resolve(&task.Task{Model: "gpt-4o"}); err == nil {
		t.Error("Resolve on empty registry: expected error")
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	f := newMockFactory(mock.New(), KindGemini)

	if err := reg.Register("llama", f); err == nil {
		t.Error("Register(llama): expected error for unknown kind")
	}
	if err := reg.Register(KindGemini, f); err != nil {
		t.Fatalf("Register(gemini): %v", err)
	}
	if err := reg.Register(KindGemini, f); err == nil {
		t.Error("duplicate Register: expected error")
	}
	if _, ok := reg.Get(KindGemini); !ok {
		t.Error("Get(gemini) after Register: not found")
	}

	if err := reg.Unregister(KindGemini); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if err := reg.Unregister(KindGemini); err == nil {
		t.Error("second Unregister: expected error")
	}
	if _, ok := reg.Get(KindGemini); ok {
		t.Error("Get(gemini) after Unregister: still found")
	}
}

func TestProviderAdapter_SendKeepsHistory(t *testing.T) {
	p := mock.New("first", "second")
	a := NewProviderAdapter(KindClaude, p, WithSystemPrompt("be brief"), WithModel("sonnet"))

	res, err := a.Send(context.Background(), Text("hello"), SendOptions{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Text != "first" {
		t.Errorf("first reply = %q, want first", res.Text)
	}
	res, err = a.Send(context.Background(), Text("again"), SendOptions{Model: "opus"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Text != "second" {
		t.Errorf("second reply = %q, want second", res.Text)
	}

	reqs := p.Requests()
	if len(reqs) != 2 {
		t.Fatalf("requests = %d, want 2", len(reqs))
	}
	if reqs[0].System != "be brief" || reqs[0].Model != "sonnet" || len(reqs[0].Messages) != 1 {
		t.Errorf("first request = %+v", reqs[0])
	}
	if reqs[1].Model != "opus" {
		t.Errorf("second request model = %q, want opus", reqs[1].Model)
	}
	if len(reqs[1].Messages) != 3 {
		t.Fatalf("second request messages = %d, want 3", len(reqs[1].Messages))
	}
	if m := reqs[1].Messages[1]; m.Role != provider.RoleAssistant || m.Content != "first" {
		t.Errorf("history[1] = %+v, want assistant reply", m)
	}

	info := a.Status()
	if info.Status != StatusIdle || info.Turns != 2 || info.Provider != "mock" {
		t.Errorf("Status = %+v", info)
	}

	a.Reset()
	if _, err := a.Send(context.Background(), Text("fresh"), SendOptions{}); err != nil {
		t.Fatalf("Send after Reset: %v", err)
	}
	if n := len(p.Requests()[2].Messages); n != 1 {
		t.Errorf("messages after Reset = %d, want 1", n)
	}
	if turns := a.Status().Turns; turns != 1 {
		t.Errorf("turns after Reset = %d, want 1", turns)
	}
}

func TestProviderAdapter_Events(t *testing.T) {
	a := NewProviderAdapter(KindCodex, mock.New("streamed"))

	var (
		mu     sync.Mutex
		events []EventType
		deltas string
	)
	unsub := a.OnEvent(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev.Type)
		if ev.Type == EventDelta {
			deltas += ev.Text
		}
	})

	res, err := a.Send(context.Background(), Text("go"), SendOptions{Stream: true})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Text != "streamed" {
		t.Errorf("Text = %q, want streamed", res.Text)
	}

	mu.Lock()
	if want := []EventType{EventStarted, EventDelta, EventCompleted}; !slices.Equal(events, want) {
		t.Errorf("events = %v, want %v", events, want)
	}
	if deltas != "streamed" {
		t.Errorf("deltas = %q, want streamed", deltas)
	}
	mu.Unlock()

	unsub()
	unsub()
	if _, err := a.Send(context.Background(), Text("go"), SendOptions{}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	mu.Lock()
	if len(events) != 3 {
		t.Errorf("events after unsubscribe = %d, want 3", len(events))
	}
	mu.Unlock()
}

func TestProviderAdapter_ErrorTaxonomy(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		kind      ErrorKind
		retryable bool
	}{
		{"server error", &provider.APIError{Provider: "x", StatusCode: 503}, ErrAPI, true},
		{"bad request", &provider.APIError{Provider: "x", StatusCode: 400}, ErrAPI, false},
		{"malformed", fmt.Errorf("decode: %w", provider.ErrMalformedResponse), ErrMalformed, true},
		{"disconnect", errors.New("connection reset by peer"), ErrDisconnect, true},
		{"deadline", context.DeadlineExceeded, ErrTimeout, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewProviderAdapter(KindGemini, mock.NewScripted(mock.Reply{Err: tt.err}))
			_, err := a.Send(context.Background(), Text("x"), SendOptions{})

			var ae *AdapterError
			if !errors.As(err, &ae) {
				t.Fatalf("err = %v (%T), want *AdapterError", err, err)
			}
			if ae.Kind != tt.kind || ae.Retryable != tt.retryable || ae.Agent != KindGemini {
				t.Errorf("AdapterError = %+v, want kind %s retryable %v", ae, tt.kind, tt.retryable)
			}
			if !errors.Is(err, tt.err) {
				t.Errorf("err does not wrap %v", tt.err)
			}

			info := a.Status()
			if info.Status != StatusError || info.LastError == "" {
				t.Errorf("Status = %+v, want error with message", info)
			}
		})
	}
}

func TestProviderAdapter_Cancellation(t *testing.T) {
	a := NewProviderAdapter(KindClaude, mock.NewScripted(mock.Reply{Content: "late", Delay: 5 * time.Second}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := a.Send(ctx, Text("x"), SendOptions{})
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Send took %v after cancel", elapsed)
	}
	var ce *CancellationError
	if !errors.As(err, &ce) || !IsCancellation(err) {
		t.Fatalf("err = %v, want *CancellationError", err)
	}
}

func TestProviderAdapter_Timeout(t *testing.T) {
	a := NewProviderAdapter(KindCodex, mock.NewScripted(mock.Reply{Content: "late", Delay: 5 * time.Second}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := a.Send(ctx, Text("x"), SendOptions{})
	var ae *AdapterError
	if !errors.As(err, &ae) || ae.Kind != ErrTimeout {
		t.Fatalf("err = %v, want timeout AdapterError", err)
	}
	if IsCancellation(err) {
		t.Error("timeout reported as cancellation")
	}
}

func TestProviderAdapter_EmptyInput(t *testing.T) {
	p := mock.New()
	a := NewProviderAdapter(KindCodex, p)
	if _, err := a.Send(context.Background(), Input{}, SendOptions{}); err == nil {
		t.Error("Send(empty): expected error")
	}
	if p.Calls() != 0 {
		t.Errorf("provider calls = %d, want 0", p.Calls())
	}
}

func TestProviderAdapter_Parts(t *testing.T) {
	p := mock.New("seen")
	a := NewProviderAdapter(KindGemini, p)
	in := Input{Parts: []provider.Part{
		{Type: provider.PartText, Text: "describe"},
		{Type: provider.PartImage, MIMEType: "image/png", Data: []byte{0x89, 0x50}},
	}}
	if _, err := a.Send(context.Background(), in, SendOptions{Schema: map[string]any{"type": "object"}}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	req := p.Requests()[0]
	if len(req.Messages) != 1 || len(req.Messages[0].Parts) != 2 {
		t.Fatalf("messages = %+v, want one message with two parts", req.Messages)
	}
	if req.Schema["type"] != "object" {
		t.Errorf("Schema = %v, want object type", req.Schema)
	}
}

func TestRouter_Statuses(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(KindCodex, newMockFactory(mock.New("a"), KindCodex)); err != nil {
		t.Fatalf("Register codex: %v", err)
	}
	if err := reg.Register(KindGemini, newMockFactory(mock.NewScripted(mock.Reply{Err: errors.New("down")}), KindGemini)); err != nil {
		t.Fatalf("Register gemini: %v", err)
	}
	r := NewRouter(reg, KindCodex)

	st := r.Statuses()
	if len(st) != 2 {
		t.Fatalf("Statuses = %d entries, want 2", len(st))
	}
	if st[0].Kind != KindGemini || st[0].Status != StatusIdle {
		t.Errorf("Statuses[0] = %+v, want idle gemini", st[0])
	}

	a, err := r.New(KindGemini)
	if err != nil {
		t.Fatalf("New(gemini): %v", err)
	}
	_, _ = a.Send(context.Background(), Text("x"), SendOptions{})

	st = r.Statuses()
	if st[0].Status != StatusError || st[1].Status != StatusIdle {
		t.Errorf("Statuses = %+v, want gemini error and codex idle", st)
	}
}

// eventsProvider streams a fixed set of events.
type eventsProvider struct {
	events []provider.StreamEvent
}

func (p *eventsProvider) Name() string { return "events" }

func (p *eventsProvider) Chat(context.Context, *provider.Request) (*provider.Response, error) {
	return nil, errors.New("chat not supported")
}

func (p *eventsProvider) Stream(context.Context, *provider.Request) (<-chan provider.StreamEvent, error) {
	ch := make(chan provider.StreamEvent, len(p.events))
	for _, ev := range p.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func TestProviderAdapter_StreamErrorTaxonomy(t *testing.T) {
	malformed := fmt.Errorf("gemini: %w: unexpected end of JSON input", provider.ErrMalformedResponse)
	apiErr := &provider.APIError{Provider: "x", StatusCode: 529}
	tests := []struct {
		name string
		ev   provider.StreamEvent
		kind ErrorKind
	}{
		{"malformed chunk", provider.StreamEvent{Type: "error", Error: malformed.Error(), Err: malformed}, ErrMalformed},
		{"api error", provider.StreamEvent{Type: "error", Err: apiErr}, ErrAPI},
		{"untyped", provider.StreamEvent{Type: "error", Error: "overloaded_error: busy"}, ErrDisconnect},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &eventsProvider{events: []provider.StreamEvent{{Type: "text", Text: "par"}, tt.ev}}
			a := NewProviderAdapter(KindGemini, p)
			_, err := a.Send(context.Background(), Text("x"), SendOptions{Stream: true})

			var ae *AdapterError
			if !errors.As(err, &ae) {
				t.Fatalf("err = %v (%T), want *AdapterError", err, err)
			}
			if ae.Kind != tt.kind {
				t.Errorf("Kind = %s, want %s", ae.Kind, tt.kind)
			}
			if tt.ev.Err != nil && !errors.Is(err, tt.ev.Err) {
				t.Errorf("err does not wrap %v", tt.ev.Err)
			}
			if tt.ev.Err == nil && !strings.Contains(err.Error(), "overloaded_error") {
				t.Errorf("err = %v, want provider message kept", err)
			}
		})
	}
}
