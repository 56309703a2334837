// Package mock provides a scripted AI provider for testing.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/Andy963/ads/provider"
)

const defaultResponse = "Task acknowledged. Working on it."

// Reply is one scripted outcome.
type Reply struct {
	Content string
	Err     error
	// Delay holds the reply back; the call returns ctx.Err() if ctx ends first.
	Delay time.Duration
}

// HandlerFunc computes a reply for a request.
type HandlerFunc func(ctx context.Context, req *provider.Request) (*provider.Response, error)

// MockProvider implements provider.Provider for testing. It is safe for
// concurrent use.
type MockProvider struct {
	mu       sync.Mutex
	replies  []Reply
	cycle    bool
	idx      int
	handler  HandlerFunc
	requests []*provider.Request
}

// New creates a MockProvider that cycles through the given responses.
func New(responses ...string) *MockProvider {
	replies := make([]Reply, 0, len(responses))
	for _, r := range responses {
		replies = append(replies, Reply{Content: r})
	}
	return &MockProvider{replies: replies, cycle: true}
}

// NewScripted creates a MockProvider that plays replies in order and then
// repeats the last one.
func NewScripted(replies ...Reply) *MockProvider {
	return &MockProvider{replies: replies}
}

// NewFunc creates a MockProvider that delegates every call to fn.
func NewFunc(fn HandlerFunc) *MockProvider {
	return &MockProvider{handler: fn}
}

// Name returns the provider identifier.
func (m *MockProvider) Name() string { return "mock" }

// Requests returns the requests received so far.
func (m *MockProvider) Requests() []*provider.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*provider.Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// Calls returns how many requests were received.
func (m *MockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Chat returns the next scripted reply.
func (m *MockProvider) Chat(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	handler := m.handler
	reply := m.next()
	m.mu.Unlock()

	if handler != nil {
		return handler(ctx, req)
	}
	if reply.Delay > 0 {
		timer := time.NewTimer(reply.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if reply.Err != nil {
		return nil, reply.Err
	}
	return &provider.Response{
		Content: reply.Content,
		Usage:   provider.Usage{OutputTokens: len(reply.Content)},
	}, nil
}

// next must be called with mu held.
func (m *MockProvider) next() Reply {
	if len(m.replies) == 0 {
		return Reply{Content: defaultResponse}
	}
	i := m.idx
	switch {
	case m.cycle:
		i = m.idx % len(m.replies)
	case i >= len(m.replies):
		i = len(m.replies) - 1
	}
	m.idx++
	return m.replies[i]
}

// Stream sends a streaming response by wrapping Chat output into events.
func (m *MockProvider) Stream(ctx context.Context, req *provider.Request) (<-chan provider.StreamEvent, error) {
	resp, err := m.Chat(ctx, req)
	if err != nil {
		return nil, err
	}

	ch := make(chan provider.StreamEvent, 3)
	go func() {
		defer close(ch)
		ch <- provider.StreamEvent{Type: "text", Text: resp.Content}
		ch <- provider.StreamEvent{Type: "done", Usage: &resp.Usage}
	}()
	return ch, nil
}
