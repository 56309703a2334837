package mock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Andy963/ads/provider"
)

func TestMockProvider_Name(t *testing.T) {
	m := New()
	if got := m.Name(); got != "mock" {
		t.Errorf("Name() = %q, want %q", got, "mock")
	}
}

func TestMockProvider_Chat_DefaultResponse(t *testing.T) {
	m := New()
	resp, err := m.Chat(context.Background(), &provider.Request{})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if resp.Content != defaultResponse {
		t.Errorf("Chat() content = %q, want %q", resp.Content, defaultResponse)
	}
}

func TestMockProvider_Chat_CyclesResponses(t *testing.T) {
	m := New("first", "second", "third")

	want := []string{"first", "second", "third", "first"}
	for i, w := range want {
		resp, err := m.Chat(context.Background(), &provider.Request{})
		if err != nil {
			t.Fatalf("Chat() call %d error = %v", i, err)
		}
		if resp.Content != w {
			t.Errorf("Chat() call %d = %q, want %q", i, resp.Content, w)
		}
	}
}

func TestMockProvider_Scripted(t *testing.T) {
	boom := errors.New("boom")
	m := NewScripted(Reply{Err: boom}, Reply{Content: "ok"})

	if _, err := m.Chat(context.Background(), &provider.Request{}); !errors.Is(err, boom) {
		t.Fatalf("call 1 err = %v, want boom", err)
	}
	for i := 0; i < 2; i++ {
		resp, err := m.Chat(context.Background(), &provider.Request{})
		if err != nil || resp.Content != "ok" {
			t.Fatalf("call %d = %v, %v, want ok", i+2, resp, err)
		}
	}
	if m.Calls() != 3 {
		t.Errorf("Calls() = %d, want 3", m.Calls())
	}
}

func TestMockProvider_DelayHonoursContext(t *testing.T) {
	m := NewScripted(Reply{Content: "late", Delay: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := m.Chat(ctx, &provider.Request{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("Chat did not return promptly after context ended")
	}
}

func TestMockProvider_RecordsRequests(t *testing.T) {
	m := New("hello")
	req := &provider.Request{
		System:   "be brief",
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "hi"}},
		Tools:    []provider.ToolDef{{Name: "mytool", Description: "does stuff"}},
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.Chat(context.Background(), req)
		}()
	}
	wg.Wait()

	reqs := m.Requests()
	if len(reqs) != 10 {
		t.Fatalf("Requests() = %d, want 10", len(reqs))
	}
	if reqs[0].System != "be brief" {
		t.Errorf("System = %q, want be brief", reqs[0].System)
	}
}

func TestMockProvider_Stream(t *testing.T) {
	m := New("streaming response")
	ch, err := m.Stream(context.Background(), &provider.Request{})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	var events []provider.StreamEvent
	for e := range ch {
		events = append(events, e)
	}

	if len(events) < 2 {
		t.Fatalf("Stream() got %d events, want at least 2", len(events))
	}
	if events[0].Type != "text" || events[0].Text != "streaming response" {
		t.Errorf("events[0] = %+v, want text event", events[0])
	}
	if last := events[len(events)-1]; last.Type != "done" {
		t.Errorf("last event Type = %q, want %q", last.Type, "done")
	}
}

func TestMockProvider_Func(t *testing.T) {
	m := NewFunc(func(_ context.Context, req *provider.Request) (*provider.Response, error) {
		return &provider.Response{Content: "model=" + req.Model}, nil
	})
	resp, err := m.Chat(context.Background(), &provider.Request{Model: "x"})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if resp.Content != "model=x" {
		t.Errorf("Content = %q, want model=x", resp.Content)
	}
}
