package executor

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Andy963/ads/agent"
	"github.com/Andy963/ads/events"
	"github.com/Andy963/ads/provider"
	"github.com/Andy963/ads/provider/mock"
	"github.com/Andy963/ads/task"
)

type fixture struct {
	prov    *mock.MockProvider
	created int32
	router  *agent.Router
}

func newFixture(t *testing.T, p *mock.MockProvider, kinds ...agent.Kind) *fixture {
	t.Helper()
	f := &fixture{prov: p}
	reg := agent.NewRegistry()
	if len(kinds) == 0 {
		kinds = []agent.Kind{agent.KindCodex}
	}
	for _, k := range kinds {
		kind := k
		require.NoError(t, reg.Register(kind, func() (agent.Adapter, error) {
			atomic.AddInt32(&f.created, 1)
			return agent.NewProviderAdapter(kind, p), nil
		}))
	}
	f.router = agent.NewRouter(reg, agent.KindCodex)
	return f
}

func TestExecute(t *testing.T) {
	f := newFixture(t, mock.New("all done"))
	e, err := New(f.router, Config{SystemPrompt: "sys"})
	require.NoError(t, err)

	res, err := e.Execute(context.Background(), &task.Task{ID: "t1", Title: "T", Prompt: "P", Model: "gpt-4o"})
	require.NoError(t, err)
	assert.Equal(t, "all done", res.Summary)

	req := f.prov.Requests()[0]
	assert.Equal(t, "sys", req.System)
	assert.Equal(t, "gpt-4o", req.Model)
	assert.Equal(t, "Task: T\n\nP", req.Messages[0].Content)
}

func TestResolveAgent(t *testing.T) {
	f := newFixture(t, mock.New(), agent.KindClaude, agent.KindCodex)
	e, err := New(f.router, Config{})
	require.NoError(t, err)

	name, err := e.ResolveAgent(&task.Task{Model: "claude-sonnet-4"})
	require.NoError(t, err)
	assert.Equal(t, "claude", name)

	name, err = e.ResolveAgent(&task.Task{Model: "gemini-2.5-pro"})
	require.NoError(t, err)
	assert.Equal(t, "codex", name)

	empty, err := New(agent.NewRouter(agent.NewRegistry(), agent.KindCodex), Config{})
	require.NoError(t, err)
	_, err = empty.ResolveAgent(&task.Task{})
	assert.Error(t, err)
	_, err = empty.Execute(context.Background(), &task.Task{Prompt: "x"})
	assert.Error(t, err)
}

func TestExecute_SessionsReusedPerContext(t *testing.T) {
	f := newFixture(t, mock.New("a", "b", "c", "d"))
	e, err := New(f.router, Config{SessionCacheSize: 2})
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := e.Execute(ctx, &task.Task{ID: "x", Prompt: "P", Context: "repo"})
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&f.created))
	assert.Equal(t, 1, e.Sessions())
	reqs := f.prov.Requests()
	assert.Len(t, reqs[1].Messages, 1, "session is reset between tasks")

	for i := 0; i < 2; i++ {
		_, err := e.Execute(ctx, &task.Task{ID: "y", Prompt: "P"})
		require.NoError(t, err)
	}
	assert.EqualValues(t, 3, atomic.LoadInt32(&f.created), "tasks without context get fresh sessions")
	assert.Equal(t, 1, e.Sessions())
}

func TestExecute_SessionCacheEvicts(t *testing.T) {
	f := newFixture(t, mock.New())
	e, err := New(f.router, Config{SessionCacheSize: 2})
	require.NoError(t, err)

	for _, lane := range []string{"a", "b", "c"} {
		_, err := e.Execute(context.Background(), &task.Task{Prompt: "P", Context: lane})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, e.Sessions())
}

func TestExecute_PlanInPrompt(t *testing.T) {
	f := newFixture(t, mock.New("ok"))
	e, err := New(f.router, Config{})
	require.NoError(t, err)

	_, err = e.Execute(context.Background(), &task.Task{
		Prompt: "fix the bug",
		Title:  "fix the bug",
		Plan: []task.PlanStep{
			{Order: 1, Title: "reproduce", Description: "write a failing test"},
			{Order: 2, Title: "patch"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "fix the bug\n\nPlan:\n1. reproduce - write a failing test\n2. patch",
		f.prov.Requests()[0].Messages[0].Content)
}

func TestExecute_Attachments(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shot.png"), []byte("\x89PNG\r\n\x1a\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hello"), 0o600))

	f := newFixture(t, mock.New("seen"))
	e, err := New(f.router, Config{}, WithAttachments(DirAttachments{Root: dir}))
	require.NoError(t, err)

	tk := &task.Task{Prompt: "look", Attachments: []string{"shot.png", "notes.txt"}}
	_, err = e.Execute(context.Background(), tk)
	require.NoError(t, err)

	parts := f.prov.Requests()[0].Messages[0].Parts
	require.Len(t, parts, 3)
	assert.Equal(t, provider.PartText, parts[0].Type)
	assert.Equal(t, provider.PartImage, parts[1].Type)
	assert.Equal(t, "image/png", parts[1].MIMEType)
	assert.Equal(t, provider.PartFile, parts[2].Type)
	assert.Equal(t, "text/plain", parts[2].MIMEType)

	tk.Attachments = []string{"../etc/passwd"}
	_, err = e.Execute(context.Background(), tk)
	assert.Error(t, err)

	plain, err := New(f.router, Config{})
	require.NoError(t, err)
	_, err = plain.Execute(context.Background(), &task.Task{Prompt: "look", Attachments: []string{"a1", "a2"}})
	require.NoError(t, err)
	reqs := f.prov.Requests()
	assert.Equal(t, "look\n\nAttachments: a1, a2", reqs[len(reqs)-1].Messages[0].Content)
}

func TestDirAttachments_RejectsEscapes(t *testing.T) {
	d := DirAttachments{Root: t.TempDir()}
	for _, id := range []string{"", "../x", "a/b", ".hidden", "missing.txt"} {
		_, err := d.Resolve(context.Background(), id)
		assert.Error(t, err, id)
	}
}

func TestExecute_Timeout(t *testing.T) {
	f := newFixture(t, mock.NewScripted(mock.Reply{Content: "late", Delay: 2 * time.Second}))
	e, err := New(f.router, Config{Timeout: 20 * time.Millisecond})
	require.NoError(t, err)

	_, err = e.Execute(context.Background(), &task.Task{Prompt: "P"})
	var ae *agent.AdapterError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, agent.ErrTimeout, ae.Kind)
}

func TestExecute_Cancellation(t *testing.T) {
	f := newFixture(t, mock.NewScripted(mock.Reply{Content: "late", Delay: 2 * time.Second}))
	e, err := New(f.router, Config{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err = e.Execute(ctx, &task.Task{Prompt: "P"})
	assert.True(t, agent.IsCancellation(err))
}

func TestExecute_LimiterBoundsConcurrency(t *testing.T) {
	var current, peak int32
	p := mock.NewFunc(func(ctx context.Context, _ *provider.Request) (*provider.Response, error) {
		n := atomic.AddInt32(&current, 1)
		defer atomic.AddInt32(&current, -1)
		for {
			old := atomic.LoadInt32(&peak)
			if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		return &provider.Response{Content: "ok"}, nil
	})
	f := newFixture(t, p)
	e, err := New(f.router, Config{Limits: map[agent.Kind]Limit{agent.KindCodex: {Concurrent: 1}}})
	require.NoError(t, err)

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := e.Execute(context.Background(), &task.Task{Prompt: "P"})
			errs <- err
		}()
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, <-errs)
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&peak))
}

func TestExecute_LimiterWaitCancelled(t *testing.T) {
	f := newFixture(t, mock.New("ok"))
	e, err := New(f.router, Config{Limits: map[agent.Kind]Limit{agent.KindCodex: {PerSecond: 0.001, Burst: 1}}})
	require.NoError(t, err)

	_, err = e.Execute(context.Background(), &task.Task{Prompt: "P"})
	require.NoError(t, err, "burst token is available")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = e.Execute(ctx, &task.Task{Prompt: "P"})
	var ae *agent.AdapterError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, agent.ErrTimeout, ae.Kind)
}

func TestExecute_ForwardsProgress(t *testing.T) {
	bus := events.NewMemoryBus(0)
	f := newFixture(t, mock.New("streamed"))
	e, err := New(f.router, Config{Stream: true}, WithBus(bus))
	require.NoError(t, err)

	_, err = e.Execute(context.Background(), &task.Task{ID: "t9", Prompt: "P", Context: "repo"})
	require.NoError(t, err)

	var kinds []string
	for _, ev := range bus.History("t9", 0) {
		assert.Equal(t, events.TypeTaskProgress, ev.Type)
		assert.Equal(t, "repo", ev.Context)
		kinds = append(kinds, ev.Message)
	}
	assert.Equal(t, []string{"started", "delta", "completed"}, kinds)
}
