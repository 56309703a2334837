package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Andy963/ads/task"
)

func TestMemoryBus_FanOutAndUnsubscribe(t *testing.T) {
	bus := NewMemoryBus(0)
	ctx := context.Background()

	var a, b int32
	unsubA, err := bus.Subscribe(ctx, func(context.Context, *Event) error { atomic.AddInt32(&a, 1); return nil })
	require.NoError(t, err)
	_, err = bus.Subscribe(ctx, func(context.Context, *Event) error { atomic.AddInt32(&b, 1); return nil })
	require.NoError(t, err)

	ev := &Event{Type: TypeTaskCreated, TaskID: "t1"}
	require.NoError(t, bus.Publish(ctx, ev))
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.Timestamp.IsZero())

	unsubA()
	unsubA()
	require.NoError(t, bus.Publish(ctx, &Event{Type: TypeTaskUpdated, TaskID: "t1"}))

	assert.EqualValues(t, 1, atomic.LoadInt32(&a))
	assert.EqualValues(t, 2, atomic.LoadInt32(&b))
}

func TestMemoryBus_HandlerErrors(t *testing.T) {
	bus := NewMemoryBus(0)
	boom := errors.New("boom")
	_, err := bus.Subscribe(context.Background(), func(context.Context, *Event) error { return boom })
	require.NoError(t, err)

	err = bus.Publish(context.Background(), &Event{Type: TypeQueueState})
	assert.ErrorIs(t, err, boom)
}

func TestMemoryBus_ContextEndsSubscription(t *testing.T) {
	bus := NewMemoryBus(0)
	ctx, cancel := context.WithCancel(context.Background())

	var n int32
	_, err := bus.Subscribe(ctx, func(context.Context, *Event) error { atomic.AddInt32(&n, 1); return nil })
	require.NoError(t, err)
	cancel()

	assert.Eventually(t, func() bool {
		bus.mu.RLock()
		defer bus.mu.RUnlock()
		return len(bus.handlers) == 0
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, bus.Publish(context.Background(), &Event{Type: TypeQueueState}))
	assert.EqualValues(t, 0, atomic.LoadInt32(&n))
}

func TestMemoryBus_History(t *testing.T) {
	bus := NewMemoryBus(3)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "a", "a"} {
		require.NoError(t, bus.Publish(ctx, &Event{Type: TypeTaskUpdated, TaskID: id, Message: id}))
	}

	all := bus.History("", 0)
	require.Len(t, all, 3)
	assert.Equal(t, "b", all[0].TaskID)

	onlyA := bus.History("a", 1)
	require.Len(t, onlyA, 1)
	assert.Same(t, all[2], onlyA[0])
}

func TestMemoryBus_Closed(t *testing.T) {
	bus := NewMemoryBus(0)
	require.NoError(t, bus.Close())
	assert.ErrorIs(t, bus.Publish(context.Background(), &Event{Type: TypeQueueState}), ErrClosed)
	_, err := bus.Subscribe(context.Background(), func(context.Context, *Event) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}

func TestForTask(t *testing.T) {
	tk := &task.Task{ID: "t1", Context: "repo", Status: task.StatusRunning}
	ev := ForTask(TypeTaskProgress, tk, "step").WithData(map[string]int{"attempt": 2})
	assert.Equal(t, "t1", ev.TaskID)
	assert.Equal(t, "repo", ev.Context)
	assert.Equal(t, task.StatusRunning, ev.Status)
	assert.JSONEq(t, `{"attempt":2}`, string(ev.Data))
}

type fakeRedisPubSub struct {
	messages   chan *redis.Message
	closeCalls int32
}

func (p *fakeRedisPubSub) Channel(...redis.ChannelOption) <-chan *redis.Message { return p.messages }

func (p *fakeRedisPubSub) Close() error {
	if atomic.CompareAndSwapInt32(&p.closeCalls, 0, 1) {
		close(p.messages)
	}
	return nil
}

type fakeRedisClient struct {
	mu        sync.Mutex
	published map[string][][]byte
	pubSub    *fakeRedisPubSub
}

func (c *fakeRedisClient) Publish(_ context.Context, channel string, message any) *redis.IntCmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.published == nil {
		c.published = make(map[string][][]byte)
	}
	c.published[channel] = append(c.published[channel], message.([]byte))
	return redis.NewIntResult(1, nil)
}

func (c *fakeRedisClient) Subscribe(context.Context, ...string) redisPubSub { return c.pubSub }

func (c *fakeRedisClient) Close() error { return nil }

func TestRedisBus(t *testing.T) {
	ps := &fakeRedisPubSub{messages: make(chan *redis.Message, 4)}
	client := &fakeRedisClient{pubSub: ps}
	bus := newRedisBus(client, "", nil)

	require.NoError(t, bus.Publish(context.Background(), &Event{Type: TypeTaskCreated, TaskID: "t1"}))
	client.mu.Lock()
	require.Len(t, client.published[DefaultSubject], 1)
	var sent Event
	require.NoError(t, json.Unmarshal(client.published[DefaultSubject][0], &sent))
	client.mu.Unlock()
	assert.Equal(t, "t1", sent.TaskID)
	assert.NotEmpty(t, sent.ID)

	got := make(chan *Event, 2)
	unsub, err := bus.Subscribe(context.Background(), func(_ context.Context, ev *Event) error {
		got <- ev
		return nil
	})
	require.NoError(t, err)

	ps.messages <- &redis.Message{Payload: "not json"}
	ps.messages <- &redis.Message{Payload: `{"type":"task.updated","task_id":"t2","status":"running"}`}

	select {
	case ev := <-got:
		assert.Equal(t, "t2", ev.TaskID)
		assert.Equal(t, task.StatusRunning, ev.Status)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	unsub()
	unsub()
	assert.EqualValues(t, 1, atomic.LoadInt32(&ps.closeCalls))
}

func TestRedisBus_ContextCancelClosesSubscription(t *testing.T) {
	ps := &fakeRedisPubSub{messages: make(chan *redis.Message)}
	bus := newRedisBus(&fakeRedisClient{pubSub: ps}, "custom", nil)
	ctx, cancel := context.WithCancel(context.Background())

	_, err := bus.Subscribe(ctx, func(context.Context, *Event) error { return nil })
	require.NoError(t, err)
	cancel()

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&ps.closeCalls) == 1 }, time.Second, 5*time.Millisecond)
}

type fakeNATSConn struct {
	mu           sync.Mutex
	handler      nats.MsgHandler
	published    [][]byte
	unsubscribed int32
}

func (c *fakeNATSConn) Publish(_ string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, data)
	return nil
}

func (c *fakeNATSConn) Subscribe(_ string, cb nats.MsgHandler) (natsSubscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = cb
	return fakeNATSSub{c}, nil
}

func (c *fakeNATSConn) Close() error { return nil }

func (c *fakeNATSConn) emit(raw string) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	h(&nats.Msg{Data: []byte(raw)})
}

type fakeNATSSub struct{ c *fakeNATSConn }

func (s fakeNATSSub) Unsubscribe() error {
	atomic.AddInt32(&s.c.unsubscribed, 1)
	return nil
}

func TestNATSBus(t *testing.T) {
	conn := &fakeNATSConn{}
	bus := newNATSBus(conn, "", nil)

	require.NoError(t, bus.Publish(context.Background(), &Event{Type: TypeQueueState, Message: "running"}))
	require.Len(t, conn.published, 1)

	var got []*Event
	unsub, err := bus.Subscribe(context.Background(), func(_ context.Context, ev *Event) error {
		got = append(got, ev)
		return nil
	})
	require.NoError(t, err)

	conn.emit(`{"type":"task.progress","task_id":"t1","message":"half"}`)
	conn.emit(`{}`)
	require.Len(t, got, 1)
	assert.Equal(t, "half", got[0].Message)

	unsub()
	unsub()
	conn.emit(`{"type":"task.progress","task_id":"t1"}`)
	assert.Len(t, got, 1)
	assert.EqualValues(t, 1, atomic.LoadInt32(&conn.unsubscribed))
}

func TestNATSBus_PublishCancelled(t *testing.T) {
	conn := &fakeNATSConn{}
	bus := newNATSBus(conn, "x", nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, bus.Publish(ctx, &Event{Type: TypeQueueState}), context.Canceled)
	assert.Empty(t, conn.published)
}
