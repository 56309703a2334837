package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned by a closed bus.
var ErrClosed = errors.New("bus closed")

// MemoryBus is a thread-safe in-process bus. Publish calls handlers
// synchronously in subscription order.
type MemoryBus struct {
	mu       sync.RWMutex
	handlers []handlerEntry
	nextID   int
	history  []*Event
	maxHist  int
	closed   bool
}

type handlerEntry struct {
	id      int
	handler Handler
}

// NewMemoryBus creates a MemoryBus keeping the last maxHistory events.
// maxHistory <= 0 selects 1000.
func NewMemoryBus(maxHistory int) *MemoryBus {
	if maxHistory <= 0 {
		maxHistory = 1000
	}
	return &MemoryBus{maxHist: maxHistory}
}

// Publish records ev and delivers it to every subscriber.
func (b *MemoryBus) Publish(ctx context.Context, ev *Event) error {
	stamp(ev)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.history = append(b.history, ev)
	if len(b.history) > b.maxHist {
		b.history = b.history[len(b.history)-b.maxHist:]
	}
	targets := make([]Handler, 0, len(b.handlers))
	for _, e := range b.handlers {
		targets = append(targets, e.handler)
	}
	b.mu.Unlock()

	var errs []error
	for _, h := range targets {
		if err := h(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("publish: %d handler error(s): %w", len(errs), errors.Join(errs...))
	}
	return nil
}

// Subscribe registers handler. The subscription also ends when ctx is done.
func (b *MemoryBus) Subscribe(ctx context.Context, handler Handler) (func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.nextID++
	id := b.nextID
	b.handlers = append(b.handlers, handlerEntry{id: id, handler: handler})
	b.mu.Unlock()

	stop := make(chan struct{})
	var once sync.Once
	unsub := func() {
		once.Do(func() {
			close(stop)
			b.mu.Lock()
			defer b.mu.Unlock()
			filtered := b.handlers[:0]
			for _, e := range b.handlers {
				if e.id != id {
					filtered = append(filtered, e)
				}
			}
			b.handlers = filtered
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			unsub()
		case <-stop:
		}
	}()
	return unsub, nil
}

// History returns up to limit most recent events in chronological order,
// restricted to taskID when it is non-empty.
func (b *MemoryBus) History(taskID string, limit int) []*Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []*Event
	for i := len(b.history) - 1; i >= 0; i-- {
		ev := b.history[i]
		if taskID != "" && ev.TaskID != taskID {
			continue
		}
		result = append(result, ev)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	for l, r := 0, len(result)-1; l < r; l, r = l+1, r-1 {
		result[l], result[r] = result[r], result[l]
	}
	return result
}

// Close drops every subscriber. Later calls to Publish fail.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = nil
	return nil
}
