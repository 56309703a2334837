// Package events carries task lifecycle notifications out of the core to
// any number of observers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Andy963/ads/task"
)

// Type identifies the kind of event.
type Type string

const (
	TypeTaskCreated  Type = "task.created"
	TypeTaskUpdated  Type = "task.updated"
	TypeTaskProgress Type = "task.progress"
	TypeQueueState   Type = "queue.state"
)

// DefaultSubject is the channel remote buses publish on.
const DefaultSubject = "ads.events"

// Event is a single notification.
type Event struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	TaskID    string          `json:"task_id,omitempty"`
	Context   string          `json:"context,omitempty"`
	Status    task.Status     `json:"status,omitempty"`
	Message   string          `json:"message,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ForTask builds an event describing t.
func ForTask(typ Type, t *task.Task, msg string) *Event {
	return &Event{
		Type:    typ,
		TaskID:  t.ID,
		Context: t.Context,
		Status:  t.Status,
		Message: msg,
	}
}

// WithData marshals v into the event payload. Marshal failures leave Data
// empty.
func (e *Event) WithData(v any) *Event {
	if raw, err := json.Marshal(v); err == nil {
		e.Data = raw
	}
	return e
}

// Handler processes a delivered event.
type Handler func(ctx context.Context, ev *Event) error

// Bus publishes events to subscribers.
type Bus interface {
	// Publish stamps ev with an ID and timestamp when missing and delivers it.
	Publish(ctx context.Context, ev *Event) error

	// Subscribe registers handler until the returned func is called or ctx
	// is done.
	Subscribe(ctx context.Context, handler Handler) (unsubscribe func(), err error)

	Close() error
}

func stamp(ev *Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
}

func parse(raw []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if ev.Type == "" {
		return nil, fmt.Errorf("decode event: missing type")
	}
	return &ev, nil
}
