// Package agent presents every AI backend through one execution contract
// and routes tasks to a backend.
package agent

import (
	"context"
	"time"

	"github.com/Andy963/ads/provider"
)

// Kind identifies a backend family. The set is closed.
type Kind string

const (
	KindCodex  Kind = "codex"
	KindClaude Kind = "claude"
	KindGemini Kind = "gemini"
)

// DefaultKind serves models no family claims.
const DefaultKind = KindCodex

// Kinds lists every backend family in routing priority order.
func Kinds() []Kind { return []Kind{KindGemini, KindClaude, KindCodex} }

// Valid reports whether k is a known backend family.
func (k Kind) Valid() bool {
	switch k {
	case KindCodex, KindClaude, KindGemini:
		return true
	}
	return false
}

// Status represents the current state of an adapter session.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusWorking Status = "working"
	StatusError   Status = "error"
)

// Info is a side-effect-free health snapshot of an adapter.
type Info struct {
	Kind      Kind      `json:"kind"`
	Provider  string    `json:"provider"`
	Status    Status    `json:"status"`
	Turns     int       `json:"turns"`
	LastError string    `json:"last_error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Input is either plain text or a sequence of typed parts.
type Input struct {
	Text  string
	Parts []provider.Part
}

// Text builds a plain-text Input.
func Text(s string) Input { return Input{Text: s} }

// SendOptions tunes a single Send call.
type SendOptions struct {
	// Stream delivers partial output to OnEvent listeners as it arrives.
	Stream bool
	// Schema requests JSON output conforming to this JSON Schema.
	Schema map[string]any
	Model  string
	System string
}

// Result is the outcome of a successful Send.
type Result struct {
	Text  string         `json:"text"`
	Usage provider.Usage `json:"usage"`
}

// EventType classifies adapter events.
type EventType string

const (
	EventStarted   EventType = "started"
	EventDelta     EventType = "delta"
	EventToolCall  EventType = "tool_call"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
)

// Event reports adapter progress.
type Event struct {
	Type      EventType `json:"type"`
	Kind      Kind      `json:"kind"`
	Text      string    `json:"text,omitempty"`
	Tool      string    `json:"tool,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Adapter is the uniform contract every backend implements.
type Adapter interface {
	Kind() Kind

	// Send runs one turn. Cancelling ctx aborts the in-flight backend call
	// and yields a *CancellationError.
	Send(ctx context.Context, in Input, opts SendOptions) (*Result, error)

	// OnEvent registers a listener. The returned func removes only that
	// listener.
	OnEvent(fn func(Event)) (unsubscribe func())

	// Reset starts a new logical session.
	Reset()

	Status() Info
}
