// Package provider defines the low-level HTTP backends that agent adapters
// talk to.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Role identifies the sender of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartType is the kind of a message part.
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
	PartFile  PartType = "file"
)

// Part is one piece of multimodal message content.
type Part struct {
	Type     PartType `json:"type"`
	Text     string   `json:"text,omitempty"`
	Name     string   `json:"name,omitempty"`
	MIMEType string   `json:"mime_type,omitempty"`
	Data     []byte   `json:"data,omitempty"`
}

// Message is a single turn in a conversation. When Parts is non-empty it
// replaces Content.
type Message struct {
	Role       Role   `json:"role"`
	Content    string `json:"content"`
	Parts      []Part `json:"parts,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"` // for tool results
}

// ToolDef describes a tool the agent can invoke.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"` // JSON Schema
}

// ToolCall is a request from the AI to invoke a tool.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Request is one model invocation.
type Request struct {
	System   string
	Messages []Message
	Tools    []ToolDef
	// Model overrides the provider's configured model when set.
	Model string
	// Schema asks for a JSON response conforming to this JSON Schema.
	Schema    map[string]any
	MaxTokens int
}

// Response is a completed (non-streaming) provider response.
type Response struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

// Usage tracks token consumption.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// StreamEvent is emitted during streaming responses.
type StreamEvent struct {
	Type  string    `json:"type"` // "text", "tool_call", "done", "error"
	Text  string    `json:"text,omitempty"`
	Tool  *ToolCall `json:"tool,omitempty"`
	Error string    `json:"error,omitempty"`
	Usage *Usage    `json:"usage,omitempty"`
	// Err is the typed cause behind an "error" event. It is not serialized.
	Err error `json:"-"`
}

// Failure returns the error carried by an "error" event, preferring the
// typed cause so callers can match it with errors.Is.
func (e StreamEvent) Failure() error {
	if e.Err != nil {
		return e.Err
	}
	if e.Error != "" {
		return errors.New(e.Error)
	}
	return errors.New("stream error")
}

func errorEvent(err error) StreamEvent {
	return StreamEvent{Type: "error", Error: err.Error(), Err: err}
}

// Provider is an AI backend.
type Provider interface {
	// Name returns the provider identifier (e.g., "anthropic", "openai", "mock").
	Name() string

	// Chat sends a non-streaming request and returns the complete response.
	Chat(ctx context.Context, req *Request) (*Response, error)

	// Stream sends a streaming request. Events are delivered on the returned channel.
	// The channel is closed when the response is complete or an error occurs.
	Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error)
}

// ErrMalformedResponse is wrapped by errors for responses that could not be
// decoded.
var ErrMalformedResponse = errors.New("malformed response")

// APIError is a non-2xx answer from a backend.
type APIError struct {
	Provider   string
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s: API error (status %d, %s): %s", e.Provider, e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("%s: API error (status %d): %s", e.Provider, e.StatusCode, e.Message)
}

// Retryable reports whether the same request may succeed later.
func (e *APIError) Retryable() bool {
	switch {
	case e.StatusCode == http.StatusRequestTimeout,
		e.StatusCode == http.StatusTooManyRequests,
		e.StatusCode >= 500:
		return true
	}
	return false
}

// TextOf concatenates the text of a message, including text parts.
func TextOf(m Message) string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var s string
	for _, p := range m.Parts {
		if p.Type == PartText {
			s += p.Text
		}
	}
	return s
}
