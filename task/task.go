// Package task defines the task model, its status state machine and the
// durable store that owns every status transition.
package task

import (
	"context"
	"slices"
	"time"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusPending   Status = "pending"
	StatusPlanning  Status = "planning"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// DefaultMaxRetries is applied when a task is created without an explicit
// retry budget.
const DefaultMaxRetries = 3

// transitions is the complete state machine. A status missing from the map,
// or mapped to an empty set, is terminal.
var transitions = map[Status][]Status{
	StatusQueued:   {StatusPending, StatusCancelled},
	StatusPending:  {StatusPlanning, StatusRunning, StatusPaused, StatusCancelled},
	StatusPlanning: {StatusRunning, StatusPending, StatusFailed, StatusCancelled},
	StatusRunning:  {StatusCompleted, StatusPending, StatusFailed, StatusCancelled},
	StatusPaused:   {StatusPending},
}

// AllStatuses lists every status in lifecycle order.
func AllStatuses() []Status {
	return []Status{
		StatusQueued, StatusPending, StatusPlanning, StatusRunning,
		StatusPaused, StatusCompleted, StatusFailed, StatusCancelled,
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return slices.Contains(AllStatuses(), s)
}

// Terminal reports whether no further transition is legal from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Active reports whether a task in status s occupies an execution slot.
func (s Status) Active() bool {
	return s == StatusPlanning || s == StatusRunning
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// Task is a unit of submitted work.
type Task struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Prompt       string     `json:"prompt"`
	Status       Status     `json:"status"`
	AgentID      string     `json:"agent_id,omitempty"`
	Model        string     `json:"model,omitempty"`
	Priority     int        `json:"priority"`
	Attachments  []string   `json:"attachments,omitempty"`
	MaxRetries   int        `json:"max_retries"`
	RetryCount   int        `json:"retry_count"`
	Context      string     `json:"context,omitempty"` // scheduling lane
	CreatedBy    string     `json:"created_by,omitempty"`
	Result       string     `json:"result,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Plan         []PlanStep `json:"plan,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// PlanStep is one ordered step produced by a planner.
type PlanStep struct {
	Order       int    `json:"order"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// Outcome is how an execution attempt ended.
type Outcome string

const (
	OutcomeOpen      Outcome = ""
	OutcomeCompleted Outcome = "completed"
	OutcomeRetry     Outcome = "retry"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Attempt is an append-only record of one execution of a task.
type Attempt struct {
	TaskID    string     `json:"task_id"`
	Number    int        `json:"number"`
	AgentID   string     `json:"agent_id,omitempty"`
	Outcome   Outcome    `json:"outcome,omitempty"`
	Error     string     `json:"error,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// CreateInput carries the caller-controlled fields of a new task.
type CreateInput struct {
	ID          string   `json:"id,omitempty"`
	Title       string   `json:"title"`
	Prompt      string   `json:"prompt"`
	Model       string   `json:"model,omitempty"`
	AgentID     string   `json:"agent_id,omitempty"`
	Priority    int      `json:"priority"`
	Attachments []string `json:"attachments,omitempty"`
	MaxRetries  *int     `json:"max_retries,omitempty"`
	Context     string   `json:"context,omitempty"`
	CreatedBy   string   `json:"created_by,omitempty"`
	// Queued creates the task as queued (not yet eligible) instead of pending.
	Queued bool `json:"queued,omitempty"`
}

// Patch lists the fields a transition may set alongside the status.
// Nil fields are left unchanged.
type Patch struct {
	AgentID      *string
	Result       *string
	ErrorMessage *string
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// Filter controls which tasks are returned by List.
type Filter struct {
	Statuses  []Status `json:"statuses,omitempty"`
	Context   *string  `json:"context,omitempty"`
	CreatedBy string   `json:"created_by,omitempty"`
	Limit     int      `json:"limit,omitempty"`
	Offset    int      `json:"offset,omitempty"`
}

// Store persists tasks and is the only writer of Task.Status.
type Store interface {
	Create(ctx context.Context, in CreateInput) (*Task, error)
	Get(ctx context.Context, id string) (*Task, error)

	// List returns a point-in-time snapshot ordered by priority, then FIFO.
	List(ctx context.Context, filter Filter) ([]*Task, error)

	// Transition atomically moves a task whose current status is in from to
	// status to, applying patch in the same write.
	Transition(ctx context.Context, id string, from []Status, to Status, patch Patch) (*Task, error)

	// RecordAttemptFailure consumes one retry. The task returns to pending
	// while budget remains and becomes failed once it is exhausted.
	RecordAttemptFailure(ctx context.Context, id, cause string) (*Task, error)

	Cancel(ctx context.Context, id, reason string) (*Task, error)
	Promote(ctx context.Context, id string) (*Task, error)
	Pause(ctx context.Context, id string) (*Task, error)
	Resume(ctx context.Context, id string) (*Task, error)

	SavePlan(ctx context.Context, id string, steps []PlanStep) error
	Attempts(ctx context.Context, id string) ([]Attempt, error)
	Delete(ctx context.Context, id string) error
}
