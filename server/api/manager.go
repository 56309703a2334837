// Package api defines the REST API handlers and interfaces for the ads server.
package api

import (
	"context"

	"github.com/Andy963/ads/agent"
	"github.com/Andy963/ads/provider"
	"github.com/Andy963/ads/queue"
	"github.com/Andy963/ads/task"
)

// QueueController is the interface the API uses to drive the scheduler.
// Implemented by *queue.Queue.
type QueueController interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	State() queue.State
	NotifyNewTask()
	PromoteQueuedTasksToPending(ctx context.Context, lane string) (int, error)
	CancelTask(ctx context.Context, id, reason string) (*task.Task, error)
	RunTask(ctx context.Context, id string) (*task.Task, error)
}

// AgentDirectory reports the configured agent backends.
type AgentDirectory interface {
	Statuses() []agent.Info
	Models(ctx context.Context, kind agent.Kind) ([]provider.ModelInfo, error)
}

var _ QueueController = (*queue.Queue)(nil)
