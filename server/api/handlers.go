package api

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Andy963/ads/agent"
	"github.com/Andy963/ads/events"
	"github.com/Andy963/ads/queue"
	"github.com/Andy963/ads/task"
)

// defaultStopTimeout bounds how long POST /api/queue/stop waits for
// in-flight tasks before answering. The tasks themselves keep running.
const defaultStopTimeout = 30 * time.Second

// Handlers bundles all REST API handler dependencies.
type Handlers struct {
	Tasks task.Store
	// Queue is nil when the daemon runs without a scheduler.
	Queue       QueueController
	Agents      AgentDirectory
	Bus         events.Bus
	Logger      *slog.Logger
	Version     string
	StopTimeout time.Duration
}

// RegisterRoutes registers all protected API routes on the given mux.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/tasks", h.listTasks)
	mux.HandleFunc("POST /api/tasks", h.createTask)
	mux.HandleFunc("GET /api/tasks/{id}", h.getTask)
	mux.HandleFunc("DELETE /api/tasks/{id}", h.deleteTask)
	mux.HandleFunc("GET /api/tasks/{id}/attempts", h.listAttempts)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", h.cancelTask)
	mux.HandleFunc("POST /api/tasks/{id}/pause", h.pauseTask)
	mux.HandleFunc("POST /api/tasks/{id}/resume", h.resumeTask)
	mux.HandleFunc("POST /api/tasks/{id}/run", h.runTask)

	mux.HandleFunc("GET /api/queue", h.queueState)
	mux.HandleFunc("POST /api/queue/start", h.startQueue)
	mux.HandleFunc("POST /api/queue/stop", h.stopQueue)
	mux.HandleFunc("POST /api/queue/promote", h.promote)

	mux.HandleFunc("GET /api/agents", h.listAgents)
	mux.HandleFunc("GET /api/agents/{kind}/models", h.listModels)

	mux.HandleFunc("GET /api/version", h.version)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps the task and queue error taxonomy onto HTTP statuses.
func (h *Handlers) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, task.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, task.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, task.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, queue.ErrDisabled):
		writeError(w, http.StatusConflict, queue.ErrDisabled.Error())
	default:
		h.logger().Error("api request failed", "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *Handlers) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func (h *Handlers) publish(ctx context.Context, ev *events.Event) {
	if h.Bus == nil {
		return
	}
	if err := h.Bus.Publish(ctx, ev); err != nil {
		h.logger().Warn("publish event", "type", ev.Type, "task_id", ev.TaskID, "err", err)
	}
}

// decodeOptional decodes a JSON body into v. An empty body is not an error.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// --- Task handlers ---

func (h *Handlers) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter task.Filter

	if s := q.Get("status"); s != "" {
		for _, part := range strings.Split(s, ",") {
			st := task.Status(strings.TrimSpace(part))
			if !st.Valid() {
				writeError(w, http.StatusBadRequest, "unknown status: "+string(st))
				return
			}
			filter.Statuses = append(filter.Statuses, st)
		}
	}
	if q.Has("context") {
		lane := q.Get("context")
		filter.Context = &lane
	}
	filter.CreatedBy = q.Get("created_by")
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		if v := q.Get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "invalid "+name+": "+v)
				return
			}
			*dst = n
		}
	}

	tasks, err := h.Tasks.List(r.Context(), filter)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *Handlers) createTask(w http.ResponseWriter, r *http.Request) {
	var in task.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if in.CreatedBy == "" {
		in.CreatedBy = Subject(r.Context())
	}
	t, err := h.Tasks.Create(r.Context(), in)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.logger().Info("task created", "task_id", t.ID, "status", t.Status, "context", t.Context)
	h.publish(r.Context(), events.ForTask(events.TypeTaskCreated, t, ""))
	if h.Queue != nil && t.Status == task.StatusPending {
		h.Queue.NotifyNewTask()
	}
	writeJSON(w, http.StatusCreated, t)
}

func (h *Handlers) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Tasks.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) deleteTask(w http.ResponseWriter, r *http.Request) {
	if err := h.Tasks.Delete(r.Context(), r.PathValue("id")); err != nil {
		h.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) listAttempts(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.Tasks.Get(r.Context(), id); err != nil {
		h.writeStoreError(w, err)
		return
	}
	attempts, err := h.Tasks.Attempts(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	if attempts == nil {
		attempts = []task.Attempt{}
	}
	writeJSON(w, http.StatusOK, attempts)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handlers) cancelTask(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Reason == "" {
		req.Reason = "cancelled by " + cmp.Or(Subject(r.Context()), "user")
	}

	id := r.PathValue("id")
	var (
		t   *task.Task
		err error
	)
	if h.Queue != nil {
		t, err = h.Queue.CancelTask(r.Context(), id, req.Reason)
	} else {
		t, err = h.Tasks.Cancel(r.Context(), id, req.Reason)
		if err == nil {
			h.publish(r.Context(), events.ForTask(events.TypeTaskUpdated, t, "cancelled"))
		}
	}
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) pauseTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Tasks.Pause(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.publish(r.Context(), events.ForTask(events.TypeTaskUpdated, t, "paused"))
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) resumeTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Tasks.Resume(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.publish(r.Context(), events.ForTask(events.TypeTaskUpdated, t, "resumed"))
	if h.Queue != nil {
		h.Queue.NotifyNewTask()
	}
	writeJSON(w, http.StatusOK, t)
}

// runTask asks the scheduler to run a task now. Without a running queue the
// task is left untouched and the request fails with 409.
func (h *Handlers) runTask(w http.ResponseWriter, r *http.Request) {
	if h.Queue == nil {
		writeError(w, http.StatusConflict, queue.ErrDisabled.Error())
		return
	}
	t, err := h.Queue.RunTask(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.publish(r.Context(), events.ForTask(events.TypeTaskUpdated, t, "run requested"))
	writeJSON(w, http.StatusAccepted, t)
}

// --- Queue handlers ---

func (h *Handlers) queueState(w http.ResponseWriter, _ *http.Request) {
	if h.Queue == nil {
		writeJSON(w, http.StatusOK, queue.State{Err: queue.ErrDisabled.Error()})
		return
	}
	writeJSON(w, http.StatusOK, h.Queue.State())
}

func (h *Handlers) startQueue(w http.ResponseWriter, r *http.Request) {
	if h.Queue == nil {
		writeError(w, http.StatusConflict, queue.ErrDisabled.Error())
		return
	}
	if err := h.Queue.Start(r.Context()); err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Queue.State())
}

func (h *Handlers) stopQueue(w http.ResponseWriter, r *http.Request) {
	if h.Queue == nil {
		writeError(w, http.StatusConflict, queue.ErrDisabled.Error())
		return
	}
	timeout := h.StopTimeout
	if timeout <= 0 {
		timeout = defaultStopTimeout
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), timeout)
	defer cancel()
	if err := h.Queue.Stop(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Queue.State())
}

type promoteRequest struct {
	Context string `json:"context"`
}

func (h *Handlers) promote(w http.ResponseWriter, r *http.Request) {
	if h.Queue == nil {
		writeError(w, http.StatusConflict, queue.ErrDisabled.Error())
		return
	}
	var req promoteRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	n, err := h.Queue.PromoteQueuedTasksToPending(r.Context(), req.Context)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"context": req.Context, "promoted": n})
}

// --- Agent handlers ---

func (h *Handlers) listAgents(w http.ResponseWriter, _ *http.Request) {
	var agents []agent.Info
	if h.Agents != nil {
		agents = h.Agents.Statuses()
	}
	if agents == nil {
		agents = []agent.Info{}
	}
	writeJSON(w, http.StatusOK, agents)
}

func (h *Handlers) listModels(w http.ResponseWriter, r *http.Request) {
	kind := agent.Kind(r.PathValue("kind"))
	if h.Agents == nil {
		writeError(w, http.StatusNotFound, ErrUnknownAgent.Error())
		return
	}
	models, err := h.Agents.Models(r.Context(), kind)
	switch {
	case errors.Is(err, ErrUnknownAgent), errors.Is(err, ErrModelsUnsupported):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		h.logger().Warn("list models", "agent", kind, "err", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, models)
}

// --- Version ---

func (h *Handlers) version(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": h.Version,
	})
}
