package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// newPostgresStore starts a throwaway PostgreSQL container and opens a store
// against it. The test is skipped when no container runtime is reachable.
func newPostgresStore(t *testing.T) *SQLStore {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres store tests need a container runtime")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "ads",
				"POSTGRES_PASSWORD": "ads",
				"POSTGRES_DB":       "ads",
			},
			WaitingFor: wait.ForAll(
				wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
				wait.ForListeningPort("5432/tcp"),
			).WithDeadline(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := ctr.Terminate(context.Background()); err != nil {
			t.Errorf("terminate postgres container: %v", err)
		}
	})

	host, err := ctr.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := ctr.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("container port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://ads:ads@%s:%s/ads?sslmode=disable", host, port.Port())

	store, err := Open(ctx, DriverPostgres, dsn)
	if err != nil {
		t.Fatalf("Open postgres: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPostgresStore(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		created := mustCreate(t, store, CreateInput{
			Prompt:      "Summarise the design doc",
			Priority:    2,
			Attachments: []string{"att-1"},
			Context:     "pg-create",
		})
		got, err := store.Get(ctx, created.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Status != StatusPending || got.Priority != 2 || len(got.Attachments) != 1 {
			t.Errorf("Get = %+v", got)
		}
		if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get missing: err = %v, want ErrNotFound", err)
		}
	})

	t.Run("list orders by priority then FIFO", func(t *testing.T) {
		low := mustCreate(t, store, CreateInput{Prompt: "low", Context: "pg-list"})
		high := mustCreate(t, store, CreateInput{Prompt: "high", Priority: 9, Context: "pg-list"})
		low2 := mustCreate(t, store, CreateInput{Prompt: "low again", Context: "pg-list"})

		ctxName := "pg-list"
		got, err := store.List(ctx, Filter{Context: &ctxName})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		var ids []string
		for _, tk := range got {
			ids = append(ids, tk.ID)
		}
		want := []string{low.ID, low2.ID, high.ID}
		if strings.Join(ids, ",") != strings.Join(want, ",") {
			t.Errorf("List order = %v, want %v", ids, want)
		}
	})

	t.Run("lifecycle", func(t *testing.T) {
		created := mustCreate(t, store, CreateInput{Prompt: "p", Context: "pg-life"})
		if _, err := store.Transition(ctx, created.ID, []Status{StatusPending}, StatusRunning, Patch{}); err != nil {
			t.Fatalf("pending->running: %v", err)
		}
		result := "ok"
		done, err := store.Transition(ctx, created.ID, []Status{StatusRunning}, StatusCompleted, Patch{Result: &result})
		if err != nil {
			t.Fatalf("running->completed: %v", err)
		}
		if done.Result != "ok" || done.CompletedAt == nil {
			t.Errorf("completed task = %+v", done)
		}
		if _, err := store.Transition(ctx, created.ID, nil, StatusRunning, Patch{}); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("completed->running: err = %v, want ErrInvalidTransition", err)
		}
	})

	t.Run("concurrent claim", func(t *testing.T) {
		created := mustCreate(t, store, CreateInput{Prompt: "p", Context: "pg-claim"})
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := store.Transition(ctx, created.ID, []Status{StatusPending}, StatusRunning, Patch{}); err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if wins != 1 {
			t.Errorf("claims won = %d, want exactly 1", wins)
		}
	})

	t.Run("retry cap", func(t *testing.T) {
		created := mustCreate(t, store, CreateInput{Prompt: "p", MaxRetries: intPtr(1), Context: "pg-retry"})
		var last *Task
		for attempt := 1; attempt <= 2; attempt++ {
			if _, err := store.Transition(ctx, created.ID, []Status{StatusPending}, StatusRunning, Patch{}); err != nil {
				t.Fatalf("attempt %d claim: %v", attempt, err)
			}
			var err error
			if last, err = store.RecordAttemptFailure(ctx, created.ID, "boom"); err != nil {
				t.Fatalf("attempt %d failure: %v", attempt, err)
			}
		}
		if last.Status != StatusFailed || last.RetryCount != 1 {
			t.Errorf("final status %s retry %d, want failed 1", last.Status, last.RetryCount)
		}
		attempts, err := store.Attempts(ctx, created.ID)
		if err != nil {
			t.Fatalf("Attempts: %v", err)
		}
		if len(attempts) != 2 || attempts[1].Outcome != OutcomeFailed {
			t.Errorf("attempts = %+v", attempts)
		}
	})

	t.Run("plan and delete", func(t *testing.T) {
		created := mustCreate(t, store, CreateInput{Prompt: "p", Context: "pg-plan"})
		if err := store.SavePlan(ctx, created.ID, []PlanStep{{Title: "read"}, {Title: "write"}}); err != nil {
			t.Fatalf("SavePlan: %v", err)
		}
		got, err := store.Get(ctx, created.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if len(got.Plan) != 2 || got.Plan[1].Order != 2 {
			t.Errorf("Plan = %+v", got.Plan)
		}
		if err := store.Delete(ctx, created.ID); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if _, err := store.Get(ctx, created.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get deleted: err = %v, want ErrNotFound", err)
		}
	})

	t.Run("corrupt attachments", func(t *testing.T) {
		created := mustCreate(t, store, CreateInput{Prompt: "p", Context: "pg-corrupt"})
		if _, err := store.db.ExecContext(ctx, `UPDATE tasks SET attachments = 'not json' WHERE id = $1`, created.ID); err != nil {
			t.Fatalf("corrupt row: %v", err)
		}
		if _, err := store.Get(ctx, created.ID); err == nil {
			t.Fatal("Get: expected attachments decode error")
		}
	})
}
