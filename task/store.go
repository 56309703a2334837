package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // Postgres driver ("pgx")
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // SQLite driver
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

const titleMaxRunes = 80

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id            TEXT PRIMARY KEY,
	seq           INTEGER NOT NULL,
	title         TEXT NOT NULL,
	prompt        TEXT NOT NULL,
	status        TEXT NOT NULL,
	agent_id      TEXT NOT NULL DEFAULT '',
	model         TEXT NOT NULL DEFAULT '',
	priority      INTEGER NOT NULL DEFAULT 0,
	attachments   TEXT NOT NULL DEFAULT '[]',
	max_retries   INTEGER NOT NULL DEFAULT 3,
	retry_count   INTEGER NOT NULL DEFAULT 0,
	context       TEXT NOT NULL DEFAULT '',
	created_by    TEXT NOT NULL DEFAULT '',
	result        TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL,
	started_at    DATETIME,
	completed_at  DATETIME
);
CREATE INDEX IF NOT EXISTS idx_tasks_status_order ON tasks (status, priority, created_at, seq);
CREATE INDEX IF NOT EXISTS idx_tasks_context ON tasks (context, status);
CREATE TABLE IF NOT EXISTS task_attempts (
	task_id    TEXT NOT NULL,
	number     INTEGER NOT NULL,
	agent_id   TEXT NOT NULL DEFAULT '',
	outcome    TEXT NOT NULL DEFAULT '',
	error      TEXT NOT NULL DEFAULT '',
	started_at DATETIME NOT NULL,
	ended_at   DATETIME,
	PRIMARY KEY (task_id, number)
);
CREATE TABLE IF NOT EXISTS task_plan_steps (
	task_id     TEXT NOT NULL,
	step_order  INTEGER NOT NULL,
	title       TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (task_id, step_order)
);
`

// postgresSchema mirrors sqliteSchema with native timestamp columns.
var postgresSchema = strings.ReplaceAll(sqliteSchema, "DATETIME", "TIMESTAMPTZ")

const taskColumns = `id, seq, title, prompt, status, agent_id, model, priority, attachments,
	max_retries, retry_count, context, created_by, result, error_message,
	created_at, updated_at, started_at, completed_at`

// SQLStore persists tasks through database/sql. Queries are written with
// '?' placeholders and rebound for the active driver.
type SQLStore struct {
	db  *sqlx.DB
	now func() time.Time
}

// Open connects to driver/dsn and ensures the schema exists. The caller is
// responsible for calling Close.
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	var schema string
	switch driver {
	case DriverSQLite:
		schema = sqliteSchema
	case DriverPostgres, "postgres":
		driver = DriverPostgres
		schema = postgresSchema
		sqlx.BindDriver(DriverPostgres, sqlx.DOLLAR)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout=5000",
		} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("%s: %w", pragma, err)
			}
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLStore, error) {
	return Open(context.Background(), DriverSQLite, dbPath)
}

// Close releases the underlying database connection.
func (s *SQLStore) Close() error { return s.db.Close() }

// Ping reports whether the database is reachable.
func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Create persists a new task.
func (s *SQLStore) Create(ctx context.Context, in CreateInput) (*Task, error) {
	prompt := strings.TrimSpace(in.Prompt)
	if prompt == "" {
		return nil, &ValidationError{Field: "prompt", Reason: "must not be empty"}
	}
	maxRetries := DefaultMaxRetries
	if in.MaxRetries != nil {
		if *in.MaxRetries < 0 {
			return nil, &ValidationError{Field: "max_retries", Reason: "must not be negative"}
		}
		maxRetries = *in.MaxRetries
	}
	id := strings.TrimSpace(in.ID)
	if id == "" {
		id = uuid.NewString()
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = deriveTitle(prompt)
	}
	status := StatusPending
	if in.Queued {
		status = StatusQueued
	}
	attachments, err := json.Marshal(nonNil(in.Attachments))
	if err != nil {
		return nil, fmt.Errorf("encode attachments: %w", err)
	}

	now := s.now()
	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		var exists int
		err := tx.GetContext(ctx, &exists, tx.Rebind(`SELECT COUNT(1) FROM tasks WHERE id = ?`), id)
		if err != nil {
			return fmt.Errorf("check id: %w", err)
		}
		if exists > 0 {
			return &ValidationError{Field: "id", Reason: fmt.Sprintf("task %s already exists", id)}
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO tasks
				(id, seq, title, prompt, status, agent_id, model, priority, attachments,
				 max_retries, retry_count, context, created_by, result, error_message,
				 created_at, updated_at)
			VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM tasks), ?,?,?,?,?,?,?,?,0,?,?,'','',?,?)`),
			id, title, prompt, string(status), in.AgentID, in.Model, in.Priority, string(attachments),
			maxRetries, in.Context, in.CreatedBy, now, now,
		)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Get retrieves a task by ID, including its plan.
func (s *SQLStore) Get(ctx context.Context, id string) (*Task, error) {
	t, err := getTask(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if t.Plan, err = loadPlan(ctx, s.db, id); err != nil {
		return nil, err
	}
	return t, nil
}

// List returns tasks matching the filter. Plans are not loaded.
func (s *SQLStore) List(ctx context.Context, filter Filter) ([]*Task, error) {
	q := strings.Builder{}
	q.WriteString("SELECT " + taskColumns + " FROM tasks WHERE 1=1")
	args := []any{}

	if len(filter.Statuses) > 0 {
		q.WriteString(" AND status IN (?" + strings.Repeat(",?", len(filter.Statuses)-1) + ")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if filter.Context != nil {
		q.WriteString(" AND context = ?")
		args = append(args, *filter.Context)
	}
	if filter.CreatedBy != "" {
		q.WriteString(" AND created_by = ?")
		args = append(args, filter.CreatedBy)
	}
	q.WriteString(" ORDER BY priority ASC, created_at ASC, seq ASC, id ASC")
	if filter.Limit > 0 {
		q.WriteString(fmt.Sprintf(" LIMIT %d", filter.Limit))
		if filter.Offset > 0 {
			q.WriteString(fmt.Sprintf(" OFFSET %d", filter.Offset))
		}
	}

	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q.String()), args...); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	tasks := make([]*Task, 0, len(rows))
	for i := range rows {
		t, err := rows[i].toTask()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// Transition moves a task to status to when its current status is one of
// from (any status when from is empty) and the state machine allows it.
func (s *SQLStore) Transition(ctx context.Context, id string, from []Status, to Status, patch Patch) (*Task, error) {
	if !to.Valid() {
		return nil, &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", to)}
	}
	var out *Task
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		cur, err := lockTask(ctx, tx, id)
		if err != nil {
			return err
		}
		if len(from) > 0 && !slices.Contains(from, cur.Status) {
			return &InvalidTransitionError{ID: id, Current: cur.Status, To: to}
		}
		out, err = s.apply(ctx, tx, cur, to, patch, 0)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RecordAttemptFailure ends the active attempt of a planning or running
// task. RetryCount never exceeds MaxRetries: the failure that would push it
// past the budget finalizes the task as failed instead.
func (s *SQLStore) RecordAttemptFailure(ctx context.Context, id, cause string) (*Task, error) {
	var out *Task
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		cur, err := lockTask(ctx, tx, id)
		if err != nil {
			return err
		}
		if !cur.Status.Active() {
			return &InvalidTransitionError{ID: id, Current: cur.Status, To: StatusPending}
		}
		patch := Patch{ErrorMessage: &cause}
		if cur.RetryCount+1 > cur.MaxRetries {
			out, err = s.apply(ctx, tx, cur, StatusFailed, patch, 0)
		} else {
			out, err = s.apply(ctx, tx, cur, StatusPending, patch, 1)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Cancel moves a queued, pending or in-flight task to cancelled, recording
// reason as its error message.
func (s *SQLStore) Cancel(ctx context.Context, id, reason string) (*Task, error) {
	if strings.TrimSpace(reason) == "" {
		reason = "cancelled"
	}
	return s.Transition(ctx, id,
		[]Status{StatusQueued, StatusPending, StatusPlanning, StatusRunning},
		StatusCancelled, Patch{ErrorMessage: &reason})
}

// Promote makes a queued task eligible for scheduling.
func (s *SQLStore) Promote(ctx context.Context, id string) (*Task, error) {
	return s.Transition(ctx, id, []Status{StatusQueued}, StatusPending, Patch{})
}

func (s *SQLStore) Pause(ctx context.Context, id string) (*Task, error) {
	return s.Transition(ctx, id, []Status{StatusPending}, StatusPaused, Patch{})
}

func (s *SQLStore) Resume(ctx context.Context, id string) (*Task, error) {
	return s.Transition(ctx, id, []Status{StatusPaused}, StatusPending, Patch{})
}

// SavePlan replaces the stored plan of a task.
func (s *SQLStore) SavePlan(ctx context.Context, id string, steps []PlanStep) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := lockTask(ctx, tx, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM task_plan_steps WHERE task_id = ?`), id); err != nil {
			return fmt.Errorf("clear plan: %w", err)
		}
		for i, step := range steps {
			_, err := tx.ExecContext(ctx, tx.Rebind(`
				INSERT INTO task_plan_steps (task_id, step_order, title, description)
				VALUES (?,?,?,?)`), id, i+1, step.Title, step.Description)
			if err != nil {
				return fmt.Errorf("insert plan step %d: %w", i+1, err)
			}
		}
		_, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE tasks SET updated_at = ? WHERE id = ?`), s.now(), id)
		return err
	})
}

// Attempts returns the execution history of a task, oldest first.
func (s *SQLStore) Attempts(ctx context.Context, id string) ([]Attempt, error) {
	if _, err := getTask(ctx, s.db, id); err != nil {
		return nil, err
	}
	var rows []attemptRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT task_id, number, agent_id, outcome, error, started_at, ended_at
		FROM task_attempts WHERE task_id = ? ORDER BY number ASC`), id)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	out := make([]Attempt, 0, len(rows))
	for _, r := range rows {
		a := Attempt{
			TaskID:    r.TaskID,
			Number:    r.Number,
			AgentID:   r.AgentID,
			Outcome:   Outcome(r.Outcome),
			Error:     r.Error,
			StartedAt: r.StartedAt,
		}
		if r.EndedAt.Valid {
			ended := r.EndedAt.Time
			a.EndedAt = &ended
		}
		out = append(out, a)
	}
	return out, nil
}

// Delete removes a task with its attempts and plan. Tasks that are
// currently planning or running cannot be deleted.
func (s *SQLStore) Delete(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		cur, err := lockTask(ctx, tx, id)
		if err != nil {
			return err
		}
		if cur.Status.Active() {
			return &InvalidTransitionError{ID: id, Current: cur.Status, To: "deleted"}
		}
		for _, q := range []string{
			`DELETE FROM task_attempts WHERE task_id = ?`,
			`DELETE FROM task_plan_steps WHERE task_id = ?`,
			`DELETE FROM tasks WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, tx.Rebind(q), id); err != nil {
				return fmt.Errorf("delete task: %w", err)
			}
		}
		return nil
	})
}

// apply performs the compare-and-set update from cur.Status to to together
// with the timestamp, attempt and result/error side effects of entering to.
func (s *SQLStore) apply(ctx context.Context, tx *sqlx.Tx, cur *Task, to Status, patch Patch, retryDelta int) (*Task, error) {
	if !CanTransition(cur.Status, to) {
		return nil, &InvalidTransitionError{ID: cur.ID, Current: cur.Status, To: to}
	}
	now := s.now()
	next := *cur
	next.Status = to
	next.UpdatedAt = now
	next.RetryCount += retryDelta
	if patch.AgentID != nil {
		next.AgentID = *patch.AgentID
	}

	switch {
	case to.Active() && !cur.Status.Active():
		started := now
		if patch.StartedAt != nil {
			started = *patch.StartedAt
		}
		next.StartedAt = &started
		next.CompletedAt = nil
		next.Result = ""
	case to.Terminal():
		completed := now
		if patch.CompletedAt != nil {
			completed = *patch.CompletedAt
		}
		next.CompletedAt = &completed
		if to == StatusCompleted {
			next.ErrorMessage = ""
			if patch.Result != nil {
				next.Result = *patch.Result
			}
			if next.Result == "" {
				return nil, &ValidationError{Field: "result", Reason: "completed task requires a result"}
			}
		} else {
			next.Result = ""
			if patch.ErrorMessage != nil {
				next.ErrorMessage = *patch.ErrorMessage
			}
			if next.ErrorMessage == "" {
				next.ErrorMessage = string(to)
			}
		}
	case to == StatusPending && cur.Status.Active():
		next.StartedAt = nil
		next.CompletedAt = nil
		next.Result = ""
	}
	if !to.Terminal() && patch.ErrorMessage != nil {
		next.ErrorMessage = *patch.ErrorMessage
	}

	res, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE tasks SET
			status = ?, agent_id = ?, retry_count = ?, result = ?, error_message = ?,
			updated_at = ?, started_at = ?, completed_at = ?
		WHERE id = ? AND status = ?`),
		string(next.Status), next.AgentID, next.RetryCount, next.Result, next.ErrorMessage,
		next.UpdatedAt, nullTime(next.StartedAt), nullTime(next.CompletedAt),
		cur.ID, string(cur.Status),
	)
	if err != nil {
		return nil, fmt.Errorf("update task status: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		latest, gerr := getTask(ctx, tx, cur.ID)
		if gerr != nil {
			return nil, gerr
		}
		return nil, &InvalidTransitionError{ID: cur.ID, Current: latest.Status, To: to}
	}

	if err := s.recordAttempt(ctx, tx, cur, &next, now); err != nil {
		return nil, err
	}
	if next.Plan, err = loadPlan(ctx, tx, cur.ID); err != nil {
		return nil, err
	}
	return &next, nil
}

// recordAttempt opens an attempt when a task becomes active and closes the
// open one when it leaves execution.
func (s *SQLStore) recordAttempt(ctx context.Context, tx *sqlx.Tx, cur, next *Task, now time.Time) error {
	switch {
	case next.Status.Active() && !cur.Status.Active():
		var n int
		err := tx.GetContext(ctx, &n, tx.Rebind(`SELECT COALESCE(MAX(number), 0) FROM task_attempts WHERE task_id = ?`), cur.ID)
		if err != nil {
			return fmt.Errorf("count attempts: %w", err)
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO task_attempts (task_id, number, agent_id, started_at) VALUES (?,?,?,?)`),
			cur.ID, n+1, next.AgentID, *next.StartedAt)
		if err != nil {
			return fmt.Errorf("open attempt: %w", err)
		}
	case cur.Status.Active() && !next.Status.Active():
		outcome := OutcomeRetry
		switch next.Status {
		case StatusCompleted:
			outcome = OutcomeCompleted
		case StatusFailed:
			outcome = OutcomeFailed
		case StatusCancelled:
			outcome = OutcomeCancelled
		}
		errText := ""
		if outcome != OutcomeCompleted {
			errText = next.ErrorMessage
		}
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE task_attempts SET outcome = ?, error = ?, ended_at = ?, agent_id = ?
			WHERE task_id = ? AND ended_at IS NULL`),
			string(outcome), errText, now, next.AgentID, cur.ID)
		if err != nil {
			return fmt.Errorf("close attempt: %w", err)
		}
	case next.Status.Active() && cur.AgentID != next.AgentID:
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE task_attempts SET agent_id = ? WHERE task_id = ? AND ended_at IS NULL`),
			next.AgentID, cur.ID)
		if err != nil {
			return fmt.Errorf("update attempt: %w", err)
		}
	}
	return nil
}

// withTx runs fn in a transaction, retrying the whole transaction while
// SQLite reports the database as busy or locked.
func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(b, 4), ctx)

	return backoff.Retry(func() error {
		err := s.runTx(ctx, fn)
		if err != nil && !isBusy(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

func (s *SQLStore) runTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

type taskRow struct {
	ID           string       `db:"id"`
	Seq          int64        `db:"seq"`
	Title        string       `db:"title"`
	Prompt       string       `db:"prompt"`
	Status       string       `db:"status"`
	AgentID      string       `db:"agent_id"`
	Model        string       `db:"model"`
	Priority     int          `db:"priority"`
	Attachments  string       `db:"attachments"`
	MaxRetries   int          `db:"max_retries"`
	RetryCount   int          `db:"retry_count"`
	Context      string       `db:"context"`
	CreatedBy    string       `db:"created_by"`
	Result       string       `db:"result"`
	ErrorMessage string       `db:"error_message"`
	CreatedAt    time.Time    `db:"created_at"`
	UpdatedAt    time.Time    `db:"updated_at"`
	StartedAt    sql.NullTime `db:"started_at"`
	CompletedAt  sql.NullTime `db:"completed_at"`
}

func (r *taskRow) toTask() (*Task, error) {
	t := &Task{
		ID:           r.ID,
		Title:        r.Title,
		Prompt:       r.Prompt,
		Status:       Status(r.Status),
		AgentID:      r.AgentID,
		Model:        r.Model,
		Priority:     r.Priority,
		MaxRetries:   r.MaxRetries,
		RetryCount:   r.RetryCount,
		Context:      r.Context,
		CreatedBy:    r.CreatedBy,
		Result:       r.Result,
		ErrorMessage: r.ErrorMessage,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(r.Attachments), &t.Attachments); err != nil {
		return nil, fmt.Errorf("decode attachments for %s: %w", r.ID, err)
	}
	if r.StartedAt.Valid {
		t.StartedAt = &r.StartedAt.Time
	}
	if r.CompletedAt.Valid {
		t.CompletedAt = &r.CompletedAt.Time
	}
	return t, nil
}

type attemptRow struct {
	TaskID    string       `db:"task_id"`
	Number    int          `db:"number"`
	AgentID   string       `db:"agent_id"`
	Outcome   string       `db:"outcome"`
	Error     string       `db:"error"`
	StartedAt time.Time    `db:"started_at"`
	EndedAt   sql.NullTime `db:"ended_at"`
}

type planRow struct {
	Order       int    `db:"step_order"`
	Title       string `db:"title"`
	Description string `db:"description"`
}

// queryer is satisfied by both *sqlx.DB and *sqlx.Tx.
type queryer interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	Rebind(query string) string
}

func getTask(ctx context.Context, q queryer, id string) (*Task, error) {
	return selectTask(ctx, q, id, "")
}

// lockTask reads a task inside tx, holding its row until commit on drivers
// that support row locks. SQLite serializes writers on its single connection.
func lockTask(ctx context.Context, tx *sqlx.Tx, id string) (*Task, error) {
	suffix := ""
	if tx.DriverName() == DriverPostgres {
		suffix = " FOR UPDATE"
	}
	return selectTask(ctx, tx, id, suffix)
}

func selectTask(ctx context.Context, q queryer, id, suffix string) (*Task, error) {
	var row taskRow
	err := q.GetContext(ctx, &row, q.Rebind("SELECT "+taskColumns+" FROM tasks WHERE id = ?"+suffix), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return row.toTask()
}

func loadPlan(ctx context.Context, q queryer, id string) ([]PlanStep, error) {
	var rows []planRow
	err := q.SelectContext(ctx, &rows, q.Rebind(`
		SELECT step_order, title, description FROM task_plan_steps
		WHERE task_id = ? ORDER BY step_order ASC`), id)
	if err != nil {
		return nil, fmt.Errorf("load plan: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	steps := make([]PlanStep, 0, len(rows))
	for _, r := range rows {
		steps = append(steps, PlanStep{Order: r.Order, Title: r.Title, Description: r.Description})
	}
	return steps, nil
}

// deriveTitle uses the first line of the prompt, cut to titleMaxRunes.
func deriveTitle(prompt string) string {
	line, _, _ := strings.Cut(prompt, "\n")
	line = strings.TrimSpace(line)
	if utf8.RuneCountInString(line) <= titleMaxRunes {
		return line
	}
	return string([]rune(line)[:titleMaxRunes])
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
