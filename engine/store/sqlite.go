package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/itskum47/TradeForge/engine/task"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	queue TEXT NOT NULL,
	type TEXT NOT NULL,
	payload BLOB,
	priority INTEGER NOT NULL,
	deps TEXT,
	state TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 0,
	rate_retry_count INTEGER NOT NULL DEFAULT 0,
	next_retry_at INTEGER,
	timeout_ms INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	started_at INTEGER,
	completed_at INTEGER,
	result BLOB,
	error TEXT,
	correlation_id TEXT,
	parent_workflow_id TEXT,
	cancel_reason TEXT
);
CREATE INDEX IF NOT EXISTS idx_tasks_ready ON tasks(queue, state, priority DESC, created_at ASC);
CREATE INDEX IF NOT EXISTS idx_tasks_workflow ON tasks(parent_workflow_id);
CREATE INDEX IF NOT EXISTS idx_tasks_retry ON tasks(next_retry_at);

CREATE TABLE IF NOT EXISTS task_deps (
	task_id TEXT NOT NULL,
	dep_id TEXT NOT NULL,
	PRIMARY KEY (task_id, dep_id)
);
CREATE INDEX IF NOT EXISTS idx_task_deps_dep ON task_deps(dep_id);

CREATE TABLE IF NOT EXISTS workflows (
	id TEXT PRIMARY KEY,
	mode TEXT NOT NULL,
	definition TEXT NOT NULL,
	state TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	completed_at INTEGER
);

CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	source TEXT,
	timestamp INTEGER NOT NULL,
	correlation_id TEXT,
	payload BLOB
);
CREATE INDEX IF NOT EXISTS idx_events_corr ON events(correlation_id, timestamp);

CREATE TABLE IF NOT EXISTS periodic_fires (
	name TEXT PRIMARY KEY,
	last_fire INTEGER NOT NULL,
	task_id TEXT NOT NULL DEFAULT ''
);
`

// SQLiteStore is the default durable backend. SQLite has a single writer, so
// each logical table carries its own mutex serializing mutations; reads share
// the writer lock of their table.
type SQLiteStore struct {
	db *sql.DB

	tasksMu     sync.Mutex
	workflowsMu sync.Mutex
	eventsMu    sync.Mutex
	firesMu     sync.Mutex
}

// NewSQLiteStore opens (and bootstraps) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &SQLiteStore{db: db}
	s.tasksMu.Lock()
	_, err = db.Exec(sqliteSchema)
	s.tasksMu.Unlock()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// --- helpers ---

func nanosOrNull(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func timeFromNull(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64)
	return &t
}

func marshalDeps(deps []string) string {
	if len(deps) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(deps)
	return string(b)
}

func marshalErr(e *task.Error) any {
	if e == nil {
		return nil
	}
	b, _ := json.Marshal(e)
	return string(b)
}

const taskColumns = `id, queue, type, payload, priority, deps, state, retry_count, max_retries,
	rate_retry_count, next_retry_at, timeout_ms, created_at, started_at, completed_at,
	result, error, correlation_id, parent_workflow_id, cancel_reason`

func scanTask(scanner interface{ Scan(...any) error }) (*task.Task, error) {
	var (
		t                         task.Task
		payload, result           []byte
		deps, errJSON             sql.NullString
		nextRetry, started, done  sql.NullInt64
		createdNanos, timeoutMS   int64
		corr, parentWF, cancelRsn sql.NullString
	)
	err := scanner.Scan(
		&t.ID, &t.Queue, &t.Type, &payload, &t.Priority, &deps, &t.State,
		&t.RetryCount, &t.MaxRetries, &t.RateRetryCount, &nextRetry, &timeoutMS,
		&createdNanos, &started, &done, &result, &errJSON, &corr, &parentWF, &cancelRsn,
	)
	if err != nil {
		return nil, err
	}
	t.Payload = payload
	t.Result = result
	t.Timeout = time.Duration(timeoutMS) * time.Millisecond
	t.CreatedAt = time.Unix(0, createdNanos)
	t.NextRetryAt = timeFromNull(nextRetry)
	t.StartedAt = timeFromNull(started)
	t.CompletedAt = timeFromNull(done)
	if deps.Valid && deps.String != "" && deps.String != "[]" {
		if err := json.Unmarshal([]byte(deps.String), &t.Dependencies); err != nil {
			return nil, fmt.Errorf("decode deps for %s: %w", t.ID, err)
		}
	}
	if errJSON.Valid && errJSON.String != "" {
		var te task.Error
		if err := json.Unmarshal([]byte(errJSON.String), &te); err != nil {
			return nil, fmt.Errorf("decode error for %s: %w", t.ID, err)
		}
		t.LastError = &te
	}
	t.CorrelationID = corr.String
	t.ParentWorkflowID = parentWF.String
	t.CancelReason = cancelRsn.String
	return &t, nil
}

func (s *SQLiteStore) queryTasks(ctx context.Context, query string, args ...any) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- task table ---

func (s *SQLiteStore) Admit(ctx context.Context, t *task.Task) error {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, string(t.Queue), t.Type, []byte(t.Payload), t.Priority, marshalDeps(t.Dependencies),
		string(t.State), t.RetryCount, t.MaxRetries, t.RateRetryCount, nanosOrNull(t.NextRetryAt),
		t.Timeout.Milliseconds(), t.CreatedAt.UnixNano(), nanosOrNull(t.StartedAt),
		nanosOrNull(t.CompletedAt), []byte(t.Result), marshalErr(t.LastError),
		t.CorrelationID, t.ParentWorkflowID, t.CancelReason,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") || strings.Contains(err.Error(), "PRIMARY") {
			return ErrAlreadyExists
		}
		return err
	}
	for _, dep := range t.Dependencies {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO task_deps (task_id, dep_id) VALUES (?, ?)`, t.ID, dep); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*task.Task, error) {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (s *SQLiteStore) Transition(ctx context.Context, id string, from, to task.State, patch Patch) error {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()

	sets := []string{"state = ?"}
	args := []any{string(to)}
	if patch.Result != nil {
		sets = append(sets, "result = ?")
		args = append(args, []byte(patch.Result))
	}
	if patch.Err != nil {
		sets = append(sets, "error = ?")
		args = append(args, marshalErr(patch.Err))
	}
	if patch.RetryCount != nil {
		sets = append(sets, "retry_count = ?")
		args = append(args, *patch.RetryCount)
	}
	if patch.RateRetryCount != nil {
		sets = append(sets, "rate_retry_count = ?")
		args = append(args, *patch.RateRetryCount)
	}
	if patch.NextRetryAt != nil {
		sets = append(sets, "next_retry_at = ?")
		args = append(args, patch.NextRetryAt.UnixNano())
	}
	if patch.ClearNextRetry {
		sets = append(sets, "next_retry_at = NULL")
	}
	if patch.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, patch.StartedAt.UnixNano())
	}
	if patch.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, patch.CompletedAt.UnixNano())
	}
	if patch.CancelReason != "" {
		sets = append(sets, "cancel_reason = ?")
		args = append(args, patch.CancelReason)
	}
	args = append(args, id, string(from))

	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ? AND state = ?`, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish a missing row from a CAS miss.
		var exists int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM tasks WHERE id = ?`, id).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrStaleState
	}
	return nil
}

func (s *SQLiteStore) LoadReady(ctx context.Context, q task.Queue, limit int) ([]*task.Task, error) {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()

	if limit <= 0 {
		limit = -1
	}
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE queue = ? AND state = ?
		 ORDER BY priority DESC, created_at ASC, id ASC LIMIT ?`,
		string(q), string(task.StateReady), limit)
}

func (s *SQLiteStore) DueRetries(ctx context.Context, q task.Queue, now time.Time) ([]*task.Task, error) {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()

	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE queue = ? AND state = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?
		 ORDER BY priority DESC, created_at ASC, id ASC`,
		string(q), string(task.StatePending), now.UnixNano())
}

func (s *SQLiteStore) LoadDependents(ctx context.Context, id string) ([]string, error) {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT task_id FROM task_deps WHERE dep_id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var tid string
		if err := rows.Scan(&tid); err != nil {
			return nil, err
		}
		out = append(out, tid)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) LoadNonTerminal(ctx context.Context) ([]*task.Task, error) {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()

	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE state IN (?, ?, ?) ORDER BY created_at ASC`,
		string(task.StatePending), string(task.StateReady), string(task.StateRunning))
}

func (s *SQLiteStore) LoadByWorkflow(ctx context.Context, workflowID string) ([]*task.Task, error) {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()

	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE parent_workflow_id = ? ORDER BY created_at ASC`,
		workflowID)
}

func (s *SQLiteStore) History(ctx context.Context, q task.Queue, limit int) ([]*task.Task, error) {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE queue = ? ORDER BY created_at DESC LIMIT ?`,
		string(q), limit)
}

func (s *SQLiteStore) CountByState(ctx context.Context, q task.Queue) (QueueCounts, error) {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM tasks WHERE queue = ? GROUP BY state`, string(q))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(QueueCounts)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[task.State(state)] = n
	}
	return counts, rows.Err()
}

func (s *SQLiteStore) OldestNonTerminal(ctx context.Context, q task.Queue) (time.Time, bool, error) {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()

	var nanos sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(created_at) FROM tasks WHERE queue = ? AND state IN (?, ?, ?)`,
		string(q), string(task.StatePending), string(task.StateReady), string(task.StateRunning),
	).Scan(&nanos)
	if err != nil {
		return time.Time{}, false, err
	}
	if !nanos.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(0, nanos.Int64), true, nil
}

func (s *SQLiteStore) ClearCompleted(ctx context.Context, q task.Queue) (int, error) {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tasks WHERE queue = ? AND state = ?`, string(q), string(task.StateCompleted))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) Retain(ctx context.Context, policy RetentionPolicy, now time.Time) (int, error) {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()

	completedCutoff := now.Add(-policy.Completed).UnixNano()
	failedCutoff := now.Add(-policy.Failed).UnixNano()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tasks WHERE completed_at IS NOT NULL AND (
			(state = ? AND completed_at < ?) OR
			(state IN (?, ?, ?) AND completed_at < ?)
		 )`,
		string(task.StateCompleted), completedCutoff,
		string(task.StateFailed), string(task.StateCancelled), string(task.StateExpired), failedCutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// --- workflow table ---

func (s *SQLiteStore) SaveWorkflow(ctx context.Context, w *WorkflowRow) error {
	s.workflowsMu.Lock()
	defer s.workflowsMu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, mode, definition, state, created_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET state = excluded.state, completed_at = excluded.completed_at`,
		w.ID, w.Mode, string(w.Definition), w.State, w.CreatedAt.UnixNano(), nanosOrNull(w.CompletedAt))
	return err
}

func (s *SQLiteStore) UpdateWorkflowState(ctx context.Context, id, state string, completedAt *time.Time) error {
	s.workflowsMu.Lock()
	defer s.workflowsMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET state = ?, completed_at = COALESCE(?, completed_at) WHERE id = ?`,
		state, nanosOrNull(completedAt), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanWorkflow(scanner interface{ Scan(...any) error }) (*WorkflowRow, error) {
	var (
		w            WorkflowRow
		def          string
		createdNanos int64
		done         sql.NullInt64
	)
	if err := scanner.Scan(&w.ID, &w.Mode, &def, &w.State, &createdNanos, &done); err != nil {
		return nil, err
	}
	w.Definition = json.RawMessage(def)
	w.CreatedAt = time.Unix(0, createdNanos)
	w.CompletedAt = timeFromNull(done)
	return &w, nil
}

func (s *SQLiteStore) GetWorkflow(ctx context.Context, id string) (*WorkflowRow, error) {
	s.workflowsMu.Lock()
	defer s.workflowsMu.Unlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, mode, definition, state, created_at, completed_at FROM workflows WHERE id = ?`, id)
	w, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return w, err
}

func (s *SQLiteStore) listWorkflows(ctx context.Context, query string, args ...any) ([]*WorkflowRow, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*WorkflowRow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListWorkflows(ctx context.Context, limit int) ([]*WorkflowRow, error) {
	s.workflowsMu.Lock()
	defer s.workflowsMu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	return s.listWorkflows(ctx,
		`SELECT id, mode, definition, state, created_at, completed_at
		 FROM workflows ORDER BY created_at DESC LIMIT ?`, limit)
}

func (s *SQLiteStore) ListWorkflowsByState(ctx context.Context, state string) ([]*WorkflowRow, error) {
	s.workflowsMu.Lock()
	defer s.workflowsMu.Unlock()

	return s.listWorkflows(ctx,
		`SELECT id, mode, definition, state, created_at, completed_at
		 FROM workflows WHERE state = ? ORDER BY created_at ASC`, state)
}

// --- event journal ---

func (s *SQLiteStore) AppendEvent(ctx context.Context, e EventRow) error {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (id, type, source, timestamp, correlation_id, payload)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Type, e.Source, e.Timestamp.UnixNano(), e.CorrelationID, []byte(e.Payload))
	return err
}

func (s *SQLiteStore) EventsByCorrelation(ctx context.Context, correlationID string, limit int) ([]EventRow, error) {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()

	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, source, timestamp, correlation_id, payload
		 FROM events WHERE correlation_id = ? ORDER BY timestamp ASC LIMIT ?`,
		correlationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var (
			e     EventRow
			nanos int64
		)
		if err := rows.Scan(&e.ID, &e.Type, &e.Source, &nanos, &e.CorrelationID, (*[]byte)(&e.Payload)); err != nil {
			return nil, err
		}
		e.Timestamp = time.Unix(0, nanos)
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- periodic fires ---

func (s *SQLiteStore) LastFire(ctx context.Context, name string) (time.Time, string, error) {
	s.firesMu.Lock()
	defer s.firesMu.Unlock()

	var nanos int64
	var taskID string
	err := s.db.QueryRowContext(ctx,
		`SELECT last_fire, task_id FROM periodic_fires WHERE name = ?`, name).Scan(&nanos, &taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, "", ErrNotFound
	}
	if err != nil {
		return time.Time{}, "", err
	}
	return time.Unix(0, nanos), taskID, nil
}

func (s *SQLiteStore) RecordFire(ctx context.Context, name string, at time.Time, taskID string) error {
	s.firesMu.Lock()
	defer s.firesMu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO periodic_fires (name, last_fire, task_id) VALUES (?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET last_fire = excluded.last_fire, task_id = excluded.task_id`,
		name, at.UnixNano(), taskID)
	return err
}
