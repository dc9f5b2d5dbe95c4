package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/itskum47/TradeForge/engine/task"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	queue TEXT NOT NULL,
	type TEXT NOT NULL,
	payload BYTEA,
	priority INT NOT NULL,
	deps JSONB,
	state TEXT NOT NULL,
	retry_count INT NOT NULL DEFAULT 0,
	max_retries INT NOT NULL DEFAULT 0,
	rate_retry_count INT NOT NULL DEFAULT 0,
	next_retry_at BIGINT,
	timeout_ms BIGINT NOT NULL DEFAULT 0,
	created_at BIGINT NOT NULL,
	started_at BIGINT,
	completed_at BIGINT,
	result BYTEA,
	error JSONB,
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
	definition JSONB NOT NULL,
	state TEXT NOT NULL,
	created_at BIGINT NOT NULL,
	completed_at BIGINT
);

CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	source TEXT,
	timestamp BIGINT NOT NULL,
	correlation_id TEXT,
	payload BYTEA
);
CREATE INDEX IF NOT EXISTS idx_events_corr ON events(correlation_id, timestamp);

CREATE TABLE IF NOT EXISTS periodic_fires (
	name TEXT PRIMARY KEY,
	last_fire BIGINT NOT NULL,
	task_id TEXT NOT NULL DEFAULT ''
);
`

// PostgresStore backs the task store with PostgreSQL via pgx. Row-level
// serialization comes from the database itself; the CAS transitions carry the
// same semantics as the other backends.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, tunes the pool, and bootstraps the schema.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

type pgScanner interface{ Scan(...any) error }

func scanTaskPG(scanner pgScanner) (*task.Task, error) {
	var (
		t                        task.Task
		payload, result          []byte
		deps, errJSON            []byte
		nextRetry, started, done *int64
		createdNanos, timeoutMS  int64
		corr, parentWF, cancel   *string
	)
	err := scanner.Scan(
		&t.ID, &t.Queue, &t.Type, &payload, &t.Priority, &deps, &t.State,
		&t.RetryCount, &t.MaxRetries, &t.RateRetryCount, &nextRetry, &timeoutMS,
		&createdNanos, &started, &done, &result, &errJSON, &corr, &parentWF, &cancel,
	)
	if err != nil {
		return nil, err
	}
	t.Payload = payload
	t.Result = result
	t.Timeout = time.Duration(timeoutMS) * time.Millisecond
	t.CreatedAt = time.Unix(0, createdNanos)
	if nextRetry != nil {
		v := time.Unix(0, *nextRetry)
		t.NextRetryAt = &v
	}
	if started != nil {
		v := time.Unix(0, *started)
		t.StartedAt = &v
	}
	if done != nil {
		v := time.Unix(0, *done)
		t.CompletedAt = &v
	}
	if len(deps) > 0 {
		if err := json.Unmarshal(deps, &t.Dependencies); err != nil {
			return nil, fmt.Errorf("decode deps for %s: %w", t.ID, err)
		}
	}
	if len(errJSON) > 0 {
		var te task.Error
		if err := json.Unmarshal(errJSON, &te); err != nil {
			return nil, fmt.Errorf("decode error for %s: %w", t.ID, err)
		}
		t.LastError = &te
	}
	if corr != nil {
		t.CorrelationID = *corr
	}
	if parentWF != nil {
		t.ParentWorkflowID = *parentWF
	}
	if cancel != nil {
		t.CancelReason = *cancel
	}
	return &t, nil
}

func (s *PostgresStore) queryTasks(ctx context.Context, query string, args ...any) ([]*task.Task, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		t, err := scanTaskPG(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- task table ---

func (s *PostgresStore) Admit(ctx context.Context, t *task.Task) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO tasks (`+taskColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		t.ID, string(t.Queue), t.Type, []byte(t.Payload), t.Priority, marshalDeps(t.Dependencies),
		string(t.State), t.RetryCount, t.MaxRetries, t.RateRetryCount, nanosOrNull(t.NextRetryAt),
		t.Timeout.Milliseconds(), t.CreatedAt.UnixNano(), nanosOrNull(t.StartedAt),
		nanosOrNull(t.CompletedAt), []byte(t.Result), marshalErr(t.LastError),
		t.CorrelationID, t.ParentWorkflowID, t.CancelReason,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return err
	}
	for _, dep := range t.Dependencies {
		if _, err := tx.Exec(ctx,
			`INSERT INTO task_deps (task_id, dep_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			t.ID, dep); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*task.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTaskPG(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (s *PostgresStore) Transition(ctx context.Context, id string, from, to task.State, patch Patch) error {
	sets := []string{"state = $1"}
	args := []any{string(to)}
	n := 1
	add := func(col string, v any) {
		n++
		sets = append(sets, fmt.Sprintf("%s = $%d", col, n))
		args = append(args, v)
	}
	if patch.Result != nil {
		add("result", []byte(patch.Result))
	}
	if patch.Err != nil {
		add("error", marshalErr(patch.Err))
	}
	if patch.RetryCount != nil {
		add("retry_count", *patch.RetryCount)
	}
	if patch.RateRetryCount != nil {
		add("rate_retry_count", *patch.RateRetryCount)
	}
	if patch.NextRetryAt != nil {
		add("next_retry_at", patch.NextRetryAt.UnixNano())
	}
	if patch.ClearNextRetry {
		sets = append(sets, "next_retry_at = NULL")
	}
	if patch.StartedAt != nil {
		add("started_at", patch.StartedAt.UnixNano())
	}
	if patch.CompletedAt != nil {
		add("completed_at", patch.CompletedAt.UnixNano())
	}
	if patch.CancelReason != "" {
		add("cancel_reason", patch.CancelReason)
	}
	args = append(args, id, string(from))

	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE tasks SET %s WHERE id = $%d AND state = $%d`,
			strings.Join(sets, ", "), n+1, n+2), args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists int
		if err := s.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM tasks WHERE id = $1`, id).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrStaleState
	}
	return nil
}

func (s *PostgresStore) LoadReady(ctx context.Context, q task.Queue, limit int) ([]*task.Task, error) {
	if limit <= 0 {
		limit = 1000
	}
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE queue = $1 AND state = $2
		 ORDER BY priority DESC, created_at ASC, id ASC LIMIT $3`,
		string(q), string(task.StateReady), limit)
}

func (s *PostgresStore) DueRetries(ctx context.Context, q task.Queue, now time.Time) ([]*task.Task, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE queue = $1 AND state = $2 AND next_retry_at IS NOT NULL AND next_retry_at <= $3
		 ORDER BY priority DESC, created_at ASC, id ASC`,
		string(q), string(task.StatePending), now.UnixNano())
}

func (s *PostgresStore) LoadDependents(ctx context.Context, id string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT task_id FROM task_deps WHERE dep_id = $1`, id)
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

func (s *PostgresStore) LoadNonTerminal(ctx context.Context) ([]*task.Task, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE state IN ($1, $2, $3) ORDER BY created_at ASC`,
		string(task.StatePending), string(task.StateReady), string(task.StateRunning))
}

func (s *PostgresStore) LoadByWorkflow(ctx context.Context, workflowID string) ([]*task.Task, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE parent_workflow_id = $1 ORDER BY created_at ASC`,
		workflowID)
}

func (s *PostgresStore) History(ctx context.Context, q task.Queue, limit int) ([]*task.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE queue = $1 ORDER BY created_at DESC LIMIT $2`,
		string(q), limit)
}

func (s *PostgresStore) CountByState(ctx context.Context, q task.Queue) (QueueCounts, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT state, COUNT(*) FROM tasks WHERE queue = $1 GROUP BY state`, string(q))
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

func (s *PostgresStore) OldestNonTerminal(ctx context.Context, q task.Queue) (time.Time, bool, error) {
	var nanos *int64
	err := s.pool.QueryRow(ctx,
		`SELECT MIN(created_at) FROM tasks WHERE queue = $1 AND state IN ($2, $3, $4)`,
		string(q), string(task.StatePending), string(task.StateReady), string(task.StateRunning),
	).Scan(&nanos)
	if err != nil {
		return time.Time{}, false, err
	}
	if nanos == nil {
		return time.Time{}, false, nil
	}
	return time.Unix(0, *nanos), true, nil
}

func (s *PostgresStore) ClearCompleted(ctx context.Context, q task.Queue) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM tasks WHERE queue = $1 AND state = $2`,
		string(q), string(task.StateCompleted))
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) Retain(ctx context.Context, policy RetentionPolicy, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM tasks WHERE completed_at IS NOT NULL AND (
			(state = $1 AND completed_at < $2) OR
			(state IN ($3, $4, $5) AND completed_at < $6)
		 )`,
		string(task.StateCompleted), now.Add(-policy.Completed).UnixNano(),
		string(task.StateFailed), string(task.StateCancelled), string(task.StateExpired),
		now.Add(-policy.Failed).UnixNano())
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// --- workflow table ---

func (s *PostgresStore) SaveWorkflow(ctx context.Context, w *WorkflowRow) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO workflows (id, mode, definition, state, created_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state, completed_at = EXCLUDED.completed_at`,
		w.ID, w.Mode, string(w.Definition), w.State, w.CreatedAt.UnixNano(), nanosOrNull(w.CompletedAt))
	return err
}

func (s *PostgresStore) UpdateWorkflowState(ctx context.Context, id, state string, completedAt *time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE workflows SET state = $1, completed_at = COALESCE($2, completed_at) WHERE id = $3`,
		state, nanosOrNull(completedAt), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanWorkflowPG(scanner pgScanner) (*WorkflowRow, error) {
	var (
		w            WorkflowRow
		def          []byte
		createdNanos int64
		done         *int64
	)
	if err := scanner.Scan(&w.ID, &w.Mode, &def, &w.State, &createdNanos, &done); err != nil {
		return nil, err
	}
	w.Definition = def
	w.CreatedAt = time.Unix(0, createdNanos)
	if done != nil {
		v := time.Unix(0, *done)
		w.CompletedAt = &v
	}
	return &w, nil
}

func (s *PostgresStore) GetWorkflow(ctx context.Context, id string) (*WorkflowRow, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, mode, definition, state, created_at, completed_at FROM workflows WHERE id = $1`, id)
	w, err := scanWorkflowPG(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return w, err
}

func (s *PostgresStore) listWorkflows(ctx context.Context, query string, args ...any) ([]*WorkflowRow, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*WorkflowRow
	for rows.Next() {
		w, err := scanWorkflowPG(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListWorkflows(ctx context.Context, limit int) ([]*WorkflowRow, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.listWorkflows(ctx,
		`SELECT id, mode, definition, state, created_at, completed_at
		 FROM workflows ORDER BY created_at DESC LIMIT $1`, limit)
}

func (s *PostgresStore) ListWorkflowsByState(ctx context.Context, state string) ([]*WorkflowRow, error) {
	return s.listWorkflows(ctx,
		`SELECT id, mode, definition, state, created_at, completed_at
		 FROM workflows WHERE state = $1 ORDER BY created_at ASC`, state)
}

// --- event journal ---

func (s *PostgresStore) AppendEvent(ctx context.Context, e EventRow) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO events (id, type, source, timestamp, correlation_id, payload)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.Type, e.Source, e.Timestamp.UnixNano(), e.CorrelationID, []byte(e.Payload))
	return err
}

func (s *PostgresStore) EventsByCorrelation(ctx context.Context, correlationID string, limit int) ([]EventRow, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, type, source, timestamp, correlation_id, payload
		 FROM events WHERE correlation_id = $1 ORDER BY timestamp ASC LIMIT $2`,
		correlationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var (
			e       EventRow
			nanos   int64
			payload []byte
		)
		if err := rows.Scan(&e.ID, &e.Type, &e.Source, &nanos, &e.CorrelationID, &payload); err != nil {
			return nil, err
		}
		e.Timestamp = time.Unix(0, nanos)
		e.Payload = payload
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- periodic fires ---

func (s *PostgresStore) LastFire(ctx context.Context, name string) (time.Time, string, error) {
	var nanos int64
	var taskID string
	err := s.pool.QueryRow(ctx,
		`SELECT last_fire, task_id FROM periodic_fires WHERE name = $1`, name).Scan(&nanos, &taskID)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, "", ErrNotFound
	}
	if err != nil {
		return time.Time{}, "", err
	}
	return time.Unix(0, nanos), taskID, nil
}

func (s *PostgresStore) RecordFire(ctx context.Context, name string, at time.Time, taskID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO periodic_fires (name, last_fire, task_id) VALUES ($1, $2, $3)
		 ON CONFLICT (name) DO UPDATE SET last_fire = EXCLUDED.last_fire, task_id = EXCLUDED.task_id`,
		name, at.UnixNano(), taskID)
	return err
}
