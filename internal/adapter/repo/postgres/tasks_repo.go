package postgres

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/memory-broker/internal/domain"
)

// TaskRepo persists and loads tasks from PostgreSQL using a minimal pgx pool.
// Claim and every status transition are single guarded statements, so the
// at-most-once-assignment property holds across concurrent brokers sharing
// one database.
type TaskRepo struct{ Pool PgxPool }

// NewTaskRepo constructs a TaskRepo with the given pool.
func NewTaskRepo(p PgxPool) *TaskRepo { return &TaskRepo{Pool: p} }

const taskColumns = `id, kind, status, required_capability, fallback_capabilities, priority,
	payload, result, error, retry_count, max_retries,
	COALESCE(assigned_worker_id,''), retry_after, created_at, assigned_at, completed_at`

func scanTask(row pgx.Row) (domain.Task, error) {
	var t domain.Task
	err := row.Scan(
		&t.ID, &t.Kind, &t.Status, &t.RequiredCapability, &t.FallbackCapabilities, &t.Priority,
		&t.Payload, &t.Result, &t.Error, &t.RetryCount, &t.MaxRetries,
		&t.AssignedWorkerID, &t.RetryAfter, &t.CreatedAt, &t.AssignedAt, &t.CompletedAt,
	)
	return t, err
}

// Enqueue inserts a new pending task and returns its id.
func (r *TaskRepo) Enqueue(ctx domain.Context, req domain.EnqueueRequest) (string, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Enqueue")
	defer span.End()
	if !domain.ValidKind(req.Kind) || req.RequiredCapability == "" || req.MaxRetries < 0 {
		return "", fmt.Errorf("op=task.enqueue: %w", domain.ErrInvalidArgument)
	}
	id := ulid.Make().String()
	fallbacks := req.FallbackCapabilities
	if fallbacks == nil {
		fallbacks = []string{}
	}
	q := `INSERT INTO tasks (id, kind, status, required_capability, fallback_capabilities, priority, payload, max_retries, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err := r.Pool.Exec(ctx, q, id, req.Kind, domain.TaskPending, req.RequiredCapability,
		fallbacks, req.Priority, req.Payload, req.MaxRetries, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("op=task.enqueue: %w", err)
	}
	return id, nil
}

// Get loads a task by id.
func (r *TaskRepo) Get(ctx domain.Context, id string) (domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Get")
	defer span.End()
	t, err := scanTask(r.Pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Task{}, fmt.Errorf("op=task.get: %w", domain.ErrNotFound)
		}
		return domain.Task{}, fmt.Errorf("op=task.get: %w", err)
	}
	return t, nil
}

// ClaimNext atomically assigns the best eligible pending task to workerID.
// The inner SELECT takes the row with FOR UPDATE SKIP LOCKED so concurrent
// claimers never receive the same row.
func (r *TaskRepo) ClaimNext(ctx domain.Context, caps []string, workerID string, now time.Time) (domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.ClaimNext")
	defer span.End()
	if len(caps) == 0 {
		return domain.Task{}, fmt.Errorf("op=task.claim: %w", domain.ErrNotFound)
	}
	q := `UPDATE tasks SET status=$1, assigned_worker_id=$2, assigned_at=$3
		WHERE id = (
			SELECT id FROM tasks
			WHERE status=$4
			  AND (retry_after IS NULL OR retry_after <= $3)
			  AND (required_capability = ANY($5) OR fallback_capabilities && $5)
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + taskColumns
	t, err := scanTask(r.Pool.QueryRow(ctx, q, domain.TaskAssigned, workerID, now.UTC(), domain.TaskPending, caps))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Task{}, fmt.Errorf("op=task.claim: %w", domain.ErrNotFound)
		}
		return domain.Task{}, fmt.Errorf("op=task.claim: %w", err)
	}
	return t, nil
}

// PeekNext returns the task ClaimNext would select, without locking or
// mutating it.
func (r *TaskRepo) PeekNext(ctx domain.Context, caps []string, skip []string, now time.Time) (domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.PeekNext")
	defer span.End()
	if len(caps) == 0 {
		return domain.Task{}, fmt.Errorf("op=task.peek: %w", domain.ErrNotFound)
	}
	if skip == nil {
		skip = []string{}
	}
	q := `SELECT ` + taskColumns + ` FROM tasks
		WHERE status=$1
		  AND (retry_after IS NULL OR retry_after <= $2)
		  AND (required_capability = ANY($3) OR fallback_capabilities && $3)
		  AND NOT (id = ANY($4))
		ORDER BY priority DESC, created_at ASC
		LIMIT 1`
	t, err := scanTask(r.Pool.QueryRow(ctx, q, domain.TaskPending, now.UTC(), caps, skip))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Task{}, fmt.Errorf("op=task.peek: %w", domain.ErrNotFound)
		}
		return domain.Task{}, fmt.Errorf("op=task.peek: %w", err)
	}
	return t, nil
}

// BeginProcessing transitions assigned -> processing for the owning worker.
func (r *TaskRepo) BeginProcessing(ctx domain.Context, id, workerID string) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.BeginProcessing")
	defer span.End()
	q := `UPDATE tasks SET status=$1 WHERE id=$2 AND assigned_worker_id=$3 AND status=$4`
	tag, err := r.Pool.Exec(ctx, q, domain.TaskProcessing, id, workerID, domain.TaskAssigned)
	if err != nil {
		return fmt.Errorf("op=task.begin: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=task.begin: %w", domain.ErrConflict)
	}
	return nil
}

// Complete terminally settles a task with its result.
func (r *TaskRepo) Complete(ctx domain.Context, id, workerID string, result []byte) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Complete")
	defer span.End()
	q := `UPDATE tasks SET status=$1, result=$2, assigned_worker_id=NULL, completed_at=$3
		WHERE id=$4 AND assigned_worker_id=$5 AND status = ANY($6)`
	tag, err := r.Pool.Exec(ctx, q, domain.TaskCompleted, result, time.Now().UTC(), id, workerID,
		[]string{string(domain.TaskAssigned), string(domain.TaskProcessing)})
	if err != nil {
		return fmt.Errorf("op=task.complete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=task.complete: %w", domain.ErrConflict)
	}
	return nil
}

// Fail records a worker-reported failure. The retryable-and-below-bound
// branch is decided inside the statement so the check and the transition
// commit together.
func (r *TaskRepo) Fail(ctx domain.Context, id, workerID, errMsg string, retryable bool, retryAfter time.Time) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Fail")
	defer span.End()
	q := `UPDATE tasks SET
		status = CASE WHEN $1 AND retry_count < max_retries THEN $2 ELSE $3 END,
		retry_count = CASE WHEN $1 AND retry_count < max_retries THEN retry_count + 1 ELSE retry_count END,
		retry_after = CASE WHEN $1 AND retry_count < max_retries THEN $4::timestamptz ELSE NULL END,
		assigned_at = CASE WHEN $1 AND retry_count < max_retries THEN NULL ELSE assigned_at END,
		completed_at = CASE WHEN $1 AND retry_count < max_retries THEN NULL ELSE $5::timestamptz END,
		assigned_worker_id = NULL,
		error = $6
		WHERE id=$7 AND assigned_worker_id=$8 AND status = ANY($9)`
	tag, err := r.Pool.Exec(ctx, q, retryable, domain.TaskPending, domain.TaskFailed,
		retryAfter.UTC(), time.Now().UTC(), errMsg, id, workerID,
		[]string{string(domain.TaskAssigned), string(domain.TaskProcessing)})
	if err != nil {
		return fmt.Errorf("op=task.fail: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=task.fail: %w", domain.ErrConflict)
	}
	return nil
}

// Release returns a lost task to pending regardless of which worker held it,
// incrementing the retry count; at the bound it fails terminally.
func (r *TaskRepo) Release(ctx domain.Context, id string, retryAfter time.Time) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Release")
	defer span.End()
	q := `UPDATE tasks SET
		status = CASE WHEN retry_count < max_retries THEN $1 ELSE $2 END,
		retry_count = CASE WHEN retry_count < max_retries THEN retry_count + 1 ELSE retry_count END,
		retry_after = CASE WHEN retry_count < max_retries THEN $3::timestamptz ELSE NULL END,
		assigned_at = CASE WHEN retry_count < max_retries THEN NULL ELSE assigned_at END,
		completed_at = CASE WHEN retry_count < max_retries THEN NULL ELSE $4::timestamptz END,
		assigned_worker_id = NULL,
		error = 'worker disconnected'
		WHERE id=$5 AND status = ANY($6)`
	tag, err := r.Pool.Exec(ctx, q, domain.TaskPending, domain.TaskFailed,
		retryAfter.UTC(), time.Now().UTC(), id,
		[]string{string(domain.TaskAssigned), string(domain.TaskProcessing)})
	if err != nil {
		return fmt.Errorf("op=task.release: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=task.release: %w", domain.ErrConflict)
	}
	return nil
}

// Cancel terminally fails any non-terminal task with the given reason.
func (r *TaskRepo) Cancel(ctx domain.Context, id, reason string) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Cancel")
	defer span.End()
	q := `UPDATE tasks SET status=$1, error=$2, assigned_worker_id=NULL, completed_at=$3
		WHERE id=$4 AND status = ANY($5)`
	tag, err := r.Pool.Exec(ctx, q, domain.TaskFailed, reason, time.Now().UTC(), id,
		[]string{string(domain.TaskPending), string(domain.TaskAssigned), string(domain.TaskProcessing)})
	if err != nil {
		return fmt.Errorf("op=task.cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish missing from already settled.
		if _, gerr := r.Get(ctx, id); gerr != nil {
			return gerr
		}
		return fmt.Errorf("op=task.cancel: %w", domain.ErrAlreadyTerminal)
	}
	return nil
}

// List returns tasks matching the filter ordered newest-first.
func (r *TaskRepo) List(ctx domain.Context, f domain.TaskFilter) ([]domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.List")
	defer span.End()

	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("status=$%d", f.Status)
	}
	if f.Kind != "" {
		add("kind=$%d", f.Kind)
	}
	if f.Capability != "" {
		add("required_capability=$%d", f.Capability)
	}
	q := `SELECT ` + taskColumns + ` FROM tasks`
	if len(conds) > 0 {
		q += ` WHERE ` + strings.Join(conds, " AND ")
	}
	q += ` ORDER BY created_at DESC`
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	q += fmt.Sprintf(" LIMIT $%d", len(args))
	args = append(args, f.Offset)
	q += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=task.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("op=task.list: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=task.list: %w", err)
	}
	return out, nil
}

// CountByStatus returns task counts keyed by status.
func (r *TaskRepo) CountByStatus(ctx domain.Context) (map[domain.TaskStatus]int, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.CountByStatus")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("op=task.count: %w", err)
	}
	defer rows.Close()
	out := make(map[domain.TaskStatus]int)
	for rows.Next() {
		var status domain.TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("op=task.count: %w", err)
		}
		out[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=task.count: %w", err)
	}
	return out, nil
}

// Sweep deletes terminal tasks settled before cutoff.
func (r *TaskRepo) Sweep(ctx domain.Context, cutoff time.Time) (int64, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Sweep")
	defer span.End()
	q := `DELETE FROM tasks WHERE status = ANY($1) AND completed_at IS NOT NULL AND completed_at < $2`
	tag, err := r.Pool.Exec(ctx, q,
		[]string{string(domain.TaskCompleted), string(domain.TaskFailed), string(domain.TaskTimeout)},
		cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("op=task.sweep: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Ping reports database availability.
func (r *TaskRepo) Ping(ctx domain.Context) error {
	if err := r.Pool.Ping(ctx); err != nil {
		return fmt.Errorf("op=task.ping: %w", domain.ErrUnavailable)
	}
	return nil
}
