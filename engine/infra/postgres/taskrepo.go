package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/compozy/taskengine/engine/core"
	"github.com/compozy/taskengine/engine/task"
	"github.com/compozy/taskengine/pkg/logger"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var taskColumns = []string{
	"id",
	"task_identifier",
	"owner_identifier",
	"handler_identifier",
	"trigger",
	"data",
	"started_at",
	"completed_at",
	"success",
	"error",
	"system_log",
	"created_at",
	"updated_at",
}

const taskColumnsSQL = "id, task_identifier, owner_identifier, handler_identifier, trigger, data, " +
	"started_at, completed_at, success, error, system_log, created_at, updated_at"

// DB is the minimal database interface TaskRepo depends on (pgxpool or pgxmock).
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// taskRow is the storage shape of a task. JSONB columns stay raw until
// converted by toTask.
type taskRow struct {
	ID                string     `db:"id"`
	TaskIdentifier    string     `db:"task_identifier"`
	OwnerIdentifier   string     `db:"owner_identifier"`
	HandlerIdentifier string     `db:"handler_identifier"`
	Trigger           []byte     `db:"trigger"`
	Data              []byte     `db:"data"`
	StartedAt         *time.Time `db:"started_at"`
	CompletedAt       *time.Time `db:"completed_at"`
	Success           *bool      `db:"success"`
	Error             []byte     `db:"error"`
	SystemLog         []byte     `db:"system_log"`
	CreatedAt         time.Time  `db:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at"`
}

func (r *taskRow) toTask() (*task.Task, error) {
	trig, err := task.UnmarshalTrigger(r.Trigger)
	if err != nil {
		return nil, fmt.Errorf("decoding trigger of task %s: %w", r.ID, err)
	}
	t := &task.Task{
		ID:                core.ID(r.ID),
		TaskIdentifier:    r.TaskIdentifier,
		OwnerIdentifier:   r.OwnerIdentifier,
		HandlerIdentifier: r.HandlerIdentifier,
		Trigger:           trig,
		StartedAt:         r.StartedAt,
		CompletedAt:       r.CompletedAt,
		Success:           r.Success,
		SystemLog:         []task.LogEntry{},
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	if err := fromJSONB(r.Data, &t.Data); err != nil {
		return nil, fmt.Errorf("decoding data of task %s: %w", r.ID, err)
	}
	if err := fromJSONB(r.Error, &t.Error); err != nil {
		return nil, fmt.Errorf("decoding error of task %s: %w", r.ID, err)
	}
	if err := fromJSONB(r.SystemLog, &t.SystemLog); err != nil {
		return nil, fmt.Errorf("decoding system log of task %s: %w", r.ID, err)
	}
	return t, nil
}

// toJSONB marshals v, mapping nil to SQL NULL.
func toJSONB(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	if e, ok := v.(*task.Error); ok && e == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func fromJSONB(raw []byte, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

// TaskRepo implements task.Repository on Postgres. Transitions are single
// conditional UPDATE statements, so racing writers cannot both succeed.
type TaskRepo struct {
	db DB
}

func NewTaskRepo(db DB) *TaskRepo {
	return &TaskRepo{db: db}
}

func getTask(ctx context.Context, q pgxscan.Querier, query string, args ...any) (*task.Task, error) {
	var row taskRow
	if err := pgxscan.Get(ctx, q, &row, query, args...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, task.ErrNotFound
		}
		return nil, fmt.Errorf("scanning task: %w", err)
	}
	return row.toTask()
}

func insertWith(ctx context.Context, q pgxscan.Querier, t *task.Task, key string) (*task.Task, bool, error) {
	trig, err := task.MarshalTrigger(t.Trigger)
	if err != nil {
		return nil, false, fmt.Errorf("marshaling trigger: %w", err)
	}
	data, err := toJSONB(t.Data)
	if err != nil {
		return nil, false, fmt.Errorf("marshaling data: %w", err)
	}
	var dedupe *string
	if key != "" {
		dedupe = &key
	}
	query := fmt.Sprintf(`
        INSERT INTO tasks (
            id, task_identifier, owner_identifier, handler_identifier, trigger_kind,
            trigger, dedupe_key, data, system_log, created_at, updated_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, '[]'::jsonb, $9, $9)
        ON CONFLICT (owner_identifier, task_identifier, dedupe_key)
            WHERE dedupe_key IS NOT NULL DO NOTHING
        RETURNING %s`, taskColumnsSQL)
	stored, err := getTask(ctx, q, query,
		t.ID, t.TaskIdentifier, t.OwnerIdentifier, t.HandlerIdentifier, string(t.Trigger.Kind()),
		trig, dedupe, data, t.CreatedAt,
	)
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, task.ErrNotFound) || dedupe == nil {
		return nil, false, err
	}
	existing, err := getTask(ctx, q, fmt.Sprintf(
		"SELECT %s FROM tasks WHERE owner_identifier = $1 AND task_identifier = $2 AND dedupe_key = $3",
		taskColumnsSQL,
	), t.OwnerIdentifier, t.TaskIdentifier, key)
	if err != nil {
		return nil, false, fmt.Errorf("loading deduplicated task: %w", err)
	}
	return existing, false, nil
}

func markStartedWith(ctx context.Context, q pgxscan.Querier, id core.ID, at time.Time, entry task.LogEntry) (*task.Task, error) {
	logJSON, err := json.Marshal([]task.LogEntry{entry})
	if err != nil {
		return nil, fmt.Errorf("marshaling log entry: %w", err)
	}
	query := fmt.Sprintf(`
        UPDATE tasks SET started_at = $2, updated_at = $2, system_log = system_log || $3::jsonb
        WHERE id = $1 AND started_at IS NULL
        RETURNING %s`, taskColumnsSQL)
	t, err := getTask(ctx, q, query, id, at, logJSON)
	if errors.Is(err, task.ErrNotFound) {
		return nil, task.ErrConflict
	}
	return t, err
}

func markCompletedWith(
	ctx context.Context,
	q pgxscan.Querier,
	id core.ID,
	at time.Time,
	c task.Completion,
	entry task.LogEntry,
) (*task.Task, error) {
	logJSON, err := json.Marshal([]task.LogEntry{entry})
	if err != nil {
		return nil, fmt.Errorf("marshaling log entry: %w", err)
	}
	errJSON, err := toJSONB(c.Error)
	if err != nil {
		return nil, fmt.Errorf("marshaling error: %w", err)
	}
	query := fmt.Sprintf(`
        UPDATE tasks SET completed_at = $2, updated_at = $2, success = $3, error = $4,
            system_log = system_log || $5::jsonb
        WHERE id = $1 AND started_at IS NOT NULL AND completed_at IS NULL
        RETURNING %s`, taskColumnsSQL)
	t, err := getTask(ctx, q, query, id, at, c.Success, errJSON, logJSON)
	if errors.Is(err, task.ErrNotFound) {
		return nil, task.ErrConflict
	}
	return t, err
}

func listWith(ctx context.Context, q pgxscan.Querier, filter *task.Filter) ([]*task.Task, error) {
	sb := squirrel.Select(taskColumns...).From("tasks").
		OrderBy("created_at", "id").
		PlaceholderFormat(squirrel.Dollar)
	sb = applyFilter(sb, filter)
	query, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}
	var rows []*taskRow
	if err := pgxscan.Select(ctx, q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("scanning tasks: %w", err)
	}
	out := make([]*task.Task, 0, len(rows))
	for _, row := range rows {
		t, err := row.toTask()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func applyFilter(sb squirrel.SelectBuilder, filter *task.Filter) squirrel.SelectBuilder {
	if filter == nil {
		return sb
	}
	if filter.OwnerIdentifier != nil {
		sb = sb.Where(squirrel.Eq{"owner_identifier": *filter.OwnerIdentifier})
	}
	if filter.TaskIdentifier != nil {
		sb = sb.Where(squirrel.Eq{"task_identifier": *filter.TaskIdentifier})
	}
	if filter.HandlerIdentifier != nil {
		sb = sb.Where(squirrel.Eq{"handler_identifier": *filter.HandlerIdentifier})
	}
	if filter.State != nil {
		switch *filter.State {
		case task.StatePending:
			sb = sb.Where("started_at IS NULL")
		case task.StateStarted:
			sb = sb.Where("started_at IS NOT NULL AND completed_at IS NULL")
		case task.StateCompleted:
			sb = sb.Where("completed_at IS NOT NULL")
		}
	}
	if filter.StartedBefore != nil {
		sb = sb.Where(squirrel.Lt{"started_at": *filter.StartedBefore})
	}
	if filter.Limit > 0 {
		sb = sb.Limit(uint64(filter.Limit))
	}
	return sb
}

func (r *TaskRepo) Insert(ctx context.Context, t *task.Task, key string) (*task.Task, bool, error) {
	return insertWith(ctx, r.db, t, key)
}

func (r *TaskRepo) Get(ctx context.Context, id core.ID) (*task.Task, error) {
	return getTask(ctx, r.db, fmt.Sprintf("SELECT %s FROM tasks WHERE id = $1", taskColumnsSQL), id)
}

// GetForUpdate is not allowed outside of a transaction on the non-tx repo.
func (r *TaskRepo) GetForUpdate(_ context.Context, _ core.ID) (*task.Task, error) {
	return nil, fmt.Errorf("GetForUpdate requires transactional context")
}

func (r *TaskRepo) MarkStarted(ctx context.Context, id core.ID, at time.Time, entry task.LogEntry) (*task.Task, error) {
	return markStartedWith(ctx, r.db, id, at, entry)
}

func (r *TaskRepo) MarkCompleted(
	ctx context.Context,
	id core.ID,
	at time.Time,
	c task.Completion,
	entry task.LogEntry,
) (*task.Task, error) {
	return markCompletedWith(ctx, r.db, id, at, c, entry)
}

func (r *TaskRepo) List(ctx context.Context, filter *task.Filter) ([]*task.Task, error) {
	return listWith(ctx, r.db, filter)
}

// WithTransaction provides a tx-scoped repository to the callback.
func (r *TaskRepo) WithTransaction(ctx context.Context, fn func(task.Repository) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	log := logger.FromContext(ctx)
	repoTx := &taskRepoTx{tx: tx}
	var cbErr error
	defer func() {
		if p := recover(); p != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				log.Error("Failed to rollback transaction", "error", rbErr)
			}
			panic(p)
		} else if cbErr != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				log.Error("Failed to rollback transaction", "error", rbErr)
			}
		} else {
			if err := tx.Commit(ctx); err != nil {
				log.Error("Failed to commit transaction", "error", err)
				cbErr = fmt.Errorf("commit transaction: %w", err)
			}
		}
	}()
	cbErr = fn(repoTx)
	return cbErr
}

type taskRepoTx struct {
	tx pgx.Tx
}

func (t *taskRepoTx) Insert(ctx context.Context, tk *task.Task, key string) (*task.Task, bool, error) {
	return insertWith(ctx, t.tx, tk, key)
}

func (t *taskRepoTx) Get(ctx context.Context, id core.ID) (*task.Task, error) {
	return getTask(ctx, t.tx, fmt.Sprintf("SELECT %s FROM tasks WHERE id = $1", taskColumnsSQL), id)
}

func (t *taskRepoTx) GetForUpdate(ctx context.Context, id core.ID) (*task.Task, error) {
	return getTask(ctx, t.tx, fmt.Sprintf("SELECT %s FROM tasks WHERE id = $1 FOR UPDATE", taskColumnsSQL), id)
}

func (t *taskRepoTx) MarkStarted(ctx context.Context, id core.ID, at time.Time, entry task.LogEntry) (*task.Task, error) {
	return markStartedWith(ctx, t.tx, id, at, entry)
}

func (t *taskRepoTx) MarkCompleted(
	ctx context.Context,
	id core.ID,
	at time.Time,
	c task.Completion,
	entry task.LogEntry,
) (*task.Task, error) {
	return markCompletedWith(ctx, t.tx, id, at, c, entry)
}

func (t *taskRepoTx) List(ctx context.Context, filter *task.Filter) ([]*task.Task, error) {
	return listWith(ctx, t.tx, filter)
}

func (t *taskRepoTx) WithTransaction(_ context.Context, fn func(task.Repository) error) error {
	return fn(t)
}
