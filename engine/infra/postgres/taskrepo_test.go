package postgres_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/compozy/taskengine/engine/core"
	"github.com/compozy/taskengine/engine/infra/postgres"
	"github.com/compozy/taskengine/engine/task"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var columns = []string{
	"id", "task_identifier", "owner_identifier", "handler_identifier", "trigger", "data",
	"started_at", "completed_at", "success", "error", "system_log", "created_at", "updated_at",
}

type rowOpts struct {
	startedAt *time.Time
	log       string
}

func addTaskRow(rows *pgxmock.Rows, id core.ID, opts rowOpts) *pgxmock.Rows {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	log := opts.log
	if log == "" {
		log = "[]"
	}
	var completedAt *time.Time
	var success *bool
	return rows.AddRow(
		id.String(), "A", "app", "worker:a",
		[]byte(`{"kind":"app_action","invokeContext":{"appIdentifier":"app"}}`),
		[]byte(`{"x":"hi"}`),
		opts.startedAt, completedAt, success, []byte(nil), []byte(log), now, now,
	)
}

func TestTaskRepo_Get(t *testing.T) {
	t.Run("Should decode JSONB columns into a task", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := postgres.NewTaskRepo(mockPool)
		id := core.MustNewID()
		mockPool.ExpectQuery("SELECT (.+) FROM tasks WHERE id = \\$1").
			WithArgs(id).
			WillReturnRows(addTaskRow(mockPool.NewRows(columns), id, rowOpts{}))
		got, err := repo.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, id, got.ID)
		assert.Equal(t, task.StatePending, got.State())
		assert.Equal(t, map[string]any{"x": "hi"}, got.Data)
		trig, ok := got.Trigger.(*task.AppActionTrigger)
		require.True(t, ok)
		assert.Equal(t, "app", trig.InvokeContext.AppIdentifier)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("Should map missing rows to ErrNotFound", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := postgres.NewTaskRepo(mockPool)
		id := core.MustNewID()
		mockPool.ExpectQuery("SELECT (.+) FROM tasks WHERE id = \\$1").
			WithArgs(id).
			WillReturnError(pgx.ErrNoRows)
		_, err = repo.Get(context.Background(), id)
		assert.True(t, errors.Is(err, task.ErrNotFound))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestTaskRepo_Insert(t *testing.T) {
	newTask := func(trig task.Trigger) *task.Task {
		return &task.Task{
			ID: core.MustNewID(), TaskIdentifier: "A", OwnerIdentifier: "app", HandlerIdentifier: "worker:a",
			Trigger: trig, CreatedAt: time.Now().UTC(),
		}
	}

	t.Run("Should insert a new task", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := postgres.NewTaskRepo(mockPool)
		tk := newTask(&task.AppActionTrigger{InvokeContext: task.AppInvokeContext{AppIdentifier: "app"}})
		mockPool.ExpectQuery("INSERT INTO tasks").
			WithArgs(tk.ID, "A", "app", "worker:a", "app_action", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), tk.CreatedAt).
			WillReturnRows(addTaskRow(mockPool.NewRows(columns), tk.ID, rowOpts{}))
		stored, created, err := repo.Insert(context.Background(), tk, "")
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, tk.ID, stored.ID)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("Should return the existing task when the schedule window is taken", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := postgres.NewTaskRepo(mockPool)
		trig := &task.ScheduleTrigger{
			Config:        task.ScheduleConfig{Interval: 1, Unit: task.UnitHours},
			InvokeContext: task.ScheduleInvokeContext{TimestampBucket: 1717243200},
		}
		tk := newTask(trig)
		existing := core.MustNewID()
		mockPool.ExpectQuery("INSERT INTO tasks (.+) ON CONFLICT").
			WillReturnError(pgx.ErrNoRows)
		mockPool.ExpectQuery("SELECT (.+) FROM tasks WHERE owner_identifier = \\$1 AND task_identifier = \\$2 AND dedupe_key = \\$3").
			WithArgs("app", "A", trig.DedupeKey()).
			WillReturnRows(addTaskRow(mockPool.NewRows(columns), existing, rowOpts{}))
		stored, created, err := repo.Insert(context.Background(), tk, trig.DedupeKey())
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, existing, stored.ID)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestTaskRepo_Transitions(t *testing.T) {
	t.Run("Should report a conflict when the conditional start matches no row", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := postgres.NewTaskRepo(mockPool)
		id := core.MustNewID()
		mockPool.ExpectQuery("UPDATE tasks SET started_at = \\$2(.+)WHERE id = \\$1 AND started_at IS NULL").
			WillReturnError(pgx.ErrNoRows)
		_, err = repo.MarkStarted(context.Background(), id, time.Now(), task.LogEntry{})
		assert.ErrorIs(t, err, task.ErrConflict)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("Should start a task through the service inside one transaction", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		svc := task.NewService(postgres.NewTaskRepo(mockPool))
		id := core.MustNewID()
		startedAt := time.Now().UTC()
		mockPool.ExpectBegin()
		mockPool.ExpectQuery("SELECT (.+) FROM tasks WHERE id = \\$1 FOR UPDATE").
			WithArgs(id).
			WillReturnRows(addTaskRow(mockPool.NewRows(columns), id, rowOpts{}))
		mockPool.ExpectQuery("UPDATE tasks SET started_at").
			WillReturnRows(addTaskRow(mockPool.NewRows(columns), id, rowOpts{
				startedAt: &startedAt,
				log:       `[{"payload":{"logType":"started","data":{"worker":"w1"}},"at":"2024-06-01T12:00:00Z"}]`,
			}))
		mockPool.ExpectCommit()
		got, err := svc.RegisterStarted(context.Background(), id, map[string]any{"worker": "w1"})
		require.NoError(t, err)
		assert.Equal(t, task.StateStarted, got.State())
		require.Len(t, got.SystemLog, 1)
		assert.Equal(t, task.LogStarted, got.SystemLog[0].Payload.LogType)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("Should roll back when the task was already started", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		svc := task.NewService(postgres.NewTaskRepo(mockPool))
		id := core.MustNewID()
		startedAt := time.Now().UTC()
		mockPool.ExpectBegin()
		mockPool.ExpectQuery("SELECT (.+) FROM tasks WHERE id = \\$1 FOR UPDATE").
			WithArgs(id).
			WillReturnRows(addTaskRow(mockPool.NewRows(columns), id, rowOpts{startedAt: &startedAt}))
		mockPool.ExpectRollback()
		_, err = svc.RegisterStarted(context.Background(), id, nil)
		assert.ErrorIs(t, err, task.ErrConflict)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestTaskRepo_List(t *testing.T) {
	t.Run("Should translate the filter into SQL", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := postgres.NewTaskRepo(mockPool)
		owner := "core"
		state := task.StateStarted
		id := core.MustNewID()
		startedAt := time.Now().UTC()
		mockPool.ExpectQuery("SELECT (.+) FROM tasks WHERE owner_identifier = \\$1 " +
			"AND started_at IS NOT NULL AND completed_at IS NULL ORDER BY created_at, id LIMIT 10").
			WithArgs(owner).
			WillReturnRows(addTaskRow(mockPool.NewRows(columns), id, rowOpts{startedAt: &startedAt}))
		got, err := repo.List(context.Background(), &task.Filter{OwnerIdentifier: &owner, State: &state, Limit: 10})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, id, got[0].ID)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}
