package task_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/compozy/taskengine/engine/core"
	"github.com/compozy/taskengine/engine/infra/memory"
	"github.com/compozy/taskengine/engine/task"
	"github.com/compozy/taskengine/engine/task/chain"
	"github.com/compozy/taskengine/pkg/tplengine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticCatalog map[string]string

func (c staticCatalog) HandlerFor(_ context.Context, owner, taskIdentifier string) (string, error) {
	h, ok := c[owner+"/"+taskIdentifier]
	if !ok {
		return "", fmt.Errorf("%w: %s/%s", task.ErrUnknownTask, owner, taskIdentifier)
	}
	return h, nil
}

func newService(t *testing.T, opts ...task.Option) (*task.Service, *memory.TaskRepo) {
	t.Helper()
	repo := memory.NewTaskRepo()
	catalog := staticCatalog{"app/A": "worker:a", "app/B": "worker:b", "app/C": "worker:c"}
	resolver := chain.NewResolver(catalog, tplengine.MustNewEngine(32))
	opts = append([]task.Option{task.WithCompletionResolver(resolver)}, opts...)
	return task.NewService(repo, opts...), repo
}

func appParams(rules ...task.OnCompleteRule) task.CreateParams {
	return task.CreateParams{
		TaskIdentifier:    "A",
		OwnerIdentifier:   "app",
		HandlerIdentifier: "worker:a",
		Trigger: &task.AppActionTrigger{
			InvokeContext: task.AppInvokeContext{AppIdentifier: "app"},
			OnComplete:    rules,
		},
		Data: map[string]any{"x": "hi"},
	}
}

func childrenOf(t *testing.T, svc *task.Service, parent core.ID) []*task.Task {
	t.Helper()
	all, err := svc.List(context.Background(), nil)
	require.NoError(t, err)
	var out []*task.Task
	for _, tk := range all {
		if ch, ok := tk.Trigger.(*task.TaskChildTrigger); ok && ch.InvokeContext.ParentTask.ID == parent.String() {
			out = append(out, tk)
		}
	}
	return out
}

func TestService_Create(t *testing.T) {
	t.Run("Should insert a pending task", func(t *testing.T) {
		svc, _ := newService(t)
		created, err := svc.Create(context.Background(), appParams())
		require.NoError(t, err)
		assert.False(t, created.ID.IsZero())
		assert.Equal(t, task.StatePending, created.State())
		assert.Nil(t, created.StartedAt)
		assert.Nil(t, created.Success)
		assert.Empty(t, created.SystemLog)
	})

	t.Run("Should reject params without a trigger", func(t *testing.T) {
		svc, _ := newService(t)
		p := appParams()
		p.Trigger = nil
		_, err := svc.Create(context.Background(), p)
		assert.ErrorIs(t, err, task.ErrInvalidParams)
	})

	t.Run("Should return the existing task for the same schedule window", func(t *testing.T) {
		svc, _ := newService(t)
		cfg := task.ScheduleConfig{Interval: 15, Unit: task.UnitMinutes}
		base := time.Date(2024, 5, 1, 10, 3, 0, 0, time.UTC)
		first, err := task.NewScheduleTrigger(cfg, base)
		require.NoError(t, err)
		second, err := task.NewScheduleTrigger(cfg, base.Add(10*time.Minute))
		require.NoError(t, err)
		next, err := task.NewScheduleTrigger(cfg, base.Add(13*time.Minute))
		require.NoError(t, err)
		params := func(tr task.Trigger) task.CreateParams {
			return task.CreateParams{
				TaskIdentifier: "A", OwnerIdentifier: "app", HandlerIdentifier: "worker:a", Trigger: tr,
			}
		}
		a, err := svc.Create(context.Background(), params(first))
		require.NoError(t, err)
		b, err := svc.Create(context.Background(), params(second))
		require.NoError(t, err)
		c, err := svc.Create(context.Background(), params(next))
		require.NoError(t, err)
		assert.Equal(t, a.ID, b.ID)
		assert.NotEqual(t, a.ID, c.ID)
	})

	t.Run("Should create routed companion tasks in the same transaction", func(t *testing.T) {
		router := routerFunc(func(_ context.Context, tk *task.Task) ([]task.CreateParams, error) {
			return []task.CreateParams{{
				TaskIdentifier:    "run_docker_job",
				OwnerIdentifier:   "core",
				HandlerIdentifier: "core:run_docker_job",
				Trigger:           &task.AppActionTrigger{InvokeContext: task.AppInvokeContext{AppIdentifier: "core"}},
				Data:              map[string]any{"innerTaskId": tk.ID.String()},
			}}, nil
		})
		svc, _ := newService(t, task.WithHandlerRouter(router))
		created, err := svc.Create(context.Background(), appParams())
		require.NoError(t, err)
		owner := "core"
		driving, err := svc.List(context.Background(), &task.Filter{OwnerIdentifier: &owner})
		require.NoError(t, err)
		require.Len(t, driving, 1)
		assert.Equal(t, created.ID.String(), driving[0].Data.(map[string]any)["innerTaskId"])
	})

	t.Run("Should roll back the task when routing fails", func(t *testing.T) {
		router := routerFunc(func(context.Context, *task.Task) ([]task.CreateParams, error) {
			return nil, errors.New("no profile")
		})
		svc, _ := newService(t, task.WithHandlerRouter(router))
		_, err := svc.Create(context.Background(), appParams())
		require.Error(t, err)
		all, err := svc.List(context.Background(), nil)
		require.NoError(t, err)
		assert.Empty(t, all)
	})
}

type routerFunc func(context.Context, *task.Task) ([]task.CreateParams, error)

func (f routerFunc) Route(ctx context.Context, t *task.Task) ([]task.CreateParams, error) { return f(ctx, t) }

func TestService_Transitions(t *testing.T) {
	ctx := context.Background()

	t.Run("Should start a pending task and append a started log entry", func(t *testing.T) {
		svc, _ := newService(t)
		created, err := svc.Create(ctx, appParams())
		require.NoError(t, err)
		started, err := svc.RegisterStarted(ctx, created.ID, map[string]any{"worker": "w1"})
		require.NoError(t, err)
		assert.Equal(t, task.StateStarted, started.State())
		require.Len(t, started.SystemLog, 1)
		assert.Equal(t, task.LogStarted, started.SystemLog[0].Payload.LogType)
		assert.Equal(t, map[string]any{"worker": "w1"}, started.SystemLog[0].Payload.Data)
	})

	t.Run("Should reject a second start and leave the task unchanged", func(t *testing.T) {
		svc, _ := newService(t)
		created, err := svc.Create(ctx, appParams())
		require.NoError(t, err)
		first, err := svc.RegisterStarted(ctx, created.ID, nil)
		require.NoError(t, err)
		_, err = svc.RegisterStarted(ctx, created.ID, nil)
		assert.ErrorIs(t, err, task.ErrConflict)
		var te *task.TransitionError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, "start", te.Op)
		after, err := svc.Get(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, first.StartedAt, after.StartedAt)
		assert.Len(t, after.SystemLog, 1)
	})

	t.Run("Should forbid completing a task that has not started", func(t *testing.T) {
		svc, _ := newService(t)
		created, err := svc.Create(ctx, appParams())
		require.NoError(t, err)
		_, err = svc.RegisterCompleted(ctx, created.ID, task.Succeeded(nil))
		assert.ErrorIs(t, err, task.ErrForbidden)
	})

	t.Run("Should reject a second completion and leave the task unchanged", func(t *testing.T) {
		svc, _ := newService(t)
		created, err := svc.Create(ctx, appParams())
		require.NoError(t, err)
		_, err = svc.RegisterStarted(ctx, created.ID, nil)
		require.NoError(t, err)
		done, err := svc.RegisterCompleted(ctx, created.ID, task.Succeeded("ok"))
		require.NoError(t, err)
		_, err = svc.RegisterCompleted(ctx, created.ID, task.Failed(&task.Error{Name: "X", Message: "late"}))
		assert.ErrorIs(t, err, task.ErrConflict)
		_, err = svc.RegisterStarted(ctx, created.ID, nil)
		assert.ErrorIs(t, err, task.ErrConflict)
		after, err := svc.Get(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, done.CompletedAt, after.CompletedAt)
		assert.True(t, *after.Success)
		assert.Nil(t, after.Error)
		assert.Equal(t, "ok", after.Result())
	})

	t.Run("Should record failures with a structured error", func(t *testing.T) {
		svc, _ := newService(t)
		created, err := svc.Create(ctx, appParams())
		require.NoError(t, err)
		_, err = svc.RegisterStarted(ctx, created.ID, nil)
		require.NoError(t, err)
		done, err := svc.RegisterCompleted(ctx, created.ID, task.Failed(&task.Error{Name: "JobError", Code: "EXEC_FAILED", Message: "boom"}))
		require.NoError(t, err)
		assert.False(t, *done.Success)
		assert.Equal(t, "EXEC_FAILED", done.Error.Code)
		assert.Equal(t, task.LogFailure, done.SystemLog[len(done.SystemLog)-1].Payload.LogType)
	})

	t.Run("Should return not found for unknown ids", func(t *testing.T) {
		svc, _ := newService(t)
		_, err := svc.RegisterStarted(ctx, core.MustNewID(), nil)
		assert.ErrorIs(t, err, task.ErrNotFound)
	})

	t.Run("Should keep lifecycle invariants after any operation sequence", func(t *testing.T) {
		svc, _ := newService(t)
		ops := []func(core.ID){
			func(id core.ID) { _, _ = svc.RegisterCompleted(ctx, id, task.Succeeded(nil)) },
			func(id core.ID) { _, _ = svc.RegisterStarted(ctx, id, nil) },
			func(id core.ID) { _, _ = svc.RegisterStarted(ctx, id, nil) },
			func(id core.ID) { _, _ = svc.RegisterCompleted(ctx, id, task.Failed(nil)) },
			func(id core.ID) { _, _ = svc.RegisterCompleted(ctx, id, task.Succeeded(nil)) },
		}
		for i := range ops {
			created, err := svc.Create(ctx, appParams())
			require.NoError(t, err)
			for _, op := range ops[i:] {
				op(created.ID)
				current, err := svc.Get(ctx, created.ID)
				require.NoError(t, err)
				assert.NoError(t, current.CheckInvariants())
			}
		}
	})

	t.Run("Should let exactly one concurrent starter win", func(t *testing.T) {
		svc, _ := newService(t)
		created, err := svc.Create(ctx, appParams())
		require.NoError(t, err)
		var wg sync.WaitGroup
		var mu sync.Mutex
		wins, conflicts := 0, 0
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := svc.RegisterStarted(ctx, created.ID, nil)
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					wins++
				} else if errors.Is(err, task.ErrConflict) {
					conflicts++
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
		assert.Equal(t, 7, conflicts)
	})
}

func TestService_Chaining(t *testing.T) {
	ctx := context.Background()
	complete := func(t *testing.T, svc *task.Service, params task.CreateParams, c task.Completion) *task.Task {
		t.Helper()
		created, err := svc.Create(ctx, params)
		require.NoError(t, err)
		_, err = svc.RegisterStarted(ctx, created.ID, nil)
		require.NoError(t, err)
		done, err := svc.RegisterCompleted(ctx, created.ID, c)
		require.NoError(t, err)
		return done
	}
	rule := task.OnCompleteRule{
		TaskIdentifier: "B",
		Condition:      "task.success",
		DataTemplate:   map[string]any{"v": "{{task.data.x}}"},
		OnComplete:     []task.OnCompleteRule{{TaskIdentifier: "C"}},
	}

	t.Run("Should create exactly one child on success", func(t *testing.T) {
		svc, _ := newService(t)
		parent := complete(t, svc, appParams(rule), task.Succeeded(nil))
		children := childrenOf(t, svc, parent.ID)
		require.Len(t, children, 1)
		child := children[0]
		assert.Equal(t, "B", child.TaskIdentifier)
		assert.Equal(t, "worker:b", child.HandlerIdentifier)
		assert.Equal(t, map[string]any{"v": "hi"}, child.Data)
		trig := child.Trigger.(*task.TaskChildTrigger)
		assert.Equal(t, parent.ID.String(), trig.InvokeContext.ParentTask.ID)
		assert.True(t, trig.InvokeContext.ParentTask.Success)
		assert.Equal(t, map[string]any{"x": "hi"}, trig.InvokeContext.ParentTask.Data)
		assert.Equal(t, []task.OnCompleteRule{{TaskIdentifier: "C"}}, trig.OnComplete)
	})

	t.Run("Should create no child on failure", func(t *testing.T) {
		svc, _ := newService(t)
		parent := complete(t, svc, appParams(rule), task.Failed(&task.Error{Name: "E", Message: "m"}))
		assert.Empty(t, childrenOf(t, svc, parent.ID))
	})

	t.Run("Should honor negated conditions", func(t *testing.T) {
		negated := task.OnCompleteRule{TaskIdentifier: "B", Condition: "!task.success", DataTemplate: map[string]any{"why": "{{ task.error.message }}"}}
		svc, _ := newService(t)
		ok := complete(t, svc, appParams(negated), task.Succeeded(nil))
		assert.Empty(t, childrenOf(t, svc, ok.ID))
		failed := complete(t, svc, appParams(negated), task.Failed(&task.Error{Name: "E", Message: "disk full"}))
		children := childrenOf(t, svc, failed.ID)
		require.Len(t, children, 1)
		assert.Equal(t, map[string]any{"why": "disk full"}, children[0].Data)
	})

	t.Run("Should not share nested rules between sibling children", func(t *testing.T) {
		svc, _ := newService(t)
		parent := complete(t, svc, appParams(rule, rule), task.Succeeded(nil))
		children := childrenOf(t, svc, parent.ID)
		require.Len(t, children, 2)
		first := children[0].Trigger.(*task.TaskChildTrigger)
		first.OnComplete[0].TaskIdentifier = "mutated"
		reloaded, err := svc.Get(ctx, children[1].ID)
		require.NoError(t, err)
		assert.Equal(t, "C", reloaded.Trigger.(*task.TaskChildTrigger).OnComplete[0].TaskIdentifier)
	})

	t.Run("Should expose the result to data templates", func(t *testing.T) {
		withResult := task.OnCompleteRule{TaskIdentifier: "B", DataTemplate: map[string]any{"n": "{{ task.result.count * 2 }}"}}
		svc, _ := newService(t)
		parent := complete(t, svc, appParams(withResult), task.Succeeded(map[string]any{"count": 21}))
		children := childrenOf(t, svc, parent.ID)
		require.Len(t, children, 1)
		assert.Equal(t, map[string]any{"n": float64(42)}, children[0].Data)
	})

	t.Run("Should still complete when a rule targets a task no longer declared", func(t *testing.T) {
		svc, _ := newService(t)
		created, err := svc.Create(ctx, appParams(task.OnCompleteRule{TaskIdentifier: "missing"}))
		require.NoError(t, err)
		_, err = svc.RegisterStarted(ctx, created.ID, nil)
		require.NoError(t, err)
		done, err := svc.RegisterCompleted(ctx, created.ID, task.Succeeded(nil))
		require.NoError(t, err)
		assert.Equal(t, task.StateCompleted, done.State())
		assert.Empty(t, childrenOf(t, svc, created.ID))
	})
}

func TestService_InTx(t *testing.T) {
	t.Run("Should roll back every call when the callback fails", func(t *testing.T) {
		svc, _ := newService(t)
		ctx := context.Background()
		created, err := svc.Create(ctx, appParams())
		require.NoError(t, err)
		err = svc.InTx(ctx, func(tx *task.Service) error {
			if _, err := tx.RegisterStarted(ctx, created.ID, nil); err != nil {
				return err
			}
			return errors.New("abort")
		})
		require.Error(t, err)
		after, err := svc.Get(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, task.StatePending, after.State())
	})
}
