// Package memory provides an in-process task repository for single-node
// deployments and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/compozy/taskengine/engine/core"
	"github.com/compozy/taskengine/engine/task"
)

type dedupeKey struct {
	owner, taskIdentifier, key string
}

type snapshot struct {
	tasks  map[core.ID]*task.Task
	dedupe map[dedupeKey]core.ID
}

func (s *snapshot) clone() *snapshot {
	out := &snapshot{
		tasks:  make(map[core.ID]*task.Task, len(s.tasks)),
		dedupe: make(map[dedupeKey]core.ID, len(s.dedupe)),
	}
	for id, t := range s.tasks {
		out.tasks[id] = t
	}
	for k, v := range s.dedupe {
		out.dedupe[k] = v
	}
	return out
}

// TaskRepo keeps tasks in memory. Transactions are serialized and roll back
// by restoring a snapshot taken when they begin.
type TaskRepo struct {
	mu    sync.Mutex
	state *snapshot
}

func NewTaskRepo() *TaskRepo {
	return &TaskRepo{state: &snapshot{
		tasks:  make(map[core.ID]*task.Task),
		dedupe: make(map[dedupeKey]core.ID),
	}}
}

func (r *TaskRepo) Insert(ctx context.Context, t *task.Task, key string) (*task.Task, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.insert(ctx, t, key)
}

func (r *TaskRepo) Get(_ context.Context, id core.ID) (*task.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.get(id)
}

func (r *TaskRepo) GetForUpdate(ctx context.Context, id core.ID) (*task.Task, error) {
	return r.Get(ctx, id)
}

func (r *TaskRepo) MarkStarted(_ context.Context, id core.ID, at time.Time, entry task.LogEntry) (*task.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.markStarted(id, at, entry)
}

func (r *TaskRepo) MarkCompleted(
	_ context.Context,
	id core.ID,
	at time.Time,
	c task.Completion,
	entry task.LogEntry,
) (*task.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.markCompleted(id, at, c, entry)
}

func (r *TaskRepo) List(_ context.Context, filter *task.Filter) ([]*task.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.list(filter)
}

func (r *TaskRepo) WithTransaction(_ context.Context, fn func(task.Repository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	working := r.state.clone()
	if err := fn(&taskRepoTx{state: working}); err != nil {
		return err
	}
	r.state = working
	return nil
}

type taskRepoTx struct {
	state *snapshot
}

func (t *taskRepoTx) Insert(ctx context.Context, tk *task.Task, key string) (*task.Task, bool, error) {
	return t.state.insert(ctx, tk, key)
}

func (t *taskRepoTx) Get(_ context.Context, id core.ID) (*task.Task, error) { return t.state.get(id) }

func (t *taskRepoTx) GetForUpdate(_ context.Context, id core.ID) (*task.Task, error) {
	return t.state.get(id)
}

func (t *taskRepoTx) MarkStarted(_ context.Context, id core.ID, at time.Time, entry task.LogEntry) (*task.Task, error) {
	return t.state.markStarted(id, at, entry)
}

func (t *taskRepoTx) MarkCompleted(
	_ context.Context,
	id core.ID,
	at time.Time,
	c task.Completion,
	entry task.LogEntry,
) (*task.Task, error) {
	return t.state.markCompleted(id, at, c, entry)
}

func (t *taskRepoTx) List(_ context.Context, filter *task.Filter) ([]*task.Task, error) {
	return t.state.list(filter)
}

func (t *taskRepoTx) WithTransaction(_ context.Context, fn func(task.Repository) error) error {
	return fn(t)
}

// Stored tasks are never mutated in place; every write replaces the entry
// with a fresh copy so snapshots stay valid.

func (s *snapshot) insert(_ context.Context, t *task.Task, key string) (*task.Task, bool, error) {
	if key != "" {
		dk := dedupeKey{owner: t.OwnerIdentifier, taskIdentifier: t.TaskIdentifier, key: key}
		if existing, ok := s.dedupe[dk]; ok {
			out, err := s.get(existing)
			return out, false, err
		}
		s.dedupe[dk] = t.ID
	}
	stored, err := t.Clone()
	if err != nil {
		return nil, false, err
	}
	s.tasks[t.ID] = stored
	out, err := stored.Clone()
	return out, true, err
}

func (s *snapshot) get(id core.ID) (*task.Task, error) {
	t, ok := s.tasks[id]
	if !ok {
		return nil, task.ErrNotFound
	}
	return t.Clone()
}

func (s *snapshot) replace(next *task.Task) (*task.Task, error) {
	s.tasks[next.ID] = next
	return next.Clone()
}

func (s *snapshot) markStarted(id core.ID, at time.Time, entry task.LogEntry) (*task.Task, error) {
	next, err := s.get(id)
	if err != nil {
		return nil, err
	}
	if next.StartedAt != nil {
		return nil, task.ErrConflict
	}
	next.StartedAt = &at
	next.UpdatedAt = at
	next.SystemLog = append(next.SystemLog, entry)
	return s.replace(next)
}

func (s *snapshot) markCompleted(id core.ID, at time.Time, c task.Completion, entry task.LogEntry) (*task.Task, error) {
	next, err := s.get(id)
	if err != nil {
		return nil, err
	}
	if next.StartedAt == nil || next.CompletedAt != nil {
		return nil, task.ErrConflict
	}
	success := c.Success
	next.CompletedAt = &at
	next.Success = &success
	next.Error = c.Error
	next.UpdatedAt = at
	next.SystemLog = append(next.SystemLog, entry)
	return s.replace(next)
}

func (s *snapshot) list(filter *task.Filter) ([]*task.Task, error) {
	out := make([]*task.Task, 0)
	for _, t := range s.tasks {
		if !matches(t, filter) {
			continue
		}
		c, err := t.Clone()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter != nil && filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func matches(t *task.Task, f *task.Filter) bool {
	if f == nil {
		return true
	}
	if f.OwnerIdentifier != nil && t.OwnerIdentifier != *f.OwnerIdentifier {
		return false
	}
	if f.TaskIdentifier != nil && t.TaskIdentifier != *f.TaskIdentifier {
		return false
	}
	if f.HandlerIdentifier != nil && t.HandlerIdentifier != *f.HandlerIdentifier {
		return false
	}
	if f.State != nil && t.State() != *f.State {
		return false
	}
	if f.StartedBefore != nil && (t.StartedAt == nil || !t.StartedAt.Before(*f.StartedBefore)) {
		return false
	}
	return true
}
