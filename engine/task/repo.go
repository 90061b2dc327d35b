package task

import (
	"context"
	"time"

	"github.com/compozy/taskengine/engine/core"
)

// Filter narrows List results. Nil fields are ignored.
type Filter struct {
	OwnerIdentifier   *string
	TaskIdentifier    *string
	HandlerIdentifier *string
	State             *State
	StartedBefore     *time.Time
	Limit             int
}

// Repository persists tasks. Transition writes are conditional: MarkStarted
// only applies to a pending row and MarkCompleted only to a started,
// uncompleted row. A write that matches no row returns ErrConflict.
type Repository interface {
	// Insert stores t. When dedupeKey is non-empty and a task with the same
	// owner, task identifier and key exists, the existing task is returned
	// with created=false.
	Insert(ctx context.Context, t *Task, dedupeKey string) (stored *Task, created bool, err error)
	Get(ctx context.Context, id core.ID) (*Task, error)
	// GetForUpdate locks the row until the surrounding transaction ends.
	GetForUpdate(ctx context.Context, id core.ID) (*Task, error)
	MarkStarted(ctx context.Context, id core.ID, at time.Time, entry LogEntry) (*Task, error)
	MarkCompleted(ctx context.Context, id core.ID, at time.Time, c Completion, entry LogEntry) (*Task, error)
	List(ctx context.Context, filter *Filter) ([]*Task, error)
	WithTransaction(ctx context.Context, fn func(Repository) error) error
}
