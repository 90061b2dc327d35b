package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/compozy/taskengine/engine/core"
	"github.com/compozy/taskengine/pkg/logger"
	"github.com/go-playground/validator/v10"
)

// CompletionResolver computes the tasks spawned by a completion. It runs
// inside the completion transaction and must not perform writes itself.
type CompletionResolver interface {
	Resolve(ctx context.Context, completed *Task, c Completion) ([]CreateParams, error)
}

// HandlerRouter returns companion tasks to create together with t, such as
// the driving task of a container handler.
type HandlerRouter interface {
	Route(ctx context.Context, t *Task) ([]CreateParams, error)
}

// Metrics receives transition outcomes.
type Metrics interface {
	RecordTransition(op, outcome string)
}

type Option func(*Service)

func WithCompletionResolver(r CompletionResolver) Option {
	return func(s *Service) { s.resolver = r }
}

func WithHandlerRouter(r HandlerRouter) Option {
	return func(s *Service) { s.router = r }
}

func WithMetrics(m Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service owns the task state machine: pending -> started -> completed.
type Service struct {
	repo     Repository
	resolver CompletionResolver
	router   HandlerRouter
	metrics  Metrics
	now      func() time.Time
	validate *validator.Validate
}

func NewService(repo Repository, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		now:      func() time.Time { return time.Now().UTC() },
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) withRepo(repo Repository) *Service {
	clone := *s
	clone.repo = repo
	return &clone
}

// InTx runs fn with a service bound to a single transaction. Every call made
// through the provided service commits or rolls back together.
func (s *Service) InTx(ctx context.Context, fn func(*Service) error) error {
	return s.repo.WithTransaction(ctx, func(repo Repository) error {
		return fn(s.withRepo(repo))
	})
}

func (s *Service) record(op string, err error) {
	if s.metrics == nil {
		return
	}
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrConflict):
		outcome = "conflict"
	case errors.Is(err, ErrForbidden):
		outcome = "forbidden"
	case errors.Is(err, ErrNotFound):
		outcome = "not_found"
	default:
		outcome = "error"
	}
	s.metrics.RecordTransition(op, outcome)
}

// Create inserts a pending task. Schedule triggers are idempotent per firing
// window: a duplicate returns the task already created for that window.
func (s *Service) Create(ctx context.Context, params CreateParams) (*Task, error) {
	var created *Task
	err := s.InTx(ctx, func(tx *Service) error {
		var err error
		created, err = tx.createInTx(ctx, params)
		return err
	})
	s.record("create", err)
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *Service) createInTx(ctx context.Context, params CreateParams) (*Task, error) {
	if err := s.validate.Struct(params); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}
	id := params.ID
	if id.IsZero() {
		var err error
		if id, err = core.NewID(); err != nil {
			return nil, err
		}
	}
	now := s.now()
	t := &Task{
		ID:                id,
		TaskIdentifier:    params.TaskIdentifier,
		OwnerIdentifier:   params.OwnerIdentifier,
		HandlerIdentifier: params.HandlerIdentifier,
		Trigger:           params.Trigger,
		Data:              params.Data,
		SystemLog:         []LogEntry{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	stored, created, err := s.repo.Insert(ctx, t, dedupeKeyFor(params.Trigger))
	if err != nil {
		return nil, fmt.Errorf("inserting task: %w", err)
	}
	log := logger.FromContext(ctx).With("task_id", stored.ID, "task", stored.TaskIdentifier, "owner", stored.OwnerIdentifier)
	if !created {
		log.Debug("Task already exists for schedule window")
		return stored, nil
	}
	log.Debug("Task created", "trigger", stored.Trigger.Kind())
	if s.router == nil {
		return stored, nil
	}
	companions, err := s.router.Route(ctx, stored)
	if err != nil {
		return nil, fmt.Errorf("routing handler %q: %w", stored.HandlerIdentifier, err)
	}
	for _, p := range companions {
		if _, err := s.createInTx(ctx, p); err != nil {
			return nil, err
		}
	}
	return stored, nil
}

func (s *Service) Get(ctx context.Context, id core.ID) (*Task, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, filter *Filter) ([]*Task, error) {
	return s.repo.List(ctx, filter)
}

// RegisterStarted moves a pending task to started.
func (s *Service) RegisterStarted(ctx context.Context, id core.ID, startContext any) (*Task, error) {
	var started *Task
	err := s.InTx(ctx, func(tx *Service) error {
		current, err := tx.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		switch current.State() {
		case StateCompleted:
			return conflict(id, "start", "task already completed")
		case StateStarted:
			return conflict(id, "start", "task already started")
		case StatePending:
		}
		now := tx.now()
		entry := LogEntry{Payload: LogPayload{LogType: LogStarted, Data: startContext}, At: now}
		started, err = tx.repo.MarkStarted(ctx, id, now, entry)
		if errors.Is(err, ErrConflict) {
			return conflict(id, "start", "task started concurrently")
		}
		return err
	})
	s.record("start", err)
	if err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Debug("Task started", "task_id", id)
	return started, nil
}

// RegisterCompleted completes a started task and creates the tasks its
// onComplete rules select, all in one transaction.
func (s *Service) RegisterCompleted(ctx context.Context, id core.ID, c Completion) (*Task, error) {
	c = c.normalize()
	var completed *Task
	err := s.InTx(ctx, func(tx *Service) error {
		current, err := tx.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		switch current.State() {
		case StatePending:
			return forbidden(id, "complete", "task not started")
		case StateCompleted:
			return conflict(id, "complete", "task already completed")
		case StateStarted:
		}
		now := tx.now()
		entry := LogEntry{At: now}
		if c.Success {
			entry.Payload = LogPayload{LogType: LogSuccess, Data: c.Result}
		} else {
			entry.Payload = LogPayload{LogType: LogFailure, Data: c.Error}
		}
		completed, err = tx.repo.MarkCompleted(ctx, id, now, c, entry)
		if errors.Is(err, ErrConflict) {
			return conflict(id, "complete", "task completed concurrently")
		}
		if err != nil {
			return err
		}
		return tx.spawnChildren(ctx, completed, c)
	})
	s.record("complete", err)
	if err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Debug("Task completed", "task_id", id, "success", c.Success)
	return completed, nil
}

func (s *Service) spawnChildren(ctx context.Context, completed *Task, c Completion) error {
	if s.resolver == nil {
		return nil
	}
	children, err := s.resolver.Resolve(ctx, completed, c)
	if err != nil {
		return fmt.Errorf("resolving onComplete rules of task %s: %w", completed.ID, err)
	}
	for _, p := range children {
		if _, err := s.createInTx(ctx, p); err != nil {
			return err
		}
	}
	return nil
}
