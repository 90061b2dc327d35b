// Package hook serves the callbacks a running container job makes: storage
// URL requests, start and completion.
package hook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/compozy/taskengine/engine/core"
	"github.com/compozy/taskengine/engine/storage"
	"github.com/compozy/taskengine/engine/task"
	"github.com/compozy/taskengine/engine/worker"
	"github.com/compozy/taskengine/engine/worker/credential"
	"github.com/compozy/taskengine/pkg/logger"
)

var (
	ErrForbidden        = errors.New("forbidden")
	ErrStorageDisabled  = errors.New("storage presigning is not configured")
	ErrEmptyURLRequests = errors.New("at least one storage request is required")
)

type Option func(*Service)

func WithURLExpiry(d time.Duration) Option {
	return func(s *Service) { s.urlExpiry = d }
}

type Service struct {
	tasks     *task.Service
	presigner storage.Presigner
	urlExpiry time.Duration
}

func NewService(tasks *task.Service, presigner storage.Presigner, opts ...Option) *Service {
	s := &Service{tasks: tasks, presigner: presigner, urlExpiry: storage.DefaultURLExpiry}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RequestPresignedStorageURLs signs every request or none: a single request
// outside the token policy rejects the whole call.
func (s *Service) RequestPresignedStorageURLs(
	ctx context.Context,
	claims *credential.Claims,
	reqs []storage.Request,
) ([]storage.PresignedURL, error) {
	if len(reqs) == 0 {
		return nil, ErrEmptyURLRequests
	}
	for _, r := range reqs {
		if !claims.StorageAccessPolicy.Allows(r) {
			return nil, fmt.Errorf("%w: %s %s/%s is outside the job storage policy",
				ErrForbidden, r.Method, r.FolderID, r.ObjectKey)
		}
	}
	if s.presigner == nil {
		return nil, ErrStorageDisabled
	}
	out := make([]storage.PresignedURL, 0, len(reqs))
	for _, r := range reqs {
		u, err := s.presigner.Presign(ctx, r, s.urlExpiry)
		if err != nil {
			return nil, fmt.Errorf("presigning %s %s/%s: %w", r.Method, r.FolderID, r.ObjectKey, err)
		}
		out = append(out, u)
	}
	logger.FromContext(ctx).Debug("Issued presigned storage URLs", "job_id", claims.JobID(), "count", len(out))
	return out, nil
}

type jobTasks struct {
	driving *task.Task
	inner   *task.Task
}

// resolve loads the driving task named by the token and its inner task.
func resolve(ctx context.Context, tasks *task.Service, claims *credential.Claims) (*jobTasks, error) {
	driving, err := tasks.Get(ctx, claims.TaskID)
	if err != nil {
		return nil, fmt.Errorf("loading driving task %s: %w", claims.TaskID, err)
	}
	data, err := worker.ParseDrivingData(driving)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrForbidden, err)
	}
	if launched, ok := worker.LaunchedJob(driving); ok && launched.JobID != claims.JobID() {
		return nil, fmt.Errorf("%w: job %s is not the current job of task %s", ErrForbidden, claims.JobID(), driving.ID)
	}
	inner, err := tasks.Get(ctx, data.InnerTaskID)
	if err != nil {
		return nil, fmt.Errorf("loading inner task %s: %w", data.InnerTaskID, err)
	}
	return &jobTasks{driving: driving, inner: inner}, nil
}

func checkDrivingOpen(t *task.Task, op string) error {
	switch t.State() {
	case task.StatePending:
		return &task.TransitionError{TaskID: t.ID, Op: op, Reason: "driving task not started", Err: task.ErrForbidden}
	case task.StateCompleted:
		return &task.TransitionError{TaskID: t.ID, Op: op, Reason: "driving task already completed", Err: task.ErrConflict}
	}
	return nil
}

// StartJob records that the job began work on the inner task.
func (s *Service) StartJob(ctx context.Context, claims *credential.Claims) (*task.Task, error) {
	var started *task.Task
	err := s.tasks.InTx(ctx, func(tx *task.Service) error {
		jt, err := resolve(ctx, tx, claims)
		if err != nil {
			return err
		}
		if err := checkDrivingOpen(jt.driving, "start_job"); err != nil {
			return err
		}
		if st := jt.inner.State(); st != task.StatePending {
			return &task.TransitionError{TaskID: jt.inner.ID, Op: "start_job", Reason: "inner task already " + string(st), Err: task.ErrConflict}
		}
		started, err = tx.RegisterStarted(ctx, jt.inner.ID, map[string]any{"jobId": claims.JobID(), "drivingTaskId": jt.driving.ID})
		return err
	})
	if err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Info("Job started", "job_id", claims.JobID(), "task_id", started.ID)
	return started, nil
}

// CompleteJob completes the driving task and the inner task with the same
// completion in one transaction. An async job that never called start has
// its inner task started first.
func (s *Service) CompleteJob(ctx context.Context, claims *credential.Claims, c task.Completion) (*task.Task, error) {
	var innerID core.ID
	err := s.tasks.InTx(ctx, func(tx *task.Service) error {
		jt, err := resolve(ctx, tx, claims)
		if err != nil {
			return err
		}
		if err := checkDrivingOpen(jt.driving, "complete_job"); err != nil {
			return err
		}
		innerID = jt.inner.ID
		if _, err := tx.RegisterCompleted(ctx, jt.driving.ID, c); err != nil {
			return err
		}
		return completeInner(ctx, tx, jt.inner, c, claims.JobID())
	})
	if err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Info("Job completed", "job_id", claims.JobID(), "task_id", innerID, "success", c.Success)
	return s.tasks.Get(ctx, innerID)
}

// CompleteJobTasks completes a driving task and its inner task inside tx.
// It is shared with the job driver, which completes tasks of sync jobs and
// of jobs that failed to launch.
func CompleteJobTasks(ctx context.Context, tx *task.Service, driving *task.Task, c task.Completion, jobID string) error {
	data, err := worker.ParseDrivingData(driving)
	if err != nil {
		return err
	}
	inner, err := tx.Get(ctx, data.InnerTaskID)
	if err != nil {
		return fmt.Errorf("loading inner task %s: %w", data.InnerTaskID, err)
	}
	if _, err := tx.RegisterCompleted(ctx, driving.ID, c); err != nil {
		return err
	}
	return completeInner(ctx, tx, inner, c, jobID)
}

func completeInner(ctx context.Context, tx *task.Service, inner *task.Task, c task.Completion, jobID string) error {
	switch inner.State() {
	case task.StateCompleted:
		return &task.TransitionError{TaskID: inner.ID, Op: "complete_job", Reason: "inner task already completed", Err: task.ErrConflict}
	case task.StatePending:
		if _, err := tx.RegisterStarted(ctx, inner.ID, map[string]any{"jobId": jobID}); err != nil {
			return err
		}
	case task.StateStarted:
	}
	_, err := tx.RegisterCompleted(ctx, inner.ID, c)
	return err
}
