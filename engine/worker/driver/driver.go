// Package driver launches the container jobs of pending driving tasks and
// completes the tasks of jobs that finish synchronously, fail to launch or
// are lost.
package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/compozy/taskengine/engine/app"
	"github.com/compozy/taskengine/engine/container"
	"github.com/compozy/taskengine/engine/core"
	"github.com/compozy/taskengine/engine/storage"
	"github.com/compozy/taskengine/engine/task"
	"github.com/compozy/taskengine/engine/worker"
	"github.com/compozy/taskengine/engine/worker/hook"
	"github.com/compozy/taskengine/pkg/logger"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultConcurrency = 8
	DefaultBatchSize   = 50
	DefaultLostGrace   = 5 * time.Minute

	jobLostCode = "JOB_LOST"
)

// Executor runs jobs in containers.
type Executor interface {
	FindOrCreateContainer(ctx context.Context, hostID string, spec container.ContainerSpec) (*container.ContainerInfo, error)
	ExecInContainer(ctx context.Context, hostID, containerID string, req container.JobRequest) container.ExecResult
}

// TokenIssuer signs job credentials.
type TokenIssuer interface {
	Issue(jobID string, taskID core.ID, policy storage.AccessPolicy, executorContext map[string]any) (string, error)
	TTL() time.Duration
}

type Option func(*Driver)

func WithConcurrency(n int64) Option {
	return func(d *Driver) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

func WithBatchSize(n int) Option {
	return func(d *Driver) {
		if n > 0 {
			d.batchSize = n
		}
	}
}

func WithLostGrace(g time.Duration) Option {
	return func(d *Driver) { d.lostGrace = g }
}

func WithClock(now func() time.Time) Option {
	return func(d *Driver) { d.now = now }
}

// WithHookURL sets the base URL agents call back on.
func WithHookURL(u string) Option {
	return func(d *Driver) { d.hookURL = u }
}

type Driver struct {
	tasks       *task.Service
	manifests   worker.Manifests
	executor    Executor
	issuer      TokenIssuer
	hookURL     string
	concurrency int64
	batchSize   int
	lostGrace   time.Duration
	now         func() time.Time
	sem         *semaphore.Weighted
	inflight    sync.Map
	wg          sync.WaitGroup
}

func New(tasks *task.Service, manifests worker.Manifests, executor Executor, issuer TokenIssuer, opts ...Option) *Driver {
	d := &Driver{
		tasks:       tasks,
		manifests:   manifests,
		executor:    executor,
		issuer:      issuer,
		concurrency: DefaultConcurrency,
		batchSize:   DefaultBatchSize,
		lostGrace:   DefaultLostGrace,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(d)
	}
	d.sem = semaphore.NewWeighted(d.concurrency)
	return d
}

func drivingFilter(state task.State) *task.Filter {
	owner, ident := app.CoreOwner, worker.DrivingTaskIdentifier
	return &task.Filter{OwnerIdentifier: &owner, TaskIdentifier: &ident, State: &state}
}

// DispatchPending launches jobs for pending driving tasks in the background,
// bounded by the configured concurrency. It returns the number launched.
func (d *Driver) DispatchPending(ctx context.Context) (int, error) {
	filter := drivingFilter(task.StatePending)
	filter.Limit = d.batchSize
	pending, err := d.tasks.List(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("listing pending driving tasks: %w", err)
	}
	launched := 0
	for _, t := range pending {
		if _, busy := d.inflight.LoadOrStore(t.ID, struct{}{}); busy {
			continue
		}
		if !d.sem.TryAcquire(1) {
			d.inflight.Delete(t.ID)
			break
		}
		launched++
		d.wg.Add(1)
		go func(t *task.Task) {
			defer d.wg.Done()
			defer d.sem.Release(1)
			defer d.inflight.Delete(t.ID)
			if err := d.Launch(context.WithoutCancel(ctx), t); err != nil {
				logger.FromContext(ctx).Error("Failed to launch job", "task_id", t.ID, "error", err)
			}
		}(t)
	}
	return launched, nil
}

// Wait blocks until every launched job has returned.
func (d *Driver) Wait() {
	d.wg.Wait()
}

// Launch runs the job of one pending driving task. Launch failures are
// recorded as failed completions; only store errors are returned.
func (d *Driver) Launch(ctx context.Context, driving *task.Task) error {
	data, err := worker.ParseDrivingData(driving)
	if err != nil {
		return err
	}
	jobID, err := core.NewID()
	if err != nil {
		return err
	}
	log := logger.FromContext(ctx).With("task_id", driving.ID, "inner_task_id", data.InnerTaskID, "job_id", jobID)
	ctx = logger.ContextWithLogger(ctx, log)
	job, resolveErr := worker.ResolveJob(d.manifests, data)
	hostID := ""
	if resolveErr == nil {
		hostID = job.Profile.HostID
	}
	_, err = d.tasks.RegisterStarted(ctx, driving.ID, worker.StartContext{JobID: jobID.String(), HostID: hostID})
	if errors.Is(err, task.ErrConflict) {
		log.Debug("Driving task already launched elsewhere")
		return nil
	}
	if err != nil {
		return err
	}
	if resolveErr != nil {
		return d.complete(ctx, driving.ID, jobID.String(), task.Failed(&task.Error{
			Name:    "JobConfigurationError",
			Message: resolveErr.Error(),
		}))
	}
	inner, err := d.tasks.Get(ctx, data.InnerTaskID)
	if err != nil {
		return err
	}
	info, err := d.executor.FindOrCreateContainer(ctx, hostID, container.ContainerSpec{
		AppIdentifier: data.AppIdentifier,
		ProfileName:   job.ProfileName,
		ProfileHash:   job.Profile.Hash(),
		Image:         job.Profile.Image,
		Command:       job.Profile.Command,
		Env:           job.Profile.Env,
	})
	if err != nil {
		return d.complete(ctx, driving.ID, jobID.String(), task.Failed(launchError(err)))
	}
	token, err := d.issuer.Issue(jobID.String(), driving.ID, data.StorageAccessPolicy, map[string]any{
		"hostId":        hostID,
		"containerId":   info.ContainerID,
		"appIdentifier": data.AppIdentifier,
	})
	if err != nil {
		return d.complete(ctx, driving.ID, jobID.String(), task.Failed(&task.Error{Name: "JobCredentialError", Message: err.Error()}))
	}
	mode := container.Mode(job.Class.Mode)
	res := d.executor.ExecInContainer(ctx, hostID, info.ContainerID, container.JobRequest{
		Mode:     mode,
		JobClass: data.JobClass,
		JobID:    jobID.String(),
		TaskID:   driving.ID.String(),
		Token:    token,
		HookURL:  d.hookURL,
		Payload: map[string]any{
			"taskId":         inner.ID,
			"taskIdentifier": inner.TaskIdentifier,
			"data":           inner.Data,
		},
	})
	switch {
	case !res.Success:
		return d.complete(ctx, driving.ID, jobID.String(), task.Failed(res.Error))
	case mode == container.ModeSync:
		return d.complete(ctx, driving.ID, jobID.String(), task.Succeeded(res.Result))
	default:
		log.Info("Async job handed to container", "container_id", info.ContainerID)
		return nil
	}
}

func launchError(err error) *task.Error {
	var je *container.JobError
	if errors.As(err, &je) {
		return je.TaskError()
	}
	return &task.Error{Name: "ContainerJobError", Message: err.Error()}
}

// complete closes the driving task and its inner task. A job that already
// reported through the hooks wins; its completion is kept.
func (d *Driver) complete(ctx context.Context, drivingID core.ID, jobID string, c task.Completion) error {
	err := d.tasks.InTx(ctx, func(tx *task.Service) error {
		driving, err := tx.Get(ctx, drivingID)
		if err != nil {
			return err
		}
		return hook.CompleteJobTasks(ctx, tx, driving, c, jobID)
	})
	log := logger.FromContext(ctx)
	switch {
	case errors.Is(err, task.ErrConflict):
		log.Debug("Job tasks already completed")
		return nil
	case err != nil:
		return err
	}
	if c.Success {
		log.Info("Job completed")
	} else {
		log.Warn("Job failed", "error", c.Error)
	}
	return nil
}

// ReapLost completes driving tasks whose credential expired more than the
// grace period ago without a completion. Returns the number reaped.
func (d *Driver) ReapLost(ctx context.Context) (int, error) {
	cutoff := d.now().Add(-(d.issuer.TTL() + d.lostGrace))
	filter := drivingFilter(task.StateStarted)
	filter.StartedBefore = &cutoff
	filter.Limit = d.batchSize
	stale, err := d.tasks.List(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("listing started driving tasks: %w", err)
	}
	reaped := 0
	for _, t := range stale {
		if _, busy := d.inflight.Load(t.ID); busy {
			continue
		}
		jobID := ""
		if launched, ok := worker.LaunchedJob(t); ok {
			jobID = launched.JobID
		}
		lost := task.Failed(&task.Error{
			Name:    "JobLostError",
			Code:    jobLostCode,
			Message: fmt.Sprintf("job %s did not complete before its credential expired", jobID),
		})
		err := d.tasks.InTx(ctx, func(tx *task.Service) error {
			return hook.CompleteJobTasks(ctx, tx, t, lost, jobID)
		})
		switch {
		case errors.Is(err, task.ErrConflict):
			continue
		case err != nil:
			logger.FromContext(ctx).Error("Failed to reap lost job", "task_id", t.ID, "error", err)
			continue
		}
		reaped++
		logger.FromContext(ctx).Warn("Reaped lost job", "task_id", t.ID, "job_id", jobID)
	}
	return reaped, nil
}
