package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/compozy/taskengine/engine/infra/cache"
	"github.com/compozy/taskengine/engine/task"
	"github.com/compozy/taskengine/pkg/logger"
	"github.com/robfig/cron/v3"
)

const DefaultTickInterval = 30 * time.Second

// Schedules creates the tasks of due schedules.
type Schedules interface {
	DispatchSchedules(ctx context.Context, now time.Time) ([]*task.Task, error)
}

// Jobs launches pending container jobs and reaps lost ones.
type Jobs interface {
	DispatchPending(ctx context.Context) (int, error)
	ReapLost(ctx context.Context) (int, error)
}

type SchedulerOption func(*Scheduler)

func WithInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithClaimer shares ticks between instances. Only the instance that claims
// a tick runs it.
func WithClaimer(c cache.Claimer) SchedulerOption {
	return func(s *Scheduler) { s.claimer = c }
}

func WithJobs(j Jobs) SchedulerOption {
	return func(s *Scheduler) { s.jobs = j }
}

func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler runs the periodic tick.
type Scheduler struct {
	schedules Schedules
	jobs      Jobs
	claimer   cache.Claimer
	interval  time.Duration
	now       func() time.Time
	mu        sync.Mutex
	cron      *cron.Cron
}

func NewScheduler(schedules Schedules, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		schedules: schedules,
		interval:  DefaultTickInterval,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start schedules Tick every interval until Stop. Overlapping ticks are
// skipped.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("scheduler already started")
	}
	log := logger.FromContext(ctx)
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	spec := fmt.Sprintf("@every %s", s.interval)
	if _, err := c.AddFunc(spec, func() {
		if err := s.Tick(ctx); err != nil {
			log.Error("Scheduler tick failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("registering tick %q: %w", spec, err)
	}
	c.Start()
	s.cron = c
	log.Info("Scheduler started", "interval", s.interval)
	return nil
}

// Stop halts the tick and waits for a running one to finish or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// Tick dispatches due schedules, launches pending jobs and reaps lost ones.
// When a claimer is set and another instance already claimed the current
// tick, Tick does nothing.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.now()
	log := logger.FromContext(ctx)
	if s.claimer != nil {
		key := "tick:" + strconv.FormatInt(now.Truncate(s.interval).Unix(), 10)
		ok, err := s.claimer.Claim(ctx, key, s.interval)
		if err != nil {
			return fmt.Errorf("claiming tick: %w", err)
		}
		if !ok {
			log.Debug("Tick claimed by another instance", "key", key)
			return nil
		}
	}
	var errs []error
	dispatched, err := s.schedules.DispatchSchedules(ctx, now)
	if err != nil {
		errs = append(errs, err)
	}
	launched, reaped := 0, 0
	if s.jobs != nil {
		if launched, err = s.jobs.DispatchPending(ctx); err != nil {
			errs = append(errs, fmt.Errorf("dispatching pending jobs: %w", err))
		}
		if reaped, err = s.jobs.ReapLost(ctx); err != nil {
			errs = append(errs, fmt.Errorf("reaping lost jobs: %w", err))
		}
	}
	log.Debug("Tick finished", "schedules", len(dispatched), "launched", launched, "reaped", reaped)
	return errors.Join(errs...)
}
