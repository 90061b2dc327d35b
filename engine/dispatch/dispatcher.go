// Package dispatch turns external stimuli into root tasks: emitted events,
// app and user action calls, and due schedules.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/compozy/taskengine/engine/app"
	"github.com/compozy/taskengine/engine/core"
	"github.com/compozy/taskengine/engine/task"
	"github.com/compozy/taskengine/pkg/logger"
	"github.com/compozy/taskengine/pkg/tplengine"
)

// Registry is the view of installed apps the dispatcher reads.
type Registry interface {
	Get(identifier string) (*app.Manifest, error)
	SubscribersOf(event string) []app.Subscriber
	ScheduledTasks() []app.ScheduledTask
}

// Event is a storage or system event emitted by the platform.
type Event struct {
	Identifier string `json:"eventIdentifier" binding:"required"`
	Payload    any    `json:"payload,omitempty"`
}

// ActionRequest asks an app task to run on behalf of an app or a user.
type ActionRequest struct {
	AppIdentifier  string                `json:"-"`
	UserID         string                `json:"-"`
	TaskIdentifier string                `json:"taskIdentifier" binding:"required"`
	Data           any                   `json:"taskData,omitempty"`
	Payload        any                   `json:"payload,omitempty"`
	OnComplete     []task.OnCompleteRule `json:"onComplete,omitempty"`
}

type Option func(*Dispatcher)

func WithFunctions(fns map[string]tplengine.Function) Option {
	return func(d *Dispatcher) { d.functions = fns }
}

type Dispatcher struct {
	tasks     *task.Service
	registry  Registry
	engine    *tplengine.Engine
	functions map[string]tplengine.Function
}

func New(tasks *task.Service, registry Registry, engine *tplengine.Engine, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		tasks:     tasks,
		registry:  registry,
		engine:    engine,
		functions: tplengine.DefaultFunctions(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// EmitEvent creates one task per subscription to the event. Either every
// subscriber gets its task or none does.
func (d *Dispatcher) EmitEvent(ctx context.Context, ev Event) ([]*task.Task, error) {
	ev.Identifier = strings.TrimSpace(ev.Identifier)
	if ev.Identifier == "" {
		return nil, fmt.Errorf("%w: event identifier is required", task.ErrInvalidParams)
	}
	subscribers := d.registry.SubscribersOf(ev.Identifier)
	log := logger.FromContext(ctx).With("event", ev.Identifier)
	if len(subscribers) == 0 {
		log.Debug("No subscribers for event")
		return nil, nil
	}
	params := make([]task.CreateParams, 0, len(subscribers))
	for _, sub := range subscribers {
		p, err := d.eventParams(ev, sub)
		if err != nil {
			return nil, err
		}
		params = append(params, p)
	}
	created := make([]*task.Task, 0, len(params))
	err := d.tasks.InTx(ctx, func(tx *task.Service) error {
		for _, p := range params {
			t, err := tx.Create(ctx, p)
			if err != nil {
				return fmt.Errorf("creating %s/%s: %w", p.OwnerIdentifier, p.TaskIdentifier, err)
			}
			created = append(created, t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Info("Event dispatched", "tasks", len(created))
	return created, nil
}

func (d *Dispatcher) eventParams(ev Event, sub app.Subscriber) (task.CreateParams, error) {
	def, err := d.declared(sub.App, sub.Subscription.Task)
	if err != nil {
		return task.CreateParams{}, err
	}
	payload, err := core.DeepCopy(ev.Payload)
	if err != nil {
		return task.CreateParams{}, fmt.Errorf("copying event payload: %w", err)
	}
	tplCtx := tplengine.Context{Objects: map[string]any{"event": payload}, Functions: d.functions}
	data, err := d.engine.Resolve(sub.Subscription.DataTemplate, tplCtx, tplengine.Options{})
	if err != nil {
		return task.CreateParams{}, fmt.Errorf("resolving data template of %s/%s: %w", sub.App, def.Identifier, err)
	}
	if err := def.ValidateData(data); err != nil {
		return task.CreateParams{}, err
	}
	rules, err := core.DeepCopy(sub.Subscription.OnComplete)
	if err != nil {
		return task.CreateParams{}, fmt.Errorf("copying onComplete rules: %w", err)
	}
	return task.CreateParams{
		TaskIdentifier:    def.Identifier,
		OwnerIdentifier:   sub.App,
		HandlerIdentifier: def.Handler,
		Data:              data,
		Trigger: &task.EventTrigger{
			EventIdentifier: ev.Identifier,
			TaskIdentifier:  def.Identifier,
			OnComplete:      rules,
		},
	}, nil
}

// TriggerAppAction creates a task requested by an app itself.
func (d *Dispatcher) TriggerAppAction(ctx context.Context, req ActionRequest) (*task.Task, error) {
	def, rules, err := d.actionTask(req)
	if err != nil {
		return nil, err
	}
	return d.tasks.Create(ctx, task.CreateParams{
		TaskIdentifier:    def.Identifier,
		OwnerIdentifier:   req.AppIdentifier,
		HandlerIdentifier: def.Handler,
		Data:              req.Data,
		Trigger: &task.AppActionTrigger{
			InvokeContext: task.AppInvokeContext{AppIdentifier: req.AppIdentifier, Payload: req.Payload},
			OnComplete:    rules,
		},
	})
}

// TriggerUserAction creates a task requested by a user through an app.
func (d *Dispatcher) TriggerUserAction(ctx context.Context, req ActionRequest) (*task.Task, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, fmt.Errorf("%w: user id is required", task.ErrInvalidParams)
	}
	def, rules, err := d.actionTask(req)
	if err != nil {
		return nil, err
	}
	return d.tasks.Create(ctx, task.CreateParams{
		TaskIdentifier:    def.Identifier,
		OwnerIdentifier:   req.AppIdentifier,
		HandlerIdentifier: def.Handler,
		Data:              req.Data,
		Trigger: &task.UserActionTrigger{
			InvokeContext: task.UserInvokeContext{
				UserID:        req.UserID,
				AppIdentifier: req.AppIdentifier,
				Payload:       req.Payload,
			},
			OnComplete: rules,
		},
	})
}

// DispatchSchedules ensures every scheduled declaration has its task for the
// window containing now and returns those tasks. The repository returns the
// existing task for a window already dispatched, so repeated calls within a
// window create nothing. A bad declaration does not stop the others.
func (d *Dispatcher) DispatchSchedules(ctx context.Context, now time.Time) ([]*task.Task, error) {
	log := logger.FromContext(ctx)
	var out []*task.Task
	var errs []error
	for _, st := range d.registry.ScheduledTasks() {
		trig, err := task.NewScheduleTrigger(*st.Definition.Schedule, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("schedule of %s/%s: %w", st.App, st.Definition.Identifier, err))
			continue
		}
		t, err := d.tasks.Create(ctx, task.CreateParams{
			TaskIdentifier:    st.Definition.Identifier,
			OwnerIdentifier:   st.App,
			HandlerIdentifier: st.Definition.Handler,
			Trigger:           trig,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("dispatching %s/%s: %w", st.App, st.Definition.Identifier, err))
			continue
		}
		out = append(out, t)
		log.Debug("Schedule dispatched", "app", st.App, "task", st.Definition.Identifier,
			"window", trig.InvokeContext.TimestampBucket, "task_id", t.ID)
	}
	return out, errors.Join(errs...)
}

// actionTask checks an action against the app manifest: the task must be
// declared, its data must satisfy the task schema and every onComplete
// target must be declared too. It returns a private copy of the rules.
func (d *Dispatcher) actionTask(req ActionRequest) (*app.TaskDefinition, []task.OnCompleteRule, error) {
	m, err := d.registry.Get(req.AppIdentifier)
	if err != nil {
		return nil, nil, err
	}
	def, ok := m.Task(req.TaskIdentifier)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s/%s", task.ErrUnknownTask, req.AppIdentifier, req.TaskIdentifier)
	}
	if err := def.ValidateData(req.Data); err != nil {
		return nil, nil, err
	}
	if err := m.CheckRules(req.OnComplete); err != nil {
		return nil, nil, err
	}
	rules, err := core.DeepCopy(req.OnComplete)
	if err != nil {
		return nil, nil, fmt.Errorf("copying onComplete rules: %w", err)
	}
	return def, rules, nil
}

func (d *Dispatcher) declared(appIdentifier, taskIdentifier string) (*app.TaskDefinition, error) {
	m, err := d.registry.Get(appIdentifier)
	if err != nil {
		return nil, err
	}
	def, ok := m.Task(taskIdentifier)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", task.ErrUnknownTask, appIdentifier, taskIdentifier)
	}
	return def, nil
}
