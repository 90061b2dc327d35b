// Package chain turns the onComplete rules of a completed task into the
// child tasks they select.
package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/compozy/taskengine/engine/core"
	"github.com/compozy/taskengine/engine/task"
	"github.com/compozy/taskengine/pkg/logger"
	"github.com/compozy/taskengine/pkg/tplengine"
)

// Catalog resolves the handler of a task declared by an owner.
type Catalog interface {
	HandlerFor(ctx context.Context, owner, taskIdentifier string) (string, error)
}

type Resolver struct {
	catalog   Catalog
	engine    *tplengine.Engine
	functions map[string]tplengine.Function
}

type Option func(*Resolver)

// WithFunctions exposes extra functions to conditions and data templates.
func WithFunctions(fns map[string]tplengine.Function) Option {
	return func(r *Resolver) { r.functions = fns }
}

func NewResolver(catalog Catalog, engine *tplengine.Engine, opts ...Option) *Resolver {
	r := &Resolver{catalog: catalog, engine: engine, functions: tplengine.DefaultFunctions()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve evaluates rules in declaration order. Each rule sees its own
// context built from the completed task.
func (r *Resolver) Resolve(ctx context.Context, completed *task.Task, c task.Completion) ([]task.CreateParams, error) {
	if completed.Trigger == nil {
		return nil, nil
	}
	rules := completed.Trigger.Rules()
	if len(rules) == 0 {
		return nil, nil
	}
	log := logger.FromContext(ctx).With("task_id", completed.ID, "task", completed.TaskIdentifier)
	var out []task.CreateParams
	for i, rule := range rules {
		tplCtx, err := r.contextFor(completed, c)
		if err != nil {
			return nil, err
		}
		matched, err := r.conditionHolds(rule, tplCtx)
		if err != nil {
			log.Warn("Skipping onComplete rule with invalid condition",
				"rule", i, "target", rule.TaskIdentifier, "condition", rule.EffectiveCondition(), "error", err)
			continue
		}
		if !matched {
			continue
		}
		params, err := r.childParams(ctx, completed, rule, tplCtx)
		if errors.Is(err, task.ErrUnknownTask) {
			log.Warn("Skipping onComplete rule with undeclared target",
				"rule", i, "target", rule.TaskIdentifier, "error", err)
			continue
		}
		if err != nil {
			return nil, err
		}
		log.Debug("onComplete rule matched", "rule", i, "target", rule.TaskIdentifier)
		out = append(out, params)
	}
	return out, nil
}

// contextFor builds {task: {success, data, result | error}}. Data is copied
// so a function cannot leak changes between rules.
func (r *Resolver) contextFor(completed *task.Task, c task.Completion) (tplengine.Context, error) {
	data, err := core.DeepCopy(completed.Data)
	if err != nil {
		return tplengine.Context{}, fmt.Errorf("copying task data: %w", err)
	}
	view := map[string]any{"success": c.Success, "data": data}
	if c.Success {
		result, err := core.DeepCopy(c.Result)
		if err != nil {
			return tplengine.Context{}, fmt.Errorf("copying task result: %w", err)
		}
		view["result"] = result
	} else {
		view["error"] = c.Error.AsMap()
	}
	return tplengine.Context{Objects: map[string]any{"task": view}, Functions: r.functions}, nil
}

func (r *Resolver) conditionHolds(rule task.OnCompleteRule, tplCtx tplengine.Context) (bool, error) {
	v, err := r.engine.Evaluate(rule.EffectiveCondition(), tplCtx, tplengine.Options{Validate: true})
	if err != nil {
		return false, err
	}
	return tplengine.Truthy(v), nil
}

func (r *Resolver) childParams(
	ctx context.Context,
	parent *task.Task,
	rule task.OnCompleteRule,
	tplCtx tplengine.Context,
) (task.CreateParams, error) {
	handler, err := r.catalog.HandlerFor(ctx, parent.OwnerIdentifier, rule.TaskIdentifier)
	if err != nil {
		return task.CreateParams{}, err
	}
	data, err := r.engine.Resolve(rule.DataTemplate, tplCtx, tplengine.Options{})
	if err != nil {
		return task.CreateParams{}, fmt.Errorf("resolving data template for %q: %w", rule.TaskIdentifier, err)
	}
	nested, err := core.DeepCopy(rule.OnComplete)
	if err != nil {
		return task.CreateParams{}, fmt.Errorf("copying nested onComplete rules: %w", err)
	}
	parentData, err := core.DeepCopy(parent.Data)
	if err != nil {
		return task.CreateParams{}, fmt.Errorf("copying parent data: %w", err)
	}
	success := parent.Success != nil && *parent.Success
	return task.CreateParams{
		TaskIdentifier:    rule.TaskIdentifier,
		OwnerIdentifier:   parent.OwnerIdentifier,
		HandlerIdentifier: handler,
		Data:              data,
		Trigger: &task.TaskChildTrigger{
			InvokeContext: task.TaskChildInvokeContext{
				ParentTask: task.ParentTask{ID: parent.ID.String(), Success: success, Data: parentData},
			},
			OnComplete: nested,
		},
	}, nil
}
