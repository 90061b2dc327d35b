package task

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

type TriggerKind string

const (
	TriggerEvent      TriggerKind = "event"
	TriggerAppAction  TriggerKind = "app_action"
	TriggerUserAction TriggerKind = "user_action"
	TriggerSchedule   TriggerKind = "schedule"
	TriggerTaskChild  TriggerKind = "task_child"
)

// Trigger records why a task was created. The set of implementations is
// closed: EventTrigger, AppActionTrigger, UserActionTrigger, ScheduleTrigger
// and TaskChildTrigger.
type Trigger interface {
	Kind() TriggerKind
	// Rules returns the onComplete rules evaluated when the task completes.
	Rules() []OnCompleteRule
	isTrigger()
}

// OnCompleteRule spawns TaskIdentifier when Condition holds for the
// completed task. Nested rules are copied onto the spawned child.
type OnCompleteRule struct {
	TaskIdentifier string           `json:"taskIdentifier"           yaml:"taskIdentifier"        validate:"required"`
	Condition      string           `json:"condition,omitempty"      yaml:"condition,omitempty"`
	DataTemplate   any              `json:"dataTemplate,omitempty"   yaml:"dataTemplate,omitempty"`
	OnComplete     []OnCompleteRule `json:"onComplete,omitempty"     yaml:"onComplete,omitempty"`
}

const DefaultCondition = "task.success"

func (r OnCompleteRule) EffectiveCondition() string {
	if r.Condition == "" {
		return DefaultCondition
	}
	return r.Condition
}

type EventTrigger struct {
	EventIdentifier string           `json:"eventIdentifier"`
	TaskIdentifier  string           `json:"taskIdentifier"`
	OnComplete      []OnCompleteRule `json:"onComplete,omitempty"`
}

type AppInvokeContext struct {
	AppIdentifier string `json:"appIdentifier"`
	Payload       any    `json:"payload,omitempty"`
}

type AppActionTrigger struct {
	InvokeContext AppInvokeContext `json:"invokeContext"`
	OnComplete    []OnCompleteRule `json:"onComplete,omitempty"`
}

type UserInvokeContext struct {
	UserID        string `json:"userId"`
	AppIdentifier string `json:"appIdentifier,omitempty"`
	Payload       any    `json:"payload,omitempty"`
}

type UserActionTrigger struct {
	InvokeContext UserInvokeContext `json:"invokeContext"`
	OnComplete    []OnCompleteRule  `json:"onComplete,omitempty"`
}

type ScheduleConfig struct {
	Interval int          `json:"interval" yaml:"interval" validate:"required,gt=0"`
	Unit     ScheduleUnit `json:"unit"     yaml:"unit"     validate:"required,oneof=minutes hours days"`
}

type ScheduleInvokeContext struct {
	// TimestampBucket is the unix start of the firing window.
	TimestampBucket int64 `json:"timestampBucket"`
}

type ScheduleTrigger struct {
	Config        ScheduleConfig        `json:"config"`
	InvokeContext ScheduleInvokeContext `json:"invokeContext"`
}

type ParentTask struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Data    any    `json:"data"`
}

type TaskChildInvokeContext struct {
	ParentTask ParentTask `json:"parentTask"`
}

type TaskChildTrigger struct {
	InvokeContext TaskChildInvokeContext `json:"invokeContext"`
	OnComplete    []OnCompleteRule       `json:"onComplete,omitempty"`
}

func (*EventTrigger) Kind() TriggerKind      { return TriggerEvent }
func (*AppActionTrigger) Kind() TriggerKind  { return TriggerAppAction }
func (*UserActionTrigger) Kind() TriggerKind { return TriggerUserAction }
func (*ScheduleTrigger) Kind() TriggerKind   { return TriggerSchedule }
func (*TaskChildTrigger) Kind() TriggerKind  { return TriggerTaskChild }

func (t *EventTrigger) Rules() []OnCompleteRule      { return t.OnComplete }
func (t *AppActionTrigger) Rules() []OnCompleteRule  { return t.OnComplete }
func (t *UserActionTrigger) Rules() []OnCompleteRule { return t.OnComplete }
func (*ScheduleTrigger) Rules() []OnCompleteRule     { return nil }
func (t *TaskChildTrigger) Rules() []OnCompleteRule  { return t.OnComplete }

func (*EventTrigger) isTrigger()      {}
func (*AppActionTrigger) isTrigger()  {}
func (*UserActionTrigger) isTrigger() {}
func (*ScheduleTrigger) isTrigger()   {}
func (*TaskChildTrigger) isTrigger()  {}

// MarshalTrigger encodes a trigger as a {"kind": ...} envelope.
func MarshalTrigger(t Trigger) ([]byte, error) {
	switch v := t.(type) {
	case *EventTrigger:
		return json.Marshal(struct {
			Kind TriggerKind `json:"kind"`
			*EventTrigger
		}{TriggerEvent, v})
	case *AppActionTrigger:
		return json.Marshal(struct {
			Kind TriggerKind `json:"kind"`
			*AppActionTrigger
		}{TriggerAppAction, v})
	case *UserActionTrigger:
		return json.Marshal(struct {
			Kind TriggerKind `json:"kind"`
			*UserActionTrigger
		}{TriggerUserAction, v})
	case *ScheduleTrigger:
		return json.Marshal(struct {
			Kind TriggerKind `json:"kind"`
			*ScheduleTrigger
		}{TriggerSchedule, v})
	case *TaskChildTrigger:
		return json.Marshal(struct {
			Kind TriggerKind `json:"kind"`
			*TaskChildTrigger
		}{TriggerTaskChild, v})
	case nil:
		return []byte("null"), nil
	default:
		return nil, fmt.Errorf("unsupported trigger type %T", t)
	}
}

// UnmarshalTrigger decodes an envelope produced by MarshalTrigger.
func UnmarshalTrigger(raw []byte) (Trigger, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	kind := TriggerKind(gjson.GetBytes(raw, "kind").String())
	var target Trigger
	switch kind {
	case TriggerEvent:
		target = &EventTrigger{}
	case TriggerAppAction:
		target = &AppActionTrigger{}
	case TriggerUserAction:
		target = &UserActionTrigger{}
	case TriggerSchedule:
		target = &ScheduleTrigger{}
	case TriggerTaskChild:
		target = &TaskChildTrigger{}
	default:
		return nil, fmt.Errorf("unknown trigger kind %q", kind)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return nil, fmt.Errorf("decoding %s trigger: %w", kind, err)
	}
	return target, nil
}

type taskAlias Task

// MarshalJSON writes the trigger through its envelope.
func (t Task) MarshalJSON() ([]byte, error) {
	trig, err := MarshalTrigger(t.Trigger)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		taskAlias
		Trigger json.RawMessage `json:"trigger"`
	}{taskAlias(t), trig})
}

func (t *Task) UnmarshalJSON(data []byte) error {
	aux := struct {
		*taskAlias
		Trigger json.RawMessage `json:"trigger"`
	}{taskAlias: (*taskAlias)(t)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	trig, err := UnmarshalTrigger(aux.Trigger)
	if err != nil {
		return err
	}
	t.Trigger = trig
	return nil
}
