package app

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/compozy/taskengine/engine/task"
	"github.com/kaptinlin/jsonschema"
)

// Schema is a JSON Schema document declared inline in a manifest.
type Schema map[string]any

func (s Schema) Compile() (*jsonschema.Schema, error) {
	if s == nil {
		return nil, nil
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	compiled, err := jsonschema.NewCompiler().Compile(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return compiled, nil
}

func (d *TaskDefinition) compile() error {
	compiled, err := d.DataSchema.Compile()
	if err != nil {
		return fmt.Errorf("dataSchema of task %s: %w", d.Identifier, err)
	}
	d.compiled = compiled
	return nil
}

// ValidateData checks data against the task's dataSchema. Tasks without a
// schema accept anything. Violations wrap task.ErrInvalidParams.
func (d *TaskDefinition) ValidateData(data any) error {
	if d.DataSchema == nil {
		return nil
	}
	if d.compiled == nil {
		if err := d.compile(); err != nil {
			return err
		}
	}
	result := d.compiled.Validate(data)
	if result.Valid {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors))
	for _, e := range result.Errors {
		msgs = append(msgs, e.Error())
	}
	sort.Strings(msgs)
	return fmt.Errorf("%w: data of task %s: %s", task.ErrInvalidParams, d.Identifier, strings.Join(msgs, "; "))
}
