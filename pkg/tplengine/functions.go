package tplengine

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// DefaultFunctions returns a fresh copy of the built-in function set. Callers
// opt in by merging it into Context.Functions.
func DefaultFunctions() map[string]Function {
	return map[string]Function{
		"coalesce":  coalesce,
		"toJSON":    toJSON,
		"parseJSON": parseJSON,
		"concat":    concat,
		"len":       length,
		"lower":     func(args ...any) (any, error) { return strings.ToLower(stringArg(args, 0)), nil },
		"upper":     func(args ...any) (any, error) { return strings.ToUpper(stringArg(args, 0)), nil },
	}
}

func coalesce(args ...any) (any, error) {
	for _, a := range args {
		if a != nil {
			return a, nil
		}
	}
	return nil, nil
}

func toJSON(args ...any) (any, error) {
	if len(args) == 0 {
		return "null", nil
	}
	raw, err := json.Marshal(args[0])
	if err != nil {
		return nil, fmt.Errorf("toJSON: %w", err)
	}
	return string(raw), nil
}

func parseJSON(args ...any) (any, error) {
	s, ok := firstArg(args).(string)
	if !ok {
		return nil, errors.New("parseJSON expects a string")
	}
	var out any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("parseJSON: %w", err)
	}
	return out, nil
}

func concat(args ...any) (any, error) {
	var b strings.Builder
	for _, a := range args {
		b.WriteString(toString(a))
	}
	return b.String(), nil
}

func length(args ...any) (any, error) {
	v := firstArg(args)
	switch t := v.(type) {
	case nil:
		return float64(0), nil
	case string:
		return float64(utf8.RuneCountInString(t)), nil
	}
	if l, ok := asList(v); ok {
		return float64(len(l)), nil
	}
	if isObject(v) {
		if m, ok := v.(map[string]any); ok {
			return float64(len(m)), nil
		}
	}
	return nil, fmt.Errorf("len: unsupported type %T", v)
}

func firstArg(args []any) any {
	if len(args) == 0 {
		return nil
	}
	return args[0]
}
