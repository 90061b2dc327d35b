package tplengine

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var errUnknownMethod = errors.New("method not allowed")

// callMethod dispatches the fixed set of receiver methods. Anything outside
// this set is rejected so templates never reach host capabilities.
func callMethod(recv any, name string, args []any) (any, error) {
	if s, ok := recv.(string); ok {
		return stringMethod(s, name, args)
	}
	if list, ok := asList(recv); ok {
		return listMethod(list, name, args)
	}
	if n, ok := toNumber(recv); ok {
		return numberMethod(n, name, args)
	}
	if b, ok := recv.(bool); ok && name == "toString" {
		return strconv.FormatBool(b), nil
	}
	return nil, fmt.Errorf("%w: %s", errUnknownMethod, name)
}

func stringArg(args []any, i int) string {
	if i >= len(args) {
		return ""
	}
	return toString(args[i])
}

func intArg(args []any, i int, fallback int) int {
	if i >= len(args) || args[i] == nil {
		return fallback
	}
	n, ok := toNumber(args[i])
	if !ok || math.IsNaN(n) {
		return 0
	}
	return int(n)
}

// sliceBounds applies JS slice semantics: negative offsets count from the end.
func sliceBounds(args []any, size int) (int, int) {
	clamp := func(i int) int {
		if i < 0 {
			i += size
		}
		return max(0, min(i, size))
	}
	start := clamp(intArg(args, 0, 0))
	end := clamp(intArg(args, 1, size))
	if end < start {
		end = start
	}
	return start, end
}

func stringMethod(s, name string, args []any) (any, error) {
	switch name {
	case "toUpperCase":
		return strings.ToUpper(s), nil
	case "toLowerCase":
		return strings.ToLower(s), nil
	case "trim":
		return strings.TrimSpace(s), nil
	case "includes":
		return strings.Contains(s, stringArg(args, 0)), nil
	case "startsWith":
		return strings.HasPrefix(s, stringArg(args, 0)), nil
	case "endsWith":
		return strings.HasSuffix(s, stringArg(args, 0)), nil
	case "indexOf":
		idx := strings.Index(s, stringArg(args, 0))
		if idx < 0 {
			return float64(-1), nil
		}
		return float64(len([]rune(s[:idx]))), nil
	case "slice":
		r := []rune(s)
		start, end := sliceBounds(args, len(r))
		return string(r[start:end]), nil
	case "substring":
		r := []rune(s)
		start := max(0, min(intArg(args, 0, 0), len(r)))
		end := max(0, min(intArg(args, 1, len(r)), len(r)))
		if start > end {
			start, end = end, start
		}
		return string(r[start:end]), nil
	case "split":
		if len(args) == 0 || args[0] == nil {
			return []any{s}, nil
		}
		parts := strings.Split(s, stringArg(args, 0))
		out := make([]any, len(parts))
		for i, p := range parts {
			out[i] = p
		}
		return out, nil
	case "replace":
		return strings.Replace(s, stringArg(args, 0), stringArg(args, 1), 1), nil
	case "toString":
		return s, nil
	}
	return nil, fmt.Errorf("%w: %s", errUnknownMethod, name)
}

func listMethod(list []any, name string, args []any) (any, error) {
	switch name {
	case "includes":
		var needle any
		if len(args) > 0 {
			needle = args[0]
		}
		for _, el := range list {
			if looseEqual(el, needle) {
				return true, nil
			}
		}
		return false, nil
	case "indexOf":
		var needle any
		if len(args) > 0 {
			needle = args[0]
		}
		for i, el := range list {
			if looseEqual(el, needle) {
				return float64(i), nil
			}
		}
		return float64(-1), nil
	case "join":
		sep := ","
		if len(args) > 0 && args[0] != nil {
			sep = toString(args[0])
		}
		parts := make([]string, len(list))
		for i, el := range list {
			parts[i] = toString(el)
		}
		return strings.Join(parts, sep), nil
	case "slice":
		start, end := sliceBounds(args, len(list))
		out := make([]any, end-start)
		copy(out, list[start:end])
		return out, nil
	case "toString":
		return listMethod(list, "join", nil)
	}
	return nil, fmt.Errorf("%w: %s", errUnknownMethod, name)
}

func numberMethod(n float64, name string, args []any) (any, error) {
	switch name {
	case "toString":
		return formatNumber(n), nil
	case "toFixed":
		digits := intArg(args, 0, 0)
		if digits < 0 || digits > 100 {
			return nil, errors.New("toFixed digits out of range")
		}
		return strconv.FormatFloat(n, 'f', digits, 64), nil
	}
	return nil, fmt.Errorf("%w: %s", errUnknownMethod, name)
}
