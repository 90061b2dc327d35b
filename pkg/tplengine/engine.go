// Package tplengine resolves {{ expression }} fragments embedded in
// JSON-shaped templates. Expressions run in a closed grammar against a
// read-only object graph and an explicit function whitelist.
package tplengine

import (
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	openDelim  = "{{"
	closeDelim = "}}"

	DefaultCacheSize = 1024
	maxTemplateDepth = 64
)

// Function is a whitelisted callable exposed to expressions.
type Function func(args ...any) (any, error)

// Context is the read-only input of a resolution.
type Context struct {
	Objects   map[string]any
	Functions map[string]Function
}

type Options struct {
	// Validate turns unresolved paths, unknown functions and syntax errors
	// into *ResolutionError instead of null.
	Validate bool
}

type parsed struct {
	root node
	err  error
}

// Engine memoizes parsed expressions. The cache never affects results.
type Engine struct {
	cache *lru.Cache[string, parsed]
}

func NewEngine(cacheSize int) (*Engine, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, parsed](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create expression cache: %w", err)
	}
	return &Engine{cache: cache}, nil
}

// MustNewEngine panics when the cache cannot be built.
func MustNewEngine(cacheSize int) *Engine {
	e, err := NewEngine(cacheSize)
	if err != nil {
		panic(err)
	}
	return e
}

// Resolve walks a template without caching parsed expressions.
func Resolve(template any, ctx Context, opts Options) (any, error) {
	return (*Engine)(nil).Resolve(template, ctx, opts)
}

// Evaluate evaluates a bare expression without caching.
func Evaluate(expr string, ctx Context, opts Options) (any, error) {
	return (*Engine)(nil).Evaluate(expr, ctx, opts)
}

func (e *Engine) parse(expr string) (node, error) {
	if e == nil || e.cache == nil {
		return parseExpression(expr)
	}
	if hit, ok := e.cache.Get(expr); ok {
		return hit.root, hit.err
	}
	root, err := parseExpression(expr)
	e.cache.Add(expr, parsed{root: root, err: err})
	return root, err
}

// Evaluate evaluates expr (without delimiters) and returns its native value.
func (e *Engine) Evaluate(expr string, ctx Context, opts Options) (any, error) {
	expr = strings.TrimSpace(expr)
	root, err := e.parse(expr)
	if err != nil {
		if !opts.Validate {
			return nil, nil
		}
		return nil, &ResolutionError{Kind: KindSyntax, Expression: expr, Err: err}
	}
	ev := &evaluator{ctx: ctx, validate: opts.Validate, expr: expr}
	out, err := ev.eval(root)
	if err != nil {
		if !opts.Validate {
			return nil, nil
		}
		return nil, err
	}
	return out, nil
}

// Resolve returns a resolved copy of template; the input is never mutated.
func (e *Engine) Resolve(template any, ctx Context, opts Options) (any, error) {
	return e.resolveValue(template, ctx, opts, 0)
}

func (e *Engine) resolveValue(v any, ctx Context, opts Options, depth int) (any, error) {
	if depth > maxTemplateDepth {
		if !opts.Validate {
			return nil, nil
		}
		return nil, &ResolutionError{
			Kind: KindEvaluation,
			Err:  fmt.Errorf("template nesting exceeds %d levels", maxTemplateDepth),
		}
	}
	switch t := v.(type) {
	case string:
		return e.resolveString(t, ctx, opts)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			r, err := e.resolveValue(val, ctx, opts, depth+1)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			r, err := e.resolveValue(val, ctx, opts, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

type segment struct {
	text   string
	isExpr bool
}

// splitTemplate separates literal text from {{ }} fragments. An opening
// delimiter without a matching close is kept as literal text.
func splitTemplate(s string) []segment {
	var segs []segment
	for len(s) > 0 {
		start := strings.Index(s, openDelim)
		if start < 0 {
			break
		}
		end := findClose(s[start+len(openDelim):])
		if end < 0 {
			break
		}
		if start > 0 {
			segs = append(segs, segment{text: s[:start]})
		}
		exprEnd := start + len(openDelim) + end
		segs = append(segs, segment{text: s[start+len(openDelim) : exprEnd], isExpr: true})
		s = s[exprEnd+len(closeDelim):]
	}
	if len(s) > 0 {
		segs = append(segs, segment{text: s})
	}
	return segs
}

// findClose returns the index of the closing delimiter in s, skipping quoted
// string literals so a literal may contain "}}". When a quote is never
// closed the first delimiter wins and the parser reports the bad literal.
func findClose(s string) int {
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0 && c == '\\':
			i++
		case quote != 0 && c == quote:
			quote = 0
		case quote != 0:
		case c == '\'' || c == '"':
			quote = c
		case strings.HasPrefix(s[i:], closeDelim):
			return i
		}
	}
	if quote != 0 {
		return strings.Index(s, closeDelim)
	}
	return -1
}

// HasTemplate reports whether s contains at least one complete fragment.
func HasTemplate(s string) bool {
	for _, seg := range splitTemplate(s) {
		if seg.isExpr {
			return true
		}
	}
	return false
}

func (e *Engine) resolveString(s string, ctx Context, opts Options) (any, error) {
	segs := splitTemplate(s)
	if len(segs) == 1 && segs[0].isExpr {
		return e.Evaluate(segs[0].text, ctx, opts)
	}
	if !HasTemplate(s) {
		return s, nil
	}
	var b strings.Builder
	for _, seg := range segs {
		if !seg.isExpr {
			b.WriteString(seg.text)
			continue
		}
		v, err := e.Evaluate(seg.text, ctx, opts)
		if err != nil {
			return nil, err
		}
		b.WriteString(toString(v))
	}
	return b.String(), nil
}
