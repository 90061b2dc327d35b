package tplengine

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// maxEvalDepth bounds tree height. The parser caps nesting and operand chain
// length, so only pathological input reaches it.
const maxEvalDepth = 4096

type evaluator struct {
	ctx      Context
	validate bool
	expr     string
	depth    int
}

// unresolved either fails (validating) or degrades the sub-expression to null.
func (e *evaluator) unresolved(err *ResolutionError) (any, error) {
	if !e.validate {
		return nil, nil
	}
	err.Expression = e.expr
	return nil, err
}

func (e *evaluator) missingPath(n node) (any, error) {
	return e.unresolved(&ResolutionError{Kind: KindUnresolvedPath, Path: n.path()})
}

func (e *evaluator) failed(format string, args ...any) (any, error) {
	return e.unresolved(&ResolutionError{Kind: KindEvaluation, Err: fmt.Errorf(format, args...)})
}

func (e *evaluator) eval(n node) (any, error) {
	e.depth++
	defer func() { e.depth-- }()
	if e.depth > maxEvalDepth {
		return nil, &ResolutionError{Kind: KindEvaluation, Expression: e.expr, Err: errors.New("evaluation too deep")}
	}
	switch t := n.(type) {
	case *literalNode:
		return t.value, nil
	case *arrayNode:
		out := make([]any, len(t.elems))
		for i, el := range t.elems {
			v, err := e.eval(el)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case *identNode:
		v, ok := lookupKey(e.ctx.Objects, t.name)
		if !ok {
			return e.missingPath(t)
		}
		return v, nil
	case *memberNode:
		return e.evalMember(t)
	case *callNode:
		return e.evalCall(t)
	case *unaryNode:
		return e.evalUnary(t)
	case *binaryNode:
		return e.evalBinary(t)
	case *conditionalNode:
		test, err := e.eval(t.test)
		if err != nil {
			return nil, err
		}
		if truthy(test) {
			return e.eval(t.consequent)
		}
		return e.eval(t.alternate)
	default:
		return nil, fmt.Errorf("unsupported node %T", n)
	}
}

func (e *evaluator) evalMember(n *memberNode) (any, error) {
	obj, err := e.eval(n.object)
	if err != nil {
		return nil, err
	}
	if obj == nil {
		return e.missingPath(n)
	}
	key := n.property
	var numIdx float64
	isNumIdx := false
	if n.index != nil {
		idx, err := e.eval(n.index)
		if err != nil {
			return nil, err
		}
		if f, ok := toNumber(idx); ok {
			numIdx, isNumIdx = f, true
			key = formatNumber(f)
		} else {
			key = toString(idx)
		}
	}
	if s, ok := obj.(string); ok {
		if key == "length" {
			return float64(len([]rune(s))), nil
		}
		if isNumIdx {
			r := []rune(s)
			if i := int(numIdx); float64(i) == numIdx && i >= 0 && i < len(r) {
				return string(r[i]), nil
			}
		}
		return e.missingPath(n)
	}
	if list, ok := asList(obj); ok {
		if key == "length" {
			return float64(len(list)), nil
		}
		if !isNumIdx {
			if parsed, err := strconv.Atoi(key); err == nil {
				numIdx, isNumIdx = float64(parsed), true
			}
		}
		if isNumIdx {
			if i := int(numIdx); float64(i) == numIdx && i >= 0 && i < len(list) {
				return list[i], nil
			}
		}
		return e.missingPath(n)
	}
	if v, ok := lookupKey(obj, key); ok {
		return v, nil
	}
	return e.missingPath(n)
}

func (e *evaluator) evalArgs(args []node) ([]any, error) {
	out := make([]any, len(args))
	for i, a := range args {
		v, err := e.eval(a)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (e *evaluator) evalCall(n *callNode) (any, error) {
	switch callee := n.callee.(type) {
	case *identNode:
		fn, ok := e.ctx.Functions[callee.name]
		if !ok || fn == nil {
			return e.unresolved(&ResolutionError{Kind: KindUnknownFunction, Function: callee.name})
		}
		args, err := e.evalArgs(n.args)
		if err != nil {
			return nil, err
		}
		out, err := fn(args...)
		if err != nil {
			return e.unresolved(&ResolutionError{Kind: KindEvaluation, Function: callee.name, Err: err})
		}
		return out, nil
	case *memberNode:
		if callee.index != nil {
			return e.failed("computed method names are not supported")
		}
		recv, err := e.eval(callee.object)
		if err != nil {
			return nil, err
		}
		if recv == nil {
			return e.missingPath(callee.object)
		}
		args, err := e.evalArgs(n.args)
		if err != nil {
			return nil, err
		}
		out, err := callMethod(recv, callee.property, args)
		if err != nil {
			if errors.Is(err, errUnknownMethod) {
				return e.unresolved(&ResolutionError{Kind: KindUnknownFunction, Function: callee.property, Err: err})
			}
			return e.failed("%s: %w", callee.property, err)
		}
		return out, nil
	default:
		return e.failed("%s is not callable", n.callee.path())
	}
}

func (e *evaluator) evalUnary(n *unaryNode) (any, error) {
	v, err := e.eval(n.operand)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "!":
		return !truthy(v), nil
	case "-":
		if f, ok := toNumber(v); ok {
			return -f, nil
		}
		return e.failed("cannot negate %s", n.operand.path())
	case "+":
		if f, ok := toNumber(v); ok {
			return f, nil
		}
		if s, ok := v.(string); ok {
			if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				return f, nil
			}
		}
		return e.failed("cannot convert %s to a number", n.operand.path())
	}
	return e.failed("unknown operator %q", n.op)
}

func (e *evaluator) evalBinary(n *binaryNode) (any, error) {
	left, err := e.eval(n.left)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "&&":
		if !truthy(left) {
			return left, nil
		}
		return e.eval(n.right)
	case "||":
		if truthy(left) {
			return left, nil
		}
		return e.eval(n.right)
	case "??":
		if left != nil {
			return left, nil
		}
		return e.eval(n.right)
	}
	right, err := e.eval(n.right)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "==", "===":
		return looseEqual(left, right), nil
	case "!=", "!==":
		return !looseEqual(left, right), nil
	case "<", "<=", ">", ">=":
		return compare(n.op, left, right), nil
	case "+":
		_, ls := left.(string)
		_, rs := right.(string)
		if ls || rs {
			return toString(left) + toString(right), nil
		}
	}
	l, lok := toNumber(left)
	r, rok := toNumber(right)
	if !lok || !rok {
		return e.failed("operator %s needs numeric operands in %s", n.op, n.path())
	}
	var out float64
	switch n.op {
	case "+":
		out = l + r
	case "-":
		out = l - r
	case "*":
		out = l * r
	case "/":
		if r == 0 {
			return e.failed("division by zero in %s", n.path())
		}
		out = l / r
	case "%":
		if r == 0 {
			return e.failed("modulo by zero in %s", n.path())
		}
		out = math.Mod(l, r)
	default:
		return e.failed("unknown operator %q", n.op)
	}
	if math.IsInf(out, 0) || math.IsNaN(out) {
		return e.failed("non-finite result in %s", n.path())
	}
	return out, nil
}

func compare(op string, left, right any) bool {
	if l, ok := toNumber(left); ok {
		r, ok := toNumber(right)
		if !ok {
			return false
		}
		switch op {
		case "<":
			return l < r
		case "<=":
			return l <= r
		case ">":
			return l > r
		default:
			return l >= r
		}
	}
	ls, lok := left.(string)
	rs, rok := right.(string)
	if !lok || !rok {
		return false
	}
	c := strings.Compare(ls, rs)
	switch op {
	case "<":
		return c < 0
	case "<=":
		return c <= 0
	case ">":
		return c > 0
	default:
		return c >= 0
	}
}
