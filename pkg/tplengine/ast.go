package tplengine

import (
	"strconv"
	"strings"
)

type node interface {
	// path renders the node as a property path for error reporting.
	path() string
}

type literalNode struct{ value any }

type arrayNode struct{ elems []node }

type identNode struct{ name string }

type memberNode struct {
	object   node
	property string
	index    node
}

type callNode struct {
	callee node
	args   []node
}

type unaryNode struct {
	op      string
	operand node
}

type binaryNode struct {
	op          string
	left, right node
}

type conditionalNode struct {
	test, consequent, alternate node
}

func (n *literalNode) path() string {
	switch v := n.value.(type) {
	case string:
		return strconv.Quote(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return toString(v)
	}
}

func (n *arrayNode) path() string {
	parts := make([]string, len(n.elems))
	for i, e := range n.elems {
		parts[i] = e.path()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func (n *identNode) path() string { return n.name }

func (n *memberNode) path() string {
	if n.index != nil {
		return n.object.path() + "[" + n.index.path() + "]"
	}
	return n.object.path() + "." + n.property
}

func (n *callNode) path() string {
	parts := make([]string, len(n.args))
	for i, a := range n.args {
		parts[i] = a.path()
	}
	return n.callee.path() + "(" + strings.Join(parts, ", ") + ")"
}

func (n *unaryNode) path() string { return n.op + n.operand.path() }

func (n *binaryNode) path() string { return n.left.path() + " " + n.op + " " + n.right.path() }

func (n *conditionalNode) path() string {
	return n.test.path() + " ? " + n.consequent.path() + " : " + n.alternate.path()
}
