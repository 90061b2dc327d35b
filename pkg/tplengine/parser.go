package tplengine

import "fmt"

const (
	maxParseDepth = 64
	maxChainTerms = 1024
)

type parser struct {
	tokens []token
	pos    int
	depth  int
}

// parseExpression turns an expression source into an AST over the closed grammar.
func parseExpression(src string) (node, error) {
	tokens, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	if p.peek().kind == tokEOF {
		return nil, fmt.Errorf("empty expression")
	}
	n, err := p.parseConditional()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, fmt.Errorf("unexpected token %q at %d", tok.text, tok.pos)
	}
	return n, nil
}

func (p *parser) peek() token { return p.tokens[p.pos] }

func (p *parser) next() token {
	tok := p.tokens[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) isPunct(text string) bool {
	tok := p.peek()
	return tok.kind == tokPunct && tok.text == text
}

func (p *parser) accept(texts ...string) (string, bool) {
	for _, t := range texts {
		if p.isPunct(t) {
			p.next()
			return t, true
		}
	}
	return "", false
}

func (p *parser) expect(text string) error {
	if _, ok := p.accept(text); !ok {
		tok := p.peek()
		if tok.kind == tokEOF {
			return fmt.Errorf("expected %q but reached end of expression", text)
		}
		return fmt.Errorf("expected %q at %d, found %q", text, tok.pos, tok.text)
	}
	return nil
}

func (p *parser) enter() error {
	p.depth++
	if p.depth > maxParseDepth {
		return fmt.Errorf("expression nesting exceeds %d levels", maxParseDepth)
	}
	return nil
}

func (p *parser) leave() { p.depth-- }

func (p *parser) parseConditional() (node, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()
	test, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if _, ok := p.accept("?"); !ok {
		return test, nil
	}
	cons, err := p.parseConditional()
	if err != nil {
		return nil, err
	}
	if err := p.expect(":"); err != nil {
		return nil, err
	}
	alt, err := p.parseConditional()
	if err != nil {
		return nil, err
	}
	return &conditionalNode{test: test, consequent: cons, alternate: alt}, nil
}

// binaryLevel parses a left-associative chain of operators at one precedence level.
func (p *parser) binaryLevel(operand func() (node, error), ops ...string) (node, error) {
	left, err := operand()
	if err != nil {
		return nil, err
	}
	for terms := 1; ; terms++ {
		op, ok := p.accept(ops...)
		if !ok {
			return left, nil
		}
		if terms >= maxChainTerms {
			return nil, fmt.Errorf("operator chain exceeds %d operands", maxChainTerms)
		}
		right, err := operand()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op, left: left, right: right}
	}
}

func (p *parser) parseOr() (node, error) {
	return p.binaryLevel(p.parseAnd, "||", "??")
}

func (p *parser) parseAnd() (node, error) {
	return p.binaryLevel(p.parseEquality, "&&")
}

func (p *parser) parseEquality() (node, error) {
	return p.binaryLevel(p.parseRelational, "===", "!==", "==", "!=")
}

func (p *parser) parseRelational() (node, error) {
	return p.binaryLevel(p.parseAdditive, "<=", ">=", "<", ">")
}

func (p *parser) parseAdditive() (node, error) {
	return p.binaryLevel(p.parseMultiplicative, "+", "-")
}

func (p *parser) parseMultiplicative() (node, error) {
	return p.binaryLevel(p.parseUnary, "*", "/", "%")
}

func (p *parser) parseUnary() (node, error) {
	if op, ok := p.accept("!", "-", "+"); ok {
		if err := p.enter(); err != nil {
			return nil, err
		}
		defer p.leave()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: op, operand: operand}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (node, error) {
	n, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.isPunct("."):
			p.next()
			tok := p.next()
			if tok.kind != tokIdent {
				return nil, fmt.Errorf("expected property name at %d", tok.pos)
			}
			n = &memberNode{object: n, property: tok.text}
		case p.isPunct("["):
			p.next()
			idx, err := p.parseConditional()
			if err != nil {
				return nil, err
			}
			if err := p.expect("]"); err != nil {
				return nil, err
			}
			n = &memberNode{object: n, index: idx}
		case p.isPunct("("):
			switch n.(type) {
			case *identNode, *memberNode:
			default:
				return nil, fmt.Errorf("%s is not callable", n.path())
			}
			p.next()
			args, err := p.parseList(")")
			if err != nil {
				return nil, err
			}
			n = &callNode{callee: n, args: args}
		default:
			return n, nil
		}
	}
}

func (p *parser) parseList(closing string) ([]node, error) {
	var items []node
	if _, ok := p.accept(closing); ok {
		return items, nil
	}
	for {
		item, err := p.parseConditional()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
		if _, ok := p.accept(","); ok {
			continue
		}
		if err := p.expect(closing); err != nil {
			return nil, err
		}
		return items, nil
	}
}

func (p *parser) parsePrimary() (node, error) {
	tok := p.next()
	switch tok.kind {
	case tokNumber:
		return &literalNode{value: tok.num}, nil
	case tokString:
		return &literalNode{value: tok.text}, nil
	case tokIdent:
		switch tok.text {
		case "true":
			return &literalNode{value: true}, nil
		case "false":
			return &literalNode{value: false}, nil
		case "null", "undefined":
			return &literalNode{value: nil}, nil
		}
		return &identNode{name: tok.text}, nil
	case tokPunct:
		switch tok.text {
		case "(":
			if err := p.enter(); err != nil {
				return nil, err
			}
			defer p.leave()
			inner, err := p.parseConditional()
			if err != nil {
				return nil, err
			}
			if err := p.expect(")"); err != nil {
				return nil, err
			}
			return inner, nil
		case "[":
			elems, err := p.parseList("]")
			if err != nil {
				return nil, err
			}
			return &arrayNode{elems: elems}, nil
		}
		return nil, fmt.Errorf("unexpected token %q at %d", tok.text, tok.pos)
	default:
		return nil, fmt.Errorf("unexpected end of expression")
	}
}
