package tplengine

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokIdent
	tokPunct
)

type token struct {
	kind tokenKind
	text string
	num  float64
	pos  int
}

// punctuators ordered longest first so the scanner is greedy.
var punctuators = []string{
	"===", "!==",
	"==", "!=", "<=", ">=", "&&", "||", "??",
	"(", ")", "[", "]", ",", ".", "?", ":", "!", "+", "-", "*", "/", "%", "<", ">",
}

type lexer struct {
	src    string
	pos    int
	tokens []token
}

func tokenize(src string) ([]token, error) {
	lx := &lexer{src: src}
	for {
		lx.skipSpace()
		if lx.pos >= len(lx.src) {
			lx.tokens = append(lx.tokens, token{kind: tokEOF, pos: lx.pos})
			return lx.tokens, nil
		}
		c := lx.src[lx.pos]
		var err error
		switch {
		case c == '\'' || c == '"':
			err = lx.scanString(c)
		case isDigit(c) || (c == '.' && lx.pos+1 < len(lx.src) && isDigit(lx.src[lx.pos+1])):
			err = lx.scanNumber()
		case isIdentStart(rune(c)):
			lx.scanIdent()
		default:
			err = lx.scanPunct()
		}
		if err != nil {
			return nil, err
		}
	}
}

func (lx *lexer) skipSpace() {
	for lx.pos < len(lx.src) && unicode.IsSpace(rune(lx.src[lx.pos])) {
		lx.pos++
	}
}

func (lx *lexer) scanString(quote byte) error {
	start := lx.pos
	lx.pos++
	var sb strings.Builder
	for lx.pos < len(lx.src) {
		c := lx.src[lx.pos]
		switch c {
		case quote:
			lx.pos++
			lx.tokens = append(lx.tokens, token{kind: tokString, text: sb.String(), pos: start})
			return nil
		case '\\':
			if lx.pos+1 >= len(lx.src) {
				return fmt.Errorf("unterminated escape at %d", lx.pos)
			}
			lx.pos++
			switch e := lx.src[lx.pos]; e {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case 'r':
				sb.WriteByte('\r')
			default:
				sb.WriteByte(e)
			}
			lx.pos++
		default:
			sb.WriteByte(c)
			lx.pos++
		}
	}
	return fmt.Errorf("unterminated string starting at %d", start)
}

func (lx *lexer) scanNumber() error {
	start := lx.pos
	seenDot := false
	for lx.pos < len(lx.src) {
		c := lx.src[lx.pos]
		if c == '.' && !seenDot && lx.pos+1 < len(lx.src) && isDigit(lx.src[lx.pos+1]) {
			seenDot = true
			lx.pos++
			continue
		}
		if !isDigit(c) {
			break
		}
		lx.pos++
	}
	text := lx.src[start:lx.pos]
	n, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return fmt.Errorf("invalid number %q at %d", text, start)
	}
	lx.tokens = append(lx.tokens, token{kind: tokNumber, text: text, num: n, pos: start})
	return nil
}

func (lx *lexer) scanIdent() {
	start := lx.pos
	for lx.pos < len(lx.src) && isIdentPart(rune(lx.src[lx.pos])) {
		lx.pos++
	}
	lx.tokens = append(lx.tokens, token{kind: tokIdent, text: lx.src[start:lx.pos], pos: start})
}

func (lx *lexer) scanPunct() error {
	rest := lx.src[lx.pos:]
	for _, p := range punctuators {
		if strings.HasPrefix(rest, p) {
			lx.tokens = append(lx.tokens, token{kind: tokPunct, text: p, pos: lx.pos})
			lx.pos += len(p)
			return nil
		}
	}
	return fmt.Errorf("unexpected character %q at %d", rest[0], lx.pos)
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentStart(r rune) bool { return r == '_' || r == '$' || unicode.IsLetter(r) }

func isIdentPart(r rune) bool { return isIdentStart(r) || unicode.IsDigit(r) }
