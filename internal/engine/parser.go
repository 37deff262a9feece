package engine

import (
	"fmt"
	"strings"
)

// Boolean expressions over named sub-rules, grammar by precedence low to
// high:
//
//	or      := and ("OR" and)*
//	and     := not ("AND" not)*
//	not     := "NOT" not | primary
//	primary := IDENT | "(" or ")"
//
// Operators are the upper-case words AND, OR, NOT; any other identifier
// names a sub-rule. Evaluation is eager so the composed reason always
// carries both sides of a binary operator.

type tokenKind int

const (
	tokenIdent tokenKind = iota
	tokenAnd
	tokenOr
	tokenNot
	tokenLParen
	tokenRParen
)

type token struct {
	kind  tokenKind
	value string
}

func tokenize(expression string) ([]token, error) {
	var tokens []token
	runes := []rune(expression)

	for pos := 0; pos < len(runes); {
		ch := runes[pos]
		switch {
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			pos++
		case ch == '(':
			tokens = append(tokens, token{kind: tokenLParen, value: "("})
			pos++
		case ch == ')':
			tokens = append(tokens, token{kind: tokenRParen, value: ")"})
			pos++
		case isIdentStart(ch):
			start := pos
			for pos < len(runes) && isIdentPart(runes[pos]) {
				pos++
			}
			word := string(runes[start:pos])
			switch word {
			case "AND":
				tokens = append(tokens, token{kind: tokenAnd, value: word})
			case "OR":
				tokens = append(tokens, token{kind: tokenOr, value: word})
			case "NOT":
				tokens = append(tokens, token{kind: tokenNot, value: word})
			default:
				tokens = append(tokens, token{kind: tokenIdent, value: word})
			}
		default:
			return nil, fmt.Errorf("unknown character at position %d: %q", pos, string(ch))
		}
	}

	return tokens, nil
}

func isIdentStart(ch rune) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func isIdentPart(ch rune) bool {
	return isIdentStart(ch) || (ch >= '0' && ch <= '9')
}

// subResolver evaluates one named sub-rule by its identifier.
type subResolver func(name string) (bool, string, error)

// exprNode is one node of the parsed expression tree.
type exprNode interface {
	eval(resolve subResolver) (bool, string, error)
	idents(into map[string]struct{})
}

type identNode struct {
	name string
}

func (n *identNode) eval(resolve subResolver) (bool, string, error) {
	return resolve(n.name)
}

func (n *identNode) idents(into map[string]struct{}) {
	into[n.name] = struct{}{}
}

type notNode struct {
	operand exprNode
}

func (n *notNode) eval(resolve subResolver) (bool, string, error) {
	fired, reason, err := n.operand.eval(resolve)
	if err != nil {
		return false, "", err
	}
	return !fired, "NOT (" + reason + ")", nil
}

func (n *notNode) idents(into map[string]struct{}) {
	n.operand.idents(into)
}

type binaryNode struct {
	op          string // "AND" or "OR"
	left, right exprNode
}

func (n *binaryNode) eval(resolve subResolver) (bool, string, error) {
	leftFired, leftReason, err := n.left.eval(resolve)
	if err != nil {
		return false, "", err
	}
	rightFired, rightReason, err := n.right.eval(resolve)
	if err != nil {
		return false, "", err
	}

	var fired bool
	if n.op == "AND" {
		fired = leftFired && rightFired
	} else {
		fired = leftFired || rightFired
	}
	return fired, "(" + leftReason + ") " + n.op + " (" + rightReason + ")", nil
}

func (n *binaryNode) idents(into map[string]struct{}) {
	n.left.idents(into)
	n.right.idents(into)
}

// exprParser is a recursive descent parser over the token stream.
type exprParser struct {
	tokens []token
	pos    int
}

// parseExpression parses a full boolean expression into its tree, rejecting
// trailing tokens.
func parseExpression(expression string) (exprNode, error) {
	tokens, err := tokenize(expression)
	if err != nil {
		return nil, err
	}

	p := &exprParser{tokens: tokens}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}

	if p.pos < len(p.tokens) {
		rest := make([]string, 0, len(p.tokens)-p.pos)
		for _, t := range p.tokens[p.pos:] {
			rest = append(rest, t.value)
		}
		return nil, fmt.Errorf("unexpected trailing tokens: %s", strings.Join(rest, " "))
	}

	return node, nil
}

func (p *exprParser) parseOr() (exprNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}

	for p.peek(tokenOr) {
		p.pos++
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: "OR", left: left, right: right}
	}

	return left, nil
}

func (p *exprParser) parseAnd() (exprNode, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}

	for p.peek(tokenAnd) {
		p.pos++
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: "AND", left: left, right: right}
	}

	return left, nil
}

func (p *exprParser) parseNot() (exprNode, error) {
	if p.peek(tokenNot) {
		p.pos++
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &notNode{operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *exprParser) parsePrimary() (exprNode, error) {
	if p.pos >= len(p.tokens) {
		return nil, fmt.Errorf("unexpected end of expression")
	}

	tok := p.tokens[p.pos]
	switch tok.kind {
	case tokenLParen:
		p.pos++
		node, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if !p.peek(tokenRParen) {
			return nil, fmt.Errorf("expected closing parenthesis")
		}
		p.pos++
		return node, nil
	case tokenIdent:
		p.pos++
		return &identNode{name: tok.value}, nil
	default:
		return nil, fmt.Errorf("unexpected token: %s", tok.value)
	}
}

func (p *exprParser) peek(kind tokenKind) bool {
	return p.pos < len(p.tokens) && p.tokens[p.pos].kind == kind
}
