package service

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// FormulaVars holds the whitelisted variables available to a custom grading
// formula.
type FormulaVars struct {
	Grade      float64
	Attendance float64
	Bonus      float64
}

// Formula is a parsed custom grading expression. The grammar is deliberately
// restricted: numbers, the placeholders {grade}, {attendance} and {bonus},
// the four arithmetic operators and parentheses. No identifiers, no function
// calls, no dynamic evaluation.
type Formula struct {
	root formulaNode
	src  string
}

// ParseFormula parses the expression and reports grammar violations.
func ParseFormula(src string) (*Formula, error) {
	p := &formulaParser{input: src}
	node, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	p.skipSpaces()
	if p.pos < len(p.input) {
		return nil, fmt.Errorf("unexpected character %q at position %d", p.input[p.pos], p.pos)
	}
	return &Formula{root: node, src: src}, nil
}

// Eval computes the formula against the provided variables.
func (f *Formula) Eval(vars FormulaVars) (float64, error) {
	return f.root.eval(vars)
}

// String returns the original expression text.
func (f *Formula) String() string {
	return f.src
}

type formulaNode interface {
	eval(FormulaVars) (float64, error)
}

type numberNode float64

func (n numberNode) eval(FormulaVars) (float64, error) { return float64(n), nil }

type varNode string

func (v varNode) eval(vars FormulaVars) (float64, error) {
	switch string(v) {
	case "grade":
		return vars.Grade, nil
	case "attendance":
		return vars.Attendance, nil
	case "bonus":
		return vars.Bonus, nil
	}
	return 0, fmt.Errorf("unknown variable {%s}", string(v))
}

type binaryNode struct {
	op          byte
	left, right formulaNode
}

func (b binaryNode) eval(vars FormulaVars) (float64, error) {
	left, err := b.left.eval(vars)
	if err != nil {
		return 0, err
	}
	right, err := b.right.eval(vars)
	if err != nil {
		return 0, err
	}
	switch b.op {
	case '+':
		return left + right, nil
	case '-':
		return left - right, nil
	case '*':
		return left * right, nil
	case '/':
		if right == 0 {
			return 0, fmt.Errorf("division by zero")
		}
		return left / right, nil
	}
	return 0, fmt.Errorf("unknown operator %q", b.op)
}

// formulaParser is a small recursive-descent parser with the usual
// precedence: term ((+|-) term)*, factor ((*|/) factor)*.
type formulaParser struct {
	input string
	pos   int
}

func (p *formulaParser) parseExpr() (formulaNode, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for {
		p.skipSpaces()
		if p.pos >= len(p.input) {
			return left, nil
		}
		op := p.input[p.pos]
		if op != '+' && op != '-' {
			return left, nil
		}
		p.pos++
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: op, left: left, right: right}
	}
}

func (p *formulaParser) parseTerm() (formulaNode, error) {
	left, err := p.parseFactor()
	if err != nil {
		return nil, err
	}
	for {
		p.skipSpaces()
		if p.pos >= len(p.input) {
			return left, nil
		}
		op := p.input[p.pos]
		if op != '*' && op != '/' {
			return left, nil
		}
		p.pos++
		right, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: op, left: left, right: right}
	}
}

func (p *formulaParser) parseFactor() (formulaNode, error) {
	p.skipSpaces()
	if p.pos >= len(p.input) {
		return nil, fmt.Errorf("unexpected end of expression")
	}
	switch c := p.input[p.pos]; {
	case c == '(':
		p.pos++
		node, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		p.skipSpaces()
		if p.pos >= len(p.input) || p.input[p.pos] != ')' {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return node, nil
	case c == '{':
		end := strings.IndexByte(p.input[p.pos:], '}')
		if end < 0 {
			return nil, fmt.Errorf("unterminated placeholder at position %d", p.pos)
		}
		name := p.input[p.pos+1 : p.pos+end]
		switch name {
		case "grade", "attendance", "bonus":
		default:
			return nil, fmt.Errorf("placeholder {%s} is not allowed", name)
		}
		p.pos += end + 1
		return varNode(name), nil
	case c == '-':
		// Unary minus.
		p.pos++
		node, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		return binaryNode{op: '-', left: numberNode(0), right: node}, nil
	case unicode.IsDigit(rune(c)) || c == '.':
		start := p.pos
		for p.pos < len(p.input) && (unicode.IsDigit(rune(p.input[p.pos])) || p.input[p.pos] == '.') {
			p.pos++
		}
		value, err := strconv.ParseFloat(p.input[start:p.pos], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", p.input[start:p.pos])
		}
		return numberNode(value), nil
	default:
		return nil, fmt.Errorf("unexpected character %q at position %d", c, p.pos)
	}
}

func (p *formulaParser) skipSpaces() {
	for p.pos < len(p.input) && p.input[p.pos] == ' ' {
		p.pos++
	}
}
