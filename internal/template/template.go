// Package template renders LGDL response templates with a hard trust boundary.
//
// Two token forms are supported:
//
//   - Variable form {path?fallback} — dictionary traversal over the context
//     mapping with an optional literal fallback.
//   - Arithmetic form ${expr} — a constrained arithmetic expression evaluated
//     over numeric context values.
//
// All generated text is user-visible, so the arithmetic grammar is a strict
// whitelist: literals, identifiers, unary minus, the binary operators
// + - * / // %, and parentheses. Anything else is rejected with E010 before
// evaluation. Rendered output never executes code from the context; rejection
// raises a coded error rather than substituting a fallback.
package template

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/wittgen/lgdl/pkg/lgerr"
)

const (
	// maxExprLen caps the source length of a single ${expr} token.
	maxExprLen = 256

	// maxMagnitude bounds every intermediate and final arithmetic value.
	maxMagnitude = 1e9
)

// Engine renders templates against a context mapping. The zero value is ready
// to use; Engine is stateless and safe for concurrent use.
type Engine struct{}

// New returns a template Engine.
func New() *Engine { return &Engine{} }

// Render expands all {path?fallback} and ${expr} tokens in tmpl using ctx.
// The first failing token aborts the render with a coded error; no partial
// output is returned.
func (e *Engine) Render(tmpl string, ctx map[string]any) (string, error) {
	var out strings.Builder
	i := 0
	for i < len(tmpl) {
		switch {
		case strings.HasPrefix(tmpl[i:], "${"):
			end := findClose(tmpl, i+2)
			if end < 0 {
				// Unterminated token: treat the rest as literal text.
				out.WriteString(tmpl[i:])
				return out.String(), nil
			}
			expr := tmpl[i+2 : end]
			v, err := e.Eval(expr, ctx)
			if err != nil {
				return "", err
			}
			out.WriteString(formatNumber(v))
			i = end + 1

		case tmpl[i] == '{':
			end := findClose(tmpl, i+1)
			if end < 0 {
				out.WriteString(tmpl[i:])
				return out.String(), nil
			}
			token := tmpl[i+1 : end]
			s, err := e.expandVariable(token, ctx)
			if err != nil {
				return "", err
			}
			out.WriteString(s)
			i = end + 1

		default:
			out.WriteByte(tmpl[i])
			i++
		}
	}
	return out.String(), nil
}

// Eval parses and evaluates a single arithmetic expression. Exposed so that
// capability argument bindings can reuse the same whitelist.
func (e *Engine) Eval(expr string, ctx map[string]any) (float64, error) {
	if len(expr) > maxExprLen {
		return 0, lgerr.New(lgerr.CodeExprTooLong,
			"expression is %d characters, limit is %d", len(expr), maxExprLen)
	}
	p := &parser{src: expr, ctx: ctx}
	v, err := p.parseExpr()
	if err != nil {
		return 0, err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return 0, lgerr.New(lgerr.CodeExprForbidden,
			"unexpected %q at offset %d", p.src[p.pos:], p.pos)
	}
	return v, nil
}

// expandVariable resolves a {path?fallback} token.
func (e *Engine) expandVariable(token string, ctx map[string]any) (string, error) {
	path, fallback, hasFallback := strings.Cut(token, "?")
	v, ok := Lookup(ctx, strings.TrimSpace(path))
	if !ok {
		if hasFallback {
			return fallback, nil
		}
		return "", lgerr.New(lgerr.CodeMissingVariable, "variable %q has no value", path)
	}
	if f, ok := toFloat(v); ok {
		return formatNumber(f), nil
	}
	return fmt.Sprint(v), nil
}

// Lookup traverses a dot-separated path through nested map[string]any values.
func Lookup(ctx map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = ctx
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// findClose returns the index of the '}' closing a token opened just before
// start, or -1 when the token is unterminated.
func findClose(s string, start int) int {
	for i := start; i < len(s); i++ {
		if s[i] == '}' {
			return i
		}
	}
	return -1
}

// formatNumber renders a float without a trailing ".0" for integral values.
func formatNumber(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatFloat(f, 'f', 0, 64)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// toFloat coerces the numeric types a context mapping may carry.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// ─────────────────────────────────────────────────────────────────────────────
// Arithmetic parser
// ─────────────────────────────────────────────────────────────────────────────

// parser is a recursive-descent parser for the whitelisted arithmetic grammar:
//
//	expr    := term (('+' | '-') term)*
//	term    := unary (('*' | '//' | '/' | '%') unary)*
//	unary   := '-' unary | primary
//	primary := number | identifier | '(' expr ')'
//
// The grammar itself is the whitelist: any construct outside it fails to parse
// and is reported as E010.
type parser struct {
	src string
	pos int
	ctx map[string]any
}

func (p *parser) skipSpace() {
	for p.pos < len(p.src) && (p.src[p.pos] == ' ' || p.src[p.pos] == '\t') {
		p.pos++
	}
}

func (p *parser) peek() byte {
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

func (p *parser) parseExpr() (float64, error) {
	v, err := p.parseTerm()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpace()
		switch p.peek() {
		case '+':
			p.pos++
			r, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			if v, err = checked(v + r); err != nil {
				return 0, err
			}
		case '-':
			p.pos++
			r, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			if v, err = checked(v - r); err != nil {
				return 0, err
			}
		default:
			return v, nil
		}
	}
}

func (p *parser) parseTerm() (float64, error) {
	v, err := p.parseUnary()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpace()
		switch {
		case p.peek() == '*':
			// '**' (exponentiation) is outside the whitelist.
			if p.pos+1 < len(p.src) && p.src[p.pos+1] == '*' {
				return 0, lgerr.New(lgerr.CodeExprForbidden, "exponentiation is not permitted")
			}
			p.pos++
			r, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			if v, err = checked(v * r); err != nil {
				return 0, err
			}
		case strings.HasPrefix(p.src[p.pos:], "//"):
			p.pos += 2
			r, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			if v, err = checked(math.Floor(v / r)); err != nil {
				return 0, err
			}
		case p.peek() == '/':
			p.pos++
			r, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			if v, err = checked(v / r); err != nil {
				return 0, err
			}
		case p.peek() == '%':
			p.pos++
			r, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			if v, err = checked(math.Mod(v, r)); err != nil {
				return 0, err
			}
		default:
			return v, nil
		}
	}
}

func (p *parser) parseUnary() (float64, error) {
	p.skipSpace()
	if p.peek() == '-' {
		p.pos++
		v, err := p.parseUnary()
		if err != nil {
			return 0, err
		}
		return -v, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (float64, error) {
	p.skipSpace()
	c := p.peek()
	switch {
	case c == '(':
		p.pos++
		v, err := p.parseExpr()
		if err != nil {
			return 0, err
		}
		p.skipSpace()
		if p.peek() != ')' {
			return 0, lgerr.New(lgerr.CodeExprForbidden, "missing closing parenthesis")
		}
		p.pos++
		return v, nil

	case c >= '0' && c <= '9' || c == '.':
		return p.parseNumber()

	case isIdentStart(c):
		return p.parseIdentifier()
	}
	return 0, lgerr.New(lgerr.CodeExprForbidden, "unexpected character %q at offset %d", string(c), p.pos)
}

func (p *parser) parseNumber() (float64, error) {
	start := p.pos
	for p.pos < len(p.src) && (p.src[p.pos] >= '0' && p.src[p.pos] <= '9' || p.src[p.pos] == '.') {
		p.pos++
	}
	f, err := strconv.ParseFloat(p.src[start:p.pos], 64)
	if err != nil {
		return 0, lgerr.New(lgerr.CodeExprForbidden, "malformed number %q", p.src[start:p.pos])
	}
	return checked(f)
}

// parseIdentifier resolves a dot-separated identifier path against the
// context. A missing or non-numeric value is fatal here: inside arithmetic
// there is no fallback form.
func (p *parser) parseIdentifier() (float64, error) {
	start := p.pos
	for p.pos < len(p.src) && (isIdentStart(p.src[p.pos]) ||
		p.src[p.pos] >= '0' && p.src[p.pos] <= '9' || p.src[p.pos] == '.') {
		p.pos++
	}
	name := p.src[start:p.pos]

	// A '(' directly after an identifier would be a call — not in the grammar.
	p.skipSpace()
	if p.peek() == '(' {
		return 0, lgerr.New(lgerr.CodeExprForbidden, "function call %q is not permitted", name)
	}
	if p.peek() == '[' {
		return 0, lgerr.New(lgerr.CodeExprForbidden, "subscript on %q is not permitted", name)
	}

	v, ok := Lookup(p.ctx, name)
	if !ok {
		return 0, lgerr.New(lgerr.CodeMissingVariable,
			"variable %q used in arithmetic has no value", name)
	}
	f, ok := toFloat(v)
	if !ok {
		if s, isStr := v.(string); isStr {
			if parsed, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				return checked(parsed)
			}
		}
		return 0, lgerr.New(lgerr.CodeExprForbidden,
			"variable %q is not numeric", name)
	}
	return checked(f)
}

// checked enforces the magnitude bound on every intermediate value. NaN and
// infinite results (division by zero) are also out of bounds.
func checked(f float64) (float64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || math.Abs(f) > maxMagnitude {
		return 0, lgerr.New(lgerr.CodeExprMagnitude,
			"value %g exceeds the permitted magnitude ±1e9", f)
	}
	return f, nil
}

func isIdentStart(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_'
}
