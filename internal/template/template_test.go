package template_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/wittgen/lgdl/internal/template"
	"github.com/wittgen/lgdl/pkg/lgerr"
)

func ctx() map[string]any {
	return map[string]any{
		"doctor":   "Smith",
		"severity": 8.0,
		"count":    3,
		"patient": map[string]any{
			"name": "Alice",
			"age":  42,
		},
	}
}

// wantCode fails the test unless err carries the given code.
func wantCode(t *testing.T, err error, code lgerr.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with code %s, got nil", code)
	}
	if got := lgerr.CodeOf(err); got != code {
		t.Fatalf("expected code %s, got %s (%v)", code, got, err)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Variable form
// ─────────────────────────────────────────────────────────────────────────────

func TestRender_Variables(t *testing.T) {
	e := template.New()
	tests := []struct {
		name string
		tmpl string
		want string
	}{
		{"plain", "Hello {doctor}", "Hello Smith"},
		{"nested path", "Patient {patient.name} is {patient.age}", "Patient Alice is 42"},
		{"fallback used", "Room {room?unknown}", "Room unknown"},
		{"fallback unused", "Dr. {doctor?nobody}", "Dr. Smith"},
		{"numeric integral", "Severity {severity}", "Severity 8"},
		{"no tokens", "just text", "just text"},
		{"unterminated literal", "brace { left open", "brace { left open"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Render(tt.tmpl, ctx())
			if err != nil {
				t.Fatalf("Render: %v", err)
			}
			if got != tt.want {
				t.Errorf("Render = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRender_MissingVariableNoFallback(t *testing.T) {
	e := template.New()
	out, err := e.Render("Hello {nobody}", ctx())
	wantCode(t, err, lgerr.CodeMissingVariable)
	if out != "" {
		t.Errorf("failed render must produce no output, got %q", out)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Arithmetic form
// ─────────────────────────────────────────────────────────────────────────────

func TestRender_Arithmetic(t *testing.T) {
	e := template.New()
	tests := []struct {
		name string
		tmpl string
		want string
	}{
		{"add", "${1 + 2}", "3"},
		{"precedence", "${2 + 3 * 4}", "14"},
		{"parens", "${(2 + 3) * 4}", "20"},
		{"unary minus", "${-severity + 10}", "2"},
		{"identifier", "${severity * 2}", "16"},
		{"nested identifier", "${patient.age + 1}", "43"},
		{"floor div", "${7 // 2}", "3"},
		{"mod", "${7 % 3}", "1"},
		{"division", "${7 / 2}", "3.5"},
		{"mixed text", "total ${count + 1} items", "total 4 items"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Render(tt.tmpl, ctx())
			if err != nil {
				t.Fatalf("Render: %v", err)
			}
			if got != tt.want {
				t.Errorf("Render = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRender_ForbiddenConstructs(t *testing.T) {
	e := template.New()
	tests := []struct {
		name string
		expr string
	}{
		{"call", "${len(doctor)}"},
		{"subscript", "${patient[0]}"},
		{"exponentiation", "${2 ** 8}"},
		{"attribute chain call", "${patient.name()}"},
		{"lambda-ish", "${x => x}"},
		{"string literal", `${"boom"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Render(tt.expr, ctx())
			wantCode(t, err, lgerr.CodeExprForbidden)
		})
	}
}

func TestRender_ExprTooLong(t *testing.T) {
	e := template.New()
	expr := "1" + strings.Repeat("+1", 200) // > 256 characters of source
	out, err := e.Render("${"+expr+"}", ctx())
	wantCode(t, err, lgerr.CodeExprTooLong)
	if out != "" {
		t.Errorf("failed render must produce no output, got %q", out)
	}
}

func TestRender_Magnitude(t *testing.T) {
	e := template.New()

	if _, err := e.Render("${2000000000}", ctx()); !errors.Is(err, lgerr.New(lgerr.CodeExprMagnitude, "")) {
		t.Errorf("literal above 1e9 should fail with E012, got %v", err)
	}
	if _, err := e.Render("${999999999 + 999999999}", ctx()); lgerr.CodeOf(err) != lgerr.CodeExprMagnitude {
		t.Errorf("intermediate overflow should fail with E012, got %v", err)
	}
	if _, err := e.Render("${1 / 0}", ctx()); lgerr.CodeOf(err) != lgerr.CodeExprMagnitude {
		t.Errorf("division by zero should fail with E012, got %v", err)
	}
}

func TestRender_MissingIdentifierInArithmeticIsFatal(t *testing.T) {
	e := template.New()
	_, err := e.Render("${missing + 1}", ctx())
	wantCode(t, err, lgerr.CodeMissingVariable)
}

func TestEval_Direct(t *testing.T) {
	e := template.New()
	v, err := e.Eval("severity - 3", ctx())
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if v != 5 {
		t.Errorf("Eval = %v, want 5", v)
	}
}
