package ir

import (
	"strconv"
	"strings"

	"github.com/wittgen/lgdl/internal/template"
	"github.com/wittgen/lgdl/pkg/game"
)

// CompileGuard compiles a boolean guard expression over the extracted context.
//
// The grammar is deliberately tiny:
//
//	guard  := clause (" and " clause)*
//	clause := path op literal | "not " path | path
//	op     := "==" | "!=" | ">=" | "<=" | ">" | "<"
//
// A bare path is truthy when the key exists and is not "", "false", or 0.
// Guards never mutate the context; an unparseable clause evaluates to false.
func CompileGuard(src string) game.Guard {
	clauses := strings.Split(src, " and ")
	evals := make([]func(map[string]any) bool, 0, len(clauses))
	for _, c := range clauses {
		evals = append(evals, compileClause(strings.TrimSpace(c)))
	}
	return game.Guard{
		Source: src,
		Eval: func(ctx map[string]any) bool {
			for _, ev := range evals {
				if !ev(ctx) {
					return false
				}
			}
			return true
		},
	}
}

func compileClause(clause string) func(map[string]any) bool {
	if rest, ok := strings.CutPrefix(clause, "not "); ok {
		inner := compileClause(strings.TrimSpace(rest))
		return func(ctx map[string]any) bool { return !inner(ctx) }
	}

	for _, op := range []string{"==", "!=", ">=", "<=", ">", "<"} {
		if left, right, found := strings.Cut(clause, op); found {
			path := strings.TrimSpace(left)
			lit := strings.Trim(strings.TrimSpace(right), `"'`)
			return func(ctx map[string]any) bool {
				v, ok := template.Lookup(ctx, path)
				if !ok {
					return op == "!="
				}
				return compare(v, op, lit)
			}
		}
	}

	// Bare path: truthiness check.
	path := clause
	return func(ctx map[string]any) bool {
		v, ok := template.Lookup(ctx, path)
		if !ok {
			return false
		}
		switch t := v.(type) {
		case bool:
			return t
		case string:
			return t != "" && !strings.EqualFold(t, "false")
		case float64:
			return t != 0
		case int:
			return t != 0
		}
		return true
	}
}

// compare applies op between a context value and a literal. Numeric comparison
// is used when both sides parse as numbers, string comparison otherwise.
func compare(v any, op, lit string) bool {
	ls := toString(v)
	lf, lerr := strconv.ParseFloat(ls, 64)
	rf, rerr := strconv.ParseFloat(lit, 64)
	if lerr == nil && rerr == nil {
		switch op {
		case "==":
			return lf == rf
		case "!=":
			return lf != rf
		case ">":
			return lf > rf
		case "<":
			return lf < rf
		case ">=":
			return lf >= rf
		case "<=":
			return lf <= rf
		}
		return false
	}
	switch op {
	case "==":
		return strings.EqualFold(ls, lit)
	case "!=":
		return !strings.EqualFold(ls, lit)
	}
	return false
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}
