// Package ir compiles a validated LGDL AST into the immutable runtime IR.
//
// Compilation is a pure function of the AST: pattern placeholders become named
// regex capture groups, symbolic confidence bands resolve to numeric
// thresholds, slot and action schemas are normalised into tagged variants, and
// the union of all capability references becomes the game's allowlist.
//
// All validation failures are fatal and coded (E100–E199); a game that fails
// compilation is never registered.
package ir

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/wittgen/lgdl/internal/ast"
	"github.com/wittgen/lgdl/pkg/game"
	"github.com/wittgen/lgdl/pkg/lgerr"
)

// placeholderRe matches {name} capture placeholders in trigger patterns.
var placeholderRe = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// Compile transforms an AST game into its runtime IR. The first validation
// failure aborts compilation.
func Compile(src *ast.Game) (*game.Game, error) {
	g := &game.Game{
		ID:                  src.ID,
		Name:                src.Name,
		Version:             src.Version,
		Description:         src.Description,
		Vocabulary:          make(map[string][]string, len(src.Vocabulary)),
		CapabilityAllowlist: make(map[string]struct{}),
	}
	for _, v := range src.Vocabulary {
		g.Vocabulary[v.Term] = append([]string(nil), v.Synonyms...)
	}

	declaredServices := make(map[string]struct{}, len(src.Services))
	for _, s := range src.Services {
		declaredServices[s.Name] = struct{}{}
	}

	seen := make(map[string]struct{}, len(src.Moves))
	for i := range src.Moves {
		mv := &src.Moves[i]
		if _, dup := seen[mv.ID]; dup {
			return nil, lgerr.New(lgerr.CodeDuplicateMove, "move id %q declared twice", mv.ID).
				At("move " + mv.ID)
		}
		seen[mv.ID] = struct{}{}

		compiled, err := compileMove(mv, declaredServices, g.CapabilityAllowlist)
		if err != nil {
			return nil, err
		}
		g.Moves = append(g.Moves, compiled)
	}
	return g, nil
}

func compileMove(mv *ast.Move, services map[string]struct{}, allowlist map[string]struct{}) (*game.Move, error) {
	m := &game.Move{
		ID:             mv.ID,
		Slots:          make(map[string]*game.SlotDef),
		SlotPrompts:    make(map[string]string),
		SlotConditions: make(map[string][]game.Action),
	}

	// ── Slots first: pattern captures are validated against them. ────────────
	if mv.SlotBlock != nil {
		for i := range mv.SlotBlock.Definitions {
			def, err := compileSlot(&mv.SlotBlock.Definitions[i], mv.ID)
			if err != nil {
				return nil, err
			}
			m.Slots[def.Name] = def
			m.SlotOrder = append(m.SlotOrder, def.Name)
		}
		for name, prompt := range mv.SlotBlock.Prompts {
			m.SlotPrompts[name] = prompt
		}
		for _, cond := range mv.SlotBlock.Conditions {
			actions, err := compileActions(cond.Actions, mv.ID, services, allowlist)
			if err != nil {
				return nil, err
			}
			m.SlotConditions[cond.Key] = actions
		}
	}

	// ── Triggers ─────────────────────────────────────────────────────────────
	for ti, trig := range mv.Triggers {
		p, err := compilePattern(trig, m.Slots, fmt.Sprintf("move %s, trigger %d", mv.ID, ti))
		if err != nil {
			return nil, err
		}
		m.Triggers = append(m.Triggers, p)
	}

	// ── Confidence ───────────────────────────────────────────────────────────
	threshold, err := resolveConfidence(mv.Confidence, mv.ID)
	if err != nil {
		return nil, err
	}
	m.Threshold = threshold

	// ── Guards ───────────────────────────────────────────────────────────────
	for _, src := range mv.Guards {
		m.Guards = append(m.Guards, CompileGuard(src))
	}

	// ── Blocks ───────────────────────────────────────────────────────────────
	for bi, blk := range mv.Blocks {
		actions, err := compileActions(blk.Actions, mv.ID, services, allowlist)
		if err != nil {
			return nil, err
		}
		cond, guard := compileCondition(blk.Condition)
		m.Blocks = append(m.Blocks, game.Block{Condition: cond, Guard: guard, Actions: actions})

		// The ask inside an uncertain block is the move's negotiation clarify.
		if cond == game.CondUncertain && m.ClarifyAction == nil {
			for _, a := range actions {
				if a.Kind == game.ActionClarify {
					if len(a.Clarify.Options) == 0 {
						return nil, lgerr.New(lgerr.CodeClarifyNoOptions,
							"clarify action in uncertain block has no options").
							At(fmt.Sprintf("move %s, block %d", mv.ID, bi))
					}
					m.ClarifyAction = a.Clarify
					break
				}
			}
		}
	}

	return m, nil
}

// compilePattern converts a trigger's {name} placeholders into named,
// non-greedy capture groups, escaping everything else as a literal. Strict
// patterns are anchored; all patterns match case-insensitively.
func compilePattern(trig ast.Trigger, slots map[string]*game.SlotDef, loc string) (*game.Pattern, error) {
	p := &game.Pattern{
		Raw:       trig.Pattern,
		Modifiers: make(map[game.PatternModifier]struct{}, len(trig.Modifiers)),
	}
	for _, mod := range trig.Modifiers {
		p.Modifiers[game.PatternModifier(mod)] = struct{}{}
	}

	var sb strings.Builder
	sb.WriteString("(?i)")
	if p.HasModifier(game.ModifierStrict) {
		sb.WriteString(`^\s*`)
	}

	rest := trig.Pattern
	for {
		loc2 := placeholderRe.FindStringSubmatchIndex(rest)
		if loc2 == nil {
			sb.WriteString(regexp.QuoteMeta(rest))
			break
		}
		name := rest[loc2[2]:loc2[3]]
		if _, declared := slots[name]; !declared {
			return nil, lgerr.New(lgerr.CodeUnknownSlotRef,
				"pattern references slot %q which the move does not declare", name).At(loc)
		}
		p.CaptureNames = append(p.CaptureNames, name)
		sb.WriteString(regexp.QuoteMeta(rest[:loc2[0]]))
		// Conservative permissive capture: a non-greedy token sequence.
		sb.WriteString(`(?P<` + name + `>\S.*?)`)
		rest = rest[loc2[1]:]
	}

	if p.HasModifier(game.ModifierStrict) {
		sb.WriteString(`\s*$`)
	}

	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, lgerr.Wrap(lgerr.CodeBadPattern, err,
			"pattern %q does not compile", trig.Pattern).At(loc)
	}
	p.Regex = re
	return p, nil
}

// resolveConfidence maps a band or literal to a numeric threshold. A move
// without a confidence spec defaults to the medium band.
func resolveConfidence(c *ast.Confidence, moveID string) (float64, error) {
	if c == nil {
		return game.BandThresholds[game.BandMedium], nil
	}
	if c.Literal != nil {
		v := *c.Literal
		if v < 0 || v > 1 {
			return 0, lgerr.New(lgerr.CodeBadConfidence,
				"confidence literal %g outside [0,1]", v).At("move " + moveID)
		}
		return v, nil
	}
	t, ok := game.BandThresholds[game.ConfidenceBand(c.Band)]
	if !ok {
		return 0, lgerr.New(lgerr.CodeBadConfidence,
			"unknown confidence band %q", c.Band).At("move " + moveID)
	}
	return t, nil
}

func compileSlot(def *ast.SlotDefinition, moveID string) (*game.SlotDef, error) {
	s := &game.SlotDef{
		Name:     def.Name,
		Kind:     game.SlotKind(def.Type),
		Required: def.Required,
		Strategy: game.ExtractionStrategy(def.Strategy),
		Hints:    append([]string(nil), def.Hints...),
	}
	loc := fmt.Sprintf("move %s, slot %s", moveID, def.Name)

	switch s.Kind {
	case game.SlotString, game.SlotNumber, game.SlotTimeframe, game.SlotDate:
		// No parameters.
	case game.SlotRange:
		if def.Min == nil || def.Max == nil {
			return nil, lgerr.New(lgerr.CodeInvertedRange, "range slot needs both min and max").At(loc)
		}
		if *def.Min > *def.Max {
			return nil, lgerr.New(lgerr.CodeInvertedRange,
				"range slot min %g > max %g", *def.Min, *def.Max).At(loc)
		}
		s.Min, s.Max = *def.Min, *def.Max
	case game.SlotEnum:
		if len(def.Values) == 0 {
			return nil, lgerr.New(lgerr.CodeEmptyEnum, "enum slot declared with no values").At(loc)
		}
		s.Values = append([]string(nil), def.Values...)
	default:
		return nil, lgerr.New(lgerr.CodeBadPattern, "unknown slot type %q", def.Type).At(loc)
	}

	if def.Default != nil {
		s.HasDefault = true
		s.Default = *def.Default
	}
	return s, nil
}

func compileActions(src []ast.Action, moveID string, services map[string]struct{}, allowlist map[string]struct{}) ([]game.Action, error) {
	out := make([]game.Action, 0, len(src))
	for _, a := range src {
		switch a.Type {
		case "respond":
			out = append(out, game.Action{Kind: game.ActionRespond, Template: a.Template})
		case "offer_choices":
			out = append(out, game.Action{Kind: game.ActionOfferChoices, Choices: append([]string(nil), a.Choices...)})
		case "clarify":
			out = append(out, game.Action{Kind: game.ActionClarify, Clarify: &game.ClarifyAction{
				Prompt:  a.Prompt,
				Options: append([]string(nil), a.Options...),
			}})
		case "capability":
			inv := a.Capability
			if inv == nil {
				return nil, lgerr.New(lgerr.CodeUnknownCapability,
					"capability action without an invocation spec").At("move " + moveID)
			}
			if _, ok := services[inv.Service]; !ok {
				return nil, lgerr.New(lgerr.CodeUnknownCapability,
					"capability %s.%s references undeclared service %q",
					inv.Service, inv.Function, inv.Service).At("move " + moveID)
			}
			ca := &game.CapabilityAction{
				Service:        inv.Service,
				Function:       inv.Function,
				Await:          inv.Await,
				TimeoutSeconds: inv.TimeoutSeconds,
				ArgBindings:    inv.Args,
			}
			allowlist[ca.Qualified()] = struct{}{}
			out = append(out, game.Action{Kind: game.ActionCapability, Capability: ca})
		case "escalate":
			out = append(out, game.Action{Kind: game.ActionEscalate, Target: a.Target})
		default:
			return nil, lgerr.New(lgerr.CodeBadPattern, "unknown action type %q", a.Type).
				At("move " + moveID)
		}
	}
	return out, nil
}

// compileCondition maps a block condition string to its kind. Unrecognised
// conditions are treated as guard expressions, optionally prefixed "when ".
func compileCondition(cond string) (game.ConditionKind, *game.Guard) {
	switch cond {
	case "confident":
		return game.CondConfident, nil
	case "uncertain":
		return game.CondUncertain, nil
	case "successful":
		return game.CondSuccessful, nil
	case "failed":
		return game.CondFailed, nil
	}
	expr := strings.TrimPrefix(cond, "when ")
	g := CompileGuard(expr)
	return game.CondGuarded, &g
}
