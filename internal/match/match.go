// Package match implements the three-stage cascade that selects the best move
// for a user utterance.
//
// The stages run cheapest-first and short-circuit aggressively:
//
//  1. Lexical: compiled trigger regexes against the normalized input. A regex
//     hit scores 1.0 and yields named captures. Patterns carrying the fuzzy
//     modifier additionally score near-misses with Jaro-Winkler similarity.
//  2. Embedding: cosine similarity between the input vector and each trigger
//     pattern's vector, resolved through the versioned embedding store.
//  3. LLM semantic: a structured-output judgement request, attempted only when
//     the global best is still below the embedding cutoff and the per-turn
//     cost budget has headroom.
//
// A move whose lexical score reaches the lexical short-circuit skips its
// later stages; a global best at or above the global short-circuit stops the
// whole cascade. Patterns marked strict never score through stages 2 or 3.
//
// Every per-stage score is recorded as "stage:move_id=score" provenance for
// the turn manifest.
package match

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/wittgen/lgdl/internal/embedstore"
	"github.com/wittgen/lgdl/pkg/game"
	"github.com/wittgen/lgdl/pkg/provider/llm"
)

// Default cascade tuning. Each value is overridable with an [Option].
const (
	defaultLexicalShortCircuit = 0.75
	defaultEmbeddingCutoff     = 0.80
	defaultGlobalShortCircuit  = 0.90
	defaultFuzzyThreshold      = 0.85
	defaultCostBudgetUSD       = 0.01

	// Per-1K-token prices used for the cost estimate. Defaults approximate a
	// small judgement model; override to match the configured provider.
	defaultPromptPricePer1K     = 0.00015
	defaultCompletionPricePer1K = 0.0006
)

// Stage identifies which cascade stage produced a score. Ordering matters:
// lower values are earlier (cheaper) stages and win score ties.
type Stage int

const (
	StageNone Stage = iota
	StageLexical
	StageEmbedding
	StageLLM
)

// String returns the provenance label for the stage.
func (s Stage) String() string {
	switch s {
	case StageLexical:
		return "lexical"
	case StageEmbedding:
		return "embedding"
	case StageLLM:
		return "llm"
	default:
		return "none"
	}
}

// Input carries the utterance plus the conversational context the LLM stage
// folds into its prompt and guards evaluate against.
type Input struct {
	// Text is the sanitized, normalized utterance to match.
	Text string

	// History holds recent turns, oldest first, for the LLM prompt.
	History []game.Turn

	// Slots are the currently filled slot values for the conversation.
	Slots map[string]string

	// Context is the extracted-context mapping move guards evaluate against.
	Context map[string]any
}

// Result is the cascade's answer for one utterance.
type Result struct {
	// Move is the selected move. Never nil in a returned Result; a nil *Result
	// means nothing scored at all.
	Move *game.Move

	// Score is the winning score in [0, 1].
	Score float64

	// Stage is the stage that produced the winning score.
	Stage Stage

	// Captures maps slot names to raw strings pulled from the winning
	// pattern's named capture groups. Only lexical matches produce captures.
	Captures map[string]string

	// Provenance lists every per-stage per-move score as "stage:move=score",
	// in evaluation order.
	Provenance []string

	// CostUSD is the estimated LLM spend for this match.
	CostUSD float64

	// StageLatency records wall time spent per stage.
	StageLatency map[Stage]time.Duration
}

// tuning holds the cascade thresholds and prices. A Matcher publishes its
// current tuning through an atomic pointer so [Matcher.Retune] can swap it
// without racing in-flight matches, which read one snapshot for their whole
// cascade.
type tuning struct {
	lexicalShortCircuit float64
	embeddingCutoff     float64
	globalShortCircuit  float64
	fuzzyThreshold      float64
	costBudget          float64
	promptPrice         float64
	completionPrice     float64
}

// Option configures a [Matcher]'s tuning.
type Option func(*tuning)

// WithLexicalShortCircuit sets the per-move score at which later stages are
// skipped for that move. Default: 0.75.
func WithLexicalShortCircuit(v float64) Option {
	return func(t *tuning) { t.lexicalShortCircuit = v }
}

// WithEmbeddingCutoff sets the global score below which the LLM stage is
// attempted. Default: 0.80.
func WithEmbeddingCutoff(v float64) Option {
	return func(t *tuning) { t.embeddingCutoff = v }
}

// WithGlobalShortCircuit sets the global best score at which remaining moves
// are skipped entirely. Default: 0.90.
func WithGlobalShortCircuit(v float64) Option {
	return func(t *tuning) { t.globalShortCircuit = v }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler similarity for a
// fuzzy-modified pattern to score without a regex hit. Default: 0.85.
func WithFuzzyThreshold(v float64) Option {
	return func(t *tuning) { t.fuzzyThreshold = v }
}

// WithCostBudget sets the per-turn estimated LLM budget in USD. Default: 0.01.
func WithCostBudget(usd float64) Option {
	return func(t *tuning) { t.costBudget = usd }
}

// WithTokenPrices sets the per-1K-token prompt and completion prices used for
// cost accounting.
func WithTokenPrices(promptPer1K, completionPer1K float64) Option {
	return func(t *tuning) {
		t.promptPrice = promptPer1K
		t.completionPrice = completionPer1K
	}
}

// Matcher runs the cascade. Safe for concurrent use: all mutable state lives
// in per-call locals, the per-turn cost counter is call-scoped, and the
// tuning is an immutable snapshot swapped atomically by [Matcher.Retune].
type Matcher struct {
	embeddings *embedstore.Store // nil disables the embedding stage
	judge      llm.Provider      // nil disables the LLM stage

	tun atomic.Pointer[tuning]
}

// New creates a Matcher. embeddings may be nil to disable the embedding
// stage; judge may be nil to disable the LLM stage. A matcher with both nil
// degrades to pure lexical matching.
func New(embeddings *embedstore.Store, judge llm.Provider, opts ...Option) *Matcher {
	m := &Matcher{
		embeddings: embeddings,
		judge:      judge,
	}
	tn := &tuning{
		lexicalShortCircuit: defaultLexicalShortCircuit,
		embeddingCutoff:     defaultEmbeddingCutoff,
		globalShortCircuit:  defaultGlobalShortCircuit,
		fuzzyThreshold:      defaultFuzzyThreshold,
		costBudget:          defaultCostBudgetUSD,
		promptPrice:         defaultPromptPricePer1K,
		completionPrice:     defaultCompletionPricePer1K,
	}
	for _, o := range opts {
		o(tn)
	}
	m.tun.Store(tn)
	return m
}

// Retune applies options on top of the current tuning and publishes the
// result. Matches already in flight finish with the snapshot they loaded.
func (m *Matcher) Retune(opts ...Option) {
	next := *m.tun.Load()
	for _, o := range opts {
		o(&next)
	}
	m.tun.Store(&next)
}

// candidate tracks the running best score for one move during a match.
type candidate struct {
	move     *game.Move
	score    float64
	stage    Stage
	captures map[string]string

	// llmEligible is false when every trigger is strict (strict patterns
	// must not match through embeddings or the LLM alone).
	llmEligible bool
}

// Match runs the cascade over g's moves for in and returns the winner, or nil
// when nothing scored above zero. Moves whose guards fail against in.Context
// are ineligible and never scored.
func (m *Matcher) Match(ctx context.Context, g *game.Game, in Input) (*Result, error) {
	tn := m.tun.Load()
	res := &Result{
		Captures:     map[string]string{},
		StageLatency: map[Stage]time.Duration{},
	}

	var (
		best       *candidate
		candidates []*candidate
	)

	// ─── Stages 1–2, per move in declaration order ───

	for _, mv := range g.Moves {
		if !guardsHold(mv, in.Context) {
			continue
		}

		c := &candidate{move: mv}

		start := time.Now()
		m.lexicalStage(tn, c, in.Text, res)
		res.StageLatency[StageLexical] += time.Since(start)

		if c.score < tn.lexicalShortCircuit && m.embeddings != nil {
			start = time.Now()
			if err := m.embeddingStage(ctx, tn, c, in.Text, res); err != nil {
				// The embedding backend failing must not fail the turn; the
				// move keeps its lexical score.
				slog.Warn("embedding stage failed", "move", mv.ID, "err", err)
			}
			res.StageLatency[StageEmbedding] += time.Since(start)
		}

		candidates = append(candidates, c)
		if better(c, best) {
			best = c
		}
		if best != nil && best.score >= tn.globalShortCircuit {
			// Remaining moves are skipped entirely.
			break
		}
	}

	// ─── Stage 3: LLM judgement for moves still below the cutoff ───

	if m.judge != nil && (best == nil || best.score < tn.embeddingCutoff) {
		start := time.Now()
		m.llmStage(ctx, tn, g, candidates, in, res, &best)
		res.StageLatency[StageLLM] += time.Since(start)
	}

	if best == nil || best.score <= 0 {
		return nil, nil
	}

	res.Move = best.move
	res.Score = best.score
	res.Stage = best.stage
	if best.captures != nil {
		res.Captures = best.captures
	}
	return res, nil
}

// better implements the tie-break ordering: higher score wins; on equal
// scores the incumbent (earlier declaration) wins; a nil incumbent always
// loses. Stage ordering is handled within each candidate, which keeps the
// earliest stage that produced its best score.
func better(c, incumbent *candidate) bool {
	if incumbent == nil {
		return c.score > 0
	}
	return c.score > incumbent.score
}

func guardsHold(mv *game.Move, ctx map[string]any) bool {
	for _, gd := range mv.Guards {
		if !gd.Eval(ctx) {
			return false
		}
	}
	return true
}

// ─────────────────────────────────────────────────────────────────────────────
// Stage 1: lexical
// ─────────────────────────────────────────────────────────────────────────────

func (m *Matcher) lexicalStage(tn *tuning, c *candidate, input string, res *Result) {
	recorded := false
	for _, p := range c.move.Triggers {
		strict := p.HasModifier(game.ModifierStrict)
		if !strict {
			c.llmEligible = true
		}

		if caps, ok := matchPattern(p, input); ok {
			res.Provenance = append(res.Provenance, provenance(StageLexical, c.move.ID, 1.0))
			recorded = true
			if 1.0 > c.score {
				c.score, c.stage, c.captures = 1.0, StageLexical, caps
			}
			continue
		}
		if strict {
			// A strict pattern only ever scores through its regex.
			continue
		}

		if p.HasModifier(game.ModifierFuzzy) {
			if s := fuzzyScore(tn, p, input); s > 0 {
				res.Provenance = append(res.Provenance, provenance(StageLexical, c.move.ID, s))
				recorded = true
				if s > c.score {
					c.score, c.stage, c.captures = s, StageLexical, nil
				}
			}
		}
	}
	// A move every trigger missed still shows up in the manifest, so the
	// provenance reads as a complete account of the stage.
	if !recorded {
		res.Provenance = append(res.Provenance, provenance(StageLexical, c.move.ID, 0))
	}
}

// matchPattern applies p's compiled regex and extracts named captures.
func matchPattern(p *game.Pattern, input string) (map[string]string, bool) {
	sub := p.Regex.FindStringSubmatch(input)
	if sub == nil {
		return nil, false
	}
	caps := make(map[string]string, len(p.CaptureNames))
	for i, name := range p.Regex.SubexpNames() {
		if name == "" || i >= len(sub) {
			continue
		}
		caps[name] = strings.TrimSpace(sub[i])
	}
	return caps, true
}

// fuzzyScore rates a near-miss with Jaro-Winkler similarity between the input
// and the pattern text with its {name} placeholders removed. Scores below the
// fuzzy threshold are discarded; a fuzzy hit is always capped strictly below
// a true regex match.
func fuzzyScore(tn *tuning, p *game.Pattern, input string) float64 {
	s := matchr.JaroWinkler(normalizeForFuzzy(input), normalizeForFuzzy(stripPlaceholders(p.Raw)), false)
	if s < tn.fuzzyThreshold {
		return 0
	}
	if s >= 1.0 {
		s = 0.99
	}
	return s
}

var placeholderRe = regexp.MustCompile(`\{[a-zA-Z_][a-zA-Z0-9_]*\}`)

func stripPlaceholders(raw string) string {
	return strings.Join(strings.Fields(placeholderRe.ReplaceAllString(raw, " ")), " ")
}

func normalizeForFuzzy(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ─────────────────────────────────────────────────────────────────────────────
// Stage 2: embedding
// ─────────────────────────────────────────────────────────────────────────────

func (m *Matcher) embeddingStage(ctx context.Context, tn *tuning, c *candidate, input string, res *Result) error {
	for _, p := range c.move.Triggers {
		if p.HasModifier(game.ModifierStrict) {
			continue
		}
		s, err := m.embeddings.Similarity(ctx, input, p.Raw)
		if err != nil {
			return err
		}
		res.Provenance = append(res.Provenance, provenance(StageEmbedding, c.move.ID, s))
		if s > c.score {
			c.score, c.stage, c.captures = s, StageEmbedding, nil
		}
		if c.score >= tn.embeddingCutoff {
			break
		}
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Stage 3: LLM judgement
// ─────────────────────────────────────────────────────────────────────────────

func (m *Matcher) llmStage(ctx context.Context, tn *tuning, g *game.Game, candidates []*candidate, in Input, res *Result, best **candidate) {
	for _, c := range candidates {
		if !c.llmEligible || c.score >= tn.embeddingCutoff {
			continue
		}
		if res.CostUSD >= tn.costBudget {
			slog.Debug("llm stage skipped: cost budget exhausted",
				"spent_usd", res.CostUSD, "budget_usd", tn.costBudget)
			return
		}

		judgement, usage, err := m.judgeMove(ctx, g, c.move, in)
		if err != nil {
			slog.Warn("llm judgement failed", "move", c.move.ID, "err", err)
			continue
		}
		res.CostUSD += estimateCost(tn, usage)

		res.Provenance = append(res.Provenance, provenance(StageLLM, c.move.ID, judgement.Confidence))
		if judgement.Confidence > c.score {
			c.score, c.stage, c.captures = judgement.Confidence, StageLLM, nil
		}
		if better(c, *best) {
			*best = c
		}
		if *best != nil && (*best).score >= tn.globalShortCircuit {
			return
		}
	}
}

func estimateCost(tn *tuning, u llm.Usage) float64 {
	return float64(u.PromptTokens)/1000*tn.promptPrice +
		float64(u.CompletionTokens)/1000*tn.completionPrice
}

func provenance(stage Stage, moveID string, score float64) string {
	return fmt.Sprintf("%s:%s=%.3f", stage, moveID, score)
}
