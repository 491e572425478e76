// Package negotiate implements the clarification loop that runs when a move
// matches below its confidence threshold.
//
// Negotiation is deliberately narrow: once a move is locked in, every round
// re-scores the enriched input against that move only. There is no global
// re-ranking mid-negotiation — the loop either lifts the locked move over its
// threshold or fails, which keeps the user from being bounced between
// interpretations.
//
// Stop rules are evaluated in order after each round: threshold met, round
// budget exhausted, stagnation (two consecutive rounds improving by less
// than epsilon — a regression resets the counter). A hard iteration cap one
// above the round budget guards against a broken stop rule.
package negotiate

import (
	"context"
	"fmt"
	"sync"

	"github.com/wittgen/lgdl/internal/match"
	"github.com/wittgen/lgdl/pkg/game"
	"github.com/wittgen/lgdl/pkg/lgerr"
)

// Defaults for the loop's tunables.
const (
	DefaultMaxRounds = 3
	DefaultEpsilon   = 0.05
)

// StopReason explains why the loop ended.
type StopReason string

const (
	StopThresholdMet StopReason = "threshold_met"
	StopMaxRounds    StopReason = "max_rounds"
	StopStagnation   StopReason = "stagnation"
)

// AskFunc delivers a clarifying question to the user and returns their
// reply. The turn engine injects its transport-specific implementation;
// tests inject a script.
type AskFunc func(ctx context.Context, question string, options []string) (string, error)

// Round records one question/answer exchange.
type Round struct {
	N           int
	Question    string
	Answer      string
	BeforeScore float64
	AfterScore  float64
	Delta       float64
}

// Outcome is the loop's result.
type Outcome struct {
	// Success is true when the final score reached the move's threshold.
	Success bool

	Reason StopReason

	// FinalScore is the last observed score for the locked move.
	FinalScore float64

	// EnrichedInput is the input text after all replies were folded in. On
	// success the engine re-executes the move with this context.
	EnrichedInput string

	// Captures are the captures from the final successful re-match, if any.
	Captures map[string]string

	Rounds []Round
}

// Rematcher re-scores an input against a single move. *match.Matcher
// satisfies this via [match.Matcher.Match] on a one-move view; the interface
// keeps the loop testable with scripted scores.
type Rematcher interface {
	Match(ctx context.Context, g *game.Game, in match.Input) (*match.Result, error)
}

// Negotiator runs clarification loops. Safe for concurrent use; the round
// budget and epsilon can be retuned while loops are in flight.
type Negotiator struct {
	matcher Rematcher

	mu        sync.RWMutex
	maxRounds int
	epsilon   float64
}

// Option configures a [Negotiator].
type Option func(*Negotiator)

// WithMaxRounds sets the round budget. Default: 3.
func WithMaxRounds(n int) Option {
	return func(ng *Negotiator) { ng.maxRounds = n }
}

// WithEpsilon sets the minimum per-round improvement that counts as
// progress. Default: 0.05.
func WithEpsilon(e float64) Option {
	return func(ng *Negotiator) { ng.epsilon = e }
}

// New creates a Negotiator that re-scores with matcher.
func New(matcher Rematcher, opts ...Option) *Negotiator {
	ng := &Negotiator{
		matcher:   matcher,
		maxRounds: DefaultMaxRounds,
		epsilon:   DefaultEpsilon,
	}
	for _, o := range opts {
		o(ng)
	}
	return ng
}

// Retune applies options to a live Negotiator. Loops already in flight keep
// the tunables they started with.
func (ng *Negotiator) Retune(opts ...Option) {
	ng.mu.Lock()
	defer ng.mu.Unlock()
	for _, o := range opts {
		o(ng)
	}
}

// Run negotiates mv for the given input until a stop rule fires.
//
// g supplies the vocabulary and description for re-matching; only mv is ever
// scored. initialScore is the cascade score that fell short of mv.Threshold.
// Returns E200 when mv has no clarify action and E202 when ask is nil.
func (ng *Negotiator) Run(ctx context.Context, g *game.Game, mv *game.Move, in match.Input, initialScore float64, ask AskFunc) (*Outcome, error) {
	if mv.ClarifyAction == nil {
		return nil, lgerr.New(lgerr.CodeNoClarifyAction,
			"move %q has no clarify action", mv.ID)
	}
	if ask == nil {
		return nil, lgerr.New(lgerr.CodeNoAskCallback,
			"no ask callback installed for move %q", mv.ID)
	}

	// The locked view: the matcher only ever sees this one move.
	locked := &game.Game{
		ID:          g.ID,
		Name:        g.Name,
		Description: g.Description,
		Vocabulary:  g.Vocabulary,
		Moves:       []*game.Move{mv},
	}

	out := &Outcome{
		FinalScore:    initialScore,
		EnrichedInput: in.Text,
	}

	ng.mu.RLock()
	maxRounds, epsilon := ng.maxRounds, ng.epsilon
	ng.mu.RUnlock()

	score := initialScore
	stagnant := 0
	hardCap := maxRounds + 1

	for round := 1; ; round++ {
		if round > hardCap {
			return nil, lgerr.New(lgerr.CodeNegotiationRunaway,
				"negotiation for move %q exceeded %d iterations", mv.ID, hardCap)
		}

		// An expired turn deadline ends the loop between rounds. The outcome
		// reports the round budget as exhausted rather than erroring: the
		// engine treats it like any other failed negotiation.
		if ctx.Err() != nil {
			out.Reason = StopMaxRounds
			return out, nil
		}

		answer, err := ask(ctx, mv.ClarifyAction.Prompt, mv.ClarifyAction.Options)
		if err != nil {
			return nil, fmt.Errorf("negotiate: ask: %w", err)
		}

		enriched := out.EnrichedInput + " " + answer
		rematch := in
		rematch.Text = enriched

		after := score
		var captures map[string]string
		res, err := ng.matcher.Match(ctx, locked, rematch)
		if err != nil {
			return nil, fmt.Errorf("negotiate: re-match: %w", err)
		}
		if res != nil {
			after = res.Score
			captures = res.Captures
		}

		delta := after - score
		out.Rounds = append(out.Rounds, Round{
			N:           round,
			Question:    mv.ClarifyAction.Prompt,
			Answer:      answer,
			BeforeScore: score,
			AfterScore:  after,
			Delta:       delta,
		})
		score = after
		out.FinalScore = after
		out.EnrichedInput = enriched

		// Stop rules, in contract order.
		if after >= mv.Threshold {
			out.Success = true
			out.Reason = StopThresholdMet
			out.Captures = captures
			return out, nil
		}
		if round >= maxRounds {
			out.Reason = StopMaxRounds
			return out, nil
		}
		if delta < 0 {
			stagnant = 0
		} else if delta < epsilon {
			stagnant++
			if stagnant >= 2 {
				out.Reason = StopStagnation
				return out, nil
			}
		} else {
			stagnant = 0
		}
	}
}
