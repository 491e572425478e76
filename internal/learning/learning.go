// Package learning turns interaction records into improvement proposals.
//
// The engine is strictly additive: it observes finished turns and emits
// pattern, vocabulary, and confidence-adjustment proposals, all of which
// start in [StatusPending]. Nothing here ever touches live matching. A
// proposal only leaves pending through an approval event that carries a
// human reviewer id; applying approved proposals to game sources is an
// authoring-time concern outside the runtime.
package learning

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wittgen/lgdl/internal/observe"
	"github.com/wittgen/lgdl/pkg/lgerr"
)

// ─── interaction intake ─────────────────────────────────────────────────────

// Outcome classifies how a turn ended from the user's perspective.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailed    Outcome = "failed"
	OutcomeUnmatched Outcome = "unmatched"
	OutcomeAbandoned Outcome = "abandoned"
)

// NegotiationMeta carries the clarification-loop summary of a turn, when one
// ran.
type NegotiationMeta struct {
	Rounds     int     `json:"rounds"`
	Reason     string  `json:"reason"`
	FinalScore float64 `json:"final_score"`
}

// Interaction is one finished turn as seen by the learning engine.
type Interaction struct {
	GameID      string           `json:"game_id"`
	UserInput   string           `json:"user_input"`
	MatchedMove string           `json:"matched_move"`
	Confidence  float64          `json:"confidence"`
	Outcome     Outcome          `json:"outcome"`
	Negotiation *NegotiationMeta `json:"negotiation,omitempty"`
	ObservedAt  time.Time        `json:"observed_at"`
}

// ─── proposals ──────────────────────────────────────────────────────────────

// Kind discriminates the proposal payload.
type Kind string

const (
	KindPattern    Kind = "pattern"
	KindVocabulary Kind = "vocabulary"
	KindConfidence Kind = "confidence_adjustment"
)

// Status is the proposal lifecycle state. Every proposal starts pending.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// MaxAdjustment bounds a confidence adjustment per interaction.
const MaxAdjustment = 0.05

// Proposal is one suggested game improvement awaiting human review.
type Proposal struct {
	ID     string `json:"id"`
	GameID string `json:"game_id"`
	Kind   Kind   `json:"kind"`

	// MoveID is set for pattern and confidence proposals.
	MoveID string `json:"move_id,omitempty"`

	// Pattern is the candidate trigger text for [KindPattern].
	Pattern string `json:"pattern,omitempty"`

	// Term is the candidate vocabulary term for [KindVocabulary].
	Term string `json:"term,omitempty"`

	// Adjustment is the signed confidence delta for [KindConfidence],
	// always within ±[MaxAdjustment].
	Adjustment float64 `json:"adjustment,omitempty"`

	// Evidence counts the interactions supporting this proposal.
	Evidence int `json:"evidence"`

	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	ReviewedBy string    `json:"reviewed_by,omitempty"`
	ReviewedAt time.Time `json:"reviewed_at,omitempty"`
}

// Store persists interactions and proposals.
type Store interface {
	// SaveInteraction appends one interaction record.
	SaveInteraction(ctx context.Context, in Interaction) error

	// SaveProposal inserts a new proposal.
	SaveProposal(ctx context.Context, p *Proposal) error

	// ProposalByID returns a proposal or an E401 error when absent.
	ProposalByID(ctx context.Context, id string) (*Proposal, error)

	// UpdateProposal overwrites an existing proposal's mutable fields.
	UpdateProposal(ctx context.Context, p *Proposal) error

	// Pending lists pending proposals for a game, oldest first.
	Pending(ctx context.Context, gameID string) ([]*Proposal, error)
}

// ─── engine ─────────────────────────────────────────────────────────────────

// DefaultVocabularyEvidence is how many times an unmatched input must recur
// before a vocabulary proposal is raised.
const DefaultVocabularyEvidence = 3

// patternProposalCeiling is the confidence below which a successful
// negotiated match suggests the triggers are missing a phrasing.
const patternProposalCeiling = 0.80

// Engine consumes interactions and drives the proposal lifecycle.
type Engine struct {
	store   Store
	enabled atomic.Bool
	metrics *observe.Metrics

	vocabEvidence int

	mu       sync.Mutex
	unseen   map[string]int // game id + input → recurrence count
	proposed map[string]bool
}

// Option configures an [Engine].
type Option func(*Engine)

// WithVocabularyEvidence overrides [DefaultVocabularyEvidence].
func WithVocabularyEvidence(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.vocabEvidence = n
		}
	}
}

// WithMetrics installs the metrics sink for proposal counting. Nil disables
// instrumentation.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates a learning engine. enabled=false keeps the observe path inert
// and rejects manual proposal submission with E400.
func New(store Store, enabled bool, opts ...Option) *Engine {
	e := &Engine{
		store:         store,
		vocabEvidence: DefaultVocabularyEvidence,
		unseen:        make(map[string]int),
		proposed:      make(map[string]bool),
	}
	e.enabled.Store(enabled)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Enabled reports whether the engine records interactions.
func (e *Engine) Enabled() bool { return e.enabled.Load() }

// SetEnabled toggles interaction intake at runtime, for config reloads.
func (e *Engine) SetEnabled(on bool) { e.enabled.Store(on) }

// Observe ingests one finished turn. Disabled engines drop the interaction
// silently so the turn pipeline never pays for learning it did not ask for.
// Errors are returned for the caller's log line only; learning failures must
// not affect the turn.
func (e *Engine) Observe(ctx context.Context, in Interaction) error {
	if !e.enabled.Load() {
		return nil
	}
	if in.ObservedAt.IsZero() {
		in.ObservedAt = time.Now().UTC()
	}
	if err := e.store.SaveInteraction(ctx, in); err != nil {
		return fmt.Errorf("learning: save interaction: %w", err)
	}

	if p := e.derive(in); p != nil {
		if err := e.store.SaveProposal(ctx, p); err != nil {
			return fmt.Errorf("learning: save proposal: %w", err)
		}
		e.countProposal(ctx, p)
	}
	return nil
}

// countProposal records one raised proposal by kind.
func (e *Engine) countProposal(ctx context.Context, p *Proposal) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordLearningProposal(ctx, string(p.Kind))
}

// derive inspects one interaction and produces at most one proposal.
func (e *Engine) derive(in Interaction) *Proposal {
	switch {
	case in.Outcome == OutcomeSuccess && in.Negotiation != nil &&
		in.Negotiation.Rounds > 0 && in.Confidence < patternProposalCeiling:
		// The move was right but only clarification got us there: the
		// original phrasing is a trigger candidate.
		return e.newProposal(in.GameID, KindPattern, func(p *Proposal) {
			p.MoveID = in.MatchedMove
			p.Pattern = strings.TrimSpace(in.UserInput)
			p.Evidence = 1
		})

	case in.Outcome == OutcomeUnmatched:
		key := in.GameID + "\x00" + normalize(in.UserInput)
		e.mu.Lock()
		e.unseen[key]++
		count := e.unseen[key]
		already := e.proposed[key]
		if count >= e.vocabEvidence && !already {
			e.proposed[key] = true
		}
		e.mu.Unlock()
		if count < e.vocabEvidence || already {
			return nil
		}
		return e.newProposal(in.GameID, KindVocabulary, func(p *Proposal) {
			p.Term = strings.TrimSpace(in.UserInput)
			p.Evidence = count
		})
	}
	return nil
}

func (e *Engine) newProposal(gameID string, kind Kind, fill func(*Proposal)) *Proposal {
	p := &Proposal{
		ID:        uuid.NewString(),
		GameID:    gameID,
		Kind:      kind,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	fill(p)
	return p
}

// ProposeAdjustment submits a confidence-adjustment proposal for a live
// pattern. The delta is bounded to ±[MaxAdjustment] (E403). Returns E400
// when learning is disabled.
func (e *Engine) ProposeAdjustment(ctx context.Context, gameID, moveID string, delta float64) (*Proposal, error) {
	if !e.enabled.Load() {
		return nil, lgerr.New(lgerr.CodeLearningDisabled, "learning is disabled")
	}
	if math.Abs(delta) > MaxAdjustment {
		return nil, lgerr.New(lgerr.CodeAdjustmentBounds,
			"confidence adjustment %+.3f exceeds the ±%.2f bound", delta, MaxAdjustment)
	}
	p := e.newProposal(gameID, KindConfidence, func(p *Proposal) {
		p.MoveID = moveID
		p.Adjustment = delta
		p.Evidence = 1
	})
	if err := e.store.SaveProposal(ctx, p); err != nil {
		return nil, fmt.Errorf("learning: save proposal: %w", err)
	}
	e.countProposal(ctx, p)
	return p, nil
}

// Approve marks a pending proposal approved. The reviewer id must identify a
// human (E402); unknown proposal ids yield E401.
func (e *Engine) Approve(ctx context.Context, proposalID, reviewerID string) (*Proposal, error) {
	return e.review(ctx, proposalID, reviewerID, StatusApproved)
}

// Reject marks a pending proposal rejected.
func (e *Engine) Reject(ctx context.Context, proposalID, reviewerID string) (*Proposal, error) {
	return e.review(ctx, proposalID, reviewerID, StatusRejected)
}

func (e *Engine) review(ctx context.Context, proposalID, reviewerID string, to Status) (*Proposal, error) {
	if strings.TrimSpace(reviewerID) == "" {
		return nil, lgerr.New(lgerr.CodeApprovalNoReviewer, "proposal review requires a human reviewer id")
	}
	p, err := e.store.ProposalByID(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusPending {
		return nil, fmt.Errorf("learning: proposal %s is already %s", proposalID, p.Status)
	}
	p.Status = to
	p.ReviewedBy = reviewerID
	p.ReviewedAt = time.Now().UTC()
	if err := e.store.UpdateProposal(ctx, p); err != nil {
		return nil, fmt.Errorf("learning: update proposal: %w", err)
	}
	return p, nil
}

// Pending lists a game's pending proposals, oldest first.
func (e *Engine) Pending(ctx context.Context, gameID string) ([]*Proposal, error) {
	return e.store.Pending(ctx, gameID)
}

// normalize folds an input for recurrence counting.
func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
