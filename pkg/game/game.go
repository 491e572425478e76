// Package game defines the compiled intermediate representation (IR) of an
// LGDL language game and the persistent conversation records produced while
// playing one.
//
// A [Game] is immutable after compilation: the IR compiler
// (internal/ir) produces it once per source file and the registry hands the
// same value to every turn. Persistent records ([Conversation], [Turn],
// [SlotValue]) are defined here, next to the IR, so that alternative storage
// backends (Postgres, in-memory, …) can implement pkg/state without depending
// on runtime internals.
package game

import (
	"regexp"
	"time"
)

// ─────────────────────────────────────────────────────────────────────────────
// Compiled IR
// ─────────────────────────────────────────────────────────────────────────────

// Game is a compiled, immutable language-game definition.
type Game struct {
	// ID uniquely identifies the game within a registry.
	ID string

	// Name is the human-readable game title.
	Name string

	// Version is the declared game version string.
	Version string

	// Description is injected into LLM matcher prompts to ground semantic
	// scoring in the game's domain.
	Description string

	// Vocabulary maps a canonical term to its declared synonyms.
	Vocabulary map[string][]string

	// CapabilityAllowlist is the set of fully-qualified "service.function"
	// names extracted from the game's action blocks. A capability may be
	// invoked at runtime only if its name is present here.
	CapabilityAllowlist map[string]struct{}

	// Moves is the ordered list of compiled moves. Declaration order matters:
	// it is the cascade matcher's tie-break.
	Moves []*Move
}

// MoveByID returns the move with the given id, or nil when absent.
func (g *Game) MoveByID(id string) *Move {
	for _, m := range g.Moves {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// AllowsCapability reports whether the fully-qualified function name
// "service.function" is in the game's allowlist.
func (g *Game) AllowsCapability(qualified string) bool {
	_, ok := g.CapabilityAllowlist[qualified]
	return ok
}

// Move is one unit of conversational behaviour: trigger patterns, an optional
// slot schema, and conditional action blocks.
type Move struct {
	// ID uniquely identifies the move within its game.
	ID string

	// Triggers are the candidate utterance patterns, in declaration order.
	Triggers []*Pattern

	// Threshold is the numeric confidence the matcher must reach for the move
	// to execute confidently. Resolved from a band or literal at compile time.
	Threshold float64

	// Guards are compiled boolean expressions over extracted context. All must
	// hold for the move to be eligible.
	Guards []Guard

	// Slots maps slot name to its compiled definition.
	Slots map[string]*SlotDef

	// SlotOrder preserves slot declaration order, which drives missing-slot
	// prompting order.
	SlotOrder []string

	// SlotPrompts maps slot name to the prompt template asked when the slot is
	// missing.
	SlotPrompts map[string]string

	// SlotConditions maps a condition key ("slot X is missing" or
	// "all_slots_filled") to the ordered actions executed when it holds.
	SlotConditions map[string][]Action

	// Blocks are the conditional action blocks in declaration order. The first
	// block whose condition holds is executed.
	Blocks []Block

	// ClarifyAction is the ask inside an uncertain block, when present. It is
	// required for the move to participate in negotiation.
	ClarifyAction *ClarifyAction
}

// HasSlots reports whether the move declares at least one slot.
func (m *Move) HasSlots() bool { return len(m.Slots) > 0 }

// AllSlotsKey is the slot-condition key whose actions run once every required
// slot is filled.
const AllSlotsKey = "all_slots_filled"

// MissingSlotKey builds the slot-condition key for a specific missing slot.
func MissingSlotKey(slot string) string { return "slot " + slot + " is missing" }

// PatternModifier adjusts how a trigger pattern participates in matching.
type PatternModifier string

const (
	// ModifierStrict anchors the pattern and forbids embedding/LLM-only matches.
	ModifierStrict PatternModifier = "strict"

	// ModifierFuzzy allows near-miss lexical scoring below 1.0.
	ModifierFuzzy PatternModifier = "fuzzy"

	// ModifierLearned marks a pattern added through an approved learning proposal.
	ModifierLearned PatternModifier = "learned"

	// ModifierContextSensitive marks a pattern whose guards consult context.
	ModifierContextSensitive PatternModifier = "context-sensitive"
)

// Pattern is a single compiled trigger.
type Pattern struct {
	// Raw is the source pattern text with {name} captures, preserved for
	// vocabulary expansion and LLM prompts.
	Raw string

	// Regex is the compiled case-insensitive form. Named capture groups
	// correspond to slot names.
	Regex *regexp.Regexp

	// CaptureNames lists the {name} placeholders in order of appearance.
	CaptureNames []string

	// Modifiers is the modifier set for this pattern.
	Modifiers map[PatternModifier]struct{}
}

// HasModifier reports whether mod is present on the pattern.
func (p *Pattern) HasModifier(mod PatternModifier) bool {
	_, ok := p.Modifiers[mod]
	return ok
}

// Guard is a compiled boolean expression over the extracted context mapping.
// Guards are pure: they must not mutate the context.
type Guard struct {
	// Source is the original guard expression text, kept for diagnostics.
	Source string

	// Eval evaluates the guard against the context.
	Eval func(ctx map[string]any) bool
}

// ConfidenceBand is a symbolic confidence level resolved at compile time.
type ConfidenceBand string

const (
	BandLow      ConfidenceBand = "low"
	BandMedium   ConfidenceBand = "medium"
	BandHigh     ConfidenceBand = "high"
	BandCritical ConfidenceBand = "critical"
)

// BandThresholds maps each band to its numeric threshold.
var BandThresholds = map[ConfidenceBand]float64{
	BandLow:      0.2,
	BandMedium:   0.5,
	BandHigh:     0.8,
	BandCritical: 0.95,
}

// ─────────────────────────────────────────────────────────────────────────────
// Slot definitions
// ─────────────────────────────────────────────────────────────────────────────

// SlotKind discriminates the closed set of slot types.
type SlotKind string

const (
	SlotString    SlotKind = "string"
	SlotNumber    SlotKind = "number"
	SlotRange     SlotKind = "range"
	SlotEnum      SlotKind = "enum"
	SlotTimeframe SlotKind = "timeframe"
	SlotDate      SlotKind = "date"
)

// ExtractionStrategy hints at how a slot's value should be pulled from input.
type ExtractionStrategy string

const (
	ExtractRegex    ExtractionStrategy = "regex"
	ExtractSemantic ExtractionStrategy = "semantic"
	ExtractHybrid   ExtractionStrategy = "hybrid"
)

// SlotDef is the compiled definition of a single information slot.
type SlotDef struct {
	// Name is the slot's identifier within its move.
	Name string

	// Kind selects the validation and extraction behaviour.
	Kind SlotKind

	// Min and Max are the inclusive bounds for SlotRange slots.
	Min, Max float64

	// Values is the ordered list of canonical values for SlotEnum slots.
	Values []string

	// Required marks the slot as blocking all_slots_filled until filled.
	Required bool

	// HasDefault and Default supply a fallback value. A slot with a default
	// counts as filled even when no stored value exists.
	HasDefault bool
	Default    any

	// Strategy is optional extraction metadata.
	Strategy ExtractionStrategy

	// Hints are optional vocabulary/context hints for semantic extraction.
	Hints []string
}

// ─────────────────────────────────────────────────────────────────────────────
// Actions and blocks
// ─────────────────────────────────────────────────────────────────────────────

// ActionKind discriminates the closed set of action variants.
type ActionKind string

const (
	ActionRespond      ActionKind = "respond"
	ActionOfferChoices ActionKind = "offer_choices"
	ActionClarify      ActionKind = "clarify"
	ActionCapability   ActionKind = "capability"
	ActionEscalate     ActionKind = "escalate"
)

// Action is a tagged action variant. Exactly the fields for its Kind are set.
type Action struct {
	Kind ActionKind

	// Template is the response template for ActionRespond.
	Template string

	// Choices is the option list for ActionOfferChoices.
	Choices []string

	// Clarify holds the prompt and options for ActionClarify.
	Clarify *ClarifyAction

	// Capability holds the invocation spec for ActionCapability.
	Capability *CapabilityAction

	// Target is the escalation target for ActionEscalate.
	Target string
}

// ClarifyAction is the ask used by the negotiation loop.
type ClarifyAction struct {
	// Prompt is the clarifying question template.
	Prompt string

	// Options are the suggested answers offered with the question.
	Options []string
}

// CapabilityAction invokes an external side-effecting function.
type CapabilityAction struct {
	// Service and Function name the capability; "service.function" must be in
	// the game's allowlist.
	Service  string
	Function string

	// Await blocks the turn for the call's completion when true; otherwise a
	// pending token is returned immediately.
	Await bool

	// TimeoutSeconds bounds an awaited call. Zero means the contract default.
	TimeoutSeconds float64

	// ArgBindings maps argument name to a template expanded against the turn's
	// combined context.
	ArgBindings map[string]string
}

// Qualified returns the "service.function" form used by the allowlist.
func (c *CapabilityAction) Qualified() string { return c.Service + "." + c.Function }

// ConditionKind discriminates block conditions.
type ConditionKind string

const (
	CondConfident  ConditionKind = "confident"
	CondUncertain  ConditionKind = "uncertain"
	CondSuccessful ConditionKind = "successful"
	CondFailed     ConditionKind = "failed"
	CondGuarded    ConditionKind = "guarded"
)

// Block pairs a condition with the actions executed when it holds.
type Block struct {
	Condition ConditionKind

	// Guard is set only for CondGuarded blocks.
	Guard *Guard

	Actions []Action
}

// ─────────────────────────────────────────────────────────────────────────────
// Persistent conversation records
// ─────────────────────────────────────────────────────────────────────────────

// Outcome classifies how a turn concluded.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeUnknown Outcome = "unknown"
)

// Conversation is the per-conversation persistent cursor state.
//
// Invariant: AwaitingSlotMove is non-empty iff AwaitingSlotName is non-empty
// iff AwaitingResponse is true for a slot prompt.
type Conversation struct {
	// ID is the caller-supplied conversation identifier.
	ID string

	CreatedAt time.Time
	UpdatedAt time.Time

	// CurrentMove is the move id most recently executed, if any.
	CurrentMove string

	// AwaitingResponse is true when the last turn ended with a question.
	AwaitingResponse bool

	// LastQuestion is the question text when AwaitingResponse is true.
	LastQuestion string

	// AwaitingSlotMove and AwaitingSlotName route the next turn directly to a
	// specific move and slot, bypassing matching.
	AwaitingSlotMove string
	AwaitingSlotName string

	// Metadata is free-form conversation metadata.
	Metadata map[string]string
}

// AwaitingSlot reports whether the conversation is parked on a slot prompt.
func (c *Conversation) AwaitingSlot() bool {
	return c.AwaitingSlotMove != "" && c.AwaitingSlotName != ""
}

// Turn is one append-only turn record.
type Turn struct {
	ConversationID string

	// Num is unique and strictly monotonic per conversation, with no gaps.
	Num int

	Timestamp time.Time

	// UserInput is the raw input as received; SanitizedInput is the
	// firewall-processed form actually matched.
	UserInput      string
	SanitizedInput string

	// MatchedMove is the selected move id, empty when nothing matched.
	MatchedMove string

	// Confidence is the matcher's final score for MatchedMove.
	Confidence float64

	// Response is the rendered user-visible reply.
	Response string

	// ExtractedParams holds captures and slot values recorded for this turn.
	ExtractedParams map[string]string

	Outcome Outcome
}

// SlotValue is a persisted slot fill, keyed by (conversation, move, slot).
type SlotValue struct {
	ConversationID string
	MoveID         string
	SlotName       string

	// Value is the canonical string form of the validated value.
	Value string

	// Kind records the slot type the value was validated against.
	Kind SlotKind

	UpdatedAt time.Time
}

// ContextEntry is one persisted (conversation, key) → value context fact.
type ContextEntry struct {
	ConversationID string
	Key            string
	Value          string
	UpdatedAt      time.Time
}
