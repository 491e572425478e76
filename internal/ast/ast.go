// Package ast defines the typed abstract syntax tree the IR compiler accepts.
//
// Lexing and parsing of .lgdl source text happen outside this runtime; the
// parser hands over a well-typed tree conforming to these structures. All
// nodes carry JSON tags so a serialized AST produced by an external parser can
// be loaded directly by the lgdl CLI.
package ast

// Game is the root node of a parsed language game.
type Game struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Version     string            `json:"version"`
	Description string            `json:"description"`
	Vocabulary  []VocabularyEntry `json:"vocabulary,omitempty"`
	Moves       []Move            `json:"moves"`

	// Services lists capability service declarations. Capability actions must
	// reference a declared service.
	Services []ServiceDecl `json:"services,omitempty"`
}

// VocabularyEntry declares synonyms for a canonical term.
type VocabularyEntry struct {
	Term     string   `json:"term"`
	Synonyms []string `json:"synonyms"`
}

// ServiceDecl names a capability service and its declared functions.
type ServiceDecl struct {
	Name      string   `json:"name"`
	Functions []string `json:"functions"`
}

// Move is one declared conversational move.
type Move struct {
	ID         string      `json:"id"`
	Triggers   []Trigger   `json:"triggers"`
	Confidence *Confidence `json:"confidence,omitempty"`
	Guards     []string    `json:"guards,omitempty"`
	SlotBlock  *SlotBlock  `json:"slots,omitempty"`
	Blocks     []Block     `json:"blocks,omitempty"`
}

// Trigger is a candidate utterance pattern with optional modifiers.
type Trigger struct {
	Pattern   string   `json:"pattern"`
	Modifiers []string `json:"modifiers,omitempty"`
}

// Confidence is either a symbolic band or a numeric literal. Exactly one of
// Band or Literal is set; the parser guarantees this.
type Confidence struct {
	Band    string   `json:"band,omitempty"`
	Literal *float64 `json:"literal,omitempty"`
}

// SlotBlock groups a move's slot declarations, prompts, and slot conditions.
type SlotBlock struct {
	Definitions []SlotDefinition `json:"definitions"`

	// Prompts maps slot name to the question asked when the slot is missing.
	Prompts map[string]string `json:"prompts,omitempty"`

	// Conditions maps a condition key ("slot X is missing", "all_slots_filled")
	// to the actions executed when it holds.
	Conditions []SlotCondition `json:"conditions,omitempty"`
}

// SlotCondition pairs a slot-condition key with its action list.
type SlotCondition struct {
	Key     string   `json:"key"`
	Actions []Action `json:"actions"`
}

// SlotDefinition declares a typed information slot.
type SlotDefinition struct {
	Name string `json:"name"`

	// Type is one of "string", "number", "range", "enum", "timeframe", "date".
	Type string `json:"type"`

	// Min/Max bound a range slot (inclusive).
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`

	// Values is the ordered value list for an enum slot.
	Values []string `json:"values,omitempty"`

	Required bool `json:"required"`

	// Default, when present, fills the slot without user input.
	Default *string `json:"default,omitempty"`

	// Strategy is optional extraction metadata: "regex", "semantic", "hybrid".
	Strategy string `json:"strategy,omitempty"`

	// Hints are optional vocabulary/context hints.
	Hints []string `json:"hints,omitempty"`
}

// Block is a conditional action block.
type Block struct {
	// Condition is "confident", "uncertain", "successful", "failed", or a
	// guard expression prefixed with "when ".
	Condition string   `json:"condition"`
	Actions   []Action `json:"actions"`
}

// Action is a tagged action node. Type selects which fields are meaningful.
type Action struct {
	// Type is one of "respond", "offer_choices", "clarify", "capability",
	// "escalate".
	Type string `json:"type"`

	// Template is the response template for respond actions.
	Template string `json:"template,omitempty"`

	// Choices lists options for offer_choices actions.
	Choices []string `json:"choices,omitempty"`

	// Prompt and Options configure clarify actions.
	Prompt  string   `json:"prompt,omitempty"`
	Options []string `json:"options,omitempty"`

	// Capability configures capability actions.
	Capability *Capability `json:"capability,omitempty"`

	// Target is the escalation target for escalate actions.
	Target string `json:"target,omitempty"`
}

// Capability is an external function invocation inside an action block.
type Capability struct {
	Service        string            `json:"service"`
	Function       string            `json:"function"`
	Await          bool              `json:"await"`
	TimeoutSeconds float64           `json:"timeout_seconds,omitempty"`
	Args           map[string]string `json:"args,omitempty"`
}
