// Package lgerr defines the coded error values used throughout the LGDL runtime.
//
// Every failure the runtime can report carries a stable [Code] so that
// operators, tests, and API clients can classify errors without parsing
// message strings. Codes are grouped by subsystem:
//
//	E001–E099  template and variable expansion
//	E100–E199  IR compilation
//	E200–E299  runtime, negotiation, and capability invocation
//	E300–E399  slot validation
//	E400–E499  learning engine
//
// Coded errors are ordinary error values: wrap them with fmt.Errorf("...: %w")
// and recover them with [FromError] or errors.As. The Message field is written
// for logs; user-facing responses must go through [Error.Sanitized], which
// never exposes locations, hints, or wrapped detail.
package lgerr

import (
	"errors"
	"fmt"
)

// Code is a stable error identifier such as "E001" or "E312".
type Code string

// Template and variable expansion errors (E001–E099).
const (
	CodeMissingVariable Code = "E001" // variable path has no value and no fallback
	CodeExprForbidden   Code = "E010" // arithmetic expression uses a disallowed construct
	CodeExprTooLong     Code = "E011" // arithmetic expression source exceeds the length cap
	CodeExprMagnitude   Code = "E012" // arithmetic result magnitude out of bounds
)

// IR compilation errors (E100–E199).
const (
	CodeUnknownSlotRef    Code = "E100" // pattern references a slot the move does not declare
	CodeDuplicateMove     Code = "E101" // two moves share an id
	CodeEmptyEnum         Code = "E102" // enum slot declared with no values
	CodeInvertedRange     Code = "E103" // range slot with min > max
	CodeClarifyNoOptions  Code = "E104" // clarify action requires options but has none
	CodeUnknownCapability Code = "E105" // capability call without a matching service declaration
	CodeBadPattern        Code = "E106" // pattern text does not compile to a regex
	CodeBadConfidence     Code = "E107" // confidence literal outside [0,1] or unknown band
)

// Runtime, negotiation, and capability errors (E200–E299).
const (
	CodeNoClarifyAction    Code = "E200" // negotiation requested on a move without a clarify action
	CodeNegotiationRunaway Code = "E201" // negotiation exceeded its hard iteration cap
	CodeNoAskCallback      Code = "E202" // negotiation has no user-prompt callback installed
	CodeCapabilityDenied   Code = "E210" // capability not in the game's allowlist
	CodeCapabilityArgs     Code = "E211" // capability arguments fail contract schema validation
	CodeCapabilityTimeout  Code = "E212" // capability call exceeded its deadline
	CodeCapabilityFailed   Code = "E213" // capability transport or service error
	CodeAdmissionRejected  Code = "E220" // per-game in-flight turn cap exceeded
	CodeStoreDegraded      Code = "E221" // state store unavailable; turn ran stateless
	CodeUnknownGame        Code = "E222" // game id not present in the registry
)

// Slot validation errors (E300–E399).
const (
	CodeSlotNotNumeric   Code = "E300" // value cannot be coerced to a number
	CodeSlotOutOfRange   Code = "E301" // numeric value outside the declared inclusive range
	CodeSlotBadEnum      Code = "E302" // value matches none of the enum's declared values
	CodeSlotBadTimeframe Code = "E303" // value is not a recognised duration or known phrase
	CodeSlotBadDate      Code = "E304" // value matches no accepted date layout
	CodeSlotUnknown      Code = "E305" // slot name not declared on the move
)

// Learning errors (E400–E499).
const (
	CodeLearningDisabled   Code = "E400" // proposal submitted while learning is disabled
	CodeProposalUnknown    Code = "E401" // approval references a proposal id that does not exist
	CodeApprovalNoReviewer Code = "E402" // approval event without a human reviewer id
	CodeAdjustmentBounds   Code = "E403" // confidence adjustment outside the ±0.05 bound
)

// Error is a coded runtime error. Location and Hint are optional and are only
// ever written to logs, never to user-visible output.
type Error struct {
	Code     Code
	Message  string
	Location string
	Hint     string

	// wrapped is the underlying cause, if any.
	wrapped error
}

// New creates a coded error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a coded error wrapping an underlying cause.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), wrapped: cause}
}

// At returns a copy of e annotated with a source location (e.g. a move id or
// "move greeting, pattern 2"). The location appears in logs only.
func (e *Error) At(location string) *Error {
	cp := *e
	cp.Location = location
	return &cp
}

// WithHint returns a copy of e carrying an operator-facing remediation hint.
func (e *Error) WithHint(hint string) *Error {
	cp := *e
	cp.Hint = hint
	return &cp
}

// Error implements the error interface. The full form is intended for logs.
func (e *Error) Error() string {
	if e.Location != "" {
		return fmt.Sprintf("[%s] %s (at %s)", e.Code, e.Message, e.Location)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.wrapped }

// Is reports whether target is a coded error with the same code. This lets
// callers write errors.Is(err, lgerr.New(lgerr.CodeSlotOutOfRange, "")) as well
// as the more common errors.As form.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// Sanitized returns the user-visible form of the error: the code and a generic
// message with no location, hint, or wrapped detail.
func (e *Error) Sanitized() string {
	return fmt.Sprintf("request could not be completed (%s)", e.Code)
}

// FromError extracts a coded error from err's chain. Returns (nil, false) when
// err carries no code.
func FromError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the code carried by err, or the empty Code when err is not a
// coded error. Convenient in tests and metrics labels.
func CodeOf(err error) Code {
	if e, ok := FromError(err); ok {
		return e.Code
	}
	return ""
}
