// Package slots implements slot filling for moves that declare an
// information schema: deciding which required slots are still missing,
// extracting candidate values from a turn, validating them against the slot's
// declared type, and routing the conversation back to a specific slot prompt
// when information is still outstanding.
//
// Extraction follows a strict precedence. Named regex captures from the
// matched pattern come first. When the conversation is parked on a specific
// slot (awaiting_slot_name), type-specific extraction is applied to the raw
// input for that one slot only — no other slot is opportunistically filled
// from a free-form answer, which keeps a reply like "7" from leaking into an
// unrelated slot.
package slots

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/wittgen/lgdl/pkg/game"
	"github.com/wittgen/lgdl/pkg/lgerr"
	"github.com/wittgen/lgdl/pkg/state"
)

// Manager fills, validates, and clears slots through the state store.
type Manager struct {
	store state.Store
}

// New creates a Manager over the given store.
func New(store state.Store) *Manager {
	return &Manager{store: store}
}

// Missing returns the names of required slots that are neither stored in
// filled nor covered by a declared default, in declaration order.
func Missing(mv *game.Move, filled map[string]game.SlotValue) []string {
	var missing []string
	for _, name := range mv.SlotOrder {
		def := mv.Slots[name]
		if def == nil || !def.Required {
			continue
		}
		if _, ok := filled[name]; ok {
			continue
		}
		if def.HasDefault {
			continue
		}
		missing = append(missing, name)
	}
	return missing
}

// FillResult reports what one filling pass accomplished.
type FillResult struct {
	// Filled lists slot names newly persisted by this pass.
	Filled []string

	// Rejected maps slot names to the validation error for values that were
	// extracted but failed coercion.
	Rejected map[string]error
}

// FillFromCaptures validates each named capture against the move's slot
// schema and persists the accepted values. Captures that name no declared
// slot are ignored — patterns may capture plain parameters that are not
// slots. Validation failures are reported per slot, not fatal: one bad value
// must not discard the rest of the turn's information.
func (m *Manager) FillFromCaptures(ctx context.Context, conversationID string, mv *game.Move, captures map[string]string) (*FillResult, error) {
	res := &FillResult{Rejected: map[string]error{}}

	for _, name := range mv.SlotOrder {
		raw, ok := captures[name]
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		def := mv.Slots[name]

		coerced, err := Validate(def, raw)
		if err != nil {
			res.Rejected[name] = err
			continue
		}
		err = m.store.UpsertSlot(ctx, game.SlotValue{
			ConversationID: conversationID,
			MoveID:         mv.ID,
			SlotName:       name,
			Value:          coerced,
			Kind:           def.Kind,
		})
		if err != nil {
			return nil, fmt.Errorf("slots: persist %q: %w", name, err)
		}
		res.Filled = append(res.Filled, name)
	}
	return res, nil
}

// FillAwaited applies type-specific extraction of rawInput for the single
// slot the conversation is awaiting, validates, and persists. It returns the
// validation error (E3xx) when the input cannot serve the slot, so the caller
// can re-prompt.
func (m *Manager) FillAwaited(ctx context.Context, conversationID string, mv *game.Move, slotName, rawInput string) error {
	def := mv.Slots[slotName]
	if def == nil {
		return lgerr.New(lgerr.CodeSlotUnknown, "move %q declares no slot %q", mv.ID, slotName)
	}

	raw, ok := extractForKind(def.Kind, rawInput)
	if !ok {
		return lgerr.New(lgerr.CodeSlotNotNumeric,
			"no numeric value found in reply for slot %q", slotName).
			WithHint("answer with a number")
	}

	coerced, err := Validate(def, raw)
	if err != nil {
		return err
	}
	err = m.store.UpsertSlot(ctx, game.SlotValue{
		ConversationID: conversationID,
		MoveID:         mv.ID,
		SlotName:       slotName,
		Value:          coerced,
		Kind:           def.Kind,
	})
	if err != nil {
		return fmt.Errorf("slots: persist awaited %q: %w", slotName, err)
	}
	return nil
}

// firstNumberRe pulls the first signed decimal out of a free-form reply.
var firstNumberRe = regexp.MustCompile(`-?\d+(\.\d+)?`)

// extractForKind applies the per-kind extraction rule to a raw reply.
func extractForKind(kind game.SlotKind, rawInput string) (string, bool) {
	switch kind {
	case game.SlotNumber, game.SlotRange:
		n := firstNumberRe.FindString(rawInput)
		return n, n != ""
	default:
		// string / enum / timeframe / date take the whole trimmed input.
		return strings.TrimSpace(rawInput), true
	}
}

// Values returns the template-ready view of the stored slot values for
// (conversationID, move), with declared defaults applied for any slot that
// has no stored value.
func (m *Manager) Values(ctx context.Context, conversationID string, mv *game.Move) (map[string]string, error) {
	stored, err := m.store.Slots(ctx, conversationID, mv.ID)
	if err != nil {
		return nil, fmt.Errorf("slots: load: %w", err)
	}

	out := make(map[string]string, len(mv.Slots))
	for _, name := range mv.SlotOrder {
		if v, ok := stored[name]; ok {
			out[name] = v.Value
			continue
		}
		if def := mv.Slots[name]; def != nil && def.HasDefault {
			out[name] = fmt.Sprint(def.Default)
		}
	}
	return out, nil
}

// Stored returns the raw stored slot values for (conversationID, move).
func (m *Manager) Stored(ctx context.Context, conversationID string, mv *game.Move) (map[string]game.SlotValue, error) {
	return m.store.Slots(ctx, conversationID, mv.ID)
}

// Clear removes every stored slot for (conversationID, move). Called after
// the all_slots_filled actions have run.
func (m *Manager) Clear(ctx context.Context, conversationID string, mv *game.Move) error {
	return m.store.ClearSlots(ctx, conversationID, mv.ID)
}

// ─────────────────────────────────────────────────────────────────────────────
// Validation
// ─────────────────────────────────────────────────────────────────────────────

// Validate coerces raw against def's kind and returns the canonical string
// form, or a coded E3xx error.
func Validate(def *game.SlotDef, raw string) (string, error) {
	raw = strings.TrimSpace(raw)

	switch def.Kind {
	case game.SlotString:
		return raw, nil

	case game.SlotNumber:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return "", lgerr.New(lgerr.CodeSlotNotNumeric,
				"%q is not a number for slot %q", raw, def.Name)
		}
		return formatFloat(f), nil

	case game.SlotRange:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return "", lgerr.New(lgerr.CodeSlotNotNumeric,
				"%q is not a number for slot %q", raw, def.Name)
		}
		if f < def.Min || f > def.Max {
			return "", lgerr.New(lgerr.CodeSlotOutOfRange,
				"%v is outside %v..%v for slot %q", f, def.Min, def.Max, def.Name).
				WithHint(fmt.Sprintf("give a value between %v and %v", def.Min, def.Max))
		}
		return formatFloat(f), nil

	case game.SlotEnum:
		return validateEnum(def, raw)

	case game.SlotTimeframe:
		return validateTimeframe(def, raw)

	case game.SlotDate:
		return validateDate(def, raw)

	default:
		return raw, nil
	}
}

// validateEnum matches with priority exact → case-insensitive exact →
// substring. Ambiguous substring hits resolve to the first declared value.
func validateEnum(def *game.SlotDef, raw string) (string, error) {
	for _, v := range def.Values {
		if raw == v {
			return v, nil
		}
	}
	for _, v := range def.Values {
		if strings.EqualFold(raw, v) {
			return v, nil
		}
	}
	lower := strings.ToLower(raw)
	for _, v := range def.Values {
		if strings.Contains(lower, strings.ToLower(v)) {
			return v, nil
		}
	}
	return "", lgerr.New(lgerr.CodeSlotBadEnum,
		"%q matches none of %v for slot %q", raw, def.Values, def.Name).
		WithHint("choose one of: " + strings.Join(def.Values, ", "))
}

// timeframePhrases is the closed set of free-form timeframe answers accepted
// verbatim.
var timeframePhrases = map[string]struct{}{
	"just now":     {},
	"recently":     {},
	"yesterday":    {},
	"this morning": {},
	"a while ago":  {},
}

var (
	durationRe = regexp.MustCompile(`^(\d+)\s+(second|minute|hour|day|week|month|year)s?(\s+ago)?$`)
	fewRe      = regexp.MustCompile(`^a few (seconds?|minutes?|hours?|days?|weeks?|months?|years?)(\s+ago)?$`)
)

// validateTimeframe accepts "<int> <unit>[s] [ago]", "a few <unit>", or a
// known phrase.
func validateTimeframe(def *game.SlotDef, raw string) (string, error) {
	lower := strings.ToLower(strings.Join(strings.Fields(raw), " "))

	if _, ok := timeframePhrases[lower]; ok {
		return lower, nil
	}
	if durationRe.MatchString(lower) || fewRe.MatchString(lower) {
		return lower, nil
	}
	return "", lgerr.New(lgerr.CodeSlotBadTimeframe,
		"%q is not a recognised timeframe for slot %q", raw, def.Name).
		WithHint(`use a duration like "3 days ago" or a phrase like "yesterday"`)
}

// dateLayouts are the accepted date forms, tried in order.
var dateLayouts = []string{
	"2006-01-02", // ISO
	"01/02/2006", // US
	"01/02/06",   // US short year
	"02-01-2006", // dashed day-first
}

// validateDate canonicalizes any accepted layout to ISO YYYY-MM-DD.
func validateDate(def *game.SlotDef, raw string) (string, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.Format("2006-01-02"), nil
		}
	}
	return "", lgerr.New(lgerr.CodeSlotBadDate,
		"%q matches no accepted date form for slot %q", raw, def.Name).
		WithHint("use YYYY-MM-DD")
}

// formatFloat renders whole numbers without a trailing fraction.
func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
