// Package engine is the turn pipeline: it takes one user utterance for one
// conversation and drives it through sanitisation, state loading, routing,
// matching, slot filling, negotiation, and action execution, then persists
// the finished turn.
//
// Turns for different conversations run in parallel; turns for the same
// conversation are serialised by a striped lock so each turn observes
// read-your-writes on the state store. A per-game admission cap rejects
// excess load up front (E220) instead of queueing it.
//
// The pipeline degrades rather than fails: a dead state store produces a
// stateless turn (E221 in logs, degraded flag in the result), a template
// error silences the failing action only, and every learning-engine error is
// swallowed after logging.
package engine

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wittgen/lgdl/internal/capability"
	"github.com/wittgen/lgdl/internal/enrich"
	"github.com/wittgen/lgdl/internal/firewall"
	"github.com/wittgen/lgdl/internal/learning"
	"github.com/wittgen/lgdl/internal/match"
	"github.com/wittgen/lgdl/internal/negotiate"
	"github.com/wittgen/lgdl/internal/observe"
	"github.com/wittgen/lgdl/internal/registry"
	"github.com/wittgen/lgdl/internal/slots"
	"github.com/wittgen/lgdl/pkg/game"
	"github.com/wittgen/lgdl/pkg/lgerr"
	"github.com/wittgen/lgdl/pkg/state"
	statememory "github.com/wittgen/lgdl/pkg/state/memory"
)

// lockStripes is the size of the per-conversation lock table.
const lockStripes = 64

// fallbackResponse is the sanitized reply for turns that match nothing.
const fallbackResponse = "I'm not sure I understand. Could you rephrase that?"

// Request is one utterance to process.
type Request struct {
	GameID         string
	ConversationID string

	// Input is the raw user utterance.
	Input string

	// Ask, when set, lets the negotiation loop put clarifying questions to
	// the user synchronously (interactive transports). When nil the engine
	// parks the clarify question on the conversation instead and the next
	// turn continues via context enrichment.
	Ask negotiate.AskFunc
}

// NegotiationSummary condenses a clarification loop for the turn result.
type NegotiationSummary struct {
	Rounds     int     `json:"rounds"`
	Reason     string  `json:"reason"`
	FinalScore float64 `json:"final_score"`
	Success    bool    `json:"success"`
}

// Result is the engine's answer for one turn.
type Result struct {
	// ManifestID uniquely identifies this turn execution in logs.
	ManifestID string `json:"manifest_id"`

	// MoveID is the executed move, empty when nothing matched.
	MoveID string `json:"move_id,omitempty"`

	// Confidence is the final matcher score for MoveID.
	Confidence float64 `json:"confidence"`

	// Stage names the cascade stage that produced the winning score.
	Stage string `json:"stage,omitempty"`

	// Response is the rendered user-visible reply.
	Response string `json:"response"`

	// AwaitingSlot is the slot the conversation is now parked on, if any.
	AwaitingSlot string `json:"awaiting_slot,omitempty"`

	// SlotsFilled maps slot names filled this turn to their canonical values.
	SlotsFilled map[string]string `json:"slots_filled,omitempty"`

	// SlotsRejected maps slot names to the sanitized validation message for
	// values rejected this turn.
	SlotsRejected map[string]string `json:"slots_rejected,omitempty"`

	// Negotiation summarises the clarification loop, when one ran.
	Negotiation *NegotiationSummary `json:"negotiation,omitempty"`

	// PendingToken identifies a non-awaited capability dispatch.
	PendingToken string `json:"pending_token,omitempty"`

	// FirewallTriggered is true when sanitisation changed the input.
	FirewallTriggered bool `json:"firewall_triggered"`

	// Degraded is true when the turn ran without a working state store.
	Degraded bool `json:"degraded"`

	Outcome game.Outcome `json:"outcome"`

	// CostUSD is the estimated LLM spend for this turn.
	CostUSD float64 `json:"cost_usd"`

	LatencyMS int64 `json:"latency_ms"`
}

// Engine drives turns. All fields are set at construction and never mutated.
type Engine struct {
	registry   *registry.Registry
	store      state.Store
	matcher    *match.Matcher
	negotiator *negotiate.Negotiator
	enricher   *enrich.Enricher
	learner    *learning.Engine
	metrics    *observe.Metrics

	maxInFlight int

	locks [lockStripes]sync.Mutex

	mu       sync.Mutex
	inFlight map[string]int
}

// Option configures an [Engine].
type Option func(*Engine)

// WithLearning installs the learning engine. Nil disables the hook.
func WithLearning(l *learning.Engine) Option {
	return func(e *Engine) { e.learner = l }
}

// WithMetrics installs the metrics sink. Nil disables instrumentation.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithMaxInFlightPerGame caps concurrent turns per game. Zero or negative
// disables admission control.
func WithMaxInFlightPerGame(n int) Option {
	return func(e *Engine) { e.maxInFlight = n }
}

// WithNegotiator replaces the default clarification loop, so round budget
// and stagnation epsilon can come from config.
func WithNegotiator(n *negotiate.Negotiator) Option {
	return func(e *Engine) { e.negotiator = n }
}

// New creates an Engine.
func New(reg *registry.Registry, store state.Store, matcher *match.Matcher, opts ...Option) *Engine {
	e := &Engine{
		registry:   reg,
		store:      store,
		matcher:    matcher,
		negotiator: negotiate.New(matcher),
		enricher:   enrich.New(0),
		inFlight:   make(map[string]int),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Process runs one turn end to end.
func (e *Engine) Process(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	entry, err := e.registry.Get(req.GameID)
	if err != nil {
		return nil, err
	}
	if req.ConversationID == "" {
		return nil, fmt.Errorf("engine: empty conversation id")
	}

	if err := e.admit(req.GameID); err != nil {
		if e.metrics != nil {
			e.metrics.RecordError(ctx, string(lgerr.CodeAdmissionRejected))
		}
		return nil, err
	}
	defer e.release(req.GameID)

	lock := &e.locks[stripe(req.ConversationID)]
	lock.Lock()
	defer lock.Unlock()

	if e.metrics != nil {
		e.metrics.ActiveTurns.Add(ctx, 1)
		defer e.metrics.ActiveTurns.Add(ctx, -1)
	}

	t := &turn{
		engine:  e,
		entry:   entry,
		req:     req,
		result:  &Result{ManifestID: uuid.NewString(), Outcome: game.OutcomeUnknown},
		started: start,
	}
	if err := t.run(ctx); err != nil {
		return nil, err
	}

	t.result.LatencyMS = time.Since(start).Milliseconds()
	if e.metrics != nil {
		e.metrics.TurnDuration.Record(ctx, time.Since(start).Seconds())
		e.metrics.RecordTurn(ctx, req.GameID, t.result.MoveID, t.result.Stage)
		if t.result.CostUSD > 0 {
			e.metrics.LLMCostUSD.Add(ctx, t.result.CostUSD)
		}
		// The awaiting gauge moves only on transitions, so concurrent turns
		// for different conversations keep it consistent.
		switch now := t.awaiting(); {
		case now && !t.wasAwaiting:
			e.metrics.AwaitingConversations.Add(ctx, 1)
		case !now && t.wasAwaiting:
			e.metrics.AwaitingConversations.Add(ctx, -1)
		}
	}
	return t.result, nil
}

// admit reserves an in-flight slot for the game or rejects with E220.
func (e *Engine) admit(gameID string) error {
	if e.maxInFlight <= 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight[gameID] >= e.maxInFlight {
		return lgerr.New(lgerr.CodeAdmissionRejected,
			"game %q is at its concurrent turn limit", gameID)
	}
	e.inFlight[gameID]++
	return nil
}

func (e *Engine) release(gameID string) {
	if e.maxInFlight <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight[gameID] > 0 {
		e.inFlight[gameID]--
	}
}

func stripe(conversationID string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(conversationID))
	return h.Sum32() % lockStripes
}

// ─── per-turn state ─────────────────────────────────────────────────────────

// turn carries the working state of one Process call.
type turn struct {
	engine  *Engine
	entry   *registry.Entry
	req     Request
	result  *Result
	started time.Time

	store state.Store
	slots *slots.Manager
	conv  *game.Conversation

	sanitized string
	log       *slog.Logger

	// wasAwaiting snapshots whether the conversation was parked on a question
	// or slot prompt when the turn began, for the awaiting gauge.
	wasAwaiting bool
}

// awaiting reports whether the conversation is parked after this turn.
func (t *turn) awaiting() bool {
	return t.conv != nil && (t.conv.AwaitingResponse || t.conv.AwaitingSlot())
}

// run executes the pipeline stages in order.
func (t *turn) run(ctx context.Context) error {
	t.log = slog.With(
		"manifest", t.result.ManifestID,
		"game", t.req.GameID,
		"conversation", t.req.ConversationID,
	)

	// Input firewall.
	fw := firewall.Sanitize(t.req.Input)
	t.sanitized = fw.Sanitized
	t.result.FirewallTriggered = fw.Triggered
	if fw.Triggered {
		t.log.Warn("input firewall triggered")
		if t.engine.metrics != nil {
			t.engine.metrics.FirewallTriggers.Add(ctx, 1)
		}
	}

	// State. A dead store downgrades the turn to stateless: a fresh
	// in-memory store scoped to this turn keeps the slot manager working.
	t.store = t.engine.store
	conv, err := t.store.GetOrCreate(ctx, t.req.ConversationID)
	if err != nil {
		t.log.Error("state store unavailable, running stateless",
			"code", lgerr.CodeStoreDegraded, "err", err)
		if t.engine.metrics != nil {
			t.engine.metrics.RecordError(ctx, string(lgerr.CodeStoreDegraded))
		}
		t.result.Degraded = true
		t.store = statememory.New()
		conv, err = t.store.GetOrCreate(ctx, t.req.ConversationID)
		if err != nil {
			return fmt.Errorf("engine: degraded store: %w", err)
		}
	}
	t.conv = conv
	t.slots = slots.New(t.store)
	t.wasAwaiting = t.awaiting()

	// Route: a parked slot prompt bypasses matching entirely.
	if t.conv.AwaitingSlot() {
		if mv := t.entry.Game.MoveByID(t.conv.AwaitingSlotMove); mv != nil {
			return t.resumeSlot(ctx, mv)
		}
		// The move disappeared (game reloaded). Clear the cursor and fall
		// through to matching.
		t.conv.AwaitingSlotMove = ""
		t.conv.AwaitingSlotName = ""
	}

	return t.matchAndExecute(ctx)
}

// matchAndExecute runs the cascade and drives the selected move.
func (t *turn) matchAndExecute(ctx context.Context) error {
	in, err := t.matchInput(ctx)
	if err != nil {
		return err
	}

	res, err := t.engine.matcher.Match(ctx, t.entry.Game, in)
	if err != nil {
		t.log.Error("matcher failed", "err", err)
		return t.finishUnmatched(ctx)
	}
	if res == nil {
		return t.finishUnmatched(ctx)
	}

	if t.engine.metrics != nil {
		for stage, d := range res.StageLatency {
			t.engine.metrics.RecordStage(ctx, stage.String(), d.Seconds())
		}
	}

	t.result.MoveID = res.Move.ID
	t.result.Confidence = res.Score
	t.result.Stage = res.Stage.String()
	t.result.CostUSD = res.CostUSD
	t.log.Info("move matched",
		"move", res.Move.ID, "score", res.Score, "stage", res.Stage.String())

	mv := res.Move

	// Slot phase.
	if mv.HasSlots() {
		done, err := t.fillSlots(ctx, mv, res.Captures)
		if err != nil || !done {
			return err
		}
	}

	// Negotiation phase.
	if res.Score < mv.Threshold && mv.ClarifyAction != nil {
		handled, err := t.negotiate(ctx, mv, in, res)
		if err != nil || handled {
			return err
		}
	}

	return t.execute(ctx, mv, res.Score, res.Captures)
}

// matchInput assembles the cascade input from history, slots, and context.
func (t *turn) matchInput(ctx context.Context) (match.Input, error) {
	in := match.Input{
		Text:    t.engine.enricher.ForMatching(t.conv, t.sanitized),
		Context: map[string]any{},
	}

	history, err := t.store.RecentTurns(ctx, t.req.ConversationID, state.DefaultRecentTurns)
	if err == nil {
		in.History = history
	} else {
		t.log.Warn("history unavailable", "err", err)
	}
	stored, err := t.store.Context(ctx, t.req.ConversationID)
	if err == nil {
		for k, v := range stored {
			in.Context[k] = v
		}
	}
	if t.conv.CurrentMove != "" {
		if vals, err := t.valuesFor(ctx, t.conv.CurrentMove); err == nil {
			in.Slots = vals
		}
	}
	return in, nil
}

func (t *turn) valuesFor(ctx context.Context, moveID string) (map[string]string, error) {
	mv := t.entry.Game.MoveByID(moveID)
	if mv == nil {
		return nil, nil
	}
	return t.slots.Values(ctx, t.req.ConversationID, mv)
}

// finishUnmatched ends a turn no move scored on.
func (t *turn) finishUnmatched(ctx context.Context) error {
	t.result.Response = fallbackResponse
	t.result.Outcome = game.OutcomeUnknown
	t.persist(ctx, "")
	t.observe(ctx, learning.OutcomeUnmatched, nil)
	return nil
}

// resumeSlot handles a turn while parked on a slot prompt: the whole input is
// the awaited slot's value.
func (t *turn) resumeSlot(ctx context.Context, mv *game.Move) error {
	slotName := t.conv.AwaitingSlotName
	t.result.MoveID = mv.ID
	t.result.Stage = "routed"
	t.result.Confidence = 1

	if err := t.slots.FillAwaited(ctx, t.req.ConversationID, mv, slotName, t.sanitized); err != nil {
		if code := lgerr.CodeOf(err); strings.HasPrefix(string(code), "E3") {
			// Validation failure: re-prompt for the same slot.
			t.log.Info("slot value rejected", "slot", slotName, "code", code)
			t.result.SlotsRejected = map[string]string{slotName: rejectionMessage(mv, slotName)}
			t.result.Response = t.slotPrompt(ctx, mv, slotName)
			t.result.AwaitingSlot = slotName
			t.persist(ctx, mv.ID)
			return nil
		}
		return err
	}
	t.result.SlotsFilled = map[string]string{slotName: t.storedValue(ctx, mv, slotName)}

	// The awaited slot landed. Continue with the move's remaining slots.
	done, err := t.advanceSlots(ctx, mv)
	if err != nil || !done {
		return err
	}
	return t.execute(ctx, mv, 1, nil)
}

// fillSlots runs the capture pass and prompts for the first missing slot.
// Returns done=false when the turn ended with a slot prompt.
func (t *turn) fillSlots(ctx context.Context, mv *game.Move, captures map[string]string) (bool, error) {
	if len(captures) > 0 {
		fr, err := t.slots.FillFromCaptures(ctx, t.req.ConversationID, mv, captures)
		if err != nil {
			return false, err
		}
		if len(fr.Filled) > 0 {
			t.result.SlotsFilled = map[string]string{}
			for _, name := range fr.Filled {
				t.result.SlotsFilled[name] = t.storedValue(ctx, mv, name)
			}
		}
		if len(fr.Rejected) > 0 {
			t.result.SlotsRejected = map[string]string{}
			for name := range fr.Rejected {
				t.result.SlotsRejected[name] = rejectionMessage(mv, name)
			}
		}
	}
	return t.advanceSlots(ctx, mv)
}

// advanceSlots prompts for the first missing required slot, or reports the
// slot phase complete.
func (t *turn) advanceSlots(ctx context.Context, mv *game.Move) (bool, error) {
	stored, err := t.slots.Stored(ctx, t.req.ConversationID, mv)
	if err != nil {
		return false, err
	}
	missing := slots.Missing(mv, stored)
	if len(missing) == 0 {
		t.conv.AwaitingSlotMove = ""
		t.conv.AwaitingSlotName = ""
		return true, nil
	}

	next := missing[0]
	t.result.Response = t.slotPrompt(ctx, mv, next)
	t.result.AwaitingSlot = next
	t.conv.AwaitingSlotMove = mv.ID
	t.conv.AwaitingSlotName = next
	t.conv.AwaitingResponse = true
	t.conv.LastQuestion = t.result.Response
	t.persist(ctx, mv.ID)
	return false, nil
}

// slotPrompt renders the prompt for a missing slot: the move's declared
// missing-slot actions when present, the slot prompt template otherwise.
func (t *turn) slotPrompt(ctx context.Context, mv *game.Move, slot string) string {
	tctx := t.templateContext(ctx, mv, nil)

	if actions, ok := mv.SlotConditions[game.MissingSlotKey(slot)]; ok {
		var parts []string
		for i := range actions {
			if text := t.renderAction(ctx, mv, &actions[i], tctx, nil); text != "" {
				parts = append(parts, text)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, " ")
		}
	}
	if tmpl, ok := mv.SlotPrompts[slot]; ok {
		if out, err := t.entry.Templates.Render(tmpl, tctx); err == nil {
			return out
		} else {
			t.log.Error("slot prompt render failed", "slot", slot, "err", err)
		}
	}
	return fmt.Sprintf("Could you tell me the %s?", strings.ReplaceAll(slot, "_", " "))
}

// negotiate runs or parks the clarification loop. handled=true means the
// turn is finished.
func (t *turn) negotiate(ctx context.Context, mv *game.Move, in match.Input, res *match.Result) (bool, error) {
	if t.req.Ask == nil {
		// Non-interactive transport: surface the clarify question and let
		// context enrichment carry the answer into the next turn.
		q := t.clarifyQuestion(ctx, mv)
		t.result.Response = q
		t.conv.AwaitingResponse = true
		t.conv.LastQuestion = q
		t.conv.CurrentMove = mv.ID
		t.persist(ctx, mv.ID)
		return true, nil
	}

	out, err := t.engine.negotiator.Run(ctx, t.entry.Game, mv, in, res.Score, t.req.Ask)
	if err != nil {
		t.log.Error("negotiation failed", "code", lgerr.CodeOf(err), "err", err)
		if t.engine.metrics != nil {
			t.engine.metrics.RecordError(ctx, string(lgerr.CodeOf(err)))
		}
		// Negotiation errors short-circuit the phase, not the turn.
		return false, nil
	}
	t.result.Negotiation = &NegotiationSummary{
		Rounds:     len(out.Rounds),
		Reason:     string(out.Reason),
		FinalScore: out.FinalScore,
		Success:    out.Success,
	}
	if t.engine.metrics != nil {
		t.engine.metrics.RecordNegotiation(ctx, t.req.GameID, string(out.Reason))
	}
	if !out.Success {
		t.result.Response = "I wasn't able to work out what you need. Could you start over?"
		t.result.Outcome = game.OutcomeFailure
		t.persist(ctx, mv.ID)
		t.observe(ctx, learning.OutcomeAbandoned, t.result.Negotiation)
		return true, nil
	}

	t.result.Confidence = out.FinalScore
	if len(out.Captures) > 0 && mv.HasSlots() {
		if done, err := t.fillSlots(ctx, mv, out.Captures); err != nil || !done {
			return true, err
		}
	}
	return true, t.execute(ctx, mv, out.FinalScore, out.Captures)
}

// clarifyQuestion renders the move's clarify prompt with options.
func (t *turn) clarifyQuestion(ctx context.Context, mv *game.Move) string {
	tctx := t.templateContext(ctx, mv, nil)
	q := mv.ClarifyAction.Prompt
	if out, err := t.entry.Templates.Render(q, tctx); err == nil {
		q = out
	}
	if len(mv.ClarifyAction.Options) > 0 {
		q += " (" + strings.Join(mv.ClarifyAction.Options, ", ") + ")"
	}
	return q
}

// ─── action execution ───────────────────────────────────────────────────────

// execute runs the move's condition blocks and finishes the turn.
func (t *turn) execute(ctx context.Context, mv *game.Move, score float64, captures map[string]string) error {
	tctx := t.templateContext(ctx, mv, captures)

	var (
		responses  []string
		lastStatus capability.Status
	)

	// Slot-completion actions run before the condition blocks.
	if mv.HasSlots() {
		for i := range mv.SlotConditions[game.AllSlotsKey] {
			act := &mv.SlotConditions[game.AllSlotsKey][i]
			if text := t.renderAction(ctx, mv, act, tctx, &lastStatus); text != "" {
				responses = append(responses, text)
			}
		}
	}

	// Two passes, one block each. The first pass picks the first applicable
	// confidence/guard block in declaration order; its actions may invoke a
	// capability. The second pass then routes on the resulting status, again
	// taking only the first applicable when-successful/when-failed block.
	confident := score >= mv.Threshold
	for i := range mv.Blocks {
		b := &mv.Blocks[i]
		if statusRouted(b.Condition) || !blockApplies(b, confident, lastStatus, tctx) {
			continue
		}
		for j := range b.Actions {
			if text := t.renderAction(ctx, mv, &b.Actions[j], tctx, &lastStatus); text != "" {
				responses = append(responses, text)
			}
		}
		break
	}
	for i := range mv.Blocks {
		b := &mv.Blocks[i]
		if !statusRouted(b.Condition) || !blockApplies(b, confident, lastStatus, tctx) {
			continue
		}
		for j := range b.Actions {
			if text := t.renderAction(ctx, mv, &b.Actions[j], tctx, &lastStatus); text != "" {
				responses = append(responses, text)
			}
		}
		break
	}

	t.result.Response = strings.Join(responses, " ")
	if t.result.Response == "" {
		t.result.Response = fallbackResponse
	}

	switch lastStatus {
	case capability.StatusFailed:
		t.result.Outcome = game.OutcomeFailure
	default:
		t.result.Outcome = game.OutcomeSuccess
	}

	// Question detection: a reply that ends by asking something parks the
	// conversation, unless a slot prompt already did.
	t.conv.CurrentMove = mv.ID
	if t.result.AwaitingSlot == "" {
		if q, ok := trailingQuestion(t.result.Response); ok {
			t.conv.AwaitingResponse = true
			t.conv.LastQuestion = q
		} else {
			t.conv.AwaitingResponse = false
			t.conv.LastQuestion = ""
		}
	}

	// Persist captures as extracted context for later guards.
	for k, v := range captures {
		e := game.ContextEntry{ConversationID: t.req.ConversationID, Key: k, Value: v}
		if err := t.store.SaveContext(ctx, e); err != nil {
			t.log.Warn("context persist failed", "key", k, "err", err)
		}
	}

	t.persist(ctx, mv.ID)

	// A completed move releases its slot state.
	if mv.HasSlots() && t.result.Outcome == game.OutcomeSuccess {
		if err := t.slots.Clear(ctx, t.req.ConversationID, mv); err != nil {
			t.log.Warn("slot clear failed", "err", err)
		}
	}

	switch t.result.Outcome {
	case game.OutcomeFailure:
		t.observe(ctx, learning.OutcomeFailed, t.result.Negotiation)
	default:
		t.observe(ctx, learning.OutcomeSuccess, t.result.Negotiation)
	}
	return nil
}

// statusRouted reports whether the condition routes on a capability outcome
// rather than on match confidence or a guard.
func statusRouted(c game.ConditionKind) bool {
	return c == game.CondSuccessful || c == game.CondFailed
}

// blockApplies evaluates one block condition.
func blockApplies(b *game.Block, confident bool, lastStatus capability.Status, tctx map[string]any) bool {
	switch b.Condition {
	case game.CondConfident:
		return confident
	case game.CondUncertain:
		return !confident
	case game.CondSuccessful:
		return lastStatus == capability.StatusSuccess
	case game.CondFailed:
		return lastStatus == capability.StatusFailed
	case game.CondGuarded:
		return b.Guard != nil && b.Guard.Eval(tctx)
	}
	return false
}

// renderAction executes one action and returns its user-visible text.
// Template failures silence the action; capability results update lastStatus.
func (t *turn) renderAction(ctx context.Context, mv *game.Move, act *game.Action, tctx map[string]any, lastStatus *capability.Status) string {
	switch act.Kind {
	case game.ActionRespond:
		out, err := t.entry.Templates.Render(act.Template, tctx)
		if err != nil {
			t.log.Error("template render failed",
				"code", lgerr.CodeOf(err), "move", mv.ID, "err", err)
			if t.engine.metrics != nil {
				t.engine.metrics.RecordError(ctx, string(lgerr.CodeOf(err)))
			}
			return ""
		}
		return out

	case game.ActionOfferChoices:
		return "Please choose one of: " + strings.Join(act.Choices, ", ") + "."

	case game.ActionClarify:
		q := act.Clarify.Prompt
		if out, err := t.entry.Templates.Render(q, tctx); err == nil {
			q = out
		}
		if len(act.Clarify.Options) > 0 {
			q += " (" + strings.Join(act.Clarify.Options, ", ") + ")"
		}
		return q

	case game.ActionCapability:
		return t.invokeCapability(ctx, act.Capability, tctx, lastStatus)

	case game.ActionEscalate:
		if lastStatus != nil {
			*lastStatus = capability.StatusFailed
		}
		t.log.Info("escalating", "target", act.Target)
		return "Let me connect you with " + act.Target + "."
	}
	return ""
}

// invokeCapability renders arg bindings and dispatches through the game's
// invoker.
func (t *turn) invokeCapability(ctx context.Context, act *game.CapabilityAction, tctx map[string]any, lastStatus *capability.Status) string {
	if t.entry.Invoker == nil {
		t.log.Error("capability action without a contract", "capability", act.Qualified())
		if lastStatus != nil {
			*lastStatus = capability.StatusFailed
		}
		return ""
	}

	args := make(map[string]string, len(act.ArgBindings))
	for name, tmpl := range act.ArgBindings {
		out, err := t.entry.Templates.Render(tmpl, tctx)
		if err != nil {
			t.log.Error("capability arg render failed",
				"capability", act.Qualified(), "arg", name, "err", err)
			if lastStatus != nil {
				*lastStatus = capability.StatusFailed
			}
			return ""
		}
		args[name] = out
	}

	capStart := time.Now()
	res, err := t.entry.Invoker.Invoke(ctx, t.entry.Game, act, args)
	if t.engine.metrics != nil {
		t.engine.metrics.CapabilityDuration.Record(ctx, time.Since(capStart).Seconds())
	}
	if err != nil {
		t.log.Error("capability invocation failed", "capability", act.Qualified(), "err", err)
		if lastStatus != nil {
			*lastStatus = capability.StatusFailed
		}
		return ""
	}
	if t.engine.metrics != nil {
		t.engine.metrics.RecordCapabilityCall(ctx, act.Qualified(), string(res.Status))
	}

	if lastStatus != nil {
		*lastStatus = res.Status
	}
	switch res.Status {
	case capability.StatusSuccess:
		tctx["result"] = res.Payload
		return ""
	case capability.StatusPending:
		t.result.PendingToken = res.PendingToken
		return ""
	case capability.StatusNotAllowed:
		t.log.Warn("capability denied", "capability", act.Qualified())
		return res.UserMessage
	default:
		t.log.Error("capability failed",
			"capability", act.Qualified(), "code", lgerr.CodeOf(res.Err), "err", res.Err)
		if t.engine.metrics != nil {
			t.engine.metrics.RecordError(ctx, string(lgerr.CodeOf(res.Err)))
		}
		return ""
	}
}

// templateContext merges slot values, stored context, and captures for
// rendering. Captures win over stored values.
func (t *turn) templateContext(ctx context.Context, mv *game.Move, captures map[string]string) map[string]any {
	tctx := map[string]any{}

	if stored, err := t.store.Context(ctx, t.req.ConversationID); err == nil {
		for k, v := range stored {
			tctx[k] = v
		}
	}
	if vals, err := t.slots.Values(ctx, t.req.ConversationID, mv); err == nil {
		for k, v := range vals {
			tctx[k] = v
		}
	}
	for k, v := range captures {
		tctx[k] = v
	}
	return tctx
}

// ─── persistence and learning ───────────────────────────────────────────────

// persist appends the turn record and updates the conversation cursors.
// Persistence failures are logged, never fatal.
func (t *turn) persist(ctx context.Context, moveID string) {
	stateStart := time.Now()
	defer func() {
		if t.engine.metrics != nil {
			t.engine.metrics.StateDuration.Record(ctx, time.Since(stateStart).Seconds())
		}
	}()

	params := map[string]string{}
	for k, v := range t.result.SlotsFilled {
		params[k] = v
	}

	rec := &game.Turn{
		ConversationID:  t.req.ConversationID,
		Timestamp:       time.Now(),
		UserInput:       t.req.Input,
		SanitizedInput:  t.sanitized,
		MatchedMove:     moveID,
		Confidence:      t.result.Confidence,
		Response:        t.result.Response,
		ExtractedParams: params,
		Outcome:         t.result.Outcome,
	}
	if err := t.store.SaveTurn(ctx, rec); err != nil {
		t.log.Error("turn persist failed", "err", err)
	}
	if err := t.store.UpdateConversation(ctx, t.conv); err != nil {
		t.log.Error("conversation persist failed", "err", err)
	}
}

// observe feeds the learning engine. Learning never affects the turn.
func (t *turn) observe(ctx context.Context, outcome learning.Outcome, nego *NegotiationSummary) {
	if t.engine.learner == nil {
		return
	}
	in := learning.Interaction{
		GameID:      t.req.GameID,
		UserInput:   t.sanitized,
		MatchedMove: t.result.MoveID,
		Confidence:  t.result.Confidence,
		Outcome:     outcome,
	}
	if nego != nil {
		in.Negotiation = &learning.NegotiationMeta{
			Rounds:     nego.Rounds,
			Reason:     nego.Reason,
			FinalScore: nego.FinalScore,
		}
	}
	if err := t.engine.learner.Observe(ctx, in); err != nil {
		t.log.Warn("learning observe failed", "err", err)
	}
}

// ─── helpers ────────────────────────────────────────────────────────────────

// storedValue reads back one slot's canonical value.
func (t *turn) storedValue(ctx context.Context, mv *game.Move, slot string) string {
	vals, err := t.slots.Values(ctx, t.req.ConversationID, mv)
	if err != nil {
		return ""
	}
	return vals[slot]
}

// rejectionMessage builds a sanitized re-prompt hint for a rejected value.
func rejectionMessage(mv *game.Move, slot string) string {
	def, ok := mv.Slots[slot]
	if !ok {
		return "That value doesn't look right."
	}
	switch def.Kind {
	case game.SlotNumber:
		return "I need a number for that."
	case game.SlotRange:
		return fmt.Sprintf("I need a number between %s and %s.",
			trimFloat(def.Min), trimFloat(def.Max))
	case game.SlotEnum:
		return "Please pick one of: " + strings.Join(def.Values, ", ") + "."
	case game.SlotTimeframe:
		return "I need a timeframe, like \"2 days ago\" or \"this morning\"."
	case game.SlotDate:
		return "I need a date, like 2026-03-01."
	}
	return "That value doesn't look right."
}

func trimFloat(f float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.2f", f), "0"), ".")
}

// trailingQuestion reports whether the response ends with a question and
// returns that question sentence.
func trailingQuestion(response string) (string, bool) {
	s := strings.TrimSpace(response)
	if !strings.HasSuffix(s, "?") {
		return "", false
	}
	// The question is the last sentence.
	for i := len(s) - 2; i >= 0; i-- {
		switch s[i] {
		case '.', '!', '?':
			return strings.TrimSpace(s[i+1:]), true
		}
	}
	return s, true
}
