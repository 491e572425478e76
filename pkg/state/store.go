// Package state defines the conversation state store contract: durable,
// transactional persistence for conversations, their append-only turn log,
// slot fills, and extracted context.
//
// Four record families are stored, keyed as follows:
//
//   - conversations: by conversation id
//   - turns: by (conversation id, turn number), strictly increasing, no gaps
//   - slots: by (conversation id, move id, slot name), upsert semantics
//   - context: by (conversation id, key), upsert semantics
//
// All interfaces are public so that external packages can supply alternative
// storage backends (Postgres, in-memory, …) without depending on runtime
// internals.
//
// Every implementation must be safe for concurrent use. Writes to the same
// conversation must be serialized: [Store.SaveTurn] assigns the next turn
// number under a per-conversation lock so the sequence is monotonic with no
// gaps even under concurrent callers.
package state

import (
	"context"

	"github.com/wittgen/lgdl/pkg/game"
)

// Store is the conversation state store.
type Store interface {
	// GetOrCreate returns the conversation with the given id, creating an
	// empty one when absent. It is idempotent and safe to call concurrently
	// for the same id: exactly one conversation record results.
	GetOrCreate(ctx context.Context, conversationID string) (*game.Conversation, error)

	// UpdateConversation persists conv's mutable cursor fields (current move,
	// awaiting flags, last question, metadata) and refreshes UpdatedAt.
	// Returns an error when the conversation does not exist.
	UpdateConversation(ctx context.Context, conv *game.Conversation) error

	// SaveTurn appends t to its conversation's turn log. The store assigns
	// the next turn number (strictly increasing, no gaps) and writes it back
	// into t.Num before returning. Concurrent saves to the same conversation
	// are serialized.
	SaveTurn(ctx context.Context, t *game.Turn) error

	// RecentTurns returns up to limit most recent turns for the conversation
	// in chronological order (oldest first). A limit of 0 applies the
	// implementation default. Returns an empty (non-nil) slice when the
	// conversation has no turns.
	RecentTurns(ctx context.Context, conversationID string, limit int) ([]game.Turn, error)

	// UpsertSlot inserts or replaces the slot value keyed by
	// (ConversationID, MoveID, SlotName) and refreshes UpdatedAt.
	UpsertSlot(ctx context.Context, v game.SlotValue) error

	// Slots returns all stored slot values for (conversationID, moveID),
	// keyed by slot name. Returns an empty (non-nil) map when none exist.
	Slots(ctx context.Context, conversationID, moveID string) (map[string]game.SlotValue, error)

	// ClearSlots removes every slot value for (conversationID, moveID) as a
	// single atomic operation: on failure no slot is removed.
	ClearSlots(ctx context.Context, conversationID, moveID string) error

	// SaveContext upserts the context entry keyed by (ConversationID, Key).
	SaveContext(ctx context.Context, e game.ContextEntry) error

	// Context returns all context entries for the conversation keyed by
	// entry key. Returns an empty (non-nil) map when none exist.
	Context(ctx context.Context, conversationID string) (map[string]string, error)

	// Delete removes the conversation and cascades to its turns, slots, and
	// context entries. Deleting a non-existent conversation is not an error.
	Delete(ctx context.Context, conversationID string) error

	// Ping probes the backing storage. Used by readiness checks.
	Ping(ctx context.Context) error

	// Close releases resources held by the store.
	Close()
}

// DefaultRecentTurns is the RecentTurns limit implementations apply when
// callers pass 0.
const DefaultRecentTurns = 20
