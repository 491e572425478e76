// Package memory provides an in-memory [state.Store] implementation.
//
// It is the default backend for development and tests and the reference for
// the contract's concurrency semantics: a per-conversation mutex serializes
// turn appends, and ClearSlots is atomic under the store lock. Data does not
// survive a restart; production deployments use the postgres backend.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wittgen/lgdl/pkg/game"
	"github.com/wittgen/lgdl/pkg/state"
)

// Compile-time assertion that Store satisfies state.Store.
var _ state.Store = (*Store)(nil)

// conversation bundles everything stored for one conversation id.
type conversation struct {
	mu sync.Mutex // serializes turn appends for this conversation

	conv    game.Conversation
	turns   []game.Turn
	slots   map[string]game.SlotValue // key: moveID + "\x00" + slotName
	context map[string]string
}

// Store is an in-memory conversation state store. Safe for concurrent use.
type Store struct {
	mu    sync.RWMutex
	convs map[string]*conversation

	// now is swappable for tests.
	now func() time.Time
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		convs: make(map[string]*conversation),
		now:   time.Now,
	}
}

func (s *Store) get(conversationID string) (*conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[conversationID]
	return c, ok
}

// GetOrCreate implements [state.Store].
func (s *Store) GetOrCreate(_ context.Context, conversationID string) (*game.Conversation, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("memory store: empty conversation id")
	}

	s.mu.Lock()
	c, ok := s.convs[conversationID]
	if !ok {
		now := s.now()
		c = &conversation{
			conv: game.Conversation{
				ID:        conversationID,
				CreatedAt: now,
				UpdatedAt: now,
				Metadata:  map[string]string{},
			},
			slots:   make(map[string]game.SlotValue),
			context: make(map[string]string),
		}
		s.convs[conversationID] = c
	}
	s.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	cp := c.conv
	cp.Metadata = copyStringMap(c.conv.Metadata)
	return &cp, nil
}

// UpdateConversation implements [state.Store].
func (s *Store) UpdateConversation(_ context.Context, conv *game.Conversation) error {
	c, ok := s.get(conv.ID)
	if !ok {
		return fmt.Errorf("memory store: conversation %q does not exist", conv.ID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	created := c.conv.CreatedAt
	c.conv = *conv
	c.conv.CreatedAt = created
	c.conv.UpdatedAt = s.now()
	c.conv.Metadata = copyStringMap(conv.Metadata)
	return nil
}

// SaveTurn implements [state.Store]. The next turn number is assigned under
// the conversation's lock, so concurrent appends never collide or leave gaps.
func (s *Store) SaveTurn(_ context.Context, t *game.Turn) error {
	c, ok := s.get(t.ConversationID)
	if !ok {
		return fmt.Errorf("memory store: conversation %q does not exist", t.ConversationID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	t.Num = len(c.turns) + 1
	if t.Timestamp.IsZero() {
		t.Timestamp = s.now()
	}
	c.turns = append(c.turns, *t)
	c.conv.UpdatedAt = s.now()
	return nil
}

// RecentTurns implements [state.Store].
func (s *Store) RecentTurns(_ context.Context, conversationID string, limit int) ([]game.Turn, error) {
	if limit <= 0 {
		limit = state.DefaultRecentTurns
	}
	c, ok := s.get(conversationID)
	if !ok {
		return []game.Turn{}, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	start := len(c.turns) - limit
	if start < 0 {
		start = 0
	}
	out := make([]game.Turn, len(c.turns)-start)
	copy(out, c.turns[start:])
	return out, nil
}

func slotKey(moveID, slotName string) string { return moveID + "\x00" + slotName }

// UpsertSlot implements [state.Store].
func (s *Store) UpsertSlot(_ context.Context, v game.SlotValue) error {
	c, ok := s.get(v.ConversationID)
	if !ok {
		return fmt.Errorf("memory store: conversation %q does not exist", v.ConversationID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	v.UpdatedAt = s.now()
	c.slots[slotKey(v.MoveID, v.SlotName)] = v
	return nil
}

// Slots implements [state.Store].
func (s *Store) Slots(_ context.Context, conversationID, moveID string) (map[string]game.SlotValue, error) {
	out := make(map[string]game.SlotValue)
	c, ok := s.get(conversationID)
	if !ok {
		return out, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := moveID + "\x00"
	for k, v := range c.slots {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			out[v.SlotName] = v
		}
	}
	return out, nil
}

// ClearSlots implements [state.Store]. The removal happens entirely under the
// conversation lock, so it is all-or-nothing.
func (s *Store) ClearSlots(_ context.Context, conversationID, moveID string) error {
	c, ok := s.get(conversationID)
	if !ok {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := moveID + "\x00"
	for k := range c.slots {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			delete(c.slots, k)
		}
	}
	return nil
}

// SaveContext implements [state.Store].
func (s *Store) SaveContext(_ context.Context, e game.ContextEntry) error {
	c, ok := s.get(e.ConversationID)
	if !ok {
		return fmt.Errorf("memory store: conversation %q does not exist", e.ConversationID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.context[e.Key] = e.Value
	return nil
}

// Context implements [state.Store].
func (s *Store) Context(_ context.Context, conversationID string) (map[string]string, error) {
	c, ok := s.get(conversationID)
	if !ok {
		return map[string]string{}, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return copyStringMap(c.context), nil
}

// Delete implements [state.Store]. Removing the conversation drops its turns,
// slots, and context with it.
func (s *Store) Delete(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.convs, conversationID)
	return nil
}

// Ping implements [state.Store].
func (s *Store) Ping(context.Context) error { return nil }

// Close implements [state.Store].
func (s *Store) Close() {}

func copyStringMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
