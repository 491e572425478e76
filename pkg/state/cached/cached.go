// Package cached wraps any [state.Store] with an in-process write-through
// cache.
//
// Reads of conversations, slots, and context are served from memory when a
// fresh entry exists; every write goes to the backing store first and then
// updates the cache, so a read after a successful write always reflects the
// write within the same process (read-your-writes). Entries expire after a
// TTL so that out-of-process writers are eventually observed.
//
// The turn log is not cached: turn reads feed LLM prompts and are already
// bounded, and caching an append-only log buys little.
package cached

import (
	"context"
	"sync"
	"time"

	"github.com/wittgen/lgdl/pkg/game"
	"github.com/wittgen/lgdl/pkg/state"
)

// DefaultTTL is the cache entry lifetime applied when [New] receives 0.
const DefaultTTL = 30 * time.Second

// Compile-time assertion that Store satisfies state.Store.
var _ state.Store = (*Store)(nil)

type entry[T any] struct {
	value   T
	expires time.Time
}

func (e entry[T]) fresh(now time.Time) bool { return now.Before(e.expires) }

// Store is a write-through caching decorator around a backing [state.Store].
// Safe for concurrent use.
type Store struct {
	backing state.Store
	ttl     time.Duration

	mu      sync.RWMutex
	convs   map[string]entry[game.Conversation]
	slots   map[string]entry[map[string]game.SlotValue] // key: convID + "\x00" + moveID
	context map[string]entry[map[string]string]

	now func() time.Time
}

// Backing returns the wrapped store.
func (s *Store) Backing() state.Store { return s.backing }

// New wraps backing with a cache whose entries live for ttl. A ttl of 0
// applies [DefaultTTL].
func New(backing state.Store, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		backing: backing,
		ttl:     ttl,
		convs:   make(map[string]entry[game.Conversation]),
		slots:   make(map[string]entry[map[string]game.SlotValue]),
		context: make(map[string]entry[map[string]string]),
		now:     time.Now,
	}
}

func (s *Store) expiry() time.Time { return s.now().Add(s.ttl) }

// GetOrCreate implements [state.Store].
func (s *Store) GetOrCreate(ctx context.Context, conversationID string) (*game.Conversation, error) {
	s.mu.RLock()
	e, ok := s.convs[conversationID]
	s.mu.RUnlock()
	if ok && e.fresh(s.now()) {
		cp := e.value
		return &cp, nil
	}

	conv, err := s.backing.GetOrCreate(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.convs[conversationID] = entry[game.Conversation]{value: *conv, expires: s.expiry()}
	s.mu.Unlock()
	return conv, nil
}

// UpdateConversation implements [state.Store]. Write-through: the backing
// store is updated first; only on success is the cache refreshed.
func (s *Store) UpdateConversation(ctx context.Context, conv *game.Conversation) error {
	if err := s.backing.UpdateConversation(ctx, conv); err != nil {
		return err
	}
	s.mu.Lock()
	s.convs[conv.ID] = entry[game.Conversation]{value: *conv, expires: s.expiry()}
	s.mu.Unlock()
	return nil
}

// SaveTurn implements [state.Store]. Turns are not cached; the append passes
// straight through.
func (s *Store) SaveTurn(ctx context.Context, t *game.Turn) error {
	return s.backing.SaveTurn(ctx, t)
}

// RecentTurns implements [state.Store].
func (s *Store) RecentTurns(ctx context.Context, conversationID string, limit int) ([]game.Turn, error) {
	return s.backing.RecentTurns(ctx, conversationID, limit)
}

func slotCacheKey(conversationID, moveID string) string {
	return conversationID + "\x00" + moveID
}

// UpsertSlot implements [state.Store].
func (s *Store) UpsertSlot(ctx context.Context, v game.SlotValue) error {
	if err := s.backing.UpsertSlot(ctx, v); err != nil {
		return err
	}
	key := slotCacheKey(v.ConversationID, v.MoveID)
	s.mu.Lock()
	if e, ok := s.slots[key]; ok && e.fresh(s.now()) {
		e.value[v.SlotName] = v
		e.expires = s.expiry()
		s.slots[key] = e
	} else {
		// No fresh entry to patch; drop any stale one and let the next read
		// repopulate from the backing store.
		delete(s.slots, key)
	}
	s.mu.Unlock()
	return nil
}

// Slots implements [state.Store].
func (s *Store) Slots(ctx context.Context, conversationID, moveID string) (map[string]game.SlotValue, error) {
	key := slotCacheKey(conversationID, moveID)

	s.mu.RLock()
	e, ok := s.slots[key]
	s.mu.RUnlock()
	if ok && e.fresh(s.now()) {
		return copySlotMap(e.value), nil
	}

	loaded, err := s.backing.Slots(ctx, conversationID, moveID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.slots[key] = entry[map[string]game.SlotValue]{value: copySlotMap(loaded), expires: s.expiry()}
	s.mu.Unlock()
	return loaded, nil
}

// ClearSlots implements [state.Store].
func (s *Store) ClearSlots(ctx context.Context, conversationID, moveID string) error {
	if err := s.backing.ClearSlots(ctx, conversationID, moveID); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.slots, slotCacheKey(conversationID, moveID))
	s.mu.Unlock()
	return nil
}

// SaveContext implements [state.Store].
func (s *Store) SaveContext(ctx context.Context, e game.ContextEntry) error {
	if err := s.backing.SaveContext(ctx, e); err != nil {
		return err
	}
	s.mu.Lock()
	if ce, ok := s.context[e.ConversationID]; ok && ce.fresh(s.now()) {
		ce.value[e.Key] = e.Value
		ce.expires = s.expiry()
		s.context[e.ConversationID] = ce
	} else {
		delete(s.context, e.ConversationID)
	}
	s.mu.Unlock()
	return nil
}

// Context implements [state.Store].
func (s *Store) Context(ctx context.Context, conversationID string) (map[string]string, error) {
	s.mu.RLock()
	e, ok := s.context[conversationID]
	s.mu.RUnlock()
	if ok && e.fresh(s.now()) {
		return copyStringMap(e.value), nil
	}

	loaded, err := s.backing.Context(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.context[conversationID] = entry[map[string]string]{value: copyStringMap(loaded), expires: s.expiry()}
	s.mu.Unlock()
	return loaded, nil
}

// Delete implements [state.Store]. Every cached record for the conversation
// is evicted alongside the backing delete.
func (s *Store) Delete(ctx context.Context, conversationID string) error {
	if err := s.backing.Delete(ctx, conversationID); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.convs, conversationID)
	delete(s.context, conversationID)
	prefix := conversationID + "\x00"
	for k := range s.slots {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			delete(s.slots, k)
		}
	}
	s.mu.Unlock()
	return nil
}

// Ping implements [state.Store].
func (s *Store) Ping(ctx context.Context) error { return s.backing.Ping(ctx) }

// Close implements [state.Store].
func (s *Store) Close() { s.backing.Close() }

func copySlotMap(m map[string]game.SlotValue) map[string]game.SlotValue {
	out := make(map[string]game.SlotValue, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyStringMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
