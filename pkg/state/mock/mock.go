// Package mock provides a test double for [state.Store].
//
// The mock delegates to a real in-memory store so tests get working
// persistence semantics for free, while recording every call and allowing
// per-method error injection to exercise failure paths (degraded-store
// admission control, rollback behaviour).
package mock

import (
	"context"
	"sync"

	"github.com/wittgen/lgdl/pkg/game"
	"github.com/wittgen/lgdl/pkg/state"
	"github.com/wittgen/lgdl/pkg/state/memory"
)

// Compile-time assertion that Store satisfies state.Store.
var _ state.Store = (*Store)(nil)

// Store is a mock implementation of state.Store.
type Store struct {
	mu sync.Mutex

	// backing provides real semantics underneath the recording layer.
	backing *memory.Store

	// --- Error injection: when non-nil, the method fails without touching
	// the backing store. ---

	GetOrCreateErr error
	UpdateErr      error
	SaveTurnErr    error
	RecentTurnsErr error
	UpsertSlotErr  error
	SlotsErr       error
	ClearSlotsErr  error
	SaveContextErr error
	ContextErr     error
	DeleteErr      error
	PingErr        error

	// Calls records method names in invocation order.
	Calls []string
}

// New creates a mock Store over a fresh in-memory backing store.
func New() *Store {
	return &Store{backing: memory.New()}
}

func (s *Store) record(name string) {
	s.mu.Lock()
	s.Calls = append(s.Calls, name)
	s.mu.Unlock()
}

// CallCount returns how many times the named method was invoked.
func (s *Store) CallCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.Calls {
		if c == name {
			n++
		}
	}
	return n
}

// GetOrCreate implements [state.Store].
func (s *Store) GetOrCreate(ctx context.Context, conversationID string) (*game.Conversation, error) {
	s.record("GetOrCreate")
	if s.GetOrCreateErr != nil {
		return nil, s.GetOrCreateErr
	}
	return s.backing.GetOrCreate(ctx, conversationID)
}

// UpdateConversation implements [state.Store].
func (s *Store) UpdateConversation(ctx context.Context, conv *game.Conversation) error {
	s.record("UpdateConversation")
	if s.UpdateErr != nil {
		return s.UpdateErr
	}
	return s.backing.UpdateConversation(ctx, conv)
}

// SaveTurn implements [state.Store].
func (s *Store) SaveTurn(ctx context.Context, t *game.Turn) error {
	s.record("SaveTurn")
	if s.SaveTurnErr != nil {
		return s.SaveTurnErr
	}
	return s.backing.SaveTurn(ctx, t)
}

// RecentTurns implements [state.Store].
func (s *Store) RecentTurns(ctx context.Context, conversationID string, limit int) ([]game.Turn, error) {
	s.record("RecentTurns")
	if s.RecentTurnsErr != nil {
		return nil, s.RecentTurnsErr
	}
	return s.backing.RecentTurns(ctx, conversationID, limit)
}

// UpsertSlot implements [state.Store].
func (s *Store) UpsertSlot(ctx context.Context, v game.SlotValue) error {
	s.record("UpsertSlot")
	if s.UpsertSlotErr != nil {
		return s.UpsertSlotErr
	}
	return s.backing.UpsertSlot(ctx, v)
}

// Slots implements [state.Store].
func (s *Store) Slots(ctx context.Context, conversationID, moveID string) (map[string]game.SlotValue, error) {
	s.record("Slots")
	if s.SlotsErr != nil {
		return nil, s.SlotsErr
	}
	return s.backing.Slots(ctx, conversationID, moveID)
}

// ClearSlots implements [state.Store].
func (s *Store) ClearSlots(ctx context.Context, conversationID, moveID string) error {
	s.record("ClearSlots")
	if s.ClearSlotsErr != nil {
		return s.ClearSlotsErr
	}
	return s.backing.ClearSlots(ctx, conversationID, moveID)
}

// SaveContext implements [state.Store].
func (s *Store) SaveContext(ctx context.Context, e game.ContextEntry) error {
	s.record("SaveContext")
	if s.SaveContextErr != nil {
		return s.SaveContextErr
	}
	return s.backing.SaveContext(ctx, e)
}

// Context implements [state.Store].
func (s *Store) Context(ctx context.Context, conversationID string) (map[string]string, error) {
	s.record("Context")
	if s.ContextErr != nil {
		return nil, s.ContextErr
	}
	return s.backing.Context(ctx, conversationID)
}

// Delete implements [state.Store].
func (s *Store) Delete(ctx context.Context, conversationID string) error {
	s.record("Delete")
	if s.DeleteErr != nil {
		return s.DeleteErr
	}
	return s.backing.Delete(ctx, conversationID)
}

// Ping implements [state.Store].
func (s *Store) Ping(ctx context.Context) error {
	s.record("Ping")
	return s.PingErr
}

// Close implements [state.Store].
func (s *Store) Close() {
	s.record("Close")
}
