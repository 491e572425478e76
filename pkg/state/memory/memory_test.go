package memory_test

import (
	"context"
	"sync"
	"testing"

	"github.com/wittgen/lgdl/pkg/game"
	"github.com/wittgen/lgdl/pkg/state/memory"
)

func TestGetOrCreate_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	a, err := s.GetOrCreate(ctx, "conv-1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	b, err := s.GetOrCreate(ctx, "conv-1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if a.ID != b.ID || !a.CreatedAt.Equal(b.CreatedAt) {
		t.Errorf("second GetOrCreate must return the same conversation: %+v vs %+v", a, b)
	}
}

func TestGetOrCreate_EmptyIDFails(t *testing.T) {
	if _, err := memory.New().GetOrCreate(context.Background(), ""); err == nil {
		t.Fatal("empty conversation id must be rejected")
	}
}

func TestSaveTurn_AssignsStrictlyIncreasingNumbers(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	if _, err := s.GetOrCreate(ctx, "conv-1"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	for want := 1; want <= 3; want++ {
		turn := &game.Turn{ConversationID: "conv-1", UserInput: "hi"}
		if err := s.SaveTurn(ctx, turn); err != nil {
			t.Fatalf("SaveTurn: %v", err)
		}
		if turn.Num != want {
			t.Errorf("turn %d assigned num %d", want, turn.Num)
		}
	}
}

func TestSaveTurn_ConcurrentAppendsHaveNoGaps(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	if _, err := s.GetOrCreate(ctx, "conv-1"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.SaveTurn(ctx, &game.Turn{ConversationID: "conv-1", UserInput: "x"})
		}()
	}
	wg.Wait()

	turns, err := s.RecentTurns(ctx, "conv-1", n)
	if err != nil {
		t.Fatalf("RecentTurns: %v", err)
	}
	if len(turns) != n {
		t.Fatalf("got %d turns, want %d", len(turns), n)
	}
	for i, turn := range turns {
		if turn.Num != i+1 {
			t.Fatalf("turn at index %d has num %d; sequence must be gapless", i, turn.Num)
		}
	}
}

func TestSaveTurn_UnknownConversationFails(t *testing.T) {
	err := memory.New().SaveTurn(context.Background(), &game.Turn{ConversationID: "nope"})
	if err == nil {
		t.Fatal("saving a turn to a non-existent conversation must fail")
	}
}

func TestRecentTurns_ReturnsChronologicalTail(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	if _, err := s.GetOrCreate(ctx, "conv-1"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	inputs := []string{"one", "two", "three", "four"}
	for _, in := range inputs {
		if err := s.SaveTurn(ctx, &game.Turn{ConversationID: "conv-1", UserInput: in}); err != nil {
			t.Fatalf("SaveTurn: %v", err)
		}
	}

	turns, err := s.RecentTurns(ctx, "conv-1", 2)
	if err != nil {
		t.Fatalf("RecentTurns: %v", err)
	}
	if len(turns) != 2 || turns[0].UserInput != "three" || turns[1].UserInput != "four" {
		t.Errorf("RecentTurns(2) = %+v, want [three four] oldest-first", turns)
	}
}

func TestSlots_UpsertAndClear(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	if _, err := s.GetOrCreate(ctx, "conv-1"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	put := func(move, slot, value string) {
		t.Helper()
		err := s.UpsertSlot(ctx, game.SlotValue{
			ConversationID: "conv-1", MoveID: move, SlotName: slot, Value: value, Kind: game.SlotString,
		})
		if err != nil {
			t.Fatalf("UpsertSlot: %v", err)
		}
	}
	put("pain", "location", "head")
	put("pain", "severity", "7")
	put("booking", "doctor", "Smith")

	// Upsert replaces.
	put("pain", "severity", "8")

	slots, err := s.Slots(ctx, "conv-1", "pain")
	if err != nil {
		t.Fatalf("Slots: %v", err)
	}
	if len(slots) != 2 {
		t.Fatalf("got %d pain slots, want 2: %v", len(slots), slots)
	}
	if slots["severity"].Value != "8" {
		t.Errorf("severity = %q, want 8 (upsert must replace)", slots["severity"].Value)
	}

	// Clearing one move's slots leaves other moves untouched.
	if err := s.ClearSlots(ctx, "conv-1", "pain"); err != nil {
		t.Fatalf("ClearSlots: %v", err)
	}
	slots, _ = s.Slots(ctx, "conv-1", "pain")
	if len(slots) != 0 {
		t.Errorf("pain slots remain after clear: %v", slots)
	}
	other, _ := s.Slots(ctx, "conv-1", "booking")
	if len(other) != 1 {
		t.Errorf("booking slots were affected by clearing pain: %v", other)
	}
}

func TestDelete_CascadesEverything(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	if _, err := s.GetOrCreate(ctx, "conv-1"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	_ = s.SaveTurn(ctx, &game.Turn{ConversationID: "conv-1", UserInput: "hi"})
	_ = s.UpsertSlot(ctx, game.SlotValue{ConversationID: "conv-1", MoveID: "m", SlotName: "s", Value: "v"})
	_ = s.SaveContext(ctx, game.ContextEntry{ConversationID: "conv-1", Key: "k", Value: "v"})

	if err := s.Delete(ctx, "conv-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	turns, _ := s.RecentTurns(ctx, "conv-1", 10)
	if len(turns) != 0 {
		t.Errorf("turns survived delete: %v", turns)
	}
	slots, _ := s.Slots(ctx, "conv-1", "m")
	if len(slots) != 0 {
		t.Errorf("slots survived delete: %v", slots)
	}
	kv, _ := s.Context(ctx, "conv-1")
	if len(kv) != 0 {
		t.Errorf("context survived delete: %v", kv)
	}

	// Recreating after delete starts from a blank record and turn 1.
	if _, err := s.GetOrCreate(ctx, "conv-1"); err != nil {
		t.Fatalf("GetOrCreate after delete: %v", err)
	}
	turn := &game.Turn{ConversationID: "conv-1", UserInput: "again"}
	if err := s.SaveTurn(ctx, turn); err != nil {
		t.Fatalf("SaveTurn: %v", err)
	}
	if turn.Num != 1 {
		t.Errorf("first turn after recreation has num %d, want 1", turn.Num)
	}
}

func TestUpdateConversation_PersistsCursorFields(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	conv, err := s.GetOrCreate(ctx, "conv-1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	conv.CurrentMove = "pain_assessment"
	conv.AwaitingResponse = true
	conv.LastQuestion = "How severe is the pain?"
	conv.AwaitingSlotMove = "pain_assessment"
	conv.AwaitingSlotName = "severity"
	if err := s.UpdateConversation(ctx, conv); err != nil {
		t.Fatalf("UpdateConversation: %v", err)
	}

	got, err := s.GetOrCreate(ctx, "conv-1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if !got.AwaitingSlot() || got.AwaitingSlotName != "severity" || got.LastQuestion != "How severe is the pain?" {
		t.Errorf("cursor fields not persisted: %+v", got)
	}
}
