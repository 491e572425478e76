package registry_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/wittgen/lgdl/internal/registry"
	"github.com/wittgen/lgdl/pkg/lgerr"
)

const gameSource = `{
  "id": "medical",
  "name": "Medical Appointments",
  "version": "1.0.0",
  "description": "Scheduling for a medical practice.",
  "services": [{"name": "scheduling", "functions": ["check_availability"]}],
  "moves": [
    {
      "id": "appointment_request",
      "triggers": [{"pattern": "I need to see Dr. {doctor}", "modifiers": ["strict"]}],
      "confidence": {"band": "high"},
      "slots": {
        "definitions": [{"name": "doctor", "type": "string", "required": true}],
        "prompts": {"doctor": "Which doctor would you like to see?"}
      },
      "blocks": [
        {
          "condition": "confident",
          "actions": [
            {"type": "capability", "capability": {"service": "scheduling", "function": "check_availability", "await": true, "args": {"doctor": "{doctor}"}}},
            {"type": "respond", "template": "Checking availability for Dr. {doctor}."}
          ]
        }
      ]
    }
  ]
}`

const contractSource = `{
  "services": {
    "scheduling": {
      "transport": {"kind": "mock"},
      "default_timeout_seconds": 5,
      "functions": {
        "check_availability": {
          "args": [{"name": "doctor", "type": "string", "required": true}],
          "mock": "Dr. Smith is available tomorrow."
        }
      }
    }
  }
}`

// writeGame places a game source and its contract in dir and returns the
// game path.
func writeGame(t *testing.T, dir, source string) string {
	t.Helper()
	path := filepath.Join(dir, "medical.json")
	if err := os.WriteFile(path, []byte(source), 0o644); err != nil {
		t.Fatalf("write game: %v", err)
	}
	contract := filepath.Join(dir, "medical.contract.json")
	if err := os.WriteFile(contract, []byte(contractSource), 0o644); err != nil {
		t.Fatalf("write contract: %v", err)
	}
	return path
}

func TestRegister_CompilesAndExposesGame(t *testing.T) {
	ctx := context.Background()
	path := writeGame(t, t.TempDir(), gameSource)
	r := registry.New(nil)

	entry, err := r.Register(ctx, path)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if entry.Game.ID != "medical" || len(entry.Game.Moves) != 1 {
		t.Errorf("entry game = %+v", entry.Game)
	}
	if entry.Invoker == nil {
		t.Error("game with services must get an invoker")
	}
	if entry.Templates == nil {
		t.Error("entry must carry a template engine")
	}
	if !entry.Game.AllowsCapability("scheduling.check_availability") {
		t.Error("allowlist missing the declared capability")
	}

	got, err := r.Get("medical")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != entry {
		t.Error("Get must return the registered entry")
	}
}

func TestRegister_IdempotentOnSameHash(t *testing.T) {
	ctx := context.Background()
	path := writeGame(t, t.TempDir(), gameSource)
	r := registry.New(nil)

	first, err := r.Register(ctx, path)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	second, err := r.Register(ctx, path)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if first != second {
		t.Error("re-registering an unchanged file must keep the existing entry")
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestRegister_CompileFailureLeavesRegistryUnchanged(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	// An enum with no values fails IR compilation (E102).
	broken := `{
	  "id": "broken",
	  "name": "Broken",
	  "version": "0",
	  "moves": [{
	    "id": "m",
	    "triggers": [{"pattern": "x"}],
	    "slots": {"definitions": [{"name": "e", "type": "enum", "required": true}]}
	  }]
	}`
	path := filepath.Join(dir, "broken.json")
	if err := os.WriteFile(path, []byte(broken), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	r := registry.New(nil)
	if _, err := r.Register(ctx, path); err == nil {
		t.Fatal("compile failure must surface")
	}
	if r.Len() != 0 {
		t.Errorf("failed registration must not add entries, Len = %d", r.Len())
	}
}

func TestReload_SwapsOnlyWhenHashChanges(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := writeGame(t, dir, gameSource)
	r := registry.New(nil)

	original, err := r.Register(ctx, path)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Unchanged file: no swap.
	entry, swapped, err := r.Reload(ctx, "medical")
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if swapped || entry != original {
		t.Error("reload of an unchanged file must keep the entry")
	}

	// Changed file: atomic swap, old entry still usable by holders.
	changed := gameSource[:len(gameSource)-2] + ",\n  \"vocabulary\": [{\"term\": \"doctor\", \"synonyms\": [\"physician\"]}]}"
	if err := os.WriteFile(path, []byte(changed), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	entry, swapped, err = r.Reload(ctx, "medical")
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if !swapped {
		t.Fatal("hash changed, reload must swap")
	}
	if entry == original {
		t.Error("swapped entry must be a fresh runtime")
	}
	if original.Game.MoveByID("appointment_request") == nil {
		t.Error("old entry must remain intact for in-flight turns")
	}
	if len(entry.Game.Vocabulary) != 1 {
		t.Errorf("new entry missing the added vocabulary: %v", entry.Game.Vocabulary)
	}
}

func TestReload_UnknownGameIsE222(t *testing.T) {
	_, _, err := registry.New(nil).Reload(context.Background(), "ghost")
	if lgerr.CodeOf(err) != lgerr.CodeUnknownGame {
		t.Fatalf("err = %v, want E222", err)
	}
}

func TestIDs_Sorted(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	r := registry.New(nil)

	for _, id := range []string{"zebra", "alpha"} {
		src := `{"id": "` + id + `", "name": "` + id + `", "version": "1", "moves": [{"id": "m", "triggers": [{"pattern": "hello"}]}]}`
		path := filepath.Join(dir, id+".json")
		if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		if _, err := r.Register(ctx, path); err != nil {
			t.Fatalf("Register(%s): %v", id, err)
		}
	}

	ids := r.IDs()
	if len(ids) != 2 || ids[0] != "alpha" || ids[1] != "zebra" {
		t.Errorf("IDs = %v, want sorted [alpha zebra]", ids)
	}
}
