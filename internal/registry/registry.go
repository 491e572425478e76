// Package registry loads, compiles, and serves immutable game runtimes.
//
// A registered game is a tuple of compiled IR, the sha256 of the source file
// it was compiled from, its capability contract, and the per-game runtime
// collaborators (capability invoker, template engine). Registration is
// idempotent on (game id, file hash): re-registering an unchanged file is a
// no-op, and Reload atomically swaps the entry only when the on-disk hash
// has changed. In-flight turns keep the *Entry they resolved at turn start,
// so a reload never mutates a runtime mid-turn.
//
// Game sources are the parser's JSON AST form; the grammar front-end that
// produces them is a separate tool.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/wittgen/lgdl/internal/ast"
	"github.com/wittgen/lgdl/internal/capability"
	"github.com/wittgen/lgdl/internal/ir"
	"github.com/wittgen/lgdl/internal/template"
	"github.com/wittgen/lgdl/pkg/game"
	"github.com/wittgen/lgdl/pkg/lgerr"
)

// Entry is one registered game runtime. Immutable after construction.
type Entry struct {
	// Game is the compiled IR.
	Game *game.Game

	// FileHash is the lowercase hex sha256 of the source file.
	FileHash string

	// Path is the source file the entry was compiled from.
	Path string

	// ContractPath is the capability contract location, empty when the game
	// declares no services.
	ContractPath string

	// Invoker dispatches the game's capability actions. Nil when the game
	// declares no services.
	Invoker *capability.Invoker

	// Templates renders the game's response templates.
	Templates *template.Engine
}

// TransportFactory builds the capability transport for a loaded contract.
// The serve path installs MCP; tests and dev mode install the mock.
type TransportFactory func(contract *capability.Contract) capability.Transport

// Registry maps game ids to runtime entries. Reads are lock-free for the
// common path (RWMutex read lock); Register and Reload take the write lock.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry

	transport TransportFactory
}

// New creates an empty Registry. transport may be nil, in which case games
// with contracts get the contract's mock transport.
func New(transport TransportFactory) *Registry {
	if transport == nil {
		transport = func(c *capability.Contract) capability.Transport {
			return capability.NewMockTransport(c)
		}
	}
	return &Registry{
		entries:   make(map[string]*Entry),
		transport: transport,
	}
}

// Register compiles the game source at path and adds it to the registry.
// Idempotent: when the game is already registered with the same file hash
// the existing entry is kept and returned. Compile failures (E1xx) leave the
// registry unchanged.
func (r *Registry) Register(ctx context.Context, path string) (*Entry, error) {
	entry, err := r.build(ctx, path)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.entries[entry.Game.ID]; ok && existing.FileHash == entry.FileHash {
		return existing, nil
	}
	r.entries[entry.Game.ID] = entry
	slog.Info("game registered",
		"game", entry.Game.ID, "version", entry.Game.Version,
		"moves", len(entry.Game.Moves), "hash", entry.FileHash[:12])
	return entry, nil
}

// Reload re-reads a registered game's source file and atomically swaps the
// entry when the hash changed. Returns (entry, false, nil) when the file is
// unchanged.
func (r *Registry) Reload(ctx context.Context, gameID string) (*Entry, bool, error) {
	r.mu.RLock()
	current, ok := r.entries[gameID]
	r.mu.RUnlock()
	if !ok {
		return nil, false, lgerr.New(lgerr.CodeUnknownGame, "game %q is not registered", gameID)
	}

	entry, err := r.build(ctx, current.Path)
	if err != nil {
		return nil, false, err
	}
	if entry.FileHash == current.FileHash {
		return current, false, nil
	}
	if entry.Game.ID != gameID {
		return nil, false, fmt.Errorf("registry: reload of %q found game id %q in %s",
			gameID, entry.Game.ID, current.Path)
	}

	r.mu.Lock()
	r.entries[gameID] = entry
	r.mu.Unlock()
	slog.Info("game reloaded", "game", gameID, "hash", entry.FileHash[:12])
	return entry, true, nil
}

// Get returns the entry for gameID, or an E222 error when absent.
func (r *Registry) Get(gameID string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[gameID]
	if !ok {
		return nil, lgerr.New(lgerr.CodeUnknownGame, "game %q is not registered", gameID)
	}
	return entry, nil
}

// IDs returns the registered game ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered games.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// build loads, hashes, and compiles one game source file.
func (r *Registry) build(_ context.Context, path string) (*Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("registry: read %s: %w", path, err)
	}
	sum := sha256.Sum256(data)

	var src ast.Game
	if err := json.Unmarshal(data, &src); err != nil {
		return nil, fmt.Errorf("registry: parse %s: %w", path, err)
	}

	compiled, err := ir.Compile(&src)
	if err != nil {
		return nil, fmt.Errorf("registry: compile %s: %w", path, err)
	}

	entry := &Entry{
		Game:      compiled,
		FileHash:  hex.EncodeToString(sum[:]),
		Path:      path,
		Templates: template.New(),
	}

	if len(src.Services) > 0 {
		entry.ContractPath = contractPath(path)
		contract, err := capability.LoadContract(entry.ContractPath)
		if err != nil {
			return nil, err
		}
		entry.Invoker = capability.New(contract, r.transport(contract))
	}
	return entry, nil
}

// contractPath derives the co-located contract file name:
// games/medical.json → games/medical.contract.json.
func contractPath(gamePath string) string {
	ext := filepath.Ext(gamePath)
	return strings.TrimSuffix(gamePath, ext) + ".contract" + ext
}
