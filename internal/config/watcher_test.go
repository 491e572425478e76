package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/wittgen/lgdl/internal/config"
)

const watcherBaseYAML = `
server:
  log_level: info
negotiation:
  max_rounds: 3
state:
  backend: memory
`

const watcherRetunedYAML = `
server:
  log_level: debug
negotiation:
  max_rounds: 5
state:
  backend: memory
`

const watcherInvalidYAML = `
server:
  log_level: bananas
`

// reloadRecorder collects watcher callbacks for assertion.
type reloadRecorder struct {
	mu    sync.Mutex
	cfgs  []*config.Config
	diffs []config.ConfigDiff
	fired chan struct{}
}

func newReloadRecorder() *reloadRecorder {
	return &reloadRecorder{fired: make(chan struct{}, 4)}
}

func (r *reloadRecorder) onReload(cfg *config.Config, diff config.ConfigDiff) {
	r.mu.Lock()
	r.cfgs = append(r.cfgs, cfg)
	r.diffs = append(r.diffs, diff)
	r.mu.Unlock()
	select {
	case r.fired <- struct{}{}:
	default:
	}
}

func (r *reloadRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cfgs)
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lgdl.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestNewWatcher_LoadsImmediately(t *testing.T) {
	t.Parallel()
	path := writeConfigFile(t, watcherBaseYAML)

	w, err := config.NewWatcher(path, nil, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() = nil after construction")
	}
	if cfg.Server.LogLevel != config.LogInfo || cfg.Negotiation.MaxRounds != 3 {
		t.Errorf("initial config = %+v", cfg)
	}
}

func TestWatcher_ReloadCarriesDiff(t *testing.T) {
	t.Parallel()
	path := writeConfigFile(t, watcherBaseYAML)
	rec := newReloadRecorder()

	w, err := config.NewWatcher(path, rec.onReload, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(path, []byte(watcherRetunedYAML), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case <-rec.fired:
	case <-time.After(2 * time.Second):
		t.Fatal("reload callback never fired")
	}

	rec.mu.Lock()
	cfg, diff := rec.cfgs[0], rec.diffs[0]
	rec.mu.Unlock()

	if cfg.Negotiation.MaxRounds != 5 {
		t.Errorf("reloaded max_rounds = %d, want 5", cfg.Negotiation.MaxRounds)
	}
	if !diff.LogLevelChanged || diff.NewLogLevel != config.LogDebug {
		t.Errorf("diff = %+v, want the log level change flagged", diff)
	}
	if !diff.NegotiationChanged {
		t.Errorf("diff = %+v, want the negotiation change flagged", diff)
	}
	if diff.MatchChanged || diff.LearningToggled {
		t.Errorf("diff = %+v flags fields that did not change", diff)
	}
	if w.Current().Server.LogLevel != config.LogDebug {
		t.Errorf("Current() log_level = %q, want debug", w.Current().Server.LogLevel)
	}
}

func TestWatcher_InvalidWriteKeepsCurrent(t *testing.T) {
	t.Parallel()
	path := writeConfigFile(t, watcherBaseYAML)
	rec := newReloadRecorder()

	w, err := config.NewWatcher(path, rec.onReload, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(path, []byte(watcherInvalidYAML), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	time.Sleep(300 * time.Millisecond)

	if n := rec.count(); n != 0 {
		t.Errorf("callback fired %d times for an invalid file, want 0", n)
	}
	if w.Current().Server.LogLevel != config.LogInfo {
		t.Errorf("Current() changed despite invalid write: %+v", w.Current().Server)
	}
}

func TestNewWatcher_MissingFileErrors(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "absent.yaml"), nil); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestWatcher_TouchOnlyDoesNotReload(t *testing.T) {
	t.Parallel()
	path := writeConfigFile(t, watcherBaseYAML)
	rec := newReloadRecorder()

	w, err := config.NewWatcher(path, rec.onReload, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	future := time.Now().Add(time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("touch config: %v", err)
	}
	time.Sleep(300 * time.Millisecond)

	if n := rec.count(); n != 0 {
		t.Errorf("callback fired %d times for a touch-only change, want 0", n)
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	path := writeConfigFile(t, watcherBaseYAML)

	w, err := config.NewWatcher(path, nil, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.Stop()
	w.Stop()
}
