package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/wittgen/lgdl/internal/config"
)

func TestDefaults(t *testing.T) {
	cfg := config.Defaults()

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr = %q, want :8080", cfg.Server.ListenAddr)
	}
	if cfg.Match.LexicalShortCircuit != 0.75 {
		t.Errorf("lexical_short_circuit = %v, want 0.75", cfg.Match.LexicalShortCircuit)
	}
	if cfg.Match.EmbeddingCutoff != 0.80 {
		t.Errorf("embedding_cutoff = %v, want 0.80", cfg.Match.EmbeddingCutoff)
	}
	if cfg.Match.GlobalShortCircuit != 0.90 {
		t.Errorf("global_short_circuit = %v, want 0.90", cfg.Match.GlobalShortCircuit)
	}
	if cfg.Match.CostBudgetUSD != 0.01 {
		t.Errorf("cost_budget_usd = %v, want 0.01", cfg.Match.CostBudgetUSD)
	}
	if cfg.Negotiation.MaxRounds != 3 {
		t.Errorf("max_rounds = %d, want 3", cfg.Negotiation.MaxRounds)
	}
	if cfg.Negotiation.StagnationEpsilon != 0.05 {
		t.Errorf("stagnation_epsilon = %v, want 0.05", cfg.Negotiation.StagnationEpsilon)
	}
	if cfg.State.Backend != config.StateMemory {
		t.Errorf("state backend = %q, want memory", cfg.State.Backend)
	}
	if !cfg.State.CacheEnabled {
		t.Error("cache should be enabled by default")
	}
	if cfg.Learning.Enabled {
		t.Error("learning should be disabled by default")
	}

	if err := config.Validate(cfg); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
}

func TestLoadFromReader_OverridesDefaults(t *testing.T) {
	yaml := `
server:
  listen_addr: ":9090"
  log_level: debug
  dev_mode: true
match:
  global_short_circuit: 0.95
negotiation:
  max_rounds: 5
state:
  backend: postgres
  postgres_dsn: "postgres://localhost/lgdl"
learning:
  enabled: true
games:
  dir: ./games
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != ":9090" || cfg.Server.LogLevel != config.LogDebug || !cfg.Server.DevMode {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Match.GlobalShortCircuit != 0.95 {
		t.Errorf("global_short_circuit = %v, want 0.95", cfg.Match.GlobalShortCircuit)
	}
	// Unset fields keep their defaults.
	if cfg.Match.LexicalShortCircuit != 0.75 {
		t.Errorf("lexical_short_circuit = %v, want default 0.75", cfg.Match.LexicalShortCircuit)
	}
	if cfg.Negotiation.MaxRounds != 5 {
		t.Errorf("max_rounds = %d, want 5", cfg.Negotiation.MaxRounds)
	}
	if cfg.State.Backend != config.StatePostgres {
		t.Errorf("backend = %q, want postgres", cfg.State.Backend)
	}
	if !cfg.Learning.Enabled {
		t.Error("learning should be enabled")
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	_, err := config.LoadFromReader(strings.NewReader("server:\n  listne_addr: \":9090\"\n"))
	if err == nil {
		t.Fatal("misspelled field must be rejected")
	}
}

func TestValidate_Failures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{
			name:   "bad log level",
			mutate: func(c *config.Config) { c.Server.LogLevel = "bananas" },
			want:   "log_level",
		},
		{
			name:   "threshold out of range",
			mutate: func(c *config.Config) { c.Match.FuzzyThreshold = 1.2 },
			want:   "fuzzy_threshold",
		},
		{
			name: "global below embedding cutoff",
			mutate: func(c *config.Config) {
				c.Match.GlobalShortCircuit = 0.7
			},
			want: "global_short_circuit",
		},
		{
			name:   "zero max rounds",
			mutate: func(c *config.Config) { c.Negotiation.MaxRounds = 0 },
			want:   "max_rounds",
		},
		{
			name:   "bad epsilon",
			mutate: func(c *config.Config) { c.Negotiation.StagnationEpsilon = 0 },
			want:   "stagnation_epsilon",
		},
		{
			name:   "unknown backend",
			mutate: func(c *config.Config) { c.State.Backend = "redis" },
			want:   "state.backend",
		},
		{
			name:   "postgres without dsn",
			mutate: func(c *config.Config) { c.State.Backend = config.StatePostgres },
			want:   "postgres_dsn",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Defaults()
			tt.mutate(cfg)
			err := config.Validate(cfg)
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"LGDL_LISTEN_ADDR":          ":7070",
		"LGDL_LOG_LEVEL":            "warn",
		"LGDL_DEV_MODE":             "true",
		"LGDL_GLOBAL_SHORT_CIRCUIT": "0.92",
		"LGDL_MAX_ROUNDS":           "4",
		"LGDL_STATE_BACKEND":        "postgres",
		"LGDL_POSTGRES_DSN":         "postgres://env/lgdl",
		"LGDL_LEARNING_ENABLED":     "1",
		"LGDL_EMBEDDING_MODEL":      "text-embedding-3-large",
		"LGDL_EMBEDDING_DIMENSIONS": "3072",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := config.Defaults()
	if err := config.ApplyEnv(cfg, lookup); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}

	if cfg.Server.ListenAddr != ":7070" || cfg.Server.LogLevel != config.LogWarn || !cfg.Server.DevMode {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Match.GlobalShortCircuit != 0.92 {
		t.Errorf("global_short_circuit = %v, want 0.92", cfg.Match.GlobalShortCircuit)
	}
	if cfg.Negotiation.MaxRounds != 4 {
		t.Errorf("max_rounds = %d, want 4", cfg.Negotiation.MaxRounds)
	}
	if cfg.State.Backend != config.StatePostgres || cfg.State.PostgresDSN != "postgres://env/lgdl" {
		t.Errorf("state = %+v", cfg.State)
	}
	if !cfg.Learning.Enabled {
		t.Error("learning should be enabled via env")
	}
	if cfg.Embeddings.Model != "text-embedding-3-large" || cfg.Embeddings.Dimensions != 3072 {
		t.Errorf("embeddings = %+v", cfg.Embeddings)
	}
}

func TestApplyEnv_BadNumber(t *testing.T) {
	lookup := func(k string) (string, bool) {
		if k == "LGDL_MAX_ROUNDS" {
			return "many", true
		}
		return "", false
	}
	if err := config.ApplyEnv(config.Defaults(), lookup); err == nil {
		t.Fatal("non-numeric LGDL_MAX_ROUNDS must fail")
	}
}

func TestLoad_FileAndEnvLayering(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lgdl.yaml")
	yaml := "server:\n  listen_addr: \":9090\"\n  log_level: debug\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	// Env wins over the file.
	t.Setenv("LGDL_LOG_LEVEL", "error")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("listen_addr = %q, want file value :9090", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogError {
		t.Errorf("log_level = %q, want env value error", cfg.Server.LogLevel)
	}
}

func TestDiff(t *testing.T) {
	old := config.Defaults()

	same := config.Defaults()
	if d := config.Diff(old, same); !d.Empty() {
		t.Errorf("identical configs must diff empty, got %+v", d)
	}

	changed := config.Defaults()
	changed.Server.LogLevel = config.LogDebug
	changed.Match.CostBudgetUSD = 0.02
	changed.Learning.Enabled = true

	d := config.Diff(old, changed)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level diff = %+v", d)
	}
	if !d.MatchChanged {
		t.Error("match diff not detected")
	}
	if d.NegotiationChanged {
		t.Error("negotiation did not change")
	}
	if !d.LearningToggled || !d.LearningEnabled {
		t.Errorf("learning diff = %+v", d)
	}
}
