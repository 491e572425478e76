package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load builds the effective configuration: [Defaults], overlaid with the YAML
// file at path (skipped when path is empty), overlaid with LGDL_* environment
// variables, then validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()
		if err := decodeInto(cfg, f); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}

	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Defaults] and
// validates the result. Environment overrides are not applied. Useful in
// tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Defaults()
	if err := decodeInto(cfg, r); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeInto strictly decodes YAML from r over the existing cfg values.
func decodeInto(cfg *Config, r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MaxInFlightPerGame < 0 {
		errs = append(errs, fmt.Errorf("server.max_in_flight_per_game %d must not be negative", cfg.Server.MaxInFlightPerGame))
	}

	for _, th := range []struct {
		name  string
		value float64
	}{
		{"match.lexical_short_circuit", cfg.Match.LexicalShortCircuit},
		{"match.embedding_cutoff", cfg.Match.EmbeddingCutoff},
		{"match.global_short_circuit", cfg.Match.GlobalShortCircuit},
		{"match.fuzzy_threshold", cfg.Match.FuzzyThreshold},
	} {
		if th.value < 0 || th.value > 1 {
			errs = append(errs, fmt.Errorf("%s %.3f is out of range [0, 1]", th.name, th.value))
		}
	}
	if cfg.Match.GlobalShortCircuit < cfg.Match.EmbeddingCutoff {
		errs = append(errs, fmt.Errorf("match.global_short_circuit %.3f must not be below match.embedding_cutoff %.3f",
			cfg.Match.GlobalShortCircuit, cfg.Match.EmbeddingCutoff))
	}
	if cfg.Match.CostBudgetUSD < 0 {
		errs = append(errs, fmt.Errorf("match.cost_budget_usd %.4f must not be negative", cfg.Match.CostBudgetUSD))
	}

	if cfg.Negotiation.MaxRounds < 1 {
		errs = append(errs, fmt.Errorf("negotiation.max_rounds %d must be at least 1", cfg.Negotiation.MaxRounds))
	}
	if cfg.Negotiation.StagnationEpsilon <= 0 || cfg.Negotiation.StagnationEpsilon >= 1 {
		errs = append(errs, fmt.Errorf("negotiation.stagnation_epsilon %.3f is out of range (0, 1)", cfg.Negotiation.StagnationEpsilon))
	}

	if cfg.State.Backend != "" && !cfg.State.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("state.backend %q is invalid; valid values: memory, postgres", cfg.State.Backend))
	}
	if cfg.State.Backend == StatePostgres && cfg.State.PostgresDSN == "" {
		errs = append(errs, fmt.Errorf("state.postgres_dsn is required when state.backend is postgres"))
	}

	if cfg.Embeddings.Dimensions <= 0 {
		errs = append(errs, fmt.Errorf("embeddings.dimensions %d must be positive", cfg.Embeddings.Dimensions))
	}

	return errors.Join(errs...)
}
