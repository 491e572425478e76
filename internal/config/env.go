package config

import (
	"fmt"
	"strconv"
)

// ApplyEnv overlays LGDL_* environment variables onto cfg. lookup is
// [os.LookupEnv] in production and an in-test map lookup in tests.
//
// Recognised variables:
//
//	LGDL_LISTEN_ADDR              server.listen_addr
//	LGDL_LOG_LEVEL                server.log_level
//	LGDL_DEV_MODE                 server.dev_mode
//	LGDL_MAX_IN_FLIGHT_PER_GAME   server.max_in_flight_per_game
//	LGDL_LEXICAL_SHORT_CIRCUIT    match.lexical_short_circuit
//	LGDL_EMBEDDING_CUTOFF         match.embedding_cutoff
//	LGDL_GLOBAL_SHORT_CIRCUIT     match.global_short_circuit
//	LGDL_FUZZY_THRESHOLD          match.fuzzy_threshold
//	LGDL_COST_BUDGET_USD          match.cost_budget_usd
//	LGDL_MAX_ROUNDS               negotiation.max_rounds
//	LGDL_STAGNATION_EPSILON       negotiation.stagnation_epsilon
//	LGDL_STATE_BACKEND            state.backend
//	LGDL_POSTGRES_DSN             state.postgres_dsn
//	LGDL_CACHE_ENABLED            state.cache_enabled
//	LGDL_EMBEDDING_MODEL          embeddings.model
//	LGDL_EMBEDDING_MODEL_VERSION  embeddings.model_version
//	LGDL_EMBEDDING_DIMENSIONS     embeddings.dimensions
//	LGDL_EMBEDDING_API_KEY        embeddings.api_key
//	LGDL_LLM_PROVIDER             llm.provider
//	LGDL_LLM_MODEL                llm.model
//	LGDL_LLM_API_KEY              llm.api_key
//	LGDL_LEARNING_ENABLED         learning.enabled
//	LGDL_GAMES_DIR                games.dir
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	strVar(lookup, "LGDL_LISTEN_ADDR", &cfg.Server.ListenAddr)
	if v, ok := lookup("LGDL_LOG_LEVEL"); ok {
		cfg.Server.LogLevel = LogLevel(v)
	}
	strVar(lookup, "LGDL_POSTGRES_DSN", &cfg.State.PostgresDSN)
	if v, ok := lookup("LGDL_STATE_BACKEND"); ok {
		cfg.State.Backend = StateBackend(v)
	}
	strVar(lookup, "LGDL_EMBEDDING_MODEL", &cfg.Embeddings.Model)
	strVar(lookup, "LGDL_EMBEDDING_MODEL_VERSION", &cfg.Embeddings.ModelVersion)
	strVar(lookup, "LGDL_EMBEDDING_API_KEY", &cfg.Embeddings.APIKey)
	strVar(lookup, "LGDL_LLM_PROVIDER", &cfg.LLM.Provider)
	strVar(lookup, "LGDL_LLM_MODEL", &cfg.LLM.Model)
	strVar(lookup, "LGDL_LLM_API_KEY", &cfg.LLM.APIKey)
	strVar(lookup, "LGDL_GAMES_DIR", &cfg.Games.Dir)

	for _, v := range []struct {
		name string
		dst  *float64
	}{
		{"LGDL_LEXICAL_SHORT_CIRCUIT", &cfg.Match.LexicalShortCircuit},
		{"LGDL_EMBEDDING_CUTOFF", &cfg.Match.EmbeddingCutoff},
		{"LGDL_GLOBAL_SHORT_CIRCUIT", &cfg.Match.GlobalShortCircuit},
		{"LGDL_FUZZY_THRESHOLD", &cfg.Match.FuzzyThreshold},
		{"LGDL_COST_BUDGET_USD", &cfg.Match.CostBudgetUSD},
		{"LGDL_STAGNATION_EPSILON", &cfg.Negotiation.StagnationEpsilon},
	} {
		if err := floatVar(lookup, v.name, v.dst); err != nil {
			return err
		}
	}

	for _, v := range []struct {
		name string
		dst  *int
	}{
		{"LGDL_MAX_ROUNDS", &cfg.Negotiation.MaxRounds},
		{"LGDL_MAX_IN_FLIGHT_PER_GAME", &cfg.Server.MaxInFlightPerGame},
		{"LGDL_EMBEDDING_DIMENSIONS", &cfg.Embeddings.Dimensions},
	} {
		if err := intVar(lookup, v.name, v.dst); err != nil {
			return err
		}
	}

	for _, v := range []struct {
		name string
		dst  *bool
	}{
		{"LGDL_DEV_MODE", &cfg.Server.DevMode},
		{"LGDL_CACHE_ENABLED", &cfg.State.CacheEnabled},
		{"LGDL_LEARNING_ENABLED", &cfg.Learning.Enabled},
	} {
		if err := boolVar(lookup, v.name, v.dst); err != nil {
			return err
		}
	}

	return nil
}

func strVar(lookup func(string) (string, bool), name string, dst *string) {
	if v, ok := lookup(name); ok {
		*dst = v
	}
}

func floatVar(lookup func(string) (string, bool), name string, dst *float64) error {
	v, ok := lookup(name)
	if !ok {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("config: %s=%q is not a number: %w", name, v, err)
	}
	*dst = f
	return nil
}

func intVar(lookup func(string) (string, bool), name string, dst *int) error {
	v, ok := lookup(name)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s=%q is not an integer: %w", name, v, err)
	}
	*dst = n
	return nil
}

func boolVar(lookup func(string) (string, bool), name string, dst *bool) error {
	v, ok := lookup(name)
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("config: %s=%q is not a boolean: %w", name, v, err)
	}
	*dst = b
	return nil
}
