// Package app wires all runtime subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects the state
// store, matcher, learning engine, registry, turn engine, and HTTP server;
// Run serves until the context is cancelled; Shutdown tears everything down
// in reverse construction order.
//
// For testing, inject in-memory backends via functional options
// (WithStateStore, WithLearningStore, WithTransportFactory). When an option
// is not provided, New builds the real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wittgen/lgdl/internal/capability"
	"github.com/wittgen/lgdl/internal/config"
	"github.com/wittgen/lgdl/internal/embedstore"
	"github.com/wittgen/lgdl/internal/engine"
	"github.com/wittgen/lgdl/internal/health"
	"github.com/wittgen/lgdl/internal/learning"
	learnmem "github.com/wittgen/lgdl/internal/learning/memory"
	learnpg "github.com/wittgen/lgdl/internal/learning/postgres"
	"github.com/wittgen/lgdl/internal/match"
	"github.com/wittgen/lgdl/internal/negotiate"
	"github.com/wittgen/lgdl/internal/observe"
	"github.com/wittgen/lgdl/internal/registry"
	"github.com/wittgen/lgdl/internal/resilience"
	"github.com/wittgen/lgdl/internal/server"
	"github.com/wittgen/lgdl/pkg/provider/embeddings"
	"github.com/wittgen/lgdl/pkg/provider/llm"
	"github.com/wittgen/lgdl/pkg/state"
	"github.com/wittgen/lgdl/pkg/state/cached"
	statememory "github.com/wittgen/lgdl/pkg/state/memory"
	statepg "github.com/wittgen/lgdl/pkg/state/postgres"
)

// Providers holds the externally constructed model providers. Nil fields
// degrade the cascade: no embeddings provider skips the embedding stage, no
// LLM skips the judge stage.
type Providers struct {
	LLM        llm.Provider
	Embeddings embeddings.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg        *config.Config
	registry   *registry.Registry
	engine     *engine.Engine
	store      state.Store
	learner    *learning.Engine
	matcher    *match.Matcher
	negotiator *negotiate.Negotiator
	metrics    *observe.Metrics

	httpServer *http.Server

	// closers run in reverse order on Shutdown. The mutex covers appends from
	// the transport factory, which runs on game registration and reload.
	mu      sync.Mutex
	closers []namedCloser
}

type namedCloser struct {
	name  string
	close func(context.Context) error
}

// options collects test-injection overrides.
type options struct {
	store      state.Store
	learnStore learning.Store
	transport  registry.TransportFactory
	metricsH   http.Handler
}

// Option overrides one wiring decision, for tests.
type Option func(*options)

// WithStateStore injects a conversation state store.
func WithStateStore(s state.Store) Option {
	return func(o *options) { o.store = s }
}

// WithLearningStore injects a learning proposal store.
func WithLearningStore(s learning.Store) Option {
	return func(o *options) { o.learnStore = s }
}

// WithTransportFactory injects the capability transport factory.
func WithTransportFactory(f registry.TransportFactory) Option {
	return func(o *options) { o.transport = f }
}

// WithMetricsHandler injects the /metrics exposition handler.
func WithMetricsHandler(h http.Handler) Option {
	return func(o *options) { o.metricsH = h }
}

// New wires an App from the config.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{cfg: cfg, metrics: observe.DefaultMetrics()}

	if err := a.buildStateStore(ctx, &o); err != nil {
		return nil, err
	}
	if err := a.buildLearning(ctx, &o); err != nil {
		a.closeAll(ctx)
		return nil, err
	}

	matcher, err := a.buildMatcher(ctx, providers)
	if err != nil {
		a.closeAll(ctx)
		return nil, err
	}
	a.matcher = matcher
	a.negotiator = negotiate.New(matcher,
		negotiate.WithMaxRounds(cfg.Negotiation.MaxRounds),
		negotiate.WithEpsilon(cfg.Negotiation.StagnationEpsilon),
	)

	a.registry = registry.New(a.transportFactory(&o))
	if err := a.loadGames(ctx); err != nil {
		a.closeAll(ctx)
		return nil, err
	}

	a.engine = engine.New(a.registry, a.store, matcher,
		engine.WithLearning(a.learner),
		engine.WithMetrics(a.metrics),
		engine.WithMaxInFlightPerGame(cfg.Server.MaxInFlightPerGame),
		engine.WithNegotiator(a.negotiator),
	)

	a.buildHTTPServer(&o)
	return a, nil
}

// Run serves HTTP until ctx is cancelled or the listener fails.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", a.httpServer.Addr)
		if err := a.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("app: http server: %w", err)
	}
}

// Shutdown stops the HTTP server, then closes subsystems in reverse
// construction order.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http server: %w", err))
		}
	}
	if err := a.closeAll(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Reconfigure applies the hot-reloadable parts of a new config: cascade
// thresholds, negotiation tunables, and the learning toggle. Backend and
// provider fields are ignored; those need a restart. Returns the applied
// diff so the caller can handle process-level fields like the log level.
func (a *App) Reconfigure(cfg *config.Config) config.ConfigDiff {
	a.mu.Lock()
	defer a.mu.Unlock()

	d := config.Diff(a.cfg, cfg)
	if d.MatchChanged {
		a.matcher.Retune(
			match.WithLexicalShortCircuit(cfg.Match.LexicalShortCircuit),
			match.WithEmbeddingCutoff(cfg.Match.EmbeddingCutoff),
			match.WithGlobalShortCircuit(cfg.Match.GlobalShortCircuit),
			match.WithFuzzyThreshold(cfg.Match.FuzzyThreshold),
			match.WithCostBudget(cfg.Match.CostBudgetUSD),
		)
		slog.Info("cascade retuned",
			"lexical", cfg.Match.LexicalShortCircuit,
			"embedding", cfg.Match.EmbeddingCutoff,
			"global", cfg.Match.GlobalShortCircuit,
			"budget_usd", cfg.Match.CostBudgetUSD)
	}
	if d.NegotiationChanged {
		a.negotiator.Retune(
			negotiate.WithMaxRounds(cfg.Negotiation.MaxRounds),
			negotiate.WithEpsilon(cfg.Negotiation.StagnationEpsilon),
		)
		slog.Info("negotiation retuned",
			"max_rounds", cfg.Negotiation.MaxRounds,
			"epsilon", cfg.Negotiation.StagnationEpsilon)
	}
	if d.LearningToggled {
		a.learner.SetEnabled(d.LearningEnabled)
		slog.Info("learning toggled", "enabled", d.LearningEnabled)
	}
	a.cfg = cfg
	return d
}

// Engine exposes the turn engine, for embedding the app in other transports.
func (a *App) Engine() *engine.Engine { return a.engine }

// Registry exposes the game registry.
func (a *App) Registry() *registry.Registry { return a.registry }

// Handler exposes the HTTP routes without starting a listener.
func (a *App) Handler() http.Handler { return a.httpServer.Handler }

func (a *App) addCloser(name string, close func(context.Context) error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closers = append(a.closers, namedCloser{name, close})
}

func (a *App) closeAll(ctx context.Context) error {
	a.mu.Lock()
	closers := a.closers
	a.closers = nil
	a.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		c := closers[i]
		slog.Debug("closing subsystem", "name", c.name)
		if err := c.close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	return errors.Join(errs...)
}

// ─── wiring ─────────────────────────────────────────────────────────────────

func (a *App) buildStateStore(ctx context.Context, o *options) error {
	if o.store != nil {
		a.store = o.store
		return nil
	}

	var backing state.Store
	switch a.cfg.State.Backend {
	case config.StatePostgres:
		pg, err := statepg.New(ctx, a.cfg.State.PostgresDSN)
		if err != nil {
			return fmt.Errorf("app: state store: %w", err)
		}
		backing = pg
	default:
		backing = statememory.New()
	}

	if a.cfg.State.CacheEnabled {
		// A zero TTL applies the cache package default.
		backing = cached.New(backing, time.Duration(a.cfg.State.CacheTTLSeconds)*time.Second)
	}

	a.store = backing
	a.addCloser("state store", func(context.Context) error {
		backing.Close()
		return nil
	})
	return nil
}

func (a *App) buildLearning(ctx context.Context, o *options) error {
	lstore := o.learnStore
	if lstore == nil {
		switch {
		case a.cfg.State.Backend == config.StatePostgres:
			pg, err := a.postgresPool()
			if err != nil {
				return err
			}
			s, err := learnpg.New(ctx, pg.Pool())
			if err != nil {
				return fmt.Errorf("app: learning store: %w", err)
			}
			lstore = s
		default:
			lstore = learnmem.New()
		}
	}
	a.learner = learning.New(lstore, a.cfg.Learning.Enabled,
		learning.WithMetrics(a.metrics))
	return nil
}

func (a *App) buildMatcher(ctx context.Context, providers *Providers) (*match.Matcher, error) {
	var store *embedstore.Store
	if providers.Embeddings != nil {
		var cache embedstore.Cache
		if a.cfg.State.Backend == config.StatePostgres {
			pgc, err := embedstore.NewPGCache(ctx, a.cfg.State.PostgresDSN, a.cfg.Embeddings.Dimensions)
			if err != nil {
				return nil, fmt.Errorf("app: embedding cache: %w", err)
			}
			a.addCloser("embedding cache", func(context.Context) error {
				pgc.Close()
				return nil
			})
			cache = pgc
		} else {
			cache = embedstore.NewMemCache()
		}
		store = embedstore.New(providers.Embeddings, cache, a.cfg.Embeddings.ModelVersion)
	}

	var judge llm.Provider
	if providers.LLM != nil {
		// The breaker downgrades the cascade to lexical and embedding stages
		// while the judge is unhealthy.
		judge = resilience.NewLLMFallback(providers.LLM, providers.LLM.ModelID(),
			resilience.FallbackConfig{CircuitBreaker: a.breakerConfig()})
	}

	return match.New(store, judge,
		match.WithLexicalShortCircuit(a.cfg.Match.LexicalShortCircuit),
		match.WithEmbeddingCutoff(a.cfg.Match.EmbeddingCutoff),
		match.WithGlobalShortCircuit(a.cfg.Match.GlobalShortCircuit),
		match.WithFuzzyThreshold(a.cfg.Match.FuzzyThreshold),
		match.WithCostBudget(a.cfg.Match.CostBudgetUSD),
	), nil
}

// transportFactory selects the capability transport: MCP in production, the
// contract mock in dev mode.
func (a *App) transportFactory(o *options) registry.TransportFactory {
	if o.transport != nil {
		return o.transport
	}
	if a.cfg.Server.DevMode {
		return nil
	}
	return func(c *capability.Contract) capability.Transport {
		mcp := capability.NewMCPTransport(c)
		a.addCloser("mcp transport", func(context.Context) error {
			mcp.Close()
			return nil
		})
		return resilience.NewBreakerTransport(mcp, a.breakerConfig())
	}
}

// breakerConfig feeds circuit breaker transitions into the runtime metrics.
// The breaker fills in its own name.
func (a *App) breakerConfig() resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{
		OnStateChange: func(name string, from, to resilience.State) {
			a.metrics.RecordBreakerTransition(context.Background(), name,
				from.String(), to.String())
		},
	}
}

// loadGames registers every configured game source.
func (a *App) loadGames(ctx context.Context) error {
	paths := append([]string(nil), a.cfg.Games.Paths...)
	if a.cfg.Games.Dir != "" {
		entries, err := os.ReadDir(a.cfg.Games.Dir)
		if err != nil {
			return fmt.Errorf("app: games dir: %w", err)
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !strings.HasSuffix(name, ".json") ||
				strings.HasSuffix(name, ".contract.json") {
				continue
			}
			paths = append(paths, filepath.Join(a.cfg.Games.Dir, name))
		}
	}

	for _, p := range paths {
		if _, err := a.registry.Register(ctx, p); err != nil {
			return fmt.Errorf("app: register %s: %w", p, err)
		}
	}
	slog.Info("games loaded", "count", a.registry.Len())
	return nil
}

func (a *App) buildHTTPServer(o *options) {
	checks := []health.Checker{{
		Name:  "state",
		Check: a.store.Ping,
	}}
	hh := health.New(checks...).
		WithGamesLoaded(a.registry.Len).
		WithGameIDs(a.registry.IDs)

	metricsH := o.metricsH
	if metricsH == nil {
		metricsH = promhttp.Handler()
	}

	srv := server.New(a.engine, a.registry,
		server.WithHealth(hh),
		server.WithMetricsHandler(metricsH),
		server.WithObservability(a.metrics),
		server.WithDevMode(a.cfg.Server.DevMode),
	)

	a.httpServer = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// postgresPool digs the pgx pool out of the (possibly cache-wrapped) store.
func (a *App) postgresPool() (*statepg.Store, error) {
	switch s := a.store.(type) {
	case *statepg.Store:
		return s, nil
	case *cached.Store:
		if pg, ok := s.Backing().(*statepg.Store); ok {
			return pg, nil
		}
	}
	return nil, errors.New("app: postgres learning store requires the postgres state backend")
}
