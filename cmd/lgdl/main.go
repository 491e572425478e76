// Command lgdl is the language-game runtime CLI.
//
//	lgdl validate game.json...   compile game sources, report E1xx errors
//	lgdl compile game.json       emit the compiled move table as JSON
//	lgdl serve --config path     run the HTTP server
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/spf13/cobra"

	"github.com/wittgen/lgdl/internal/app"
	"github.com/wittgen/lgdl/internal/config"
	"github.com/wittgen/lgdl/internal/observe"
	"github.com/wittgen/lgdl/internal/registry"
	"github.com/wittgen/lgdl/pkg/lgerr"
	"github.com/wittgen/lgdl/pkg/provider/embeddings"
	oaembed "github.com/wittgen/lgdl/pkg/provider/embeddings/openai"
	"github.com/wittgen/lgdl/pkg/provider/llm/anyllm"
)

// shutdownTimeout bounds graceful teardown after a signal.
const shutdownTimeout = 15 * time.Second

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "lgdl",
		Short:         "Language-game conversation runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(validateCmd(), compileCmd(), serveCmd())
	return root
}

// ─── validate ───────────────────────────────────────────────────────────────

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <game.json>...",
		Short: "Compile game sources and report errors",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := registry.New(nil)
			var failed bool
			for _, path := range args {
				entry, err := reg.Register(cmd.Context(), path)
				if err != nil {
					failed = true
					if code := lgerr.CodeOf(err); code != "" {
						fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s: %v\n", path, code, err)
					} else {
						fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", path, err)
					}
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (game %q, %d moves)\n",
					path, entry.Game.ID, len(entry.Game.Moves))
			}
			if failed {
				return errors.New("validation failed")
			}
			return nil
		},
	}
}

// ─── compile ────────────────────────────────────────────────────────────────

// compiledMove is the JSON projection of one compiled move.
type compiledMove struct {
	ID        string            `json:"id"`
	Threshold float64           `json:"threshold"`
	Triggers  []compiledTrigger `json:"triggers"`
	Slots     []string          `json:"slots,omitempty"`
	Blocks    int               `json:"blocks"`
}

type compiledTrigger struct {
	Raw      string   `json:"raw"`
	Regex    string   `json:"regex"`
	Captures []string `json:"captures,omitempty"`
}

func compileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compile <game.json>",
		Short: "Compile a game source and emit the move table as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := registry.New(nil)
			entry, err := reg.Register(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := struct {
				ID       string         `json:"id"`
				Version  string         `json:"version"`
				FileHash string         `json:"file_hash"`
				Moves    []compiledMove `json:"moves"`
			}{
				ID:       entry.Game.ID,
				Version:  entry.Game.Version,
				FileHash: entry.FileHash,
			}
			for _, mv := range entry.Game.Moves {
				cm := compiledMove{
					ID:        mv.ID,
					Threshold: mv.Threshold,
					Slots:     mv.SlotOrder,
					Blocks:    len(mv.Blocks),
				}
				for _, trig := range mv.Triggers {
					cm.Triggers = append(cm.Triggers, compiledTrigger{
						Raw:      trig.Raw,
						Regex:    trig.Regex.String(),
						Captures: trig.CaptureNames,
					})
				}
				out.Moves = append(out.Moves, cm)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}

// ─── serve ──────────────────────────────────────────────────────────────────

func serveCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "lgdl.yaml", "path to the YAML configuration file")
	return cmd
}

func serve(configPath string) error {
	haveFile := true
	cfg, err := config.Load(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Warn("config file not found, using defaults and environment", "path", configPath)
			haveFile = false
			cfg = config.Defaults()
			if err := config.ApplyEnv(cfg, os.LookupEnv); err != nil {
				return err
			}
		} else {
			return err
		}
	}

	slog.SetDefault(newLogger(cfg.Server.LogLevel))
	slog.Info("lgdl starting",
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"state_backend", cfg.State.Backend,
		"dev_mode", cfg.Server.DevMode,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelStop, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "lgdl"})
	if err != nil {
		return fmt.Errorf("telemetry init: %w", err)
	}

	providers, err := buildProviders(cfg)
	if err != nil {
		return err
	}

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		return fmt.Errorf("initialise application: %w", err)
	}

	// With a config file present, edits to the hot-reloadable fields apply
	// without a restart.
	if haveFile {
		watcher, werr := config.NewWatcher(configPath, func(next *config.Config, diff config.ConfigDiff) {
			if diff.LogLevelChanged {
				slog.SetDefault(newLogger(diff.NewLogLevel))
				slog.Info("log level changed", "level", diff.NewLogLevel)
			}
			application.Reconfigure(next)
		})
		if werr != nil {
			return fmt.Errorf("watch config: %w", werr)
		}
		defer watcher.Stop()
	}

	slog.Info("server ready, press Ctrl+C to shut down", "games", application.Registry().Len())

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	slog.Info("shutting down")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return err
	}
	if err := otelStop(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// buildProviders instantiates the LLM judge and embeddings provider from the
// config. Either can be absent; the cascade degrades to its earlier stages.
func buildProviders(cfg *config.Config) (*app.Providers, error) {
	ps := &app.Providers{}

	if cfg.LLM.Provider != "" {
		var opts []anyllmlib.Option
		if cfg.LLM.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(cfg.LLM.APIKey))
		}
		if cfg.LLM.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(cfg.LLM.BaseURL))
		}
		p, err := anyllm.New(cfg.LLM.Provider, cfg.LLM.Model, opts...)
		if err != nil {
			return nil, fmt.Errorf("create llm provider %q: %w", cfg.LLM.Provider, err)
		}
		ps.LLM = p
		slog.Info("provider created", "kind", "llm", "name", cfg.LLM.Provider, "model", cfg.LLM.Model)
	}

	switch {
	case cfg.Embeddings.APIKey != "":
		var opts []oaembed.Option
		if cfg.Embeddings.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(cfg.Embeddings.BaseURL))
		}
		if cfg.Embeddings.ModelVersion != "" {
			opts = append(opts, oaembed.WithModelVersion(cfg.Embeddings.ModelVersion))
		}
		p, err := oaembed.New(cfg.Embeddings.APIKey, cfg.Embeddings.Model, opts...)
		if err != nil {
			return nil, fmt.Errorf("create embeddings provider: %w", err)
		}
		ps.Embeddings = p
		slog.Info("provider created", "kind", "embeddings", "model", cfg.Embeddings.Model)
	case cfg.Server.DevMode:
		// Deterministic hash embeddings keep the embedding stage alive
		// without network access.
		ps.Embeddings = embeddings.NewOffline()
		slog.Info("provider created", "kind", "embeddings", "model", "offline")
	}

	return ps, nil
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
