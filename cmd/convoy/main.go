// Command convoy runs the agent-coordination engine.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/convoy-dev/convoy/internal/client"
	"github.com/convoy-dev/convoy/internal/engine"
	"github.com/convoy-dev/convoy/internal/executor"
	"github.com/convoy-dev/convoy/internal/graph"
	"github.com/convoy-dev/convoy/internal/monitor"
	"github.com/convoy-dev/convoy/internal/registry"
	"github.com/convoy-dev/convoy/internal/server"
	"github.com/convoy-dev/convoy/pkg/cache"
	"github.com/convoy-dev/convoy/pkg/config"
	"github.com/convoy-dev/convoy/pkg/observability"
	"github.com/convoy-dev/convoy/pkg/state"
)

// version is set via ldflags.
var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configFile string
	var logLevel string

	root := &cobra.Command{
		Use:           "convoy",
		Short:         "Agent coordination and conversation-state engine",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", os.Getenv("CONFIG_FILE"), "configuration file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configFile, logLevel)
		},
	}

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration and agent dependency graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, configFile)
		},
	}

	root.AddCommand(serve, validate)
	return root
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func runValidate(cmd *cobra.Command, configFile string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	reg, err := registry.Load(cfg)
	if err != nil {
		return err
	}
	if _, err := graph.NewResolver(reg).Resolve(reg.Names()); err != nil {
		return fmt.Errorf("agent dependency graph: %w", err)
	}
	for _, name := range reg.Names() {
		desc, _ := reg.Lookup(name)
		fmt.Fprintf(cmd.OutOrStdout(), "%-20s %-6s %s deps=%v\n",
			name, desc.Class, desc.ProcessURL(), desc.Dependencies)
	}
	return nil
}

// checklistsFromConfig converts configured checklist templates; nil keeps the
// engine's built-in defaults.
func checklistsFromConfig(cfg *config.Config) map[string]engine.ChecklistTemplate {
	if len(cfg.Checklists) == 0 {
		return nil
	}
	out := make(map[string]engine.ChecklistTemplate, len(cfg.Checklists))
	for agent, cl := range cfg.Checklists {
		tmpl := engine.ChecklistTemplate{Label: cl.Label}
		for _, cp := range cl.Checkpoints {
			tmpl.Checkpoints = append(tmpl.Checkpoints, engine.CheckpointTemplate{
				Name:           cp.Name,
				Label:          cp.Label,
				ExpectedInputs: cp.ExpectedInputs,
			})
		}
		out[agent] = tmpl
	}
	return out
}

func runServe(configFile, logLevel string) error {
	log := newLogger(logLevel)

	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	reg, err := registry.Load(cfg)
	if err != nil {
		return err
	}
	if _, err := graph.NewResolver(reg).Resolve(reg.Names()); err != nil {
		return fmt.Errorf("agent dependency graph: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracing, err := observability.NewTracing(ctx, observability.TracingConfig{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  "convoy",
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("tracing setup: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracing.Shutdown(shutdownCtx)
	}()

	metrics := observability.NewMetrics()

	var redisTier *cache.RedisTier
	tier, err := cache.NewRedisTier(cache.RedisOptions{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Prefix:   cfg.Redis.Prefix,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err != nil {
		log.Warn().Err(err).Str("addr", cfg.Redis.Addr).
			Msg("redis unreachable, running with local cache only")
	} else {
		redisTier = tier
		defer redisTier.Close()
	}

	cacheManager := cache.NewManager(cache.ManagerOptions{
		LocalCapacity: cfg.Cache.LocalCapacity,
		Redis:         redisTier,
		Metrics:       metrics,
		Logger:        log,
	})

	store := state.NewStore(state.StoreOptions{
		Cache:   cacheManager,
		Backing: state.NewBackingClient(cfg.BackingStore.URL, cfg.BackingStore.RequestTimeout),
		Metrics: metrics,
		Logger:  log,
		TTL:     cfg.Cache.ConversationTTL,
	})
	defer store.Close()

	breaker := client.NewBreaker(client.BreakerOptions{
		Threshold: cfg.Breaker.FailureThreshold,
		Window:    cfg.Breaker.RecoveryWindow,
		Metrics:   metrics,
	})

	svcClient := client.New(client.Options{
		Registry:     reg,
		Breaker:      breaker,
		Metrics:      metrics,
		Logger:       log,
		MaxConns:     cfg.HTTP.MaxConnections,
		MaxIdleConns: cfg.HTTP.MaxKeepaliveConnections,
		BaseDelay:    cfg.HTTP.RetryBaseDelay,
		RateLimit:    cfg.HTTP.RateLimit,
		RateBurst:    cfg.HTTP.RateBurst,
	})

	ex := executor.New(executor.Options{
		Registry:       reg,
		Caller:         svcClient,
		Cache:          cacheManager,
		Metrics:        metrics,
		Logger:         log,
		Tracer:         tracing.Tracer(),
		BatchDeadline:  cfg.Executor.BatchDeadline,
		PerAgentBudget: cfg.Executor.PerAgentDeadline,
		EvalTTL:        cfg.Cache.CheckpointEvalTTL,
	})

	eng := engine.New(engine.Options{
		Registry:   reg,
		Store:      store,
		Executor:   ex,
		Checklists: checklistsFromConfig(cfg),
		Logger:     log,
		Tracer:     tracing.Tracer(),
	})

	var mon *monitor.Monitor
	if cfg.Monitor.Enabled {
		mon = monitor.New(monitor.Options{
			Registry: reg,
			Metrics:  metrics,
			Logger:   log,
			Schedule: cfg.Monitor.Schedule,
		})
		if err := mon.Start(); err != nil {
			return fmt.Errorf("health monitor: %w", err)
		}
		defer mon.Stop()
	}

	srv := server.New(server.Options{
		Engine:  eng,
		Cache:   cacheManager,
		Breaker: breaker,
		Monitor: mon,
		Metrics: metrics,
		Logger:  log,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Str("version", version).
			Int("agents", reg.Len()).Msg("engine listening")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	return nil
}
