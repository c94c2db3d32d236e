// Package main is the entry point for the evalgate gateway and its
// companion commands.
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

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/howard-nolan/evalgate/internal/config"
	"github.com/howard-nolan/evalgate/internal/gateway"
	"github.com/howard-nolan/evalgate/internal/inflight"
	"github.com/howard-nolan/evalgate/internal/logging"
	"github.com/howard-nolan/evalgate/internal/model"
	"github.com/howard-nolan/evalgate/internal/provider"
	"github.com/howard-nolan/evalgate/internal/server"
	"github.com/howard-nolan/evalgate/internal/store"
	"github.com/howard-nolan/evalgate/internal/usage"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "evalgate",
		Short:        "Streaming gateway for AI note evaluation and quizzes",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringP("config", "c", "config.yaml", "Path to the YAML config file (empty for env only)")

	serve := serveCmd()
	root.AddCommand(serve, evaluateCmd(), pricingCmd(), creditsCmd())

	// "serve" is the default when no subcommand is given.
	root.RunE = serve.RunE
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP gateway",
		RunE:  runServe,
	}
}

// loadConfig reads and validates the file named by --config.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// openStore opens storage and seeds the configured pricing.
func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	st, err := store.Open(ctx, cfg.Storage.Driver, cfg.Storage.DSN, store.WithCommandCosts(cfg.Billing.Costs))
	if err != nil {
		return nil, err
	}
	for _, p := range cfg.Pricing {
		err := st.UpsertPricing(ctx, model.ModelPricing{
			ModelID:                    p.Model,
			InputCostPerMillionTokens:  p.InputPerMillion,
			OutputCostPerMillionTokens: p.OutputPerMillion,
		})
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("seeding pricing for %s: %w", p.Model, err)
		}
	}
	return st, nil
}

// providerFactory builds an adapter from its config entry.
type providerFactory func(apiKey, baseURL string, client *http.Client) provider.Provider

var factories = map[string]providerFactory{
	"gemini": func(apiKey, baseURL string, client *http.Client) provider.Provider {
		return provider.NewGeminiProvider(apiKey, baseURL, client)
	},
	"openai": func(apiKey, baseURL string, client *http.Client) provider.Provider {
		return provider.NewOpenAIProvider(apiKey, baseURL, client)
	},
	"anthropic": func(apiKey, baseURL string, client *http.Client) provider.Provider {
		return provider.NewAnthropicProvider(apiKey, baseURL, client)
	},
}

// buildRegistry registers one adapter per configured provider.
func buildRegistry(cfg *config.Config, log logrus.FieldLogger) (*provider.Registry, error) {
	reg := provider.NewRegistry()
	for name, pc := range cfg.Providers {
		factory, ok := factories[name]
		if !ok {
			return nil, fmt.Errorf("unknown provider in config: %q", name)
		}
		// Timeout bounds a whole call, streams included. 0 means none.
		client := &http.Client{Timeout: pc.Timeout}
		reg.Register(factory(pc.APIKey, pc.BaseURL, client))
		log.WithFields(logrus.Fields{"provider": name, "models": pc.Models}).Info("registered provider")
	}
	return reg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer st.Close()

	reg, err := buildRegistry(cfg, logger)
	if err != nil {
		return err
	}

	var guard inflight.Guard = inflight.NewMemory()
	if cfg.Redis.Addr != "" {
		var rdb *redis.Client
		rdb, err = inflight.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer rdb.Close()
		guard = inflight.NewRedis(rdb, cfg.Redis.LockTTL, logger)
		logger.WithField("addr", cfg.Redis.Addr).Info("using redis in-flight guard")
	}

	bg := usage.NewBackground(logger, cfg.Gateway.BackgroundTimeout)
	gwCfg := gateway.Config{
		Registry:     reg,
		Models:       cfg.Models(),
		Tracker:      usage.NewTracker(st, st, bg, logger),
		Interactions: st,
		Logger:       logger,
		MaxTokens:    cfg.Gateway.MaxTokens,
	}
	if cfg.Billing.Enabled {
		gwCfg.Credits = st
	}

	srv := server.New(server.Deps{
		Gateway: gateway.New(gwCfg),
		Guard:   guard,
		Account: st,
		Health:  st,
		Logger:  logger,
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("port", cfg.Server.Port).Info("evalgate listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown incomplete")
	}
	// Usage entries are written in the background; let them land.
	if err := bg.Wait(shutdownCtx); err != nil {
		logger.WithError(err).Warn("pending usage writes abandoned")
	}
	return nil
}

// commandContext cancels on interrupt, for the client-side commands.
func commandContext(cmd *cobra.Command, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	if timeout <= 0 {
		return ctx, stop
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}
