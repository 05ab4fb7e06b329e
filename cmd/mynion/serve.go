package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/foie0222/mynion/internal/agent"
	"github.com/foie0222/mynion/internal/authflow"
	"github.com/foie0222/mynion/internal/channels/slack"
	"github.com/foie0222/mynion/internal/config"
	"github.com/foie0222/mynion/internal/dispatch"
	"github.com/foie0222/mynion/internal/observability"
	"github.com/foie0222/mynion/internal/server"
	"github.com/foie0222/mynion/internal/tokencache"
	"github.com/foie0222/mynion/internal/toolcall"
)

// buildServeCmd creates the "serve" command that starts the assistant.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the mynion server",
		Long: `Start the mynion server.

The server will:
1. Load configuration from the specified file
2. Connect to Slack and the Identity Directory
3. Start the event ingress, worker pool, and session sweeper
4. Serve health checks and metrics over HTTP

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  mynion serve

  # Start with custom config and debug logging
  mynion serve --config /etc/mynion/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "mynion.yaml",
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

// runServe implements the serve command logic: configuration loading, full
// component wiring, and graceful shutdown.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(cfg.Logging)
	metrics := observability.NewMetrics()

	_, shutdownTracer, err := observability.NewTracer(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(flushCtx); err != nil {
			logger.Warn(flushCtx, "tracer shutdown failed", "error", err)
		}
	}()

	logger.Info(ctx, "starting mynion",
		"version", version,
		"commit", commit,
		"config", configPath,
		"addr", cfg.Server.Addr(),
	)

	slackClient := slack.NewClient(cfg.Slack.BotToken)

	codec, err := authflow.NewStateCodec([]byte(cfg.Auth.StateSecret), cfg.Auth.SessionTTL)
	if err != nil {
		return fmt.Errorf("failed to build state codec: %w", err)
	}

	directory, err := authflow.NewDirectoryClient(ctx, authflow.DirectoryClientConfig{
		BaseURL:           cfg.Directory.BaseURL,
		TokenURL:          cfg.Directory.TokenURL,
		ClientID:          cfg.Directory.ClientID,
		ClientSecret:      cfg.Directory.ClientSecret,
		Scopes:            cfg.Directory.Scopes,
		AllowedReturnURLs: cfg.Directory.AllowedReturnURLs,
		Logger:            logger,
		Metrics:           metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to build directory client: %w", err)
	}

	broker, err := authflow.NewBroker(authflow.BrokerConfig{
		Directory:    directory,
		StateCodec:   codec,
		ReturnURL:    cfg.Auth.ReturnURL,
		SessionTTL:   cfg.Auth.SessionTTL,
		PollInterval: cfg.Auth.PollInterval,
		Logger:       logger,
		Metrics:      metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to build session broker: %w", err)
	}

	var injector *toolcall.Injector
	tools := make([]agent.ToolDef, 0, len(cfg.Tools.Definitions))
	if len(cfg.Tools.Definitions) > 0 {
		transport, err := toolcall.NewHTTPTransport(toolcall.HTTPTransportConfig{
			BaseURL: cfg.Tools.BaseURL,
		})
		if err != nil {
			return fmt.Errorf("failed to build tool transport: %w", err)
		}
		injector, err = toolcall.NewInjector(toolcall.InjectorConfig{
			Transport:  transport,
			Cache:      tokencache.New(tokencache.Options{}),
			Broker:     broker,
			WaitBudget: cfg.Auth.WaitBudget,
			Logger:     logger,
			Metrics:    metrics,
		})
		if err != nil {
			return fmt.Errorf("failed to build credential injector: %w", err)
		}
		for _, def := range cfg.Tools.Definitions {
			tools = append(tools, agent.ToolDef{
				Name:        def.Name,
				Description: def.Description,
				Schema:      json.RawMessage(def.Schema),
			})
		}
	}

	provider, err := agent.NewAnthropicProvider(agent.AnthropicConfig{
		APIKey:       cfg.Provider.APIKey,
		BaseURL:      cfg.Provider.BaseURL,
		DefaultModel: cfg.Provider.Model,
	})
	if err != nil {
		return fmt.Errorf("failed to build anthropic provider: %w", err)
	}

	runtime, err := agent.NewRuntime(agent.RuntimeConfig{
		Provider: provider,
		Injector: injector,
		Tools:    tools,
		System:   cfg.Provider.System,
		Model:    cfg.Provider.Model,
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to build agent runtime: %w", err)
	}

	queue := dispatch.NewQueue(cfg.Dispatch.QueueSize)

	ingress, err := dispatch.NewIngress(dispatch.IngressConfig{
		SigningSecret: cfg.Slack.SigningSecret,
		Queue:         queue,
		Logger:        logger,
		Metrics:       metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to build event ingress: %w", err)
	}

	pool, err := dispatch.NewPool(dispatch.PoolConfig{
		Queue:       queue,
		Messenger:   slackClient,
		Responder:   runtime,
		Workers:     cfg.Dispatch.Workers,
		TurnTimeout: cfg.Dispatch.TurnTimeout,
		Logger:      logger,
		Metrics:     metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to build worker pool: %w", err)
	}

	srv, err := server.New(server.Config{
		Addr:     cfg.Server.Addr(),
		Ingress:  ingress,
		Callback: authflow.NewCallbackHandler(broker, codec, logger, metrics),
		Broker:   broker,
		Pool:     pool,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("failed to build server: %w", err)
	}

	// Cancel on shutdown signals.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info(context.Background(), "shutdown signal received, draining")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	logger.Info(context.Background(), "mynion stopped gracefully")
	return nil
}
