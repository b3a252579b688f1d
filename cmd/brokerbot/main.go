package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"brokerbot/internal/agent"
	"brokerbot/internal/broker"
	"brokerbot/internal/bus"
	"brokerbot/internal/channel"
	"brokerbot/internal/config"
	"brokerbot/internal/dispatch"
	"brokerbot/internal/memory"
	"brokerbot/internal/metrics"
	"brokerbot/internal/policy"
	"brokerbot/internal/provider"
	"brokerbot/internal/resolve"
	"brokerbot/internal/tool"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "brokerbot",
		Short: "BrokerBot: conversational brokerage assistant",
		Long:  "BrokerBot turns natural-language trading instructions into validated, authorized brokerage gateway calls.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.brokerbot/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(chatCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(configCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// setupLogger rebuilds the process logger from config.
func setupLogger(cfg *config.Config) {
	level := slog.LevelInfo
	switch cfg.General.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	out := os.Stderr
	if cfg.General.LogFile != "" {
		if f, err := os.OpenFile(cfg.General.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			out = f
		} else {
			logger.Warn("cannot open log file, logging to stderr", "path", cfg.General.LogFile, "err", err)
		}
	}
	logger = slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize config and data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgDir := config.DefaultConfigDir()
			cfgPath := config.DefaultConfigPath()
			if err := os.MkdirAll(cfgDir, 0o755); err != nil {
				return err
			}
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists at %s", cfgPath)
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.General.DataDir, 0o755); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "dataDir", cfg.General.DataDir)
			return nil
		},
	}
}

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start interactive chat (CLI)",
		RunE:  runChat,
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Warn("config not found, using defaults", "path", cfgPath, "err", err)
		cfg = config.Defaults()
	}
	setupLogger(cfg)

	if err := os.MkdirAll(cfg.General.DataDir, 0o755); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	messageBus := bus.New(100, logger)
	defer messageBus.Close()

	store, err := memory.NewSQLiteStore(cfg.Memory.DBPath, logger)
	if err != nil {
		return fmt.Errorf("history store: %w", err)
	}
	defer store.Close()

	// The gateway session is opened once and reused for every invocation.
	session, err := broker.Dial(ctx, broker.Config{
		Host:        cfg.Gateway.Host,
		Port:        cfg.Gateway.Port,
		ClientID:    cfg.Gateway.ClientID,
		CallTimeout: time.Duration(cfg.Gateway.CallTimeoutSeconds) * time.Second,
		ReadRetries: cfg.Gateway.ReadRetries,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("gateway session: %w", err)
	}
	defer session.Close()

	catalog, err := tool.NewCatalog(tool.Limits{
		MaxOrderQuantity: cfg.Limits.MaxOrderQuantity,
		MaxOrderNotional: cfg.Limits.MaxOrderNotional,
	}, logger)
	if err != nil {
		return fmt.Errorf("tool catalog: %w", err)
	}

	cli := channel.NewCLI(channel.CLIConfig{Logger: logger})

	policyEngine, err := policy.NewEngine(cfg.Policy, cli.Confirm, store, session, logger)
	if err != nil {
		return fmt.Errorf("policy engine: %w", err)
	}

	engine := dispatch.NewEngine(dispatch.Config{
		Resolver:    resolve.NewResolver(catalog),
		Executor:    session,
		Authorizer:  policyEngine,
		Logger:      logger,
		CallTimeout: time.Duration(cfg.Gateway.CallTimeoutSeconds) * time.Second,
		MaxReads:    cfg.Gateway.MaxConcurrentReads,
	})

	prov := provider.NewOpenAI(provider.OpenAIConfig{
		APIKey:  cfg.Model.APIKey,
		APIBase: cfg.Model.APIBase,
		Model:   cfg.Model.Model,
		Logger:  logger,
	})
	if err := prov.Healthy(ctx); err != nil {
		logger.Warn("model provider unhealthy at startup", "provider", prov.Name(), "err", err)
	}

	loop := agent.NewLoop(agent.LoopConfig{
		Provider:      prov,
		Sessions:      agent.NewSessionManager(store, logger),
		Prompt:        agent.NewPromptBuilder("", logger),
		Tools:         catalog,
		Dispatcher:    engine,
		Bus:           messageBus,
		Logger:        logger,
		MaxTokens:     cfg.Model.MaxTokens,
		Temperature:   cfg.Model.Temperature,
		RatePerMinute: cfg.Model.RatePerMinute,
		RateBurst:     cfg.Model.RateBurst,
	})

	go loop.Run(ctx)

	if cfg.Metrics.Enabled {
		go serveMetrics(ctx, cfg.Metrics)
	}

	return cli.Start(ctx, messageBus)
}

// serveMetrics exposes the Prometheus text endpoint until ctx is done.
func serveMetrics(ctx context.Context, cfg config.MetricsConfig) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Endpoint, metrics.Collector.Handler())
	srv := &http.Server{Addr: cfg.Listen, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listening", "addr", cfg.Listen, "endpoint", cfg.Endpoint)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server error", "err", err)
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show gateway and model provider status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				logger.Info("config", "path", cfgPath, "loaded", false)
				cfg = config.Defaults()
			} else {
				logger.Info("config", "path", cfgPath, "loaded", true)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			prov := provider.NewOpenAI(provider.OpenAIConfig{
				APIKey:  cfg.Model.APIKey,
				APIBase: cfg.Model.APIBase,
				Model:   cfg.Model.Model,
				Logger:  logger,
			})
			if err := prov.Healthy(ctx); err != nil {
				logger.Info("provider", "name", prov.Name(), "healthy", false, "err", err)
			} else {
				logger.Info("provider", "name", prov.Name(), "healthy", true)
			}

			session, err := broker.Dial(ctx, broker.Config{
				Host:     cfg.Gateway.Host,
				Port:     cfg.Gateway.Port,
				ClientID: cfg.Gateway.ClientID,
				Logger:   logger,
			})
			if err != nil {
				logger.Info("gateway", "host", cfg.Gateway.Host, "port", cfg.Gateway.Port, "connected", false, "err", err)
				return nil
			}
			defer session.Close()
			logger.Info("gateway", "host", cfg.Gateway.Host, "port", cfg.Gateway.Port, "connected", true, "degraded", session.Degraded())
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. policy.defaultPolicy)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(cfg, args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. policy.defaultPolicy confirm)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "value", args[1], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			data, _ := json.MarshalIndent(config.Sanitize(cfg), "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("brokerbot", version)
		},
	}
}
