package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openagentd/agentd/internal/agent"
	"github.com/openagentd/agentd/internal/bus"
	"github.com/openagentd/agentd/internal/channels"
	"github.com/openagentd/agentd/internal/channels/cli"
	"github.com/openagentd/agentd/internal/config"
	"github.com/openagentd/agentd/internal/cron"
	"github.com/openagentd/agentd/internal/events"
	"github.com/openagentd/agentd/internal/policy"
	"github.com/openagentd/agentd/internal/providers"
	"github.com/openagentd/agentd/internal/ratelimit"
	"github.com/openagentd/agentd/internal/recovery"
	"github.com/openagentd/agentd/internal/runtime"
	"github.com/openagentd/agentd/internal/storage"
	"github.com/openagentd/agentd/internal/telemetry"
	"github.com/openagentd/agentd/internal/tools"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the agent daemon",
	RunE:  runGateway,
}

func init() {
	rootCmd.AddCommand(gatewayCmd)
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := setupLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("trace flush failed", "error", err)
		}
	}()

	store, err := events.Open(cfg.Events.Path, cfg.Events.Redact)
	if err != nil {
		return fmt.Errorf("event store: %w", err)
	}
	defer store.Close()

	backend, err := storage.New(cfg.Storage)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if err := backend.Initialize(ctx); err != nil {
		return fmt.Errorf("storage init: %w", err)
	}
	defer backend.Close()

	recoveryMgr, err := recovery.NewManager(cfg.Recovery.Dir)
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	limiter := ratelimit.NewOutboundLimiter(ratelimit.Config{
		MaxPerMinute: cfg.RateLimit.MaxPerMinute,
		MaxPerHour:   cfg.RateLimit.MaxPerHour,
		Mode:         ratelimit.Mode(cfg.RateLimit.Mode),
	})
	gcStop := make(chan struct{})
	defer close(gcStop)
	limiter.StartGC(10*time.Minute, gcStop)

	msgBus := bus.New(bus.Options{
		InboundSize:  cfg.Bus.InboundSize,
		OutboundSize: cfg.Bus.OutboundSize,
		Limiter:      limiter,
	})
	defer msgBus.Close()

	if err := os.MkdirAll(cfg.Agent.Workspace, 0o755); err != nil {
		return fmt.Errorf("workspace: %w", err)
	}

	engine := policy.NewEngine(policy.DefaultConfig())
	registry := buildRegistry(cfg)
	rt := runtime.New(registry, engine, store, logger)

	provider := providers.NewOpenAIProvider(
		cfg.Provider.Name, cfg.Provider.APIKey, cfg.Provider.BaseURL, cfg.Provider.Model)
	defer provider.Close()

	loop := agent.NewLoop(agent.Options{
		Router:            msgBus,
		Provider:          provider,
		Runtime:           rt,
		Registry:          registry,
		Engine:            engine,
		Storage:           backend,
		StorageName:       cfg.Storage.Driver,
		Recorder:          store,
		Recovery:          recoveryMgr,
		Limits:            limitsFromConfig(cfg),
		SystemPrompt:      cfg.Agent.SystemPrompt,
		RequestsPerMinute: cfg.Provider.RequestsPerMinute,
		Logger:            logger,
	})

	// New turns pick up reloaded limits; everything else needs a restart.
	watchPath := configPath
	if watchPath == "" {
		watchPath = config.DefaultPath()
	}
	if err := config.Watch(ctx, watchPath, logger, func(fresh *config.Config) {
		loop.SetLimits(limitsFromConfig(fresh))
	}); err != nil {
		logger.Warn("config watch unavailable", "error", err)
	}

	manager := channels.NewManager(msgBus, store, logger)
	if cfg.Channels.CLI.Enabled {
		if err := manager.Register(cli.New(cli.Options{ChatID: cfg.Channels.CLI.ChatID})); err != nil {
			return err
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)
	if len(cfg.Cron.Jobs) > 0 {
		scheduler, err := cron.NewScheduler(cfg.Cron.Jobs, msgBus, logger)
		if err != nil {
			return fmt.Errorf("cron: %w", err)
		}
		group.Go(func() error {
			scheduler.Run(groupCtx)
			return nil
		})
	}

	if err := loop.ResumeInterrupted(ctx, 10); err != nil {
		logger.Warn("recovery resume failed", "error", err)
	}

	manager.Start(ctx)
	logger.Info("agentd gateway running",
		"storage", cfg.Storage.Driver,
		"provider", provider.Name(),
		"model", cfg.Provider.Model)

	group.Go(func() error {
		loop.Run(groupCtx)
		return nil
	})
	if err := group.Wait(); err != nil {
		logger.Error("worker exited", "error", err)
	}

	logger.Info("shutting down")
	manager.Stop()

	if ctx.Err() != nil {
		return ErrInterrupted
	}
	return nil
}

func limitsFromConfig(cfg *config.Config) agent.Limits {
	limits := agent.DefaultLimits()
	if cfg.Agent.MaxIterations > 0 {
		limits.MaxIterations = cfg.Agent.MaxIterations
	}
	if cfg.Agent.MaxToolCallsPerMessage > 0 {
		limits.MaxToolCallsPerMessage = cfg.Agent.MaxToolCallsPerMessage
	}
	if cfg.Agent.MaxRetries > 0 {
		limits.MaxRetries = cfg.Agent.MaxRetries
	}
	if cfg.Agent.HistoryMaxMessages > 0 {
		limits.HistoryMaxMessages = cfg.Agent.HistoryMaxMessages
	}
	if cfg.Agent.HistoryMaxChars > 0 {
		limits.HistoryMaxChars = cfg.Agent.HistoryMaxChars
	}
	limits.MaxFollowupDepth = cfg.Agent.MaxFollowupDepth
	if cfg.Agent.RunTimeoutSeconds > 0 {
		limits.RunTimeout = time.Duration(cfg.Agent.RunTimeoutSeconds) * time.Second
	}
	return limits
}

func buildRegistry(cfg *config.Config) *tools.Registry {
	registry := tools.NewRegistry(tools.CallLimit{
		MaxCalls: cfg.Tools.MaxCallsPerMinute,
		Window:   time.Minute,
	})
	ws := cfg.Agent.Workspace
	restrict := cfg.Agent.RestrictToWorkspace
	registry.MustRegister(tools.NewReadFileTool(ws, restrict))
	registry.MustRegister(tools.NewWriteFileTool(ws, restrict))
	registry.MustRegister(tools.NewEditFileTool(ws, restrict))
	registry.MustRegister(tools.NewListDirTool(ws, restrict))
	registry.MustRegister(tools.NewSearchTool(ws, restrict))
	if cfg.Tools.EnableExec {
		registry.MustRegister(tools.NewExecTool(ws))
	}
	if cfg.Tools.EnableWebFetch {
		registry.MustRegister(tools.NewWebFetchTool())
	}
	return registry
}
