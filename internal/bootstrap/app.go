// Package bootstrap wires the process: config, logging, telemetry, the
// exchange clients and the reconciliation registry.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trade_guard/internal/alert"
	"trade_guard/internal/config"
	"trade_guard/internal/core"
	"trade_guard/internal/exchange"
	"trade_guard/internal/exchange/bybit"
	"trade_guard/internal/infrastructure/health"
	"trade_guard/internal/infrastructure/metrics"
	"trade_guard/internal/reconcile"
	"trade_guard/internal/store"
	"trade_guard/pkg/logging"
	"trade_guard/pkg/telemetry"

	"golang.org/x/sync/errgroup"
)

// App holds the process-wide dependencies
type App struct {
	Cfg      *config.Config
	Logger   core.ILogger
	Registry *reconcile.Registry

	stateStore *store.SQLiteStore
	telemetry  *telemetry.Telemetry
	metricsSrv *metrics.Server
	streams    []*bybit.OrderStream
}

// NewApp bootstraps all dependencies from a config file
func NewApp(configPath string) (*App, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	tel, err := telemetry.Setup("trade_guard")
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	logging.SetGlobalLogger(logger)

	stateStore, err := store.NewSQLiteStore(cfg.System.DBPath)
	if err != nil {
		return nil, fmt.Errorf("state store: %w", err)
	}

	alertManager := alert.NewAlertManager(logger)
	if cfg.Alerts.TelegramBotToken != "" {
		alertManager.AddChannel(alert.NewTelegramChannel(cfg.Alerts.TelegramBotToken, cfg.Alerts.TelegramChatID))
	}
	if cfg.Alerts.SlackWebhookURL != "" {
		alertManager.AddChannel(alert.NewSlackChannel(cfg.Alerts.SlackWebhookURL))
	}

	mainAcct := cfg.Accounts["main"]
	mainClient := exchange.NewSafeOrderClient(
		bybit.NewClient(string(core.AccountMain), mainAcct, logger), mainAcct.RateLimit, logger)

	var mirrorClient core.IExchangeClient
	if cfg.MirrorEnabled() {
		mirrorAcct := cfg.Accounts["mirror"]
		mirrorClient = exchange.NewSafeOrderClient(
			bybit.NewClient(string(core.AccountMirror), mirrorAcct, logger), mirrorAcct.RateLimit, logger)
	}

	registry := reconcile.NewRegistry(reconcile.RegistryConfig{
		PollInterval:    time.Duration(cfg.Reconcile.PollIntervalSeconds) * time.Second,
		ReplaceDelay:    time.Duration(cfg.Reconcile.ReplaceDelayMs) * time.Millisecond,
		StopOrderLimit:  cfg.Reconcile.StopOrderLimit,
		ShutdownTimeout: time.Duration(cfg.Reconcile.ShutdownTimeoutSecs) * time.Second,
		MaxPasses:       cfg.Reconcile.MaxConcurrentPasses,
		PassQueue:       cfg.Reconcile.PassQueueCapacity,
	}, mainClient, mirrorClient, stateStore, alert.NewNotifier(alertManager), logger)

	app := &App{
		Cfg:        cfg,
		Logger:     logger,
		Registry:   registry,
		stateStore: stateStore,
		telemetry:  tel,
	}

	app.streams = append(app.streams, newStream(core.AccountMain, mainAcct, registry, logger))
	if cfg.MirrorEnabled() {
		app.streams = append(app.streams, newStream(core.AccountMirror, cfg.Accounts["mirror"], registry, logger))
	}

	if cfg.Telemetry.EnableMetrics {
		healthMgr := health.NewManager(logger)
		healthMgr.Register("state_store", stateStore.Ping)
		for _, s := range app.streams {
			stream := s
			healthMgr.Register("order_stream_"+stream.Account(), func() error {
				if !stream.Connected() {
					return fmt.Errorf("disconnected")
				}
				return nil
			})
		}
		app.metricsSrv = metrics.NewServer(cfg.Telemetry.MetricsPort, registry, healthMgr, logger)
	}

	return app, nil
}

func newStream(account core.Account, acct config.AccountConfig, registry *reconcile.Registry, logger core.ILogger) *bybit.OrderStream {
	wsURL := acct.WSURL
	if wsURL == "" {
		wsURL = "wss://stream.bybit.com/v5/private"
	}
	return bybit.NewOrderStream(string(account), wsURL, acct.APIKey, acct.SecretKey,
		registry.NudgeSymbol, logger)
}

// Runner is a component with a blocking lifecycle
type Runner interface {
	Run(ctx context.Context) error
}

// Run starts everything and blocks until a termination signal
func (a *App) Run(runners ...Runner) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.Logger.Info("Starting trade guard")

	if err := a.Registry.Restore(ctx); err != nil {
		return fmt.Errorf("restore monitors: %w", err)
	}

	if a.metricsSrv != nil {
		a.metricsSrv.Start()
	}
	for _, s := range a.streams {
		s.Start()
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, runner := range runners {
		r := runner
		g.Go(func() error {
			return r.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	err := g.Wait()

	a.shutdown()

	if err != nil && err != context.Canceled {
		a.Logger.Error("Application stopped with error", "error", err)
		return err
	}
	a.Logger.Info("Application shut down gracefully")
	return nil
}

func (a *App) shutdown() {
	timeout := time.Duration(a.Cfg.Reconcile.ShutdownTimeoutSecs) * time.Second
	a.Registry.Shutdown(timeout)

	for _, s := range a.streams {
		s.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if a.metricsSrv != nil {
		if err := a.metricsSrv.Stop(ctx); err != nil {
			a.Logger.Warn("Metrics server stop failed", "error", err)
		}
	}
	if err := a.stateStore.Close(); err != nil {
		a.Logger.Warn("State store close failed", "error", err)
	}
	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.Logger.Warn("Telemetry shutdown failed", "error", err)
	}
}
