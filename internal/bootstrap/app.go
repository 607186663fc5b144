package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"copytrade/internal/account"
	"copytrade/internal/alert"
	"copytrade/internal/api"
	"copytrade/internal/core"
	"copytrade/internal/events"
	"copytrade/internal/exchange"
	"copytrade/internal/infrastructure/health"
	"copytrade/internal/infrastructure/metrics"
	"copytrade/internal/operator"
	"copytrade/internal/store"
	"copytrade/internal/trading/fanout"
	"copytrade/internal/trading/protection"
	"copytrade/internal/trading/reconcile"
	"copytrade/internal/trading/sizing"
	"copytrade/pkg/concurrency"
	pkghttp "copytrade/pkg/http"
	"copytrade/pkg/logging"
	"copytrade/pkg/telemetry"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const serviceName = "copytrade"

// Version is reported as the telemetry service version; cmd sets it from build flags.
var Version = "dev"

// App represents the application context and holds core dependencies.
type App struct {
	Cfg        *Config
	Logger     core.ILogger
	Store      *store.SQLiteStore
	Pool       *account.Pool
	Workers    *concurrency.WorkerPool
	Alerts     *alert.AlertManager
	Reconciler *reconcile.Reconciler
	Operator   *operator.Service
	Health     *health.HealthManager
	Events     *events.Hub

	zap       *logging.ZapLogger
	telemetry *telemetry.Telemetry
	runners   []Runner
}

// NewApp creates a new App instance by bootstrapping all dependencies.
func NewApp(configPath string) (*App, error) {
	// 1. Load Configuration
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	// 2. Initialize Logger
	zl, err := InitLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	a := &App{Cfg: cfg, Logger: zl, zap: zl}

	if err := a.build(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build() error {
	cfg := a.Cfg
	logger := a.Logger

	if cfg.Telemetry.EnableMetrics {
		tel, err := telemetry.Setup(telemetry.Options{
			ServiceName:    serviceName,
			ServiceVersion: Version,
			ExportTraces:   cfg.Telemetry.ExportTraces,
			ExportLogs:     cfg.Telemetry.ExportLogs,
		})
		if err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
		a.telemetry = tel
	}

	limitBalance := decimal.NewFromFloat(cfg.Trading.DefaultLimitBalance)
	st, err := store.NewSQLiteStore(cfg.App.DatabasePath, limitBalance)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	a.Store = st

	factory, err := exchange.NewFactory(cfg, logger)
	if err != nil {
		return err
	}
	sizer := sizing.NewSizer(decimal.NewFromFloat(cfg.Trading.MaxAllocation))
	pool, err := account.Build(cfg.Accounts, cfg.Proxies, factory, sizer, core.MarginMode(strings.ToUpper(cfg.Trading.MarginMode)), logger)
	if err != nil {
		return fmt.Errorf("accounts: %w", err)
	}
	a.Pool = pool

	a.Workers = concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "dispatch",
		MaxWorkers:  cfg.Concurrency.DispatchPoolSize,
		MaxCapacity: cfg.Concurrency.DispatchPoolBuffer,
	}, logger)

	a.Alerts = alert.NewAlertManager(logger)
	if cfg.API.Enabled {
		a.Events = events.NewHub(logger)
		a.Alerts.AddChannel(alert.NewStreamChannel(a.Events))
	}
	if err := a.addAlertChannels(); err != nil {
		return err
	}

	dispatcher := fanout.NewDispatcher(pool, a.Workers, a.Alerts, fanout.Options{
		TaskTimeout:    cfg.Trading.RequestTimeoutDuration() * 3,
		BatchWait:      cfg.Trading.BatchWait(),
		FlushThreshold: cfg.Trading.NotifyFlushThreshold,
	}, logger)
	pm := protection.NewManager(dispatcher, st, logger)

	a.Reconciler = reconcile.NewReconciler(pool, st, pm, logger,
		cfg.Trading.ReconcileEvery(), cfg.Trading.RecordTimeoutDuration())
	a.Operator = operator.NewService(dispatcher, pm, st, operator.Options{
		BatchWait: cfg.Trading.BatchWait(),
	}, logger)

	a.Health = health.NewHealthManager(logger, 0)
	a.Health.Register("store", st.Ping)
	a.Health.Register("accounts", health.FromFunc(pool.CheckHealth))
	a.Health.Register("dispatch_pool", health.FromFunc(a.Workers.CheckHealth))
	interval := a.Reconciler.Interval()
	a.Health.Register("reconciler", health.Freshness("reconciler",
		func() time.Time { return a.Reconciler.GetStatus().CompletedAt },
		3*interval, 3*interval+cfg.Trading.RecordTimeoutDuration()))

	a.runners = append(a.runners, RunnerFunc(a.runReconciler))
	if cfg.API.Enabled {
		keys := make([]string, len(cfg.API.Keys))
		for i, k := range cfg.API.Keys {
			keys[i] = k.Reveal()
		}
		auth := api.NewAPIKeyValidator(keys, cfg.API.RateLimit, logger)
		server := api.NewServer(api.Options{
			Port:             cfg.API.Port,
			StreamOrigins:    cfg.API.StreamOrigins,
			MaxStreamClients: cfg.API.MaxStreamClients,
		}, a.Operator, a.Reconciler, a.Health, a.Events, auth, logger)
		a.runners = append(a.runners, RunnerFunc(a.Events.Run), server)
	}
	if cfg.Telemetry.EnableMetrics {
		a.runners = append(a.runners, metrics.NewServer(cfg.Telemetry.MetricsPort, nil, logger))
	}
	return nil
}

func (a *App) addAlertChannels() error {
	cfg := a.Cfg
	if !cfg.Telegram.Enabled && !cfg.Slack.Enabled {
		if a.Events == nil {
			a.Logger.Warn("No notification channel enabled, reports go to the log only")
		}
		return nil
	}

	client, err := pkghttp.NewClient(pkghttp.Options{
		Timeout:    cfg.Trading.RequestTimeoutDuration(),
		MaxRetries: 2,
	})
	if err != nil {
		return fmt.Errorf("notification client: %w", err)
	}

	if cfg.Telegram.Enabled {
		ch, err := alert.NewTelegramChannel(cfg.Telegram.BotToken.Reveal(), cfg.Telegram.ChatID, "", client)
		if err != nil {
			return err
		}
		a.Alerts.AddChannel(ch)
	}
	if cfg.Slack.Enabled {
		a.Alerts.AddChannel(alert.NewSlackChannel(cfg.Slack.WebhookURL.Reveal(), client))
	}
	return nil
}

func (a *App) runReconciler(ctx context.Context) error {
	if err := a.Reconciler.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return a.Reconciler.Stop()
}

// Runner is an interface for components that can be run and stopped gracefully.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to Runner
type RunnerFunc func(ctx context.Context) error

func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// Run verifies every account can authenticate, then runs the reconciler and
// the enabled servers until a termination signal or the first failure.
func (a *App) Run(runners ...Runner) error {
	// Create a context that is canceled when a termination signal is received.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	preflight, cancel := context.WithTimeout(ctx, 30*time.Second)
	err := a.Operator.VerifyCredentials(preflight)
	cancel()
	if err != nil {
		a.Logger.Error("Credential check failed", "error", err)
		return fmt.Errorf("pre-flight: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	a.Logger.Info("starting application",
		"accounts", a.Pool.Len(),
		"exchange", a.Cfg.App.Exchange,
		"channels", a.Alerts.Channels())
	a.Alerts.Alert(ctx, "copytrade started",
		fmt.Sprintf("%d accounts, reference %s", a.Pool.Len(), a.Pool.Reference().Name),
		alert.Info, nil)

	for _, r := range append(a.runners, runners...) {
		g.Go(func() error {
			return r.Run(ctx)
		})
	}

	// errgroup cancels ctx on the first failure; a plain signal ends with nil
	// from every runner.
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error("application stopped with error", "error", err)
		return err
	}

	a.Logger.Info("application shut down gracefully")
	return nil
}

// Close releases resources in reverse order of construction
func (a *App) Close() {
	if a.Workers != nil {
		a.Workers.Stop()
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Logger.Error("Failed to close store", "error", err)
		}
	}
	if a.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.telemetry.Shutdown(ctx); err != nil {
			a.Logger.Error("Failed to shut down telemetry", "error", err)
		}
	}
	if a.zap != nil {
		_ = a.zap.Sync()
	}
}
