package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"apqueue/internal/backend"
	"apqueue/internal/config"
	"apqueue/internal/connectors"
	"apqueue/internal/events"
	"apqueue/internal/observability/logging"
	"apqueue/internal/observability/metrics"
	"apqueue/internal/queue"
	"apqueue/internal/reconcile"
	"apqueue/internal/resilience"
	"apqueue/internal/scanner"
	"apqueue/internal/settings"
	"apqueue/internal/sidebar"
	"apqueue/internal/storage"
	"apqueue/internal/triage"
)

// App holds the wired components shared by the binaries.
type App struct {
	Config config.Config
	Logger *slog.Logger

	Metrics  *metrics.Metrics
	DB       *storage.DB
	Bus      *events.Bus
	Settings *settings.Provider
	Store    *queue.Store
	Vendors  *triage.VendorDirectory
	Triage   *triage.Service
	Backend  *backend.Client
	Sync     *reconcile.Coordinator

	// Scanner stays nil until EnableScanner succeeds.
	Scanner *scanner.Service

	unsubMetrics func()
}

func New(cfg config.Config, service string) (*App, error) {
	logger := logging.New(service, cfg.LogLevel, cfg.LogFormat)

	db, err := storage.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	m := metrics.New(service)
	bus := events.NewBus(logger.With("component", "bus"))
	unsub := bus.Subscribe(m.Track)

	provider := settings.NewProvider(db, settings.FromConfig(cfg), logger.With("component", "settings"))
	if _, err := provider.Load(); err != nil {
		logger.Warn("using seed settings", "error", err)
	}

	store := queue.NewStore(db, bus, logger.With("component", "queue"))
	if err := store.Load(); err != nil {
		unsub()
		_ = db.Close()
		return nil, fmt.Errorf("load queue: %w", err)
	}

	vendors := triage.DefaultVendorDirectory()
	if err := vendors.LoadStored(db); err != nil {
		logger.Warn("stored vendors not loaded", "error", err)
	}
	if path := strings.TrimSpace(cfg.VendorsFile); path != "" {
		list, err := triage.LoadVendorsFile(path)
		if err != nil {
			logger.Warn("vendors file not loaded", "path", path, "error", err)
		} else {
			vendors.Merge(list)
		}
	}

	triageSvc := triage.NewService(triage.NewEngine(vendors), store, provider, m, logger.With("component", "triage"))
	client := backend.NewClient(cfg, provider, logger.With("component", "backend"))
	coordinator := reconcile.NewCoordinator(client, store, bus, reconcile.Options{
		MaxInFlight: cfg.SyncMaxInFlight,
		PushTimeout: time.Minute,
		Policy:      resilience.SyncPolicy(cfg.SyncRetryMaxAttempts, cfg.SyncRetryInitialMs, cfg.SyncRetryMaxMs),
	}, m, logger.With("component", "sync"))

	return &App{
		Config:       cfg,
		Logger:       logger,
		Metrics:      m,
		DB:           db,
		Bus:          bus,
		Settings:     provider,
		Store:        store,
		Vendors:      vendors,
		Triage:       triageSvc,
		Backend:      client,
		Sync:         coordinator,
		unsubMetrics: unsub,
	}, nil
}

// EnableScanner connects the configured mailbox and builds the scan service.
func (a *App) EnableScanner(ctx context.Context) error {
	conn, err := connectors.New(ctx, a.Config)
	if err != nil {
		return fmt.Errorf("mail connector: %w", err)
	}
	mail := connectors.NewMailStore(a.DB, a.Config.RawMailDir)
	fetch := connectors.NewFetchService(conn, mail, a.Logger.With("component", "fetch"))
	a.Scanner = scanner.NewService(fetch, mail, a.DB, a.Triage, a.Sync, a.Bus, scanner.Options{
		Label:    a.Config.MailLabel,
		FetchMax: a.Config.ScanFetchMax,
		Cooldown: a.Config.ScanCooldown(),
		Interval: a.Config.ScanInterval(),
	}, a.Metrics, a.Logger.With("component", "scanner"))
	return nil
}

// Controller builds the sidebar controller over the wired components.
func (a *App) Controller() *sidebar.Controller {
	deps := sidebar.Deps{
		Bus:      a.Bus,
		Store:    a.Store,
		Pusher:   a.Sync,
		Backend:  a.Backend,
		Settings: a.Settings,
		Vendors:  a.Vendors,
	}
	if a.Scanner != nil {
		deps.Scanner = a.Scanner
	}
	return sidebar.NewController(deps, sidebar.Options{
		ERPConnectTimeout: a.Config.ERPConnectTimeout(),
		RequestTimeout:    a.Config.BackendTimeout() * 2,
	}, a.Logger.With("component", "sidebar"))
}

// Close cancels outstanding pushes and releases storage.
func (a *App) Close() {
	a.Sync.Close()
	if a.unsubMetrics != nil {
		a.unsubMetrics()
	}
	if err := a.DB.Close(); err != nil {
		a.Logger.Warn("close storage failed", "error", err)
	}
}
