package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"tempo/internal/config"
	"tempo/internal/connectivity"
	"tempo/internal/database"
	"tempo/internal/domain"
	"tempo/internal/events"
	"tempo/internal/google"
	"tempo/internal/logging"
	"tempo/internal/models"
	"tempo/internal/queue"
	"tempo/internal/repository"
	"tempo/internal/service"
	"tempo/internal/settings"
	"tempo/internal/worker"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// app holds the wired services shared by every command.
type app struct {
	cfg        *config.Config
	logger     zerolog.Logger
	closer     io.Closer
	db         *database.DB
	redis      *redis.Client
	kv         domain.KVStore
	bus        *events.EventBus
	monitor    *connectivity.Monitor
	queue      *queue.Queue
	settings   *settings.Store
	calendar   *google.CalendarAdapter
	dispatcher *worker.Dispatcher
	sync       *service.SyncService
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newApp(component string) (*app, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	a := &app{
		cfg:    cfg,
		logger: baseLogger.With().Str("component", component).Logger(),
		closer: closer,
	}

	if err := a.openStorage(baseLogger); err != nil {
		a.close()
		return nil, err
	}

	a.bus = events.NewEventBus(baseLogger)
	a.monitor = connectivity.NewMonitor(cfg.Connectivity, a.bus, baseLogger)
	a.queue = queue.New(a.kv, a.bus, baseLogger)
	a.settings = settings.NewStore(a.kv, models.SyncConfig{Frequency: models.SyncFrequency(cfg.Sync.Frequency)})

	a.dispatcher = worker.NewDispatcher(a.queue, a.monitor, worker.RetryPolicyFromConfig(cfg.Sync.Retry), baseLogger)

	var reconciler service.Reconciler = noCalendar{}
	calendarAdapter, err := google.NewCalendarAdapter(cfg.Google, a.settings, baseLogger)
	if err != nil {
		a.logger.Warn().Err(err).Msg("google calendar is not configured, continuing without calendar sync")
	} else {
		a.calendar = calendarAdapter
		reconciler = calendarAdapter
		a.dispatcher.RegisterHandler(models.EntityEvent, func(ctx context.Context, action models.OfflineAction) error {
			return calendarAdapter.ApplyEventAction(ctx, a.db, action)
		})
	}

	a.sync = service.NewSyncService(
		a.settings,
		a.monitor,
		a.queue,
		a.dispatcher,
		reconciler,
		a.db,
		a.bus,
		cfg.Sync.ScheduleCheckInterval,
		baseLogger,
	)

	return a, nil
}

// openStorage opens the KV backend named by storage.driver. Calendar events
// always live in SQLite; the memory driver keeps them in an in-memory database.
func (a *app) openStorage(logger *zerolog.Logger) error {
	cfg := a.cfg

	eventsPath := cfg.Storage.Path
	if cfg.Storage.Driver == "memory" {
		eventsPath = ":memory:"
	}
	db, err := database.NewDB(eventsPath, logger)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	a.db = db

	switch cfg.Storage.Driver {
	case "redis":
		client := repository.NewRedisClient(cfg.Redis)
		if err := repository.Ping(context.Background(), client); err != nil {
			_ = repository.Close(client)
			return fmt.Errorf("redis connection failed: %w", err)
		}
		a.logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
		a.redis = client
		a.kv = repository.NewRedisStore(client, cfg.App.Name)
	case "memory":
		a.kv = repository.NewMemoryStore()
	default:
		a.kv = db
	}
	return nil
}

func (a *app) close() {
	if a.redis != nil {
		_ = repository.Close(a.redis)
	}
	if a.db != nil {
		_ = a.db.Close()
	}
	if a.closer != nil {
		_ = a.closer.Close()
	}
}

func (a *app) requireCalendar() (*google.CalendarAdapter, error) {
	if a.calendar == nil {
		return nil, errors.New("google calendar is not configured: set google.client_id or google.credentials_file")
	}
	return a.calendar, nil
}

// noCalendar stands in for the adapter when no OAuth client is configured.
type noCalendar struct{}

func (noCalendar) Reconcile(context.Context, domain.EventStore) (models.ReconcileResult, error) {
	return models.ReconcileResult{Errors: []string{}}, google.ErrNotConnected
}
