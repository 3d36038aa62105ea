package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tempo/internal/connectivity"
	"tempo/internal/domain"
	"tempo/internal/events"
	"tempo/internal/google"
	"tempo/internal/models"
	"tempo/internal/worker"

	"github.com/rs/zerolog"
)

var ErrEmptyCalendarID = errors.New("calendar id is required")

// Trigger names the reason a sync pass ran.
const (
	TriggerOnline   = "online"
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
	TriggerEnable   = "enable"
)

type ConfigStore interface {
	SyncConfig(ctx context.Context) (models.SyncConfig, error)
	UpdateSyncConfig(ctx context.Context, patch models.SyncConfigPatch) (models.SyncConfig, error)
}

type ActionQueue interface {
	Enqueue(ctx context.Context, kind models.ActionKind, entityType models.EntityType, payload json.RawMessage) (*models.OfflineAction, error)
	Stats(ctx context.Context) (models.StorageStats, error)
}

type Dispatcher interface {
	Drain(ctx context.Context) (worker.DrainReport, error)
	Trigger()
	Run(ctx context.Context)
}

type Reconciler interface {
	Reconcile(ctx context.Context, store domain.EventStore) (models.ReconcileResult, error)
}

// SyncReport is the outcome of one coordinated sync pass.
type SyncReport struct {
	Trigger           string                  `json:"trigger"`
	Reconcile         *models.ReconcileResult `json:"reconcile,omitempty"`
	Drain             worker.DrainReport      `json:"drain"`
	Errors            []string                `json:"errors"`
	ReconnectRequired bool                    `json:"reconnect_required"`
	StartedAt         time.Time               `json:"started_at"`
	FinishedAt        time.Time               `json:"finished_at"`
}

// SyncService is the single entry point the rest of the app uses for sync.
type SyncService struct {
	settings      ConfigStore
	monitor       *connectivity.Monitor
	queue         ActionQueue
	dispatcher    Dispatcher
	calendar      Reconciler
	eventStore    domain.EventStore
	eventBus      domain.EventPublisher
	checkInterval time.Duration
	logger        *zerolog.Logger
	now           func() time.Time

	started atomic.Bool
	ctxMu   sync.RWMutex
	baseCtx context.Context
	wg      sync.WaitGroup
}

func NewSyncService(
	settings ConfigStore,
	monitor *connectivity.Monitor,
	queue ActionQueue,
	dispatcher Dispatcher,
	calendar Reconciler,
	eventStore domain.EventStore,
	eventBus domain.EventPublisher,
	checkInterval time.Duration,
	logger *zerolog.Logger,
) *SyncService {
	if checkInterval <= 0 {
		checkInterval = time.Minute
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &SyncService{
		settings:      settings,
		monitor:       monitor,
		queue:         queue,
		dispatcher:    dispatcher,
		calendar:      calendar,
		eventStore:    eventStore,
		eventBus:      eventBus,
		checkInterval: checkInterval,
		logger:        logger,
		now:           time.Now,
		baseCtx:       context.Background(),
	}
}

// Start subscribes to connectivity, runs the dispatcher loop and the
// schedule check until ctx is done. Later calls are no-ops.
func (s *SyncService) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.ctxMu.Lock()
	s.baseCtx = ctx
	s.ctxMu.Unlock()

	sub := s.monitor.Subscribe(s.onConnectivityChange)
	go s.dispatcher.Run(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.monitor.Unsubscribe(sub)

		ticker := time.NewTicker(s.checkInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if s.monitor.IsOnline() {
					s.autoSync(ctx, TriggerSchedule)
				}
			}
		}
	}()

	if s.monitor.IsOnline() {
		s.background(TriggerOnline)
	}
	s.logger.Info().Dur("check_interval", s.checkInterval).Msg("sync service started")
}

// Wait blocks until background passes and the schedule loop have returned.
func (s *SyncService) Wait() {
	s.wg.Wait()
}

func (s *SyncService) onConnectivityChange(online bool) {
	if !online {
		return
	}
	s.background(TriggerOnline)
}

// runCtx is the context background passes run under: the one given to
// Start, or context.Background before that.
func (s *SyncService) runCtx() context.Context {
	s.ctxMu.RLock()
	defer s.ctxMu.RUnlock()
	return s.baseCtx
}

func (s *SyncService) background(trigger string) {
	ctx := s.runCtx()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.autoSync(ctx, trigger)
	}()
}

// ShouldAutoSync reports whether the configured frequency is due.
func (s *SyncService) ShouldAutoSync(ctx context.Context) bool {
	cfg, err := s.settings.SyncConfig(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to read sync config")
		return false
	}
	return shouldAutoSync(cfg, s.now())
}

func shouldAutoSync(cfg models.SyncConfig, now time.Time) bool {
	interval := cfg.Frequency.Interval()
	if interval == 0 {
		return false
	}
	if cfg.LastSyncTime == nil {
		return true
	}
	return now.Sub(*cfg.LastSyncTime) >= interval
}

// autoSync reconciles when sync is enabled and due, then requests a drain.
// The drain is requested even when reconciliation is skipped.
func (s *SyncService) autoSync(ctx context.Context, trigger string) {
	cfg, err := s.settings.SyncConfig(ctx)
	if err != nil {
		s.logger.Error().Err(err).Str("trigger", trigger).Msg("failed to read sync config")
		s.dispatcher.Trigger()
		return
	}

	if cfg.Enabled && shouldAutoSync(cfg, s.now()) {
		report := &SyncReport{Trigger: trigger, StartedAt: s.now(), Errors: []string{}}
		s.publish(events.EventSyncStarted, report)
		s.reconcile(ctx, report)
		report.FinishedAt = s.now()
		s.publish(events.EventSyncCompleted, report)
	}
	s.dispatcher.Trigger()
}

func (s *SyncService) reconcile(ctx context.Context, report *SyncReport) {
	if !s.monitor.IsOnline() {
		report.Errors = append(report.Errors, fmt.Sprintf("calendar: %v", worker.ErrOffline))
		return
	}

	result, err := s.calendar.Reconcile(ctx, s.eventStore)
	switch {
	case errors.Is(err, google.ErrReconcileInProgress):
		s.logger.Debug().Str("trigger", report.Trigger).Msg("reconciliation already running")
		return
	case err != nil:
		report.Errors = append(report.Errors, fmt.Sprintf("calendar: %v", err))
		report.ReconnectRequired = google.NeedsReconnect(err)
		s.logger.Warn().Err(err).Str("trigger", report.Trigger).Msg("reconciliation failed")
		return
	}

	report.Reconcile = &result
	report.Errors = append(report.Errors, result.Errors...)
	report.ReconnectRequired = result.ReconnectRequired
	if result.ReconnectRequired {
		s.logger.Warn().Str("trigger", report.Trigger).Msg("calendar session rejected, reconnect required")
	}
}

// ForceSyncNow reconciles (when sync is enabled) and drains the queue
// regardless of the schedule. Each step keeps its own single-flight guard.
func (s *SyncService) ForceSyncNow(ctx context.Context) (*SyncReport, error) {
	return s.syncNow(ctx, TriggerManual)
}

func (s *SyncService) syncNow(ctx context.Context, trigger string) (*SyncReport, error) {
	cfg, err := s.settings.SyncConfig(ctx)
	if err != nil {
		return nil, err
	}

	report := &SyncReport{Trigger: trigger, StartedAt: s.now(), Errors: []string{}}
	s.publish(events.EventSyncStarted, report)

	if cfg.Enabled {
		s.reconcile(ctx, report)
	}

	drain, err := s.dispatcher.Drain(ctx)
	report.Drain = drain
	report.Errors = append(report.Errors, drain.Errors...)
	report.FinishedAt = s.now()
	s.publish(events.EventSyncCompleted, report)

	if err != nil {
		return report, fmt.Errorf("drain queue: %w", err)
	}

	s.logger.Info().
		Int("errors", len(report.Errors)).
		Bool("reconnect_required", report.ReconnectRequired).
		Str("trigger", trigger).
		Msg("sync finished")
	return report, nil
}

// AddToSyncQueue persists the action and, when online, asks for a drain.
func (s *SyncService) AddToSyncQueue(ctx context.Context, kind models.ActionKind, entityType models.EntityType, payload json.RawMessage) (*models.OfflineAction, error) {
	action, err := s.queue.Enqueue(ctx, kind, entityType, payload)
	if err != nil {
		return nil, err
	}
	if s.monitor.IsOnline() {
		s.dispatcher.Trigger()
	}
	return action, nil
}

func (s *SyncService) GetSyncConfig(ctx context.Context) (models.SyncConfig, error) {
	return s.settings.SyncConfig(ctx)
}

func (s *SyncService) UpdateSyncConfig(ctx context.Context, patch models.SyncConfigPatch) (models.SyncConfig, error) {
	return s.settings.UpdateSyncConfig(ctx, patch)
}

// EnableSync turns sync on and starts a first pass in the background when
// online. An empty calendarID keeps the selected calendar, or picks the
// primary one when none was selected.
func (s *SyncService) EnableSync(ctx context.Context, calendarID string) (models.SyncConfig, error) {
	enabled := true
	patch := models.SyncConfigPatch{Enabled: &enabled}
	if calendarID != "" {
		patch.DefaultCalendarID = &calendarID
	} else {
		current, err := s.settings.SyncConfig(ctx)
		if err != nil {
			return models.SyncConfig{}, err
		}
		if current.DefaultCalendarID == "" {
			primary := models.DefaultCalendarID
			patch.DefaultCalendarID = &primary
		}
	}
	cfg, err := s.settings.UpdateSyncConfig(ctx, patch)
	if err != nil {
		return models.SyncConfig{}, err
	}

	if s.monitor.IsOnline() {
		runCtx := s.runCtx()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if _, err := s.syncNow(runCtx, TriggerEnable); err != nil {
				s.logger.Warn().Err(err).Msg("initial sync failed")
			}
		}()
	}
	return cfg, nil
}

func (s *SyncService) SelectCalendar(ctx context.Context, calendarID string) (models.SyncConfig, error) {
	if calendarID == "" {
		return models.SyncConfig{}, ErrEmptyCalendarID
	}
	return s.settings.UpdateSyncConfig(ctx, models.SyncConfigPatch{DefaultCalendarID: &calendarID})
}

func (s *SyncService) GetStorageStats(ctx context.Context) (models.StorageStats, error) {
	return s.queue.Stats(ctx)
}

func (s *SyncService) IsOnline() bool {
	return s.monitor.IsOnline()
}

func (s *SyncService) Subscribe(cb func(online bool)) connectivity.Subscription {
	return s.monitor.Subscribe(cb)
}

func (s *SyncService) Unsubscribe(sub connectivity.Subscription) {
	s.monitor.Unsubscribe(sub)
}

func (s *SyncService) publish(eventType string, report *SyncReport) {
	if s.eventBus == nil {
		return
	}
	payload := events.SyncPayload{
		Trigger: report.Trigger,
		Drained: report.Drain.Synced,
		Errors:  report.Errors,
	}
	if report.Reconcile != nil {
		payload.Imported = report.Reconcile.Imported
		payload.Exported = report.Reconcile.Exported
		payload.Updated = report.Reconcile.Updated
	}
	if err := s.eventBus.PublishJSON(eventType, payload); err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Msg("failed to publish sync event")
	}
}
