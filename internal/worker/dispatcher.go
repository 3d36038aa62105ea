package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tempo/internal/domain"
	"tempo/internal/metrics"
	"tempo/internal/models"

	"github.com/rs/zerolog"
)

// ErrOffline marks a drain that stopped because connectivity was lost.
var ErrOffline = errors.New("connectivity lost during drain")

// HandlerFunc replays one action against the remote side.
type HandlerFunc func(ctx context.Context, action models.OfflineAction) error

// ActionQueue is the part of the durable queue the dispatcher drives.
type ActionQueue interface {
	AllPending(ctx context.Context) ([]models.OfflineAction, error)
	MarkSynced(ctx context.Context, id string) error
	RecordFailure(ctx context.Context, id string, cause error) error
	Compact(ctx context.Context) (int, error)
}

// DrainReport summarises one pass over the queue.
type DrainReport struct {
	Pending        int      `json:"pending"`
	Synced         int      `json:"synced"`
	Failed         int      `json:"failed"`
	Skipped        int      `json:"skipped"`
	Compacted      int      `json:"compacted"`
	Halted         bool     `json:"halted"`
	AlreadyRunning bool     `json:"already_running"`
	Errors         []string `json:"errors,omitempty"`
}

// Dispatcher drains the action queue through per-entity handlers.
type Dispatcher struct {
	queue       ActionQueue
	online      domain.ConnectivityChecker
	retryPolicy RetryPolicy
	logger      zerolog.Logger

	handlersMu sync.RWMutex
	handlers   map[models.EntityType]HandlerFunc

	draining atomic.Bool
	trigger  chan struct{}
}

// NewDispatcher builds a dispatcher with sane retry defaults.
func NewDispatcher(queue ActionQueue, online domain.ConnectivityChecker, retry RetryPolicy, logger *zerolog.Logger) *Dispatcher {
	if retry.MaxRetries == 0 {
		retry.MaxRetries = 5
	}
	if retry.InitialDelay == 0 {
		retry.InitialDelay = 2 * time.Second
	}
	if retry.MaxDelay == 0 {
		retry.MaxDelay = 1 * time.Minute
	}
	if retry.BackoffFactor == 0 {
		retry.BackoffFactor = 2
	}

	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "dispatcher").Logger()
	}

	return &Dispatcher{
		queue:       queue,
		online:      online,
		retryPolicy: retry,
		logger:      l,
		handlers:    make(map[models.EntityType]HandlerFunc),
		trigger:     make(chan struct{}, 1),
	}
}

// RegisterHandler wires the sync function for an entity type, replacing any previous one.
func (d *Dispatcher) RegisterHandler(entityType models.EntityType, fn HandlerFunc) {
	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()
	d.handlers[entityType] = fn
}

func (d *Dispatcher) handler(entityType models.EntityType) (HandlerFunc, bool) {
	d.handlersMu.RLock()
	defer d.handlersMu.RUnlock()
	fn, ok := d.handlers[entityType]
	return fn, ok
}

// Draining reports whether a pass is in flight.
func (d *Dispatcher) Draining() bool {
	return d.draining.Load()
}

// Drain replays pending actions in FIFO order. A call made while another
// pass is in flight returns at once with AlreadyRunning set. The pass stops
// before the first action seen while offline and leaves it and everything
// after it untouched. Handler failures are independent of each other.
// Returned errors come from the queue storage only.
func (d *Dispatcher) Drain(ctx context.Context) (DrainReport, error) {
	if !d.draining.CompareAndSwap(false, true) {
		d.logger.Debug().Msg("drain already in flight")
		return DrainReport{AlreadyRunning: true}, nil
	}
	defer d.draining.Store(false)

	var report DrainReport

	pending, err := d.queue.AllPending(ctx)
	if err != nil {
		return report, fmt.Errorf("load pending actions: %w", err)
	}
	report.Pending = len(pending)
	if len(pending) == 0 {
		return report, nil
	}

	start := time.Now()
	for i := range pending {
		action := pending[i]

		if !d.online.IsOnline() {
			report.Halted = true
			report.Errors = append(report.Errors, ErrOffline.Error())
			d.logger.Info().
				Int("remaining", len(pending)-i).
				Msg("connectivity lost, drain halted")
			break
		}

		fn, ok := d.handler(action.EntityType)
		if !ok {
			report.Skipped++
			d.logger.Warn().
				Str("action_id", action.ID).
				Str("entity_type", string(action.EntityType)).
				Msg("no handler registered, skipping action")
			continue
		}

		if err := d.run(ctx, fn, action); err != nil {
			report.Failed++
			report.Errors = append(report.Errors, fmt.Sprintf("%s %s %s: %v", action.Kind, action.EntityType, action.ID, err))
			d.logger.Warn().Err(err).
				Str("action_id", action.ID).
				Str("entity_type", string(action.EntityType)).
				Msg("action sync failed")
			if err := d.queue.RecordFailure(ctx, action.ID, err); err != nil {
				d.logger.Error().Err(err).Str("action_id", action.ID).Msg("failed to record action failure")
			}
			continue
		}

		if err := d.queue.MarkSynced(ctx, action.ID); err != nil {
			metrics.ObserveDrain(report.Pending, report.Synced, report.Failed, report.Skipped)
			return report, fmt.Errorf("mark action %s synced: %w", action.ID, err)
		}
		report.Synced++
	}

	metrics.ObserveDrain(report.Pending, report.Synced, report.Failed, report.Skipped)

	compacted, err := d.queue.Compact(ctx)
	report.Compacted = compacted
	if err != nil {
		return report, fmt.Errorf("compact queue: %w", err)
	}

	d.logger.Info().
		Int("synced", report.Synced).
		Int("failed", report.Failed).
		Int("skipped", report.Skipped).
		Bool("halted", report.Halted).
		Dur("took", time.Since(start)).
		Msg("drain finished")

	return report, nil
}

// run calls the handler and turns a panic into an ordinary failure.
func (d *Dispatcher) run(ctx context.Context, fn HandlerFunc, action models.OfflineAction) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(ctx, action)
}

// Trigger requests a drain from Run. It never blocks and coalesces with a
// pending request.
func (d *Dispatcher) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// Run drains on every Trigger until ctx is done. A trigger that lands while
// another pass holds the guard is retried after InitialDelay. A pass that leaves failed
// actions while online schedules a follow-up pass with exponential backoff,
// up to MaxRetries consecutive failed passes.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info().Msg("dispatcher started")
	defer d.logger.Info().Msg("dispatcher stopped")

	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	var retryC <-chan time.Time
	failedPasses := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.trigger:
			failedPasses = 0
		case <-retryC:
			retryC = nil
		}

		report, err := d.Drain(ctx)
		if err != nil {
			d.logger.Error().Err(err).Msg("drain failed")
		}

		if retryC != nil && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		retryC = nil

		// The pass in flight may have read the queue before the action that
		// triggered us was enqueued. Look again once it had time to finish.
		if report.AlreadyRunning {
			timer.Reset(d.retryPolicy.InitialDelay)
			retryC = timer.C
			continue
		}

		if (err != nil || report.Failed > 0) && !report.Halted && d.online.IsOnline() {
			if d.retryPolicy.Exhausted(failedPasses) {
				d.logger.Warn().Int("passes", failedPasses).Msg("retry budget exhausted, waiting for next trigger")
				continue
			}
			failedPasses++
			delay := d.retryPolicy.NextDelay(failedPasses)
			timer.Reset(delay)
			retryC = timer.C
			d.logger.Debug().Dur("delay", delay).Int("pass", failedPasses).Msg("scheduled retry drain")
			continue
		}
		failedPasses = 0
	}
}
