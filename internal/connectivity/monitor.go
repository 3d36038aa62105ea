package connectivity

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"tempo/internal/config"
	"tempo/internal/domain"
	"tempo/internal/events"
	"tempo/internal/metrics"
	"tempo/internal/models"

	"github.com/rs/zerolog"
)

var _ domain.ConnectivityChecker = (*Monitor)(nil)

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	id uint64
}

// Monitor keeps the online/offline belief and notifies subscribers on transitions only.
type Monitor struct {
	probeURL string
	timeout  time.Duration
	client   *http.Client
	bus      *events.EventBus
	logger   zerolog.Logger

	online  atomic.Bool
	running atomic.Bool

	// stateMu orders transitions so subscribers see them in sequence.
	stateMu sync.Mutex

	subsMu sync.RWMutex
	subs   map[uint64]func(bool)
	nextID uint64
}

// NewMonitor creates a monitor that starts in the offline state.
func NewMonitor(cfg config.ConnectivityConfig, bus *events.EventBus, logger *zerolog.Logger) *Monitor {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = models.DefaultProbeTimeout
	}

	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "connectivity").Logger()
	}

	return &Monitor{
		probeURL: cfg.ProbeURL,
		timeout:  timeout,
		client:   &http.Client{Timeout: timeout},
		bus:      bus,
		logger:   l,
		subs:     make(map[uint64]func(bool)),
	}
}

// IsOnline returns the last known state without blocking.
func (m *Monitor) IsOnline() bool {
	return m.online.Load()
}

// Probe checks reachability once and updates the state.
func (m *Monitor) Probe(ctx context.Context) bool {
	err := m.check(ctx)
	if err != nil {
		m.logger.Debug().Err(err).Msg("probe failed")
	}
	online := err == nil
	m.SetOnline(online)
	return online
}

func (m *Monitor) check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.probeURL, http.NoBody)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	return nil
}

// Start probes every interval until ctx is done. Calling it while a loop
// is already running is a no-op.
func (m *Monitor) Start(ctx context.Context, interval time.Duration) {
	if !m.running.CompareAndSwap(false, true) {
		return
	}
	if interval <= 0 {
		interval = models.DefaultProbeInterval
	}

	go func() {
		defer m.running.Store(false)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		m.Probe(ctx)
		for {
			select {
			case <-ctx.Done():
				m.logger.Info().Msg("connectivity monitor stopped")
				return
			case <-ticker.C:
				m.Probe(ctx)
			}
		}
	}()

	m.logger.Info().Dur("interval", interval).Str("url", m.probeURL).Msg("connectivity monitor started")
}

// SetOnline records an externally observed state through the same
// compare-and-notify path as Probe. Subscribers must not call SetOnline
// synchronously from their callback.
func (m *Monitor) SetOnline(online bool) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	if m.online.Swap(online) == online {
		return
	}

	metrics.SetOnline(online)
	m.logger.Info().Bool("online", online).Msg("connectivity changed")

	m.subsMu.RLock()
	callbacks := make([]func(bool), 0, len(m.subs))
	for _, cb := range m.subs {
		callbacks = append(callbacks, cb)
	}
	m.subsMu.RUnlock()

	for _, cb := range callbacks {
		m.notify(cb, online)
	}

	if err := m.bus.PublishJSON(events.EventConnectivityChanged, events.ConnectivityPayload{
		Online:    online,
		ChangedAt: time.Now(),
	}); err != nil {
		m.logger.Warn().Err(err).Msg("failed to publish connectivity event")
	}
}

func (m *Monitor) notify(cb func(bool), online bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Msg("connectivity subscriber panicked")
		}
	}()
	cb(online)
}

// Subscribe registers cb for state transitions.
func (m *Monitor) Subscribe(cb func(online bool)) Subscription {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	m.nextID++
	m.subs[m.nextID] = cb
	return Subscription{id: m.nextID}
}

func (m *Monitor) Unsubscribe(sub Subscription) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	delete(m.subs, sub.id)
}
