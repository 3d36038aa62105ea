package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tempo"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	online = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connectivity_online",
			Help:      "1 when the last reachability probe succeeded.",
		},
	)

	actionsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_actions_enqueued_total",
			Help:      "Offline actions appended to the durable queue.",
		},
		[]string{"entity_type"},
	)

	actionsDrained = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_actions_drained_total",
			Help:      "Handler outcomes during queue drains.",
		},
		[]string{"result"},
	)

	pendingActions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_pending_actions",
			Help:      "Unsynced actions seen by the last drain.",
		},
	)

	reconcileItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_items_total",
			Help:      "Calendar events touched by reconciliation.",
		},
		[]string{"op"},
	)

	reconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_duration_seconds",
			Help:      "Wall time of calendar reconciliation passes.",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			online,
			actionsEnqueued,
			actionsDrained,
			pendingActions,
			reconcileItems,
			reconcileDuration,
		)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

func SetOnline(isOnline bool) {
	if isOnline {
		online.Set(1)
		return
	}
	online.Set(0)
}

func IncEnqueued(entityType string) {
	actionsEnqueued.WithLabelValues(entityType).Inc()
}

// ObserveDrain records one drain pass.
func ObserveDrain(pending, synced, failed, skipped int) {
	pendingActions.Set(float64(pending))
	actionsDrained.WithLabelValues("synced").Add(float64(synced))
	actionsDrained.WithLabelValues("failed").Add(float64(failed))
	actionsDrained.WithLabelValues("skipped").Add(float64(skipped))
}

// ObserveReconcile records one reconciliation pass.
func ObserveReconcile(imported, exported, updated, errs int, seconds float64) {
	reconcileItems.WithLabelValues("imported").Add(float64(imported))
	reconcileItems.WithLabelValues("exported").Add(float64(exported))
	reconcileItems.WithLabelValues("updated").Add(float64(updated))
	reconcileItems.WithLabelValues("error").Add(float64(errs))
	reconcileDuration.Observe(seconds)
}
