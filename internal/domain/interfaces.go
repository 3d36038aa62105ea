package domain

import (
	"context"

	"tempo/internal/models"
)

// KVStore is the durable key-value collaborator. Get returns (nil, nil) for a
// missing key. A completed Set or MultiSet must survive a process crash.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	MultiSet(ctx context.Context, entries map[string][]byte) error
	MultiRemove(ctx context.Context, keys []string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// EventStore holds local calendar events touched by reconciliation.
type EventStore interface {
	ListEvents(ctx context.Context) ([]models.CalendarEvent, error)
	SaveEvent(ctx context.Context, event *models.CalendarEvent) error
}

// ConnectivityChecker exposes the last known reachability state.
type ConnectivityChecker interface {
	IsOnline() bool
}

// EventPublisher publishes domain events with a JSON payload.
type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}
