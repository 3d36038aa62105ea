package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	EventConnectivityChanged = "connectivity_changed"
	EventActionEnqueued      = "action_enqueued"
	EventSyncStarted         = "sync_started"
	EventSyncCompleted       = "sync_completed"
)

// ConnectivityPayload is published on every online/offline transition.
type ConnectivityPayload struct {
	Online    bool      `json:"online"`
	ChangedAt time.Time `json:"changed_at"`
}

// ActionPayload describes a freshly enqueued offline action.
type ActionPayload struct {
	ActionID   string `json:"action_id"`
	Kind       string `json:"kind"`
	EntityType string `json:"entity_type"`
}

// SyncPayload summarises a sync pass.
type SyncPayload struct {
	Trigger  string   `json:"trigger"`
	Imported int      `json:"imported,omitempty"`
	Exported int      `json:"exported,omitempty"`
	Updated  int      `json:"updated,omitempty"`
	Drained  int      `json:"drained,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

// Event represents a lightweight domain event.
type Event struct {
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// Subscription identifies a registered handler.
type Subscription struct {
	eventType string
	id        uint64
}

type subscriber struct {
	id      uint64
	handler EventHandler
}

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]subscriber
	nextID      uint64
	mu          sync.RWMutex
	logger      zerolog.Logger
}

// NewEventBus constructs an empty bus. A nil logger disables handler error logging.
func NewEventBus(logger *zerolog.Logger) *EventBus {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "event_bus").Logger()
	}
	return &EventBus{subscribers: make(map[string][]subscriber), logger: l}
}

// Subscribe registers a handler for a given event type.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subscribers[eventType] = append(b.subscribers[eventType], subscriber{id: b.nextID, handler: handler})
	return Subscription{eventType: eventType, id: b.nextID}
}

// Unsubscribe removes the handler. Unknown subscriptions are ignored.
func (b *EventBus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[sub.eventType]
	for i, s := range subs {
		if s.id == sub.id {
			b.subscribers[sub.eventType] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Publish notifies subscribers of the event type. A failing or panicking
// handler is logged and does not stop delivery to the rest.
func (b *EventBus) Publish(event *Event) {
	if b == nil {
		return
	}

	b.mu.RLock()
	subs := append([]subscriber(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, s := range subs {
		if err := b.deliver(s.handler, event); err != nil {
			b.logger.Warn().Err(err).Str("event", event.Type).Msg("event handler failed")
		}
	}
}

func (b *EventBus) deliver(handler EventHandler, event *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(event)
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	b.Publish(&Event{Type: eventType, Payload: raw, CreatedAt: time.Now()})
	return nil
}

// Decode unmarshals the event payload into v.
func (e *Event) Decode(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}
