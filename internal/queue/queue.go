package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"tempo/internal/domain"
	"tempo/internal/events"
	"tempo/internal/metrics"
	"tempo/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrStorage wraps every failure of the underlying key-value store.
	ErrStorage = errors.New("queue storage failure")
	// ErrNotFound is returned for an unknown action id.
	ErrNotFound = errors.New("action not found")
	// ErrInvalidAction is returned by Enqueue for malformed input.
	ErrInvalidAction = errors.New("invalid action")
)

// Queue is a crash-safe FIFO log of offline actions kept in a KVStore.
// Each action lives under its own key so a write touches only one record.
type Queue struct {
	store  domain.KVStore
	bus    *events.EventBus
	logger zerolog.Logger

	// mu serialises read-modify-write sections.
	mu  sync.Mutex
	now func() time.Time
}

func New(store domain.KVStore, bus *events.EventBus, logger *zerolog.Logger) *Queue {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "queue").Logger()
	}
	return &Queue{store: store, bus: bus, logger: l, now: time.Now}
}

func actionKey(id string) string {
	return models.QueueKeyPrefix + id
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

// Enqueue appends a new action. The record and the sequence counter are
// written together and the action is durable once Enqueue returns.
func (q *Queue) Enqueue(ctx context.Context, kind models.ActionKind, entityType models.EntityType, payload json.RawMessage) (*models.OfflineAction, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidAction, kind)
	}
	if !entityType.Valid() {
		return nil, fmt.Errorf("%w: unknown entity type %q", ErrInvalidAction, entityType)
	}
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidAction)
	}

	q.mu.Lock()
	seq, err := q.lastSeq(ctx)
	if err != nil {
		q.mu.Unlock()
		return nil, err
	}

	action := &models.OfflineAction{
		ID:         uuid.NewString(),
		Kind:       kind,
		EntityType: entityType,
		Payload:    append(json.RawMessage(nil), payload...),
		EnqueuedAt: q.now().UTC(),
		Seq:        seq + 1,
	}

	raw, err := json.Marshal(action)
	if err != nil {
		q.mu.Unlock()
		return nil, fmt.Errorf("marshal action: %w", err)
	}

	err = q.store.MultiSet(ctx, map[string][]byte{
		actionKey(action.ID): raw,
		models.QueueSeqKey:   []byte(strconv.FormatUint(action.Seq, 10)),
	})
	q.mu.Unlock()
	if err != nil {
		return nil, storageErr("enqueue", err)
	}

	metrics.IncEnqueued(string(entityType))
	q.logger.Debug().
		Str("action_id", action.ID).
		Str("kind", string(kind)).
		Str("entity_type", string(entityType)).
		Uint64("seq", action.Seq).
		Msg("action enqueued")

	if err := q.bus.PublishJSON(events.EventActionEnqueued, events.ActionPayload{
		ActionID:   action.ID,
		Kind:       string(kind),
		EntityType: string(entityType),
	}); err != nil {
		q.logger.Warn().Err(err).Msg("failed to publish enqueue event")
	}

	return action, nil
}

func (q *Queue) lastSeq(ctx context.Context) (uint64, error) {
	raw, err := q.store.Get(ctx, models.QueueSeqKey)
	if err != nil {
		return 0, storageErr("read sequence", err)
	}
	if raw == nil {
		return 0, nil
	}
	seq, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: corrupt sequence %q", ErrStorage, raw)
	}
	return seq, nil
}

// load reads every action record. Undecodable records are logged and skipped.
func (q *Queue) load(ctx context.Context) ([]models.OfflineAction, error) {
	keys, err := q.store.Keys(ctx, models.QueueKeyPrefix)
	if err != nil {
		return nil, storageErr("list keys", err)
	}

	actions := make([]models.OfflineAction, 0, len(keys))
	for _, key := range keys {
		if !IsActionKey(key) {
			continue
		}
		raw, err := q.store.Get(ctx, key)
		if err != nil {
			return nil, storageErr("read action", err)
		}
		if raw == nil {
			continue
		}
		var a models.OfflineAction
		if err := json.Unmarshal(raw, &a); err != nil {
			q.logger.Error().Err(err).Str("key", key).Msg("skipping corrupt action record")
			continue
		}
		actions = append(actions, a)
	}

	sort.SliceStable(actions, func(i, j int) bool {
		if actions[i].Seq != actions[j].Seq {
			return actions[i].Seq < actions[j].Seq
		}
		return actions[i].EnqueuedAt.Before(actions[j].EnqueuedAt)
	})
	return actions, nil
}

// AllPending returns unsynced actions in enqueue order.
func (q *Queue) AllPending(ctx context.Context) ([]models.OfflineAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	all, err := q.load(ctx)
	if err != nil {
		return nil, err
	}
	pending := all[:0]
	for _, a := range all {
		if !a.Synced {
			pending = append(pending, a)
		}
	}
	return pending, nil
}

func (q *Queue) update(ctx context.Context, id string, op string, fn func(a *models.OfflineAction)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	raw, err := q.store.Get(ctx, actionKey(id))
	if err != nil {
		return storageErr(op, err)
	}
	if raw == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	var a models.OfflineAction
	if err := json.Unmarshal(raw, &a); err != nil {
		return fmt.Errorf("%w: decode action %s: %w", ErrStorage, id, err)
	}
	fn(&a)

	raw, err = json.Marshal(&a)
	if err != nil {
		return fmt.Errorf("marshal action: %w", err)
	}
	if err := q.store.Set(ctx, actionKey(id), raw); err != nil {
		return storageErr(op, err)
	}
	return nil
}

// MarkSynced flags the action as replayed. It is never returned by AllPending again.
func (q *Queue) MarkSynced(ctx context.Context, id string) error {
	return q.update(ctx, id, "mark synced", func(a *models.OfflineAction) {
		a.Synced = true
		a.LastError = ""
	})
}

// RecordFailure bumps the attempt counter and keeps the last handler error.
func (q *Queue) RecordFailure(ctx context.Context, id string, cause error) error {
	return q.update(ctx, id, "record failure", func(a *models.OfflineAction) {
		a.Attempts++
		if cause != nil {
			a.LastError = cause.Error()
		}
	})
}

// Compact removes synced actions and returns how many were dropped. Only
// records read as synced are deleted.
func (q *Queue) Compact(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	all, err := q.load(ctx)
	if err != nil {
		return 0, err
	}

	var synced []string
	for _, a := range all {
		if a.Synced {
			synced = append(synced, actionKey(a.ID))
		}
	}
	if len(synced) == 0 {
		return 0, nil
	}

	if err := q.store.MultiRemove(ctx, synced); err != nil {
		return 0, storageErr("compact", err)
	}
	q.logger.Debug().Int("removed", len(synced)).Msg("queue compacted")
	return len(synced), nil
}

// Stats reports key counts for the whole store and for the queue.
func (q *Queue) Stats(ctx context.Context) (models.StorageStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	keys, err := q.store.Keys(ctx, "")
	if err != nil {
		return models.StorageStats{}, storageErr("list keys", err)
	}
	all, err := q.load(ctx)
	if err != nil {
		return models.StorageStats{}, err
	}

	stats := models.StorageStats{TotalKeys: len(keys), QueueSize: len(all)}
	for _, a := range all {
		if !a.Synced {
			stats.PendingCount++
		}
	}
	return stats, nil
}

// IsActionKey reports whether key holds an action record.
func IsActionKey(key string) bool {
	return strings.HasPrefix(key, models.QueueKeyPrefix) && key != models.QueueSeqKey
}
