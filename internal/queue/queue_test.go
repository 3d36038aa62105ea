package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"tempo/internal/database"
	"tempo/internal/events"
	"tempo/internal/models"
	"tempo/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockKV struct {
	mock.Mock
}

func (m *mockKV) Get(ctx context.Context, key string) ([]byte, error) {
	args := m.Called(ctx, key)
	raw, _ := args.Get(0).([]byte)
	return raw, args.Error(1)
}

func (m *mockKV) Set(ctx context.Context, key string, value []byte) error {
	return m.Called(ctx, key, value).Error(0)
}

func (m *mockKV) Remove(ctx context.Context, key string) error {
	return m.Called(ctx, key).Error(0)
}

func (m *mockKV) MultiSet(ctx context.Context, entries map[string][]byte) error {
	return m.Called(ctx, entries).Error(0)
}

func (m *mockKV) MultiRemove(ctx context.Context, keys []string) error {
	return m.Called(ctx, keys).Error(0)
}

func (m *mockKV) Keys(ctx context.Context, prefix string) ([]string, error) {
	args := m.Called(ctx, prefix)
	keys, _ := args.Get(0).([]string)
	return keys, args.Error(1)
}

func payload(title string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"title":%q}`, title))
}

func TestEnqueueAndPending(t *testing.T) {
	ctx := context.Background()
	q := New(repository.NewMemoryStore(), nil, nil)

	first, err := q.Enqueue(ctx, models.ActionCreate, models.EntityTask, payload("a"))
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, models.ActionUpdate, models.EntityTask, payload("b"))
	require.NoError(t, err)
	third, err := q.Enqueue(ctx, models.ActionDelete, models.EntityGoal, nil)
	require.NoError(t, err)

	assert.NotEmpty(t, first.ID)
	assert.NotEqual(t, first.ID, second.ID)
	assert.False(t, first.EnqueuedAt.IsZero())
	assert.Equal(t, json.RawMessage("null"), third.Payload)

	pending, err := q.AllPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, []string{first.ID, second.ID, third.ID},
		[]string{pending[0].ID, pending[1].ID, pending[2].ID})
	assert.JSONEq(t, `{"title":"b"}`, string(pending[1].Payload))
}

func TestFIFOIndependentOfClock(t *testing.T) {
	ctx := context.Background()
	q := New(repository.NewMemoryStore(), nil, nil)

	// a clock stepping backwards must not reorder the log
	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time {
		clock = clock.Add(-time.Minute)
		return clock
	}

	var ids []string
	for i := 0; i < 5; i++ {
		a, err := q.Enqueue(ctx, models.ActionCreate, models.EntityEvent, payload(fmt.Sprint(i)))
		require.NoError(t, err)
		ids = append(ids, a.ID)
	}

	pending, err := q.AllPending(ctx)
	require.NoError(t, err)
	got := make([]string, len(pending))
	for i, a := range pending {
		got[i] = a.ID
	}
	assert.Equal(t, ids, got)
}

func TestEnqueueValidation(t *testing.T) {
	ctx := context.Background()
	q := New(repository.NewMemoryStore(), nil, nil)

	_, err := q.Enqueue(ctx, "MOVE", models.EntityTask, nil)
	assert.ErrorIs(t, err, ErrInvalidAction)

	_, err = q.Enqueue(ctx, models.ActionCreate, "project", nil)
	assert.ErrorIs(t, err, ErrInvalidAction)

	_, err = q.Enqueue(ctx, models.ActionCreate, models.EntityTask, json.RawMessage(`{broken`))
	assert.ErrorIs(t, err, ErrInvalidAction)
}

func TestEnqueuePublishesEvent(t *testing.T) {
	bus := events.NewEventBus(nil)
	var got events.ActionPayload
	bus.Subscribe(events.EventActionEnqueued, func(e *events.Event) error {
		return e.Decode(&got)
	})

	q := New(repository.NewMemoryStore(), bus, nil)
	a, err := q.Enqueue(context.Background(), models.ActionCreate, models.EntitySetting, payload("x"))
	require.NoError(t, err)

	assert.Equal(t, a.ID, got.ActionID)
	assert.Equal(t, "setting", got.EntityType)
}

func TestMarkSyncedAndCompact(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	q := New(store, nil, nil)

	a, err := q.Enqueue(ctx, models.ActionCreate, models.EntityTask, payload("a"))
	require.NoError(t, err)
	b, err := q.Enqueue(ctx, models.ActionCreate, models.EntityTask, payload("b"))
	require.NoError(t, err)

	require.NoError(t, q.MarkSynced(ctx, a.ID))

	pending, err := q.AllPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, b.ID, pending[0].ID)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StorageStats{TotalKeys: 3, QueueSize: 2, PendingCount: 1}, stats)

	removed, err := q.Compact(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	raw, err := store.Get(ctx, actionKey(a.ID))
	require.NoError(t, err)
	assert.Nil(t, raw)

	removed, err = q.Compact(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)

	assert.ErrorIs(t, q.MarkSynced(ctx, "missing"), ErrNotFound)
}

func TestRecordFailure(t *testing.T) {
	ctx := context.Background()
	q := New(repository.NewMemoryStore(), nil, nil)

	a, err := q.Enqueue(ctx, models.ActionCreate, models.EntityTask, payload("a"))
	require.NoError(t, err)

	require.NoError(t, q.RecordFailure(ctx, a.ID, errors.New("remote rejected")))
	require.NoError(t, q.RecordFailure(ctx, a.ID, errors.New("remote rejected again")))

	pending, err := q.AllPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].Attempts)
	assert.Equal(t, "remote rejected again", pending[0].LastError)

	require.NoError(t, q.MarkSynced(ctx, a.ID))
	pending, err = q.AllPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDurabilityAcrossRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tempo.db")

	db, err := database.NewDB(path, nil)
	require.NoError(t, err)

	q := New(db, nil, nil)
	var enqueued []models.OfflineAction
	for _, title := range []string{"Buy milk", "Call mom", "Pay rent"} {
		a, err := q.Enqueue(ctx, models.ActionCreate, models.EntityTask, payload(title))
		require.NoError(t, err)
		enqueued = append(enqueued, *a)
	}
	require.NoError(t, q.MarkSynced(ctx, enqueued[1].ID))
	require.NoError(t, db.Close())

	reopened, err := database.NewDB(path, nil)
	require.NoError(t, err)
	defer reopened.Close()

	restored := New(reopened, nil, nil)
	pending, err := restored.AllPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	assert.Equal(t, enqueued[0].ID, pending[0].ID)
	assert.JSONEq(t, string(enqueued[0].Payload), string(pending[0].Payload))
	assert.Equal(t, enqueued[2].ID, pending[1].ID)
	assert.JSONEq(t, string(enqueued[2].Payload), string(pending[1].Payload))

	// the sequence continues after restart
	next, err := restored.Enqueue(ctx, models.ActionCreate, models.EntityTask, payload("after"))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), next.Seq)
}

func TestCompactConcurrentWithEnqueue(t *testing.T) {
	ctx := context.Background()
	q := New(repository.NewMemoryStore(), nil, nil)

	for i := 0; i < 20; i++ {
		a, err := q.Enqueue(ctx, models.ActionCreate, models.EntityTask, payload(fmt.Sprint(i)))
		require.NoError(t, err)
		require.NoError(t, q.MarkSynced(ctx, a.ID))
	}

	var wg sync.WaitGroup
	ids := make(chan string, 50)
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			a, err := q.Enqueue(ctx, models.ActionUpdate, models.EntityTask, payload(fmt.Sprint(i)))
			if assert.NoError(t, err) {
				ids <- a.ID
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			_, err := q.Compact(ctx)
			assert.NoError(t, err)
		}
	}()
	wg.Wait()
	close(ids)

	pending, err := q.AllPending(ctx)
	require.NoError(t, err)
	seen := make(map[string]bool, len(pending))
	for _, a := range pending {
		seen[a.ID] = true
	}
	for id := range ids {
		assert.True(t, seen[id], "action %s dropped by compaction", id)
	}
	assert.Len(t, pending, 50)
}

func TestStorageErrors(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("disk full")

	t.Run("Enqueue", func(t *testing.T) {
		kv := new(mockKV)
		kv.On("Get", mock.Anything, models.QueueSeqKey).Return(nil, nil)
		kv.On("MultiSet", mock.Anything, mock.Anything).Return(boom)

		_, err := New(kv, nil, nil).Enqueue(ctx, models.ActionCreate, models.EntityTask, payload("a"))
		assert.ErrorIs(t, err, ErrStorage)
		assert.ErrorIs(t, err, boom)
		kv.AssertExpectations(t)
	})

	t.Run("MarkSynced", func(t *testing.T) {
		kv := new(mockKV)
		kv.On("Get", mock.Anything, "sync_queue:a1").Return([]byte(`{"id":"a1","kind":"CREATE","entity_type":"task"}`), nil)
		kv.On("Set", mock.Anything, "sync_queue:a1", mock.Anything).Return(boom)

		err := New(kv, nil, nil).MarkSynced(ctx, "a1")
		assert.ErrorIs(t, err, ErrStorage)
	})

	t.Run("Compact", func(t *testing.T) {
		kv := new(mockKV)
		kv.On("Keys", mock.Anything, models.QueueKeyPrefix).Return(nil, boom)

		_, err := New(kv, nil, nil).Compact(ctx)
		assert.ErrorIs(t, err, ErrStorage)
	})

	t.Run("CorruptSequence", func(t *testing.T) {
		kv := new(mockKV)
		kv.On("Get", mock.Anything, models.QueueSeqKey).Return([]byte("nope"), nil)

		_, err := New(kv, nil, nil).Enqueue(ctx, models.ActionCreate, models.EntityTask, nil)
		assert.ErrorIs(t, err, ErrStorage)
	})
}

func TestCorruptRecordSkipped(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	q := New(store, nil, nil)

	a, err := q.Enqueue(ctx, models.ActionCreate, models.EntityTask, payload("ok"))
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, models.QueueKeyPrefix+"garbage", []byte("{")))

	pending, err := q.AllPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, a.ID, pending[0].ID)
}
