package settings

import (
	"context"
	"errors"
	"testing"
	"time"

	"tempo/internal/models"
	"tempo/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func TestSyncConfigDefaults(t *testing.T) {
	store := NewStore(repository.NewMemoryStore(), models.SyncConfig{Frequency: models.FrequencyHourly})

	cfg, err := store.SyncConfig(context.Background())
	require.NoError(t, err)
	assert.False(t, cfg.Enabled)
	assert.Equal(t, models.FrequencyHourly, cfg.Frequency)
	assert.Nil(t, cfg.LastSyncTime)
	assert.Equal(t, models.DefaultCalendarID, cfg.CalendarID())
}

func TestSyncConfigInvalidDefaultFrequency(t *testing.T) {
	store := NewStore(repository.NewMemoryStore(), models.SyncConfig{Frequency: "weekly"})

	cfg, err := store.SyncConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.FrequencyManual, cfg.Frequency)
}

func TestUpdateSyncConfig(t *testing.T) {
	ctx := context.Background()
	kv := repository.NewMemoryStore()
	store := NewStore(kv, models.SyncConfig{Frequency: models.FrequencyManual})

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	cfg, err := store.UpdateSyncConfig(ctx, models.SyncConfigPatch{
		Enabled:           ptr(true),
		DefaultCalendarID: ptr("work@example.com"),
		LastSyncTime:      &now,
	})
	require.NoError(t, err)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, models.FrequencyManual, cfg.Frequency, "untouched field kept")

	cfg, err = store.UpdateSyncConfig(ctx, models.SyncConfigPatch{Frequency: ptr(models.FrequencyDaily)})
	require.NoError(t, err)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, "work@example.com", cfg.CalendarID())

	// a fresh store over the same kv sees the persisted state
	reloaded, err := NewStore(kv, models.SyncConfig{}).SyncConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.FrequencyDaily, reloaded.Frequency)
	require.NotNil(t, reloaded.LastSyncTime)
	assert.True(t, now.Equal(*reloaded.LastSyncTime))

	_, err = store.UpdateSyncConfig(ctx, models.SyncConfigPatch{Frequency: ptr(models.SyncFrequency("weekly"))})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestCredentials(t *testing.T) {
	ctx := context.Background()
	store := NewStore(repository.NewMemoryStore(), models.SyncConfig{})

	creds, err := store.Credentials(ctx)
	require.NoError(t, err)
	assert.Nil(t, creds)

	require.NoError(t, store.SaveCredentials(ctx, &models.Credentials{AccessToken: "at", RefreshToken: "rt"}))
	creds, err = store.Credentials(ctx)
	require.NoError(t, err)
	require.NotNil(t, creds)
	assert.Equal(t, "rt", creds.RefreshToken)

	require.NoError(t, store.ClearCredentials(ctx))
	creds, err = store.Credentials(ctx)
	require.NoError(t, err)
	assert.Nil(t, creds)
}

type brokenKV struct {
	*repository.MemoryStore
}

func (brokenKV) Get(context.Context, string) ([]byte, error) { return nil, errors.New("io error") }

func TestStorageFailure(t *testing.T) {
	store := NewStore(brokenKV{repository.NewMemoryStore()}, models.SyncConfig{})

	_, err := store.SyncConfig(context.Background())
	assert.Error(t, err)
	_, err = store.UpdateSyncConfig(context.Background(), models.SyncConfigPatch{Enabled: ptr(true)})
	assert.Error(t, err)
	_, err = store.Credentials(context.Background())
	assert.Error(t, err)
}
