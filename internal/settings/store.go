package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"tempo/internal/domain"
	"tempo/internal/models"
)

// ErrInvalidConfig is returned for a patch that would leave the config unusable.
var ErrInvalidConfig = errors.New("invalid sync config")

// Store persists the sync policy and the OAuth session in the key-value store.
type Store struct {
	kv       domain.KVStore
	defaults models.SyncConfig
	mu       sync.Mutex
}

// NewStore returns a store that reports defaults until a config is saved.
func NewStore(kv domain.KVStore, defaults models.SyncConfig) *Store {
	if !defaults.Frequency.Valid() {
		defaults.Frequency = models.FrequencyManual
	}
	return &Store{kv: kv, defaults: defaults}
}

func (s *Store) SyncConfig(ctx context.Context) (models.SyncConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx)
}

func (s *Store) load(ctx context.Context) (models.SyncConfig, error) {
	raw, err := s.kv.Get(ctx, models.KeySyncConfig)
	if err != nil {
		return models.SyncConfig{}, fmt.Errorf("read sync config: %w", err)
	}
	if raw == nil {
		return s.defaults, nil
	}

	cfg := s.defaults
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return models.SyncConfig{}, fmt.Errorf("decode sync config: %w", err)
	}
	return cfg, nil
}

// UpdateSyncConfig applies patch atomically with respect to other updates
// and returns the stored result.
func (s *Store) UpdateSyncConfig(ctx context.Context, patch models.SyncConfigPatch) (models.SyncConfig, error) {
	if patch.Frequency != nil && !patch.Frequency.Valid() {
		return models.SyncConfig{}, fmt.Errorf("%w: unknown frequency %q", ErrInvalidConfig, *patch.Frequency)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.load(ctx)
	if err != nil {
		return models.SyncConfig{}, err
	}
	next := current.Apply(patch)

	raw, err := json.Marshal(next)
	if err != nil {
		return models.SyncConfig{}, fmt.Errorf("encode sync config: %w", err)
	}
	if err := s.kv.Set(ctx, models.KeySyncConfig, raw); err != nil {
		return models.SyncConfig{}, fmt.Errorf("write sync config: %w", err)
	}
	return next, nil
}

// Credentials returns the saved session or nil when not connected.
func (s *Store) Credentials(ctx context.Context) (*models.Credentials, error) {
	raw, err := s.kv.Get(ctx, models.KeyCredentials)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	if raw == nil {
		return nil, nil
	}
	var creds models.Credentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}
	return &creds, nil
}

func (s *Store) SaveCredentials(ctx context.Context, creds *models.Credentials) error {
	raw, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	if err := s.kv.Set(ctx, models.KeyCredentials, raw); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}

func (s *Store) ClearCredentials(ctx context.Context) error {
	if err := s.kv.Remove(ctx, models.KeyCredentials); err != nil {
		return fmt.Errorf("remove credentials: %w", err)
	}
	return nil
}
