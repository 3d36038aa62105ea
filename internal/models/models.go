package models

import "time"

// SyncConfig is the persisted calendar sync policy.
type SyncConfig struct {
	Enabled           bool          `json:"enabled"`
	DefaultCalendarID string        `json:"default_calendar_id"`
	Frequency         SyncFrequency `json:"frequency"`
	LastSyncTime      *time.Time    `json:"last_sync_time"`
}

// SyncConfigPatch carries a partial update; nil fields are left unchanged.
type SyncConfigPatch struct {
	Enabled           *bool          `json:"enabled,omitempty"`
	DefaultCalendarID *string        `json:"default_calendar_id,omitempty"`
	Frequency         *SyncFrequency `json:"frequency,omitempty"`
	LastSyncTime      *time.Time     `json:"last_sync_time,omitempty"`
}

// Apply returns c with the non-nil fields of p applied.
func (c SyncConfig) Apply(p SyncConfigPatch) SyncConfig {
	if p.Enabled != nil {
		c.Enabled = *p.Enabled
	}
	if p.DefaultCalendarID != nil {
		c.DefaultCalendarID = *p.DefaultCalendarID
	}
	if p.Frequency != nil {
		c.Frequency = *p.Frequency
	}
	if p.LastSyncTime != nil {
		t := *p.LastSyncTime
		c.LastSyncTime = &t
	}
	return c
}

// CalendarID returns the selected calendar or the default one.
func (c SyncConfig) CalendarID() string {
	if c.DefaultCalendarID == "" {
		return DefaultCalendarID
	}
	return c.DefaultCalendarID
}

// Credentials is the persisted OAuth session.
type Credentials struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

// StorageStats summarises the durable store for diagnostics screens.
type StorageStats struct {
	TotalKeys    int `json:"total_keys"`
	QueueSize    int `json:"queue_size"`
	PendingCount int `json:"pending_count"`
}

// ReconcileResult aggregates one calendar reconciliation pass.
type ReconcileResult struct {
	Imported int      `json:"imported"`
	Exported int      `json:"exported"`
	Updated  int      `json:"updated"`
	Errors   []string `json:"errors"`
	// ReconnectRequired is set when a remote call failed because the
	// session was rejected even after a token refresh.
	ReconnectRequired bool `json:"reconnect_required"`
}

// RemoteCalendar is calendar metadata returned by the remote service.
type RemoteCalendar struct {
	ID       string `json:"id"`
	Summary  string `json:"summary"`
	Primary  bool   `json:"primary"`
	TimeZone string `json:"time_zone,omitempty"`
	Color    string `json:"color,omitempty"`
}
