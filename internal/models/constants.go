package models

import "time"

// SyncFrequency controls how often automatic calendar sync runs.
type SyncFrequency string

const (
	FrequencyManual SyncFrequency = "manual"
	FrequencyHourly SyncFrequency = "hourly"
	FrequencyDaily  SyncFrequency = "daily"
)

// Interval returns the minimum time between automatic syncs. Manual returns 0.
func (f SyncFrequency) Interval() time.Duration {
	switch f {
	case FrequencyHourly:
		return time.Hour
	case FrequencyDaily:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Valid reports whether f is a known frequency.
func (f SyncFrequency) Valid() bool {
	switch f {
	case FrequencyManual, FrequencyHourly, FrequencyDaily:
		return true
	}
	return false
}

const (
	// DefaultCalendarID is used when no calendar has been selected.
	DefaultCalendarID = "primary"

	// SyncWindowDays bounds the reconciliation pull on either side of now.
	SyncWindowDays = 30

	// DefaultProbeTimeout bounds one connectivity probe.
	DefaultProbeTimeout = 5 * time.Second

	// DefaultProbeInterval is the period between connectivity probes.
	DefaultProbeInterval = 10 * time.Second

	// DefaultRequestTimeout bounds a single remote calendar call.
	DefaultRequestTimeout = 15 * time.Second
)

// KV keys shared by the stores.
const (
	KeySyncConfig  = "sync_config"
	KeyCredentials = "google_credentials"
	QueueKeyPrefix = "sync_queue:"
	QueueSeqKey    = "sync_queue:seq"
)
