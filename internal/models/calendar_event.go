package models

import "time"

// CalendarEvent is a locally stored calendar entry.
// RemoteID is nil until the event has been exported or was imported.
type CalendarEvent struct {
	ID           string     `json:"id"`
	RemoteID     *string    `json:"remote_id"`
	Title        string     `json:"title"`
	Description  string     `json:"description"`
	Start        time.Time  `json:"start"`
	End          time.Time  `json:"end"`
	ColorTag     string     `json:"color_tag"`
	Category     string     `json:"category"`
	LastSyncTime *time.Time `json:"last_sync_time"`
	LocalOnly    bool       `json:"local_only"`
}

// IsLinked reports whether the event is tied to a remote event.
func (e *CalendarEvent) IsLinked() bool {
	return e.RemoteID != nil && *e.RemoteID != ""
}
