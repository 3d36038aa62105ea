package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tempo/internal/domain"
	"tempo/internal/models"

	"github.com/google/uuid"
)

var _ domain.EventStore = (*DB)(nil)

// ErrEventNotFound is returned by GetEvent for an unknown id.
var ErrEventNotFound = errors.New("calendar event not found")

const selectEvents = `SELECT id, remote_id, title, description, start_at, end_at, color_tag, category, last_sync_time, local_only
    FROM calendar_events`

// ListEvents returns all local calendar events ordered by start time.
func (db *DB) ListEvents(ctx context.Context) ([]models.CalendarEvent, error) {
	rows, err := db.QueryContext(ctx, selectEvents+` ORDER BY start_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list calendar events: %w", err)
	}
	defer rows.Close()

	var events []models.CalendarEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// GetEvent returns one event by local id.
func (db *DB) GetEvent(ctx context.Context, id string) (*models.CalendarEvent, error) {
	ev, err := scanEvent(db.QueryRowContext(ctx, selectEvents+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// SaveEvent inserts or replaces an event. A missing id is generated.
func (db *DB) SaveEvent(ctx context.Context, event *models.CalendarEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	var remoteID sql.NullString
	if event.IsLinked() {
		remoteID = sql.NullString{String: *event.RemoteID, Valid: true}
	}
	var lastSync sql.NullTime
	if event.LastSyncTime != nil {
		lastSync = sql.NullTime{Time: *event.LastSyncTime, Valid: true}
	}

	query := `INSERT INTO calendar_events
        (id, remote_id, title, description, start_at, end_at, color_tag, category, last_sync_time, local_only, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            remote_id = excluded.remote_id,
            title = excluded.title,
            description = excluded.description,
            start_at = excluded.start_at,
            end_at = excluded.end_at,
            color_tag = excluded.color_tag,
            category = excluded.category,
            last_sync_time = excluded.last_sync_time,
            local_only = excluded.local_only,
            updated_at = excluded.updated_at`

	_, err := db.ExecContext(ctx, query,
		event.ID,
		remoteID,
		event.Title,
		event.Description,
		event.Start.UTC(),
		event.End.UTC(),
		event.ColorTag,
		event.Category,
		lastSync,
		event.LocalOnly,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save calendar event %s: %w", event.ID, err)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanEvent(s scannable) (models.CalendarEvent, error) {
	var (
		ev       models.CalendarEvent
		remoteID sql.NullString
		lastSync sql.NullTime
	)
	err := s.Scan(
		&ev.ID,
		&remoteID,
		&ev.Title,
		&ev.Description,
		&ev.Start,
		&ev.End,
		&ev.ColorTag,
		&ev.Category,
		&lastSync,
		&ev.LocalOnly,
	)
	if err != nil {
		return ev, err
	}
	if remoteID.Valid {
		id := remoteID.String
		ev.RemoteID = &id
	}
	if lastSync.Valid {
		t := lastSync.Time
		ev.LastSyncTime = &t
	}
	return ev, nil
}
